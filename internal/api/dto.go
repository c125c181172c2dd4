package api

// GenerationRequest is the body of POST /v1/images/generations.
type GenerationRequest struct {
	Prompt   string   `json:"prompt"`
	Width    int      `json:"width,omitempty"`
	Height   int      `json:"height,omitempty"`
	Steps    int      `json:"steps,omitempty"`
	Seed     *int64   `json:"seed,omitempty"`
	Guidance *float64 `json:"guidance,omitempty"`
}

// GenerationResponse describes one finished generation. Image carries the
// PNG bytes base64-encoded.
type GenerationResponse struct {
	ID        string  `json:"id"`
	Object    string  `json:"object"`
	CreatedAt int64   `json:"created_at"`
	Prompt    string  `json:"prompt"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	Steps     int     `json:"steps"`
	Seed      int64   `json:"seed"`
	Guidance  float64 `json:"guidance"`
	Image     string  `json:"image"`
}

// DeleteResponse confirms a deletion.
type DeleteResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

// StatusResponse reports the served model and host state.
type StatusResponse struct {
	Device         string `json:"device"`
	Devices        string `json:"devices"`
	Quantized      bool   `json:"quantized"`
	QuantWeights   string `json:"quant_weights,omitempty"`
	Compiled       bool   `json:"compiled"`
	FootprintBytes uint64 `json:"footprint_bytes"`
	PeakBytes      uint64 `json:"peak_bytes"`
	HostTotalBytes uint64 `json:"host_total_bytes,omitempty"`
	HostFreeBytes  uint64 `json:"host_free_bytes,omitempty"`
	Version        string `json:"version"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}
