// Package api exposes the generation pipeline over HTTP.
package api

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image/png"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"golang.org/x/time/rate"

	"github.com/mbaxter/diffuse/internal/device"
	"github.com/mbaxter/diffuse/internal/logger"
	"github.com/mbaxter/diffuse/internal/pipeline"
	"github.com/mbaxter/diffuse/internal/version"
)

const (
	maxImageDim = 1024
	maxSteps    = 64
)

// Server handles the image generation API.
type Server struct {
	pipe    *pipeline.Pipeline
	store   *GenerationStore
	log     logger.Logger
	metrics *metrics
	limiter *rate.Limiter
	now     func() time.Time
}

// ServerConfig tunes a Server.
type ServerConfig struct {
	// RequestsPerSecond bounds generation requests. Zero disables limiting.
	RequestsPerSecond float64
	Burst             int
}

// NewServer wires a pipeline into an HTTP handler set.
func NewServer(pipe *pipeline.Pipeline, store *GenerationStore, log logger.Logger, cfg ServerConfig) *Server {
	if log == nil {
		log = logger.Default()
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &Server{
		pipe:    pipe,
		store:   store,
		log:     log,
		metrics: newMetrics(),
		limiter: limiter,
		now:     time.Now,
	}
}

// Register mounts the routes on e.
func (s *Server) Register(e *echo.Echo) {
	e.Use(s.logToContext)
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/status", s.handleStatus)
	e.GET("/metrics", echo.WrapHandler(s.metrics.handler()))

	g := e.Group("/v1/images")
	g.POST("/generations", s.handleGenerate, s.rateLimit)
	g.GET("/generations/:id", s.handleGet)
	g.DELETE("/generations/:id", s.handleDelete)
}

// logToContext makes the server logger reachable from handlers and anything
// they call via logger.FromContext.
func (s *Server) logToContext(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		req := c.Request()
		c.SetRequest(req.WithContext(logger.WithContext(req.Context(), s.log)))
		return next(c)
	}
}

func (s *Server) rateLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		if s.limiter != nil && !s.limiter.Allow() {
			s.metrics.rateLimited.Inc()
			return writeError(c, http.StatusTooManyRequests, "rate limit exceeded")
		}
		return next(c)
	}
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(c *echo.Context) error {
	m := s.pipe.Model()
	st := m.Alloc.Stats()
	resp := StatusResponse{
		Device:         m.Device.String(),
		Devices:        device.Available(),
		Quantized:      m.IsQuantized(),
		QuantWeights:   string(m.Quant.Weights),
		Compiled:       m.IsCompiled(),
		FootprintBytes: st.FootprintBytes,
		PeakBytes:      st.PeakBytes,
		Version:        version.String(),
	}
	if total, free, err := device.HostMemory(); err == nil {
		resp.HostTotalBytes = total
		resp.HostFreeBytes = free
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGenerate(c *echo.Context) error {
	var req GenerationRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "malformed request body")
	}
	params, err := s.paramsFor(&req)
	if err != nil {
		var inv invalidRequestError
		if errors.As(err, &inv) {
			return writeError(c, http.StatusBadRequest, inv.Error())
		}
		return writeError(c, http.StatusBadRequest, err.Error())
	}

	start := s.now()
	img, err := s.pipe.Generate(c.Request().Context(), params)
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidParams) {
			return writeError(c, http.StatusBadRequest, err.Error())
		}
		s.metrics.generations.WithLabelValues("error").Inc()
		logger.FromContext(c.Request().Context()).Error("generation failed", "error", err)
		if c.Request().Context().Err() != nil {
			return writeError(c, http.StatusRequestTimeout, "generation cancelled")
		}
		return writeError(c, http.StatusInternalServerError, "generation failed")
	}
	s.metrics.generations.WithLabelValues("ok").Inc()
	s.metrics.duration.Observe(s.now().Sub(start).Seconds())

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return writeError(c, http.StatusInternalServerError, "image encoding failed")
	}

	resp := &GenerationResponse{
		Object:    "image.generation",
		CreatedAt: s.now().Unix(),
		Prompt:    params.Prompt,
		Width:     params.Width,
		Height:    params.Height,
		Steps:     params.Steps,
		Seed:      params.Seed,
		Guidance:  float64(params.Guidance),
		Image:     base64.StdEncoding.EncodeToString(buf.Bytes()),
	}
	s.store.Put(resp)
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) paramsFor(req *GenerationRequest) (pipeline.Params, error) {
	if req.Prompt == "" {
		return pipeline.Params{}, newInvalidRequest("prompt is required")
	}
	params := pipeline.DefaultParams()
	params.Prompt = req.Prompt
	if req.Width != 0 {
		params.Width = req.Width
	}
	if req.Height != 0 {
		params.Height = req.Height
	}
	if req.Steps != 0 {
		params.Steps = req.Steps
	}
	if req.Seed != nil {
		params.Seed = *req.Seed
	}
	if req.Guidance != nil {
		params.Guidance = float32(*req.Guidance)
	}
	if params.Width > maxImageDim || params.Height > maxImageDim {
		return pipeline.Params{}, newInvalidRequest("image size exceeds limit")
	}
	if params.Steps > maxSteps {
		return pipeline.Params{}, newInvalidRequest("step count exceeds limit")
	}
	return params, nil
}

func (s *Server) handleGet(c *echo.Context) error {
	rec, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeError(c, http.StatusNotFound, "generation not found")
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleDelete(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeError(c, http.StatusNotFound, "generation not found")
	}
	return c.JSON(http.StatusOK, DeleteResponse{
		ID:      id,
		Object:  "image.generation.deleted",
		Deleted: true,
	})
}

func writeError(c *echo.Context, status int, msg string) error {
	typ := "invalid_request_error"
	if status >= http.StatusInternalServerError {
		typ = "server_error"
	}
	return c.JSON(status, errorBody{
		Error: errorDetail{
			Message: msg,
			Type:    typ,
		},
	})
}
