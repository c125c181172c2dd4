package device

import "sync"

// Allocator tracks the bytes a model holds on a device. Registered bytes are
// the static footprint (weights, caches); scratch buffers handed out by
// Floats count toward the live total until released. Peak follows the live
// total and can be reset between measurements.
type Allocator struct {
	mu        sync.Mutex
	footprint uint64
	current   uint64
	peak      uint64
}

// Stats is a point-in-time snapshot of an Allocator.
type Stats struct {
	FootprintBytes uint64
	CurrentBytes   uint64
	PeakBytes      uint64
}

// Register adds bytes to the static footprint and the live total.
func (a *Allocator) Register(bytes uint64) {
	a.mu.Lock()
	a.footprint += bytes
	a.current += bytes
	if a.current > a.peak {
		a.peak = a.current
	}
	a.mu.Unlock()
}

// Unregister removes bytes from the static footprint and the live total.
func (a *Allocator) Unregister(bytes uint64) {
	a.mu.Lock()
	if bytes > a.footprint {
		bytes = a.footprint
	}
	a.footprint -= bytes
	if bytes > a.current {
		bytes = a.current
	}
	a.current -= bytes
	a.mu.Unlock()
}

// Floats allocates a tracked float32 scratch buffer.
func (a *Allocator) Floats(n int) []float32 {
	a.track(uint64(n) * 4)
	return make([]float32, n)
}

// ReleaseFloats returns a scratch buffer's bytes to the allocator.
// The slice itself is left to the garbage collector.
func (a *Allocator) ReleaseFloats(buf []float32) {
	a.untrack(uint64(len(buf)) * 4)
}

func (a *Allocator) track(bytes uint64) {
	a.mu.Lock()
	a.current += bytes
	if a.current > a.peak {
		a.peak = a.current
	}
	a.mu.Unlock()
}

func (a *Allocator) untrack(bytes uint64) {
	a.mu.Lock()
	if bytes > a.current {
		bytes = a.current
	}
	a.current -= bytes
	a.mu.Unlock()
}

// ResetPeakStats sets the peak back to the current live total, so the next
// measurement window starts clean.
func (a *Allocator) ResetPeakStats() {
	a.mu.Lock()
	a.peak = a.current
	a.mu.Unlock()
}

// Stats returns a snapshot of the allocator counters.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		FootprintBytes: a.footprint,
		CurrentBytes:   a.current,
		PeakBytes:      a.peak,
	}
}
