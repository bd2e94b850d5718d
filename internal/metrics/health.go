package metrics

import (
	"sync"
	"time"
)

// Health tracks whether the pipeline is running. Halt is sticky: once the
// pipeline stops on a fatal error it stays unhealthy until restart.
type Health struct {
	mu     sync.RWMutex
	ready  bool
	halted bool
	cause  string
	since  time.Time
	gauge  interface{ Set(float64) }
}

// HealthStatus is a point-in-time view of Health.
type HealthStatus struct {
	Healthy bool      `json:"healthy"`
	Ready   bool      `json:"ready"`
	Cause   string    `json:"cause,omitempty"`
	Since   time.Time `json:"since"`
}

// NewHealth creates a healthy, not yet ready state. m may be nil.
func NewHealth(m *Metrics) *Health {
	h := &Health{since: time.Now().UTC()}
	if m != nil {
		h.gauge = m.Healthy
	}
	return h
}

// SetReady marks startup as complete.
func (h *Health) SetReady() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = true
}

// Halt records a fatal error.
func (h *Health) Halt(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.halted {
		return
	}
	h.halted = true
	h.ready = false
	h.since = time.Now().UTC()
	if err != nil {
		h.cause = err.Error()
	}
	if h.gauge != nil {
		h.gauge.Set(0)
	}
}

// Status returns the current state.
func (h *Health) Status() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HealthStatus{
		Healthy: !h.halted,
		Ready:   h.ready && !h.halted,
		Cause:   h.cause,
		Since:   h.since,
	}
}
