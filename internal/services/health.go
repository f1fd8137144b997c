package services

import (
	"context"
	"sync"
	"time"

	"ticket-settlement/internal/clock"
)

type HealthCheck func(ctx context.Context) error

type HealthStatus struct {
	Healthy   bool              `json:"healthy"`
	Checks    map[string]string `json:"checks"`
	Breaker   string            `json:"breaker,omitempty"`
	CheckedAt time.Time         `json:"checked_at"`
}

// HealthService runs the registered checks and keeps the last result for
// the health endpoint.
type HealthService struct {
	clock   clock.Clock
	timeout time.Duration

	mu      sync.RWMutex
	names   []string
	checks  map[string]HealthCheck
	breaker func() string
	last    HealthStatus
}

func NewHealthService(c clock.Clock, timeout time.Duration) *HealthService {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthService{clock: c, timeout: timeout, checks: map[string]HealthCheck{}}
}

func (h *HealthService) AddCheck(name string, check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.checks[name]; !ok {
		h.names = append(h.names, name)
	}
	h.checks[name] = check
}

// SetBreaker reports the provider circuit breaker state. An open breaker marks the service unhealthy.
func (h *HealthService) SetBreaker(state func() string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.breaker = state
}

func (h *HealthService) Probe(ctx context.Context) HealthStatus {
	h.mu.RLock()
	names := append([]string(nil), h.names...)
	checks := make(map[string]HealthCheck, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	breaker := h.breaker
	h.mu.RUnlock()

	st := HealthStatus{Healthy: true, Checks: make(map[string]string, len(names))}
	for _, name := range names {
		cctx, cancel := context.WithTimeout(ctx, h.timeout)
		err := checks[name](cctx)
		cancel()
		if err != nil {
			st.Healthy = false
			st.Checks[name] = err.Error()
			continue
		}
		st.Checks[name] = "ok"
	}
	if breaker != nil {
		st.Breaker = breaker()
		if st.Breaker == "open" {
			st.Healthy = false
		}
	}
	st.CheckedAt = h.clock.Now()

	h.mu.Lock()
	h.last = st
	h.mu.Unlock()
	return st
}

// Status returns the last probe result, probing first if there is none.
func (h *HealthService) Status(ctx context.Context) HealthStatus {
	h.mu.RLock()
	last := h.last
	h.mu.RUnlock()
	if last.CheckedAt.IsZero() {
		return h.Probe(ctx)
	}
	return last
}
