// Package health aggregates liveness probes over the service's backing
// stores.
package health

import (
	"context"
	"sync"
	"time"
)

// Status is the aggregate or per-component health state.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Check is one probe's outcome.
type Check struct {
	Name      string `json:"name"`
	Status    Status `json:"status"`
	LatencyMS int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

type probe struct {
	name string
	fn   func(ctx context.Context) error
}

// Checker runs registered probes with a per-probe timeout.
type Checker struct {
	mu      sync.Mutex
	probes  []probe
	timeout time.Duration
}

// New creates a checker. A zero timeout defaults to two seconds per probe.
func New(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Checker{timeout: timeout}
}

// Add registers a named probe. A nil error from fn means healthy.
func (c *Checker) Add(name string, fn func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes = append(c.probes, probe{name: name, fn: fn})
}

// Run executes all probes and reports the aggregate status. The aggregate is
// unhealthy if any probe fails.
func (c *Checker) Run(ctx context.Context) (Status, []Check) {
	c.mu.Lock()
	probes := make([]probe, len(c.probes))
	copy(probes, c.probes)
	c.mu.Unlock()

	overall := StatusHealthy
	checks := make([]Check, 0, len(probes))
	for _, p := range probes {
		probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
		start := time.Now()
		err := p.fn(probeCtx)
		cancel()

		check := Check{
			Name:      p.name,
			Status:    StatusHealthy,
			LatencyMS: time.Since(start).Milliseconds(),
		}
		if err != nil {
			check.Status = StatusUnhealthy
			check.Error = err.Error()
			overall = StatusUnhealthy
		}
		checks = append(checks, check)
	}
	return overall, checks
}
