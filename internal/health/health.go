// Package health aggregates readiness probes over the server's external
// dependencies: the Postgres store and the chain RPC endpoint.
package health

import (
	"context"
	"sync"
	"time"
)

// DefaultProbeTimeout bounds each individual probe so one hung dependency
// cannot stall the readiness endpoint.
const DefaultProbeTimeout = 2 * time.Second

// Status is one dependency's probe result.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes a single dependency. It must honor ctx cancellation; the
// registry hands it a deadline-bounded context.
type Checker func(ctx context.Context) Status

type probe struct {
	name  string
	check Checker
}

// Registry holds named probes and runs them on demand, in registration
// order.
type Registry struct {
	mu      sync.RWMutex
	timeout time.Duration
	probes  []probe
}

func NewRegistry() *Registry {
	return &Registry{timeout: DefaultProbeTimeout}
}

// WithTimeout overrides the per-probe deadline.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.mu.Lock()
	r.timeout = d
	r.mu.Unlock()
	return r
}

// Register adds a named probe.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.probes = append(r.probes, probe{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every registered probe under its own deadline and reports
// the aggregate health plus the individual results. One unhealthy
// dependency makes the whole server unready.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	probes := make([]probe, len(r.probes))
	copy(probes, r.probes)
	timeout := r.timeout
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(probes))

	for i, p := range probes {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		statuses[i] = p.check(pctx)
		cancel()
		if !statuses[i].Healthy {
			healthy = false
		}
	}

	return healthy, statuses
}
