// Package health aggregates named readiness probes. The API health payload
// and the sidecar readiness endpoint read from the same registry so the two
// surfaces cannot disagree about what is broken.
package health

import (
	"sync"

	"virtual_exchange/internal/core"
)

// Probe reports one component's readiness. A nil error means ready.
type Probe func() error

// Registry holds named probes and tracks failure transitions.
type Registry struct {
	logger  core.ILogger
	mu      sync.Mutex
	probes  map[string]Probe
	failing map[string]bool
}

// NewRegistry creates an empty probe registry.
func NewRegistry(logger core.ILogger) *Registry {
	r := &Registry{
		probes:  make(map[string]Probe),
		failing: make(map[string]bool),
	}
	if logger != nil {
		r.logger = logger.WithField("component", "health")
	}
	return r
}

// Register adds a probe under the component name. Registering the same name
// again replaces the previous probe.
func (r *Registry) Register(component string, probe Probe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probes[component] = probe
}

// Status runs every probe and reports per-component results, "ok" or the
// probe's error text.
func (r *Registry) Status() map[string]string {
	results := r.run()
	status := make(map[string]string, len(results))
	for component, err := range results {
		if err != nil {
			status[component] = err.Error()
		} else {
			status[component] = "ok"
		}
	}
	return status
}

// Healthy reports whether every probe passes.
func (r *Registry) Healthy() bool {
	for _, err := range r.run() {
		if err != nil {
			return false
		}
	}
	return true
}

// run executes the probes outside the lock so a slow probe cannot stall
// Register, then records failure transitions.
func (r *Registry) run() map[string]error {
	r.mu.Lock()
	probes := make(map[string]Probe, len(r.probes))
	for name, probe := range r.probes {
		probes[name] = probe
	}
	r.mu.Unlock()

	results := make(map[string]error, len(probes))
	for name, probe := range probes {
		results[name] = probe()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for name, err := range results {
		was := r.failing[name]
		now := err != nil
		if now == was {
			continue
		}
		r.failing[name] = now
		if r.logger == nil {
			continue
		}
		if now {
			r.logger.Warn("Component became unhealthy", "check", name, "error", err)
		} else {
			r.logger.Info("Component recovered", "check", name)
		}
	}
	return results
}
