package metrics

import "sync"

// Registry holds all registered metrics, keyed by name. Metrics are created
// on first access so callers never need to check for nil.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

// DefaultRegistry is the process-wide registry used by the pre-defined
// metrics in standard.go.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

// getOrCreate implements the read-lock fast path and write-lock slow path
// shared by all metric kinds.
func getOrCreate[M any](r *Registry, m map[string]*M, name string, mk func(string) *M) *M {
	r.mu.RLock()
	v, ok := m[name]
	r.mu.RUnlock()
	if ok {
		return v
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok = m[name]; ok {
		return v
	}
	v = mk(name)
	m[name] = v
	return v
}

// Counter returns the Counter registered under name, creating it if needed.
func (r *Registry) Counter(name string) *Counter {
	return getOrCreate(r, r.counters, name, NewCounter)
}

// Gauge returns the Gauge registered under name, creating it if needed.
func (r *Registry) Gauge(name string) *Gauge {
	return getOrCreate(r, r.gauges, name, NewGauge)
}

// Histogram returns the Histogram registered under name, creating it if
// needed.
func (r *Registry) Histogram(name string) *Histogram {
	return getOrCreate(r, r.histograms, name, NewHistogram)
}

// Snapshot returns a point-in-time copy of every metric value. Counters and
// gauges map to int64, histograms to HistogramSnapshot.
func (r *Registry) Snapshot() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := make(map[string]interface{}, len(r.counters)+len(r.gauges)+len(r.histograms))
	for name, c := range r.counters {
		snap[name] = c.Value()
	}
	for name, g := range r.gauges {
		snap[name] = g.Value()
	}
	for name, h := range r.histograms {
		snap[name] = h.Snapshot()
	}
	return snap
}
