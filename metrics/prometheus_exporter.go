package metrics

import (
	"fmt"
	"math"
	"net/http"
	"runtime"
	"sort"
	"strings"
)

// PrometheusConfig configures the Prometheus exporter.
type PrometheusConfig struct {
	// Namespace is prepended to all metric names ("footsteps" produces
	// "footsteps_batch_started").
	Namespace string
	// EnableRuntime adds goroutine and heap gauges to every scrape.
	EnableRuntime bool
	// Path is the HTTP path to serve metrics on (default "/metrics").
	Path string
}

// DefaultPrometheusConfig returns a config with sensible defaults.
func DefaultPrometheusConfig() PrometheusConfig {
	return PrometheusConfig{
		Namespace:     "footsteps",
		EnableRuntime: true,
		Path:          "/metrics",
	}
}

// PrometheusExporter renders a Registry in the Prometheus text exposition
// format.
type PrometheusExporter struct {
	config   PrometheusConfig
	registry *Registry
}

// NewPrometheusExporter creates an exporter reading from registry.
func NewPrometheusExporter(registry *Registry, config PrometheusConfig) *PrometheusExporter {
	if config.Path == "" {
		config.Path = "/metrics"
	}
	return &PrometheusExporter{config: config, registry: registry}
}

// Path returns the HTTP path the exporter should be mounted on.
func (pe *PrometheusExporter) Path() string { return pe.config.Path }

// ServeHTTP implements http.Handler.
func (pe *PrometheusExporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	_, _ = w.Write([]byte(pe.Render()))
}

// Render produces the full exposition text.
func (pe *PrometheusExporter) Render() string {
	var b strings.Builder
	pe.writeRegistryMetrics(&b)
	if pe.config.EnableRuntime {
		pe.writeRuntimeMetrics(&b)
	}
	return b.String()
}

func (pe *PrometheusExporter) writeRegistryMetrics(b *strings.Builder) {
	pe.registry.mu.RLock()
	defer pe.registry.mu.RUnlock()

	for _, name := range sortedKeys(pe.registry.counters) {
		promName := pe.promName(name)
		writeHeader(b, promName, "counter", name)
		fmt.Fprintf(b, "%s %d\n", promName, pe.registry.counters[name].Value())
	}
	for _, name := range sortedKeys(pe.registry.gauges) {
		promName := pe.promName(name)
		writeHeader(b, promName, "gauge", name)
		fmt.Fprintf(b, "%s %d\n", promName, pe.registry.gauges[name].Value())
	}
	for _, name := range sortedKeys(pe.registry.histograms) {
		s := pe.registry.histograms[name].Snapshot()
		promName := pe.promName(name)
		writeHeader(b, promName, "summary", name)
		fmt.Fprintf(b, "%s_count %d\n", promName, s.Count)
		fmt.Fprintf(b, "%s_sum %s\n", promName, formatFloat(s.Sum))
		if s.Count > 0 {
			fmt.Fprintf(b, "%s_min %s\n", promName, formatFloat(s.Min))
			fmt.Fprintf(b, "%s_max %s\n", promName, formatFloat(s.Max))
		}
	}
}

func (pe *PrometheusExporter) writeRuntimeMetrics(b *strings.Builder) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	prefix := pe.config.Namespace
	if prefix != "" {
		prefix += "_"
	}
	name := prefix + "go_goroutines"
	writeHeader(b, name, "gauge", "Number of active goroutines")
	fmt.Fprintf(b, "%s %d\n", name, runtime.NumGoroutine())

	name = prefix + "go_memstats_heap_alloc_bytes"
	writeHeader(b, name, "gauge", "Bytes of allocated heap objects")
	fmt.Fprintf(b, "%s %d\n", name, m.HeapAlloc)
}

// promName converts a dot-separated metric name to Prometheus format.
func (pe *PrometheusExporter) promName(name string) string {
	sanitized := strings.NewReplacer(".", "_", "-", "_").Replace(name)
	if pe.config.Namespace != "" {
		return pe.config.Namespace + "_" + sanitized
	}
	return sanitized
}

func formatFloat(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	case math.IsNaN(v):
		return "NaN"
	}
	return fmt.Sprintf("%g", v)
}

func writeHeader(b *strings.Builder, name, metricType, help string) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, metricType)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
