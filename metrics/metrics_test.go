package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestCounter(t *testing.T) {
	c := NewCounter("test.counter")
	c.Inc()
	c.Add(4)
	c.Add(-10)
	if c.Value() != 5 {
		t.Fatalf("counter = %d, want 5", c.Value())
	}
	if c.Name() != "test.counter" {
		t.Fatalf("name = %q", c.Name())
	}
}

func TestCounter_Concurrent(t *testing.T) {
	c := NewCounter("c")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Inc()
			}
		}()
	}
	wg.Wait()
	if c.Value() != 5000 {
		t.Fatalf("counter = %d, want 5000", c.Value())
	}
}

func TestGauge(t *testing.T) {
	g := NewGauge("g")
	g.Set(10)
	g.Inc()
	g.Dec()
	g.Dec()
	if g.Value() != 9 {
		t.Fatalf("gauge = %d, want 9", g.Value())
	}
}

func TestHistogram(t *testing.T) {
	h := NewHistogram("h")
	if s := h.Snapshot(); s.Count != 0 || s.Min != 0 || s.Max != 0 || s.Mean() != 0 {
		t.Fatalf("empty snapshot = %+v", s)
	}
	for _, v := range []float64{3, 1, 8} {
		h.Observe(v)
	}
	s := h.Snapshot()
	if s.Count != 3 || s.Sum != 12 || s.Min != 1 || s.Max != 8 || s.Mean() != 4 {
		t.Fatalf("snapshot = %+v", s)
	}
}

func TestTimer(t *testing.T) {
	h := NewHistogram("t")
	tm := NewTimer(h)
	time.Sleep(2 * time.Millisecond)
	if d := tm.Stop(); d < 2*time.Millisecond {
		t.Fatalf("elapsed = %v", d)
	}
	if h.Count() != 1 {
		t.Fatalf("histogram count = %d, want 1", h.Count())
	}
}

func TestRegistry_GetOrCreate(t *testing.T) {
	r := NewRegistry()
	if r.Counter("a") != r.Counter("a") {
		t.Fatal("Counter returned different instances for the same name")
	}
	if r.Gauge("b") != r.Gauge("b") {
		t.Fatal("Gauge returned different instances for the same name")
	}
	if r.Histogram("c") != r.Histogram("c") {
		t.Fatal("Histogram returned different instances for the same name")
	}
	r.Counter("a").Add(2)
	r.Gauge("b").Set(-1)
	r.Histogram("c").Observe(5)

	snap := r.Snapshot()
	if snap["a"].(int64) != 2 || snap["b"].(int64) != -1 {
		t.Fatalf("snapshot = %v", snap)
	}
	if hs := snap["c"].(HistogramSnapshot); hs.Count != 1 || hs.Sum != 5 {
		t.Fatalf("histogram snapshot = %+v", hs)
	}
}

func TestPrometheusExporter(t *testing.T) {
	r := NewRegistry()
	r.Counter("batch.committed").Add(3)
	r.Gauge("p2p.peers").Set(2)
	r.Histogram("proof.prove_ms").Observe(120)

	pe := NewPrometheusExporter(r, PrometheusConfig{Namespace: "footsteps"})
	rec := httptest.NewRecorder()
	pe.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		"# TYPE footsteps_batch_committed counter",
		"footsteps_batch_committed 3",
		"footsteps_p2p_peers 2",
		"footsteps_proof_prove_ms_count 1",
		"footsteps_proof_prove_ms_max 120",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("output missing %q:\n%s", want, body)
		}
	}
	if strings.Contains(body, "go_goroutines") {
		t.Fatal("runtime metrics emitted while disabled")
	}
}

func TestPrometheusExporter_RejectsPost(t *testing.T) {
	pe := NewPrometheusExporter(NewRegistry(), DefaultPrometheusConfig())
	rec := httptest.NewRecorder()
	pe.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/metrics", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}
