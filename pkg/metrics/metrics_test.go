package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNew(t *testing.T) {
	m := New()
	if m == nil {
		t.Fatal("New() returned nil")
	}
	if m.registry == nil {
		t.Fatal("registry is nil")
	}
}

func TestRecordRequest(t *testing.T) {
	m := New()
	m.RecordRequest("/v1/ingest", 200, 50*time.Millisecond)
	m.RecordRequest("/v1/ingest", 200, 100*time.Millisecond)
	m.RecordRequest("/v1/ingest", 400, 5*time.Millisecond)

	val := counterValue(t, m.RequestsTotal, "endpoint", "/v1/ingest", "status", "200")
	if val != 2 {
		t.Errorf("expected 2 requests with status 200, got %f", val)
	}

	val = counterValue(t, m.RequestsTotal, "endpoint", "/v1/ingest", "status", "400")
	if val != 1 {
		t.Errorf("expected 1 request with status 400, got %f", val)
	}
}

func TestRecordFiles(t *testing.T) {
	m := New()
	m.RecordFiles(10, 2, 6)

	if v := counterValue(t, m.FilesProcessed, "outcome", "processed"); v != 10 {
		t.Errorf("expected 10 processed, got %f", v)
	}
	if v := counterValue(t, m.FilesProcessed, "outcome", "failed"); v != 2 {
		t.Errorf("expected 2 failed, got %f", v)
	}
	if v := counterValue(t, m.FilesProcessed, "outcome", "from_cache"); v != 6 {
		t.Errorf("expected 6 from_cache, got %f", v)
	}
}

func TestRecordFiles_Zero(t *testing.T) {
	m := New()
	// Should not panic on an all-zero delta
	m.RecordFiles(0, 0, 0)
}

func TestSetQueueDepth(t *testing.T) {
	m := New()
	m.SetQueueDepth("io_queue", 42)

	var metric dto.Metric
	g, err := m.QueueDepth.GetMetricWith(prometheus.Labels{"queue": "io_queue"})
	if err != nil {
		t.Fatalf("failed to get gauge: %v", err)
	}
	if err := g.Write(&metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if metric.GetGauge().GetValue() != 42 {
		t.Errorf("expected queue depth 42, got %f", metric.GetGauge().GetValue())
	}
}

func TestMiddleware(t *testing.T) {
	m := New()

	handler := m.Middleware("/v1/ingest", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/ingest", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	val := counterValue(t, m.RequestsTotal, "endpoint", "/v1/ingest", "status", "200")
	if val != 1 {
		t.Errorf("expected 1 request recorded, got %f", val)
	}
}

func TestMiddleware_ErrorStatus(t *testing.T) {
	m := New()

	handler := m.Middleware("/v1/ingest", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/ingest", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	val := counterValue(t, m.RequestsTotal, "endpoint", "/v1/ingest", "status", "400")
	if val != 1 {
		t.Errorf("expected 1 request with status 400, got %f", val)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.RecordRequest("/v1/ingest", 200, 10*time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	if !strings.Contains(body, "pixelsync_requests_total") {
		t.Error("metrics output missing pixelsync_requests_total")
	}
	if !strings.Contains(body, "pixelsync_request_duration_seconds") {
		t.Error("metrics output missing pixelsync_request_duration_seconds")
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Error("metrics output missing go runtime metrics")
	}
}

func TestActiveRequests(t *testing.T) {
	m := New()

	started := make(chan struct{})
	release := make(chan struct{})

	handler := m.Middleware("/v1/ingest", func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		w.WriteHeader(http.StatusOK)
	})

	go func() {
		req := httptest.NewRequest(http.MethodPost, "/v1/ingest", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
	}()

	<-started

	var metric dto.Metric
	if err := m.ActiveRequests.Write(&metric); err != nil {
		t.Fatalf("failed to read gauge: %v", err)
	}
	if metric.GetGauge().GetValue() != 1 {
		t.Errorf("expected 1 active request, got %f", metric.GetGauge().GetValue())
	}

	close(release)
}

// counterValue extracts the value of a counter with the given label pairs.
func counterValue(t *testing.T, cv *prometheus.CounterVec, labelPairs ...string) float64 {
	t.Helper()
	labels := prometheus.Labels{}
	for i := 0; i < len(labelPairs); i += 2 {
		labels[labelPairs[i]] = labelPairs[i+1]
	}
	counter, err := cv.GetMetricWith(labels)
	if err != nil {
		t.Fatalf("failed to get metric: %v", err)
	}
	var metric dto.Metric
	if err := counter.Write(&metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return metric.GetCounter().GetValue()
}
