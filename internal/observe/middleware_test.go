package observe

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func serve(t *testing.T, m *Metrics, log *slog.Logger, status int, req *http.Request) (*httptest.ResponseRecorder, string) {
	t.Helper()
	var seen string
	h := Middleware(m, log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
		w.WriteHeader(status)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec, seen
}

func TestMiddleware_SpanAndCorrelationID(t *testing.T) {
	exp := newTestTracerProvider(t)
	m, _ := newTestMetrics(t)

	rec, cid := serve(t, m, nil, http.StatusNotFound, httptest.NewRequest("GET", "/debug/state", nil))

	if len(cid) != 32 {
		t.Fatalf("correlation ID = %q, want 32 hex chars", cid)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != cid {
		t.Errorf("X-Correlation-ID = %q, want %q", got, cid)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "HTTP GET /debug/state" {
		t.Fatalf("spans = %v", spans)
	}
	found := false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "http.response.status_code" && a.Value.AsInt64() == 404 {
			found = true
		}
	}
	if !found {
		t.Error("span missing http.response.status_code=404")
	}
}

func TestMiddleware_RecordsDuration(t *testing.T) {
	newTestTracerProvider(t)
	m, reader := newTestMetrics(t)

	serve(t, m, nil, http.StatusOK, httptest.NewRequest("GET", "/readyz", nil))

	met := findMetric(collect(t, reader), "parley.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
		t.Fatalf("data points = %+v", hist.DataPoints)
	}
	attrs := map[string]string{}
	for _, kv := range hist.DataPoints[0].Attributes.ToSlice() {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	if attrs["method"] != "GET" || attrs["path"] != "/readyz" {
		t.Errorf("attributes = %v", attrs)
	}
}

func TestMiddleware_PropagatesW3CTraceContext(t *testing.T) {
	newTestTracerProvider(t)
	m, _ := newTestMetrics(t)

	req := httptest.NewRequest("GET", "/metrics", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec, cid := serve(t, m, nil, http.StatusOK, req)

	const want = "4bf92f3577b34da6a3ce929d0e0e4736"
	if cid != want || rec.Header().Get("X-Correlation-ID") != want {
		t.Errorf("correlation ID = %q / header %q, want %q", cid, rec.Header().Get("X-Correlation-ID"), want)
	}
}

func TestMiddleware_ProbeLogLevel(t *testing.T) {
	newTestTracerProvider(t)
	m, _ := newTestMetrics(t)

	tests := []struct {
		path   string
		status int
		want   string
	}{
		{"/healthz", http.StatusOK, "level=DEBUG"},
		{"/metrics", http.StatusOK, "level=DEBUG"},
		{"/readyz", http.StatusServiceUnavailable, "level=INFO"},
		{"/debug/state", http.StatusOK, "level=INFO"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			var buf bytes.Buffer
			log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
			serve(t, m, log, tt.status, httptest.NewRequest("GET", tt.path, nil))
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("log = %q, want %s", buf.String(), tt.want)
			}
		})
	}
}
