package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// instrumented installs an in-memory tracer provider for the duration of the
// test and returns metrics backed by a manual reader. Tests using it change
// global state and must not run in parallel.
func instrumented(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	return m, reader, exp
}

// testMux mirrors the shape of the server's routes.
func testMux(seen *string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {})
	mux.HandleFunc("GET /v1/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			*seen = CorrelationID(r.Context())
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func serve(h http.Handler, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func spanAttr(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, a := range attrs {
		if string(a.Key) == key {
			return a.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestMiddleware_Spans(t *testing.T) {
	tests := []struct {
		target     string
		wantName   string
		wantRoute  string
		wantStatus int64
	}{
		{"/v1/sessions/4f2a", "HTTP GET /v1/sessions/{id}", "GET /v1/sessions/{id}", 204},
		{"/healthz", "HTTP GET /healthz", "GET /healthz", 200},
		{"/nope", "HTTP unmatched", "unmatched", 404},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			m, _, exp := instrumented(t)
			serve(Middleware(m)(testMux(nil)), "GET", tt.target, nil)

			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("got %d spans, want 1", len(spans))
			}
			s := spans[0]
			if s.Name != tt.wantName {
				t.Errorf("span name = %q, want %q", s.Name, tt.wantName)
			}
			if v, ok := spanAttr(s.Attributes, "http.route"); !ok || v.AsString() != tt.wantRoute {
				t.Errorf("http.route = %v, want %q", v.Emit(), tt.wantRoute)
			}
			if v, ok := spanAttr(s.Attributes, "http.response.status_code"); !ok || v.AsInt64() != tt.wantStatus {
				t.Errorf("status attribute = %v, want %d", v.Emit(), tt.wantStatus)
			}
		})
	}
}

func TestMiddleware_CorrelationID(t *testing.T) {
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	t.Run("generated", func(t *testing.T) {
		m, _, _ := instrumented(t)
		var seen string
		rec := serve(Middleware(m)(testMux(&seen)), "GET", "/v1/sessions/a", nil)
		if len(seen) != 32 {
			t.Fatalf("correlation ID %q, want 32 hex chars", seen)
		}
		if got := rec.Header().Get("X-Correlation-ID"); got != seen {
			t.Errorf("X-Correlation-ID = %q, want %q", got, seen)
		}
	})

	t.Run("continues traceparent", func(t *testing.T) {
		m, _, _ := instrumented(t)
		var seen string
		rec := serve(Middleware(m)(testMux(&seen)), "GET", "/v1/sessions/a", http.Header{
			"Traceparent": {"00-" + traceID + "-00f067aa0ba902b7-01"},
		})
		if seen != traceID {
			t.Errorf("correlation ID = %q, want %q", seen, traceID)
		}
		if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
			t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
		}
	})
}

func TestMiddleware_DurationUsesRoutePattern(t *testing.T) {
	m, reader, _ := instrumented(t)
	h := Middleware(m)(testMux(nil))
	serve(h, "GET", "/v1/sessions/a", nil)
	serve(h, "GET", "/v1/sessions/b", nil)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "voicepipe.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric data is %T, want histogram", met.Data)
	}
	if len(hist.DataPoints) != 1 {
		t.Fatalf("got %d series, want 1 shared by both session IDs", len(hist.DataPoints))
	}
	dp := hist.DataPoints[0]
	if dp.Count != 2 {
		t.Errorf("count = %d, want 2", dp.Count)
	}
	if v, ok := dp.Attributes.Value("route"); !ok || v.AsString() != "GET /v1/sessions/{id}" {
		t.Errorf("route attribute = %v", v.Emit())
	}
}

func TestMiddleware_NilMetrics(t *testing.T) {
	rec := serve(Middleware(nil)(testMux(nil)), "GET", "/v1/sessions/a", nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}

func TestStatusRecorder_HijackUnsupported(t *testing.T) {
	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rec.Hijack(); err == nil {
		t.Error("expected error from a writer that cannot hijack")
	}
	if rec.Unwrap() == nil {
		t.Error("Unwrap returned nil")
	}
}
