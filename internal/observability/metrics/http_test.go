package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func scrape(t *testing.T, exp *Exporter) string {
	t.Helper()
	rec := httptest.NewRecorder()
	exp.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	return rec.Body.String()
}

func TestHTTPMetricsAreExported(t *testing.T) {
	exp, err := NewExporter()
	if err != nil {
		t.Fatalf("new exporter: %v", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exp.Reader()))
	defer provider.Shutdown(context.Background())

	h, err := NewHTTP(provider.Meter("autotip/api"))
	if err != nil {
		t.Fatalf("new http metrics: %v", err)
	}
	ctx := context.Background()
	h.Observe(ctx, "/api/v1/agents", http.MethodPost, http.StatusCreated, 30*time.Millisecond)
	h.Observe(ctx, "/api/v1/agents", http.MethodPost, http.StatusInternalServerError, 3*time.Second)

	body := scrape(t, exp)
	for _, want := range []string{
		"autotip_http_requests_total{",
		`code="201"`,
		`code="500"`,
		`handler="/api/v1/agents"`,
		`method="POST"`,
		"autotip_http_request_errors_total{",
		"autotip_http_request_duration_seconds_bucket{",
		`le="+Inf"`,
		"autotip_http_request_duration_seconds_count{",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, body)
		}
	}
}

func TestExporterCarriesDomainInstruments(t *testing.T) {
	exp, err := NewExporter()
	if err != nil {
		t.Fatalf("new exporter: %v", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exp.Reader()))
	defer provider.Shutdown(context.Background())

	counter, err := provider.Meter("autotip/execution").Int64Counter("autotip.executions")
	if err != nil {
		t.Fatalf("new counter: %v", err)
	}
	counter.Add(context.Background(), 2)

	if body := scrape(t, exp); !strings.Contains(body, "autotip_executions_total") {
		t.Fatalf("expected execution counter in output:\n%s", body)
	}
}

func TestNilHTTPIsNoop(t *testing.T) {
	var h *HTTP
	h.Observe(context.Background(), "/healthz", http.MethodGet, http.StatusOK, time.Millisecond)
}
