package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"github.com/emetrics/emetrics-backend/internal/telemetry"
)

const recordRoute = "/api/v1/records/:entity/:id"

func newMetricsRouter(status int) *gin.Engine {
	r := gin.New()
	r.Use(MetricsMiddleware())
	r.GET(recordRoute, func(c *gin.Context) { c.Status(status) })
	return r
}

// histogramCount returns the sample count of the series matching labels.
func histogramCount(hv *prometheus.HistogramVec, labels prometheus.Labels) uint64 {
	h, err := hv.GetMetricWith(labels)
	if err != nil {
		return 0
	}
	var m dto.Metric
	if err := h.(prometheus.Metric).Write(&m); err != nil {
		return 0
	}
	return m.GetHistogram().GetSampleCount()
}

func TestMetricsMiddleware_CountsByRouteTemplate(t *testing.T) {
	counter := telemetry.HTTPRequestsTotal.WithLabelValues("GET", recordRoute, "200")
	before := testutil.ToFloat64(counter)
	beforeObs := histogramCount(telemetry.HTTPRequestDuration, prometheus.Labels{"method": "GET", "path": recordRoute})

	r := newMetricsRouter(http.StatusOK)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/records/kpis/42", nil))

	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Errorf("http_requests_total delta = %v, want 1", got)
	}
	if after := histogramCount(telemetry.HTTPRequestDuration, prometheus.Labels{"method": "GET", "path": recordRoute}); after != beforeObs+1 {
		t.Errorf("http_request_duration_seconds count = %d, want %d", after, beforeObs+1)
	}
}

func TestMetricsMiddleware_NeverLabelsRawPath(t *testing.T) {
	r := newMetricsRouter(http.StatusOK)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/records/kpis/secret-id", nil))

	ch := make(chan prometheus.Metric, 64)
	telemetry.HTTPRequestsTotal.Collect(ch)
	close(ch)
	for m := range ch {
		var dm dto.Metric
		if err := m.Write(&dm); err != nil {
			continue
		}
		for _, lp := range dm.GetLabel() {
			if lp.GetName() == "path" && lp.GetValue() == "/api/v1/records/kpis/secret-id" {
				t.Error("raw URL used as path label")
			}
		}
	}
}

func TestMetricsMiddleware_NoRoute(t *testing.T) {
	counter := telemetry.HTTPRequestsTotal.WithLabelValues("GET", "<no-route>", "404")
	before := testutil.ToFloat64(counter)

	r := gin.New()
	r.Use(MetricsMiddleware())
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/does-not-exist", nil))

	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Errorf("<no-route> delta = %v, want 1", got)
	}
}

func TestMetricsMiddleware_RecordsErrorStatus(t *testing.T) {
	counter := telemetry.HTTPRequestsTotal.WithLabelValues("GET", recordRoute, "503")
	before := testutil.ToFloat64(counter)

	newMetricsRouter(http.StatusServiceUnavailable).
		ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/records/kpis/1", nil))

	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Errorf("status=503 delta = %v, want 1", got)
	}
}
