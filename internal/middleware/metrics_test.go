package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"xllm-go/internal/metrics"
)

// rpcCalls returns the xllm_relay_rpc_calls_total samples keyed by
// "rpc status_code error_kind".
func rpcCalls(t *testing.T, m *metrics.Metrics) map[string]float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	out := map[string]float64{}
	for _, f := range families {
		if f.GetName() != "xllm_relay_rpc_calls_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			key := labels["rpc"] + " " + labels["status_code"] + " " + labels["error_kind"]
			out[key] += metric.GetCounter().GetValue()
		}
	}
	return out
}

func newMetricsEcho(m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.Use(RPCMetrics(m))
	e.POST("/rpc/ForwardRequest", func(c echo.Context) error {
		return c.String(http.StatusOK, "{}")
	})
	e.POST("/rpc/ForwardObfuscatedRequest", func(c echo.Context) error {
		SetErrorKind(c, "authentication_failed")
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "authentication_failed"})
	})
	return e
}

func TestRPCMetrics_Labels(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		want   string
	}{
		{"forwarded", http.MethodPost, "/rpc/ForwardRequest", "ForwardRequest 200 none"},
		{"relay failure kind", http.MethodPost, "/rpc/ForwardObfuscatedRequest", "ForwardObfuscatedRequest 400 authentication_failed"},
		{"wrong verb", http.MethodGet, "/rpc/ForwardRequest", "ForwardRequest 405 rejected"},
		{"unknown route", http.MethodPost, "/rpc/Nope", "other 404 rejected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.New()
			e := newMetricsEcho(m)

			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(`{"method":"GET"}`))
			e.ServeHTTP(httptest.NewRecorder(), req)

			calls := rpcCalls(t, m)
			if calls[tt.want] != 1 {
				t.Errorf("calls = %v, want one sample for %q", calls, tt.want)
			}
		})
	}
}

func TestRPCMetrics_RecordsSizeAndDuration(t *testing.T) {
	m := metrics.New()
	e := newMetricsEcho(m)

	body := strings.Repeat("x", 1000)
	req := httptest.NewRequest(http.MethodPost, "/rpc/ForwardRequest", strings.NewReader(body))
	e.ServeHTTP(httptest.NewRecorder(), req)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	var sizeSum float64
	var durationCount uint64
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			switch f.GetName() {
			case "xllm_relay_rpc_request_bytes":
				sizeSum += metric.GetHistogram().GetSampleSum()
			case "xllm_relay_rpc_call_duration_seconds":
				durationCount += metric.GetHistogram().GetSampleCount()
			}
		}
	}
	if sizeSum != 1000 {
		t.Errorf("request bytes sum = %v, want 1000", sizeSum)
	}
	if durationCount != 1 {
		t.Errorf("duration samples = %d, want 1", durationCount)
	}
}

func TestRPCMetrics_RateLimitedKind(t *testing.T) {
	m := metrics.New()
	e := echo.New()
	e.Use(RPCMetrics(m))
	e.Use(RateLimiter(1))
	e.POST("/rpc/ForwardRequest", func(c echo.Context) error {
		return c.String(http.StatusOK, "{}")
	})

	for i := 0; i < 10; i++ {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/rpc/ForwardRequest", http.NoBody))
	}

	calls := rpcCalls(t, m)
	if calls["ForwardRequest 200 none"] < 1 {
		t.Errorf("calls = %v, want the first call to pass", calls)
	}
	if calls["ForwardRequest 429 rate_limited"] < 1 {
		t.Errorf("calls = %v, want rate_limited samples", calls)
	}
}
