package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	dto "github.com/prometheus/client_model/go"

	"viewport-proxy/internal/metrics"
)

// series returns the label sets recorded under name with their counter value
// or histogram sample count.
func series(t *testing.T, m *metrics.Metrics, name string) map[string]float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	out := make(map[string]float64)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			out[labelKey(metric)] = metric.GetCounter().GetValue() + float64(metric.GetHistogram().GetSampleCount())
		}
	}
	return out
}

func labelKey(metric *dto.Metric) string {
	labels := make(map[string]string)
	for _, lp := range metric.GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}
	return labels["method"] + " " + labels["status_code"] + " " + labels["path_prefix"]
}

// newMetricsServer mounts the viewer's routes behind the middleware. /api/proxy
// fails upstream so the error path is covered.
func newMetricsServer(m *metrics.Metrics) *echo.Echo {
	ok := func(c echo.Context) error { return c.String(http.StatusOK, "ok") }
	e := echo.New()
	e.Use(MetricsMiddleware(m, "/metrics"))
	e.GET("/", ok)
	e.GET("/raw", ok)
	e.GET("/metrics", ok)
	e.Any("/api/navigate", ok)
	e.GET("/api/proxy", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusBadGateway, "all fallbacks exhausted")
	})
	return e
}

func TestMetricsMiddleware_Labels(t *testing.T) {
	tests := []struct {
		name   string
		method string
		target string
		want   string
	}{
		{"raw document", http.MethodGet, "/raw?url=example.com", "GET 200 /raw"},
		{"navigate post", http.MethodPost, "/api/navigate", "POST 200 /api/navigate"},
		{"handler error status", http.MethodGet, "/api/proxy?url=example.com", "GET 502 /api/proxy"},
		{"unknown method", "XYZZY", "/api/navigate", "other 405 /api/navigate"},
		{"viewer", http.MethodGet, "/", "GET 200 /"},
		{"unrouted path", http.MethodGet, "/wp-login.php", "GET 404 other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.New()
			rec := httptest.NewRecorder()
			newMetricsServer(m).ServeHTTP(rec, httptest.NewRequest(tt.method, tt.target, http.NoBody))

			got := series(t, m, "viewport_proxy_http_requests_total")
			if len(got) != 1 || got[tt.want] != 1 {
				t.Errorf("requests_total = %v, want {%q: 1}", got, tt.want)
			}
			if d := series(t, m, "viewport_proxy_http_request_duration_seconds"); d[tt.want] != 1 {
				t.Errorf("request_duration samples = %v, want one under %q", d, tt.want)
			}
		})
	}
}

func TestMetricsMiddleware_SkipsScrapePath(t *testing.T) {
	m := metrics.New()
	e := newMetricsServer(m)
	for _, target := range []string{"/metrics", "/raw"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, target, http.NoBody))
	}

	got := series(t, m, "viewport_proxy_http_requests_total")
	for key := range got {
		if strings.HasSuffix(key, "/metrics") {
			t.Errorf("scrape request recorded under %q", key)
		}
	}
	if got["GET 200 /raw"] != 1 {
		t.Errorf("requests_total = %v, want the /raw request only", got)
	}
}
