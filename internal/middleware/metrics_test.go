package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"apisheet-proxy-go/internal/metrics"
)

type requestSeries struct {
	labels map[string]string
	count  float64
}

// gatherRequests returns every apisheet_http_requests_total series.
func gatherRequests(t *testing.T, m *metrics.Metrics) []requestSeries {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	var out []requestSeries
	for _, f := range families {
		if f.GetName() != "apisheet_http_requests_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			out = append(out, requestSeries{labels: labels, count: metric.GetCounter().GetValue()})
		}
	}
	return out
}

func newMetricsEcho(m *metrics.Metrics, relayPrefix string, h echo.HandlerFunc) *echo.Echo {
	e := echo.New()
	e.Use(MetricsMiddleware(m, metrics.NewPathNormalizer(relayPrefix, "/metrics")))
	e.Any("/*", h)
	return e
}

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func TestMetricsMiddleware_PathLabels(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		target string
		want   string
	}{
		{"relay target", "/api", "/api/https%3A%2F%2Fexample.com%2Fdata%3Fpage%3D2", "/api"},
		{"relay plain target", "/api", "/api/https://example.com/data", "/api"},
		{"custom relay prefix", "/relay/", "/relay/https%3A%2F%2Fddc.moph.go.th%2Fcases", "/relay"},
		{"prefix lookalike", "/api", "/apiary/https%3A%2F%2Fexample.com", "other"},
		{"convert with query", "/api", "/convert?url=https%3A%2F%2Fexample.com&format=csv", "/convert"},
		{"route probe", "/api", "/proxy/probe?url=https%3A%2F%2Fexample.com", "/proxy/probe"},
		{"metrics", "/api", "/metrics", "/metrics"},
		{"unknown", "/api", "/favicon.ico", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.New()
			e := newMetricsEcho(m, tt.prefix, okHandler)
			e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, tt.target, http.NoBody))

			series := gatherRequests(t, m)
			if len(series) != 1 {
				t.Fatalf("got %d series, want 1", len(series))
			}
			if got := series[0].labels["path_prefix"]; got != tt.want {
				t.Errorf("path_prefix = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMetricsMiddleware_RelayTargetsShareSeries(t *testing.T) {
	m := metrics.New()
	e := newMetricsEcho(m, "/api", okHandler)

	for _, target := range []string{
		"/api/https%3A%2F%2Fa.example.com%2Fx",
		"/api/https%3A%2F%2Fb.example.org%2Fy%3Fid%3D7",
		"/api/http%3A%2F%2F10.0.0.1%3A8080%2F",
	} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, target, http.NoBody))
	}

	series := gatherRequests(t, m)
	if len(series) != 1 {
		t.Fatalf("got %d series, want 1: %+v", len(series), series)
	}
	if series[0].count != 3 {
		t.Errorf("counter value = %v, want 3", series[0].count)
	}
	if series[0].labels["path_prefix"] != "/api" || series[0].labels["status_code"] != "200" {
		t.Errorf("labels = %v", series[0].labels)
	}
}

func TestMetricsMiddleware_RecordsDuration(t *testing.T) {
	m := metrics.New()
	e := newMetricsEcho(m, "/api", okHandler)
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != "apisheet_http_request_duration_seconds" {
			continue
		}
		for _, metric := range f.GetMetric() {
			if metric.GetHistogram().GetSampleCount() > 0 {
				return
			}
		}
	}
	t.Error("expected apisheet_http_request_duration_seconds with at least one sample")
}

func TestMetricsMiddleware_StatusCode(t *testing.T) {
	tests := []struct {
		name    string
		handler echo.HandlerFunc
		want    string
	}{
		{"http error", func(echo.Context) error {
			return echo.NewHTTPError(http.StatusBadRequest, "missing url")
		}, "400"},
		{"plain error", func(echo.Context) error {
			return errors.New("boom")
		}, "500"},
		{"written before error", func(c echo.Context) error {
			_ = c.JSON(http.StatusBadGateway, map[string]string{"error": "upstream"})
			return errors.New("late")
		}, "502"},
		{"written upstream status", func(c echo.Context) error {
			return c.Blob(http.StatusTooManyRequests, "application/json", []byte(`{}`))
		}, "429"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.New()
			e := newMetricsEcho(m, "/api", tt.handler)
			e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/https%3A%2F%2Fexample.com", http.NoBody))

			series := gatherRequests(t, m)
			if len(series) != 1 {
				t.Fatalf("got %d series, want 1", len(series))
			}
			if got := series[0].labels["status_code"]; got != tt.want {
				t.Errorf("status_code = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMetricsMiddleware_UnknownMethodNormalized(t *testing.T) {
	m := metrics.New()
	e := newMetricsEcho(m, "/api", okHandler)
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("XYZZY", "/convert", http.NoBody))

	series := gatherRequests(t, m)
	if len(series) != 1 || series[0].labels["method"] != "other" {
		t.Errorf("series = %+v, want one with method=other", series)
	}
}

func TestMetricsMiddleware_RouterNotFound(t *testing.T) {
	m := metrics.New()
	e := echo.New()
	e.Use(MetricsMiddleware(m, metrics.NewPathNormalizer("/api", "/metrics")))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nonexistent", http.NoBody))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	series := gatherRequests(t, m)
	if len(series) != 1 {
		t.Fatalf("got %d series, want 1", len(series))
	}
	want := map[string]string{"method": "GET", "path_prefix": "other", "status_code": "404"}
	for k, v := range want {
		if series[0].labels[k] != v {
			t.Errorf("%s = %q, want %q", k, series[0].labels[k], v)
		}
	}
}
