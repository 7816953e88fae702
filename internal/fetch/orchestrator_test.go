package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"apisheet-proxy-go/internal/client"
	"apisheet-proxy-go/internal/config"
	"apisheet-proxy-go/internal/jsondoc"
	"apisheet-proxy-go/internal/route"
	"apisheet-proxy-go/internal/urlnorm"
)

// countingServer wraps h and counts the requests it receives.
type countingServer struct {
	*httptest.Server
	hits atomic.Int32
}

func newCountingServer(t *testing.T, h http.HandlerFunc) *countingServer {
	t.Helper()
	cs := &countingServer{}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.hits.Add(1)
		h(w, r)
	}))
	t.Cleanup(cs.Close)
	return cs
}

func htmlHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = w.Write([]byte("<!DOCTYPE html><html><head><title>Blocked</title></head><body>no</body></html>"))
}

func statusHandler(code int) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(code) }
}

func jsonHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{TimeoutSeconds: 10, IdleConnections: 4, MaxBodyBytes: 1 << 20, MaxRedirects: 5},
		Relay:    config.RelayConfig{TimeoutSeconds: 5, GovernmentTimeoutSeconds: 5},
		Routes: config.RoutesConfig{
			PublicTimeoutSeconds: 5,
			ProbeTimeoutSeconds:  2,
			HealthTTLSeconds:     300,
		},
		Government: config.GovernmentConfig{Suffixes: []string{".go.th"}},
	}
}

func newOrchestrator(cfg *config.Config) (*Orchestrator, *route.HealthCache) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	health := route.NewHealthCache(cfg)
	planner := route.NewPlanner(cfg, route.NewGovernmentMatcher(cfg), health, logger)
	c := client.NewUpstreamClient(cfg, logger, nil)
	return NewOrchestrator(cfg, urlnorm.New(nil), planner, health, c, logger, nil), health
}

func TestFetch_ThirdPublicProxySucceeds(t *testing.T) {
	local := newCountingServer(t, statusHandler(http.StatusBadGateway))
	p1 := newCountingServer(t, htmlHandler)
	p2 := newCountingServer(t, statusHandler(http.StatusServiceUnavailable))
	p3 := newCountingServer(t, jsonHandler(`[{"a":1},{"a":2}]`))
	p4 := newCountingServer(t, jsonHandler(`[{"never":true}]`))

	cfg := testConfig()
	cfg.Routes.LocalRelayURL = local.URL + "/api/"
	cfg.Routes.PublicProxies = []config.PublicProxyConfig{
		{Name: "p1", Prefix: p1.URL + "/?"},
		{Name: "p2", Prefix: p2.URL + "/?"},
		{Name: "p3", Prefix: p3.URL + "/raw?url="},
		{Name: "p4", Prefix: p4.URL + "/?"},
	}
	o, health := newOrchestrator(cfg)

	// Port 1 refuses connections, so the direct route fails at transport level.
	res, err := o.Fetch(context.Background(), "http://127.0.0.1:1/data", route.Hints{})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if res.Route != "public:p3" {
		t.Errorf("Route = %q, want public:p3", res.Route)
	}
	if len(res.Records) != 2 {
		t.Fatalf("len(Records) = %d, want 2", len(res.Records))
	}
	first, ok := res.Records[0].(*jsondoc.Object)
	if !ok {
		t.Fatalf("Records[0] is %T, want *jsondoc.Object", res.Records[0])
	}
	if v, _ := first.Get("a"); v != json.Number("1") {
		t.Errorf("Records[0].a = %v, want 1", v)
	}

	for name, s := range map[string]*countingServer{"local": local, "p1": p1, "p2": p2, "p3": p3} {
		if got := s.hits.Load(); got != 1 {
			t.Errorf("%s hits = %d, want exactly 1", name, got)
		}
	}
	if got := p4.hits.Load(); got != 0 {
		t.Errorf("p4 hits = %d, want 0 after success", got)
	}

	if h, _ := health.Lookup("public:p3"); !h.Healthy {
		t.Error("succeeding route not recorded healthy")
	}
	if h, fresh := health.Lookup("direct"); !fresh || h.Healthy {
		t.Error("failing direct route not recorded unhealthy")
	}
}

func TestFetch_ProxyReceivesEncodedTarget(t *testing.T) {
	var gotQuery string
	p := newCountingServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		jsonHandler(`[]`)(w, r)
	})

	cfg := testConfig()
	cfg.Routes.PublicProxies = []config.PublicProxyConfig{{Name: "p", Prefix: p.URL + "/raw?url="}}
	o, _ := newOrchestrator(cfg)

	if _, err := o.Fetch(context.Background(), "http://127.0.0.1:1/data?x=1&y=2", route.Hints{}); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	want := "url=http%3A%2F%2F127.0.0.1%3A1%2Fdata%3Fx%3D1%26y%3D2"
	if gotQuery != want {
		t.Errorf("proxy query = %q, want %q", gotQuery, want)
	}
}

func TestFetch_GovernmentTargetAllHTML(t *testing.T) {
	local := newCountingServer(t, htmlHandler)
	gov := newCountingServer(t, htmlHandler)
	p1 := newCountingServer(t, htmlHandler)
	p2 := newCountingServer(t, htmlHandler)

	cfg := testConfig()
	cfg.Routes.LocalRelayURL = local.URL + "/api/"
	cfg.Routes.GovernmentRelayURL = gov.URL + "/?url="
	cfg.Routes.PublicProxies = []config.PublicProxyConfig{
		{Name: "p1", Prefix: p1.URL + "/?"},
		{Name: "p2", Prefix: p2.URL + "/?"},
	}
	o, _ := newOrchestrator(cfg)

	_, err := o.Fetch(context.Background(), "https://example.go.th/api/data", route.Hints{PreferGovernmentRoute: true})
	if err == nil {
		t.Fatal("Fetch() expected error")
	}
	if !errors.Is(err, ErrAllRoutesExhausted) {
		t.Errorf("errors.Is(err, ErrAllRoutesExhausted) = false; err = %v", err)
	}
	if !errors.Is(err, ErrMisclassifiedHTML) {
		t.Errorf("errors.Is(err, ErrMisclassifiedHTML) = false; err = %v", err)
	}

	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("err is %T, want *ExhaustedError", err)
	}
	gotRoutes := make([]string, len(ex.Failures))
	for i, f := range ex.Failures {
		gotRoutes[i] = f.Route
		if f.Kind != MisclassifiedHTML {
			t.Errorf("failure %d kind = %v, want misclassified_html", i, f.Kind)
		}
	}
	want := "local_relay,government_relay,public:p1,public:p2"
	if strings.Join(gotRoutes, ",") != want {
		t.Errorf("attempt order = %v, want %s", gotRoutes, want)
	}
	if ex.Terminal().Title != "Blocked" {
		t.Errorf("terminal title = %q, want Blocked", ex.Terminal().Title)
	}
	if k, _ := KindOf(err); k != AllRoutesExhausted {
		t.Errorf("KindOf() = %v, want all_routes_exhausted", k)
	}
}

func TestFetch_UpstreamJSONErrorKept(t *testing.T) {
	up := newCountingServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"quota exceeded","code":42}`))
	})

	o, _ := newOrchestrator(testConfig())

	_, err := o.Fetch(context.Background(), up.URL+"/x", route.Hints{})
	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("err = %v, want *ExhaustedError", err)
	}
	term := ex.Terminal()
	if term.Kind != UpstreamHTTP || term.StatusCode != http.StatusForbidden {
		t.Errorf("terminal = %+v, want upstream_http_error 403", term)
	}
	if string(term.Body) != `{"message":"quota exceeded","code":42}` {
		t.Errorf("Body = %s, want upstream JSON verbatim", term.Body)
	}
	if !errors.Is(err, ErrUpstreamHTTP) {
		t.Error("errors.Is(err, ErrUpstreamHTTP) = false")
	}
}

func TestFetch_ScalarObjectAndEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		records int
	}{
		{"envelope string", `{"data":"[{\"a\":1},{\"a\":2}]","total":2}`, 2},
		{"envelope array", `{"data":[{"a":1}]}`, 1},
		{"scalar object", `{"a":1,"b":"x"}`, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := newCountingServer(t, jsonHandler(tt.body))
			o, _ := newOrchestrator(testConfig())

			res, err := o.Fetch(context.Background(), up.URL, route.Hints{})
			if err != nil {
				t.Fatalf("Fetch() error = %v", err)
			}
			if len(res.Records) != tt.records {
				t.Errorf("len(Records) = %d, want %d", len(res.Records), tt.records)
			}
		})
	}
}

func TestFetch_InvalidBodyFallsThrough(t *testing.T) {
	bad := newCountingServer(t, jsonHandler(`{"a":`))
	good := newCountingServer(t, jsonHandler(`[1,2]`))

	cfg := testConfig()
	cfg.Routes.PublicProxies = []config.PublicProxyConfig{{Name: "good", Prefix: good.URL + "/?"}}
	o, _ := newOrchestrator(cfg)

	res, err := o.Fetch(context.Background(), bad.URL, route.Hints{})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if res.Route != "public:good" {
		t.Errorf("Route = %q, want public:good", res.Route)
	}
}

func TestFetch_InvalidURL(t *testing.T) {
	o, _ := newOrchestrator(testConfig())

	_, err := o.Fetch(context.Background(), "   ", route.Hints{})
	if !errors.Is(err, ErrInvalidURL) {
		t.Fatalf("err = %v, want ErrInvalidURL", err)
	}
	var ne *urlnorm.Error
	if !errors.As(err, &ne) {
		t.Errorf("err = %v, want *urlnorm.Error in chain", err)
	}
	if k, ok := KindOf(err); !ok || k != InvalidURL {
		t.Errorf("KindOf() = %v, %v", k, ok)
	}
}

func TestFetch_CanceledContext(t *testing.T) {
	up := newCountingServer(t, jsonHandler(`[]`))
	o, health := newOrchestrator(testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.Fetch(ctx, up.URL, route.Hints{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		t.Error("canceled fetch must not report exhausted routes")
	}
	if up.hits.Load() != 0 {
		t.Error("no request expected after cancellation")
	}
	if _, fresh := health.Lookup("direct"); fresh {
		t.Error("cancellation must not touch route health")
	}
}

func TestProbe_UsesFreshCache(t *testing.T) {
	up := newCountingServer(t, jsonHandler(`[]`))
	p := newCountingServer(t, htmlHandler)

	cfg := testConfig()
	cfg.Routes.PublicProxies = []config.PublicProxyConfig{{Name: "p", Prefix: p.URL + "/?"}}
	o, _ := newOrchestrator(cfg)

	first, err := o.Probe(context.Background(), up.URL, route.Hints{})
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("len(Probe()) = %d, want 2", len(first))
	}
	if !first[0].Healthy || first[0].Cached {
		t.Errorf("direct probe = %+v, want healthy and not cached", first[0])
	}
	if first[1].Healthy || first[1].Failure == "" {
		t.Errorf("proxy probe = %+v, want unhealthy with failure", first[1])
	}

	second, err := o.Probe(context.Background(), up.URL, route.Hints{})
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	for _, pr := range second {
		if !pr.Cached {
			t.Errorf("%s: second probe not served from cache", pr.Route)
		}
	}
	if up.hits.Load() != 1 || p.hits.Load() != 1 {
		t.Errorf("hits = %d/%d, want 1/1", up.hits.Load(), p.hits.Load())
	}
}
