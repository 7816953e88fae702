package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"apisheet-proxy-go/internal/client"
	"apisheet-proxy-go/internal/config"
	"apisheet-proxy-go/internal/model"
	"apisheet-proxy-go/internal/route"
	"apisheet-proxy-go/internal/urlnorm"
)

func testConfig() *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{TimeoutSeconds: 10, IdleConnections: 4, MaxRedirects: 5},
		Relay: config.RelayConfig{
			TimeoutSeconds:           5,
			GovernmentTimeoutSeconds: 5,
			UserAgent:                "apisheet-relay/1.0",
		},
		Government: config.GovernmentConfig{Suffixes: []string{".go.th"}},
	}
}

func newTestRelayService(cfg *config.Config) *RelayService {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := client.NewUpstreamClient(cfg, logger, nil)
	return NewRelayService(c, urlnorm.New(nil), route.NewGovernmentMatcher(cfg), cfg, logger)
}

func relayRequest(rawTarget string, header http.Header) *model.RelayRequest {
	if header == nil {
		header = make(http.Header)
	}
	return &model.RelayRequest{
		Ctx:       context.Background(),
		Method:    http.MethodGet,
		RawTarget: rawTarget,
		Header:    header,
		Body:      http.NoBody,
	}
}

func TestRelayService_Forward(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/items" || r.URL.Query().Get("q") != "1" {
			t.Errorf("upstream got %s", r.URL.String())
		}
		if got := r.Header.Get("User-Agent"); got != "apisheet-relay/1.0" {
			t.Errorf("User-Agent = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer t" {
			t.Errorf("Authorization = %q, want forwarded", got)
		}
		if r.Header.Get("Cookie") != "" {
			t.Error("Cookie must not be forwarded")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("ETag", `"abc"`)
		w.Header().Set("Set-Cookie", "s=1")
		_, _ = w.Write([]byte(`[{"a":1}]`))
	}))
	defer upstream.Close()

	svc := newTestRelayService(testConfig())
	header := http.Header{"Authorization": {"Bearer t"}, "Cookie": {"c=1"}}

	resp, err := svc.Forward(relayRequest(url.QueryEscape(upstream.URL+"/items?q=1"), header))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Etag") != `"abc"` {
		t.Errorf("ETag not forwarded: %v", resp.Header)
	}
	if resp.Header.Get("Set-Cookie") != "" {
		t.Error("Set-Cookie must be filtered")
	}
	if resp.Header.Get(HeaderProxied) != "" {
		t.Error("successful response must not carry X-Proxied")
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `[{"a":1}]` {
		t.Errorf("body = %q", body)
	}
}

func TestRelayService_MergesQuery(t *testing.T) {
	var got string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.RawQuery
		_, _ = w.Write([]byte(`[]`))
	}))
	defer upstream.Close()

	svc := newTestRelayService(testConfig())
	rr := relayRequest(upstream.URL+"/x?a=1", nil)
	rr.Query = url.Values{"b": {"2"}}

	resp, err := svc.Forward(rr)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	_ = resp.Body.Close()
	if got != "a=1&b=2" {
		t.Errorf("query = %q, want a=1&b=2", got)
	}
}

func TestRelayService_UpstreamErrorVerbatim(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"nope"}`))
	}))
	defer upstream.Close()

	svc := newTestRelayService(testConfig())
	resp, err := svc.Forward(relayRequest(upstream.URL+"/missing", nil))
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	if resp.Header.Get(HeaderProxied) != "true" {
		t.Error("missing X-Proxied")
	}
	if !strings.HasSuffix(resp.Header.Get(HeaderOriginalURL), "/missing") {
		t.Errorf("X-Original-Url = %q", resp.Header.Get(HeaderOriginalURL))
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"message":"nope"}` {
		t.Errorf("body = %q, want verbatim upstream body", body)
	}
}

func TestRelayService_HTMLWhenJSONRequested(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer upstream.Close()

	svc := newTestRelayService(testConfig())
	_, err := svc.Forward(relayRequest(upstream.URL, http.Header{"Accept": {"application/json"}}))

	var htmlErr *HTMLResponseError
	if !errors.As(err, &htmlErr) {
		t.Fatalf("err = %v, want *HTMLResponseError", err)
	}
	if htmlErr.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", htmlErr.StatusCode)
	}
}

func TestRelayService_InvalidTarget(t *testing.T) {
	svc := newTestRelayService(testConfig())
	_, err := svc.Forward(relayRequest("ftp://example.com/file", nil))
	if !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("err = %v, want ErrInvalidTarget", err)
	}
	var ne *urlnorm.Error
	if !errors.As(err, &ne) {
		t.Error("want *urlnorm.Error in chain")
	}
}

func TestRelayService_TransportError(t *testing.T) {
	svc := newTestRelayService(testConfig())
	_, err := svc.Forward(relayRequest("http://127.0.0.1:1/x", nil))

	var fe *ForwardError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want *ForwardError", err)
	}
	if fe.Target != "http://127.0.0.1:1/x" {
		t.Errorf("Target = %q", fe.Target)
	}
}

func TestRelayService_GovernmentHeaders(t *testing.T) {
	svc := newTestRelayService(testConfig())
	h := svc.outboundHeaders(http.Header{}, "https://data.example.go.th/api", true)

	if h.Get("Referer") != "https://data.example.go.th/api" {
		t.Errorf("Referer = %q", h.Get("Referer"))
	}
	if !strings.Contains(h.Get("User-Agent"), "Mozilla") {
		t.Errorf("User-Agent = %q, want browser UA", h.Get("User-Agent"))
	}
	if h.Get("Accept") != "application/json" {
		t.Errorf("Accept = %q, want default application/json", h.Get("Accept"))
	}
}
