// Package service implements the relay forwarding logic behind the local relay endpoint.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"apisheet-proxy-go/internal/classify"
	"apisheet-proxy-go/internal/client"
	"apisheet-proxy-go/internal/config"
	"apisheet-proxy-go/internal/model"
	"apisheet-proxy-go/internal/redact"
	"apisheet-proxy-go/internal/route"
	"apisheet-proxy-go/internal/urlnorm"
)

// ErrInvalidTarget is returned when the relayed target does not normalize to a valid URL.
var ErrInvalidTarget = errors.New("invalid target url")

// forwardableResponseHeaders are the only response headers relayed back to the client.
var forwardableResponseHeaders = []string{
	"Content-Type",
	"Cache-Control",
	"Expires",
	"Date",
	"Etag",
}

// Metadata headers marking a relayed upstream error.
const (
	HeaderProxied     = "X-Proxied"
	HeaderOriginalURL = "X-Original-Url"
)

// ForwardError is a failed upstream call for a known target.
type ForwardError struct {
	Target string
	Err    error
}

func (e *ForwardError) Error() string {
	return fmt.Sprintf("forward to %s: %v", e.Target, e.Err)
}

func (e *ForwardError) Unwrap() error { return e.Err }

// HTMLResponseError is returned when the target answered with HTML although
// the caller asked for JSON.
type HTMLResponseError struct {
	Target     string
	StatusCode int
}

func (e *HTMLResponseError) Error() string {
	return fmt.Sprintf("target %s returned HTML (status %d) when JSON was requested", e.Target, e.StatusCode)
}

// RelayService forwards relay requests to their decoded target.
type RelayService struct {
	client     *client.UpstreamClient
	normalizer *urlnorm.Normalizer
	gov        *route.GovernmentMatcher
	logger     *slog.Logger

	userAgent         string
	timeout           time.Duration
	governmentTimeout time.Duration
}

// NewRelayService creates a RelayService.
func NewRelayService(c *client.UpstreamClient, normalizer *urlnorm.Normalizer, gov *route.GovernmentMatcher, cfg *config.Config, logger *slog.Logger) *RelayService {
	return &RelayService{
		client:            c,
		normalizer:        normalizer,
		gov:               gov,
		logger:            logger.With("component", "relay_service"),
		userAgent:         cfg.Relay.UserAgent,
		timeout:           config.Seconds(cfg.Relay.TimeoutSeconds),
		governmentTimeout: config.Seconds(cfg.Relay.GovernmentTimeoutSeconds),
	}
}

// Forward sends a RelayRequest to its target and returns the response.
// The caller is responsible for closing the response body.
//
// Non-2xx responses are returned as-is, marked with X-Proxied and
// X-Original-Url. An HTML response to a JSON request yields *HTMLResponseError.
func (s *RelayService) Forward(rr *model.RelayRequest) (*model.UpstreamResponse, error) {
	target, err := s.normalizer.Normalize(rr.RawTarget)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}
	target = mergeQuery(target, rr.Query)

	sensitive := s.gov.IsGovernmentURL(target)
	header := s.outboundHeaders(rr.Header, target, sensitive)
	timeout := s.timeout
	if sensitive {
		timeout = s.governmentTimeout
	}

	s.logger.Debug("relaying request",
		"method", rr.Method,
		"target", redact.String(target),
		"government", sensitive,
	)

	ctx, cancel := context.WithTimeout(rr.Ctx, timeout)
	resp, err := s.client.DoStream(ctx, rr.Method, target, header, rr.Body)
	if err != nil {
		cancel()
		return nil, &ForwardError{Target: target, Err: err}
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}

	contentType := resp.Header.Get("Content-Type")
	if classify.IsHTMLContentType(contentType, header.Get("Accept")) {
		_ = resp.Body.Close()
		return nil, &HTMLResponseError{Target: target, StatusCode: resp.StatusCode}
	}

	out := make(http.Header)
	for _, k := range forwardableResponseHeaders {
		if vals := resp.Header.Values(k); len(vals) > 0 {
			out[http.CanonicalHeaderKey(k)] = vals
		}
	}
	if contentType == "" {
		out.Set("Content-Type", "application/json")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		out.Set(HeaderProxied, "true")
		out.Set(HeaderOriginalURL, target)
	}
	resp.Header = out
	return resp, nil
}

func (s *RelayService) outboundHeaders(src http.Header, target string, sensitive bool) http.Header {
	var dst http.Header
	if sensitive {
		dst = route.BrowserHeaders(target)
	} else {
		dst = make(http.Header)
		dst.Set("User-Agent", s.userAgent)
	}

	accept := src.Get("Accept")
	if accept == "" {
		accept = "application/json"
	}
	dst.Set("Accept", accept)
	for _, k := range []string{"Authorization", "Content-Type"} {
		if v := src.Get(k); v != "" {
			dst.Set(k, v)
		}
	}
	return dst
}

// mergeQuery appends extra query parameters to target.
func mergeQuery(target string, extra url.Values) string {
	if len(extra) == 0 {
		return target
	}
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	if u.RawQuery == "" {
		u.RawQuery = extra.Encode()
	} else {
		u.RawQuery += "&" + extra.Encode()
	}
	return u.String()
}

// cancelBody releases the request context once the body is closed.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
