// Package fetch runs the ordered route plan for a target until one route
// yields records, and classifies every failure into a fixed taxonomy.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"apisheet-proxy-go/internal/classify"
	"apisheet-proxy-go/internal/config"
	"apisheet-proxy-go/internal/metrics"
	"apisheet-proxy-go/internal/model"
	"apisheet-proxy-go/internal/redact"
	"apisheet-proxy-go/internal/route"
	"apisheet-proxy-go/internal/urlnorm"
)

// Fetcher performs one bounded GET. *client.UpstreamClient satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, url string, header http.Header, timeout time.Duration, limit int64) (*model.UpstreamResponse, []byte, error)
}

// Result is a successful fetch.
type Result struct {
	ID     string
	Target string
	// Route is the ID of the route that produced the records.
	Route string
	// Records is the unflattened record sequence; a scalar object yields one record.
	Records []any
}

// ProbeResult is the health verdict for one planned route.
type ProbeResult struct {
	Route       string    `json:"route"`
	Kind        string    `json:"kind"`
	Healthy     bool      `json:"healthy"`
	Cached      bool      `json:"cached"`
	LastChecked time.Time `json:"last_checked"`
	Failure     string    `json:"failure,omitempty"`
}

// Orchestrator tries routes sequentially, at most once each.
type Orchestrator struct {
	normalizer *urlnorm.Normalizer
	planner    *route.Planner
	health     *route.HealthCache
	fetcher    Fetcher
	logger     *slog.Logger
	metrics    *metrics.Metrics

	maxBody      int64
	probeTimeout time.Duration
}

// NewOrchestrator creates an Orchestrator. The metrics parameter is optional.
func NewOrchestrator(
	cfg *config.Config,
	normalizer *urlnorm.Normalizer,
	planner *route.Planner,
	health *route.HealthCache,
	fetcher Fetcher,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Orchestrator {
	probe := config.Seconds(cfg.Routes.ProbeTimeoutSeconds)
	if probe <= 0 {
		probe = 5 * time.Second
	}
	return &Orchestrator{
		normalizer:   normalizer,
		planner:      planner,
		health:       health,
		fetcher:      fetcher,
		logger:       logger.With("component", "fetch_orchestrator"),
		metrics:      m,
		maxBody:      cfg.Upstream.MaxBodyBytes,
		probeTimeout: probe,
	}
}

// Normalize exposes the orchestrator's URL normalizer.
func (o *Orchestrator) Normalize(rawURL string) (string, error) {
	target, err := o.normalizer.Normalize(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	return target, nil
}

// Fetch normalizes rawURL and walks the route plan until a route yields
// records. It fails with ErrInvalidURL, an *ExhaustedError, or the context's
// error when ctx ends first.
func (o *Orchestrator) Fetch(ctx context.Context, rawURL string, hints route.Hints) (*Result, error) {
	id := uuid.NewString()
	logger := o.logger.With("fetch_id", id)

	target, err := o.Normalize(rawURL)
	if err != nil {
		logger.Info("rejecting url", "err", redact.Error(err))
		o.countFetch(InvalidURL.String())
		return nil, err
	}

	routes := o.planner.Plan(target, hints)
	logger.Info("fetch started",
		"target", redact.String(target),
		"routes", len(routes),
	)

	failures := make([]*RouteFailure, 0, len(routes))
	for _, r := range routes {
		if err := ctx.Err(); err != nil {
			o.countFetch("canceled")
			return nil, fmt.Errorf("fetch %s: %w", id, err)
		}

		start := time.Now()
		res, failure := o.attempt(ctx, r)
		o.observe(r.ID, failure, time.Since(start))

		if failure == nil {
			o.health.Record(r.ID, true)
			logger.Info("fetch succeeded",
				"route", r.ID,
				"kind", res.Kind.String(),
				"records", len(res.Payload),
				"failed_attempts", len(failures),
			)
			o.countFetch("success")
			return &Result{
				ID:      id,
				Target:  target,
				Route:   r.ID,
				Records: res.Payload,
			}, nil
		}

		// The caller gave up; the route is not to blame.
		if ctx.Err() != nil {
			o.countFetch("canceled")
			return nil, fmt.Errorf("fetch %s: %w", id, ctx.Err())
		}

		o.health.Record(r.ID, false)
		logger.Warn("route failed",
			"route", r.ID,
			"kind", failure.Kind.String(),
			"status", failure.StatusCode,
			"err", failure.Message,
		)
		failures = append(failures, failure)
	}

	logger.Error("all routes exhausted", "attempts", len(failures))
	o.countFetch(AllRoutesExhausted.String())
	return nil, &ExhaustedError{Target: target, Failures: failures}
}

// Probe checks every planned route for rawURL with the short probe timeout.
// Routes with a fresh cache entry are reported from the cache without a request.
func (o *Orchestrator) Probe(ctx context.Context, rawURL string, hints route.Hints) ([]ProbeResult, error) {
	target, err := o.Normalize(rawURL)
	if err != nil {
		return nil, err
	}

	logger := o.logger.With("probe_id", uuid.NewString())
	routes := o.planner.Plan(target, hints)
	out := make([]ProbeResult, 0, len(routes))

	for _, r := range routes {
		if h, fresh := o.health.Lookup(r.ID); fresh {
			out = append(out, ProbeResult{
				Route:       r.ID,
				Kind:        r.Kind.String(),
				Healthy:     h.Healthy,
				Cached:      true,
				LastChecked: h.LastChecked,
			})
			continue
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}

		r.Timeout = o.probeTimeout
		_, failure := o.attempt(ctx, r)
		if ctx.Err() != nil {
			return out, ctx.Err()
		}

		o.health.Record(r.ID, failure == nil)
		h, _ := o.health.Lookup(r.ID)
		pr := ProbeResult{
			Route:       r.ID,
			Kind:        r.Kind.String(),
			Healthy:     failure == nil,
			LastChecked: h.LastChecked,
		}
		if failure != nil {
			pr.Failure = failure.Error()
		}
		logger.Debug("route probed", "route", r.ID, "healthy", pr.Healthy)
		out = append(out, pr)
	}
	return out, nil
}

// attempt issues one request for r and classifies the outcome.
func (o *Orchestrator) attempt(ctx context.Context, r route.Route) (classify.Result, *RouteFailure) {
	accept := r.Header.Get("Accept")

	resp, body, err := o.fetcher.Fetch(ctx, r.URL(), r.Header.Clone(), r.Timeout, o.maxBody)
	if err != nil {
		f := &RouteFailure{Route: r.ID, Kind: Transport, Message: redact.Error(err), Err: err}
		if errors.Is(err, context.DeadlineExceeded) {
			f.Message = fmt.Sprintf("timed out after %s", r.Timeout)
		}
		if resp != nil {
			f.StatusCode = resp.StatusCode
		}
		return classify.Result{}, f
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classify.Result{}, upstreamFailure(r.ID, resp, body, accept)
	}

	res := classify.Classify(body, resp.Header, accept)
	switch {
	case res.Kind.Success():
		return res, nil
	case res.Kind == classify.MisclassifiedHTML:
		return res, &RouteFailure{
			Route:      r.ID,
			Kind:       MisclassifiedHTML,
			StatusCode: resp.StatusCode,
			Message:    htmlMessage(res.Title),
			Title:      res.Title,
		}
	default:
		return res, &RouteFailure{
			Route:      r.ID,
			Kind:       InvalidBody,
			StatusCode: resp.StatusCode,
			Message:    res.Reason,
		}
	}
}

// upstreamFailure classifies a non-2xx response. An empty body is a transport
// failure; an HTML body is misclassified; anything else is an upstream error
// whose JSON body is kept verbatim.
func upstreamFailure(routeID string, resp *model.UpstreamResponse, body []byte, accept string) *RouteFailure {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return &RouteFailure{
			Route:      routeID,
			Kind:       Transport,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("status %d with empty body", resp.StatusCode),
		}
	}

	res := classify.Classify(body, resp.Header, accept)
	if res.Kind == classify.MisclassifiedHTML {
		return &RouteFailure{
			Route:      routeID,
			Kind:       MisclassifiedHTML,
			StatusCode: resp.StatusCode,
			Message:    htmlMessage(res.Title),
			Title:      res.Title,
		}
	}

	f := &RouteFailure{
		Route:      routeID,
		Kind:       UpstreamHTTP,
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("upstream responded with status %d", resp.StatusCode),
	}
	if json.Valid(trimmed) {
		f.Body = json.RawMessage(append([]byte(nil), trimmed...))
	}
	return f
}

func htmlMessage(title string) string {
	if title == "" {
		return "received HTML instead of JSON"
	}
	return fmt.Sprintf("received HTML instead of JSON (%q)", title)
}

func (o *Orchestrator) observe(routeID string, failure *RouteFailure, d time.Duration) {
	if o.metrics == nil {
		return
	}
	outcome := "success"
	if failure != nil {
		outcome = failure.Kind.String()
	}
	o.metrics.RouteAttempts.WithLabelValues(routeID, outcome).Inc()
	o.metrics.RouteDuration.WithLabelValues(routeID).Observe(d.Seconds())
}

func (o *Orchestrator) countFetch(result string) {
	if o.metrics != nil {
		o.metrics.FetchesTotal.WithLabelValues(result).Inc()
	}
}
