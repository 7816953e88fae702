package fetch

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind is the failure taxonomy surfaced to callers.
type Kind int

const (
	// InvalidURL means the input could not be normalized; never retried.
	InvalidURL Kind = iota
	// MisclassifiedHTML means a route returned a document instead of data.
	MisclassifiedHTML
	// Transport covers connection refused, DNS failure, timeouts and
	// non-2xx responses without a body.
	Transport
	// UpstreamHTTP means the target answered non-2xx with a body.
	UpstreamHTTP
	// InvalidBody means a 2xx body that is neither HTML nor a JSON array or object.
	InvalidBody
	// AllRoutesExhausted means every planned route failed.
	AllRoutesExhausted
)

func (k Kind) String() string {
	switch k {
	case InvalidURL:
		return "invalid_url"
	case MisclassifiedHTML:
		return "misclassified_html"
	case Transport:
		return "transport_failure"
	case UpstreamHTTP:
		return "upstream_http_error"
	case InvalidBody:
		return "invalid_body"
	case AllRoutesExhausted:
		return "all_routes_exhausted"
	default:
		return "unknown"
	}
}

var (
	ErrInvalidURL         = errors.New("invalid url")
	ErrMisclassifiedHTML  = errors.New("received HTML instead of JSON")
	ErrTransport          = errors.New("transport failure")
	ErrUpstreamHTTP       = errors.New("upstream http error")
	ErrInvalidBody        = errors.New("invalid response body")
	ErrAllRoutesExhausted = errors.New("all routes exhausted")
)

func (k Kind) sentinel() error {
	switch k {
	case InvalidURL:
		return ErrInvalidURL
	case MisclassifiedHTML:
		return ErrMisclassifiedHTML
	case Transport:
		return ErrTransport
	case UpstreamHTTP:
		return ErrUpstreamHTTP
	case InvalidBody:
		return ErrInvalidBody
	default:
		return ErrAllRoutesExhausted
	}
}

// RouteFailure is the outcome of one failed route attempt.
type RouteFailure struct {
	Route      string
	Kind       Kind
	StatusCode int
	// Message is safe to show to callers; secrets are already redacted.
	Message string
	// Title is the page title when the route returned HTML.
	Title string
	// Body holds the upstream error body when it parsed as JSON.
	Body json.RawMessage
	// Err is the underlying cause, if any.
	Err error
}

func (f *RouteFailure) Error() string {
	var b strings.Builder
	b.WriteString(f.Route)
	b.WriteString(": ")
	b.WriteString(f.Kind.String())
	if f.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", f.StatusCode)
	}
	if f.Message != "" {
		b.WriteString(": ")
		b.WriteString(f.Message)
	}
	return b.String()
}

func (f *RouteFailure) Unwrap() []error {
	if f.Err == nil {
		return []error{f.Kind.sentinel()}
	}
	return []error{f.Kind.sentinel(), f.Err}
}

// ExhaustedError is returned when no route produced records. Failures are in
// attempt order; the last one is the terminal failure.
type ExhaustedError struct {
	Target   string
	Failures []*RouteFailure
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.Error()
	}
	return fmt.Sprintf("%s after %d attempts: %s", ErrAllRoutesExhausted, len(e.Failures), strings.Join(parts, "; "))
}

// Terminal returns the last route failure, or nil when nothing was attempted.
func (e *ExhaustedError) Terminal() *RouteFailure {
	if len(e.Failures) == 0 {
		return nil
	}
	return e.Failures[len(e.Failures)-1]
}

// Unwrap exposes ErrAllRoutesExhausted and the terminal failure, so
// errors.Is(err, ErrMisclassifiedHTML) holds when the last route returned HTML.
func (e *ExhaustedError) Unwrap() []error {
	if t := e.Terminal(); t != nil {
		return []error{ErrAllRoutesExhausted, t}
	}
	return []error{ErrAllRoutesExhausted}
}

// KindOf returns the taxonomy kind of err and whether it belongs to the taxonomy.
func KindOf(err error) (Kind, bool) {
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		return AllRoutesExhausted, true
	}
	var rf *RouteFailure
	if errors.As(err, &rf) {
		return rf.Kind, true
	}
	if errors.Is(err, ErrInvalidURL) {
		return InvalidURL, true
	}
	return 0, false
}
