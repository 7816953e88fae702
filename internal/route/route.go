// Package route plans the ordered fetch routes for a target URL and tracks route health.
package route

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Kind identifies the strategy a route uses to reach the target.
type Kind int

const (
	// Direct calls the target itself.
	Direct Kind = iota
	// GovernmentDirect calls the target with browser-like headers and a longer timeout.
	GovernmentDirect
	// LocalServerProxy goes through this service's own relay endpoint.
	LocalServerProxy
	// GovernmentRelay goes through the designated relay for government hosts.
	GovernmentRelay
	// PublicCorsProxy goes through a third-party CORS relay.
	PublicCorsProxy
)

func (k Kind) String() string {
	switch k {
	case Direct:
		return "direct"
	case GovernmentDirect:
		return "government_direct"
	case LocalServerProxy:
		return "local_relay"
	case GovernmentRelay:
		return "government_relay"
	case PublicCorsProxy:
		return "public_cors"
	default:
		return "unknown"
	}
}

// FirstParty reports whether the route is operated by the caller's side, so
// credentials may be forwarded through it.
func (k Kind) FirstParty() bool {
	return k == Direct || k == GovernmentDirect || k == LocalServerProxy
}

// Route is a stateless descriptor of one way to reach a target.
type Route struct {
	Kind Kind
	// ID is the stable identity used for health caching and metrics labels.
	ID      string
	Timeout time.Duration
	Header  http.Header

	prefix string
	target string
}

// URL returns the address to request for this route.
func (r Route) URL() string {
	if r.prefix == "" {
		return r.target
	}
	return r.prefix + EncodeComponent(r.target)
}

// Target returns the normalized target URL the route reaches.
func (r Route) Target() string {
	return r.target
}

// EncodeComponent percent-encodes s for embedding in another URL, encoding
// spaces as %20 rather than '+'.
func EncodeComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
