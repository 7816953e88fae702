package route

import (
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"apisheet-proxy-go/internal/config"
)

// Hints adjust the route plan for one fetch.
type Hints struct {
	// PreferGovernmentRoute skips the direct call and starts at the local relay.
	PreferGovernmentRoute bool
	// Header carries the caller's request headers; only Accept and
	// Authorization are ever forwarded. An Accept that does not ask for JSON,
	// such as a browser's navigation header, is replaced by application/json.
	Header http.Header
}

const (
	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36"
	acceptLanguage   = "th-TH,th;q=0.9,en-US;q=0.8,en;q=0.7"
	defaultAccept    = "application/json"
)

// GovernmentMatcher decides whether a host is a sensitive government target.
type GovernmentMatcher struct {
	suffixes []string
	hosts    []string
}

// NewGovernmentMatcher builds a matcher from the configured suffixes and hosts.
func NewGovernmentMatcher(cfg *config.Config) *GovernmentMatcher {
	m := &GovernmentMatcher{}
	for _, s := range cfg.Government.Suffixes {
		m.suffixes = append(m.suffixes, strings.ToLower(s))
	}
	for _, h := range cfg.Government.Hosts {
		m.hosts = append(m.hosts, strings.ToLower(strings.TrimPrefix(h, ".")))
	}
	return m
}

// IsGovernmentHost reports whether host (a hostname, optionally with a port)
// ends with a configured suffix, or equals or is a sub-domain of a configured host.
// Matching is case-insensitive.
func (m *GovernmentMatcher) IsGovernmentHost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return false
	}
	for _, s := range m.suffixes {
		if strings.HasSuffix(host, s) {
			return true
		}
	}
	for _, h := range m.hosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

// IsGovernmentURL reports whether rawURL's host is a government host.
// Unparseable URLs are not.
func (m *GovernmentMatcher) IsGovernmentURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return m.IsGovernmentHost(u.Host)
}

// BrowserHeaders returns the header set sent to government targets to look like
// an ordinary browser visit from the target's own site.
func BrowserHeaders(target string) http.Header {
	h := make(http.Header)
	h.Set("User-Agent", browserUserAgent)
	h.Set("Accept-Language", acceptLanguage)
	h.Set("Cache-Control", "no-cache")
	h.Set("Pragma", "no-cache")
	h.Set("Sec-Ch-Ua", `"Not A(Brand";v="99", "Google Chrome";v="121", "Chromium";v="121"`)
	h.Set("Sec-Ch-Ua-Mobile", "?0")
	h.Set("Sec-Ch-Ua-Platform", `"Windows"`)
	h.Set("Sec-Fetch-Dest", "empty")
	h.Set("Sec-Fetch-Mode", "cors")
	h.Set("Sec-Fetch-Site", "same-origin")
	if u, err := url.Parse(target); err == nil && u.Host != "" {
		h.Set("Origin", u.Scheme+"://"+u.Host)
		h.Set("Referer", target)
	}
	return h
}

// Planner produces the ordered route list for a target.
type Planner struct {
	gov    *GovernmentMatcher
	health *HealthCache
	logger *slog.Logger

	localRelay      string
	governmentRelay string
	publicProxies   []config.PublicProxyConfig

	directTimeout     time.Duration
	governmentTimeout time.Duration
	publicTimeout     time.Duration
}

// NewPlanner creates a Planner from config.
func NewPlanner(cfg *config.Config, gov *GovernmentMatcher, health *HealthCache, logger *slog.Logger) *Planner {
	return &Planner{
		gov:               gov,
		health:            health,
		logger:            logger.With("component", "route_planner"),
		localRelay:        cfg.Routes.LocalRelayURL,
		governmentRelay:   cfg.Routes.GovernmentRelayURL,
		publicProxies:     cfg.Routes.PublicProxies,
		directTimeout:     config.Seconds(cfg.Relay.TimeoutSeconds),
		governmentTimeout: config.Seconds(cfg.Relay.GovernmentTimeoutSeconds),
		publicTimeout:     config.Seconds(cfg.Routes.PublicTimeoutSeconds),
	}
}

// Plan returns the routes to try for the normalized target, in order:
// the direct call (skipped when PreferGovernmentRoute is set), the local relay,
// the government relay (for sensitive targets or when the hint is set) and the
// public CORS proxies. Health is only consulted for logging; an unhealthy
// route is still planned.
func (p *Planner) Plan(target string, hints Hints) []Route {
	sensitive := p.gov.IsGovernmentURL(target)
	accept := defaultAccept
	var auth string
	if hints.Header != nil {
		if a := hints.Header.Get("Accept"); acceptsJSON(a) {
			accept = a
		}
		auth = hints.Header.Get("Authorization")
	}

	routes := make([]Route, 0, 3+len(p.publicProxies))

	if !hints.PreferGovernmentRoute {
		if sensitive {
			h := BrowserHeaders(target)
			routes = append(routes, Route{
				Kind: GovernmentDirect, ID: "government_direct",
				Timeout: p.governmentTimeout, Header: h, target: target,
			})
		} else {
			routes = append(routes, Route{
				Kind: Direct, ID: "direct",
				Timeout: p.directTimeout, Header: make(http.Header), target: target,
			})
		}
	}

	if p.localRelay != "" {
		timeout := p.directTimeout
		if sensitive {
			timeout = p.governmentTimeout
		}
		routes = append(routes, Route{
			Kind: LocalServerProxy, ID: "local_relay",
			Timeout: timeout, Header: make(http.Header), prefix: p.localRelay, target: target,
		})
	}

	if p.governmentRelay != "" && (sensitive || hints.PreferGovernmentRoute) {
		routes = append(routes, Route{
			Kind: GovernmentRelay, ID: "government_relay",
			Timeout: p.governmentTimeout, Header: make(http.Header), prefix: p.governmentRelay, target: target,
		})
	}

	for _, pp := range p.publicProxies {
		routes = append(routes, Route{
			Kind: PublicCorsProxy, ID: "public:" + pp.Name,
			Timeout: p.publicTimeout, Header: make(http.Header), prefix: pp.Prefix, target: target,
		})
	}

	for i := range routes {
		r := &routes[i]
		if r.Header.Get("Accept") == "" {
			r.Header.Set("Accept", accept)
		}
		r.Header.Set("X-Requested-With", "XMLHttpRequest")
		if auth != "" && r.Kind.FirstParty() {
			r.Header.Set("Authorization", auth)
		}
		if h, fresh := p.health.Lookup(r.ID); fresh && !h.Healthy {
			p.logger.Debug("planning route that recently failed",
				"route", r.ID,
				"last_checked", h.LastChecked,
			)
		}
	}

	p.logger.Debug("route plan",
		"target", target,
		"sensitive", sensitive,
		"prefer_government", hints.PreferGovernmentRoute,
		"routes", len(routes),
	)
	return routes
}

// acceptsJSON reports whether an Accept header asks for a JSON media type.
func acceptsJSON(accept string) bool {
	return strings.Contains(strings.ToLower(accept), "json")
}

// IsGovernmentURL exposes the planner's government predicate.
func (p *Planner) IsGovernmentURL(target string) bool {
	return p.gov.IsGovernmentURL(target)
}
