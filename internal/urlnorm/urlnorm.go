// Package urlnorm repairs user-supplied API URLs into canonical absolute URLs.
package urlnorm

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// encodedSchemeMarker is "://" fully percent-encoded.
const encodedSchemeMarker = "%3A%2F%2F"

var (
	// malformedScheme matches "https:/host" (a single slash after the scheme).
	malformedScheme = regexp.MustCompile(`^(?i)(https?):/([^/])`)
	// extraSlashes matches runs of slashes following "scheme://".
	extraSlashes = regexp.MustCompile(`(?i)(https?://)/+`)
)

// Error is returned when input cannot be turned into a well-formed absolute URL.
type Error struct {
	ReceivedURL string
	Reason      string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid URL %q: %s", e.ReceivedURL, e.Reason)
}

// PathRepair inserts a missing segment between Base and one of the known Endpoints.
// For Base "/haze-r2/", Insert "api/" and Endpoint "patient-group-location",
// "/haze-r2/patient-group-location" becomes "/haze-r2/api/patient-group-location".
type PathRepair struct {
	Base      string
	Insert    string
	Endpoints []string
}

// DefaultPathRepairs are the endpoint families known to be published without their /api/ segment.
var DefaultPathRepairs = []PathRepair{
	{
		Base:      "/haze-r2/",
		Insert:    "api/",
		Endpoints: []string{"patient-group-location"},
	},
}

// Normalize applies the default repairs to raw. See Normalizer.Normalize.
func Normalize(raw string) (string, error) {
	return defaultNormalizer.Normalize(raw)
}

var defaultNormalizer = New(DefaultPathRepairs)

// Normalizer repairs malformed URLs. The zero value applies no path repairs.
type Normalizer struct {
	repairs []PathRepair
}

// New returns a Normalizer applying the given path repairs.
func New(repairs []PathRepair) *Normalizer {
	return &Normalizer{repairs: repairs}
}

// Normalize turns raw into a canonical absolute http(s) URL.
//
// The steps run in a fixed order and are each safe to apply when not needed, so
// Normalize(Normalize(x)) == Normalize(x). A literal '%' that does not start an
// escape is kept as "%25".
func (n *Normalizer) Normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "/")

	s = escapeStrayPercent(s)

	if strings.Contains(s, encodedSchemeMarker) {
		s = decodeOnce(s)
	}
	// Further passes handle multiply-encoded input. Decoding stops once it no
	// longer changes anything, so the output has no escape left to decode.
	for strings.Contains(s, "%") {
		decoded := decodeOnce(s)
		if decoded == s {
			break
		}
		s = decoded
	}

	if !hasHTTPScheme(s) {
		switch {
		case malformedScheme.MatchString(s):
			s = malformedScheme.ReplaceAllString(s, "$1://$2")
		case !strings.Contains(s, "://"):
			s = "https://" + s
		}
	}

	s = extraSlashes.ReplaceAllString(s, "$1")

	for _, r := range n.repairs {
		s = r.apply(s)
	}

	return validate(s)
}

// decodeOnce percent-decodes s. A '%' the decoding exposes that does not start
// a valid escape is re-encoded as "%25"; undecodable input is returned unchanged.
func decodeOnce(s string) string {
	decoded, err := url.PathUnescape(s)
	if err != nil {
		return s
	}
	return escapeStrayPercent(decoded)
}

// escapeStrayPercent encodes every '%' not followed by two hex digits as "%25".
func escapeStrayPercent(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && (i+2 >= len(s) || !isHex(s[i+1]) || !isHex(s[i+2])) {
			b.WriteString("%25")
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

func hasHTTPScheme(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func (r PathRepair) apply(s string) string {
	bare := strings.TrimSuffix(r.Base, "/")
	if strings.Contains(s, bare) && !strings.Contains(s, r.Base) {
		s = strings.Replace(s, bare, r.Base, 1)
	}
	if !strings.Contains(s, r.Base) || strings.Contains(s, r.Base+r.Insert) {
		return s
	}
	for _, ep := range r.Endpoints {
		if strings.Contains(s, r.Base+ep) {
			return strings.Replace(s, r.Base+ep, r.Base+r.Insert+ep, 1)
		}
	}
	return s
}

func validate(s string) (string, error) {
	u, err := url.Parse(s)
	if err != nil {
		return "", &Error{ReceivedURL: s, Reason: "unparseable URL"}
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", &Error{ReceivedURL: s, Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	host := u.Hostname()
	if host == "" {
		return "", &Error{ReceivedURL: s, Reason: "missing host"}
	}
	if strings.ContainsAny(host, " \t\r\n%\\") {
		return "", &Error{ReceivedURL: s, Reason: fmt.Sprintf("invalid host %q", host)}
	}

	u.Scheme = scheme
	u.RawQuery = escapeQuery(u.RawQuery)
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), nil
}

// escapeQuery percent-encodes bytes that may not appear raw in a request line.
// Existing escapes are left alone so the result is stable under re-normalization.
func escapeQuery(q string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(q); i++ {
		c := q[i]
		if c <= ' ' || c >= 0x7f || c == '"' || c == '<' || c == '>' || c == '`' || c == '#' {
			b.WriteByte('%')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0f])
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
