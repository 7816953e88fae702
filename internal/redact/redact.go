// Package redact masks credentials embedded in target URLs before they reach logs.
package redact

import (
	"regexp"
)

// secretParamPattern matches secret-looking query parameter values.
var secretParamPattern = regexp.MustCompile(`(?i)((?:^|[?&])(?:api_?key|access_token|token|key)=)[^&\s"]+`)

// userinfoPattern matches the password part of URL userinfo.
var userinfoPattern = regexp.MustCompile(`(://[^:/@\s"]+:)[^@/\s"]+@`)

// String redacts secrets in s.
func String(s string) string {
	s = secretParamPattern.ReplaceAllString(s, "${1}[REDACTED]")
	return userinfoPattern.ReplaceAllString(s, "${1}[REDACTED]@")
}

// Error redacts secrets in err's message. A nil error gives "".
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}
