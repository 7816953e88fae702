// Package middleware provides Echo middleware for logging, metrics, CORS and security.
package middleware

import (
	"log/slog"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"

	"apisheet-proxy-go/internal/redact"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Relay paths and /convert queries embed target URLs, so both are redacted.
// Server errors are logged at warn level.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			level := slog.LevelInfo
			if res.Status >= 500 {
				level = slog.LevelWarn
			}

			logger.Log(req.Context(), level, "request",
				"method", req.Method,
				"path", redact.String(req.URL.Path),
				"query", redactQuery(req.URL.RawQuery),
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			)

			return err
		}
	}
}

// redactQuery decodes the query first so secrets inside an encoded url= value are masked too.
func redactQuery(raw string) string {
	if q, err := url.QueryUnescape(raw); err == nil {
		raw = q
	}
	return redact.String(raw)
}
