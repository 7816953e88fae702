package handler

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, relayPrefix string, relay *RelayHandler, convert *ConvertHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)
	e.GET("/proxy/probe", health.Probe)
	e.GET("/convert", convert.Convert)

	prefix := strings.TrimSuffix(relayPrefix, "/")
	e.Any(prefix+"/*", relay.Handle)
}
