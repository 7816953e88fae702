package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"apisheet-proxy-go/internal/config"
	"apisheet-proxy-go/internal/fetch"
	"apisheet-proxy-go/internal/route"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves liveness, route status and route probe endpoints.
type HealthHandler struct {
	cfg          *config.Config
	version      Version
	health       *route.HealthCache
	orchestrator *fetch.Orchestrator
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, health *route.HealthCache, o *fetch.Orchestrator) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, health: health, orchestrator: o}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type statusResponse struct {
	Status        string         `json:"status"`
	Version       string         `json:"version"`
	RelayPrefix   string         `json:"relay_prefix"`
	PublicProxies []string       `json:"public_proxies"`
	Routes        []route.Health `json:"routes"`
}

// Status lists the configured routes and the cached health of each route seen so far.
func (h *HealthHandler) Status(c echo.Context) error {
	proxies := make([]string, 0, len(h.cfg.Routes.PublicProxies))
	for _, p := range h.cfg.Routes.PublicProxies {
		proxies = append(proxies, p.Name)
	}
	return c.JSON(http.StatusOK, statusResponse{
		Status:        "ok",
		Version:       string(h.version),
		RelayPrefix:   h.cfg.Relay.Prefix,
		PublicProxies: proxies,
		Routes:        h.health.Snapshot(),
	})
}

// Probe checks every route planned for ?url= and reports their health.
func (h *HealthHandler) Probe(c echo.Context) error {
	rawURL := c.QueryParam("url")
	if rawURL == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "url parameter is required"})
	}

	thai, _ := strconv.ParseBool(c.QueryParam("thai"))
	results, err := h.orchestrator.Probe(c.Request().Context(), rawURL, route.Hints{
		PreferGovernmentRoute: thai,
		Header:                c.Request().Header,
	})
	if err != nil {
		if errors.Is(err, fetch.ErrInvalidURL) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusGatewayTimeout, map[string]string{"error": "probe interrupted"})
	}
	return c.JSON(http.StatusOK, map[string]any{"routes": results})
}
