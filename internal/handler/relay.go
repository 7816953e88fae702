package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"apisheet-proxy-go/internal/model"
	"apisheet-proxy-go/internal/redact"
	"apisheet-proxy-go/internal/service"
	"apisheet-proxy-go/internal/urlnorm"
)

// RelayHandler forwards requests whose path suffix is a target URL.
type RelayHandler struct {
	service *service.RelayService
	prefix  string
	logger  *slog.Logger
}

// NewRelayHandler creates a RelayHandler for routes mounted under prefix.
func NewRelayHandler(svc *service.RelayService, prefix string, logger *slog.Logger) *RelayHandler {
	return &RelayHandler{
		service: svc,
		prefix:  strings.TrimSuffix(prefix, "/"),
		logger:  logger.With("component", "relay_handler"),
	}
}

// Handle relays the request to its target and streams the response back.
func (h *RelayHandler) Handle(c echo.Context) error {
	req := c.Request()

	raw := strings.TrimPrefix(req.URL.EscapedPath(), h.prefix)
	raw = strings.TrimPrefix(raw, "/")

	rr := &model.RelayRequest{
		Ctx:       req.Context(),
		Method:    req.Method,
		RawTarget: raw,
		Query:     req.URL.Query(),
		Header:    req.Header,
		Body:      req.Body,
	}

	resp, err := h.service.Forward(rr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	// The status is already sent; a copy failure leaves the client with a
	// truncated body and is only logged.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", redact.Error(err),
			"path", redact.String(req.URL.Path),
		)
	}

	return nil
}

func (h *RelayHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("relay error",
		"err", redact.Error(err),
		"path", redact.String(c.Request().URL.Path),
	)

	original := c.Request().URL.String()

	if errors.Is(err, service.ErrInvalidTarget) {
		body := map[string]string{
			"error":       "invalid URL structure",
			"originalUrl": original,
		}
		var ne *urlnorm.Error
		if errors.As(err, &ne) {
			body["error"] = "invalid URL structure: " + ne.Reason
			body["receivedUrl"] = ne.ReceivedURL
		}
		return c.JSON(http.StatusBadRequest, body)
	}

	var htmlErr *service.HTMLResponseError
	if errors.As(err, &htmlErr) {
		return c.JSON(http.StatusUnsupportedMediaType, map[string]any{
			"error":  "target server returned HTML when JSON was requested",
			"status": htmlErr.StatusCode,
		})
	}

	var fe *service.ForwardError
	if errors.As(err, &fe) {
		original = fe.Target
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error":       "upstream request timed out",
			"originalUrl": original,
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error":       "upstream host unreachable",
			"originalUrl": original,
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error":       "upstream connection failed",
			"originalUrl": original,
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error":       "upstream request failed",
		"originalUrl": original,
	})
}
