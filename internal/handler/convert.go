package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"apisheet-proxy-go/internal/config"
	"apisheet-proxy-go/internal/export"
	"apisheet-proxy-go/internal/fetch"
	"apisheet-proxy-go/internal/flatten"
	"apisheet-proxy-go/internal/jsondoc"
	"apisheet-proxy-go/internal/metrics"
	"apisheet-proxy-go/internal/redact"
	"apisheet-proxy-go/internal/route"
	"apisheet-proxy-go/internal/service"
	"apisheet-proxy-go/internal/urlnorm"
)

// formatRecords is the preview response format of /convert.
const formatRecords = "records"

// ConvertHandler fetches a target and returns its records or an export file.
type ConvertHandler struct {
	orchestrator    *fetch.Orchestrator
	defaultFilename string
	logger          *slog.Logger
	metrics         *metrics.Metrics
}

// NewConvertHandler creates a ConvertHandler. The metrics parameter is optional.
func NewConvertHandler(o *fetch.Orchestrator, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ConvertHandler {
	return &ConvertHandler{
		orchestrator:    o,
		defaultFilename: cfg.Export.DefaultFilename,
		logger:          logger.With("component", "convert_handler"),
		metrics:         m,
	}
}

type recordsResponse struct {
	Columns []string          `json:"columns"`
	Records []*jsondoc.Object `json:"records"`
	Count   int               `json:"count"`
	Route   string            `json:"route"`
}

type attemptResponse struct {
	Route   string `json:"route"`
	Kind    string `json:"kind"`
	Status  int    `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

type fetchErrorResponse struct {
	Error        string            `json:"error"`
	Kind         string            `json:"kind"`
	TerminalKind string            `json:"terminal_kind,omitempty"`
	Attempts     []attemptResponse `json:"attempts,omitempty"`
	UpstreamBody json.RawMessage   `json:"upstream_body,omitempty"`
	ReceivedURL  string            `json:"receivedUrl,omitempty"`
}

// Convert handles GET /convert?url=&format=&filename=&thai=.
func (h *ConvertHandler) Convert(c echo.Context) error {
	rawURL := c.QueryParam("url")
	if rawURL == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "url parameter is required"})
	}

	format := c.QueryParam("format")
	if format == "" {
		format = formatRecords
	}
	var exportFormat export.Format
	if format != formatRecords {
		f, err := export.ParseFormat(format)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		exportFormat = f
	}

	var preferGovernment bool
	if v := c.QueryParam("thai"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "thai must be a boolean"})
		}
		preferGovernment = b
	}

	req := c.Request()
	res, err := h.orchestrator.Fetch(req.Context(), rawURL, route.Hints{
		PreferGovernmentRoute: preferGovernment,
		Header:                req.Header,
	})
	if err != nil {
		return h.mapError(c, err)
	}

	if format == formatRecords {
		rs := flatten.Flatten(res.Records)
		cols := rs.Columns
		if cols == nil {
			cols = []string{}
		}
		return c.JSON(http.StatusOK, recordsResponse{
			Columns: cols,
			Records: rs.Records,
			Count:   rs.Len(),
			Route:   res.Route,
		})
	}

	filename := c.QueryParam("filename")
	if filename == "" {
		filename = h.defaultFilename
	}
	blob, err := export.Encode(exportFormat, res.Records, filename)
	if err != nil {
		if errors.Is(err, export.ErrNoRecords) {
			return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": "no records to export"})
		}
		h.logger.Error("export failed", "format", string(exportFormat), "fetch_id", res.ID, "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "export failed"})
	}
	if h.metrics != nil {
		h.metrics.ExportsTotal.WithLabelValues(string(exportFormat)).Inc()
	}

	c.Response().Header().Set(echo.HeaderContentDisposition,
		mime.FormatMediaType("attachment", map[string]string{"filename": blob.Filename}))
	return c.Blob(http.StatusOK, blob.ContentType, blob.Data)
}

func (h *ConvertHandler) mapError(c echo.Context, err error) error {
	kind, _ := fetch.KindOf(err)
	h.logger.Warn("convert failed", "kind", kind.String(), "err", redact.Error(err))

	var ex *fetch.ExhaustedError
	if errors.As(err, &ex) {
		return h.exhausted(c, ex)
	}

	if errors.Is(err, fetch.ErrInvalidURL) {
		body := fetchErrorResponse{Error: "invalid URL", Kind: fetch.InvalidURL.String()}
		var ne *urlnorm.Error
		if errors.As(err, &ne) {
			body.Error = "invalid URL: " + ne.Reason
			body.ReceivedURL = ne.ReceivedURL
		}
		return c.JSON(http.StatusBadRequest, body)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{"error": "fetch timed out"})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "client disconnected"})
	}

	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "fetch failed"})
}

func (h *ConvertHandler) exhausted(c echo.Context, ex *fetch.ExhaustedError) error {
	body := fetchErrorResponse{
		Error:    "all routes failed",
		Kind:     fetch.AllRoutesExhausted.String(),
		Attempts: make([]attemptResponse, 0, len(ex.Failures)),
	}
	for _, f := range ex.Failures {
		body.Attempts = append(body.Attempts, attemptResponse{
			Route:   f.Route,
			Kind:    f.Kind.String(),
			Status:  f.StatusCode,
			Message: f.Message,
		})
	}

	status := http.StatusBadGateway
	term := ex.Terminal()
	if term == nil {
		body.Error = "no routes available"
		return c.JSON(status, body)
	}
	body.TerminalKind = term.Kind.String()

	switch term.Kind {
	case fetch.MisclassifiedHTML:
		status = http.StatusUnsupportedMediaType
		body.Error = "the target returned a web page instead of JSON data"
	case fetch.Transport:
		body.Error = "the target could not be reached: " + term.Message
	case fetch.UpstreamHTTP:
		body.Error = term.Message
		if term.Body != nil {
			body.UpstreamBody = term.Body
			c.Response().Header().Set(service.HeaderProxied, "true")
			c.Response().Header().Set(service.HeaderOriginalURL, ex.Target)
		}
	case fetch.InvalidBody:
		body.Error = "the target did not return a JSON array or object"
	}
	return c.JSON(status, body)
}
