package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"

	"github.com/labstack/echo/v4"

	"relay-proxy-go/internal/metrics"
	"relay-proxy-go/internal/model"
	"relay-proxy-go/internal/service"
)

// userinfoPattern matches credentials embedded in URLs quoted by transport errors.
var userinfoPattern = regexp.MustCompile(`(://)[^/@\s"]+@`)

// preflightMethods is advertised on CORS preflight responses.
const preflightMethods = "GET,HEAD,PUT,PATCH,POST,DELETE"

// RelayHandler runs the relay pipeline for requests under the public prefix.
type RelayHandler struct {
	service *service.RelayService
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRelayHandler creates a RelayHandler. The metrics parameter is optional.
func NewRelayHandler(svc *service.RelayService, logger *slog.Logger, m *metrics.Metrics) *RelayHandler {
	return &RelayHandler{
		service: svc,
		logger:  logger.With("component", "relay_handler"),
		metrics: m,
	}
}

// Handle evaluates the request and either answers it directly (rejection or
// preflight) or forwards it upstream and streams the response back.
// Every path writes exactly one response.
func (h *RelayHandler) Handle(c echo.Context) error {
	req := c.Request()

	d := h.service.Evaluate(&model.RelayRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		URI:           req.URL.RequestURI(),
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
		Host:          req.Host,
		Origin:        req.Header.Get(echo.HeaderOrigin),
	})

	if d.CORS {
		setCORSHeaders(c.Response().Header(), d.Origin)
	}

	if d.Rejected() {
		return rejectResponse(c, d.Verdict)
	}
	if d.Verdict == model.VerdictPreflight {
		return h.preflight(c)
	}

	resp, err := h.service.Forward(d.Upstream)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Upstream headers win over the CORS headers set above.
	dst := c.Response().Header()
	for key, vals := range resp.Header {
		dst[key] = vals
	}

	c.Response().WriteHeader(resp.StatusCode)

	// Stream the upstream body directly to the client. If the copy fails
	// mid-stream (client disconnect, upstream reset) the status has already
	// been sent, so the client sees a truncated body; the error is logged.
	var w io.Writer = c.Response()
	if resp.ContentLength < 0 {
		w = &flushWriter{w: c.Response(), rc: http.NewResponseController(c.Response().Writer)}
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", req.URL.Path,
		)
	}

	return nil
}

// rejectResponse writes the JSON error for a verdict that ends the request.
func rejectResponse(c echo.Context, v model.Verdict) error {
	if v == model.VerdictRejectOrigin {
		return c.JSON(http.StatusForbidden, map[string]string{
			"error": "origin not allowed",
		})
	}
	return c.JSON(http.StatusUnauthorized, map[string]string{
		"error": "unauthorized",
	})
}

func (h *RelayHandler) preflight(c echo.Context) error {
	hdr := c.Response().Header()
	hdr.Set(echo.HeaderAccessControlAllowMethods, preflightMethods)
	if reqHeaders := c.Request().Header.Get(echo.HeaderAccessControlRequestHeaders); reqHeaders != "" {
		hdr.Set(echo.HeaderAccessControlAllowHeaders, reqHeaders)
		hdr.Add(echo.HeaderVary, echo.HeaderAccessControlRequestHeaders)
	}
	hdr.Set(echo.HeaderContentLength, "0")
	return c.NoContent(http.StatusNoContent)
}

// setCORSHeaders enables credentialed cross-origin access for origin.
func setCORSHeaders(hdr http.Header, origin string) {
	hdr.Set(echo.HeaderAccessControlAllowOrigin, origin)
	hdr.Set(echo.HeaderAccessControlAllowCredentials, "true")
	hdr.Add(echo.HeaderVary, echo.HeaderOrigin)
}

func (h *RelayHandler) mapError(c echo.Context, err error) error {
	// The body limit reader fails mid-upload; the upstream is not at fault.
	if errors.Is(err, echo.ErrStatusRequestEntityTooLarge) {
		h.logger.Info("request body too large",
			"path", c.Request().URL.Path,
		)
		h.metrics.ObserveRejection(metrics.ReasonBodyLimit)
		return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{
			"error": "request body too large",
		})
	}

	h.logger.Error("relay error",
		"err", sanitizeError(err),
		"path", c.Request().URL.Path,
	)
	h.metrics.ObserveRejection(metrics.ReasonTransport)

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	if errors.Is(err, service.ErrUpstreamProtocol) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream protocol error",
		})
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}

// sanitizeError redacts URL credentials from error messages.
func sanitizeError(err error) string {
	return userinfoPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]@")
}

// flushWriter flushes after every write so unknown-length bodies such as
// event streams reach the client as they arrive.
type flushWriter struct {
	w  io.Writer
	rc *http.ResponseController
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err == nil {
		_ = f.rc.Flush()
	}
	return n, err
}
