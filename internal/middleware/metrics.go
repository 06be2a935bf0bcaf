package middleware

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"relay-proxy-go/internal/metrics"
)

// MetricsMiddleware records every inbound request, including those answered by
// middleware registered after it (body limit, rate limit). A body rejected by
// its declared Content-Length is counted as a body_limit rejection here; one
// rejected mid-upload is counted by the relay handler.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			err := next(c)

			m.ObserveRequest(c.Request().Method, c.Request().URL.Path, responseStatus(c, err), time.Since(start))
			if errors.Is(err, echo.ErrStatusRequestEntityTooLarge) {
				m.ObserveRejection(metrics.ReasonBodyLimit)
			}

			return err
		}
	}
}

// responseStatus is the status the client will see. An uncommitted error is
// written later by Echo's error handler, so the status comes from the error.
func responseStatus(c echo.Context, err error) int {
	if err == nil || c.Response().Committed {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}
