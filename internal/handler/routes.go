// Package handler contains the Echo handlers and route table of the relay.
package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relay-proxy-go/internal/config"
	"relay-proxy-go/internal/metrics"
	"relay-proxy-go/internal/middleware"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
// The metrics endpoint is registered only when metrics are enabled and m is non-nil.
// Routes served by the relay itself get hardening headers; relayed routes do not.
func RegisterRoutes(e *echo.Echo, relay *RelayHandler, health *HealthHandler, cfg *config.Config, m *metrics.Metrics) {
	e.GET("/health", health.Health, middleware.SecurityHeaders())

	// Any covers only the methods Echo's router knows. A RouteNotFound handler
	// on the same paths takes precedence over the 405 for every other method,
	// so PURGE, MKCOL and the like are relayed too.
	for _, path := range []string{config.PublicPrefix, config.PublicPrefix + "/*"} {
		e.Any(path, relay.Handle)
		e.RouteNotFound(path, relay.Handle)
	}

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})), middleware.SecurityHeaders())
	}
}
