// Package service implements the relay pipeline: origin policy, access guard,
// header sanitizing, path rewriting and upstream dispatch.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"relay-proxy-go/internal/client"
	"relay-proxy-go/internal/config"
	"relay-proxy-go/internal/metrics"
	"relay-proxy-go/internal/model"
)

// ErrUpstreamProtocol is returned when the upstream answers with something the
// relay will not pass through, such as a protocol switch.
var ErrUpstreamProtocol = errors.New("upstream protocol error")

// ForwardedHostHeader carries the inbound Host to the upstream.
const ForwardedHostHeader = "X-Forwarded-Host"

// RelayService evaluates inbound requests and dispatches accepted ones upstream.
// It holds no per-request state and is safe for concurrent use.
type RelayService struct {
	client  *client.UpstreamClient
	origins *OriginPolicy
	guard   *AccessGuard
	logger  *slog.Logger
	metrics *metrics.Metrics
	baseURL *url.URL
}

// NewRelayService creates a RelayService from the validated configuration.
// The metrics parameter is optional.
func NewRelayService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*RelayService, error) {
	u, err := cfg.UpstreamURL()
	if err != nil {
		return nil, fmt.Errorf("relay service: %w", err)
	}

	return &RelayService{
		client:  c,
		origins: NewOriginPolicy(cfg.CORS.AllowOrigins),
		guard:   NewAccessGuard(cfg.Auth.Token),
		logger:  logger.With("component", "relay_service"),
		metrics: m,
		baseURL: u,
	}, nil
}

// Evaluate runs the pre-dispatch stages in their fixed order: origin check,
// preflight short-circuit, token check, header sanitizing, path rewrite.
// It stops at the first rejection and never touches the network.
func (s *RelayService) Evaluate(req *model.RelayRequest) model.Decision {
	origin := s.origins.Check(req.Origin)
	if !origin.Allowed {
		return s.reject(req, model.VerdictRejectOrigin, origin.Reason)
	}

	d := model.Decision{
		CORS:   req.Origin != "",
		Origin: req.Origin,
	}

	if isPreflight(req) {
		d.Verdict = model.VerdictPreflight
		d.Reason = origin.Reason
		return d
	}

	if !s.guard.IsAuthorized(req.Header.Get(TokenHeader)) {
		d = s.reject(req, model.VerdictRejectAuth, "missing or invalid token")
		d.CORS = req.Origin != ""
		d.Origin = req.Origin
		return d
	}

	d.Verdict = model.VerdictForward
	d.Reason = origin.Reason
	d.Upstream = &model.RelayRequest{
		Ctx:           req.Ctx,
		Method:        req.Method,
		URI:           RewritePath(req.URI),
		Header:        SanitizeHeaders(req.Header),
		Body:          req.Body,
		ContentLength: req.ContentLength,
		Host:          req.Host,
		Origin:        req.Origin,
	}
	return d
}

func (s *RelayService) reject(req *model.RelayRequest, v model.Verdict, reason string) model.Decision {
	s.metrics.ObserveRejection(v.String())
	s.logger.Debug("request rejected",
		"verdict", v.String(),
		"reason", reason,
		"method", req.Method,
		"origin", req.Origin,
	)
	return model.Decision{Verdict: v, Reason: reason}
}

// isPreflight reports whether req is a CORS preflight.
func isPreflight(req *model.RelayRequest) bool {
	return req.Method == http.MethodOptions &&
		req.Origin != "" &&
		req.Header.Get("Access-Control-Request-Method") != ""
}

// Forward sends an evaluated request to the upstream and returns its response.
// The caller is responsible for closing the response body. Exactly one attempt
// is made; the request context bounds its lifetime.
func (s *RelayService) Forward(up *model.RelayRequest) (*model.RelayResponse, error) {
	target := buildUpstreamURL(s.baseURL, up.URI)

	header := up.Header
	if header == nil {
		header = make(http.Header)
	}
	header.Set(ForwardedHostHeader, up.Host)
	if _, ok := header["User-Agent"]; !ok {
		// An empty value stops net/http from sending its own User-Agent.
		header["User-Agent"] = []string{""}
	}

	s.logger.Debug("forwarding request",
		"method", up.Method,
		"uri", up.URI,
	)

	resp, err := s.client.DoStream(up.Ctx, up.Method, target, header, up.Body, up.ContentLength)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	if resp.StatusCode == http.StatusSwitchingProtocols {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("forward to upstream: %w: unexpected %d response", ErrUpstreamProtocol, resp.StatusCode)
	}

	return resp, nil
}
