package handler

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"relay-proxy-go/internal/client"
	"relay-proxy-go/internal/config"
	"relay-proxy-go/internal/metrics"
	"relay-proxy-go/internal/service"
)

const (
	defaultWait  = 5 * time.Second
	pollInterval = 10 * time.Millisecond
)

// newRelayServer wires the full route table for cfg and serves it over HTTP.
func newRelayServer(t *testing.T, cfg *config.Config, m *metrics.Metrics) *httptest.Server {
	t.Helper()
	if cfg.Upstream.TimeoutSeconds == 0 {
		cfg.Upstream.TimeoutSeconds = 10
	}
	if cfg.Upstream.IdleConnections == 0 {
		cfg.Upstream.IdleConnections = 10
	}
	if cfg.CORS.AllowOrigins == nil {
		cfg.CORS.AllowOrigins = []string{"*"}
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	uc := client.NewUpstreamClient(cfg, logger, m)
	svc, err := service.NewRelayService(uc, cfg, logger, m)
	require.NoError(t, err)

	e := echo.New()
	RegisterRoutes(e, NewRelayHandler(svc, logger, m), NewHealthHandler(), cfg, m)

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv
}

// countingUpstream answers 200 with the request URI and counts hits.
func countingUpstream(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(r.Method + " " + r.URL.RequestURI()))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func do(t *testing.T, method, url string, header http.Header) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, http.NoBody)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestRoutes_ForwardsToUpstream(t *testing.T) {
	upstream, hits := countingUpstream(t)
	relay := newRelayServer(t, &config.Config{
		Upstream: config.UpstreamConfig{BaseURL: upstream.URL},
		CORS:     config.CORSConfig{AllowOrigins: []string{"*"}},
	}, nil)

	resp, body := do(t, http.MethodGet, relay.URL+"/p/items", nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "GET /items", body)
	assert.Equal(t, int32(1), hits.Load())
}

func TestRoutes_PrefixOnly(t *testing.T) {
	upstream, _ := countingUpstream(t)
	relay := newRelayServer(t, &config.Config{
		Upstream: config.UpstreamConfig{BaseURL: upstream.URL},
	}, nil)

	_, body := do(t, http.MethodDelete, relay.URL+"/p", nil)
	assert.Equal(t, "DELETE /", body)

	_, body = do(t, http.MethodPatch, relay.URL+"/p/a/b?q=1", nil)
	assert.Equal(t, "PATCH /a/b?q=1", body)
}

func TestRoutes_NonStandardMethods(t *testing.T) {
	upstream, hits := countingUpstream(t)
	relay := newRelayServer(t, &config.Config{
		Upstream: config.UpstreamConfig{BaseURL: upstream.URL},
	}, nil)

	methods := []string{"PURGE", "MKCOL", "LINK", "PROPFIND", http.MethodTrace}
	for _, method := range methods {
		resp, body := do(t, method, relay.URL+"/p/items", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode, method)
		assert.Equal(t, method+" /items", body)
	}

	_, body := do(t, "PURGE", relay.URL+"/p", nil)
	assert.Equal(t, "PURGE /", body)
	assert.Equal(t, int32(len(methods)+1), hits.Load())

	resp, _ := do(t, "PURGE", relay.URL+"/unknown", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, int32(len(methods)+1), hits.Load())
}

func TestRoutes_NonStandardMethodStillGuarded(t *testing.T) {
	upstream, hits := countingUpstream(t)
	relay := newRelayServer(t, &config.Config{
		Upstream: config.UpstreamConfig{BaseURL: upstream.URL},
		Auth:     config.AuthConfig{Token: "tok"},
	}, nil)

	resp, _ := do(t, "MKCOL", relay.URL+"/p/dir", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int32(0), hits.Load())
}

func TestRoutes_UnauthorizedNeverReachesUpstream(t *testing.T) {
	upstream, hits := countingUpstream(t)
	relay := newRelayServer(t, &config.Config{
		Upstream: config.UpstreamConfig{BaseURL: upstream.URL},
		Auth:     config.AuthConfig{Token: "tok"},
	}, nil)

	resp, body := do(t, http.MethodGet, relay.URL+"/p/items", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.JSONEq(t, `{"error":"unauthorized"}`, body)
	assert.Equal(t, int32(0), hits.Load())

	resp, _ = do(t, http.MethodGet, relay.URL+"/p/items", http.Header{"X-Proxy-Token": {"tok"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(1), hits.Load())
}

func TestRoutes_OriginRejectedNeverReachesUpstream(t *testing.T) {
	upstream, hits := countingUpstream(t)
	relay := newRelayServer(t, &config.Config{
		Upstream: config.UpstreamConfig{BaseURL: upstream.URL},
		CORS:     config.CORSConfig{AllowOrigins: []string{"foo.com"}},
	}, nil)

	resp, _ := do(t, http.MethodGet, relay.URL+"/p/items", http.Header{"Origin": {"https://bar.com"}})
	assert.GreaterOrEqual(t, resp.StatusCode, 400)
	assert.Less(t, resp.StatusCode, 500)
	assert.Equal(t, int32(0), hits.Load())

	resp, _ = do(t, http.MethodGet, relay.URL+"/p/items", http.Header{"Origin": {"https://foo.com"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "https://foo.com", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, int32(1), hits.Load())
}

func TestRoutes_UpstreamUnreachable(t *testing.T) {
	relay := newRelayServer(t, &config.Config{
		Upstream: config.UpstreamConfig{BaseURL: "http://127.0.0.1:1"},
	}, nil)

	for range 2 {
		resp, _ := do(t, http.MethodGet, relay.URL+"/p/items", nil)
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

		resp, body := do(t, http.MethodGet, relay.URL+"/health", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "ok", body)
	}
}

func TestRoutes_HealthBypassesPipeline(t *testing.T) {
	upstream, hits := countingUpstream(t)
	relay := newRelayServer(t, &config.Config{
		Upstream: config.UpstreamConfig{BaseURL: upstream.URL},
		CORS:     config.CORSConfig{AllowOrigins: []string{"foo.com"}},
		Auth:     config.AuthConfig{Token: "tok"},
	}, nil)

	resp, body := do(t, http.MethodGet, relay.URL+"/health", http.Header{"Origin": {"https://bar.com"}})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body)
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, int32(0), hits.Load())
}

func TestRoutes_UnknownPaths(t *testing.T) {
	upstream, hits := countingUpstream(t)
	relay := newRelayServer(t, &config.Config{
		Upstream: config.UpstreamConfig{BaseURL: upstream.URL},
	}, nil)

	for _, path := range []string{"/unknown", "/pages", "/", "/metrics"} {
		resp, _ := do(t, http.MethodGet, relay.URL+path, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
	assert.Equal(t, int32(0), hits.Load())
}

func TestRoutes_MetricsEndpoint(t *testing.T) {
	upstream, _ := countingUpstream(t)
	m := metrics.New()
	relay := newRelayServer(t, &config.Config{
		Upstream: config.UpstreamConfig{BaseURL: upstream.URL},
		Auth:     config.AuthConfig{Token: "tok"},
		Metrics:  config.MetricsConfig{Enabled: true},
	}, m)

	do(t, http.MethodGet, relay.URL+"/p/items", nil)
	do(t, http.MethodGet, relay.URL+"/p/items", http.Header{"X-Proxy-Token": {"tok"}})

	resp, body := do(t, http.MethodGet, relay.URL+"/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `relay_rejections_total{reason="auth"} 1`)
	assert.Contains(t, body, `relay_upstream_responses_total{method="GET",status_code="200"} 1`)
}

func TestRoutes_ConcurrentRequests(t *testing.T) {
	release := make(chan struct{})
	var inFlight, peak atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		_, _ = w.Write([]byte(r.URL.Path))
	}))
	defer upstream.Close()
	var once sync.Once
	releaseAll := func() { once.Do(func() { close(release) }) }
	defer releaseAll()

	relay := newRelayServer(t, &config.Config{
		Upstream: config.UpstreamConfig{BaseURL: upstream.URL},
	}, nil)

	const n = 8
	var g errgroup.Group
	for i := range n {
		g.Go(func() error {
			resp, err := http.Get(fmt.Sprintf("%s/p/req/%d", relay.URL, i))
			if err != nil {
				return err
			}
			defer func() { _ = resp.Body.Close() }()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if want := fmt.Sprintf("/req/%d", i); string(body) != want {
				return fmt.Errorf("body = %q, want %q", body, want)
			}
			return nil
		})
	}

	// Every request must be parked upstream at the same time before any is released.
	require.Eventually(t, func() bool { return inFlight.Load() == n }, defaultWait, pollInterval)
	releaseAll()

	require.NoError(t, g.Wait())
	assert.Equal(t, int32(n), peak.Load())
}
