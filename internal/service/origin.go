package service

import (
	"fmt"
	"strings"

	"relay-proxy-go/internal/config"
)

// OriginResult is the outcome of an origin check.
type OriginResult struct {
	Allowed bool
	Reason  string
}

// OriginPolicy decides which request origins may receive CORS-enabled responses.
//
// Matching is a case-sensitive substring test: pattern "foo.com" admits
// "https://foo.com" but also "https://foo.com.example.net". Configure
// patterns with a scheme and port (e.g. "https://app.foo.com") to narrow it.
type OriginPolicy struct {
	patterns []string
	allowAll bool
}

// NewOriginPolicy creates an OriginPolicy. A pattern list of exactly ["*"]
// allows every origin; empty patterns never match.
func NewOriginPolicy(patterns []string) *OriginPolicy {
	cors := config.CORSConfig{AllowOrigins: patterns}
	return &OriginPolicy{
		patterns: patterns,
		allowAll: cors.AllowsAllOrigins(),
	}
}

// Check evaluates origin, the raw Origin header value. An empty origin means
// the header was absent: same-origin and non-browser clients are not subject to CORS.
func (p *OriginPolicy) Check(origin string) OriginResult {
	if origin == "" {
		return OriginResult{Allowed: true, Reason: "no origin"}
	}
	if p.allowAll {
		return OriginResult{Allowed: true, Reason: "all origins allowed"}
	}
	for _, pat := range p.patterns {
		if pat != "" && strings.Contains(origin, pat) {
			return OriginResult{Allowed: true, Reason: fmt.Sprintf("matched pattern %q", pat)}
		}
	}
	return OriginResult{Allowed: false, Reason: "origin not in allow-list"}
}

// IsAllowed reports whether origin may proceed.
func (p *OriginPolicy) IsAllowed(origin string) bool {
	return p.Check(origin).Allowed
}
