package service

import (
	"crypto/subtle"
)

// TokenHeader carries the shared access token.
const TokenHeader = "X-Proxy-Token"

// AccessGuard checks the shared-secret token when one is configured.
type AccessGuard struct {
	token []byte
}

// NewAccessGuard creates an AccessGuard. An empty token disables the guard.
func NewAccessGuard(token string) *AccessGuard {
	return &AccessGuard{token: []byte(token)}
}

// Enabled reports whether a token is configured.
func (g *AccessGuard) Enabled() bool {
	return len(g.token) > 0
}

// IsAuthorized reports whether value, the TokenHeader value (empty if absent),
// grants access.
func (g *AccessGuard) IsAuthorized(value string) bool {
	if !g.Enabled() {
		return true
	}
	if value == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(value), g.token) == 1
}
