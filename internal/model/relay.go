// Package model defines shared types for the relay.
package model

import (
	"context"
	"io"
	"net/http"
)

// RelayRequest is an inbound request as seen by the relay pipeline.
type RelayRequest struct {
	Ctx           context.Context
	Method        string
	URI           string // path plus raw query, as received
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
	Host          string // inbound Host header, empty if absent
	Origin        string // inbound Origin header, empty if absent
}

// RelayResponse is the upstream response to be streamed back to the caller.
type RelayResponse struct {
	StatusCode    int
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
}

// Verdict is the outcome of the pre-dispatch pipeline stages.
type Verdict int

const (
	// VerdictForward means the request passed every check and is ready for dispatch.
	VerdictForward Verdict = iota
	// VerdictPreflight means the request is an allowed CORS preflight answered by the relay.
	VerdictPreflight
	// VerdictRejectOrigin means the Origin is not in the allow-list.
	VerdictRejectOrigin
	// VerdictRejectAuth means the access token is missing or wrong.
	VerdictRejectAuth
)

func (v Verdict) String() string {
	switch v {
	case VerdictForward:
		return "forward"
	case VerdictPreflight:
		return "preflight"
	case VerdictRejectOrigin:
		return "origin"
	case VerdictRejectAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// Decision is the per-request result of the relay pipeline.
type Decision struct {
	Verdict Verdict
	Reason  string

	// CORS is true when the response must carry credentialed CORS headers for Origin.
	CORS   bool
	Origin string

	// Upstream is the sanitized, rewritten request. Set only for VerdictForward.
	Upstream *RelayRequest
}

// Rejected reports whether the decision ends the request with an error response.
func (d Decision) Rejected() bool {
	return d.Verdict == VerdictRejectOrigin || d.Verdict == VerdictRejectAuth
}
