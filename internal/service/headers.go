package service

import (
	"net/http"
	"slices"
	"strings"
)

// hopByHopHeaders are connection-management headers never sent upstream.
var hopByHopHeaders = []string{
	"connection",
	"proxy-connection",
	"keep-alive",
	"transfer-encoding",
	"upgrade",
}

func isHopByHop(key string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(key, h) {
			return true
		}
	}
	return false
}

// SanitizeHeaders returns a copy of src without hop-by-hop headers.
// Keys are matched case-insensitively whether or not they are canonical;
// every other header is copied unchanged, values and order included.
func SanitizeHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		if isHopByHop(key) {
			continue
		}
		dst[key] = slices.Clone(vals)
	}
	return dst
}
