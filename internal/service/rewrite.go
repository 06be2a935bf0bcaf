package service

import (
	"net/url"
	"strings"

	"relay-proxy-go/internal/config"
)

// RewritePath strips the public prefix from the start of uri once. The rest,
// query string included, is returned verbatim: "/p/a?q=1" becomes "/a?q=1"
// and "/p" becomes "".
func RewritePath(uri string) string {
	return strings.TrimPrefix(uri, config.PublicPrefix)
}

// buildUpstreamURL joins base with a rewritten request URI. The base path is
// kept as a prefix and the request path is appended as-is; an empty request
// path targets the base path itself.
func buildUpstreamURL(base *url.URL, rewritten string) string {
	path, query, _ := strings.Cut(rewritten, "?")

	joined := base.EscapedPath()
	if path != "" {
		joined = strings.TrimSuffix(joined, "/") + path
	}
	if joined == "" {
		joined = "/"
	} else if joined[0] != '/' {
		joined = "/" + joined
	}

	if base.RawQuery != "" {
		if query == "" {
			query = base.RawQuery
		} else {
			query = base.RawQuery + "&" + query
		}
	}

	var b strings.Builder
	b.WriteString(base.Scheme)
	b.WriteString("://")
	b.WriteString(base.Host)
	b.WriteString(joined)
	if query != "" {
		b.WriteByte('?')
		b.WriteString(query)
	}
	return b.String()
}
