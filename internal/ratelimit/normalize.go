package ratelimit

import (
	"net"
	"net/url"
	"strings"
)

// NormalizeDestination reduces a URL to scheme://host[:port] with the host
// lower-cased, default ports (80 for http, 443 for https) stripped, and
// path, query, and fragment discarded. Unparseable input falls back to the
// lower-cased raw string: the result is only a throttling key, so a bad URL
// still groups consistently with itself.
func NormalizeDestination(raw string) string {
	trimmed := strings.TrimSpace(raw)
	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" {
		return strings.ToLower(trimmed)
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)

	if h, port, splitErr := net.SplitHostPort(host); splitErr == nil {
		if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
			host = h
		}
	}

	return scheme + "://" + host
}
