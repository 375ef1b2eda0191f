package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

// clientIDHeaders are consulted in priority order. The service always runs
// behind a reverse proxy, so proxy headers are the identity source;
// RemoteAddr would only ever name the proxy itself.
var clientIDHeaders = []struct {
	name    string
	extract func(value string) string
}{
	{name: "X-Forwarded-For", extract: firstForwardedAddr},
	{name: "CF-Connecting-IP", extract: strings.TrimSpace},
	{name: "X-Real-IP", extract: strings.TrimSpace},
}

// ClientID extracts the client identifier used as the rate limit bucket.
//
// Headers are tried in order: X-Forwarded-For (first entry of the comma
// list, the original client), CF-Connecting-IP, X-Real-IP. A candidate
// counts only if it parses as an IP address, so a spoofed garbage header
// falls through to the next source. When every source misses, the request
// is bucketed under UnknownClient: unidentifiable traffic shares one
// window rather than receiving a fresh one per request.
func ClientID(r *http.Request) string {
	if r == nil {
		return UnknownClient
	}

	for _, header := range clientIDHeaders {
		value := r.Header.Get(header.name)
		if value == "" {
			continue
		}

		candidate := header.extract(value)
		if candidate == "" {
			continue
		}

		if net.ParseIP(candidate) != nil {
			return candidate
		}
	}

	return UnknownClient
}

// firstForwardedAddr returns the first entry of an X-Forwarded-For comma
// list, which is the client the nearest trusted proxy saw.
func firstForwardedAddr(value string) string {
	first, _, _ := strings.Cut(value, ",")

	return strings.TrimSpace(first)
}
