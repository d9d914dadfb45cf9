// Package model defines shared types for the gateway.
package model

import (
	"net/http"
	"strings"
)

// ProxyRequest is an inbound request prepared for forwarding upstream.
// Path is the escaped path after prefix rewriting and RawQuery is carried
// over verbatim.
type ProxyRequest struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
	// Origin is scheme://host of the inbound request, used by the
	// same-origin relay.
	Origin string
}

// RequestURI returns the path and query as sent upstream.
func (r *ProxyRequest) RequestURI() string {
	if r.RawQuery == "" {
		return r.Path
	}
	return r.Path + "?" + r.RawQuery
}

// ProxyResponse is the upstream response relayed back unchanged.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// HopByHopHeaders are connection-scoped headers that proxies must not forward
// in either direction.
var HopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ConnectionTokens returns the header names listed in h's Connection header.
// Those headers are hop-by-hop as well.
func ConnectionTokens(h http.Header) []string {
	var names []string
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
	}
	return names
}

// StripHopByHop removes the fixed hop-by-hop headers and any header named in
// Connection from h. Connection tokens are read before Connection is removed.
func StripHopByHop(h http.Header) {
	for _, name := range ConnectionTokens(h) {
		h.Del(name)
	}
	for _, name := range HopByHopHeaders {
		h.Del(name)
	}
}
