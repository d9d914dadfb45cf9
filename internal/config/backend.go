package config

import (
	"strings"
)

// DefaultBackendURL is used server-side when nothing else is configured.
const DefaultBackendURL = "http://localhost:5000"

// BrowserProxyPath is the relative same-origin path browsers fall back to.
const BrowserProxyPath = "/api-backend"

// ServerURL returns the backend base URL for server-side callers, in order:
// public URL, internal URL, platform deployment URL, local default.
func (b *BackendConfig) ServerURL() string {
	switch {
	case b.PublicURL != "":
		return trimSlash(b.PublicURL)
	case b.InternalURL != "":
		return trimSlash(b.InternalURL)
	case b.DeploymentURL != "":
		return trimSlash(withScheme(b.DeploymentURL))
	default:
		return DefaultBackendURL
	}
}

// BrowserURL returns the backend base URL handed to browser code. The
// internal URL is never exposed; without a public URL the browser goes
// through the same-origin relay.
func (b *BackendConfig) BrowserURL() string {
	if b.PublicURL != "" {
		return trimSlash(b.PublicURL)
	}
	return BrowserProxyPath
}

// RemoteFallbackEnabled reports whether the remote URL is an upstream candidate.
func (b *BackendConfig) RemoteFallbackEnabled() bool {
	return b.RemoteFallback == nil || *b.RemoteFallback
}

// withScheme prefixes https:// to schemeless hosts such as VERCEL_URL values.
func withScheme(raw string) string {
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	return "https://" + raw
}

func trimSlash(s string) string {
	return strings.TrimRight(s, "/")
}
