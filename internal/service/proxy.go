// Package service implements the token broker and the two proxy relays.
package service

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"eduhens-gateway/internal/client"
	"eduhens-gateway/internal/config"
	"eduhens-gateway/internal/model"
	"eduhens-gateway/internal/upstream"
)

// Route prefixes and their upstream target prefix.
const (
	SameOriginPrefix = "/api-backend"
	BackendPrefix    = "/api/backend"
	TargetPrefix     = "/api"
)

// Relay names, used in logs, metrics and error bodies.
const (
	RelaySameOrigin = "same-origin"
	RelayHandle     = "resolved-handle"
)

// Relay forwards a rewritten request and returns the upstream's response.
type Relay interface {
	Name() string
	// Prefix is the inbound route prefix the relay serves.
	Prefix() string
	Forward(ctx context.Context, pr *model.ProxyRequest) (*model.ProxyResponse, error)
}

// RewritePath replaces the leading prefix segment of path with target.
// It reports false when path is not under prefix.
func RewritePath(path, prefix, target string) (string, bool) {
	if path == prefix {
		return target, true
	}
	if strings.HasPrefix(path, prefix+"/") {
		return target + path[len(prefix):], true
	}
	return "", false
}

// ErrOriginNotAllowed is returned when the inbound Host is not one the
// same-origin relay may call.
var ErrOriginNotAllowed = errors.New("origin not allowed")

// SameOriginRelay serves /api-backend/* by calling /api/* on the gateway's
// own origin.
type SameOriginRelay struct {
	client  *client.BackendClient
	origin  string          // fixed origin; empty means use the request's origin
	allowed map[string]bool // hosts a request origin may name
	logger  *slog.Logger
}

// NewSameOriginRelay creates a SameOriginRelay.
func NewSameOriginRelay(c *client.BackendClient, cfg *config.Config, logger *slog.Logger) *SameOriginRelay {
	allowed := make(map[string]bool, len(cfg.App.AllowedHosts))
	for _, h := range cfg.App.AllowedHosts {
		allowed[strings.ToLower(h)] = true
	}
	return &SameOriginRelay{
		client:  c.WithRelay(RelaySameOrigin),
		origin:  strings.TrimRight(cfg.App.PublicOrigin, "/"),
		allowed: allowed,
		logger:  logger.With("component", "same_origin_relay"),
	}
}

func (r *SameOriginRelay) Name() string   { return RelaySameOrigin }
func (r *SameOriginRelay) Prefix() string { return SameOriginPrefix }

// Forward sends pr to the configured origin, or to pr.Origin when its host
// is in app.allowed_hosts.
func (r *SameOriginRelay) Forward(ctx context.Context, pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	origin, err := r.target(pr.Origin)
	if err != nil {
		return nil, err
	}

	r.logger.Debug("forwarding request", "method", pr.Method, "path", pr.Path)

	resp, err := r.client.Send(ctx, pr.Method, origin+pr.RequestURI(), pr.Header, pr.Body)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return resp, nil
}

func (r *SameOriginRelay) target(requestOrigin string) (string, error) {
	if r.origin != "" {
		return r.origin, nil
	}
	if requestOrigin == "" {
		return "", errors.New("same-origin relay: request origin unknown")
	}
	u, err := url.Parse(requestOrigin)
	if err != nil || u.Host == "" {
		return "", errors.Errorf("same-origin relay: bad request origin %q", requestOrigin)
	}
	if !r.allowed[strings.ToLower(u.Host)] {
		r.logger.Warn("rejected request origin", "host", u.Host)
		return "", errors.Wrapf(ErrOriginNotAllowed, "same-origin relay: host %q", u.Host)
	}
	return u.Scheme + "://" + u.Host, nil
}

// HandleResolver yields the process-wide upstream handle.
type HandleResolver interface {
	Resolve(ctx context.Context) (upstream.Handle, error)
}

// HandleRelay serves /api/backend/* through the resolved upstream handle.
type HandleRelay struct {
	resolver HandleResolver
	logger   *slog.Logger
}

// NewHandleRelay creates a HandleRelay.
func NewHandleRelay(resolver *upstream.Resolver, logger *slog.Logger) *HandleRelay {
	return newHandleRelay(resolver, logger)
}

func newHandleRelay(resolver HandleResolver, logger *slog.Logger) *HandleRelay {
	return &HandleRelay{
		resolver: resolver,
		logger:   logger.With("component", "handle_relay"),
	}
}

func (r *HandleRelay) Name() string   { return RelayHandle }
func (r *HandleRelay) Prefix() string { return BackendPrefix }

// Forward resolves the upstream (once per process) and sends pr to it.
func (r *HandleRelay) Forward(ctx context.Context, pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	h, err := r.resolver.Resolve(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	r.logger.Debug("forwarding request", "method", pr.Method, "path", pr.Path, "upstream", h.Kind())

	resp, err := h.RoundTrip(ctx, pr)
	if err != nil {
		return nil, errors.Wrapf(err, "%s upstream", h.Kind())
	}
	return resp, nil
}

// ForwardHeaders copies inbound headers for the upstream, dropping only
// transport-level ones. Content-Length is recomputed from the buffered body.
func ForwardHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	model.StripHopByHop(dst)
	dst.Del("Host")
	dst.Del("Content-Length")
	return dst
}

// RelayHeaders copies upstream response headers for the client, keeping key
// spelling and multi-values as given and dropping hop-by-hop headers.
func RelayHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	drop := make(map[string]bool, len(model.HopByHopHeaders))
	for _, h := range model.HopByHopHeaders {
		drop[http.CanonicalHeaderKey(h)] = true
	}
	for _, name := range model.ConnectionTokens(src) {
		drop[http.CanonicalHeaderKey(name)] = true
	}
	for k, vals := range src {
		if drop[http.CanonicalHeaderKey(k)] {
			continue
		}
		dst[k] = append([]string(nil), vals...)
	}
	return dst
}
