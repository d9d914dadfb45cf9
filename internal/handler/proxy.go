package handler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"eduhens-gateway/internal/config"
	"eduhens-gateway/internal/model"
	"eduhens-gateway/internal/service"
)

// Error titles of the two relays.
const (
	errSameOrigin = "Proxy error"
	errBackend    = "Backend proxy error"
)

// TokenSource yields the bearer token of the session on r.
type TokenSource interface {
	AccessToken(ctx context.Context, r *http.Request) (*model.AccessToken, error)
}

// ProxyHandler exposes the same-origin and resolved-handle relays.
type ProxyHandler struct {
	sameOrigin service.Relay
	backend    service.Relay
	tokens     TokenSource // nil unless proxy.attach_session_token is set
	production bool
	logger     *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(sameOrigin *service.SameOriginRelay, backend *service.HandleRelay, broker *service.TokenBroker, cfg *config.Config, logger *slog.Logger) *ProxyHandler {
	var tokens TokenSource
	if cfg.Proxy.AttachSessionToken && broker != nil {
		tokens = broker
	}
	return newProxyHandler(sameOrigin, backend, tokens, cfg, logger)
}

func newProxyHandler(sameOrigin, backend service.Relay, tokens TokenSource, cfg *config.Config, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		sameOrigin: sameOrigin,
		backend:    backend,
		tokens:     tokens,
		production: cfg.App.IsProduction(),
		logger:     logger.With("component", "proxy_handler"),
	}
}

// SameOrigin serves /api-backend/*.
func (h *ProxyHandler) SameOrigin(c echo.Context) error {
	return h.relay(c, h.sameOrigin, errSameOrigin)
}

// Backend serves /api/backend/*.
func (h *ProxyHandler) Backend(c echo.Context) error {
	return h.relay(c, h.backend, errBackend)
}

func (h *ProxyHandler) relay(c echo.Context, relay service.Relay, title string) error {
	pr, err := h.buildRequest(c, relay)
	if err != nil {
		return h.fail(c, relay, title, err)
	}

	resp, err := relay.Forward(c.Request().Context(), pr)
	if err != nil {
		return h.fail(c, relay, title, err)
	}

	header := c.Response().Header()
	for k, vals := range service.RelayHeaders(resp.Header) {
		header[k] = vals
	}
	if pr.Method != http.MethodHead {
		header.Del("Content-Length")
		if len(resp.Body) > 0 {
			header.Set("Content-Length", strconv.Itoa(len(resp.Body)))
		}
	}

	c.Response().WriteHeader(resp.StatusCode)
	if len(resp.Body) == 0 || pr.Method == http.MethodHead {
		return nil
	}

	// Status is already on the wire; a failed write can only be logged.
	if _, err := c.Response().Write(resp.Body); err != nil {
		h.logger.Error("writing response body",
			"err", err,
			"relay", relay.Name(),
			"path", pr.Path,
		)
	}
	return nil
}

func (h *ProxyHandler) buildRequest(c echo.Context, relay service.Relay) (*model.ProxyRequest, error) {
	req := c.Request()

	path, ok := service.RewritePath(req.URL.EscapedPath(), relay.Prefix(), service.TargetPrefix)
	if !ok {
		return nil, errors.Errorf("path %q is outside %s", req.URL.Path, relay.Prefix())
	}

	pr := &model.ProxyRequest{
		Method:   req.Method,
		Path:     path,
		RawQuery: req.URL.RawQuery,
		Header:   service.ForwardHeaders(req.Header),
		Origin:   requestScheme(req) + "://" + req.Host,
	}

	if req.Method != http.MethodGet && req.Method != http.MethodHead && req.Body != nil {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, errors.Wrap(err, "reading request body")
		}
		pr.Body = body
	}

	if h.tokens != nil && pr.Header.Get("Authorization") == "" {
		tok, err := h.tokens.AccessToken(req.Context(), req)
		if err == nil {
			pr.Header.Set("Authorization", "Bearer "+tok.Token)
		}
	}

	return pr, nil
}

// requestScheme is the scheme of the connection itself. Forwarding headers
// are client-controlled and are not consulted.
func requestScheme(req *http.Request) string {
	if req.TLS != nil {
		return "https"
	}
	return "http"
}

func (h *ProxyHandler) fail(c echo.Context, relay service.Relay, title string, err error) error {
	h.logger.Error("proxy error",
		"err", err,
		"relay", relay.Name(),
		"method", c.Request().Method,
		"path", c.Request().URL.Path,
	)

	body := map[string]string{
		"error":   title,
		"message": err.Error(),
	}
	if !h.production {
		body["details"] = fmt.Sprintf("%+v", err)
	}
	return c.JSON(http.StatusInternalServerError, body)
}
