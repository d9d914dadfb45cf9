package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"eduhens-gateway/internal/client"
	"eduhens-gateway/internal/config"
	"eduhens-gateway/internal/metrics"
	"eduhens-gateway/internal/model"
)

const (
	KindEmbedded = "embedded"
	KindSocket   = "socket"
	KindRemote   = "remote"
)

// embedded holds the backend module bundled into this process, if any.
var embedded atomic.Pointer[http.Handler]

// RegisterEmbedded installs h as the in-process backend. A bundled backend
// calls this from its init so the gateway serves it without a network hop.
func RegisterEmbedded(h http.Handler) {
	if h == nil {
		embedded.Store(nil)
		return
	}
	embedded.Store(&h)
}

// Candidates returns the upstream candidates in priority order: the embedded
// backend module, the co-located socket, then the configured remote URL.
func Candidates(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) []Candidate {
	cs := []Candidate{
		&EmbeddedCandidate{},
		&SocketCandidate{Path: cfg.Backend.SocketPath, cfg: cfg, logger: logger, metrics: m},
	}
	if cfg.Backend.RemoteFallbackEnabled() {
		cs = append(cs, &RemoteCandidate{BaseURL: cfg.Backend.ServerURL(), cfg: cfg, logger: logger, metrics: m})
	}
	return cs
}

// EmbeddedCandidate resolves to the handler given to RegisterEmbedded, or to
// Handler when set directly.
type EmbeddedCandidate struct {
	Handler http.Handler
}

func (c *EmbeddedCandidate) Name() string { return KindEmbedded }

func (c *EmbeddedCandidate) Resolve(context.Context) (Handle, error) {
	h := c.Handler
	if h == nil {
		if p := embedded.Load(); p != nil {
			h = *p
		}
	}
	if h == nil {
		return nil, errNotPresent
	}
	return &embeddedHandle{handler: h}, nil
}

type embeddedHandle struct {
	handler http.Handler
}

func (h *embeddedHandle) Kind() string   { return KindEmbedded }
func (h *embeddedHandle) Target() string { return "in-process" }

func (h *embeddedHandle) RoundTrip(ctx context.Context, pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	return ServeHandler(ctx, h.handler, pr)
}

// SocketCandidate resolves to a backend process listening on a Unix socket.
// Relative paths are taken from the working directory at resolution time.
type SocketCandidate struct {
	Path string

	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func (c *SocketCandidate) Name() string { return KindSocket }

func (c *SocketCandidate) Resolve(context.Context) (Handle, error) {
	if c.Path == "" {
		return nil, errNotPresent
	}

	path := c.Path
	if !filepath.IsAbs(path) {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("working directory: %w", err)
		}
		path = filepath.Join(wd, path)
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, errNotPresent
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return nil, fmt.Errorf("%s is not a socket", path)
	}

	return &httpHandle{
		kind:   KindSocket,
		target: path,
		base:   "http://backend",
		client: client.NewSocketClient(c.cfg, c.logger, c.metrics, path).WithRelay(KindSocket),
	}, nil
}

// RemoteCandidate resolves to a backend reachable over HTTP(S).
type RemoteCandidate struct {
	BaseURL string

	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func (c *RemoteCandidate) Name() string { return KindRemote }

func (c *RemoteCandidate) Resolve(context.Context) (Handle, error) {
	if c.BaseURL == "" {
		return nil, errNotPresent
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", c.BaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme in %q", c.BaseURL)
	}

	return &httpHandle{
		kind:   KindRemote,
		target: c.BaseURL,
		base:   strings.TrimRight(c.BaseURL, "/"),
		client: client.NewBackendClient(c.cfg, c.logger, c.metrics).WithRelay(KindRemote),
	}, nil
}

// httpHandle forwards over a pooled HTTP client.
type httpHandle struct {
	kind   string
	target string
	base   string
	client *client.BackendClient
}

func (h *httpHandle) Kind() string   { return h.kind }
func (h *httpHandle) Target() string { return h.target }

func (h *httpHandle) RoundTrip(ctx context.Context, pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	return h.client.Send(ctx, pr.Method, h.base+pr.RequestURI(), pr.Header, pr.Body)
}
