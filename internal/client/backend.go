// Package client provides the pooled upstream HTTP client for the backend.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"eduhens-gateway/internal/config"
	"eduhens-gateway/internal/metrics"
	"eduhens-gateway/internal/model"
)

// BackendClient sends buffered requests to an upstream backend over TCP or a
// Unix socket.
type BackendClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
	relay      string
}

// NewBackendClient creates a BackendClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewBackendClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *BackendClient {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return newBackendClient(cfg, logger, m, dialer.DialContext)
}

// NewSocketClient creates a BackendClient that dials socketPath for every
// request regardless of the host in the request URL.
func NewSocketClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, socketPath string) *BackendClient {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	dial := func(ctx context.Context, _, _ string) (net.Conn, error) {
		return dialer.DialContext(ctx, "unix", socketPath)
	}
	c := newBackendClient(cfg, logger, m, dial)
	c.logger = c.logger.With("socket", socketPath)
	return c
}

func newBackendClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, dial func(context.Context, string, string) (net.Conn, error)) *BackendClient {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Backend.IdleConnections,
		MaxIdleConnsPerHost: cfg.Backend.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext:         dial,
		// Bodies are relayed as the upstream encoded them.
		DisableCompression: true,
	}

	return &BackendClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Backend.TimeoutSeconds) * time.Second,
			// Redirects belong to the browser, not the gateway.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logger.With("component", "backend_client"),
		metrics: m,
		relay:   "backend",
	}
}

// WithRelay returns a shallow copy whose metrics are labelled with relay.
func (c *BackendClient) WithRelay(relay string) *BackendClient {
	cp := *c
	cp.relay = relay
	return &cp
}

// Do executes an HTTP request against the upstream and buffers the full
// response body.
func (c *BackendClient) Do(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		c.observe(method, "", time.Since(start))
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	c.observe(method, strconv.Itoa(resp.StatusCode), time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// Send builds a request for url from method, header and body and executes it.
// The provided context controls the lifetime of the upstream request:
// when the inbound request is canceled, the upstream request is also canceled.
func (c *BackendClient) Send(ctx context.Context, method, url string, header http.Header, body []byte) (*model.ProxyResponse, error) {
	var reader io.Reader = http.NoBody
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if header != nil {
		req.Header = header.Clone()
	}

	return c.Do(req)
}

func (c *BackendClient) observe(method, status string, d time.Duration) {
	if c.metrics == nil {
		return
	}
	c.metrics.UpstreamDuration.WithLabelValues(c.relay, method).Observe(d.Seconds())
	if status != "" {
		c.metrics.UpstreamResponses.WithLabelValues(c.relay, method, status).Inc()
	}
}
