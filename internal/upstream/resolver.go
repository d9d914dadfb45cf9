// Package upstream locates the backend that /api/backend requests are relayed
// to and caches the result for the life of the process.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"eduhens-gateway/internal/metrics"
	"eduhens-gateway/internal/model"
)

// ErrUpstreamUnavailable is returned when no candidate yields a backend.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// errNotPresent is returned by a candidate that has nothing to offer in this
// deployment, as opposed to one that failed.
var errNotPresent = errors.New("not present")

// Handle is a resolved backend that can serve a rewritten proxy request.
type Handle interface {
	// Kind names the candidate that produced the handle.
	Kind() string
	// Target describes where requests go, for logs and status output.
	Target() string
	RoundTrip(ctx context.Context, pr *model.ProxyRequest) (*model.ProxyResponse, error)
}

// Candidate is one location the backend may be found at.
type Candidate interface {
	Name() string
	Resolve(ctx context.Context) (Handle, error)
}

// resolved boxes a Handle so it can live in an atomic.Pointer.
type resolved struct {
	handle Handle
}

// Resolver tries its candidates in order and keeps the first handle found.
//
// The cache is Unresolved until a candidate succeeds and Resolved forever
// after; failed attempts leave it Unresolved so a backend that comes up later
// is still picked up. Concurrent first requests may each run resolution; the
// first to store wins and every caller returns that handle.
type Resolver struct {
	candidates []Candidate
	current    atomic.Pointer[resolved]
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewResolver creates a Resolver over candidates in priority order.
// The metrics parameter is optional.
func NewResolver(candidates []Candidate, logger *slog.Logger, m *metrics.Metrics) *Resolver {
	return &Resolver{
		candidates: candidates,
		logger:     logger.With("component", "upstream_resolver"),
		metrics:    m,
	}
}

// Current returns the cached handle, or nil while unresolved.
func (r *Resolver) Current() Handle {
	if res := r.current.Load(); res != nil {
		return res.handle
	}
	return nil
}

// Resolve returns the cached handle, resolving it on first use.
func (r *Resolver) Resolve(ctx context.Context) (Handle, error) {
	if h := r.Current(); h != nil {
		return h, nil
	}

	var tried []string
	for _, c := range r.candidates {
		h, err := c.Resolve(ctx)
		switch {
		case errors.Is(err, errNotPresent):
			r.record(c.Name(), "absent")
			tried = append(tried, c.Name()+": not present")
			continue
		case err != nil:
			r.record(c.Name(), "error")
			r.logger.Warn("upstream candidate failed", "candidate", c.Name(), "err", err)
			tried = append(tried, fmt.Sprintf("%s: %v", c.Name(), err))
			continue
		}

		r.record(c.Name(), "resolved")
		if r.current.CompareAndSwap(nil, &resolved{handle: h}) {
			r.logger.Info("upstream resolved", "kind", h.Kind(), "target", h.Target())
			return h, nil
		}
		// Lost the race: another request already stored a handle.
		return r.Current(), nil
	}

	if len(tried) == 0 {
		return nil, fmt.Errorf("%w: no candidates configured", ErrUpstreamUnavailable)
	}
	return nil, fmt.Errorf("%w: %s", ErrUpstreamUnavailable, strings.Join(tried, "; "))
}

func (r *Resolver) record(candidate, result string) {
	if r.metrics != nil {
		r.metrics.UpstreamResolutions.WithLabelValues(candidate, result).Inc()
	}
}
