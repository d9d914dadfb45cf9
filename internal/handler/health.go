package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"eduhens-gateway/internal/config"
	"eduhens-gateway/internal/upstream"
)

// Version is a string type for dependency injection of the build version.
type Version string

// UpstreamState reports the cached upstream handle, or nil before the first
// successful resolution.
type UpstreamState interface {
	Current() upstream.Handle
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg      *config.Config
	version  Version
	upstream UpstreamState
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, resolver *upstream.Resolver) *HealthHandler {
	h := &HealthHandler{cfg: cfg, version: v}
	if resolver != nil {
		h.upstream = resolver
	}
	return h
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns gateway status information. It never triggers resolution.
func (h *HealthHandler) Status(c echo.Context) error {
	body := map[string]string{
		"status":      "ok",
		"version":     string(h.version),
		"environment": h.cfg.App.Environment,
		"backend_url": h.cfg.Backend.ServerURL(),
		"upstream":    "unresolved",
	}
	if h.upstream != nil {
		if cur := h.upstream.Current(); cur != nil {
			body["upstream"] = cur.Kind()
			body["upstream_target"] = cur.Target()
		}
	}
	return c.JSON(http.StatusOK, body)
}
