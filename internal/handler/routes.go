package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

var proxyMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
}

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, auth *AuthHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/gateway/status", health.Status)

	e.GET("/api/auth/access-token", auth.AccessToken)
	e.GET("/api/runtime-config", auth.RuntimeConfig)

	e.Match(proxyMethods, "/api-backend", proxy.SameOrigin)
	e.Match(proxyMethods, "/api-backend/*", proxy.SameOrigin)
	e.Match(proxyMethods, "/api/backend", proxy.Backend)
	e.Match(proxyMethods, "/api/backend/*", proxy.Backend)
}
