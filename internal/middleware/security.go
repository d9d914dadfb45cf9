package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"

	"eduhens-gateway/internal/model"
)

// securityHeaders are added to every response unless the handler already
// set them.
var securityHeaders = map[string]string{
	"X-Content-Type-Options": "nosniff",
	"X-Frame-Options":        "DENY",
}

// SecurityHeaders returns an Echo middleware that adds security headers
// and strips hop-by-hop headers from requests. Responses on paths under a
// passthrough prefix are relayed from the backend and left as it sent them.
func SecurityHeaders(passthrough ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			model.StripHopByHop(c.Request().Header)

			if underPrefix(c.Request().URL.Path, passthrough) {
				return next(c)
			}

			// Registered before the handler runs so they are in place even
			// when the handler writes the status line itself.
			c.Response().Before(func() {
				h := c.Response().Header()
				for k, v := range securityHeaders {
					if h.Get(k) == "" {
						h.Set(k, v)
					}
				}
			})

			return next(c)
		}
	}
}

func underPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}
