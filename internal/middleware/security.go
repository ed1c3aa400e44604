package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// HopByHopHeaders are connection-scoped and never travel past a proxy.
var HopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// IsHopByHop reports whether name is a hop-by-hop header.
func IsHopByHop(name string) bool {
	for _, h := range HopByHopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

// SecurityHeaders returns an Echo middleware that adds security headers and
// strips hop-by-hop headers from the inbound request. The headers are set
// before the handler runs so relayed replies carry them too.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, h := range HopByHopHeaders {
				c.Request().Header.Del(h)
			}

			c.Response().Header().Set("X-Content-Type-Options", "nosniff")
			c.Response().Header().Set("X-Frame-Options", "DENY")

			return next(c)
		}
	}
}
