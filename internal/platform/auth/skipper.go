package auth

import (
	"github.com/labstack/echo/v4"
)

// Infrastructure endpoints that must stay reachable without credentials.
// Probes and scrapers do not carry tokens.
var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
	"/metrics":   true,
}

// AuthSkipper reports whether the request path bypasses authentication.
func AuthSkipper(c echo.Context) bool {
	return IsPublicPath(c.Path())
}

// IsPublicPath reports whether path is a public infrastructure endpoint.
// Tenant resolution is skipped for these paths too.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
