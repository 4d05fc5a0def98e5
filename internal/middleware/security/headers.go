package security

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

type HeadersConfig struct {
	AllowedOrigins []string
	IsDevelopment  bool
}

// HeadersMiddleware sets the browser hardening headers. Report downloads and event streams are
// never cached.
func HeadersMiddleware(cfg HeadersConfig) fiber.Handler {
	csp := strings.Join([]string{
		"default-src 'self'",
		"img-src 'self' data:",
		"connect-src " + connectSrc(cfg.AllowedOrigins),
		"frame-ancestors 'none'",
		"base-uri 'self'",
		"form-action 'self'",
	}, "; ")

	return func(c *fiber.Ctx) error {
		c.Set("X-Frame-Options", "DENY")
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Set("Content-Security-Policy", csp)

		if !cfg.IsDevelopment {
			c.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		path := c.Path()
		if strings.HasPrefix(path, "/risk/export/") || strings.Contains(path, "stream") {
			c.Set(fiber.HeaderCacheControl, "no-store")
		}

		return c.Next()
	}
}

// connectSrc allows the API's own origin plus websocket and configured origins.
func connectSrc(origins []string) string {
	parts := []string{"'self'", "ws:", "wss:"}
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" && o != "*" {
			parts = append(parts, o)
		}
	}
	return strings.Join(parts, " ")
}
