// Package api assembles the HTTP server: middleware stack, routes and metrics endpoint.
package api

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/tenderflow/backend/internal/api/handlers"
	"github.com/tenderflow/backend/internal/metrics"
	"github.com/tenderflow/backend/internal/middleware/ratelimit"
	"github.com/tenderflow/backend/internal/middleware/security"
	"github.com/tenderflow/backend/internal/middleware/validation"
	"github.com/tenderflow/backend/pkg/config"
	"github.com/tenderflow/backend/pkg/logger"
)

type Options struct {
	Server  config.ServerConfig
	Metrics config.MetricsConfig
	// AccessLog enables fiber's request log line.
	AccessLog bool
}

// NewApp returns the configured app and the rate limiter whose janitor must be stopped on shutdown.
func NewApp(opts Options, deps handlers.Deps) (*fiber.App, *ratelimit.RateLimiter) {
	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(opts.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(opts.Server.WriteTimeout) * time.Second,
		BodyLimit:    opts.Server.BodyLimit,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	origins := "*"
	if len(opts.Server.AllowedOrigins) > 0 {
		origins = strings.Join(opts.Server.AllowedOrigins, ",")
	}

	app.Use(recover.New())
	if opts.AccessLog {
		app.Use(fiberlogger.New())
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Client-ID",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: opts.Server.AllowedOrigins,
		IsDevelopment:  opts.Server.Development,
	}))

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: opts.Server.RateLimitPerMin,
		Logger:               logger.Named("ratelimit"),
	})
	app.Use(limiter.Middleware())

	upload := validation.Config{
		MaxDocumentSize:   opts.Server.BodyLimit,
		AllowedExtensions: opts.Server.AllowedExtensions,
		Logger:            logger.Named("validation"),
	}
	app.Use(validation.Middleware(upload))

	if opts.Metrics.Enabled {
		metrics.Init()
		path := opts.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		app.Get(path, metrics.MetricsHandler())
	}

	deps.Upload = upload
	if deps.UploadDir == "" {
		deps.UploadDir = opts.Server.UploadDir
	}
	handlers.Register(app, deps)
	return app, limiter
}
