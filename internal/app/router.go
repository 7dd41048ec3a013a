package app

import (
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eztheme/builder/internal/auth"
	"github.com/eztheme/builder/internal/handler"
	"github.com/eztheme/builder/internal/middleware"
	"github.com/eztheme/builder/internal/service"
	ws "github.com/eztheme/builder/internal/websocket"
	"github.com/eztheme/builder/pkg/response"
)

// bodyLimit leaves room for a base64 logo next to the config
const bodyLimit = 16 * 1024 * 1024

// RouterDeps are what the HTTP layer needs. RateLimiter and Gatherer may be
// nil.
type RouterDeps struct {
	Service       *service.BuildService
	Hub           *ws.Hub
	Authenticator *auth.Authenticator
	RateLimiter   *middleware.RateLimiter
	Gatherer      prometheus.Gatherer

	GatewayMode    bool
	BuildPerHour   int
	MaxAssetSize   int64
	LogLevel       string
	MirrorEnabled  bool
	TemplateStatus func() error
}

// NewRouter builds the Fiber app serving the build API
func NewRouter(d RouterDeps) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler,
		BodyLimit:    bodyLimit,
	})

	app.Use(recover.New())
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if strings.EqualFold(d.LogLevel, "debug") {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${reqHeaders}\n"
	}
	app.Use(logger.New(logger.Config{Format: logFormat}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"timestamp": time.Now().Unix()})
	})

	app.Get("/health", func(c *fiber.Ctx) error {
		template := true
		if d.TemplateStatus != nil {
			template = d.TemplateStatus() == nil
		}
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"template": template,
				"r2":       d.MirrorEnabled,
				"auth":     d.GatewayMode || d.Authenticator.Configured(),
			},
		})
	})

	if d.Gatherer != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	app.Get("/auth/verify", handler.NewAuthHandler(d.Authenticator).Verify)

	var authenticate fiber.Handler
	if d.GatewayMode {
		authenticate = middleware.GatewayAuthMiddleware()
	} else {
		authenticate = middleware.NewAuthMiddleware(d.Authenticator).Authenticate()
	}

	limit := func(c *fiber.Ctx) error { return c.Next() }
	if d.RateLimiter != nil {
		limit = d.RateLimiter.BuildLimit(d.BuildPerHour)
	}

	builds := handler.NewBuildHandler(d.Service, d.Hub, validator.New(), d.MaxAssetSize)

	api := app.Group("/api", authenticate)
	api.Get("/credits", builds.Credits)
	api.Post("/builds", limit, builds.Create)
	api.Get("/builds", builds.List)
	api.Get("/builds/:buildId", builds.Get)
	api.Post("/builds/:buildId/retry", limit, builds.Retry)
	api.Get("/builds/:buildId/download", builds.Download)

	app.Get("/ws/builds/:buildId", builds.WatchUpgrade, builds.Watch())

	return app
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}
	return response.Error(c, code, response.CodeServiceError, message, nil)
}
