// Package api serves stored prices over HTTP.
package api

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"commodity-ratewatch/internal/logging"
	"commodity-ratewatch/internal/metrics"
	"commodity-ratewatch/internal/version"
)

// Options configure the HTTP app.
type Options struct {
	Name         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewApp builds the Fiber app with middleware, health, metrics and price routes.
func NewApp(q *Queries, m *metrics.Metrics, opts Options, logger zerolog.Logger) *fiber.App {
	if opts.Name == "" {
		opts.Name = "ratewatch"
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	logger = logging.Component(logger, "api")

	app := fiber.New(fiber.Config{
		AppName:               opts.Name,
		DisableStartupMessage: true,
		ReadTimeout:           opts.ReadTimeout,
		WriteTimeout:          opts.WriteTimeout,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			return c.Status(errorCode(err)).JSON(fiber.Map{"error": err.Error()})
		},
	})

	app.Use(recover.New())
	app.Use(requestid.New(requestid.Config{Generator: uuid.NewString}))
	app.Use(requestLogger(logger, m))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": opts.Name,
			"version": version.Version,
		})
	})
	app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))

	RegisterRoutes(app, q)
	return app
}

func errorCode(err error) int {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return fiber.StatusInternalServerError
}

// requestLogger logs one line per request and counts it.
func requestLogger(logger zerolog.Logger, m *metrics.Metrics) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		code := c.Response().StatusCode()
		if err != nil {
			code = errorCode(err)
		}
		route := c.Route().Path
		m.Request(route, strconv.Itoa(code))

		event := logger.Info()
		if code >= fiber.StatusInternalServerError {
			event = logger.Warn().Err(err)
		}
		event.Str("request_id", c.GetRespHeader(fiber.HeaderXRequestID)).
			Str("method", c.Method()).
			Str("path", c.Path()).
			Int("status", code).
			Dur("elapsed", time.Since(start)).
			Msg("request served")
		return err
	}
}
