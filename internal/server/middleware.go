package server

import (
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
)

// quietPaths are polled by dashboards and scrapers and only logged at debug
var quietPaths = map[string]bool{
	"/metrics":   true,
	"/health":    true,
	"/api/trace": true,
	"/api/beam":  true,
}

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		path := c.Path()
		level := slog.LevelInfo
		if quietPaths[path] {
			level = slog.LevelDebug
		}
		if c.Response().StatusCode() >= fiber.StatusInternalServerError {
			level = slog.LevelWarn
		}

		logger.Log(c.UserContext(), level, "http request",
			"method", c.Method(),
			"path", path,
			"status", c.Response().StatusCode(),
			"latency_ms", time.Since(start).Milliseconds(),
			"ip", c.IP(),
		)

		return err
	}
}
