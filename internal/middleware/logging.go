// Package middleware provides Echo middleware for access logging, metrics,
// rate limiting, and response hardening.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger returns an Echo middleware that writes one access log line per
// request. Server errors and requests aborted by a panic are logged at warn level.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			completed := false

			defer func() {
				req := c.Request()
				res := c.Response()

				level := slog.LevelInfo
				if !completed || res.Status >= http.StatusInternalServerError {
					level = slog.LevelWarn
				}

				logger.Log(req.Context(), level, "request",
					"method", req.Method,
					"path", req.URL.Path,
					"origin", req.Header.Get(echo.HeaderOrigin),
					"status", res.Status,
					"aborted", !completed,
					"duration_ms", time.Since(start).Milliseconds(),
					"request_id", res.Header().Get(echo.HeaderXRequestID),
					"remote_ip", c.RealIP(),
					"bytes_out", res.Size,
				)
			}()

			err := next(c)
			completed = true
			return err
		}
	}
}
