package middleware

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"cors-proxy-go/internal/config"
)

// RateLimiter returns an Echo middleware that limits each client IP to
// cfg.MaxRequests per cfg.Window(). Tokens refill evenly across the window and
// a full window's worth may be spent at once. Client IPs come from
// echo.Context.RealIP, so the echo IPExtractor decides whether proxy headers
// are trusted.
func RateLimiter(cfg config.RateLimitConfig, logger *slog.Logger) echo.MiddlewareFunc {
	window := cfg.Window()
	store := echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(float64(cfg.MaxRequests) / window.Seconds()),
		Burst:     cfg.MaxRequests,
		ExpiresIn: window,
	})

	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return c.JSON(http.StatusForbidden, map[string]string{
				"error": "unable to identify client",
			})
		},
		DenyHandler: func(c echo.Context, identifier string, _ error) error {
			logger.Info("rate limit exceeded", "remote_ip", identifier)
			return c.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "too many requests",
			})
		},
	})
}
