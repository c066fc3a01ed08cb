package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"cors-proxy-go/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request. Requests whose stream is aborted mid-body are still
// counted under the status that was already sent.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			m.RequestsInFlight.Inc()
			start := time.Now()

			defer func() {
				m.RequestsInFlight.Dec()

				// An *echo.HTTPError is written later by the central error
				// handler, so its code is not on the response yet.
				statusCode := c.Response().Status
				var he *echo.HTTPError
				if errors.As(err, &he) {
					statusCode = he.Code
				}

				status := strconv.Itoa(statusCode)
				method := metrics.NormalizeMethod(c.Request().Method)
				path := m.NormalizePath(c.Request().URL.Path)

				m.RequestsTotal.WithLabelValues(method, status, path).Inc()
				m.RequestDuration.WithLabelValues(method, status, path).Observe(time.Since(start).Seconds())
			}()

			return next(c)
		}
	}
}
