package middleware

import (
	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are connection-scoped and never reach the handler.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// SecurityHeaders returns an Echo middleware that strips hop-by-hop headers
// from the request and hardens every response. The response headers are
// added just before the status line is written, so streamed bodies get them too.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, h := range hopByHopHeaders {
				c.Request().Header.Del(h)
			}

			res := c.Response()
			res.Before(func() {
				h := res.Header()
				h.Set(echo.HeaderXContentTypeOptions, "nosniff")
				h.Set(echo.HeaderXFrameOptions, "DENY")
				h.Set(echo.HeaderReferrerPolicy, "no-referrer")
				h.Del(echo.HeaderSetCookie)
			})

			return next(c)
		}
	}
}
