package handler

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// ApplyCORS sets the CORS response headers for a permitted browser request.
// The origin is echoed exactly, never widened to a wildcard. Calling it again
// with the same arguments leaves the headers unchanged.
func ApplyCORS(h http.Header, origin, requestedHeaders string) {
	h.Set(echo.HeaderAccessControlAllowOrigin, origin)
	h.Set(echo.HeaderAccessControlAllowMethods, http.MethodGet)
	if requestedHeaders != "" {
		h.Set(echo.HeaderAccessControlAllowHeaders, requestedHeaders)
	}

	for _, v := range h.Values(echo.HeaderVary) {
		for _, field := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(field), echo.HeaderOrigin) {
				return
			}
		}
	}
	h.Add(echo.HeaderVary, echo.HeaderOrigin)
}
