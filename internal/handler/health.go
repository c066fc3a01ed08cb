package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"cors-proxy-go/internal/config"
	"cors-proxy-go/internal/policy"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	policy  *policy.Store
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, p *policy.Store, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, policy: p, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// statusResponse is the body of the status endpoint.
type statusResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	Route          string `json:"route"`
	TimeoutMS      int    `json:"timeout_ms"`
	AllowedOrigins int    `json:"allowed_origins"`
	AllowedTargets int    `json:"allowed_targets"`
	RequireOrigin  bool   `json:"require_origin"`
}

// Status returns proxy status information. Allow-list sizes are reported, not
// their contents; zero means unrestricted.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{
		Status:         "ok",
		Version:        string(h.version),
		Route:          h.cfg.Server.Route,
		TimeoutMS:      h.cfg.Upstream.TimeoutMS,
		AllowedOrigins: len(h.policy.Origins()),
		AllowedTargets: len(h.policy.Patterns()),
		RequireOrigin:  h.cfg.CORS.RequireOrigin,
	})
}
