package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"restproxy/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type statusBody struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	UpstreamURL string `json:"upstream_url"`
	Routes      int    `json:"routes"`
	Debug       bool   `json:"debug"`
}

// Status reports the build version, the remote base address and how many
// routes are proxied.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, statusBody{
		Status:      "ok",
		Version:     string(h.version),
		UpstreamURL: h.cfg.Upstream.BaseURL,
		Routes:      len(h.cfg.Routes),
		Debug:       h.cfg.Log.Debug,
	})
}
