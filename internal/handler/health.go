package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"viewport-proxy/internal/relay"
	"viewport-proxy/internal/service"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	service *service.ProxyService
	relay   *relay.Relay
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(svc *service.ProxyService, r *relay.Relay, v Version) *HealthHandler {
	return &HealthHandler{service: svc, relay: r, version: v}
}

type statusResponse struct {
	Status     string   `json:"status"`
	Version    string   `json:"version"`
	Rules      int      `json:"rules"`
	Strategies []string `json:"strategies"`
	Sessions   int      `json:"sessions"`
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{
		Status:     "ok",
		Version:    string(h.version),
		Rules:      len(h.service.Rules()),
		Strategies: h.service.Strategies(),
		Sessions:   h.relay.Sessions(),
	})
}
