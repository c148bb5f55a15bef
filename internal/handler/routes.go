package handler

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, nav *NavigateHandler, health *HealthHandler) {
	e.GET("/", Viewer)
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	e.GET("/api/proxy", proxy.Handle)
	e.POST("/api/proxy", proxy.Handle)
	e.GET("/api/navigate", nav.Handle)
	e.POST("/api/navigate", nav.Handle)
	e.GET("/raw", proxy.Raw)
}
