package main

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// registerHealthRoutes binds the liveness and readiness probes every
// deployment collaborator (load balancer, orchestrator) depends on.
func registerHealthRoutes(e *echo.Echo, g *Gateway) {
	e.GET("/health/live", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "alive"})
	})

	e.GET("/health/ready", func(c echo.Context) error {
		if !g.link.Connected() {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "reason": "router_disconnected"})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
	})
}
