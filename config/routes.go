package config

import (
	"gpulimit/app"
	"gpulimit/app/controller/health"
	"gpulimit/app/controller/status"
	"gpulimit/app/controller/tasks"

	"github.com/labstack/echo/v4"
)

// AddRoutes mounts the read-only monitoring API. Every mutation stays on the
// control socket.
func AddRoutes(e *echo.Echo, container *app.Container) {
	root := e.Group("")
	v1Route := e.Group("/api/v1")

	health.NewHandler(container.Instance, container.StartedAt).RegisterRoutes(root)
	tasks.NewHandler(container.Queue, container.History).RegisterRoutes(v1Route.Group("/tasks"))
	status.NewHandler(container.Probe, container.Params, container.Queue, container.Instance).RegisterRoutes(v1Route.Group("/status"))
}
