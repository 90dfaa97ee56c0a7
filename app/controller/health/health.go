// Package health is for the health route
package health

import (
	"net/http"
	"time"

	"gpulimit/version"

	"github.com/labstack/echo/v4"
)

type (
	Handler struct {
		instance string
		started  time.Time
	}
	OkResponse struct {
		Ok       bool   `json:"ok"`
		Version  string `json:"version"`
		Instance string `json:"instance"`
		Uptime   string `json:"uptime"`
	}
)

func NewHandler(instance string, started time.Time) *Handler {
	return &Handler{instance: instance, started: started}
}

func (h Handler) GET(c echo.Context) error {
	ok := OkResponse{
		Ok:       true,
		Version:  version.Version,
		Instance: h.instance,
		Uptime:   time.Since(h.started).Truncate(time.Second).String(),
	}
	return c.JSON(http.StatusOK, ok)
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/health", h.GET)
}
