// Package status reports host, device and scheduler state over HTTP.
package status

import (
	"net/http"

	"gpulimit/domain/resource"
	"gpulimit/domain/task"
	"gpulimit/internal/scheduling"

	"github.com/labstack/echo/v4"
)

type (
	Lister interface {
		Snapshot() []task.Info
	}
	Handler struct {
		probe    resource.Probe
		params   *scheduling.Params
		queue    Lister
		instance string
	}
	Response struct {
		Instance string             `json:"instance"`
		Host     *resource.Snapshot `json:"host,omitempty"`
		ProbeErr string             `json:"probe_error,omitempty"`
		Params   []scheduling.Param `json:"params"`
		Tasks    map[string]int     `json:"tasks"`
		Running  map[int]int        `json:"running_per_device"`
	}
)

func NewHandler(probe resource.Probe, params *scheduling.Params, queue Lister, instance string) *Handler {
	return &Handler{probe: probe, params: params, queue: queue, instance: instance}
}

// GET never fails on a probe error; the error is reported in the body so a
// dashboard can still show the queue.
func (h Handler) GET(c echo.Context) error {
	infos := h.queue.Snapshot()

	resp := Response{
		Instance: h.instance,
		Params:   h.params.All(),
		Tasks:    map[string]int{},
		Running:  scheduling.RunningPerDevice(infos),
	}
	for _, info := range infos {
		resp.Tasks[info.StatusName]++
	}

	snap, err := h.probe.Snapshot(c.Request().Context())
	if err != nil {
		resp.ProbeErr = err.Error()
	} else {
		resp.Host = &snap
	}

	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("", h.GET)
}
