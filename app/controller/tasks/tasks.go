// Package tasks exposes the live queue over HTTP, read-only.
package tasks

import (
	"net/http"
	"strconv"

	"gpulimit/domain/task"

	"github.com/labstack/echo/v4"
)

type (
	// Lister is satisfied by *taskqueue.Queue.
	Lister interface {
		Snapshot() []task.Info
	}
	Handler struct {
		queue   Lister
		history task.Repository
	}
)

// NewHandler builds the handler. history may be nil, in which case the runs
// route answers 404.
func NewHandler(queue Lister, history task.Repository) *Handler {
	return &Handler{queue: queue, history: history}
}

func (h Handler) Index(c echo.Context) error {
	infos := h.queue.Snapshot()

	if name := c.QueryParam("status"); name != "" {
		status, err := task.ParseStatus(name)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		filtered := infos[:0]
		for _, info := range infos {
			if info.Status == status {
				filtered = append(filtered, info)
			}
		}
		infos = filtered
	}

	if infos == nil {
		infos = []task.Info{}
	}
	return c.JSON(http.StatusOK, infos)
}

func (h Handler) Get(c echo.Context) error {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid task id"})
	}

	for _, info := range h.queue.Snapshot() {
		if info.ID == id {
			return c.JSON(http.StatusOK, info)
		}
	}
	return c.JSON(http.StatusNotFound, map[string]string{"error": "Task not found"})
}

func (h Handler) Runs(c echo.Context) error {
	if h.history == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "History is disabled"})
	}

	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid task id"})
	}

	filters := task.RunFilters{TaskID: &id, Instance: c.QueryParam("instance")}
	if limit := c.QueryParam("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			filters.Limit = n
		}
	}

	runs, err := h.history.FindAll(c.Request().Context(), filters)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "Failed to fetch runs: " + err.Error(),
		})
	}
	return c.JSON(http.StatusOK, runs)
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("", h.Index)
	g.GET("/:id", h.Get)
	g.GET("/:id/runs", h.Runs)
}
