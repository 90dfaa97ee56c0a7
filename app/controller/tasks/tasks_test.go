package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"gpulimit/domain/task"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticQueue []task.Info

func (s staticQueue) Snapshot() []task.Info {
	return append([]task.Info(nil), s...)
}

type mockRunRepository struct {
	findAllFunc func(ctx context.Context, f task.RunFilters) ([]task.Run, error)
}

func (m *mockRunRepository) Create(ctx context.Context, r *task.Run) error { return nil }

func (m *mockRunRepository) Update(ctx context.Context, r *task.Run) error { return nil }

func (m *mockRunRepository) FindAll(ctx context.Context, f task.RunFilters) ([]task.Run, error) {
	if m.findAllFunc != nil {
		return m.findAllFunc(ctx, f)
	}
	return []task.Run{}, nil
}

func queueFixture() staticQueue {
	return staticQueue{
		{ID: 0, Position: 0, Args: []string{"python", "a.py"}, Status: task.StatusRunning, StatusName: "running", Devices: []int{1}},
		{ID: 1, Position: 1, Args: []string{"python", "b.py"}, Status: task.StatusWaiting, StatusName: "waiting"},
		{ID: 4, Position: 2, Args: []string{"true"}, Status: task.StatusComplete, StatusName: "complete"},
	}
}

func serve(t *testing.T, h *Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	h.RegisterRoutes(e.Group("/api/v1/tasks"))
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Index(t *testing.T) {
	t.Run("lists the whole queue in order", func(t *testing.T) {
		rec := serve(t, NewHandler(queueFixture(), nil), "/api/v1/tasks")

		require.Equal(t, http.StatusOK, rec.Code)
		var got []task.Info
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		require.Len(t, got, 3)
		assert.Equal(t, 0, got[0].ID)
		assert.Equal(t, "running", got[0].StatusName)
		assert.Equal(t, []int{1}, got[0].Devices)
	})

	t.Run("filters by status", func(t *testing.T) {
		rec := serve(t, NewHandler(queueFixture(), nil), "/api/v1/tasks?status=waiting")

		require.Equal(t, http.StatusOK, rec.Code)
		var got []task.Info
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		require.Len(t, got, 1)
		assert.Equal(t, 1, got[0].ID)
	})

	t.Run("empty queue is an empty array", func(t *testing.T) {
		rec := serve(t, NewHandler(staticQueue{}, nil), "/api/v1/tasks")

		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, "[]", rec.Body.String())
	})

	t.Run("unknown status is a bad request", func(t *testing.T) {
		rec := serve(t, NewHandler(queueFixture(), nil), "/api/v1/tasks?status=sleeping")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandler_Get(t *testing.T) {
	t.Run("returns the task", func(t *testing.T) {
		rec := serve(t, NewHandler(queueFixture(), nil), "/api/v1/tasks/4")

		require.Equal(t, http.StatusOK, rec.Code)
		var got task.Info
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, 4, got.ID)
		assert.Equal(t, []string{"true"}, got.Args)
	})

	t.Run("unknown id is 404", func(t *testing.T) {
		rec := serve(t, NewHandler(queueFixture(), nil), "/api/v1/tasks/9")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("non-numeric id is 400", func(t *testing.T) {
		rec := serve(t, NewHandler(queueFixture(), nil), "/api/v1/tasks/abc")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandler_Runs(t *testing.T) {
	t.Run("passes filters to the repository", func(t *testing.T) {
		var seen task.RunFilters
		repo := &mockRunRepository{
			findAllFunc: func(ctx context.Context, f task.RunFilters) ([]task.Run, error) {
				seen = f
				return []task.Run{{ID: 1, TaskID: 2, Attempt: 1, Status: "complete"}}, nil
			},
		}

		rec := serve(t, NewHandler(queueFixture(), repo), "/api/v1/tasks/2/runs?limit=5&instance=abc")

		require.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, seen.TaskID)
		assert.Equal(t, 2, *seen.TaskID)
		assert.Equal(t, 5, seen.Limit)
		assert.Equal(t, "abc", seen.Instance)

		var got []task.Run
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		require.Len(t, got, 1)
		assert.Equal(t, "complete", got[0].Status)
	})

	t.Run("repository error is 500", func(t *testing.T) {
		repo := &mockRunRepository{
			findAllFunc: func(ctx context.Context, f task.RunFilters) ([]task.Run, error) {
				return nil, errors.New("database locked")
			},
		}

		rec := serve(t, NewHandler(queueFixture(), repo), "/api/v1/tasks/2/runs")

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, rec.Body.String(), "database locked")
	})

	t.Run("history disabled is 404", func(t *testing.T) {
		rec := serve(t, NewHandler(queueFixture(), nil), "/api/v1/tasks/2/runs")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
