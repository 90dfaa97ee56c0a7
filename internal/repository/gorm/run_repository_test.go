package gorm

import (
	"context"
	"fmt"
	"testing"
	"time"

	"gpulimit/domain/task"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupRunTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dbName := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dbName), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&task.Run{}))
	return db
}

func seedRuns(t *testing.T, repo task.Repository) {
	t.Helper()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	runs := []task.Run{
		{Instance: "a", TaskID: 0, Attempt: 1, Command: "sleep 1", Status: "complete", StartedAt: base},
		{Instance: "a", TaskID: 1, Attempt: 1, Command: "false", Status: "runtime_error", StartedAt: base.Add(time.Minute)},
		{Instance: "a", TaskID: 1, Attempt: 2, Command: "false", Status: "running", StartedAt: base.Add(2 * time.Minute)},
		{Instance: "b", TaskID: 0, Attempt: 1, Command: "true", Status: "complete", StartedAt: base.Add(3 * time.Minute)},
	}
	for i := range runs {
		require.NoError(t, repo.Create(context.Background(), &runs[i]))
	}
}

func TestRunRepository_Create(t *testing.T) {
	repo := NewRunRepository(setupRunTestDB(t))

	run := &task.Run{Instance: "a", TaskID: 3, Attempt: 1, Command: "echo hi", Status: "running", StartedAt: time.Now()}
	require.NoError(t, repo.Create(context.Background(), run))

	assert.NotZero(t, run.ID)
}

func TestRunRepository_Update(t *testing.T) {
	t.Run("records the outcome", func(t *testing.T) {
		repo := NewRunRepository(setupRunTestDB(t))
		run := &task.Run{Instance: "a", TaskID: 3, Attempt: 1, Status: "running", StartedAt: time.Now()}
		require.NoError(t, repo.Create(context.Background(), run))

		code := 2
		finished := time.Now()
		run.Status = "runtime_error"
		run.ExitCode = &code
		run.FinishedAt = &finished
		require.NoError(t, repo.Update(context.Background(), run))

		runs, err := repo.FindAll(context.Background(), task.RunFilters{})
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, "runtime_error", runs[0].Status)
		require.NotNil(t, runs[0].ExitCode)
		assert.Equal(t, 2, *runs[0].ExitCode)
		assert.NotNil(t, runs[0].FinishedAt)
	})

	t.Run("fails for unknown run", func(t *testing.T) {
		repo := NewRunRepository(setupRunTestDB(t))

		err := repo.Update(context.Background(), &task.Run{ID: 99})
		assert.Error(t, err)
	})
}

func TestRunRepository_FindAll(t *testing.T) {
	t.Run("newest first", func(t *testing.T) {
		repo := NewRunRepository(setupRunTestDB(t))
		seedRuns(t, repo)

		runs, err := repo.FindAll(context.Background(), task.RunFilters{})
		require.NoError(t, err)
		require.Len(t, runs, 4)
		assert.Equal(t, "true", runs[0].Command)
		assert.Equal(t, "sleep 1", runs[3].Command)
	})

	t.Run("filters by instance and task", func(t *testing.T) {
		repo := NewRunRepository(setupRunTestDB(t))
		seedRuns(t, repo)
		id := 1

		runs, err := repo.FindAll(context.Background(), task.RunFilters{Instance: "a", TaskID: &id})
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, 2, runs[0].Attempt)
		assert.Equal(t, 1, runs[1].Attempt)
	})

	t.Run("applies limit", func(t *testing.T) {
		repo := NewRunRepository(setupRunTestDB(t))
		seedRuns(t, repo)

		runs, err := repo.FindAll(context.Background(), task.RunFilters{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, runs, 2)
	})
}
