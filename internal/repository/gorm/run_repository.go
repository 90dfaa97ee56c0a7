package gorm

import (
	"context"
	"fmt"

	"gpulimit/domain/task"

	"gorm.io/gorm"
)

type RunRepository struct {
	db *gorm.DB
}

func NewRunRepository(db *gorm.DB) task.Repository {
	return &RunRepository{db: db}
}

func (r *RunRepository) Create(ctx context.Context, run *task.Run) error {
	return r.db.WithContext(ctx).Create(run).Error
}

func (r *RunRepository) Update(ctx context.Context, run *task.Run) error {
	var existing task.Run
	if err := r.db.WithContext(ctx).First(&existing, "id = ?", run.ID).Error; err != nil {
		return fmt.Errorf("run %d not found: %w", run.ID, err)
	}
	return r.db.WithContext(ctx).Save(run).Error
}

// FindAll returns runs newest first.
func (r *RunRepository) FindAll(ctx context.Context, filters task.RunFilters) ([]task.Run, error) {
	var runs []task.Run
	query := r.db.WithContext(ctx).Model(&task.Run{})

	if filters.Instance != "" {
		query = query.Where("instance = ?", filters.Instance)
	}
	if filters.TaskID != nil {
		query = query.Where("task_id = ?", *filters.TaskID)
	}
	if filters.Limit > 0 {
		query = query.Limit(filters.Limit)
	}

	err := query.Order("started_at desc").Order("id desc").Find(&runs).Error
	return runs, err
}
