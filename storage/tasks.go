package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"minutes-api/domain"
)

// GetTask fetches a single task.
func (s *Storage) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	resp, err := s.taskTable.GetEntity(ctx, id, id, nil)
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, translateError(err))
	}
	t, err := decodeTask(resp.Value)
	if err != nil {
		return nil, err
	}
	t.ETag = string(resp.ETag)
	return t, nil
}

// CreateTask inserts a new task. An existing row with the same id yields
// domain.ErrConflict.
func (s *Storage) CreateTask(ctx context.Context, t domain.Task) error {
	payload, err := encodeTask(t)
	if err != nil {
		return err
	}
	if _, err := s.taskTable.AddEntity(ctx, payload, nil); err != nil {
		return fmt.Errorf("create task %s: %w", t.ID, translateError(err))
	}
	return nil
}

// UpdateTask replaces the stored task. Concurrent writers race and the last
// one wins; the row must exist.
func (s *Storage) UpdateTask(ctx context.Context, t domain.Task) error {
	payload, err := encodeTask(t)
	if err != nil {
		return err
	}
	any := azcore.ETagAny
	if _, err := s.taskTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &any, UpdateMode: aztables.UpdateModeReplace}); err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, translateError(err))
	}
	return nil
}

// DeleteTask removes a task. Deleting a missing task is not an error.
func (s *Storage) DeleteTask(ctx context.Context, id string) error {
	if _, err := s.taskTable.DeleteEntity(ctx, id, id, nil); err != nil {
		err = translateError(err)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

// ListSeriesTasks returns the tasks of a series ordered by creation time.
func (s *Storage) ListSeriesTasks(ctx context.Context, seriesID string) ([]domain.Task, error) {
	tasks, err := s.queryTasks(ctx, eq("MeetingSeriesId", seriesID))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks, nil
}

// FindTaskBySource returns the task of seriesID imported from sourceTaskID.
func (s *Storage) FindTaskBySource(ctx context.Context, seriesID, sourceTaskID string) (*domain.Task, error) {
	tasks, err := s.queryTasks(ctx, and(eq("MeetingSeriesId", seriesID), eq("SourceTaskId", sourceTaskID)))
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("task imported from %s: %w", sourceTaskID, domain.ErrNotFound)
	}
	return &tasks[0], nil
}

func (s *Storage) queryTasks(ctx context.Context, filter string) ([]domain.Task, error) {
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, translateError(err)
		}
		for _, e := range resp.Entities {
			t, err := decodeTask(e)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, *t)
		}
	}
	return tasks, nil
}
