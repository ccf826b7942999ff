package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"minutes-api/domain"
)

// ImportRequest selects the tasks to copy from one series into another.
type ImportRequest struct {
	SourceSeriesID string   `json:"sourceSeriesId"`
	TargetSeriesID string   `json:"targetSeriesId"`
	TaskIDs        []string `json:"taskIds,omitempty"`
}

// ImportResult reports a cross-series import.
type ImportResult struct {
	ImportedCount int           `json:"importedCount"`
	Tasks         []domain.Task `json:"tasks"`
	Skipped       []string      `json:"skipped"`
	Failed        []ItemFailure `json:"failed,omitempty"`
}

func (r ImportRequest) validate() error {
	if strings.TrimSpace(r.SourceSeriesID) == "" {
		return domain.Invalid("sourceSeriesId", "required")
	}
	if strings.TrimSpace(r.TargetSeriesID) == "" {
		return domain.Invalid("targetSeriesId", "required")
	}
	if r.SourceSeriesID == r.TargetSeriesID {
		return domain.Invalid("sourceSeriesId", "must differ from the target series")
	}
	return nil
}

// importTaskID derives the id of the copy of sourceTaskID in targetSeriesID.
// Two racing imports of the same task collide on insert.
func importTaskID(targetSeriesID, sourceTaskID string) string {
	return uuid.NewSHA1(importNamespace, []byte("task/"+targetSeriesID+"/"+sourceTaskID)).String()
}

// ImportTasks copies the open and in-progress tasks of the source series into
// the target series. Tasks imported before are skipped, so importing nothing
// is a normal outcome.
func (e *Engine) ImportTasks(ctx context.Context, actor string, req ImportRequest) (*ImportResult, error) {
	ctx, span := e.startSpan(ctx, "ImportTasks",
		attribute.String("series.source", req.SourceSeriesID),
		attribute.String("series.target", req.TargetSeriesID))
	defer span.End()

	if err := req.validate(); err != nil {
		return nil, err
	}
	for _, check := range []struct {
		action domain.Action
		series string
	}{
		{domain.ActionRead, req.SourceSeriesID},
		{domain.ActionRead, req.TargetSeriesID},
		{domain.ActionCreate, req.TargetSeriesID},
	} {
		if err := e.authorize(ctx, actor, check.action, check.series); err != nil {
			return nil, err
		}
	}

	source, err := e.tasks.ListSeriesTasks(ctx, req.SourceSeriesID)
	if err != nil {
		return nil, err
	}
	var wanted map[string]struct{}
	if len(req.TaskIDs) > 0 {
		wanted = make(map[string]struct{}, len(req.TaskIDs))
		for _, id := range req.TaskIDs {
			wanted[id] = struct{}{}
		}
	}

	res := &ImportResult{Tasks: []domain.Task{}, Skipped: []string{}}
	var events []domain.TaskEvent
	now := e.now()
	for _, src := range source {
		if !src.Status.Active() {
			continue
		}
		if wanted != nil {
			if _, ok := wanted[src.ID]; !ok {
				continue
			}
		}
		_, err := e.tasks.FindTaskBySource(ctx, req.TargetSeriesID, src.ID)
		if err == nil {
			res.Skipped = append(res.Skipped, src.ID)
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			res.Failed = append(res.Failed, failure("find-import", "", "", src.ID, err))
			continue
		}
		copied := src.CopyTo(importTaskID(req.TargetSeriesID, src.ID), req.TargetSeriesID, actor, now)
		if err := e.tasks.CreateTask(ctx, copied); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				res.Skipped = append(res.Skipped, src.ID)
				continue
			}
			res.Failed = append(res.Failed, failure("create-import", "", "", src.ID, err))
			continue
		}
		res.Tasks = append(res.Tasks, copied)
		events = append(events, domain.NewTaskEvent(domain.TaskCreated, copied, actor, now))
	}
	res.ImportedCount = len(res.Tasks)

	e.emit(ctx, events)
	e.logFailures("cross-series import step failed", res.Failed)
	e.logger.WithFields(log.Fields{
		"source":   req.SourceSeriesID,
		"target":   req.TargetSeriesID,
		"actor":    actor,
		"imported": res.ImportedCount,
		"skipped":  len(res.Skipped),
	}).Info("tasks imported")
	return res, nil
}
