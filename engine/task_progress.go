package engine

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"minutes-api/domain"
)

// TaskPatch carries the progress fields a task owner may change. Nil fields
// are left untouched.
type TaskPatch struct {
	Status      *domain.Status `json:"status,omitempty"`
	Notes       *string        `json:"notes,omitempty"`
	ActualHours *float64       `json:"actualHours,omitempty"`
}

func (p TaskPatch) validate() error {
	if p.Status != nil && !p.Status.Valid() {
		return domain.Invalid("status", fmt.Sprintf("unknown status %q", *p.Status))
	}
	if p.ActualHours != nil && (*p.ActualHours < 0 || math.IsNaN(*p.ActualHours) || math.IsInf(*p.ActualHours, 0)) {
		return domain.Invalid("actualHours", "must be a non-negative number")
	}
	return nil
}

// UpdateTaskProgress patches a task and mirrors status and notes into the
// linked item of its current minute while that minute is a draft. Mirroring
// failures are logged only.
func (e *Engine) UpdateTaskProgress(ctx context.Context, actor, taskID string, patch TaskPatch) (*domain.Task, error) {
	ctx, span := e.startSpan(ctx, "UpdateTaskProgress", attribute.String("task.id", taskID))
	defer span.End()

	if err := patch.validate(); err != nil {
		return nil, err
	}
	t, err := e.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(ctx, actor, domain.ActionUpdate, t.MeetingSeriesID); err != nil {
		return nil, err
	}

	wasCompleted := t.Status == domain.StatusCompleted
	changed := false
	if patch.Status != nil && *patch.Status != t.Status {
		t.Status = *patch.Status
		changed = true
	}
	if patch.Notes != nil && strings.TrimSpace(*patch.Notes) != t.Notes {
		t.Notes = strings.TrimSpace(*patch.Notes)
		changed = true
	}
	if patch.ActualHours != nil && *patch.ActualHours != t.ActualHours {
		t.ActualHours = *patch.ActualHours
		changed = true
	}
	if !changed {
		return t, nil
	}
	now := e.now()
	t.UpdatedAt = now.UTC()
	if err := e.tasks.UpdateTask(ctx, *t); err != nil {
		return nil, err
	}

	typ := domain.TaskUpdated
	if !wasCompleted && t.Status == domain.StatusCompleted {
		typ = domain.TaskCompleted
	}
	e.emit(ctx, []domain.TaskEvent{domain.NewTaskEvent(typ, *t, actor, now)})
	e.mirrorProgress(ctx, actor, t, now)
	return t, nil
}

func (e *Engine) mirrorProgress(ctx context.Context, actor string, t *domain.Task, now time.Time) {
	if t.MinutesID == "" {
		return
	}
	fields := log.Fields{"task": t.ID, "minute": t.MinutesID}
	m, err := e.minutes.GetMinute(ctx, t.MinutesID)
	if err != nil {
		e.logger.WithError(err).WithFields(fields).Warn("task progress not mirrored: minute unavailable")
		return
	}
	if m.IsFinalized {
		return
	}
	it := m.ItemByTask(t.ID)
	if it == nil {
		e.logger.WithFields(fields).Warn("task progress not mirrored: no linked item")
		return
	}
	_, err = e.minutes.UpdateItem(ctx, m.ID, it.ID, func(item *domain.Item) bool {
		if item.TaskID() != t.ID {
			return false
		}
		changed := item.SetStatus(t.Status, actor, now)
		if item.Action.Notes != t.Notes {
			item.Action.Notes = t.Notes
			changed = true
		}
		return changed
	})
	if err != nil {
		e.logger.WithError(err).WithFields(fields).WithField("item", it.ID).Warn("task progress not mirrored")
	}
}
