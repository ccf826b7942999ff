package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"minutes-api/domain"
)

// references are the minutes other than the one being changed that still link
// a task.
type references struct {
	taskID string
	// minutes were loaded and verified to link the task, latest first.
	minutes []*domain.Minute
	// unreadable minutes are listed by the index but could not be loaded.
	unreadable []string
}

func (r references) empty() bool {
	return len(r.minutes) == 0 && len(r.unreadable) == 0
}

func (r references) has(minuteID string) bool {
	for _, m := range r.minutes {
		if m.ID == minuteID {
			return true
		}
	}
	for _, id := range r.unreadable {
		if id == minuteID {
			return true
		}
	}
	return false
}

// target picks the minute a task should point at: the latest-dated verified
// reference, else any listed reference.
func (r references) target() (minuteID, topicID string) {
	if len(r.minutes) > 0 {
		m := r.minutes[0]
		for _, ref := range m.Items() {
			if ref.Item.TaskID() == r.taskID {
				return m.ID, ref.TopicID
			}
		}
		return m.ID, ""
	}
	return r.unreadable[0], ""
}

func (e *Engine) findReferences(ctx context.Context, taskID, excludeID string) (references, error) {
	refs := references{taskID: taskID}
	ids, err := e.minutes.MinutesReferencingTask(ctx, taskID)
	if err != nil {
		return refs, fmt.Errorf("look up minutes referencing %s: %w", taskID, err)
	}
	for _, id := range ids {
		if id == excludeID {
			continue
		}
		m, err := e.minutes.GetMinute(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			e.logger.WithError(err).WithFields(log.Fields{"minute": id, "task": taskID}).Warn("referencing minute unreadable")
			refs.unreadable = append(refs.unreadable, id)
			continue
		}
		if m.ItemByTask(taskID) == nil {
			continue
		}
		refs.minutes = append(refs.minutes, m)
	}
	sort.SliceStable(refs.minutes, func(i, j int) bool { return refs.minutes[i].After(refs.minutes[j]) })
	return refs, nil
}

// reassign points the task at a still-referencing minute when its current
// pointer is fromMinuteID or otherwise not among the references. It reports
// whether the pointer moved.
func (e *Engine) reassign(ctx context.Context, actor, taskID string, refs references, fromMinuteID string) (bool, *domain.TaskEvent, error) {
	t, err := e.tasks.GetTask(ctx, taskID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	if t.MinutesID != fromMinuteID && refs.has(t.MinutesID) {
		return false, nil, nil
	}
	minuteID, topicID := refs.target()
	t.MinutesID = minuteID
	if topicID != "" {
		t.TopicID = topicID
	}
	now := e.now()
	t.UpdatedAt = now.UTC()
	if err := e.tasks.UpdateTask(ctx, *t); err != nil {
		return false, nil, err
	}
	ev := domain.NewTaskEvent(domain.TaskUpdated, *t, actor, now)
	return true, &ev, nil
}

// DeleteMinute reconciles the tasks referenced by a minute and then removes
// the minute. Tasks no other minute links are deleted; the others are pointed
// at the latest minute still linking them.
func (e *Engine) DeleteMinute(ctx context.Context, actor, minuteID string) (*DeletionReport, error) {
	ctx, span := e.startSpan(ctx, "DeleteMinute", attribute.String("minute.id", minuteID))
	defer span.End()

	m, err := e.minutes.GetMinute(ctx, minuteID)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(ctx, actor, domain.ActionDelete, m.SeriesID); err != nil {
		return nil, err
	}

	report := &DeletionReport{Deleted: []string{}, Reassigned: []string{}, Kept: []string{}}
	var events []domain.TaskEvent
	now := e.now()
	for _, taskID := range m.TaskIDs() {
		itemID := ""
		if it := m.ItemByTask(taskID); it != nil {
			itemID = it.ID
		}
		refs, err := e.findReferences(ctx, taskID, m.ID)
		if err != nil {
			report.Failed = append(report.Failed, failure("find-references", m.ID, itemID, taskID, err))
			continue
		}
		if refs.empty() {
			if err := e.tasks.DeleteTask(ctx, taskID); err != nil {
				report.Failed = append(report.Failed, failure("delete-task", m.ID, itemID, taskID, err))
				continue
			}
			report.Deleted = append(report.Deleted, taskID)
			events = append(events, domain.NewTaskEvent(domain.TaskDeleted, domain.Task{ID: taskID, MeetingSeriesID: m.SeriesID, MinutesID: m.ID}, actor, now))
			continue
		}
		moved, ev, err := e.reassign(ctx, actor, taskID, refs, m.ID)
		if err != nil {
			report.Failed = append(report.Failed, failure("reassign-task", m.ID, itemID, taskID, err))
			continue
		}
		if ev != nil {
			events = append(events, *ev)
		}
		if moved {
			report.Reassigned = append(report.Reassigned, taskID)
		} else {
			report.Kept = append(report.Kept, taskID)
		}
	}

	if err := e.minutes.DeleteMinute(ctx, m.ID); err != nil {
		e.emit(ctx, events)
		return report, err
	}
	e.emit(ctx, events)
	e.logFailures("task reconciliation on minute delete failed", report.Failed)
	e.logger.WithFields(log.Fields{
		"minute":     m.ID,
		"actor":      actor,
		"deleted":    len(report.Deleted),
		"reassigned": len(report.Reassigned),
		"failed":     len(report.Failed),
	}).Info("minute deleted")
	return report, nil
}
