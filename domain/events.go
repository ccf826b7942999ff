package domain

import (
	"time"

	"github.com/google/uuid"
)

// TaskEventType names the task lifecycle notifications emitted for external
// notifiers.
type TaskEventType string

const (
	TaskCreated   TaskEventType = "task-created"
	TaskUpdated   TaskEventType = "task-updated"
	TaskCompleted TaskEventType = "task-completed"
	TaskDeleted   TaskEventType = "task-deleted"
)

// TaskEvent is published on the task events queue.
type TaskEvent struct {
	ID        string        `json:"Id"`
	Type      TaskEventType `json:"Type"`
	TaskID    string        `json:"TaskId"`
	SeriesID  string        `json:"SeriesId"`
	MinutesID string        `json:"MinutesId,omitempty"`
	Actor     string        `json:"Actor,omitempty"`
	Task      *Task         `json:"Task,omitempty"`
	Time      int64         `json:"Time"`
}

// NewTaskEvent builds an event carrying a snapshot of t.
func NewTaskEvent(typ TaskEventType, t Task, actor string, now time.Time) TaskEvent {
	ev := TaskEvent{
		ID:        uuid.NewString(),
		Type:      typ,
		TaskID:    t.ID,
		SeriesID:  t.MeetingSeriesID,
		MinutesID: t.MinutesID,
		Actor:     actor,
		Time:      now.UnixNano(),
	}
	if typ != TaskDeleted {
		snap := t
		ev.Task = &snap
	}
	return ev
}

// Action is an operation checked by the authorization collaborator.
type Action string

const (
	ActionRead     Action = "read"
	ActionCreate   Action = "create"
	ActionUpdate   Action = "update"
	ActionFinalize Action = "finalize"
	ActionDelete   Action = "delete"
	ActionAdmin    Action = "admin"
)
