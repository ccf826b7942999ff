package domain

import (
	"slices"
	"time"
)

// Task is the canonical registry record of one logical action item.
type Task struct {
	ID              string     `json:"id"`
	Subject         string     `json:"subject"`
	Details         string     `json:"details,omitempty"`
	Status          Status     `json:"status"`
	Priority        int        `json:"priority,omitempty"`
	DueDate         *time.Time `json:"dueDate,omitempty"`
	Responsibles    []string   `json:"responsibles,omitempty"`
	Notes           string     `json:"notes,omitempty"`
	ActualHours     float64    `json:"actualHours,omitempty"`
	MeetingSeriesID string     `json:"meetingSeriesId"`
	MinutesID       string     `json:"minutesId,omitempty"`
	TopicID         string     `json:"topicId,omitempty"`
	SourceTaskID    string     `json:"sourceTaskId,omitempty"`
	CreatedBy       string     `json:"createdBy,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`

	ETag string `json:"-"`
}

// TaskFromItem snapshots an action item into a new task.
func TaskFromItem(id string, m *Minute, topicID string, it Item, actor string, now time.Time) Task {
	t := Task{
		ID:              id,
		MeetingSeriesID: m.SeriesID,
		CreatedBy:       actor,
		CreatedAt:       now.UTC(),
	}
	t.MirrorItem(m, topicID, it, now)
	return t
}

// MirrorItem copies the item's mutable fields and location into t. It returns
// whether anything changed; UpdatedAt is only touched on change.
func (t *Task) MirrorItem(m *Minute, topicID string, it Item, now time.Time) bool {
	changed := false
	set := func(dst *string, v string) {
		if *dst != v {
			*dst = v
			changed = true
		}
	}
	set(&t.Subject, it.Subject)
	set(&t.Details, it.Details)
	set(&t.MinutesID, m.ID)
	set(&t.TopicID, topicID)
	if a := it.Action; a != nil {
		if t.Status != a.Status {
			t.Status = a.Status
			changed = true
		}
		if t.Priority != a.Priority {
			t.Priority = a.Priority
			changed = true
		}
		if !sameTime(t.DueDate, a.DueDate) {
			t.DueDate = copyTime(a.DueDate)
			changed = true
		}
		if !slices.Equal(t.Responsibles, a.Responsibles) {
			t.Responsibles = append([]string(nil), a.Responsibles...)
			changed = true
		}
		set(&t.Notes, a.Notes)
	}
	if changed {
		t.UpdatedAt = now.UTC()
	}
	return changed
}

// CopyTo builds the import copy of t for another series.
func (t Task) CopyTo(id, targetSeriesID, actor string, now time.Time) Task {
	return Task{
		ID:              id,
		Subject:         t.Subject,
		Details:         t.Details,
		Status:          t.Status,
		Priority:        t.Priority,
		DueDate:         copyTime(t.DueDate),
		Responsibles:    append([]string(nil), t.Responsibles...),
		MeetingSeriesID: targetSeriesID,
		SourceTaskID:    t.ID,
		CreatedBy:       actor,
		CreatedAt:       now.UTC(),
		UpdatedAt:       now.UTC(),
	}
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
