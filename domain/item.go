package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ItemType discriminates the two item variants stored inside a topic.
type ItemType string

const (
	ItemTypeInfo   ItemType = "info"
	ItemTypeAction ItemType = "action"
)

// Status is the progress state shared by action items and tasks.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether work on the task is still expected.
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusInProgress
}

const maxPriority = 5

// Item is an entry of a topic. Info items carry only the common fields; action
// items additionally carry Action, which is nil for info items so that an info
// item can never reference a Task.
type Item struct {
	ID             string
	Subject        string
	Details        string
	IsImported     bool
	OriginalTaskID string
	ParentItemID   string
	Action         *ActionDetails

	// StaleTaskID keeps an externalTaskId found on an info item while decoding.
	// It is never written back.
	StaleTaskID string
}

// ActionDetails holds the fields only valid for action items.
type ActionDetails struct {
	Status         Status
	Priority       int
	DueDate        *time.Time
	Responsibles   []string
	Notes          string
	CompletedAt    *time.Time
	CompletedBy    string
	ExternalTaskID string
}

// NewInfoItem builds an info item.
func NewInfoItem(id, subject string) Item {
	return Item{ID: id, Subject: subject}
}

// NewActionItem builds an open action item.
func NewActionItem(id, subject string, responsibles ...string) Item {
	return Item{ID: id, Subject: subject, Action: &ActionDetails{Status: StatusOpen, Responsibles: NormalizeResponsibles(responsibles)}}
}

// Type returns the variant tag.
func (i Item) Type() ItemType {
	if i.Action != nil {
		return ItemTypeAction
	}
	return ItemTypeInfo
}

// IsAction reports whether the item is an action item.
func (i Item) IsAction() bool { return i.Action != nil }

// TaskID returns the linked task id or "".
func (i Item) TaskID() string {
	if i.Action == nil {
		return ""
	}
	return i.Action.ExternalTaskID
}

// Status returns the action status, or "" for info items.
func (i Item) Status() Status {
	if i.Action == nil {
		return ""
	}
	return i.Action.Status
}

// ChainParent returns the backward pointer followed when resolving chains.
func (i Item) ChainParent() string {
	if i.OriginalTaskID != "" {
		return i.OriginalTaskID
	}
	return i.ParentItemID
}

// Clone returns a deep copy.
func (i Item) Clone() Item {
	out := i
	if i.Action != nil {
		a := *i.Action
		a.Responsibles = append([]string(nil), i.Action.Responsibles...)
		if i.Action.DueDate != nil {
			d := *i.Action.DueDate
			a.DueDate = &d
		}
		if i.Action.CompletedAt != nil {
			c := *i.Action.CompletedAt
			a.CompletedAt = &c
		}
		out.Action = &a
	}
	return out
}

// Complete marks an action item completed. It returns false when nothing changed.
func (i *Item) Complete(actor string, at time.Time) bool {
	if i.Action == nil || i.Action.Status == StatusCompleted {
		return false
	}
	i.Action.Status = StatusCompleted
	ts := at.UTC()
	i.Action.CompletedAt = &ts
	i.Action.CompletedBy = actor
	return true
}

// SetStatus changes the action status and keeps completion stamps consistent.
func (i *Item) SetStatus(s Status, actor string, at time.Time) bool {
	if i.Action == nil || i.Action.Status == s {
		return false
	}
	if s == StatusCompleted {
		return i.Complete(actor, at)
	}
	i.Action.Status = s
	i.Action.CompletedAt = nil
	i.Action.CompletedBy = ""
	return true
}

// DropSelfPointers clears chain pointers that reference the item itself and
// reports whether any was set.
func (i *Item) DropSelfPointers() bool {
	dropped := false
	if i.OriginalTaskID != "" && i.OriginalTaskID == i.ID {
		i.OriginalTaskID = ""
		dropped = true
	}
	if i.ParentItemID != "" && i.ParentItemID == i.ID {
		i.ParentItemID = ""
		dropped = true
	}
	return dropped
}

// Normalize fills defaults that older documents may lack.
func (i *Item) Normalize() {
	i.Subject = strings.TrimSpace(i.Subject)
	if i.Action == nil {
		return
	}
	if i.Action.Status == "" {
		i.Action.Status = StatusOpen
	}
	i.Action.Responsibles = NormalizeResponsibles(i.Action.Responsibles)
}

// Validate checks the item; path prefixes the offending field name.
func (i Item) Validate(path string) error {
	if strings.TrimSpace(i.ID) == "" {
		return Invalid(path+".id", "required")
	}
	if strings.TrimSpace(i.Subject) == "" {
		return Invalid(path+".subject", "required")
	}
	if i.Action == nil {
		return nil
	}
	if !i.Action.Status.Valid() {
		return Invalid(path+".status", fmt.Sprintf("unknown status %q", i.Action.Status))
	}
	if i.Action.Priority < 0 || i.Action.Priority > maxPriority {
		return Invalid(path+".priority", fmt.Sprintf("must be between 0 and %d", maxPriority))
	}
	return nil
}

// NormalizeResponsibles trims, deduplicates and sorts user ids.
func NormalizeResponsibles(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, r := range in {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// itemWire is the flat persisted shape. Field names are part of the stored
// contract and are read back by chain resolution of historical data.
type itemWire struct {
	ID             string     `json:"id"`
	ItemType       ItemType   `json:"itemType"`
	Subject        string     `json:"subject"`
	Details        string     `json:"details,omitempty"`
	Status         Status     `json:"status,omitempty"`
	Priority       int        `json:"priority,omitempty"`
	DueDate        *time.Time `json:"dueDate,omitempty"`
	Responsibles   []string   `json:"responsibles,omitempty"`
	Notes          string     `json:"notes,omitempty"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	CompletedBy    string     `json:"completedBy,omitempty"`
	ExternalTaskID string     `json:"externalTaskId,omitempty"`
	IsImported     bool       `json:"isImported"`
	OriginalTaskID string     `json:"originalTaskId,omitempty"`
	ParentItemID   string     `json:"parentItemId,omitempty"`
}

func (i Item) MarshalJSON() ([]byte, error) {
	w := itemWire{
		ID:             i.ID,
		ItemType:       i.Type(),
		Subject:        i.Subject,
		Details:        i.Details,
		IsImported:     i.IsImported,
		OriginalTaskID: i.OriginalTaskID,
		ParentItemID:   i.ParentItemID,
	}
	if a := i.Action; a != nil {
		w.Status = a.Status
		w.Priority = a.Priority
		w.DueDate = a.DueDate
		w.Responsibles = a.Responsibles
		w.Notes = a.Notes
		w.CompletedAt = a.CompletedAt
		w.CompletedBy = a.CompletedBy
		w.ExternalTaskID = a.ExternalTaskID
	}
	return json.Marshal(w)
}

func (i *Item) UnmarshalJSON(data []byte) error {
	var w itemWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*i = Item{
		ID:             w.ID,
		Subject:        w.Subject,
		Details:        w.Details,
		IsImported:     w.IsImported,
		OriginalTaskID: w.OriginalTaskID,
		ParentItemID:   w.ParentItemID,
	}
	switch w.ItemType {
	case ItemTypeAction:
		i.Action = &ActionDetails{
			Status:         w.Status,
			Priority:       w.Priority,
			DueDate:        w.DueDate,
			Responsibles:   w.Responsibles,
			Notes:          w.Notes,
			CompletedAt:    w.CompletedAt,
			CompletedBy:    w.CompletedBy,
			ExternalTaskID: w.ExternalTaskID,
		}
	case ItemTypeInfo, "":
		i.StaleTaskID = w.ExternalTaskID
	default:
		return Invalid("itemType", fmt.Sprintf("unknown item type %q", w.ItemType))
	}
	return nil
}
