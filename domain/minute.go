package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxTopicsRunes bounds the encoded topic tree of one minute so the document
// fits a single table entity.
const MaxTopicsRunes = 200_000

// CheckTopicsSize rejects topic trees whose JSON encoding exceeds
// MaxTopicsRunes characters.
func CheckTopicsSize(topics []Topic) error {
	data, err := json.Marshal(topics)
	if err != nil {
		return err
	}
	if n := utf8.RuneCount(data); n > MaxTopicsRunes {
		return Invalid("topics", fmt.Sprintf("document too large: %d characters, limit %d", n, MaxTopicsRunes))
	}
	return nil
}

// Minute is a meeting-minute document. It is the unit of atomic storage.
type Minute struct {
	ID               string        `json:"id"`
	SeriesID         string        `json:"seriesId"`
	Date             time.Time     `json:"date"`
	IsFinalized      bool          `json:"isFinalized"`
	FinalizedAt      *time.Time    `json:"finalizedAt,omitempty"`
	FinalizedBy      string        `json:"finalizedBy,omitempty"`
	ReopeningHistory []ReopenEntry `json:"reopeningHistory,omitempty"`
	Topics           []Topic       `json:"topics"`

	// ETag is the storage version the document was read at.
	ETag string `json:"-"`
}

// ReopenEntry records one finalized -> draft transition.
type ReopenEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Reason    string    `json:"reason"`
}

// Topic groups items under a subject.
type Topic struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Items   []Item `json:"infoItems"`
}

// ItemRef addresses an item inside a minute.
type ItemRef struct {
	TopicID string
	Item    Item
}

// Item returns a pointer to the item with id, or nil.
func (m *Minute) Item(id string) *Item {
	for ti := range m.Topics {
		for ii := range m.Topics[ti].Items {
			if m.Topics[ti].Items[ii].ID == id {
				return &m.Topics[ti].Items[ii]
			}
		}
	}
	return nil
}

// ItemByTask returns the first action item linked to taskID, or nil.
func (m *Minute) ItemByTask(taskID string) *Item {
	if taskID == "" {
		return nil
	}
	for ti := range m.Topics {
		for ii := range m.Topics[ti].Items {
			if m.Topics[ti].Items[ii].TaskID() == taskID {
				return &m.Topics[ti].Items[ii]
			}
		}
	}
	return nil
}

// Items lists every item with its topic id in document order.
func (m *Minute) Items() []ItemRef {
	var out []ItemRef
	for _, t := range m.Topics {
		for _, it := range t.Items {
			out = append(out, ItemRef{TopicID: t.ID, Item: it})
		}
	}
	return out
}

// TaskIDs returns the distinct task ids referenced by action items, in
// document order.
func (m *Minute) TaskIDs() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, ref := range m.Items() {
		id := ref.Item.TaskID()
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// OriginalIDs returns the set of originalTaskId values present in the minute.
func (m *Minute) OriginalIDs() map[string]struct{} {
	out := map[string]struct{}{}
	for _, ref := range m.Items() {
		if ref.Item.OriginalTaskID != "" {
			out[ref.Item.OriginalTaskID] = struct{}{}
		}
	}
	return out
}

// Clone returns a deep copy.
func (m Minute) Clone() Minute {
	out := m
	if m.FinalizedAt != nil {
		f := *m.FinalizedAt
		out.FinalizedAt = &f
	}
	out.ReopeningHistory = append([]ReopenEntry(nil), m.ReopeningHistory...)
	out.Topics = make([]Topic, len(m.Topics))
	for i, t := range m.Topics {
		ct := Topic{ID: t.ID, Subject: t.Subject, Items: make([]Item, len(t.Items))}
		for j, it := range t.Items {
			ct.Items[j] = it.Clone()
		}
		out.Topics[i] = ct
	}
	return out
}

// After reports whether m is more recent than o. Equal dates fall back to the
// id so the order is total.
func (m *Minute) After(o *Minute) bool {
	if !m.Date.Equal(o.Date) {
		return m.Date.After(o.Date)
	}
	return m.ID > o.ID
}

// Finalize marks the minute finalized. It returns false when it already was.
func (m *Minute) Finalize(actor string, at time.Time) bool {
	if m.IsFinalized {
		return false
	}
	ts := at.UTC()
	m.IsFinalized = true
	m.FinalizedAt = &ts
	m.FinalizedBy = actor
	return true
}

// Reopen moves a finalized minute back to draft and records why.
func (m *Minute) Reopen(actor, reason string, at time.Time) error {
	if !m.IsFinalized {
		return ErrConflict
	}
	if strings.TrimSpace(reason) == "" {
		return Invalid("reason", "required")
	}
	m.IsFinalized = false
	m.FinalizedAt = nil
	m.FinalizedBy = ""
	m.ReopeningHistory = append(m.ReopeningHistory, ReopenEntry{Timestamp: at.UTC(), Actor: actor, Reason: strings.TrimSpace(reason)})
	return nil
}
