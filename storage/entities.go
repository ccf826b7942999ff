package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"minutes-api/domain"
)

// Entity represents base table entity keys.
type Entity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

// minuteEntity stores one minute document. Topics and the reopening history are
// kept as JSON columns so a document is written with a single entity operation.
// The topics JSON continues in Topics1..TopicsN once it outgrows one string
// property.
type minuteEntity struct {
	Entity
	ETag             string `json:"odata.etag,omitempty"`
	SeriesID         string `json:"SeriesId"`
	Date             string `json:"Date"`
	IsFinalized      bool   `json:"IsFinalized"`
	FinalizedAt      string `json:"FinalizedAt,omitempty"`
	FinalizedBy      string `json:"FinalizedBy,omitempty"`
	ReopeningHistory string `json:"ReopeningHistory,omitempty"`
	Topics           string `json:"Topics"`
}

type taskEntity struct {
	Entity
	ETag            string  `json:"odata.etag,omitempty"`
	Subject         string  `json:"Subject"`
	Details         string  `json:"Details,omitempty"`
	Status          string  `json:"Status"`
	Priority        int     `json:"Priority"`
	DueDate         string  `json:"DueDate,omitempty"`
	Responsibles    string  `json:"Responsibles,omitempty"`
	Notes           string  `json:"Notes,omitempty"`
	ActualHours     float64 `json:"ActualHours"`
	MeetingSeriesID string  `json:"MeetingSeriesId"`
	MinutesID       string  `json:"MinutesId,omitempty"`
	TopicID         string  `json:"TopicId,omitempty"`
	SourceTaskID    string  `json:"SourceTaskId,omitempty"`
	CreatedBy       string  `json:"CreatedBy,omitempty"`
	CreatedAt       string  `json:"CreatedAt"`
	UpdatedAt       string  `json:"UpdatedAt"`
}

// itemEntity indexes one embedded item: PartitionKey is the item id and RowKey
// the owning minute id.
type itemEntity struct {
	Entity
	SeriesID       string `json:"SeriesId"`
	TopicID        string `json:"TopicId"`
	ExternalTaskID string `json:"ExternalTaskId,omitempty"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func parseTimePtr(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

const (
	// A string property holds at most 64 KiB of UTF-16; 16000 runes stay
	// below that even when every rune needs a surrogate pair.
	topicsColumnRunes = 16000
	maxTopicsColumns  = 16
	topicsColumn      = "Topics"
)

// splitRunes cuts s into pieces of at most size runes.
func splitRunes(s string, size int) []string {
	if s == "" {
		return []string{""}
	}
	var out []string
	for len(s) > 0 {
		i, n := 0, 0
		for i < len(s) && n < size {
			_, w := utf8.DecodeRuneInString(s[i:])
			i += w
			n++
		}
		out = append(out, s[:i])
		s = s[i:]
	}
	return out
}

func topicsColumnName(i int) string {
	if i == 0 {
		return topicsColumn
	}
	return topicsColumn + strconv.Itoa(i)
}

func encodeMinute(m *domain.Minute) ([]byte, error) {
	topics, err := json.Marshal(m.Topics)
	if err != nil {
		return nil, err
	}
	chunks := splitRunes(string(topics), topicsColumnRunes)
	if len(chunks) > maxTopicsColumns {
		return nil, domain.Invalid("topics", fmt.Sprintf("minute %s is too large to store", m.ID))
	}
	ent := minuteEntity{
		Entity:      Entity{PartitionKey: m.ID, RowKey: m.ID},
		SeriesID:    m.SeriesID,
		Date:        formatTime(m.Date),
		IsFinalized: m.IsFinalized,
		FinalizedAt: formatTimePtr(m.FinalizedAt),
		FinalizedBy: m.FinalizedBy,
		Topics:      chunks[0],
	}
	if len(m.ReopeningHistory) > 0 {
		history, err := json.Marshal(m.ReopeningHistory)
		if err != nil {
			return nil, err
		}
		ent.ReopeningHistory = string(history)
	}
	data, err := json.Marshal(ent)
	if err != nil || len(chunks) == 1 {
		return data, err
	}
	cols := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &cols); err != nil {
		return nil, err
	}
	for i, c := range chunks[1:] {
		raw, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		cols[topicsColumnName(i+1)] = raw
	}
	return json.Marshal(cols)
}

// joinTopics reassembles the topics JSON spread over the numbered columns.
func joinTopics(data []byte, first string) (string, error) {
	if first == "" {
		return "", nil
	}
	var cols map[string]json.RawMessage
	if err := json.Unmarshal(data, &cols); err != nil {
		return "", err
	}
	out := first
	for i := 1; i < maxTopicsColumns; i++ {
		raw, ok := cols[topicsColumnName(i)]
		if !ok {
			break
		}
		var part string
		if err := json.Unmarshal(raw, &part); err != nil {
			return "", err
		}
		out += part
	}
	return out, nil
}

func decodeMinute(data []byte) (*domain.Minute, error) {
	var ent minuteEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return nil, err
	}
	m := &domain.Minute{
		ID:          ent.RowKey,
		SeriesID:    ent.SeriesID,
		IsFinalized: ent.IsFinalized,
		FinalizedBy: ent.FinalizedBy,
		ETag:        ent.ETag,
	}
	var err error
	if m.Date, err = parseTime(ent.Date); err != nil {
		return nil, fmt.Errorf("minute %s date: %w", ent.RowKey, err)
	}
	if m.FinalizedAt, err = parseTimePtr(ent.FinalizedAt); err != nil {
		return nil, fmt.Errorf("minute %s finalizedAt: %w", ent.RowKey, err)
	}
	topics, err := joinTopics(data, ent.Topics)
	if err != nil {
		return nil, fmt.Errorf("minute %s topics: %w", ent.RowKey, err)
	}
	if topics != "" {
		if err := json.Unmarshal([]byte(topics), &m.Topics); err != nil {
			return nil, fmt.Errorf("minute %s topics: %w", ent.RowKey, err)
		}
	}
	if ent.ReopeningHistory != "" {
		if err := json.Unmarshal([]byte(ent.ReopeningHistory), &m.ReopeningHistory); err != nil {
			return nil, fmt.Errorf("minute %s reopening history: %w", ent.RowKey, err)
		}
	}
	return m, nil
}

func encodeTask(t domain.Task) ([]byte, error) {
	ent := taskEntity{
		Entity:          Entity{PartitionKey: t.ID, RowKey: t.ID},
		Subject:         t.Subject,
		Details:         t.Details,
		Status:          string(t.Status),
		Priority:        t.Priority,
		DueDate:         formatTimePtr(t.DueDate),
		Notes:           t.Notes,
		ActualHours:     t.ActualHours,
		MeetingSeriesID: t.MeetingSeriesID,
		MinutesID:       t.MinutesID,
		TopicID:         t.TopicID,
		SourceTaskID:    t.SourceTaskID,
		CreatedBy:       t.CreatedBy,
		CreatedAt:       formatTime(t.CreatedAt),
		UpdatedAt:       formatTime(t.UpdatedAt),
	}
	if len(t.Responsibles) > 0 {
		r, err := json.Marshal(t.Responsibles)
		if err != nil {
			return nil, err
		}
		ent.Responsibles = string(r)
	}
	return json.Marshal(ent)
}

func decodeTask(data []byte) (*domain.Task, error) {
	var ent taskEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return nil, err
	}
	t := &domain.Task{
		ID:              ent.RowKey,
		Subject:         ent.Subject,
		Details:         ent.Details,
		Status:          domain.Status(ent.Status),
		Priority:        ent.Priority,
		Notes:           ent.Notes,
		ActualHours:     ent.ActualHours,
		MeetingSeriesID: ent.MeetingSeriesID,
		MinutesID:       ent.MinutesID,
		TopicID:         ent.TopicID,
		SourceTaskID:    ent.SourceTaskID,
		CreatedBy:       ent.CreatedBy,
		ETag:            ent.ETag,
	}
	var err error
	if t.DueDate, err = parseTimePtr(ent.DueDate); err != nil {
		return nil, fmt.Errorf("task %s dueDate: %w", ent.RowKey, err)
	}
	if t.CreatedAt, err = parseTime(ent.CreatedAt); err != nil {
		return nil, fmt.Errorf("task %s createdAt: %w", ent.RowKey, err)
	}
	if t.UpdatedAt, err = parseTime(ent.UpdatedAt); err != nil {
		return nil, fmt.Errorf("task %s updatedAt: %w", ent.RowKey, err)
	}
	if ent.Responsibles != "" {
		if err := json.Unmarshal([]byte(ent.Responsibles), &t.Responsibles); err != nil {
			return nil, fmt.Errorf("task %s responsibles: %w", ent.RowKey, err)
		}
	}
	return t, nil
}

// indexRows builds the item index entries for every item of m.
func indexRows(m *domain.Minute) []itemEntity {
	refs := m.Items()
	rows := make([]itemEntity, 0, len(refs))
	for _, ref := range refs {
		rows = append(rows, itemEntity{
			Entity:         Entity{PartitionKey: ref.Item.ID, RowKey: m.ID},
			SeriesID:       m.SeriesID,
			TopicID:        ref.TopicID,
			ExternalTaskID: ref.Item.TaskID(),
		})
	}
	return rows
}
