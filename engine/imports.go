package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"minutes-api/domain"
)

var importNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("minutes-api.imports"))

// ImportCandidate is an unfinished action item of the previous finalized
// minute, prepared for insertion into the current one.
type ImportCandidate struct {
	SourceMinuteID string      `json:"sourceMinuteId"`
	TopicID        string      `json:"topicId"`
	TopicSubject   string      `json:"topicSubject"`
	Item           domain.Item `json:"item"`
}

// PendingImports is the result of an import lookup.
type PendingImports struct {
	NoPreviousMinutes bool              `json:"noPreviousMinutes"`
	SourceMinuteID    string            `json:"sourceMinuteId,omitempty"`
	Candidates        []ImportCandidate `json:"candidates"`
}

// ApplyResult is returned by ApplyImports.
type ApplyResult struct {
	Imported int            `json:"imported"`
	Minute   *domain.Minute `json:"minute"`
	Sync     *SyncSummary   `json:"sync,omitempty"`
}

// PendingImports lists the items of the latest finalized minute of the series
// that are not completed and not yet carried into currentMinuteID. It only
// reads.
func (e *Engine) PendingImports(ctx context.Context, actor, seriesID, currentMinuteID string) (*PendingImports, error) {
	ctx, span := e.startSpan(ctx, "PendingImports", attribute.String("series.id", seriesID))
	defer span.End()

	if seriesID == "" {
		return nil, domain.Invalid("seriesId", "required")
	}
	if err := e.authorize(ctx, actor, domain.ActionRead, seriesID); err != nil {
		return nil, err
	}
	var current *domain.Minute
	if currentMinuteID != "" {
		m, err := e.minutes.GetMinute(ctx, currentMinuteID)
		if err != nil {
			return nil, err
		}
		if m.SeriesID != seriesID {
			return nil, domain.Invalid("currentMinuteId", "minute belongs to another series")
		}
		current = m
	}
	return e.pendingImports(ctx, seriesID, current)
}

func (e *Engine) pendingImports(ctx context.Context, seriesID string, current *domain.Minute) (*PendingImports, error) {
	currentID := ""
	exclude := map[string]struct{}{}
	if current != nil {
		currentID = current.ID
		exclude = current.OriginalIDs()
	}
	prev, err := e.minutes.LatestFinalizedMinute(ctx, seriesID, currentID)
	if errors.Is(err, domain.ErrNotFound) {
		return &PendingImports{NoPreviousMinutes: true, Candidates: []ImportCandidate{}}, nil
	}
	if err != nil {
		return nil, err
	}
	res := &PendingImports{SourceMinuteID: prev.ID, Candidates: []ImportCandidate{}}
	for _, topic := range prev.Topics {
		for _, it := range topic.Items {
			if !it.IsAction() || it.Status() == domain.StatusCompleted {
				continue
			}
			if _, done := exclude[it.ID]; done {
				continue
			}
			res.Candidates = append(res.Candidates, ImportCandidate{
				SourceMinuteID: prev.ID,
				TopicID:        topic.ID,
				TopicSubject:   topic.Subject,
				Item:           importCopy(currentID, it),
			})
		}
	}
	return res, nil
}

// importCopy builds the destination item for src. Its id is derived from the
// target minute and the source item, so repeated lookups agree.
func importCopy(targetMinuteID string, src domain.Item) domain.Item {
	c := src.Clone()
	c.ID = uuid.NewSHA1(importNamespace, []byte("item/"+targetMinuteID+"/"+src.ID)).String()
	c.IsImported = true
	c.OriginalTaskID = src.ID
	c.ParentItemID = ""
	c.StaleTaskID = ""
	if c.Action != nil {
		c.Action.CompletedAt = nil
		c.Action.CompletedBy = ""
	}
	return c
}

// ApplyImports inserts the pending candidates into a draft minute and saves
// it through the sync. Running it again imports nothing.
func (e *Engine) ApplyImports(ctx context.Context, actor, minuteID string) (*ApplyResult, error) {
	ctx, span := e.startSpan(ctx, "ApplyImports", attribute.String("minute.id", minuteID))
	defer span.End()

	m, err := e.minutes.GetMinute(ctx, minuteID)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(ctx, actor, domain.ActionUpdate, m.SeriesID); err != nil {
		return nil, err
	}
	if m.IsFinalized {
		return nil, fmt.Errorf("minute %s is finalized: %w", minuteID, domain.ErrConflict)
	}
	pending, err := e.pendingImports(ctx, m.SeriesID, m)
	if err != nil {
		return nil, err
	}
	if len(pending.Candidates) == 0 {
		return &ApplyResult{Minute: m}, nil
	}

	topics := m.Clone().Topics
	for _, c := range pending.Candidates {
		topics = placeImport(topics, c)
	}
	topics, err = e.prepareTopics(topics)
	if err != nil {
		return nil, err
	}
	saved, err := e.saveMinute(ctx, actor, m, topics, false)
	if err != nil {
		return nil, err
	}
	return &ApplyResult{Imported: len(pending.Candidates), Minute: saved.Minute, Sync: &saved.Sync}, nil
}

// placeImport appends the candidate to the topic with the same id, else the
// same subject, else to a new copy of its source topic.
func placeImport(topics []domain.Topic, c ImportCandidate) []domain.Topic {
	for i := range topics {
		if topics[i].ID == c.TopicID {
			topics[i].Items = append(topics[i].Items, c.Item)
			return topics
		}
	}
	for i := range topics {
		if strings.EqualFold(strings.TrimSpace(topics[i].Subject), strings.TrimSpace(c.TopicSubject)) {
			topics[i].Items = append(topics[i].Items, c.Item)
			return topics
		}
	}
	return append(topics, domain.Topic{ID: c.TopicID, Subject: c.TopicSubject, Items: []domain.Item{c.Item}})
}
