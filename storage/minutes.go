package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	log "github.com/sirupsen/logrus"

	"minutes-api/domain"
)

const maxItemUpdateAttempts = 5

// GetMinute loads a minute document together with its ETag.
func (s *Storage) GetMinute(ctx context.Context, id string) (*domain.Minute, error) {
	resp, err := s.minuteTable.GetEntity(ctx, id, id, nil)
	if err != nil {
		return nil, fmt.Errorf("get minute %s: %w", id, translateError(err))
	}
	m, err := decodeMinute(resp.Value)
	if err != nil {
		return nil, err
	}
	m.ETag = string(resp.ETag)
	return m, nil
}

// SaveMinute writes the whole document. A minute without ETag is inserted;
// otherwise the write only succeeds if the stored version still matches.
func (s *Storage) SaveMinute(ctx context.Context, m *domain.Minute) error {
	payload, err := encodeMinute(m)
	if err != nil {
		return err
	}
	if m.ETag == "" {
		resp, err := s.minuteTable.AddEntity(ctx, payload, nil)
		if err != nil {
			return fmt.Errorf("insert minute %s: %w", m.ID, translateError(err))
		}
		m.ETag = string(resp.ETag)
	} else {
		et := azcore.ETag(m.ETag)
		resp, err := s.minuteTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeReplace})
		if err != nil {
			return fmt.Errorf("update minute %s: %w", m.ID, translateError(err))
		}
		m.ETag = string(resp.ETag)
	}
	if err := s.syncIndex(ctx, m); err != nil {
		log.WithError(err).WithField("minute", m.ID).Error("item index refresh failed")
	}
	return nil
}

// ReindexMinute rewrites the item index rows of m from its current items.
// It repairs rows lost when the index write after a save failed.
func (s *Storage) ReindexMinute(ctx context.Context, m *domain.Minute) error {
	if err := s.syncIndex(ctx, m); err != nil {
		return fmt.Errorf("reindex minute %s: %w", m.ID, err)
	}
	return nil
}

// UpdateItem applies mutate to a single embedded item. The document is re-read
// on every attempt so concurrent edits to other items are preserved; an ETag
// mismatch triggers a retry.
func (s *Storage) UpdateItem(ctx context.Context, minuteID, itemID string, mutate func(*domain.Item) bool) (bool, error) {
	for attempt := 0; attempt < maxItemUpdateAttempts; attempt++ {
		m, err := s.GetMinute(ctx, minuteID)
		if err != nil {
			return false, err
		}
		it := m.Item(itemID)
		if it == nil {
			return false, fmt.Errorf("item %s in minute %s: %w", itemID, minuteID, domain.ErrNotFound)
		}
		if !mutate(it) {
			return false, nil
		}
		err = s.SaveMinute(ctx, m)
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			log.WithFields(log.Fields{"minute": minuteID, "item": itemID, "attempt": attempt + 1}).Debug("item update raced, retrying")
			continue
		}
		if err != nil {
			return false, err
		}
		return true, nil
	}
	return false, fmt.Errorf("item %s in minute %s: %w", itemID, minuteID, domain.ErrConcurrencyConflict)
}

// DeleteMinute removes the document and then its index rows.
func (s *Storage) DeleteMinute(ctx context.Context, id string) error {
	if _, err := s.minuteTable.DeleteEntity(ctx, id, id, nil); err != nil {
		err = translateError(err)
		if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("delete minute %s: %w", id, err)
		}
	}
	rows, err := s.listIndex(ctx, eq("RowKey", id))
	if err != nil {
		log.WithError(err).WithField("minute", id).Error("list item index for deleted minute failed")
		return nil
	}
	for _, row := range rows {
		if _, err := s.itemTable.DeleteEntity(ctx, row.PartitionKey, row.RowKey, nil); err != nil {
			log.WithError(err).WithFields(log.Fields{"minute": id, "item": row.PartitionKey}).Error("delete item index row failed")
		}
	}
	return nil
}

// LatestFinalizedMinute returns the most recently dated finalized minute of the
// series other than excludeID.
func (s *Storage) LatestFinalizedMinute(ctx context.Context, seriesID, excludeID string) (*domain.Minute, error) {
	filter := and(eq("SeriesId", seriesID), "IsFinalized eq true")
	sel := "RowKey,Date"
	pager := s.minuteTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter, Select: &sel})
	var candidates []domain.Minute
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, translateError(err)
		}
		for _, e := range resp.Entities {
			var ent minuteEntity
			if err := json.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			if ent.RowKey == excludeID {
				continue
			}
			d, err := parseTime(ent.Date)
			if err != nil {
				log.WithError(err).WithField("minute", ent.RowKey).Warn("skipping minute with unreadable date")
				continue
			}
			candidates = append(candidates, domain.Minute{ID: ent.RowKey, Date: d})
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("finalized minute for series %s: %w", seriesID, domain.ErrNotFound)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[j].After(&candidates[i]) })
	return s.GetMinute(ctx, candidates[len(candidates)-1].ID)
}

// FindMinuteByItem returns the minute document owning the item.
func (s *Storage) FindMinuteByItem(ctx context.Context, itemID string) (*domain.Minute, error) {
	rows, err := s.listIndex(ctx, eq("PartitionKey", itemID))
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		m, err := s.GetMinute(ctx, row.RowKey)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if m.Item(itemID) != nil {
			return m, nil
		}
	}
	return nil, fmt.Errorf("minute for item %s: %w", itemID, domain.ErrNotFound)
}

// MinutesReferencingTask lists the ids of minutes with an item linked to taskID.
func (s *Storage) MinutesReferencingTask(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.listIndex(ctx, eq("ExternalTaskId", taskID))
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	var out []string
	for _, row := range rows {
		if _, ok := seen[row.RowKey]; ok {
			continue
		}
		seen[row.RowKey] = struct{}{}
		out = append(out, row.RowKey)
	}
	sort.Strings(out)
	return out, nil
}

// ListMinutes streams every minute document to fn, page by page.
func (s *Storage) ListMinutes(ctx context.Context, fn func(*domain.Minute) error) error {
	pager := s.minuteTable.NewListEntitiesPager(nil)
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return translateError(err)
		}
		for _, e := range resp.Entities {
			m, err := decodeMinute(e)
			if err != nil {
				log.WithError(err).Warn("skipping undecodable minute")
				continue
			}
			if err := fn(m); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Storage) listIndex(ctx context.Context, filter string) ([]itemEntity, error) {
	pager := s.itemTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	var rows []itemEntity
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, translateError(err)
		}
		for _, e := range resp.Entities {
			var row itemEntity
			if err := json.Unmarshal(e, &row); err != nil {
				return nil, err
			}
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// syncIndex brings the item index rows of m in line with its current items.
func (s *Storage) syncIndex(ctx context.Context, m *domain.Minute) error {
	existing, err := s.listIndex(ctx, eq("RowKey", m.ID))
	if err != nil {
		return err
	}
	upserts, deletes := diffIndex(existing, indexRows(m))
	var errs []error
	for _, row := range upserts {
		payload, err := json.Marshal(row)
		if err == nil {
			_, err = s.itemTable.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("upsert index %s/%s: %w", row.PartitionKey, row.RowKey, err))
		}
	}
	for _, row := range deletes {
		if _, err := s.itemTable.DeleteEntity(ctx, row.PartitionKey, row.RowKey, nil); err != nil {
			if err = translateError(err); !errors.Is(err, domain.ErrNotFound) {
				errs = append(errs, fmt.Errorf("delete index %s/%s: %w", row.PartitionKey, row.RowKey, err))
			}
		}
	}
	return errors.Join(errs...)
}

// diffIndex returns the rows to write and the stale rows to remove.
func diffIndex(existing, current []itemEntity) (upserts, deletes []itemEntity) {
	have := make(map[string]itemEntity, len(existing))
	for _, row := range existing {
		have[row.PartitionKey] = row
	}
	want := make(map[string]struct{}, len(current))
	for _, row := range current {
		want[row.PartitionKey] = struct{}{}
		if old, ok := have[row.PartitionKey]; ok && old == row {
			continue
		}
		upserts = append(upserts, row)
	}
	for _, row := range existing {
		if _, ok := want[row.PartitionKey]; !ok {
			deletes = append(deletes, row)
		}
	}
	return upserts, deletes
}
