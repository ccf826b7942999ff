package engine

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"minutes-api/domain"
)

// FinalizeMinute marks a draft minute finalized and closes the origin items
// of everything it imported. Finalizing a finalized minute is a no-op.
func (e *Engine) FinalizeMinute(ctx context.Context, actor, minuteID string) (*FinalizeResult, error) {
	ctx, span := e.startSpan(ctx, "FinalizeMinute", attribute.String("minute.id", minuteID))
	defer span.End()

	m, err := e.minutes.GetMinute(ctx, minuteID)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(ctx, actor, domain.ActionFinalize, m.SeriesID); err != nil {
		return nil, err
	}
	if !m.Finalize(actor, e.now()) {
		return &FinalizeResult{Minute: m, Cascade: CascadeSummary{Completed: []ItemOutcome{}}}, nil
	}
	if err := e.minutes.SaveMinute(ctx, m); err != nil {
		return nil, err
	}
	e.logger.WithFields(log.Fields{"minute": m.ID, "series": m.SeriesID, "actor": actor}).Info("minute finalized")
	return &FinalizeResult{Minute: m, Changed: true, Cascade: e.cascade(ctx, actor, m)}, nil
}

// cascade completes the origin item of every imported item in m. The origin
// is found through the item index and changed with a targeted item update.
func (e *Engine) cascade(ctx context.Context, actor string, m *domain.Minute) CascadeSummary {
	sum := CascadeSummary{Completed: []ItemOutcome{}}
	now := e.now()
	seen := map[string]struct{}{}
	for _, ref := range m.Items() {
		it := ref.Item
		origin := it.OriginalTaskID
		if !it.IsImported || origin == "" {
			continue
		}
		if _, ok := seen[origin]; ok {
			continue
		}
		seen[origin] = struct{}{}
		if m.Item(origin) != nil {
			continue
		}
		owner, err := e.minutes.FindMinuteByItem(ctx, origin)
		if err != nil {
			sum.Failed = append(sum.Failed, failure("locate-origin", "", origin, it.TaskID(), err))
			continue
		}
		changed, err := e.minutes.UpdateItem(ctx, owner.ID, origin, func(o *domain.Item) bool {
			return o.Complete(actor, now)
		})
		if err != nil {
			sum.Failed = append(sum.Failed, failure("complete-origin", owner.ID, origin, it.TaskID(), err))
			continue
		}
		if changed {
			sum.Completed = append(sum.Completed, ItemOutcome{MinuteID: owner.ID, ItemID: origin, TaskID: it.TaskID(), Outcome: OutcomeCompleted})
		}
	}
	e.logFailures("finalization cascade step failed", sum.Failed)
	return sum
}

// ReopenMinute moves a finalized minute back to draft. Origin items completed
// by its finalization stay completed.
func (e *Engine) ReopenMinute(ctx context.Context, actor, minuteID, reason string) (*domain.Minute, error) {
	ctx, span := e.startSpan(ctx, "ReopenMinute", attribute.String("minute.id", minuteID))
	defer span.End()

	m, err := e.minutes.GetMinute(ctx, minuteID)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(ctx, actor, domain.ActionFinalize, m.SeriesID); err != nil {
		return nil, err
	}
	if err := m.Reopen(actor, reason, e.now()); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, fmt.Errorf("minute %s is not finalized: %w", minuteID, err)
		}
		return nil, err
	}
	if err := e.minutes.SaveMinute(ctx, m); err != nil {
		return nil, err
	}
	e.logger.WithFields(log.Fields{"minute": m.ID, "actor": actor, "reason": reason}).Info("minute reopened")
	return m, nil
}
