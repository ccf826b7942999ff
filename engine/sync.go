package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"minutes-api/domain"
)

// SaveMinute replaces the topics of a draft minute and mirrors its action
// items into the task registry. Registry failures end up in the returned
// summary; only the minute write itself can fail the call.
func (e *Engine) SaveMinute(ctx context.Context, actor, minuteID string, topics []domain.Topic, finalize bool) (*SaveResult, error) {
	ctx, span := e.startSpan(ctx, "SaveMinute", attribute.String("minute.id", minuteID), attribute.Bool("minute.finalize", finalize))
	defer span.End()

	topics, err := e.prepareTopics(topics)
	if err != nil {
		return nil, err
	}
	prev, err := e.minutes.GetMinute(ctx, minuteID)
	if err != nil {
		return nil, err
	}
	return e.saveMinute(ctx, actor, prev, topics, finalize)
}

// saveMinute runs the sync against an already loaded document; the write is
// conditional on the ETag prev was read with.
func (e *Engine) saveMinute(ctx context.Context, actor string, prev *domain.Minute, topics []domain.Topic, finalize bool) (*SaveResult, error) {
	if err := e.authorize(ctx, actor, domain.ActionUpdate, prev.SeriesID); err != nil {
		return nil, err
	}
	if finalize {
		if err := e.authorize(ctx, actor, domain.ActionFinalize, prev.SeriesID); err != nil {
			return nil, err
		}
	}
	if prev.IsFinalized {
		return nil, fmt.Errorf("minute %s is finalized: %w", prev.ID, domain.ErrConflict)
	}

	next := prev.Clone()
	next.Topics = topics
	run := &syncRun{e: e, actor: actor, now: e.now(), minute: &next, owners: map[string]*domain.Minute{}}
	run.linkItems(ctx)
	releases := run.releases(prev)
	if finalize {
		next.Finalize(actor, run.now)
	}

	if err := e.minutes.SaveMinute(ctx, &next); err != nil {
		run.compensate(ctx)
		return nil, err
	}
	for _, rel := range releases {
		run.release(ctx, rel)
	}

	e.emit(ctx, run.events)
	e.logFailures("task sync step failed", run.summary.Failed)
	e.logger.WithFields(log.Fields{
		"minute":    next.ID,
		"actor":     actor,
		"succeeded": len(run.summary.Succeeded),
		"failed":    len(run.summary.Failed),
	}).Info("minute saved")

	res := &SaveResult{Minute: &next, Sync: run.summary}
	if finalize {
		c := e.cascade(ctx, actor, &next)
		res.Cascade = &c
	}
	return res, nil
}

// prepareTopics validates the incoming topics and fills missing ids. It
// performs no I/O.
func (e *Engine) prepareTopics(in []domain.Topic) ([]domain.Topic, error) {
	out := make([]domain.Topic, len(in))
	topicIDs := make(map[string]struct{}, len(in))
	itemIDs := map[string]struct{}{}
	for ti, t := range in {
		path := fmt.Sprintf("topics[%d]", ti)
		t.ID = strings.TrimSpace(t.ID)
		t.Subject = strings.TrimSpace(t.Subject)
		if t.ID == "" {
			t.ID = e.newID()
		}
		if t.Subject == "" {
			return nil, domain.Invalid(path+".subject", "required")
		}
		if _, dup := topicIDs[t.ID]; dup {
			return nil, domain.Invalid(path+".id", "duplicate topic id")
		}
		topicIDs[t.ID] = struct{}{}

		items := make([]domain.Item, len(t.Items))
		for ii, it := range t.Items {
			itemPath := fmt.Sprintf("%s.infoItems[%d]", path, ii)
			it = it.Clone()
			it.ID = strings.TrimSpace(it.ID)
			if it.ID == "" {
				it.ID = e.newID()
			}
			it.Normalize()
			if it.DropSelfPointers() {
				e.logger.WithFields(log.Fields{"item": it.ID, "path": itemPath}).Warn("dropping self-referencing chain pointer")
			}
			if err := it.Validate(itemPath); err != nil {
				return nil, err
			}
			if _, dup := itemIDs[it.ID]; dup {
				return nil, domain.Invalid(itemPath+".id", "duplicate item id")
			}
			itemIDs[it.ID] = struct{}{}
			items[ii] = it
		}
		t.Items = items
		out[ti] = t
	}
	if err := domain.CheckTopicsSize(out); err != nil {
		return nil, err
	}
	return out, nil
}

type syncRun struct {
	e       *Engine
	actor   string
	now     time.Time
	minute  *domain.Minute
	owners  map[string]*domain.Minute
	created []string
	events  []domain.TaskEvent
	summary SyncSummary
}

type release struct {
	itemID string
	taskID string
	reason string
}

func (r *syncRun) outcome(itemID, taskID string, o Outcome) {
	r.summary.ok(ItemOutcome{MinuteID: r.minute.ID, ItemID: itemID, TaskID: taskID, Outcome: o})
}

func (r *syncRun) failed(step, itemID, taskID string, err error) {
	r.summary.fail(failure(step, r.minute.ID, itemID, taskID, err))
}

// linkItems creates or mirrors the task of every action item.
func (r *syncRun) linkItems(ctx context.Context) {
	mirrored := map[string]string{}
	for ti := range r.minute.Topics {
		topic := &r.minute.Topics[ti]
		for ii := range topic.Items {
			it := &topic.Items[ii]
			if !it.IsAction() {
				continue
			}
			taskID := it.TaskID()
			if taskID == "" {
				r.createTask(ctx, topic.ID, it)
				continue
			}
			if first, dup := mirrored[taskID]; dup {
				r.e.logger.WithFields(log.Fields{"minute": r.minute.ID, "item": it.ID, "first": first, "task": taskID}).Debug("task linked twice in one minute, mirroring first item only")
				r.outcome(it.ID, taskID, OutcomeUnchanged)
				continue
			}
			mirrored[taskID] = it.ID
			r.mirrorTask(ctx, topic.ID, it)
		}
	}
}

func (r *syncRun) createTask(ctx context.Context, topicID string, it *domain.Item) {
	id := r.e.newID()
	t := domain.TaskFromItem(id, r.minute, topicID, *it, r.actor, r.now)
	if err := r.e.tasks.CreateTask(ctx, t); err != nil {
		r.failed("create-task", it.ID, id, err)
		return
	}
	it.Action.ExternalTaskID = id
	r.created = append(r.created, id)
	r.events = append(r.events, domain.NewTaskEvent(domain.TaskCreated, t, r.actor, r.now))
	r.outcome(it.ID, id, OutcomeCreated)
}

func (r *syncRun) mirrorTask(ctx context.Context, topicID string, it *domain.Item) {
	taskID := it.TaskID()
	t, err := r.e.tasks.GetTask(ctx, taskID)
	if errors.Is(err, domain.ErrNotFound) {
		nt := domain.TaskFromItem(taskID, r.minute, topicID, *it, r.actor, r.now)
		if err := r.e.tasks.CreateTask(ctx, nt); err != nil {
			r.failed("recreate-task", it.ID, taskID, err)
			return
		}
		r.events = append(r.events, domain.NewTaskEvent(domain.TaskCreated, nt, r.actor, r.now))
		r.outcome(it.ID, taskID, OutcomeRecreated)
		return
	}
	if err != nil {
		r.failed("load-task", it.ID, taskID, err)
		return
	}
	if r.superseded(ctx, t) {
		r.outcome(it.ID, taskID, OutcomeSuperseded)
		return
	}
	wasCompleted := t.Status == domain.StatusCompleted
	if !t.MirrorItem(r.minute, topicID, *it, r.now) {
		r.outcome(it.ID, taskID, OutcomeUnchanged)
		return
	}
	if err := r.e.tasks.UpdateTask(ctx, *t); err != nil {
		r.failed("update-task", it.ID, taskID, err)
		return
	}
	typ := domain.TaskUpdated
	if !wasCompleted && t.Status == domain.StatusCompleted {
		typ = domain.TaskCompleted
	}
	r.events = append(r.events, domain.NewTaskEvent(typ, *t, r.actor, r.now))
	r.outcome(it.ID, taskID, OutcomeUpdated)
}

// superseded reports whether t is owned by a later minute that still links
// it, which makes the item being saved a historical copy.
func (r *syncRun) superseded(ctx context.Context, t *domain.Task) bool {
	if t.MinutesID == "" || t.MinutesID == r.minute.ID {
		return false
	}
	owner, ok := r.owners[t.MinutesID]
	if !ok {
		m, err := r.e.minutes.GetMinute(ctx, t.MinutesID)
		if err != nil {
			m = nil
		}
		r.owners[t.MinutesID] = m
		owner = m
	}
	return owner != nil && owner.ItemByTask(t.ID) != nil && owner.After(r.minute)
}

// releases lists the task links dropped by this save: removed action items,
// action items turned into info items, relinked items and stale references
// left on info items.
func (r *syncRun) releases(prev *domain.Minute) []release {
	keep := map[string]struct{}{}
	for _, id := range r.minute.TaskIDs() {
		keep[id] = struct{}{}
	}
	var out []release
	add := func(itemID, taskID, reason string) {
		if _, ok := keep[taskID]; ok {
			return
		}
		keep[taskID] = struct{}{}
		out = append(out, release{itemID: itemID, taskID: taskID, reason: reason})
	}
	for _, ref := range prev.Items() {
		taskID := ref.Item.TaskID()
		if taskID == "" {
			continue
		}
		cur := r.minute.Item(ref.Item.ID)
		switch {
		case cur == nil:
			add(ref.Item.ID, taskID, "removed")
		case !cur.IsAction():
			add(ref.Item.ID, taskID, "converted")
		default:
			add(ref.Item.ID, taskID, "relinked")
		}
	}
	for ti := range r.minute.Topics {
		for ii := range r.minute.Topics[ti].Items {
			it := &r.minute.Topics[ti].Items[ii]
			if it.StaleTaskID != "" {
				add(it.ID, it.StaleTaskID, "converted")
				it.StaleTaskID = ""
			}
		}
	}
	return out
}

// release runs after the minute write. A task no other minute links is
// deleted; otherwise it is handed to a minute that still references it.
func (r *syncRun) release(ctx context.Context, rel release) {
	refs, err := r.e.findReferences(ctx, rel.taskID, r.minute.ID)
	if err != nil {
		r.failed("release-task", rel.itemID, rel.taskID, err)
		return
	}
	if refs.empty() {
		if err := r.e.tasks.DeleteTask(ctx, rel.taskID); err != nil {
			r.failed("delete-task", rel.itemID, rel.taskID, err)
			return
		}
		gone := domain.Task{ID: rel.taskID, MeetingSeriesID: r.minute.SeriesID, MinutesID: r.minute.ID}
		r.events = append(r.events, domain.NewTaskEvent(domain.TaskDeleted, gone, r.actor, r.now))
		r.e.logger.WithFields(log.Fields{"minute": r.minute.ID, "item": rel.itemID, "task": rel.taskID, "reason": rel.reason}).Debug("orphaned task deleted")
		r.outcome(rel.itemID, rel.taskID, OutcomeDeleted)
		return
	}
	moved, ev, err := r.e.reassign(ctx, r.actor, rel.taskID, refs, r.minute.ID)
	if err != nil {
		r.failed("reassign-task", rel.itemID, rel.taskID, err)
		return
	}
	if ev != nil {
		r.events = append(r.events, *ev)
	}
	if moved {
		r.outcome(rel.itemID, rel.taskID, OutcomeReassigned)
		return
	}
	r.outcome(rel.itemID, rel.taskID, OutcomeReleased)
}

// compensate deletes the tasks created by a save whose minute write failed.
func (r *syncRun) compensate(ctx context.Context) {
	for _, id := range r.created {
		if err := r.e.tasks.DeleteTask(ctx, id); err != nil {
			r.e.logger.WithError(err).WithFields(log.Fields{"minute": r.minute.ID, "task": id}).Error("compensating task delete failed")
		}
	}
}
