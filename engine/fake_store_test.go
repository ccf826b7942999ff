package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"minutes-api/domain"
)

// fakeStore is an in-memory MinuteStore and TaskRegistry. Whole-document
// saves are guarded by a version ETag like the table storage adapter.
type fakeStore struct {
	mu       sync.Mutex
	minutes  map[string]domain.Minute
	versions map[string]int
	tasks    map[string]domain.Task

	saveErr    func(m *domain.Minute) error
	taskErr    func(op, id string) error
	reindexErr func(id string) error
	reindexed  []string

	itemUpdates int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		minutes:  map[string]domain.Minute{},
		versions: map[string]int{},
		tasks:    map[string]domain.Task{},
	}
}

func (f *fakeStore) putMinute(m domain.Minute) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := m.Clone()
	c.ETag = ""
	f.minutes[m.ID] = c
	f.versions[m.ID]++
}

func (f *fakeStore) putTask(t domain.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[t.ID] = t
}

func (f *fakeStore) minute(t *testing.T, id string) domain.Minute {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.minutes[id]
	if !ok {
		t.Fatalf("minute %s not stored", id)
	}
	return m.Clone()
}

func (f *fakeStore) item(t *testing.T, minuteID, itemID string) domain.Item {
	t.Helper()
	m := f.minute(t, minuteID)
	it := m.Item(itemID)
	if it == nil {
		t.Fatalf("item %s not in minute %s", itemID, minuteID)
	}
	return *it
}

func (f *fakeStore) task(id string) (domain.Task, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	return t, ok
}

func (f *fakeStore) taskCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

func (f *fakeStore) sortedMinuteIDs() []string {
	ids := make([]string, 0, len(f.minutes))
	for id := range f.minutes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (f *fakeStore) GetMinute(ctx context.Context, id string) (*domain.Minute, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.minutes[id]
	if !ok {
		return nil, fmt.Errorf("minute %s: %w", id, domain.ErrNotFound)
	}
	c := m.Clone()
	c.ETag = strconv.Itoa(f.versions[id])
	return &c, nil
}

func (f *fakeStore) SaveMinute(ctx context.Context, m *domain.Minute) error {
	if f.saveErr != nil {
		if err := f.saveErr(m); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, exists := f.minutes[m.ID]
	if m.ETag == "" && exists {
		return fmt.Errorf("minute %s: %w", m.ID, domain.ErrConflict)
	}
	if m.ETag != "" && m.ETag != strconv.Itoa(f.versions[m.ID]) {
		return fmt.Errorf("minute %s: %w", m.ID, domain.ErrConcurrencyConflict)
	}
	c := m.Clone()
	c.ETag = ""
	f.minutes[m.ID] = c
	f.versions[m.ID]++
	m.ETag = strconv.Itoa(f.versions[m.ID])
	return nil
}

func (f *fakeStore) DeleteMinute(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.minutes, id)
	delete(f.versions, id)
	return nil
}

func (f *fakeStore) UpdateItem(ctx context.Context, minuteID, itemID string, mutate func(*domain.Item) bool) (bool, error) {
	for attempt := 0; attempt < 3; attempt++ {
		m, err := f.GetMinute(ctx, minuteID)
		if err != nil {
			return false, err
		}
		it := m.Item(itemID)
		if it == nil {
			return false, fmt.Errorf("item %s: %w", itemID, domain.ErrNotFound)
		}
		if !mutate(it) {
			return false, nil
		}
		err = f.SaveMinute(ctx, m)
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			continue
		}
		if err != nil {
			return false, err
		}
		f.mu.Lock()
		f.itemUpdates++
		f.mu.Unlock()
		return true, nil
	}
	return false, domain.ErrConcurrencyConflict
}

func (f *fakeStore) LatestFinalizedMinute(ctx context.Context, seriesID, excludeID string) (*domain.Minute, error) {
	f.mu.Lock()
	var best *domain.Minute
	for _, id := range f.sortedMinuteIDs() {
		m := f.minutes[id]
		if m.SeriesID != seriesID || !m.IsFinalized || m.ID == excludeID {
			continue
		}
		if best == nil || m.After(best) {
			c := m
			best = &c
		}
	}
	f.mu.Unlock()
	if best == nil {
		return nil, fmt.Errorf("finalized minute of %s: %w", seriesID, domain.ErrNotFound)
	}
	return f.GetMinute(ctx, best.ID)
}

func (f *fakeStore) FindMinuteByItem(ctx context.Context, itemID string) (*domain.Minute, error) {
	f.mu.Lock()
	owner := ""
	for _, id := range f.sortedMinuteIDs() {
		m := f.minutes[id]
		if m.Item(itemID) != nil {
			owner = id
			break
		}
	}
	f.mu.Unlock()
	if owner == "" {
		return nil, fmt.Errorf("item %s: %w", itemID, domain.ErrNotFound)
	}
	return f.GetMinute(ctx, owner)
}

func (f *fakeStore) MinutesReferencingTask(ctx context.Context, taskID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, id := range f.sortedMinuteIDs() {
		m := f.minutes[id]
		if m.ItemByTask(taskID) != nil {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *fakeStore) ListMinutes(ctx context.Context, fn func(*domain.Minute) error) error {
	f.mu.Lock()
	ids := f.sortedMinuteIDs()
	f.mu.Unlock()
	for _, id := range ids {
		m, err := f.GetMinute(ctx, id)
		if err != nil {
			continue
		}
		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeStore) ReindexMinute(ctx context.Context, m *domain.Minute) error {
	if f.reindexErr != nil {
		if err := f.reindexErr(m.ID); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reindexed = append(f.reindexed, m.ID)
	return nil
}

func (f *fakeStore) injected(op, id string) error {
	if f.taskErr == nil {
		return nil
	}
	return f.taskErr(op, id)
}

func (f *fakeStore) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	if err := f.injected("get", id); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	t.Responsibles = append([]string(nil), t.Responsibles...)
	return &t, nil
}

func (f *fakeStore) CreateTask(ctx context.Context, t domain.Task) error {
	if err := f.injected("create", t.ID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[t.ID]; ok {
		return fmt.Errorf("task %s: %w", t.ID, domain.ErrConflict)
	}
	f.tasks[t.ID] = t
	return nil
}

func (f *fakeStore) UpdateTask(ctx context.Context, t domain.Task) error {
	if err := f.injected("update", t.ID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[t.ID]; !ok {
		return fmt.Errorf("task %s: %w", t.ID, domain.ErrNotFound)
	}
	f.tasks[t.ID] = t
	return nil
}

func (f *fakeStore) DeleteTask(ctx context.Context, id string) error {
	if err := f.injected("delete", id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tasks, id)
	return nil
}

func (f *fakeStore) ListSeriesTasks(ctx context.Context, seriesID string) ([]domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []domain.Task{}
	for _, t := range f.tasks {
		if t.MeetingSeriesID == seriesID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (f *fakeStore) FindTaskBySource(ctx context.Context, seriesID, sourceTaskID string) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tasks {
		if t.MeetingSeriesID == seriesID && t.SourceTaskID == sourceTaskID {
			c := t
			return &c, nil
		}
	}
	return nil, fmt.Errorf("import of %s: %w", sourceTaskID, domain.ErrNotFound)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.TaskEvent
}

func (n *recordingNotifier) Notify(ctx context.Context, evs ...domain.TaskEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evs...)
}

func (n *recordingNotifier) count(typ domain.TaskEventType) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, ev := range n.events {
		if ev.Type == typ {
			c++
		}
	}
	return c
}

type denyAll struct{ action domain.Action }

func (d denyAll) Allowed(ctx context.Context, actor string, action domain.Action, seriesID string) bool {
	return d.action != "" && action != d.action
}

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(st *fakeStore, opts ...Option) (*Engine, *recordingNotifier) {
	n := &recordingNotifier{}
	seq := 0
	base := []Option{
		WithNotifier(n),
		WithClock(func() time.Time { return testNow }),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("id-%03d", seq)
		}),
	}
	return New(st, st, append(base, opts...)...), n
}

func day(d int) time.Time {
	return time.Date(2024, 1, d, 9, 0, 0, 0, time.UTC)
}

func draft(id, series string, date time.Time, topics ...domain.Topic) domain.Minute {
	return domain.Minute{ID: id, SeriesID: series, Date: date, Topics: topics}
}

func finalized(id, series string, date time.Time, topics ...domain.Topic) domain.Minute {
	m := draft(id, series, date, topics...)
	m.Finalize("alice", date)
	return m
}

func topic(id, subject string, items ...domain.Item) domain.Topic {
	return domain.Topic{ID: id, Subject: subject, Items: items}
}

func action(id, subject, taskID string) domain.Item {
	it := domain.NewActionItem(id, subject, "bob")
	it.Action.ExternalTaskID = taskID
	return it
}
