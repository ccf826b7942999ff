// Package engine keeps the action items embedded in meeting minutes consistent
// with the task registry.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"minutes-api/domain"
)

// MinuteStore persists minute documents. Whole documents are written
// atomically; UpdateItem changes one embedded item without clobbering
// concurrent edits to the rest of the document.
type MinuteStore interface {
	GetMinute(ctx context.Context, id string) (*domain.Minute, error)
	SaveMinute(ctx context.Context, m *domain.Minute) error
	DeleteMinute(ctx context.Context, id string) error
	UpdateItem(ctx context.Context, minuteID, itemID string, mutate func(*domain.Item) bool) (bool, error)
	LatestFinalizedMinute(ctx context.Context, seriesID, excludeID string) (*domain.Minute, error)
	FindMinuteByItem(ctx context.Context, itemID string) (*domain.Minute, error)
	MinutesReferencingTask(ctx context.Context, taskID string) ([]string, error)
	ListMinutes(ctx context.Context, fn func(*domain.Minute) error) error
	ReindexMinute(ctx context.Context, m *domain.Minute) error
}

// TaskRegistry stores the canonical task records.
type TaskRegistry interface {
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	CreateTask(ctx context.Context, t domain.Task) error
	UpdateTask(ctx context.Context, t domain.Task) error
	DeleteTask(ctx context.Context, id string) error
	ListSeriesTasks(ctx context.Context, seriesID string) ([]domain.Task, error)
	FindTaskBySource(ctx context.Context, seriesID, sourceTaskID string) (*domain.Task, error)
}

// Authorizer answers whether actor may perform action on a series.
type Authorizer interface {
	Allowed(ctx context.Context, actor string, action domain.Action, seriesID string) bool
}

// Notifier receives task lifecycle events after the registry changed.
type Notifier interface {
	Notify(ctx context.Context, evs ...domain.TaskEvent)
}

type allowAll struct{}

func (allowAll) Allowed(context.Context, string, domain.Action, string) bool { return true }

type discard struct{}

func (discard) Notify(context.Context, ...domain.TaskEvent) {}

// Engine implements the minute/task synchronization operations.
type Engine struct {
	minutes MinuteStore
	tasks   TaskRegistry
	auth    Authorizer
	notify  Notifier
	logger  *log.Logger
	tracer  trace.Tracer
	now     func() time.Time
	newID   func() string
}

// Option configures an Engine.
type Option func(*Engine)

func WithAuthorizer(a Authorizer) Option { return func(e *Engine) { e.auth = a } }

func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notify = n } }

func WithLogger(l *log.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithIDGenerator replaces the random id source used for new tasks and items.
func WithIDGenerator(fn func() string) Option { return func(e *Engine) { e.newID = fn } }

// New creates an Engine over the given stores.
func New(minutes MinuteStore, tasks TaskRegistry, opts ...Option) *Engine {
	if minutes == nil || tasks == nil {
		panic("engine.New: minute store and task registry are required")
	}
	e := &Engine{
		minutes: minutes,
		tasks:   tasks,
		auth:    allowAll{},
		notify:  discard{},
		logger:  log.StandardLogger(),
		tracer:  otel.Tracer("minutes-api/engine"),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) authorize(ctx context.Context, actor string, action domain.Action, seriesID string) error {
	if !e.auth.Allowed(ctx, actor, action, seriesID) {
		return fmt.Errorf("%s %s on series %s: %w", actor, action, seriesID, domain.ErrForbidden)
	}
	return nil
}

func (e *Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "engine."+name, trace.WithAttributes(attrs...))
}

func (e *Engine) emit(ctx context.Context, evs []domain.TaskEvent) {
	if len(evs) == 0 {
		return
	}
	e.notify.Notify(ctx, evs...)
}

// GetMinute returns a minute the actor may read.
func (e *Engine) GetMinute(ctx context.Context, actor, minuteID string) (*domain.Minute, error) {
	m, err := e.minutes.GetMinute(ctx, minuteID)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(ctx, actor, domain.ActionRead, m.SeriesID); err != nil {
		return nil, err
	}
	return m, nil
}

// CreateMinute starts an empty draft minute for a series.
func (e *Engine) CreateMinute(ctx context.Context, actor, seriesID string, date time.Time) (*domain.Minute, error) {
	if seriesID == "" {
		return nil, domain.Invalid("seriesId", "required")
	}
	if date.IsZero() {
		return nil, domain.Invalid("date", "required")
	}
	if err := e.authorize(ctx, actor, domain.ActionCreate, seriesID); err != nil {
		return nil, err
	}
	m := &domain.Minute{ID: e.newID(), SeriesID: seriesID, Date: date.UTC(), Topics: []domain.Topic{}}
	if err := e.minutes.SaveMinute(ctx, m); err != nil {
		return nil, err
	}
	e.logger.WithFields(log.Fields{"minute": m.ID, "series": seriesID, "actor": actor}).Info("minute created")
	return m, nil
}

// SeriesTasks lists the tasks of a series, by default only open and in-progress ones.
func (e *Engine) SeriesTasks(ctx context.Context, actor, seriesID string, includeClosed bool) ([]domain.Task, error) {
	if err := e.authorize(ctx, actor, domain.ActionRead, seriesID); err != nil {
		return nil, err
	}
	tasks, err := e.tasks.ListSeriesTasks(ctx, seriesID)
	if err != nil {
		return nil, err
	}
	if includeClosed {
		return tasks, nil
	}
	out := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Status.Active() {
			out = append(out, t)
		}
	}
	return out, nil
}
