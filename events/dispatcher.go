// Package events hands task lifecycle events to the queue without holding up
// the request that produced them.
package events

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"minutes-api/config"
	"minutes-api/domain"
)

// Publisher writes events to the task events queue.
type Publisher interface {
	EnqueueTaskEvents(ctx context.Context, evs []domain.TaskEvent) error
}

type job struct {
	evs []domain.TaskEvent
}

// Config sizes the dispatcher.
type Config struct {
	Workers        int
	Buffer         int
	EnqueueTimeout time.Duration
	HandoffTimeout time.Duration
}

// ConfigFromEnv reads EVENTS_WORKERS, EVENTS_BUFFER, EVENTS_TIMEOUT and
// EVENTS_HANDOFF_TIMEOUT.
func ConfigFromEnv() Config {
	return Config{
		Workers:        config.Int("EVENTS_WORKERS", 8),
		Buffer:         config.Int("EVENTS_BUFFER", 1024),
		EnqueueTimeout: config.Duration("EVENTS_TIMEOUT", 30*time.Second),
		HandoffTimeout: config.Duration("EVENTS_HANDOFF_TIMEOUT", 15*time.Millisecond),
	}
}

// Dispatcher publishes events from a fixed pool of workers. When the buffer
// stays full past the handoff timeout the caller publishes inline.
type Dispatcher struct {
	pub    Publisher
	log    *log.Logger
	cfg    Config
	jobs   chan job
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewDispatcher starts the worker pool.
func NewDispatcher(pub Publisher, logger *log.Logger, cfg Config) *Dispatcher {
	if pub == nil {
		panic("events: nil publisher")
	}
	if logger == nil {
		panic("Logger is not initialized")
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Buffer < 0 {
		cfg.Buffer = 0
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 30 * time.Second
	}
	d := &Dispatcher{
		pub:  pub,
		log:  logger,
		cfg:  cfg,
		jobs: make(chan job, cfg.Buffer),
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	logger.Infof("event dispatcher started, workers: %d, buffer: %d, timeout: %v, handoff: %v", cfg.Workers, cfg.Buffer, cfg.EnqueueTimeout, cfg.HandoffTimeout)
	return d
}

// Notify queues the events for publishing. It never returns an error;
// failures are logged.
func (d *Dispatcher) Notify(ctx context.Context, evs ...domain.TaskEvent) {
	if len(evs) == 0 {
		return
	}
	j := job{evs: append([]domain.TaskEvent(nil), evs...)}
	if d.handoff(j) {
		return
	}
	d.log.Warnf("event buffer full, publishing inline, count: %d", len(evs))
	d.send(context.WithoutCancel(ctx), -1, j)
}

// Close stops accepting events and waits for the queued ones to be sent.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for j := range d.jobs {
		d.send(context.Background(), id, j)
	}
}

func (d *Dispatcher) send(ctx context.Context, worker int, j job) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.EnqueueTimeout)
	defer cancel()
	if err := d.pub.EnqueueTaskEvents(ctx, j.evs); err != nil {
		d.log.Errorf("event enqueue failed, err: %v, count: %d, worker: %d", err, len(j.evs), worker)
	}
}

func (d *Dispatcher) handoff(j job) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.jobs <- j:
		return true
	default:
	}
	if d.cfg.HandoffTimeout <= 0 {
		return false
	}
	timer := time.NewTimer(d.cfg.HandoffTimeout)
	defer timer.Stop()
	select {
	case d.jobs <- j:
		return true
	case <-timer.C:
		return false
	}
}
