package main

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"minutes-api/domain"
)

type messageQueue interface {
	Dequeue(ctx context.Context) (*azqueue.DequeuedMessage, error)
	Delete(ctx context.Context, id, receipt string) error
}

type cacheRefresher interface {
	Refresh(ctx context.Context, seriesID string) ([]domain.Task, error)
	Evict(ctx context.Context, seriesID string)
}

type projector struct {
	queue   messageQueue
	cache   cacheRefresher
	redis   *redis.Client
	channel string
	idle    time.Duration
}

// run drains the queue until ctx ends.
func (p *projector) run(ctx context.Context) {
	for ctx.Err() == nil {
		msg, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Warn("receive failed")
			}
			p.wait(ctx)
			continue
		}
		if msg == nil {
			p.wait(ctx)
			continue
		}
		p.handle(ctx, msg)
	}
}

func (p *projector) wait(ctx context.Context) {
	t := time.NewTimer(p.idle)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (p *projector) handle(ctx context.Context, msg *azqueue.DequeuedMessage) {
	if msg.MessageText != nil {
		var ev domain.TaskEvent
		if err := sonic.UnmarshalString(*msg.MessageText, &ev); err != nil {
			log.WithError(err).Warn("dropping malformed task event")
		} else {
			p.processEvent(ctx, ev, *msg.MessageText)
		}
	}
	if msg.MessageID == nil || msg.PopReceipt == nil {
		return
	}
	if err := p.queue.Delete(ctx, *msg.MessageID, *msg.PopReceipt); err != nil {
		log.WithError(err).WithField("message", *msg.MessageID).Warn("delete failed")
	}
}

// processEvent refreshes the cached task list of the event's series and
// forwards the raw payload to subscribers.
func (p *projector) processEvent(ctx context.Context, ev domain.TaskEvent, payload string) {
	fields := log.Fields{"event": ev.ID, "type": ev.Type, "task": ev.TaskID, "series": ev.SeriesID}
	if ev.SeriesID != "" && p.cache != nil {
		if _, err := p.cache.Refresh(ctx, ev.SeriesID); err != nil {
			log.WithFields(fields).WithError(err).Warn("cache refresh failed, evicting")
			p.cache.Evict(ctx, ev.SeriesID)
		}
	}
	if err := p.redis.Publish(ctx, p.channel, payload).Err(); err != nil {
		log.WithFields(fields).Errorf("Unable to publish task event to %s", p.channel)
		return
	}
	log.WithFields(fields).Debug("task event projected")
}
