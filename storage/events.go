package storage

import (
	"context"
	"encoding/json"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"golang.org/x/sync/errgroup"

	"minutes-api/domain"
)

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
	DequeueMessage(ctx context.Context, o *azqueue.DequeueMessageOptions) (azqueue.DequeueMessagesResponse, error)
	DeleteMessage(ctx context.Context, messageID string, popReceipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error)
}

// SetQueueConcurrency bounds the number of parallel queue sends.
func (s *Storage) SetQueueConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	s.queueConcurrency = n
}

// EnqueueTaskEvents publishes the events on the task events queue.
func (s *Storage) EnqueueTaskEvents(ctx context.Context, evs []domain.TaskEvent) error {
	if len(evs) == 0 {
		return nil
	}
	payloads := make([]string, len(evs))
	for i, ev := range evs {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		payloads[i] = string(data)
	}
	limit := s.queueConcurrency
	if limit < 1 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, p := range payloads {
		g.Go(func() error {
			_, err := s.eventQueue.EnqueueMessage(gctx, p, nil)
			return err
		})
	}
	return g.Wait()
}

// Dequeue retrieves a single message from the events queue.
func (s *Storage) Dequeue(ctx context.Context) (*azqueue.DequeuedMessage, error) {
	resp, err := s.eventQueue.DequeueMessage(ctx, nil)
	if err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	return resp.Messages[0], nil
}

// Delete removes a processed message from the queue.
func (s *Storage) Delete(ctx context.Context, id, receipt string) error {
	_, err := s.eventQueue.DeleteMessage(ctx, id, receipt, nil)
	return err
}
