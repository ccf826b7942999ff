package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

var errRunInProgress = errors.New("a run is already in progress")

// RedisRunGuard makes sure only one instance runs a named job at a time. The
// lock expires after ttl so a crashed holder does not block forever; a live
// holder keeps it with KeepAlive.
type RedisRunGuard struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisRunGuard creates a guard using the provided Redis client and TTL.
func NewRedisRunGuard(client *redis.Client, ttl time.Duration) *RedisRunGuard {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisRunGuard{client: client, ttl: ttl, prefix: "run-guard:"}
}

// Acquire records the holder for job if nobody holds it. It returns false when
// another run is active.
func (g *RedisRunGuard) Acquire(ctx context.Context, job, holder string) (bool, error) {
	return g.client.SetNX(ctx, g.prefix+job, holder, g.ttl).Result()
}

// Release frees the job lock when it is still held by holder.
func (g *RedisRunGuard) Release(ctx context.Context, job, holder string) error {
	key := g.prefix + job
	return g.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if cur != holder {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, key)
			return nil
		})
		return err
	}, key)
}

// Extend pushes the lock expiry out by another ttl while holder still owns it.
// It returns false when the lock expired or was taken over.
func (g *RedisRunGuard) Extend(ctx context.Context, job, holder string) (bool, error) {
	key := g.prefix + job
	var held bool
	err := g.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if cur != holder {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.PExpire(ctx, key, g.ttl)
			return nil
		})
		held = err == nil
		return err
	}, key)
	return held, err
}

// TTL is the lock lifetime granted by Acquire and Extend.
func (g *RedisRunGuard) TTL() time.Duration {
	return g.ttl
}

type renewer interface {
	Extend(ctx context.Context, job, holder string) (bool, error)
	TTL() time.Duration
}

// KeepAlive extends the job lock every third of its TTL until the returned
// stop func is called. Guards that cannot be extended get a no-op.
func KeepAlive(ctx context.Context, guard RunGuard, job, holder string, logger log.FieldLogger) (stop func()) {
	r, ok := guard.(renewer)
	if !ok || r.TTL() <= 0 {
		return func() {}
	}
	every := r.TTL() / 3
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				held, err := r.Extend(context.WithoutCancel(ctx), job, holder)
				switch {
				case err != nil:
					logger.WithError(err).WithField("job", job).Warn("run guard extend failed")
				case !held:
					logger.WithField("job", job).Warn("run guard lost, another run may start")
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-finished
		})
	}
}
