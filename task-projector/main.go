package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"minutes-api/config"
	"minutes-api/storage"
)

func main() {
	config.Debug()
	log.Info("task projector starting")

	vals, err := config.Require(
		"STORAGE_CONNECTION_STRING",
		"MINUTES_TABLE",
		"TASKS_TABLE",
		"ITEMS_TABLE",
		"TASK_EVENTS_QUEUE",
		"REDIS_CONNECTION_STRING",
	)
	if err != nil {
		log.Fatal(err)
	}
	store, err := storage.New(vals[0], storage.Names{
		MinutesTable: vals[1],
		TasksTable:   vals[2],
		ItemsTable:   vals[3],
		EventsQueue:  vals[4],
	})
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	rc := redis.NewClient(storage.RedisOptions(vals[5]))
	defer rc.Close()

	p := &projector{
		queue:   store,
		cache:   storage.NewCache(store, rc, config.Duration("TASKS_CACHE_TTL", 5*time.Minute)),
		redis:   rc,
		channel: config.String("TASKS_CHANNEL", "tasks"),
		idle:    config.Duration("PROJECTOR_IDLE", time.Second),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	p.run(ctx)
	log.Info("task projector stopped")
}
