package main

import (
	"os"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"minutes-api/api"
	"minutes-api/config"
	"minutes-api/engine"
	"minutes-api/events"
	"minutes-api/storage"
)

func main() {
	config.Debug()
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
	store.SetQueueConcurrency(config.Int("EVENTS_QUEUE_CONCURRENCY", 4))

	rc := redis.NewClient(storage.RedisOptions(vals[5]))
	cache := storage.NewCache(store, rc, config.Duration("TASKS_CACHE_TTL", 5*time.Minute))

	logger := log.New()
	if log.IsLevelEnabled(log.DebugLevel) {
		logger.SetLevel(log.DebugLevel)
	}

	dispatcher := events.NewDispatcher(store, logger, events.ConfigFromEnv())
	defer dispatcher.Close()

	eng := engine.New(store, cache,
		engine.WithAuthorizer(api.NewStaticAuthorizer(os.Getenv("ADMIN_USERS"))),
		engine.WithNotifier(dispatcher),
		engine.WithLogger(logger),
	)

	authCfg, err := api.AuthConfigFromEnv()
	if err != nil {
		log.Fatal(err)
	}
	var jwks *keyfunc.JWKS
	if len(authCfg.SharedSecret) == 0 {
		jwks, err = keyfunc.Get(authCfg.JWKSURL(), keyfunc.Options{})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
	}
	auth := api.NewAuth(jwks, authCfg)
	guard := api.NewRedisRunGuard(rc, config.Duration("RESOLVER_LOCK_TTL", 0))

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderContentEncoding},
	}))
	api.Register(e, eng, auth, guard, logger)

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		listenAddr = ":" + val
	}
	e.Logger.Fatal(e.Start(listenAddr))
}
