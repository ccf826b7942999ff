package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"minutes-api/api"
	"minutes-api/config"
	"minutes-api/engine"
	"minutes-api/events"
	"minutes-api/storage"
)

var errBusy = errors.New("chain resolution is already running")

type resolver interface {
	ResolveChains(ctx context.Context, actor string) (*engine.ChainReport, error)
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		actor   string
		timeout time.Duration
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:          "resolve-chains",
		Short:        "Link every carried-over action item chain to a single task",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			config.Debug()
			if actor == "" {
				return errors.New("--actor is required")
			}
			rt, err := wire()
			if err != nil {
				return err
			}
			defer rt.close()

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return run(ctx, rt.engine, rt.guard, actor, cmd.OutOrStdout(), asJSON)
		},
	}
	cmd.Flags().StringVarP(&actor, "actor", "a", os.Getenv("RESOLVER_ACTOR"), "admin user the run is performed as")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "stop after this long, keeping finished chains")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "print the report as JSON")
	return cmd
}

// runtime holds the collaborators of one CLI run.
type runtime struct {
	engine     *engine.Engine
	guard      api.RunGuard
	dispatcher *events.Dispatcher
	redis      *redis.Client
}

// close flushes queued task events before dropping the Redis connection.
func (r *runtime) close() {
	r.dispatcher.Close()
	_ = r.redis.Close()
}

func wire() (*runtime, error) {
	vals, err := config.Require(
		"STORAGE_CONNECTION_STRING",
		"MINUTES_TABLE",
		"TASKS_TABLE",
		"ITEMS_TABLE",
		"TASK_EVENTS_QUEUE",
		"REDIS_CONNECTION_STRING",
	)
	if err != nil {
		return nil, err
	}
	store, err := storage.New(vals[0], storage.Names{
		MinutesTable: vals[1],
		TasksTable:   vals[2],
		ItemsTable:   vals[3],
		EventsQueue:  vals[4],
	})
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	rc := redis.NewClient(storage.RedisOptions(vals[5]))
	cache := storage.NewCache(store, rc, config.Duration("TASKS_CACHE_TTL", 5*time.Minute))
	logger := log.StandardLogger()
	dispatcher := events.NewDispatcher(store, logger, events.ConfigFromEnv())
	eng := engine.New(store, cache,
		engine.WithAuthorizer(api.NewStaticAuthorizer(os.Getenv("ADMIN_USERS"))),
		engine.WithNotifier(dispatcher),
		engine.WithLogger(logger),
	)
	return &runtime{
		engine:     eng,
		guard:      api.NewRedisRunGuard(rc, config.Duration("RESOLVER_LOCK_TTL", 0)),
		dispatcher: dispatcher,
		redis:      rc,
	}, nil
}

// run executes one resolution under the shared run guard and prints the
// report. An interrupted run still prints what it finished.
func run(ctx context.Context, svc resolver, guard api.RunGuard, actor string, out io.Writer, asJSON bool) error {
	holder := actor + "/cli/" + uuid.NewString()
	ok, err := guard.Acquire(ctx, api.ResolveChainsJob, holder)
	if err != nil {
		return fmt.Errorf("run guard: %w", err)
	}
	if !ok {
		return errBusy
	}
	defer func() {
		if err := guard.Release(context.WithoutCancel(ctx), api.ResolveChainsJob, holder); err != nil {
			log.WithError(err).Warn("run guard release failed")
		}
	}()
	defer api.KeepAlive(ctx, guard, api.ResolveChainsJob, holder, log.StandardLogger())()

	report, runErr := svc.ResolveChains(ctx, actor)
	if report != nil {
		if err := printReport(out, report, asJSON); err != nil {
			return err
		}
	}
	return runErr
}

func printReport(out io.Writer, r *engine.ChainReport, asJSON bool) error {
	if asJSON {
		data, err := sonic.ConfigStd.MarshalIndent(r, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	}
	fmt.Fprintf(out, "chains found:    %d\n", r.ChainsFound)
	fmt.Fprintf(out, "tasks created:   %d\n", r.TasksCreated)
	fmt.Fprintf(out, "items updated:   %d\n", r.ItemsUpdated)
	fmt.Fprintf(out, "tasks refreshed: %d\n", r.TasksRefreshed)
	fmt.Fprintf(out, "tasks removed:   %d\n", r.TasksRemoved)
	fmt.Fprintf(out, "reindexed:       %d\n", r.MinutesReindexed)
	fmt.Fprintf(out, "failures:        %d\n", len(r.Failed))
	for _, f := range r.Failed {
		fmt.Fprintf(out, "  %s minute=%s item=%s task=%s: %s\n", f.Step, f.MinuteID, f.ItemID, f.TaskID, f.Reason)
	}
	return nil
}
