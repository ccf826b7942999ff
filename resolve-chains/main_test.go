package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minutes-api/api"
	"minutes-api/engine"
)

type fakeResolver struct {
	report *engine.ChainReport
	err    error
	actor  string
}

func (f *fakeResolver) ResolveChains(_ context.Context, actor string) (*engine.ChainReport, error) {
	f.actor = actor
	return f.report, f.err
}

func newGuard(t *testing.T) (*api.RedisRunGuard, *miniredis.Miniredis) {
	t.Helper()
	m, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(m.Close)
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	return api.NewRedisRunGuard(rc, time.Minute), m
}

func TestRunPrintsReport(t *testing.T) {
	guard, m := newGuard(t)
	svc := &fakeResolver{report: &engine.ChainReport{
		ChainsFound:  2,
		TasksCreated: 1,
		Failed:       []engine.ItemFailure{{Step: "update-item", MinuteID: "m1", ItemID: "a1", Reason: "boom"}},
	}}
	var out bytes.Buffer

	require.NoError(t, run(context.Background(), svc, guard, "root", &out, false))

	assert.Equal(t, "root", svc.actor)
	assert.Contains(t, out.String(), "chains found:    2")
	assert.Contains(t, out.String(), "update-item minute=m1 item=a1 task=: boom")
	assert.False(t, m.Exists("run-guard:"+api.ResolveChainsJob), "lock must be released")
}

func TestRunJSON(t *testing.T) {
	guard, _ := newGuard(t)
	svc := &fakeResolver{report: &engine.ChainReport{ChainsFound: 3}}
	var out bytes.Buffer

	require.NoError(t, run(context.Background(), svc, guard, "root", &out, true))
	assert.True(t, strings.Contains(out.String(), `"chainsFound": 3`), out.String())
}

func TestRunRefusesWhileLocked(t *testing.T) {
	guard, _ := newGuard(t)
	ok, err := guard.Acquire(context.Background(), api.ResolveChainsJob, "other")
	require.NoError(t, err)
	require.True(t, ok)

	svc := &fakeResolver{report: &engine.ChainReport{}}
	err = run(context.Background(), svc, guard, "root", &bytes.Buffer{}, false)
	assert.ErrorIs(t, err, errBusy)
	assert.Empty(t, svc.actor, "resolver must not run")
}

func TestRunReportsPartialProgress(t *testing.T) {
	guard, _ := newGuard(t)
	svc := &fakeResolver{report: &engine.ChainReport{ChainsFound: 5, ItemsUpdated: 2}, err: context.DeadlineExceeded}
	var out bytes.Buffer

	err := run(context.Background(), svc, guard, "root", &out, false)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, out.String(), "items updated:   2")
}

func TestRootCmdRequiresActor(t *testing.T) {
	t.Setenv("RESOLVER_ACTOR", "")
	cmd := rootCmd()
	cmd.SetArgs(nil)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--actor")
}

const devStorage = "DefaultEndpointsProtocol=http;AccountName=devstoreaccount1;" +
	"AccountKey=Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw==;" +
	"TableEndpoint=http://127.0.0.1:10002/devstoreaccount1;QueueEndpoint=http://127.0.0.1:10001/devstoreaccount1;"

func TestWirePublishesTaskEvents(t *testing.T) {
	m, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(m.Close)
	t.Setenv("STORAGE_CONNECTION_STRING", devStorage)
	t.Setenv("MINUTES_TABLE", "minutes")
	t.Setenv("TASKS_TABLE", "tasks")
	t.Setenv("ITEMS_TABLE", "minuteitems")
	t.Setenv("TASK_EVENTS_QUEUE", "task-events")
	t.Setenv("REDIS_CONNECTION_STRING", "redis://"+m.Addr())

	rt, err := wire()
	require.NoError(t, err)
	require.NotNil(t, rt.engine)
	require.NotNil(t, rt.dispatcher, "task events must not be discarded")

	rt.close()
	rt.dispatcher.Close()
	assert.Error(t, rt.redis.Ping(context.Background()).Err(), "redis client must be closed")
}
