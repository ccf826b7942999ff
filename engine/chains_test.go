package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minutes-api/domain"
)

func TestChainRoot(t *testing.T) {
	tests := []struct {
		name    string
		parents map[string]string
		start   string
		want    string
	}{
		{"no parent", map[string]string{"a": ""}, "a", "a"},
		{"linear", map[string]string{"a": "", "b": "a", "c": "b"}, "c", "a"},
		{"missing parent", map[string]string{"b": "ghost", "c": "b"}, "c", "ghost"},
		{"self loop", map[string]string{"a": "a"}, "a", "a"},
		{"two cycle from a", map[string]string{"a": "b", "b": "a"}, "a", "a"},
		{"two cycle from b", map[string]string{"a": "b", "b": "a"}, "b", "a"},
		{"tail into cycle", map[string]string{"x": "c", "c": "d", "d": "e", "e": "c"}, "x", "c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := chainRoot(tt.start, tt.parents, map[string]string{})
			assert.Equal(t, tt.want, got)
		})
	}
}

func chained(id, subject, taskID, parent string) domain.Item {
	it := action(id, subject, taskID)
	it.OriginalTaskID = parent
	return it
}

func TestResolveChainsIsIdempotent(t *testing.T) {
	st := newFakeStore()
	st.putMinute(finalized("m1", "s1", day(1), topic("tp", "Ops", chained("a1", "Fix bug", "", ""))))
	st.putMinute(finalized("m2", "s1", day(2), topic("tp", "Ops", chained("a2", "Fix bug (v2)", "", "a1"))))
	st.putMinute(draft("m3", "s1", day(3), topic("tp", "Ops", chained("a3", "Fix bug (draft)", "", "a2"))))
	e, _ := newTestEngine(st)

	first, err := e.ResolveChains(context.Background(), "admin")
	require.NoError(t, err)
	assert.Equal(t, 1, first.ChainsFound)
	assert.Equal(t, 1, first.TasksCreated)
	assert.Equal(t, 3, first.ItemsUpdated)
	assert.Empty(t, first.Failed)

	task, ok := st.task("id-001")
	require.True(t, ok)
	assert.Equal(t, "Fix bug (v2)", task.Subject, "finalized items outrank drafts")
	assert.Equal(t, "m2", task.MinutesID)
	for _, ref := range []struct{ minute, item string }{{"m1", "a1"}, {"m2", "a2"}, {"m3", "a3"}} {
		assert.Equal(t, "id-001", st.item(t, ref.minute, ref.item).TaskID())
	}

	second, err := e.ResolveChains(context.Background(), "admin")
	require.NoError(t, err)
	assert.Equal(t, 1, second.ChainsFound)
	assert.Equal(t, 0, second.TasksCreated)
	assert.Equal(t, 0, second.ItemsUpdated)
	assert.Equal(t, 0, second.TasksRefreshed)
	assert.Equal(t, 1, st.taskCount())
}

func TestResolveChainsCycleYieldsOneTask(t *testing.T) {
	a := action("a", "Loop", "")
	a.ParentItemID = "b"
	b := action("b", "Loop", "")
	b.ParentItemID = "a"

	st := newFakeStore()
	st.putMinute(draft("m1", "s1", day(1), topic("tp", "Ops", a)))
	st.putMinute(draft("m2", "s1", day(2), topic("tp", "Ops", b, action("c", "Unrelated", ""))))
	e, _ := newTestEngine(st)

	report, err := e.ResolveChains(context.Background(), "admin")
	require.NoError(t, err)
	assert.Equal(t, 2, report.ChainsFound)
	assert.Equal(t, 2, report.TasksCreated)
	assert.Equal(t, st.item(t, "m1", "a").TaskID(), st.item(t, "m2", "b").TaskID())
	assert.NotEqual(t, st.item(t, "m2", "b").TaskID(), st.item(t, "m2", "c").TaskID())
}

func TestResolveChainsReusesExistingTask(t *testing.T) {
	st := newFakeStore()
	st.putMinute(finalized("m1", "s1", day(1), topic("tp", "Ops", chained("a1", "Fix bug", "", ""))))
	st.putMinute(draft("m2", "s1", day(2), topic("tp", "Ops", chained("a2", "Fix bug", "t5", "a1"))))
	st.putTask(domain.Task{ID: "t5", Subject: "Fix bug", Status: domain.StatusOpen, MeetingSeriesID: "s1", MinutesID: "m2", TopicID: "tp", Responsibles: []string{"bob"}})
	e, _ := newTestEngine(st)

	report, err := e.ResolveChains(context.Background(), "admin")
	require.NoError(t, err)
	assert.Equal(t, 0, report.TasksCreated)
	assert.Equal(t, 1, report.ItemsUpdated)
	assert.Equal(t, "t5", st.item(t, "m1", "a1").TaskID())

	task, _ := st.task("t5")
	assert.Equal(t, "m1", task.MinutesID, "the finalized item is canonical")
}

func TestResolveChainsCollapsesDuplicateTasks(t *testing.T) {
	st := newFakeStore()
	st.putMinute(finalized("m1", "s1", day(1), topic("tp", "Ops", chained("a1", "Fix bug", "t1", ""))))
	st.putMinute(finalized("m2", "s1", day(2), topic("tp", "Ops", chained("a2", "Fix bug", "t2", "a1"))))
	st.putTask(domain.Task{ID: "t1", Subject: "Fix bug", Status: domain.StatusOpen, MeetingSeriesID: "s1", MinutesID: "m1"})
	st.putTask(domain.Task{ID: "t2", Subject: "Stale subject", Status: domain.StatusOpen, MeetingSeriesID: "s1", MinutesID: "m2"})
	e, n := newTestEngine(st)

	report, err := e.ResolveChains(context.Background(), "admin")
	require.NoError(t, err)
	assert.Equal(t, 0, report.TasksCreated)
	assert.Equal(t, 1, report.ItemsUpdated)
	assert.Equal(t, 1, report.TasksRefreshed)
	assert.Equal(t, 1, report.TasksRemoved)

	_, exists := st.task("t1")
	assert.False(t, exists)
	kept, _ := st.task("t2")
	assert.Equal(t, "Fix bug", kept.Subject)
	assert.Equal(t, "t2", st.item(t, "m1", "a1").TaskID())
	assert.Equal(t, 1, n.count(domain.TaskDeleted))
}

func TestResolveChainsStopsOnCancellation(t *testing.T) {
	st := newFakeStore()
	st.putMinute(draft("m1", "s1", day(1), topic("tp", "Ops", action("a", "One", ""), action("b", "Two", ""))))
	e, _ := newTestEngine(st)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := e.ResolveChains(ctx, "admin")
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	assert.Equal(t, 2, report.ChainsFound)
	assert.Equal(t, 0, report.TasksCreated)
	assert.Equal(t, 0, st.taskCount())
}

func TestResolveChainsRequiresAdmin(t *testing.T) {
	st := newFakeStore()
	e, _ := newTestEngine(st, WithAuthorizer(denyAll{action: domain.ActionAdmin}))

	_, err := e.ResolveChains(context.Background(), "alice")
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestResolveChainsMergesSplitChainSharingTask(t *testing.T) {
	done := chained("a1", "Fix bug", "T1", "")
	done.Action.Status = domain.StatusCompleted
	st := newFakeStore()
	st.putMinute(finalized("m1", "s1", day(1), topic("tp", "Ops", done)))
	// a2 lived in a minute that no longer exists.
	st.putMinute(draft("m3", "s1", day(3), topic("tp", "Ops", chained("a3", "Fix bug", "T1", "a2"))))
	st.putTask(domain.Task{ID: "T1", Subject: "Fix bug", Status: domain.StatusOpen, MeetingSeriesID: "s1", MinutesID: "m3", TopicID: "tp"})
	e, n := newTestEngine(st)

	first, err := e.ResolveChains(context.Background(), "admin")
	require.NoError(t, err)
	assert.Equal(t, 1, first.ChainsFound, "items linked to one task form one chain")
	assert.Empty(t, first.Failed)

	for run := 0; run < 2; run++ {
		before := n.count(domain.TaskUpdated)
		again, err := e.ResolveChains(context.Background(), "admin")
		require.NoError(t, err)
		assert.Equal(t, 1, again.ChainsFound)
		assert.Equal(t, 0, again.TasksCreated)
		assert.Equal(t, 0, again.ItemsUpdated)
		assert.Equal(t, 0, again.TasksRefreshed)
		assert.Equal(t, before, n.count(domain.TaskUpdated))
	}
	assert.Equal(t, 1, st.taskCount())
}

func TestGroupChainsMergesByTask(t *testing.T) {
	nodes := []chainNode{
		{minuteID: "m1", item: chained("a1", "x", "T1", "")},
		{minuteID: "m1", item: chained("b1", "y", "", "")},
		{minuteID: "m2", item: chained("a3", "x", "T1", "a2")},
		{minuteID: "m2", item: chained("b2", "y", "T2", "b1")},
	}
	for i := range nodes {
		nodes[i].order = i
	}
	chains := groupChains(nodes)
	require.Len(t, chains, 2)
	ids := func(c []chainNode) []string {
		var out []string
		for _, n := range c {
			out = append(out, n.item.ID)
		}
		return out
	}
	assert.Equal(t, []string{"a1", "a3"}, ids(chains[0]))
	assert.Equal(t, []string{"b1", "b2"}, ids(chains[1]))
}

func TestResolveChainsRebuildsItemIndex(t *testing.T) {
	st := newFakeStore()
	st.putMinute(finalized("m1", "s1", day(1), topic("tp", "Ops", chained("a1", "Fix bug", "T1", ""))))
	st.putMinute(draft("m2", "s1", day(2), topic("tp", "Ops", chained("a2", "Fix bug", "T1", "a1"))))
	st.putTask(domain.Task{ID: "T1", Subject: "Fix bug", Status: domain.StatusOpen, MeetingSeriesID: "s1", MinutesID: "m1", TopicID: "tp"})
	st.reindexErr = func(id string) error {
		if id == "m2" {
			return errors.New("index table unavailable")
		}
		return nil
	}
	e, _ := newTestEngine(st)

	report, err := e.ResolveChains(context.Background(), "admin")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, st.reindexed)
	assert.Equal(t, 1, report.MinutesReindexed)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "reindex-minute", report.Failed[0].Step)
	assert.Equal(t, "m2", report.Failed[0].MinuteID)
	assert.Equal(t, 1, report.ChainsFound, "a reindex failure does not stop resolution")
}
