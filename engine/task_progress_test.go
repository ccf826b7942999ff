package engine

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minutes-api/domain"
)

func ptr[T any](v T) *T { return &v }

func TestUpdateTaskProgressMirrorsIntoDraft(t *testing.T) {
	st := newFakeStore()
	st.putMinute(draft("m1", "s1", day(1), topic("tp", "Ops", action("a1", "Fix bug", "t1"), action("a2", "Other", "t2"))))
	st.putTask(domain.Task{ID: "t1", Subject: "Fix bug", Status: domain.StatusOpen, MeetingSeriesID: "s1", MinutesID: "m1"})
	e, n := newTestEngine(st)

	task, err := e.UpdateTaskProgress(context.Background(), "bob", "t1", TaskPatch{
		Status:      ptr(domain.StatusCompleted),
		Notes:       ptr("  shipped in 1.2 "),
		ActualHours: ptr(3.5),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, task.Status)
	assert.Equal(t, "shipped in 1.2", task.Notes)
	assert.Equal(t, 3.5, task.ActualHours)
	assert.Equal(t, testNow, task.UpdatedAt)
	assert.Equal(t, 1, n.count(domain.TaskCompleted))

	stored, _ := st.task("t1")
	assert.Equal(t, domain.StatusCompleted, stored.Status)

	it := st.item(t, "m1", "a1")
	assert.Equal(t, domain.StatusCompleted, it.Status())
	assert.Equal(t, "shipped in 1.2", it.Action.Notes)
	assert.Equal(t, "bob", it.Action.CompletedBy)
	assert.Equal(t, domain.StatusOpen, st.item(t, "m1", "a2").Status())
}

func TestUpdateTaskProgressLeavesFinalizedMinute(t *testing.T) {
	st := newFakeStore()
	st.putMinute(finalized("m1", "s1", day(1), topic("tp", "Ops", action("a1", "Fix bug", "t1"))))
	st.putTask(domain.Task{ID: "t1", Status: domain.StatusOpen, MeetingSeriesID: "s1", MinutesID: "m1"})
	e, _ := newTestEngine(st)

	_, err := e.UpdateTaskProgress(context.Background(), "bob", "t1", TaskPatch{Status: ptr(domain.StatusInProgress)})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOpen, st.item(t, "m1", "a1").Status())
	stored, _ := st.task("t1")
	assert.Equal(t, domain.StatusInProgress, stored.Status)
}

func TestUpdateTaskProgressMissingMinuteIsNonFatal(t *testing.T) {
	st := newFakeStore()
	st.putTask(domain.Task{ID: "t1", Status: domain.StatusOpen, MeetingSeriesID: "s1", MinutesID: "gone"})
	e, _ := newTestEngine(st)

	task, err := e.UpdateTaskProgress(context.Background(), "bob", "t1", TaskPatch{Notes: ptr("still going")})
	require.NoError(t, err)
	assert.Equal(t, "still going", task.Notes)
}

func TestUpdateTaskProgressValidation(t *testing.T) {
	st := newFakeStore()
	st.putTask(domain.Task{ID: "t1", Status: domain.StatusOpen, MeetingSeriesID: "s1"})
	e, _ := newTestEngine(st)

	tests := []struct {
		name  string
		patch TaskPatch
		want  error
	}{
		{"unknown status", TaskPatch{Status: ptr(domain.Status("paused"))}, domain.ErrValidation},
		{"negative hours", TaskPatch{ActualHours: ptr(-1.0)}, domain.ErrValidation},
		{"nan hours", TaskPatch{ActualHours: ptr(math.NaN())}, domain.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.UpdateTaskProgress(context.Background(), "bob", "t1", tt.patch)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := e.UpdateTaskProgress(context.Background(), "bob", "missing", TaskPatch{Notes: ptr("x")})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	denied, _ := newTestEngine(st, WithAuthorizer(denyAll{action: domain.ActionUpdate}))
	_, err = denied.UpdateTaskProgress(context.Background(), "mallory", "t1", TaskPatch{Notes: ptr("x")})
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestSeriesTasksFiltersClosed(t *testing.T) {
	st := newFakeStore()
	st.putTask(domain.Task{ID: "t1", Status: domain.StatusOpen, MeetingSeriesID: "s1", CreatedAt: day(1)})
	st.putTask(domain.Task{ID: "t2", Status: domain.StatusCompleted, MeetingSeriesID: "s1", CreatedAt: day(2)})
	e, _ := newTestEngine(st)

	open, err := e.SeriesTasks(context.Background(), "alice", "s1", false)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "t1", open[0].ID)

	all, err := e.SeriesTasks(context.Background(), "alice", "s1", true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
