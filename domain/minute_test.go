package domain

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func sampleMinute() Minute {
	a := NewActionItem("a1", "Fix bug")
	a.Action.ExternalTaskID = "t1"
	b := NewActionItem("a2", "Ship")
	b.Action.ExternalTaskID = "t1"
	b.OriginalTaskID = "x0"
	return Minute{
		ID:       "m1",
		SeriesID: "s1",
		Date:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Topics: []Topic{
			{ID: "tp1", Subject: "Ops", Items: []Item{a, NewInfoItem("n1", "fyi")}},
			{ID: "tp2", Subject: "Dev", Items: []Item{b}},
		},
	}
}

func TestMinuteLookups(t *testing.T) {
	m := sampleMinute()
	if got := m.TaskIDs(); len(got) != 1 || got[0] != "t1" {
		t.Fatalf("expected distinct task ids, got %v", got)
	}
	if it := m.Item("a2"); it == nil || it.Subject != "Ship" {
		t.Fatalf("expected to find a2, got %#v", it)
	}
	if it := m.ItemByTask("t1"); it == nil || it.ID != "a1" {
		t.Fatalf("expected first linked item, got %#v", it)
	}
	if _, ok := m.OriginalIDs()["x0"]; !ok {
		t.Fatalf("expected x0 in original ids")
	}
}

func TestMinuteCloneIsDeep(t *testing.T) {
	m := sampleMinute()
	c := m.Clone()
	c.Topics[0].Items[0].Action.Status = StatusCompleted
	if m.Topics[0].Items[0].Action.Status != StatusOpen {
		t.Fatalf("clone shares action details with the original")
	}
}

func TestMinuteFinalizeAndReopen(t *testing.T) {
	m := sampleMinute()
	now := time.Now()
	if !m.Finalize("alice", now) {
		t.Fatalf("expected finalize to change draft")
	}
	if m.Finalize("alice", now) {
		t.Fatalf("expected second finalize to be a no-op")
	}
	if err := m.Reopen("bob", "  ", now); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected reason to be required, got %v", err)
	}
	if err := m.Reopen("bob", "typo", now); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if m.IsFinalized || len(m.ReopeningHistory) != 1 || m.ReopeningHistory[0].Actor != "bob" {
		t.Fatalf("unexpected minute after reopen: %#v", m)
	}
	if err := m.Reopen("bob", "again", now); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict reopening a draft, got %v", err)
	}
}

func TestMinuteAfterTieBreaksOnID(t *testing.T) {
	d := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a := &Minute{ID: "a", Date: d}
	b := &Minute{ID: "b", Date: d}
	if !b.After(a) || a.After(b) {
		t.Fatalf("expected id tie-break")
	}
}

func TestCheckTopicsSize(t *testing.T) {
	small := []Topic{{ID: "t1", Subject: "Ops", Items: []Item{NewInfoItem("i1", "note")}}}
	if err := CheckTopicsSize(small); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	big := []Topic{{ID: "t1", Subject: "Ops", Items: []Item{NewInfoItem("i1", strings.Repeat("x", MaxTopicsRunes))}}}
	if err := CheckTopicsSize(big); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
