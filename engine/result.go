package engine

import (
	log "github.com/sirupsen/logrus"

	"minutes-api/domain"
)

// Outcome names what a per-item sync step did to the registry.
type Outcome string

const (
	OutcomeCreated    Outcome = "created"
	OutcomeRecreated  Outcome = "recreated"
	OutcomeUpdated    Outcome = "updated"
	OutcomeUnchanged  Outcome = "unchanged"
	OutcomeSuperseded Outcome = "superseded"
	OutcomeDeleted    Outcome = "deleted"
	OutcomeReleased   Outcome = "released"
	OutcomeReassigned Outcome = "reassigned"
	OutcomeCompleted  Outcome = "completed"
)

// ItemOutcome is the result of one successful step.
type ItemOutcome struct {
	MinuteID string  `json:"minuteId,omitempty"`
	ItemID   string  `json:"itemId,omitempty"`
	TaskID   string  `json:"taskId,omitempty"`
	Outcome  Outcome `json:"outcome"`
}

// ItemFailure records a step that failed without aborting the operation.
type ItemFailure struct {
	Step     string `json:"step"`
	MinuteID string `json:"minuteId,omitempty"`
	ItemID   string `json:"itemId,omitempty"`
	TaskID   string `json:"taskId,omitempty"`
	Reason   string `json:"reason"`
}

func (f ItemFailure) fields() log.Fields {
	return log.Fields{"step": f.Step, "minute": f.MinuteID, "item": f.ItemID, "task": f.TaskID}
}

// SyncSummary aggregates the registry side effects of a minute save.
type SyncSummary struct {
	Succeeded []ItemOutcome `json:"succeeded"`
	Failed    []ItemFailure `json:"failed"`
}

func (s *SyncSummary) ok(o ItemOutcome) { s.Succeeded = append(s.Succeeded, o) }

func (s *SyncSummary) fail(f ItemFailure) { s.Failed = append(s.Failed, f) }

// Count returns how many steps ended with outcome o.
func (s SyncSummary) Count(o Outcome) int {
	n := 0
	for _, r := range s.Succeeded {
		if r.Outcome == o {
			n++
		}
	}
	return n
}

// CascadeSummary reports the origin items closed by a finalization.
type CascadeSummary struct {
	Completed []ItemOutcome `json:"completed"`
	Failed    []ItemFailure `json:"failed"`
}

// SaveResult is returned by SaveMinute.
type SaveResult struct {
	Minute  *domain.Minute  `json:"minute"`
	Sync    SyncSummary     `json:"sync"`
	Cascade *CascadeSummary `json:"cascade,omitempty"`
}

// FinalizeResult is returned by FinalizeMinute.
type FinalizeResult struct {
	Minute  *domain.Minute `json:"minute"`
	Changed bool           `json:"changed"`
	Cascade CascadeSummary `json:"cascade"`
}

// ChainReport holds the counters of a chain resolution run.
type ChainReport struct {
	ChainsFound      int           `json:"chainsFound"`
	TasksCreated     int           `json:"tasksCreated"`
	ItemsUpdated     int           `json:"itemsUpdated"`
	TasksRefreshed   int           `json:"tasksRefreshed"`
	TasksRemoved     int           `json:"tasksRemoved"`
	MinutesReindexed int           `json:"minutesReindexed"`
	Failed           []ItemFailure `json:"failed,omitempty"`
}

// DeletionReport lists what happened to the tasks of a deleted minute.
type DeletionReport struct {
	Deleted    []string      `json:"deleted"`
	Reassigned []string      `json:"reassigned"`
	Kept       []string      `json:"kept"`
	Failed     []ItemFailure `json:"failed,omitempty"`
}

func failure(step, minuteID, itemID, taskID string, err error) ItemFailure {
	return ItemFailure{Step: step, MinuteID: minuteID, ItemID: itemID, TaskID: taskID, Reason: err.Error()}
}

func (e *Engine) logFailures(msg string, failed []ItemFailure) {
	for _, f := range failed {
		e.logger.WithFields(f.fields()).WithField("reason", f.Reason).Warn(msg)
	}
}
