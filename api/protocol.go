package api

import (
	"minutes-api/domain"
	"minutes-api/engine"
)

const maxRequestBodySize = 1 << 20 // 1 MiB

// PUT /api/minutes/:id
type saveMinuteRequest struct {
	Topics   []domain.Topic `json:"topics"`
	Finalize bool           `json:"finalize"`
}

// POST /api/series/:seriesId/minutes
type createMinuteRequest struct {
	Date string `json:"date"`
}

// POST /api/minutes/:id/reopen
type reopenRequest struct {
	Reason string `json:"reason"`
}

// POST /api/series/:seriesId/import-tasks
type importTasksRequest struct {
	SourceSeriesID string   `json:"sourceSeriesId"`
	TaskIDs        []string `json:"taskIds,omitempty"`
}

// PATCH /api/tasks/:id
type taskPatchRequest = engine.TaskPatch

type seriesTasksResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason,omitempty"`
}
