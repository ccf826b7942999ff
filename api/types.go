package api

import (
	"context"
	"time"

	"minutes-api/domain"
	"minutes-api/engine"
)

// Service is the engine surface exposed over HTTP.
type Service interface {
	GetMinute(ctx context.Context, actor, minuteID string) (*domain.Minute, error)
	CreateMinute(ctx context.Context, actor, seriesID string, date time.Time) (*domain.Minute, error)
	SaveMinute(ctx context.Context, actor, minuteID string, topics []domain.Topic, finalize bool) (*engine.SaveResult, error)
	FinalizeMinute(ctx context.Context, actor, minuteID string) (*engine.FinalizeResult, error)
	ReopenMinute(ctx context.Context, actor, minuteID, reason string) (*domain.Minute, error)
	DeleteMinute(ctx context.Context, actor, minuteID string) (*engine.DeletionReport, error)
	PendingImports(ctx context.Context, actor, seriesID, currentMinuteID string) (*engine.PendingImports, error)
	ApplyImports(ctx context.Context, actor, minuteID string) (*engine.ApplyResult, error)
	ImportTasks(ctx context.Context, actor string, req engine.ImportRequest) (*engine.ImportResult, error)
	SeriesTasks(ctx context.Context, actor, seriesID string, includeClosed bool) ([]domain.Task, error)
	UpdateTaskProgress(ctx context.Context, actor, taskID string, patch engine.TaskPatch) (*domain.Task, error)
	ResolveChains(ctx context.Context, actor string) (*engine.ChainReport, error)
}

// Authenticator is implemented by types able to extract the acting user from
// an Authorization header.
type Authenticator interface {
	ActorFromAuthHeader(string) (string, error)
}

// RunGuard serializes long running admin jobs across instances.
type RunGuard interface {
	Acquire(ctx context.Context, job, holder string) (bool, error)
	Release(ctx context.Context, job, holder string) error
}
