// Package repository provides the run-log database layer: a durable record
// of simulation runs and a queryable mirror of their per-iteration summary
// rows, kept for monitoring. The archive remains the source of truth; the
// run log is never consulted by the dispatch fabric and never touched by
// workers.
package repository

import (
	"context"

	"github.com/we-ensemble/pkg/model"
)

// RunStatus tracks the lifecycle of a logged run.
type RunStatus string

const (
	// RunStatusRunning marks a run in flight.
	RunStatusRunning RunStatus = "running"
	// RunStatusCompleted marks a run that finished cleanly.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed marks a run that stopped on an error.
	RunStatusFailed RunStatus = "failed"
)

// RunLogRepository defines the interface for run-log operations.
type RunLogRepository interface {
	// CreateRun records the start of a run and returns its id.
	CreateRun(ctx context.Context, archivePath string) (int64, error)

	// FinishRun records a run's terminal status.
	FinishRun(ctx context.Context, runID int64, status RunStatus, info string) error

	// SetCurrentIteration advances the run's iteration watermark.
	SetCurrentIteration(ctx context.Context, runID int64, nIter int64) error

	// GetRun retrieves a run record by id.
	GetRun(ctx context.Context, runID int64) (*Run, error)

	// SaveIterSummary mirrors one iteration summary row for the run,
	// replacing any earlier mirror of the same iteration.
	SaveIterSummary(ctx context.Context, runID int64, summary *model.IterSummary) error

	// GetIterSummaries retrieves the mirrored summary rows of a run in
	// iteration order.
	GetIterSummaries(ctx context.Context, runID int64) ([]*model.IterSummary, error)
}
