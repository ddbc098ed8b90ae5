package store

import (
	"context"
	"errors"

	"github.com/asiaops/asia/pkg/types"
)

// ErrNotFound is returned when no run exists under the requested ID.
var ErrNotFound = errors.New("store: run not found")

// Store is the document store behind the analysis pipeline.
// Implementations are safe for concurrent use.
type Store interface {
	// CreateRun inserts a new run document. An existing ID is overwritten.
	CreateRun(ctx context.Context, run types.Run) error

	// SetStatus updates a run's status and error text.
	SetStatus(ctx context.Context, runID, status, errMsg string) error

	// SaveSignals stores the KPI records for a run. A record whose
	// run_id-signal_name key already exists replaces the previous one.
	SaveSignals(ctx context.Context, runID string, kpis []types.KPIRecord) error

	// SaveDiagnosis stores the anomaly result and marks the run completed.
	SaveDiagnosis(ctx context.Context, d types.Diagnosis) error

	// Fetch returns the combined run, signals and anomaly view.
	Fetch(ctx context.Context, runID string) (*types.RunView, error)

	// ListRuns returns all runs, newest first.
	ListRuns(ctx context.Context) ([]types.Run, error)

	// SaveChat appends a chat exchange to a run's log.
	SaveChat(ctx context.Context, c types.ChatLog) error

	// ChatHistory returns a run's chat exchanges in the order they were saved.
	ChatHistory(ctx context.Context, runID string) ([]types.ChatLog, error)

	Close() error
}
