package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/asiaops/asia/pkg/ingest"
	"github.com/asiaops/asia/pkg/kpi"
	"github.com/asiaops/asia/pkg/types"
	"github.com/asiaops/asia/server/internal/blob"
	"github.com/asiaops/asia/server/internal/events"
	"github.com/asiaops/asia/server/internal/store"
)

// Diagnoser produces the structured diagnosis and chat answers.
type Diagnoser interface {
	Diagnose(ctx context.Context, runID string, kpis []types.KPIRecord) (types.Diagnosis, error)
	Answer(ctx context.Context, view *types.RunView, question string) (string, error)
}

// AlertEvaluator is notified of every completed run.
type AlertEvaluator interface {
	Evaluate(view *types.RunView)
}

// Recorder receives pipeline instrumentation.
type Recorder interface {
	ObserveRun(status string, elapsed time.Duration)
	ObserveCompleted(view *types.RunView)
}

// Deps are the collaborators of a Service. Blobs, Store and Diagnoser are
// required; the rest may be nil.
type Deps struct {
	Blobs     blob.Store
	Store     store.Store
	Diagnoser Diagnoser
	Events    events.Publisher
	Alerts    AlertEvaluator
	Metrics   Recorder

	// OnChange is called after a run is created or changes status.
	OnChange func()
}

// Service runs analyses and answers questions about them.
// Service is safe for concurrent use.
type Service struct {
	blobs    blob.Store
	store    store.Store
	diag     Diagnoser
	events   events.Publisher
	alerts   AlertEvaluator
	metrics  Recorder
	onChange func()

	newID func() string
	now   func() time.Time
}

// New returns a Service over d.
func New(d Deps) *Service {
	s := &Service{
		blobs:    d.Blobs,
		store:    d.Store,
		diag:     d.Diagnoser,
		events:   d.Events,
		alerts:   d.Alerts,
		metrics:  d.Metrics,
		onChange: d.OnChange,
		newID:    uuid.NewString,
		now:      time.Now,
	}
	if s.events == nil {
		s.events = events.Nop{}
	}
	return s
}

// Analyze ingests one raw CSV upload and returns the new run ID. The run ID is
// also returned alongside an error when the failure happened after the run
// document was created.
//
// Validation failures are returned as *ingest.ValidationError; any other
// failure is an *OperationError.
func (s *Service) Analyze(ctx context.Context, raw []byte, meta types.RunMetadata) (string, error) {
	start := s.now()
	runID := s.newID()
	log := slog.With("run_id", runID)

	uri, err := s.blobs.Put(ctx, blob.RawKey(runID), raw, "text/csv")
	if err != nil {
		s.observe(types.StatusFailed, start)
		return "", &OperationError{Op: "store raw data", Err: err}
	}

	run := types.Run{
		ID:       runID,
		Metadata: meta.WithDefaults(),
		Status:   types.StatusProcessing,
		RawURI:   uri,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		s.observe(types.StatusFailed, start)
		return "", &OperationError{Op: "create run", Err: err}
	}
	s.changed()
	log.Info("pipeline: run created", "raw_uri", uri, "subsystem", run.Metadata.Subsystem)

	samples, err := ingest.ParseBytes(raw)
	if err != nil {
		return runID, s.fail(ctx, runID, start, err)
	}

	kpis, err := kpi.Extract(samples)
	if errors.Is(err, kpi.ErrNoSamples) {
		return runID, s.fail(ctx, runID, start, &ingest.ValidationError{Reason: "CSV has no data rows"})
	}
	if err != nil {
		return runID, s.fail(ctx, runID, start, &OperationError{Op: "compute kpis", Err: err})
	}

	if err := s.store.SaveSignals(ctx, runID, kpis); err != nil {
		return runID, s.fail(ctx, runID, start, &OperationError{Op: "save signals", Err: err})
	}

	diag, err := s.diag.Diagnose(ctx, runID, kpis)
	if err != nil {
		return runID, s.fail(ctx, runID, start, &OperationError{Op: "diagnose", Err: err})
	}

	if err := s.store.SaveDiagnosis(ctx, diag); err != nil {
		return runID, s.fail(ctx, runID, start, &OperationError{Op: "save diagnosis", Err: err})
	}
	s.changed()

	view, err := s.store.Fetch(ctx, runID)
	if err != nil {
		// The run is stored and completed; only the notifications are lost.
		log.Warn("pipeline: reload completed run", "err", err)
	} else {
		s.completed(ctx, view)
	}

	s.observe(types.StatusCompleted, start)
	log.Info("pipeline: run completed",
		"severity", diag.Severity,
		"elapsed", s.now().Sub(start),
	)
	return runID, nil
}

// Results returns the combined run, signals and anomaly view.
// Unknown runs yield store.ErrNotFound.
func (s *Service) Results(ctx context.Context, runID string) (*types.RunView, error) {
	view, err := s.store.Fetch(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, &OperationError{Op: "fetch results", Err: err}
	}
	return view, nil
}

// Chat answers a question about an analyzed run and records the exchange.
func (s *Service) Chat(ctx context.Context, runID, question string) (string, error) {
	view, err := s.store.Fetch(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrNotAnalyzed
	}
	if err != nil {
		return "", &OperationError{Op: "fetch run", Err: err}
	}
	if view.AnomalyResult == nil {
		return "", ErrNotAnalyzed
	}

	answer, err := s.diag.Answer(ctx, view, question)
	if err != nil {
		return "", &OperationError{Op: "chat", Err: err}
	}

	entry := types.ChatLog{RunID: runID, Question: question, Answer: answer, Timestamp: s.now()}
	if err := s.store.SaveChat(ctx, entry); err != nil {
		slog.Warn("pipeline: chat log not saved", "run_id", runID, "err", err)
	}
	return answer, nil
}

// History returns the chat exchanges recorded for a run.
func (s *Service) History(ctx context.Context, runID string) ([]types.ChatLog, error) {
	logs, err := s.store.ChatHistory(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, &OperationError{Op: "chat history", Err: err}
	}
	return logs, nil
}

// Raw returns the CSV uploaded for a run exactly as it was received. Unknown
// runs, and runs whose raw object is gone, yield store.ErrNotFound.
func (s *Service) Raw(ctx context.Context, runID string) ([]byte, error) {
	if _, err := s.Results(ctx, runID); err != nil {
		return nil, err
	}
	raw, err := s.blobs.Get(ctx, blob.RawKey(runID))
	if errors.Is(err, blob.ErrNotFound) {
		return nil, fmt.Errorf("raw data for run %s: %w", runID, store.ErrNotFound)
	}
	if err != nil {
		return nil, &OperationError{Op: "read raw data", Err: err}
	}
	return raw, nil
}

// Runs lists all runs, newest first.
func (s *Service) Runs(ctx context.Context) ([]types.Run, error) {
	runs, err := s.store.ListRuns(ctx)
	if err != nil {
		return nil, &OperationError{Op: "list runs", Err: err}
	}
	return runs, nil
}

// fail marks the run failed and returns cause. The status update survives
// cancellation of the request context.
func (s *Service) fail(ctx context.Context, runID string, start time.Time, cause error) error {
	if err := s.store.SetStatus(context.WithoutCancel(ctx), runID, types.StatusFailed, cause.Error()); err != nil {
		slog.Error("pipeline: mark run failed", "run_id", runID, "err", err)
	}
	s.changed()
	s.observe(types.StatusFailed, start)
	if s.alerts != nil {
		// Rules such as "status == failed" see the failed run.
		if view, err := s.store.Fetch(context.WithoutCancel(ctx), runID); err == nil {
			s.alerts.Evaluate(view)
		}
	}

	level := slog.LevelError
	if ingest.IsValidation(cause) {
		level = slog.LevelWarn
	}
	slog.Log(ctx, level, "pipeline: run failed", "run_id", runID, "err", cause)
	return cause
}

func (s *Service) completed(ctx context.Context, view *types.RunView) {
	if err := s.events.RunCompleted(ctx, view); err != nil {
		slog.Warn("pipeline: publish run completed", "run_id", view.Run.ID, "err", err)
	}
	if s.alerts != nil {
		s.alerts.Evaluate(view)
	}
	if s.metrics != nil {
		s.metrics.ObserveCompleted(view)
	}
}

func (s *Service) observe(status string, start time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveRun(status, s.now().Sub(start))
	}
}

func (s *Service) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}
