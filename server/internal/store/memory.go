package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/asiaops/asia/pkg/types"
)

// Memory is a thread-safe in-memory Store keyed by run ID. When retention is
// positive, a background goroutine (Run) evicts runs created longer ago than
// retention together with their signals, anomaly result and chat log.
type Memory struct {
	mu        sync.RWMutex
	runs      map[string]*types.Run
	signals   map[string][]types.Signal
	anomalies map[string]types.Diagnosis
	chats     map[string][]types.ChatLog
	retention time.Duration
	now       func() time.Time // injectable for deterministic tests
}

// NewMemory creates a Memory store. A zero retention keeps runs forever.
func NewMemory(retention time.Duration) *Memory {
	return &Memory{
		runs:      make(map[string]*types.Run),
		signals:   make(map[string][]types.Signal),
		anomalies: make(map[string]types.Diagnosis),
		chats:     make(map[string][]types.ChatLog),
		retention: retention,
		now:       time.Now,
	}
}

// CreateRun stores run, replacing any run with the same ID.
func (m *Memory) CreateRun(ctx context.Context, run types.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	m.runs[run.ID] = &run
	return nil
}

// SetStatus updates a run's status and error message.
func (m *Memory) SetStatus(ctx context.Context, runID, status, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	r.Error = errMsg
	r.UpdatedAt = m.now()
	return nil
}

// SaveSignals upserts the run's KPI records, keyed by signal name.
func (m *Memory) SaveSignals(ctx context.Context, runID string, kpis []types.KPIRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[runID]; !ok {
		return ErrNotFound
	}
	existing := m.signals[runID]
	for _, k := range kpis {
		sig := types.Signal{RunID: runID, KPIRecord: k}
		replaced := false
		for i := range existing {
			if existing[i].Key() == sig.Key() {
				existing[i] = sig
				replaced = true
				break
			}
		}
		if !replaced {
			existing = append(existing, sig)
		}
	}
	m.signals[runID] = existing
	return nil
}

// SaveDiagnosis stores the anomaly result and marks its run completed.
func (m *Memory) SaveDiagnosis(ctx context.Context, d types.Diagnosis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[d.RunID]
	if !ok {
		return ErrNotFound
	}
	now := m.now()
	if d.Timestamp.IsZero() {
		d.Timestamp = now
	}
	m.anomalies[d.RunID] = d
	r.Status = types.StatusCompleted
	r.Error = ""
	r.UpdatedAt = now
	return nil
}

// Fetch returns the run with its signals and anomaly result, if any.
func (m *Memory) Fetch(ctx context.Context, runID string) (*types.RunView, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	view := &types.RunView{
		Run:     *r,
		Signals: append([]types.Signal{}, m.signals[runID]...),
	}
	if d, ok := m.anomalies[runID]; ok {
		view.AnomalyResult = &d
	}
	return view, nil
}

// ListRuns returns all runs, newest first.
func (m *Memory) ListRuns(ctx context.Context) ([]types.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Run, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// SaveChat appends one exchange to the run's chat log.
func (m *Memory) SaveChat(ctx context.Context, c types.ChatLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[c.RunID]; !ok {
		return ErrNotFound
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = m.now()
	}
	m.chats[c.RunID] = append(m.chats[c.RunID], c)
	return nil
}

// ChatHistory returns the run's chat log in the order it was recorded.
func (m *Memory) ChatHistory(ctx context.Context, runID string) ([]types.ChatLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.runs[runID]; !ok {
		return nil, ErrNotFound
	}
	return append([]types.ChatLog{}, m.chats[runID]...), nil
}

// Close is a no-op for the memory store.
func (m *Memory) Close() error { return nil }

// Count returns the number of runs currently held.
func (m *Memory) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.runs)
}

// Evict removes runs created before now minus retention, along with their
// dependent documents. It returns the number of runs removed. Evict is a
// no-op when retention is zero.
func (m *Memory) Evict(now time.Time) int {
	if m.retention <= 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-m.retention)
	removed := 0
	for id, r := range m.runs {
		if !r.CreatedAt.After(cutoff) {
			delete(m.runs, id)
			delete(m.signals, id)
			delete(m.anomalies, id)
			delete(m.chats, id)
			removed++
		}
	}
	return removed
}

// Run starts the background retention loop. It ticks at half the retention
// interval (minimum 1 second). Run blocks until ctx is cancelled; with zero
// retention it only waits for cancellation.
func (m *Memory) Run(ctx context.Context) {
	if m.retention <= 0 {
		<-ctx.Done()
		return
	}
	interval := m.retention / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := m.Evict(now); n > 0 {
				slog.Debug("store: evicted expired runs", "count", n)
			}
		}
	}
}
