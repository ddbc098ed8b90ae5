package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/asiaops/asia/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id            TEXT PRIMARY KEY,
	aircraft_type TEXT NOT NULL,
	subsystem     TEXT NOT NULL,
	status        TEXT NOT NULL,
	raw_uri       TEXT NOT NULL DEFAULT '',
	error         TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS signals (
	key          TEXT PRIMARY KEY,
	run_id       TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	seq          INTEGER NOT NULL,
	signal_name  TEXT NOT NULL,
	metric_type  TEXT NOT NULL,
	mean_value   REAL,
	std_dev      REAL,
	max_value    REAL,
	trend_slope  REAL,
	description  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_signals_run ON signals(run_id, seq);
CREATE TABLE IF NOT EXISTS anomalies (
	run_id             TEXT PRIMARY KEY REFERENCES runs(id) ON DELETE CASCADE,
	severity           TEXT NOT NULL,
	component          TEXT NOT NULL,
	rationale          TEXT NOT NULL,
	recommended_action TEXT NOT NULL,
	timestamp          INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS chat_logs (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id    TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	question  TEXT NOT NULL,
	answer    TEXT NOT NULL,
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_logs_run ON chat_logs(run_id, id);
`

// SQLite is a Store backed by a single SQLite database file.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}
	// One writer connection avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			slog.Debug("store: sqlite pragma failed", "pragma", pragma, "err", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &SQLite{db: db, now: time.Now}, nil
}

// CreateRun stores run, replacing any run with the same ID.
func (s *SQLite) CreateRun(ctx context.Context, run types.Run) error {
	now := s.now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, aircraft_type, subsystem, status, raw_uri, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			aircraft_type = excluded.aircraft_type,
			subsystem     = excluded.subsystem,
			status        = excluded.status,
			raw_uri       = excluded.raw_uri,
			error         = excluded.error,
			created_at    = excluded.created_at,
			updated_at    = excluded.updated_at`,
		run.ID, run.Metadata.AircraftType, run.Metadata.Subsystem, run.Status,
		run.RawURI, run.Error, run.CreatedAt.UnixNano(), now.UnixNano())
	if err != nil {
		return fmt.Errorf("store: create run %s: %w", run.ID, err)
	}
	return nil
}

// SetStatus updates a run's status and error message.
func (s *SQLite) SetStatus(ctx context.Context, runID, status, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, errMsg, s.now().UnixNano(), runID)
	if err != nil {
		return fmt.Errorf("store: set status %s: %w", runID, err)
	}
	return requireRow(res)
}

// SaveSignals upserts the run's KPI records, keyed by signal name.
func (s *SQLite) SaveSignals(ctx context.Context, runID string, kpis []types.KPIRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: save signals %s: %w", runID, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := runExists(ctx, tx, runID); err != nil {
		return err
	}

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq) + 1, 0) FROM signals WHERE run_id = ?`, runID).Scan(&next); err != nil {
		return fmt.Errorf("store: save signals %s: %w", runID, err)
	}

	for _, k := range kpis {
		sig := types.Signal{RunID: runID, KPIRecord: k}
		// Replacing a key keeps its original position in the run.
		_, err := tx.ExecContext(ctx, `
			INSERT INTO signals (key, run_id, seq, signal_name, metric_type,
				mean_value, std_dev, max_value, trend_slope, description)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				metric_type = excluded.metric_type,
				mean_value  = excluded.mean_value,
				std_dev     = excluded.std_dev,
				max_value   = excluded.max_value,
				trend_slope = excluded.trend_slope,
				description = excluded.description`,
			sig.Key(), runID, next, k.SignalName, k.MetricType,
			nullable(k.MeanValue), nullable(k.StdDev), nullable(k.MaxValue), nullable(k.TrendSlope),
			k.Description)
		if err != nil {
			return fmt.Errorf("store: save signal %s: %w", sig.Key(), err)
		}
		next++
	}
	return tx.Commit()
}

// SaveDiagnosis stores the anomaly result and marks its run completed.
func (s *SQLite) SaveDiagnosis(ctx context.Context, d types.Diagnosis) error {
	now := s.now()
	if d.Timestamp.IsZero() {
		d.Timestamp = now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: save diagnosis %s: %w", d.RunID, err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = '', updated_at = ? WHERE id = ?`,
		types.StatusCompleted, now.UnixNano(), d.RunID)
	if err != nil {
		return fmt.Errorf("store: save diagnosis %s: %w", d.RunID, err)
	}
	if err := requireRow(res); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO anomalies (run_id, severity, component, rationale, recommended_action, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			severity           = excluded.severity,
			component          = excluded.component,
			rationale          = excluded.rationale,
			recommended_action = excluded.recommended_action,
			timestamp          = excluded.timestamp`,
		d.RunID, d.Severity, d.Component, d.Rationale, d.RecommendedAction, d.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("store: save diagnosis %s: %w", d.RunID, err)
	}
	return tx.Commit()
}

// Fetch returns the run with its signals and anomaly result, if any.
func (s *SQLite) Fetch(ctx context.Context, runID string) (*types.RunView, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, aircraft_type, subsystem, status, raw_uri, error, created_at, updated_at
		FROM runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: fetch run %s: %w", runID, err)
	}

	view := &types.RunView{Run: run, Signals: []types.Signal{}}

	rows, err := s.db.QueryContext(ctx, `
		SELECT signal_name, metric_type, mean_value, std_dev, max_value, trend_slope, description
		FROM signals WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: fetch signals %s: %w", runID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			k                      types.KPIRecord
			mean, std, maxV, slope sql.NullFloat64
		)
		if err := rows.Scan(&k.SignalName, &k.MetricType, &mean, &std, &maxV, &slope, &k.Description); err != nil {
			return nil, fmt.Errorf("store: scan signal: %w", err)
		}
		k.MeanValue, k.StdDev, k.MaxValue, k.TrendSlope = fromNull(mean), fromNull(std), fromNull(maxV), fromNull(slope)
		view.Signals = append(view.Signals, types.Signal{RunID: runID, KPIRecord: k})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: fetch signals %s: %w", runID, err)
	}

	var (
		d  types.Diagnosis
		ts int64
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT severity, component, rationale, recommended_action, timestamp
		FROM anomalies WHERE run_id = ?`, runID).
		Scan(&d.Severity, &d.Component, &d.Rationale, &d.RecommendedAction, &ts)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("store: fetch anomaly %s: %w", runID, err)
	default:
		d.RunID = runID
		d.Timestamp = time.Unix(0, ts).UTC()
		view.AnomalyResult = &d
	}
	return view, nil
}

// ListRuns returns all runs, newest first.
func (s *SQLite) ListRuns(ctx context.Context) ([]types.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, aircraft_type, subsystem, status, raw_uri, error, created_at, updated_at
		FROM runs ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	defer rows.Close()

	out := []types.Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveChat appends one exchange to the run's chat log.
func (s *SQLite) SaveChat(ctx context.Context, c types.ChatLog) error {
	if c.Timestamp.IsZero() {
		c.Timestamp = s.now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: save chat %s: %w", c.RunID, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := runExists(ctx, tx, c.RunID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chat_logs (run_id, question, answer, timestamp) VALUES (?, ?, ?, ?)`,
		c.RunID, c.Question, c.Answer, c.Timestamp.UnixNano()); err != nil {
		return fmt.Errorf("store: save chat %s: %w", c.RunID, err)
	}
	return tx.Commit()
}

// ChatHistory returns the run's chat log in the order it was recorded.
func (s *SQLite) ChatHistory(ctx context.Context, runID string) ([]types.ChatLog, error) {
	if err := runExists(ctx, s.db, runID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT question, answer, timestamp FROM chat_logs WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: chat history %s: %w", runID, err)
	}
	defer rows.Close()

	out := []types.ChatLog{}
	for rows.Next() {
		c := types.ChatLog{RunID: runID}
		var ts int64
		if err := rows.Scan(&c.Question, &c.Answer, &ts); err != nil {
			return nil, fmt.Errorf("store: scan chat: %w", err)
		}
		c.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLite) Close() error { return s.db.Close() }

// --- helpers ----------------------------------------------------------------

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanRun(sc rowScanner) (types.Run, error) {
	var (
		r                types.Run
		created, updated int64
	)
	err := sc.Scan(&r.ID, &r.Metadata.AircraftType, &r.Metadata.Subsystem, &r.Status,
		&r.RawURI, &r.Error, &created, &updated)
	if err != nil {
		return types.Run{}, err
	}
	r.CreatedAt = time.Unix(0, created).UTC()
	r.UpdatedAt = time.Unix(0, updated).UTC()
	return r, nil
}

func runExists(ctx context.Context, q queryer, runID string) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = ?`, runID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: lookup run %s: %w", runID, err)
	}
	return nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func fromNull(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}
