// Package sqlite stores invoice runs, checkpoints and audit events in a local
// SQLite database through the pure Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deepnoodle-ai/invoiceflow"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS invoice_runs (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	id            TEXT NOT NULL UNIQUE,
	invoice_id    TEXT NOT NULL,
	status        TEXT NOT NULL,
	current_stage TEXT NOT NULL DEFAULT '',
	state         TEXT NOT NULL,
	retry_count   INTEGER NOT NULL DEFAULT 0,
	error         TEXT NOT NULL DEFAULT '',
	started_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL,
	completed_at  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_invoice_runs_status ON invoice_runs (status, seq);

CREATE TABLE IF NOT EXISTS invoice_checkpoints (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL UNIQUE,
	run_id      TEXT NOT NULL,
	stage       TEXT NOT NULL,
	state       TEXT NOT NULL,
	reason      TEXT NOT NULL,
	review_url  TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL,
	resolved    INTEGER NOT NULL DEFAULT 0,
	decision    TEXT NOT NULL DEFAULT '',
	reviewer_id TEXT NOT NULL DEFAULT '',
	notes       TEXT NOT NULL DEFAULT '',
	resolved_at TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_invoice_checkpoints_pending ON invoice_checkpoints (resolved, created_at, seq);

CREATE TABLE IF NOT EXISTS invoice_audit_log (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL,
	run_id     TEXT NOT NULL,
	stage_id   TEXT NOT NULL DEFAULT '',
	event_type TEXT NOT NULL,
	message    TEXT NOT NULL,
	details    TEXT NOT NULL DEFAULT '',
	actor_type TEXT NOT NULL,
	actor_id   TEXT NOT NULL,
	timestamp  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_invoice_audit_log_run ON invoice_audit_log (run_id, seq);
`

const runColumns = `id, invoice_id, status, current_stage, state, retry_count, error, started_at, updated_at, completed_at`

const checkpointColumns = `id, run_id, stage, state, reason, review_url, created_at, resolved, decision, reviewer_id, notes, resolved_at`

// Options configures the database file.
type Options struct {
	// Path is the database file. ":memory:" opens a private in-memory database.
	Path string
}

// Store implements invoiceflow.Store on SQLite.
type Store struct {
	db *sql.DB
}

var _ invoiceflow.Store = (*Store)(nil)

// New opens the database and creates the schema.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, errors.New("sqlite: path is required")
	}
	dsn := opts.Path
	if dsn != ":memory:" {
		dsn = "file:" + opts.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.InitSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// InitSchema creates the tables if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle so an audit sink can share it.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) CreateRun(ctx context.Context, run *invoiceflow.Run) error {
	state, err := json.Marshal(run.State)
	if err != nil {
		return fmt.Errorf("failed to marshal run state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO invoice_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.InvoiceID, string(run.Status), string(run.CurrentStage), string(state),
		run.RetryCount, run.Error, formatTime(run.StartedAt), formatTime(run.UpdatedAt), formatTime(run.CompletedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("run %s already exists", run.ID)
		}
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func (s *Store) UpdateRun(ctx context.Context, run *invoiceflow.Run) error {
	state, err := json.Marshal(run.State)
	if err != nil {
		return fmt.Errorf("failed to marshal run state: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `UPDATE invoice_runs SET
			status = ?, current_stage = ?, state = ?, retry_count = ?,
			error = ?, updated_at = ?, completed_at = ?
		WHERE id = ?`,
		string(run.Status), string(run.CurrentStage), string(state), run.RetryCount,
		run.Error, formatTime(run.UpdatedAt), formatTime(run.CompletedAt), run.ID)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s: %w", run.ID, invoiceflow.ErrRunNotFound)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (*invoiceflow.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM invoice_runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", runID, invoiceflow.ErrRunNotFound)
		}
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context, opts invoiceflow.ListOptions) ([]*invoiceflow.Run, error) {
	limit, offset := page(opts.Limit, opts.Offset)
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM invoice_runs
		WHERE (? = '' OR status = ?)
		ORDER BY seq ASC
		LIMIT ? OFFSET ?`, string(opts.Status), string(opts.Status), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*invoiceflow.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM invoice_checkpoints WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM invoice_runs WHERE id = ?`, runID); err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	return tx.Commit()
}

func (s *Store) CreateCheckpoint(ctx context.Context, cp *invoiceflow.Checkpoint) error {
	state, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO invoice_checkpoints (`+checkpointColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.RunID, string(cp.Stage), string(state), cp.Reason, cp.ReviewURL, formatTime(cp.CreatedAt),
		cp.Resolved, string(cp.Decision), cp.ReviewerID, cp.Notes, formatTime(cp.ResolvedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("checkpoint %s already exists", cp.ID)
		}
		return fmt.Errorf("failed to create checkpoint: %w", err)
	}
	return nil
}

// ResolveCheckpoint updates the row only while it is unresolved; the affected
// row count tells the winner apart from late callers.
func (s *Store) ResolveCheckpoint(ctx context.Context, id string, res invoiceflow.Resolution) (*invoiceflow.Checkpoint, error) {
	resolvedAt := res.ResolvedAt
	if resolvedAt.IsZero() {
		resolvedAt = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx, `UPDATE invoice_checkpoints SET
			resolved = 1, decision = ?, reviewer_id = ?, notes = ?, resolved_at = ?
		WHERE id = ? AND resolved = 0`,
		string(res.Decision), res.ReviewerID, res.Notes, formatTime(resolvedAt), id)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve checkpoint: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve checkpoint: %w", err)
	}
	cp, err := s.GetCheckpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("checkpoint %s: %w", id, invoiceflow.ErrCheckpointAlreadyResolved)
	}
	return cp, nil
}

func (s *Store) GetCheckpoint(ctx context.Context, id string) (*invoiceflow.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+checkpointColumns+` FROM invoice_checkpoints WHERE id = ?`, id)
	cp, err := scanCheckpoint(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("checkpoint %s: %w", id, invoiceflow.ErrCheckpointNotFound)
		}
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return cp, nil
}

func (s *Store) ListPendingCheckpoints(ctx context.Context, limit, offset int) ([]*invoiceflow.Checkpoint, error) {
	limit, offset = page(limit, offset)
	rows, err := s.db.QueryContext(ctx, `SELECT `+checkpointColumns+` FROM invoice_checkpoints
		WHERE resolved = 0
		ORDER BY created_at ASC, seq ASC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	out := []*invoiceflow.Checkpoint{}
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*invoiceflow.Run, error) {
	var (
		run                         invoiceflow.Run
		status, stage, state        string
		started, updated, completed string
	)
	err := row.Scan(&run.ID, &run.InvoiceID, &status, &stage, &state,
		&run.RetryCount, &run.Error, &started, &updated, &completed)
	if err != nil {
		return nil, err
	}
	run.Status = invoiceflow.RunStatus(status)
	run.CurrentStage = invoiceflow.StageID(stage)
	if run.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if run.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if run.CompletedAt, err = parseTime(completed); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(state), &run.State); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run state: %w", err)
	}
	return &run, nil
}

func scanCheckpoint(row scanner) (*invoiceflow.Checkpoint, error) {
	var (
		cp                     invoiceflow.Checkpoint
		stage, state, decision string
		created, resolvedAt    string
	)
	err := row.Scan(&cp.ID, &cp.RunID, &stage, &state, &cp.Reason, &cp.ReviewURL, &created,
		&cp.Resolved, &decision, &cp.ReviewerID, &cp.Notes, &resolvedAt)
	if err != nil {
		return nil, err
	}
	cp.Stage = invoiceflow.StageID(stage)
	cp.Decision = invoiceflow.Decision(decision)
	if cp.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if cp.ResolvedAt, err = parseTime(resolvedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(state), &cp.State); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint state: %w", err)
	}
	return &cp, nil
}

// Timestamps are stored as fixed-width UTC text so they sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func page(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = invoiceflow.DefaultPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
