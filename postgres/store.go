// Package postgres stores invoice runs, checkpoints and audit events in
// PostgreSQL using pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/invoiceflow"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBPool is the subset of *pgxpool.Pool the store needs. pgxmock satisfies it
// in tests.
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS invoice_runs (
	seq           BIGSERIAL,
	id            TEXT PRIMARY KEY,
	invoice_id    TEXT NOT NULL,
	status        TEXT NOT NULL,
	current_stage TEXT NOT NULL DEFAULT '',
	state         JSONB NOT NULL,
	retry_count   INTEGER NOT NULL DEFAULT 0,
	error         TEXT NOT NULL DEFAULT '',
	started_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	completed_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_invoice_runs_status ON invoice_runs (status, seq);

CREATE TABLE IF NOT EXISTS invoice_checkpoints (
	seq         BIGSERIAL,
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES invoice_runs (id) ON DELETE CASCADE,
	stage       TEXT NOT NULL,
	state       JSONB NOT NULL,
	reason      TEXT NOT NULL,
	review_url  TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	resolved    BOOLEAN NOT NULL DEFAULT FALSE,
	decision    TEXT NOT NULL DEFAULT '',
	reviewer_id TEXT NOT NULL DEFAULT '',
	notes       TEXT NOT NULL DEFAULT '',
	resolved_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_invoice_checkpoints_pending
	ON invoice_checkpoints (created_at, seq) WHERE resolved = FALSE;

CREATE TABLE IF NOT EXISTS invoice_audit_log (
	seq        BIGSERIAL PRIMARY KEY,
	id         TEXT NOT NULL,
	run_id     TEXT NOT NULL,
	stage_id   TEXT NOT NULL DEFAULT '',
	event_type TEXT NOT NULL,
	message    TEXT NOT NULL,
	details    JSONB,
	actor_type TEXT NOT NULL,
	actor_id   TEXT NOT NULL,
	timestamp  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_invoice_audit_log_run ON invoice_audit_log (run_id, seq);
`

const runColumns = `id, invoice_id, status, current_stage, state, retry_count, error, started_at, updated_at, completed_at`

const checkpointColumns = `id, run_id, stage, state, reason, review_url, created_at, resolved, decision, reviewer_id, notes, resolved_at`

// Options configures a pool-backed store.
type Options struct {
	ConnString string
}

// Store implements invoiceflow.Store on PostgreSQL.
type Store struct {
	pool DBPool
}

var _ invoiceflow.Store = (*Store)(nil)

// New connects to PostgreSQL and returns a store. Call InitSchema before
// first use on an empty database.
func New(ctx context.Context, opts Options) (*Store, error) {
	pool, err := pgxpool.New(ctx, opts.ConnString)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool returns a store that uses an existing pool.
func NewWithPool(pool DBPool) *Store {
	return &Store{pool: pool}
}

// InitSchema creates the tables if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Pool exposes the underlying pool so an audit sink can share it.
func (s *Store) Pool() DBPool {
	return s.pool
}

func (s *Store) CreateRun(ctx context.Context, run *invoiceflow.Run) error {
	state, err := json.Marshal(run.State)
	if err != nil {
		return fmt.Errorf("failed to marshal run state: %w", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO invoice_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.ID, run.InvoiceID, string(run.Status), string(run.CurrentStage), state,
		run.RetryCount, run.Error, run.StartedAt, run.UpdatedAt, nullTime(run.CompletedAt))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
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
	tag, err := s.pool.Exec(ctx, `UPDATE invoice_runs SET
			status = $2, current_stage = $3, state = $4, retry_count = $5,
			error = $6, updated_at = $7, completed_at = $8
		WHERE id = $1`,
		run.ID, string(run.Status), string(run.CurrentStage), state,
		run.RetryCount, run.Error, run.UpdatedAt, nullTime(run.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", run.ID, invoiceflow.ErrRunNotFound)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (*invoiceflow.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM invoice_runs WHERE id = $1`, runID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", runID, invoiceflow.ErrRunNotFound)
		}
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context, opts invoiceflow.ListOptions) ([]*invoiceflow.Run, error) {
	limit, offset := page(opts.Limit, opts.Offset)
	rows, err := s.pool.Query(ctx, `SELECT `+runColumns+` FROM invoice_runs
		WHERE ($1::text = '' OR status = $1::text)
		ORDER BY seq ASC
		LIMIT $2 OFFSET $3`, string(opts.Status), limit, offset)
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run rows: %w", err)
	}
	return runs, nil
}

// DeleteRun removes a run. Its checkpoints go with it through the foreign key.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM invoice_runs WHERE id = $1`, runID); err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	return nil
}

func (s *Store) CreateCheckpoint(ctx context.Context, cp *invoiceflow.Checkpoint) error {
	state, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint state: %w", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO invoice_checkpoints (`+checkpointColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		cp.ID, cp.RunID, string(cp.Stage), state, cp.Reason, cp.ReviewURL, cp.CreatedAt,
		cp.Resolved, string(cp.Decision), cp.ReviewerID, cp.Notes, nullTime(cp.ResolvedAt))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("checkpoint %s already exists", cp.ID)
		}
		return fmt.Errorf("failed to create checkpoint: %w", err)
	}
	return nil
}

// ResolveCheckpoint flips the resolved flag with a conditional update, so only
// one of several concurrent callers sees a row come back.
func (s *Store) ResolveCheckpoint(ctx context.Context, id string, res invoiceflow.Resolution) (*invoiceflow.Checkpoint, error) {
	resolvedAt := res.ResolvedAt
	if resolvedAt.IsZero() {
		resolvedAt = time.Now().UTC()
	}
	row := s.pool.QueryRow(ctx, `UPDATE invoice_checkpoints SET
			resolved = TRUE, decision = $2, reviewer_id = $3, notes = $4, resolved_at = $5
		WHERE id = $1 AND resolved = FALSE
		RETURNING `+checkpointColumns,
		id, string(res.Decision), res.ReviewerID, res.Notes, resolvedAt)
	cp, err := scanCheckpoint(row)
	if err == nil {
		return cp, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to resolve checkpoint: %w", err)
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM invoice_checkpoints WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to resolve checkpoint: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("checkpoint %s: %w", id, invoiceflow.ErrCheckpointNotFound)
	}
	return nil, fmt.Errorf("checkpoint %s: %w", id, invoiceflow.ErrCheckpointAlreadyResolved)
}

func (s *Store) GetCheckpoint(ctx context.Context, id string) (*invoiceflow.Checkpoint, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+checkpointColumns+` FROM invoice_checkpoints WHERE id = $1`, id)
	cp, err := scanCheckpoint(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("checkpoint %s: %w", id, invoiceflow.ErrCheckpointNotFound)
		}
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return cp, nil
}

func (s *Store) ListPendingCheckpoints(ctx context.Context, limit, offset int) ([]*invoiceflow.Checkpoint, error) {
	limit, offset = page(limit, offset)
	rows, err := s.pool.Query(ctx, `SELECT `+checkpointColumns+` FROM invoice_checkpoints
		WHERE resolved = FALSE
		ORDER BY created_at ASC, seq ASC
		LIMIT $1 OFFSET $2`, limit, offset)
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoint rows: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*invoiceflow.Run, error) {
	var (
		run         invoiceflow.Run
		status      string
		stage       string
		state       []byte
		completedAt *time.Time
	)
	err := row.Scan(&run.ID, &run.InvoiceID, &status, &stage, &state,
		&run.RetryCount, &run.Error, &run.StartedAt, &run.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	run.Status = invoiceflow.RunStatus(status)
	run.CurrentStage = invoiceflow.StageID(stage)
	if completedAt != nil {
		run.CompletedAt = completedAt.UTC()
	}
	run.StartedAt = run.StartedAt.UTC()
	run.UpdatedAt = run.UpdatedAt.UTC()
	if err := json.Unmarshal(state, &run.State); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run state: %w", err)
	}
	return &run, nil
}

func scanCheckpoint(row scanner) (*invoiceflow.Checkpoint, error) {
	var (
		cp         invoiceflow.Checkpoint
		stage      string
		decision   string
		state      []byte
		resolvedAt *time.Time
	)
	err := row.Scan(&cp.ID, &cp.RunID, &stage, &state, &cp.Reason, &cp.ReviewURL, &cp.CreatedAt,
		&cp.Resolved, &decision, &cp.ReviewerID, &cp.Notes, &resolvedAt)
	if err != nil {
		return nil, err
	}
	cp.Stage = invoiceflow.StageID(stage)
	cp.Decision = invoiceflow.Decision(decision)
	cp.CreatedAt = cp.CreatedAt.UTC()
	if resolvedAt != nil {
		cp.ResolvedAt = resolvedAt.UTC()
	}
	if err := json.Unmarshal(state, &cp.State); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint state: %w", err)
	}
	return &cp, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
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
