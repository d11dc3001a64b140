// Package sqldb is the SQL-backed run store. It supports SQLite for
// single-machine deployments and PostgreSQL for shared ones, selected
// through the dialect layer.
package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/stagehand-ci/stagehand/internal/core/domain"
	"github.com/stagehand-ci/stagehand/internal/core/ports"
	"github.com/stagehand-ci/stagehand/internal/storage/dialect"
)

// Store persists run reports. It implements ports.RunStore.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
}

var _ ports.RunStore = (*Store)(nil)

// Config holds database connection configuration.
type Config struct {
	Driver string // sqlite or postgres
	DSN    string
}

// New opens the database, applies dialect initialization, and creates
// the schema if needed.
func New(cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &Store{db: db, dialect: d}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// NewSQLite opens a SQLite-backed store at the given path.
func NewSQLite(path string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: path})
}

func (s *Store) initSchema() error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS runs (
id TEXT PRIMARY KEY,
pipeline TEXT NOT NULL,
status TEXT NOT NULL,
report %s NOT NULL,
started_at %s NOT NULL,
duration_ns BIGINT NOT NULL DEFAULT 0
)`, s.dialect.TextType(), s.dialect.TimestampType()),
		`CREATE INDEX IF NOT EXISTS idx_runs_pipeline ON runs(pipeline, started_at)`,
		`CREATE TABLE IF NOT EXISTS step_results (
run_id TEXT NOT NULL,
stage TEXT NOT NULL,
step TEXT NOT NULL,
status TEXT NOT NULL,
attempts INTEGER NOT NULL,
exit_code INTEGER NOT NULL,
duration_ns BIGINT NOT NULL,
log_ref TEXT,
reason TEXT,
FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
)`,
		`CREATE INDEX IF NOT EXISTS idx_step_results_run ON step_results(run_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// SaveRun persists a report, replacing any previous record for the
// same run id so in-flight runs can be saved repeatedly as they
// progress.
func (s *Store) SaveRun(ctx context.Context, report *domain.RunReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := s.dialect.Rebind(fmt.Sprintf(
		`INSERT INTO runs (id, pipeline, status, report, started_at, duration_ns)
VALUES (?, ?, ?, ?, ?, ?) %s`,
		s.dialect.UpsertClause("id", []string{"status", "report", "duration_ns"})))
	if _, err := tx.ExecContext(ctx, query,
		report.RunID, report.Pipeline, string(report.Status),
		string(payload), report.StartedAt, report.Duration.Nanoseconds()); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		s.dialect.Rebind(`DELETE FROM step_results WHERE run_id = ?`), report.RunID); err != nil {
		return fmt.Errorf("clear step results: %w", err)
	}

	insert := s.dialect.Rebind(`INSERT INTO step_results
(run_id, stage, step, status, attempts, exit_code, duration_ns, log_ref, reason)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for _, sr := range flattenSteps(report) {
		if _, err := tx.ExecContext(ctx, insert,
			report.RunID, sr.Stage, sr.Step, string(sr.Status), sr.Attempts,
			sr.ExitCode, sr.Duration.Nanoseconds(), sr.LogRef, sr.Reason); err != nil {
			return fmt.Errorf("insert step result: %w", err)
		}
	}

	return tx.Commit()
}

// GetRun retrieves a run report by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*domain.RunReport, error) {
	var payload string
	err := s.db.GetContext(ctx, &payload,
		s.dialect.Rebind(`SELECT report FROM runs WHERE id = ?`), runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}

	var report domain.RunReport
	if err := json.Unmarshal([]byte(payload), &report); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}
	return &report, nil
}

// ListRuns returns the most recent runs of a pipeline, newest first.
// An empty pipeline name lists runs across all pipelines.
func (s *Store) ListRuns(ctx context.Context, pipeline string, limit int) ([]*domain.RunReport, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT report FROM runs`
	args := []any{}
	if pipeline != "" {
		query += ` WHERE pipeline = ?`
		args = append(args, pipeline)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	var payloads []string
	if err := s.db.SelectContext(ctx, &payloads, s.dialect.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}

	reports := make([]*domain.RunReport, 0, len(payloads))
	for _, p := range payloads {
		var report domain.RunReport
		if err := json.Unmarshal([]byte(p), &report); err != nil {
			return nil, fmt.Errorf("unmarshal report: %w", err)
		}
		reports = append(reports, &report)
	}
	return reports, nil
}

// ApplyRetention keeps the newest keep runs of a pipeline, deletes the
// rest, and returns the purged run ids so callers can drop the
// matching archives. A keep of zero or less disables purging.
func (s *Store) ApplyRetention(ctx context.Context, pipeline string, keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}

	// SQLite needs LIMIT -1 to use OFFSET; Postgres takes a bare OFFSET.
	query := `SELECT id FROM runs WHERE pipeline = ? ORDER BY started_at DESC LIMIT -1 OFFSET ?`
	if s.dialect.Name() == "postgres" {
		query = `SELECT id FROM runs WHERE pipeline = ? ORDER BY started_at DESC OFFSET ?`
	}

	var ids []string
	if err := s.db.SelectContext(ctx, &ids, s.dialect.Rebind(query), pipeline, keep); err != nil {
		return nil, fmt.Errorf("query runs beyond retention: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			s.dialect.Rebind(`DELETE FROM step_results WHERE run_id = ?`), id); err != nil {
			return nil, fmt.Errorf("delete step results: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			s.dialect.Rebind(`DELETE FROM runs WHERE id = ?`), id); err != nil {
			return nil, fmt.Errorf("delete run: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// flattenSteps walks a report's stage tree and returns every step and
// hook result for the queryable step_results table.
func flattenSteps(report *domain.RunReport) []domain.StepResult {
	var out []domain.StepResult
	var walk func(sr domain.StageResult)
	walk = func(sr domain.StageResult) {
		out = append(out, sr.Steps...)
		out = append(out, sr.Hooks...)
		for _, b := range sr.Branches {
			walk(b)
		}
	}
	for _, sr := range report.Stages {
		walk(sr)
	}
	return out
}
