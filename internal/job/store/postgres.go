package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/analysis-orchestrator/internal/job/domain"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const schema = `
	CREATE TABLE IF NOT EXISTS analysis_jobs (
		job_id        TEXT PRIMARY KEY,
		file_name     TEXT NOT NULL DEFAULT '',
		operation     TEXT NOT NULL,
		output_type   TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL,
		result_folder TEXT NOT NULL DEFAULT '',
		input_path    TEXT NOT NULL DEFAULT '',
		result        JSON,
		error_message TEXT,
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_analysis_jobs_created_at ON analysis_jobs (created_at DESC, job_id DESC);
	CREATE INDEX IF NOT EXISTS idx_analysis_jobs_status ON analysis_jobs (status);
`

const selectColumns = `
	job_id, file_name, operation, output_type, status,
	result_folder, input_path, result, error_message, created_at, updated_at
`

// jobRow maps the analysis_jobs table
type jobRow struct {
	JobID        string         `db:"job_id"`
	FileName     string         `db:"file_name"`
	Operation    string         `db:"operation"`
	OutputType   string         `db:"output_type"`
	Status       string         `db:"status"`
	ResultFolder string         `db:"result_folder"`
	InputPath    string         `db:"input_path"`
	Result       []byte         `db:"result"`
	ErrorMessage sql.NullString `db:"error_message"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func (r *jobRow) toRecord() *domain.Record {
	rec := &domain.Record{
		ID:           r.JobID,
		FileName:     r.FileName,
		Operation:    r.Operation,
		OutputType:   r.OutputType,
		Status:       domain.Status(r.Status),
		ResultFolder: r.ResultFolder,
		InputPath:    r.InputPath,
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
	if len(r.Result) > 0 {
		rec.Result = append([]byte(nil), r.Result...)
	}
	if r.ErrorMessage.Valid {
		rec.Error = r.ErrorMessage.String
	}
	return rec
}

// PostgresStore keeps job records in PostgreSQL
type PostgresStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

var _ Store = (*PostgresStore)(nil)

// NewPostgres creates a store on an open database handle
func NewPostgres(db *sqlx.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: logger,
	}
}

// EnsureSchema creates the jobs table and indexes if they do not exist
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure job schema: %w", err)
	}
	return nil
}

// Create inserts a new job record
func (s *PostgresStore) Create(ctx context.Context, rec *domain.Record) error {
	query := `
		INSERT INTO analysis_jobs (
			job_id, file_name, operation, output_type, status,
			result_folder, input_path, result, error_message, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11
		)
		ON CONFLICT (job_id) DO NOTHING
	`

	result, err := s.db.ExecContext(
		ctx,
		query,
		rec.ID,
		rec.FileName,
		rec.Operation,
		rec.OutputType,
		string(rec.Status),
		rec.ResultFolder,
		rec.InputPath,
		jsonParam(rec.Result),
		nullString(rec.Error),
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return writeError("create job", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateJob, rec.ID)
	}

	return nil
}

// Get retrieves a job record by its identifier
func (s *PostgresStore) Get(ctx context.Context, id string) (*domain.Record, error) {
	query := `SELECT ` + selectColumns + ` FROM analysis_jobs WHERE job_id = $1`

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return row.toRecord(), nil
}

// Update locks the row, applies mutate and writes the result in one transaction
func (s *PostgresStore) Update(ctx context.Context, id string, mutate Mutation) (*domain.Record, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// no-op after a successful commit
		_ = tx.Rollback()
	}()

	query := `SELECT ` + selectColumns + ` FROM analysis_jobs WHERE job_id = $1 FOR UPDATE`

	var row jobRow
	if err := tx.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to lock job: %w", err)
	}

	rec := row.toRecord()
	if err := mutate(rec); err != nil {
		return nil, err
	}
	rec.ID = id

	update := `
		UPDATE analysis_jobs
		SET file_name = $1,
			operation = $2,
			output_type = $3,
			status = $4,
			result_folder = $5,
			input_path = $6,
			result = $7,
			error_message = $8,
			updated_at = $9
		WHERE job_id = $10
	`

	if _, err := tx.ExecContext(
		ctx,
		update,
		rec.FileName,
		rec.Operation,
		rec.OutputType,
		string(rec.Status),
		rec.ResultFolder,
		rec.InputPath,
		jsonParam(rec.Result),
		nullString(rec.Error),
		rec.UpdatedAt,
		id,
	); err != nil {
		return nil, writeError("update job", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, writeError("commit job update", err)
	}

	s.logger.Debug("Job record updated",
		slog.String("job_id", id),
		slog.String("status", string(rec.Status)),
	)

	return rec, nil
}

// List returns job records newest-first, optionally filtered and paginated
func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*domain.Record, error) {
	query := `SELECT ` + selectColumns + ` FROM analysis_jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}

	if !filter.CreatedBefore.IsZero() {
		query += fmt.Sprintf(" AND created_at < $%d", argIdx)
		args = append(args, filter.CreatedBefore)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, job_id DESC"

	if filter.PageSize > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.PageSize)
	}

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	records := make([]*domain.Record, len(rows))
	for i := range rows {
		records[i] = rows[i].toRecord()
	}
	return records, nil
}

// Delete removes a job record
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM analysis_jobs WHERE job_id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return domain.ErrNotFound
	}

	return nil
}

// Close is a no-op; the connection pool belongs to the postgresql client
func (s *PostgresStore) Close() error {
	return nil
}

// writeError wraps a failed write. Data exceptions (class 22) and integrity
// violations (class 23) are caused by the record and wrap domain.ErrRecordRejected.
func writeError(action string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "22", "23":
			return fmt.Errorf("failed to %s: %w: %w", action, domain.ErrRecordRejected, err)
		}
	}
	return fmt.Errorf("failed to %s: %w", action, err)
}

// jsonParam passes JSON as text so the driver does not encode it as bytea
func jsonParam(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
