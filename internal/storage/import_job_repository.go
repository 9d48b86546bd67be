package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/heartbeat-ingest/internal/errors"
	"github.com/heartbeat-ingest/internal/models"
	"github.com/heartbeat-ingest/internal/types"
)

const importJobColumns = `id, user_id, status, imported_count, processed_count, request_count,
	start_date, time_taken, error_message, created_at, updated_at`

// ImportJobRepository handles import job persistence
type ImportJobRepository struct {
	db *PostgresDB
}

// NewImportJobRepository creates a new import job repository
func NewImportJobRepository(db *PostgresDB) *ImportJobRepository {
	return &ImportJobRepository{db: db}
}

// Create inserts a running job for userID
func (r *ImportJobRepository) Create(ctx context.Context, userID int64) (*models.ImportJob, error) {
	query := `
		INSERT INTO import_jobs (user_id, status)
		VALUES ($1, $2)
		RETURNING ` + importJobColumns

	job, err := scanImportJob(r.db.Pool().QueryRow(ctx, query, userID, types.ImportStatusRunning))
	if err != nil {
		return nil, fmt.Errorf("failed to create import job: %w", err)
	}
	return job, nil
}

// Complete marks a job completed and records its counters
func (r *ImportJobRepository) Complete(ctx context.Context, jobID int64, stats models.ImportStats) error {
	query := `
		UPDATE import_jobs
		SET status = $2, imported_count = $3, processed_count = $4, request_count = $5,
			start_date = $6, time_taken = $7, updated_at = NOW()
		WHERE id = $1
	`

	tag, err := r.db.Pool().Exec(ctx, query,
		jobID,
		types.ImportStatusCompleted,
		stats.Imported,
		stats.Processed,
		stats.Requests,
		stats.StartDate,
		stats.TimeTaken,
	)
	if err != nil {
		return fmt.Errorf("failed to complete import job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("import job", strconv.FormatInt(jobID, 10))
	}
	return nil
}

// Fail marks a job failed with message
func (r *ImportJobRepository) Fail(ctx context.Context, jobID int64, message string) error {
	query := `
		UPDATE import_jobs
		SET status = $2, error_message = $3, updated_at = NOW()
		WHERE id = $1
	`

	tag, err := r.db.Pool().Exec(ctx, query, jobID, types.ImportStatusFailed, message)
	if err != nil {
		return fmt.Errorf("failed to fail import job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("import job", strconv.FormatInt(jobID, 10))
	}
	return nil
}

// GetByID retrieves an import job by ID
func (r *ImportJobRepository) GetByID(ctx context.Context, jobID int64) (*models.ImportJob, error) {
	query := `SELECT ` + importJobColumns + ` FROM import_jobs WHERE id = $1`

	job, err := scanImportJob(r.db.Pool().QueryRow(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("import job", strconv.FormatInt(jobID, 10))
		}
		return nil, fmt.Errorf("failed to get import job: %w", err)
	}
	return job, nil
}

// GetLatestForUser returns the most recently created job for userID
func (r *ImportJobRepository) GetLatestForUser(ctx context.Context, userID int64) (*models.ImportJob, error) {
	query := `
		SELECT ` + importJobColumns + `
		FROM import_jobs
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`

	job, err := scanImportJob(r.db.Pool().QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("import job for user", strconv.FormatInt(userID, 10))
		}
		return nil, fmt.Errorf("failed to get latest import job: %w", err)
	}
	return job, nil
}

func scanImportJob(row pgx.Row) (*models.ImportJob, error) {
	var job models.ImportJob
	err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.Status,
		&job.ImportedCount,
		&job.ProcessedCount,
		&job.RequestCount,
		&job.StartDate,
		&job.TimeTaken,
		&job.ErrorMessage,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}
