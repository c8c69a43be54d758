// Package repository persists the import pipeline's own state: saved column
// mapping presets keyed by header fingerprint, and import job rows backing
// asynchronous commits.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/moneta-app/moneta/internal/domain/import/normalizer"
)

var ErrNotFound = errors.New("not found")

// MappingPreset is a remembered column mapping for one bank's export shape.
// Fingerprint is the sniffer's hash of the normalized header set.
type MappingPreset struct {
	ID          uuid.UUID                `json:"id"`
	AccountID   uuid.UUID                `json:"accountId"`
	Fingerprint string                   `json:"fingerprint"`
	Mapping     normalizer.ColumnMapping `json:"mapping"`
	CreatedAt   time.Time                `json:"createdAt"`
	UpdatedAt   time.Time                `json:"updatedAt"`
}

// JobStatus is the lifecycle of an asynchronous commit.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// ImportJob is one persisted commit run. Counters are zero until the job
// finishes; Error is set only on failure.
type ImportJob struct {
	ID                uuid.UUID  `json:"id"`
	AccountID         uuid.UUID  `json:"accountId"`
	Status            JobStatus  `json:"status"`
	Filename          string     `json:"filename"`
	TotalRows         int        `json:"totalRows"`
	Inserted          int        `json:"inserted"`
	Updated           int        `json:"updated"`
	DuplicatesSkipped int        `json:"duplicatesSkipped"`
	ErrorCount        int        `json:"errorCount"`
	Error             string     `json:"error,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	FinishedAt        *time.Time `json:"finishedAt,omitempty"`
}

// Querier is the pgxpool subset this store uses; pgxmock implements it.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is the Postgres implementation.
type Store struct {
	db Querier
}

func NewStore(db Querier) *Store {
	return &Store{db: db}
}

// SaveMappingPreset remembers the mapping used for a header fingerprint so
// the next upload of the same export shape starts pre-mapped.
func (s *Store) SaveMappingPreset(ctx context.Context, accountID uuid.UUID, fingerprint string, mapping normalizer.ColumnMapping) error {
	query := `
		INSERT INTO import_mapping_presets (account_id, fingerprint, mapping)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id, fingerprint) DO UPDATE SET
			mapping = EXCLUDED.mapping,
			updated_at = now()
	`
	if _, err := s.db.Exec(ctx, query, accountID, fingerprint, mapping); err != nil {
		return fmt.Errorf("save mapping preset: %w", err)
	}
	return nil
}

// GetMappingPreset returns the saved mapping for a fingerprint, or
// ErrNotFound when the account has never confirmed one.
func (s *Store) GetMappingPreset(ctx context.Context, accountID uuid.UUID, fingerprint string) (*MappingPreset, error) {
	query := `
		SELECT id, account_id, fingerprint, mapping, created_at, updated_at
		FROM import_mapping_presets
		WHERE account_id = $1 AND fingerprint = $2
	`

	var p MappingPreset
	err := s.db.QueryRow(ctx, query, accountID, fingerprint).Scan(
		&p.ID, &p.AccountID, &p.Fingerprint, &p.Mapping, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get mapping preset: %w", err)
	}
	return &p, nil
}

// CreateJob records a queued commit and returns its identity for polling.
func (s *Store) CreateJob(ctx context.Context, accountID uuid.UUID, filename string, totalRows int) (*ImportJob, error) {
	query := `
		INSERT INTO import_jobs (account_id, status, filename, total_rows)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`

	job := &ImportJob{
		AccountID: accountID,
		Status:    JobQueued,
		Filename:  filename,
		TotalRows: totalRows,
	}
	err := s.db.QueryRow(ctx, query, accountID, JobQueued, filename, totalRows).
		Scan(&job.ID, &job.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create import job: %w", err)
	}
	return job, nil
}

// MarkRunning flips a queued job to running.
func (s *Store) MarkRunning(ctx context.Context, id uuid.UUID) error {
	return s.setStatus(ctx, id, `UPDATE import_jobs SET status = $2 WHERE id = $1 AND status = $3`,
		JobRunning, JobQueued)
}

func (s *Store) setStatus(ctx context.Context, id uuid.UUID, query string, args ...any) error {
	allArgs := append([]any{id}, args...)
	tag, err := s.db.Exec(ctx, query, allArgs...)
	if err != nil {
		return fmt.Errorf("update import job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkSucceeded stores the final commit summary on the job.
func (s *Store) MarkSucceeded(ctx context.Context, id uuid.UUID, inserted, updated, duplicatesSkipped, errorCount int) error {
	query := `
		UPDATE import_jobs SET
			status = $2,
			inserted = $3,
			updated = $4,
			duplicates_skipped = $5,
			error_count = $6,
			finished_at = now()
		WHERE id = $1
	`
	return s.setStatus(ctx, id, query, JobSucceeded, inserted, updated, duplicatesSkipped, errorCount)
}

// MarkFailed stores the failure reason.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	query := `
		UPDATE import_jobs SET status = $2, error = $3, finished_at = now()
		WHERE id = $1
	`
	return s.setStatus(ctx, id, query, JobFailed, reason)
}

// GetJob loads a job scoped to its owning account.
func (s *Store) GetJob(ctx context.Context, accountID, id uuid.UUID) (*ImportJob, error) {
	query := `
		SELECT id, account_id, status, filename, total_rows, inserted, updated,
		       duplicates_skipped, error_count, COALESCE(error, ''),
		       created_at, finished_at
		FROM import_jobs
		WHERE id = $1 AND account_id = $2
	`

	var job ImportJob
	err := s.db.QueryRow(ctx, query, id, accountID).Scan(
		&job.ID, &job.AccountID, &job.Status, &job.Filename, &job.TotalRows,
		&job.Inserted, &job.Updated, &job.DuplicatesSkipped, &job.ErrorCount,
		&job.Error, &job.CreatedAt, &job.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get import job: %w", err)
	}
	return &job, nil
}
