// Package transactions owns persisted transaction records and the repository
// the import pipeline writes through. The upsert is keyed by
// (account_id, content_hash), which is what makes re-importing the same
// statement file a safe no-op.
package transactions

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// Record is one persisted transaction. Amount is a non-negative magnitude;
// Kind carries the sign. ContentHash is empty only for rows written before
// hashing existed; the backfill job fills those in.
type Record struct {
	ID          uuid.UUID       `json:"id"`
	AccountID   uuid.UUID       `json:"accountId"`
	PostedOn    time.Time       `json:"postedOn"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Kind        string          `json:"kind"`
	Category    string          `json:"category"`
	Note        string          `json:"note,omitempty"`
	ContentHash string          `json:"-"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// UpsertItem is one row of a bulk import write.
type UpsertItem struct {
	PostedOn    time.Time
	Description string
	Amount      decimal.Decimal
	Kind        string
	Category    string
	Note        string
	ContentHash string
	Overwrite   bool
}

// UpsertError reports a single failed row; other rows are unaffected.
type UpsertError struct {
	ContentHash string `json:"contentHash"`
	Message     string `json:"message"`
}

// UpsertResult summarizes a bulk upsert. Skipped counts rows that already
// existed and were left untouched.
type UpsertResult struct {
	Inserted int           `json:"inserted"`
	Updated  int           `json:"updated"`
	Skipped  int           `json:"skipped"`
	Errors   []UpsertError `json:"errors,omitempty"`
}

// Repository is the persistence boundary the import coordinator depends on.
type Repository interface {
	FindRecent(ctx context.Context, accountID uuid.UUID, limit int) ([]Record, error)
	BulkUpsert(ctx context.Context, accountID uuid.UUID, items []UpsertItem) (UpsertResult, error)
	BackfillBatch(ctx context.Context, limit int) ([]Record, error)
	SetContentHash(ctx context.Context, id uuid.UUID, hash string) error
}

// Querier is the subset of pgxpool.Pool the repository uses; pgxmock
// implements it for tests.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PGRepository is the Postgres implementation of Repository.
type PGRepository struct {
	db Querier
}

func NewPGRepository(db Querier) *PGRepository {
	return &PGRepository{db: db}
}

// FindRecent returns the account's newest records, newest first. It backs
// the duplicate-detection window, so limit bounds the read.
func (r *PGRepository) FindRecent(ctx context.Context, accountID uuid.UUID, limit int) ([]Record, error) {
	query := `
		SELECT id, account_id, posted_on, description, amount, kind,
		       category, COALESCE(note, ''), COALESCE(content_hash, ''),
		       created_at, updated_at
		FROM transactions
		WHERE account_id = $1
		ORDER BY posted_on DESC, created_at DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("find recent transactions: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(
			&rec.ID, &rec.AccountID, &rec.PostedOn, &rec.Description,
			&rec.Amount, &rec.Kind, &rec.Category, &rec.Note,
			&rec.ContentHash, &rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

const insertIfAbsentSQL = `
	INSERT INTO transactions (account_id, posted_on, description, amount, kind, category, note, content_hash)
	VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
	ON CONFLICT (account_id, content_hash) DO NOTHING
`

const upsertSQL = `
	INSERT INTO transactions (account_id, posted_on, description, amount, kind, category, note, content_hash)
	VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
	ON CONFLICT (account_id, content_hash) DO UPDATE SET
		posted_on = EXCLUDED.posted_on,
		description = EXCLUDED.description,
		amount = EXCLUDED.amount,
		kind = EXCLUDED.kind,
		category = EXCLUDED.category,
		note = EXCLUDED.note,
		updated_at = now()
	RETURNING (xmax = 0) AS inserted
`

// BulkUpsert writes every item in one batch. Items are independent: a
// failure is recorded against its content hash and the rest of the batch
// proceeds. With Overwrite false an existing row is left untouched and
// counted as skipped.
func (r *PGRepository) BulkUpsert(ctx context.Context, accountID uuid.UUID, items []UpsertItem) (UpsertResult, error) {
	var result UpsertResult
	if len(items) == 0 {
		return result, nil
	}

	batch := &pgx.Batch{}
	for _, item := range items {
		sql := insertIfAbsentSQL
		if item.Overwrite {
			sql = upsertSQL
		}
		batch.Queue(sql,
			accountID, item.PostedOn, item.Description, item.Amount,
			item.Kind, item.Category, item.Note, item.ContentHash,
		)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()

	for _, item := range items {
		if item.Overwrite {
			var inserted bool
			if err := results.QueryRow().Scan(&inserted); err != nil {
				result.Errors = append(result.Errors, UpsertError{
					ContentHash: item.ContentHash,
					Message:     err.Error(),
				})
				continue
			}
			if inserted {
				result.Inserted++
			} else {
				result.Updated++
			}
			continue
		}

		tag, err := results.Exec()
		if err != nil {
			result.Errors = append(result.Errors, UpsertError{
				ContentHash: item.ContentHash,
				Message:     err.Error(),
			})
			continue
		}
		if tag.RowsAffected() == 1 {
			result.Inserted++
		} else {
			result.Skipped++
		}
	}

	return result, nil
}

// BackfillBatch returns records still missing a content hash so the
// scheduled backfill can compute and store one.
func (r *PGRepository) BackfillBatch(ctx context.Context, limit int) ([]Record, error) {
	query := `
		SELECT id, account_id, posted_on, description, amount, kind,
		       category, COALESCE(note, ''), '', created_at, updated_at
		FROM transactions
		WHERE content_hash IS NULL
		ORDER BY created_at
		LIMIT $1
	`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("load backfill batch: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(
			&rec.ID, &rec.AccountID, &rec.PostedOn, &rec.Description,
			&rec.Amount, &rec.Kind, &rec.Category, &rec.Note,
			&rec.ContentHash, &rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan backfill row: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SetContentHash stores a computed hash on one record. Hash collisions with
// an already-imported row surface as a unique violation and are the
// caller's signal that the row is itself a duplicate.
func (r *PGRepository) SetContentHash(ctx context.Context, id uuid.UUID, hash string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE transactions SET content_hash = $2, updated_at = now() WHERE id = $1`,
		id, hash,
	)
	if err != nil {
		return fmt.Errorf("set content hash: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
