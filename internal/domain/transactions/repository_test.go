package transactions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var recordColumns = []string{
	"id", "account_id", "posted_on", "description", "amount", "kind",
	"category", "note", "content_hash", "created_at", "updated_at",
}

func TestPGRepository_FindRecent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	accountID := uuid.New()
	now := time.Now()

	mock.ExpectQuery("SELECT id, account_id, posted_on").
		WithArgs(accountID, 5000).
		WillReturnRows(pgxmock.NewRows(recordColumns).
			AddRow(uuid.New(), accountID, now.AddDate(0, 0, -1), "Coffee Shop",
				decimal.RequireFromString("4.50"), "expense", "Food", "",
				"hash-1", now, now).
			AddRow(uuid.New(), accountID, now.AddDate(0, 0, -2), "Salary",
				decimal.RequireFromString("5000.00"), "income", "Other", "",
				"", now, now))

	repo := NewPGRepository(mock)
	records, err := repo.FindRecent(context.Background(), accountID, 5000)
	require.NoError(t, err)

	require.Len(t, records, 2)
	assert.Equal(t, "Coffee Shop", records[0].Description)
	assert.Equal(t, "hash-1", records[0].ContentHash)
	assert.Empty(t, records[1].ContentHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGRepository_BulkUpsert(t *testing.T) {
	accountID := uuid.New()
	day := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

	item := func(hash string, overwrite bool) UpsertItem {
		return UpsertItem{
			PostedOn:    day,
			Description: "Coffee Shop",
			Amount:      decimal.RequireFromString("4.50"),
			Kind:        "expense",
			Category:    "Food",
			ContentHash: hash,
			Overwrite:   overwrite,
		}
	}

	t.Run("insert-if-absent counts inserts and skips", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		batch := mock.ExpectBatch()
		batch.ExpectExec("INSERT INTO transactions").
			WithArgs(accountID, day, "Coffee Shop", decimal.RequireFromString("4.50"),
				"expense", "Food", "", "hash-a").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		batch.ExpectExec("INSERT INTO transactions").
			WithArgs(accountID, day, "Coffee Shop", decimal.RequireFromString("4.50"),
				"expense", "Food", "", "hash-b").
			WillReturnResult(pgxmock.NewResult("INSERT", 0))

		repo := NewPGRepository(mock)
		result, err := repo.BulkUpsert(context.Background(), accountID,
			[]UpsertItem{item("hash-a", false), item("hash-b", false)})
		require.NoError(t, err)

		assert.Equal(t, 1, result.Inserted)
		assert.Equal(t, 1, result.Skipped)
		assert.Empty(t, result.Errors)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("overwrite distinguishes insert from update", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		batch := mock.ExpectBatch()
		batch.ExpectQuery("INSERT INTO transactions").
			WithArgs(accountID, day, "Coffee Shop", decimal.RequireFromString("4.50"),
				"expense", "Food", "", "hash-a").
			WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(true))
		batch.ExpectQuery("INSERT INTO transactions").
			WithArgs(accountID, day, "Coffee Shop", decimal.RequireFromString("4.50"),
				"expense", "Food", "", "hash-b").
			WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(false))

		repo := NewPGRepository(mock)
		result, err := repo.BulkUpsert(context.Background(), accountID,
			[]UpsertItem{item("hash-a", true), item("hash-b", true)})
		require.NoError(t, err)

		assert.Equal(t, 1, result.Inserted)
		assert.Equal(t, 1, result.Updated)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("one failed row does not block the rest", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		batch := mock.ExpectBatch()
		batch.ExpectExec("INSERT INTO transactions").
			WithArgs(accountID, day, "Coffee Shop", decimal.RequireFromString("4.50"),
				"expense", "Food", "", "hash-a").
			WillReturnError(errors.New("value too long"))
		batch.ExpectExec("INSERT INTO transactions").
			WithArgs(accountID, day, "Coffee Shop", decimal.RequireFromString("4.50"),
				"expense", "Food", "", "hash-b").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		repo := NewPGRepository(mock)
		result, err := repo.BulkUpsert(context.Background(), accountID,
			[]UpsertItem{item("hash-a", false), item("hash-b", false)})
		require.NoError(t, err)

		assert.Equal(t, 1, result.Inserted)
		require.Len(t, result.Errors, 1)
		assert.Equal(t, "hash-a", result.Errors[0].ContentHash)
		assert.Contains(t, result.Errors[0].Message, "value too long")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty batch is a no-op", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPGRepository(mock)
		result, err := repo.BulkUpsert(context.Background(), accountID, nil)
		require.NoError(t, err)
		assert.Zero(t, result.Inserted)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPGRepository_Backfill(t *testing.T) {
	t.Run("loads unhashed rows", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		now := time.Now()
		mock.ExpectQuery("WHERE content_hash IS NULL").
			WithArgs(500).
			WillReturnRows(pgxmock.NewRows(recordColumns).
				AddRow(uuid.New(), uuid.New(), now, "Legacy Row",
					decimal.RequireFromString("10.00"), "expense", "Other", "",
					"", now, now))

		repo := NewPGRepository(mock)
		records, err := repo.BackfillBatch(context.Background(), 500)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Empty(t, records[0].ContentHash)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stores computed hash", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		id := uuid.New()
		mock.ExpectExec("UPDATE transactions SET content_hash").
			WithArgs(id, "hash-x").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		repo := NewPGRepository(mock)
		assert.NoError(t, repo.SetContentHash(context.Background(), id, "hash-x"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
