// Package cron provides scheduled background jobs using robfig/cron.
package cron

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/moneta-app/moneta/internal/domain/import/dedupe"
	"github.com/moneta-app/moneta/internal/domain/transactions"
)

const backfillBatchSize = 500

// Scheduler manages background scheduled jobs using robfig/cron.
type Scheduler struct {
	cron   *cron.Cron
	repo   transactions.Repository
	logger *slog.Logger
}

// NewScheduler creates a new job scheduler.
func NewScheduler(repo transactions.Repository, logger *slog.Logger) *Scheduler {
	// Create cron with seconds disabled (standard 5-field format)
	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))

	return &Scheduler{
		cron:   c,
		repo:   repo,
		logger: logger,
	}
}

// Start begins scheduled jobs.
func (s *Scheduler) Start() error {
	// Content-hash backfill: runs daily at 3:00 AM
	_, err := s.cron.AddFunc("0 3 * * *", s.backfillContentHashes)
	if err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("cron scheduler started",
		slog.Int("jobs", len(s.cron.Entries())),
	)
	return nil
}

// Stop gracefully stops all scheduled jobs.
func (s *Scheduler) Stop() context.Context {
	s.logger.Info("cron scheduler stopping")
	return s.cron.Stop()
}

// RunNow manually triggers the backfill (for testing/admin).
func (s *Scheduler) RunNow() {
	go s.backfillContentHashes()
}

// backfillContentHashes computes hashes for records imported before hashing
// existed, so duplicate detection converges onto the O(1) hash path.
func (s *Scheduler) backfillContentHashes() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	s.logger.Info("starting content hash backfill")

	hashed := 0
	failed := 0
	for {
		batch, err := s.repo.BackfillBatch(ctx, backfillBatchSize)
		if err != nil {
			s.logger.Error("failed to load backfill batch", slog.Any("error", err))
			return
		}
		if len(batch) == 0 {
			break
		}

		progressed := false
		for _, rec := range batch {
			hash := dedupe.ContentHash(rec.AccountID.String(), rec.PostedOn, rec.Amount, rec.Description)
			if err := s.repo.SetContentHash(ctx, rec.ID, hash); err != nil {
				s.logger.Warn("failed to store content hash",
					slog.String("record_id", rec.ID.String()),
					slog.Any("error", err),
				)
				failed++
				continue
			}
			hashed++
			progressed = true
		}

		// Rows that keep failing stay unhashed; without progress the same
		// batch would be reloaded forever.
		if !progressed || len(batch) < backfillBatchSize {
			break
		}
	}

	s.logger.Info("content hash backfill completed",
		slog.Int("records_hashed", hashed),
		slog.Int("records_failed", failed),
	)
}
