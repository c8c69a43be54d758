package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	importhandler "github.com/moneta-app/moneta/internal/domain/import/handler"
	importrepo "github.com/moneta-app/moneta/internal/domain/import/repository"
	importservice "github.com/moneta-app/moneta/internal/domain/import/service"
	"github.com/moneta-app/moneta/internal/domain/transactions"
	"github.com/moneta-app/moneta/migrations"
	"github.com/moneta-app/moneta/pkg/config"
	"github.com/moneta-app/moneta/pkg/cron"
	"github.com/moneta-app/moneta/pkg/db"
	"github.com/moneta-app/moneta/pkg/metrics"
	"github.com/moneta-app/moneta/pkg/notify"
	"github.com/moneta-app/moneta/pkg/queue"
	"github.com/moneta-app/moneta/pkg/storage"
)

const (
	queueWorkers = 4
	queueBuffer  = 64
)

// Dependencies holds all application dependencies
type Dependencies struct {
	Config *config.Config
	DB     *db.DB
	Logger *slog.Logger

	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Queue    *queue.Queue
	Notifier notify.Notifier
	Archive  storage.Archive

	RecordsRepo *transactions.PGRepository
	ImportStore *importrepo.Store

	ImportService *importservice.ImportService
	ImportHandler *importhandler.ImportHandler

	Scheduler *cron.Scheduler
}

// InitDependencies initializes all application dependencies
func InitDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	database, err := db.New(ctx, db.Config{
		DSN:             cfg.Database.DSN(),
		MaxConns:        25,
		MinConns:        5,
		MaxConnLifetime: 5 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init database: %w", err)
	}
	deps.DB = database

	if err := database.Migrate(migrations.FS, "."); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	deps.Registry = metrics.NewRegistry()
	deps.Metrics = metrics.New(deps.Registry)
	deps.Queue = queue.New(queueWorkers, queueBuffer, logger)

	if cfg.Notify.ResendAPIKey != "" {
		deps.Notifier = notify.NewResendNotifier(cfg.Notify.ResendAPIKey, cfg.Notify.FromAddress, cfg.Notify.Currency, logger)
	} else {
		logger.Info("no resend api key configured, commit notifications disabled")
		deps.Notifier = notify.NoopNotifier{}
	}

	if cfg.Storage.ArchiveDir != "" {
		archive, err := storage.NewLocalArchive(cfg.Storage.ArchiveDir)
		if err != nil {
			database.Close()
			return nil, fmt.Errorf("failed to init upload archive: %w", err)
		}
		deps.Archive = archive
	}

	deps.RecordsRepo = transactions.NewPGRepository(database.Pool)
	deps.ImportStore = importrepo.NewStore(database.Pool)

	deps.ImportService = importservice.New(
		deps.RecordsRepo,
		deps.ImportStore,
		deps.Queue,
		deps.Notifier,
		deps.Metrics,
		cfg.Import,
		logger,
	)
	deps.ImportHandler = importhandler.NewImportHandler(
		deps.ImportService,
		deps.Archive,
		cfg.Import.MaxFileBytes,
		logger,
	)

	deps.Scheduler = cron.NewScheduler(deps.RecordsRepo, logger)

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// Close releases everything InitDependencies acquired, draining background
// work first.
func (d *Dependencies) Close(ctx context.Context) {
	if d.Scheduler != nil {
		<-d.Scheduler.Stop().Done()
	}
	if d.Queue != nil {
		if err := d.Queue.Shutdown(ctx); err != nil {
			d.Logger.Warn("queue shutdown incomplete", slog.Any("error", err))
		}
	}
	if d.DB != nil {
		d.DB.Close()
	}
}
