// Package service provides the import orchestration logic: the two-phase
// preview/commit flow over decode, mapping, normalization, categorization
// and duplicate detection. Preview never writes; commit is idempotent by
// content hash.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/moneta-app/moneta/internal/domain/import/categorizer"
	"github.com/moneta-app/moneta/internal/domain/import/decoder"
	"github.com/moneta-app/moneta/internal/domain/import/dedupe"
	"github.com/moneta-app/moneta/internal/domain/import/normalizer"
	importrepo "github.com/moneta-app/moneta/internal/domain/import/repository"
	"github.com/moneta-app/moneta/internal/domain/import/sniffer"
	"github.com/moneta-app/moneta/internal/domain/transactions"
	"github.com/moneta-app/moneta/pkg/config"
	"github.com/moneta-app/moneta/pkg/metrics"
	"github.com/moneta-app/moneta/pkg/money"
	"github.com/moneta-app/moneta/pkg/notify"
	"github.com/moneta-app/moneta/pkg/queue"
)

// Structural errors fail the whole call before any row is processed.
var (
	ErrFileTooLarge = errors.New("file exceeds size limit")
	ErrTooManyRows  = errors.New("file exceeds row limit")
	ErrEmptyUpload  = errors.New("empty upload")
)

// UploadedFile is one statement file received from a client.
type UploadedFile struct {
	Name        string
	ContentType string
	Sheet       string
	Data        []byte
}

// ColumnsResult backs the pre-mapping analysis endpoint.
type ColumnsResult struct {
	Headers          []string                  `json:"headers"`
	Sheets           []string                  `json:"sheets,omitempty"`
	SheetName        string                    `json:"sheetName,omitempty"`
	Fingerprint      string                    `json:"fingerprint"`
	SuggestedMapping sniffer.Suggestion        `json:"suggestedMapping"`
	Preset           *normalizer.ColumnMapping `json:"preset,omitempty"`
}

// PreviewResult is the dry-run outcome. Preview is capped; TotalRows,
// Errors and Duplicates always describe the entire file.
type PreviewResult struct {
	TotalRows  int                    `json:"totalRows"`
	Preview    []candidateView        `json:"preview"`
	Errors     []normalizer.RowError  `json:"errors"`
	Duplicates []candidateView        `json:"duplicates"`
}

// CommitOptions are the caller's duplicate-resolution flags.
type CommitOptions struct {
	SkipDuplicates      bool
	OverwriteDuplicates bool
	NotifyEmail         string
}

// CommitResult summarizes a finished commit, or names the queued job when
// the commit was deferred. NetAmount is income minus expenses across the
// written candidates.
type CommitResult struct {
	TotalProcessed    int                        `json:"totalProcessed"`
	Inserted          int                        `json:"inserted"`
	Updated           int                        `json:"updated"`
	DuplicatesSkipped int                        `json:"duplicatesSkipped"`
	NetAmount         decimal.Decimal            `json:"netAmount"`
	Errors            []normalizer.RowError      `json:"errors"`
	ItemFailures      []transactions.UpsertError `json:"itemFailures,omitempty"`
	Async             bool                       `json:"async,omitempty"`
	JobID             *uuid.UUID                 `json:"jobId,omitempty"`
}

// candidateView is the wire shape of a normalized candidate.
type candidateView struct {
	Row         int    `json:"row"`
	Date        string `json:"date"`
	Description string `json:"description"`
	Amount      string `json:"amount"`
	Kind        string `json:"kind"`
	Category    string `json:"category"`
	Note        string `json:"note,omitempty"`
}

func viewOf(c normalizer.Candidate) candidateView {
	return candidateView{
		Row:         c.Row,
		Date:        c.DateString(),
		Description: c.Description,
		Amount:      c.Amount.StringFixed(2),
		Kind:        string(c.Kind),
		Category:    c.Category,
		Note:        c.Note,
	}
}

// ImportStore persists the pipeline's own state (presets, jobs).
type ImportStore interface {
	SaveMappingPreset(ctx context.Context, accountID uuid.UUID, fingerprint string, mapping normalizer.ColumnMapping) error
	GetMappingPreset(ctx context.Context, accountID uuid.UUID, fingerprint string) (*importrepo.MappingPreset, error)
	CreateJob(ctx context.Context, accountID uuid.UUID, filename string, totalRows int) (*importrepo.ImportJob, error)
	MarkRunning(ctx context.Context, id uuid.UUID) error
	MarkSucceeded(ctx context.Context, id uuid.UUID, inserted, updated, duplicatesSkipped, errorCount int) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	GetJob(ctx context.Context, accountID, id uuid.UUID) (*importrepo.ImportJob, error)
}

// Enqueuer defers work to the background pool.
type Enqueuer interface {
	Enqueue(job queue.Job) error
}

// ImportService orchestrates file analysis, preview and commit.
type ImportService struct {
	records    transactions.Repository
	store      ImportStore
	queue      Enqueuer
	notifier   notify.Notifier
	metrics    *metrics.Metrics
	normalizer *normalizer.Normalizer
	cfg        config.ImportConfig
	logger     *slog.Logger
	tracer     trace.Tracer
}

// New wires the coordinator. queue may be nil, which disables async commits;
// notifier may be nil, which disables completion mail.
func New(
	records transactions.Repository,
	store ImportStore,
	q Enqueuer,
	notifier notify.Notifier,
	m *metrics.Metrics,
	cfg config.ImportConfig,
	logger *slog.Logger,
) *ImportService {
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	return &ImportService{
		records:    records,
		store:      store,
		queue:      q,
		notifier:   notifier,
		metrics:    m,
		normalizer: normalizer.New(categorizer.New(), normalizer.ParseSignPolicy(cfg.SignPolicy)),
		cfg:        cfg,
		logger:     logger,
		tracer:     otel.Tracer("moneta/import"),
	}
}

// AnalyzeColumns decodes just enough of the file to return its headers, a
// suggested mapping, and any preset saved for the same header shape.
func (s *ImportService) AnalyzeColumns(ctx context.Context, accountID uuid.UUID, file UploadedFile) (*ColumnsResult, error) {
	ctx, span := s.tracer.Start(ctx, "import.AnalyzeColumns")
	defer span.End()
	done := s.observe("columns")

	table, err := s.decode(file, decoder.Options{SheetName: file.Sheet, MaxRows: 50})
	if err != nil {
		done(err)
		return nil, err
	}

	fingerprint := sniffer.Fingerprint(table.Headers)
	result := &ColumnsResult{
		Headers:          table.Headers,
		Sheets:           table.Sheets,
		SheetName:        table.SheetName,
		Fingerprint:      fingerprint,
		SuggestedMapping: sniffer.Suggest(table.Headers),
	}

	preset, err := s.store.GetMappingPreset(ctx, accountID, fingerprint)
	switch {
	case err == nil:
		result.Preset = &preset.Mapping
	case errors.Is(err, importrepo.ErrNotFound):
		// First upload of this export shape.
	default:
		s.logger.Warn("mapping preset lookup failed", slog.Any("error", err))
	}

	span.SetAttributes(attribute.Int("import.headers", len(table.Headers)))
	done(nil)
	return result, nil
}

// Preview runs the full pipeline without writing. The entire file is
// decoded so TotalRows and the error list are exact; only the successful
// candidate list is capped.
func (s *ImportService) Preview(ctx context.Context, accountID uuid.UUID, file UploadedFile, mapping normalizer.ColumnMapping, previewRows int) (*PreviewResult, error) {
	ctx, span := s.tracer.Start(ctx, "import.Preview")
	defer span.End()
	done := s.observe("preview")

	table, candidates, rowErrors, err := s.runPipeline(ctx, file, mapping)
	if err != nil {
		done(err)
		return nil, err
	}

	dedupe.StampHashes(accountID.String(), candidates)
	duplicates, err := s.findDuplicates(ctx, accountID, candidates)
	if err != nil {
		done(err)
		return nil, err
	}

	if previewRows <= 0 {
		previewRows = s.cfg.PreviewRows
	}
	preview := candidates
	if len(preview) > previewRows {
		preview = preview[:previewRows]
	}

	result := &PreviewResult{
		TotalRows:  table.TotalRows,
		Preview:    views(preview),
		Errors:     rowErrors,
		Duplicates: views(duplicates),
	}

	s.metrics.DuplicatesFlagged.Add(float64(len(duplicates)))
	span.SetAttributes(
		attribute.Int("import.total_rows", table.TotalRows),
		attribute.Int("import.errors", len(rowErrors)),
		attribute.Int("import.duplicates", len(duplicates)),
	)
	done(nil)
	return result, nil
}

// Commit re-runs the whole pipeline and upserts every candidate keyed by
// (accountID, contentHash). Large files are deferred to the job queue and
// a job id is returned for polling.
func (s *ImportService) Commit(ctx context.Context, accountID uuid.UUID, file UploadedFile, mapping normalizer.ColumnMapping, opts CommitOptions) (*CommitResult, error) {
	ctx, span := s.tracer.Start(ctx, "import.Commit")
	defer span.End()
	done := s.observe("commit")

	table, candidates, rowErrors, err := s.runPipeline(ctx, file, mapping)
	if err != nil {
		done(err)
		return nil, err
	}
	dedupe.StampHashes(accountID.String(), candidates)

	if s.queue != nil && table.TotalRows > s.cfg.AsyncRowThreshold {
		result, err := s.deferCommit(ctx, accountID, file, mapping, opts, table, candidates, rowErrors)
		done(err)
		return result, err
	}

	result, err := s.applyCommit(ctx, accountID, table.TotalRows, candidates, rowErrors, opts)
	if err == nil {
		s.saveMappingPreset(ctx, accountID, table.Headers, mapping)
	}
	done(err)
	return result, err
}

// JobStatus serves the polling endpoint for deferred commits.
func (s *ImportService) JobStatus(ctx context.Context, accountID, jobID uuid.UUID) (*importrepo.ImportJob, error) {
	return s.store.GetJob(ctx, accountID, jobID)
}

// decode applies the structural guards and turns bytes into a table.
func (s *ImportService) decode(file UploadedFile, opts decoder.Options) (*decoder.Table, error) {
	if len(file.Data) == 0 {
		return nil, ErrEmptyUpload
	}
	if int64(len(file.Data)) > s.cfg.MaxFileBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrFileTooLarge, len(file.Data))
	}

	kind := decoder.ResolveKind(file.Name, file.ContentType)
	table, err := decoder.Decode(file.Data, kind, opts)
	if err != nil {
		return nil, err
	}
	if s.cfg.MaxRows > 0 && table.TotalRows > s.cfg.MaxRows {
		return nil, fmt.Errorf("%w: %d rows", ErrTooManyRows, table.TotalRows)
	}
	return table, nil
}

// runPipeline decodes the entire file and normalizes every row. Row
// failures are collected, never fatal.
func (s *ImportService) runPipeline(ctx context.Context, file UploadedFile, mapping normalizer.ColumnMapping) (*decoder.Table, []normalizer.Candidate, []normalizer.RowError, error) {
	table, err := s.decode(file, decoder.Options{SheetName: file.Sheet})
	if err != nil {
		return nil, nil, nil, err
	}
	if err := mapping.Validate(table.Headers); err != nil {
		return nil, nil, nil, err
	}

	candidates := make([]normalizer.Candidate, 0, len(table.Rows))
	rowErrors := failureErrors(table.Failures)
	for _, row := range table.Rows {
		if err := ctx.Err(); err != nil {
			return nil, nil, nil, err
		}
		candidate, rowErr := s.normalizer.Normalize(row, mapping)
		if rowErr != nil {
			rowErrors = append(rowErrors, *rowErr)
			continue
		}
		candidates = append(candidates, *candidate)
	}

	s.metrics.RowsProcessed.Add(float64(table.TotalRows))
	s.metrics.RowErrors.Add(float64(len(rowErrors)))
	return table, candidates, rowErrors, nil
}

// failureErrors reports rows the decoder could not read alongside the
// normalizer's own row errors, so they are counted rather than dropped.
func failureErrors(failures []decoder.RowFailure) []normalizer.RowError {
	out := make([]normalizer.RowError, 0, len(failures))
	for _, f := range failures {
		out = append(out, normalizer.RowError{
			Row:     f.Line,
			Field:   "row",
			Message: "unreadable row: " + f.Err,
		})
	}
	return out
}

// findDuplicates loads the bounded recent window and flags known rows.
func (s *ImportService) findDuplicates(ctx context.Context, accountID uuid.UUID, candidates []normalizer.Candidate) ([]normalizer.Candidate, error) {
	recent, err := s.records.FindRecent(ctx, accountID, s.cfg.DuplicateWindow)
	if err != nil {
		return nil, fmt.Errorf("load duplicate window: %w", err)
	}

	existing := make([]dedupe.ExistingRecord, len(recent))
	for i, rec := range recent {
		existing[i] = dedupe.ExistingRecord{
			Date:        rec.PostedOn,
			Description: rec.Description,
			Amount:      rec.Amount,
			ContentHash: rec.ContentHash,
		}
	}
	return dedupe.FindDuplicates(candidates, existing), nil
}

// applyCommit performs the bulk upsert and assembles the summary.
func (s *ImportService) applyCommit(ctx context.Context, accountID uuid.UUID, totalRows int, candidates []normalizer.Candidate, rowErrors []normalizer.RowError, opts CommitOptions) (*CommitResult, error) {
	result := &CommitResult{
		TotalProcessed: totalRows,
		Errors:         rowErrors,
	}

	toWrite := candidates
	if opts.SkipDuplicates && !opts.OverwriteDuplicates {
		// Known duplicates need no round trip; the upsert would skip them
		// anyway, this just keeps the batch small.
		duplicates, err := s.findDuplicates(ctx, accountID, candidates)
		if err != nil {
			return nil, err
		}
		flagged := make(map[string]struct{}, len(duplicates))
		for _, d := range duplicates {
			flagged[d.ContentHash] = struct{}{}
		}

		toWrite = toWrite[:0:0]
		for _, c := range candidates {
			if _, dup := flagged[c.ContentHash]; dup {
				result.DuplicatesSkipped++
				continue
			}
			toWrite = append(toWrite, c)
		}
	}

	net := decimal.Zero
	items := make([]transactions.UpsertItem, len(toWrite))
	for i, c := range toWrite {
		if c.Kind == normalizer.KindIncome {
			net = net.Add(c.Amount)
		} else {
			net = net.Sub(c.Amount)
		}
		items[i] = transactions.UpsertItem{
			PostedOn:    c.Date,
			Description: c.Description,
			Amount:      c.Amount,
			Kind:        string(c.Kind),
			Category:    c.Category,
			Note:        c.Note,
			ContentHash: c.ContentHash,
			Overwrite:   opts.OverwriteDuplicates,
		}
	}

	upsert, err := s.records.BulkUpsert(ctx, accountID, items)
	if err != nil {
		return nil, fmt.Errorf("bulk upsert: %w", err)
	}

	result.Inserted = upsert.Inserted
	result.Updated = upsert.Updated
	result.DuplicatesSkipped += upsert.Skipped
	result.NetAmount = net
	result.ItemFailures = upsert.Errors

	s.metrics.RecordsInserted.Add(float64(upsert.Inserted))
	s.metrics.RecordsUpdated.Add(float64(upsert.Updated))
	s.metrics.DuplicatesFlagged.Add(float64(result.DuplicatesSkipped))

	s.logger.Info("import commit finished",
		slog.String("account_id", accountID.String()),
		slog.Int("total_rows", totalRows),
		slog.Int("inserted", result.Inserted),
		slog.Int("updated", result.Updated),
		slog.Int("duplicates_skipped", result.DuplicatesSkipped),
		slog.Int("row_errors", len(rowErrors)),
	)
	return result, nil
}

// deferCommit records a job and hands the heavy work to the queue. The job
// context is the queue's, not the request's: once accepted, a commit runs
// to completion server-side.
func (s *ImportService) deferCommit(ctx context.Context, accountID uuid.UUID, file UploadedFile, mapping normalizer.ColumnMapping, opts CommitOptions, table *decoder.Table, candidates []normalizer.Candidate, rowErrors []normalizer.RowError) (*CommitResult, error) {
	totalRows := table.TotalRows
	headers := table.Headers

	job, err := s.store.CreateJob(ctx, accountID, file.Name, totalRows)
	if err != nil {
		return nil, fmt.Errorf("create import job: %w", err)
	}

	err = s.queue.Enqueue(func(jobCtx context.Context) {
		s.runCommitJob(jobCtx, job.ID, accountID, file, mapping, opts, totalRows, headers, candidates, rowErrors)
	})
	if err != nil {
		if markErr := s.store.MarkFailed(ctx, job.ID, "queue rejected job"); markErr != nil {
			s.logger.Error("failed to mark rejected job", slog.Any("error", markErr))
		}
		return nil, fmt.Errorf("enqueue commit: %w", err)
	}

	s.metrics.JobsQueued.Inc()
	jobID := job.ID
	return &CommitResult{
		TotalProcessed: totalRows,
		Errors:         rowErrors,
		Async:          true,
		JobID:          &jobID,
	}, nil
}

func (s *ImportService) runCommitJob(ctx context.Context, jobID, accountID uuid.UUID, file UploadedFile, mapping normalizer.ColumnMapping, opts CommitOptions, totalRows int, headers []string, candidates []normalizer.Candidate, rowErrors []normalizer.RowError) {
	if err := s.store.MarkRunning(ctx, jobID); err != nil {
		s.logger.Error("failed to mark job running",
			slog.String("job_id", jobID.String()), slog.Any("error", err))
	}

	result, err := s.applyCommit(ctx, accountID, totalRows, candidates, rowErrors, opts)
	if err != nil {
		s.logger.Error("async commit failed",
			slog.String("job_id", jobID.String()), slog.Any("error", err))
		if markErr := s.store.MarkFailed(ctx, jobID, err.Error()); markErr != nil {
			s.logger.Error("failed to mark job failed", slog.Any("error", markErr))
		}
		return
	}

	err = s.store.MarkSucceeded(ctx, jobID,
		result.Inserted, result.Updated, result.DuplicatesSkipped, len(result.Errors))
	if err != nil {
		s.logger.Error("failed to mark job succeeded", slog.Any("error", err))
	}

	s.saveMappingPreset(ctx, accountID, headers, mapping)

	if opts.NotifyEmail != "" {
		summary := notify.CommitSummary{
			Filename:          file.Name,
			TotalProcessed:    result.TotalProcessed,
			Inserted:          result.Inserted,
			Updated:           result.Updated,
			DuplicatesSkipped: result.DuplicatesSkipped,
			NetCents:          money.Cents(result.NetAmount),
			ErrorCount:        len(result.Errors),
		}
		if err := s.notifier.CommitCompleted(ctx, opts.NotifyEmail, summary); err != nil {
			s.logger.Warn("commit notification failed", slog.Any("error", err))
		}
	}
}

// saveMappingPreset remembers a mapping that produced a successful commit,
// keyed by the header fingerprint of the file it was confirmed against.
func (s *ImportService) saveMappingPreset(ctx context.Context, accountID uuid.UUID, headers []string, mapping normalizer.ColumnMapping) {
	if len(headers) == 0 {
		return
	}
	fingerprint := sniffer.Fingerprint(headers)
	if err := s.store.SaveMappingPreset(ctx, accountID, fingerprint, mapping); err != nil {
		s.logger.Warn("failed to save mapping preset", slog.Any("error", err))
	}
}

// observe times one operation and counts its outcome.
func (s *ImportService) observe(operation string) func(error) {
	start := time.Now()
	return func(err error) {
		status := "ok"
		if err != nil {
			status = "error"
		}
		s.metrics.ImportsTotal.WithLabelValues(operation, status).Inc()
		s.metrics.ImportDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}

func views(candidates []normalizer.Candidate) []candidateView {
	out := make([]candidateView, len(candidates))
	for i, c := range candidates {
		out[i] = viewOf(c)
	}
	return out
}
