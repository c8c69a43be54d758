// Package e2etest drives the whole import surface end to end: a JWT-bearing
// multipart upload through the router, middleware, handlers and pipeline
// down to an in-memory record repository.
package e2etest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	importhandler "github.com/moneta-app/moneta/internal/domain/import/handler"
	"github.com/moneta-app/moneta/internal/domain/import/normalizer"
	importrepo "github.com/moneta-app/moneta/internal/domain/import/repository"
	importservice "github.com/moneta-app/moneta/internal/domain/import/service"
	"github.com/moneta-app/moneta/internal/domain/transactions"
	"github.com/moneta-app/moneta/pkg/config"
	"github.com/moneta-app/moneta/pkg/metrics"
	"github.com/moneta-app/moneta/pkg/middleware"
	"github.com/moneta-app/moneta/pkg/queue"
	"github.com/moneta-app/moneta/pkg/storage"
)

const jwtSecret = "e2e-secret"

// memRecords implements transactions.Repository with upsert semantics.
type memRecords struct {
	byKey map[string]transactions.Record
}

func (m *memRecords) FindRecent(ctx context.Context, accountID uuid.UUID, limit int) ([]transactions.Record, error) {
	var out []transactions.Record
	for key, rec := range m.byKey {
		if strings.HasPrefix(key, accountID.String()+"/") {
			out = append(out, rec)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memRecords) BulkUpsert(ctx context.Context, accountID uuid.UUID, items []transactions.UpsertItem) (transactions.UpsertResult, error) {
	var result transactions.UpsertResult
	for _, item := range items {
		key := accountID.String() + "/" + item.ContentHash
		_, exists := m.byKey[key]
		switch {
		case exists && !item.Overwrite:
			result.Skipped++
			continue
		case exists:
			result.Updated++
		default:
			result.Inserted++
		}
		m.byKey[key] = transactions.Record{
			ID:          uuid.New(),
			AccountID:   accountID,
			PostedOn:    item.PostedOn,
			Description: item.Description,
			Amount:      item.Amount,
			Kind:        item.Kind,
			Category:    item.Category,
			ContentHash: item.ContentHash,
		}
	}
	return result, nil
}

func (m *memRecords) BackfillBatch(ctx context.Context, limit int) ([]transactions.Record, error) {
	return nil, nil
}

func (m *memRecords) SetContentHash(ctx context.Context, id uuid.UUID, hash string) error {
	return nil
}

// memStore implements the import store in memory.
type memStore struct {
	presets map[string]normalizer.ColumnMapping
	jobs    map[uuid.UUID]*importrepo.ImportJob
}

func (m *memStore) SaveMappingPreset(ctx context.Context, accountID uuid.UUID, fingerprint string, mapping normalizer.ColumnMapping) error {
	m.presets[accountID.String()+"/"+fingerprint] = mapping
	return nil
}

func (m *memStore) GetMappingPreset(ctx context.Context, accountID uuid.UUID, fingerprint string) (*importrepo.MappingPreset, error) {
	mapping, ok := m.presets[accountID.String()+"/"+fingerprint]
	if !ok {
		return nil, importrepo.ErrNotFound
	}
	return &importrepo.MappingPreset{AccountID: accountID, Fingerprint: fingerprint, Mapping: mapping}, nil
}

func (m *memStore) CreateJob(ctx context.Context, accountID uuid.UUID, filename string, totalRows int) (*importrepo.ImportJob, error) {
	job := &importrepo.ImportJob{
		ID: uuid.New(), AccountID: accountID, Status: importrepo.JobQueued,
		Filename: filename, TotalRows: totalRows,
	}
	m.jobs[job.ID] = job
	return job, nil
}

func (m *memStore) MarkRunning(ctx context.Context, id uuid.UUID) error {
	m.jobs[id].Status = importrepo.JobRunning
	return nil
}

func (m *memStore) MarkSucceeded(ctx context.Context, id uuid.UUID, inserted, updated, duplicatesSkipped, errorCount int) error {
	job := m.jobs[id]
	job.Status = importrepo.JobSucceeded
	job.Inserted = inserted
	job.Updated = updated
	job.DuplicatesSkipped = duplicatesSkipped
	job.ErrorCount = errorCount
	return nil
}

func (m *memStore) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	job := m.jobs[id]
	job.Status = importrepo.JobFailed
	job.Error = reason
	return nil
}

func (m *memStore) GetJob(ctx context.Context, accountID, id uuid.UUID) (*importrepo.ImportJob, error) {
	job, ok := m.jobs[id]
	if !ok || job.AccountID != accountID {
		return nil, importrepo.ErrNotFound
	}
	return job, nil
}

type stack struct {
	router  http.Handler
	records *memRecords
	store   *memStore
	queue   *queue.Queue
}

func newStack(t *testing.T, asyncThreshold int) *stack {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	records := &memRecords{byKey: make(map[string]transactions.Record)}
	store := &memStore{
		presets: make(map[string]normalizer.ColumnMapping),
		jobs:    make(map[uuid.UUID]*importrepo.ImportJob),
	}
	q := queue.New(1, 8, logger)
	t.Cleanup(func() { _ = q.Shutdown(context.Background()) })

	svc := importservice.New(records, store, q, nil,
		metrics.New(prometheus.NewRegistry()),
		config.ImportConfig{
			MaxFileBytes:      25 << 20,
			MaxRows:           50000,
			PreviewRows:       20,
			DuplicateWindow:   5000,
			AsyncRowThreshold: asyncThreshold,
			SignPolicy:        "negative-is-income",
		},
		logger,
	)
	archive, err := storage.NewLocalArchive(t.TempDir())
	require.NoError(t, err)
	h := importhandler.NewImportHandler(svc, archive, 25<<20, logger)

	r := mux.NewRouter()
	api := r.PathPrefix("/v1").Subrouter()
	api.Use(middleware.Auth(jwtSecret))
	h.Register(api)

	return &stack{router: r, records: records, store: store, queue: q}
}

func bearerToken(t *testing.T, accountID uuid.UUID) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": accountID.String(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	return "Bearer " + signed
}

func upload(t *testing.T, s *stack, accountID uuid.UUID, path, filename string, contents []byte, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(contents)
	require.NoError(t, err)
	for key, value := range fields {
		require.NoError(t, writer.WriteField(key, value))
	}
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", bearerToken(t, accountID))

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

const mappingJSON = `{"date":"Date","description":"Description","amount":"Amount"}`

// fakeStatementCSV builds a deterministic but realistic bank export.
func fakeStatementCSV(rows int) []byte {
	faker := gofakeit.New(42)
	var sb strings.Builder
	sb.WriteString("Date,Description,Amount\n")
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < rows; i++ {
		// Company names can contain commas, so the field is quoted.
		fmt.Fprintf(&sb, "%s,\"%s %s\",%0.2f\n",
			day.AddDate(0, 0, i%28).Format("2006-01-02"),
			faker.Company(),
			faker.LetterN(6),
			faker.Price(1, 500),
		)
	}
	return []byte(sb.String())
}

func TestImportFlow_CSV(t *testing.T) {
	s := newStack(t, 100000)
	accountID := uuid.New()
	statement := fakeStatementCSV(50)

	// Analyze columns.
	rec := upload(t, s, accountID, "/v1/import/columns", "statement.csv", statement, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var columns importservice.ColumnsResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &columns))
	assert.Equal(t, []string{"Date", "Description", "Amount"}, columns.Headers)
	assert.Equal(t, "Date", columns.SuggestedMapping.Date)
	assert.Nil(t, columns.Preset)

	// Preview: accurate totals, no writes.
	rec = upload(t, s, accountID, "/v1/import/preview", "statement.csv", statement,
		map[string]string{"mapping": mappingJSON, "previewRows": "10"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var preview importservice.PreviewResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &preview))
	assert.Equal(t, 50, preview.TotalRows)
	assert.Len(t, preview.Preview, 10)
	assert.Empty(t, preview.Errors)
	assert.Empty(t, s.records.byKey)

	// Commit.
	rec = upload(t, s, accountID, "/v1/import/commit", "statement.csv", statement,
		map[string]string{"mapping": mappingJSON, "skipDuplicates": "true"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var commit importservice.CommitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &commit))
	assert.Equal(t, 50, commit.Inserted)
	assert.Len(t, s.records.byKey, 50)

	// The mapping is remembered for this export shape.
	rec = upload(t, s, accountID, "/v1/import/columns", "statement.csv", statement, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &columns))
	require.NotNil(t, columns.Preset)
	assert.Equal(t, "Amount", columns.Preset.Amount)

	// Re-committing the same file is a no-op.
	rec = upload(t, s, accountID, "/v1/import/commit", "statement.csv", statement,
		map[string]string{"mapping": mappingJSON, "skipDuplicates": "true"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &commit))
	assert.Zero(t, commit.Inserted)
	assert.Equal(t, 50, commit.DuplicatesSkipped)
	assert.Len(t, s.records.byKey, 50)
}

func TestImportFlow_XLSX(t *testing.T) {
	s := newStack(t, 100000)
	accountID := uuid.New()

	f := excelize.NewFile()
	require.NoError(t, f.SetSheetName("Sheet1", "Statement"))
	rows := [][]interface{}{
		{"Date", "Description", "Amount"},
		{"2024-01-15", "STARBUCKS STORE #123", 4.5},
		{"2024-01-16", "Salary", -5000},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("Statement", cell, &row))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	rec := upload(t, s, accountID, "/v1/import/commit", "statement.xlsx", buf.Bytes(),
		map[string]string{"mapping": mappingJSON})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var commit importservice.CommitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &commit))
	assert.Equal(t, 2, commit.Inserted)

	var kinds []string
	for _, r := range s.records.byKey {
		kinds = append(kinds, r.Kind)
	}
	assert.ElementsMatch(t, []string{"expense", "income"}, kinds)
}

func TestImportFlow_AsyncCommit(t *testing.T) {
	s := newStack(t, 10)
	accountID := uuid.New()
	statement := fakeStatementCSV(25)

	rec := upload(t, s, accountID, "/v1/import/commit", "statement.csv", statement,
		map[string]string{"mapping": mappingJSON})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var commit importservice.CommitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &commit))
	require.True(t, commit.Async)
	require.NotNil(t, commit.JobID)

	// Drain the queue so the deferred commit finishes.
	require.NoError(t, s.queue.Shutdown(context.Background()))

	req := httptest.NewRequest(http.MethodGet, "/v1/import/jobs/"+commit.JobID.String(), nil)
	req.Header.Set("Authorization", bearerToken(t, accountID))
	poll := httptest.NewRecorder()
	s.router.ServeHTTP(poll, req)
	require.Equal(t, http.StatusOK, poll.Code)

	var job importrepo.ImportJob
	require.NoError(t, json.Unmarshal(poll.Body.Bytes(), &job))
	assert.Equal(t, importrepo.JobSucceeded, job.Status)
	assert.Equal(t, 25, job.Inserted)
	assert.Len(t, s.records.byKey, 25)
}

func TestImportFlow_RejectsWithoutToken(t *testing.T) {
	s := newStack(t, 100000)

	req := httptest.NewRequest(http.MethodPost, "/v1/import/columns", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
