// Package metrics exposes Prometheus instrumentation for the import pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline's instruments. Operation labels are
// "columns", "preview" and "commit"; status is "ok" or "error".
type Metrics struct {
	ImportsTotal      *prometheus.CounterVec
	ImportDuration    *prometheus.HistogramVec
	RowsProcessed     prometheus.Counter
	RowErrors         prometheus.Counter
	DuplicatesFlagged prometheus.Counter
	RecordsInserted   prometheus.Counter
	RecordsUpdated    prometheus.Counter
	JobsQueued        prometheus.Counter
}

// New registers all instruments with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ImportsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "moneta_imports_total",
			Help: "Import operations by type and outcome.",
		}, []string{"operation", "status"}),
		ImportDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "moneta_import_duration_seconds",
			Help:    "Wall time of import operations.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"operation"}),
		RowsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "moneta_import_rows_processed_total",
			Help: "Source rows decoded across all imports.",
		}),
		RowErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "moneta_import_row_errors_total",
			Help: "Rows rejected with a field-level error.",
		}),
		DuplicatesFlagged: factory.NewCounter(prometheus.CounterOpts{
			Name: "moneta_import_duplicates_flagged_total",
			Help: "Candidates flagged as duplicates of existing records.",
		}),
		RecordsInserted: factory.NewCounter(prometheus.CounterOpts{
			Name: "moneta_import_records_inserted_total",
			Help: "Transactions inserted by commits.",
		}),
		RecordsUpdated: factory.NewCounter(prometheus.CounterOpts{
			Name: "moneta_import_records_updated_total",
			Help: "Transactions overwritten by commits.",
		}),
		JobsQueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "moneta_import_jobs_queued_total",
			Help: "Commits deferred to the background queue.",
		}),
	}
}

// NewRegistry builds a registry preloaded with process and Go collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the /metrics endpoint for a registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
