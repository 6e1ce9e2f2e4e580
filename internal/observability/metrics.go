package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the research tracker.
// Metrics are organized by subsystem: provider searches, provider HTTP requests,
// aggregation, intake, dedupe maintenance and summarization.
type Metrics struct {
	// SearchesStarted counts provider calls initiated, labeled by provider.
	SearchesStarted *prometheus.CounterVec

	// SearchesCompleted counts provider calls that returned at least one record.
	SearchesCompleted *prometheus.CounterVec

	// SearchesEmpty counts provider calls that returned nothing, which covers
	// both genuinely empty answers and swallowed failures.
	SearchesEmpty *prometheus.CounterVec

	// SearchDuration observes provider call duration in seconds.
	SearchDuration *prometheus.HistogramVec

	// PapersPerSearch observes the distribution of records returned per call.
	PapersPerSearch *prometheus.HistogramVec

	// PapersDiscovered counts records collected before deduplication.
	PapersDiscovered prometheus.Counter

	// PapersBySource counts collected records, labeled by provider.
	PapersBySource *prometheus.CounterVec

	// SourceRequestsTotal counts HTTP requests to provider APIs, labeled by source and status.
	SourceRequestsTotal *prometheus.CounterVec

	// SourceRequestDuration observes HTTP request duration to provider APIs in seconds.
	SourceRequestDuration *prometheus.HistogramVec

	// SourceRateLimited counts 429 responses from provider APIs.
	SourceRateLimited *prometheus.CounterVec

	// AggregationRuns counts aggregator runs.
	AggregationRuns prometheus.Counter

	// AggregationCandidates observes the number of ranked candidates per run.
	AggregationCandidates prometheus.Histogram

	// IntakeOutcomes counts intake classifications, labeled by outcome
	// (inserted, duplicate, failed, skipped).
	IntakeOutcomes *prometheus.CounterVec

	// EventsPublishFailed counts paper-ingested events that could not be published.
	EventsPublishFailed prometheus.Counter

	// DedupeRemoved counts rows removed by the dedupe job, labeled by stage (id, title).
	DedupeRemoved *prometheus.CounterVec

	// DedupeIndexStatus counts dedupe runs by unique index outcome.
	DedupeIndexStatus *prometheus.CounterVec

	// SummariesProcessed counts summarization attempts, labeled by result.
	SummariesProcessed *prometheus.CounterVec

	// SummaryDuration observes summarizer call duration in seconds.
	SummaryDuration prometheus.Histogram
}

// NewMetrics creates a new Metrics instance registered with the default
// Prometheus registry. The namespace is used as a prefix for all metric names.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWith creates a new Metrics instance registered with reg. A nil
// reg creates unregistered metrics.
func NewMetricsWith(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		// Searches
		SearchesStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "searches_started_total",
			Help:      "Total number of provider searches started by provider",
		}, []string{"provider"}),
		SearchesCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "searches_completed_total",
			Help:      "Total number of provider searches that returned records",
		}, []string{"provider"}),
		SearchesEmpty: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "searches_empty_total",
			Help:      "Total number of provider searches that returned no records",
		}, []string{"provider"}),
		SearchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_duration_seconds",
			Help:      "Duration of provider searches in seconds by provider",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"provider"}),
		PapersPerSearch: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "papers_per_search",
			Help:      "Number of records returned per search by provider",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 200},
		}, []string{"provider"}),

		// Papers
		PapersDiscovered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "papers_discovered_total",
			Help:      "Total number of records collected before deduplication",
		}),
		PapersBySource: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "papers_by_source_total",
			Help:      "Total number of records collected by provider",
		}, []string{"provider"}),

		// Sources
		SourceRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_requests_total",
			Help:      "Total number of HTTP requests to provider APIs",
		}, []string{"source", "status"}),
		SourceRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "source_request_duration_seconds",
			Help:      "Duration of HTTP requests to provider APIs in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"source"}),
		SourceRateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_rate_limited_total",
			Help:      "Total number of rate limit responses from provider APIs",
		}, []string{"source"}),

		// Aggregation
		AggregationRuns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregation_runs_total",
			Help:      "Total number of aggregator runs",
		}),
		AggregationCandidates: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "aggregation_candidates",
			Help:      "Number of ranked candidates per aggregator run",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
		}),

		// Intake
		IntakeOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intake_papers_total",
			Help:      "Total number of intake candidates by outcome",
		}, []string{"outcome"}),
		EventsPublishFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_publish_failed_total",
			Help:      "Total number of paper events that failed to publish",
		}),

		// Maintenance
		DedupeRemoved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedupe_removed_total",
			Help:      "Total number of duplicate rows removed by stage",
		}, []string{"stage"}),
		DedupeIndexStatus: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedupe_index_status_total",
			Help:      "Total number of dedupe runs by unique index status",
		}, []string{"status"}),

		// Summaries
		SummariesProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summaries_processed_total",
			Help:      "Total number of summarization attempts by result",
		}, []string{"result"}),
		SummaryDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "summary_duration_seconds",
			Help:      "Duration of summarizer calls in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60},
		}),
	}
}

// RecordSearchStarted records that a provider search has started.
func (m *Metrics) RecordSearchStarted(provider string) {
	m.SearchesStarted.WithLabelValues(provider).Inc()
}

// RecordSearchCompleted records the outcome of a provider search.
func (m *Metrics) RecordSearchCompleted(provider string, paperCount int, durationSeconds float64) {
	if paperCount > 0 {
		m.SearchesCompleted.WithLabelValues(provider).Inc()
	} else {
		m.SearchesEmpty.WithLabelValues(provider).Inc()
	}
	m.SearchDuration.WithLabelValues(provider).Observe(durationSeconds)
	m.PapersPerSearch.WithLabelValues(provider).Observe(float64(paperCount))
}

// RecordPapersDiscovered records records collected from a provider.
func (m *Metrics) RecordPapersDiscovered(provider string, count int) {
	m.PapersDiscovered.Add(float64(count))
	m.PapersBySource.WithLabelValues(provider).Add(float64(count))
}

// RecordAggregation records an aggregator run.
func (m *Metrics) RecordAggregation(candidates int) {
	m.AggregationRuns.Inc()
	m.AggregationCandidates.Observe(float64(candidates))
}

// RecordIntake records the counts of one intake run.
func (m *Metrics) RecordIntake(inserted, duplicate, failed, skipped int) {
	m.IntakeOutcomes.WithLabelValues("inserted").Add(float64(inserted))
	m.IntakeOutcomes.WithLabelValues("duplicate").Add(float64(duplicate))
	m.IntakeOutcomes.WithLabelValues("failed").Add(float64(failed))
	m.IntakeOutcomes.WithLabelValues("skipped").Add(float64(skipped))
}

// RecordEventPublishFailed records an event that could not be published.
func (m *Metrics) RecordEventPublishFailed() {
	m.EventsPublishFailed.Inc()
}

// RecordDedupe records the outcome of a dedupe run.
func (m *Metrics) RecordDedupe(removedByID, removedByTitle int, indexStatus string) {
	m.DedupeRemoved.WithLabelValues("id").Add(float64(removedByID))
	m.DedupeRemoved.WithLabelValues("title").Add(float64(removedByTitle))
	m.DedupeIndexStatus.WithLabelValues(indexStatus).Inc()
}

// RecordSummary records a summarization attempt.
func (m *Metrics) RecordSummary(success bool, durationSeconds float64) {
	result := "success"
	if !success {
		result = "failed"
	}
	m.SummariesProcessed.WithLabelValues(result).Inc()
	m.SummaryDuration.Observe(durationSeconds)
}

// ObserveRequest records an HTTP request to a provider API. It satisfies
// papersources.RequestObserver together with ObserveRateLimited.
func (m *Metrics) ObserveRequest(source string, status int, duration time.Duration) {
	m.SourceRequestsTotal.WithLabelValues(source, statusLabel(status)).Inc()
	m.SourceRequestDuration.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveRateLimited records a rate limit response from a provider API.
func (m *Metrics) ObserveRateLimited(source string) {
	m.SourceRateLimited.WithLabelValues(source).Inc()
}

// statusLabel keeps the status label bounded; 0 means a transport error.
func statusLabel(status int) string {
	if status <= 0 {
		return "error"
	}
	return strconv.Itoa(status)
}
