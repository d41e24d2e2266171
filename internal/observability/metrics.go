package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects pipeline metrics.
//
// The metrics track:
//   - sync runs and their outcome (ok|skipped|aborted|error)
//   - pages fetched and messages archived, skipped or indexed
//   - provider calls (discord, embeddings, llm, vector store) by status
//   - replies delivered per mode and inbound interactions per type
//
// All methods are safe on a nil *Metrics so components can run unmetered.
//
// Usage:
//
//	metrics := observability.NewMetrics(nil)
//	metrics.RecordSyncRun("ok", time.Since(start))
type Metrics struct {
	// SyncRuns counts sync runs. Labels: outcome
	SyncRuns *prometheus.CounterVec

	// SyncDuration measures run wall time in seconds.
	SyncDuration prometheus.Histogram

	// PagesFetched counts history pages pulled from the chat provider.
	PagesFetched prometheus.Counter

	// MessagesArchived counts newly persisted messages.
	MessagesArchived prometheus.Counter

	// MessagesSkipped counts dropped messages. Labels: reason (malformed|empty)
	MessagesSkipped *prometheus.CounterVec

	// VectorsIndexed counts memory vectors upserted.
	VectorsIndexed prometheus.Counter

	// IndexFailures counts failed embedding sub-batches.
	IndexFailures prometheus.Counter

	// ProviderCalls counts remote calls. Labels: provider, operation, status
	ProviderCalls *prometheus.CounterVec

	// ProviderDuration measures remote call latency. Labels: provider, operation
	// Buckets: 0.05s .. 60s
	ProviderDuration *prometheus.HistogramVec

	// Replies counts delivered replies. Labels: mode (ambient|directed), outcome
	Replies *prometheus.CounterVec

	// Interactions counts inbound interaction events. Labels: type, outcome
	Interactions *prometheus.CounterVec

	// BackgroundTasks is the number of detached tasks in flight.
	BackgroundTasks prometheus.Gauge
}

// NewMetrics creates and registers all metrics on reg. A nil reg uses the
// default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		SyncRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "archivist_sync_runs_total",
			Help: "Sync runs by outcome",
		}, []string{"outcome"}),

		SyncDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "archivist_sync_duration_seconds",
			Help:    "Duration of sync runs in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),

		PagesFetched: f.NewCounter(prometheus.CounterOpts{
			Name: "archivist_pages_fetched_total",
			Help: "History pages fetched from the chat provider",
		}),

		MessagesArchived: f.NewCounter(prometheus.CounterOpts{
			Name: "archivist_messages_archived_total",
			Help: "Messages newly persisted to the archive",
		}),

		MessagesSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "archivist_messages_skipped_total",
			Help: "Messages dropped during ingestion by reason",
		}, []string{"reason"}),

		VectorsIndexed: f.NewCounter(prometheus.CounterOpts{
			Name: "archivist_vectors_indexed_total",
			Help: "Memory vectors upserted",
		}),

		IndexFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "archivist_index_failures_total",
			Help: "Embedding sub-batches that failed to index",
		}),

		ProviderCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "archivist_provider_calls_total",
			Help: "Remote provider calls by provider, operation and status",
		}, []string{"provider", "operation", "status"}),

		ProviderDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "archivist_provider_call_duration_seconds",
			Help:    "Duration of remote provider calls in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "operation"}),

		Replies: f.NewCounterVec(prometheus.CounterOpts{
			Name: "archivist_replies_total",
			Help: "Replies delivered by mode and outcome",
		}, []string{"mode", "outcome"}),

		Interactions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "archivist_interactions_total",
			Help: "Inbound interactions by type and outcome",
		}, []string{"type", "outcome"}),

		BackgroundTasks: f.NewGauge(prometheus.GaugeOpts{
			Name: "archivist_background_tasks",
			Help: "Detached background tasks currently running",
		}),
	}
}

// RecordSyncRun records a finished run.
func (m *Metrics) RecordSyncRun(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.SyncRuns.WithLabelValues(outcome).Inc()
	m.SyncDuration.Observe(d.Seconds())
}

// RecordPage records one fetched page and how many of its messages were archived.
func (m *Metrics) RecordPage(archived int) {
	if m == nil {
		return
	}
	m.PagesFetched.Inc()
	m.MessagesArchived.Add(float64(archived))
}

// RecordSkipped counts messages dropped for reason.
func (m *Metrics) RecordSkipped(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.MessagesSkipped.WithLabelValues(reason).Add(float64(n))
}

// RecordIndexed records the outcome of one embedding sub-batch.
func (m *Metrics) RecordIndexed(vectors int, failed bool) {
	if m == nil {
		return
	}
	if failed {
		m.IndexFailures.Inc()
		return
	}
	m.VectorsIndexed.Add(float64(vectors))
}

// RecordProviderCall records a remote call.
//
// Example:
//
//	start := time.Now()
//	_, err := session.ChannelMessages(...)
//	metrics.RecordProviderCall("discord", "fetch_page", err, time.Since(start))
func (m *Metrics) RecordProviderCall(provider, operation string, err error, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.ProviderCalls.WithLabelValues(provider, operation, status).Inc()
	m.ProviderDuration.WithLabelValues(provider, operation).Observe(d.Seconds())
}

// RecordReply counts a reply delivery.
func (m *Metrics) RecordReply(mode, outcome string) {
	if m == nil {
		return
	}
	m.Replies.WithLabelValues(mode, outcome).Inc()
}

// RecordInteraction counts an inbound interaction.
func (m *Metrics) RecordInteraction(kind, outcome string) {
	if m == nil {
		return
	}
	m.Interactions.WithLabelValues(kind, outcome).Inc()
}

// TaskStarted and TaskFinished track detached background work.
func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.BackgroundTasks.Inc()
}

func (m *Metrics) TaskFinished() {
	if m == nil {
		return
	}
	m.BackgroundTasks.Dec()
}
