package observability

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsRegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordSyncRun("ok", 2*time.Second)
	m.RecordSyncRun("skipped", 0)

	expected := `
		# HELP archivist_sync_runs_total Sync runs by outcome
		# TYPE archivist_sync_runs_total counter
		archivist_sync_runs_total{outcome="ok"} 1
		archivist_sync_runs_total{outcome="skipped"} 1
	`
	if err := testutil.CollectAndCompare(m.SyncRuns, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestRecordPageAndSkipped(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordPage(3)
	m.RecordPage(0)
	m.RecordSkipped("malformed", 2)
	m.RecordSkipped("malformed", 0)

	if got := testutil.ToFloat64(m.PagesFetched); got != 2 {
		t.Errorf("pages = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.MessagesArchived); got != 3 {
		t.Errorf("archived = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.MessagesSkipped.WithLabelValues("malformed")); got != 2 {
		t.Errorf("skipped = %v, want 2", got)
	}
}

func TestRecordIndexed(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordIndexed(10, false)
	m.RecordIndexed(5, true)

	if got := testutil.ToFloat64(m.VectorsIndexed); got != 10 {
		t.Errorf("indexed = %v, want 10", got)
	}
	if got := testutil.ToFloat64(m.IndexFailures); got != 1 {
		t.Errorf("failures = %v, want 1", got)
	}
}

func TestRecordProviderCall(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordProviderCall("discord", "fetch_page", nil, 100*time.Millisecond)
	m.RecordProviderCall("discord", "fetch_page", errors.New("429"), 50*time.Millisecond)

	if got := testutil.ToFloat64(m.ProviderCalls.WithLabelValues("discord", "fetch_page", "success")); got != 1 {
		t.Errorf("success = %v", got)
	}
	if got := testutil.ToFloat64(m.ProviderCalls.WithLabelValues("discord", "fetch_page", "error")); got != 1 {
		t.Errorf("error = %v", got)
	}
	if count := testutil.CollectAndCount(m.ProviderDuration); count != 1 {
		t.Errorf("duration series = %d, want 1", count)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordSyncRun("ok", time.Second)
	m.RecordPage(1)
	m.RecordSkipped("empty", 1)
	m.RecordIndexed(1, false)
	m.RecordProviderCall("llm", "generate", nil, time.Second)
	m.RecordReply("ambient", "delivered")
	m.RecordInteraction("command", "deferred")
	m.TaskStarted()
	m.TaskFinished()
}
