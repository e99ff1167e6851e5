package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustRegister(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("MustRegister() panicked: %v", r)
		}
	}()
	m.MustRegister(registry)

	m.RecordEnqueued("notifications")
	m.RecordDuplicate("notifications")
	m.RecordDequeued("notifications", 2*time.Second)
	m.RecordJob("notifications", true, 100*time.Millisecond)
	m.RecordRetry("notifications")
	m.RecordDeadLetter("notifications")
	m.RecordWebhook("demo", "processed")
	m.RecordConflict("booking")

	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("Registry.Gather() error: %v", err)
	}

	expectedMetrics := []string{
		"stagehand_queue_depth",
		"stagehand_queue_lag_seconds",
		"stagehand_worker_jobs_total",
		"stagehand_worker_job_duration_seconds",
		"stagehand_job_retries_total",
		"stagehand_dead_letters_total",
		"stagehand_webhooks_total",
		"stagehand_reservation_conflicts_total",
		"stagehand_jobs_enqueued_total",
		"stagehand_jobs_deduplicated_total",
	}

	registered := make(map[string]bool)
	for _, mf := range metricFamilies {
		registered[mf.GetName()] = true
		if !strings.HasPrefix(mf.GetName(), "stagehand_") {
			t.Errorf("metric %s does not have prefix stagehand_", mf.GetName())
		}
	}
	for _, expected := range expectedMetrics {
		if !registered[expected] {
			t.Errorf("Expected metric %s not found in registry", expected)
		}
	}
}

func TestRecordEnqueued(t *testing.T) {
	m := New()

	tests := []struct {
		name  string
		queue string
		calls int
	}{
		{name: "single enqueue", queue: "notifications", calls: 1},
		{name: "multiple enqueues", queue: "media-jobs", calls: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < tt.calls; i++ {
				m.RecordEnqueued(tt.queue)
			}
			if got := testutil.ToFloat64(m.QueueDepth.WithLabelValues(tt.queue)); got != float64(tt.calls) {
				t.Errorf("queue depth = %f, want %d", got, tt.calls)
			}
			if got := testutil.ToFloat64(m.JobsEnqueuedTotal.WithLabelValues(tt.queue)); got != float64(tt.calls) {
				t.Errorf("enqueued total = %f, want %d", got, tt.calls)
			}
		})
	}
}

func TestRecordDequeued(t *testing.T) {
	m := New()
	for i := 0; i < 3; i++ {
		m.RecordEnqueued("media-jobs")
	}

	m.RecordDequeued("media-jobs", 4*time.Second)
	if got := testutil.ToFloat64(m.QueueDepth.WithLabelValues("media-jobs")); got != 2 {
		t.Errorf("queue depth = %f, want 2", got)
	}
	if got := testutil.ToFloat64(m.QueueLagSeconds.WithLabelValues("media-jobs")); got != 4 {
		t.Errorf("queue lag = %f, want 4", got)
	}

	m.RecordDequeued("media-jobs", -1)
	if got := testutil.ToFloat64(m.QueueDepth.WithLabelValues("media-jobs")); got != 1 {
		t.Errorf("queue depth = %f, want 1", got)
	}
	if got := testutil.ToFloat64(m.QueueLagSeconds.WithLabelValues("media-jobs")); got != 4 {
		t.Errorf("unknown lag overwrote gauge: %f", got)
	}
}

func TestSetQueueDepth(t *testing.T) {
	m := New()
	m.RecordEnqueued("invoice-reminders")
	m.SetQueueDepth("invoice-reminders", 42)

	if got := testutil.ToFloat64(m.QueueDepth.WithLabelValues("invoice-reminders")); got != 42 {
		t.Errorf("queue depth = %f, want 42", got)
	}
}

func TestRecordJob(t *testing.T) {
	m := New()

	tests := []struct {
		name   string
		ok     bool
		result string
	}{
		{name: "successful job", ok: true, result: "success"},
		{name: "failed job", ok: false, result: "failure"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m.RecordJob("notifications", tt.ok, 50*time.Millisecond)
			if got := testutil.ToFloat64(m.WorkerJobsTotal.WithLabelValues("notifications", tt.result)); got != 1 {
				t.Errorf("jobs total{%s} = %f, want 1", tt.result, got)
			}
		})
	}

	if got := testutil.CollectAndCount(m.JobDurationSeconds); got != 1 {
		t.Errorf("duration series = %d, want 1", got)
	}
}

func TestRecordRetryAndDeadLetter(t *testing.T) {
	m := New()
	m.RecordRetry("notifications")
	m.RecordRetry("notifications")
	m.RecordDeadLetter("notifications")

	if got := testutil.ToFloat64(m.JobRetriesTotal.WithLabelValues("notifications")); got != 2 {
		t.Errorf("retries = %f, want 2", got)
	}
	if got := testutil.ToFloat64(m.DeadLettersTotal.WithLabelValues("notifications")); got != 1 {
		t.Errorf("dead letters = %f, want 1", got)
	}
}

func TestRecordWebhookAndConflict(t *testing.T) {
	m := New()
	m.RecordWebhook("demo", "processed")
	m.RecordWebhook("demo", "duplicate")
	m.RecordWebhook("demo", "duplicate")
	m.RecordConflict("rental")

	if got := testutil.ToFloat64(m.WebhooksTotal.WithLabelValues("demo", "duplicate")); got != 2 {
		t.Errorf("webhooks{duplicate} = %f, want 2", got)
	}
	if got := testutil.ToFloat64(m.ConflictsTotal.WithLabelValues("rental")); got != 1 {
		t.Errorf("conflicts{rental} = %f, want 1", got)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("nil *Metrics panicked: %v", r)
		}
	}()
	m.RecordEnqueued("q")
	m.RecordDuplicate("q")
	m.RecordDequeued("q", time.Second)
	m.SetQueueDepth("q", 1)
	m.RecordJob("q", false, time.Second)
	m.RecordRetry("q")
	m.RecordDeadLetter("q")
	m.RecordWebhook("p", "failed")
	m.RecordConflict("booking")
}
