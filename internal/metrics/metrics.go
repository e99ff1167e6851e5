package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every collector the API and worker export. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	QueueDepth         *prometheus.GaugeVec
	QueueLagSeconds    *prometheus.GaugeVec
	WorkerJobsTotal    *prometheus.CounterVec
	JobDurationSeconds *prometheus.HistogramVec
	JobRetriesTotal    *prometheus.CounterVec
	DeadLettersTotal   *prometheus.CounterVec
	WebhooksTotal      *prometheus.CounterVec
	ConflictsTotal     *prometheus.CounterVec
	JobsEnqueuedTotal  *prometheus.CounterVec
	DuplicateJobsTotal *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "stagehand_queue_depth",
				Help: "Pending jobs per queue.",
			},
			[]string{"queue"},
		),
		QueueLagSeconds: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "stagehand_queue_lag_seconds",
				Help: "Age of the most recently dequeued job per queue.",
			},
			[]string{"queue"},
		),
		WorkerJobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stagehand_worker_jobs_total",
				Help: "Processed job attempts by worker and result.",
			},
			[]string{"worker", "result"}, // success, failure
		),
		JobDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stagehand_worker_job_duration_seconds",
				Help:    "Handler duration per worker.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"worker"},
		),
		JobRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stagehand_job_retries_total",
				Help: "Job attempts handed back to the broker for retry.",
			},
			[]string{"queue"},
		),
		DeadLettersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stagehand_dead_letters_total",
				Help: "Jobs moved to a dead-letter queue, by source queue. A dead-letter queue label counts jobs dropped from it.",
			},
			[]string{"queue"},
		),
		WebhooksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stagehand_webhooks_total",
				Help: "Inbound payment webhooks by provider and result.",
			},
			[]string{"provider", "result"}, // processed, duplicate, failed
		),
		ConflictsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stagehand_reservation_conflicts_total",
				Help: "Rejected reservations by kind.",
			},
			[]string{"kind"},
		),
		JobsEnqueuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stagehand_jobs_enqueued_total",
				Help: "Jobs accepted by the queue port.",
			},
			[]string{"queue"},
		),
		DuplicateJobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stagehand_jobs_deduplicated_total",
				Help: "Enqueues collapsed onto an already pending job id.",
			},
			[]string{"queue"},
		),
	}
}

func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		m.QueueDepth,
		m.QueueLagSeconds,
		m.WorkerJobsTotal,
		m.JobDurationSeconds,
		m.JobRetriesTotal,
		m.DeadLettersTotal,
		m.WebhooksTotal,
		m.ConflictsTotal,
		m.JobsEnqueuedTotal,
		m.DuplicateJobsTotal,
	)
}

// RecordEnqueued counts an accepted enqueue and bumps the depth gauge.
func (m *Metrics) RecordEnqueued(queue string) {
	if m == nil {
		return
	}
	m.JobsEnqueuedTotal.WithLabelValues(queue).Inc()
	m.QueueDepth.WithLabelValues(queue).Inc()
}

func (m *Metrics) RecordDuplicate(queue string) {
	if m == nil {
		return
	}
	m.DuplicateJobsTotal.WithLabelValues(queue).Inc()
}

// RecordDequeued drops the depth gauge by one and records how long the job
// waited between enqueue and pickup. A negative lag means it is unknown.
func (m *Metrics) RecordDequeued(queue string, lag time.Duration) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(queue).Dec()
	if lag >= 0 {
		m.QueueLagSeconds.WithLabelValues(queue).Set(lag.Seconds())
	}
}

// SetQueueDepth overwrites the depth gauge with a broker-reported value.
func (m *Metrics) SetQueueDepth(queue string, depth float64) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(queue).Set(depth)
}

func (m *Metrics) RecordJob(worker string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.WorkerJobsTotal.WithLabelValues(worker, result).Inc()
	m.JobDurationSeconds.WithLabelValues(worker).Observe(d.Seconds())
}

func (m *Metrics) RecordRetry(queue string) {
	if m == nil {
		return
	}
	m.JobRetriesTotal.WithLabelValues(queue).Inc()
}

func (m *Metrics) RecordDeadLetter(queue string) {
	if m == nil {
		return
	}
	m.DeadLettersTotal.WithLabelValues(queue).Inc()
}

func (m *Metrics) RecordWebhook(provider, result string) {
	if m == nil {
		return
	}
	m.WebhooksTotal.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) RecordConflict(kind string) {
	if m == nil {
		return
	}
	m.ConflictsTotal.WithLabelValues(kind).Inc()
}
