package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "moderation_jobs_submitted_total",
			Help: "Total number of moderation jobs accepted by the orchestrator",
		},
	)
	TasksPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moderation_tasks_published_total",
			Help: "Total number of task requests fanned out, by modality",
		},
		[]string{"modality"},
	)
	ResultsConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moderation_results_consumed_total",
			Help: "Total number of worker results consumed, by reported status",
		},
		[]string{"status"},
	)
	DuplicateResultsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "moderation_duplicate_results_total",
			Help: "Worker results whose (job, service) pair was already recorded",
		},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moderation_jobs_completed_total",
			Help: "Total number of completion events published, by verdict",
		},
		[]string{"verdict"},
	)
	PublishFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moderation_publish_failures_total",
			Help: "Failed broker publishes, by exchange",
		},
		[]string{"exchange"},
	)
	BrokerReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "moderation_broker_reconnects_total",
			Help: "Broker connection rebuilds after transport loss",
		},
	)
	FleetSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "moderation_fleet_size",
			Help: "Live moderation workers according to the container runtime",
		},
	)
)

var registerOnce sync.Once

// InitMetrics registers all metrics with the default registry. Safe to
// call from every process entry point.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			JobsSubmittedTotal,
			TasksPublishedTotal,
			ResultsConsumedTotal,
			DuplicateResultsTotal,
			JobsCompletedTotal,
			PublishFailuresTotal,
			BrokerReconnectsTotal,
			FleetSize,
		)
	})
}

// SetFleetSize records the current live worker count.
func SetFleetSize(n int) { FleetSize.Set(float64(n)) }
