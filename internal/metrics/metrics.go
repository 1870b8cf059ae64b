package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "santedb_sync"

var (
	once sync.Once

	entriesEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_enqueued_total",
			Help:      "Queue entries enqueued by queue.",
		},
		[]string{"queue"},
	)

	entriesPushed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_pushed_total",
			Help:      "Outbound entries transmitted upstream.",
		},
	)

	recordsPulled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_pulled_total",
			Help:      "Remote records pulled by resource type.",
		},
		[]string{"resource"},
	)

	failures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Entry failures by classification.",
		},
		[]string{"class"},
	)

	deadLettered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_lettered_total",
			Help:      "Entries moved to the dead-letter queue by origin queue.",
		},
		[]string{"queue"},
	)

	cycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of synchronization cycles.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"direction"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Entries currently held per queue.",
		},
		[]string{"queue"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(entriesEnqueued, entriesPushed, recordsPulled, failures, deadLettered, cycleDuration, queueDepth)
	})
}

func IncEnqueued(queue string) {
	entriesEnqueued.WithLabelValues(queue).Inc()
}

func IncPushed() {
	entriesPushed.Inc()
}

func AddPulled(resource string, n int) {
	recordsPulled.WithLabelValues(resource).Add(float64(n))
}

func IncFailure(class string) {
	failures.WithLabelValues(class).Inc()
}

func IncDeadLettered(queue string) {
	deadLettered.WithLabelValues(queue).Inc()
}

func ObserveCycle(direction string, d time.Duration) {
	cycleDuration.WithLabelValues(direction).Observe(d.Seconds())
}

func SetQueueDepth(queue string, n int) {
	queueDepth.WithLabelValues(queue).Set(float64(n))
}
