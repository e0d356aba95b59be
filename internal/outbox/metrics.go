package outbox

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "peloton_sync"

// DLQ outcomes reported on dlqOutcomes.
const (
	outcomeRequeued    = "requeued"
	outcomeRescheduled = "rescheduled"
	outcomeQuarantined = "quarantined"
)

var (
	publishedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "outbox",
		Name:      "published_total",
		Help:      "Outbox events delivered to Kafka.",
	}, []string{"topic", "event_type"})

	deadLetteredCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "outbox",
		Name:      "dead_lettered_total",
		Help:      "Outbox events moved to outbox_dlq after a failed delivery.",
	}, []string{"topic"})

	batchSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "outbox",
		Name:      "batch_seconds",
		Help:      "Wall time of one claim, deliver and mark cycle.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	backlogGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "outbox",
		Name:      "backlog",
		Help:      "Rows waiting in the outbox (unpublished) or the DLQ (not quarantined).",
	}, []string{"table"})

	dlqOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "dlq",
		Name:      "entries_total",
		Help:      "DLQ entries handled by the retry loop, by outcome.",
	}, []string{"topic", "event_type", "outcome"})
)

func init() {
	prometheus.MustRegister(publishedCounter, deadLetteredCounter, batchSeconds, backlogGauge, dlqOutcomes)
}

func recordPublished(msg Message) {
	publishedCounter.WithLabelValues(msg.Topic, msg.EventType).Inc()
}

func recordDeadLettered(msg Message) {
	deadLetteredCounter.WithLabelValues(msg.Topic).Inc()
}

func recordDLQOutcome(entry dlqEntry, outcome string) {
	dlqOutcomes.WithLabelValues(entry.Topic, entry.EventType, outcome).Inc()
}

var backlogQueries = map[string]string{
	"outbox":     `SELECT COUNT(*) FROM outbox WHERE published_at IS NULL`,
	"outbox_dlq": `SELECT COUNT(*) FROM outbox_dlq WHERE quarantined_at IS NULL`,
}

// refreshBacklog samples the size of table. Query failures leave the previous value.
func refreshBacklog(ctx context.Context, pool *pgxpool.Pool, table string) {
	var n int
	if err := pool.QueryRow(ctx, backlogQueries[table]).Scan(&n); err != nil {
		return
	}
	backlogGauge.WithLabelValues(table).Set(float64(n))
}
