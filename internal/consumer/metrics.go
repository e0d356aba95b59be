package consumer

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Results reported on messagesTotal.
const (
	resultProcessed    = "processed"
	resultHandlerError = "handler_error"
	resultRejected     = "rejected"
)

var (
	messagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peloton_sync",
		Subsystem: "consumer",
		Name:      "messages_total",
		Help:      "Kafka records seen by the consumer, by result. Rejected records are committed unhandled.",
	}, []string{"topic", "result"})

	lastProcessedGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "peloton_sync",
		Subsystem: "consumer",
		Name:      "last_processed_timestamp_seconds",
		Help:      "Broker timestamp of the newest record handled successfully.",
	}, []string{"topic"})

	requestOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peloton_sync",
		Subsystem: "consumer",
		Name:      "sync_requests_total",
		Help:      "Sync requests handled, by run status or failure.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(messagesTotal, lastProcessedGauge, requestOutcomes)
}

func recordResult(topic, result string) {
	messagesTotal.WithLabelValues(topic, result).Inc()
}

func recordProcessed(msg Message) {
	recordResult(msg.Topic, resultProcessed)
	if !msg.Timestamp.IsZero() {
		lastProcessedGauge.WithLabelValues(msg.Topic).Set(float64(msg.Timestamp.Unix()))
	}
}

func recordRequestOutcome(outcome string) {
	requestOutcomes.WithLabelValues(outcome).Inc()
}
