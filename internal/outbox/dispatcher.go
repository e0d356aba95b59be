// Package outbox persists and delivers domain events to Kafka.
package outbox

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/dwaynehoov/peloton-sync-psql/internal/logging"
)

type messageWriter interface {
	WriteMessages(context.Context, string, ...kafka.Message) error
}

// Dispatcher relays unpublished outbox rows to Kafka. Rows whose topic write fails are moved to
// outbox_dlq and still leave the outbox.
type Dispatcher struct {
	pool     *pgxpool.Pool
	producer messageWriter
	dlq      *DLQWriter
	interval time.Duration
	limit    int
	logger   zerolog.Logger
	stopped  chan struct{}
}

// DispatcherOption customises a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger overrides the logger.
func WithDispatcherLogger(logger zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithRetryBaseDelay sets the backoff base used when a replayed event fails again.
func WithRetryBaseDelay(delay time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.dlq.baseDelay = delay }
}

// NewDispatcher returns a dispatcher that claims up to batchSize rows every pollInterval.
func NewDispatcher(pool *pgxpool.Pool, producer messageWriter, pollInterval time.Duration, batchSize int, opts ...DispatcherOption) *Dispatcher {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 25
	}
	d := &Dispatcher{
		pool:     pool,
		producer: producer,
		dlq:      NewDLQWriter(pool),
		interval: pollInterval,
		limit:    batchSize,
		logger:   logging.Logger().With().Str("component", "outbox").Logger(),
		stopped:  make(chan struct{}),
	}
	for _, apply := range opts {
		apply(d)
	}
	return d
}

// Start drains the outbox until ctx is done. Run it on its own goroutine and use Wait to block
// until it has returned.
func (d *Dispatcher) Start(ctx context.Context) {
	defer close(d.stopped)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		err := d.drain(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error().Err(err).Msg("outbox drain failed")
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// Wait blocks until Start has returned.
func (d *Dispatcher) Wait() {
	<-d.stopped
}

// drain relays full batches back to back and stops at the first short one.
func (d *Dispatcher) drain(ctx context.Context) error {
	defer refreshBacklog(ctx, d.pool, "outbox")
	for ctx.Err() == nil {
		n, err := d.processBatch(ctx)
		if err != nil {
			return err
		}
		if n < d.limit {
			return nil
		}
	}
	return nil
}

// processBatch claims one batch, relays it and marks every claimed row published. It returns the
// number of rows claimed.
func (d *Dispatcher) processBatch(ctx context.Context) (int, error) {
	started := time.Now()

	batch, err := d.claim(ctx)
	if err != nil || len(batch) == 0 {
		return 0, err
	}
	defer func() { batchSeconds.Observe(time.Since(started).Seconds()) }()

	failed := d.deliver(ctx, batch)
	for topic, cause := range failed {
		rows := filterTopic(batch, topic)
		d.logger.Warn().Err(cause).Str("topic", topic).Int("events", len(rows)).Msg("topic write failed, dead-lettering")
		if err := d.deadLetter(ctx, rows, cause); err != nil {
			return 0, err
		}
	}
	for _, msg := range batch {
		if failed[msg.Topic] == nil {
			recordPublished(msg)
		}
	}

	if err := d.markPublished(ctx, batch); err != nil {
		return 0, err
	}
	return len(batch), nil
}

// claim stamps claimed_at on the oldest unpublished rows that no other dispatcher holds and
// returns them in event order.
func (d *Dispatcher) claim(ctx context.Context) ([]Message, error) {
	rows, err := d.pool.Query(ctx, `
        WITH due AS (
            SELECT event_id FROM outbox
             WHERE published_at IS NULL
             ORDER BY event_id
             LIMIT $1
               FOR UPDATE SKIP LOCKED
        )
        UPDATE outbox o
           SET claimed_at = NOW()
          FROM due
         WHERE o.event_id = due.event_id
        RETURNING o.event_id, o.aggregate_type, o.aggregate_id, o.event_type, o.topic,
                  o.partition_key, o.payload, o.dlq_retry_count, o.created_at`, d.limit)
	if err != nil {
		return nil, err
	}
	batch, err := pgx.CollectRows(rows, pgx.RowToStructByPos[Message])
	if err != nil {
		return nil, err
	}
	slices.SortFunc(batch, func(a, b Message) int { return cmp.Compare(a.EventID, b.EventID) })
	return batch, nil
}

// deliver writes one Kafka batch per topic, topics in name order and rows in event order, and
// returns the error of each topic whose write failed.
func (d *Dispatcher) deliver(ctx context.Context, batch []Message) map[string]error {
	byTopic := make(map[string][]kafka.Message)
	for _, msg := range batch {
		byTopic[msg.Topic] = append(byTopic[msg.Topic], msg.kafkaMessage())
	}

	failed := make(map[string]error)
	for _, topic := range slices.Sorted(maps.Keys(byTopic)) {
		if err := d.producer.WriteMessages(ctx, topic, byTopic[topic]...); err != nil {
			failed[topic] = err
		}
	}
	return failed
}

func (d *Dispatcher) markPublished(ctx context.Context, batch []Message) error {
	ids := make([]int64, len(batch))
	for i, msg := range batch {
		ids[i] = msg.EventID
	}
	_, err := d.pool.Exec(ctx, `UPDATE outbox SET published_at = NOW() WHERE event_id = ANY($1)`, ids)
	return err
}

func (d *Dispatcher) deadLetter(ctx context.Context, rows []Message, cause error) error {
	for _, msg := range rows {
		reason := fmt.Sprintf("publish to %s: %v", msg.Topic, cause)
		if err := d.dlq.Write(ctx, msg, reason); err != nil {
			return fmt.Errorf("dead-letter event %d: %w", msg.EventID, err)
		}
		recordDeadLettered(msg)
	}
	return nil
}

func filterTopic(batch []Message, topic string) []Message {
	return slices.DeleteFunc(slices.Clone(batch), func(m Message) bool { return m.Topic != topic })
}

// Message is one claimed outbox row. Field order matches the claim query's RETURNING list.
type Message struct {
	EventID       int64
	AggregateType string
	AggregateID   string
	EventType     string
	Topic         string
	PartitionKey  string
	Payload       []byte
	// RetryCount is the number of DLQ replays that produced this row.
	RetryCount int
	CreatedAt  time.Time
}

// Header names attached to every published record.
const (
	HeaderEventType     = "event_type"
	HeaderAggregateType = "aggregate_type"
	HeaderAggregateID   = "aggregate_id"
)

func (m Message) kafkaMessage() kafka.Message {
	return kafka.Message{
		Key:   []byte(m.PartitionKey),
		Value: m.Payload,
		Time:  m.CreatedAt.UTC(),
		Headers: []kafka.Header{
			{Key: HeaderEventType, Value: []byte(m.EventType)},
			{Key: HeaderAggregateType, Value: []byte(m.AggregateType)},
			{Key: HeaderAggregateID, Value: []byte(m.AggregateID)},
		},
	}
}
