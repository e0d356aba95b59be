// Package consumer provides the Kafka consumer loop that turns sync requests into runs.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/dwaynehoov/peloton-sync-psql/internal/logging"
	"github.com/dwaynehoov/peloton-sync-psql/internal/outbox"
)

// ErrMalformed marks a message that can never be handled. Such messages are committed so they do
// not block the partition.
var ErrMalformed = errors.New("malformed message")

// Reader exposes the minimal kafka.Reader interface needed by the processor.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Handler receives decoded messages from Kafka.
type Handler interface {
	Handle(context.Context, Message) error
}

// Message is the decoded representation of a Kafka record emitted by the outbox dispatcher.
type Message struct {
	Topic       string
	Partition   int
	Offset      int64
	Timestamp   time.Time
	Key         string
	EventType   string
	AggregateID string
	Payload     json.RawMessage
}

// Option configures optional behaviour for the Processor.
type Option func(*Processor)

// WithLogger overrides the logger used to report errors.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithFetchBackoff sets the pause after a failed fetch.
func WithFetchBackoff(d time.Duration) Option {
	return func(p *Processor) {
		p.fetchBackoff = d
	}
}

// Processor pulls messages from Kafka, decodes them, and dispatches to a Handler.
type Processor struct {
	reader       Reader
	handler      Handler
	logger       zerolog.Logger
	fetchBackoff time.Duration
}

// NewProcessor constructs a Processor with the provided reader and handler.
func NewProcessor(reader Reader, handler Handler, opts ...Option) *Processor {
	p := &Processor{
		reader:       reader,
		handler:      handler,
		logger:       logging.Logger().With().Str("component", "consumer").Logger(),
		fetchBackoff: time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// disposition is what the loop does with a fetched record once it has been handled.
type disposition int

const (
	commitProcessed disposition = iota
	commitRejected
	leaveUncommitted
)

// Run fetches and handles records until ctx is done. Records that can never be handled are
// committed and counted as rejected. Handler failures leave the offset uncommitted.
func (p *Processor) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		msg, err := p.reader.FetchMessage(ctx)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err
		case err != nil:
			p.logger.Error().Err(err).Dur("backoff", p.fetchBackoff).Msg("fetch failed")
			if err := sleep(ctx, p.fetchBackoff); err != nil {
				return err
			}
			continue
		}

		event, outcome, err := p.dispatch(ctx, msg)
		if errors.Is(err, context.Canceled) {
			return err
		}
		switch outcome {
		case commitRejected:
			recordResult(msg.Topic, resultRejected)
			p.commit(ctx, msg)
		case leaveUncommitted:
			recordResult(msg.Topic, resultHandlerError)
		case commitProcessed:
			if p.commit(ctx, msg) {
				recordProcessed(event)
			}
		}
	}
	return ctx.Err()
}

// dispatch decodes msg and hands it to the handler, logging anything that keeps it from being
// processed.
func (p *Processor) dispatch(ctx context.Context, msg kafka.Message) (Message, disposition, error) {
	logger := p.logger.With().Str("topic", msg.Topic).Int("partition", msg.Partition).Int64("offset", msg.Offset).Logger()

	event, err := decodeMessage(msg)
	if err != nil {
		logger.Warn().Err(err).Msg("rejecting undecodable record")
		return Message{}, commitRejected, err
	}

	err = p.handler.Handle(ctx, event)
	switch {
	case err == nil:
		return event, commitProcessed, nil
	case errors.Is(err, ErrMalformed):
		logger.Warn().Err(err).Str("event_type", event.EventType).Msg("rejecting malformed event")
		return event, commitRejected, err
	case errors.Is(err, context.Canceled):
		return event, leaveUncommitted, err
	default:
		logger.Error().Err(err).Str("event_type", event.EventType).Str("key", event.Key).Msg("handler failed")
		return event, leaveUncommitted, err
	}
}

func (p *Processor) commit(ctx context.Context, msg kafka.Message) bool {
	err := p.reader.CommitMessages(ctx, msg)
	if err != nil {
		p.logger.Error().Err(err).Str("topic", msg.Topic).Int64("offset", msg.Offset).Msg("offset commit failed")
	}
	return err == nil
}

// decodeMessage checks that msg carries a JSON body and an event type header.
func decodeMessage(msg kafka.Message) (Message, error) {
	switch {
	case len(msg.Value) == 0:
		return Message{}, errors.New("empty payload")
	case !json.Valid(msg.Value):
		return Message{}, fmt.Errorf("payload is not valid JSON (%d bytes)", len(msg.Value))
	}

	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	eventType, ok := headers[outbox.HeaderEventType]
	if !ok {
		return Message{}, fmt.Errorf("missing %s header", outbox.HeaderEventType)
	}

	return Message{
		Topic:       msg.Topic,
		Partition:   msg.Partition,
		Offset:      msg.Offset,
		Timestamp:   msg.Time,
		Key:         string(msg.Key),
		EventType:   eventType,
		AggregateID: headers[outbox.HeaderAggregateID],
		Payload:     json.RawMessage(slices.Clone(msg.Value)),
	}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
