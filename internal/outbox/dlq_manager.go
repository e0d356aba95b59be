package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/dwaynehoov/peloton-sync-psql/internal/logging"
)

const quarantineReasonExhausted = "retry limit reached"

// retryPolicy bounds how often a dead-lettered event is replayed.
type retryPolicy struct {
	limit int
	base  time.Duration
}

func (p retryPolicy) exhausted(retries int) bool { return retries >= p.limit }

func (p retryPolicy) next(retries int) time.Duration { return Backoff(p.base, retries+1) }

// DLQManager replays dead-lettered events into the outbox and quarantines the ones that keep
// failing.
type DLQManager struct {
	pool   *pgxpool.Pool
	policy retryPolicy
	logger zerolog.Logger
}

// NewDLQManager returns a manager that quarantines an entry after maxRetries replays.
func NewDLQManager(pool *pgxpool.Pool, maxRetries int, baseDelay time.Duration) *DLQManager {
	policy := retryPolicy{limit: maxRetries, base: baseDelay}
	if policy.limit <= 0 {
		policy.limit = 5
	}
	if policy.base <= 0 {
		policy.base = time.Minute
	}
	return &DLQManager{
		pool:   pool,
		policy: policy,
		logger: logging.Logger().With().Str("component", "dlq").Logger(),
	}
}

// Run calls RunOnce every interval until ctx is done.
func (m *DLQManager) Run(ctx context.Context, interval time.Duration, batchSize int) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", interval).Int("max_retries", m.policy.limit).Msg("dlq manager started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		settled, err := m.RunOnce(ctx, batchSize)
		switch {
		case err != nil && !errors.Is(err, context.Canceled):
			m.logger.Error().Err(err).Int("settled", settled).Msg("dlq pass failed")
		case settled > 0:
			m.logger.Info().Int("settled", settled).Msg("dlq pass complete")
		}
	}
}

// RunOnce settles up to batchSize entries whose next retry is due. It returns how many were
// settled and the joined errors of the rest.
func (m *DLQManager) RunOnce(ctx context.Context, batchSize int) (int, error) {
	defer refreshBacklog(ctx, m.pool, "outbox_dlq")

	due, err := m.dueEntries(ctx, batchSize)
	if err != nil {
		return 0, err
	}

	settled := 0
	var errs []error
	for _, entry := range due {
		outcome, err := m.settle(ctx, entry)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if outcome == "" {
			continue
		}
		recordDLQOutcome(entry, outcome)
		settled++
	}
	return settled, errors.Join(errs...)
}

func (m *DLQManager) dueEntries(ctx context.Context, limit int) ([]dlqEntry, error) {
	rows, err := m.pool.Query(ctx, `
        SELECT dlq_id, event_type, topic, payload, aggregate_type, aggregate_id, partition_key, retry_count
          FROM outbox_dlq
         WHERE quarantined_at IS NULL
           AND COALESCE(next_retry_at, created_at) <= NOW()
         ORDER BY created_at, dlq_id
         LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[dlqEntry])
}

// settle locks entry and either quarantines it, replays it into the outbox, or pushes its next
// attempt back. An empty outcome means another manager holds the row.
func (m *DLQManager) settle(ctx context.Context, entry dlqEntry) (string, error) {
	tx, err := m.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx, `
        SELECT dlq_id FROM outbox_dlq
         WHERE dlq_id = $1 AND quarantined_at IS NULL
           FOR UPDATE SKIP LOCKED`, entry.ID).Scan(&id)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return "", nil
	case err != nil:
		return "", err
	}

	if m.policy.exhausted(entry.RetryCount) {
		if err := quarantine(ctx, tx, entry.ID, quarantineReasonExhausted); err != nil {
			return "", err
		}
		m.logger.Warn().
			Int64("dlq_id", entry.ID).
			Str("event_type", entry.EventType).
			Str("aggregate_id", entry.AggregateID).
			Int("retries", entry.RetryCount).
			Msg("dlq entry quarantined")
		return outcomeQuarantined, tx.Commit(ctx)
	}

	replayErr := replay(ctx, tx, entry)
	if replayErr == nil {
		return outcomeRequeued, tx.Commit(ctx)
	}

	// replayErr aborted tx, so the reschedule runs on the pool.
	_ = tx.Rollback(ctx)
	if err := m.reschedule(ctx, entry, replayErr); err != nil {
		return "", errors.Join(replayErr, err)
	}
	return outcomeRescheduled, nil
}

func (m *DLQManager) reschedule(ctx context.Context, entry dlqEntry, cause error) error {
	_, err := m.pool.Exec(ctx, `
        UPDATE outbox_dlq
           SET retry_count     = retry_count + 1,
               last_attempt_at = NOW(),
               next_retry_at   = NOW() + $2::interval,
               reason          = $3
         WHERE dlq_id = $1`,
		entry.ID, m.policy.next(entry.RetryCount), cause.Error())
	return err
}

func quarantine(ctx context.Context, tx pgx.Tx, id int64, reason string) error {
	_, err := tx.Exec(ctx,
		`UPDATE outbox_dlq SET quarantined_at = NOW(), quarantine_reason = $2 WHERE dlq_id = $1`,
		id, reason)
	return err
}

// replay moves entry back into the outbox with its replay count bumped and drops the DLQ row.
func replay(ctx context.Context, tx pgx.Tx, entry dlqEntry) error {
	if _, err := tx.Exec(ctx, `
        INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, partition_key, payload, dlq_retry_count)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.AggregateType, entry.AggregateID, entry.EventType, entry.Topic,
		entry.PartitionKey, entry.Payload, entry.RetryCount+1,
	); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `DELETE FROM outbox_dlq WHERE dlq_id = $1`, entry.ID)
	return err
}

// dlqEntry mirrors the outbox_dlq columns selected by dueEntries, in order.
type dlqEntry struct {
	ID            int64
	EventType     string
	Topic         string
	Payload       []byte
	AggregateType string
	AggregateID   string
	PartitionKey  string
	RetryCount    int
}
