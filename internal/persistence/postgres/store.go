// Package postgres implements the sync store on PostgreSQL using pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dwaynehoov/peloton-sync-psql/internal/domain"
	"github.com/dwaynehoov/peloton-sync-psql/internal/store"
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

// Store provides Postgres-backed persistence for synced records, the run ledger and outbox events.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pool for databaseURL and verifies it is reachable.
func Connect(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Pool exposes the underlying pool for the outbox dispatcher and DLQ manager.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Begin opens a read-committed transaction.
func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	return &txn{tx: tx}, nil
}

const runColumns = `id, user_id, sync_type, status, started_at, completed_at, workouts_processed, workouts_created, workouts_updated, errors_count, error_message, error_details, created_at`

// LastSuccessfulRun returns the newest run with status success for userID, or nil.
func (s *Store) LastSuccessfulRun(ctx context.Context, userID string) (*domain.SyncRun, error) {
	query := `SELECT ` + runColumns + `
        FROM sync_runs WHERE user_id=$1 AND status=$2
        ORDER BY completed_at DESC, id DESC LIMIT 1`

	run, err := scanRun(s.pool.QueryRow(ctx, query, userID, string(domain.RunStatusSuccess)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, &domain.StoreError{Op: "query", Err: err}
	}
	return &run, nil
}

// ListRuns returns ledger entries newest first. An empty userID lists every user.
func (s *Store) ListRuns(ctx context.Context, userID string, cursor *domain.RunCursor, limit int) ([]domain.SyncRun, *domain.RunCursor, error) {
	if limit <= 0 {
		limit = 1
	}
	args := []any{limit + 1}
	query := `SELECT ` + runColumns + ` FROM sync_runs WHERE TRUE`

	if userID != "" {
		args = append(args, userID)
		query += fmt.Sprintf(` AND user_id=$%d`, len(args))
	}
	if cursor != nil {
		args = append(args, cursor.CompletedAt, cursor.ID)
		query += fmt.Sprintf(` AND (completed_at, id) < ($%d, $%d)`, len(args)-1, len(args))
	}
	query += ` ORDER BY completed_at DESC, id DESC LIMIT $1`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, &domain.StoreError{Op: "query", Err: err}
	}
	defer rows.Close()

	results := make([]domain.SyncRun, 0, limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, nil, &domain.StoreError{Op: "query", Err: err}
		}
		results = append(results, run)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, &domain.StoreError{Op: "query", Err: err}
	}

	var next *domain.RunCursor
	if len(results) > limit {
		results = results[:limit]
		last := results[len(results)-1]
		next = &domain.RunCursor{CompletedAt: last.CompletedAt, ID: last.ID}
	}
	return results, next, nil
}

func scanRun(row pgx.Row) (domain.SyncRun, error) {
	var (
		run     domain.SyncRun
		kind    string
		status  string
		details []byte
	)
	if err := row.Scan(
		&run.ID, &run.UserID, &kind, &status, &run.StartedAt, &run.CompletedAt,
		&run.Counters.Processed, &run.Counters.Created, &run.Counters.Updated, &run.Counters.Errored,
		&run.ErrorMessage, &details, &run.CreatedAt,
	); err != nil {
		return domain.SyncRun{}, err
	}
	run.Kind = domain.RunKind(kind)
	run.Status = domain.RunStatus(status)
	if len(details) > 0 {
		if err := json.Unmarshal(details, &run.ErrorDetails); err != nil {
			return domain.SyncRun{}, fmt.Errorf("decode error_details of run %s: %w", run.ID, err)
		}
	}
	return run, nil
}

// txn adapts a pgx transaction, or a savepoint nested in one, to store.Tx.
type txn struct {
	tx pgx.Tx
}

func (t *txn) Lookup(ctx context.Context, key string, dst domain.Row) (bool, error) {
	table := dst.Table()
	if table.Key == "" {
		return false, &domain.StoreError{Op: "lookup", Kind: table.Kind, Err: fmt.Errorf("%s has no primary key", table.Name)}
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s=$1`, strings.Join(table.Columns, ", "), table.Name, table.Key)

	if err := t.tx.QueryRow(ctx, query, key).Scan(dst.Targets()...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, storeErr("lookup", table, err)
	}
	return true, nil
}

func (t *txn) Insert(ctx context.Context, row domain.Row) error {
	table := row.Table()
	if row.Key() == "" {
		return &domain.StoreError{Op: "insert", Kind: table.Kind, Err: fmt.Errorf("%s: empty key", table.Name)}
	}
	stmt := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		table.Name, strings.Join(table.Columns, ", "), placeholders(1, len(table.Columns)))

	if _, err := t.tx.Exec(ctx, stmt, row.Values()...); err != nil {
		return storeErr("insert", table, err)
	}
	return nil
}

func (t *txn) InsertIfAbsent(ctx context.Context, row domain.Row) (bool, error) {
	table := row.Table()
	if table.Key == "" || row.Key() == "" {
		return false, &domain.StoreError{Op: "insert", Kind: table.Kind, Err: fmt.Errorf("%s: empty key", table.Name)}
	}
	stmt := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING`,
		table.Name, strings.Join(table.Columns, ", "), placeholders(1, len(table.Columns)), table.Key)

	tag, err := t.tx.Exec(ctx, stmt, row.Values()...)
	if err != nil {
		return false, storeErr("insert", table, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *txn) Update(ctx context.Context, row domain.Row) error {
	table := row.Table()
	if table.Key == "" {
		return &domain.StoreError{Op: "update", Kind: table.Kind, Err: fmt.Errorf("%s has no primary key", table.Name)}
	}

	values := row.Values()
	sets := make([]string, 0, len(table.Columns))
	args := make([]any, 0, len(table.Columns))
	var key any
	for i, col := range table.Columns {
		if col == table.Key {
			key = values[i]
			continue
		}
		args = append(args, values[i])
		sets = append(sets, fmt.Sprintf("%s=$%d", col, len(args)))
	}
	args = append(args, key)
	stmt := fmt.Sprintf(`UPDATE %s SET %s WHERE %s=$%d`, table.Name, strings.Join(sets, ", "), table.Key, len(args))

	tag, err := t.tx.Exec(ctx, stmt, args...)
	if err != nil {
		return storeErr("update", table, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.StoreError{Op: "update", Kind: table.Kind, Err: fmt.Errorf("%w: %s %s", domain.ErrNotFound, table.Name, row.Key())}
	}
	return nil
}

func (t *txn) DeleteByWorkout(ctx context.Context, table *domain.Table, workoutID string) (int64, error) {
	if table.Owner == "" {
		return 0, &domain.StoreError{Op: "delete", Kind: table.Kind, Err: fmt.Errorf("%s has no owner column", table.Name)}
	}
	tag, err := t.tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s=$1`, table.Name, table.Owner), workoutID)
	if err != nil {
		return 0, storeErr("delete", table, err)
	}
	return tag.RowsAffected(), nil
}

func (t *txn) AppendRun(ctx context.Context, run domain.SyncRun) error {
	var details []byte
	if len(run.ErrorDetails) > 0 {
		encoded, err := json.Marshal(run.ErrorDetails)
		if err != nil {
			return &domain.StoreError{Op: "append", Err: err}
		}
		details = encoded
	}
	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	const stmt = `INSERT INTO sync_runs (` + runColumns + `)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`

	_, err := t.tx.Exec(ctx, stmt,
		run.ID,
		run.UserID,
		string(run.Kind),
		string(run.Status),
		run.StartedAt,
		run.CompletedAt,
		run.Counters.Processed,
		run.Counters.Created,
		run.Counters.Updated,
		run.Counters.Errored,
		run.ErrorMessage,
		details,
		createdAt,
	)
	if err != nil {
		return storeErr("append", nil, err)
	}
	return nil
}

func (t *txn) Enqueue(ctx context.Context, evt domain.Event) error {
	body, err := json.Marshal(evt.Payload)
	if err != nil {
		return &domain.StoreError{Op: "enqueue", Err: fmt.Errorf("encode %s payload: %w", evt.Type, err)}
	}

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        ON CONFLICT (dedupe_key) DO NOTHING`

	_, err = t.tx.Exec(ctx, stmt,
		evt.AggregateType,
		evt.AggregateID,
		evt.Type,
		evt.Topic,
		evt.PartitionKey,
		body,
		nullIfEmpty(evt.DedupeKey),
	)
	if err != nil {
		return storeErr("enqueue", nil, err)
	}
	return nil
}

func (t *txn) Savepoint(ctx context.Context, fn func(store.Tx) error) error {
	nested, err := t.tx.Begin(ctx)
	if err != nil {
		return storeErr("savepoint", nil, err)
	}
	if err := fn(&txn{tx: nested}); err != nil {
		if rbErr := nested.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			return errors.Join(err, storeErr("savepoint", nil, rbErr))
		}
		return err
	}
	if err := nested.Commit(ctx); err != nil {
		return storeErr("savepoint", nil, err)
	}
	return nil
}

func (t *txn) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *txn) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

// storeErr classifies constraint violations so callers can match them with errors.Is.
func storeErr(op string, table *domain.Table, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var kind domain.Kind
	if table != nil {
		kind = table.Kind
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case uniqueViolation:
			err = fmt.Errorf("%w: %s", domain.ErrDuplicate, pgErr.ConstraintName)
		case foreignKeyViolation:
			err = fmt.Errorf("%w: %s", domain.ErrForeignKey, pgErr.ConstraintName)
		}
	}
	return &domain.StoreError{Op: op, Kind: kind, Err: err}
}

func placeholders(from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(parts, ",")
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
