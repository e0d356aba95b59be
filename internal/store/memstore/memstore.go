// Package memstore provides an in-memory store used by tests and dry runs.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dwaynehoov/peloton-sync-psql/internal/domain"
	"github.com/dwaynehoov/peloton-sync-psql/internal/store"
)

// ErrTxDone is returned when a finished transaction is used again.
var ErrTxDone = errors.New("transaction already finished")

// FaultFunc may fail a write before it is applied. op is one of insert, update, delete.
type FaultFunc func(op string, table *domain.Table, row domain.Row) error

// Store keeps committed rows in memory. Transactions are serialized.
type Store struct {
	txMu  sync.Mutex
	mu    sync.RWMutex
	state *state
	fault FaultFunc
}

// Option configures the Store.
type Option func(*Store)

// WithFault installs a write fault injector.
func WithFault(fn FaultFunc) Option {
	return func(s *Store) {
		s.fault = fn
	}
}

// New constructs an empty Store.
func New(opts ...Option) *Store {
	s := &Store{state: newState()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type state struct {
	rows   map[domain.Kind]map[string][]any
	runs   []domain.SyncRun
	events []domain.Event
}

func newState() *state {
	return &state{rows: make(map[domain.Kind]map[string][]any)}
}

func (st *state) clone() *state {
	out := newState()
	for kind, rows := range st.rows {
		copied := make(map[string][]any, len(rows))
		for key, values := range rows {
			copied[key] = cloneValues(values)
		}
		out.rows[kind] = copied
	}
	out.runs = append([]domain.SyncRun(nil), st.runs...)
	out.events = append([]domain.Event(nil), st.events...)
	return out
}

// Begin opens a transaction. It blocks while another transaction is open.
func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.txMu.Lock()
	s.mu.RLock()
	working := s.state.clone()
	s.mu.RUnlock()
	return &tx{store: s, st: working}, nil
}

// LastSuccessfulRun returns the newest successful run for userID.
func (s *Store) LastSuccessfulRun(_ context.Context, userID string) (*domain.SyncRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *domain.SyncRun
	for i := range s.state.runs {
		run := s.state.runs[i]
		if run.UserID != userID || run.Status != domain.RunStatusSuccess {
			continue
		}
		if best == nil || run.CompletedAt.After(best.CompletedAt) {
			copied := run
			best = &copied
		}
	}
	return best, nil
}

// ListRuns pages through the ledger newest first.
func (s *Store) ListRuns(_ context.Context, userID string, cursor *domain.RunCursor, limit int) ([]domain.SyncRun, *domain.RunCursor, error) {
	if limit <= 0 {
		limit = 1
	}
	s.mu.RLock()
	runs := make([]domain.SyncRun, 0, len(s.state.runs))
	for _, run := range s.state.runs {
		if userID == "" || run.UserID == userID {
			runs = append(runs, run)
		}
	}
	s.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CompletedAt.Equal(runs[j].CompletedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].CompletedAt.After(runs[j].CompletedAt)
	})

	out := make([]domain.SyncRun, 0, limit)
	for _, run := range runs {
		if cursor != nil && !before(run, *cursor) {
			continue
		}
		if len(out) == limit {
			last := out[len(out)-1]
			return out, &domain.RunCursor{CompletedAt: last.CompletedAt, ID: last.ID}, nil
		}
		out = append(out, run)
	}
	return out, nil, nil
}

func before(run domain.SyncRun, cursor domain.RunCursor) bool {
	if run.CompletedAt.Equal(cursor.CompletedAt) {
		return run.ID < cursor.ID
	}
	return run.CompletedAt.Before(cursor.CompletedAt)
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

// Runs returns a copy of the committed ledger in append order.
func (s *Store) Runs() []domain.SyncRun {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.SyncRun(nil), s.state.runs...)
}

// Events returns a copy of the committed outbox in append order.
func (s *Store) Events() []domain.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Event(nil), s.state.events...)
}

// Count returns the number of committed rows of kind.
func (s *Store) Count(kind domain.Kind) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state.rows[kind])
}

// Find loads the committed record of entity identified by key.
func Find[T any](s *Store, entity *domain.Entity[T], key string) (*T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	values, ok := s.state.rows[entity.Kind()][key]
	if !ok {
		return nil, false
	}
	var rec T
	entity.Bind(&rec).Assign(cloneValues(values))
	return &rec, true
}

// FindAll loads every committed record of entity owned by workoutID.
func FindAll[T any](s *Store, entity *domain.Entity[T], workoutID string) []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	table := entity.Table()
	keys := make([]string, 0)
	for key, values := range s.state.rows[entity.Kind()] {
		if ownedBy(table, values, workoutID) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	out := make([]T, 0, len(keys))
	for _, key := range keys {
		var rec T
		entity.Bind(&rec).Assign(cloneValues(s.state.rows[entity.Kind()][key]))
		out = append(out, rec)
	}
	return out
}

type tx struct {
	store *Store
	st    *state
	done  bool
}

func (t *tx) check(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	return ctx.Err()
}

func (t *tx) Lookup(ctx context.Context, key string, dst domain.Row) (bool, error) {
	if err := t.check(ctx); err != nil {
		return false, err
	}
	values, ok := t.st.rows[dst.Table().Kind][key]
	if !ok {
		return false, nil
	}
	dst.Assign(cloneValues(values))
	return true, nil
}

func (t *tx) Insert(ctx context.Context, row domain.Row) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	table := row.Table()
	if err := t.inject("insert", table, row); err != nil {
		return err
	}
	key := row.Key()
	if key == "" {
		return &domain.StoreError{Op: "insert", Kind: table.Kind, Err: fmt.Errorf("%s: empty key", table.Name)}
	}
	if _, exists := t.st.rows[table.Kind][key]; exists {
		return &domain.StoreError{Op: "insert", Kind: table.Kind, Err: fmt.Errorf("%w: %s %s", domain.ErrDuplicate, table.Name, key)}
	}
	if err := t.references(table, row); err != nil {
		return &domain.StoreError{Op: "insert", Kind: table.Kind, Err: err}
	}
	if t.st.rows[table.Kind] == nil {
		t.st.rows[table.Kind] = make(map[string][]any)
	}
	t.st.rows[table.Kind][key] = cloneValues(row.Values())
	return nil
}

func (t *tx) InsertIfAbsent(ctx context.Context, row domain.Row) (bool, error) {
	if err := t.check(ctx); err != nil {
		return false, err
	}
	if _, exists := t.st.rows[row.Table().Kind][row.Key()]; exists && row.Key() != "" {
		return false, nil
	}
	if err := t.Insert(ctx, row); err != nil {
		return false, err
	}
	return true, nil
}

func (t *tx) Update(ctx context.Context, row domain.Row) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	table := row.Table()
	if err := t.inject("update", table, row); err != nil {
		return err
	}
	key := row.Key()
	if _, exists := t.st.rows[table.Kind][key]; !exists {
		return &domain.StoreError{Op: "update", Kind: table.Kind, Err: fmt.Errorf("%w: %s %s", domain.ErrNotFound, table.Name, key)}
	}
	if err := t.references(table, row); err != nil {
		return &domain.StoreError{Op: "update", Kind: table.Kind, Err: err}
	}
	t.st.rows[table.Kind][key] = cloneValues(row.Values())
	return nil
}

func (t *tx) DeleteByWorkout(ctx context.Context, table *domain.Table, workoutID string) (int64, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}
	if table.Owner == "" {
		return 0, &domain.StoreError{Op: "delete", Kind: table.Kind, Err: fmt.Errorf("%s has no owner column", table.Name)}
	}
	if err := t.inject("delete", table, nil); err != nil {
		return 0, err
	}
	var removed int64
	for key, values := range t.st.rows[table.Kind] {
		if ownedBy(table, values, workoutID) {
			delete(t.st.rows[table.Kind], key)
			removed++
		}
	}
	return removed, nil
}

func (t *tx) AppendRun(ctx context.Context, run domain.SyncRun) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	for _, existing := range t.st.runs {
		if existing.ID == run.ID {
			return &domain.StoreError{Op: "append", Err: fmt.Errorf("%w: sync run %s", domain.ErrDuplicate, run.ID)}
		}
	}
	run.ErrorDetails = append([]domain.FailureDetail(nil), run.ErrorDetails...)
	t.st.runs = append(t.st.runs, run)
	return nil
}

func (t *tx) Enqueue(ctx context.Context, evt domain.Event) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	t.st.events = append(t.st.events, evt)
	return nil
}

func (t *tx) Savepoint(ctx context.Context, fn func(store.Tx) error) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	snapshot := t.st.clone()
	if err := fn(t); err != nil {
		t.st = snapshot
		return err
	}
	return nil
}

func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.store.mu.Lock()
	t.store.state = t.st
	t.store.mu.Unlock()
	t.finish()
	return nil
}

func (t *tx) Rollback(context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.finish()
	return nil
}

func (t *tx) finish() {
	t.done = true
	t.st = nil
	t.store.txMu.Unlock()
}

func (t *tx) inject(op string, table *domain.Table, row domain.Row) error {
	if t.store.fault == nil {
		return nil
	}
	if err := t.store.fault(op, table, row); err != nil {
		return &domain.StoreError{Op: op, Kind: table.Kind, Err: err}
	}
	return nil
}

func (t *tx) references(table *domain.Table, row domain.Row) error {
	for _, ref := range table.References {
		value, ok := domain.ColumnValue(row, ref.Column)
		if !ok {
			continue
		}
		key, present := domain.ReferenceKey(value)
		if !present {
			continue
		}
		if _, exists := t.st.rows[ref.Kind][key]; !exists {
			return fmt.Errorf("%w: %s.%s references missing %s %s", domain.ErrForeignKey, table.Name, ref.Column, ref.Kind, key)
		}
	}
	return nil
}

func ownedBy(table *domain.Table, values []any, workoutID string) bool {
	for i, col := range table.Columns {
		if col != table.Owner {
			continue
		}
		key, ok := domain.ReferenceKey(values[i])
		return ok && key == workoutID
	}
	return false
}

func cloneValues(values []any) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case *string:
		if typed == nil {
			return typed
		}
		c := *typed
		return &c
	case *int:
		if typed == nil {
			return typed
		}
		c := *typed
		return &c
	case *float64:
		if typed == nil {
			return typed
		}
		c := *typed
		return &c
	case *bool:
		if typed == nil {
			return typed
		}
		c := *typed
		return &c
	case *time.Time:
		if typed == nil {
			return typed
		}
		c := *typed
		return &c
	}
	return v
}
