// Package memory is an in-process ledger backend for development and tests.
// A single writer runs at a time; its changes are applied to a private copy
// of the state and swapped in on commit, so a failed unit of work leaves
// nothing behind.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"presupuesto/internal/core"
	"presupuesto/internal/storage"
)

type state struct {
	items     map[core.LineItemKey]core.LineItem
	expenses  map[int64]core.Expense
	transfers []core.Transfer
	nextExp   int64
	nextTr    int64
}

func (st *state) clone() *state {
	c := &state{
		items:     make(map[core.LineItemKey]core.LineItem, len(st.items)),
		expenses:  make(map[int64]core.Expense, len(st.expenses)),
		transfers: append([]core.Transfer(nil), st.transfers...),
		nextExp:   st.nextExp,
		nextTr:    st.nextTr,
	}
	for k, v := range st.items {
		c.items[k] = v
	}
	for k, v := range st.expenses {
		c.expenses[k] = v
	}
	return c
}

type Store struct {
	writer chan struct{} // single write slot

	mu     sync.RWMutex
	st     *state
	events []storage.AuditEntry
	closed bool
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	s := &Store{
		writer: make(chan struct{}, 1),
		st: &state{
			items:    map[core.LineItemKey]core.LineItem{},
			expenses: map[int64]core.Expense{},
		},
	}
	return s
}

// WithinTx waits for the write slot until ctx is done. Waiting past the
// deadline is reported as core.ErrLockTimeout.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	select {
	case s.writer <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("begin transaction: %w: %w", core.ErrLockTimeout, ctx.Err())
	}
	defer func() { <-s.writer }()

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return core.StorageError("begin transaction", fmt.Errorf("store closed"))
	}
	work := s.st.clone()
	s.mu.RUnlock()

	if err := fn(ctx, &tx{st: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return core.ConflictError("commit transaction", err)
	}

	s.mu.Lock()
	s.st = work
	s.mu.Unlock()
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return core.StorageError("ping", fmt.Errorf("store closed"))
	}
	return nil
}

func (s *Store) GetLineItem(_ context.Context, key core.LineItemKey) (core.LineItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.get(key)
}

func (s *Store) ListLineItems(_ context.Context, project string) ([]core.LineItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.LineItem
	for k, v := range s.st.items {
		if k.Project == project {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Code < out[j].Key.Code })
	return out, nil
}

// ListExpenses orders by fecha desc then id desc; undated expenses go last.
func (s *Store) ListExpenses(_ context.Context, project string) ([]core.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.Expense
	for _, e := range s.st.expenses {
		if e.Key.Project == project {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		// undated expenses first
		if a.Fecha.IsZero() != b.Fecha.IsZero() {
			return a.Fecha.IsZero()
		}
		if !a.Fecha.Equal(b.Fecha.Time) {
			return a.Fecha.After(b.Fecha.Time)
		}
		return a.ID > b.ID
	})
	return out, nil
}

func (s *Store) ListTransfers(_ context.Context, f storage.TransferFilter) ([]core.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.Transfer
	for i := len(s.st.transfers) - 1; i >= 0; i-- {
		if t := s.st.transfers[i]; f.Match(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Store) RecordEvent(_ context.Context, e storage.AuditEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.EventID == e.EventID {
			return false, nil
		}
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	s.events = append(s.events, e)
	return true, nil
}

func (s *Store) ListEvents(_ context.Context, project string, limit int) ([]storage.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []storage.AuditEntry
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		if s.events[i].Project == project {
			out = append(out, s.events[i])
		}
	}
	return out, nil
}

func (st *state) get(key core.LineItemKey) (core.LineItem, error) {
	it, ok := st.items[key]
	if !ok {
		return core.LineItem{}, fmt.Errorf("get line item %s: %w", key, core.ErrLineItemNotFound)
	}
	return it, nil
}

// tx mutates a private copy of the state; the writer slot held by WithinTx
// is the lock on every line item.
type tx struct {
	st *state
}

func (t *tx) GetLineItem(_ context.Context, key core.LineItemKey) (core.LineItem, error) {
	return t.st.get(key)
}

func (t *tx) LockLineItem(_ context.Context, key core.LineItemKey) (core.LineItem, error) {
	return t.st.get(key)
}

func (t *tx) EnsureLineItem(_ context.Context, key core.LineItemKey) (bool, error) {
	if _, ok := t.st.items[key]; ok {
		return false, nil
	}
	it := core.NewLineItem(key)
	it.CreatedAt = time.Now().UTC()
	it.UpdatedAt = it.CreatedAt
	t.st.items[key] = it
	return true, nil
}

func (t *tx) UpsertLineItemBudget(ctx context.Context, key core.LineItemKey, delta decimal.Decimal) (core.LineItem, error) {
	if _, err := t.EnsureLineItem(ctx, key); err != nil {
		return core.LineItem{}, err
	}
	it := t.st.items[key]
	it.Presupuesto = it.Presupuesto.Add(delta)
	it.SaldoDisponible = it.SaldoDisponible.Add(delta)
	it.UpdatedAt = time.Now().UTC()
	t.st.items[key] = it
	return it, nil
}

func (t *tx) InsertExpense(_ context.Context, e core.Expense) (int64, error) {
	if err := e.Validate(); err != nil {
		return 0, err
	}
	if _, ok := t.st.items[e.Key]; !ok {
		return 0, fmt.Errorf("insert expense: %w", core.ErrLineItemNotFound)
	}
	t.st.nextExp++
	e.ID = t.st.nextExp
	e.Monto = core.RoundAmount(e.Monto)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	t.st.expenses[e.ID] = e
	return e.ID, nil
}

func (t *tx) GetExpense(_ context.Context, id int64) (core.Expense, error) {
	e, ok := t.st.expenses[id]
	if !ok {
		return core.Expense{}, fmt.Errorf("get expense %d: %w", id, core.ErrExpenseNotFound)
	}
	return e, nil
}

func (t *tx) DeleteExpense(_ context.Context, id int64) (core.Expense, bool, error) {
	e, ok := t.st.expenses[id]
	if !ok {
		return core.Expense{}, false, nil
	}
	delete(t.st.expenses, id)
	return e, true, nil
}

func (t *tx) SumExpenses(_ context.Context, key core.LineItemKey) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, e := range t.st.expenses {
		if e.Key == key {
			sum = sum.Add(e.Monto)
		}
	}
	return sum, nil
}

func (t *tx) UpdateDerivedTotals(_ context.Context, key core.LineItemKey, totalGastado, saldo decimal.Decimal) (core.LineItem, error) {
	it, err := t.st.get(key)
	if err != nil {
		return core.LineItem{}, err
	}
	it.TotalGastado = totalGastado
	it.SaldoDisponible = saldo
	it.UpdatedAt = time.Now().UTC()
	t.st.items[key] = it
	return it, nil
}

func (t *tx) UpdateTransferTotals(_ context.Context, key core.LineItemKey, tt storage.TransferTotals) (core.LineItem, error) {
	it, err := t.st.get(key)
	if err != nil {
		return core.LineItem{}, err
	}
	it.TotalReconducido = tt.TotalReconducido
	it.SaldoDisponible = tt.Saldo
	if !tt.Fecha.IsEmpty() {
		it.FechaReconduccion = tt.Fecha
	}
	if strings.TrimSpace(tt.Motivo) != "" {
		it.MotivoReconduccion = tt.Motivo
	}
	it.UpdatedAt = time.Now().UTC()
	t.st.items[key] = it
	return it, nil
}

func (t *tx) InsertTransfer(_ context.Context, tr core.Transfer) (int64, error) {
	if err := tr.Validate(); err != nil {
		return 0, err
	}
	t.st.nextTr++
	tr.ID = t.st.nextTr
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now().UTC()
	}
	t.st.transfers = append(t.st.transfers, tr)
	return tr.ID, nil
}

func (t *tx) DeleteProject(_ context.Context, project string) (int64, error) {
	var n int64
	for k := range t.st.items {
		if k.Project == project {
			delete(t.st.items, k)
			n++
		}
	}
	for id, e := range t.st.expenses {
		if e.Key.Project == project {
			delete(t.st.expenses, id)
		}
	}
	kept := t.st.transfers[:0]
	for _, tr := range t.st.transfers {
		if tr.Project != project {
			kept = append(kept, tr)
		}
	}
	t.st.transfers = kept
	return n, nil
}
