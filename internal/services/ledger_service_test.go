package services

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"presupuesto/internal/amqp"
	"presupuesto/internal/cache"
	"presupuesto/internal/core"
	"presupuesto/internal/ledger"
	"presupuesto/internal/storage"
	"presupuesto/internal/storage/memory"
)

func amt(v string) decimal.Decimal { return decimal.RequireFromString(v) }

type backend struct {
	name string
	open func(t *testing.T) storage.Store
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T) storage.Store { return memory.New() }},
		{"sqlite", func(t *testing.T) storage.Store {
			s, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"), 10*time.Second)
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		}},
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*amqp.LedgerEvent
	err    error
}

func (p *recordingPublisher) PublishEvent(_ context.Context, e *amqp.LedgerEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) types() []amqp.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]amqp.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func newService(store storage.Store, pub EventPublisher) *LedgerService {
	return NewLedgerService(store, pub, Options{LockTimeout: 10 * time.Second})
}

func assertBalanced(t *testing.T, store storage.Store, key core.LineItemKey) core.LineItem {
	t.Helper()
	it, err := store.GetLineItem(context.Background(), key)
	if err != nil {
		t.Fatalf("get %s: %v", key, err)
	}
	expenses, err := store.ListExpenses(context.Background(), key.Project)
	if err != nil {
		t.Fatalf("list expenses: %v", err)
	}
	sum := decimal.Zero
	for _, e := range expenses {
		if e.Key == key {
			sum = sum.Add(e.Monto)
		}
	}
	if err := ledger.Verify(it, sum); err != nil {
		t.Fatalf("invariant broken: %v", err)
	}
	return it
}

func TestExpenseScenario(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			store := b.open(t)
			svc := newService(store, nil)
			key := core.NewKey("P1", "5151")

			if _, err := svc.SetBudget(ctx, SetBudgetInput{Project: "P1", Partida: "5151", Presupuesto: amt("1000")}); err != nil {
				t.Fatalf("set budget: %v", err)
			}

			it, err := svc.RegisterExpense(ctx, RegisterExpenseInput{Project: "P1", Partida: "5151", Descripcion: "papeleria", Monto: amt("300")})
			if err != nil {
				t.Fatalf("register: %v", err)
			}
			if !it.SaldoDisponible.Equal(amt("700")) {
				t.Fatalf("expected saldo 700, got %s", it.SaldoDisponible)
			}

			it, err = svc.RegisterExpense(ctx, RegisterExpenseInput{Project: "P1", Partida: "5151", Descripcion: "equipo", Monto: amt("900")})
			if err != nil {
				t.Fatalf("register: %v", err)
			}
			if !it.TotalGastado.Equal(amt("1200")) || !it.SaldoDisponible.Equal(amt("-200")) {
				t.Fatalf("expected total 1200 saldo -200, got %s %s", it.TotalGastado, it.SaldoDisponible)
			}

			expenses, err := svc.ListExpenses(ctx, "P1")
			if err != nil || len(expenses) != 2 {
				t.Fatalf("list expenses: %v %d", err, len(expenses))
			}
			first := expenses[1] // most recent first
			if !first.Monto.Equal(amt("300")) {
				t.Fatalf("unexpected order %+v", expenses)
			}

			res, err := svc.DeleteExpense(ctx, first.ID)
			if err != nil {
				t.Fatalf("delete: %v", err)
			}
			if !res.Deleted || res.LineItem == nil {
				t.Fatalf("expected deletion with line item, got %+v", res)
			}
			if !res.LineItem.TotalGastado.Equal(amt("900")) || !res.LineItem.SaldoDisponible.Equal(amt("100")) {
				t.Fatalf("expected total 900 saldo 100, got %s %s", res.LineItem.TotalGastado, res.LineItem.SaldoDisponible)
			}
			assertBalanced(t, store, key)
		})
	}
}

func TestTransferScenario(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			store := b.open(t)
			pub := &recordingPublisher{}
			svc := newService(store, pub)

			svc.SetBudget(ctx, SetBudgetInput{Project: "P1", Partida: "5151", Presupuesto: amt("1000")})
			svc.RegisterExpense(ctx, RegisterExpenseInput{Project: "P1", Partida: "5151", Monto: amt("900")})

			res, err := svc.TransferBudget(WithActor(ctx, "u-7"), TransferInput{
				Project: "P1", Origen: "5151", Destino: "5152", Monto: amt("500"), Concepto: "ajuste",
				Fecha: core.NewDate(2025, 4, 1),
			})
			if err != nil {
				t.Fatalf("transfer: %v", err)
			}
			if !res.OriginNegative {
				t.Fatalf("expected originNegative")
			}
			if !res.Origen.TotalReconducido.Equal(amt("-500")) || !res.Origen.SaldoDisponible.Equal(amt("-400")) {
				t.Fatalf("origin: %+v", res.Origen)
			}
			if !res.Destino.TotalReconducido.Equal(amt("500")) || !res.Destino.SaldoDisponible.Equal(amt("500")) {
				t.Fatalf("destination: %+v", res.Destino)
			}
			if !res.Destino.Presupuesto.IsZero() || !res.Destino.TotalGastado.IsZero() {
				t.Fatalf("auto-created destination must start at zero: %+v", res.Destino)
			}
			if res.Origen.MotivoReconduccion != "ajuste" || res.Destino.FechaReconduccion.String() != "2025-04-01" {
				t.Fatalf("transfer metadata not written: %+v %+v", res.Origen, res.Destino)
			}

			summary, err := svc.Summary(ctx, "P1")
			if err != nil {
				t.Fatalf("summary: %v", err)
			}
			if !summary.TotalReconducido.IsZero() {
				t.Fatalf("transfers must be zero-sum, got %s", summary.TotalReconducido)
			}

			transfers, err := svc.ListTransfers(ctx, storage.TransferFilter{Project: "P1"})
			if err != nil || len(transfers) != 1 || transfers[0].Actor != "u-7" {
				t.Fatalf("transfer history: %v %+v", err, transfers)
			}

			pub.mu.Lock()
			last := pub.events[len(pub.events)-1]
			pub.mu.Unlock()
			if last.Type != amqp.EventBudgetTransferred || !last.OriginNegative || last.Actor != "u-7" {
				t.Fatalf("unexpected event %+v", last)
			}
		})
	}
}

func TestTransferFromMissingOrigin(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := newService(store, nil)

	_, err := svc.TransferBudget(ctx, TransferInput{Project: "P1", Origen: "9999", Destino: "5152", Monto: amt("10")})
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := store.GetLineItem(ctx, core.NewKey("P1", "5152")); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("destination must not be created by a failed transfer, got %v", err)
	}
}

func TestSelfTransferIsNoop(t *testing.T) {
	ctx := context.Background()
	svc := newService(memory.New(), nil)
	svc.SetBudget(ctx, SetBudgetInput{Project: "P1", Partida: "5151", Presupuesto: amt("100")})

	res, err := svc.TransferBudget(ctx, TransferInput{Project: "P1", Origen: "5151", Destino: "5151", Monto: amt("40")})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if !res.Origen.SaldoDisponible.Equal(amt("100")) || !res.Origen.TotalReconducido.IsZero() {
		t.Fatalf("self transfer changed totals: %+v", res.Origen)
	}
}

func TestValidationHappensBeforeStore(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{Store: memory.New()}
	svc := newService(store, nil)

	cases := []struct {
		name string
		call func() error
	}{
		{"zero amount", func() error {
			_, err := svc.RegisterExpense(ctx, RegisterExpenseInput{Project: "P1", Partida: "5151", Monto: decimal.Zero})
			return err
		}},
		{"missing project", func() error {
			_, err := svc.RegisterExpense(ctx, RegisterExpenseInput{Partida: "5151", Monto: amt("1")})
			return err
		}},
		{"missing destination", func() error {
			_, err := svc.TransferBudget(ctx, TransferInput{Project: "P1", Origen: "5151", Monto: amt("1")})
			return err
		}},
		{"negative transfer", func() error {
			_, err := svc.TransferBudget(ctx, TransferInput{Project: "P1", Origen: "a", Destino: "b", Monto: amt("-1")})
			return err
		}},
		{"negative budget", func() error {
			_, err := svc.SetBudget(ctx, SetBudgetInput{Project: "P1", Partida: "5151", Presupuesto: amt("-1")})
			return err
		}},
		{"bad id", func() error {
			_, err := svc.DeleteExpense(ctx, 0)
			return err
		}},
		{"empty project delete", func() error {
			_, err := svc.DeleteProject(ctx, " ")
			return err
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.call(); !errors.Is(err, core.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
	if store.txCount != 0 {
		t.Fatalf("validation failures opened %d transactions", store.txCount)
	}
}

func TestDeleteExpenseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	pub := &recordingPublisher{}
	svc := newService(store, pub)

	it, _ := svc.RegisterExpense(ctx, RegisterExpenseInput{Project: "P1", Partida: "5151", Monto: amt("50")})
	expenses, _ := svc.ListExpenses(ctx, "P1")

	first, err := svc.DeleteExpense(ctx, expenses[0].ID)
	if err != nil || !first.Deleted {
		t.Fatalf("first delete: %v %+v", err, first)
	}
	second, err := svc.DeleteExpense(ctx, expenses[0].ID)
	if err != nil {
		t.Fatalf("second delete must not fail: %v", err)
	}
	if second.Deleted || second.LineItem != nil {
		t.Fatalf("second delete must be a no-op, got %+v", second)
	}
	after := assertBalanced(t, store, it.Key)
	if !after.TotalGastado.IsZero() {
		t.Fatalf("expected zero spent, got %s", after.TotalGastado)
	}
	if got := pub.types(); len(got) != 2 || got[1] != amqp.EventExpenseDeleted {
		t.Fatalf("no event expected for the no-op delete, got %v", got)
	}
}

func TestRejectMissingLineItemPolicy(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := NewLedgerService(store, nil, Options{MissingLineItem: RejectMissingLineItem})

	_, err := svc.RegisterExpense(ctx, RegisterExpenseInput{Project: "P1", Partida: "5151", Monto: amt("10")})
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if list, _ := store.ListExpenses(ctx, "P1"); len(list) != 0 {
		t.Fatalf("rejected expense persisted: %+v", list)
	}

	svc.SetBudget(ctx, SetBudgetInput{Project: "P1", Partida: "5151", Presupuesto: amt("10")})
	if _, err := svc.RegisterExpense(ctx, RegisterExpenseInput{Project: "P1", Partida: "5151", Monto: amt("10")}); err != nil {
		t.Fatalf("existing line item must accept expenses: %v", err)
	}
}

func TestAutoCreateIsDefaultPolicy(t *testing.T) {
	svc := NewLedgerService(memory.New(), nil, Options{MissingLineItem: "bogus"})
	it, err := svc.RegisterExpense(context.Background(), RegisterExpenseInput{Project: "P1", Partida: "7000", Monto: amt("25")})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !it.Presupuesto.IsZero() || !it.SaldoDisponible.Equal(amt("-25")) {
		t.Fatalf("auto-created line item: %+v", it)
	}
}

// failingStore fails the chosen Tx write so rollback can be observed.
type failingStore struct {
	storage.Store
	failOn  string
	txCount int
}

func (f *failingStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	f.txCount++
	return f.Store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return fn(ctx, &failingTx{Tx: tx, failOn: f.failOn})
	})
}

type failingTx struct {
	storage.Tx
	failOn string
}

var errInjected = errors.New("disk I/O error")

func (f *failingTx) UpdateDerivedTotals(ctx context.Context, key core.LineItemKey, g, s decimal.Decimal) (core.LineItem, error) {
	if f.failOn == "derived" {
		return core.LineItem{}, errInjected
	}
	return f.Tx.UpdateDerivedTotals(ctx, key, g, s)
}

func (f *failingTx) UpdateTransferTotals(ctx context.Context, key core.LineItemKey, tt storage.TransferTotals) (core.LineItem, error) {
	if f.failOn == "destination" && tt.TotalReconducido.IsPositive() {
		return core.LineItem{}, errInjected
	}
	return f.Tx.UpdateTransferTotals(ctx, key, tt)
}

func TestFailureRollsBackWholeOperation(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			inner := b.open(t)
			store := &failingStore{Store: inner}
			pub := &recordingPublisher{}
			svc := newService(store, pub)

			svc.SetBudget(ctx, SetBudgetInput{Project: "P1", Partida: "5151", Presupuesto: amt("1000")})
			before, _ := inner.GetLineItem(ctx, core.NewKey("P1", "5151"))

			store.failOn = "derived"
			_, err := svc.RegisterExpense(ctx, RegisterExpenseInput{Project: "P1", Partida: "5151", Monto: amt("300")})
			if !errors.Is(err, core.ErrStorage) || !errors.Is(err, errInjected) {
				t.Fatalf("expected wrapped storage error, got %v", err)
			}
			if list, _ := inner.ListExpenses(ctx, "P1"); len(list) != 0 {
				t.Fatalf("expense survived rollback: %+v", list)
			}

			store.failOn = "destination"
			_, err = svc.TransferBudget(ctx, TransferInput{Project: "P1", Origen: "5151", Destino: "5152", Monto: amt("100")})
			if err == nil {
				t.Fatalf("expected transfer failure")
			}
			after, _ := inner.GetLineItem(ctx, core.NewKey("P1", "5151"))
			if !after.SaldoDisponible.Equal(before.SaldoDisponible) || !after.TotalReconducido.Equal(before.TotalReconducido) {
				t.Fatalf("origin changed by failed transfer: before %+v after %+v", before, after)
			}
			if _, err := inner.GetLineItem(ctx, core.NewKey("P1", "5152")); !errors.Is(err, core.ErrNotFound) {
				t.Fatalf("destination created by failed transfer: %v", err)
			}
			if got := pub.types(); len(got) != 1 || got[0] != amqp.EventBudgetSet {
				t.Fatalf("failed operations must not publish, got %v", got)
			}
		})
	}
}

func TestPublishFailureDoesNotFailRequest(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	svc := newService(memory.New(), pub)
	if _, err := svc.RegisterExpense(context.Background(), RegisterExpenseInput{Project: "P1", Partida: "1", Monto: amt("1")}); err != nil {
		t.Fatalf("publish failure leaked into request: %v", err)
	}
}

func TestConcurrentRegistrations(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			store := b.open(t)
			svc := newService(store, nil)
			key := core.NewKey("P1", "5151")
			svc.SetBudget(ctx, SetBudgetInput{Project: "P1", Partida: "5151", Presupuesto: amt("1000")})

			const n = 40
			var wg sync.WaitGroup
			errs := make(chan error, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := svc.RegisterExpense(ctx, RegisterExpenseInput{Project: "P1", Partida: "5151", Monto: amt("2.50")})
					errs <- err
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				if err != nil {
					t.Fatalf("concurrent register: %v", err)
				}
			}

			it := assertBalanced(t, store, key)
			if !it.TotalGastado.Equal(amt("100")) {
				t.Fatalf("expected total 100 after %d inserts, got %s", n, it.TotalGastado)
			}
			if list, _ := store.ListExpenses(ctx, "P1"); len(list) != n {
				t.Fatalf("expected %d expense rows, got %d", n, len(list))
			}
		})
	}
}

func TestOpposingTransfersDoNotDeadlock(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			store := b.open(t)
			svc := newService(store, nil)
			svc.SetBudget(ctx, SetBudgetInput{Project: "P1", Partida: "A", Presupuesto: amt("500")})
			svc.SetBudget(ctx, SetBudgetInput{Project: "P1", Partida: "B", Presupuesto: amt("500")})

			const n = 20
			var wg sync.WaitGroup
			errs := make(chan error, 2*n)
			for i := 0; i < n; i++ {
				wg.Add(2)
				go func() {
					defer wg.Done()
					_, err := svc.TransferBudget(ctx, TransferInput{Project: "P1", Origen: "A", Destino: "B", Monto: amt("3")})
					errs <- err
				}()
				go func() {
					defer wg.Done()
					_, err := svc.TransferBudget(ctx, TransferInput{Project: "P1", Origen: "B", Destino: "A", Monto: amt("1")})
					errs <- err
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				if err != nil {
					t.Fatalf("transfer: %v", err)
				}
			}

			a := assertBalanced(t, store, core.NewKey("P1", "A"))
			bItem := assertBalanced(t, store, core.NewKey("P1", "B"))
			if !a.TotalReconducido.Equal(amt("-40")) || !bItem.TotalReconducido.Equal(amt("40")) {
				t.Fatalf("unexpected totals A=%s B=%s", a.TotalReconducido, bItem.TotalReconducido)
			}
		})
	}
}

func TestLockTimeoutIsConflict(t *testing.T) {
	store := memory.New()
	svc := NewLedgerService(store, nil, Options{LockTimeout: 20 * time.Millisecond})

	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		store.WithinTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	_, err := svc.RegisterExpense(context.Background(), RegisterExpenseInput{Project: "P1", Partida: "1", Monto: amt("1")})
	if !errors.Is(err, core.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestDeleteProject(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	svc := newService(memory.New(), pub)
	svc.RegisterExpense(ctx, RegisterExpenseInput{Project: "P1", Partida: "1", Monto: amt("1")})
	svc.RegisterExpense(ctx, RegisterExpenseInput{Project: "P1", Partida: "2", Monto: amt("1")})

	n, err := svc.DeleteProject(ctx, "P1")
	if err != nil || n != 2 {
		t.Fatalf("delete project: %d %v", n, err)
	}
	items, _ := svc.ListLineItems(ctx, "P1")
	if len(items) != 0 {
		t.Fatalf("line items survived: %+v", items)
	}
}

func TestListLineItemsCacheIsInvalidated(t *testing.T) {
	ctx := context.Background()
	lru := cache.NewMemoryCache[[]core.LineItem](16, time.Minute)
	svc := NewLedgerService(memory.New(), nil, Options{ReadCache: lru})

	svc.SetBudget(ctx, SetBudgetInput{Project: "P1", Partida: "1", Presupuesto: amt("10")})
	items, err := svc.ListLineItems(ctx, "P1")
	if err != nil || len(items) != 1 {
		t.Fatalf("list: %v %+v", err, items)
	}
	if _, ok := lru.Get(ctx, "P1"); !ok {
		t.Fatalf("listing was not cached")
	}

	svc.SetBudget(ctx, SetBudgetInput{Project: "P1", Partida: "2", Presupuesto: amt("10")})
	items, _ = svc.ListLineItems(ctx, "P1")
	if len(items) != 2 {
		t.Fatalf("stale listing after mutation: %+v", items)
	}

	empty, err := svc.ListLineItems(ctx, "")
	if err != nil || empty == nil || len(empty) != 0 {
		t.Fatalf("empty project must yield an empty list, got %v %v", empty, err)
	}
}

func TestFindLineItems(t *testing.T) {
	ctx := context.Background()
	svc := newService(memory.New(), nil)
	svc.SetBudget(ctx, SetBudgetInput{Project: "P1", Partida: "5151", Presupuesto: amt("10")})

	found, err := svc.FindLineItems(ctx, "P1", "5151")
	if err != nil || len(found) != 1 {
		t.Fatalf("find existing: %v %+v", err, found)
	}
	none, err := svc.FindLineItems(ctx, "P1", "0000")
	if err != nil || len(none) != 0 {
		t.Fatalf("find missing: %v %+v", err, none)
	}
}

func TestCloseClosesStore(t *testing.T) {
	store := memory.New()
	svc := newService(store, nil)
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := store.Ping(context.Background()); err == nil {
		t.Fatalf("store should be closed")
	}
}

func TestAmountsOutsideStorableRangeAreRejected(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			svc := newService(b.open(t), nil)

			_, err := svc.SetBudget(ctx, SetBudgetInput{Project: "P1", Partida: "A", Presupuesto: amt("90000000000000000")})
			if !errors.Is(err, core.ErrValidation) {
				t.Fatalf("oversized budget: expected validation error, got %v", err)
			}
			_, err = svc.TransferBudget(ctx, TransferInput{Project: "P1", Origen: "A", Destino: "B", Monto: amt("90000000000000000")})
			if !errors.Is(err, core.ErrValidation) {
				t.Fatalf("oversized transfer: expected validation error, got %v", err)
			}

			for _, code := range []string{"A", "B"} {
				if _, err := svc.SetBudget(ctx, SetBudgetInput{Project: "P1", Partida: code, Presupuesto: amt("90000000000000")}); err != nil {
					t.Fatalf("set budget %s: %v", code, err)
				}
			}
			// B would end at 1.8e14, past the storable range.
			_, err = svc.TransferBudget(ctx, TransferInput{Project: "P1", Origen: "A", Destino: "B", Monto: amt("90000000000000")})
			if !errors.Is(err, core.ErrValidation) {
				t.Fatalf("transfer past range: expected validation error, got %v", err)
			}
			for _, code := range []string{"A", "B"} {
				it := assertBalanced(t, svc.store, core.NewKey("P1", code))
				if !it.TotalReconducido.IsZero() || !it.SaldoDisponible.Equal(amt("90000000000000")) {
					t.Fatalf("%s changed by rejected transfer: %+v", code, it)
				}
			}

			_, err = svc.RegisterExpense(ctx, RegisterExpenseInput{Project: "P1", Partida: "A", Monto: amt("99999999999999.99")})
			if err != nil {
				t.Fatalf("largest expense: %v", err)
			}
			// total_gastado would reach 2e14
			_, err = svc.RegisterExpense(ctx, RegisterExpenseInput{Project: "P1", Partida: "A", Monto: amt("99999999999999.99")})
			if !errors.Is(err, core.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			assertBalanced(t, svc.store, core.NewKey("P1", "A"))
		})
	}
}

// interleavedCache runs beforeSet once, ahead of the first Set, to land a
// mutation between the generation check and the store.
type interleavedCache struct {
	cache.Cache[[]core.LineItem]
	once      sync.Once
	beforeSet func()
}

func (c *interleavedCache) Set(ctx context.Context, key string, items []core.LineItem) {
	c.once.Do(c.beforeSet)
	c.Cache.Set(ctx, key, items)
}

func TestListingRacingMutationIsNotCached(t *testing.T) {
	ctx := context.Background()
	rc := &interleavedCache{Cache: cache.NewMemoryCache[[]core.LineItem](16, time.Minute)}
	svc := NewLedgerService(memory.New(), nil, Options{ReadCache: rc})
	svc.SetBudget(ctx, SetBudgetInput{Project: "P1", Partida: "1", Presupuesto: amt("10")})

	var setErr error
	rc.beforeSet = func() {
		_, setErr = svc.SetBudget(ctx, SetBudgetInput{Project: "P1", Partida: "2", Presupuesto: amt("10")})
	}
	items, err := svc.ListLineItems(ctx, "P1")
	if err != nil || setErr != nil {
		t.Fatalf("list: %v, set budget: %v", err, setErr)
	}
	if len(items) != 1 {
		t.Fatalf("listing read before the mutation, got %+v", items)
	}
	if cached, ok := rc.Get(ctx, "P1"); ok {
		t.Fatalf("stale listing left in cache: %+v", cached)
	}
	items, _ = svc.ListLineItems(ctx, "P1")
	if len(items) != 2 {
		t.Fatalf("expected fresh listing with 2 items, got %+v", items)
	}
}
