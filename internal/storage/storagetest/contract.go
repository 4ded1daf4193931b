// Package storagetest holds the behaviour every storage.Store must share.
// Backend packages call Run from their own tests.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"presupuesto/internal/core"
	"presupuesto/internal/storage"
)

// Factory returns an empty store; cleanup is the caller's responsibility
// (t.Cleanup).
type Factory func(t *testing.T) storage.Store

func Run(t *testing.T, newStore Factory) {
	t.Run("EnsureAndBudget", func(t *testing.T) { testEnsureAndBudget(t, newStore(t)) })
	t.Run("ExpenseLifecycle", func(t *testing.T) { testExpenseLifecycle(t, newStore(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("TransferTotals", func(t *testing.T) { testTransferTotals(t, newStore(t)) })
	t.Run("ListOrdering", func(t *testing.T) { testListOrdering(t, newStore(t)) })
	t.Run("DeleteProject", func(t *testing.T) { testDeleteProject(t, newStore(t)) })
	t.Run("AuditLog", func(t *testing.T) { testAuditLog(t, newStore(t)) })
}

func amt(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func mustTx(t *testing.T, s storage.Store, fn func(ctx context.Context, tx storage.Tx) error) {
	t.Helper()
	if err := s.WithinTx(context.Background(), fn); err != nil {
		t.Fatalf("transaction failed: %v", err)
	}
}

func testEnsureAndBudget(t *testing.T, s storage.Store) {
	ctx := context.Background()
	key := core.NewKey("P1", "5151")

	if _, err := s.GetLineItem(ctx, key); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	mustTx(t, s, func(ctx context.Context, tx storage.Tx) error {
		created, err := tx.EnsureLineItem(ctx, key)
		if err != nil {
			return err
		}
		if !created {
			t.Errorf("expected first ensure to create")
		}
		created, err = tx.EnsureLineItem(ctx, key)
		if err != nil {
			return err
		}
		if created {
			t.Errorf("second ensure must not create")
		}
		it, err := tx.UpsertLineItemBudget(ctx, key, amt("1000"))
		if err != nil {
			return err
		}
		if !it.Presupuesto.Equal(amt("1000")) || !it.SaldoDisponible.Equal(amt("1000")) {
			t.Errorf("unexpected budget %+v", it)
		}
		return nil
	})

	mustTx(t, s, func(ctx context.Context, tx storage.Tx) error {
		// upsert on an absent key creates it
		it, err := tx.UpsertLineItemBudget(ctx, core.NewKey("P1", "5153"), amt("12.50"))
		if err != nil {
			return err
		}
		if !it.SaldoDisponible.Equal(amt("12.5")) {
			t.Errorf("expected 12.50, got %s", it.SaldoDisponible)
		}
		return nil
	})

	it, err := s.GetLineItem(ctx, key)
	if err != nil {
		t.Fatalf("get line item: %v", err)
	}
	if !it.TotalGastado.IsZero() || !it.TotalReconducido.IsZero() {
		t.Fatalf("new line item must start with zero totals: %+v", it)
	}
}

func testExpenseLifecycle(t *testing.T, s storage.Store) {
	ctx := context.Background()
	key := core.NewKey("P1", "5151")
	var id1, id2 int64

	mustTx(t, s, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.EnsureLineItem(ctx, key); err != nil {
			return err
		}
		if _, err := tx.InsertExpense(ctx, core.Expense{Key: key, Monto: decimal.Zero}); !errors.Is(err, core.ErrValidation) {
			t.Errorf("zero amount must fail validation, got %v", err)
		}
		var err error
		if id1, err = tx.InsertExpense(ctx, core.Expense{Key: key, Descripcion: "a", Monto: amt("300")}); err != nil {
			return err
		}
		if id2, err = tx.InsertExpense(ctx, core.Expense{Key: key, Descripcion: "b", Monto: amt("900.25")}); err != nil {
			return err
		}
		sum, err := tx.SumExpenses(ctx, key)
		if err != nil {
			return err
		}
		if !sum.Equal(amt("1200.25")) {
			t.Errorf("expected sum 1200.25, got %s", sum)
		}
		return nil
	})
	if id1 == 0 || id2 <= id1 {
		t.Fatalf("expected increasing ids, got %d %d", id1, id2)
	}

	mustTx(t, s, func(ctx context.Context, tx storage.Tx) error {
		e, ok, err := tx.DeleteExpense(ctx, id1)
		if err != nil {
			return err
		}
		if !ok || e.Key != key || !e.Monto.Equal(amt("300")) {
			t.Errorf("unexpected delete result %v %+v", ok, e)
		}
		_, ok, err = tx.DeleteExpense(ctx, id1)
		if err != nil {
			return err
		}
		if ok {
			t.Errorf("second delete must be a no-op")
		}
		if _, err := tx.GetExpense(ctx, id1); !errors.Is(err, core.ErrNotFound) {
			t.Errorf("expected not found, got %v", err)
		}
		sum, err := tx.SumExpenses(ctx, core.NewKey("P1", "nope"))
		if err != nil {
			return err
		}
		if !sum.IsZero() {
			t.Errorf("sum without expenses must be zero, got %s", sum)
		}
		it, err := tx.UpdateDerivedTotals(ctx, key, amt("900.25"), amt("-900.25"))
		if err != nil {
			return err
		}
		if !it.TotalGastado.Equal(amt("900.25")) {
			t.Errorf("derived totals not written: %+v", it)
		}
		return nil
	})

	mustTx(t, s, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.UpdateDerivedTotals(ctx, core.NewKey("P1", "missing"), decimal.Zero, decimal.Zero); !errors.Is(err, core.ErrNotFound) {
			t.Errorf("expected not found on missing line item, got %v", err)
		}
		return nil
	})

	it, err := s.GetLineItem(ctx, key)
	if err != nil {
		t.Fatalf("get line item: %v", err)
	}
	if !it.TotalGastado.Equal(amt("900.25")) || !it.SaldoDisponible.Equal(amt("-900.25")) {
		t.Errorf("committed derived totals not visible: %+v", it)
	}
	if _, err := s.ListExpenses(ctx, "P1"); err != nil {
		t.Fatalf("list expenses: %v", err)
	}
}

func testRollback(t *testing.T, s storage.Store) {
	ctx := context.Background()
	key := core.NewKey("P1", "5151")
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.UpsertLineItemBudget(ctx, key, amt("1000")); err != nil {
			return err
		}
		if _, err := tx.InsertExpense(ctx, core.Expense{Key: key, Monto: amt("1")}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := s.GetLineItem(ctx, key); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("rolled back line item must not exist, got %v", err)
	}
	list, err := s.ListExpenses(ctx, "P1")
	if err != nil {
		t.Fatalf("list expenses: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("rolled back expense is visible: %+v", list)
	}
}

func testTransferTotals(t *testing.T, s storage.Store) {
	ctx := context.Background()
	origin := core.NewKey("P1", "5151")
	fecha := core.NewDate(2025, 3, 1)

	mustTx(t, s, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.EnsureLineItem(ctx, origin); err != nil {
			return err
		}
		it, err := tx.UpdateTransferTotals(ctx, origin, storage.TransferTotals{
			TotalReconducido: amt("-500"), Saldo: amt("-500"), Fecha: fecha, Motivo: "ajuste",
		})
		if err != nil {
			return err
		}
		if !it.TotalReconducido.Equal(amt("-500")) || it.MotivoReconduccion != "ajuste" {
			t.Errorf("unexpected totals %+v", it)
		}
		_, err = tx.InsertTransfer(ctx, core.Transfer{Project: "P1", Origen: "5151", Destino: "5152", Monto: amt("500"), Concepto: "ajuste", Fecha: fecha})
		return err
	})

	mustTx(t, s, func(ctx context.Context, tx storage.Tx) error {
		// empty metadata keeps what is stored
		it, err := tx.UpdateTransferTotals(ctx, origin, storage.TransferTotals{TotalReconducido: amt("-600"), Saldo: amt("-600")})
		if err != nil {
			return err
		}
		if it.MotivoReconduccion != "ajuste" || it.FechaReconduccion.String() != "2025-03-01" {
			t.Errorf("metadata overwritten: %+v", it)
		}
		return nil
	})

	got, err := s.ListTransfers(ctx, storage.TransferFilter{Project: "P1", Origen: "5151", Destino: "5152", Monto: amt("500")})
	if err != nil {
		t.Fatalf("list transfers: %v", err)
	}
	if len(got) != 1 || got[0].Concepto != "ajuste" || got[0].Fecha.String() != "2025-03-01" {
		t.Fatalf("unexpected transfers %+v", got)
	}
	none, err := s.ListTransfers(ctx, storage.TransferFilter{Project: "P1", Monto: amt("1")})
	if err != nil {
		t.Fatalf("list transfers: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("filter by amount ignored: %+v", none)
	}
}

func testListOrdering(t *testing.T, s storage.Store) {
	ctx := context.Background()
	mustTx(t, s, func(ctx context.Context, tx storage.Tx) error {
		for _, code := range []string{"5152", "5151", "1000"} {
			if _, err := tx.EnsureLineItem(ctx, core.NewKey("P1", code)); err != nil {
				return err
			}
		}
		key := core.NewKey("P1", "5151")
		for _, e := range []core.Expense{
			{Key: key, Fecha: core.NewDate(2025, 1, 10), Descripcion: "old", Monto: amt("1")},
			{Key: key, Fecha: core.NewDate(2025, 2, 10), Descripcion: "new", Monto: amt("1")},
			{Key: key, Descripcion: "undated", Monto: amt("1")},
			{Key: key, Fecha: core.NewDate(2025, 2, 10), Descripcion: "new-later-id", Monto: amt("1")},
		} {
			if _, err := tx.InsertExpense(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})

	items, err := s.ListLineItems(ctx, "P1")
	if err != nil {
		t.Fatalf("list line items: %v", err)
	}
	if len(items) != 3 || items[0].Key.Code != "1000" || items[2].Key.Code != "5152" {
		t.Fatalf("line items not ordered by code: %+v", items)
	}

	expenses, err := s.ListExpenses(ctx, "P1")
	if err != nil {
		t.Fatalf("list expenses: %v", err)
	}
	want := []string{"undated", "new-later-id", "new", "old"}
	if len(expenses) != len(want) {
		t.Fatalf("expected %d expenses, got %d", len(want), len(expenses))
	}
	for i, w := range want {
		if expenses[i].Descripcion != w {
			t.Fatalf("position %d: want %q, got %q", i, w, expenses[i].Descripcion)
		}
	}

	other, err := s.ListLineItems(ctx, "P2")
	if err != nil {
		t.Fatalf("list line items: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("unexpected items for P2: %+v", other)
	}
}

func testDeleteProject(t *testing.T, s storage.Store) {
	ctx := context.Background()
	mustTx(t, s, func(ctx context.Context, tx storage.Tx) error {
		for _, key := range []core.LineItemKey{core.NewKey("P1", "1"), core.NewKey("P1", "2"), core.NewKey("P2", "1")} {
			if _, err := tx.EnsureLineItem(ctx, key); err != nil {
				return err
			}
			if _, err := tx.InsertExpense(ctx, core.Expense{Key: key, Monto: amt("5")}); err != nil {
				return err
			}
		}
		return nil
	})

	var deleted int64
	mustTx(t, s, func(ctx context.Context, tx storage.Tx) error {
		var err error
		deleted, err = tx.DeleteProject(ctx, "P1")
		return err
	})
	if deleted != 2 {
		t.Fatalf("expected 2 deleted rows, got %d", deleted)
	}
	if list, _ := s.ListExpenses(ctx, "P1"); len(list) != 0 {
		t.Fatalf("project expenses survived: %+v", list)
	}
	if list, _ := s.ListLineItems(ctx, "P2"); len(list) != 1 {
		t.Fatalf("other project touched: %+v", list)
	}
}

func testAuditLog(t *testing.T, s storage.Store) {
	ctx := context.Background()
	e := storage.AuditEntry{
		EventID:    "evt-1",
		Type:       "expense.registered",
		Project:    "P1",
		Partida:    "5151",
		Payload:    `{"monto":"300"}`,
		Verified:   true,
		OccurredAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	ok, err := s.RecordEvent(ctx, e)
	if err != nil || !ok {
		t.Fatalf("record event: %v %v", ok, err)
	}
	ok, err = s.RecordEvent(ctx, e)
	if err != nil || ok {
		t.Fatalf("duplicate event must be ignored: %v %v", ok, err)
	}
	list, err := s.ListEvents(ctx, "P1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(list) != 1 || list[0].Type != "expense.registered" || !list[0].Verified || !list[0].OccurredAt.Equal(e.OccurredAt) {
		t.Fatalf("unexpected events %+v", list)
	}
}
