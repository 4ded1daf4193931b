package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"presupuesto/internal/core"
)

// Ports implemented by every ledger backend (sqlite, postgres, memory).
type (
	// Tx is a unit of work. Every mutation of a line item happens through a
	// Tx obtained from Store.WithinTx and becomes visible only on commit.
	Tx interface {
		GetLineItem(ctx context.Context, key core.LineItemKey) (core.LineItem, error)
		// LockLineItem reads the line item and holds an exclusive lock on it
		// until the unit of work ends.
		LockLineItem(ctx context.Context, key core.LineItemKey) (core.LineItem, error)
		// EnsureLineItem creates the line item with zero totals if absent.
		EnsureLineItem(ctx context.Context, key core.LineItemKey) (created bool, err error)
		UpsertLineItemBudget(ctx context.Context, key core.LineItemKey, delta decimal.Decimal) (core.LineItem, error)
		InsertExpense(ctx context.Context, e core.Expense) (int64, error)
		GetExpense(ctx context.Context, id int64) (core.Expense, error)
		// DeleteExpense returns the removed expense, or false when the id does
		// not exist.
		DeleteExpense(ctx context.Context, id int64) (core.Expense, bool, error)
		SumExpenses(ctx context.Context, key core.LineItemKey) (decimal.Decimal, error)
		UpdateDerivedTotals(ctx context.Context, key core.LineItemKey, totalGastado, saldo decimal.Decimal) (core.LineItem, error)
		UpdateTransferTotals(ctx context.Context, key core.LineItemKey, t TransferTotals) (core.LineItem, error)
		InsertTransfer(ctx context.Context, t core.Transfer) (int64, error)
		DeleteProject(ctx context.Context, project string) (int64, error)
	}

	Reader interface {
		GetLineItem(ctx context.Context, key core.LineItemKey) (core.LineItem, error)
		// ListLineItems returns the project's line items ordered by code.
		ListLineItems(ctx context.Context, project string) ([]core.LineItem, error)
		// ListExpenses returns the project's expenses, most recent first.
		ListExpenses(ctx context.Context, project string) ([]core.Expense, error)
		ListTransfers(ctx context.Context, f TransferFilter) ([]core.Transfer, error)
		Ping(ctx context.Context) error
	}

	// AuditLog is the append-only record of ledger events.
	AuditLog interface {
		// RecordEvent stores the entry once; a repeated EventID returns false.
		RecordEvent(ctx context.Context, e AuditEntry) (bool, error)
		ListEvents(ctx context.Context, project string, limit int) ([]AuditEntry, error)
	}

	Store interface {
		Reader
		AuditLog
		// WithinTx runs fn in one unit of work. A non-nil error from fn, or a
		// failed commit, rolls back every write fn made.
		WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
		Close() error
	}
)

// TransferTotals is the write-back of a transfer on one line item. Empty
// Fecha and Motivo keep the stored values.
type TransferTotals struct {
	TotalReconducido decimal.Decimal
	Saldo            decimal.Decimal
	Fecha            core.Date
	Motivo           string
}

// TransferFilter narrows ListTransfers. Zero fields match anything.
type TransferFilter struct {
	Project string
	Origen  string
	Destino string
	Monto   decimal.Decimal
}

func (f TransferFilter) Match(t core.Transfer) bool {
	if f.Project != "" && t.Project != f.Project {
		return false
	}
	if f.Origen != "" && t.Origen != f.Origen {
		return false
	}
	if f.Destino != "" && t.Destino != f.Destino {
		return false
	}
	if !f.Monto.IsZero() && !t.Monto.Equal(f.Monto) {
		return false
	}
	return true
}

type AuditEntry struct {
	EventID    string
	Type       string
	Project    string
	Partida    string
	Actor      string
	Payload    string
	Verified   bool
	Issue      string
	OccurredAt time.Time
	RecordedAt time.Time
}
