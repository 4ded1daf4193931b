package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"presupuesto/internal/amqp"
	"presupuesto/internal/cache"
	"presupuesto/internal/core"
	"presupuesto/internal/ledger"
	"presupuesto/internal/log"
	"presupuesto/internal/storage"
)

// MissingLineItemPolicy decides what registering an expense against an
// unknown partida does.
type MissingLineItemPolicy string

const (
	AutoCreateLineItem    MissingLineItemPolicy = "autocreate"
	RejectMissingLineItem MissingLineItemPolicy = "reject"
)

func (p MissingLineItemPolicy) Valid() bool {
	return p == AutoCreateLineItem || p == RejectMissingLineItem
}

// EventPublisher receives ledger events after commit.
type EventPublisher interface {
	PublishEvent(ctx context.Context, e *amqp.LedgerEvent) error
}

type Options struct {
	// LockTimeout bounds one whole unit of work, lock waits included.
	LockTimeout     time.Duration
	MissingLineItem MissingLineItemPolicy
	// ReadCache holds ListLineItems results per project. Optional.
	ReadCache cache.Cache[[]core.LineItem]
}

// LedgerService runs every ledger mutation as one unit of work against the
// store: lock, read, plan, write back, commit. Events are published only
// after a successful commit and never fail the request.
type LedgerService struct {
	store     storage.Store
	publisher EventPublisher
	reads     *readCache
	opts      Options
}

func NewLedgerService(store storage.Store, publisher EventPublisher, opts Options) *LedgerService {
	if !opts.MissingLineItem.Valid() {
		opts.MissingLineItem = AutoCreateLineItem
	}
	return &LedgerService{
		store:     store,
		publisher: publisher,
		reads:     newReadCache(opts.ReadCache),
		opts:      opts,
	}
}

type (
	RegisterExpenseInput struct {
		Project     string
		Partida     string
		Fecha       core.Date
		Descripcion string
		Monto       decimal.Decimal
	}

	DeleteExpenseResult struct {
		Deleted  bool
		Expense  core.Expense
		LineItem *core.LineItem // nil when nothing was deleted or the line item is gone
	}

	TransferInput struct {
		Project  string
		Origen   string
		Destino  string
		Monto    decimal.Decimal
		Concepto string
		Fecha    core.Date
	}

	TransferResult struct {
		TransferID     int64
		OriginNegative bool
		Origen         core.LineItem
		Destino        core.LineItem
	}

	SetBudgetInput struct {
		Project     string
		Partida     string
		Presupuesto decimal.Decimal
	}
)

// RegisterExpense records an expense and recomputes its line item.
func (s *LedgerService) RegisterExpense(ctx context.Context, in RegisterExpenseInput) (core.LineItem, error) {
	key := core.NewKey(in.Project, in.Partida)
	exp := core.Expense{
		Key:         key,
		Fecha:       in.Fecha,
		Descripcion: strings.TrimSpace(in.Descripcion),
		Monto:       core.RoundAmount(in.Monto),
	}
	if err := exp.Validate(); err != nil {
		return core.LineItem{}, err
	}

	var (
		updated core.LineItem
		created bool
	)
	err := s.run(ctx, log.OpRegisterExpense, func(ctx context.Context, tx storage.Tx) error {
		if s.opts.MissingLineItem == AutoCreateLineItem {
			c, err := tx.EnsureLineItem(ctx, key)
			if err != nil {
				return err
			}
			created = c
		}
		current, err := tx.LockLineItem(ctx, key)
		if err != nil {
			return err
		}
		if exp.ID, err = tx.InsertExpense(ctx, exp); err != nil {
			return err
		}
		sum, err := tx.SumExpenses(ctx, key)
		if err != nil {
			return err
		}
		plan := ledger.PlanExpenseRegistration(current, sum)
		if err := plan.Validate(); err != nil {
			return err
		}
		updated, err = tx.UpdateDerivedTotals(ctx, key, plan.NewTotalGastado, plan.NewSaldo)
		return err
	})
	if err != nil {
		return core.LineItem{}, err
	}

	s.logger(ctx).InfoContext(ctx, "Expense registered", log.NewFields().
		WithLineItem(key).WithAmount(exp.Monto).WithSaldo(updated.SaldoDisponible).
		With(log.FieldExpenseID, exp.ID).With("line_item_created", created).ToSlice()...)

	s.reads.invalidate(ctx, key.Project)
	ev := amqp.NewLedgerEvent(amqp.EventExpenseRegistered, key.Project)
	ev.Partida = key.Code
	ev.ExpenseID = exp.ID
	ev.Monto = exp.Monto
	ev.Saldo = amqp.Amount(updated.SaldoDisponible)
	s.publish(ctx, ev)
	return updated, nil
}

// DeleteExpense removes an expense. Deleting an unknown id is a successful
// no-op so clients can retry freely.
func (s *LedgerService) DeleteExpense(ctx context.Context, id int64) (DeleteExpenseResult, error) {
	if id <= 0 {
		return DeleteExpenseResult{}, core.ErrInvalidID
	}

	var res DeleteExpenseResult
	err := s.run(ctx, log.OpDeleteExpense, func(ctx context.Context, tx storage.Tx) error {
		res = DeleteExpenseResult{}
		exp, err := tx.GetExpense(ctx, id)
		if errors.Is(err, core.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		current, lockErr := tx.LockLineItem(ctx, exp.Key)
		if lockErr != nil && !errors.Is(lockErr, core.ErrNotFound) {
			return lockErr
		}

		removed, ok, err := tx.DeleteExpense(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			// removed by a concurrent unit of work that held the lock first
			return nil
		}
		res.Deleted = true
		res.Expense = removed
		if lockErr != nil {
			return nil
		}

		sum, err := tx.SumExpenses(ctx, exp.Key)
		if err != nil {
			return err
		}
		plan := ledger.PlanExpenseDeletion(current, sum)
		if err := plan.Validate(); err != nil {
			return err
		}
		updated, err := tx.UpdateDerivedTotals(ctx, exp.Key, plan.NewTotalGastado, plan.NewSaldo)
		if err != nil {
			return err
		}
		res.LineItem = &updated
		return nil
	})
	if err != nil {
		return DeleteExpenseResult{}, err
	}
	if !res.Deleted {
		s.logger(ctx).DebugContext(ctx, "Expense already absent", log.FieldExpenseID, id)
		return res, nil
	}

	fields := log.NewFields().WithLineItem(res.Expense.Key).WithAmount(res.Expense.Monto).With(log.FieldExpenseID, id)
	if res.LineItem != nil {
		fields.WithSaldo(res.LineItem.SaldoDisponible)
	}
	s.logger(ctx).InfoContext(ctx, "Expense deleted", fields.ToSlice()...)

	s.reads.invalidate(ctx, res.Expense.Key.Project)
	ev := amqp.NewLedgerEvent(amqp.EventExpenseDeleted, res.Expense.Key.Project)
	ev.Partida = res.Expense.Key.Code
	ev.ExpenseID = id
	ev.Monto = res.Expense.Monto
	if res.LineItem != nil {
		ev.Saldo = amqp.Amount(res.LineItem.SaldoDisponible)
	}
	s.publish(ctx, ev)
	return res, nil
}

// TransferBudget moves budget between two line items of a project. The
// origin must exist; the destination is created when missing. A negative
// resulting origin saldo is reported, not refused.
func (s *LedgerService) TransferBudget(ctx context.Context, in TransferInput) (TransferResult, error) {
	tr := core.Transfer{
		Project:  strings.TrimSpace(in.Project),
		Origen:   strings.TrimSpace(in.Origen),
		Destino:  strings.TrimSpace(in.Destino),
		Monto:    core.RoundAmount(in.Monto),
		Concepto: strings.TrimSpace(in.Concepto),
		Fecha:    in.Fecha,
		Actor:    ActorFromContext(ctx),
	}
	if err := tr.Validate(); err != nil {
		return TransferResult{}, err
	}
	originKey, destKey := tr.OriginKey(), tr.DestinationKey()

	var res TransferResult
	err := s.run(ctx, log.OpTransferBudget, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.GetLineItem(ctx, originKey); err != nil {
			return err
		}
		if _, err := tx.EnsureLineItem(ctx, destKey); err != nil {
			return err
		}

		locked := make(map[core.LineItemKey]core.LineItem, 2)
		for _, k := range core.OrderedKeys(originKey, destKey) {
			it, err := tx.LockLineItem(ctx, k)
			if err != nil {
				return err
			}
			locked[k] = it
		}

		plan := ledger.PlanTransfer(locked[originKey], locked[destKey], tr.Monto)
		if err := plan.Validate(); err != nil {
			return err
		}
		origin, err := tx.UpdateTransferTotals(ctx, originKey, storage.TransferTotals{
			TotalReconducido: plan.OriginNewRecon,
			Saldo:            plan.OriginNewSaldo,
			Fecha:            tr.Fecha,
			Motivo:           tr.Concepto,
		})
		if err != nil {
			return err
		}
		dest := origin
		if !plan.SameLineItem {
			dest, err = tx.UpdateTransferTotals(ctx, destKey, storage.TransferTotals{
				TotalReconducido: plan.DestinationNewRecon,
				Saldo:            plan.DestinationNewSaldo,
				Fecha:            tr.Fecha,
				Motivo:           tr.Concepto,
			})
			if err != nil {
				return err
			}
		}
		id, err := tx.InsertTransfer(ctx, tr)
		if err != nil {
			return err
		}
		res = TransferResult{
			TransferID:     id,
			OriginNegative: plan.OriginGoesNegative,
			Origen:         origin,
			Destino:        dest,
		}
		return nil
	})
	if err != nil {
		return TransferResult{}, err
	}

	fields := log.NewFields().WithAmount(tr.Monto).
		With(log.FieldProject, tr.Project).With(log.FieldOrigen, tr.Origen).With(log.FieldDestino, tr.Destino).
		With("saldo_origen", res.Origen.SaldoDisponible.StringFixed(core.Scale)).
		With("saldo_destino", res.Destino.SaldoDisponible.StringFixed(core.Scale))
	if res.OriginNegative {
		s.logger(ctx).WarnContext(ctx, "Budget transferred, origin saldo is negative", fields.ToSlice()...)
	} else {
		s.logger(ctx).InfoContext(ctx, "Budget transferred", fields.ToSlice()...)
	}

	s.reads.invalidate(ctx, tr.Project)
	ev := amqp.NewLedgerEvent(amqp.EventBudgetTransferred, tr.Project)
	ev.Origen, ev.Destino = tr.Origen, tr.Destino
	ev.TransferID = res.TransferID
	ev.Monto = tr.Monto
	ev.Saldo = amqp.Amount(res.Origen.SaldoDisponible)
	ev.SaldoDestino = amqp.Amount(res.Destino.SaldoDisponible)
	ev.OriginNegative = res.OriginNegative
	s.publish(ctx, ev)
	return res, nil
}

// SetBudget assigns an absolute presupuesto, creating the line item if
// needed, and recomputes its saldo.
func (s *LedgerService) SetBudget(ctx context.Context, in SetBudgetInput) (core.LineItem, error) {
	key := core.NewKey(in.Project, in.Partida)
	if err := key.Validate(); err != nil {
		return core.LineItem{}, err
	}
	if in.Presupuesto.IsNegative() {
		return core.LineItem{}, core.ErrInvalidPresupuesto
	}
	if err := core.CheckRange(in.Presupuesto); err != nil {
		return core.LineItem{}, err
	}
	presupuesto := core.RoundAmount(in.Presupuesto)

	var updated core.LineItem
	err := s.run(ctx, log.OpSetBudget, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.EnsureLineItem(ctx, key); err != nil {
			return err
		}
		current, err := tx.LockLineItem(ctx, key)
		if err != nil {
			return err
		}
		plan := ledger.PlanBudget(current, presupuesto)
		if err := plan.Validate(); err != nil {
			return err
		}
		updated, err = tx.UpsertLineItemBudget(ctx, key, plan.Delta)
		return err
	})
	if err != nil {
		return core.LineItem{}, err
	}

	s.logger(ctx).InfoContext(ctx, "Budget set", log.NewFields().
		WithLineItem(key).WithAmount(presupuesto).WithSaldo(updated.SaldoDisponible).ToSlice()...)

	s.reads.invalidate(ctx, key.Project)
	ev := amqp.NewLedgerEvent(amqp.EventBudgetSet, key.Project)
	ev.Partida = key.Code
	ev.Monto = presupuesto
	ev.Saldo = amqp.Amount(updated.SaldoDisponible)
	s.publish(ctx, ev)
	return updated, nil
}

// DeleteProject removes every line item, expense and transfer of a project
// and returns the number of line items deleted.
func (s *LedgerService) DeleteProject(ctx context.Context, project string) (int64, error) {
	project = strings.TrimSpace(project)
	if project == "" {
		return 0, core.ErrEmptyProject
	}
	var n int64
	err := s.run(ctx, log.OpDeleteProject, func(ctx context.Context, tx storage.Tx) error {
		var err error
		n, err = tx.DeleteProject(ctx, project)
		return err
	})
	if err != nil {
		return 0, err
	}

	s.logger(ctx).InfoContext(ctx, "Project deleted", log.FieldProject, project, "deleted_rows", n)
	s.reads.invalidate(ctx, project)
	ev := amqp.NewLedgerEvent(amqp.EventProjectDeleted, project)
	ev.DeletedRows = n
	s.publish(ctx, ev)
	return n, nil
}

// run executes fn in one unit of work bounded by LockTimeout.
func (s *LedgerService) run(ctx context.Context, op string, fn func(ctx context.Context, tx storage.Tx) error) error {
	if s.opts.LockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.LockTimeout)
		defer cancel()
	}
	err := s.store.WithinTx(ctx, fn)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, core.ErrConflict) {
		err = fmt.Errorf("%w: %w", core.ErrLockTimeout, err)
	}
	if core.Kind(err) == "internal" {
		err = core.StorageError(op, err)
	}

	fields := log.NewFields().WithOperation(op).WithError(err).WithActor(ActorFromContext(ctx))
	if errors.Is(err, core.ErrStorage) || core.Kind(err) == "internal" {
		s.logger(ctx).ErrorContext(ctx, "Ledger operation failed", fields.ToSlice()...)
	} else {
		s.logger(ctx).WarnContext(ctx, "Ledger operation rejected", fields.ToSlice()...)
	}
	return fmt.Errorf("%s: %w", strings.ReplaceAll(op, "_", " "), err)
}

func (s *LedgerService) publish(ctx context.Context, e *amqp.LedgerEvent) {
	e.Actor = ActorFromContext(ctx)
	if s.publisher == nil {
		s.logger(ctx).DebugContext(ctx, "Event publisher not configured, skipping event", log.FieldEventType, e.Type)
		return
	}
	// detached from request cancellation
	if err := s.publisher.PublishEvent(context.WithoutCancel(ctx), e); err != nil {
		s.logger(ctx).ErrorContext(ctx, "Failed to publish ledger event",
			log.FieldEventID, e.ID, log.FieldEventType, e.Type, log.FieldError, err)
	}
}

func (s *LedgerService) logger(ctx context.Context) *log.Logger {
	return log.FromContext(ctx).WithComponent(log.ComponentLedger)
}

// Close closes the store and the publisher when it holds a connection.
func (s *LedgerService) Close() error {
	var errs []error
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
	}
	if c, ok := s.publisher.(io.Closer); ok && c != nil {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("publisher: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close ledger service: %w", errors.Join(errs...))
	}
	return nil
}
