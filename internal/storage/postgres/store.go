// Package postgres is the ledger backend for PostgreSQL, built on gorm.
// Line item locks are row locks (SELECT ... FOR UPDATE) bounded by
// lock_timeout, so transfers between disjoint pairs run in parallel.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"presupuesto/internal/core"
	"presupuesto/internal/storage"
)

type Store struct {
	db          *gorm.DB
	lockTimeout time.Duration
}

var _ storage.Store = (*Store)(nil)

// Open connects to dsn and migrates the ledger tables.
func Open(dsn string, lockTimeout time.Duration) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}
	s := &Store{db: db, lockTimeout: lockTimeout}
	if err := s.Migrate(); err != nil {
		_ = s.Close()
		return nil, err
	}
	slog.Info("Postgres ledger store ready", "lock_timeout", lockTimeout)
	return s, nil
}

// NewWithDB wraps an existing gorm handle without migrating.
func NewWithDB(db *gorm.DB, lockTimeout time.Duration) *Store {
	return &Store{db: db, lockTimeout: lockTimeout}
}

func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(&lineItemModel{}, &expenseModel{}, &transferModel{}, &eventModel{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return core.StorageError("ping database", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return classifyPG("ping database", err)
	}
	return nil
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	err := s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		if s.lockTimeout > 0 {
			stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
			if err := gtx.Exec(stmt).Error; err != nil {
				return classifyPG("set lock timeout", err)
			}
		}
		return fn(ctx, &pgTx{db: gtx})
	})
	if err != nil && core.Kind(err) == "internal" {
		return classifyPG("transaction", err)
	}
	return err
}

func (s *Store) GetLineItem(ctx context.Context, key core.LineItemKey) (core.LineItem, error) {
	return findLineItem(s.db.WithContext(ctx), key)
}

func (s *Store) ListLineItems(ctx context.Context, project string) ([]core.LineItem, error) {
	var rows []lineItemModel
	if err := s.db.WithContext(ctx).Where("project = ?", project).Order("code").Find(&rows).Error; err != nil {
		return nil, classifyPG("list line items", err)
	}
	out := make([]core.LineItem, 0, len(rows))
	for _, m := range rows {
		out = append(out, toLineItem(m))
	}
	return out, nil
}

func (s *Store) ListExpenses(ctx context.Context, project string) ([]core.Expense, error) {
	var rows []expenseModel
	err := s.db.WithContext(ctx).
		Where("project = ?", project).
		Order("fecha DESC NULLS FIRST").Order("id DESC").
		Find(&rows).Error
	if err != nil {
		return nil, classifyPG("list expenses", err)
	}
	out := make([]core.Expense, 0, len(rows))
	for _, m := range rows {
		out = append(out, toExpense(m))
	}
	return out, nil
}

func (s *Store) ListTransfers(ctx context.Context, f storage.TransferFilter) ([]core.Transfer, error) {
	q := s.db.WithContext(ctx).Model(&transferModel{})
	if f.Project != "" {
		q = q.Where("project = ?", f.Project)
	}
	if f.Origen != "" {
		q = q.Where("origen = ?", f.Origen)
	}
	if f.Destino != "" {
		q = q.Where("destino = ?", f.Destino)
	}
	if !f.Monto.IsZero() {
		q = q.Where("monto = ?", f.Monto)
	}
	var rows []transferModel
	if err := q.Order("id DESC").Find(&rows).Error; err != nil {
		return nil, classifyPG("list transfers", err)
	}
	out := make([]core.Transfer, 0, len(rows))
	for _, m := range rows {
		out = append(out, toTransfer(m))
	}
	return out, nil
}

func (s *Store) RecordEvent(ctx context.Context, e storage.AuditEntry) (bool, error) {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	payload := e.Payload
	if payload == "" {
		payload = "{}"
	}
	m := eventModel{
		EventID:    e.EventID,
		EventType:  e.Type,
		Project:    e.Project,
		Partida:    e.Partida,
		Actor:      e.Actor,
		Payload:    payload,
		Verified:   e.Verified,
		Issue:      e.Issue,
		OccurredAt: e.OccurredAt,
		RecordedAt: e.RecordedAt,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m)
	if res.Error != nil {
		return false, classifyPG("record event", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) ListEvents(ctx context.Context, project string, limit int) ([]storage.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []eventModel
	err := s.db.WithContext(ctx).Where("project = ?", project).
		Order("recorded_at DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, classifyPG("list events", err)
	}
	out := make([]storage.AuditEntry, 0, len(rows))
	for _, m := range rows {
		out = append(out, storage.AuditEntry{
			EventID:    m.EventID,
			Type:       m.EventType,
			Project:    m.Project,
			Partida:    m.Partida,
			Actor:      m.Actor,
			Payload:    m.Payload,
			Verified:   m.Verified,
			Issue:      m.Issue,
			OccurredAt: m.OccurredAt,
			RecordedAt: m.RecordedAt,
		})
	}
	return out, nil
}

type pgTx struct {
	db *gorm.DB
}

func byKey(db *gorm.DB, key core.LineItemKey) *gorm.DB {
	return db.Where("project = ? AND code = ?", key.Project, key.Code)
}

func findLineItem(db *gorm.DB, key core.LineItemKey) (core.LineItem, error) {
	var m lineItemModel
	if err := byKey(db, key).Take(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return core.LineItem{}, fmt.Errorf("get line item %s: %w", key, core.ErrLineItemNotFound)
		}
		return core.LineItem{}, classifyPG("get line item", err)
	}
	return toLineItem(m), nil
}

func (t *pgTx) GetLineItem(_ context.Context, key core.LineItemKey) (core.LineItem, error) {
	return findLineItem(t.db, key)
}

func (t *pgTx) LockLineItem(_ context.Context, key core.LineItemKey) (core.LineItem, error) {
	return findLineItem(t.db.Clauses(clause.Locking{Strength: "UPDATE"}), key)
}

func (t *pgTx) EnsureLineItem(ctx context.Context, key core.LineItemKey) (bool, error) {
	m := lineItemModel{
		Project:          key.Project,
		Code:             key.Code,
		Presupuesto:      decimal.Zero,
		TotalGastado:     decimal.Zero,
		TotalReconducido: decimal.Zero,
		SaldoDisponible:  decimal.Zero,
	}
	res := t.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&m)
	if res.Error != nil {
		return false, classifyPG("ensure line item", res.Error)
	}
	if res.RowsAffected == 1 {
		slog.InfoContext(ctx, "Line item created", "project", key.Project, "partida", key.Code)
	}
	return res.RowsAffected == 1, nil
}

func (t *pgTx) UpsertLineItemBudget(ctx context.Context, key core.LineItemKey, delta decimal.Decimal) (core.LineItem, error) {
	if _, err := t.EnsureLineItem(ctx, key); err != nil {
		return core.LineItem{}, err
	}
	err := byKey(t.db.Model(&lineItemModel{}), key).Updates(map[string]any{
		"presupuesto":      gorm.Expr("presupuesto + ?", delta),
		"saldo_disponible": gorm.Expr("saldo_disponible + ?", delta),
		"updated_at":       time.Now().UTC(),
	}).Error
	if err != nil {
		return core.LineItem{}, classifyPG("update budget", err)
	}
	return findLineItem(t.db, key)
}

func (t *pgTx) InsertExpense(_ context.Context, e core.Expense) (int64, error) {
	if err := e.Validate(); err != nil {
		return 0, err
	}
	m := fromExpense(e)
	if err := t.db.Create(&m).Error; err != nil {
		return 0, classifyPG("insert expense", err)
	}
	return m.ID, nil
}

func (t *pgTx) GetExpense(_ context.Context, id int64) (core.Expense, error) {
	var m expenseModel
	if err := t.db.Where("id = ?", id).Take(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return core.Expense{}, fmt.Errorf("get expense %d: %w", id, core.ErrExpenseNotFound)
		}
		return core.Expense{}, classifyPG("get expense", err)
	}
	return toExpense(m), nil
}

func (t *pgTx) DeleteExpense(_ context.Context, id int64) (core.Expense, bool, error) {
	var rows []expenseModel
	res := t.db.Clauses(clause.Returning{}).Where("id = ?", id).Delete(&rows)
	if res.Error != nil {
		return core.Expense{}, false, classifyPG("delete expense", res.Error)
	}
	if res.RowsAffected == 0 || len(rows) == 0 {
		return core.Expense{}, false, nil
	}
	return toExpense(rows[0]), true, nil
}

func (t *pgTx) SumExpenses(_ context.Context, key core.LineItemKey) (decimal.Decimal, error) {
	var agg struct {
		Total decimal.Decimal
	}
	err := byKey(t.db.Model(&expenseModel{}), key).Select("COALESCE(SUM(monto), 0) AS total").Scan(&agg).Error
	if err != nil {
		return decimal.Zero, classifyPG("sum expenses", err)
	}
	return agg.Total, nil
}

func (t *pgTx) UpdateDerivedTotals(_ context.Context, key core.LineItemKey, totalGastado, saldo decimal.Decimal) (core.LineItem, error) {
	res := byKey(t.db.Model(&lineItemModel{}), key).Updates(map[string]any{
		"total_gastado":    totalGastado,
		"saldo_disponible": saldo,
		"updated_at":       time.Now().UTC(),
	})
	if err := checkUpdated(res, key, "update derived totals"); err != nil {
		return core.LineItem{}, err
	}
	return findLineItem(t.db, key)
}

func (t *pgTx) UpdateTransferTotals(_ context.Context, key core.LineItemKey, tt storage.TransferTotals) (core.LineItem, error) {
	fields := map[string]any{
		"total_reconducido": tt.TotalReconducido,
		"saldo_disponible":  tt.Saldo,
		"updated_at":        time.Now().UTC(),
	}
	if !tt.Fecha.IsEmpty() {
		fields["fecha_reconduccion"] = tt.Fecha.Time
	}
	if tt.Motivo != "" {
		fields["motivo_reconduccion"] = tt.Motivo
	}
	res := byKey(t.db.Model(&lineItemModel{}), key).Updates(fields)
	if err := checkUpdated(res, key, "update transfer totals"); err != nil {
		return core.LineItem{}, err
	}
	return findLineItem(t.db, key)
}

func (t *pgTx) InsertTransfer(_ context.Context, tr core.Transfer) (int64, error) {
	if err := tr.Validate(); err != nil {
		return 0, err
	}
	m := fromTransfer(tr)
	if err := t.db.Create(&m).Error; err != nil {
		return 0, classifyPG("insert transfer", err)
	}
	return m.ID, nil
}

func (t *pgTx) DeleteProject(_ context.Context, project string) (int64, error) {
	if err := t.db.Where("project = ?", project).Delete(&expenseModel{}).Error; err != nil {
		return 0, classifyPG("delete project expenses", err)
	}
	if err := t.db.Where("project = ?", project).Delete(&transferModel{}).Error; err != nil {
		return 0, classifyPG("delete project transfers", err)
	}
	res := t.db.Where("project = ?", project).Delete(&lineItemModel{})
	if res.Error != nil {
		return 0, classifyPG("delete project line items", res.Error)
	}
	return res.RowsAffected, nil
}

func checkUpdated(res *gorm.DB, key core.LineItemKey, op string) error {
	if res.Error != nil {
		return classifyPG(op, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%s %s: %w", op, key, core.ErrLineItemNotFound)
	}
	return nil
}

// Postgres SQLSTATEs that mean "retry the whole unit of work".
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeUniqueViolation      = "23505"
	codeQueryCanceled        = "57014"
)

func classifyPG(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return core.ConflictError(op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable, codeUniqueViolation, codeQueryCanceled:
			return core.ConflictError(op, err)
		}
	}
	return core.StorageError(op, err)
}
