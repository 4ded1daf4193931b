package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"presupuesto/internal/core"
)

const timeLayout = time.RFC3339Nano

// SQLiteStore keeps the ledger in a single SQLite file. Write transactions
// start with BEGIN IMMEDIATE, so the database write lock is the line item
// lock; readers are not blocked thanks to WAL.
type SQLiteStore struct {
	db  *sql.DB
	dsn string
}

var _ Store = (*SQLiteStore)(nil)

// SQLiteDSN builds the connection string used by both the store and the
// migrator. busyTimeout bounds how long a writer waits for the lock.
func SQLiteDSN(dbPath string, busyTimeout time.Duration) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")
	return "file:" + dbPath + "?" + q.Encode()
}

func NewSQLiteStore(dbPath string, busyTimeout time.Duration) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := SQLiteDSN(dbPath, busyTimeout)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dsn); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db, dsn: dsn}, nil
}

func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return classifySQLite("ping database", err)
	}
	return nil
}

func (s *SQLiteStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLite("begin transaction", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.WarnContext(ctx, "Rollback failed", "error", rbErr)
			}
		}
	}()

	if err = fn(ctx, &sqliteTx{q: sqlTx}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return classifySQLite("commit transaction", err)
	}
	return nil
}

func (s *SQLiteStore) GetLineItem(ctx context.Context, key core.LineItemKey) (core.LineItem, error) {
	return getLineItem(ctx, s.db, key)
}

func (s *SQLiteStore) ListLineItems(ctx context.Context, project string) ([]core.LineItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+lineItemColumns+` FROM line_items WHERE project = ? ORDER BY code`, project)
	if err != nil {
		return nil, classifySQLite("list line items", err)
	}
	defer rows.Close()

	var out []core.LineItem
	for rows.Next() {
		it, err := scanLineItem(rows)
		if err != nil {
			return nil, classifySQLite("scan line item", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLite("list line items", err)
	}
	return out, nil
}

func (s *SQLiteStore) ListExpenses(ctx context.Context, project string) ([]core.Expense, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+expenseColumns+` FROM expenses WHERE project = ? ORDER BY fecha IS NULL DESC, fecha DESC, id DESC`, project)
	if err != nil {
		return nil, classifySQLite("list expenses", err)
	}
	defer rows.Close()

	var out []core.Expense
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, classifySQLite("scan expense", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLite("list expenses", err)
	}
	return out, nil
}

func (s *SQLiteStore) ListTransfers(ctx context.Context, f TransferFilter) ([]core.Transfer, error) {
	var (
		where []string
		args  []any
	)
	if f.Project != "" {
		where = append(where, "project = ?")
		args = append(args, f.Project)
	}
	if f.Origen != "" {
		where = append(where, "origen = ?")
		args = append(args, f.Origen)
	}
	if f.Destino != "" {
		where = append(where, "destino = ?")
		args = append(args, f.Destino)
	}
	if !f.Monto.IsZero() {
		c, err := core.ToCents(f.Monto)
		if err != nil {
			return nil, err
		}
		where = append(where, "monto_cents = ?")
		args = append(args, c)
	}
	query := `SELECT id, project, origen, destino, monto_cents, concepto, fecha, actor, created_at FROM transfers`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifySQLite("list transfers", err)
	}
	defer rows.Close()

	var out []core.Transfer
	for rows.Next() {
		var (
			t       core.Transfer
			cents   int64
			fecha   sql.NullString
			created string
		)
		if err := rows.Scan(&t.ID, &t.Project, &t.Origen, &t.Destino, &cents, &t.Concepto, &fecha, &t.Actor, &created); err != nil {
			return nil, classifySQLite("scan transfer", err)
		}
		t.Monto = core.FromCents(cents)
		t.Fecha = parseStoredDate(fecha)
		t.CreatedAt = parseStoredTime(created)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLite("list transfers", err)
	}
	return out, nil
}

func (s *SQLiteStore) RecordEvent(ctx context.Context, e AuditEntry) (bool, error) {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_events (event_id, event_type, project, partida, actor, payload, verified, issue, occurred_at, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`,
		e.EventID, e.Type, e.Project, e.Partida, e.Actor, e.Payload, e.Verified, e.Issue,
		e.OccurredAt.UTC().Format(timeLayout), e.RecordedAt.UTC().Format(timeLayout))
	if err != nil {
		return false, classifySQLite("record event", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classifySQLite("record event", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, project string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, event_type, project, partida, actor, payload, verified, issue, occurred_at, recorded_at
		FROM ledger_events WHERE project = ? ORDER BY recorded_at DESC, event_id LIMIT ?`, project, limit)
	if err != nil {
		return nil, classifySQLite("list events", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e                  AuditEntry
			occurred, recorded string
		)
		if err := rows.Scan(&e.EventID, &e.Type, &e.Project, &e.Partida, &e.Actor, &e.Payload, &e.Verified, &e.Issue, &occurred, &recorded); err != nil {
			return nil, classifySQLite("scan event", err)
		}
		e.OccurredAt = parseStoredTime(occurred)
		e.RecordedAt = parseStoredTime(recorded)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLite("list events", err)
	}
	return out, nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteTx struct {
	q querier
}

func (t *sqliteTx) GetLineItem(ctx context.Context, key core.LineItemKey) (core.LineItem, error) {
	return getLineItem(ctx, t.q, key)
}

// LockLineItem is a plain read: the transaction already owns the database
// write lock from BEGIN IMMEDIATE.
func (t *sqliteTx) LockLineItem(ctx context.Context, key core.LineItemKey) (core.LineItem, error) {
	return getLineItem(ctx, t.q, key)
}

func (t *sqliteTx) EnsureLineItem(ctx context.Context, key core.LineItemKey) (bool, error) {
	now := time.Now().UTC().Format(timeLayout)
	res, err := t.q.ExecContext(ctx, `
		INSERT INTO line_items (project, code, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (project, code) DO NOTHING`, key.Project, key.Code, now, now)
	if err != nil {
		return false, classifySQLite("ensure line item", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classifySQLite("ensure line item", err)
	}
	if n == 1 {
		slog.InfoContext(ctx, "Line item created", "project", key.Project, "partida", key.Code)
	}
	return n == 1, nil
}

func (t *sqliteTx) UpsertLineItemBudget(ctx context.Context, key core.LineItemKey, delta decimal.Decimal) (core.LineItem, error) {
	if _, err := t.EnsureLineItem(ctx, key); err != nil {
		return core.LineItem{}, err
	}
	c, err := core.ToCents(delta)
	if err != nil {
		return core.LineItem{}, err
	}
	_, err = t.q.ExecContext(ctx, `
		UPDATE line_items SET presupuesto_cents = presupuesto_cents + ?, saldo_cents = saldo_cents + ?, updated_at = ?
		WHERE project = ? AND code = ?`, c, c, time.Now().UTC().Format(timeLayout), key.Project, key.Code)
	if err != nil {
		return core.LineItem{}, classifySQLite("update budget", err)
	}
	return getLineItem(ctx, t.q, key)
}

func (t *sqliteTx) InsertExpense(ctx context.Context, e core.Expense) (int64, error) {
	if err := e.Validate(); err != nil {
		return 0, err
	}
	monto, err := core.ToCents(e.Monto)
	if err != nil {
		return 0, err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	res, err := t.q.ExecContext(ctx, `
		INSERT INTO expenses (project, code, fecha, descripcion, monto_cents, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.Key.Project, e.Key.Code, nullDate(e.Fecha), e.Descripcion, monto, e.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return 0, classifySQLite("insert expense", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, classifySQLite("insert expense", err)
	}
	return id, nil
}

func (t *sqliteTx) GetExpense(ctx context.Context, id int64) (core.Expense, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+expenseColumns+` FROM expenses WHERE id = ?`, id)
	e, err := scanExpense(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Expense{}, fmt.Errorf("get expense %d: %w", id, core.ErrExpenseNotFound)
	}
	if err != nil {
		return core.Expense{}, classifySQLite("get expense", err)
	}
	return e, nil
}

func (t *sqliteTx) DeleteExpense(ctx context.Context, id int64) (core.Expense, bool, error) {
	e, err := t.GetExpense(ctx, id)
	if errors.Is(err, core.ErrNotFound) {
		return core.Expense{}, false, nil
	}
	if err != nil {
		return core.Expense{}, false, err
	}
	if _, err := t.q.ExecContext(ctx, `DELETE FROM expenses WHERE id = ?`, id); err != nil {
		return core.Expense{}, false, classifySQLite("delete expense", err)
	}
	return e, true, nil
}

func (t *sqliteTx) SumExpenses(ctx context.Context, key core.LineItemKey) (decimal.Decimal, error) {
	var cents int64
	err := t.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(monto_cents), 0) FROM expenses WHERE project = ? AND code = ?`,
		key.Project, key.Code).Scan(&cents)
	if err != nil {
		return decimal.Zero, classifySQLite("sum expenses", err)
	}
	return core.FromCents(cents), nil
}

func (t *sqliteTx) UpdateDerivedTotals(ctx context.Context, key core.LineItemKey, totalGastado, saldo decimal.Decimal) (core.LineItem, error) {
	g, err := core.ToCents(totalGastado)
	if err != nil {
		return core.LineItem{}, err
	}
	sd, err := core.ToCents(saldo)
	if err != nil {
		return core.LineItem{}, err
	}
	res, err := t.q.ExecContext(ctx, `
		UPDATE line_items SET total_gastado_cents = ?, saldo_cents = ?, updated_at = ?
		WHERE project = ? AND code = ?`,
		g, sd, time.Now().UTC().Format(timeLayout), key.Project, key.Code)
	if err := checkUpdated(res, err, key, "update derived totals"); err != nil {
		return core.LineItem{}, err
	}
	return getLineItem(ctx, t.q, key)
}

func (t *sqliteTx) UpdateTransferTotals(ctx context.Context, key core.LineItemKey, tt TransferTotals) (core.LineItem, error) {
	r, err := core.ToCents(tt.TotalReconducido)
	if err != nil {
		return core.LineItem{}, err
	}
	sd, err := core.ToCents(tt.Saldo)
	if err != nil {
		return core.LineItem{}, err
	}
	var motivo any
	if tt.Motivo != "" {
		motivo = tt.Motivo
	}
	res, err := t.q.ExecContext(ctx, `
		UPDATE line_items SET total_reconducido_cents = ?, saldo_cents = ?,
			fecha_reconduccion = COALESCE(?, fecha_reconduccion),
			motivo_reconduccion = COALESCE(?, motivo_reconduccion),
			updated_at = ?
		WHERE project = ? AND code = ?`,
		r, sd, nullDate(tt.Fecha), motivo,
		time.Now().UTC().Format(timeLayout), key.Project, key.Code)
	if err := checkUpdated(res, err, key, "update transfer totals"); err != nil {
		return core.LineItem{}, err
	}
	return getLineItem(ctx, t.q, key)
}

func (t *sqliteTx) InsertTransfer(ctx context.Context, tr core.Transfer) (int64, error) {
	if err := tr.Validate(); err != nil {
		return 0, err
	}
	monto, err := core.ToCents(tr.Monto)
	if err != nil {
		return 0, err
	}
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now().UTC()
	}
	res, err := t.q.ExecContext(ctx, `
		INSERT INTO transfers (project, origen, destino, monto_cents, concepto, fecha, actor, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.Project, tr.Origen, tr.Destino, monto, tr.Concepto, nullDate(tr.Fecha), tr.Actor,
		tr.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return 0, classifySQLite("insert transfer", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, classifySQLite("insert transfer", err)
	}
	return id, nil
}

func (t *sqliteTx) DeleteProject(ctx context.Context, project string) (int64, error) {
	if _, err := t.q.ExecContext(ctx, `DELETE FROM expenses WHERE project = ?`, project); err != nil {
		return 0, classifySQLite("delete project expenses", err)
	}
	if _, err := t.q.ExecContext(ctx, `DELETE FROM transfers WHERE project = ?`, project); err != nil {
		return 0, classifySQLite("delete project transfers", err)
	}
	res, err := t.q.ExecContext(ctx, `DELETE FROM line_items WHERE project = ?`, project)
	if err != nil {
		return 0, classifySQLite("delete project line items", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classifySQLite("delete project line items", err)
	}
	return n, nil
}

const (
	lineItemColumns = `project, code, presupuesto_cents, total_gastado_cents, total_reconducido_cents, saldo_cents,
		fecha_reconduccion, motivo_reconduccion, created_at, updated_at`
	expenseColumns = `id, project, code, fecha, descripcion, monto_cents, created_at`
)

type scanner interface {
	Scan(dest ...any) error
}

func getLineItem(ctx context.Context, q querier, key core.LineItemKey) (core.LineItem, error) {
	row := q.QueryRowContext(ctx, `SELECT `+lineItemColumns+` FROM line_items WHERE project = ? AND code = ?`, key.Project, key.Code)
	it, err := scanLineItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.LineItem{}, fmt.Errorf("get line item %s: %w", key, core.ErrLineItemNotFound)
	}
	if err != nil {
		return core.LineItem{}, classifySQLite("get line item", err)
	}
	return it, nil
}

func scanLineItem(s scanner) (core.LineItem, error) {
	var (
		it                   core.LineItem
		p, g, r, saldo       int64
		fecha, motivo        sql.NullString
		createdAt, updatedAt string
	)
	if err := s.Scan(&it.Key.Project, &it.Key.Code, &p, &g, &r, &saldo, &fecha, &motivo, &createdAt, &updatedAt); err != nil {
		return core.LineItem{}, err
	}
	it.Presupuesto = core.FromCents(p)
	it.TotalGastado = core.FromCents(g)
	it.TotalReconducido = core.FromCents(r)
	it.SaldoDisponible = core.FromCents(saldo)
	it.FechaReconduccion = parseStoredDate(fecha)
	it.MotivoReconduccion = motivo.String
	it.CreatedAt = parseStoredTime(createdAt)
	it.UpdatedAt = parseStoredTime(updatedAt)
	return it, nil
}

func scanExpense(s scanner) (core.Expense, error) {
	var (
		e       core.Expense
		fecha   sql.NullString
		cents   int64
		created string
	)
	if err := s.Scan(&e.ID, &e.Key.Project, &e.Key.Code, &fecha, &e.Descripcion, &cents, &created); err != nil {
		return core.Expense{}, err
	}
	e.Fecha = parseStoredDate(fecha)
	e.Monto = core.FromCents(cents)
	e.CreatedAt = parseStoredTime(created)
	return e, nil
}

func checkUpdated(res sql.Result, err error, key core.LineItemKey, op string) error {
	if err != nil {
		return classifySQLite(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classifySQLite(op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", op, key, core.ErrLineItemNotFound)
	}
	return nil
}

func nullDate(d core.Date) any {
	if d.IsEmpty() {
		return nil
	}
	return d.String()
}

func parseStoredDate(s sql.NullString) core.Date {
	if !s.Valid {
		return core.Date{}
	}
	d, err := core.ParseDate(s.String)
	if err != nil {
		return core.Date{}
	}
	return d
}

func parseStoredTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// classifySQLite maps driver failures onto the ledger error kinds. Lock
// contention and constraint races are conflicts the caller may retry.
func classifySQLite(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return core.ConflictError(op, err)
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_CONSTRAINT:
			return core.ConflictError(op, err)
		case sqlite3.SQLITE_INTERRUPT:
			return core.ConflictError(op, err)
		}
	}
	return core.StorageError(op, err)
}
