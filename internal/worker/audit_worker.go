package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"presupuesto/internal/amqp"
	"presupuesto/internal/core"
	"presupuesto/internal/ledger"
	"presupuesto/internal/log"
	"presupuesto/internal/storage"
)

// AuditStore is what the worker needs from a ledger backend.
type AuditStore interface {
	storage.Reader
	storage.AuditLog
}

// EventSource delivers ledger events until ctx is done.
type EventSource interface {
	ConsumeEvents(ctx context.Context, handler func(context.Context, *amqp.LedgerEvent) error) error
}

// AuditWorker records every ledger event in the audit log after checking
// that the touched line items still satisfy the balance invariants.
type AuditWorker struct {
	store  AuditStore
	logger *log.Logger
	now    func() time.Time
}

func NewAuditWorker(store AuditStore, logger *log.Logger) *AuditWorker {
	if logger == nil {
		logger = log.FromContext(context.Background())
	}
	return &AuditWorker{
		store:  store,
		logger: logger.WithComponent(log.ComponentWorker),
		now:    time.Now,
	}
}

// Run consumes events from src until ctx is canceled.
func (w *AuditWorker) Run(ctx context.Context, src EventSource) error {
	w.logger.InfoContext(ctx, "Audit worker started")
	err := src.ConsumeEvents(ctx, w.HandleEvent)
	if errors.Is(err, context.Canceled) {
		w.logger.InfoContext(ctx, "Audit worker stopped")
		return nil
	}
	return err
}

// HandleEvent verifies and records one event. Redelivered events are
// recorded once. Returning an error requeues the message.
func (w *AuditWorker) HandleEvent(ctx context.Context, e *amqp.LedgerEvent) error {
	w.logger.DebugContext(ctx, "Processing ledger event",
		log.FieldEventID, e.ID, log.FieldEventType, e.Type, log.FieldProject, e.Project)

	issues, err := w.verify(ctx, e.Project, e.Partidas())
	if err != nil {
		return fmt.Errorf("verify event %s: %w", e.ID, err)
	}

	payload, err := e.ToJSON()
	if err != nil {
		return fmt.Errorf("encode event %s: %w", e.ID, err)
	}
	entry := storage.AuditEntry{
		EventID:    e.ID,
		Type:       string(e.Type),
		Project:    e.Project,
		Partida:    strings.Join(e.Partidas(), ","),
		Actor:      e.Actor,
		Payload:    string(payload),
		Verified:   len(issues) == 0,
		Issue:      strings.Join(issues, "; "),
		OccurredAt: e.Timestamp,
		RecordedAt: w.now().UTC(),
	}
	inserted, err := w.store.RecordEvent(ctx, entry)
	if err != nil {
		return fmt.Errorf("record event %s: %w", e.ID, err)
	}
	if !inserted {
		w.logger.InfoContext(ctx, "Ledger event already audited", log.FieldEventID, e.ID)
		return nil
	}

	if len(issues) > 0 {
		w.logger.ErrorContext(ctx, "Ledger invariant violated",
			log.FieldEventID, e.ID, log.FieldEventType, e.Type, log.FieldProject, e.Project, "issues", entry.Issue)
		return nil
	}
	w.logger.InfoContext(ctx, "Ledger event audited",
		log.FieldEventID, e.ID, log.FieldEventType, e.Type, log.FieldProject, e.Project)
	return nil
}

// Reconcile checks every line item of a project and returns the problems
// found. It is run at startup to catch events missed while the worker was
// down.
func (w *AuditWorker) Reconcile(ctx context.Context, project string) ([]string, error) {
	items, err := w.store.ListLineItems(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("list line items: %w", err)
	}
	codes := make([]string, 0, len(items))
	for _, it := range items {
		codes = append(codes, it.Key.Code)
	}
	issues, err := w.verify(ctx, project, codes)
	if err != nil {
		return nil, err
	}
	w.logger.InfoContext(ctx, "Project reconciled",
		log.FieldProject, project, "line_items", len(codes), "issues", len(issues))
	return issues, nil
}

// verify reports the line items of codes that break the balance
// invariants. Expenses and line items are read separately, so a write that
// commits in between looks like a mismatch; a failing line item is read
// again and only reported when the second check fails too.
func (w *AuditWorker) verify(ctx context.Context, project string, codes []string) ([]string, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	failing, err := w.check(ctx, project, codes)
	if err != nil || len(failing) == 0 {
		return nil, err
	}
	retry := make([]string, 0, len(failing))
	for _, f := range failing {
		retry = append(retry, f.code)
	}
	if failing, err = w.check(ctx, project, retry); err != nil {
		return nil, err
	}
	var issues []string
	for _, f := range failing {
		issues = append(issues, f.issue)
	}
	return issues, nil
}

type codeIssue struct {
	code  string
	issue string
}

func (w *AuditWorker) check(ctx context.Context, project string, codes []string) ([]codeIssue, error) {
	expenses, err := w.store.ListExpenses(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("list expenses: %w", err)
	}
	sums := make(map[string]decimal.Decimal, len(codes))
	for _, exp := range expenses {
		sums[exp.Key.Code] = sums[exp.Key.Code].Add(exp.Monto)
	}

	var failing []codeIssue
	for _, code := range codes {
		key := core.NewKey(project, code)
		item, err := w.store.GetLineItem(ctx, key)
		if errors.Is(err, core.ErrNotFound) {
			// deleted by a later operation
			if _, orphan := sums[code]; orphan {
				failing = append(failing, codeIssue{code, fmt.Sprintf("%s: expenses without line item", key)})
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", key, err)
		}
		if err := ledger.Verify(item, sums[code]); err != nil {
			failing = append(failing, codeIssue{code, err.Error()})
		}
	}
	return failing, nil
}
