package amqp

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventExpenseRegistered EventType = "expense.registered"
	EventExpenseDeleted    EventType = "expense.deleted"
	EventBudgetTransferred EventType = "budget.transferred"
	EventBudgetSet         EventType = "budget.set"
	EventProjectDeleted    EventType = "project.deleted"
)

// LedgerEvent is published after a ledger mutation commits. Consumers read
// the current line item state from the store; the amounts here describe
// the mutation itself.
type LedgerEvent struct {
	ID             string           `json:"id"`
	Type           EventType        `json:"type"`
	Project        string           `json:"project"`
	Partida        string           `json:"partida,omitempty"`
	Origen         string           `json:"origen,omitempty"`
	Destino        string           `json:"destino,omitempty"`
	ExpenseID      int64            `json:"expense_id,omitempty"`
	TransferID     int64            `json:"transfer_id,omitempty"`
	Monto          decimal.Decimal  `json:"monto"`
	Saldo          *decimal.Decimal `json:"saldo,omitempty"`
	SaldoDestino   *decimal.Decimal `json:"saldo_destino,omitempty"`
	OriginNegative bool             `json:"origin_negative,omitempty"`
	DeletedRows    int64            `json:"deleted_rows,omitempty"`
	Actor          string           `json:"actor,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
}

// NewLedgerEvent creates an event with a fresh id and the current time.
func NewLedgerEvent(t EventType, project string) *LedgerEvent {
	return &LedgerEvent{
		ID:        uuid.NewString(),
		Type:      t,
		Project:   project,
		Monto:     decimal.Zero,
		Timestamp: time.Now().UTC(),
	}
}

// Partidas returns the line item codes the event touched.
func (e *LedgerEvent) Partidas() []string {
	switch {
	case e.Partida != "":
		return []string{e.Partida}
	case e.Origen != "" && e.Origen == e.Destino:
		return []string{e.Origen}
	case e.Origen != "" || e.Destino != "":
		return []string{e.Origen, e.Destino}
	default:
		return nil
	}
}

func (e *LedgerEvent) Validate() error {
	if _, err := uuid.Parse(e.ID); err != nil {
		return fmt.Errorf("invalid event id %q: %w", e.ID, err)
	}
	switch e.Type {
	case EventExpenseRegistered, EventExpenseDeleted, EventBudgetTransferred, EventBudgetSet, EventProjectDeleted:
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.Project == "" {
		return fmt.Errorf("event %s has no project", e.ID)
	}
	return nil
}

// ToJSON converts the message to JSON bytes
func (e *LedgerEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// LedgerEventFromJSON decodes and validates a message body.
func LedgerEventFromJSON(data []byte) (*LedgerEvent, error) {
	var e LedgerEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// Amount returns a pointer suitable for the optional saldo fields.
func Amount(d decimal.Decimal) *decimal.Decimal {
	return &d
}
