package log

import (
	"github.com/shopspring/decimal"

	"presupuesto/internal/core"
)

// Common field names for structured logging
const (
	FieldComponent  = "component"
	FieldRequestID  = "request_id"
	FieldClientIP   = "client_ip"
	FieldMethod     = "method"
	FieldPath       = "path"
	FieldQuery      = "query"
	FieldStatusCode = "status_code"
	FieldDuration   = "duration_ms"
	FieldError      = "error"
	FieldErrorKind  = "error_kind"
	FieldOperation  = "operation"
	FieldActor      = "actor"
	FieldProject    = "project"
	FieldPartida    = "partida"
	FieldOrigen     = "origen"
	FieldDestino    = "destino"
	FieldMonto      = "monto"
	FieldSaldo      = "saldo"
	FieldExpenseID  = "expense_id"
	FieldEventID    = "event_id"
	FieldEventType  = "event_type"
)

// Components defines standard component names
const (
	ComponentApp       = "app"
	ComponentHTTP      = "http"
	ComponentLedger    = "ledger"
	ComponentStorage   = "storage"
	ComponentAMQP      = "amqp"
	ComponentWorker    = "worker"
	ComponentCache     = "cache"
	ComponentSecurity  = "security"
	ComponentRateLimit = "rate_limit"
	ComponentTrace     = "trace"
	ComponentBackend   = "backend"
)

// Operations defines standard operation names
const (
	OpRegisterExpense = "register_expense"
	OpDeleteExpense   = "delete_expense"
	OpTransferBudget  = "transfer_budget"
	OpSetBudget       = "set_budget"
	OpDeleteProject   = "delete_project"
	OpAudit           = "audit"
	OpShutdown        = "shutdown"
	OpStartup         = "startup"
)

// LogFields provides a builder pattern for structured log fields
type LogFields map[string]any

// NewFields creates a new LogFields instance
func NewFields() LogFields {
	return make(LogFields)
}

func (f LogFields) WithOperation(op string) LogFields {
	f[FieldOperation] = op
	return f
}

// WithError adds the error text and its ledger kind.
func (f LogFields) WithError(err error) LogFields {
	if err != nil {
		f[FieldError] = err.Error()
		f[FieldErrorKind] = core.Kind(err)
	}
	return f
}

func (f LogFields) WithLineItem(key core.LineItemKey) LogFields {
	f[FieldProject] = key.Project
	f[FieldPartida] = key.Code
	return f
}

func (f LogFields) WithAmount(monto decimal.Decimal) LogFields {
	f[FieldMonto] = monto.StringFixed(core.Scale)
	return f
}

func (f LogFields) WithSaldo(saldo decimal.Decimal) LogFields {
	f[FieldSaldo] = saldo.StringFixed(core.Scale)
	return f
}

func (f LogFields) WithActor(actor string) LogFields {
	if actor != "" {
		f[FieldActor] = actor
	}
	return f
}

func (f LogFields) With(key string, value any) LogFields {
	f[key] = value
	return f
}

// ToSlice converts LogFields to a slice for slog
func (f LogFields) ToSlice() []any {
	slice := make([]any, 0, len(f)*2)
	for k, v := range f {
		slice = append(slice, k, v)
	}
	return slice
}
