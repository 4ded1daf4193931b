package postgres

import (
	"time"

	"github.com/shopspring/decimal"

	"presupuesto/internal/core"
)

type lineItemModel struct {
	Project            string          `gorm:"primaryKey;size:64"`
	Code               string          `gorm:"primaryKey;size:64"`
	Presupuesto        decimal.Decimal `gorm:"type:numeric(16,2);not null;default:0"`
	TotalGastado       decimal.Decimal `gorm:"type:numeric(16,2);not null;default:0"`
	TotalReconducido   decimal.Decimal `gorm:"type:numeric(16,2);not null;default:0"`
	SaldoDisponible    decimal.Decimal `gorm:"type:numeric(16,2);not null;default:0"`
	FechaReconduccion  *time.Time      `gorm:"type:date"`
	MotivoReconduccion *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (lineItemModel) TableName() string { return "line_items" }

type expenseModel struct {
	ID          int64           `gorm:"primaryKey;autoIncrement"`
	Project     string          `gorm:"size:64;not null;index:idx_expenses_line_item"`
	Code        string          `gorm:"size:64;not null;index:idx_expenses_line_item"`
	Fecha       *time.Time      `gorm:"type:date"`
	Descripcion string          `gorm:"not null;default:''"`
	Monto       decimal.Decimal `gorm:"type:numeric(16,2);not null;check:monto > 0"`
	CreatedAt   time.Time
}

func (expenseModel) TableName() string { return "expenses" }

type transferModel struct {
	ID        int64           `gorm:"primaryKey;autoIncrement"`
	Project   string          `gorm:"size:64;not null;index:idx_transfers_project"`
	Origen    string          `gorm:"size:64;not null;index:idx_transfers_project"`
	Destino   string          `gorm:"size:64;not null;index:idx_transfers_project"`
	Monto     decimal.Decimal `gorm:"type:numeric(16,2);not null;check:transfer_monto_positive,monto > 0"`
	Concepto  string          `gorm:"not null;default:''"`
	Fecha     *time.Time      `gorm:"type:date"`
	Actor     string          `gorm:"not null;default:''"`
	CreatedAt time.Time
}

func (transferModel) TableName() string { return "transfers" }

type eventModel struct {
	EventID    string `gorm:"primaryKey;size:64"`
	EventType  string `gorm:"size:64;not null"`
	Project    string `gorm:"size:64;not null;index:idx_ledger_events_project"`
	Partida    string `gorm:"size:64;not null;default:''"`
	Actor      string `gorm:"not null;default:''"`
	Payload    string `gorm:"type:jsonb;not null"`
	Verified   bool   `gorm:"not null;default:true"`
	Issue      string `gorm:"not null;default:''"`
	OccurredAt time.Time
	RecordedAt time.Time `gorm:"index:idx_ledger_events_project"`
}

func (eventModel) TableName() string { return "ledger_events" }

func toLineItem(m lineItemModel) core.LineItem {
	it := core.LineItem{
		Key:              core.LineItemKey{Project: m.Project, Code: m.Code},
		Presupuesto:      m.Presupuesto,
		TotalGastado:     m.TotalGastado,
		TotalReconducido: m.TotalReconducido,
		SaldoDisponible:  m.SaldoDisponible,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
	if m.FechaReconduccion != nil {
		it.FechaReconduccion = core.Date{Time: m.FechaReconduccion.UTC()}
	}
	if m.MotivoReconduccion != nil {
		it.MotivoReconduccion = *m.MotivoReconduccion
	}
	return it
}

func toExpense(m expenseModel) core.Expense {
	e := core.Expense{
		ID:          m.ID,
		Key:         core.LineItemKey{Project: m.Project, Code: m.Code},
		Descripcion: m.Descripcion,
		Monto:       m.Monto,
		CreatedAt:   m.CreatedAt,
	}
	if m.Fecha != nil {
		e.Fecha = core.Date{Time: m.Fecha.UTC()}
	}
	return e
}

func fromExpense(e core.Expense) expenseModel {
	return expenseModel{
		Project:     e.Key.Project,
		Code:        e.Key.Code,
		Fecha:       datePtr(e.Fecha),
		Descripcion: e.Descripcion,
		Monto:       core.RoundAmount(e.Monto),
		CreatedAt:   e.CreatedAt,
	}
}

func toTransfer(m transferModel) core.Transfer {
	t := core.Transfer{
		ID:        m.ID,
		Project:   m.Project,
		Origen:    m.Origen,
		Destino:   m.Destino,
		Monto:     m.Monto,
		Concepto:  m.Concepto,
		Actor:     m.Actor,
		CreatedAt: m.CreatedAt,
	}
	if m.Fecha != nil {
		t.Fecha = core.Date{Time: m.Fecha.UTC()}
	}
	return t
}

func fromTransfer(t core.Transfer) transferModel {
	return transferModel{
		Project:   t.Project,
		Origen:    t.Origen,
		Destino:   t.Destino,
		Monto:     core.RoundAmount(t.Monto),
		Concepto:  t.Concepto,
		Fecha:     datePtr(t.Fecha),
		Actor:     t.Actor,
		CreatedAt: t.CreatedAt,
	}
}

func datePtr(d core.Date) *time.Time {
	if d.IsEmpty() {
		return nil
	}
	t := d.Time
	return &t
}
