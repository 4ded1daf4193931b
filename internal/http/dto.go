package http

import (
	"time"

	"github.com/shopspring/decimal"

	"presupuesto/internal/core"
	"presupuesto/internal/storage"
)

// money encodes as a JSON number with two decimals.
type money decimal.Decimal

func (m money) MarshalJSON() ([]byte, error) {
	return []byte(decimal.Decimal(m).StringFixed(core.Scale)), nil
}

type detalleDTO struct {
	Project            string `json:"project"`
	Partida            string `json:"partida"`
	Presupuesto        money  `json:"presupuesto"`
	TotalGastado       money  `json:"total_gastado"`
	TotalReconducido   money  `json:"total_reconducido"`
	SaldoDisponible    money  `json:"saldo_disponible"`
	FechaReconduccion  string `json:"fecha_reconduccion"`
	MotivoReconduccion string `json:"motivo_reconduccion"`
	FechaRegistro      string `json:"fecha_registro"`
}

func toDetalle(it core.LineItem) detalleDTO {
	return detalleDTO{
		Project:            it.Key.Project,
		Partida:            it.Key.Code,
		Presupuesto:        money(it.Presupuesto),
		TotalGastado:       money(it.TotalGastado),
		TotalReconducido:   money(it.TotalReconducido),
		SaldoDisponible:    money(it.SaldoDisponible),
		FechaReconduccion:  it.FechaReconduccion.String(),
		MotivoReconduccion: it.MotivoReconduccion,
		FechaRegistro:      formatTime(it.CreatedAt),
	}
}

func toDetalles(items []core.LineItem) []detalleDTO {
	out := make([]detalleDTO, 0, len(items))
	for _, it := range items {
		out = append(out, toDetalle(it))
	}
	return out
}

type gastoDTO struct {
	ID          int64  `json:"id"`
	Project     string `json:"project"`
	Partida     string `json:"partida"`
	Fecha       string `json:"fecha"`
	Descripcion string `json:"descripcion"`
	Monto       money  `json:"monto"`
}

func toGastos(expenses []core.Expense) []gastoDTO {
	out := make([]gastoDTO, 0, len(expenses))
	for _, e := range expenses {
		out = append(out, gastoDTO{
			ID:          e.ID,
			Project:     e.Key.Project,
			Partida:     e.Key.Code,
			Fecha:       e.Fecha.String(),
			Descripcion: e.Descripcion,
			Monto:       money(e.Monto),
		})
	}
	return out
}

type reconduccionDTO struct {
	ID       int64  `json:"id"`
	Project  string `json:"project"`
	Origen   string `json:"origen"`
	Destino  string `json:"destino"`
	Monto    money  `json:"monto"`
	Concepto string `json:"concepto"`
	Fecha    string `json:"fecha"`
	Actor    string `json:"actor,omitempty"`
}

func toReconducciones(transfers []core.Transfer) []reconduccionDTO {
	out := make([]reconduccionDTO, 0, len(transfers))
	for _, t := range transfers {
		out = append(out, reconduccionDTO{
			ID:       t.ID,
			Project:  t.Project,
			Origen:   t.Origen,
			Destino:  t.Destino,
			Monto:    money(t.Monto),
			Concepto: t.Concepto,
			Fecha:    t.Fecha.String(),
			Actor:    t.Actor,
		})
	}
	return out
}

type resumenDTO struct {
	Project          string   `json:"project"`
	Partidas         int      `json:"partidas"`
	Presupuesto      money    `json:"presupuesto"`
	TotalGastado     money    `json:"total_gastado"`
	TotalReconducido money    `json:"total_reconducido"`
	SaldoDisponible  money    `json:"saldo_disponible"`
	Negativas        []string `json:"partidas_negativas"`
}

func toResumen(s core.ProjectSummary) resumenDTO {
	negative := s.Negative
	if negative == nil {
		negative = []string{}
	}
	return resumenDTO{
		Project:          s.Project,
		Partidas:         s.LineItems,
		Presupuesto:      money(s.Presupuesto),
		TotalGastado:     money(s.TotalGastado),
		TotalReconducido: money(s.TotalReconducido),
		SaldoDisponible:  money(s.SaldoDisponible),
		Negativas:        negative,
	}
}

type auditoriaDTO struct {
	EventID    string `json:"event_id"`
	Type       string `json:"type"`
	Project    string `json:"project"`
	Partida    string `json:"partida"`
	Actor      string `json:"actor,omitempty"`
	Verified   bool   `json:"verified"`
	Issue      string `json:"issue,omitempty"`
	OccurredAt string `json:"occurred_at"`
	RecordedAt string `json:"recorded_at"`
}

func toAuditoria(entries []storage.AuditEntry) []auditoriaDTO {
	out := make([]auditoriaDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditoriaDTO{
			EventID:    e.EventID,
			Type:       e.Type,
			Project:    e.Project,
			Partida:    e.Partida,
			Actor:      e.Actor,
			Verified:   e.Verified,
			Issue:      e.Issue,
			OccurredAt: formatTime(e.OccurredAt),
			RecordedAt: formatTime(e.RecordedAt),
		})
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
