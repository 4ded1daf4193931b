package core

import "github.com/shopspring/decimal"

// ProjectSummary aggregates the line items of one project.
type ProjectSummary struct {
	Project          string
	LineItems        int
	Presupuesto      decimal.Decimal
	TotalGastado     decimal.Decimal
	TotalReconducido decimal.Decimal
	SaldoDisponible  decimal.Decimal
	Negative         []string // codes whose saldo is below zero
}

// Summarize folds line items of a single project into totals.
func Summarize(project string, items []LineItem) ProjectSummary {
	s := ProjectSummary{
		Project:          project,
		Presupuesto:      decimal.Zero,
		TotalGastado:     decimal.Zero,
		TotalReconducido: decimal.Zero,
		SaldoDisponible:  decimal.Zero,
	}
	for _, it := range items {
		if it.Key.Project != project {
			continue
		}
		s.LineItems++
		s.Presupuesto = s.Presupuesto.Add(it.Presupuesto)
		s.TotalGastado = s.TotalGastado.Add(it.TotalGastado)
		s.TotalReconducido = s.TotalReconducido.Add(it.TotalReconducido)
		s.SaldoDisponible = s.SaldoDisponible.Add(it.SaldoDisponible)
		if it.SaldoDisponible.IsNegative() {
			s.Negative = append(s.Negative, it.Key.Code)
		}
	}
	return s
}
