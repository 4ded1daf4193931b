// Package ledger holds the balance rules for line items. It performs no I/O:
// callers read current state under lock, ask for a plan, and write the
// planned values back in the same transaction.
package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"presupuesto/internal/core"
)

type (
	// ExpensePlan is the new derived state after an expense insert or delete.
	ExpensePlan struct {
		NewTotalGastado decimal.Decimal
		NewSaldo        decimal.Decimal
	}

	TransferPlan struct {
		OriginNewRecon      decimal.Decimal
		OriginNewSaldo      decimal.Decimal
		DestinationNewRecon decimal.Decimal
		DestinationNewSaldo decimal.Decimal
		OriginGoesNegative  bool
		SameLineItem        bool
	}

	BudgetPlan struct {
		Delta          decimal.Decimal
		NewPresupuesto decimal.Decimal
		NewSaldo       decimal.Decimal
	}
)

// Validate rejects a plan whose totals leave the storable range.
func (p ExpensePlan) Validate() error {
	return checkRange(p.NewTotalGastado, p.NewSaldo)
}

func (p TransferPlan) Validate() error {
	return checkRange(p.OriginNewRecon, p.OriginNewSaldo, p.DestinationNewRecon, p.DestinationNewSaldo)
}

func (p BudgetPlan) Validate() error {
	return checkRange(p.NewPresupuesto, p.NewSaldo)
}

func checkRange(values ...decimal.Decimal) error {
	for _, v := range values {
		if err := core.CheckRange(v); err != nil {
			return err
		}
	}
	return nil
}

// ComputeSaldo returns presupuesto - totalGastado + totalReconducido.
func ComputeSaldo(presupuesto, totalGastado, totalReconducido decimal.Decimal) decimal.Decimal {
	return presupuesto.Sub(totalGastado).Add(totalReconducido)
}

// PlanExpenseRegistration derives totals from the aggregated sum of all
// expenses of the line item, the new one included.
func PlanExpenseRegistration(current core.LineItem, aggregated decimal.Decimal) ExpensePlan {
	return planFromAggregate(current, aggregated)
}

// PlanExpenseDeletion is PlanExpenseRegistration with the post-delete sum.
func PlanExpenseDeletion(current core.LineItem, aggregated decimal.Decimal) ExpensePlan {
	return planFromAggregate(current, aggregated)
}

func planFromAggregate(current core.LineItem, aggregated decimal.Decimal) ExpensePlan {
	return ExpensePlan{
		NewTotalGastado: aggregated,
		NewSaldo:        ComputeSaldo(current.Presupuesto, aggregated, current.TotalReconducido),
	}
}

// PlanTransfer moves amount from origin to destination. A negative resulting
// origin saldo is reported, never refused. Moving budget onto the same line
// item leaves it unchanged.
func PlanTransfer(origin, destination core.LineItem, amount decimal.Decimal) TransferPlan {
	if origin.Key == destination.Key {
		return TransferPlan{
			OriginNewRecon:      origin.TotalReconducido,
			OriginNewSaldo:      origin.SaldoDisponible,
			DestinationNewRecon: origin.TotalReconducido,
			DestinationNewSaldo: origin.SaldoDisponible,
			OriginGoesNegative:  origin.SaldoDisponible.IsNegative(),
			SameLineItem:        true,
		}
	}

	oRecon := origin.TotalReconducido.Sub(amount)
	dRecon := destination.TotalReconducido.Add(amount)
	oSaldo := ComputeSaldo(origin.Presupuesto, origin.TotalGastado, oRecon)
	return TransferPlan{
		OriginNewRecon:      oRecon,
		OriginNewSaldo:      oSaldo,
		DestinationNewRecon: dRecon,
		DestinationNewSaldo: ComputeSaldo(destination.Presupuesto, destination.TotalGastado, dRecon),
		OriginGoesNegative:  oSaldo.IsNegative(),
	}
}

// PlanBudget assigns an absolute presupuesto.
func PlanBudget(current core.LineItem, presupuesto decimal.Decimal) BudgetPlan {
	return BudgetPlan{
		Delta:          presupuesto.Sub(current.Presupuesto),
		NewPresupuesto: presupuesto,
		NewSaldo:       ComputeSaldo(presupuesto, current.TotalGastado, current.TotalReconducido),
	}
}

// Verify checks the at-rest invariants of a line item against the sum of
// its expenses.
func Verify(item core.LineItem, aggregated decimal.Decimal) error {
	if !item.TotalGastado.Equal(aggregated) {
		return fmt.Errorf("%s: total_gastado %s does not match expenses sum %s", item.Key, item.TotalGastado, aggregated)
	}
	want := ComputeSaldo(item.Presupuesto, item.TotalGastado, item.TotalReconducido)
	if !item.SaldoDisponible.Equal(want) {
		return fmt.Errorf("%s: saldo %s, expected %s", item.Key, item.SaldoDisponible, want)
	}
	return nil
}
