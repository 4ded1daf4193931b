package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	maxCodeLength        = 64
	maxDescriptionLength = 500
)

type (
	Date struct {
		time.Time
	}

	// LineItemKey identifies a partida inside a project.
	LineItemKey struct {
		Project string
		Code    string
	}

	LineItem struct {
		Key                LineItemKey
		Presupuesto        decimal.Decimal
		TotalGastado       decimal.Decimal
		TotalReconducido   decimal.Decimal
		SaldoDisponible    decimal.Decimal
		FechaReconduccion  Date   // last transfer date, zero if none
		MotivoReconduccion string // last transfer concept
		CreatedAt          time.Time
		UpdatedAt          time.Time
	}

	Expense struct {
		ID          int64 // Database ID, assigned on insert
		Key         LineItemKey
		Fecha       Date // optional
		Descripcion string
		Monto       decimal.Decimal
		CreatedAt   time.Time
	}

	// Transfer is a reconducción: budget moved from Origen to Destino
	// inside the same project.
	Transfer struct {
		ID        int64
		Project   string
		Origen    string
		Destino   string
		Monto     decimal.Decimal
		Concepto  string
		Fecha     Date
		Actor     string
		CreatedAt time.Time
	}
)

// NewKey builds a key with surrounding whitespace removed.
func NewKey(project, code string) LineItemKey {
	return LineItemKey{Project: strings.TrimSpace(project), Code: strings.TrimSpace(code)}
}

func (k LineItemKey) Validate() error {
	if k.Project == "" {
		return ErrEmptyProject
	}
	if k.Code == "" {
		return ErrEmptyCode
	}
	if len(k.Project) > maxCodeLength || len(k.Code) > maxCodeLength {
		return fmt.Errorf("%w: code too long (max %d characters)", ErrValidation, maxCodeLength)
	}
	return nil
}

// Less reports whether k sorts before o. Every operation that locks more
// than one line item must acquire the locks in this order.
func (k LineItemKey) Less(o LineItemKey) bool {
	if k.Project != o.Project {
		return k.Project < o.Project
	}
	return k.Code < o.Code
}

func (k LineItemKey) String() string {
	return k.Project + "/" + k.Code
}

// OrderedKeys returns the distinct keys sorted by Less.
func OrderedKeys(keys ...LineItemKey) []LineItemKey {
	out := make([]LineItemKey, 0, len(keys))
	for _, k := range keys {
		dup := false
		for _, o := range out {
			if o == k {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, k)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Less(out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// NewLineItem returns an empty line item with zero totals.
func NewLineItem(key LineItemKey) LineItem {
	return LineItem{
		Key:              key,
		Presupuesto:      decimal.Zero,
		TotalGastado:     decimal.Zero,
		TotalReconducido: decimal.Zero,
		SaldoDisponible:  decimal.Zero,
	}
}

// NewDate creates a new Date from year, month, day
func NewDate(year, month, day int) Date {
	return Date{Time: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)}
}

// ParseDate accepts an ISO date (2006-01-02). An empty string yields the zero Date.
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Date{}, nil
	}
	if len(s) > 10 {
		// tolerate full timestamps sent by browsers
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return NewDate(t.Year(), int(t.Month()), t.Day()), nil
		}
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return Date{}, fmt.Errorf("%w: invalid date %q", ErrValidation, s)
	}
	return Date{Time: t}, nil
}

// IsEmpty returns true if the date is zero
func (d Date) IsEmpty() bool {
	return d.IsZero()
}

// String formats the date as 2006-01-02, or "" when empty.
func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format(time.DateOnly)
}

// ValidateAmount rejects zero, negative and out of range amounts.
func ValidateAmount(m decimal.Decimal) error {
	if !m.IsPositive() {
		return ErrInvalidAmount
	}
	return CheckRange(m)
}

func (e Expense) Validate() error {
	if err := e.Key.Validate(); err != nil {
		return err
	}
	if len(e.Descripcion) > maxDescriptionLength {
		return fmt.Errorf("%w: description too long (max %d characters)", ErrValidation, maxDescriptionLength)
	}
	return ValidateAmount(e.Monto)
}

func (t Transfer) Validate() error {
	if strings.TrimSpace(t.Project) == "" {
		return ErrEmptyProject
	}
	if strings.TrimSpace(t.Origen) == "" || strings.TrimSpace(t.Destino) == "" {
		return ErrEmptyCode
	}
	if len(t.Concepto) > maxDescriptionLength {
		return fmt.Errorf("%w: concept too long (max %d characters)", ErrValidation, maxDescriptionLength)
	}
	return ValidateAmount(t.Monto)
}

func (t Transfer) OriginKey() LineItemKey {
	return NewKey(t.Project, t.Origen)
}

func (t Transfer) DestinationKey() LineItemKey {
	return NewKey(t.Project, t.Destino)
}
