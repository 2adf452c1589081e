package record

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrValidation       = errors.New("validation error")
	ErrNotFound         = errors.New("record not found")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrFormat           = errors.New("format error")
)

// Record maps to the session_records table. One row is one billable session.
type Record struct {
	ID        int64     `db:"id" json:"id"`
	PatientID uuid.UUID `db:"patient_id" json:"patient_id"`
	Name      string    `db:"name" json:"name"`
	Type      string    `db:"type" json:"type"`
	Date      time.Time `db:"session_date" json:"date"`
	Paid      bool      `db:"paid" json:"paid"`
	Amount    float64   `db:"amount" json:"amount"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Patient maps to the patients table.
type Patient struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Type      string    `db:"type" json:"type"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// NewRecord holds the fields needed to create a Record. A nil Date means now.
type NewRecord struct {
	Name   string     `json:"name"`
	Type   string     `json:"type"`
	Paid   bool       `json:"paid"`
	Amount float64    `json:"amount"`
	Date   *time.Time `json:"date,omitempty"`
}

// Validate checks the required fields and the paid == (amount > 0) rule.
func (n NewRecord) Validate() error {
	if strings.TrimSpace(n.Name) == "" {
		return fmt.Errorf("%w: patient name is required", ErrValidation)
	}
	if strings.TrimSpace(n.Type) == "" {
		return fmt.Errorf("%w: session type is required", ErrValidation)
	}
	if err := validateAmount(n.Amount); err != nil {
		return err
	}
	if n.Amount < 0 {
		return fmt.Errorf("%w: amount must not be negative", ErrValidation)
	}
	if n.Paid && n.Amount == 0 {
		return fmt.Errorf("%w: a paid session needs an amount", ErrValidation)
	}
	if !n.Paid && n.Amount > 0 {
		return fmt.Errorf("%w: an unpaid session cannot carry an amount", ErrValidation)
	}
	return nil
}

func validateAmount(amount float64) error {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return fmt.Errorf("%w: amount is not a number", ErrValidation)
	}
	return nil
}

// PeriodKind distinguishes calendar months from Monday-Sunday weeks.
type PeriodKind string

const (
	PeriodMonth PeriodKind = "month"
	PeriodWeek  PeriodKind = "week"
)

// Period is a half-open time window [Start, End).
type Period struct {
	Kind  PeriodKind `json:"kind"`
	Start time.Time  `json:"start"`
	End   time.Time  `json:"end"`
}

// MonthPeriod returns the calendar month in loc.
func MonthPeriod(year int, month time.Month, loc *time.Location) Period {
	if loc == nil {
		loc = time.Local
	}
	start := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	return Period{Kind: PeriodMonth, Start: start, End: start.AddDate(0, 1, 0)}
}

// MonthOf returns the calendar month containing t, in t's location.
func MonthOf(t time.Time) Period {
	return MonthPeriod(t.Year(), t.Month(), t.Location())
}

// WeekOf returns the Monday-Sunday week containing t, in t's location.
func WeekOf(t time.Time) Period {
	// time.Weekday counts from Sunday; shift so Monday is 0.
	offset := (int(t.Weekday()) + 6) % 7
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	start := day.AddDate(0, 0, -offset)
	return Period{Kind: PeriodWeek, Start: start, End: start.AddDate(0, 0, 7)}
}

// ParseMonth parses a "YYYY-MM" string into a month Period.
func ParseMonth(s string, loc *time.Location) (Period, error) {
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation("2006-01", strings.TrimSpace(s), loc)
	if err != nil {
		return Period{}, fmt.Errorf("%w: month must look like YYYY-MM, got %q", ErrFormat, s)
	}
	return MonthPeriod(t.Year(), t.Month(), loc), nil
}

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Label is the human-readable name of the period.
func (p Period) Label() string {
	if p.Kind == PeriodMonth {
		return p.Start.Format("2006-01")
	}
	last := p.End.AddDate(0, 0, -1)
	return fmt.Sprintf("%s al %s", p.Start.Format("02/01"), last.Format("02/01/2006"))
}

// Aggregate is the count/amount summary of a period.
type Aggregate struct {
	TotalCount  int     `json:"total_count"`
	PaidCount   int     `json:"paid_count"`
	TotalAmount float64 `json:"total_amount"`
}

// UnpaidCount is TotalCount minus PaidCount.
func (a Aggregate) UnpaidCount() int {
	return a.TotalCount - a.PaidCount
}
