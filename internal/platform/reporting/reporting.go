package reporting

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/basco1979/pacientes-bot/internal/domain/record"
	"github.com/basco1979/pacientes-bot/internal/platform/auth"
)

// DefaultCommissionRate is the share of the weekly amount reported as commission.
const DefaultCommissionRate = 0.20

// Definition describes one report the engine can produce.
type Definition struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Parameters  []string `json:"parameters"`
}

// Definitions is the list of available reports.
var Definitions = []Definition{
	{
		ID:          "monthly",
		Name:        "Monthly sessions",
		Description: "Session count, paid and unpaid counts and collected amount for a calendar month",
		Parameters:  []string{"month"},
	},
	{
		ID:          "weekly",
		Name:        "Weekly sessions",
		Description: "Same figures for the Monday to Sunday week containing a date, plus commission",
		Parameters:  []string{"date"},
	},
}

// Aggregator is the slice of the record service reports are built from.
type Aggregator interface {
	Aggregate(ctx context.Context, p record.Period) (record.Aggregate, error)
	Location() *time.Location
	Now() time.Time
}

// Report holds the figures of one period. Commission is only set for weekly
// reports.
type Report struct {
	Period         record.Period `json:"period"`
	Label          string        `json:"label"`
	TotalCount     int           `json:"total_count"`
	PaidCount      int           `json:"paid_count"`
	UnpaidCount    int           `json:"unpaid_count"`
	TotalAmount    float64       `json:"total_amount"`
	CommissionRate float64       `json:"commission_rate,omitempty"`
	Commission     *float64      `json:"commission,omitempty"`
	GeneratedAt    time.Time     `json:"generated_at"`
}

// Text renders the report for chat. Currency is rounded to whole units.
func (r *Report) Text() string {
	var b strings.Builder
	if r.Period.Kind == record.PeriodWeek {
		fmt.Fprintf(&b, "📊 Reporte semanal %s\n", r.Label)
	} else {
		fmt.Fprintf(&b, "📊 Reporte %s\n", r.Label)
	}
	fmt.Fprintf(&b, "Total sesiones: %d\n", r.TotalCount)
	fmt.Fprintf(&b, "Pagadas: %d\n", r.PaidCount)
	fmt.Fprintf(&b, "Impagas: %d\n", r.UnpaidCount)
	fmt.Fprintf(&b, "Monto cobrado: $%.0f", r.TotalAmount)
	if r.Commission != nil {
		fmt.Fprintf(&b, "\nComisión (%s%%): $%.0f", formatRate(r.CommissionRate), *r.Commission)
	}
	return b.String()
}

func formatRate(rate float64) string {
	return strings.TrimSuffix(strings.TrimRight(fmt.Sprintf("%.2f", rate*100), "0"), ".")
}

// Engine builds reports from period aggregates.
type Engine struct {
	agg  Aggregator
	rate float64
}

// NewEngine creates an Engine. A rate outside [0,1] falls back to
// DefaultCommissionRate.
func NewEngine(agg Aggregator, rate float64) *Engine {
	if rate < 0 || rate > 1 || math.IsNaN(rate) {
		rate = DefaultCommissionRate
	}
	return &Engine{agg: agg, rate: rate}
}

// Rate is the commission rate applied to weekly reports.
func (e *Engine) Rate() float64 { return e.rate }

// Monthly reports on the given calendar month.
func (e *Engine) Monthly(ctx context.Context, year int, month time.Month) (*Report, error) {
	return e.build(ctx, record.MonthPeriod(year, month, e.agg.Location()))
}

// CurrentMonth reports on the month containing now.
func (e *Engine) CurrentMonth(ctx context.Context) (*Report, error) {
	return e.build(ctx, record.MonthOf(e.agg.Now()))
}

// Weekly reports on the Monday-Sunday week containing t.
func (e *Engine) Weekly(ctx context.Context, t time.Time) (*Report, error) {
	return e.build(ctx, record.WeekOf(t.In(e.agg.Location())))
}

// CurrentWeek reports on the week containing now.
func (e *Engine) CurrentWeek(ctx context.Context) (*Report, error) {
	return e.Weekly(ctx, e.agg.Now())
}

func (e *Engine) build(ctx context.Context, p record.Period) (*Report, error) {
	agg, err := e.agg.Aggregate(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("aggregate %s %s: %w", p.Kind, p.Label(), err)
	}
	total := agg.TotalAmount
	if math.IsNaN(total) || math.IsInf(total, 0) {
		total = 0
	}
	r := &Report{
		Period:      p,
		Label:       p.Label(),
		TotalCount:  agg.TotalCount,
		PaidCount:   agg.PaidCount,
		UnpaidCount: agg.UnpaidCount(),
		TotalAmount: total,
		GeneratedAt: e.agg.Now(),
	}
	if p.Kind == record.PeriodWeek {
		commission := total * e.rate
		r.CommissionRate = e.rate
		r.Commission = &commission
	}
	return r, nil
}

// Handler provides HTTP handlers for the reporting API.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new reporting handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes registers the reporting API routes.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/reports", auth.RequireRole("admin", "therapist"))
	g.GET("", h.ListDefinitions)
	g.GET("/monthly", h.Monthly)
	g.GET("/weekly", h.Weekly)
}

// ListDefinitions returns all available report definitions.
func (h *Handler) ListDefinitions(c echo.Context) error {
	return c.JSON(http.StatusOK, Definitions)
}

// Monthly serves ?month=YYYY-MM, defaulting to the current month.
func (h *Handler) Monthly(c echo.Context) error {
	ctx := c.Request().Context()
	var (
		r   *Report
		err error
	)
	if m := c.QueryParam("month"); m != "" {
		p, perr := record.ParseMonth(m, h.engine.agg.Location())
		if perr != nil {
			return echo.NewHTTPError(http.StatusBadRequest, perr.Error())
		}
		r, err = h.engine.Monthly(ctx, p.Start.Year(), p.Start.Month())
	} else {
		r, err = h.engine.CurrentMonth(ctx)
	}
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

// Weekly serves ?date=YYYY-MM-DD, defaulting to the current week.
func (h *Handler) Weekly(c echo.Context) error {
	ctx := c.Request().Context()
	var (
		r   *Report
		err error
	)
	if d := c.QueryParam("date"); d != "" {
		t, perr := time.ParseInLocation("2006-01-02", d, h.engine.agg.Location())
		if perr != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "date must look like YYYY-MM-DD")
		}
		r, err = h.engine.Weekly(ctx, t)
	} else {
		r, err = h.engine.CurrentWeek(ctx)
	}
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func httpError(err error) error {
	if errors.Is(err, record.ErrStoreUnavailable) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("report failed: %v", err))
}
