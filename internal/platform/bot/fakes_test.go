package bot

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/basco1979/pacientes-bot/internal/domain/record"
	"github.com/basco1979/pacientes-bot/internal/platform/reporting"
)

var testNow = time.Date(2024, time.March, 14, 15, 30, 0, 0, time.UTC)

// fakeRecords is an in-memory record service.
type fakeRecords struct {
	mu      sync.Mutex
	items   []*record.Record
	nextID  int64
	err     error
	inserts int
}

func newFakeRecords() *fakeRecords { return &fakeRecords{} }

func (f *fakeRecords) Insert(_ context.Context, in record.NewRecord) (*record.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	f.inserts++
	f.nextID++
	rec := &record.Record{
		ID:     f.nextID,
		Name:   strings.TrimSpace(in.Name),
		Type:   strings.TrimSpace(in.Type),
		Date:   testNow.Add(time.Duration(f.nextID) * time.Minute),
		Paid:   in.Amount > 0,
		Amount: in.Amount,
	}
	f.items = append(f.items, rec)
	cp := *rec
	return &cp, nil
}

func (f *fakeRecords) find(id int64) *record.Record {
	for _, rec := range f.items {
		if rec.ID == id {
			return rec
		}
	}
	return nil
}

func (f *fakeRecords) Get(_ context.Context, id int64) (*record.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	rec := f.find(id)
	if rec == nil {
		return nil, record.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeRecords) MarkPaid(_ context.Context, id int64, amount float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if amount <= 0 {
		return fmt.Errorf("%w: amount", record.ErrValidation)
	}
	if f.err != nil {
		return f.err
	}
	rec := f.find(id)
	if rec == nil {
		return record.ErrNotFound
	}
	rec.Paid, rec.Amount = true, amount
	return nil
}

func (f *fakeRecords) MarkUnpaid(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	rec := f.find(id)
	if rec == nil {
		return record.ErrNotFound
	}
	rec.Paid, rec.Amount = false, 0
	return nil
}

func (f *fakeRecords) filter(keep func(*record.Record) bool) ([]*record.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []*record.Record
	for _, rec := range f.items {
		if keep(rec) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	return out, nil
}

func (f *fakeRecords) ListUnpaid(_ context.Context) ([]*record.Record, error) {
	return f.filter(func(r *record.Record) bool { return !r.Paid })
}

func (f *fakeRecords) ListByPeriod(_ context.Context, p record.Period) ([]*record.Record, error) {
	return f.filter(func(r *record.Record) bool { return p.Contains(r.Date) })
}

func (f *fakeRecords) Latest(ctx context.Context, n int) ([]*record.Record, error) {
	out, err := f.filter(func(*record.Record) bool { return true })
	if len(out) > n {
		out = out[:n]
	}
	return out, err
}

func (f *fakeRecords) Search(_ context.Context, name string) ([]*record.Record, error) {
	needle := strings.ToLower(name)
	return f.filter(func(r *record.Record) bool { return strings.Contains(strings.ToLower(r.Name), needle) })
}

func (f *fakeRecords) Location() *time.Location { return time.UTC }

func (f *fakeRecords) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

func (f *fakeRecords) last() *record.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.items) == 0 {
		return nil
	}
	cp := *f.items[len(f.items)-1]
	return &cp
}

// fakeReports answers with fixed reports and remembers what was asked.
type fakeReports struct {
	asked []string
	err   error
}

func (f *fakeReports) report(p record.Period) (*reporting.Report, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &reporting.Report{Period: p, Label: p.Label(), TotalCount: 1}, nil
}

func (f *fakeReports) CurrentMonth(context.Context) (*reporting.Report, error) {
	f.asked = append(f.asked, "current-month")
	return f.report(record.MonthOf(testNow))
}

func (f *fakeReports) Monthly(_ context.Context, year int, month time.Month) (*reporting.Report, error) {
	f.asked = append(f.asked, fmt.Sprintf("%04d-%02d", year, month))
	return f.report(record.MonthPeriod(year, month, time.UTC))
}

func (f *fakeReports) CurrentWeek(context.Context) (*reporting.Report, error) {
	f.asked = append(f.asked, "current-week")
	return f.report(record.WeekOf(testNow))
}

var testTypes = Catalogue{
	{Code: "private", Label: "Particular"},
	{Code: "insurance", Label: "Obra Social"},
}
