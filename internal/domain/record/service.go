package record

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const defaultTimeout = 5 * time.Second

// Service owns every mutation of session records. It validates input,
// enforces paid == (amount > 0) on each write and bounds every store call
// with a deadline.
type Service struct {
	records  Repository
	patients *PatientIndex
	timeout  time.Duration
	loc      *time.Location
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithTimeout bounds each store call.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLocation sets the zone used for record dates and periods.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(records Repository, patients *PatientIndex, opts ...Option) *Service {
	s := &Service{
		records:  records,
		patients: patients,
		timeout:  defaultTimeout,
		loc:      time.Local,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Location is the zone used for dates and periods.
func (s *Service) Location() *time.Location { return s.loc }

// Now returns the current time in the service's zone.
func (s *Service) Now() time.Time { return s.now().In(s.loc) }

func (s *Service) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// Insert creates one record and returns it as stored.
func (s *Service) Insert(ctx context.Context, in NewRecord) (*Record, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	name := strings.TrimSpace(in.Name)
	typ := strings.TrimSpace(in.Type)
	patientID, err := s.patients.Resolve(ctx, name, typ)
	if err != nil {
		return nil, fmt.Errorf("resolve patient %q: %w", name, err)
	}

	date := s.Now()
	if in.Date != nil {
		date = in.Date.In(s.loc)
	}
	rec := &Record{
		PatientID: patientID,
		Name:      name,
		Type:      typ,
		Date:      date.Truncate(time.Second),
		Paid:      in.Amount > 0,
		Amount:    in.Amount,
	}
	if err := s.records.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("insert record: %w", err)
	}
	return rec, nil
}

// Get returns one record.
func (s *Service) Get(ctx context.Context, id int64) (*Record, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	rec, err := s.records.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.localize(rec), nil
}

// MarkPaid records a payment of amount for an existing record.
func (s *Service) MarkPaid(ctx context.Context, id int64, amount float64) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	if amount <= 0 {
		return fmt.Errorf("%w: payment amount must be greater than zero", ErrValidation)
	}
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	return s.records.SetPayment(ctx, id, true, amount)
}

// MarkUnpaid reverts a record to unpaid with a zero amount.
func (s *Service) MarkUnpaid(ctx context.Context, id int64) error {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	return s.records.SetPayment(ctx, id, false, 0)
}

// ListUnpaid returns unpaid records, newest first.
func (s *Service) ListUnpaid(ctx context.Context) ([]*Record, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	return s.localizeAll(s.records.ListUnpaid(ctx))
}

// ListByPeriod returns the records dated inside p, newest first.
func (s *Service) ListByPeriod(ctx context.Context, p Period) ([]*Record, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	return s.localizeAll(s.records.ListBetween(ctx, p.Start, p.End))
}

// Latest returns the n newest records.
func (s *Service) Latest(ctx context.Context, n int) ([]*Record, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", ErrValidation)
	}
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	return s.localizeAll(s.records.ListLatest(ctx, n))
}

// Count returns the number of stored records.
func (s *Service) Count(ctx context.Context) (int, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	return s.records.Count(ctx)
}

// Search matches name case-insensitively as a substring, newest first.
func (s *Service) Search(ctx context.Context, name string) ([]*Record, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: search needs a name", ErrValidation)
	}
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	return s.localizeAll(s.records.SearchByName(ctx, name))
}

// Aggregate summarizes the records dated inside p.
func (s *Service) Aggregate(ctx context.Context, p Period) (Aggregate, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	return s.records.Aggregate(ctx, p.Start, p.End)
}

// Ping checks that the store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	return s.records.Ping(ctx)
}

func (s *Service) localize(rec *Record) *Record {
	rec.Date = rec.Date.In(s.loc)
	rec.CreatedAt = rec.CreatedAt.In(s.loc)
	return rec
}

func (s *Service) localizeAll(items []*Record, err error) ([]*Record, error) {
	if err != nil {
		return nil, err
	}
	for _, rec := range items {
		s.localize(rec)
	}
	return items, nil
}
