package record

import (
	"context"
	"time"
)

// Repository persists session records. Implementations return ErrNotFound for
// missing ids and ErrStoreUnavailable when the database cannot be reached.
type Repository interface {
	Create(ctx context.Context, r *Record) error
	GetByID(ctx context.Context, id int64) (*Record, error)
	SetPayment(ctx context.Context, id int64, paid bool, amount float64) error
	ListUnpaid(ctx context.Context) ([]*Record, error)
	ListBetween(ctx context.Context, start, end time.Time) ([]*Record, error)
	ListLatest(ctx context.Context, limit int) ([]*Record, error)
	Count(ctx context.Context) (int, error)
	SearchByName(ctx context.Context, substr string) ([]*Record, error)
	Aggregate(ctx context.Context, start, end time.Time) (Aggregate, error)
	Ping(ctx context.Context) error
}

// PatientRepository resolves patient names to stable ids.
type PatientRepository interface {
	// Resolve returns the patient with the given name, creating it with typ
	// when it does not exist yet.
	Resolve(ctx context.Context, name, typ string) (*Patient, error)
	GetByName(ctx context.Context, name string) (*Patient, error)
}
