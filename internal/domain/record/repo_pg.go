package record

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// pinger is satisfied by *pgxpool.Pool.
type pinger interface {
	Ping(ctx context.Context) error
}

// =========== Record Repository ===========

type recordRepoPG struct{ db queryable }

// NewRecordRepoPG returns a Repository backed by PostgreSQL. db is usually a
// *pgxpool.Pool.
func NewRecordRepoPG(db queryable) Repository { return &recordRepoPG{db: db} }

const recordCols = `id, patient_id, name, type, session_date, paid, amount, created_at`

func (r *recordRepoPG) scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.PatientID, &rec.Name, &rec.Type, &rec.Date, &rec.Paid, &rec.Amount, &rec.CreatedAt)
	if err != nil {
		return nil, classifyPG(err)
	}
	return &rec, nil
}

func (r *recordRepoPG) Create(ctx context.Context, rec *Record) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO session_records (patient_id, name, type, session_date, paid, amount)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		rec.PatientID, rec.Name, rec.Type, rec.Date, rec.Paid, rec.Amount,
	).Scan(&rec.ID, &rec.CreatedAt)
	return classifyPG(err)
}

func (r *recordRepoPG) GetByID(ctx context.Context, id int64) (*Record, error) {
	return r.scanRecord(r.db.QueryRow(ctx, `SELECT `+recordCols+` FROM session_records WHERE id = $1`, id))
}

func (r *recordRepoPG) SetPayment(ctx context.Context, id int64, paid bool, amount float64) error {
	tag, err := r.db.Exec(ctx, `UPDATE session_records SET paid = $2, amount = $3 WHERE id = $1`, id, paid, amount)
	if err != nil {
		return classifyPG(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return nil
}

func (r *recordRepoPG) ListUnpaid(ctx context.Context) ([]*Record, error) {
	return r.list(ctx, `SELECT `+recordCols+` FROM session_records WHERE NOT paid ORDER BY session_date DESC, id DESC`)
}

func (r *recordRepoPG) ListBetween(ctx context.Context, start, end time.Time) ([]*Record, error) {
	return r.list(ctx, `SELECT `+recordCols+` FROM session_records
		WHERE session_date >= $1 AND session_date < $2
		ORDER BY session_date DESC, id DESC`, start, end)
}

func (r *recordRepoPG) ListLatest(ctx context.Context, limit int) ([]*Record, error) {
	return r.list(ctx, `SELECT `+recordCols+` FROM session_records ORDER BY session_date DESC, id DESC LIMIT $1`, limit)
}

func (r *recordRepoPG) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM session_records`).Scan(&n); err != nil {
		return 0, classifyPG(err)
	}
	return n, nil
}

func (r *recordRepoPG) SearchByName(ctx context.Context, substr string) ([]*Record, error) {
	return r.list(ctx, `SELECT `+recordCols+` FROM session_records
		WHERE strpos(lower(name), lower($1)) > 0
		ORDER BY session_date DESC, id DESC`, substr)
}

func (r *recordRepoPG) Aggregate(ctx context.Context, start, end time.Time) (Aggregate, error) {
	var agg Aggregate
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN paid THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(amount), 0)
		FROM session_records
		WHERE session_date >= $1 AND session_date < $2`, start, end,
	).Scan(&agg.TotalCount, &agg.PaidCount, &agg.TotalAmount)
	if err != nil {
		return Aggregate{}, classifyPG(err)
	}
	return agg, nil
}

func (r *recordRepoPG) Ping(ctx context.Context) error {
	p, ok := r.db.(pinger)
	if !ok {
		_, err := r.db.Exec(ctx, `SELECT 1`)
		return classifyPG(err)
	}
	return classifyPG(p.Ping(ctx))
}

func (r *recordRepoPG) list(ctx context.Context, sql string, args ...interface{}) ([]*Record, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, classifyPG(err)
	}
	defer rows.Close()
	var items []*Record
	for rows.Next() {
		rec, err := r.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPG(err)
	}
	return items, nil
}

// =========== Patient Repository ===========

type patientRepoPG struct{ db queryable }

func NewPatientRepoPG(db queryable) PatientRepository { return &patientRepoPG{db: db} }

func (r *patientRepoPG) Resolve(ctx context.Context, name, typ string) (*Patient, error) {
	var p Patient
	// The no-op update makes RETURNING yield the existing row on conflict.
	err := r.db.QueryRow(ctx, `
		INSERT INTO patients (id, name, type) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name, type, created_at`,
		uuid.New(), name, typ,
	).Scan(&p.ID, &p.Name, &p.Type, &p.CreatedAt)
	if err != nil {
		return nil, classifyPG(err)
	}
	return &p, nil
}

func (r *patientRepoPG) GetByName(ctx context.Context, name string) (*Patient, error) {
	var p Patient
	err := r.db.QueryRow(ctx, `SELECT id, name, type, created_at FROM patients WHERE name = $1`, name).
		Scan(&p.ID, &p.Name, &p.Type, &p.CreatedAt)
	if err != nil {
		return nil, classifyPG(err)
	}
	return &p, nil
}

// classifyPG maps pgx errors onto the package sentinels.
func classifyPG(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23514" {
		return fmt.Errorf("%w: %s", ErrValidation, pgErr.ConstraintName)
	}
	var connErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connErr) || errors.As(err, &netErr) || pgconn.Timeout(err) ||
		errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return err
}
