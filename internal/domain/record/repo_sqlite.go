package record

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

// sqliteTimeLayout is how timestamps are kept in SQLite TEXT columns. Values are
// always UTC so that lexical order matches chronological order.
const sqliteTimeLayout = "2006-01-02 15:04:05"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS patients (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	type TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS session_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	patient_id TEXT NOT NULL REFERENCES patients(id),
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	session_date TEXT NOT NULL,
	paid INTEGER NOT NULL DEFAULT 0,
	amount REAL NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	CHECK (amount >= 0),
	CHECK (paid = (amount > 0))
);

CREATE INDEX IF NOT EXISTS idx_session_records_date ON session_records(session_date DESC);
CREATE INDEX IF NOT EXISTS idx_session_records_unpaid ON session_records(session_date DESC) WHERE paid = 0;
`

// EnsureSQLiteSchema creates the tables used by the SQLite repositories.
func EnsureSQLiteSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("create sqlite schema: %w", classifySQLite(err))
	}
	return nil
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseSQLiteTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(sqliteTimeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}

// =========== Record Repository ===========

type recordRepoSQLite struct{ db *sql.DB }

// NewRecordRepoSQLite returns a Repository backed by an SQLite database opened
// with db.OpenSQLite, which registers the go_lower function used by search.
func NewRecordRepoSQLite(db *sql.DB) Repository { return &recordRepoSQLite{db: db} }

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *recordRepoSQLite) scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var date, created string
	err := row.Scan(&rec.ID, &rec.PatientID, &rec.Name, &rec.Type, &date, &rec.Paid, &rec.Amount, &created)
	if err != nil {
		return nil, classifySQLite(err)
	}
	if rec.Date, err = parseSQLiteTime(date); err != nil {
		return nil, err
	}
	if rec.CreatedAt, err = parseSQLiteTime(created); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *recordRepoSQLite) Create(ctx context.Context, rec *Record) error {
	now := time.Now().UTC().Truncate(time.Second)
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO session_records (patient_id, name, type, session_date, paid, amount, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.PatientID, rec.Name, rec.Type, formatSQLiteTime(rec.Date), rec.Paid, rec.Amount, formatSQLiteTime(now),
	)
	if err != nil {
		return classifySQLite(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("read inserted id: %w", err)
	}
	rec.ID = id
	rec.CreatedAt = now
	return nil
}

func (r *recordRepoSQLite) GetByID(ctx context.Context, id int64) (*Record, error) {
	return r.scanRecord(r.db.QueryRowContext(ctx, `SELECT `+recordCols+` FROM session_records WHERE id = ?`, id))
}

func (r *recordRepoSQLite) SetPayment(ctx context.Context, id int64, paid bool, amount float64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE session_records SET paid = ?, amount = ? WHERE id = ?`, paid, amount, id)
	if err != nil {
		return classifySQLite(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return nil
}

func (r *recordRepoSQLite) ListUnpaid(ctx context.Context) ([]*Record, error) {
	return r.list(ctx, `SELECT `+recordCols+` FROM session_records WHERE paid = 0 ORDER BY session_date DESC, id DESC`)
}

func (r *recordRepoSQLite) ListBetween(ctx context.Context, start, end time.Time) ([]*Record, error) {
	return r.list(ctx, `SELECT `+recordCols+` FROM session_records
		WHERE session_date >= ? AND session_date < ?
		ORDER BY session_date DESC, id DESC`, formatSQLiteTime(start), formatSQLiteTime(end))
}

func (r *recordRepoSQLite) ListLatest(ctx context.Context, limit int) ([]*Record, error) {
	return r.list(ctx, `SELECT `+recordCols+` FROM session_records ORDER BY session_date DESC, id DESC LIMIT ?`, limit)
}

func (r *recordRepoSQLite) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM session_records`).Scan(&n); err != nil {
		return 0, classifySQLite(err)
	}
	return n, nil
}

func (r *recordRepoSQLite) SearchByName(ctx context.Context, substr string) ([]*Record, error) {
	// SQLite's lower() only folds ASCII; go_lower folds accented names too.
	return r.list(ctx, `SELECT `+recordCols+` FROM session_records
		WHERE instr(go_lower(name), go_lower(?)) > 0
		ORDER BY session_date DESC, id DESC`, substr)
}

func (r *recordRepoSQLite) Aggregate(ctx context.Context, start, end time.Time) (Aggregate, error) {
	var agg Aggregate
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN paid THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(amount), 0.0)
		FROM session_records
		WHERE session_date >= ? AND session_date < ?`,
		formatSQLiteTime(start), formatSQLiteTime(end),
	).Scan(&agg.TotalCount, &agg.PaidCount, &agg.TotalAmount)
	if err != nil {
		return Aggregate{}, classifySQLite(err)
	}
	return agg, nil
}

func (r *recordRepoSQLite) Ping(ctx context.Context) error {
	return classifySQLite(r.db.PingContext(ctx))
}

func (r *recordRepoSQLite) list(ctx context.Context, query string, args ...interface{}) ([]*Record, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifySQLite(err)
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
		return nil, classifySQLite(err)
	}
	return items, nil
}

// =========== Patient Repository ===========

type patientRepoSQLite struct{ db *sql.DB }

func NewPatientRepoSQLite(db *sql.DB) PatientRepository { return &patientRepoSQLite{db: db} }

func (r *patientRepoSQLite) Resolve(ctx context.Context, name, typ string) (*Patient, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO patients (id, name, type, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO NOTHING`,
		uuid.New(), name, typ, formatSQLiteTime(time.Now()),
	)
	if err != nil {
		return nil, classifySQLite(err)
	}
	return r.GetByName(ctx, name)
}

func (r *patientRepoSQLite) GetByName(ctx context.Context, name string) (*Patient, error) {
	var p Patient
	var created string
	err := r.db.QueryRowContext(ctx, `SELECT id, name, type, created_at FROM patients WHERE name = ?`, name).
		Scan(&p.ID, &p.Name, &p.Type, &created)
	if err != nil {
		return nil, classifySQLite(err)
	}
	if p.CreatedAt, err = parseSQLiteTime(created); err != nil {
		return nil, err
	}
	return &p, nil
}

// classifySQLite maps database/sql and sqlite3 errors onto the package sentinels.
func classifySQLite(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrCantOpen, sqlite3.ErrIoErr, sqlite3.ErrNotADB:
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		case sqlite3.ErrConstraint:
			if sqliteErr.ExtendedCode == sqlite3.ErrConstraintCheck {
				return fmt.Errorf("%w: %v", ErrValidation, err)
			}
		}
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return err
}
