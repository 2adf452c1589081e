package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/mattn/go-sqlite3"
)

// SQLiteDriverName is the database/sql driver registered by OpenSQLite. It is
// go-sqlite3 with a go_lower(text) function that folds case with Go's Unicode
// tables, so accented names compare case-insensitively.
const SQLiteDriverName = "sqlite3_pacientes"

var registerOnce sync.Once

func registerSQLiteDriver() {
	registerOnce.Do(func() {
		sql.Register(SQLiteDriverName, &sqlite3.SQLiteDriver{
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				return conn.RegisterFunc("go_lower", strings.ToLower, true)
			},
		})
	})
}

// uriPath escapes the characters that would end the path part of a file: URI.
// SQLite decodes %HH escapes when it opens the file.
var uriPath = strings.NewReplacer("%", "%25", "?", "%3F", "#", "%23")

// SQLiteDSN builds the connection string for path: WAL journal, a busy timeout
// in milliseconds and enforced foreign keys.
func SQLiteDSN(path string, busyTimeoutMS int) string {
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_busy_timeout", fmt.Sprint(busyTimeoutMS))
	q.Set("_foreign_keys", "on")
	return "file:" + uriPath.Replace(path) + "?" + q.Encode()
}

// OpenSQLite opens (creating if needed) the SQLite file at path and pings it.
// A single writer connection avoids SQLITE_BUSY between goroutines of this
// process.
func OpenSQLite(ctx context.Context, path string, busyTimeoutMS int) (*sql.DB, error) {
	registerSQLiteDriver()

	db, err := sql.Open(SQLiteDriverName, SQLiteDSN(path, busyTimeoutMS))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	return db, nil
}
