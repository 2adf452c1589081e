package db

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSQLiteDSN(t *testing.T) {
	dsn := SQLiteDSN("/tmp/pacientes.db", 5000)
	if !strings.HasPrefix(dsn, "file:/tmp/pacientes.db?") {
		t.Errorf("unexpected prefix: %s", dsn)
	}
	for _, want := range []string{"_journal_mode=WAL", "_busy_timeout=5000", "_foreign_keys=on"} {
		if !strings.Contains(dsn, want) {
			t.Errorf("expected %q in %s", want, dsn)
		}
	}
}

func TestSQLiteDSN_EscapesPath(t *testing.T) {
	dsn := SQLiteDSN("/data/a?b#c%d.db", 5000)
	if !strings.HasPrefix(dsn, "file:/data/a%3Fb%23c%25d.db?_") {
		t.Errorf("path not escaped: %s", dsn)
	}
}

func TestOpenSQLite_PathWithQueryCharacters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "consultorio?v=2#a.db")
	sqlDB, err := OpenSQLite(context.Background(), path, 1000)
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	defer sqlDB.Close()

	if _, err := sqlDB.Exec(`CREATE TABLE t (x INTEGER)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected database file at %s: %v", path, err)
	}
}

func TestOpenSQLite_GoLower(t *testing.T) {
	ctx := context.Background()
	sqlDB, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "lower.db"), 1000)
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	defer sqlDB.Close()

	var got string
	if err := sqlDB.QueryRowContext(ctx, `SELECT go_lower('ÁNGELA Núñez')`).Scan(&got); err != nil {
		t.Fatalf("query: %v", err)
	}
	if got != "ángela núñez" {
		t.Errorf("expected unicode lower case, got %q", got)
	}

	var mode string
	if err := sqlDB.QueryRowContext(ctx, `PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatalf("pragma: %v", err)
	}
	if strings.ToLower(mode) != "wal" {
		t.Errorf("expected WAL journal, got %s", mode)
	}
}

func TestOpenSQLite_TwiceRegistersOnce(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		sqlDB, err := OpenSQLite(context.Background(), filepath.Join(dir, "twice.db"), 1000)
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		sqlDB.Close()
	}
}
