// Package dbtest opens migrated throwaway databases for tests.
package dbtest

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"caseline/internal/db"
	"caseline/internal/migrate"
)

// Open returns a migrated sqlite database under t.TempDir(), closed on cleanup.
func Open(t testing.TB) *sqlx.DB {
	t.Helper()
	return OpenWith(t, db.Config{})
}

// OpenWith is Open with caller-supplied settings. Workspace defaults to a temp dir.
func OpenWith(t testing.TB, cfg db.Config) *sqlx.DB {
	t.Helper()
	if cfg.Workspace == "" && cfg.Driver != db.DriverPostgres {
		cfg.Workspace = t.TempDir()
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 10 * time.Second
	}
	conn, err := db.Open(cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Up(context.Background(), conn, nil); err != nil {
		conn.Close()
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}
