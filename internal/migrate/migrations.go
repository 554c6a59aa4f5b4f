package migrate

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"caseline/internal/db"
	"caseline/internal/logging"
)

//go:embed sql
var files embed.FS

// Migration is one numbered schema step for a dialect, stored as sql/<dialect>/NNNN_name.sql.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Applied is a row of schema_migrations.
type Applied struct {
	Version   int    `db:"version"`
	Name      string `db:"name"`
	AppliedAt string `db:"applied_at"`
}

var fileName = regexp.MustCompile(`^(\d{4})_([a-z0-9_]+)\.sql$`)

const historyTable = `CREATE TABLE IF NOT EXISTS schema_migrations(
  version INTEGER PRIMARY KEY,
  name TEXT NOT NULL,
  applied_at TEXT NOT NULL
)`

func load(dialect string) ([]Migration, error) {
	paths, err := fs.Glob(files, path.Join("sql", dialect, "*.sql"))
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("migrate: no migrations for dialect %q", dialect)
	}
	out := make([]Migration, 0, len(paths))
	for _, p := range paths {
		m := fileName.FindStringSubmatch(path.Base(p))
		if m == nil {
			return nil, fmt.Errorf("migrate: bad file name %s", p)
		}
		v, _ := strconv.Atoi(m[1])
		// Glob returns lexical order; four-digit prefixes make it numeric too.
		if n := len(out); n > 0 && out[n-1].Version == v {
			return nil, fmt.Errorf("migrate: version %d defined twice", v)
		}
		body, err := fs.ReadFile(files, p)
		if err != nil {
			return nil, err
		}
		out = append(out, Migration{Version: v, Name: m[2], SQL: string(body)})
	}
	return out, nil
}

// Up applies every pending migration for the connection's dialect, each in its own
// transaction, and returns the ones it ran.
func Up(ctx context.Context, conn *sqlx.DB, log logrus.FieldLogger) ([]Migration, error) {
	if log == nil {
		log = logging.Discard()
	}
	all, err := load(db.Dialect(conn))
	if err != nil {
		return nil, err
	}
	if _, err := conn.ExecContext(ctx, historyTable); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}
	done, err := History(ctx, conn)
	if err != nil {
		return nil, err
	}
	seen := make(map[int]bool, len(done))
	for _, a := range done {
		seen[a.Version] = true
	}
	var ran []Migration
	for _, m := range all {
		if seen[m.Version] {
			continue
		}
		if err := apply(ctx, conn, m); err != nil {
			return ran, err
		}
		log.WithFields(logrus.Fields{"version": m.Version, "name": m.Name}).Info("migration applied")
		ran = append(ran, m)
	}
	return ran, nil
}

func apply(ctx context.Context, conn *sqlx.DB, m Migration) error {
	tx, err := conn.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return fmt.Errorf("migration %04d_%s: %w", m.Version, m.Name, err)
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO schema_migrations(version, name, applied_at) VALUES (?, ?, ?)`),
		m.Version, m.Name, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("record migration %d: %w", m.Version, err)
	}
	return tx.Commit()
}

// History lists applied migrations in version order.
func History(ctx context.Context, conn *sqlx.DB) ([]Applied, error) {
	var out []Applied
	err := conn.SelectContext(ctx, &out, `SELECT version, name, applied_at FROM schema_migrations ORDER BY version`)
	return out, err
}

// Version is the highest applied version, 0 on an empty database.
func Version(ctx context.Context, conn *sqlx.DB) (int, error) {
	var v int
	err := conn.GetContext(ctx, &v, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)
	return v, err
}
