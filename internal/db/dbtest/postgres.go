//go:build integration

package dbtest

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"caseline/internal/db"
	"caseline/internal/migrate"
)

// PostgresContainer is a throwaway postgres with the caseline schema applied.
type PostgresContainer struct {
	Container *tcpostgres.PostgresContainer
	DSN       string
	DB        *sqlx.DB
}

// OpenPostgres starts a container and migrates it. The container is terminated on cleanup.
func OpenPostgres(t testing.TB) *PostgresContainer {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("caseline"),
		tcpostgres.WithUsername("caseline"),
		tcpostgres.WithPassword("caseline"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get postgres connection string: %v", err)
	}
	conn, err := db.Open(db.Config{Driver: db.DriverPostgres, DSN: dsn, MaxOpenConns: 20})
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	if _, err := migrate.Up(ctx, conn, nil); err != nil {
		conn.Close()
		t.Fatalf("migrate postgres: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &PostgresContainer{Container: container, DSN: dsn, DB: conn}
}

// Truncate empties every caseline table between tests.
func (p *PostgresContainer) Truncate(ctx context.Context) error {
	_, err := p.DB.ExecContext(ctx, `TRUNCATE events, document_packs, tasks, reference_sequences, cases RESTART IDENTITY CASCADE`)
	return err
}
