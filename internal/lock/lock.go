// Package lock owns the transaction boundary for every case mutation. A LockedCase can only
// be obtained from a Coordinator after the case row lock has been taken, and mutating code
// elsewhere accepts nothing else.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"caseline/internal/db"
	"caseline/internal/domain"
	"caseline/internal/repo"
)

const (
	DefaultLockTimeout = 5 * time.Second
	DefaultTxTimeout   = 30 * time.Second

	pgLockNotAvailable = "55P03"
)

// Handle is an open transaction. The zero value is unusable.
type Handle struct {
	tx       *sqlx.Tx
	waited   time.Duration
	onCommit []func()
}

// Tx exposes the underlying transaction for statements issued under the lock.
func (h *Handle) Tx() *sqlx.Tx {
	return h.tx
}

// AfterCommit queues fn to run once the transaction has committed. It is dropped on rollback.
func (h *Handle) AfterCommit(fn func()) {
	h.onCommit = append(h.onCommit, fn)
}

// LockedCase is a case whose row lock is held by the embedded transaction.
type LockedCase struct {
	*Handle
	Case domain.Case
}

// LockObserver receives how long lock acquisition took.
type LockObserver interface {
	ObserveLockWait(d time.Duration, err error)
}

type Coordinator struct {
	DB          *sqlx.DB
	Repo        repo.Repo
	LockTimeout time.Duration
	TxTimeout   time.Duration
	Observer    LockObserver
}

func New(conn *sqlx.DB, lockTimeout, txTimeout time.Duration) Coordinator {
	return Coordinator{DB: conn, Repo: repo.Repo{DB: conn}, LockTimeout: lockTimeout, TxTimeout: txTimeout}
}

// WithCase runs fn holding the exclusive lock on caseID. fn's error, a cancelled ctx or a
// failed commit roll everything back.
func (c Coordinator) WithCase(ctx context.Context, caseID string, fn func(context.Context, *LockedCase) error) error {
	return c.run(ctx, func(ctx context.Context, h *Handle) error {
		start := time.Now()
		cs, err := c.lockCase(ctx, h, caseID)
		c.observe(h.waited+time.Since(start), err)
		if err != nil {
			return err
		}
		return fn(ctx, &LockedCase{Handle: h, Case: cs})
	})
}

// Create inserts cs and runs fn holding its lock, all in one transaction.
func (c Coordinator) Create(ctx context.Context, cs domain.Case, fn func(context.Context, *LockedCase) error) error {
	return c.run(ctx, func(ctx context.Context, h *Handle) error {
		if err := c.Repo.InsertCase(ctx, h.tx, cs); err != nil {
			return err
		}
		locked, err := c.lockCase(ctx, h, cs.ID)
		if err != nil {
			return err
		}
		return fn(ctx, &LockedCase{Handle: h, Case: locked})
	})
}

// WithHandle runs fn in a transaction that locks no case, for allocations that belong to none.
func (c Coordinator) WithHandle(ctx context.Context, fn func(context.Context, *Handle) error) error {
	return c.run(ctx, fn)
}

func (c Coordinator) run(ctx context.Context, fn func(context.Context, *Handle) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txTimeout := c.TxTimeout
	if txTimeout <= 0 {
		txTimeout = DefaultTxTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	start := time.Now()
	tx, err := c.DB.BeginTxx(ctx, nil)
	if err != nil {
		// SQLite takes its writer lock in BEGIN IMMEDIATE.
		err = lockError(err)
		c.observe(time.Since(start), err)
		return err
	}
	defer tx.Rollback()

	h := &Handle{tx: tx, waited: time.Since(start)}
	if err := fn(ctx, h); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	for _, f := range h.onCommit {
		f()
	}
	return nil
}

func (c Coordinator) lockCase(ctx context.Context, h *Handle, caseID string) (domain.Case, error) {
	if db.IsPostgres(c.DB) {
		timeout := c.LockTimeout
		if timeout <= 0 {
			timeout = DefaultLockTimeout
		}
		if _, err := h.tx.ExecContext(ctx, `SELECT set_config('lock_timeout', $1, true)`, fmt.Sprintf("%dms", timeout.Milliseconds())); err != nil {
			return domain.Case{}, lockError(err)
		}
		cs, err := c.Repo.GetCaseForUpdate(ctx, h.tx, caseID)
		if err != nil {
			return domain.Case{}, caseLockError(caseID, err)
		}
		return cs, nil
	}
	if err := c.Repo.TouchCase(ctx, h.tx, caseID); err != nil {
		return domain.Case{}, caseLockError(caseID, err)
	}
	cs, err := c.Repo.GetCase(ctx, h.tx, caseID)
	if err != nil {
		return domain.Case{}, caseLockError(caseID, err)
	}
	return cs, nil
}

func (c Coordinator) observe(d time.Duration, err error) {
	if c.Observer != nil {
		c.Observer.ObserveLockWait(d, err)
	}
}

func caseLockError(caseID string, err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("case %s: %w", caseID, repo.ErrNotFound)
	}
	return fmt.Errorf("lock case %s: %w", caseID, lockError(err))
}

// lockError maps driver-level lock wait failures onto domain.ErrLockTimeout.
func lockError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable {
		return fmt.Errorf("%w: %s", domain.ErrLockTimeout, pgErr.Message)
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) && liteErr.Code()&0xff == sqlite3.SQLITE_BUSY {
		return fmt.Errorf("%w: %s", domain.ErrLockTimeout, liteErr.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrLockTimeout, err)
	}
	return err
}
