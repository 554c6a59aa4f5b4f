package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseline/internal/db/dbtest"
	"caseline/internal/domain"
	"caseline/internal/lock"
	"caseline/internal/repo"
)

type testEnv struct {
	locks  lock.Coordinator
	ledger Ledger
	clock  time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn := dbtest.Open(t)
	env := &testEnv{
		locks: lock.New(conn, time.Second, 10*time.Second),
		clock: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	env.ledger = Ledger{Repo: repo.Repo{DB: conn}, Now: func() time.Time { return env.clock }}
	return env
}

func (e *testEnv) createCase(t *testing.T, id string) {
	t.Helper()
	ts := e.clock.Format(time.RFC3339)
	c := domain.Case{ID: id, CaseType: domain.CaseTypeImport, Status: domain.StatusInProgress, OrganisationID: "org",
		CreatedBy: "applicant", IsActive: true, CreatedAt: ts, UpdatedAt: ts}
	require.NoError(t, e.locks.Create(context.Background(), c, func(context.Context, *lock.LockedCase) error { return nil }))
}

func (e *testEnv) locked(t *testing.T, id string, fn func(ctx context.Context, lc *lock.LockedCase) error) error {
	t.Helper()
	return e.locks.WithCase(context.Background(), id, fn)
}

func TestOpenRejectsDuplicateActive(t *testing.T) {
	env := newTestEnv(t)
	env.createCase(t, "case-1")
	err := env.locked(t, "case-1", func(ctx context.Context, lc *lock.LockedCase) error {
		if _, err := env.ledger.Open(ctx, lc, domain.TaskPrepare, nil); err != nil {
			return err
		}
		_, err := env.ledger.Open(ctx, lc, domain.TaskPrepare, nil)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrDuplicateActiveTask)
	assert.True(t, domain.IsInvariantBreach(err))

	// the failed transaction left nothing behind
	history, err := env.ledger.History(context.Background(), "case-1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestChainAndIdempotentClose(t *testing.T) {
	env := newTestEnv(t)
	env.createCase(t, "case-1")
	ctx := context.Background()

	var prepare, process domain.Task
	require.NoError(t, env.locked(t, "case-1", func(ctx context.Context, lc *lock.LockedCase) error {
		var err error
		prepare, err = env.ledger.Open(ctx, lc, domain.TaskPrepare, nil)
		return err
	}))
	env.clock = env.clock.Add(time.Hour)
	require.NoError(t, env.locked(t, "case-1", func(ctx context.Context, lc *lock.LockedCase) error {
		closed, err := env.ledger.Close(ctx, lc, prepare)
		if err != nil {
			return err
		}
		assert.False(t, closed.IsActive)
		require.NotNil(t, closed.FinishedAt)
		assert.Equal(t, "2026-03-01T10:00:00Z", *closed.FinishedAt)

		env.clock = env.clock.Add(time.Hour)
		again, err := env.ledger.Close(ctx, lc, prepare)
		if err != nil {
			return err
		}
		assert.Equal(t, closed.FinishedAt, again.FinishedAt, "second close is a no-op")

		owner := "officer-1"
		process, err = env.ledger.Open(ctx, lc, domain.TaskProcess, &owner)
		return err
	}))

	assert.Equal(t, 2, process.Ordinal)
	require.NotNil(t, process.PreviousID)
	assert.Equal(t, prepare.ID, *process.PreviousID)
	assert.Nil(t, prepare.PreviousID)

	cur, ok, err := env.ledger.Current(ctx, "case-1", domain.TaskProcess)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, process.ID, cur.ID)
	assert.Equal(t, "officer-1", domain.Deref(cur.OwnerID))

	_, ok, err = env.ledger.Current(ctx, "case-1", domain.TaskPrepare)
	require.NoError(t, err)
	assert.False(t, ok)

	history, err := env.ledger.History(ctx, "case-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, []domain.TaskType{domain.TaskPrepare, domain.TaskProcess}, []domain.TaskType{history[0].TaskType, history[1].TaskType})
}

func TestCloseTypeAndAssign(t *testing.T) {
	env := newTestEnv(t)
	env.createCase(t, "case-1")
	err := env.locked(t, "case-1", func(ctx context.Context, lc *lock.LockedCase) error {
		_, err := env.ledger.CloseType(ctx, lc, domain.TaskProcess)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrNoActiveTask)

	require.NoError(t, env.locked(t, "case-1", func(ctx context.Context, lc *lock.LockedCase) error {
		task, err := env.ledger.Open(ctx, lc, domain.TaskProcess, nil)
		require.NoError(t, err)
		owner := "officer-2"
		task, err = env.ledger.Assign(ctx, lc, task, &owner)
		require.NoError(t, err)
		assert.Equal(t, "officer-2", domain.Deref(task.OwnerID))

		closed, err := env.ledger.CloseType(ctx, lc, domain.TaskProcess)
		require.NoError(t, err)
		_, err = env.ledger.Assign(ctx, lc, closed, nil)
		assert.ErrorIs(t, err, domain.ErrNoActiveTask)

		active, err := env.ledger.ActiveTasks(ctx, lc)
		require.NoError(t, err)
		assert.Empty(t, active)
		return nil
	}))
}

func TestCloseRejectsForeignTask(t *testing.T) {
	env := newTestEnv(t)
	env.createCase(t, "case-1")
	env.createCase(t, "case-2")
	var foreign domain.Task
	require.NoError(t, env.locked(t, "case-2", func(ctx context.Context, lc *lock.LockedCase) error {
		var err error
		foreign, err = env.ledger.Open(ctx, lc, domain.TaskPrepare, nil)
		return err
	}))
	err := env.locked(t, "case-1", func(ctx context.Context, lc *lock.LockedCase) error {
		_, err := env.ledger.Close(ctx, lc, foreign)
		return err
	})
	assert.Error(t, err)
	cur, ok, err := env.ledger.Current(context.Background(), "case-2", domain.TaskPrepare)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, cur.IsActive)
}
