package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseline/internal/db"
	"caseline/internal/db/dbtest"
	"caseline/internal/domain"
	"caseline/internal/repo"
)

type recordingObserver struct {
	mu    sync.Mutex
	waits []time.Duration
	errs  []error
}

func (o *recordingObserver) ObserveLockWait(d time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.waits = append(o.waits, d)
	o.errs = append(o.errs, err)
}

func newCase(id string) domain.Case {
	now := "2026-01-02T10:00:00Z"
	return domain.Case{
		ID:             id,
		CaseType:       domain.CaseTypeImport,
		Status:         domain.StatusInProgress,
		OrganisationID: "org-1",
		CreatedBy:      "applicant",
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestCreateAndLock(t *testing.T) {
	conn := dbtest.Open(t)
	obs := &recordingObserver{}
	c := New(conn, time.Second, 5*time.Second)
	c.Observer = obs
	ctx := context.Background()

	require.NoError(t, c.Create(ctx, newCase("case-1"), func(ctx context.Context, lc *LockedCase) error {
		assert.Equal(t, "case-1", lc.Case.ID)
		assert.EqualValues(t, 1, lc.Case.LockVersion)
		return nil
	}))
	require.NoError(t, c.WithCase(ctx, "case-1", func(ctx context.Context, lc *LockedCase) error {
		assert.EqualValues(t, 2, lc.Case.LockVersion)
		assert.NotNil(t, lc.Tx())
		return nil
	}))
	require.Len(t, obs.waits, 1)
	assert.NoError(t, obs.errs[0])
}

func TestWithCaseUnknown(t *testing.T) {
	conn := dbtest.Open(t)
	c := New(conn, time.Second, time.Second)
	err := c.WithCase(context.Background(), "missing", func(context.Context, *LockedCase) error {
		t.Fatal("fn must not run")
		return nil
	})
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestWithCaseRollsBack(t *testing.T) {
	conn := dbtest.Open(t)
	c := New(conn, time.Second, 5*time.Second)
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	require.NoError(t, c.Create(ctx, newCase("case-1"), func(context.Context, *LockedCase) error { return nil }))

	boom := errors.New("boom")
	err := c.WithCase(ctx, "case-1", func(ctx context.Context, lc *LockedCase) error {
		lc.Case.Status = domain.StatusSubmitted
		require.NoError(t, r.UpdateCase(ctx, lc.Tx(), lc.Case))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	cctx, cancel := context.WithCancel(ctx)
	err = c.WithCase(cctx, "case-1", func(ctx context.Context, lc *LockedCase) error {
		lc.Case.Status = domain.StatusSubmitted
		require.NoError(t, r.UpdateCase(ctx, lc.Tx(), lc.Case))
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	got, err := r.GetCase(ctx, nil, "case-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, got.Status)
	assert.EqualValues(t, 1, got.LockVersion)
}

func TestAfterCommitRunsOnlyOnCommit(t *testing.T) {
	conn := dbtest.Open(t)
	c := New(conn, time.Second, 5*time.Second)
	ctx := context.Background()

	var ran []string
	require.NoError(t, c.WithHandle(ctx, func(ctx context.Context, h *Handle) error {
		h.AfterCommit(func() { ran = append(ran, "first") })
		h.AfterCommit(func() { ran = append(ran, "second") })
		assert.Empty(t, ran)
		return nil
	}))
	assert.Equal(t, []string{"first", "second"}, ran)

	ran = nil
	err := c.WithHandle(ctx, func(ctx context.Context, h *Handle) error {
		h.AfterCommit(func() { ran = append(ran, "dropped") })
		return errors.New("nope")
	})
	require.Error(t, err)
	assert.Empty(t, ran)
}

func TestCreateRollsBackInsert(t *testing.T) {
	conn := dbtest.Open(t)
	c := New(conn, time.Second, 5*time.Second)
	ctx := context.Background()
	err := c.Create(ctx, newCase("case-1"), func(context.Context, *LockedCase) error { return errors.New("nope") })
	require.Error(t, err)
	_, err = repo.Repo{DB: conn}.GetCase(ctx, nil, "case-1")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestBusyCaseTimesOut(t *testing.T) {
	conn := dbtest.OpenWith(t, db.Config{BusyTimeout: 50 * time.Millisecond})
	obs := &recordingObserver{}
	c := New(conn, 50*time.Millisecond, 5*time.Second)
	c.Observer = obs
	ctx := context.Background()
	require.NoError(t, c.Create(ctx, newCase("case-1"), func(context.Context, *LockedCase) error { return nil }))

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- c.WithCase(ctx, "case-1", func(context.Context, *LockedCase) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err := c.WithCase(ctx, "case-1", func(context.Context, *LockedCase) error {
		t.Fatal("second writer must not get the lock")
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrLockTimeout)
	assert.Equal(t, "This case is being updated by someone else. Please try again.", domain.UserMessage(err))

	close(release)
	require.NoError(t, <-done)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	found := false
	for _, e := range obs.errs {
		if errors.Is(e, domain.ErrLockTimeout) {
			found = true
		}
	}
	assert.True(t, found, "observer should see the timeout")
}

func TestLockErrorMapping(t *testing.T) {
	assert.ErrorIs(t, lockError(context.DeadlineExceeded), domain.ErrLockTimeout)
	plain := errors.New("disk full")
	assert.Equal(t, plain, lockError(plain))
	assert.NoError(t, lockError(nil))
}
