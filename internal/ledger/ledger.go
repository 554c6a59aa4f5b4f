// Package ledger is the append-only task log of a case. Tasks are opened and closed, never
// deleted, and each one points at the task opened before it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"caseline/internal/domain"
	"caseline/internal/lock"
	"caseline/internal/repo"
)

type Ledger struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Open appends a new active task. A second active task of the same type is refused.
func (l Ledger) Open(ctx context.Context, lc *lock.LockedCase, taskType domain.TaskType, owner *string) (domain.Task, error) {
	caseID := lc.Case.ID
	if _, err := l.Repo.ActiveTask(ctx, lc.Tx(), caseID, taskType); err == nil {
		return domain.Task{}, fmt.Errorf("%w: case %s already has an active %s task", domain.ErrDuplicateActiveTask, caseID, taskType)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Task{}, err
	}
	t := domain.Task{
		ID:        uuid.NewString(),
		CaseID:    caseID,
		Ordinal:   1,
		TaskType:  taskType,
		IsActive:  true,
		OwnerID:   owner,
		CreatedAt: l.now().UTC().Format(time.RFC3339),
	}
	prev, err := l.Repo.LatestTask(ctx, lc.Tx(), caseID)
	switch {
	case err == nil:
		t.Ordinal = prev.Ordinal + 1
		t.PreviousID = &prev.ID
	case !errors.Is(err, repo.ErrNotFound):
		return domain.Task{}, err
	}
	if err := l.Repo.InsertTask(ctx, lc.Tx(), t); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// Close retires t now. Closing an already-closed task returns it unchanged.
func (l Ledger) Close(ctx context.Context, lc *lock.LockedCase, t domain.Task) (domain.Task, error) {
	return l.CloseAt(ctx, lc, t, l.now())
}

func (l Ledger) CloseAt(ctx context.Context, lc *lock.LockedCase, t domain.Task, at time.Time) (domain.Task, error) {
	if t.CaseID != lc.Case.ID {
		return domain.Task{}, fmt.Errorf("task %s belongs to case %s, not %s", t.ID, t.CaseID, lc.Case.ID)
	}
	if _, err := l.Repo.CloseTask(ctx, lc.Tx(), t.ID, at.UTC().Format(time.RFC3339)); err != nil {
		return domain.Task{}, err
	}
	return l.Repo.GetTask(ctx, lc.Tx(), t.ID)
}

// CloseType closes the active task of taskType. It fails with ErrNoActiveTask when there is none.
func (l Ledger) CloseType(ctx context.Context, lc *lock.LockedCase, taskType domain.TaskType) (domain.Task, error) {
	t, ok, err := l.ActiveTask(ctx, lc, taskType)
	if err != nil {
		return domain.Task{}, err
	}
	if !ok {
		return domain.Task{}, fmt.Errorf("%w: case %s has no active %s task", domain.ErrNoActiveTask, lc.Case.ID, taskType)
	}
	return l.Close(ctx, lc, t)
}

// Assign changes the owner of an active task.
func (l Ledger) Assign(ctx context.Context, lc *lock.LockedCase, t domain.Task, owner *string) (domain.Task, error) {
	if t.CaseID != lc.Case.ID {
		return domain.Task{}, fmt.Errorf("task %s belongs to case %s, not %s", t.ID, t.CaseID, lc.Case.ID)
	}
	if err := l.Repo.SetTaskOwner(ctx, lc.Tx(), t.ID, owner); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, fmt.Errorf("%w: task %s is closed", domain.ErrNoActiveTask, t.ID)
		}
		return domain.Task{}, err
	}
	return l.Repo.GetTask(ctx, lc.Tx(), t.ID)
}

// ActiveTask is the locked counterpart of Current.
func (l Ledger) ActiveTask(ctx context.Context, lc *lock.LockedCase, taskType domain.TaskType) (domain.Task, bool, error) {
	t, err := l.Repo.ActiveTask(ctx, lc.Tx(), lc.Case.ID, taskType)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Task{}, false, nil
	}
	if err != nil {
		return domain.Task{}, false, err
	}
	return t, true, nil
}

func (l Ledger) ActiveTasks(ctx context.Context, lc *lock.LockedCase) ([]domain.Task, error) {
	return l.Repo.ActiveTasks(ctx, lc.Tx(), lc.Case.ID)
}

// Current returns the active task of taskType without locking. The answer may be stale by
// the time the caller acts on it.
func (l Ledger) Current(ctx context.Context, caseID string, taskType domain.TaskType) (domain.Task, bool, error) {
	t, err := l.Repo.ActiveTask(ctx, nil, caseID, taskType)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Task{}, false, nil
	}
	if err != nil {
		return domain.Task{}, false, err
	}
	return t, true, nil
}

// History returns every task of a case in the order they were opened.
func (l Ledger) History(ctx context.Context, caseID string) ([]domain.Task, error) {
	return l.Repo.TasksForCase(ctx, nil, caseID)
}
