package repo

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"caseline/internal/domain"
)

const taskColumns = `id,case_id,ordinal,task_type,is_active,owner_id,previous_id,created_at,finished_at`

func (r Repo) InsertTask(ctx context.Context, x sqlx.ExtContext, t domain.Task) error {
	_, err := exec(ctx, r.ext(x), `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		t.ID, t.CaseID, t.Ordinal, string(t.TaskType), t.IsActive, nullableStringPtr(t.OwnerID),
		nullableStringPtr(t.PreviousID), t.CreatedAt, nullableStringPtr(t.FinishedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, x sqlx.ExtContext, id string) (domain.Task, error) {
	var t domain.Task
	err := get(ctx, r.ext(x), &t, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return t, err
}

// CloseTask retires an active task. It reports false when the task was already closed.
func (r Repo) CloseTask(ctx context.Context, x sqlx.ExtContext, id, finishedAt string) (bool, error) {
	res, err := exec(ctx, r.ext(x), `UPDATE tasks SET is_active=?, finished_at=? WHERE id=? AND is_active`, false, finishedAt, id)
	if err != nil {
		return false, fmt.Errorf("close task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) SetTaskOwner(ctx context.Context, x sqlx.ExtContext, id string, owner *string) error {
	return execOne(ctx, r.ext(x), `UPDATE tasks SET owner_id=? WHERE id=? AND is_active`, nullableStringPtr(owner), id)
}

func (r Repo) ActiveTask(ctx context.Context, x sqlx.ExtContext, caseID string, taskType domain.TaskType) (domain.Task, error) {
	var t domain.Task
	err := get(ctx, r.ext(x), &t, `SELECT `+taskColumns+` FROM tasks WHERE case_id=? AND task_type=? AND is_active`, caseID, string(taskType))
	return t, err
}

func (r Repo) ActiveTasks(ctx context.Context, x sqlx.ExtContext, caseID string) ([]domain.Task, error) {
	var res []domain.Task
	err := selectAll(ctx, r.ext(x), &res, `SELECT `+taskColumns+` FROM tasks WHERE case_id=? AND is_active ORDER BY ordinal ASC`, caseID)
	return res, err
}

// LatestTask returns the most recently opened task of a case.
func (r Repo) LatestTask(ctx context.Context, x sqlx.ExtContext, caseID string) (domain.Task, error) {
	var t domain.Task
	err := get(ctx, r.ext(x), &t, `SELECT `+taskColumns+` FROM tasks WHERE case_id=? ORDER BY ordinal DESC LIMIT 1`, caseID)
	return t, err
}

// TasksForCase returns the full ledger of a case in the order tasks were opened.
func (r Repo) TasksForCase(ctx context.Context, x sqlx.ExtContext, caseID string) ([]domain.Task, error) {
	var res []domain.Task
	err := selectAll(ctx, r.ext(x), &res, `SELECT `+taskColumns+` FROM tasks WHERE case_id=? ORDER BY ordinal ASC`, caseID)
	return res, err
}
