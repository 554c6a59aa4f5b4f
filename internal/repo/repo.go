package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"caseline/internal/domain"
)

// Repo holds the hand-written queries. Methods taking an sqlx.ExtContext run on that
// transaction; a nil ext falls back to the pool.
type Repo struct {
	DB *sqlx.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) ext(x sqlx.ExtContext) sqlx.ExtContext {
	if x != nil {
		return x
	}
	return r.DB
}

func get(ctx context.Context, x sqlx.ExtContext, dest any, query string, args ...any) error {
	err := sqlx.GetContext(ctx, x, dest, x.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func selectAll(ctx context.Context, x sqlx.ExtContext, dest any, query string, args ...any) error {
	return sqlx.SelectContext(ctx, x, dest, x.Rebind(query), args...)
}

func exec(ctx context.Context, x sqlx.ExtContext, query string, args ...any) (sql.Result, error) {
	return x.ExecContext(ctx, x.Rebind(query), args...)
}

func execOne(ctx context.Context, x sqlx.ExtContext, query string, args ...any) error {
	res, err := exec(ctx, x, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

const caseColumns = `id,case_type,process_type,status,organisation_id,case_officer_id,created_by,reference,
variation_count,decision,withdrawn_from,is_active,lock_version,created_at,submitted_at,last_submitted_at,updated_at`

func (r Repo) InsertCase(ctx context.Context, x sqlx.ExtContext, c domain.Case) error {
	var decision, withdrawnFrom any
	if c.Decision != nil {
		decision = string(*c.Decision)
	}
	if c.WithdrawnFrom != nil {
		withdrawnFrom = string(*c.WithdrawnFrom)
	}
	_, err := exec(ctx, r.ext(x), `INSERT INTO cases(`+caseColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, string(c.CaseType), c.ProcessType, string(c.Status), c.OrganisationID, nullableStringPtr(c.CaseOfficerID),
		c.CreatedBy, nullableStringPtr(c.Reference), c.VariationCount, decision, withdrawnFrom, c.IsActive,
		c.LockVersion, c.CreatedAt, nullableStringPtr(c.SubmittedAt), nullableStringPtr(c.LastSubmittedAt), c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert case: %w", err)
	}
	return nil
}

func (r Repo) GetCase(ctx context.Context, x sqlx.ExtContext, id string) (domain.Case, error) {
	var c domain.Case
	err := get(ctx, r.ext(x), &c, `SELECT `+caseColumns+` FROM cases WHERE id=?`, id)
	return c, err
}

// GetCaseForUpdate reads a case and holds its row lock until the transaction ends.
func (r Repo) GetCaseForUpdate(ctx context.Context, x sqlx.ExtContext, id string) (domain.Case, error) {
	var c domain.Case
	err := get(ctx, x, &c, `SELECT `+caseColumns+` FROM cases WHERE id=? FOR UPDATE`, id)
	return c, err
}

// TouchCase bumps lock_version. On SQLite this is the statement that claims the case.
func (r Repo) TouchCase(ctx context.Context, x sqlx.ExtContext, id string) error {
	return execOne(ctx, x, `UPDATE cases SET lock_version=lock_version+1 WHERE id=?`, id)
}

// UpdateCase writes every mutable case column.
func (r Repo) UpdateCase(ctx context.Context, x sqlx.ExtContext, c domain.Case) error {
	var decision, withdrawnFrom any
	if c.Decision != nil {
		decision = string(*c.Decision)
	}
	if c.WithdrawnFrom != nil {
		withdrawnFrom = string(*c.WithdrawnFrom)
	}
	err := execOne(ctx, r.ext(x), `UPDATE cases SET status=?,case_officer_id=?,reference=?,variation_count=?,decision=?,
withdrawn_from=?,is_active=?,submitted_at=?,last_submitted_at=?,updated_at=? WHERE id=?`,
		string(c.Status), nullableStringPtr(c.CaseOfficerID), nullableStringPtr(c.Reference), c.VariationCount,
		decision, withdrawnFrom, c.IsActive, nullableStringPtr(c.SubmittedAt), nullableStringPtr(c.LastSubmittedAt),
		c.UpdatedAt, c.ID)
	if err != nil {
		return fmt.Errorf("update case %s: %w", c.ID, err)
	}
	return nil
}

type CaseFilters struct {
	Status         string
	CaseType       string
	OrganisationID string
	OfficerID      string
	IncludeRetired bool
	Limit          int
	// Cursor is the last created_at|id pair already returned.
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListCases(ctx context.Context, f CaseFilters) ([]domain.Case, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CaseType != "" {
		clauses = append(clauses, "case_type=?")
		args = append(args, f.CaseType)
	}
	if f.OrganisationID != "" {
		clauses = append(clauses, "organisation_id=?")
		args = append(args, f.OrganisationID)
	}
	if f.OfficerID != "" {
		clauses = append(clauses, "case_officer_id=?")
		args = append(args, f.OfficerID)
	}
	if !f.IncludeRetired {
		clauses = append(clauses, "is_active")
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at>? OR (created_at=? AND id>?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM cases WHERE %s ORDER BY created_at ASC, id ASC LIMIT ?`, caseColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	var res []domain.Case
	if err := selectAll(ctx, r.DB, &res, query, args...); err != nil {
		return nil, err
	}
	return res, nil
}

// CountCasesByStatus summarises active cases.
func (r Repo) CountCasesByStatus(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := selectAll(ctx, r.DB, &rows, `SELECT status, COUNT(*) AS n FROM cases WHERE is_active GROUP BY status`); err != nil {
		return nil, err
	}
	res := make(map[string]int, len(rows))
	for _, row := range rows {
		res[row.Status] = row.N
	}
	return res, nil
}
