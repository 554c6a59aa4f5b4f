package repo

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"caseline/internal/domain"
)

const packColumns = `id,case_id,revision,kind,status,reference,case_reference,issue_date,expiry_date,data_json,
case_completion_datetime,revoke_reason,superseded_by,created_at,updated_at,document_number`

func (r Repo) InsertPack(ctx context.Context, x sqlx.ExtContext, p domain.DocumentPack) error {
	data := p.DataJSON
	if data == "" {
		data = "{}"
	}
	_, err := exec(ctx, r.ext(x), `INSERT INTO document_packs(`+packColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.CaseID, p.Revision, string(p.Kind), string(p.Status), nullableStringPtr(p.Reference),
		nullableStringPtr(p.CaseReference), nullableStringPtr(p.IssueDate), nullableStringPtr(p.ExpiryDate), data,
		nullableStringPtr(p.CaseCompletionDatetime), nullableStringPtr(p.RevokeReason), nullableStringPtr(p.SupersededBy),
		p.CreatedAt, p.UpdatedAt, p.Number)
	if err != nil {
		return fmt.Errorf("insert document pack: %w", err)
	}
	return nil
}

// UpdatePack writes every mutable pack column.
func (r Repo) UpdatePack(ctx context.Context, x sqlx.ExtContext, p domain.DocumentPack) error {
	err := execOne(ctx, r.ext(x), `UPDATE document_packs SET status=?,reference=?,case_reference=?,issue_date=?,expiry_date=?,
data_json=?,case_completion_datetime=?,revoke_reason=?,superseded_by=?,updated_at=?,document_number=? WHERE id=?`,
		string(p.Status), nullableStringPtr(p.Reference), nullableStringPtr(p.CaseReference), nullableStringPtr(p.IssueDate),
		nullableStringPtr(p.ExpiryDate), p.DataJSON, nullableStringPtr(p.CaseCompletionDatetime),
		nullableStringPtr(p.RevokeReason), nullableStringPtr(p.SupersededBy), p.UpdatedAt, p.Number, p.ID)
	if err != nil {
		return fmt.Errorf("update document pack %s: %w", p.ID, err)
	}
	return nil
}

func (r Repo) GetPack(ctx context.Context, x sqlx.ExtContext, id string) (domain.DocumentPack, error) {
	var p domain.DocumentPack
	err := get(ctx, r.ext(x), &p, `SELECT `+packColumns+` FROM document_packs WHERE id=?`, id)
	return p, err
}

// PackWithStatus returns the draft or active pack of a case. At most one of each exists.
func (r Repo) PackWithStatus(ctx context.Context, x sqlx.ExtContext, caseID string, status domain.PackStatus) (domain.DocumentPack, error) {
	var p domain.DocumentPack
	err := get(ctx, r.ext(x), &p, `SELECT `+packColumns+` FROM document_packs WHERE case_id=? AND status=? ORDER BY revision DESC LIMIT 1`, caseID, string(status))
	return p, err
}

// PackSupersededBy returns the archived pack a variation draft replaced.
func (r Repo) PackSupersededBy(ctx context.Context, x sqlx.ExtContext, caseID, draftID string) (domain.DocumentPack, error) {
	var p domain.DocumentPack
	err := get(ctx, r.ext(x), &p, `SELECT `+packColumns+` FROM document_packs WHERE case_id=? AND superseded_by=?`, caseID, draftID)
	return p, err
}

func (r Repo) MaxPackRevision(ctx context.Context, x sqlx.ExtContext, caseID string) (int, error) {
	var n int
	err := get(ctx, r.ext(x), &n, `SELECT COALESCE(MAX(revision),0) FROM document_packs WHERE case_id=?`, caseID)
	return n, err
}

// PacksForCase returns every pack of a case, oldest first.
func (r Repo) PacksForCase(ctx context.Context, x sqlx.ExtContext, caseID string) ([]domain.DocumentPack, error) {
	var res []domain.DocumentPack
	err := selectAll(ctx, r.ext(x), &res, `SELECT `+packColumns+` FROM document_packs WHERE case_id=? ORDER BY revision ASC`, caseID)
	return res, err
}

// IssuedPacksForCase returns packs that were finalized at some point, oldest first.
func (r Repo) IssuedPacksForCase(ctx context.Context, x sqlx.ExtContext, caseID string) ([]domain.DocumentPack, error) {
	var res []domain.DocumentPack
	err := selectAll(ctx, r.ext(x), &res, `SELECT `+packColumns+` FROM document_packs WHERE case_id=? AND reference IS NOT NULL ORDER BY revision ASC`, caseID)
	return res, err
}
