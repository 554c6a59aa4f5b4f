// Package pack manages the licence or certificate revisions issued for a case. A case has
// at most one draft and at most one active pack; superseded and revoked packs stay as history.
package pack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"caseline/internal/casetype"
	"caseline/internal/domain"
	"caseline/internal/lock"
	"caseline/internal/reference"
	"caseline/internal/repo"
)

type Manager struct {
	Repo      repo.Repo
	Allocator reference.Allocator
	Types     casetype.Table
	Now       func() time.Time
}

func (m Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m Manager) behavior(c domain.Case) (casetype.Behavior, error) {
	b, err := m.Types.Resolve(c.CaseType)
	if err != nil {
		return casetype.Behavior{}, err
	}
	if !b.IssuesDocuments() {
		return casetype.Behavior{}, fmt.Errorf("case type %s issues no documents", c.CaseType)
	}
	return b, nil
}

// CreateDraft opens the pending pack of a case. Only one draft may exist at a time.
func (m Manager) CreateDraft(ctx context.Context, lc *lock.LockedCase) (domain.DocumentPack, error) {
	return m.createDraft(ctx, lc, nil)
}

func (m Manager) createDraft(ctx context.Context, lc *lock.LockedCase, seed *domain.DocumentPack) (domain.DocumentPack, error) {
	b, err := m.behavior(lc.Case)
	if err != nil {
		return domain.DocumentPack{}, err
	}
	if existing, ok, err := m.find(ctx, lc, domain.PackDraft); err != nil {
		return domain.DocumentPack{}, err
	} else if ok {
		return domain.DocumentPack{}, fmt.Errorf("%w: case %s has draft %s", domain.ErrDraftAlreadyExists, lc.Case.ID, existing.ID)
	}
	rev, err := m.Repo.MaxPackRevision(ctx, lc.Tx(), lc.Case.ID)
	if err != nil {
		return domain.DocumentPack{}, err
	}
	ts := m.now().UTC().Format(time.RFC3339)
	p := domain.DocumentPack{
		ID:        uuid.NewString(),
		CaseID:    lc.Case.ID,
		Revision:  rev + 1,
		Kind:      b.DocumentKind,
		Status:    domain.PackDraft,
		DataJSON:  "{}",
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	if seed != nil {
		p.IssueDate = seed.IssueDate
		p.ExpiryDate = seed.ExpiryDate
		p.DataJSON = seed.DataJSON
		p.Number = seed.Number
	}
	if err := m.Repo.InsertPack(ctx, lc.Tx(), p); err != nil {
		return domain.DocumentPack{}, err
	}
	return p, nil
}

// Finalize turns the draft into the active pack and gives it its reference. This is the
// only place a document number is taken from the sequence.
func (m Manager) Finalize(ctx context.Context, lc *lock.LockedCase, p domain.DocumentPack, d domain.DecisionData) (domain.DocumentPack, error) {
	b, err := m.behavior(lc.Case)
	if err != nil {
		return domain.DocumentPack{}, err
	}
	cur, err := m.reload(ctx, lc, p)
	if err != nil {
		return domain.DocumentPack{}, err
	}
	if cur.Status != domain.PackDraft {
		return domain.DocumentPack{}, fmt.Errorf("%w: pack %s is %s", domain.ErrNotADraft, cur.ID, cur.Status)
	}
	data, err := mergeData(cur.DataJSON, d.Data)
	if err != nil {
		return domain.DocumentPack{}, err
	}
	now := m.now().UTC()
	n, err := m.documentNumber(ctx, lc, b, cur)
	if err != nil {
		return domain.DocumentPack{}, err
	}
	ref := b.DocumentReference(lc.Case.ProcessType, n, now.Year(), d.PaperOnly)
	completed := now.Format(time.RFC3339)
	num := int64(n)

	cur.Status = domain.PackActive
	cur.Reference = &ref
	cur.Number = &num
	cur.CaseCompletionDatetime = &completed
	cur.DataJSON = data
	if lc.Case.Reference != nil {
		caseRef := reference.VariationReference(*lc.Case.Reference, lc.Case.VariationCount)
		cur.CaseReference = &caseRef
	}
	if d.IssueDate != "" {
		cur.IssueDate = &d.IssueDate
	} else if cur.IssueDate == nil {
		today := now.Format(time.DateOnly)
		cur.IssueDate = &today
	}
	if d.ExpiryDate != "" {
		cur.ExpiryDate = &d.ExpiryDate
	}
	cur.UpdatedAt = completed
	if err := m.Repo.UpdatePack(ctx, lc.Tx(), cur); err != nil {
		return domain.DocumentPack{}, err
	}
	return cur, nil
}

// documentNumber reuses the number a licence draft inherited from the pack it varies.
// Certificates, and a case's first licence, take the next value of their sequence.
func (m Manager) documentNumber(ctx context.Context, lc *lock.LockedCase, b casetype.Behavior, p domain.DocumentPack) (reference.Number, error) {
	if b.DocumentKind == domain.DocumentLicence && p.Number != nil {
		return reference.Number(*p.Number), nil
	}
	return m.Allocator.Allocate(ctx, lc.Handle, b.DocumentCategory)
}

// Supersede archives the active pack and opens a draft seeded with its dates and data.
func (m Manager) Supersede(ctx context.Context, lc *lock.LockedCase) (archived, draft domain.DocumentPack, err error) {
	active, ok, err := m.find(ctx, lc, domain.PackActive)
	if err != nil {
		return archived, draft, err
	}
	if !ok {
		return archived, draft, fmt.Errorf("%w: case %s", domain.ErrNoActivePack, lc.Case.ID)
	}
	if pending, ok, err := m.find(ctx, lc, domain.PackDraft); err != nil {
		return archived, draft, err
	} else if ok {
		return archived, draft, fmt.Errorf("%w: case %s has draft %s", domain.ErrDraftAlreadyExists, lc.Case.ID, pending.ID)
	}
	ts := m.now().UTC().Format(time.RFC3339)
	active.Status = domain.PackArchived
	active.UpdatedAt = ts
	if err := m.Repo.UpdatePack(ctx, lc.Tx(), active); err != nil {
		return archived, draft, err
	}
	draft, err = m.createDraft(ctx, lc, &active)
	if err != nil {
		return archived, draft, err
	}
	active.SupersededBy = &draft.ID
	if err := m.Repo.UpdatePack(ctx, lc.Tx(), active); err != nil {
		return archived, draft, err
	}
	return active, draft, nil
}

// Revoke withdraws the legal force of an active pack. It is terminal.
func (m Manager) Revoke(ctx context.Context, lc *lock.LockedCase, p domain.DocumentPack, reason string) (domain.DocumentPack, error) {
	cur, err := m.reload(ctx, lc, p)
	if err != nil {
		return domain.DocumentPack{}, err
	}
	if cur.Status != domain.PackActive {
		return domain.DocumentPack{}, fmt.Errorf("%w: pack %s is %s", domain.ErrNotActive, cur.ID, cur.Status)
	}
	cur.Status = domain.PackRevoked
	cur.RevokeReason = domain.StrPtr(reason)
	cur.UpdatedAt = m.now().UTC().Format(time.RFC3339)
	if err := m.Repo.UpdatePack(ctx, lc.Tx(), cur); err != nil {
		return domain.DocumentPack{}, err
	}
	return cur, nil
}

// ArchiveDraft retires the pending draft, if any, when a case ends without issuing it.
func (m Manager) ArchiveDraft(ctx context.Context, lc *lock.LockedCase) (domain.DocumentPack, bool, error) {
	draft, ok, err := m.find(ctx, lc, domain.PackDraft)
	if err != nil || !ok {
		return domain.DocumentPack{}, false, err
	}
	draft.Status = domain.PackArchived
	draft.UpdatedAt = m.now().UTC().Format(time.RFC3339)
	if err := m.Repo.UpdatePack(ctx, lc.Tx(), draft); err != nil {
		return domain.DocumentPack{}, false, err
	}
	return draft, true, nil
}

// Reinstate undoes a variation: the pending draft is archived and the pack it superseded
// becomes active again.
func (m Manager) Reinstate(ctx context.Context, lc *lock.LockedCase) (domain.DocumentPack, error) {
	draft, ok, err := m.find(ctx, lc, domain.PackDraft)
	if err != nil {
		return domain.DocumentPack{}, err
	}
	if !ok {
		return domain.DocumentPack{}, fmt.Errorf("%w: case %s has no variation draft", domain.ErrNotADraft, lc.Case.ID)
	}
	prev, err := m.Repo.PackSupersededBy(ctx, lc.Tx(), lc.Case.ID, draft.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.DocumentPack{}, fmt.Errorf("%w: draft %s superseded nothing", domain.ErrNoActivePack, draft.ID)
	}
	if err != nil {
		return domain.DocumentPack{}, err
	}
	if prev.Status != domain.PackArchived {
		return domain.DocumentPack{}, fmt.Errorf("%w: superseded pack %s is %s", domain.ErrNotActive, prev.ID, prev.Status)
	}
	ts := m.now().UTC().Format(time.RFC3339)
	draft.Status = domain.PackArchived
	draft.UpdatedAt = ts
	if err := m.Repo.UpdatePack(ctx, lc.Tx(), draft); err != nil {
		return domain.DocumentPack{}, err
	}
	prev.Status = domain.PackActive
	prev.SupersededBy = nil
	prev.UpdatedAt = ts
	if err := m.Repo.UpdatePack(ctx, lc.Tx(), prev); err != nil {
		return domain.DocumentPack{}, err
	}
	return prev, nil
}

// Draft returns the pending draft under the lock.
func (m Manager) Draft(ctx context.Context, lc *lock.LockedCase) (domain.DocumentPack, bool, error) {
	return m.find(ctx, lc, domain.PackDraft)
}

// ActiveLocked returns the active pack under the lock.
func (m Manager) ActiveLocked(ctx context.Context, lc *lock.LockedCase) (domain.DocumentPack, bool, error) {
	return m.find(ctx, lc, domain.PackActive)
}

// Active returns the one pack eligible for download, without locking.
func (m Manager) Active(ctx context.Context, caseID string) (domain.DocumentPack, bool, error) {
	p, err := m.Repo.PackWithStatus(ctx, nil, caseID, domain.PackActive)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.DocumentPack{}, false, nil
	}
	return p, err == nil, err
}

// History returns every pack of a case, oldest first.
func (m Manager) History(ctx context.Context, caseID string) ([]domain.DocumentPack, error) {
	return m.Repo.PacksForCase(ctx, nil, caseID)
}

// Issued returns the packs that received a reference, oldest first.
func (m Manager) Issued(ctx context.Context, caseID string) ([]domain.DocumentPack, error) {
	return m.Repo.IssuedPacksForCase(ctx, nil, caseID)
}

func (m Manager) find(ctx context.Context, lc *lock.LockedCase, status domain.PackStatus) (domain.DocumentPack, bool, error) {
	p, err := m.Repo.PackWithStatus(ctx, lc.Tx(), lc.Case.ID, status)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.DocumentPack{}, false, nil
	}
	if err != nil {
		return domain.DocumentPack{}, false, err
	}
	return p, true, nil
}

func (m Manager) reload(ctx context.Context, lc *lock.LockedCase, p domain.DocumentPack) (domain.DocumentPack, error) {
	cur, err := m.Repo.GetPack(ctx, lc.Tx(), p.ID)
	if err != nil {
		return domain.DocumentPack{}, fmt.Errorf("pack %s: %w", p.ID, err)
	}
	if cur.CaseID != lc.Case.ID {
		return domain.DocumentPack{}, fmt.Errorf("pack %s belongs to case %s, not %s", p.ID, cur.CaseID, lc.Case.ID)
	}
	return cur, nil
}

func mergeData(existing string, extra map[string]any) (string, error) {
	merged := map[string]any{}
	if existing != "" {
		if err := json.Unmarshal([]byte(existing), &merged); err != nil {
			return "", fmt.Errorf("decode pack data: %w", err)
		}
	}
	for k, v := range extra {
		merged[k] = v
	}
	b, err := json.Marshal(merged)
	if err != nil {
		return "", fmt.Errorf("encode pack data: %w", err)
	}
	return string(b), nil
}
