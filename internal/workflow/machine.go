// Package workflow is the case state machine. Every legal move is a Rule in a Table; the
// Machine validates an event against the table before touching anything, then applies the
// rule's task, owner and document pack effects under the caller's case lock.
package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"caseline/internal/casetype"
	"caseline/internal/domain"
	"caseline/internal/events"
	"caseline/internal/ledger"
	"caseline/internal/lock"
	"caseline/internal/pack"
	"caseline/internal/reference"
	"caseline/internal/repo"
)

// Event is a request to move a case.
type Event struct {
	Name     domain.EventName
	Decision domain.Decision
	ActorID  string
	Pack     domain.DecisionData
	Reason   string
}

// Result describes an applied transition.
type Result struct {
	From  domain.Status
	To    domain.Status
	Case  domain.Case
	Pack  *domain.DocumentPack
	Event domain.Event
}

type Machine struct {
	Repo      repo.Repo
	Table     Table
	Types     casetype.Table
	Ledger    ledger.Ledger
	Packs     pack.Manager
	Allocator reference.Allocator
	Events    events.Writer
	Now       func() time.Time
}

func (m Machine) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Transition applies ev to the locked case. An illegal event returns a *domain.TransitionError
// before any write; any later failure leaves partial writes for the caller's rollback.
func (m Machine) Transition(ctx context.Context, lc *lock.LockedCase, ev Event) (Result, error) {
	b, err := m.Types.Resolve(lc.Case.CaseType)
	if err != nil {
		return Result{}, err
	}
	open, err := m.Ledger.ActiveTasks(ctx, lc)
	if err != nil {
		return Result{}, err
	}
	rule, err := m.Validate(lc.Case, b, activeSet(open), ev)
	if err != nil {
		return Result{}, err
	}
	return m.apply(ctx, lc, b, rule, ev)
}

// Validate returns the rule ev would apply to a case with the given open tasks, or why it may not.
func (m Machine) Validate(c domain.Case, b casetype.Behavior, active ActiveTasks, ev Event) (Rule, error) {
	reject := func(format string, args ...any) (Rule, error) {
		reason := ""
		if format != "" {
			reason = fmt.Sprintf(format, args...)
		}
		return Rule{}, &domain.TransitionError{From: c.Status, Event: ev.Name, Reason: reason}
	}
	if !c.IsActive {
		return reject("case is deactivated")
	}
	if ev.Name == domain.EventComplete {
		switch ev.Decision {
		case domain.DecisionApprove, domain.DecisionRefuse:
		case "":
			return reject("a decision is required")
		default:
			return reject("unknown decision %q", ev.Decision)
		}
	}
	rule, ok := m.Table.Lookup(c.Status, ev.Name, ev.Decision)
	if !ok {
		return reject("")
	}
	if rule.DocumentsOnly && !b.IssuesDocuments() {
		return reject("%s cases issue no documents", c.CaseType)
	}
	if !rule.satisfied(active) {
		names := make([]string, len(rule.Requires))
		for i, tt := range rule.Requires {
			names[i] = string(tt)
		}
		return reject("no active %s task", strings.Join(names, " or "))
	}
	if rule.Owner == ownerTake {
		if ev.ActorID == "" {
			return reject("an officer is required")
		}
		if c.CaseOfficerID != nil {
			return reject("case is already owned by %s", *c.CaseOfficerID)
		}
	}
	if rule.Restore && (c.WithdrawnFrom == nil || !c.WithdrawnFrom.Valid()) {
		return reject("no status to return to")
	}
	return rule, nil
}

// Allowed lists the events a case with the given open tasks accepts, ignoring actor-specific guards.
func (m Machine) Allowed(c domain.Case, active ActiveTasks) []domain.EventName {
	if !c.IsActive {
		return nil
	}
	b, err := m.Types.Resolve(c.CaseType)
	if err != nil {
		return nil
	}
	var res []domain.EventName
	for _, evt := range m.Table.Allowed(c.Status, b.IssuesDocuments()) {
		for _, r := range m.Table.rules[c.Status][evt] {
			if r.satisfied(active) {
				res = append(res, evt)
				break
			}
		}
	}
	return res
}

// AllowedWith is Allowed for callers holding the case's task list.
func (m Machine) AllowedWith(c domain.Case, open []domain.Task) []domain.EventName {
	return m.Allowed(c, activeSet(open))
}

func (m Machine) apply(ctx context.Context, lc *lock.LockedCase, b casetype.Behavior, rule Rule, ev Event) (Result, error) {
	now := m.now().UTC()
	ts := now.Format(time.RFC3339)
	c := lc.Case
	from := c.Status
	to := rule.To

	switch {
	case rule.Restore:
		to = *c.WithdrawnFrom
		c.WithdrawnFrom = nil
	case rule.Remember:
		prev := from
		c.WithdrawnFrom = &prev
	}

	switch ev.Name {
	case domain.EventSubmit:
		if c.Reference == nil {
			n, err := m.Allocator.Allocate(ctx, lc.Handle, b.CaseCategory)
			if err != nil {
				return Result{}, err
			}
			ref := b.CaseReference(n, now.Year())
			c.Reference = &ref
		}
		if c.SubmittedAt == nil {
			c.SubmittedAt = &ts
		}
		c.LastSubmittedAt = &ts
	case domain.EventRespondUpdate:
		c.LastSubmittedAt = &ts
	case domain.EventComplete:
		d := ev.Decision
		c.Decision = &d
	case domain.EventRequestVariation:
		c.Decision = nil
		c.VariationCount++
	}

	switch rule.Owner {
	case ownerTake:
		officer := ev.ActorID
		c.CaseOfficerID = &officer
	case ownerRelease:
		c.CaseOfficerID = nil
	}
	// A case waiting in a queue belongs to nobody.
	if to == domain.StatusSubmitted || ev.Name == domain.EventRequestVariation {
		c.CaseOfficerID = nil
	}
	if rule.Deactivate {
		c.IsActive = false
	}
	c.Status = to
	c.UpdatedAt = ts
	lc.Case = c

	if err := m.applyTasks(ctx, lc, rule); err != nil {
		return Result{}, err
	}
	var packed *domain.DocumentPack
	if b.IssuesDocuments() {
		p, err := m.applyPack(ctx, lc, rule, ev)
		if err != nil {
			return Result{}, fmt.Errorf("%s %s: %w", ev.Name, rule.Pack, err)
		}
		packed = p
	}

	if err := m.Repo.UpdateCase(ctx, lc.Tx(), c); err != nil {
		return Result{}, err
	}
	payload := events.EventPayload{"from": from, "to": to}
	if c.Decision != nil && ev.Name == domain.EventComplete {
		payload["decision"] = *c.Decision
	}
	if ev.Reason != "" {
		payload["reason"] = ev.Reason
	}
	if packed != nil {
		payload["pack_id"] = packed.ID
		payload["pack_status"] = packed.Status
		if packed.Reference != nil {
			payload["pack_reference"] = *packed.Reference
		}
	}
	evt, err := m.Events.Append(ctx, lc.Handle, "case."+string(ev.Name), c.ID, "case", c.ID, ev.ActorID, payload)
	if err != nil {
		return Result{}, err
	}
	return Result{From: from, To: to, Case: c, Pack: packed, Event: evt}, nil
}

func (m Machine) applyTasks(ctx context.Context, lc *lock.LockedCase, rule Rule) error {
	for _, tt := range rule.Close {
		if _, err := m.Ledger.CloseType(ctx, lc, tt); err != nil {
			return err
		}
	}
	for _, tt := range rule.CloseIfActive {
		t, ok, err := m.Ledger.ActiveTask(ctx, lc, tt)
		if err != nil {
			return err
		}
		if ok {
			if _, err := m.Ledger.Close(ctx, lc, t); err != nil {
				return err
			}
		}
	}
	for _, tt := range rule.Open {
		var owner *string
		if tt == domain.TaskProcess {
			owner = lc.Case.CaseOfficerID
		}
		if _, err := m.Ledger.Open(ctx, lc, tt, owner); err != nil {
			return err
		}
	}
	if rule.Owner == ownerKeep {
		return nil
	}
	t, ok, err := m.Ledger.ActiveTask(ctx, lc, domain.TaskProcess)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: case %s has no process task to assign", domain.ErrNoActiveTask, lc.Case.ID)
	}
	_, err = m.Ledger.Assign(ctx, lc, t, lc.Case.CaseOfficerID)
	return err
}

func (m Machine) applyPack(ctx context.Context, lc *lock.LockedCase, rule Rule, ev Event) (*domain.DocumentPack, error) {
	switch rule.Pack {
	case packFinalize:
		draft, ok, err := m.Packs.Draft(ctx, lc)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: case %s has no draft to finalize", domain.ErrNotADraft, lc.Case.ID)
		}
		p, err := m.Packs.Finalize(ctx, lc, draft, ev.Pack)
		return &p, err
	case packArchiveDraft:
		p, ok, err := m.Packs.ArchiveDraft(ctx, lc)
		if err != nil || !ok {
			return nil, err
		}
		return &p, nil
	case packReinstate:
		p, err := m.Packs.Reinstate(ctx, lc)
		return &p, err
	case packCreateDraft:
		p, err := m.Packs.CreateDraft(ctx, lc)
		return &p, err
	case packSupersede:
		_, draft, err := m.Packs.Supersede(ctx, lc)
		return &draft, err
	case packRevoke:
		active, ok, err := m.Packs.ActiveLocked(ctx, lc)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: case %s", domain.ErrNoActivePack, lc.Case.ID)
		}
		p, err := m.Packs.Revoke(ctx, lc, active, ev.Reason)
		return &p, err
	}
	return nil, nil
}
