package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseline/internal/casetype"
	"caseline/internal/db/dbtest"
	"caseline/internal/domain"
	"caseline/internal/events"
	"caseline/internal/ledger"
	"caseline/internal/lock"
	"caseline/internal/pack"
	"caseline/internal/reference"
	"caseline/internal/repo"
)

type testEnv struct {
	repo    repo.Repo
	locks   lock.Coordinator
	machine Machine
	clock   time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn := dbtest.Open(t)
	r := repo.Repo{DB: conn}
	env := &testEnv{
		repo:  r,
		locks: lock.New(conn, time.Second, 10*time.Second),
		clock: time.Date(2026, 2, 10, 8, 30, 0, 0, time.UTC),
	}
	now := func() time.Time { return env.clock }
	alloc := reference.Allocator{Repo: r}
	types := casetype.Default()
	env.machine = Machine{
		Repo:      r,
		Table:     DefaultTable(),
		Types:     types,
		Ledger:    ledger.Ledger{Repo: r, Now: now},
		Packs:     pack.Manager{Repo: r, Allocator: alloc, Types: types, Now: now},
		Allocator: alloc,
		Events:    events.Writer{Repo: r, Now: now},
		Now:       now,
	}
	return env
}

// newCase mirrors case creation: a PREPARE task and, when documents are issued, a draft pack.
func (e *testEnv) newCase(t *testing.T, id string, ct domain.CaseType) {
	t.Helper()
	ts := e.clock.Format(time.RFC3339)
	c := domain.Case{ID: id, CaseType: ct, Status: domain.StatusInProgress, OrganisationID: "org-1",
		CreatedBy: "applicant", IsActive: true, CreatedAt: ts, UpdatedAt: ts}
	require.NoError(t, e.locks.Create(context.Background(), c, func(ctx context.Context, lc *lock.LockedCase) error {
		if _, err := e.machine.Ledger.Open(ctx, lc, domain.TaskPrepare, nil); err != nil {
			return err
		}
		if ct == domain.CaseTypeAccess {
			return nil
		}
		_, err := e.machine.Packs.CreateDraft(ctx, lc)
		return err
	}))
}

func (e *testEnv) fire(id string, ev Event) (Result, error) {
	var res Result
	err := e.locks.WithCase(context.Background(), id, func(ctx context.Context, lc *lock.LockedCase) error {
		var err error
		res, err = e.machine.Transition(ctx, lc, ev)
		return err
	})
	return res, err
}

func (e *testEnv) mustFire(t *testing.T, id string, ev Event) Result {
	t.Helper()
	res, err := e.fire(id, ev)
	require.NoError(t, err, "%s", ev.Name)
	return res
}

func (e *testEnv) getCase(t *testing.T, id string) domain.Case {
	t.Helper()
	c, err := e.repo.GetCase(context.Background(), nil, id)
	require.NoError(t, err)
	return c
}

func (e *testEnv) activeTypes(t *testing.T, id string) []domain.TaskType {
	t.Helper()
	active, err := e.repo.ActiveTasks(context.Background(), nil, id)
	require.NoError(t, err)
	res := []domain.TaskType{}
	for _, a := range active {
		res = append(res, a.TaskType)
	}
	return res
}

// toCompleted drives a fresh import case through approval.
func (e *testEnv) toCompleted(t *testing.T, id string) Result {
	t.Helper()
	e.newCase(t, id, domain.CaseTypeImport)
	e.mustFire(t, id, Event{Name: domain.EventSubmit, ActorID: "applicant"})
	e.mustFire(t, id, Event{Name: domain.EventTakeOwnership, ActorID: "officer-1"})
	return e.mustFire(t, id, Event{Name: domain.EventComplete, Decision: domain.DecisionApprove, ActorID: "officer-1"})
}

func TestTableCoversEveryStatus(t *testing.T) {
	table := DefaultTable()
	want := map[domain.Status][]domain.EventName{
		domain.StatusInProgress: {domain.EventSubmit, domain.EventCancel},
		domain.StatusSubmitted:  {domain.EventTakeOwnership, domain.EventWithdraw},
		domain.StatusProcessing: {domain.EventReleaseOwnership, domain.EventRequestUpdate, domain.EventComplete,
			domain.EventWithdraw, domain.EventStop, domain.EventStartAuthorisation, domain.EventCancelAuthorisation},
		domain.StatusUpdateRequested: {domain.EventRespondUpdate, domain.EventWithdraw},
		domain.StatusVariationRequested: {domain.EventTakeOwnership, domain.EventReleaseOwnership, domain.EventComplete,
			domain.EventWithdraw, domain.EventStartAuthorisation, domain.EventCancelAuthorisation},
		domain.StatusCompleted: {domain.EventAcknowledge, domain.EventRequestVariation, domain.EventRevoke},
		domain.StatusRefused:   nil,
		domain.StatusWithdrawn: {domain.EventReopen},
		domain.StatusStopped:   {domain.EventReopen},
		domain.StatusRevoked:   nil,
	}
	for _, st := range domain.Statuses() {
		expected, ok := want[st]
		require.True(t, ok, "status %s missing from table expectations", st)
		assert.Equal(t, expected, table.Allowed(st, true), "%s", st)
	}
	assert.Equal(t, []domain.EventName{domain.EventAcknowledge}, table.Allowed(domain.StatusCompleted, false))

	_, ok := table.Lookup(domain.StatusProcessing, domain.EventComplete, domain.DecisionRefuse)
	assert.True(t, ok)
	r, ok := table.Lookup(domain.StatusVariationRequested, domain.EventComplete, domain.DecisionRefuse)
	require.True(t, ok)
	assert.Equal(t, domain.StatusCompleted, r.To)
	assert.Equal(t, packReinstate, r.Pack)
}

func TestValidateRejectsWithoutSideEffects(t *testing.T) {
	m := Machine{Table: DefaultTable(), Types: casetype.Default()}
	b, err := m.Types.Resolve(domain.CaseTypeImport)
	require.NoError(t, err)

	c := domain.Case{ID: "c", CaseType: domain.CaseTypeImport, Status: domain.StatusInProgress, IsActive: true}
	_, err = m.Validate(c, b, nil, Event{Name: domain.EventComplete, Decision: domain.DecisionApprove})
	var te *domain.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, domain.StatusInProgress, te.From)
	assert.Equal(t, domain.EventComplete, te.Event)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	processing := ActiveTasks{domain.TaskProcess: true}
	c.Status = domain.StatusProcessing
	_, err = m.Validate(c, b, processing, Event{Name: domain.EventComplete})
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "a decision is required", te.Reason)

	c.Status = domain.StatusSubmitted
	_, err = m.Validate(c, b, processing, Event{Name: domain.EventTakeOwnership})
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "an officer is required", te.Reason)

	_, err = m.Validate(c, b, nil, Event{Name: domain.EventTakeOwnership, ActorID: "officer-1"})
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "no active process task", te.Reason)

	c.IsActive = false
	_, err = m.Validate(c, b, processing, Event{Name: domain.EventTakeOwnership, ActorID: "officer-1"})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Nil(t, m.Allowed(c, processing))
}

func TestAllowedFollowsOpenTasks(t *testing.T) {
	m := Machine{Table: DefaultTable(), Types: casetype.Default()}
	c := domain.Case{ID: "c", CaseType: domain.CaseTypeImport, Status: domain.StatusProcessing, IsActive: true}

	assert.Equal(t, []domain.EventName{domain.EventReleaseOwnership, domain.EventRequestUpdate, domain.EventComplete,
		domain.EventWithdraw, domain.EventStop, domain.EventStartAuthorisation},
		m.Allowed(c, ActiveTasks{domain.TaskProcess: true}))
	assert.Equal(t, []domain.EventName{domain.EventComplete, domain.EventWithdraw, domain.EventCancelAuthorisation},
		m.Allowed(c, ActiveTasks{domain.TaskAuthorise: true}))

	c.Status = domain.StatusCompleted
	assert.Equal(t, []domain.EventName{domain.EventAcknowledge, domain.EventRequestVariation, domain.EventRevoke},
		m.Allowed(c, ActiveTasks{domain.TaskAck: true}))
	assert.Equal(t, []domain.EventName{domain.EventRequestVariation, domain.EventRevoke}, m.Allowed(c, nil))

	c.Status = domain.StatusWithdrawn
	assert.Equal(t, []domain.EventName{domain.EventReopen}, m.Allowed(c, nil))
}

func TestIllegalEventLeavesCaseUnchanged(t *testing.T) {
	env := newTestEnv(t)
	env.newCase(t, "case-1", domain.CaseTypeImport)
	before := env.getCase(t, "case-1")

	env.clock = env.clock.Add(time.Hour)
	_, err := env.fire("case-1", Event{Name: domain.EventStop, ActorID: "officer-1"})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	after := env.getCase(t, "case-1")
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	evts, err := env.repo.LatestEvents(context.Background(), repo.EventFilters{CaseID: "case-1"})
	require.NoError(t, err)
	assert.Empty(t, evts)
}

func TestSubmitSwapsTasks(t *testing.T) {
	env := newTestEnv(t)
	env.newCase(t, "case-1", domain.CaseTypeImport)

	res := env.mustFire(t, "case-1", Event{Name: domain.EventSubmit, ActorID: "applicant"})
	assert.Equal(t, domain.StatusInProgress, res.From)
	assert.Equal(t, domain.StatusSubmitted, res.To)
	assert.Equal(t, "IMA/2026/00001", domain.Deref(res.Case.Reference))
	assert.Equal(t, "case.submit", res.Event.Type)

	c := env.getCase(t, "case-1")
	assert.Equal(t, domain.StatusSubmitted, c.Status)
	assert.Equal(t, "2026-02-10T08:30:00Z", domain.Deref(c.SubmittedAt))
	assert.Equal(t, []domain.TaskType{domain.TaskProcess}, env.activeTypes(t, "case-1"))

	history, err := env.repo.TasksForCase(context.Background(), nil, "case-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.TaskPrepare, history[0].TaskType)
	assert.False(t, history[0].IsActive)
	assert.NotNil(t, history[0].FinishedAt)
	assert.Equal(t, history[0].ID, domain.Deref(history[1].PreviousID))
}

func TestUpdateRequestKeepsReference(t *testing.T) {
	env := newTestEnv(t)
	env.newCase(t, "case-1", domain.CaseTypeImport)
	env.mustFire(t, "case-1", Event{Name: domain.EventSubmit, ActorID: "applicant"})
	env.mustFire(t, "case-1", Event{Name: domain.EventTakeOwnership, ActorID: "officer-1"})
	env.mustFire(t, "case-1", Event{Name: domain.EventRequestUpdate, ActorID: "officer-1"})
	assert.Equal(t, []domain.TaskType{domain.TaskPrepare}, env.activeTypes(t, "case-1"))

	env.clock = env.clock.Add(24 * time.Hour)
	res := env.mustFire(t, "case-1", Event{Name: domain.EventRespondUpdate, ActorID: "applicant"})
	assert.Equal(t, domain.StatusSubmitted, res.To)
	assert.Equal(t, "IMA/2026/00001", domain.Deref(res.Case.Reference))
	assert.Equal(t, "2026-02-10T08:30:00Z", domain.Deref(res.Case.SubmittedAt))
	assert.Equal(t, "2026-02-11T08:30:00Z", domain.Deref(res.Case.LastSubmittedAt))
	assert.Nil(t, res.Case.CaseOfficerID, "resubmitted cases go back to the queue")
	assert.Equal(t, []domain.TaskType{domain.TaskProcess}, env.activeTypes(t, "case-1"))

	last, err := env.machine.Allocator.Last(context.Background(), reference.CategoryCase)
	require.NoError(t, err)
	assert.Equal(t, reference.Number(1), last)
}

func TestOwnershipFollowsProcessTask(t *testing.T) {
	env := newTestEnv(t)
	env.newCase(t, "case-1", domain.CaseTypeImport)
	env.mustFire(t, "case-1", Event{Name: domain.EventSubmit, ActorID: "applicant"})

	res := env.mustFire(t, "case-1", Event{Name: domain.EventTakeOwnership, ActorID: "officer-1"})
	assert.Equal(t, domain.StatusProcessing, res.To)
	assert.Equal(t, "officer-1", domain.Deref(res.Case.CaseOfficerID))
	task, err := env.repo.ActiveTask(context.Background(), nil, "case-1", domain.TaskProcess)
	require.NoError(t, err)
	assert.Equal(t, "officer-1", domain.Deref(task.OwnerID))

	res = env.mustFire(t, "case-1", Event{Name: domain.EventReleaseOwnership, ActorID: "officer-1"})
	assert.Equal(t, domain.StatusSubmitted, res.To)
	assert.Nil(t, res.Case.CaseOfficerID)
	task, err = env.repo.ActiveTask(context.Background(), nil, "case-1", domain.TaskProcess)
	require.NoError(t, err)
	assert.Nil(t, task.OwnerID)
}

func TestReleaseDuringVariation(t *testing.T) {
	env := newTestEnv(t)
	env.toCompleted(t, "case-1")
	env.mustFire(t, "case-1", Event{Name: domain.EventRequestVariation, ActorID: "applicant"})
	env.mustFire(t, "case-1", Event{Name: domain.EventTakeOwnership, ActorID: "officer-1"})

	res := env.mustFire(t, "case-1", Event{Name: domain.EventReleaseOwnership, ActorID: "officer-1"})
	assert.Equal(t, domain.StatusVariationRequested, res.To)
	assert.Nil(t, res.Case.CaseOfficerID)
	task, err := env.repo.ActiveTask(context.Background(), nil, "case-1", domain.TaskProcess)
	require.NoError(t, err)
	assert.Nil(t, task.OwnerID)

	res = env.mustFire(t, "case-1", Event{Name: domain.EventTakeOwnership, ActorID: "officer-2"})
	assert.Equal(t, "officer-2", domain.Deref(res.Case.CaseOfficerID))
}

func TestAuthorisationStage(t *testing.T) {
	env := newTestEnv(t)
	env.newCase(t, "case-1", domain.CaseTypeImport)
	env.mustFire(t, "case-1", Event{Name: domain.EventSubmit, ActorID: "applicant"})
	env.mustFire(t, "case-1", Event{Name: domain.EventTakeOwnership, ActorID: "officer-1"})

	res := env.mustFire(t, "case-1", Event{Name: domain.EventStartAuthorisation, ActorID: "officer-1"})
	assert.Equal(t, domain.StatusProcessing, res.To)
	assert.Equal(t, []domain.TaskType{domain.TaskAuthorise}, env.activeTypes(t, "case-1"))

	_, err := env.fire("case-1", Event{Name: domain.EventRequestUpdate, ActorID: "officer-1"})
	var te *domain.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "no active process task", te.Reason)

	env.mustFire(t, "case-1", Event{Name: domain.EventCancelAuthorisation, ActorID: "officer-1"})
	assert.Equal(t, []domain.TaskType{domain.TaskProcess}, env.activeTypes(t, "case-1"))
	task, err := env.repo.ActiveTask(context.Background(), nil, "case-1", domain.TaskProcess)
	require.NoError(t, err)
	assert.Equal(t, "officer-1", domain.Deref(task.OwnerID))

	env.mustFire(t, "case-1", Event{Name: domain.EventStartAuthorisation, ActorID: "officer-1"})
	res = env.mustFire(t, "case-1", Event{Name: domain.EventComplete, Decision: domain.DecisionApprove, ActorID: "officer-1"})
	assert.Equal(t, domain.StatusCompleted, res.To)
	assert.Equal(t, "GBSIL0000001B", domain.Deref(res.Pack.Reference))
	assert.Equal(t, []domain.TaskType{domain.TaskAck}, env.activeTypes(t, "case-1"))
}

func TestCancelDeactivatesApplication(t *testing.T) {
	env := newTestEnv(t)
	env.newCase(t, "case-1", domain.CaseTypeImport)

	res := env.mustFire(t, "case-1", Event{Name: domain.EventCancel, ActorID: "applicant"})
	assert.Equal(t, domain.StatusInProgress, res.To)
	assert.False(t, res.Case.IsActive)
	require.NotNil(t, res.Pack)
	assert.Equal(t, domain.PackArchived, res.Pack.Status)
	assert.Empty(t, env.activeTypes(t, "case-1"))
	assert.False(t, env.getCase(t, "case-1").IsActive)

	_, err := env.fire("case-1", Event{Name: domain.EventSubmit, ActorID: "applicant"})
	var te *domain.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "case is deactivated", te.Reason)
	assert.Nil(t, env.machine.Allowed(res.Case, nil))
}

func TestApproveFinalizesDraft(t *testing.T) {
	env := newTestEnv(t)
	res := env.toCompleted(t, "case-1")

	assert.Equal(t, domain.StatusCompleted, res.To)
	require.NotNil(t, res.Pack)
	assert.Equal(t, domain.PackActive, res.Pack.Status)
	assert.Equal(t, "GBSIL0000001B", domain.Deref(res.Pack.Reference))
	assert.Equal(t, domain.DecisionApprove, *res.Case.Decision)
	assert.Equal(t, []domain.TaskType{domain.TaskAck}, env.activeTypes(t, "case-1"))

	last, err := env.machine.Allocator.Last(context.Background(), reference.CategoryLicence)
	require.NoError(t, err)
	assert.Equal(t, reference.Number(1), last, "one licence number per approval")

	res = env.mustFire(t, "case-1", Event{Name: domain.EventAcknowledge, ActorID: "applicant"})
	assert.Equal(t, domain.StatusCompleted, res.To)
	assert.Empty(t, env.activeTypes(t, "case-1"))
}

func TestAcknowledgeOnlyOnce(t *testing.T) {
	env := newTestEnv(t)
	env.toCompleted(t, "case-1")
	env.mustFire(t, "case-1", Event{Name: domain.EventAcknowledge, ActorID: "applicant"})

	_, err := env.fire("case-1", Event{Name: domain.EventAcknowledge, ActorID: "applicant"})
	var te *domain.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, domain.StatusCompleted, te.From)
	assert.Equal(t, "no active ack task", te.Reason)
	assert.False(t, domain.IsInvariantBreach(err))

	open, err := env.repo.ActiveTasks(context.Background(), nil, "case-1")
	require.NoError(t, err)
	assert.NotContains(t, env.machine.AllowedWith(env.getCase(t, "case-1"), open), domain.EventAcknowledge)
}

func TestRefuseArchivesDraft(t *testing.T) {
	env := newTestEnv(t)
	env.newCase(t, "case-1", domain.CaseTypeExport)
	env.mustFire(t, "case-1", Event{Name: domain.EventSubmit, ActorID: "applicant"})
	env.mustFire(t, "case-1", Event{Name: domain.EventTakeOwnership, ActorID: "officer-1"})
	res := env.mustFire(t, "case-1", Event{Name: domain.EventComplete, Decision: domain.DecisionRefuse, ActorID: "officer-1"})

	assert.Equal(t, domain.StatusRefused, res.To)
	assert.Equal(t, "CA/2026/00001", domain.Deref(res.Case.Reference))
	require.NotNil(t, res.Pack)
	assert.Equal(t, domain.PackArchived, res.Pack.Status)
	assert.Nil(t, res.Pack.Reference)
	assert.Empty(t, env.activeTypes(t, "case-1"))

	_, err := env.fire("case-1", Event{Name: domain.EventReopen, ActorID: "officer-1"})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestVariationRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	first := env.toCompleted(t, "case-1")

	res := env.mustFire(t, "case-1", Event{Name: domain.EventRequestVariation, ActorID: "applicant"})
	assert.Equal(t, domain.StatusVariationRequested, res.To)
	assert.Equal(t, 1, res.Case.VariationCount)
	assert.Nil(t, res.Case.CaseOfficerID)
	assert.Nil(t, res.Case.Decision)
	require.NotNil(t, res.Pack)
	assert.Equal(t, domain.PackDraft, res.Pack.Status)
	assert.Equal(t, first.Pack.IssueDate, res.Pack.IssueDate)
	assert.Equal(t, []domain.TaskType{domain.TaskProcess}, env.activeTypes(t, "case-1"))

	_, err := env.fire("case-1", Event{Name: domain.EventRequestVariation, ActorID: "applicant"})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	res = env.mustFire(t, "case-1", Event{Name: domain.EventTakeOwnership, ActorID: "officer-2"})
	assert.Equal(t, domain.StatusVariationRequested, res.To)
	_, err = env.fire("case-1", Event{Name: domain.EventTakeOwnership, ActorID: "officer-3"})
	var te *domain.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Contains(t, te.Reason, "officer-2")

	res = env.mustFire(t, "case-1", Event{Name: domain.EventComplete, Decision: domain.DecisionApprove, ActorID: "officer-2"})
	assert.Equal(t, domain.StatusCompleted, res.To)
	assert.Equal(t, "GBSIL0000001B", domain.Deref(res.Pack.Reference), "a varied licence keeps its number")
	assert.Equal(t, "IMA/2026/00001/1", domain.Deref(res.Pack.CaseReference))

	packs, err := env.machine.Packs.History(context.Background(), "case-1")
	require.NoError(t, err)
	require.Len(t, packs, 2)
	assert.Equal(t, domain.PackArchived, packs[0].Status)
	assert.Equal(t, packs[1].ID, domain.Deref(packs[0].SupersededBy))
	assert.Equal(t, domain.PackActive, packs[1].Status)
}

func TestRefusedVariationReinstatesLicence(t *testing.T) {
	env := newTestEnv(t)
	first := env.toCompleted(t, "case-1")
	env.mustFire(t, "case-1", Event{Name: domain.EventRequestVariation, ActorID: "applicant"})
	env.mustFire(t, "case-1", Event{Name: domain.EventTakeOwnership, ActorID: "officer-1"})
	res := env.mustFire(t, "case-1", Event{Name: domain.EventComplete, Decision: domain.DecisionRefuse, ActorID: "officer-1"})

	assert.Equal(t, domain.StatusCompleted, res.To)
	require.NotNil(t, res.Pack)
	assert.Equal(t, first.Pack.ID, res.Pack.ID)
	assert.Equal(t, domain.PackActive, res.Pack.Status)
	active, ok, err := env.machine.Packs.Active(context.Background(), "case-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.Pack.ID, active.ID)

	// the ack task went with the variation request
	_, err = env.fire("case-1", Event{Name: domain.EventAcknowledge, ActorID: "applicant"})
	var te *domain.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "no active ack task", te.Reason)
	assert.False(t, domain.IsInvariantBreach(err))
}

func TestRevokeIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	env.toCompleted(t, "case-1")
	res := env.mustFire(t, "case-1", Event{Name: domain.EventRevoke, ActorID: "officer-1", Reason: "fraud"})

	assert.Equal(t, domain.StatusRevoked, res.To)
	require.NotNil(t, res.Pack)
	assert.Equal(t, domain.PackRevoked, res.Pack.Status)
	assert.Equal(t, "fraud", domain.Deref(res.Pack.RevokeReason))
	assert.Empty(t, env.activeTypes(t, "case-1"), "the ack task is closed on revoke")
	assert.Empty(t, env.machine.Allowed(res.Case, nil))
}

func TestWithdrawPreservesTask(t *testing.T) {
	env := newTestEnv(t)
	env.newCase(t, "case-1", domain.CaseTypeImport)
	env.mustFire(t, "case-1", Event{Name: domain.EventSubmit, ActorID: "applicant"})
	env.mustFire(t, "case-1", Event{Name: domain.EventTakeOwnership, ActorID: "officer-1"})
	before, err := env.repo.ActiveTask(context.Background(), nil, "case-1", domain.TaskProcess)
	require.NoError(t, err)

	res := env.mustFire(t, "case-1", Event{Name: domain.EventWithdraw, ActorID: "applicant"})
	assert.Equal(t, domain.StatusWithdrawn, res.To)
	assert.Equal(t, domain.StatusProcessing, *res.Case.WithdrawnFrom)
	assert.Equal(t, []domain.TaskType{domain.TaskProcess}, env.activeTypes(t, "case-1"))

	res = env.mustFire(t, "case-1", Event{Name: domain.EventReopen, ActorID: "applicant"})
	assert.Equal(t, domain.StatusProcessing, res.To)
	assert.Nil(t, res.Case.WithdrawnFrom)
	assert.Equal(t, "officer-1", domain.Deref(res.Case.CaseOfficerID))
	after, err := env.repo.ActiveTask(context.Background(), nil, "case-1", domain.TaskProcess)
	require.NoError(t, err)
	assert.Equal(t, before.ID, after.ID, "the same task resumes")
}

func TestStopThenReopen(t *testing.T) {
	env := newTestEnv(t)
	env.newCase(t, "case-1", domain.CaseTypeImport)
	env.mustFire(t, "case-1", Event{Name: domain.EventSubmit, ActorID: "applicant"})
	env.mustFire(t, "case-1", Event{Name: domain.EventTakeOwnership, ActorID: "officer-1"})

	res := env.mustFire(t, "case-1", Event{Name: domain.EventStop, ActorID: "officer-1"})
	assert.Equal(t, domain.StatusStopped, res.To)
	require.NotNil(t, res.Pack)
	assert.Equal(t, domain.PackArchived, res.Pack.Status)
	assert.Empty(t, env.activeTypes(t, "case-1"))

	res = env.mustFire(t, "case-1", Event{Name: domain.EventReopen, ActorID: "officer-1"})
	assert.Equal(t, domain.StatusSubmitted, res.To)
	require.NotNil(t, res.Pack)
	assert.Equal(t, domain.PackDraft, res.Pack.Status)
	assert.Equal(t, 2, res.Pack.Revision)
	assert.Equal(t, []domain.TaskType{domain.TaskProcess}, env.activeTypes(t, "case-1"))
}

func TestAccessRequestsIssueNothing(t *testing.T) {
	env := newTestEnv(t)
	env.newCase(t, "case-1", domain.CaseTypeAccess)
	res := env.mustFire(t, "case-1", Event{Name: domain.EventSubmit, ActorID: "applicant"})
	assert.Equal(t, "IAR/1", domain.Deref(res.Case.Reference))
	env.mustFire(t, "case-1", Event{Name: domain.EventTakeOwnership, ActorID: "officer-1"})
	res = env.mustFire(t, "case-1", Event{Name: domain.EventComplete, Decision: domain.DecisionApprove, ActorID: "officer-1"})
	assert.Equal(t, domain.StatusCompleted, res.To)
	assert.Nil(t, res.Pack)

	_, err := env.fire("case-1", Event{Name: domain.EventRevoke, ActorID: "officer-1"})
	var te *domain.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "access cases issue no documents", te.Reason)

	packs, err := env.machine.Packs.History(context.Background(), "case-1")
	require.NoError(t, err)
	assert.Empty(t, packs)
}

func TestEveryTransitionIsAudited(t *testing.T) {
	env := newTestEnv(t)
	env.toCompleted(t, "case-1")
	evts, err := env.repo.LatestEvents(context.Background(), repo.EventFilters{CaseID: "case-1"})
	require.NoError(t, err)
	var types []string
	for i := len(evts) - 1; i >= 0; i-- {
		types = append(types, evts[i].Type)
	}
	assert.Equal(t, []string{"case.submit", "case.take_ownership", "case.complete"}, types)
	assert.Contains(t, evts[0].Payload, `"pack_reference":"GBSIL0000001B"`)
}

func TestPackFailureRollsBackTransition(t *testing.T) {
	env := newTestEnv(t)
	env.newCase(t, "case-1", domain.CaseTypeImport)
	env.mustFire(t, "case-1", Event{Name: domain.EventSubmit, ActorID: "applicant"})
	env.mustFire(t, "case-1", Event{Name: domain.EventTakeOwnership, ActorID: "officer-1"})

	// break the draft out from under the machine
	_, err := env.repo.DB.Exec(`UPDATE document_packs SET status='archived' WHERE case_id='case-1'`)
	require.NoError(t, err)

	_, err = env.fire("case-1", Event{Name: domain.EventComplete, Decision: domain.DecisionApprove, ActorID: "officer-1"})
	require.Error(t, err)
	assert.True(t, domain.IsInvariantBreach(err))
	assert.False(t, errors.Is(err, domain.ErrInvalidTransition))

	c := env.getCase(t, "case-1")
	assert.Equal(t, domain.StatusProcessing, c.Status)
	assert.Equal(t, []domain.TaskType{domain.TaskProcess}, env.activeTypes(t, "case-1"))
}
