// Package engine is the request-handler boundary. Each mutating call opens one case lock
// scope, runs the state machine or one of the components under it, commits, and only then
// tells subscribers what happened.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"caseline/internal/casetype"
	"caseline/internal/config"
	"caseline/internal/domain"
	"caseline/internal/events"
	"caseline/internal/ledger"
	"caseline/internal/lock"
	"caseline/internal/metrics"
	"caseline/internal/pack"
	"caseline/internal/reference"
	"caseline/internal/repo"
	"caseline/internal/workflow"
)

type Engine struct {
	DB          *sqlx.DB
	Repo        repo.Repo
	Types       casetype.Table
	Rules       workflow.Table
	Config      *config.Config
	Log         logrus.FieldLogger
	Metrics     *metrics.Metrics
	Subscribers []events.Subscriber
	Now         func() time.Time
	LockTimeout time.Duration
	TxTimeout   time.Duration
}

// New wires an engine from cfg. A nil cfg uses the defaults.
func New(conn *sqlx.DB, cfg *config.Config) (Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	types, err := casetype.FromConfig(cfg)
	if err != nil {
		return Engine{}, err
	}
	log := logrus.New()
	return Engine{
		DB:          conn,
		Repo:        repo.Repo{DB: conn},
		Types:       types,
		Rules:       workflow.DefaultTable(),
		Config:      cfg,
		Log:         log,
		Now:         time.Now,
		LockTimeout: cfg.LockTimeout(),
		TxTimeout:   cfg.TxTimeout(),
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() logrus.FieldLogger {
	if e.Log != nil {
		return e.Log
	}
	return logrus.StandardLogger()
}

func (e Engine) locks() lock.Coordinator {
	c := lock.New(e.DB, e.LockTimeout, e.TxTimeout)
	if e.Metrics != nil {
		c.Observer = e.Metrics
	}
	return c
}

func (e Engine) allocator() reference.Allocator {
	return reference.Allocator{Repo: e.Repo, Metrics: e.Metrics}
}

func (e Engine) ledger() ledger.Ledger {
	return ledger.Ledger{Repo: e.Repo, Now: e.now}
}

func (e Engine) packs() pack.Manager {
	return pack.Manager{Repo: e.Repo, Allocator: e.allocator(), Types: e.Types, Now: e.now}
}

func (e Engine) writer() events.Writer {
	return events.Writer{Repo: e.Repo, Now: e.now}
}

func (e Engine) machine() workflow.Machine {
	return workflow.Machine{
		Repo:      e.Repo,
		Table:     e.Rules,
		Types:     e.Types,
		Ledger:    e.ledger(),
		Packs:     e.packs(),
		Allocator: e.allocator(),
		Events:    e.writer(),
		Now:       e.now,
	}
}

// CreateCaseOptions are the inputs for a new application.
type CreateCaseOptions struct {
	ID             string
	CaseType       domain.CaseType
	ProcessType    string
	OrganisationID string
	ActorID        string
}

// CreateCase starts a case IN_PROGRESS with its PREPARE task and, for types that issue
// documents, an empty draft pack.
func (e Engine) CreateCase(ctx context.Context, opts CreateCaseOptions) (domain.Case, error) {
	b, err := e.Types.Resolve(opts.CaseType)
	if err != nil {
		return domain.Case{}, err
	}
	if strings.TrimSpace(opts.OrganisationID) == "" {
		return domain.Case{}, errors.New("organisation is required")
	}
	if strings.TrimSpace(opts.ActorID) == "" {
		return domain.Case{}, errors.New("actor is required")
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	ts := e.now().UTC().Format(time.RFC3339)
	c := domain.Case{
		ID:             opts.ID,
		CaseType:       opts.CaseType,
		ProcessType:    opts.ProcessType,
		Status:         domain.StatusInProgress,
		OrganisationID: opts.OrganisationID,
		CreatedBy:      opts.ActorID,
		IsActive:       true,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}
	err = e.locks().Create(ctx, c, func(ctx context.Context, lc *lock.LockedCase) error {
		task, err := e.ledger().Open(ctx, lc, domain.TaskPrepare, nil)
		if err != nil {
			return err
		}
		payload := events.EventPayload{"case_type": c.CaseType, "task_id": task.ID}
		if c.ProcessType != "" {
			payload["process_type"] = c.ProcessType
		}
		if b.IssuesDocuments() {
			draft, err := e.packs().CreateDraft(ctx, lc)
			if err != nil {
				return err
			}
			payload["pack_id"] = draft.ID
		}
		c = lc.Case
		_, err = e.writer().Append(ctx, lc.Handle, "case.created", c.ID, "case", c.ID, opts.ActorID, payload)
		return err
	})
	if err != nil {
		e.logFailure("create_case", c.ID, err)
		return domain.Case{}, err
	}
	e.log().WithFields(logrus.Fields{"case_id": c.ID, "case_type": c.CaseType, "actor_id": opts.ActorID}).Info("case created")
	return c, nil
}

// Transition runs one state machine event on a case.
func (e Engine) Transition(ctx context.Context, caseID string, ev workflow.Event) (workflow.Result, error) {
	var res workflow.Result
	m := e.machine()
	err := e.locks().WithCase(ctx, caseID, func(ctx context.Context, lc *lock.LockedCase) error {
		var err error
		res, err = m.Transition(ctx, lc, ev)
		return err
	})
	e.Metrics.ObserveTransition(ev.Name, err)
	if err != nil {
		e.logFailure("transition."+string(ev.Name), caseID, err)
		return workflow.Result{}, err
	}
	e.log().WithFields(logrus.Fields{
		"case_id":  caseID,
		"event":    ev.Name,
		"from":     res.From,
		"to":       res.To,
		"actor_id": ev.ActorID,
	}).Info("case transitioned")
	e.notify(ctx, notification(res, ev))
	return res, nil
}

func notification(res workflow.Result, ev workflow.Event) events.Notification {
	n := events.Notification{
		Type:          res.Event.Type,
		CaseID:        res.Case.ID,
		CaseReference: domain.Deref(res.Case.Reference),
		Transition:    ev.Name,
		From:          res.From,
		To:            res.To,
		ActorID:       ev.ActorID,
		TS:            res.Event.TS,
	}
	if res.Pack != nil {
		n.PackID = res.Pack.ID
		n.PackReference = domain.Deref(res.Pack.Reference)
	}
	return n
}

// notify runs after commit. Subscriber failures are logged and counted, never returned.
func (e Engine) notify(ctx context.Context, n events.Notification) {
	for _, s := range e.Subscribers {
		if err := s.Notify(ctx, n); err != nil {
			e.Metrics.IncNotifyFailure(s.Name())
			e.log().WithFields(logrus.Fields{
				"subscriber": s.Name(),
				"case_id":    n.CaseID,
				"event":      n.Type,
			}).WithError(err).Warn("notification failed")
		}
	}
}

// logFailure logs at the transaction boundary with a severity that follows the error kind.
func (e Engine) logFailure(op, caseID string, err error) {
	entry := e.log().WithFields(logrus.Fields{"op": op, "case_id": caseID}).WithError(err)
	switch {
	case errors.Is(err, domain.ErrInvalidTransition):
		entry.Info("rejected")
	case errors.Is(err, domain.ErrLockTimeout):
		entry.Warn("case busy")
	case errors.Is(err, repo.ErrNotFound):
		entry.Info("not found")
	case domain.IsInvariantBreach(err):
		e.Metrics.IncInvariantBreach(op)
		entry.WithField("breach", true).Error("invariant breach")
	default:
		entry.Error("operation failed")
	}
}

// CaseView is a case with the events it currently accepts.
type CaseView struct {
	Case    domain.Case        `json:"case"`
	Allowed []domain.EventName `json:"allowed_events"`
}

func (e Engine) GetCase(ctx context.Context, id string) (CaseView, error) {
	c, err := e.Repo.GetCase(ctx, nil, id)
	if err != nil {
		return CaseView{}, fmt.Errorf("case %s: %w", id, err)
	}
	allowed, err := e.AllowedEvents(ctx, c)
	if err != nil {
		return CaseView{}, err
	}
	return CaseView{Case: c, Allowed: allowed}, nil
}

// AllowedEvents lists the events the state machine accepts for c given its open tasks.
// It is an unlocked read.
func (e Engine) AllowedEvents(ctx context.Context, c domain.Case) ([]domain.EventName, error) {
	open, err := e.Repo.ActiveTasks(ctx, nil, c.ID)
	if err != nil {
		return nil, fmt.Errorf("case %s tasks: %w", c.ID, err)
	}
	return e.machine().AllowedWith(c, open), nil
}

func (e Engine) ListCases(ctx context.Context, f repo.CaseFilters) ([]domain.Case, error) {
	return e.Repo.ListCases(ctx, f)
}

func (e Engine) CaseCounts(ctx context.Context) (map[string]int, error) {
	return e.Repo.CountCasesByStatus(ctx)
}

// CurrentTask is an unlocked read and may be stale.
func (e Engine) CurrentTask(ctx context.Context, caseID string, taskType domain.TaskType) (domain.Task, bool, error) {
	if _, err := e.Repo.GetCase(ctx, nil, caseID); err != nil {
		return domain.Task{}, false, fmt.Errorf("case %s: %w", caseID, err)
	}
	return e.ledger().Current(ctx, caseID, taskType)
}

// Tasks returns the case ledger in the order it was written.
func (e Engine) Tasks(ctx context.Context, caseID string) ([]domain.Task, error) {
	if _, err := e.Repo.GetCase(ctx, nil, caseID); err != nil {
		return nil, fmt.Errorf("case %s: %w", caseID, err)
	}
	return e.ledger().History(ctx, caseID)
}

func (e Engine) PackHistory(ctx context.Context, caseID string) ([]domain.DocumentPack, error) {
	if _, err := e.Repo.GetCase(ctx, nil, caseID); err != nil {
		return nil, fmt.Errorf("case %s: %w", caseID, err)
	}
	return e.packs().History(ctx, caseID)
}

func (e Engine) IssuedPacks(ctx context.Context, caseID string) ([]domain.DocumentPack, error) {
	if _, err := e.Repo.GetCase(ctx, nil, caseID); err != nil {
		return nil, fmt.Errorf("case %s: %w", caseID, err)
	}
	return e.packs().Issued(ctx, caseID)
}

// ActivePack returns the pack eligible for download.
func (e Engine) ActivePack(ctx context.Context, caseID string) (domain.DocumentPack, bool, error) {
	if _, err := e.Repo.GetCase(ctx, nil, caseID); err != nil {
		return domain.DocumentPack{}, false, fmt.Errorf("case %s: %w", caseID, err)
	}
	return e.packs().Active(ctx, caseID)
}

// MailshotReference allocates the next MAIL/N reference outside of any case.
func (e Engine) MailshotReference(ctx context.Context, actorID string) (string, error) {
	format := reference.Format{Prefix: "MAIL", MinDigits: 1}
	if e.Config != nil {
		mf := e.Config.References.Mailshot
		if mf.Prefix != "" {
			format.Prefix = mf.Prefix
		}
		if mf.UseYear != nil {
			format.UseYear = *mf.UseYear
		}
		if mf.MinDigits > 0 {
			format.MinDigits = mf.MinDigits
		}
	}
	var ref string
	err := e.locks().WithHandle(ctx, func(ctx context.Context, h *lock.Handle) error {
		n, err := e.allocator().Allocate(ctx, h, reference.CategoryMailshot)
		if err != nil {
			return err
		}
		ref = format.Render(n, e.now().UTC().Year())
		_, err = e.writer().Append(ctx, h, "reference.allocated", "", "reference", ref, actorID,
			events.EventPayload{"category": reference.CategoryMailshot})
		return err
	})
	if err != nil {
		e.logFailure("reference.mailshot", "", err)
		return "", err
	}
	return ref, nil
}

// LastReference reports the latest number issued for a category.
func (e Engine) LastReference(ctx context.Context, category reference.Category) (reference.Number, error) {
	if !category.Valid() {
		return 0, fmt.Errorf("unknown reference category %q", category)
	}
	return e.allocator().Last(ctx, category)
}

// SetActive soft-deactivates or reactivates a case. Inactive cases refuse every event.
func (e Engine) SetActive(ctx context.Context, caseID string, active bool, actorID string) (domain.Case, error) {
	var c domain.Case
	err := e.locks().WithCase(ctx, caseID, func(ctx context.Context, lc *lock.LockedCase) error {
		c = lc.Case
		if c.IsActive == active {
			return nil
		}
		c.IsActive = active
		c.UpdatedAt = e.now().UTC().Format(time.RFC3339)
		if err := e.Repo.UpdateCase(ctx, lc.Tx(), c); err != nil {
			return err
		}
		evtType := "case.deactivated"
		if active {
			evtType = "case.reactivated"
		}
		_, err := e.writer().Append(ctx, lc.Handle, evtType, c.ID, "case", c.ID, actorID, nil)
		return err
	})
	if err != nil {
		e.logFailure("set_active", caseID, err)
		return domain.Case{}, err
	}
	return c, nil
}

// Events returns audit events newest first.
func (e Engine) Events(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, f)
}
