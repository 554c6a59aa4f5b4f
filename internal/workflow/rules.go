package workflow

import "caseline/internal/domain"

type ownerAction int

const (
	ownerKeep ownerAction = iota
	// ownerTake makes the acting officer the case officer and the process task owner.
	ownerTake
	ownerRelease
)

type packAction int

const (
	packNone packAction = iota
	packFinalize
	packArchiveDraft
	packReinstate
	packCreateDraft
	packSupersede
	packRevoke
)

func (a packAction) String() string {
	switch a {
	case packFinalize:
		return "finalize"
	case packArchiveDraft:
		return "archive_draft"
	case packReinstate:
		return "reinstate"
	case packCreateDraft:
		return "create_draft"
	case packSupersede:
		return "supersede"
	case packRevoke:
		return "revoke"
	}
	return "none"
}

// Rule is one legal (status, event) pair.
type Rule struct {
	From     domain.Status
	Event    domain.EventName
	Decision domain.Decision // only for complete
	// To is ignored when Restore is set.
	To domain.Status

	Close         []domain.TaskType
	CloseIfActive []domain.TaskType
	Open          []domain.TaskType

	// Requires lists task types of which at least one must be active for the rule to apply.
	Requires []domain.TaskType

	Owner ownerAction
	Pack  packAction
	// Deactivate soft-deletes the case.
	Deactivate bool

	// Remember stores From in withdrawn_from; Restore moves the case back there.
	Remember bool
	Restore  bool
	// DocumentsOnly rules are illegal for case types that issue nothing.
	DocumentsOnly bool
}

var withdrawable = []domain.Status{
	domain.StatusSubmitted,
	domain.StatusProcessing,
	domain.StatusUpdateRequested,
	domain.StatusVariationRequested,
}

func defaultRules() []Rule {
	prepare := tasks(domain.TaskPrepare)
	process := tasks(domain.TaskProcess)
	deciding := tasks(domain.TaskProcess, domain.TaskAuthorise)
	rules := []Rule{
		{From: domain.StatusInProgress, Event: domain.EventSubmit, To: domain.StatusSubmitted, Requires: prepare,
			Close: prepare, Open: process},
		{From: domain.StatusInProgress, Event: domain.EventCancel, To: domain.StatusInProgress, Requires: prepare,
			Close: prepare, Pack: packArchiveDraft, Deactivate: true},
		{From: domain.StatusSubmitted, Event: domain.EventTakeOwnership, To: domain.StatusProcessing, Requires: process, Owner: ownerTake},
		{From: domain.StatusVariationRequested, Event: domain.EventTakeOwnership, To: domain.StatusVariationRequested, Requires: process, Owner: ownerTake},
		{From: domain.StatusProcessing, Event: domain.EventReleaseOwnership, To: domain.StatusSubmitted, Requires: process, Owner: ownerRelease},
		{From: domain.StatusVariationRequested, Event: domain.EventReleaseOwnership, To: domain.StatusVariationRequested, Requires: process, Owner: ownerRelease},
		{From: domain.StatusProcessing, Event: domain.EventRequestUpdate, To: domain.StatusUpdateRequested, Requires: process,
			Close: process, Open: prepare},
		{From: domain.StatusUpdateRequested, Event: domain.EventRespondUpdate, To: domain.StatusSubmitted, Requires: prepare,
			Close: prepare, Open: process},

		{From: domain.StatusProcessing, Event: domain.EventComplete, Decision: domain.DecisionApprove, To: domain.StatusCompleted,
			Requires: deciding, CloseIfActive: deciding, Open: tasks(domain.TaskAck), Pack: packFinalize},
		{From: domain.StatusVariationRequested, Event: domain.EventComplete, Decision: domain.DecisionApprove, To: domain.StatusCompleted,
			Requires: deciding, CloseIfActive: deciding, Open: tasks(domain.TaskAck), Pack: packFinalize},
		{From: domain.StatusProcessing, Event: domain.EventComplete, Decision: domain.DecisionRefuse, To: domain.StatusRefused,
			Requires: deciding, CloseIfActive: deciding, Pack: packArchiveDraft},
		{From: domain.StatusVariationRequested, Event: domain.EventComplete, Decision: domain.DecisionRefuse, To: domain.StatusCompleted,
			Requires: deciding, CloseIfActive: deciding, Pack: packReinstate},

		{From: domain.StatusWithdrawn, Event: domain.EventReopen, Restore: true},
		{From: domain.StatusProcessing, Event: domain.EventStop, To: domain.StatusStopped, Requires: process,
			Close: process, Pack: packArchiveDraft},
		{From: domain.StatusStopped, Event: domain.EventReopen, To: domain.StatusSubmitted,
			Open: process, Pack: packCreateDraft},

		{From: domain.StatusCompleted, Event: domain.EventAcknowledge, To: domain.StatusCompleted,
			Requires: tasks(domain.TaskAck), Close: tasks(domain.TaskAck)},
		{From: domain.StatusCompleted, Event: domain.EventRequestVariation, To: domain.StatusVariationRequested,
			CloseIfActive: tasks(domain.TaskAck), Open: process, Pack: packSupersede, DocumentsOnly: true},
		{From: domain.StatusCompleted, Event: domain.EventRevoke, To: domain.StatusRevoked,
			CloseIfActive: tasks(domain.TaskAck), Pack: packRevoke, DocumentsOnly: true},
	}
	// Authorisation keeps the status; only the task moves between process and authorise.
	for _, from := range []domain.Status{domain.StatusProcessing, domain.StatusVariationRequested} {
		rules = append(rules,
			Rule{From: from, Event: domain.EventStartAuthorisation, To: from, Requires: process,
				Close: process, Open: tasks(domain.TaskAuthorise)},
			Rule{From: from, Event: domain.EventCancelAuthorisation, To: from, Requires: tasks(domain.TaskAuthorise),
				Close: tasks(domain.TaskAuthorise), Open: process},
		)
	}
	for _, from := range withdrawable {
		rules = append(rules, Rule{From: from, Event: domain.EventWithdraw, To: domain.StatusWithdrawn, Remember: true})
	}
	return rules
}

func tasks(tt ...domain.TaskType) []domain.TaskType { return tt }

// ActiveTasks is the set of task types currently open on a case.
type ActiveTasks map[domain.TaskType]bool

func activeSet(ts []domain.Task) ActiveTasks {
	set := make(ActiveTasks, len(ts))
	for _, t := range ts {
		if t.IsActive {
			set[t.TaskType] = true
		}
	}
	return set
}

func (r Rule) satisfied(active ActiveTasks) bool {
	if len(r.Requires) == 0 {
		return true
	}
	for _, tt := range r.Requires {
		if active[tt] {
			return true
		}
	}
	return false
}

// Table indexes rules by status and event.
type Table struct {
	rules map[domain.Status]map[domain.EventName][]Rule
}

func NewTable(rules []Rule) Table {
	t := Table{rules: map[domain.Status]map[domain.EventName][]Rule{}}
	for _, r := range rules {
		byEvent, ok := t.rules[r.From]
		if !ok {
			byEvent = map[domain.EventName][]Rule{}
			t.rules[r.From] = byEvent
		}
		byEvent[r.Event] = append(byEvent[r.Event], r)
	}
	return t
}

// DefaultTable is the case lifecycle.
func DefaultTable() Table {
	return NewTable(defaultRules())
}

// Lookup finds the rule for an event. The decision only disambiguates complete.
func (t Table) Lookup(from domain.Status, evt domain.EventName, decision domain.Decision) (Rule, bool) {
	for _, r := range t.rules[from][evt] {
		if r.Decision == "" || r.Decision == decision {
			return r, true
		}
	}
	return Rule{}, false
}

// Allowed lists the events that have at least one usable rule from status, in EventNames order.
// Task guards are not applied here; Machine.Allowed does that.
func (t Table) Allowed(from domain.Status, issuesDocuments bool) []domain.EventName {
	var res []domain.EventName
	for _, evt := range domain.EventNames() {
		for _, r := range t.rules[from][evt] {
			if !r.DocumentsOnly || issuesDocuments {
				res = append(res, evt)
				break
			}
		}
	}
	return res
}
