package domain

// CaseType discriminates import applications, export applications and access requests.
type CaseType string

const (
	CaseTypeImport CaseType = "import"
	CaseTypeExport CaseType = "export"
	CaseTypeAccess CaseType = "access"
)

type Status string

const (
	StatusInProgress         Status = "IN_PROGRESS"
	StatusSubmitted          Status = "SUBMITTED"
	StatusProcessing         Status = "PROCESSING"
	StatusUpdateRequested    Status = "UPDATE_REQUESTED"
	StatusVariationRequested Status = "VARIATION_REQUESTED"
	StatusCompleted          Status = "COMPLETED"
	StatusRefused            Status = "REFUSED"
	StatusWithdrawn          Status = "WITHDRAWN"
	StatusStopped            Status = "STOPPED"
	StatusRevoked            Status = "REVOKED"
)

// Statuses lists every case status in lifecycle order.
func Statuses() []Status {
	return []Status{
		StatusInProgress,
		StatusSubmitted,
		StatusProcessing,
		StatusUpdateRequested,
		StatusVariationRequested,
		StatusCompleted,
		StatusRefused,
		StatusWithdrawn,
		StatusStopped,
		StatusRevoked,
	}
}

func (s Status) Valid() bool {
	for _, st := range Statuses() {
		if st == s {
			return true
		}
	}
	return false
}

// EventName is a state machine input.
type EventName string

const (
	EventSubmit           EventName = "submit"
	EventTakeOwnership    EventName = "take_ownership"
	EventReleaseOwnership EventName = "release_ownership"
	EventRequestUpdate    EventName = "request_update"
	EventRespondUpdate    EventName = "respond_update"
	EventComplete         EventName = "complete"
	EventWithdraw         EventName = "withdraw"
	EventReopen           EventName = "reopen"
	EventStop             EventName = "stop"
	EventAcknowledge      EventName = "acknowledge"
	EventRequestVariation EventName = "request_variation"
	EventRevoke           EventName = "revoke"

	// EventCancel discards an application that was never submitted.
	EventCancel              EventName = "cancel"
	EventStartAuthorisation  EventName = "start_authorisation"
	EventCancelAuthorisation EventName = "cancel_authorisation"
)

func EventNames() []EventName {
	return []EventName{
		EventSubmit,
		EventTakeOwnership,
		EventReleaseOwnership,
		EventRequestUpdate,
		EventRespondUpdate,
		EventComplete,
		EventWithdraw,
		EventReopen,
		EventStop,
		EventAcknowledge,
		EventRequestVariation,
		EventRevoke,
		EventCancel,
		EventStartAuthorisation,
		EventCancelAuthorisation,
	}
}

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionRefuse  Decision = "refuse"
)

type TaskType string

const (
	TaskPrepare TaskType = "prepare"
	TaskProcess TaskType = "process"
	TaskAck     TaskType = "ack"

	// TaskAuthorise is the sign-off step between processing and issue.
	TaskAuthorise TaskType = "authorise"
)

type DocumentKind string

const (
	DocumentLicence     DocumentKind = "licence"
	DocumentCertificate DocumentKind = "certificate"
)

type PackStatus string

const (
	PackDraft    PackStatus = "draft"
	PackActive   PackStatus = "active"
	PackArchived PackStatus = "archived"
	PackRevoked  PackStatus = "revoked"
)

type Case struct {
	ID              string    `json:"id" db:"id"`
	CaseType        CaseType  `json:"case_type" db:"case_type" enum:"import,export,access"`
	ProcessType     string    `json:"process_type,omitempty" db:"process_type"`
	Status          Status    `json:"status" db:"status"`
	OrganisationID  string    `json:"organisation_id" db:"organisation_id"`
	CaseOfficerID   *string   `json:"case_officer_id,omitempty" db:"case_officer_id"`
	CreatedBy       string    `json:"created_by" db:"created_by"`
	Reference       *string   `json:"reference,omitempty" db:"reference"`
	VariationCount  int       `json:"variation_count" db:"variation_count"`
	Decision        *Decision `json:"decision,omitempty" db:"decision"`
	WithdrawnFrom   *Status   `json:"withdrawn_from,omitempty" db:"withdrawn_from"`
	IsActive        bool      `json:"is_active" db:"is_active"`
	LockVersion     int64     `json:"-" db:"lock_version"`
	CreatedAt       string    `json:"created_at" db:"created_at" format:"date-time"`
	SubmittedAt     *string   `json:"submitted_at,omitempty" db:"submitted_at" format:"date-time"`
	LastSubmittedAt *string   `json:"last_submitted_at,omitempty" db:"last_submitted_at" format:"date-time"`
	UpdatedAt       string    `json:"updated_at" db:"updated_at" format:"date-time"`
}

// Task is one entry of a case's ledger. Tasks are closed, never deleted.
type Task struct {
	ID         string   `json:"id" db:"id"`
	CaseID     string   `json:"case_id" db:"case_id"`
	Ordinal    int      `json:"ordinal" db:"ordinal"`
	TaskType   TaskType `json:"task_type" db:"task_type"`
	IsActive   bool     `json:"is_active" db:"is_active"`
	OwnerID    *string  `json:"owner_id,omitempty" db:"owner_id"`
	PreviousID *string  `json:"previous_id,omitempty" db:"previous_id"`
	CreatedAt  string   `json:"created_at" db:"created_at" format:"date-time"`
	FinishedAt *string  `json:"finished_at,omitempty" db:"finished_at" format:"date-time"`
}

type DocumentPack struct {
	ID                     string       `json:"id" db:"id"`
	CaseID                 string       `json:"case_id" db:"case_id"`
	Revision               int          `json:"revision" db:"revision"`
	Kind                   DocumentKind `json:"kind" db:"kind"`
	Status                 PackStatus   `json:"status" db:"status" enum:"draft,active,archived,revoked"`
	Reference              *string      `json:"reference,omitempty" db:"reference"`
	Number                 *int64       `json:"document_number,omitempty" db:"document_number"` // reused by licence variations
	CaseReference          *string      `json:"case_reference,omitempty" db:"case_reference"`
	IssueDate              *string      `json:"issue_date,omitempty" db:"issue_date"`
	ExpiryDate             *string      `json:"expiry_date,omitempty" db:"expiry_date"`
	DataJSON               string       `json:"data_json,omitempty" db:"data_json"`
	CaseCompletionDatetime *string      `json:"case_completion_datetime,omitempty" db:"case_completion_datetime" format:"date-time"`
	RevokeReason           *string      `json:"revoke_reason,omitempty" db:"revoke_reason"`
	SupersededBy           *string      `json:"superseded_by,omitempty" db:"superseded_by"`
	CreatedAt              string       `json:"created_at" db:"created_at" format:"date-time"`
	UpdatedAt              string       `json:"updated_at" db:"updated_at" format:"date-time"`
}

// DecisionData is what an officer records against a draft pack when approving a case.
type DecisionData struct {
	IssueDate  string         `json:"issue_date,omitempty"`
	ExpiryDate string         `json:"expiry_date,omitempty"`
	PaperOnly  bool           `json:"paper_only,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

type Event struct {
	ID         int64  `json:"id" db:"id"`
	TS         string `json:"ts" db:"ts" format:"date-time"`
	Type       string `json:"type" db:"type"`
	CaseID     string `json:"case_id,omitempty" db:"case_id"`
	EntityKind string `json:"entity_kind" db:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty" db:"entity_id"`
	ActorID    string `json:"actor_id" db:"actor_id"`
	Payload    string `json:"payload_json" db:"payload_json"`
}

// StrPtr returns nil for the empty string.
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
