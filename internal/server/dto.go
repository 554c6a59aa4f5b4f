package server

import (
	"encoding/json"

	"caseline/internal/domain"
	"caseline/internal/workflow"
)

// Request payloads

type CreateCaseRequest struct {
	ID             string `json:"id,omitempty"`
	CaseType       string `json:"case_type" enum:"import,export,access"`
	ProcessType    string `json:"process_type,omitempty"`
	OrganisationID string `json:"organisation_id,omitempty"`
}

type DecisionDataRequest struct {
	IssueDate  string         `json:"issue_date,omitempty" format:"date"`
	ExpiryDate string         `json:"expiry_date,omitempty" format:"date"`
	PaperOnly  bool           `json:"paper_only,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

type TransitionRequest struct {
	Event    string               `json:"event" enum:"submit,take_ownership,release_ownership,request_update,respond_update,complete,withdraw,reopen,stop,acknowledge,request_variation,revoke,cancel,start_authorisation,cancel_authorisation"`
	Decision string               `json:"decision,omitempty" enum:"approve,refuse"`
	Pack     *DecisionDataRequest `json:"pack,omitempty"`
	Reason   string               `json:"reason,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	OrgID   string   `json:"org_id,omitempty"`
	Roles   []string `json:"roles,omitempty"`
}

// Responses

type CaseResponse struct {
	domain.Case
	AllowedEvents []domain.EventName `json:"allowed_events"`
}

type PackResponse struct {
	ID                     string         `json:"id"`
	CaseID                 string         `json:"case_id"`
	Revision               int            `json:"revision"`
	Kind                   string         `json:"kind"`
	Status                 string         `json:"status" enum:"draft,active,archived,revoked"`
	Reference              *string        `json:"reference,omitempty"`
	CaseReference          *string        `json:"case_reference,omitempty"`
	IssueDate              *string        `json:"issue_date,omitempty"`
	ExpiryDate             *string        `json:"expiry_date,omitempty"`
	Data                   map[string]any `json:"data,omitempty"`
	CaseCompletionDatetime *string        `json:"case_completion_datetime,omitempty" format:"date-time"`
	RevokeReason           *string        `json:"revoke_reason,omitempty"`
	SupersededBy           *string        `json:"superseded_by,omitempty"`
	CreatedAt              string         `json:"created_at" format:"date-time"`
	UpdatedAt              string         `json:"updated_at" format:"date-time"`
}

type TransitionResponse struct {
	From    domain.Status `json:"from"`
	To      domain.Status `json:"to"`
	Case    CaseResponse  `json:"case"`
	Pack    *PackResponse `json:"pack,omitempty"`
	EventID int64         `json:"event_id"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	CaseID     string         `json:"case_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type WhoAmIResponse struct {
	ActorID       string   `json:"actor_id"`
	OrgID         string   `json:"org_id,omitempty"`
	Roles         []string `json:"roles"`
	AllowedEvents []string `json:"allowed_events"`
	Source        string   `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type ReferenceResponse struct {
	Category  string `json:"category"`
	Reference string `json:"reference,omitempty"`
	Last      int64  `json:"last,omitempty"`
}

type paginatedCases struct {
	Items      []domain.Case `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func packResponse(p domain.DocumentPack) PackResponse {
	return PackResponse{
		ID:                     p.ID,
		CaseID:                 p.CaseID,
		Revision:               p.Revision,
		Kind:                   string(p.Kind),
		Status:                 string(p.Status),
		Reference:              p.Reference,
		CaseReference:          p.CaseReference,
		IssueDate:              p.IssueDate,
		ExpiryDate:             p.ExpiryDate,
		Data:                   decodeJSONMap(&p.DataJSON),
		CaseCompletionDatetime: p.CaseCompletionDatetime,
		RevokeReason:           p.RevokeReason,
		SupersededBy:           p.SupersededBy,
		CreatedAt:              p.CreatedAt,
		UpdatedAt:              p.UpdatedAt,
	}
}

func mapPacks(items []domain.DocumentPack) []PackResponse {
	out := make([]PackResponse, 0, len(items))
	for _, p := range items {
		out = append(out, packResponse(p))
	}
	return out
}

func transitionResponse(res workflow.Result, allowed []domain.EventName) TransitionResponse {
	out := TransitionResponse{
		From:    res.From,
		To:      res.To,
		Case:    CaseResponse{Case: res.Case, AllowedEvents: nonNilSlice(allowed)},
		EventID: res.Event.ID,
	}
	if res.Pack != nil {
		p := packResponse(*res.Pack)
		out.Pack = &p
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		CaseID:     e.CaseID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(&e.Payload),
	}
}

func (r DecisionDataRequest) decisionData() domain.DecisionData {
	return domain.DecisionData{
		IssueDate:  r.IssueDate,
		ExpiryDate: r.ExpiryDate,
		PaperOnly:  r.PaperOnly,
		Data:       r.Data,
	}
}

// JSON helpers

func decodeJSONMap(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(*raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
