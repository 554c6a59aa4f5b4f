package caselinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Caseline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v0",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Case represents the API case model (partial).
type Case struct {
	ID              string   `json:"id"`
	CaseType        string   `json:"case_type"`
	ProcessType     string   `json:"process_type,omitempty"`
	Status          string   `json:"status"`
	OrganisationID  string   `json:"organisation_id"`
	CaseOfficerID   string   `json:"case_officer_id,omitempty"`
	Reference       string   `json:"reference,omitempty"`
	VariationCount  int      `json:"variation_count"`
	Decision        string   `json:"decision,omitempty"`
	IsActive        bool     `json:"is_active"`
	SubmittedAt     string   `json:"submitted_at,omitempty"`
	LastSubmittedAt string   `json:"last_submitted_at,omitempty"`
	AllowedEvents   []string `json:"allowed_events,omitempty"`
}

// Task is one entry of a case ledger.
type Task struct {
	ID         string `json:"id"`
	CaseID     string `json:"case_id"`
	Ordinal    int    `json:"ordinal"`
	TaskType   string `json:"task_type"`
	IsActive   bool   `json:"is_active"`
	OwnerID    string `json:"owner_id,omitempty"`
	CreatedAt  string `json:"created_at"`
	FinishedAt string `json:"finished_at,omitempty"`
}

// Pack is an issued or draft licence/certificate.
type Pack struct {
	ID            string         `json:"id"`
	CaseID        string         `json:"case_id"`
	Revision      int            `json:"revision"`
	Kind          string         `json:"kind"`
	Status        string         `json:"status"`
	Reference     string         `json:"reference,omitempty"`
	CaseReference string         `json:"case_reference,omitempty"`
	IssueDate     string         `json:"issue_date,omitempty"`
	ExpiryDate    string         `json:"expiry_date,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	RevokeReason  string         `json:"revoke_reason,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	CaseID     string         `json:"case_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// Transition is the body of POST /cases/{id}/transitions.
type Transition struct {
	Event    string    `json:"event"`
	Decision string    `json:"decision,omitempty"`
	Pack     *PackData `json:"pack,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

type PackData struct {
	IssueDate  string         `json:"issue_date,omitempty"`
	ExpiryDate string         `json:"expiry_date,omitempty"`
	PaperOnly  bool           `json:"paper_only,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// TransitionResult reports an applied event.
type TransitionResult struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Case    Case   `json:"case"`
	Pack    *Pack  `json:"pack,omitempty"`
	EventID int64  `json:"event_id"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given code, e.g. "invalid_transition" or "case_busy".
func IsCode(err error, code string) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == code
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// DevLogin mints a token on servers started with --dev-login and stores it on the client.
func (c *Client) DevLogin(ctx context.Context, actorID, orgID string, roles ...string) error {
	body := map[string]any{"actor_id": actorID, "org_id": orgID, "roles": roles}
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "auth/dev/login", body, &resp); err != nil {
		return err
	}
	c.BearerToken = resp.Token
	return nil
}

// CreateCase starts a case. An empty orgID falls back to the token's organisation.
func (c *Client) CreateCase(ctx context.Context, caseType, processType, orgID string) (Case, error) {
	body := map[string]any{"case_type": caseType}
	if processType != "" {
		body["process_type"] = processType
	}
	if orgID != "" {
		body["organisation_id"] = orgID
	}
	var resp Case
	err := c.do(ctx, http.MethodPost, "cases", body, &resp)
	return resp, err
}

func (c *Client) GetCase(ctx context.Context, id string) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodGet, "cases/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Transition applies one lifecycle event.
func (c *Client) Transition(ctx context.Context, caseID string, t Transition) (TransitionResult, error) {
	var resp TransitionResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("cases/%s/transitions", url.PathEscape(caseID)), t, &resp)
	return resp, err
}

func (c *Client) Tasks(ctx context.Context, caseID string) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("cases/%s/tasks", url.PathEscape(caseID)), nil, &resp)
	return resp, err
}

// ActivePack returns the licence currently in force.
func (c *Client) ActivePack(ctx context.Context, caseID string) (Pack, error) {
	var resp Pack
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("cases/%s/packs/active", url.PathEscape(caseID)), nil, &resp)
	return resp, err
}

func (c *Client) Packs(ctx context.Context, caseID string, issuedOnly bool) ([]Pack, error) {
	endpoint := fmt.Sprintf("cases/%s/packs", url.PathEscape(caseID))
	if issuedOnly {
		endpoint += "?issued=true"
	}
	var resp []Pack
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, caseID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if caseID != "" {
		q.Set("case_id", caseID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// MailshotReference allocates the next mailshot reference.
func (c *Client) MailshotReference(ctx context.Context) (string, error) {
	var resp struct {
		Reference string `json:"reference"`
	}
	err := c.do(ctx, http.MethodPost, "references/mailshot", nil, &resp)
	return resp.Reference, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
