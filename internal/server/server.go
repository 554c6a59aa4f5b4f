package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"caseline/internal/domain"
	"caseline/internal/engine"
	"caseline/internal/reference"
	"caseline/internal/repo"
	"caseline/internal/workflow"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// Gatherer, when set, is served on /metrics.
	Gatherer prometheus.Gatherer
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"This case cannot be moved to \"complete\" while it is submitted."`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"event\":\"complete\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Caseline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine.DB == nil {
		return nil, errors.New("server: engine has no database")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Engine.Log
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Caseline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "/docs"
	hcfg.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		bearerScheme: {Type: "http", Scheme: "bearer", BearerFormat: "JWT"},
	}
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	if cfg.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	registerHealth(group)
	registerStats(group, cfg.Engine)
	registerCases(group, cfg.Engine)
	registerTransitions(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerPacks(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerReferences(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	requireBearer(api.OpenAPI(), "health", "dev-login")

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps engine errors onto the envelope. Breaches never leak their cause.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"event": fe.Event})
	}
	var te *domain.TransitionError
	switch {
	case errors.As(err, &te):
		details := map[string]any{"from": te.From, "event": te.Event}
		if te.Reason != "" {
			details["reason"] = te.Reason
		}
		return newAPIError(http.StatusConflict, "invalid_transition", domain.UserMessage(err), details)
	case errors.Is(err, domain.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", domain.UserMessage(err), nil)
	case errors.Is(err, domain.ErrLockTimeout):
		return newAPIError(http.StatusServiceUnavailable, "case_busy", domain.UserMessage(err), nil)
	case errors.Is(err, domain.ErrAllocationFailure):
		return newAPIError(http.StatusServiceUnavailable, "retry", "reference allocation failed, please retry", nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case domain.IsInvariantBreach(err):
		return newAPIError(http.StatusInternalServerError, "internal_error", domain.UserMessage(err), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "unknown") || strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", domain.UserMessage(err), nil)
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStats(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "case-stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Active cases by status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		counts, err := e.CaseCounts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: counts}, nil
	})
}

type casePath struct {
	CaseID string `path:"case_id"`
}

func registerCases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-case",
		Method:        http.MethodPost,
		Path:          "/cases",
		Summary:       "Start a case",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateCaseRequest `json:"body"`
	}) (*struct {
		Body CaseResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		org := strings.TrimSpace(input.Body.OrganisationID)
		if org == "" {
			org = principal.OrgID
		}
		if org == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "organisation_id is required", nil)
		}
		c, err := e.CreateCase(ctx, engine.CreateCaseOptions{
			ID:             strings.TrimSpace(input.Body.ID),
			CaseType:       domain.CaseType(input.Body.CaseType),
			ProcessType:    strings.TrimSpace(input.Body.ProcessType),
			OrganisationID: org,
			ActorID:        principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		body, err := caseResponse(ctx, e, principal, c)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseResponse `json:"body"`
		}{Body: body}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cases",
		Method:      http.MethodGet,
		Path:        "/cases",
		Summary:     "List cases",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status         string `query:"status"`
		CaseType       string `query:"case_type"`
		OrganisationID string `query:"organisation_id"`
		OfficerID      string `query:"officer_id"`
		IncludeRetired bool   `query:"include_retired"`
		Limit          int    `query:"limit" default:"50"`
		Cursor         string `query:"cursor"`
	}) (*struct {
		Body paginatedCases `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Status != "" && !domain.Status(input.Status).Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid status", map[string]any{"status": input.Status})
		}
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.ListCases(ctx, repo.CaseFilters{
			Status:          input.Status,
			CaseType:        input.CaseType,
			OrganisationID:  input.OrganisationID,
			OfficerID:       input.OfficerID,
			IncludeRetired:  input.IncludeRetired,
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedCases{Items: []domain.Case{}}
		if len(items) > limit {
			items = items[:limit]
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedCases `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-case",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}",
		Summary:     "Get a case and the events the caller may trigger on it",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *casePath) (*struct {
		Body CaseResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		view, err := e.GetCase(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseResponse `json:"body"`
		}{Body: CaseResponse{Case: view.Case, AllowedEvents: nonNilSlice(allowedForPrincipal(e.Config, principal, view.Allowed))}}, nil
	})

	for _, op := range []struct {
		id, suffix, summary string
		active              bool
	}{
		{"deactivate-case", "deactivate", "Soft-deactivate a case", false},
		{"reactivate-case", "reactivate", "Reactivate a case", true},
	} {
		huma.Register(api, huma.Operation{
			OperationID: op.id,
			Method:      http.MethodPost,
			Path:        "/cases/{case_id}/" + op.suffix,
			Summary:     op.summary,
			Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusServiceUnavailable},
		}, func(ctx context.Context, input *casePath) (*struct {
			Body CaseResponse `json:"body"`
		}, error) {
			principal, authErr := principalFromRequest(ctx)
			if authErr != nil {
				return nil, authErr
			}
			if err := authorize(e.Config, principal, op.suffix); err != nil {
				return nil, handleError(err)
			}
			c, err := e.SetActive(ctx, input.CaseID, op.active, principal.ActorID)
			if err != nil {
				return nil, handleError(err)
			}
			body, err := caseResponse(ctx, e, principal, c)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body CaseResponse `json:"body"`
			}{Body: body}, nil
		})
	}
}

func caseResponse(ctx context.Context, e engine.Engine, p Principal, c domain.Case) (CaseResponse, error) {
	allowed, err := e.AllowedEvents(ctx, c)
	if err != nil {
		return CaseResponse{}, err
	}
	return CaseResponse{Case: c, AllowedEvents: nonNilSlice(allowedForPrincipal(e.Config, p, allowed))}, nil
}

func registerTransitions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "transition-case",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/transitions",
		Summary:     "Apply a lifecycle event to a case",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		CaseID string            `path:"case_id"`
		Body   TransitionRequest `json:"body"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := authorize(e.Config, principal, input.Body.Event); err != nil {
			return nil, handleError(err)
		}
		ev := workflow.Event{
			Name:     domain.EventName(input.Body.Event),
			Decision: domain.Decision(input.Body.Decision),
			ActorID:  principal.ActorID,
			Reason:   strings.TrimSpace(input.Body.Reason),
		}
		if input.Body.Pack != nil {
			ev.Pack = input.Body.Pack.decisionData()
		}
		res, err := e.Transition(ctx, input.CaseID, ev)
		if err != nil {
			return nil, handleError(err)
		}
		open, err := e.AllowedEvents(ctx, res.Case)
		if err != nil {
			return nil, handleError(err)
		}
		allowed := allowedForPrincipal(e.Config, principal, open)
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: transitionResponse(res, allowed)}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-case-tasks",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/tasks",
		Summary:     "Task ledger of a case, oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *casePath) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		tasks, err := e.Tasks(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: nonNilSlice(tasks)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "current-case-task",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/tasks/current",
		Summary:     "The active task of a type",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
		Type   string `query:"type" enum:"prepare,process,ack" default:"process"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		task, ok, err := e.CurrentTask(ctx, input.CaseID, domain.TaskType(input.Type))
		if err != nil {
			return nil, handleError(err)
		}
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "no active "+input.Type+" task", nil)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: task}, nil
	})
}

func registerPacks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-case-packs",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/packs",
		Summary:     "Document pack history, oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
		Issued bool   `query:"issued" doc:"Only packs that were ever issued"`
	}) (*struct {
		Body []PackResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		var (
			packs []domain.DocumentPack
			err   error
		)
		if input.Issued {
			packs, err = e.IssuedPacks(ctx, input.CaseID)
		} else {
			packs, err = e.PackHistory(ctx, input.CaseID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []PackResponse `json:"body"`
		}{Body: mapPacks(packs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "active-case-pack",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/packs/active",
		Summary:     "The issued pack currently in force",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *casePath) (*struct {
		Body PackResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		p, ok, err := e.ActivePack(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "case has no active document pack", nil)
		}
		return &struct {
			Body PackResponse `json:"body"`
		}{Body: packResponse(p)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		CaseID     string `query:"case_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"case,reference"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Events(ctx, repo.EventFilters{
			CaseID:     input.CaseID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     cursorID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerReferences(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "allocate-mailshot-reference",
		Method:        http.MethodPost,
		Path:          "/references/mailshot",
		Summary:       "Allocate the next mailshot reference",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ReferenceResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ref, err := e.MailshotReference(ctx, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReferenceResponse `json:"body"`
		}{Body: ReferenceResponse{Category: string(reference.CategoryMailshot), Reference: ref}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "last-reference",
		Method:      http.MethodGet,
		Path:        "/references/{category}/last",
		Summary:     "Latest number issued for a reference category",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Category string `path:"category" enum:"case,licence,certificate,mailshot,access_request"`
	}) (*struct {
		Body ReferenceResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		n, err := e.LastReference(ctx, reference.Category(input.Category))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReferenceResponse `json:"body"`
		}{Body: ReferenceResponse{Category: input.Category, Last: int64(n)}}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var events []string
		for _, evt := range allowedForPrincipal(e.Config, principal, domain.EventNames()) {
			events = append(events, string(evt))
		}
		sort.Strings(events)
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:       principal.ActorID,
			OrgID:         principal.OrgID,
			Roles:         nonNilSlice(principal.Roles),
			AllowedEvents: nonNilSlice(events),
			Source:        principal.Source,
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, strings.TrimSpace(input.Body.OrgID), input.Body.Roles, 0)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
