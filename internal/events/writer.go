package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"caseline/internal/domain"
	"caseline/internal/lock"
	"caseline/internal/repo"
)

// Writer appends audit events inside the caller's locked transaction.
type Writer struct {
	Repo repo.Repo
	Now  func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, h *lock.Handle, evtType, caseID, entityKind, entityID, actorID string, payload EventPayload) (domain.Event, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	evt := domain.Event{
		TS:         w.Now().UTC().Format(time.RFC3339),
		Type:       evtType,
		CaseID:     caseID,
		EntityKind: entityKind,
		EntityID:   entityID,
		ActorID:    actorID,
		Payload:    string(data),
	}
	if err := w.Repo.InsertEvent(ctx, h.Tx(), evt); err != nil {
		return domain.Event{}, fmt.Errorf("append event %s: %w", evtType, err)
	}
	return evt, nil
}
