package events

import (
	"context"

	"caseline/internal/domain"
)

// Notification is published after a transition has committed.
type Notification struct {
	Type          string           `json:"type"`
	CaseID        string           `json:"case_id"`
	CaseReference string           `json:"case_reference,omitempty"`
	Transition    domain.EventName `json:"transition"`
	From          domain.Status    `json:"from"`
	To            domain.Status    `json:"to"`
	PackID        string           `json:"pack_id,omitempty"`
	PackReference string           `json:"pack_reference,omitempty"`
	ActorID       string           `json:"actor_id"`
	TS            string           `json:"ts"`
}

// Subscriber receives committed notifications. Failures never undo the transition.
type Subscriber interface {
	Name() string
	Notify(ctx context.Context, n Notification) error
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc struct {
	Label string
	Fn    func(ctx context.Context, n Notification) error
}

func (s SubscriberFunc) Name() string { return s.Label }

func (s SubscriberFunc) Notify(ctx context.Context, n Notification) error { return s.Fn(ctx, n) }

// Notable reports the transitions external notifiers care about.
func Notable(evt domain.EventName) bool {
	switch evt {
	case domain.EventSubmit, domain.EventComplete, domain.EventRevoke:
		return true
	}
	return false
}
