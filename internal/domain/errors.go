package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned when an event is not legal from a case's current status.
	ErrInvalidTransition = errors.New("invalid transition")

	ErrDuplicateActiveTask = errors.New("active task already exists")
	ErrNoActiveTask        = errors.New("no active task")
	ErrDraftAlreadyExists  = errors.New("draft document pack already exists")
	ErrNotADraft           = errors.New("document pack is not a draft")
	ErrNoActivePack        = errors.New("case has no active document pack")
	ErrNotActive           = errors.New("document pack is not active")

	ErrAllocationFailure = errors.New("reference allocation failed")
	// ErrLockTimeout means the case lock could not be taken in time. Safe to retry.
	ErrLockTimeout = errors.New("case is busy")
)

// TransitionError describes a rejected event. errors.Is(err, ErrInvalidTransition) holds for it.
type TransitionError struct {
	From   Status
	Event  EventName
	Reason string
}

func (e *TransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid transition: %s from %s: %s", e.Event, e.From, e.Reason)
	}
	return fmt.Sprintf("invalid transition: %s from %s", e.Event, e.From)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// IsInvariantBreach reports errors that only appear when the locking discipline has been
// bypassed or a caller is buggy.
func IsInvariantBreach(err error) bool {
	switch {
	case errors.Is(err, ErrDuplicateActiveTask),
		errors.Is(err, ErrNoActiveTask),
		errors.Is(err, ErrDraftAlreadyExists),
		errors.Is(err, ErrNotADraft),
		errors.Is(err, ErrNoActivePack),
		errors.Is(err, ErrNotActive):
		return true
	}
	return false
}

// IsRetryable reports errors after which the whole operation may be attempted again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrAllocationFailure)
}

const genericUserMessage = "Something went wrong. The problem has been logged."

// UserMessage maps an error to the text shown to an end user.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var te *TransitionError
	switch {
	case errors.As(err, &te):
		return fmt.Sprintf("This case cannot be moved to %q while it is %s.", string(te.Event), humanStatus(te.From))
	case errors.Is(err, ErrInvalidTransition):
		return "This action is not allowed for the case in its current state."
	case errors.Is(err, ErrLockTimeout):
		return "This case is being updated by someone else. Please try again."
	}
	return genericUserMessage
}

func humanStatus(s Status) string {
	switch s {
	case StatusInProgress:
		return "in progress"
	case StatusUpdateRequested:
		return "awaiting an update"
	case StatusVariationRequested:
		return "under variation"
	}
	b := []byte(string(s))
	for i, c := range b {
		switch {
		case c == '_':
			b[i] = ' '
		case c >= 'A' && c <= 'Z':
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
