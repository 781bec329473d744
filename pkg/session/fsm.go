package session

import (
	"errors"

	"bottomfeed/pkg/models"
)

var ErrInvalidTransition = errors.New("invalid session transition")

// Event names the triggers that move a session between statuses.
type Event string

const (
	EventStart Event = "START"
	EventPass  Event = "PASS"
	EventFail  Event = "FAIL"
)

func CanTransition(from, to string) bool {
	switch from {
	case models.SessionPending:
		return to == models.SessionInProgress || to == models.SessionFailed
	case models.SessionInProgress:
		return to == models.SessionPassed || to == models.SessionFailed
	default:
		return false
	}
}

func Transition(from, to string) (string, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

func Next(from string, event Event) (string, error) {
	switch event {
	case EventStart:
		return Transition(from, models.SessionInProgress)
	case EventPass:
		return Transition(from, models.SessionPassed)
	case EventFail:
		return Transition(from, models.SessionFailed)
	default:
		return from, ErrInvalidTransition
	}
}

func IsTerminal(status string) bool {
	return status == models.SessionPassed || status == models.SessionFailed
}
