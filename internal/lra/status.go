package lra

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of a long running action.
type Status string

// Action states. Active is initial; Closed and Cancelled are terminal
// successes; FailedToClose and FailedToCancel are terminal failures that must
// be persisted before the action is evicted from memory.
const (
	StatusActive         Status = "Active"
	StatusClosing        Status = "Closing"
	StatusClosed         Status = "Closed"
	StatusCancelling     Status = "Cancelling"
	StatusCancelled      Status = "Cancelled"
	StatusFailedToClose  Status = "FailedToClose"
	StatusFailedToCancel Status = "FailedToCancel"
)

var allStatuses = []Status{
	StatusActive, StatusClosing, StatusClosed, StatusCancelling,
	StatusCancelled, StatusFailedToClose, StatusFailedToCancel,
}

// ParseStatus resolves a status name, ignoring case.
func ParseStatus(raw string) (Status, error) {
	for _, s := range allStatuses {
		if strings.EqualFold(string(s), strings.TrimSpace(raw)) {
			return s, nil
		}
	}
	return "", fmt.Errorf("lra: unknown status %q", raw)
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusClosed, StatusCancelled, StatusFailedToClose, StatusFailedToCancel:
		return true
	}
	return false
}

// Failed reports a terminal failure.
func (s Status) Failed() bool {
	return s == StatusFailedToClose || s == StatusFailedToCancel
}

// Ending reports whether end has been requested but not reached a terminal
// state.
func (s Status) Ending() bool {
	return s == StatusClosing || s == StatusCancelling
}

// Compensating reports whether s belongs to the cancel path.
func (s Status) Compensating() bool {
	switch s {
	case StatusCancelling, StatusCancelled, StatusFailedToCancel:
		return true
	}
	return false
}

func endingStatus(compensate bool) Status {
	if compensate {
		return StatusCancelling
	}
	return StatusClosing
}

func finalStatus(compensate, failed bool) Status {
	switch {
	case compensate && failed:
		return StatusFailedToCancel
	case compensate:
		return StatusCancelled
	case failed:
		return StatusFailedToClose
	default:
		return StatusClosed
	}
}

// ParticipantStatus tracks one participant's progress through completion or
// compensation.
type ParticipantStatus string

// Participant states.
const (
	ParticipantActive             ParticipantStatus = "Active"
	ParticipantCompleting         ParticipantStatus = "Completing"
	ParticipantCompleted          ParticipantStatus = "Completed"
	ParticipantFailedToComplete   ParticipantStatus = "FailedToComplete"
	ParticipantCompensating       ParticipantStatus = "Compensating"
	ParticipantCompensated        ParticipantStatus = "Compensated"
	ParticipantFailedToCompensate ParticipantStatus = "FailedToCompensate"
)

// ParseParticipantStatus resolves a participant status name, ignoring case.
// ok is false for anything unrecognised.
func ParseParticipantStatus(raw string) (ParticipantStatus, bool) {
	raw = strings.TrimSpace(raw)
	for _, s := range []ParticipantStatus{
		ParticipantActive, ParticipantCompleting, ParticipantCompleted, ParticipantFailedToComplete,
		ParticipantCompensating, ParticipantCompensated, ParticipantFailedToCompensate,
	} {
		if strings.EqualFold(string(s), raw) {
			return s, true
		}
	}
	return "", false
}

// Done reports a successful participant outcome.
func (s ParticipantStatus) Done() bool {
	return s == ParticipantCompleted || s == ParticipantCompensated
}

// Failed reports a participant that gave up.
func (s ParticipantStatus) Failed() bool {
	return s == ParticipantFailedToComplete || s == ParticipantFailedToCompensate
}

// Settled reports whether the participant needs no further calls.
func (s ParticipantStatus) Settled() bool {
	return s.Done() || s.Failed()
}

// Outcome returns the done, in-progress and failed states for the direction.
func Outcome(compensate bool) (done, pending, failed ParticipantStatus) {
	if compensate {
		return ParticipantCompensated, ParticipantCompensating, ParticipantFailedToCompensate
	}
	return ParticipantCompleted, ParticipantCompleting, ParticipantFailedToComplete
}
