package outbox

import "fmt"

// Status represents a valid outbox entry lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusInFlight  Status = "IN_FLIGHT"
	StatusPublished Status = "PUBLISHED"
	StatusFailed    Status = "FAILED"
)

// ParseStatus validates and converts a raw string status.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)

	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrStatusInvalid, raw)
	}

	return status, nil
}

// IsValid reports whether the status is part of the outbox lifecycle.
func (status Status) IsValid() bool {
	switch status {
	case StatusPending, StatusInFlight, StatusPublished, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether a transition from status to next is allowed.
// PUBLISHED is terminal: nothing moves an entry out of it.
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusPending, StatusFailed:
		return next == StatusInFlight
	case StatusInFlight:
		return next == StatusInFlight || next == StatusPublished || next == StatusFailed
	case StatusPublished:
		return false
	default:
		return false
	}
}

// NextOnPublish resolves the status after a publish attempt. A success always
// lands on PUBLISHED. A failure observed on an entry that already reached
// PUBLISHED keeps it there; the terminal state never regresses.
func NextOnPublish(current Status, success bool) Status {
	if success {
		return StatusPublished
	}

	if current == StatusPublished {
		return StatusPublished
	}

	return StatusFailed
}

func (status Status) String() string {
	return string(status)
}
