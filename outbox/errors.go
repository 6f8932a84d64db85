package outbox

import "errors"

// Sentinel errors for the outbox lifecycle and relay wiring.
var (
	ErrStatusInvalid      = errors.New("outbox status is not valid")
	ErrRepositoryRequired = errors.New("outbox repository is required")
	ErrPublisherRequired  = errors.New("outbox publisher is required")
	ErrRelayRunning       = errors.New("outbox relay is already running")
	ErrEntryNotFound      = errors.New("outbox entry not found")
	ErrPayloadNotJSON     = errors.New("outbox payload must be valid JSON")
	ErrPayloadEmpty       = errors.New("outbox payload is required")
	ErrTenantRequired     = errors.New("outbox tenant id is required")
)
