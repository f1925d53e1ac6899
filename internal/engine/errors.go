package engine

import "errors"

// Sentinel errors returned by engine operations. Callers match with
// errors.Is; wrapped variants carry the offending identifiers.
var (
	// ErrInvalidHierarchy is returned when a child item references a
	// parent that does not exist.
	ErrInvalidHierarchy = errors.New("parent work item not found")

	// ErrUnauthorizedDelegation is returned when a non-manager agent, or
	// an agent not assigned to the parent item, attempts to delegate.
	ErrUnauthorizedDelegation = errors.New("delegation not permitted")

	// ErrCycle is returned when an item's parent chain loops back on
	// itself.
	ErrCycle = errors.New("delegation cycle detected")

	// ErrDelegationDepthExceeded is returned when a delegation would make
	// the parent chain longer than the configured limit.
	ErrDelegationDepthExceeded = errors.New("delegation depth exceeded")

	// ErrDuplicateAgent is returned when registering an ID that already
	// belongs to an active agent.
	ErrDuplicateAgent = errors.New("agent id already registered")

	// ErrUnknownAgent is returned when an operation names an agent the
	// registry has never seen.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrNoEligibleResource is returned when no resource tier admits a
	// deployment item's declared requirements.
	ErrNoEligibleResource = errors.New("no eligible resource tier")

	// ErrInvalidTransition is returned for a status change the lifecycle
	// does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrStoreUnavailable wraps persistent ticket-store failures after
	// retries are exhausted.
	ErrStoreUnavailable = errors.New("ticket store unavailable")

	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")
)
