package registry

import "errors"

var (
	// ErrAgentNotFound is returned when an agent is not registered
	ErrAgentNotFound = errors.New("agent not found")

	// ErrInvalidAgent is returned when a registration is missing required fields
	ErrInvalidAgent = errors.New("invalid agent")

	// ErrInvalidTransition is returned when a status change breaks the agent state machine
	ErrInvalidTransition = errors.New("invalid agent status transition")

	// ErrNoCapacity is returned when an agent has no free task slot
	ErrNoCapacity = errors.New("agent has no spare capacity")

	// ErrAgentUnavailable is returned when an agent cannot take new work
	ErrAgentUnavailable = errors.New("agent not accepting work")

	// ErrUnknownStrategy is returned for an unknown discovery strategy name
	ErrUnknownStrategy = errors.New("unknown discovery strategy")
)
