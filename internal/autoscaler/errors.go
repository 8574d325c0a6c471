package autoscaler

import "errors"

var (
	// ErrInvalidPool is returned when a pool configuration cannot be honoured
	ErrInvalidPool = errors.New("invalid pool configuration")

	// ErrProvisionFailed is returned when no agent could be launched
	ErrProvisionFailed = errors.New("failed to provision agents")
)
