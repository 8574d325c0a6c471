package flow

import (
	"errors"
	"fmt"
)

// ErrRejected is the parent of every admission rejection
var ErrRejected = errors.New("request rejected")

// Reasons a request can be turned away before reaching its target
const (
	ReasonCircuitOpen        = "circuit_open"
	ReasonRateLimited        = "rate_limited"
	ReasonConcurrencyLimited = "concurrency_limited"
	ReasonUnauthorized       = "unauthorized"
)

// RejectedError reports why admission failed
type RejectedError struct {
	Reason string
	Key    string
	Err    error
}

func (e *RejectedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%s): %v", ErrRejected, e.Reason, e.Key, e.Err)
	}
	return fmt.Sprintf("%s: %s (%s)", ErrRejected, e.Reason, e.Key)
}

// Is makes errors.Is(err, ErrRejected) hold for every RejectedError
func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

// RejectionReason returns the reason of a rejection, or "" if err is not one
func RejectionReason(err error) string {
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return rejected.Reason
	}
	return ""
}
