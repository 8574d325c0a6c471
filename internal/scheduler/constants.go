package scheduler

import "time"

const (
	// lockPrefix namespaces task locks in the lock bucket
	lockPrefix = "lock.task"

	defaultBaseDuration   = time.Minute
	defaultMaxInvocation  = 30 * time.Minute
	defaultAdmitTimeout   = 5 * time.Second
	defaultAdmitPoll      = 50 * time.Millisecond
	defaultNoAgentTimeout = 5 * time.Minute
	defaultCheckpointPoll = 30 * time.Second
	defaultLockLease      = 2 * time.Minute
	defaultIdleWait       = 100 * time.Millisecond
	defaultMaxRetries     = 3
	defaultRetryInterval  = time.Second
	defaultRetryBatch     = 100

	// Dead-letter reasons
	ReasonAdmissionFailed   = "admission_failed"
	ReasonRetriesExhausted  = "retries_exhausted"
	ReasonNoEligibleAgent   = "no_eligible_agent"
	ReasonVerificationFails = "verification_failed"
)
