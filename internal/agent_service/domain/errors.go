package domain

import "errors"

var (
	ErrQueueNotFound      = errors.New("queue not found")
	ErrAssignmentNotFound = errors.New("assignment not found")
	ErrAgentNotFound      = errors.New("agent status not found")

	// ErrAssignmentNotClaimable rejects claiming an assignment that is no
	// longer waiting.
	ErrAssignmentNotClaimable = errors.New("assignment is not waiting")
)
