package core

import "errors"

// Sentinel errors. Protocol errors are local and recoverable; callers match
// them with errors.Is.
var (
	// ErrRoleViolation is returned when a non-leader attempts to broadcast.
	ErrRoleViolation = errors.New("role violation: only a leader may broadcast")
	// ErrCorruptMessage is returned when a received message fails checksum
	// verification. The message is dropped.
	ErrCorruptMessage = errors.New("corrupt message: checksum mismatch")
	// ErrDegenerateVector is returned when follower and leader positions
	// coincide, leaving no direction to correct along.
	ErrDegenerateVector = errors.New("degenerate direction vector: positions coincide")

	ErrInvalidAgent = errors.New("invalid agent")
	ErrUnknownAgent = errors.New("agent not found")
	ErrAgentExists  = errors.New("agent already exists")
	ErrLeaderExists = errors.New("swarm already has a leader")
)
