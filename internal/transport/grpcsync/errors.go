package grpcsync

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/swarm-sync/core"
)

// ToStatusError maps protocol errors onto gRPC status codes.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, core.ErrCorruptMessage):
		return status.Error(codes.DataLoss, err.Error())
	case errors.Is(err, core.ErrDegenerateVector):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, core.ErrUnknownAgent):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, core.ErrRoleViolation):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, ErrMalformedRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// FromStatusError maps a gRPC status back onto the protocol sentinel it came
// from, so callers can keep using errors.Is across the wire.
func FromStatusError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	var sentinel error
	switch st.Code() {
	case codes.DataLoss:
		sentinel = core.ErrCorruptMessage
	case codes.FailedPrecondition:
		sentinel = core.ErrDegenerateVector
	case codes.NotFound:
		sentinel = core.ErrUnknownAgent
	case codes.PermissionDenied:
		sentinel = core.ErrRoleViolation
	case codes.InvalidArgument:
		sentinel = ErrMalformedRequest
	default:
		return err
	}
	return fmt.Errorf("%w (remote: %s)", sentinel, st.Message())
}
