package rpc

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"distributed-resize/internal/domain"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// permanentErrors are never retried by the envelope.
var permanentErrors = []error{
	domain.ErrCapabilityNotFound,
	domain.ErrRegistrationRejected,
	domain.ErrMissingAddress,
	domain.ErrEmptyCapability,
	domain.ErrInvalidRecord,
}

var sentinelCodes = map[error]codes.Code{
	domain.ErrCapabilityNotFound:   codes.NotFound,
	domain.ErrRegistrationRejected: codes.FailedPrecondition,
	domain.ErrMissingAddress:       codes.InvalidArgument,
	domain.ErrEmptyCapability:      codes.InvalidArgument,
	domain.ErrInvalidRecord:        codes.InvalidArgument,
}

// ToStatus converts a handler error into a gRPC status error.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	for sentinel, code := range sentinelCodes {
		if errors.Is(err, sentinel) {
			return status.Error(code, err.Error())
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// FromStatus recovers the domain sentinel carried by a gRPC status error.
// It returns err unchanged when no sentinel matches.
func FromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok || st.Code() == codes.OK {
		return err
	}
	for sentinel, code := range sentinelCodes {
		if st.Code() == code && strings.Contains(st.Message(), sentinel.Error()) {
			return fmt.Errorf("%w: %s", sentinel, st.Message())
		}
	}
	return err
}

// Retryable reports whether the envelope should resend after err.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	for _, sentinel := range permanentErrors {
		if errors.Is(err, sentinel) {
			return false
		}
	}
	switch status.Code(err) {
	case codes.InvalidArgument, codes.NotFound, codes.FailedPrecondition,
		codes.Unimplemented, codes.AlreadyExists, codes.PermissionDenied,
		codes.Unauthenticated, codes.Canceled:
		return false
	}
	return true
}
