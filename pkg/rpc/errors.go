package rpc

import (
	"context"
	"errors"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"socialbox/pkg/types"
)

const errorDomain = "socialbox"

var kindCodes = map[types.Kind]codes.Code{
	types.KindInvalidFormat:    codes.InvalidArgument,
	types.KindBadRequest:       codes.InvalidArgument,
	types.KindCryptographic:    codes.InvalidArgument,
	types.KindResolutionFailed: codes.Unavailable,
	types.KindNotFound:         codes.NotFound,
	types.KindExpired:          codes.FailedPrecondition,
	types.KindUUIDConflict:     codes.AlreadyExists,
	types.KindMethodNotAllowed: codes.PermissionDenied,
	types.KindUnauthorized:     codes.Unauthenticated,
	types.KindInternal:         codes.Internal,
}

// ToStatus converts err into a gRPC status error carrying its kind. INTERNAL
// messages are replaced unless displayInternal is set.
func ToStatus(err error, displayInternal bool) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok && !isTyped(err) {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}

	kind := types.KindOf(err)
	code, ok := kindCodes[kind]
	if !ok {
		code = codes.Internal
	}

	msg := err.Error()
	if kind == types.KindInternal && !displayInternal {
		msg = "internal server error"
	}

	st, detailErr := status.New(code, msg).WithDetails(&errdetails.ErrorInfo{
		Reason: string(kind),
		Domain: errorDomain,
	})
	if detailErr != nil {
		return status.Error(code, msg)
	}
	return st.Err()
}

// FromStatus converts a gRPC error back into a *types.Error. The kind comes
// from the status details when present, otherwise from the code.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return types.Errorf(types.KindResolutionFailed, "rpc failed: %w", err)
	}

	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok && info.Domain == errorDomain {
			return &types.Error{Kind: types.Kind(info.Reason), Message: st.Message()}
		}
	}

	var kind types.Kind
	switch st.Code() {
	case codes.InvalidArgument:
		kind = types.KindBadRequest
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		kind = types.KindResolutionFailed
	case codes.NotFound:
		kind = types.KindNotFound
	case codes.FailedPrecondition:
		kind = types.KindExpired
	case codes.AlreadyExists:
		kind = types.KindUUIDConflict
	case codes.PermissionDenied:
		kind = types.KindMethodNotAllowed
	case codes.Unauthenticated:
		kind = types.KindUnauthorized
	case codes.Unimplemented:
		kind = types.KindMethodNotAllowed
	default:
		kind = types.KindInternal
	}
	return &types.Error{Kind: kind, Message: st.Message()}
}

// Retryable reports whether a failed call may succeed if repeated.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return !isTyped(err)
	}
	switch st.Code() {
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted, codes.DeadlineExceeded:
		return true
	}
	return false
}

func isTyped(err error) bool {
	var e *types.Error
	return errors.As(err, &e)
}
