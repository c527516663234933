package errors

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for rehash operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeUnknownCommand  ErrorCode = 1001
	ErrCodeNotOwner        ErrorCode = 1002
	ErrCodeChecksumFailed  ErrorCode = 1003

	// Server errors
	ErrCodeInternal      ErrorCode = 2000
	ErrCodeUnavailable   ErrorCode = 2001
	ErrCodePullFailed    ErrorCode = 2002
	ErrCodePushFailed    ErrorCode = 2003
	ErrCodeTranslogState ErrorCode = 2004
	ErrCodeEpisodeFailed ErrorCode = 2005
	ErrCodeTimeout       ErrorCode = 2006
)

// RehashError represents a structured error with code and context
type RehashError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *RehashError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *RehashError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts RehashError to gRPC status
func (e *RehashError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

func (e *RehashError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeUnknownCommand:
		return codes.InvalidArgument
	case ErrCodeNotOwner:
		return codes.FailedPrecondition
	case ErrCodeChecksumFailed:
		return codes.DataLoss
	case ErrCodeUnavailable, ErrCodePullFailed, ErrCodePushFailed:
		return codes.Unavailable
	case ErrCodeTimeout:
		return codes.DeadlineExceeded
	case ErrCodeTranslogState:
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}

// NewRehashError creates a new RehashError
func NewRehashError(code ErrorCode, message string, cause error) *RehashError {
	return &RehashError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *RehashError) WithDetail(key string, value interface{}) *RehashError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *RehashError {
	return NewRehashError(ErrCodeInvalidArgument, message, cause)
}

func UnknownCommand(commandType string) *RehashError {
	return NewRehashError(ErrCodeUnknownCommand, fmt.Sprintf("unknown command type '%s'", commandType), nil).
		WithDetail("command_type", commandType)
}

func NotOwner(nodeID, key string) *RehashError {
	return NewRehashError(ErrCodeNotOwner, fmt.Sprintf("node %s does not own key %s", nodeID, key), nil).
		WithDetail("node_id", nodeID).
		WithDetail("key", key)
}

func ChecksumFailed(expected, actual uint32) *RehashError {
	return NewRehashError(ErrCodeChecksumFailed, fmt.Sprintf("checksum validation failed: expected %d, got %d", expected, actual), nil).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

func InternalError(message string, cause error) *RehashError {
	return NewRehashError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *RehashError {
	return NewRehashError(ErrCodeUnavailable, message, cause)
}

func Timeout(target string, cause error) *RehashError {
	return NewRehashError(ErrCodeTimeout, fmt.Sprintf("call to %s timed out", target), cause).
		WithDetail("target", target)
}

func PullFailed(providers int, cause error) *RehashError {
	return NewRehashError(ErrCodePullFailed, fmt.Sprintf("state pull failed on all %d providers", providers), cause).
		WithDetail("providers", providers)
}

func PushFailed(destination string, cause error) *RehashError {
	return NewRehashError(ErrCodePushFailed, fmt.Sprintf("push to %s failed", destination), cause).
		WithDetail("destination", destination)
}

func TranslogState(op, state string) *RehashError {
	return NewRehashError(ErrCodeTranslogState, fmt.Sprintf("cannot %s while translog is %s", op, state), nil).
		WithDetail("operation", op).
		WithDetail("state", state)
}

func EpisodeFailed(episodeID string, cause error) *RehashError {
	return NewRehashError(ErrCodeEpisodeFailed, fmt.Sprintf("rehash episode %s failed", episodeID), cause).
		WithDetail("episode_id", episodeID)
}

// IsRehashError checks if an error is, or wraps, a RehashError
func IsRehashError(err error) bool {
	var re *RehashError
	return errors.As(err, &re)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var re *RehashError
	if errors.As(err, &re) {
		return re.Code
	}
	return ErrCodeInternal
}

// FromGRPCStatus converts an error returned by a gRPC call back into a
// RehashError.
func FromGRPCStatus(err error) *RehashError {
	st, ok := status.FromError(err)
	if !ok {
		return InternalError("rpc failed", err)
	}

	var code ErrorCode
	switch st.Code() {
	case codes.OK:
		code = ErrCodeOK
	case codes.InvalidArgument:
		code = ErrCodeInvalidArgument
	case codes.FailedPrecondition:
		code = ErrCodeNotOwner
	case codes.DataLoss:
		code = ErrCodeChecksumFailed
	case codes.DeadlineExceeded:
		code = ErrCodeTimeout
	case codes.Unavailable:
		code = ErrCodeUnavailable
	default:
		code = ErrCodeInternal
	}
	return NewRehashError(code, st.Message(), err)
}

// ToGRPCError converts any error into a gRPC status error
func ToGRPCError(err error) error {
	if err == nil {
		return nil
	}
	var re *RehashError
	if errors.As(err, &re) {
		return status.New(re.toGRPCCode(), err.Error()).Err()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Internal, err.Error())
}
