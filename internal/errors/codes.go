package errors

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for silo and client operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Programming and configuration errors
	ErrCodeArgumentNull    ErrorCode = 1000
	ErrCodeConfiguration   ErrorCode = 1001
	ErrCodeInvalidState    ErrorCode = 1002
	ErrCodeInvalidCapacity ErrorCode = 1003
	ErrCodeNullReference   ErrorCode = 1004
	ErrCodeEntityNotFound  ErrorCode = 1005
	ErrCodeMethodNotFound  ErrorCode = 1006
	ErrCodeNotFound        ErrorCode = 1007
	ErrCodeInvalidArgument ErrorCode = 1008

	// Runtime errors
	ErrCodeInternal           ErrorCode = 2000
	ErrCodeNoAvailablePort    ErrorCode = 2001
	ErrCodeNotConnected       ErrorCode = 2002
	ErrCodeConnectionRejected ErrorCode = 2003
	ErrCodeHandleDisposed     ErrorCode = 2004
	ErrCodeStartupFailed      ErrorCode = 2005
)

// grpcCodePrefix tags status messages so the code survives the wire
const grpcCodePrefix = "silo-code:"

// detailDomain marks the ErrorInfo that carries a SiloError's details
const detailDomain = "silohost"

// SiloError represents a structured error with code and context
type SiloError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *SiloError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *SiloError) Unwrap() error {
	return e.Cause
}

// Is matches any SiloError carrying the same code, so callers can write
// errors.Is(err, errors.ErrNotConnected).
func (e *SiloError) Is(target error) bool {
	t, ok := target.(*SiloError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// ToGRPCStatus converts SiloError to gRPC status. Details travel as an
// ErrorInfo and arrive as strings.
func (e *SiloError) ToGRPCStatus() *status.Status {
	st := status.New(e.toGRPCCode(), fmt.Sprintf("%s%d %s", grpcCodePrefix, e.Code, e.Error()))
	if len(e.Details) == 0 {
		return st
	}

	metadata := make(map[string]string, len(e.Details))
	for k, v := range e.Details {
		metadata[k] = fmt.Sprint(v)
	}
	withDetails, err := st.WithDetails(&errdetails.ErrorInfo{
		Reason:   strconv.Itoa(int(e.Code)),
		Domain:   detailDomain,
		Metadata: metadata,
	})
	if err != nil {
		return st
	}
	return withDetails
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *SiloError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeArgumentNull, ErrCodeConfiguration, ErrCodeInvalidCapacity,
		ErrCodeNullReference, ErrCodeInvalidArgument:
		return codes.InvalidArgument
	case ErrCodeEntityNotFound, ErrCodeMethodNotFound, ErrCodeNotFound:
		return codes.NotFound
	case ErrCodeInvalidState:
		return codes.FailedPrecondition
	case ErrCodeNoAvailablePort:
		return codes.ResourceExhausted
	case ErrCodeNotConnected, ErrCodeConnectionRejected:
		return codes.Unavailable
	case ErrCodeHandleDisposed:
		return codes.Canceled
	default:
		return codes.Internal
	}
}

// FromGRPCError rebuilds a SiloError from an error returned by a gRPC call.
// Errors that did not originate as a SiloError map onto the closest code.
func FromGRPCError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	if rest, ok := strings.CutPrefix(st.Message(), grpcCodePrefix); ok {
		codeStr, msg, _ := strings.Cut(rest, " ")
		if n, err := strconv.Atoi(codeStr); err == nil {
			se := &SiloError{Code: ErrorCode(n), Message: msg, Details: make(map[string]interface{})}
			for _, d := range st.Details() {
				info, ok := d.(*errdetails.ErrorInfo)
				if !ok || info.Domain != detailDomain {
					continue
				}
				for k, v := range info.Metadata {
					se.Details[k] = v
				}
			}
			return se
		}
	}

	switch st.Code() {
	case codes.Unavailable:
		return ConnectionRejected(st.Message(), err)
	case codes.NotFound:
		return NewSiloError(ErrCodeNotFound, st.Message(), err)
	case codes.InvalidArgument:
		return InvalidArgument(st.Message(), err)
	case codes.Canceled, codes.DeadlineExceeded:
		return err
	default:
		return InternalError(st.Message(), err)
	}
}

// NewSiloError creates a new SiloError
func NewSiloError(code ErrorCode, message string, cause error) *SiloError {
	return &SiloError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *SiloError) WithDetail(key string, value interface{}) *SiloError {
	e.Details[key] = value
	return e
}

// Sentinels usable with errors.Is.
var (
	ErrArgumentNull       = &SiloError{Code: ErrCodeArgumentNull, Message: "argument is nil"}
	ErrConfiguration      = &SiloError{Code: ErrCodeConfiguration, Message: "invalid configuration"}
	ErrNoAvailablePort    = &SiloError{Code: ErrCodeNoAvailablePort, Message: "no available port"}
	ErrInvalidState       = &SiloError{Code: ErrCodeInvalidState, Message: "invalid state"}
	ErrNotConnected       = &SiloError{Code: ErrCodeNotConnected, Message: "not connected"}
	ErrConnectionRejected = &SiloError{Code: ErrCodeConnectionRejected, Message: "connection rejected"}
	ErrInvalidCapacity    = &SiloError{Code: ErrCodeInvalidCapacity, Message: "invalid capacity"}
	ErrNullReference      = &SiloError{Code: ErrCodeNullReference, Message: "null reference"}
	ErrHandleDisposed     = &SiloError{Code: ErrCodeHandleDisposed, Message: "handle disposed"}
	ErrStartupFailed      = &SiloError{Code: ErrCodeStartupFailed, Message: "startup failed"}
	ErrEntityNotFound     = &SiloError{Code: ErrCodeEntityNotFound, Message: "entity type not registered"}
	ErrMethodNotFound     = &SiloError{Code: ErrCodeMethodNotFound, Message: "method not found"}
	ErrNotFound           = &SiloError{Code: ErrCodeNotFound, Message: "not found"}
)

// Convenience constructors for common errors

func ArgumentNull(param string) *SiloError {
	return NewSiloError(ErrCodeArgumentNull, fmt.Sprintf("value cannot be nil (parameter '%s')", param), nil).
		WithDetail("param", param)
}

func Configuration(message string, cause error) *SiloError {
	return NewSiloError(ErrCodeConfiguration, message, cause)
}

func NoAvailablePort(start, end int) *SiloError {
	return NewSiloError(ErrCodeNoAvailablePort, fmt.Sprintf("no available port in range [%d, %d]", start, end), nil).
		WithDetail("start", start).
		WithDetail("end", end)
}

func InvalidState(operation, state string) *SiloError {
	return NewSiloError(ErrCodeInvalidState, fmt.Sprintf("cannot %s while %s", operation, state), nil).
		WithDetail("operation", operation).
		WithDetail("state", state)
}

func NotConnected(state string) *SiloError {
	return NewSiloError(ErrCodeNotConnected, fmt.Sprintf("cluster client is not connected (state %s)", state), nil).
		WithDetail("state", state)
}

func ConnectionRejected(message string, cause error) *SiloError {
	return NewSiloError(ErrCodeConnectionRejected, message, cause)
}

func InvalidCapacity(capacity int) *SiloError {
	return NewSiloError(ErrCodeInvalidCapacity, fmt.Sprintf("capacity must be at least 1, got %d", capacity), nil).
		WithDetail("capacity", capacity)
}

func NullReference(what string) *SiloError {
	return NewSiloError(ErrCodeNullReference, fmt.Sprintf("%s is nil", what), nil)
}

func HandleDisposed(what string) *SiloError {
	return NewSiloError(ErrCodeHandleDisposed, fmt.Sprintf("%s has been disposed", what), nil)
}

func StartupFailed(message string, cause error) *SiloError {
	return NewSiloError(ErrCodeStartupFailed, message, cause)
}

func EntityNotFound(kind string) *SiloError {
	return NewSiloError(ErrCodeEntityNotFound, fmt.Sprintf("entity type '%s' is not registered", kind), nil).
		WithDetail("kind", kind)
}

func MethodNotFound(kind, method string) *SiloError {
	return NewSiloError(ErrCodeMethodNotFound, fmt.Sprintf("entity type '%s' has no method '%s'", kind, method), nil).
		WithDetail("kind", kind).
		WithDetail("method", method)
}

func InvalidArgument(message string, cause error) *SiloError {
	return NewSiloError(ErrCodeInvalidArgument, message, cause)
}

func InternalError(message string, cause error) *SiloError {
	return NewSiloError(ErrCodeInternal, message, cause)
}

// IsSiloError checks if an error is a SiloError
func IsSiloError(err error) bool {
	var se *SiloError
	return errors.As(err, &se)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var se *SiloError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// GetDetail returns a detail recorded on the first SiloError in the chain.
func GetDetail(err error, key string) (interface{}, bool) {
	var se *SiloError
	if !errors.As(err, &se) || se.Details == nil {
		return nil, false
	}
	v, ok := se.Details[key]
	return v, ok
}
