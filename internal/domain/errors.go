package domain

import (
	"errors"
	"fmt"
)

// Category sentinels — use with NewSubSystemError for subsystem-specific
// errors.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrUnavailable  = fmt.Errorf("unavailable")
)

// Sentinel errors for the domain layer.
var (
	ErrWorkspaceNotFound = fmt.Errorf("workspace not found")
	ErrLaunchFailed      = fmt.Errorf("worker launch failed")
	ErrLaunchTimeout     = fmt.Errorf("worker launch: %w", ErrTimeout)
	ErrAlreadyRunning    = fmt.Errorf("worker already running")
	ErrStreamClosed      = fmt.Errorf("event stream closed")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op        string // operation name (e.g. "Supervisor.Launch")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g. "workspace", "store")
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem so that
// ErrorCodeOf can map the sentinel + subsystem pair to a specific code.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error. Returns nil if err is nil,
// enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for monitoring.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeWorkspaceNotFound ErrorCode = "WORKSPACE_NOT_FOUND"
	CodeLaunchFailed      ErrorCode = "LAUNCH_FAILED"
	CodeLaunchTimeout     ErrorCode = "LAUNCH_TIMEOUT"
	CodeAlreadyRunning    ErrorCode = "ALREADY_RUNNING"
	CodeStreamClosed      ErrorCode = "STREAM_CLOSED"
	CodeProcessNotFound   ErrorCode = "PROCESS_NOT_FOUND"
	CodeSessionNotFound   ErrorCode = "SESSION_NOT_FOUND"
	CodeMessageNotFound   ErrorCode = "MESSAGE_NOT_FOUND"

	// Category fallback codes.
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeDuplicate    ErrorCode = "DUPLICATE"
	CodeTimeout      ErrorCode = "TIMEOUT"
	CodeInvalidInput ErrorCode = "INVALID_INPUT"
	CodeUnavailable  ErrorCode = "UNAVAILABLE"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:     CodeNotFound,
	ErrDuplicate:    CodeDuplicate,
	ErrTimeout:      CodeTimeout,
	ErrInvalidInput: CodeInvalidInput,
	ErrUnavailable:  CodeUnavailable,

	ErrWorkspaceNotFound: CodeWorkspaceNotFound,
	ErrLaunchFailed:      CodeLaunchFailed,
	ErrLaunchTimeout:     CodeLaunchTimeout,
	ErrAlreadyRunning:    CodeAlreadyRunning,
	ErrStreamClosed:      CodeStreamClosed,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific
// codes so subsystem errors resolve to precise monitoring codes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"workspace":  CodeWorkspaceNotFound,
		"supervisor": CodeProcessNotFound,
		"session":    CodeSessionNotFound,
		"message":    CodeMessageNotFound,
	},
	ErrTimeout: {
		"supervisor": CodeLaunchTimeout,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given
// error, unwrapping DomainError and walking the chain with errors.Is.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		return de.Code()
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel,
// preferring a subsystem-specific code when one is registered.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
