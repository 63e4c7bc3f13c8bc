package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

type ErrorType string

const (
	ErrorTypeNotFound          ErrorType = "NOT_FOUND"
	ErrorTypeConflict          ErrorType = "CONFLICT"
	ErrorTypeChecksumMismatch  ErrorType = "CHECKSUM_MISMATCH"
	ErrorTypeNoLockToken       ErrorType = "NO_LOCK_TOKEN"
	ErrorTypeBadLockToken      ErrorType = "BAD_LOCK_TOKEN"
	ErrorTypeLockOwnerMismatch ErrorType = "LOCK_OWNER_MISMATCH"
	ErrorTypePathLocked        ErrorType = "PATH_LOCKED"
	ErrorTypeNoSuchLock        ErrorType = "NO_SUCH_LOCK"
	ErrorTypeHookFailure       ErrorType = "HOOK_FAILURE"
	ErrorTypeCorruptRepository ErrorType = "CORRUPT_REPOSITORY"
	ErrorTypeCorruptBase       ErrorType = "CORRUPT_BASE"
	ErrorTypeCancelled         ErrorType = "CANCELLED"
	ErrorTypeProtocolViolation ErrorType = "PROTOCOL_VIOLATION"
	ErrorTypeValidation        ErrorType = "VALIDATION"
	ErrorTypeInternal          ErrorType = "INTERNAL"
)

var statusCodes = map[ErrorType]int{
	ErrorTypeNotFound:          http.StatusNotFound,
	ErrorTypeConflict:          http.StatusConflict,
	ErrorTypeChecksumMismatch:  http.StatusUnprocessableEntity,
	ErrorTypeNoLockToken:       http.StatusLocked,
	ErrorTypeBadLockToken:      http.StatusLocked,
	ErrorTypeLockOwnerMismatch: http.StatusForbidden,
	ErrorTypePathLocked:        http.StatusLocked,
	ErrorTypeNoSuchLock:        http.StatusNotFound,
	ErrorTypeHookFailure:       http.StatusForbidden,
	ErrorTypeCorruptRepository: http.StatusInternalServerError,
	ErrorTypeCorruptBase:       http.StatusInternalServerError,
	ErrorTypeCancelled:         http.StatusRequestTimeout,
	ErrorTypeProtocolViolation: http.StatusBadRequest,
	ErrorTypeValidation:        http.StatusBadRequest,
	ErrorTypeInternal:          http.StatusInternalServerError,
}

// Error is the repository error. Two errors match under errors.Is when
// their types are equal, so the sentinels below work as type probes.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Path    string    `json:"path,omitempty"`
	Code    int       `json:"code"`
	Details any       `json:"details,omitempty"`
	Err     error     `json:"-"`
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Path != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Path)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Type == e.Type
}

var (
	ErrNotFound          = &Error{Type: ErrorTypeNotFound}
	ErrConflict          = &Error{Type: ErrorTypeConflict}
	ErrChecksumMismatch  = &Error{Type: ErrorTypeChecksumMismatch}
	ErrNoLockToken       = &Error{Type: ErrorTypeNoLockToken}
	ErrBadLockToken      = &Error{Type: ErrorTypeBadLockToken}
	ErrLockOwnerMismatch = &Error{Type: ErrorTypeLockOwnerMismatch}
	ErrPathLocked        = &Error{Type: ErrorTypePathLocked}
	ErrNoSuchLock        = &Error{Type: ErrorTypeNoSuchLock}
	ErrHookFailure       = &Error{Type: ErrorTypeHookFailure}
	ErrCorruptRepository = &Error{Type: ErrorTypeCorruptRepository}
	ErrCorruptBase       = &Error{Type: ErrorTypeCorruptBase}
	ErrCancelled         = &Error{Type: ErrorTypeCancelled}
	ErrProtocolViolation = &Error{Type: ErrorTypeProtocolViolation}
	ErrValidation        = &Error{Type: ErrorTypeValidation}
)

func New(t ErrorType, message string) *Error {
	code, ok := statusCodes[t]
	if !ok {
		code = http.StatusInternalServerError
	}
	return &Error{Type: t, Message: message, Code: code}
}

func NotFound(message string) *Error {
	return New(ErrorTypeNotFound, message)
}

func PathNotFound(path string) *Error {
	e := New(ErrorTypeNotFound, "path not found")
	e.Path = path
	return e
}

func Conflict(path string, format string, args ...any) *Error {
	e := New(ErrorTypeConflict, fmt.Sprintf(format, args...))
	e.Path = path
	return e
}

func ChecksumMismatch(path, expected, actual string) *Error {
	e := New(ErrorTypeChecksumMismatch, "checksum mismatch")
	e.Path = path
	e.Details = map[string]string{"expected": expected, "actual": actual}
	e.Message = fmt.Sprintf("checksum mismatch (expected %s, actual %s)", expected, actual)
	return e
}

func NoLockToken(path string) *Error {
	e := New(ErrorTypeNoLockToken, "no lock token provided")
	e.Path = path
	return e
}

func BadLockToken(path string) *Error {
	e := New(ErrorTypeBadLockToken, "lock token does not match")
	e.Path = path
	return e
}

func LockOwnerMismatch(path, owner, user string) *Error {
	e := New(ErrorTypeLockOwnerMismatch, fmt.Sprintf("user %q does not own lock held by %q", user, owner))
	e.Path = path
	return e
}

func PathLocked(path, owner string) *Error {
	e := New(ErrorTypePathLocked, fmt.Sprintf("path already locked by %q", owner))
	e.Path = path
	return e
}

func NoSuchLock(path string) *Error {
	e := New(ErrorTypeNoSuchLock, "no lock on path")
	e.Path = path
	return e
}

// HookFailure carries the hook's error output as its message.
func HookFailure(hook, stderr string) *Error {
	msg := fmt.Sprintf("%s hook failed", hook)
	if stderr != "" {
		msg = fmt.Sprintf("%s hook failed with error output:\n%s", hook, stderr)
	}
	e := New(ErrorTypeHookFailure, msg)
	e.Details = map[string]string{"hook": hook}
	return e
}

func Corrupt(format string, args ...any) *Error {
	return New(ErrorTypeCorruptRepository, fmt.Sprintf(format, args...))
}

func CorruptBase(err error) *Error {
	e := New(ErrorTypeCorruptBase, "delta base unresolvable")
	e.Err = err
	return e
}

func Cancelled(err error) *Error {
	e := New(ErrorTypeCancelled, "operation cancelled")
	e.Err = err
	return e
}

func ProtocolViolation(format string, args ...any) *Error {
	return New(ErrorTypeProtocolViolation, fmt.Sprintf(format, args...))
}

func ValidationError(message string, details any) *Error {
	e := New(ErrorTypeValidation, message)
	e.Details = details
	return e
}

func Internal(message string, err error) *Error {
	e := New(ErrorTypeInternal, message)
	e.Err = err
	return e
}

// FromContext converts a context error into Cancelled and passes
// everything else through.
func FromContext(err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, ErrCancelled) {
		return err
	}
	return Cancelled(err)
}

// TypeOf returns the type of the first *Error in err's chain, or
// ErrorTypeInternal when there is none.
func TypeOf(err error) ErrorType {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeInternal
}

// StatusCode maps err to an HTTP status.
func StatusCode(err error) int {
	var e *Error
	if stderrors.As(err, &e) && e.Code != 0 {
		return e.Code
	}
	return http.StatusInternalServerError
}

func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

func As(err error, target any) bool {
	return stderrors.As(err, target)
}
