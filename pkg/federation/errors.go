package federation

import (
	"errors"
	"fmt"
)

// ErrorKind tags expected business failures so the API layer can map each
// one to an appropriate response. Unexpected runtime faults are plain
// wrapped errors, not kinds.
type ErrorKind string

const (
	ErrNotFound         ErrorKind = "NOT_FOUND"
	ErrAlreadyExists    ErrorKind = "ALREADY_EXISTS"
	ErrAlreadyFederated ErrorKind = "ALREADY_FEDERATED"
	ErrNotFederated     ErrorKind = "NOT_FEDERATED"
	ErrInvalidOperation ErrorKind = "INVALID_OPERATION"
	ErrAuthorization    ErrorKind = "AUTHORIZATION"
	ErrInvalidSignature ErrorKind = "INVALID_SIGNATURE"
	ErrExpiredMessage   ErrorKind = "EXPIRED_MESSAGE"
	ErrStorage          ErrorKind = "STORAGE"
)

// Error is a tagged business error.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates a tagged error with a formatted message.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapStorage wraps a store failure so callers see ErrStorage.
func WrapStorage(op string, err error) *Error {
	return &Error{Kind: ErrStorage, Message: op, Err: err}
}

// KindOf extracts the kind of an error, or "" for untagged errors.
func KindOf(err error) ErrorKind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
