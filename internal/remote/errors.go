package remote

import (
	"context"
	"errors"
	"fmt"
)

// Code is the canonical failure code of a remote call
type Code string

const (
	CodePermissionDenied   Code = "permission-denied"
	CodeFailedPrecondition Code = "failed-precondition"
	CodeAlreadyExists      Code = "already-exists"
	CodeInvalidArgument    Code = "invalid-argument"
	CodeNotFound           Code = "not-found"
	CodeUnimplemented      Code = "unimplemented"

	CodeUnavailable      Code = "unavailable"
	CodeDeadlineExceeded Code = "deadline-exceeded"
	CodeAborted          Code = "aborted"
	CodeInternal         Code = "internal"
	CodeUnknown          Code = "unknown"
)

// Class decides what the orchestrator does with a failed item
type Class int

const (
	// ClassTransient failures are retried with backoff
	ClassTransient Class = iota
	// ClassConflict failures freeze the item until an operator acts
	ClassConflict
)

func (c Class) String() string {
	if c == ClassConflict {
		return "conflict"
	}
	return "transient"
}

func (c Code) Class() Class {
	switch c {
	case CodePermissionDenied, CodeFailedPrecondition, CodeAlreadyExists,
		CodeInvalidArgument, CodeNotFound, CodeUnimplemented:
		return ClassConflict
	default:
		return ClassTransient
	}
}

// Error is returned by every Collaborator implementation
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}

// CodeOf extracts the code of err. Errors that carry none are unknown,
// except context deadlines.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeDeadlineExceeded
	}
	return CodeUnknown
}

// Message returns the human readable part of err
func Message(err error) string {
	var re *Error
	if errors.As(err, &re) {
		if re.Message != "" {
			return re.Message
		}
		if re.Err != nil {
			return re.Err.Error()
		}
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// Classify returns the class of err
func Classify(err error) Class {
	return CodeOf(err).Class()
}

func IsConflict(err error) bool {
	return err != nil && Classify(err) == ClassConflict
}
