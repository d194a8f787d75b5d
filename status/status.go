// Package status defines the result codes exchanged by transfer endpoints.
//
// Every transfer ends with exactly one Code. Codes travel on the wire inside
// terminating chunks and surface locally as error values, where a nil error
// means OK. Use CodeOf to recover the code from any error returned by this
// module.
package status

import (
	"errors"
	"fmt"
	"io"
)

// Code is a transfer result code. The numbering is part of the wire format.
type Code uint32

const (
	OK                 Code = 0
	Cancelled          Code = 1
	Unknown            Code = 2
	InvalidArgument    Code = 3
	DeadlineExceeded   Code = 4
	NotFound           Code = 5
	AlreadyExists      Code = 6
	PermissionDenied   Code = 7
	ResourceExhausted  Code = 8
	FailedPrecondition Code = 9
	Aborted            Code = 10
	OutOfRange         Code = 11
	Unimplemented      Code = 12
	Internal           Code = 13
	Unavailable        Code = 14
	DataLoss           Code = 15
	Unauthenticated    Code = 16
)

var codeNames = [...]string{
	OK:                 "OK",
	Cancelled:          "CANCELLED",
	Unknown:            "UNKNOWN",
	InvalidArgument:    "INVALID_ARGUMENT",
	DeadlineExceeded:   "DEADLINE_EXCEEDED",
	NotFound:           "NOT_FOUND",
	AlreadyExists:      "ALREADY_EXISTS",
	PermissionDenied:   "PERMISSION_DENIED",
	ResourceExhausted:  "RESOURCE_EXHAUSTED",
	FailedPrecondition: "FAILED_PRECONDITION",
	Aborted:            "ABORTED",
	OutOfRange:         "OUT_OF_RANGE",
	Unimplemented:      "UNIMPLEMENTED",
	Internal:           "INTERNAL",
	Unavailable:        "UNAVAILABLE",
	DataLoss:           "DATA_LOSS",
	Unauthenticated:    "UNAUTHENTICATED",
}

// String returns the canonical upper-case name of the code.
func (c Code) String() string {
	if int(c) < len(codeNames) {
		return codeNames[c]
	}
	return fmt.Sprintf("CODE(%d)", uint32(c))
}

// Error is an error carrying a Code. When built by Errorf, Msg already
// contains the text of Err.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return e.Code.String()
	}
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a status error with the same code. This lets
// callers write errors.Is(err, status.FromCode(status.DataLoss)).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code && t.Msg == "" && t.Err == nil
	}
	return false
}

// New returns an error with the given code and message. New(OK, ...) returns nil.
func New(code Code, msg string) error {
	if code == OK {
		return nil
	}
	return &Error{Code: code, Msg: msg}
}

// Errorf formats a message into a status error. %w verbs are honored.
func Errorf(code Code, format string, args ...any) error {
	if code == OK {
		return nil
	}
	wrapped := fmt.Errorf(format, args...)
	return &Error{Code: code, Msg: wrapped.Error(), Err: errors.Unwrap(wrapped)}
}

// Wrap attaches a code to an existing error.
func Wrap(code Code, err error) error {
	if code == OK || err == nil {
		return nil
	}
	return &Error{Code: code, Err: err}
}

// FromCode returns a bare error for code, or nil for OK.
func FromCode(code Code) error {
	if code == OK {
		return nil
	}
	return &Error{Code: code}
}

// CodeOf extracts the Code from err. A nil error is OK, io.EOF is OutOfRange
// and any error without a code is Unknown.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	if errors.Is(err, io.EOF) {
		return OutOfRange
	}
	return Unknown
}

// Update returns current unless it is OK, in which case next is returned.
// It keeps the first failure observed across a sequence of steps.
func Update(current, next Code) Code {
	if current != OK {
		return current
	}
	return next
}
