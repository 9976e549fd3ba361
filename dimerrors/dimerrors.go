// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

// Package dimerrors defines the typed error kinds that flow out of the
// scoped stream engine, the container format and the clone worker. Callers
// switch on Kind rather than matching error strings. An *Error carries no
// stack trace itself; Trace wraps an error in the errors package's
// TraceableError when a stack trace is wanted for logging.
package dimerrors

import (
	"fmt"

	"github.com/clearlinux/dim/errors"
)

// Kind tags the category of a dim error
type Kind int

const (
	// ToolMissing means an external utility could not be found on PATH
	ToolMissing Kind = iota

	// ToolFailed means an external utility exited with a non-zero status
	ToolFailed

	// DeviceBusy means an unmount attempt failed because the device is in use
	DeviceBusy

	// NotSupported means has_scope was false for the requested scope/mode
	NotSupported

	// Corrupt means the container header or a region failed an integrity check
	Corrupt

	// Aborted means the operation was cancelled cooperatively
	Aborted

	// Io means an underlying read or write failed
	Io

	// Invalid means an argument was out of range, e.g. an unknown partition index
	Invalid
)

func (k Kind) String() string {
	switch k {
	case ToolMissing:
		return "ToolMissing"
	case ToolFailed:
		return "ToolFailed"
	case DeviceBusy:
		return "DeviceBusy"
	case NotSupported:
		return "NotSupported"
	case Corrupt:
		return "Corrupt"
	case Aborted:
		return "Aborted"
	case Io:
		return "Io"
	case Invalid:
		return "Invalid"
	default:
		return "Unknown"
	}
}

// Error is a typed dim error; Exit and Stderr are only meaningful for ToolFailed
type Error struct {
	Kind    Kind
	Message string
	Exit    int
	Stderr  string
}

func (e *Error) Error() string {
	switch e.Kind {
	case ToolFailed:
		return fmt.Sprintf("%s: exit %d: %s", e.Message, e.Exit, e.Stderr)
	default:
		return e.Message
	}
}

// New builds a new *Error of kind k with a formatted message; it carries no
// stack trace (see Trace)
func New(k Kind, format string, a ...interface{}) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, a...)}
}

// ToolFailedError builds a ToolFailed error carrying the process exit code
// and captured stderr
func ToolFailedError(tool string, exit int, stderr string) *Error {
	return &Error{
		Kind:    ToolFailed,
		Message: fmt.Sprintf("%s failed", tool),
		Exit:    exit,
		Stderr:  stderr,
	}
}

// Is reports whether err is a dim *Error of the given kind
func Is(err error, k Kind) bool {
	de, ok := err.(*Error)
	if !ok {
		return false
	}
	return de.Kind == k
}

// Trace wraps err with a stack trace using the teacher's error tracing
// package. The result is an errors.TraceableError holding err's message and
// the trace, not the *Error itself, so Is() reports false for it
func Trace(err error) error {
	return errors.Wrap(err)
}
