// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package errcode

import (
	"errors"
	"fmt"
)

// Code classifies an error into the capsule error taxonomy. Codes are
// stable identifiers: the transaction engine branches on them to decide
// whether an operation is fatal, retryable, or skippable, and the CLI
// maps them to process exit codes.
type Code int

const (
	// Generic is the zero code for errors that carry no classification.
	Generic Code = iota

	// User input.
	AlreadyInstalled
	NotInstalled
	InvalidRef
	InvalidName
	InvalidBranch
	InvalidArgs

	// Remote registry.
	RemoteExists
	RemoteNotFound
	RemoteInUse
	UnsupportedRepoFile
	GpgInvalid

	// Object store.
	ObjectMissing
	ObjectCorrupt
	StoreCorrupt
	TransactionConflict

	// Pull.
	NetworkUnavailable
	HTTPClientError
	HTTPServerError
	SignatureMismatch

	// Deploy.
	NotDeployed
	Busy
	ExportConflict

	// Transaction flow.
	NeedsUserInput
	Aborted
	Cancelled

	// Launcher.
	SandboxFailed
	RuntimeMissing

	// Alias table.
	AliasNotFound
	AliasAmbiguous
)

// String returns the stable name of a code, used in logs and tests.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

var codeNames = map[Code]string{
	Generic:             "generic",
	AlreadyInstalled:    "already-installed",
	NotInstalled:        "not-installed",
	InvalidRef:          "invalid-ref",
	InvalidName:         "invalid-name",
	InvalidBranch:       "invalid-branch",
	InvalidArgs:         "invalid-args",
	RemoteExists:        "remote-exists",
	RemoteNotFound:      "remote-not-found",
	RemoteInUse:         "remote-in-use",
	UnsupportedRepoFile: "unsupported-repo-file",
	GpgInvalid:          "gpg-invalid",
	ObjectMissing:       "object-missing",
	ObjectCorrupt:       "object-corrupt",
	StoreCorrupt:        "store-corrupt",
	TransactionConflict: "transaction-conflict",
	NetworkUnavailable:  "network-unavailable",
	HTTPClientError:     "http-client-error",
	HTTPServerError:     "http-server-error",
	SignatureMismatch:   "signature-mismatch",
	NotDeployed:         "not-deployed",
	Busy:                "busy",
	ExportConflict:      "export-conflict",
	NeedsUserInput:      "needs-user-input",
	Aborted:             "aborted",
	Cancelled:           "cancelled",
	SandboxFailed:       "sandbox-failed",
	RuntimeMissing:      "runtime-missing",
	AliasNotFound:       "alias-not-found",
	AliasAmbiguous:      "alias-ambiguous",
}

// Error is a classified error. It wraps an optional cause and carries a
// user-readable message. The message is the single-line summary shown
// at the CLI boundary; wrapped causes provide the multi-line context.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a classified error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a classified error wrapping a cause.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Is reports whether err or any error in its chain carries the given
// code. A nil err never matches.
func Is(err error, code Code) bool {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Code == code
	}
	return false
}

// CodeOf returns the code carried by err, or Generic when the chain has
// no classified error.
func CodeOf(err error) Code {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Code
	}
	return Generic
}

// ExitCode maps an error to the process exit code contract: 0 is never
// returned here (callers handle nil themselves), 2 invalid input, 3 not
// installed, 4 already installed, 5 aborted by the user, 1 everything
// else.
func ExitCode(err error) int {
	switch CodeOf(err) {
	case InvalidRef, InvalidName, InvalidBranch, InvalidArgs:
		return 2
	case NotInstalled, NotDeployed:
		return 3
	case AlreadyInstalled:
		return 4
	case Aborted:
		return 5
	default:
		return 1
	}
}
