// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package perferr defines the classified error type shared by every
// micperf package and its mapping onto process exit codes.
//
// # Description
//
// Every failure that can end a run is carried as an *Error with a Kind.
// The CLI boundary calls ExitCode once; no other package decides exit
// codes.
//
// # Thread Safety
//
// Error values are immutable after creation and safe for concurrent reads.
package perferr

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Exit Codes
// =============================================================================

// Process exit codes returned by the micperf front-ends.
const (
	ENoError = 0
	EExcept  = 1
	EParse   = 2
	EIO      = 3
	EAccess  = 87
	EPerf    = 88
	EMPSSNA  = 89
	ELookup  = 90
	EDep     = 91
	EExec    = 126
	ELib     = 127
)

// Dependency identifiers carried by KindDependency errors.
const (
	DepRedist  = "redist"
	DepMPI     = "mpi"
	DepLinpack = "Linpack"
)

// Side names used in NoExecutionPermission messages.
const (
	SideHost   = "host"
	SideDevice = "Xeon Phi Coprocessor"
)

// =============================================================================
// Kind
// =============================================================================

// Kind classifies an Error.
type Kind int

const (
	// KindException is an unclassified failure.
	KindException Kind = iota
	// KindParse covers malformed or unknown kernel parameters.
	KindParse
	// KindHelp signals that parameter help was requested.
	KindHelp
	// KindConfig is an internal configuration error (ambiguous flag,
	// inconsistent independent variable, bad drop count).
	KindConfig
	// KindIO covers unreadable or unwritable files and directories.
	KindIO
	// KindAccess signals the user lacks a required permission.
	KindAccess
	// KindPerf is a failed performance regression test.
	KindPerf
	// KindMPSSUnavailable signals the device stack is unreachable.
	KindMPSSUnavailable
	// KindLookup is an unknown kernel or offload name.
	KindLookup
	// KindDependency is a missing library, MPI runtime or benchmark package.
	KindDependency
	// KindNoExecutable signals a kernel binary could not be found.
	KindNoExecutable
	// KindNoPermission signals the binary could not be executed.
	KindNoPermission
	// KindProcess is a non-zero exit of a kernel process.
	KindProcess
	// KindSelfCheck is a kernel's own validation failure found in its output.
	KindSelfCheck
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindException:
		return "exception"
	case KindParse:
		return "parse"
	case KindHelp:
		return "help"
	case KindConfig:
		return "config"
	case KindIO:
		return "io"
	case KindAccess:
		return "access"
	case KindPerf:
		return "perf"
	case KindMPSSUnavailable:
		return "mpss_unavailable"
	case KindLookup:
		return "lookup"
	case KindDependency:
		return "dependency"
	case KindNoExecutable:
		return "no_executable"
	case KindNoPermission:
		return "no_permission"
	case KindProcess:
		return "process"
	case KindSelfCheck:
		return "self_check"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// =============================================================================
// Error
// =============================================================================

// Error is a classified micperf failure.
//
// # Description
//
// Carries enough context to print a useful message and to pick an exit
// code. Command and ExitCode are set for KindProcess, Dependency for
// KindDependency, Side for KindNoPermission.
//
// # Example
//
//	err := perferr.Process(2, "/usr/bin/stream --omp_num_threads 4")
//	fmt.Println(err) // "command '/usr/bin/stream --omp_num_threads 4' returned non-zero exit status 2"
type Error struct {
	Kind       Kind
	Msg        string
	Dependency string
	Side       string
	Command    string
	ExitCode   int
	Wrapped    error
}

// Error returns a formatted error message.
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		switch e.Kind {
		case KindProcess:
			msg = fmt.Sprintf("command '%s' returned non-zero exit status %d", e.Command, e.ExitCode)
		case KindDependency:
			msg = dependencyMessage(e.Dependency)
		case KindPerf:
			msg = "performance regression test failed"
		default:
			msg = e.Kind.String()
		}
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %v", msg, e.Wrapped)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is matches another *Error by Kind. When the target names a Dependency
// or a Msg those must match too, so package sentinels built on the same
// Kind stay distinguishable.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	if t.Dependency != "" && t.Dependency != e.Dependency {
		return false
	}
	return t.Msg == "" || t.Msg == e.Msg
}

// Sentinel values for errors.Is matching.
var (
	ErrMissingRedist  = &Error{Kind: KindDependency, Dependency: DepRedist}
	ErrMissingMPI     = &Error{Kind: KindDependency, Dependency: DepMPI}
	ErrMissingLinpack = &Error{Kind: KindDependency, Dependency: DepLinpack}
	ErrSelfCheck      = &Error{Kind: KindSelfCheck}
	ErrNoPermission   = &Error{Kind: KindNoPermission}
	ErrProcess        = &Error{Kind: KindProcess}
	ErrPerfRegression = &Error{Kind: KindPerf}
)

// =============================================================================
// Constructors
// =============================================================================

// New creates an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind wrapping err.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Wrapped: err}
}

// MissingDependency reports a missing dependency by identifier.
func MissingDependency(dep string) *Error {
	return &Error{Kind: KindDependency, Dependency: dep}
}

// Process reports a non-zero exit of a kernel process.
func Process(code int, cmdline string) *Error {
	return &Error{Kind: KindProcess, ExitCode: code, Command: strings.TrimSpace(cmdline)}
}

// NoExecutionPermission reports that exec could not be started on side.
func NoExecutionPermission(exec, side string, err error) *Error {
	return &Error{
		Kind:    KindNoPermission,
		Side:    side,
		Command: exec,
		Msg: fmt.Sprintf("Unable to execute %q on the %s, please make sure it has the right execution permissions",
			exec, side),
		Wrapped: err,
	}
}

// SelfCheck reports a kernel's internal validation failure.
func SelfCheck(msg string) *Error {
	return &Error{Kind: KindSelfCheck, Msg: msg}
}

func dependencyMessage(dep string) string {
	switch dep {
	case DepRedist:
		return "Make sure that compilervars.sh from Composer_XE is sourced in your working environment. " +
			"The Composer_XE redistributable package can be installed to access the required shared object libraries."
	case DepMPI:
		return "mpirun executable was not found on this system. " +
			"Intel MPI runtimes are freely available; note that mpivars.sh have to be sourced before run"
	case DepLinpack:
		return "MKL Linpack is not available. " +
			"The environment variable MKLROOT must point to the location of the extracted MKL package."
	default:
		return fmt.Sprintf("missing dependency %q", dep)
	}
}

// =============================================================================
// Exit Code Mapping
// =============================================================================

// ExitCode maps err onto a micperf process exit code.
//
// # Description
//
// nil maps to ENoError. Errors that are not *Error map to EExcept.
// A missing redistributable maps to ELib; every other dependency to EDep.
func ExitCode(err error) int {
	if err == nil {
		return ENoError
	}
	var pe *Error
	if !errors.As(err, &pe) {
		return EExcept
	}
	switch pe.Kind {
	case KindParse, KindHelp:
		return EParse
	case KindIO:
		return EIO
	case KindAccess:
		return EAccess
	case KindPerf:
		return EPerf
	case KindMPSSUnavailable:
		return EMPSSNA
	case KindLookup:
		return ELookup
	case KindDependency:
		if pe.Dependency == DepRedist {
			return ELib
		}
		return EDep
	case KindNoExecutable:
		return ELib
	case KindException, KindConfig, KindNoPermission, KindProcess, KindSelfCheck:
		return EExcept
	default:
		return EExcept
	}
}
