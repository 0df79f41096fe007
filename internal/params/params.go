// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package params holds the argument values of one kernel invocation and
// renders them in the grammar the kernel executable expects.
//
// # Description
//
// A Set is parsed once from a raw argument string (or token list) against
// a fixed schema of parameter names. After construction only Set may
// change a value; it is used by the offload layer to force the device
// index. Four implementations share the Set interface:
//
//   - Named: the schema-driven set for positional, value, flag and file
//     grammars.
//   - Raw: positional tokens with no schema.
//   - Getopt: mixed short/long/positional arguments with GNU getopt
//     semantics.
//   - Drop: a decorator that quiets trailing names for targets that
//     accept fewer parameters than the kernel declares.
//
// # Thread Safety
//
// Sets are not safe for concurrent mutation. Callers share them read-only
// or Clone first.
package params

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/shlex"

	"github.com/AleutianAI/micperf/internal/perferr"
)

// =============================================================================
// Grammar
// =============================================================================

// Grammar selects how a Set is serialized onto a command line.
type Grammar int

const (
	// Positional renders values only, in schema order.
	Positional Grammar = iota
	// Value renders "--name value" pairs.
	Value
	// Flag renders "-n value" pairs using the first letter of each name.
	Flag
	// File has no command line form; the kernel writes a parameter file.
	File
	// GetoptGrammar renders the mixed form kept by a Getopt set.
	GetoptGrammar
)

// String returns the grammar name.
func (g Grammar) String() string {
	switch g {
	case Positional:
		return "positional"
	case Value:
		return "value"
	case Flag:
		return "flag"
	case File:
		return "file"
	case GetoptGrammar:
		return "getopt"
	default:
		return fmt.Sprintf("grammar(%d)", int(g))
	}
}

// =============================================================================
// Errors
// =============================================================================

// Sentinel errors. Each one carries its perferr kind so the CLI can map
// it to an exit code without knowing this package.
var (
	ErrHelpRequested = &perferr.Error{Kind: perferr.KindHelp, Msg: "parameter help requested"}
	ErrUnknownParam  = &perferr.Error{Kind: perferr.KindParse, Msg: "unknown kernel parameter"}
	ErrInvalidType   = &perferr.Error{Kind: perferr.KindParse, Msg: "invalid parameter type"}
	ErrMalformed     = &perferr.Error{Kind: perferr.KindParse, Msg: "malformed parameters"}
	ErrAmbiguousFlag = &perferr.Error{Kind: perferr.KindConfig, Msg: "ambiguous short flag"}
	ErrBadDrop       = &perferr.Error{Kind: perferr.KindConfig, Msg: "drop count must be greater than 0"}
	ErrDuplicate     = &perferr.Error{Kind: perferr.KindConfig, Msg: "parameter specified twice"}
	ErrDefaultOrder  = &perferr.Error{Kind: perferr.KindConfig, Msg: "default positional parameters not given in sequence"}
	ErrNotSupported  = errors.New("serialization not supported by this parameter set")
)

// HelpError is returned when the caller asked for parameter help instead
// of a run. Usage is empty when the kernel should generate its own
// listing.
type HelpError struct {
	Usage string
}

// Error returns the usage text, or a fixed message when there is none.
func (e *HelpError) Error() string {
	if e.Usage == "" {
		return ErrHelpRequested.Msg
	}
	return e.Usage
}

// Unwrap lets errors.Is(err, ErrHelpRequested) match.
func (e *HelpError) Unwrap() error {
	return ErrHelpRequested
}

// IsHelp reports whether err asks for parameter help.
func IsHelp(err error) bool {
	return errors.Is(err, ErrHelpRequested)
}

// =============================================================================
// Set
// =============================================================================

// Set is one invocation's parameter values.
type Set interface {
	// Names returns the schema in declaration order.
	Names() []string

	// Get returns the value for name. ok is false when the value is unset.
	// An error is returned only for names outside the schema.
	Get(name string) (value string, ok bool, err error)

	// Set overwrites the value for name.
	Set(name, value string) error

	// NumParam is the number of parameters the set passes on a command
	// line.
	NumParam() int

	// Args serializes the set for the given grammar.
	Args(g Grammar) ([]string, error)

	// String returns the human readable form.
	String() string

	// CSV returns the values joined by ", ".
	CSV() string

	// CSVHeader returns the names matching CSV.
	CSVHeader() string

	// Clone returns an independent deep copy.
	Clone() Set
}

// quieter is implemented by sets that support presentation-only hiding.
type quieter interface {
	setQuiet(names []string)
}

// ValueToPrint renders a value for CSV output: unset is "False", a
// presence flag is "True".
func ValueToPrint(value string, ok bool) string {
	if !ok {
		return "False"
	}
	if value == "" {
		return "True"
	}
	return value
}

// Split breaks a raw argument string into tokens using shell quoting rules.
func Split(raw string) ([]string, error) {
	tokens, err := shlex.Split(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to parse input parameters %q: %v", ErrUnknownParam, raw, err)
	}
	return tokens, nil
}

func joinCSV(values []string) string {
	return strings.Join(values, ", ")
}
