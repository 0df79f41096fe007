// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package params

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/AleutianAI/micperf/internal/perferr"
)

// Validator checks a single parameter value before it is stored.
type Validator interface {
	// Validate returns value unchanged or an error wrapping ErrInvalidType.
	Validate(name, value string) (string, error)
}

// Check validates one value. It returns a description of the problem or
// nil.
type Check func(value string) error

// NoValidator accepts every value.
type NoValidator struct{}

// Validate implements Validator.
func (NoValidator) Validate(_, value string) (string, error) {
	return value, nil
}

// TypeValidator validates values per parameter name.
//
// Every name parsed through a TypeValidator must have a Check; a missing
// entry is a configuration error in the kernel definition, not a user
// error.
type TypeValidator struct {
	Name   string
	Checks map[string]Check
}

// Validate implements Validator.
func (v *TypeValidator) Validate(name, value string) (string, error) {
	check, ok := v.Checks[name]
	if !ok {
		return "", perferr.New(perferr.KindConfig,
			"INTERNAL ERROR: validator %s has no check for parameter %q", v.Name, name)
	}
	if err := check(value); err != nil {
		return "", fmt.Errorf("%w: Invalid type for %s's parameter %q, %v", ErrInvalidType, v.Name, name, err)
	}
	return value, nil
}

var signedIntRe = regexp.MustCompile(`^-?\d+$`)

// UnsignedInt accepts decimal digits only.
func UnsignedInt(value string) error {
	if value == "" || strings.TrimLeft(value, "0123456789") != "" {
		return fmt.Errorf("unsigned integer expected got %q instead", value)
	}
	return nil
}

// SignedInt accepts an optional minus sign followed by decimal digits.
func SignedInt(value string) error {
	if !signedIntRe.MatchString(value) {
		return fmt.Errorf("signed integer expected got %q instead", value)
	}
	return nil
}

// OneOf builds a Check accepting exactly one of the given alternatives.
func OneOf(alternatives ...string) Check {
	quoted := make([]string, len(alternatives))
	for i, a := range alternatives {
		quoted[i] = regexp.QuoteMeta(a)
	}
	re := regexp.MustCompile("^(" + strings.Join(quoted, "|") + ")$")
	allowed := strings.Join(alternatives, " or ")
	return func(value string) error {
		if !re.MatchString(value) {
			return fmt.Errorf("argument should have one of following values: %q got %q instead", allowed, value)
		}
		return nil
	}
}

// NoArgs accepts only the empty presence value.
func NoArgs(value string) error {
	if value != "" {
		return fmt.Errorf("this option does not take any arguments, '%s' found", value)
	}
	return nil
}

// =============================================================================
// Kernel validators
// =============================================================================

// GEMMValidator validates sgemm and dgemm parameters.
func GEMMValidator() *TypeValidator {
	return &TypeValidator{
		Name: "XGEMM",
		Checks: map[string]Check{
			"i_num_rep":    UnsignedInt,
			"n_num_thread": SignedInt,
			"m_mode":       OneOf("NN", "NT", "TN", "TT", "0", "1", "2", "3"),
			"M_size":       SignedInt,
			"N_size":       SignedInt,
			"K_size":       SignedInt,
		},
	}
}

// LinpackValidator validates linpack parameters.
func LinpackValidator() *TypeValidator {
	return &TypeValidator{
		Name: "linpack",
		Checks: map[string]Check{
			"omp_num_threads": SignedInt,
			"matrix_size":     UnsignedInt,
			"num_rep":         UnsignedInt,
			"lead_dim":        UnsignedInt,
		},
	}
}

// StreamValidator validates STREAM parameters.
func StreamValidator() *TypeValidator {
	return &TypeValidator{
		Name:   "STREAM",
		Checks: map[string]Check{"omp_num_threads": UnsignedInt},
	}
}

// HPCGValidator validates hpcg parameters.
func HPCGValidator() *TypeValidator {
	return &TypeValidator{
		Name: "hpcg",
		Checks: map[string]Check{
			"problem_size":    UnsignedInt,
			"time":            UnsignedInt,
			"omp_num_threads": UnsignedInt,
		},
	}
}

// HPLinpackValidator validates hplinpack parameters.
func HPLinpackValidator() *TypeValidator {
	return &TypeValidator{
		Name: "hplinpack",
		Checks: map[string]Check{
			"problem_size":   UnsignedInt,
			"block_size":     UnsignedInt,
			"hpl_numthreads": UnsignedInt,
		},
	}
}

// SHOCValidator validates the shoc transfer kernels.
func SHOCValidator() *TypeValidator {
	return &TypeValidator{
		Name: "SHOC",
		Checks: map[string]Check{
			"target":   UnsignedInt,
			"passes":   UnsignedInt,
			"nopinned": NoArgs,
		},
	}
}
