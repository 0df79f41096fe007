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
	"slices"
	"strconv"
	"strings"
)

// Raw is a positional-only set with no schema. Names are the token
// positions ("0", "1", ...).
type Raw struct {
	tokens []string
	quiet  map[int]bool
}

// NewRaw splits raw on whitespace.
func NewRaw(raw string) *Raw {
	return NewRawTokens(strings.Fields(raw))
}

// NewRawTokens wraps an already split token list.
func NewRawTokens(tokens []string) *Raw {
	return &Raw{tokens: slices.Clone(tokens), quiet: map[int]bool{}}
}

// Names implements Set.
func (r *Raw) Names() []string {
	out := make([]string, len(r.tokens))
	for i := range r.tokens {
		out[i] = strconv.Itoa(i)
	}
	return out
}

func (r *Raw) index(name string) (int, error) {
	i, err := strconv.Atoi(name)
	if err != nil || i < 0 || i >= len(r.tokens) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownParam, name)
	}
	return i, nil
}

// Get implements Set.
func (r *Raw) Get(name string) (string, bool, error) {
	i, err := r.index(name)
	if err != nil {
		return "", false, err
	}
	return r.tokens[i], true, nil
}

// Set implements Set.
func (r *Raw) Set(name, value string) error {
	i, err := r.index(name)
	if err != nil {
		return err
	}
	r.tokens[i] = value
	return nil
}

// PosList returns the visible tokens.
func (r *Raw) PosList() []string {
	out := make([]string, 0, len(r.tokens))
	for i, tok := range r.tokens {
		if !r.quiet[i] {
			out = append(out, tok)
		}
	}
	return out
}

// NumParam implements Set.
func (r *Raw) NumParam() int {
	return len(r.PosList())
}

// Args implements Set.
func (r *Raw) Args(g Grammar) ([]string, error) {
	if g != Positional {
		return nil, fmt.Errorf("%w: %s", ErrNotSupported, g)
	}
	return r.PosList(), nil
}

// String implements Set.
func (r *Raw) String() string {
	return strings.Join(r.PosList(), " ")
}

// CSV implements Set.
func (r *Raw) CSV() string {
	vals := r.PosList()
	for i, v := range vals {
		vals[i] = ValueToPrint(v, true)
	}
	return joinCSV(vals)
}

// CSVHeader implements Set.
func (r *Raw) CSVHeader() string {
	return joinCSV(r.Names())
}

// Clone implements Set.
func (r *Raw) Clone() Set {
	c := NewRawTokens(r.tokens)
	for k, v := range r.quiet {
		c.quiet[k] = v
	}
	return c
}

func (r *Raw) setQuiet(names []string) {
	for _, name := range names {
		if i, err := strconv.Atoi(name); err == nil {
			r.quiet[i] = true
		}
	}
}

var _ Set = (*Raw)(nil)
