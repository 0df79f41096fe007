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
)

// Drop hides trailing parameters from every serialized view.
//
// # Description
//
// Drop clones the wrapped set and quiets the names at positions
// [maxCount, maxCount+drop). Stored values are untouched, so Get still returns a
// dropped value. It is used for targets that accept fewer parameters than
// the kernel declares.
//
// # Thread Safety
//
// Drop owns its clone; the wrapped set is never modified.
type Drop struct {
	inner Set
	drop  int
}

// NewDrop wraps a clone of set, quieting drop names starting at index
// maxCount. drop must be at least 1.
func NewDrop(set Set, drop, maxCount int) (*Drop, error) {
	if drop < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrBadDrop, drop)
	}
	inner := set.Clone()
	if q, ok := inner.(quieter); ok {
		names := inner.Names()
		lo := clamp(maxCount, 0, len(names))
		hi := clamp(maxCount+drop, lo, len(names))
		q.setQuiet(names[lo:hi])
	}
	return &Drop{inner: inner, drop: drop}, nil
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}

// Names implements Set.
func (d *Drop) Names() []string {
	return d.inner.Names()
}

// Get implements Set.
func (d *Drop) Get(name string) (string, bool, error) {
	return d.inner.Get(name)
}

// Set implements Set.
func (d *Drop) Set(name, value string) error {
	return d.inner.Set(name, value)
}

// NumParam implements Set.
func (d *Drop) NumParam() int {
	return d.inner.NumParam()
}

// Args implements Set.
func (d *Drop) Args(g Grammar) ([]string, error) {
	return d.inner.Args(g)
}

// String implements Set.
func (d *Drop) String() string {
	return d.inner.String()
}

// CSV implements Set. Only the visible positional values are listed.
func (d *Drop) CSV() string {
	vals, err := d.inner.Args(Positional)
	if err != nil {
		return d.inner.CSV()
	}
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = ValueToPrint(v, true)
	}
	return joinCSV(out)
}

// CSVHeader implements Set. The last drop names are omitted.
func (d *Drop) CSVHeader() string {
	names := d.inner.Names()
	keep := max(len(names)-d.drop, 0)
	return joinCSV(names[:keep])
}

// Clone implements Set.
func (d *Drop) Clone() Set {
	return &Drop{inner: d.inner.Clone(), drop: d.drop}
}

func (d *Drop) setQuiet(names []string) {
	if q, ok := d.inner.(quieter); ok {
		q.setQuiet(names)
	}
}

// Unwrap returns the decorated clone.
func (d *Drop) Unwrap() Set {
	return d.inner
}

var _ Set = (*Drop)(nil)
