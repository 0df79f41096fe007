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
	"maps"
	"slices"
)

// Snapshot is a frozen, serializable copy of a Set.
//
// # Description
//
// Stored runs keep the exact text every view produced at run time, so a
// run reloaded from disk prints and compares identically even when the
// kernel schema has changed since. Values holds only set names; a
// presence flag is stored as "".
//
// Args is not supported: a snapshot is never executed.
type Snapshot struct {
	ParamNames []string          `json:"names"`
	Values     map[string]string `json:"values"`
	Text       string            `json:"text"`
	CSVText    string            `json:"csv"`
	Header     string            `json:"csv_header"`
	Count      int               `json:"num_param"`
}

// Freeze captures set. A nil set gives an empty snapshot.
func Freeze(set Set) *Snapshot {
	s := &Snapshot{Values: map[string]string{}}
	if set == nil {
		return s
	}
	if snap, ok := set.(*Snapshot); ok {
		return snap.Clone().(*Snapshot)
	}
	s.ParamNames = slices.Clone(set.Names())
	for _, name := range s.ParamNames {
		if v, ok, err := set.Get(name); err == nil && ok {
			s.Values[name] = v
		}
	}
	s.Text = set.String()
	s.CSVText = set.CSV()
	s.Header = set.CSVHeader()
	s.Count = set.NumParam()
	return s
}

// Names implements Set.
func (s *Snapshot) Names() []string {
	return slices.Clone(s.ParamNames)
}

// Get implements Set.
func (s *Snapshot) Get(name string) (string, bool, error) {
	if !slices.Contains(s.ParamNames, name) {
		return "", false, ErrUnknownParam
	}
	v, ok := s.Values[name]
	return v, ok, nil
}

// Set implements Set. The stored text views are left as captured.
func (s *Snapshot) Set(name, value string) error {
	if !slices.Contains(s.ParamNames, name) {
		return ErrUnknownParam
	}
	if s.Values == nil {
		s.Values = map[string]string{}
	}
	s.Values[name] = value
	return nil
}

// NumParam implements Set.
func (s *Snapshot) NumParam() int { return s.Count }

// Args implements Set.
func (s *Snapshot) Args(Grammar) ([]string, error) { return nil, ErrNotSupported }

// String implements Set.
func (s *Snapshot) String() string { return s.Text }

// CSV implements Set.
func (s *Snapshot) CSV() string { return s.CSVText }

// CSVHeader implements Set.
func (s *Snapshot) CSVHeader() string { return s.Header }

// Clone implements Set.
func (s *Snapshot) Clone() Set {
	c := *s
	c.ParamNames = slices.Clone(s.ParamNames)
	c.Values = maps.Clone(s.Values)
	if c.Values == nil {
		c.Values = map[string]string{}
	}
	return &c
}

var _ Set = (*Snapshot)(nil)
