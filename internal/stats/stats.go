// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stats holds the performance records produced by kernel runs,
// groups them per run, persists them and compares runs against a
// reference.
//
// # Description
//
// A Stats is one kernel execution: its parameters, a description and a
// map of performance metrics. A Collection groups Stats by kernel and
// offload for a whole run and is what the stores persist. Gate compares
// two collections, or one collection against a statistical model, and
// decides whether the run regressed.
//
// # Thread Safety
//
// Stats values are not modified after construction. Collection is not
// safe for concurrent mutation; the run orchestrator appends from a
// single goroutine.
package stats

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/AleutianAI/micperf/internal/params"
	"github.com/AleutianAI/micperf/internal/perferr"
	"github.com/AleutianAI/micperf/pkg/ux"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrInvalidPerf is returned for performance maps with a missing
	// value or units.
	ErrInvalidPerf = &perferr.Error{Kind: perferr.KindParse, Msg: "perf entries must have a value and units"}

	// ErrNoComparableTag is returned by Sub when no rolled-up tag is
	// shared with the reference.
	ErrNoComparableTag = errors.New("no rolled-up performance tag to compare")

	// ErrNoModelEntry is returned when a statistical model has no entry
	// for a result.
	ErrNoModelEntry = errors.New("statistical information not available")
)

// -----------------------------------------------------------------------------
// Metric
// -----------------------------------------------------------------------------

// Metric is one performance measurement.
type Metric struct {
	Value  float64 `json:"value"`
	Units  string  `json:"units"`
	Rollup bool    `json:"rollup"`

	// Extra carries per-point values of internally scaled kernels, keyed
	// by parameter name, used as plot coordinates.
	Extra map[string]float64 `json:"extra,omitempty"`
}

// Perf maps a metric tag such as "Task.Bandwidth" to its measurement.
type Perf map[string]Metric

// Tags returns the tags in sorted order.
func (p Perf) Tags() []string {
	return slices.Sorted(maps.Keys(p))
}

func (p Perf) rolledTags(rolledUp bool) []string {
	var out []string
	for _, tag := range p.Tags() {
		if !rolledUp || p[tag].Rollup {
			out = append(out, tag)
		}
	}
	return out
}

// FormatValue renders a metric value the way kernels print it.
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// -----------------------------------------------------------------------------
// Stats
// -----------------------------------------------------------------------------

// Stats is the result of one kernel execution.
type Stats struct {
	Params params.Set
	Desc   string
	Perf   Perf
}

// NewStats validates perf and builds a Stats.
//
// # Outputs
//
//   - *Stats: the record.
//   - error: ErrInvalidPerf when an entry has no units or a non finite
//     value.
func NewStats(set params.Set, desc string, perf Perf) (*Stats, error) {
	for tag, m := range perf {
		if m.Units == "" || math.IsNaN(m.Value) || math.IsInf(m.Value, 0) {
			return nil, fmt.Errorf("%w: tag %q", ErrInvalidPerf, tag)
		}
	}
	if perf == nil {
		perf = Perf{}
	}
	return &Stats{Params: set, Desc: desc, Perf: perf}, nil
}

// FromMap builds a Stats from a loosely typed nested map, as decoded
// from JSON or YAML.
//
// # Description
//
// Every entry must itself be a map with "value" and "units" keys. The
// value may be a number or a numeric string. "rollup" defaults to true.
func FromMap(set params.Set, desc string, raw map[string]any) (*Stats, error) {
	perf := make(Perf, len(raw))
	for tag, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: tag %q is not a nested map", ErrInvalidPerf, tag)
		}
		rawValue, hasValue := m["value"]
		units, hasUnits := m["units"].(string)
		if !hasValue || !hasUnits {
			return nil, fmt.Errorf("%w: tag %q", ErrInvalidPerf, tag)
		}
		value, err := toFloat(rawValue)
		if err != nil {
			return nil, fmt.Errorf("%w: tag %q: %v", ErrInvalidPerf, tag, err)
		}
		rollup := true
		if r, ok := m["rollup"].(bool); ok {
			rollup = r
		}
		perf[tag] = Metric{Value: value, Units: units, Rollup: rollup}
	}
	return NewStats(set, desc, perf)
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(x), 64)
	default:
		return 0, fmt.Errorf("unsupported value type %T", v)
	}
}

// String renders the description, parameters and rolled-up values.
func (s *Stats) String() string {
	return s.Format(true)
}

// Format renders the record; rolledUp false includes every metric.
func (s *Stats) Format(rolledUp bool) string {
	lines := []string{s.Desc, "Parameters:  " + s.paramsString()}
	for _, tag := range s.Perf.rolledTags(rolledUp) {
		m := s.Perf[tag]
		lines = append(lines, fmt.Sprintf("%s      %s", FormatValue(m.Value), m.Units))
	}
	return strings.Join(lines, "\n")
}

func (s *Stats) paramsString() string {
	if s.Params == nil {
		return ""
	}
	return s.Params.String()
}

// CSV renders the record as one CSV row.
func (s *Stats) CSV(rolledUp bool) string {
	row := []string{s.Desc}
	if s.Params != nil {
		row = append(row, s.Params.CSV())
	}
	for _, tag := range s.Perf.rolledTags(rolledUp) {
		row = append(row, FormatValue(s.Perf[tag].Value))
	}
	return strings.Join(row, ", ")
}

// CSVHeader renders the header matching CSV.
func (s *Stats) CSVHeader(rolledUp bool) string {
	row := []string{"DESCRIPTION"}
	if s.Params != nil {
		row = append(row, s.Params.CSVHeader())
	}
	for _, tag := range s.Perf.rolledTags(rolledUp) {
		row = append(row, fmt.Sprintf("%s (%s)", tag, s.Perf[tag].Units))
	}
	return strings.Join(row, ", ")
}

// CSVShortForm renders one line per rolled-up metric:
// description, offload, value, tag (units), parameters.
func (s *Stats) CSVShortForm(offload string) string {
	var lines []string
	for _, tag := range s.Perf.rolledTags(true) {
		m := s.Perf[tag]
		lines = append(lines, strings.Join([]string{
			s.Desc,
			offload,
			FormatValue(m.Value),
			fmt.Sprintf("%s (%s)", tag, m.Units),
			s.paramsString(),
		}, ", "))
	}
	return strings.Join(lines, "\n")
}

// Sub returns the worst relative difference of s against ref over the
// rolled-up tags.
//
// # Description
//
// For each rolled-up tag the relative error (s - ref) / ref is taken,
// negated for tags containing "Time" where lower is better. The minimum
// is returned, so a negative result always means s is worse than ref.
//
// # Outputs
//
//   - float64: the minimum signed relative error.
//   - error: ErrNoComparableTag when no rolled-up tag of s exists in ref
//     with a non zero value.
func (s *Stats) Sub(ref *Stats) (float64, error) {
	result := 0.0
	found := false
	for _, tag := range s.Perf.rolledTags(true) {
		r, ok := ref.Perf[tag]
		if !ok || r.Value == 0 {
			continue
		}
		sign := 1.0
		if strings.Contains(tag, "Time") {
			sign = -1.0
		}
		rel := sign * (s.Perf[tag].Value - r.Value) / r.Value
		if !found || rel < result {
			result = rel
			found = true
		}
	}
	if !found {
		return 0, ErrNoComparableTag
	}
	return result, nil
}

// Model is a statistical performance model:
// kernel -> offload -> description -> [mean, standard deviation].
type Model map[string]map[string]map[string][2]float64

// StatisticalComparison checks s against the model's three sigma band.
//
// # Outputs
//
//   - float64: 0 inside the band, otherwise the relative distance to the
//     nearest band edge, negative below it.
//   - bool: true when the result lies outside the band.
//   - error: ErrNoModelEntry when the model lacks this description.
func (s *Stats) StatisticalComparison(model Model, kernel, offload string) (float64, bool, error) {
	entry, ok := model[kernel][offload][s.Desc]
	if !ok {
		return 0, false, fmt.Errorf("%w for %q", ErrNoModelEntry, s.Desc)
	}
	tags := s.Perf.Tags()
	if len(tags) == 0 {
		return 0, false, ErrNoComparableTag
	}
	mean, stdev := entry[0], entry[1]
	maxExpected := mean + 3*stdev
	minExpected := mean - 3*stdev
	actual := s.Perf[tags[0]].Value

	switch {
	case actual > minExpected && actual < maxExpected:
		return 0, false, nil
	case actual <= minExpected:
		return (actual - minExpected) / minExpected, true, nil
	default:
		return (actual - maxExpected) / maxExpected, true, nil
	}
}

// Reprint writes the record in canonical kernel output form:
// a DESCRIPTION line and one PERFORMANCE line per tag.
func (s *Stats) Reprint(console *ux.Console) {
	if console == nil {
		console = ux.Default()
	}
	console.Print(ux.CatDesc, s.Desc)
	for _, line := range s.PerformanceLines() {
		console.Print(ux.CatPerf, line)
	}
}

// PerformanceLines returns "tag value units [R]" for every tag.
func (s *Stats) PerformanceLines() []string {
	var out []string
	for _, tag := range s.Perf.Tags() {
		m := s.Perf[tag]
		line := fmt.Sprintf("%s %s %s", tag, FormatValue(m.Value), m.Units)
		if m.Rollup {
			line += " R"
		}
		out = append(out, line)
	}
	return out
}

// Clone returns a deep copy.
func (s *Stats) Clone() *Stats {
	c := &Stats{Desc: s.Desc, Perf: make(Perf, len(s.Perf))}
	if s.Params != nil {
		c.Params = s.Params.Clone()
	}
	for tag, m := range s.Perf {
		m.Extra = maps.Clone(m.Extra)
		c.Perf[tag] = m
	}
	return c
}

type statsJSON struct {
	Params *params.Snapshot `json:"params"`
	Desc   string           `json:"desc"`
	Perf   Perf             `json:"perf"`
}

// MarshalJSON freezes the parameters into a snapshot.
func (s *Stats) MarshalJSON() ([]byte, error) {
	return json.Marshal(statsJSON{Params: params.Freeze(s.Params), Desc: s.Desc, Perf: s.Perf})
}

// UnmarshalJSON restores the parameters as a snapshot.
func (s *Stats) UnmarshalJSON(data []byte) error {
	var raw statsJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Desc = raw.Desc
	s.Perf = raw.Perf
	if s.Perf == nil {
		s.Perf = Perf{}
	}
	if raw.Params != nil {
		s.Params = raw.Params
	}
	return nil
}
