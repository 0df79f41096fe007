// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package kernel

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/AleutianAI/micperf/internal/params"
	"github.com/AleutianAI/micperf/internal/perferr"
	"github.com/AleutianAI/micperf/internal/stats"
	"github.com/AleutianAI/micperf/pkg/ux"
)

// DropRule limits the parameters one offload method passes.
type DropRule struct {
	// Max is the number of parameters the target accepts.
	Max int

	// Drop is how many names after Max are quieted. A negative value
	// applies the short list to the host side of a split offload.
	Drop int
}

// Config declares a kernel for Base.
//
// Description:
//
//	Every field has a usable zero value. HostBinary and DeviceBinary
//	default to Name.
type Config struct {
	Name string

	// Params are the parameter names, in command line order.
	Params     []string
	Defaults   map[string]string
	Categories map[string][]string

	Grammar   params.Grammar
	Validator params.Validator
	Offloads  []string

	// EnvParams travel through the environment; they stay quiet on the
	// command line.
	EnvParams []string
	HostEnv   map[string]string
	DeviceEnv map[string]string

	Modifiers []string
	FixedArgs []string

	MPIRequired     bool
	RequiresRoot    bool
	OptimizedForSNC bool

	Drop map[string]DropRule

	HostBinary   string
	DeviceBinary string

	// OrderingTag is the perf tag peaks are selected by; empty disables
	// peak selection.
	OrderingTag   string
	LowerIsBetter bool

	// UpdateParams rewrites category parameter lists for an offload.
	UpdateParams func(raws []string, offload string) []string

	// OffloadDefaults adjusts a copy of Defaults for an offload.
	OffloadDefaults func(offload string, defaults map[string]string)

	// Console receives parse failure reports. nil means ux.Default().
	Console *ux.Console
}

// Base implements Kernel from a Config. Concrete kernels embed it and
// override the methods that need more than data.
//
// Thread Safety: Read-only after construction.
type Base struct {
	cfg Config
}

// NewBase creates a Base.
func NewBase(cfg Config) Base {
	if cfg.Validator == nil {
		cfg.Validator = params.NoValidator{}
	}
	if cfg.HostBinary == "" {
		cfg.HostBinary = cfg.Name
	}
	if cfg.DeviceBinary == "" {
		cfg.DeviceBinary = cfg.Name
	}
	return Base{cfg: cfg}
}

// Console returns the console parse failures are reported on.
func (b *Base) Console() *ux.Console {
	if b.cfg.Console != nil {
		return b.cfg.Console
	}
	return ux.Default()
}

// Name implements Kernel.
func (b *Base) Name() string { return b.cfg.Name }

// ParamNames implements Kernel.
func (b *Base) ParamNames() []string { return slices.Clone(b.cfg.Params) }

// ParamDefaults implements Kernel.
func (b *Base) ParamDefaults(offload string) map[string]string {
	out := maps.Clone(b.cfg.Defaults)
	if out == nil {
		out = map[string]string{}
	}
	if b.cfg.OffloadDefaults != nil {
		b.cfg.OffloadDefaults(offload, out)
	}
	return out
}

// CategoryParams implements Kernel.
func (b *Base) CategoryParams(category, offload string) ([]string, error) {
	raws, ok := b.cfg.Categories[category]
	switch {
	case ok:
		raws = slices.Clone(raws)
	case category == CategoryOptimal && len(b.cfg.Categories[CategoryScaling]) > 0:
		scaling := b.cfg.Categories[CategoryScaling]
		raws = []string{scaling[len(scaling)-1]}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}
	if b.cfg.UpdateParams != nil {
		raws = b.cfg.UpdateParams(raws, offload)
	}
	return raws, nil
}

// IndependentVar implements Kernel.
func (b *Base) IndependentVar(string) (string, error) {
	switch {
	case slices.Contains(b.cfg.Params, "num_core"):
		return "num_core", nil
	case slices.Contains(b.cfg.Params, "num_thread"):
		return "num_thread", nil
	default:
		return "", ErrNoIndependentVar
	}
}

// OffloadMethods implements Kernel.
func (b *Base) OffloadMethods() []string { return slices.Clone(b.cfg.Offloads) }

// Grammar implements Kernel.
func (b *Base) Grammar() params.Grammar { return b.cfg.Grammar }

// Validator implements Kernel.
func (b *Base) Validator() params.Validator { return b.cfg.Validator }

// InternalScaling implements Kernel.
func (b *Base) InternalScaling() bool { return false }

// HostEnvironment implements Kernel.
func (b *Base) HostEnvironment() map[string]string { return cloneEnv(b.cfg.HostEnv) }

// DeviceEnvironment implements Kernel.
func (b *Base) DeviceEnvironment() map[string]string { return cloneEnv(b.cfg.DeviceEnv) }

// EnvironmentParams implements Kernel.
func (b *Base) EnvironmentParams() []string { return slices.Clone(b.cfg.EnvParams) }

// ParamFile implements Kernel.
func (b *Base) ParamFile(params.Set) (string, error) {
	return "", fmt.Errorf("%w: %s", ErrNoParamFile, b.cfg.Name)
}

// ParamFileArgs implements Kernel.
func (b *Base) ParamFileArgs(path string) []string { return []string{path} }

// HostExecutable implements Kernel.
func (b *Base) HostExecutable(string) (string, error) {
	return FindExecutable(b.cfg.Name, HostArch, b.cfg.HostBinary)
}

// DeviceExecutable implements Kernel.
func (b *Base) DeviceExecutable(string) (string, error) {
	return FindExecutable(b.cfg.Name, DeviceArch, b.cfg.DeviceBinary)
}

// AuxFiles implements Kernel.
func (b *Base) AuxFiles(string) ([]string, error) { return nil, nil }

// ProcessModifiers implements Kernel.
func (b *Base) ProcessModifiers() []string { return slices.Clone(b.cfg.Modifiers) }

// FixedArgs implements Kernel.
func (b *Base) FixedArgs() []string { return slices.Clone(b.cfg.FixedArgs) }

// WorkingDir implements Kernel.
func (b *Base) WorkingDir() string { return "" }

// MPIRequired implements Kernel.
func (b *Base) MPIRequired() bool { return b.cfg.MPIRequired }

// RequiresRoot implements Kernel.
func (b *Base) RequiresRoot() bool { return b.cfg.RequiresRoot }

// OptimizedForSNC implements Kernel.
func (b *Base) OptimizedForSNC() bool { return b.cfg.OptimizedForSNC }

// DeviceParamName implements Kernel.
func (b *Base) DeviceParamName() string { return "device" }

// DropRule implements Kernel.
func (b *Base) DropRule(offload string) (int, int, bool) {
	r, ok := b.cfg.Drop[offload]
	return r.Max, r.Drop, ok
}

// ParseDescription implements Kernel with the default parser.
func (b *Base) ParseDescription(raw string) (string, error) {
	return DefaultDescription(raw), nil
}

// ParsePerformance implements Kernel with the default parser.
func (b *Base) ParsePerformance(raw string) (stats.Perf, error) {
	perf, err := DefaultPerformance(raw)
	if err != nil {
		return nil, b.ParseFailure(raw, err.Error())
	}
	return perf, nil
}

// OrderingKey implements Kernel.
func (b *Base) OrderingKey(s *stats.Stats) (float64, bool) {
	if b.cfg.OrderingTag == "" || s == nil {
		return 0, false
	}
	m, ok := s.Perf[b.cfg.OrderingTag]
	return m.Value, ok
}

// ReverseOrdering implements Kernel.
func (b *Base) ReverseOrdering() bool { return !b.cfg.LowerIsBetter }

// Help implements Kernel.
func (b *Base) Help(message, offload string) string {
	if message != "" {
		return fmt.Sprintf("Parameter help for kernel %s:\n%s\n", b.cfg.Name, message)
	}
	defaults := b.ParamDefaults(offload)
	parts := make([]string, 0, len(b.cfg.Params))
	for _, pn := range b.cfg.Params {
		if def, ok := defaults[pn]; ok {
			parts = append(parts, "<"+pn+":"+def+">")
		} else {
			parts = append(parts, "<"+pn+">")
		}
	}
	return fmt.Sprintf("Parameter help for kernel %s <param:default>:\n%s\n", b.cfg.Name, strings.Join(parts, " "))
}

// CleanUp implements Kernel.
func (b *Base) CleanUp() error { return nil }

// ParseFailure prints raw under an error banner and returns a self check
// error carrying msg.
func (b *Base) ParseFailure(raw, msg string) error {
	c := b.Console()
	c.Print(ux.CatError, fmt.Sprintf("Failed parsing output of %s:", b.cfg.Name))
	c.Println(raw)
	if msg == "" {
		msg = fmt.Sprintf("unable to parse %s output", b.cfg.Name)
	}
	return perferr.SelfCheck(msg)
}

// DefaultsFromOptimal replaces the defaults with the values of the last
// optimal parameter list, so that a run without arguments is an optimal
// run.
func (b *Base) DefaultsFromOptimal() error {
	raws, err := b.CategoryParams(CategoryOptimal, "")
	if err != nil {
		return err
	}
	if len(raws) == 0 {
		return nil
	}
	set, err := params.Parse(raws[len(raws)-1], params.Schema{
		Names:     b.cfg.Params,
		Defaults:  b.cfg.Defaults,
		Validator: b.cfg.Validator,
	})
	if err != nil {
		return fmt.Errorf("optimal parameters of %s: %w", b.cfg.Name, err)
	}
	b.cfg.Defaults = set.Values()
	return nil
}

func cloneEnv(env map[string]string) map[string]string {
	out := maps.Clone(env)
	if out == nil {
		out = map[string]string{}
	}
	return out
}

// =============================================================================
// Default Parsers
// =============================================================================

const (
	descriptionMarker = "[ DESCRIPTION ]"
	performanceMarker = "[ PERFORMANCE ]"
)

// DefaultDescription returns the text of the first "[ DESCRIPTION ]"
// line, or "" when there is none.
func DefaultDescription(raw string) string {
	for line := range strings.Lines(raw) {
		if _, after, ok := strings.Cut(line, descriptionMarker); ok {
			return strings.TrimSpace(after)
		}
	}
	return ""
}

// DefaultPerformance parses blocks of the form
//
//	[ PERFORMANCE ] tag value units [R]
//
// where a trailing R marks a rolled-up measurement.
func DefaultPerformance(raw string) (stats.Perf, error) {
	blocks := strings.Split(raw, performanceMarker)
	perf := make(stats.Perf, len(blocks)-1)
	for _, block := range blocks[1:] {
		line, _, _ := strings.Cut(strings.TrimLeft(block, " \t"), "\n")
		fields := strings.Fields(line)
		if len(fields) < 3 {
			return nil, fmt.Errorf("incomplete performance line %q", strings.TrimSpace(line))
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("performance value for %s: %w", fields[0], err)
		}
		perf[fields[0]] = stats.Metric{
			Value:  v,
			Units:  fields[2],
			Rollup: len(fields) > 3 && fields[3] == "R",
		}
	}
	return perf, nil
}

// AddRollup appends " R" to every performance line reporting tag, unless
// it is already there.
func AddRollup(raw, tag string) string {
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		rest, ok := strings.CutPrefix(line, performanceMarker+" ")
		if ok && strings.HasPrefix(rest, tag+" ") && !strings.HasSuffix(line, " R") {
			lines[i] = line + " R"
		}
	}
	return strings.Join(lines, "\n")
}

// KeyValues collects "key: value" lines with exactly one colon, both
// sides trimmed. Later lines win.
func KeyValues(raw string) map[string]string {
	out := map[string]string{}
	for line := range strings.Lines(raw) {
		if strings.Count(line, ":") != 1 {
			continue
		}
		k, v, _ := strings.Cut(line, ":")
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}
