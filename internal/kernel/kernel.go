// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package kernel defines how a benchmark program plugs into micperf.
//
// # Description
//
// A Kernel describes one external benchmark binary: the parameters it
// takes and how they are serialized, the parameter lists of each run
// category, where its executables live, the environment it needs and how
// its standard output is turned into performance records.
//
// Most kernels embed Base, which implements every method from a Config
// value, and override only what differs.
//
// # Thread Safety
//
// Kernels may keep state between ParamFile and the parsers of one run;
// implementations guard it with a mutex. The registry is safe for
// concurrent use.
package kernel

import (
	"slices"

	"github.com/AleutianAI/micperf/internal/params"
	"github.com/AleutianAI/micperf/internal/perferr"
	"github.com/AleutianAI/micperf/internal/stats"
)

// =============================================================================
// Offload Methods
// =============================================================================

// Offload method names.
const (
	OffloadNative = "native"
	OffloadSCIF   = "scif"
	OffloadCOI    = "coi"
	OffloadAuto   = "auto"
	OffloadLocal  = "local"
	OffloadPragma = "pragma"
	OffloadMYO    = "myo"
)

// =============================================================================
// Categories
// =============================================================================

// Parameter categories.
const (
	CategoryTest         = "test"
	CategoryOptimal      = "optimal"
	CategoryOptimalQuick = "optimal_quick"
	CategoryScaling      = "scaling"
	CategoryScalingQuick = "scaling_quick"
	CategoryScalingCore  = "scaling_core"
)

// Categories lists every category in the order they are documented.
var Categories = []string{
	CategoryTest,
	CategoryOptimal,
	CategoryOptimalQuick,
	CategoryScaling,
	CategoryScalingQuick,
	CategoryScalingCore,
}

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrUnknownCategory is returned by CategoryParams for categories the
	// kernel does not define.
	ErrUnknownCategory = &perferr.Error{Kind: perferr.KindLookup, Msg: "unknown parameter category"}

	// ErrNoExecutable is returned when a kernel binary cannot be found.
	ErrNoExecutable = &perferr.Error{Kind: perferr.KindNoExecutable, Msg: "could not find executable"}

	// ErrNoIndependentVar is returned by the default IndependentVar for
	// kernels with neither num_core nor num_thread.
	ErrNoIndependentVar = &perferr.Error{Kind: perferr.KindConfig, Msg: "neither num_core or num_thread are parameters"}

	// ErrNoParamFile is returned by ParamFile for kernels that do not use
	// the file grammar.
	ErrNoParamFile = &perferr.Error{Kind: perferr.KindConfig, Msg: "kernel does not use a parameter file"}
)

// =============================================================================
// Kernel
// =============================================================================

// Kernel is the contract between micperf and a benchmark binary.
type Kernel interface {
	// Name is the kernel name used on the command line.
	Name() string

	// ParamNames returns the ordered, unique parameter names. Kernels
	// without named parameters return nil and are driven positionally.
	ParamNames() []string

	// ParamDefaults returns a copy of the default values for offload.
	ParamDefaults(offload string) map[string]string

	// CategoryParams returns one raw argument string per execution of the
	// category. "optimal" falls back to the last "scaling" entry.
	CategoryParams(category, offload string) ([]string, error)

	// IndependentVar names the parameter plotted on the x axis.
	IndependentVar(category string) (string, error)

	// OffloadMethods lists the supported offload method names.
	OffloadMethods() []string

	// Grammar selects how parameters reach the binary.
	Grammar() params.Grammar

	// Validator checks parameter values as they are parsed.
	Validator() params.Validator

	// InternalScaling is true when one execution yields many results.
	// Such kernels also implement Scaler.
	InternalScaling() bool

	// HostEnvironment returns variables set for every host execution.
	HostEnvironment() map[string]string

	// DeviceEnvironment returns variables set for every device execution.
	DeviceEnvironment() map[string]string

	// EnvironmentParams lists parameters passed through the environment
	// instead of the command line.
	EnvironmentParams() []string

	// ParamFile writes the parameter file for set into a fresh scratch
	// directory and returns its path. The caller removes the directory.
	ParamFile(set params.Set) (string, error)

	// ParamFileArgs returns the command line arguments that point the
	// binary at a parameter file.
	ParamFileArgs(path string) []string

	// HostExecutable returns the host binary for offload. An empty path
	// with a nil error means the offload is not supported.
	HostExecutable(offload string) (string, error)

	// DeviceExecutable returns the device binary for offload, with the
	// same conventions as HostExecutable.
	DeviceExecutable(offload string) (string, error)

	// AuxFiles lists host files copied next to the device binary.
	AuxFiles(offload string) ([]string, error)

	// ProcessModifiers is prepended to the host command (numactl,
	// mpirun).
	ProcessModifiers() []string

	// FixedArgs is appended to the host command whatever the parameters.
	FixedArgs() []string

	// WorkingDir is the host working directory, "" for the default.
	WorkingDir() string

	MPIRequired() bool
	RequiresRoot() bool
	OptimizedForSNC() bool

	// DeviceParamName names the parameter holding the device index.
	DeviceParamName() string

	// DropRule returns how many trailing parameters the offload method
	// accepts. ok is false when every parameter is passed.
	DropRule(offload string) (maxCount, drop int, ok bool)

	// ParseDescription summarizes an execution from its output.
	ParseDescription(raw string) (string, error)

	// ParsePerformance extracts the measurements from an execution's
	// output.
	ParsePerformance(raw string) (stats.Perf, error)

	// OrderingKey returns the value peaks are selected by. ok is false
	// when the kernel defines no ordering.
	OrderingKey(s *stats.Stats) (value float64, ok bool)

	// ReverseOrdering is true when higher keys are better.
	ReverseOrdering() bool

	// Help renders parameter help. An empty message lists the
	// parameters and their defaults for offload.
	Help(message, offload string) string

	// CleanUp removes whatever the kernel left behind on the host.
	CleanUp() error
}

// Scaler is implemented by kernels whose single execution scales a
// parameter internally.
type Scaler interface {
	// ParseDescriptions returns one description per internal step.
	ParseDescriptions(raw string) ([]string, error)

	// ParsePerformances returns one measurement map per internal step.
	ParsePerformances(raw string) ([]stats.Perf, error)
}

// GetoptKernel is implemented by kernels that use the getopt grammar.
type GetoptKernel interface {
	GetoptSchema(offload string) params.GetoptSchema
}

// =============================================================================
// Parameter sets
// =============================================================================

// ParseParams builds one parameter set per raw argument string.
//
// # Description
//
// Getopt kernels parse with their getopt schema. Kernels without
// parameter names get positional raw sets. Every other kernel parses
// with its names, the defaults for offload, its validator, and its
// environment parameters kept quiet on the command line.
//
// # Outputs
//
//   - []params.Set: one set per element of raws.
//   - error: the first parse error. Help requests surface as
//     *params.HelpError.
func ParseParams(k Kernel, raws []string, offload string) ([]params.Set, error) {
	sets := make([]params.Set, 0, len(raws))
	for _, raw := range raws {
		set, err := parseOne(k, raw, offload)
		if err != nil {
			return nil, err
		}
		sets = append(sets, set)
	}
	return sets, nil
}

func parseOne(k Kernel, raw, offload string) (params.Set, error) {
	if g, ok := k.(GetoptKernel); ok && k.Grammar() == params.GetoptGrammar {
		return params.ParseGetopt(raw, g.GetoptSchema(offload))
	}
	names := k.ParamNames()
	if len(names) == 0 {
		tokens, err := params.Split(raw)
		if err != nil {
			return nil, err
		}
		return params.NewRawTokens(tokens), nil
	}
	return params.Parse(raw, params.Schema{
		Names:     names,
		Defaults:  k.ParamDefaults(offload),
		Quiet:     k.EnvironmentParams(),
		Validator: k.Validator(),
	})
}

// Supports reports whether k lists offload among its methods.
func Supports(k Kernel, offload string) bool {
	return slices.Contains(k.OffloadMethods(), offload)
}
