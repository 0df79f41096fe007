// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package offload executes kernels under one of the supported execution
topologies.

A Strategy names where the kernel binary runs: on the host, on the
attached device, or on both at once. Run drives one kernel through every
parameter set of a category, launching the host and device processes
through connect.Connection and turning their output into stats.Stats.

# Lifecycle

Each parameter set goes through prepare, stage, launch, await, collect
and cleanup. Cleanup always runs, also when the context is canceled,
and the results collected before a failure travel with the error as a
*PartialResultError.
*/
package offload

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/AleutianAI/micperf/internal/connect"
	"github.com/AleutianAI/micperf/internal/deviceinfo"
	"github.com/AleutianAI/micperf/internal/kernel"
	"github.com/AleutianAI/micperf/internal/perferr"
	"github.com/AleutianAI/micperf/internal/stats"
	"github.com/AleutianAI/micperf/pkg/ux"
)

// AliasLinuxNative is accepted wherever "native" is.
const AliasLinuxNative = "linux_native"

// DeviceExecDir is the device directory binaries are staged into and run
// from.
const DeviceExecDir = "/tmp/"

// ErrUnknownOffload is returned by New for names outside Names().
var ErrUnknownOffload = &perferr.Error{Kind: perferr.KindLookup, Msg: "unknown offload method"}

// sides records where each method runs.
var sides = map[string]struct{ host, device bool }{
	kernel.OffloadNative: {host: false, device: true},
	kernel.OffloadSCIF:   {host: true, device: true},
	kernel.OffloadCOI:    {host: true, device: false},
	kernel.OffloadAuto:   {host: true, device: false},
	kernel.OffloadLocal:  {host: true, device: false},
	kernel.OffloadPragma: {host: true, device: false},
	kernel.OffloadMYO:    {host: true, device: true},
}

// Names returns the offload method names, sorted.
func Names() []string {
	out := make([]string, 0, len(sides))
	for name := range sides {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Canonical lower-cases name and resolves the linux_native alias.
func Canonical(name string) string {
	name = strings.ToLower(name)
	if name == AliasLinuxNative {
		return kernel.OffloadNative
	}
	return name
}

// =============================================================================
// Configuration
// =============================================================================

// Target describes the machine a run executes on.
type Target struct {
	// Host launches host side processes.
	Host connect.Connection

	// Device launches device side processes and receives staged files.
	// It equals Host on self-boot systems.
	Device connect.Connection

	// Index is the offload index of the device, -1 for the host itself.
	Index int

	Info deviceinfo.Info
}

// Config holds the collaborators of a Strategy. Every field is optional.
type Config struct {
	// Console receives run output. nil means ux.Default().
	Console *ux.Console

	// Logger receives diagnostics. nil means slog.Default().
	Logger *slog.Logger

	// KernelLog, when set, receives host stdout instead of the console,
	// each execution separated by a banner.
	KernelLog io.Writer

	// MPIAvailable reports whether mpirun can be found. nil means
	// kernel.MPIAvailable.
	MPIAvailable func() bool

	// Environ returns the process environment. nil means os.Environ.
	Environ func() []string

	// Hostname names this machine in MPI hints. nil means os.Hostname.
	Hostname func() (string, error)
}

// =============================================================================
// Strategy
// =============================================================================

// Strategy runs kernels under one offload method.
//
// Thread Safety: A Strategy holds no per-run state; concurrent Run calls
// are independent.
type Strategy struct {
	name   string
	host   bool
	device bool
	cfg    Config
}

// New returns the strategy for name. "linux_native" is an alias of
// "native"; names are case insensitive.
//
// # Outputs
//
//   - *Strategy: never nil when err is nil.
//   - error: wraps ErrUnknownOffload, listing the known names.
func New(name string, cfg Config) (*Strategy, error) {
	name = Canonical(name)
	side, ok := sides[name]
	if !ok {
		return nil, fmt.Errorf("%w %q, available methods: %s", ErrUnknownOffload, name, strings.Join(Names(), ", "))
	}
	return &Strategy{name: name, host: side.host, device: side.device, cfg: cfg}, nil
}

// Name returns the canonical method name.
func (s *Strategy) Name() string { return s.name }

// RunsOnHost reports whether the method launches a host process.
func (s *Strategy) RunsOnHost() bool { return s.host }

// RunsOnDevice reports whether the method launches a device process.
func (s *Strategy) RunsOnDevice() bool { return s.device }

func (s *Strategy) console() *ux.Console {
	if s.cfg.Console != nil {
		return s.cfg.Console
	}
	return ux.Default()
}

func (s *Strategy) logger() *slog.Logger {
	if s.cfg.Logger != nil {
		return s.cfg.Logger
	}
	return slog.Default()
}

// =============================================================================
// Errors
// =============================================================================

// PartialResultError carries the results collected before a run failed.
type PartialResultError struct {
	Err     error
	Partial []*stats.Stats
}

// Error implements error.
func (e *PartialResultError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the failure.
func (e *PartialResultError) Unwrap() error {
	return e.Err
}

// Partial returns the results attached to err, nil when there are none.
func Partial(err error) []*stats.Stats {
	var pe *PartialResultError
	if errors.As(err, &pe) {
		return pe.Partial
	}
	return nil
}
