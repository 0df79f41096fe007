// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package kernels

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/AleutianAI/micperf/internal/deviceinfo"
	"github.com/AleutianAI/micperf/internal/kernel"
	"github.com/AleutianAI/micperf/internal/params"
	"github.com/AleutianAI/micperf/internal/perferr"
	"github.com/AleutianAI/micperf/internal/stats"
)

const streamScoreTag = "Task.Bandwidth"

var streamFailRe = regexp.MustCompile(`(?i)fail`)

// Stream drives the STREAM memory bandwidth benchmark.
//
// Description:
//
//	The thread count travels as OMP_NUM_THREADS. In sub-NUMA cluster
//	modes the host binary is the MPI build, one rank per cluster, and
//	memory is bound to the high bandwidth nodes when MCDRAM is flat.
type Stream struct {
	kernel.Base
	info deviceinfo.Info
}

// NewStream sizes the categories from the core count of info.
func NewStream(info deviceinfo.Info) (*Stream, error) {
	maxCount, err := info.MaxThreadsPerPartition()
	if err != nil {
		return nil, err
	}

	scaling := make([]string, 0, maxCount)
	for n := 1; n <= maxCount; n++ {
		scaling = append(scaling, fmt.Sprintf("--omp_num_threads %d", n))
	}

	var modifiers []string
	if info.ClusterPartitioned() {
		modifiers = append(modifiers, "mpirun", "-n", strconv.Itoa(info.NodesWithCPUs))
	}
	if info.MCDRAMAvailable() {
		modifiers = append(modifiers, "numactl", "--membind="+info.HBWNodes())
	}

	s := &Stream{
		info: info,
		Base: kernel.NewBase(kernel.Config{
			Name:      "stream",
			Params:    []string{"omp_num_threads"},
			Defaults:  map[string]string{"omp_num_threads": "57"},
			Grammar:   params.Value,
			Validator: params.StreamValidator(),
			Offloads:  []string{kernel.OffloadNative, kernel.OffloadLocal},
			EnvParams: []string{"omp_num_threads"},
			Categories: map[string][]string{
				kernel.CategoryTest:         {" "},
				kernel.CategoryScaling:      scaling,
				kernel.CategoryOptimal:      lastN(scaling, 10),
				kernel.CategoryOptimalQuick: {fmt.Sprintf("--omp_num_threads %d", maxCount)},
				kernel.CategoryScalingQuick: scaling,
				kernel.CategoryScalingCore:  scaling,
			},
			DeviceEnv:       map[string]string{"LD_LIBRARY_PATH": "/tmp", "KMP_AFFINITY": "scatter"},
			Modifiers:       modifiers,
			MPIRequired:     info.ClusterPartitioned(),
			OptimizedForSNC: true,
			OrderingTag:     streamScoreTag,
		}),
	}
	if err := s.DefaultsFromOptimal(); err != nil {
		return nil, err
	}
	return s, nil
}

// IndependentVar implements kernel.Kernel.
func (s *Stream) IndependentVar(string) (string, error) {
	return "omp_num_threads", nil
}

// HostEnvironment implements kernel.Kernel.
func (s *Stream) HostEnvironment() map[string]string {
	return map[string]string{
		"LD_LIBRARY_PATH": os.Getenv("LD_LIBRARY_PATH"),
		"KMP_AFFINITY":    "scatter",
	}
}

// HostExecutable implements kernel.Kernel. Only local runs use the host
// binary.
func (s *Stream) HostExecutable(offload string) (string, error) {
	if offload != kernel.OffloadLocal {
		return "", nil
	}
	bin := "stream"
	if s.info.ClusterPartitioned() {
		bin = "stream_mpi"
	}
	return kernel.FindExecutable(s.Name(), kernel.HostArch, bin)
}

// DeviceExecutable implements kernel.Kernel.
func (s *Stream) DeviceExecutable(offload string) (string, error) {
	if offload != kernel.OffloadNative {
		return "", nil
	}
	return kernel.FindExecutable(s.Name(), kernel.DeviceArch, "stream_mic")
}

// AuxFiles implements kernel.Kernel. Native runs need the OpenMP runtime
// on the device.
func (s *Stream) AuxFiles(offload string) ([]string, error) {
	if offload != kernel.OffloadNative {
		return nil, nil
	}
	lib, err := kernel.DeviceLibrary("libiomp5.so")
	if err != nil {
		return nil, err
	}
	return []string{lib}, nil
}

// ParseDescription implements kernel.Kernel.
//
// Any line mentioning a failure turns the run into a self check error
// carrying the failing, expected and observed lines.
func (s *Stream) ParseDescription(raw string) (string, error) {
	lines := strings.Split(raw, "\n")
	if streamFailRe.MatchString(raw) {
		msg := []string{""}
		for _, line := range lines {
			trimmed := strings.TrimSpace(line)
			if streamFailRe.MatchString(line) || strings.HasPrefix(trimmed, "Expected") || strings.HasPrefix(trimmed, "Observed") {
				msg = append(msg, line)
			}
		}
		return "", perferr.SelfCheck(strings.Join(msg, "\n"))
	}

	var version string
	threads := -1
	for _, line := range lines {
		if version == "" && strings.HasPrefix(line, "STREAM version") {
			version = strings.TrimSpace(line)
		}
		if threads < 0 && strings.HasPrefix(line, "Number of Threads requested") {
			threads = firstInt(line)
		}
	}
	if version == "" || threads < 0 {
		return "", s.ParseFailure(raw, "STREAM version or thread count missing from output")
	}
	return fmt.Sprintf("%s with %d threads", version, threads), nil
}

// ParsePerformance implements kernel.Kernel. The last Triad rate, in
// MB/s, is reported in GB/s.
func (s *Stream) ParsePerformance(raw string) (stats.Perf, error) {
	var triad string
	for line := range strings.Lines(raw) {
		if strings.HasPrefix(line, "Triad: ") {
			if f := strings.Fields(line); len(f) > 1 {
				triad = f[1]
			}
		}
	}
	rate, err := strconv.ParseFloat(triad, 64)
	if err != nil {
		return nil, s.ParseFailure(raw, "no Triad rate in STREAM output")
	}
	return stats.Perf{streamScoreTag: {Value: rate / 1000, Units: "GB/s", Rollup: true}}, nil
}

// firstInt returns the first whitespace separated integer of line, -1
// when there is none.
func firstInt(line string) int {
	for _, word := range strings.Fields(line) {
		if n, err := strconv.Atoi(word); err == nil {
			return n
		}
	}
	return -1
}

func lastN(list []string, n int) []string {
	if len(list) <= n {
		return list
	}
	return list[len(list)-n:]
}

var _ kernel.Kernel = (*Stream)(nil)
