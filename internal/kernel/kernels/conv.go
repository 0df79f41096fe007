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
	"maps"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/AleutianAI/micperf/internal/deviceinfo"
	"github.com/AleutianAI/micperf/internal/kernel"
	"github.com/AleutianAI/micperf/internal/params"
	"github.com/AleutianAI/micperf/internal/stats"
)

// =============================================================================
// Convolution kernels
// =============================================================================

// convSpec describes one convolution benchmark: the geometry parameter
// names and their optimal values, in command line order.
type convSpec struct {
	name    string
	binary  string
	leading []string
	geom    []string
	optimal []string
	extra   map[string]string
}

// newConvConfig builds the kernel.Config shared by the convolution
// benchmarks. Every category runs the optimal geometry; scaling_core
// steps the thread count by ten.
func newConvConfig(spec convSpec, info deviceinfo.Info) kernel.Config {
	cores := info.CoreCount()
	defaults := map[string]string{"omp_num_threads": strconv.Itoa(cores)}
	maps.Copy(defaults, spec.extra)
	parts := make([]string, len(spec.geom))
	for i, name := range spec.geom {
		defaults[name] = spec.optimal[i]
		parts[i] = fmt.Sprintf("--%s %s", name, spec.optimal[i])
	}
	optimal := strings.Join(parts, " ")

	var core []string
	for n := 1; n < cores; n += 10 {
		core = append(core, fmt.Sprintf("--omp_num_threads %d %s", n, optimal))
	}

	var modifiers []string
	if info.MCDRAMAvailable() {
		modifiers = []string{"numactl", "--membind=1"}
	}

	names := append([]string{"omp_num_threads"}, spec.leading...)
	return kernel.Config{
		Name:     spec.name,
		Params:   append(names, spec.geom...),
		Defaults: defaults,
		Categories: map[string][]string{
			kernel.CategoryTest:         {optimal},
			kernel.CategoryOptimal:      {optimal},
			kernel.CategoryOptimalQuick: {optimal},
			kernel.CategoryScaling:      {optimal},
			kernel.CategoryScalingQuick: {optimal},
			kernel.CategoryScalingCore:  core,
		},
		Grammar:    params.Positional,
		Offloads:   []string{kernel.OffloadLocal},
		EnvParams:  []string{"omp_num_threads"},
		Modifiers:  modifiers,
		HostBinary: spec.binary,
		HostEnv: map[string]string{
			"LD_LIBRARY_PATH":   os.Getenv("LD_LIBRARY_PATH"),
			"KMP_PLACE_THREADS": "1T",
			"KMP_AFFINITY":      "compact,granularity=fine",
		},
	}
}

// convKernel holds what the two convolution kernels share.
type convKernel struct {
	kernel.Base
}

// IndependentVar implements kernel.Kernel.
func (c *convKernel) IndependentVar(string) (string, error) {
	return "omp_num_threads", nil
}

// HostExecutable implements kernel.Kernel.
func (c *convKernel) HostExecutable(offload string) (string, error) {
	if offload != kernel.OffloadLocal {
		return "", nil
	}
	return c.Base.HostExecutable(offload)
}

// DeviceExecutable implements kernel.Kernel. Coprocessors are not
// supported.
func (c *convKernel) DeviceExecutable(string) (string, error) { return "", nil }

// =============================================================================
// MKL convolution
// =============================================================================

const mklConvScores = 3

var (
	mklConvPropagationRe = regexp.MustCompile(`[F|B]WD[A-Z_]*`)
	mklConvMeasureRe     = regexp.MustCompile(`([a-zA-Z]*)\(([a-zA-Z/]*)\)\s*([0-9]*\.[0-9]*)`)
)

// MKLConv drives the MKL DNN convolution benchmark.
type MKLConv struct {
	convKernel
}

// NewMKLConv builds the mkl_conv kernel.
func NewMKLConv(info deviceinfo.Info) (*MKLConv, error) {
	cfg := newConvConfig(convSpec{
		name:    "mkl_conv",
		binary:  "std_conv_bench",
		leading: []string{"with_padding", "output"},
		geom:    []string{"groups", "nImg", "inpWidth", "inpHeight", "nIfm", "nOfm", "kw", "kh", "stride", "pad", "iters"},
		optimal: strings.Fields("1 16 224 224 3 64 7 7 2 3 100"),
		extra:   map[string]string{"with_padding": "0", "output": "--original-output"},
	}, info)
	return &MKLConv{convKernel{Base: kernel.NewBase(cfg)}}, nil
}

// ParseDescription implements kernel.Kernel. The second output line
// carries the run parameters before its last "|".
func (m *MKLConv) ParseDescription(raw string) (string, error) {
	lines := strings.Split(raw, "\n")
	if len(lines) < 2 {
		return "", m.ParseFailure(raw, "")
	}
	i := strings.LastIndex(lines[1], "|")
	if i < 0 {
		return "", m.ParseFailure(raw, "")
	}
	return strings.TrimSpace(lines[1][:i]), nil
}

// ParsePerformance implements kernel.Kernel.
//
// Description:
//
//	Result rows name a propagation (FWD, BWD_D, BWD_F...) followed by
//	four "stat(unit) value" measurements. The gflop/s averages are
//	reported as Computation.Avg.<propagation>; three are expected.
func (m *MKLConv) ParsePerformance(raw string) (stats.Perf, error) {
	perf := stats.Perf{}
	for line := range strings.Lines(raw) {
		prop := mklConvPropagationRe.FindString(line)
		values := mklConvMeasureRe.FindAllStringSubmatch(line, -1)
		if prop == "" || len(values) == 0 {
			continue
		}
		if len(values) != 4 {
			return nil, m.ParseFailure(raw, fmt.Sprintf("expected 4 measurements in %q", strings.TrimSpace(line)))
		}
		for _, v := range values {
			if v[1] != "avg" || v[2] != "gflop/s" {
				continue
			}
			f, err := strconv.ParseFloat(v[3], 64)
			if err != nil {
				return nil, m.ParseFailure(raw, err.Error())
			}
			perf["Computation.Avg."+prop] = stats.Metric{Value: f, Units: "GFlops", Rollup: true}
		}
	}
	if len(perf) != mklConvScores {
		return nil, m.ParseFailure(raw, fmt.Sprintf("expected %d scores, found %d", mklConvScores, len(perf)))
	}
	return perf, nil
}

// =============================================================================
// LIBXSMM convolution
// =============================================================================

const libxsmmScores = 6

// LIBXSMMConv drives the LIBXSMM convolution layer example.
type LIBXSMMConv struct {
	convKernel
}

// NewLIBXSMMConv builds the libxsmm_conv kernel.
func NewLIBXSMMConv(info deviceinfo.Info) (*LIBXSMMConv, error) {
	cfg := newConvConfig(convSpec{
		name:    "libxsmm_conv",
		binary:  "layer_example_f32",
		geom:    []string{"iters", "inpWidth", "inpHeight", "nImg", "nIfm", "nOfm", "kw", "kh", "pad", "stride"},
		optimal: strings.Fields("100 224 224 16 3 64 7 7 3 2"),
	}, info)
	return &LIBXSMMConv{convKernel{Base: kernel.NewBase(cfg)}}, nil
}

// ParseDescription implements kernel.Kernel. The "PARAMS:" line lists
// NAME:value pairs; the geometry is described the way mkl_conv does.
func (l *LIBXSMMConv) ParseDescription(raw string) (string, error) {
	_, rest, ok := strings.Cut(raw, "PARAMS:")
	if !ok {
		return "", l.ParseFailure(raw, "")
	}
	line, _, ok := strings.Cut(rest, "\n")
	if !ok {
		return "", l.ParseFailure(raw, "")
	}
	kv := make(map[string]string)
	for _, field := range strings.Fields(line) {
		k, v, found := strings.Cut(field, ":")
		if !found {
			return "", l.ParseFailure(raw, fmt.Sprintf("malformed parameter %q", field))
		}
		kv[k] = v
	}
	desc := make([]string, 0, 7)
	for _, k := range []string{"W", "H", "C", "N", "K", "R", "S"} {
		v, found := kv[k]
		if !found {
			return "", l.ParseFailure(raw, "missing parameter "+k)
		}
		desc = append(desc, k+"="+v)
	}
	return strings.Join(desc, " "), nil
}

// ParsePerformance implements kernel.Kernel.
//
// Description:
//
//	A "Performance" header names the direction (FWD, BWD or UPD) and,
//	in parentheses, the storage type; the next "GFLOPS" line carries the
//	rate, reported as Computation.Avg.<storage>.<direction>. At least six
//	scores are expected.
func (l *LIBXSMMConv) ParsePerformance(raw string) (stats.Perf, error) {
	perf := stats.Perf{}
	var direction, storage string
	for line := range strings.Lines(raw) {
		switch {
		case strings.Contains(line, "Performance"):
			if direction != "" || storage != "" {
				return nil, l.ParseFailure(raw, "performance header without result")
			}
			for _, d := range []string{"FWD", "BWD", "UPD"} {
				if strings.Contains(line, d) {
					direction = d
					break
				}
			}
			start := strings.Index(line, "(")
			end := strings.Index(line[start+1:], ")")
			if direction == "" || start < 0 || end < 0 {
				return nil, l.ParseFailure(raw, fmt.Sprintf("malformed header %q", strings.TrimSpace(line)))
			}
			storage = line[start+1 : start+1+end]
		case strings.Contains(line, "GFLOPS"):
			if direction == "" || storage == "" {
				return nil, l.ParseFailure(raw, "result without performance header")
			}
			var rate float64
			for _, word := range strings.Fields(line) {
				if f, err := strconv.ParseFloat(word, 64); err == nil {
					rate = f
					break
				}
			}
			perf[fmt.Sprintf("Computation.Avg.%s.%s", storage, direction)] = stats.Metric{Value: rate, Units: "GFlops", Rollup: true}
			direction, storage = "", ""
		}
	}
	if len(perf) < libxsmmScores {
		return nil, l.ParseFailure(raw, fmt.Sprintf("expected %d scores, found %d", libxsmmScores, len(perf)))
	}
	return perf, nil
}

var (
	_ kernel.Kernel = (*MKLConv)(nil)
	_ kernel.Kernel = (*LIBXSMMConv)(nil)
)
