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
	"math"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/AleutianAI/micperf/internal/deviceinfo"
	"github.com/AleutianAI/micperf/internal/kernel"
	"github.com/AleutianAI/micperf/internal/params"
	"github.com/AleutianAI/micperf/internal/stats"
)

// =============================================================================
// Shared GEMM driver
// =============================================================================

const (
	gemmScoreTag = "Computation.Avg"
	gemmArgs     = "--n_num_thread %d --M_size %d --N_size %d --K_size %d"
	gib          = int64(1) << 30
)

var gemmParams = []string{"i_num_rep", "n_num_thread", "m_mode", "M_size", "N_size", "K_size"}

// gemmTimerTags maps the "timer" line of the benchmark output onto the
// tag the result is reported under.
var gemmTimerTags = map[string]string{
	"native": "Task.Computation.Avg",
	"invoke": "Device.Computation.Avg",
	"full":   "Host.Computation.Avg",
}

// GEMM drives the MKL matrix multiply benchmarks sgemm, dgemm and igemm.
//
// Description:
//
//	The three binaries share command line, environment and output
//	format; they differ in matrix sizes, units and the routine named in
//	the description. The performance tag depends on the timer the
//	binary reports and is remembered for peak selection.
//
// Thread Safety: The remembered tag is guarded by a mutex.
type GEMM struct {
	kernel.Base
	info      deviceinfo.Info
	prototype string
	units     string
	auxEnv    map[string]string

	mu  sync.Mutex
	tag string
}

// gemmShape holds the per-kernel category lists.
type gemmShape struct {
	categories map[string][]string

	// defaults derives the parameter defaults from the optimal list.
	defaults bool

	// knmEnv selects the AVX512 instruction set of MKL on KNM.
	knmEnv bool
}

func newGEMM(name, prototype, units string, info deviceinfo.Info, shape gemmShape) (*GEMM, error) {
	if err := params.CheckShortFlags(gemmParams); err != nil {
		return nil, err
	}
	var modifiers []string
	if info.ClusterPartitioned() {
		modifiers = []string{"mpirun", "-n", strconv.Itoa(info.NodesWithCPUs)}
	}
	shape.categories[kernel.CategoryTest] = []string{" "}

	g := &GEMM{
		info:      info,
		prototype: prototype,
		units:     units,
		Base: kernel.NewBase(kernel.Config{
			Name:   name,
			Params: gemmParams,
			Defaults: map[string]string{
				"i_num_rep":    "3",
				"n_num_thread": "228",
				"m_mode":       "NN",
				"M_size":       "-1",
				"N_size":       "-1",
				"K_size":       "-1",
			},
			Categories:      shape.categories,
			Grammar:         params.Flag,
			Validator:       params.GEMMValidator(),
			Offloads:        []string{kernel.OffloadNative, kernel.OffloadPragma, kernel.OffloadAuto, kernel.OffloadLocal},
			DeviceEnv:       map[string]string{"LD_LIBRARY_PATH": "/tmp"},
			Modifiers:       modifiers,
			MPIRequired:     info.ClusterPartitioned(),
			OptimizedForSNC: true,
			OrderingTag:     gemmScoreTag,
		}),
	}
	if shape.knmEnv && info.Codename() == deviceinfo.CodenameKNM {
		g.auxEnv = map[string]string{"MKL_ENABLE_INSTRUCTIONS": "AVX512_MIC_E1"}
	}
	if shape.defaults {
		if err := g.DefaultsFromOptimal(); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// gemmCoreConfig returns the thread counts of the scaling_core
// category: roughly ten steps of at least four threads, ending at
// maxCount.
func gemmCoreConfig(maxCount int) []int {
	step := int(math.Round(float64(maxCount) / 10))
	if step < 4 {
		step = 4
	}
	var out []int
	for n := step; n < maxCount; n += step {
		out = append(out, n)
	}
	return append(out, maxCount)
}

// gemmMatrixConfig returns the square sizes of the scaling category, in
// multiples of 512, for elements of elemSize bytes held three at a time
// in the available memory.
func gemmMatrixConfig(info deviceinfo.Info, elemSize float64, limit int) []int {
	maxMemory := float64(info.MemorySize() - gib)
	size := 0
	if maxMemory > 0 {
		size = int(math.Sqrt(maxMemory / elemSize / 3))
	}
	size = min(size, limit)
	out := make([]int, 0, size/512)
	for i := 1; i <= size/512; i++ {
		out = append(out, 512*i)
	}
	return out
}

func gemmSquare(threads, size int) string {
	return fmt.Sprintf(gemmArgs, threads, size, size, size)
}

func gemmSquares(threads int, sizes []int) []string {
	out := make([]string, len(sizes))
	for i, s := range sizes {
		out[i] = gemmSquare(threads, s)
	}
	return out
}

func gemmThreads(threads []int, size int) []string {
	out := make([]string, len(threads))
	for i, t := range threads {
		out[i] = gemmSquare(t, size)
	}
	return out
}

// knmShape builds the large fixed-size categories used on KNM, where
// peak performance needs matrices too large for the other processors.
func knmShape(info deviceinfo.Info, coreConfig []int, mn, k, snc2, snc4 int, kSteps []int) gemmShape {
	if info.ClusterPartitioned() {
		switch info.NodesWithCPUs {
		case 2:
			mn = snc2
		case 4:
			mn = snc4
		}
	}
	optimal := []string{fmt.Sprintf(gemmArgs, 0, mn, mn, k)}
	scaling := make([]string, len(kSteps))
	for i, s := range kSteps {
		scaling[i] = fmt.Sprintf(gemmArgs, 0, mn, mn, s*540)
	}
	core := make([]string, len(coreConfig))
	for i, c := range coreConfig {
		core[i] = fmt.Sprintf(gemmArgs, c, mn, mn, k)
	}
	return gemmShape{categories: map[string][]string{
		kernel.CategoryOptimal:      optimal,
		kernel.CategoryOptimalQuick: optimal,
		kernel.CategoryScalingCore:  core,
		kernel.CategoryScaling:      scaling,
		kernel.CategoryScalingQuick: scaling,
	}}
}

// =============================================================================
// Constructors
// =============================================================================

// NewSGEMM builds the single precision kernel.
func NewSGEMM(info deviceinfo.Info) (*GEMM, error) {
	maxCount, err := info.MaxThreadsPerPartition()
	if err != nil {
		return nil, err
	}
	coreConfig := gemmCoreConfig(maxCount)

	var shape gemmShape
	if info.Codename() == deviceinfo.CodenameKNM {
		shape = knmShape(info, coreConfig, 50000, 4320, 34000, 23000, []int{1, 2, 4, 8})
	} else {
		sizes := gemmMatrixConfig(info, 4, 16384)
		maxSize := 0
		if len(sizes) > 0 {
			maxSize = sizes[len(sizes)-1]
		}
		var optimal int
		switch {
		case maxSize < 15872:
			optimal = maxSize
		case maxCount == 52:
			optimal = 13312
		default:
			optimal = 15872
		}
		shape = gemmShape{categories: map[string][]string{
			kernel.CategoryOptimal:      {gemmSquare(0, optimal)},
			kernel.CategoryOptimalQuick: {gemmSquare(0, 5120)},
			kernel.CategoryScalingCore:  gemmThreads(coreConfig, 8192),
			kernel.CategoryScaling:      gemmSquares(0, sizes),
			kernel.CategoryScalingQuick: gemmSquares(0, sizes[:min(10, len(sizes))]),
		}}
	}
	shape.knmEnv = true
	return newGEMM("sgemm", "SGEMM", "GFlops", info, shape)
}

// NewDGEMM builds the double precision kernel. Its defaults follow the
// optimal category.
func NewDGEMM(info deviceinfo.Info) (*GEMM, error) {
	maxCount, err := info.MaxThreadsPerPartition()
	if err != nil {
		return nil, err
	}
	coreConfig := gemmCoreConfig(maxCount)

	sizes := gemmMatrixConfig(info, 8, 10240)
	maxSize := 0
	if len(sizes) > 0 {
		maxSize = sizes[len(sizes)-1]
	}
	var optimal int
	switch {
	case maxSize < 7680:
		optimal = maxSize
	case maxCount == 52:
		optimal = 6656
	default:
		optimal = 7680
	}
	shape := gemmShape{
		defaults: true,
		categories: map[string][]string{
			kernel.CategoryScaling:      gemmSquares(0, sizes),
			kernel.CategoryScalingQuick: gemmSquares(0, sizes[:min(8, len(sizes))]),
			kernel.CategoryOptimal:      {gemmSquare(0, optimal)},
			kernel.CategoryOptimalQuick: {gemmSquare(0, 4096)},
			kernel.CategoryScalingCore:  gemmThreads(coreConfig, 8192),
		},
	}
	return newGEMM("dgemm", "DGEMM", "GFlops", info, shape)
}

// NewIGEMM builds the 16 bit integer kernel.
func NewIGEMM(info deviceinfo.Info) (*GEMM, error) {
	maxCount, err := info.MaxThreadsPerPartition()
	if err != nil {
		return nil, err
	}
	coreConfig := gemmCoreConfig(maxCount)

	var shape gemmShape
	if info.Codename() == deviceinfo.CodenameKNM {
		shape = knmShape(info, coreConfig, 50000, 8640, 32000, 21000, []int{1, 2, 4, 8, 16})
	} else {
		sizes := gemmMatrixConfig(info, 8, 16384)
		maxSize := 0
		if len(sizes) > 0 {
			maxSize = sizes[len(sizes)-1]
		}
		shape = gemmShape{categories: map[string][]string{
			kernel.CategoryOptimal:      {gemmSquare(0, maxSize)},
			kernel.CategoryOptimalQuick: {gemmSquare(0, 4096)},
			kernel.CategoryScalingCore:  gemmThreads(coreConfig, 8192),
			kernel.CategoryScaling:      gemmSquares(0, sizes),
			kernel.CategoryScalingQuick: gemmSquares(0, sizes[:min(8, len(sizes))]),
		}}
	}
	shape.knmEnv = true
	return newGEMM("igemm", "gemm_s16s16s32", "Gops", info, shape)
}

// =============================================================================
// Kernel overrides
// =============================================================================

// IndependentVar implements kernel.Kernel.
func (g *GEMM) IndependentVar(category string) (string, error) {
	if category == kernel.CategoryScalingCore {
		return "n_num_thread", nil
	}
	return "K_size", nil
}

// HostExecutable implements kernel.Kernel.
//
// Description:
//
//	pragma runs the offload build. auto and local run the CPU build:
//	the MPI build in SNC modes, else the MCDRAM build when MCDRAM is
//	flat. Other offloads have no host binary.
func (g *GEMM) HostExecutable(offload string) (string, error) {
	var bin string
	switch offload {
	case kernel.OffloadPragma:
		bin = g.Name() + "_ofl.x"
	case kernel.OffloadAuto, kernel.OffloadLocal:
		switch {
		case g.info.ClusterPartitioned():
			bin = g.Name() + "_mpi_snc_cpu.x"
		case g.info.MCDRAMAvailable():
			bin = g.Name() + "_mcdram_cpu.x"
		default:
			bin = g.Name() + "_cpu.x"
		}
	default:
		return "", nil
	}
	return kernel.FindExecutable(g.Name(), kernel.HostArch, bin)
}

// DeviceExecutable implements kernel.Kernel.
func (g *GEMM) DeviceExecutable(offload string) (string, error) {
	if offload != kernel.OffloadNative {
		return "", nil
	}
	return kernel.FindExecutable(g.Name(), kernel.DeviceArch, g.Name()+"_mic.x")
}

// AuxFiles implements kernel.Kernel.
func (g *GEMM) AuxFiles(offload string) ([]string, error) {
	if offload != kernel.OffloadNative {
		return nil, nil
	}
	lib, err := kernel.DeviceLibrary("libiomp5.so")
	if err != nil {
		return nil, err
	}
	return []string{lib}, nil
}

// HostEnvironment implements kernel.Kernel.
func (g *GEMM) HostEnvironment() map[string]string {
	ld := os.Getenv("LD_LIBRARY_PATH")
	env := map[string]string{"LD_LIBRARY_PATH": ld}
	maps.Copy(env, g.auxEnv)
	// Keeps MKL buffers in DDR.
	if !g.info.MCDRAMAvailable() {
		env["MKL_FAST_MEMORY_LIMIT"] = "0"
	}
	if g.info.ClusterPartitioned() {
		if cores, err := g.info.MaxThreadsPerPartition(); err == nil {
			env["KMP_HW_SUBSET"] = fmt.Sprintf("%dc,1t", cores)
		}
	}
	if g.info.SelfBoot {
		env["KMP_AFFINITY"] = "compact,1,0"
		env["USE_2MB_BUFFERS"] = "16K"
	}
	return env
}

// ParseDescription implements kernel.Kernel.
//
// Standard runs report "threads used"; MPI runs report one
// "MPI rank <n>" line per rank, which are joined with "/".
func (g *GEMM) ParseDescription(raw string) (string, error) {
	kv := kernel.KeyValues(raw)
	var missing []string
	get := func(key string) string {
		v, ok := kv[key]
		if !ok {
			missing = append(missing, key)
		}
		return v
	}
	m, n, k := get("fixed M"), get("fixed N"), get("fixed K")

	threads, ok := kv["threads used"]
	if !ok {
		var ranks []string
		for i := 0; ; i++ {
			key := fmt.Sprintf("MPI rank %d", i)
			v, ok := kv[key]
			if !ok {
				break
			}
			ranks = append(ranks, v+" ["+key+"]")
		}
		threads = strings.Join(ranks, "/")
	}
	iters := get("min_niters")
	if len(missing) > 0 {
		return "", g.ParseFailure(raw, "Key error: "+strings.Join(missing, ", "))
	}
	return fmt.Sprintf("(M=%s, N=%s, K=%s) MKL %s with %s threads and %s iterations",
		m, n, k, g.prototype, threads, iters), nil
}

// ParsePerformance implements kernel.Kernel.
//
// Rows starting with "*" carry the average rate in their fourth column;
// SNC runs print one row per NUMA node and the rates are summed.
func (g *GEMM) ParsePerformance(raw string) (stats.Perf, error) {
	var total float64
	rows := 0
	for line := range strings.Lines(raw) {
		if !strings.HasPrefix(line, "*") {
			continue
		}
		f := strings.Fields(line)
		if len(f) < 4 {
			return nil, g.ParseFailure(raw, fmt.Sprintf("short result row %q", strings.TrimSpace(line)))
		}
		v, err := strconv.ParseFloat(f[3], 64)
		if err != nil {
			return nil, g.ParseFailure(raw, err.Error())
		}
		total += v
		rows++
	}
	if rows == 0 {
		return nil, g.ParseFailure(raw, "no result rows in output")
	}

	tag := gemmScoreTag
	if t, ok := gemmTimerTags[kernel.KeyValues(raw)["timer"]]; ok {
		tag = t
	}
	g.mu.Lock()
	g.tag = tag
	g.mu.Unlock()

	return stats.Perf{tag: {Value: total, Units: g.units, Rollup: true}}, nil
}

// OrderingKey implements kernel.Kernel using the tag of the last parsed
// result.
func (g *GEMM) OrderingKey(s *stats.Stats) (float64, bool) {
	if s == nil {
		return 0, false
	}
	g.mu.Lock()
	tag := g.tag
	g.mu.Unlock()
	if tag == "" {
		tag = gemmScoreTag
	}
	m, ok := s.Perf[tag]
	return m.Value, ok
}

var _ kernel.Kernel = (*GEMM)(nil)
