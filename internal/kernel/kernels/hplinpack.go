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
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/AleutianAI/micperf/internal/deviceinfo"
	"github.com/AleutianAI/micperf/internal/kernel"
	"github.com/AleutianAI/micperf/internal/params"
	"github.com/AleutianAI/micperf/internal/perferr"
	"github.com/AleutianAI/micperf/internal/stats"
)

const hplConfigFormat = `HPLinpack benchmark input file
Innovative Computing Laboratory, University of Tennessee
HPL.out      output file name (if any)
6            device out (6=stdout,7=stderr,file)
1            # of problems sizes (N)
%s    Ns
1            # of NBs
%s     NBs
1            PMAP process mapping (0=Row-,1=Column-major)
1            # of process grids (P x Q)
1            Ps
1            Qs
16.0         threshold
1            # of panel fact
1            PFACTs (0=left, 1=Crout, 2=Right)
1            # of recursive stopping criterium
4            NBMINs (>= 1)
1            # of panels in recursion
2            NDIVs
1            # of recursive panel fact.
1            RFACTs (0=left, 1=Crout, 2=Right)
1            # of broadcast
6            BCASTs (0=1rg,1=1rM,2=2rg,3=2rM,4=Lng,5=LnM,6=Psh,7=Psh2)
1            # of lookahead depth
0            DEPTHs (>=0)
0            SWAP (0=bin-exch,1=long,2=mix)
1           swapping threshold
1            L1 in (0=transposed,1=no-transposed) form
1            U  in (0=transposed,1=no-transposed) form
0            Equilibration (0=no,1=yes)
8            memory alignment in double (> 0)
`

const (
	hplConfigName       = "HPL.dat"
	hplArgs             = "--problem_size %d --block_size %d --hpl_numthreads %d"
	hplDeviceBlockSize  = 336
	hplHostBlockSize    = 1280
	hplCoprocessorLimit = 40000
	hplScalingCoreSize  = 20000
)

// hplMatrixByMemory maps the DDR size a self-boot host must exceed, in
// GB, onto the largest problem it can run. Checked largest first.
var hplMatrixByMemory = []struct {
	minGB  int64
	matrix int
}{
	{93, 100000},
	{75, 90000},
	{59, 80000},
	{45, 70000},
	{34, 60000},
	{23, 50000},
}

var (
	// ErrNoDDR is returned on a self-boot host that reports no DDR memory.
	ErrNoDDR = &perferr.Error{Kind: perferr.KindConfig, Msg: "ERROR: No DDR memory available on the processor"}

	// ErrHPLMemory is returned when the host has too little DDR memory
	// for the smallest HPLinpack problem.
	ErrHPLMemory = &perferr.Error{Kind: perferr.KindConfig, Msg: "Not enough memory to run HPLinpack on this system."}
)

var hplResultHeaderRe = regexp.MustCompile(`(?i)^T/V\s+N\s+NB\s+P\s+Q\s+Time`)

// HPLinpack drives the distributed memory MKL HPL benchmark.
//
// Description:
//
//	The binary reads HPL.dat from its working directory; each parameter
//	file gets a fresh directory which becomes the working directory and
//	is removed by CleanUp. The thread count travels as HPL_NUMTHREADS.
//	scif runs use the larger host block size.
//
// Thread Safety: The working directory is guarded by a mutex.
type HPLinpack struct {
	kernel.Base

	mu      sync.Mutex
	workDir string
}

// NewHPLinpack sizes the problem list from the memory of info.
func NewHPLinpack(info deviceinfo.Info) (*HPLinpack, error) {
	cores := info.CoreCount()
	maxMatrix, err := hplMaxMatrix(info)
	if err != nil {
		return nil, err
	}

	step := maxMatrix / 10
	var scaling []string
	for p := step; p <= maxMatrix; p += step {
		scaling = append(scaling, fmt.Sprintf(hplArgs, p, hplDeviceBlockSize, cores))
	}
	var core []string
	coreStep := max(1, int(math.Round(float64(cores)/10)))
	for n := coreStep; n < cores; n += coreStep {
		core = append(core, fmt.Sprintf(hplArgs, hplScalingCoreSize, hplDeviceBlockSize, n))
	}
	core = append(core, fmt.Sprintf(hplArgs, hplScalingCoreSize, hplDeviceBlockSize, cores))

	h := &HPLinpack{}
	h.Base = kernel.NewBase(kernel.Config{
		Name:   "hplinpack",
		Params: []string{"problem_size", "block_size", "hpl_numthreads"},
		Defaults: map[string]string{
			"problem_size":   strconv.Itoa(maxMatrix),
			"block_size":     strconv.Itoa(hplDeviceBlockSize),
			"hpl_numthreads": strconv.Itoa(cores),
		},
		Categories: map[string][]string{
			kernel.CategoryTest:         {" "},
			kernel.CategoryScaling:      scaling,
			kernel.CategoryOptimal:      lastN(scaling, 1),
			kernel.CategoryScalingCore:  core,
			kernel.CategoryScalingQuick: scaling[:min(4, len(scaling))],
			kernel.CategoryOptimalQuick: scaling[min(3, len(scaling)):min(4, len(scaling))],
		},
		Grammar:     params.File,
		Validator:   params.HPLinpackValidator(),
		Offloads:    []string{kernel.OffloadLocal, kernel.OffloadNative, kernel.OffloadSCIF},
		EnvParams:   []string{"hpl_numthreads"},
		OrderingTag: gemmScoreTag,
		UpdateParams: func(raws []string, offload string) []string {
			if offload != kernel.OffloadSCIF {
				return raws
			}
			from := fmt.Sprintf("--block_size %d", hplDeviceBlockSize)
			to := fmt.Sprintf("--block_size %d", hplHostBlockSize)
			out := make([]string, len(raws))
			for i, r := range raws {
				out[i] = strings.ReplaceAll(r, from, to)
			}
			return out
		},
		OffloadDefaults: func(offload string, defaults map[string]string) {
			if offload == kernel.OffloadSCIF {
				defaults["block_size"] = strconv.Itoa(hplHostBlockSize)
			}
		},
	})
	return h, nil
}

// hplMaxMatrix returns the largest problem size for info. Coprocessors
// have a fixed limit; self-boot hosts are limited by their DDR memory.
func hplMaxMatrix(info deviceinfo.Info) (int, error) {
	if !info.SelfBoot {
		return hplCoprocessorLimit, nil
	}
	gb := info.DDRMemoryMB() / 1024
	if gb == 0 {
		return 0, ErrNoDDR
	}
	for _, m := range hplMatrixByMemory {
		if gb > m.minGB {
			return m.matrix, nil
		}
	}
	return 0, ErrHPLMemory
}

// IndependentVar implements kernel.Kernel.
func (h *HPLinpack) IndependentVar(category string) (string, error) {
	if category == kernel.CategoryScalingCore {
		return "hpl_numthreads", nil
	}
	return "problem_size", nil
}

// HostExecutable implements kernel.Kernel.
func (h *HPLinpack) HostExecutable(offload string) (string, error) {
	return h.binary(offload)
}

// DeviceExecutable implements kernel.Kernel. The same binary serves both
// sides.
func (h *HPLinpack) DeviceExecutable(offload string) (string, error) {
	return h.binary(offload)
}

func (h *HPLinpack) binary(offload string) (string, error) {
	if !kernel.Supports(h, offload) {
		return "", nil
	}
	root, err := kernel.MKLRoot(h.Name())
	if err != nil {
		return "", err
	}
	for _, bin := range []string{"xhpl_intel64", "xhpl_intel64_static"} {
		if path := kernel.SearchTree(root, bin); path != "" {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: ERROR: HPLinpack binary not found", kernel.ErrNoExecutable)
}

// ParamFile implements kernel.Kernel.
func (h *HPLinpack) ParamFile(set params.Set) (string, error) {
	size, _, err := set.Get("problem_size")
	if err != nil {
		return "", err
	}
	block, _, err := set.Get("block_size")
	if err != nil {
		return "", err
	}
	dir, err := kernel.ScratchDir("micperf_hplinpack_")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, hplConfigName)
	if err := os.WriteFile(path, []byte(fmt.Sprintf(hplConfigFormat, size, block)), 0o600); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("writing %s: %w", hplConfigName, err)
	}

	h.mu.Lock()
	h.workDir = dir
	h.mu.Unlock()
	return path, nil
}

// ParamFileArgs implements kernel.Kernel. HPL finds HPL.dat in its
// working directory.
func (h *HPLinpack) ParamFileArgs(string) []string { return nil }

// WorkingDir implements kernel.Kernel.
func (h *HPLinpack) WorkingDir() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.workDir
}

// CleanUp implements kernel.Kernel by removing the working directory.
func (h *HPLinpack) CleanUp() error {
	h.mu.Lock()
	dir := h.workDir
	h.workDir = ""
	h.mu.Unlock()
	if dir == "" {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing hplinpack working directory: %w", err)
	}
	return nil
}

// ParseDescription implements kernel.Kernel. Runs whose residual check
// did not pass are failures.
func (h *HPLinpack) ParseDescription(raw string) (string, error) {
	if !strings.Contains(raw, "...... PASSED") {
		return "", h.ParseFailure(raw, "HPLinpack execution failed.")
	}
	kv := kernel.KeyValues(raw)
	n, ok1 := kv["N"]
	nb, ok2 := kv["NB"]
	if !ok1 || !ok2 {
		return "", h.ParseFailure(raw, "problem size or block size missing from output")
	}
	return fmt.Sprintf("HPLinpack problem size %s block size %s", n, nb), nil
}

// ParsePerformance implements kernel.Kernel. The rate is in the seventh
// column two lines below the "T/V N NB P Q Time" header.
func (h *HPLinpack) ParsePerformance(raw string) (stats.Perf, error) {
	speed, err := hplRate(raw)
	if err != nil {
		return nil, h.ParseFailure(raw, err.Error())
	}
	return stats.Perf{gemmScoreTag: {Value: speed, Units: "GFlops", Rollup: true}}, nil
}

func hplRate(raw string) (float64, error) {
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		if !hplResultHeaderRe.MatchString(strings.TrimSpace(line)) {
			continue
		}
		if i+2 >= len(lines) {
			break
		}
		f := strings.Fields(lines[i+2])
		if len(f) < 7 {
			break
		}
		return strconv.ParseFloat(f[6], 64)
	}
	return 0, errors.New("HPL result table not found")
}

var _ kernel.Kernel = (*HPLinpack)(nil)
