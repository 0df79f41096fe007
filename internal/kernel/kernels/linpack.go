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
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/micperf/internal/deviceinfo"
	"github.com/AleutianAI/micperf/internal/kernel"
	"github.com/AleutianAI/micperf/internal/params"
	"github.com/AleutianAI/micperf/internal/perferr"
	"github.com/AleutianAI/micperf/internal/stats"
)

const linpackParamFormat = `Generated Intel(R) LINPACK data file (lininput_xeon64)
Intel(R) LINPACK data
1
%s
%s
%s
4
`

const linpackArgs = "--omp_num_threads %d --matrix_size %d --num_rep 3 --lead_dim %d"

// ErrNoLeadDim is returned when lead_dim is unset and the matrix size has
// no entry in the leading dimension table.
var ErrNoLeadDim = &perferr.Error{Kind: perferr.KindConfig, Msg: "linpack lead_dim not specified and matrix size not in lda table"}

var linpackFailRe = regexp.MustCompile(`(?i)fail`)

// Linpack drives the shared memory MKL LINPACK benchmark. Its
// parameters are written to an input file.
type Linpack struct {
	kernel.Base
	info    deviceinfo.Info
	leadDim map[int]int
}

// NewLinpack sizes the matrix list so that every matrix fits in the
// device memory with a gigabyte to spare.
func NewLinpack(info deviceinfo.Info) (*Linpack, error) {
	maxCount := info.CoreCount()
	maxMemory := info.MemorySize() - gib
	if maxMemory <= 0 {
		return nil, perferr.New(perferr.KindConfig, "device reports less than one GB of memory")
	}

	var scaling []string
	for size, lead := 2048, 2112; size < 38912; size, lead = size+2048, lead+2048 {
		if int64(size)*int64(lead)*8 < maxMemory {
			scaling = append(scaling, fmt.Sprintf(linpackArgs, maxCount, size, lead))
		}
	}
	var core []string
	for _, n := range gemmCoreConfig(maxCount) {
		core = append(core, fmt.Sprintf(linpackArgs, n, 8192, 8256))
	}

	var modifiers []string
	if info.MCDRAMAvailable() {
		modifiers = []string{"numactl", "--membind=1"}
	}

	l := &Linpack{
		info:    info,
		leadDim: linpackLeadDims(),
		Base: kernel.NewBase(kernel.Config{
			Name:   "linpack",
			Params: []string{"omp_num_threads", "matrix_size", "num_rep", "lead_dim"},
			Defaults: map[string]string{
				"omp_num_threads": "228",
				"matrix_size":     "8192",
				"num_rep":         "3",
			},
			Categories: map[string][]string{
				kernel.CategoryTest:         {" "},
				kernel.CategoryScaling:      scaling,
				kernel.CategoryOptimal:      lastN(scaling, 1),
				kernel.CategoryScalingQuick: scaling[:min(4, len(scaling))],
				kernel.CategoryOptimalQuick: scaling[min(3, len(scaling)):min(4, len(scaling))],
				kernel.CategoryScalingCore:  core,
			},
			Grammar:     params.File,
			Validator:   params.LinpackValidator(),
			Offloads:    []string{kernel.OffloadNative, kernel.OffloadAuto, kernel.OffloadLocal},
			EnvParams:   []string{"omp_num_threads"},
			Modifiers:   modifiers,
			OrderingTag: gemmScoreTag,
			// lead_dim follows matrix_size through the lead dimension table.
			OffloadDefaults: func(_ string, defaults map[string]string) {
				delete(defaults, "lead_dim")
			},
			DeviceEnv: map[string]string{
				"LD_LIBRARY_PATH": "/tmp",
				"KMP_AFFINITY":    fmt.Sprintf("explicit,granularity=fine,proclist=[1-%d,0]", info.CoreCount()*4-1),
			},
		}),
	}
	if err := l.DefaultsFromOptimal(); err != nil {
		return nil, err
	}
	return l, nil
}

// linpackLeadDims maps matrix sizes onto their leading dimension.
func linpackLeadDims() map[int]int {
	out := make(map[int]int)
	for v := 256; v < 40192+512; v += 512 {
		out[v] = v + 64
	}
	for v := 1024; v < 39936+1024; v += 1024 {
		out[v] = v + 1088
	}
	return out
}

// IndependentVar implements kernel.Kernel.
func (l *Linpack) IndependentVar(category string) (string, error) {
	if category == kernel.CategoryScalingCore {
		return "omp_num_threads", nil
	}
	return "matrix_size", nil
}

// HostExecutable implements kernel.Kernel. The binary ships with MKL.
func (l *Linpack) HostExecutable(offload string) (string, error) {
	if offload != kernel.OffloadAuto && offload != kernel.OffloadLocal {
		return "", nil
	}
	return l.fromMKL("xlinpack_xeon64")
}

// DeviceExecutable implements kernel.Kernel.
func (l *Linpack) DeviceExecutable(offload string) (string, error) {
	if offload != kernel.OffloadNative {
		return "", nil
	}
	return l.fromMKL("xlinpack_mic")
}

func (l *Linpack) fromMKL(bin string) (string, error) {
	root, err := kernel.MKLRoot(l.Name())
	if err != nil {
		return "", err
	}
	path := kernel.SearchTree(root, bin)
	if path == "" {
		return "", fmt.Errorf("%w: %s not found under %s", kernel.ErrNoExecutable, bin, root)
	}
	return path, nil
}

// AuxFiles implements kernel.Kernel.
func (l *Linpack) AuxFiles(offload string) ([]string, error) {
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
//
// Description:
//
//	Self-boot hosts run on every core. A coprocessor host drives MKL
//	automatic offload and hands the card all but one core.
func (l *Linpack) HostEnvironment() map[string]string {
	cores := l.info.CoreCount()
	if l.info.SelfBoot {
		return map[string]string{
			"KMP_AFFINITY":    "compact,1,0",
			"OMP_NUM_THREADS": strconv.Itoa(cores),
			"USE_2MB_BUFFERS": "16K",
		}
	}
	threads := strconv.Itoa(cores - 1)
	maxMemory := (l.info.MemorySize() - gib) / gib
	return map[string]string{
		"MIC_BUFFERSIZE":                "256M",
		"MKL_MIC_ENABLE":                "1",
		"MKL_MIC_DISABLE_HOST_FALLBACK": "1",
		"MIC_ENV_PREFIX":                "MIC",
		"MIC_OMP_NUM_THREADS":           threads,
		"KMP_AFFINITY":                  "compact,1,0",
		"MIC_KMP_AFFINITY":              "explicit,granularity=fine,proclist=[1-" + threads + ":1]",
		"MIC_USE_2MB_BUFFERS":           "16K",
		"MKL_MIC_MAX_MEMORY":            fmt.Sprintf("%dG", maxMemory),
	}
}

// ParamFile implements kernel.Kernel.
//
// Description:
//
//	Writes the LINPACK input file into a fresh scratch directory. The
//	file name carries the pid, the time in milliseconds and a hash of
//	the content. The caller removes the directory.
func (l *Linpack) ParamFile(set params.Set) (string, error) {
	size, _, err := set.Get("matrix_size")
	if err != nil {
		return "", err
	}
	reps, _, err := set.Get("num_rep")
	if err != nil {
		return "", err
	}
	lead, ok, err := set.Get("lead_dim")
	if err != nil {
		return "", err
	}
	if !ok {
		n, convErr := strconv.Atoi(size)
		dim, known := l.leadDim[n]
		if convErr != nil || !known {
			return "", fmt.Errorf("%w: %s", ErrNoLeadDim, size)
		}
		lead = strconv.Itoa(dim)
	}

	content := fmt.Sprintf(linpackParamFormat, size, lead, reps)
	sum := md5.Sum([]byte(content))
	dir, err := kernel.ScratchDir("micperf_linpack_")
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("%d_%d_%s.par", os.Getpid(), time.Now().UnixMilli(), hex.EncodeToString(sum[:])[:8])
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("writing linpack input: %w", err)
	}
	return path, nil
}

// ParseDescription implements kernel.Kernel.
func (l *Linpack) ParseDescription(raw string) (string, error) {
	if linpackFailRe.MatchString(raw) {
		msg := []string{""}
		for _, line := range strings.Split(raw, "\n") {
			if linpackFailRe.MatchString(line) || strings.HasSuffix(strings.TrimSpace(line), "Check") {
				msg = append(msg, line)
			}
		}
		return "", perferr.SelfCheck(strings.Join(msg, "\n"))
	}
	kv := kernel.KeyValues(raw)
	size, ok1 := kv["Number of equations to solve (problem size)"]
	threads, ok2 := kv["Number of threads"]
	trials, ok3 := kv["Number of trials to run"]
	if !ok1 || !ok2 || !ok3 {
		return "", l.ParseFailure(raw, "LINPACK run parameters missing from output")
	}
	return fmt.Sprintf("%s x %s MKL DP LINPACK with %s threads and %s iterations", size, size, threads, trials), nil
}

// ParsePerformance implements kernel.Kernel. The average rate is the
// fourth column three lines below the summary header.
func (l *Linpack) ParsePerformance(raw string) (stats.Perf, error) {
	speed, err := linpackSummary(raw)
	if err != nil {
		return nil, l.ParseFailure(raw, err.Error())
	}
	return stats.Perf{gemmScoreTag: {Value: speed, Units: "GFlops", Rollup: true}}, nil
}

func linpackSummary(raw string) (float64, error) {
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		if strings.TrimSpace(line) != "Performance Summary (GFlops)" {
			continue
		}
		if i+3 >= len(lines) {
			break
		}
		f := strings.Fields(lines[i+3])
		if len(f) < 4 {
			break
		}
		return strconv.ParseFloat(f[3], 64)
	}
	return 0, errors.New("performance summary not found")
}

var _ kernel.Kernel = (*Linpack)(nil)
