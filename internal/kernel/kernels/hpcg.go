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
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/micperf/internal/deviceinfo"
	"github.com/AleutianAI/micperf/internal/kernel"
	"github.com/AleutianAI/micperf/internal/params"
	"github.com/AleutianAI/micperf/internal/perferr"
	"github.com/AleutianAI/micperf/internal/stats"
)

const (
	hpcgConfigFormat = "HPCG benchmark input file\nSandia National Laboratories; University of Tennessee, Knoxville\n%s %s %s\n%s"
	hpcgConfigName   = "hpcg.dat"
	hpcgArgs         = "--problem_size %d --time 60 --omp_num_threads %d"
	hpcgRanks        = 4
	hpcgThreads      = 32
	hpcgMaxProblem   = 128
	hpcgRatingKey    = "HPCG result is VALID with a GFLOP/s rating of"
)

// HPCG drives the High Performance Conjugate Gradient benchmark.
//
// Description:
//
//	HPCG always runs under mpirun with four ranks. It reads hpcg.dat
//	from its working directory and writes its results to a YAML log
//	there; parsing reads the newest log, once per log file. The working
//	directory is kept after the run so the logs can be inspected.
//
// Thread Safety: Log state is guarded by a mutex.
type HPCG struct {
	kernel.Base
	info deviceinfo.Info

	mu      sync.Mutex
	workDir string
	lastLog string
	values  map[string]string
}

// NewHPCG builds the hpcg kernel.
func NewHPCG(info deviceinfo.Info) (*HPCG, error) {
	var scaling []string
	for p := 32; p <= hpcgMaxProblem; p += 32 {
		scaling = append(scaling, fmt.Sprintf(hpcgArgs, p, hpcgThreads))
	}
	var core []string
	for t := 2; t <= hpcgThreads; t += 2 {
		core = append(core, fmt.Sprintf(hpcgArgs, hpcgMaxProblem, t))
	}

	modifiers := []string{"mpirun", "-n", strconv.Itoa(hpcgRanks)}
	if info.MCDRAMAvailable() {
		modifiers = append([]string{"numactl", "--membind=1"}, modifiers...)
	}
	var hostEnv map[string]string
	if info.SelfBoot {
		hostEnv = map[string]string{
			"OMP_NUM_THREADS": strconv.Itoa(hpcgThreads),
			"KMP_AFFINITY":    "granularity=fine,balanced",
			"KMP_HW_SUBSET":   "16c,2t",
		}
	}

	h := &HPCG{
		info: info,
		Base: kernel.NewBase(kernel.Config{
			Name:   "hpcg",
			Params: []string{"problem_size", "time", "omp_num_threads"},
			Defaults: map[string]string{
				"problem_size":    strconv.Itoa(hpcgMaxProblem),
				"time":            "60",
				"omp_num_threads": strconv.Itoa(hpcgThreads),
			},
			Categories: map[string][]string{
				kernel.CategoryTest:         {" "},
				kernel.CategoryScaling:      scaling,
				kernel.CategoryScalingQuick: scaling,
				kernel.CategoryOptimalQuick: lastN(scaling, 1),
				kernel.CategoryScalingCore:  core,
			},
			Grammar:     params.File,
			Validator:   params.HPCGValidator(),
			Offloads:    []string{kernel.OffloadLocal},
			HostEnv:     hostEnv,
			Modifiers:   modifiers,
			MPIRequired: true,
			OrderingTag: gemmScoreTag,
		}),
	}
	if err := h.DefaultsFromOptimal(); err != nil {
		return nil, err
	}
	return h, nil
}

// IndependentVar implements kernel.Kernel.
func (h *HPCG) IndependentVar(category string) (string, error) {
	if category == kernel.CategoryScalingCore {
		return "omp_num_threads", nil
	}
	return "problem_size", nil
}

// HostExecutable implements kernel.Kernel. The binary ships with MKL:
// the KNL build on self-boot hosts, the AVX2 build otherwise.
func (h *HPCG) HostExecutable(offload string) (string, error) {
	if offload != kernel.OffloadLocal {
		return "", nil
	}
	bin := "xhpcg_avx2"
	if h.info.SelfBoot {
		bin = "xhpcg_knl"
	}
	root, err := kernel.MKLRoot(h.Name())
	if err != nil {
		return "", err
	}
	path := kernel.SearchTree(root, bin)
	if path == "" {
		return "", fmt.Errorf("%w: %s not found under %s", kernel.ErrNoExecutable, bin, root)
	}
	return path, nil
}

// DeviceExecutable implements kernel.Kernel. Coprocessors are not
// supported.
func (h *HPCG) DeviceExecutable(string) (string, error) { return "", nil }

// WorkingDir implements kernel.Kernel.
func (h *HPCG) WorkingDir() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.workDir
}

// ParamFile implements kernel.Kernel. hpcg.dat lives in the working
// directory, which is created on first use.
func (h *HPCG) ParamFile(set params.Set) (string, error) {
	size, _, err := set.Get("problem_size")
	if err != nil {
		return "", err
	}
	seconds, _, err := set.Get("time")
	if err != nil {
		return "", err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.workDir == "" {
		dir, err := kernel.ScratchDir("micperf_hpcg_logs_")
		if err != nil {
			return "", err
		}
		h.workDir = dir
	}
	path := filepath.Join(h.workDir, hpcgConfigName)
	content := fmt.Sprintf(hpcgConfigFormat, size, size, size, seconds)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return "", fmt.Errorf("writing %s: %w", hpcgConfigName, err)
	}
	return path, nil
}

// ParseDescription implements kernel.Kernel. A log without the local
// dimensions means HPCG failed.
func (h *HPCG) ParseDescription(string) (string, error) {
	values, err := h.latestLog()
	if err != nil {
		return "", err
	}
	keys := []string{"nx", "ny", "nz", "Distributed Processes", "Threads per processes"}
	got := make([]any, len(keys))
	for i, k := range keys {
		v, ok := values[k]
		if !ok {
			return "", perferr.SelfCheck("HPCG failed, please refer to the logs for further details")
		}
		got[i] = v
	}
	return fmt.Sprintf("hpcg Local Dimensions nx=%s, ny=%s, nz=%s, MPI ranks %s, threads per rank %s", got...), nil
}

// ParsePerformance implements kernel.Kernel.
func (h *HPCG) ParsePerformance(string) (stats.Perf, error) {
	values, err := h.latestLog()
	if err != nil {
		return nil, err
	}
	rating, err := strconv.ParseFloat(values[hpcgRatingKey], 64)
	if err != nil {
		h.mu.Lock()
		log := h.lastLog
		h.mu.Unlock()
		return nil, h.ParseFailure(log, "HPCG failed, please refer to the logs for further details")
	}
	return stats.Perf{gemmScoreTag: {Value: rating, Units: "GFlops", Rollup: true}}, nil
}

// latestLog returns the values of the newest n*.yaml log in the working
// directory, reading each log file only once.
func (h *HPCG) latestLog() (map[string]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	logs, err := hpcgLogs(h.workDir)
	if err != nil || len(logs) == 0 {
		return nil, h.ParseFailure(h.lastLog, fmt.Sprintf("NO HPCG *.yaml logs found in: %s.", h.workDir))
	}
	newest := logs[len(logs)-1]
	if newest == h.lastLog {
		return h.values, nil
	}

	content, err := os.ReadFile(newest)
	if err != nil {
		return nil, fmt.Errorf("reading hpcg log: %w", err)
	}
	h.values = hpcgValues(content)
	h.lastLog = newest

	h.Console().Println(
		"For HPCG execution details please refer to the logs:",
		"",
		"    Log Directory: "+filepath.Dir(newest),
		"    HPCG current test log: "+newest,
		"",
	)
	return h.values, nil
}

// hpcgLogs lists n*.yaml files in dir, oldest first.
func hpcgLogs(dir string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	type logFile struct {
		path string
		mod  time.Time
	}
	var logs []logFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "n") || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		logs = append(logs, logFile{path: filepath.Join(dir, name), mod: fi.ModTime()})
	}
	sort.SliceStable(logs, func(i, j int) bool { return logs[i].mod.Before(logs[j].mod) })
	out := make([]string, len(logs))
	for i, l := range logs {
		out[i] = l.path
	}
	return out, nil
}

// hpcgValues flattens an HPCG YAML log into leaf key/value pairs, in
// document order so that later keys win. Logs that are not valid YAML
// fall back to "key: value" lines.
func hpcgValues(content []byte) map[string]string {
	var doc yaml.Node
	if err := yaml.Unmarshal(content, &doc); err != nil || len(doc.Content) == 0 {
		return kernel.KeyValues(string(content))
	}
	out := make(map[string]string)
	flattenYAML(doc.Content[0], out)
	return out
}

func flattenYAML(node *yaml.Node, out map[string]string) {
	if node.Kind != yaml.MappingNode {
		return
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		switch val.Kind {
		case yaml.MappingNode:
			flattenYAML(val, out)
		case yaml.ScalarNode:
			out[key.Value] = val.Value
		}
	}
}

var _ kernel.Kernel = (*HPCG)(nil)
