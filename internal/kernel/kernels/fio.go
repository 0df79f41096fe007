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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/AleutianAI/micperf/internal/deviceinfo"
	"github.com/AleutianAI/micperf/internal/kernel"
	"github.com/AleutianAI/micperf/internal/params"
	"github.com/AleutianAI/micperf/internal/perferr"
	"github.com/AleutianAI/micperf/internal/stats"
	"github.com/AleutianAI/micperf/pkg/ux"
)

const fioConfigFormat = `[global]
directory=%s
iodepth=32
stonewall
buffered=1
thread
group_reporting
bs=4k
rw=randread
fallocate=posix
[Multiple-files]
description=Test of paralell read from multiple files
numjobs=%s
filesize=%s`

const fioNotFound = `FIO was not found on this system.
please install it using a standard package manager
or visit https://github.com/axboe/fio
to download, build and install it directly.
Please make sure the directory containing the FIO
binary is added to the system PATH variable.`

// fioReport is the part of fio's JSON report that is read.
type fioReport struct {
	Version string `json:"fio version"`
	Jobs    []struct {
		Desc string `json:"desc"`
		Read *struct {
			IOKBytes *json.Number `json:"io_kbytes"`
			IOBytes  *json.Number `json:"io_bytes"`
			BW       *json.Number `json:"bw"`
		} `json:"read"`
	} `json:"jobs"`
}

// FIO drives the fio random read benchmark against a scratch directory.
//
// Description:
//
//	Each parameter file gets its own data directory; fio lays its test
//	files out next to the job file and CleanUp removes the directory.
//	The description parser also extracts the bandwidth, which the
//	performance parser then reports.
//
// Thread Safety: Run state is guarded by a mutex.
type FIO struct {
	kernel.Base

	mu      sync.Mutex
	dataDir string
	score   *json.Number
}

// NewFIO builds the fio kernel.
func NewFIO(info deviceinfo.Info) (*FIO, error) {
	const (
		numjobs = "10"
		size    = "16MB"
	)
	all := fmt.Sprintf("--numjobs %s --size %s", numjobs, size)

	var scaling []string
	for _, s := range []string{"4MB", "8MB", "16MB", "32MB", "64MB"} {
		scaling = append(scaling, fmt.Sprintf("--numjobs %s --size %s", numjobs, s))
	}
	var core []string
	for n := 1; n <= info.CoreCount(); n += 10 {
		core = append(core, fmt.Sprintf("--numjobs %d --size %s", n, size))
	}

	return &FIO{Base: kernel.NewBase(kernel.Config{
		Name:     "fio",
		Params:   []string{"numjobs", "size"},
		Defaults: map[string]string{"numjobs": numjobs, "size": size},
		Categories: map[string][]string{
			kernel.CategoryTest:         {" "},
			kernel.CategoryOptimal:      {all},
			kernel.CategoryOptimalQuick: {all},
			kernel.CategoryScaling:      scaling,
			kernel.CategoryScalingQuick: scaling,
			kernel.CategoryScalingCore:  core,
		},
		Grammar:     params.File,
		Offloads:    []string{kernel.OffloadLocal},
		FixedArgs:   []string{"--output-format=json"},
		OrderingTag: gemmScoreTag,
	})}, nil
}

// IndependentVar implements kernel.Kernel.
func (f *FIO) IndependentVar(category string) (string, error) {
	if category == kernel.CategoryScalingCore {
		return "numjobs", nil
	}
	return "size", nil
}

// HostExecutable implements kernel.Kernel. A missing fio is reported
// with installation hints and the kernel is skipped.
func (f *FIO) HostExecutable(offload string) (string, error) {
	if offload != kernel.OffloadLocal {
		return "", nil
	}
	path, err := kernel.FindExecutable(f.Name(), kernel.HostArch, "fio")
	if err != nil {
		f.Console().Print(ux.CatError, fioNotFound)
		return "", nil
	}
	return path, nil
}

// DeviceExecutable implements kernel.Kernel. Coprocessors are not
// supported.
func (f *FIO) DeviceExecutable(string) (string, error) { return "", nil }

// ParamFile implements kernel.Kernel.
func (f *FIO) ParamFile(set params.Set) (string, error) {
	numjobs, _, err := set.Get("numjobs")
	if err != nil {
		return "", err
	}
	size, _, err := set.Get("size")
	if err != nil {
		return "", err
	}
	dir, err := kernel.ScratchDir("micperf_fio_data_")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "fio.cfg")
	if err := os.WriteFile(path, []byte(fmt.Sprintf(fioConfigFormat, dir, numjobs, size)), 0o600); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("writing fio config: %w", err)
	}

	f.mu.Lock()
	f.dataDir = dir
	f.mu.Unlock()
	return path, nil
}

// CleanUp implements kernel.Kernel by removing the data directory.
func (f *FIO) CleanUp() error {
	f.mu.Lock()
	dir := f.dataDir
	f.dataDir = ""
	f.mu.Unlock()
	if dir == "" {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing fio data directory: %w", err)
	}
	return nil
}

// ParseDescription implements kernel.Kernel.
//
// Description:
//
//	Older fio versions report io_bytes in kB, newer ones add io_kbytes
//	and report io_bytes in bytes; io_kbytes is preferred. Invalid JSON
//	is printed and turned into a self check failure.
func (f *FIO) ParseDescription(raw string) (string, error) {
	var report fioReport
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		f.Console().PrintRaw(ux.CatError, fmt.Sprintf("JSON parse error. [%v] in:\n%s", err, raw))
		return "", perferr.SelfCheck("")
	}
	if len(report.Jobs) == 0 || report.Jobs[0].Read == nil {
		return "", f.ParseFailure(raw, "")
	}
	job := report.Jobs[0]
	total := job.Read.IOKBytes
	if total == nil {
		total = job.Read.IOBytes
	}
	if total == nil || job.Read.BW == nil {
		return "", f.ParseFailure(raw, "")
	}

	f.mu.Lock()
	f.score = job.Read.BW
	f.mu.Unlock()

	return strings.Join([]string{report.Version, job.Desc, fmt.Sprintf("total size: %s kB", *total)}, "; "), nil
}

// ParsePerformance implements kernel.Kernel with the bandwidth found by
// ParseDescription.
func (f *FIO) ParsePerformance(raw string) (stats.Perf, error) {
	f.mu.Lock()
	score := f.score
	f.mu.Unlock()
	if score == nil {
		return nil, f.ParseFailure(raw, "Score not found in JSON output.")
	}
	bw, err := score.Float64()
	if err != nil {
		return nil, f.ParseFailure(raw, err.Error())
	}
	return stats.Perf{gemmScoreTag: {Value: bw, Units: "kB/s", Rollup: true}}, nil
}

var _ kernel.Kernel = (*FIO)(nil)
