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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/AleutianAI/micperf/internal/perferr"
)

// Executable locations.
const (
	// DefaultExecDir holds one sub-directory of binaries per architecture.
	DefaultExecDir = "/usr/libexec/micperf"

	// EnvExecDir overrides DefaultExecDir.
	EnvExecDir = "MIC_PERF_EXEC"

	// EnvMKLRoot points at an extracted MKL package.
	EnvMKLRoot = "MKLROOT"

	HostArch   = "x86_64"
	DeviceArch = "k1om"
)

// ExecDir returns the binary root, honoring MIC_PERF_EXEC.
func ExecDir() string {
	if dir := os.Getenv(EnvExecDir); dir != "" {
		return dir
	}
	return DefaultExecDir
}

// FindExecutable locates bin for arch.
//
// Description:
//
//	Looks in ExecDir()/arch first. Host binaries are then searched on
//	PATH; device binaries only ever come from the micperf tree.
//
// Outputs:
//
//	string - Absolute path of the binary.
//	error - Wraps ErrNoExecutable when nothing matches.
func FindExecutable(kernelName, arch, bin string) (string, error) {
	candidate := filepath.Join(ExecDir(), arch, bin)
	if fileExists(candidate) {
		return candidate, nil
	}
	if arch != DeviceArch {
		if path, err := exec.LookPath(bin); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w for %s kernel", ErrNoExecutable, kernelName)
}

// MKLRoot returns $MKLROOT or an ErrNoExecutable explaining how to set it.
func MKLRoot(kernelName string) (string, error) {
	root := os.Getenv(EnvMKLRoot)
	if root == "" {
		return "", fmt.Errorf("%w: MKLROOT not in environment. Source composer's compilervars.sh before running %s",
			ErrNoExecutable, kernelName)
	}
	return root, nil
}

// SearchTree walks root and returns the first file named name, "" when
// there is none.
func SearchTree(root, name string) string {
	var found string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable directories are skipped.
			return nil
		}
		if !d.IsDir() && d.Name() == name {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	return found
}

// ScratchDir creates a uniquely named directory under the system temp
// directory. The caller removes it.
func ScratchDir(prefix string) (string, error) {
	dir := filepath.Join(os.TempDir(), prefix+uuid.NewString())
	if err := os.Mkdir(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating scratch directory: %w", err)
	}
	return dir, nil
}

// DeviceLibrary finds a shared library staged next to device binaries.
//
// Description:
//
//	Searches MIC_LD_LIBRARY_PATH, then LD_LIBRARY_PATH. A missing library
//	means the compiler redistributable is not installed.
func DeviceLibrary(name string) (string, error) {
	for _, env := range []string{"MIC_LD_LIBRARY_PATH", "LD_LIBRARY_PATH"} {
		for _, dir := range strings.Split(os.Getenv(env), string(os.PathListSeparator)) {
			if dir == "" {
				continue
			}
			if path := filepath.Join(dir, name); fileExists(path) {
				return path, nil
			}
		}
	}
	return "", perferr.MissingDependency(perferr.DepRedist)
}

// MPIAvailable reports whether mpirun is on PATH.
func MPIAvailable() bool {
	_, err := exec.LookPath("mpirun")
	return err == nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, fs.ErrNotExist) && err == nil
}
