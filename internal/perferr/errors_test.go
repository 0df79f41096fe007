// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package perferr

import (
	"errors"
	"fmt"
	"testing"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ENoError},
		{"plain error", errors.New("boom"), EExcept},
		{"parse", New(KindParse, "bad"), EParse},
		{"help", New(KindHelp, "usage"), EParse},
		{"io", New(KindIO, "no dir"), EIO},
		{"access", New(KindAccess, "root"), EAccess},
		{"perf", ErrPerfRegression, EPerf},
		{"lookup", New(KindLookup, "kernel"), ELookup},
		{"redist", MissingDependency(DepRedist), ELib},
		{"mpi", MissingDependency(DepMPI), EDep},
		{"linpack", MissingDependency(DepLinpack), EDep},
		{"no executable", New(KindNoExecutable, "x"), ELib},
		{"process", Process(3, "a b"), EExcept},
		{"wrapped", fmt.Errorf("run: %w", MissingDependency(DepRedist)), ELib},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestError_Is(t *testing.T) {
	err := fmt.Errorf("offload: %w", MissingDependency(DepMPI))

	if !errors.Is(err, ErrMissingMPI) {
		t.Error("expected errors.Is to match ErrMissingMPI")
	}
	if errors.Is(err, ErrMissingRedist) {
		t.Error("mpi dependency must not match redist sentinel")
	}
	if !errors.Is(SelfCheck("fail"), ErrSelfCheck) {
		t.Error("expected SelfCheck to match ErrSelfCheck")
	}
}

func TestProcess_Message(t *testing.T) {
	err := Process(2, "/bin/stream --omp_num_threads 4 ")
	want := "command '/bin/stream --omp_num_threads 4' returned non-zero exit status 2"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestNoExecutionPermission(t *testing.T) {
	err := NoExecutionPermission("/tmp/stream_mic", SideDevice, errors.New("permission denied"))
	if !errors.Is(err, ErrNoPermission) {
		t.Fatal("expected ErrNoPermission")
	}
	if err.Side != SideDevice || err.Command != "/tmp/stream_mic" {
		t.Errorf("unexpected fields: %+v", err)
	}
}
