// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/micperf/internal/connect"
	"github.com/AleutianAI/micperf/internal/deviceinfo"
	"github.com/AleutianAI/micperf/internal/kernel"
	"github.com/AleutianAI/micperf/internal/params"
	"github.com/AleutianAI/micperf/internal/perferr"
	"github.com/AleutianAI/micperf/internal/run"
	"github.com/AleutianAI/micperf/internal/stats"
	"github.com/AleutianAI/micperf/internal/telemetry"
	"github.com/AleutianAI/micperf/pkg/ux"
)

type fakeKernel struct {
	kernel.Base
}

// cliHarness wires an app to a fake kernel running on a mocked host.
type cliHarness struct {
	app       *app
	out, errw *bytes.Buffer
	host      *connect.Mock
	dataDir   string
	factor    float64
}

func newCLIHarness(t *testing.T) *cliHarness {
	t.Helper()

	execDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(execDir, kernel.HostArch), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(execDir, kernel.HostArch, "alpha"), []byte("#!/bin/sh\n"), 0o755))
	t.Setenv(kernel.EnvExecDir, execDir)

	var out, errw bytes.Buffer
	console := ux.NewConsole(&out, &errw)
	reg := kernel.NewRegistry(console)
	reg.MustRegister("alpha", func(deviceinfo.Info) (kernel.Kernel, error) {
		return &fakeKernel{Base: kernel.NewBase(kernel.Config{
			Name:    "alpha",
			Params:  []string{"num_core"},
			Grammar: params.Value,
			Categories: map[string][]string{
				kernel.CategoryScaling: {"--num_core 1", "--num_core 2"},
			},
			Offloads:    []string{kernel.OffloadLocal},
			OrderingTag: "Task.Bandwidth",
		})}, nil
	})

	h := &cliHarness{out: &out, errw: &errw, dataDir: t.TempDir(), factor: 10}
	h.host = &connect.Mock{Name: "localhost", ExecuteFunc: func(_ context.Context, cmd connect.Command) (connect.Result, error) {
		n := 1.0
		if i := slices.Index(cmd.Args, "--num_core"); i >= 0 {
			n, _ = strconv.ParseFloat(cmd.Args[i+1], 64)
		}
		return connect.Result{Stdout: fmt.Sprintf(
			"[ DESCRIPTION ] alpha with %g cores\n[ PERFORMANCE ] Task.Bandwidth %g GB/s R", n, h.factor*n)}, nil
	}}

	h.app = &app{
		console:  console,
		registry: reg,
		store:    stats.NewFileStore(h.dataDir),
		metrics:  telemetry.NewRunMetrics(),
		atExit:   func(func()) {},
		ready:    true,
		runOverrides: func(cfg *run.Config) {
			cfg.Resolve = func(context.Context, string) (*connect.Target, error) {
				return &connect.Target{Conn: h.host, Name: "localhost", Index: connect.LocalIndex}, nil
			}
			cfg.Detect = func(_ context.Context, opts deviceinfo.Options) (deviceinfo.Info, error) {
				return deviceinfo.Info{Index: opts.Index, SelfBoot: true, Cores: 4, Version: opts.Version}, nil
			}
			cfg.IsRoot = func() bool { return true }
		},
	}
	return h
}

func (h *cliHarness) execute(args ...string) error {
	root := newRootCmd(h.app)
	root.SetArgs(args)
	root.SetOut(h.out)
	root.SetErr(h.errw)
	return root.ExecuteContext(context.Background())
}

func TestRunCommand(t *testing.T) {
	t.Run("kernel list", func(t *testing.T) {
		h := newCLIHarness(t)
		require.NoError(t, h.execute("run", "-k", "help"))
		assert.Contains(t, h.out.String(), "Available kernels:\nalpha")
		assert.Empty(t, h.host.CallsTo("Execute"))
	})

	t.Run("category run is stored", func(t *testing.T) {
		h := newCLIHarness(t)
		metricsPath := filepath.Join(t.TempDir(), "micperf.prom")
		h.app.cfg.Metrics.TextfilePath = metricsPath

		require.NoError(t, h.execute("run", "-k", "alpha", "-p", "scaling", "-d", "localhost", "-o", h.dataDir, "-t", "first", "-v", "1"))
		assert.Len(t, h.host.CallsTo("Execute"), 2)
		assert.FileExists(t, filepath.Join(h.dataDir, "micp_run_stats_first.json"))
		assert.FileExists(t, metricsPath)
		assert.Contains(t, h.out.String(), "alpha with 2 cores")
	})

	t.Run("explicit arguments replace the default category", func(t *testing.T) {
		h := newCLIHarness(t)
		require.NoError(t, h.execute("run", "-k", "alpha", "-a", "--num_core 3", "-d", "localhost", "-o", h.dataDir, "-t", "args"))
		calls := h.host.CallsTo("Execute")
		require.Len(t, calls, 1)
		assert.Contains(t, calls[0].Command.Args, "3")

		c, err := h.app.store.Load(context.Background(), "args")
		require.NoError(t, err)
		assert.Empty(t, c.Args.Category)
		assert.Equal(t, kernel.OffloadLocal, c.Args.Offloads)
	})

	t.Run("unknown kernel", func(t *testing.T) {
		h := newCLIHarness(t)
		err := h.execute("run", "-k", "omega", "-d", "localhost")
		assert.Error(t, err)
	})
}

func TestStoredRunCommands(t *testing.T) {
	h := newCLIHarness(t)
	require.NoError(t, h.execute("run", "-k", "alpha", "-p", "scaling", "-d", "localhost", "-o", h.dataDir, "-t", "first"))
	h.factor = 5
	require.NoError(t, h.execute("run", "-k", "alpha", "-p", "scaling", "-d", "localhost", "-o", h.dataDir, "-t", "second"))

	t.Run("tags", func(t *testing.T) {
		h.out.Reset()
		require.NoError(t, h.execute("tags"))
		assert.Contains(t, h.out.String(), "first")
		assert.Contains(t, h.out.String(), "second")
		assert.Contains(t, h.out.String(), "scaling")
	})

	t.Run("print by tag and by file", func(t *testing.T) {
		h.out.Reset()
		require.NoError(t, h.execute("print", "first", filepath.Join(h.dataDir, "micp_run_stats_second.json")))
		assert.Contains(t, h.out.String(), "alpha with 1 cores")
	})

	t.Run("csv", func(t *testing.T) {
		h.out.Reset()
		require.NoError(t, h.execute("csv", "first"))
		assert.Contains(t, h.out.String(), "KERNEL, OFFLOAD")

		assert.Error(t, h.execute("csv"))
	})

	t.Run("compare regression", func(t *testing.T) {
		h.out.Reset()
		err := h.execute("compare", "second", "first", "-r", "0.1")
		require.Error(t, err)
		assert.ErrorIs(t, err, perferr.ErrPerfRegression)
		assert.Equal(t, perferr.EPerf, perferr.ExitCode(err))
		assert.Contains(t, h.out.String(), "[  FAILED  ] 1 test.")
	})

	t.Run("compare improvement", func(t *testing.T) {
		h.out.Reset()
		require.NoError(t, h.execute("compare", "first", "second", "-r", "0.1"))
		assert.Contains(t, h.out.String(), "[  PASSED  ] 1 test.")
	})

	t.Run("run against a stored reference", func(t *testing.T) {
		h.factor = 10
		require.NoError(t, h.execute("run", "-c", "first", "-r", "0.1", "-t", "third"))
	})

	t.Run("unknown tag", func(t *testing.T) {
		err := h.execute("print", "missing")
		assert.ErrorIs(t, err, stats.ErrTagNotFound)
	})
}

func TestKernelsCommand(t *testing.T) {
	h := newCLIHarness(t)
	require.NoError(t, h.execute("kernels"))
	out := h.out.String()
	assert.Contains(t, out, "Available kernels")
	assert.Contains(t, out, "alpha")
	assert.Contains(t, out, "local")
	assert.Contains(t, out, "optimal, scaling")
}

func TestNewApp(t *testing.T) {
	a := newApp(ux.NewConsole(&bytes.Buffer{}, &bytes.Buffer{}))
	require.NotNil(t, a.atExit)

	ran := false
	assert.NotPanics(t, func() { a.atExit(func() { ran = true }) })
	assert.False(t, ran, "exit hooks run only when the process exits")
	assert.False(t, a.ready)
}
