// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package run

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/micperf/internal/connect"
	"github.com/AleutianAI/micperf/internal/deviceinfo"
	"github.com/AleutianAI/micperf/internal/export"
	"github.com/AleutianAI/micperf/internal/kernel"
	"github.com/AleutianAI/micperf/internal/params"
	"github.com/AleutianAI/micperf/internal/perferr"
	"github.com/AleutianAI/micperf/internal/stats"
	"github.com/AleutianAI/micperf/internal/telemetry"
	"github.com/AleutianAI/micperf/pkg/ux"
)

// =============================================================================
// Fixtures
// =============================================================================

type fakeKernel struct {
	kernel.Base
}

func fakeFactory(name string, root bool) kernel.Factory {
	return func(deviceinfo.Info) (kernel.Kernel, error) {
		return &fakeKernel{Base: kernel.NewBase(kernel.Config{
			Name:    name,
			Params:  []string{"num_core"},
			Grammar: params.Value,
			Categories: map[string][]string{
				kernel.CategoryScaling: {"--num_core 1", "--num_core 2"},
			},
			Offloads:     []string{kernel.OffloadLocal},
			OrderingTag:  "Task.Bandwidth",
			RequiresRoot: root,
		})}, nil
	}
}

// installBinaries creates host binaries for names.
func installBinaries(t *testing.T, names ...string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, kernel.HostArch), 0o755))
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, kernel.HostArch, name), []byte("#!/bin/sh\n"), 0o755))
	}
	t.Setenv(kernel.EnvExecDir, dir)
}

// scaled answers every launch with a bandwidth of factor * num_core.
func scaled(factor float64, failOn string) func(context.Context, connect.Command) (connect.Result, error) {
	return func(_ context.Context, cmd connect.Command) (connect.Result, error) {
		if failOn != "" && filepath.Base(cmd.Args[0]) == failOn {
			return connect.Result{Stderr: "crashed", ExitCode: 2}, nil
		}
		n := 1.0
		if i := slices.Index(cmd.Args, "--num_core"); i >= 0 {
			n, _ = strconv.ParseFloat(cmd.Args[i+1], 64)
		}
		return connect.Result{Stdout: fmt.Sprintf(
			"[ DESCRIPTION ] %s with %g cores\n[ PERFORMANCE ] Task.Bandwidth %g GB/s R",
			filepath.Base(cmd.Args[0]), n, factor*n)}, nil
	}
}

// flatten joins console output wrapped at ux.LineWidth back into one line.
func flatten(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

type harness struct {
	out, errw *bytes.Buffer
	host      *connect.Mock
	cfg       Config
}

func newHarness(t *testing.T, execute func(context.Context, connect.Command) (connect.Result, error)) *harness {
	t.Helper()
	var out, errw bytes.Buffer
	console := ux.NewConsole(&out, &errw)
	reg := kernel.NewRegistry(console)
	reg.MustRegister("alpha", fakeFactory("alpha", false))
	reg.MustRegister("beta", fakeFactory("beta", false))
	reg.MustRegister("gamma", fakeFactory("gamma", true))

	host := &connect.Mock{Name: "localhost", ExecuteFunc: execute}
	return &harness{
		out:  &out,
		errw: &errw,
		host: host,
		cfg: Config{
			Registry: reg,
			Resolve: func(context.Context, string) (*connect.Target, error) {
				return &connect.Target{Conn: host, Name: "localhost", Index: connect.LocalIndex}, nil
			},
			Detect: func(_ context.Context, opts deviceinfo.Options) (deviceinfo.Info, error) {
				return deviceinfo.Info{Index: opts.Index, SelfBoot: true, Cores: 4, Version: opts.Version}, nil
			},
			Version:  "1.0.0",
			IsRoot:   func() bool { return true },
			LookPath: func(string) (string, error) { return "/usr/bin/sudo", nil },
			Console:  console,
		},
	}
}

func (h *harness) runner(t *testing.T) *Runner {
	t.Helper()
	r, err := New(h.cfg)
	require.NoError(t, err)
	return r
}

type recordingSink struct {
	runs []export.Run
	err  error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Export(_ context.Context, run export.Run) error {
	s.runs = append(s.runs, run)
	return s.err
}

func (s *recordingSink) Close() error { return nil }

// =============================================================================
// Tests
// =============================================================================

func TestNew_RequiresRegistry(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrNoRegistry)
}

func TestRun_Scaling(t *testing.T) {
	installBinaries(t, "alpha", "beta")
	h := newHarness(t, scaled(10, ""))
	metrics := telemetry.NewRunMetrics()
	sink := &recordingSink{}
	h.cfg.Metrics = metrics
	h.cfg.Sink = sink
	outDir := t.TempDir()

	res, err := h.runner(t).Run(context.Background(), Options{
		Kernels:   "alpha:beta",
		Offloads:  "local",
		Category:  kernel.CategoryScaling,
		Verbosity: 2,
		OutDir:    outDir,
	})
	require.NoError(t, err)

	t.Run("every kernel and set executed", func(t *testing.T) {
		assert.Len(t, h.host.CallsTo("Execute"), 4)
		c := res.Collection
		assert.ElementsMatch(t, []string{"alpha", "beta"}, c.Kernels())
		list := c.StatList("alpha", "local")
		require.Len(t, list, 2)
		assert.InDelta(t, 20.0, list[1].Perf["Task.Bandwidth"].Value, 1e-9)
		assert.Equal(t, "num_core", c.XName("alpha"))
		assert.NotEmpty(t, c.RunID)
		assert.Same(t, res.Collection, res.Combined)
	})

	t.Run("run persisted and reported", func(t *testing.T) {
		require.NotEmpty(t, res.StorePath)
		loaded, err := stats.NewFileStore(outDir).Load(context.Background(), res.Collection.Tag)
		require.NoError(t, err)
		assert.Len(t, loaded.StatList("beta", "local"), 2)

		assert.Contains(t, res.Files, filepath.Join(outDir, "micp_run_stats_"+res.Collection.Tag+"_all.csv"))
		for _, f := range res.Files {
			assert.FileExists(t, f)
		}
		assert.Contains(t, h.out.String(), "alpha with 2 cores")
	})

	t.Run("metrics and export", func(t *testing.T) {
		assert.InDelta(t, 1.0, testutil.ToFloat64(metrics.KernelRuns.WithLabelValues("alpha", "local", telemetry.StatusSuccess)), 1e-9)
		require.Len(t, sink.runs, 1)
		assert.Same(t, res.Collection, sink.runs[0].Collection)
		assert.Contains(t, sink.runs[0].Files, res.StorePath)
	})
}

func TestRun_RootGating(t *testing.T) {
	installBinaries(t, "alpha", "gamma")

	t.Run("no sudo binary", func(t *testing.T) {
		h := newHarness(t, scaled(1, ""))
		h.cfg.IsRoot = func() bool { return false }
		h.cfg.LookPath = func(string) (string, error) { return "", errors.New("not found") }

		res, err := h.runner(t).Run(context.Background(), Options{Kernels: "alpha:gamma", Offloads: "local", Category: "scaling"})
		require.NoError(t, err)
		assert.Equal(t, []string{"alpha"}, res.Collection.Kernels())
		assert.Contains(t, flatten(h.errw.String()), "Please install 'sudo'")
		assert.Contains(t, flatten(h.errw.String()), "Execution of the 'gamma' kernel will be skipped.")
	})

	t.Run("sudo not requested", func(t *testing.T) {
		h := newHarness(t, scaled(1, ""))
		h.cfg.IsRoot = func() bool { return false }

		res, err := h.runner(t).Run(context.Background(), Options{Kernels: "gamma", Offloads: "local", Category: "scaling"})
		require.NoError(t, err)
		assert.Nil(t, res.Collection)
		assert.Contains(t, flatten(h.errw.String()), "add '--sudo'")
		assert.Empty(t, h.host.CallsTo("Execute"))
	})

	t.Run("sudo allowed", func(t *testing.T) {
		h := newHarness(t, scaled(1, ""))
		h.cfg.IsRoot = func() bool { return false }

		res, err := h.runner(t).Run(context.Background(), Options{Kernels: "gamma", Offloads: "local", Category: "scaling", Sudo: true})
		require.NoError(t, err)
		assert.Equal(t, []string{"gamma"}, res.Collection.Kernels())
		assert.Contains(t, flatten(h.out.String()), "will be run in elevated mode")
		calls := h.host.CallsTo("Execute")
		require.NotEmpty(t, calls)
		assert.Equal(t, "sudo", calls[0].Command.Args[0])
	})
}

func TestRun_FailurePersistsPartialRun(t *testing.T) {
	installBinaries(t, "alpha", "beta")
	h := newHarness(t, scaled(1, "beta"))
	outDir := t.TempDir()

	res, err := h.runner(t).Run(context.Background(), Options{
		Kernels:  "alpha:beta",
		Offloads: "local",
		Category: "scaling",
		OutDir:   outDir,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, perferr.ErrProcess)
	assert.Equal(t, perferr.EExcept, perferr.ExitCode(err))
	require.NotNil(t, res)
	require.NotEmpty(t, res.StorePath)

	loaded, loadErr := stats.NewFileStore(outDir).Load(context.Background(), res.Collection.Tag)
	require.NoError(t, loadErr)
	assert.Len(t, loaded.StatList("alpha", "local"), 2)
	assert.Empty(t, loaded.StatList("beta", "local"))
}

func TestRun_Compare(t *testing.T) {
	installBinaries(t, "alpha")
	outDir := t.TempDir()

	first := newHarness(t, scaled(10, ""))
	ref, err := first.runner(t).Run(context.Background(), Options{
		Kernels: "alpha", Offloads: "local", Category: "scaling", OutDir: outDir, Tag: "baseline",
	})
	require.NoError(t, err)

	t.Run("regression fails the run", func(t *testing.T) {
		h := newHarness(t, scaled(5, ""))
		margin := 0.1
		res, err := h.runner(t).Run(context.Background(), Options{
			Reference: ref.Collection,
			Margin:    &margin,
			Tag:       "candidate",
			Verbosity: 1,
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, perferr.ErrPerfRegression)
		require.NotNil(t, res.Decision)
		assert.False(t, res.Decision.Pass)
		assert.Equal(t, "alpha", res.Collection.Args.KernelNames)
		assert.True(t, res.Combined.Extended)
		assert.Contains(t, h.out.String(), "[  FAILED  ] 1 test.")
	})

	t.Run("within margin passes", func(t *testing.T) {
		h := newHarness(t, scaled(9.9, ""))
		margin := 0.1
		res, err := h.runner(t).Run(context.Background(), Options{Reference: ref.Collection, Margin: &margin, Tag: "candidate"})
		require.NoError(t, err)
		assert.True(t, res.Decision.Pass)
	})

	t.Run("no margin skips the gate", func(t *testing.T) {
		h := newHarness(t, scaled(1, ""))
		res, err := h.runner(t).Run(context.Background(), Options{Reference: ref.Collection, Tag: "candidate"})
		require.NoError(t, err)
		assert.Nil(t, res.Decision)
	})
}

func TestRun_Arguments(t *testing.T) {
	installBinaries(t, "alpha")

	t.Run("category wins over arguments", func(t *testing.T) {
		h := newHarness(t, scaled(1, ""))
		res, err := h.runner(t).Run(context.Background(), Options{
			Kernels: "alpha", Offloads: "local", Category: "scaling", KernelArgs: "--num_core 7",
		})
		require.NoError(t, err)
		assert.Contains(t, flatten(h.errw.String()), "Kernel arguments are ignored")
		assert.Len(t, res.Collection.StatList("alpha", "local"), 2)
	})

	t.Run("explicit arguments", func(t *testing.T) {
		h := newHarness(t, scaled(1, ""))
		res, err := h.runner(t).Run(context.Background(), Options{Kernels: "alpha", Offloads: "local", KernelArgs: "--num_core 7"})
		require.NoError(t, err)
		list := res.Collection.StatList("alpha", "local")
		require.Len(t, list, 1)
		assert.InDelta(t, 7.0, list[0].Perf["Task.Bandwidth"].Value, 1e-9)
	})

	t.Run("help request prints the kernel help", func(t *testing.T) {
		h := newHarness(t, scaled(1, ""))
		res, err := h.runner(t).Run(context.Background(), Options{Kernels: "alpha", Offloads: "local", KernelArgs: "--help"})
		require.NoError(t, err)
		assert.True(t, res.Collection.IsEmpty())
		assert.Contains(t, h.out.String(), "Parameter help for kernel alpha")
		assert.Empty(t, h.host.CallsTo("Execute"))
	})

	t.Run("unknown category is skipped", func(t *testing.T) {
		h := newHarness(t, scaled(1, ""))
		res, err := h.runner(t).Run(context.Background(), Options{Kernels: "alpha", Offloads: "local", Category: "optimal_quick"})
		require.NoError(t, err)
		assert.True(t, res.Collection.IsEmpty())
		assert.Contains(t, flatten(h.errw.String()), "alpha kernel does not implement parameter categories")
	})

	t.Run("unknown offload", func(t *testing.T) {
		h := newHarness(t, scaled(1, ""))
		_, err := h.runner(t).Run(context.Background(), Options{Kernels: "alpha", Offloads: "warp", Category: "scaling"})
		assert.Error(t, err)
	})

	t.Run("canceled run", func(t *testing.T) {
		h := newHarness(t, scaled(1, ""))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := h.runner(t).Run(ctx, Options{Kernels: "alpha", Offloads: "local", Category: "scaling"})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, h.host.CallsTo("Execute"))
	})
}

func TestRun_KernelWithoutResults(t *testing.T) {
	installBinaries(t, "alpha")
	t.Setenv("PATH", t.TempDir())
	h := newHarness(t, scaled(1, ""))
	metrics := telemetry.NewRunMetrics()
	h.cfg.Metrics = metrics

	res, err := h.runner(t).Run(context.Background(), Options{Kernels: "alpha:beta", Offloads: "local", Category: "scaling"})
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha"}, res.Collection.Kernels())
	assert.Empty(t, res.Collection.StatList("beta", "local"))
	assert.Contains(t, flatten(h.errw.String()), "Executable for kernel beta and offload local does not exist, skipping")
	assert.InDelta(t, 1.0, testutil.ToFloat64(metrics.KernelRuns.WithLabelValues("beta", "local", telemetry.StatusSkipped)), 1e-9)
}
