// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package offload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/micperf/internal/connect"
	"github.com/AleutianAI/micperf/internal/deviceinfo"
	"github.com/AleutianAI/micperf/internal/kernel"
	"github.com/AleutianAI/micperf/internal/params"
	"github.com/AleutianAI/micperf/internal/perferr"
	"github.com/AleutianAI/micperf/internal/stats"
	"github.com/AleutianAI/micperf/pkg/ux"
)

// =============================================================================
// Fixtures
// =============================================================================

type fakeKernel struct {
	kernel.Base
	hostExec  func(string) (string, error)
	paramFile bool
	written   []string
}

func newFake(cfg kernel.Config) *fakeKernel {
	if cfg.Name == "" {
		cfg.Name = "fake"
	}
	if cfg.Params == nil {
		cfg.Params = []string{"omp_num_threads", "size", "device"}
	}
	if cfg.Grammar == params.Positional {
		cfg.Grammar = params.Value
	}
	cfg.EnvParams = []string{"omp_num_threads"}
	cfg.OrderingTag = "Task.Bandwidth"
	cfg.Offloads = Names()
	return &fakeKernel{Base: kernel.NewBase(cfg)}
}

func (f *fakeKernel) HostExecutable(offload string) (string, error) {
	if f.hostExec != nil {
		return f.hostExec(offload)
	}
	return f.Base.HostExecutable(offload)
}

func (f *fakeKernel) ParamFile(set params.Set) (string, error) {
	if !f.paramFile {
		return f.Base.ParamFile(set)
	}
	size, _, err := set.Get("size")
	if err != nil {
		return "", err
	}
	dir, err := kernel.ScratchDir("micperf_fake_")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "fake.par")
	if err := os.WriteFile(path, []byte(size+"\n"), 0o600); err != nil {
		return "", err
	}
	f.written = append(f.written, path)
	return path, nil
}

var _ kernel.Kernel = (*fakeKernel)(nil)

// scalingKernel reports two descriptions and a single measurement.
type scalingKernel struct {
	*fakeKernel
}

func (s scalingKernel) InternalScaling() bool { return true }

func (s scalingKernel) ParseDescriptions(string) ([]string, error) {
	return []string{"first", "second"}, nil
}

func (s scalingKernel) ParsePerformances(string) ([]stats.Perf, error) {
	return []stats.Perf{{"Task.Bandwidth": {Value: 1, Units: "GB/s"}}}, nil
}

// execTree installs fake host and device binaries and points the
// executable lookup at them.
func execTree(t *testing.T) (host, device string) {
	t.Helper()
	dir := t.TempDir()
	for _, arch := range []string{kernel.HostArch, kernel.DeviceArch} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, arch), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, arch, "fake"), []byte("#!/bin/sh\n"), 0o755))
	}
	t.Setenv(kernel.EnvExecDir, dir)
	return filepath.Join(dir, kernel.HostArch, "fake"), filepath.Join(dir, kernel.DeviceArch, "fake")
}

// kernelOutput answers every launch with one measurement equal to the
// size argument.
func kernelOutput(_ context.Context, cmd connect.Command) (connect.Result, error) {
	size := "0"
	if i := slices.Index(cmd.Args, "--size"); i >= 0 && i+1 < len(cmd.Args) {
		size = cmd.Args[i+1]
	}
	return connect.Result{Stdout: fmt.Sprintf("[ DESCRIPTION ] fake size %s\n[ PERFORMANCE ] Task.Bandwidth %s GB/s R", size, size)}, nil
}

// flatten joins console output wrapped at ux.LineWidth back into one line.
func flatten(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

type harness struct {
	out, errw *bytes.Buffer
	cfg       Config
}

func newHarness() *harness {
	var out, errw bytes.Buffer
	return &harness{
		out:  &out,
		errw: &errw,
		cfg: Config{
			Console:      ux.NewConsole(&out, &errw),
			MPIAvailable: func() bool { return true },
			Environ:      func() []string { return []string{"PATH=/bin"} },
			Hostname:     func() (string, error) { return "node0", nil },
		},
	}
}

func (h *harness) strategy(t *testing.T, name string) *Strategy {
	t.Helper()
	s, err := New(name, h.cfg)
	require.NoError(t, err)
	return s
}

func parse(t *testing.T, k kernel.Kernel, offload string, raws ...string) []params.Set {
	t.Helper()
	sets, err := kernel.ParseParams(k, raws, offload)
	require.NoError(t, err)
	return sets
}

func selfBoot() deviceinfo.Info {
	return deviceinfo.Info{Index: connect.LocalIndex, SelfBoot: true, Cores: 68}
}

// =============================================================================
// New
// =============================================================================

func TestNew(t *testing.T) {
	t.Run("alias resolves to native", func(t *testing.T) {
		s, err := New("LINUX_NATIVE", Config{})
		require.NoError(t, err)
		assert.Equal(t, kernel.OffloadNative, s.Name())
		assert.True(t, s.RunsOnDevice())
		assert.False(t, s.RunsOnHost())
	})

	t.Run("scif runs on both sides", func(t *testing.T) {
		s, err := New("scif", Config{})
		require.NoError(t, err)
		assert.True(t, s.RunsOnDevice())
		assert.True(t, s.RunsOnHost())
	})

	t.Run("unknown method", func(t *testing.T) {
		_, err := New("teleport", Config{})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnknownOffload)
		assert.Contains(t, err.Error(), "native")
	})
}

// =============================================================================
// Run
// =============================================================================

func TestRun_Local(t *testing.T) {
	hostPath, _ := execTree(t)
	h := newHarness()
	k := newFake(kernel.Config{})
	host := &connect.Mock{ExecuteFunc: kernelOutput}
	target := Target{Host: host, Device: host, Index: connect.LocalIndex, Info: selfBoot()}

	sets := parse(t, k, kernel.OffloadLocal, "--omp_num_threads 4 --size 10", "--omp_num_threads 4 --size 20")
	results, err := h.strategy(t, "local").Run(context.Background(), k, target, sets)
	require.NoError(t, err)
	require.Len(t, results, 2)

	t.Run("one launch per set", func(t *testing.T) {
		calls := host.CallsTo("Execute")
		require.Len(t, calls, 2)
		cmd := calls[0].Command
		assert.Equal(t, []string{hostPath, "--size", "10"}, cmd.Args)
		assert.Equal(t, "4", cmd.Env["OMP_NUM_THREADS"])
		assert.Equal(t, "/bin", cmd.Env["PATH"])
		assert.Empty(t, host.CallsTo("CopyTo"))
	})

	t.Run("results follow set order", func(t *testing.T) {
		assert.Equal(t, "fake size 10", results[0].Desc)
		assert.InDelta(t, 20.0, results[1].Perf["Task.Bandwidth"].Value, 1e-9)
	})

	t.Run("caller sets untouched", func(t *testing.T) {
		assert.NotSame(t, sets[0], results[0].Params)
	})

	t.Run("environment and peak printed", func(t *testing.T) {
		out := h.out.String()
		assert.Contains(t, out, "OMP_NUM_THREADS=4")
		assert.Contains(t, out, "Running fake --omp_num_threads 4 --size 10")
		peak := strings.Index(out, "PEAK PERFORMANCE")
		require.GreaterOrEqual(t, peak, 0)
		assert.Contains(t, out[peak:], "fake size 20")
		assert.NotContains(t, out[peak:], "fake size 10")
	})
}

func TestRun_Dependencies(t *testing.T) {
	t.Run("MPI checked before launch", func(t *testing.T) {
		execTree(t)
		h := newHarness()
		h.cfg.MPIAvailable = func() bool { return false }
		k := newFake(kernel.Config{MPIRequired: true})
		host := &connect.Mock{ExecuteFunc: kernelOutput}

		_, err := h.strategy(t, "local").Run(context.Background(), k,
			Target{Host: host, Device: host, Index: -1, Info: selfBoot()},
			parse(t, k, "local", "--size 1"))
		assert.ErrorIs(t, err, perferr.ErrMissingMPI)
		assert.Nil(t, Partial(err))
		assert.Empty(t, host.CallsTo("Execute"))
	})

	t.Run("missing binary skips the kernel", func(t *testing.T) {
		t.Setenv(kernel.EnvExecDir, t.TempDir())
		t.Setenv("PATH", t.TempDir())
		h := newHarness()
		k := newFake(kernel.Config{})
		host := &connect.Mock{}

		results, err := h.strategy(t, "local").Run(context.Background(), k,
			Target{Host: host, Device: host, Index: -1, Info: selfBoot()},
			parse(t, k, "local", "--size 1"))
		require.NoError(t, err)
		assert.Nil(t, results)
		assert.Contains(t, flatten(h.errw.String()), "Executable for kernel fake and offload local does not exist, skipping")
	})

	t.Run("missing MKL benchmark", func(t *testing.T) {
		t.Setenv(kernel.EnvExecDir, t.TempDir())
		t.Setenv("PATH", t.TempDir())
		h := newHarness()
		k := newFake(kernel.Config{Name: "hpcg"})
		host := &connect.Mock{}

		_, err := h.strategy(t, "local").Run(context.Background(), k,
			Target{Host: host, Device: host, Index: -1, Info: selfBoot()},
			parse(t, k, "local", "--size 1"))
		assert.ErrorIs(t, err, perferr.ErrMissingLinpack)
	})

	t.Run("no binary for method", func(t *testing.T) {
		h := newHarness()
		k := newFake(kernel.Config{})
		k.hostExec = func(string) (string, error) { return "", nil }
		host := &connect.Mock{}

		results, err := h.strategy(t, "local").Run(context.Background(), k,
			Target{Host: host, Device: host, Index: -1, Info: selfBoot()},
			parse(t, k, "local", "--size 1"))
		require.NoError(t, err)
		assert.Nil(t, results)
		assert.Contains(t, flatten(h.errw.String()), `does not support the "local" offload method`)
	})
}

func TestRun_Failures(t *testing.T) {
	execTree(t)
	k := newFake(kernel.Config{})

	t.Run("process failure keeps earlier results", func(t *testing.T) {
		h := newHarness()
		host := &connect.Mock{ExecuteFunc: func(ctx context.Context, cmd connect.Command) (connect.Result, error) {
			if slices.Contains(cmd.Args, "20") {
				return connect.Result{Stderr: "boom", ExitCode: 3}, nil
			}
			return kernelOutput(ctx, cmd)
		}}

		_, err := h.strategy(t, "local").Run(context.Background(), k,
			Target{Host: host, Device: host, Index: -1, Info: selfBoot()},
			parse(t, k, "local", "--size 10", "--size 20", "--size 30"))
		require.Error(t, err)
		assert.ErrorIs(t, err, perferr.ErrProcess)
		assert.Contains(t, err.Error(), "returned non-zero exit status 3")
		assert.Len(t, Partial(err), 1)
		assert.Len(t, host.CallsTo("Execute"), 2)
		assert.Contains(t, h.errw.String(), "boom")
	})

	t.Run("exit 127 means missing redistributables", func(t *testing.T) {
		h := newHarness()
		host := &connect.Mock{ExecuteFunc: func(context.Context, connect.Command) (connect.Result, error) {
			return connect.Result{ExitCode: 127}, nil
		}}
		_, err := h.strategy(t, "local").Run(context.Background(), k,
			Target{Host: host, Device: host, Index: -1, Info: selfBoot()},
			parse(t, k, "local", "--size 10"))
		assert.ErrorIs(t, err, perferr.ErrMissingRedist)
	})

	t.Run("permission denied names the side", func(t *testing.T) {
		h := newHarness()
		host := &connect.Mock{ExecuteFunc: func(context.Context, connect.Command) (connect.Result, error) {
			return connect.Result{}, fmt.Errorf("start: %w", fs.ErrPermission)
		}}
		_, err := h.strategy(t, "local").Run(context.Background(), k,
			Target{Host: host, Device: host, Index: -1, Info: selfBoot()},
			parse(t, k, "local", "--size 10"))
		assert.ErrorIs(t, err, perferr.ErrNoPermission)
		assert.Contains(t, err.Error(), "host")
	})

	t.Run("hpcg name resolution hint", func(t *testing.T) {
		h := newHarness()
		hk := newFake(kernel.Config{Name: "hpcg", HostBinary: "fake"})
		host := &connect.Mock{ExecuteFunc: func(context.Context, connect.Command) (connect.Result, error) {
			return connect.Result{Stderr: "Temporary failure in name resolution", ExitCode: 1}, nil
		}}
		_, err := h.strategy(t, "local").Run(context.Background(), hk,
			Target{Host: host, Device: host, Index: -1, Info: selfBoot()},
			parse(t, hk, "local", "--size 10"))
		assert.ErrorIs(t, err, perferr.ErrProcess)
		assert.Contains(t, h.errw.String(), "127.0.0.1    node0")
	})

	t.Run("canceled context", func(t *testing.T) {
		h := newHarness()
		host := &connect.Mock{ExecuteFunc: kernelOutput}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := h.strategy(t, "local").Run(ctx, k,
			Target{Host: host, Device: host, Index: -1, Info: selfBoot()},
			parse(t, k, "local", "--size 10"))
		assert.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, host.CallsTo("Execute"))
	})

	t.Run("internal scaling mismatch", func(t *testing.T) {
		h := newHarness()
		host := &connect.Mock{ExecuteFunc: kernelOutput}
		_, err := h.strategy(t, "local").Run(context.Background(), scalingKernel{k},
			Target{Host: host, Device: host, Index: -1, Info: selfBoot()},
			parse(t, k, "local", "--size 10"))
		var pe *perferr.Error
		require.True(t, errors.As(err, &pe))
		assert.Equal(t, perferr.KindParse, pe.Kind)
	})
}

func TestRun_StrayDeviceProcesses(t *testing.T) {
	execTree(t)
	h := newHarness()
	k := newFake(kernel.Config{})
	host := &connect.Mock{Name: "host", ExecuteFunc: func(context.Context, connect.Command) (connect.Result, error) {
		return connect.Result{}, errors.New("host launch failed")
	}}
	dev := &connect.Mock{Name: "mic0", ExecuteFunc: kernelOutput}

	_, err := h.strategy(t, "scif").Run(context.Background(), k,
		Target{Host: host, Device: dev, Index: 0},
		parse(t, k, "scif", "--omp_num_threads 4 --size 10"))
	require.Error(t, err)

	execs := dev.CallsTo("Execute")
	require.GreaterOrEqual(t, len(execs), 2)
	assert.Equal(t, "/tmp/fake", execs[0].Command.Args[0], "the kernel is launched before any process is reaped")
	reaped := slices.IndexFunc(execs, func(c connect.MockCall) bool {
		return len(c.Command.Args) == 1 && strings.Contains(c.Command.Args[0], "pkill -9 fake")
	})
	assert.Greater(t, reaped, 0)
}

func TestRun_Native(t *testing.T) {
	_, devPath := execTree(t)
	h := newHarness()
	k := newFake(kernel.Config{})
	host := &connect.Mock{Name: "host"}
	dev := &connect.Mock{Name: "mic0", ExecuteFunc: kernelOutput}

	results, err := h.strategy(t, "native").Run(context.Background(), k,
		Target{Host: host, Device: dev, Index: 0},
		parse(t, k, "native", "--omp_num_threads 240 --size 10"))
	require.NoError(t, err)
	require.Len(t, results, 1)

	copies := dev.CallsTo("CopyTo")
	require.Len(t, copies, 1)
	assert.Equal(t, []string{devPath}, copies[0].Sources)
	assert.Equal(t, DeviceExecDir, copies[0].Dest)

	execs := dev.CallsTo("Execute")
	require.Len(t, execs, 2)
	run := execs[0].Command
	assert.Equal(t, []string{"/tmp/fake", "--size", "10"}, run.Args)
	assert.Equal(t, DeviceExecDir, run.Dir)
	assert.Equal(t, "240", run.Env["OMP_NUM_THREADS"])
	assert.Equal(t, []string{"rm", "-f", "/tmp/fake"}, execs[1].Command.Args)

	assert.Empty(t, host.CallsTo("Execute"))
	assert.Contains(t, h.out.String(), "fake size 10")
}

func TestRun_DeviceIndex(t *testing.T) {
	execTree(t)

	t.Run("index overrides the parameter", func(t *testing.T) {
		h := newHarness()
		k := newFake(kernel.Config{})
		host := &connect.Mock{ExecuteFunc: kernelOutput}
		_, err := h.strategy(t, "auto").Run(context.Background(), k,
			Target{Host: host, Device: host, Index: 1},
			parse(t, k, "auto", "--size 10 --device 0", "--size 20"))
		require.NoError(t, err)

		calls := host.CallsTo("Execute")
		require.Len(t, calls, 2)
		for _, c := range calls {
			i := slices.Index(c.Command.Args, "--device")
			require.GreaterOrEqual(t, i, 0)
			assert.Equal(t, "1", c.Command.Args[i+1])
		}
		assert.Equal(t, 1, strings.Count(flatten(h.errw.String()), "overriding with value 1"))
	})

	t.Run("kernel without device parameter", func(t *testing.T) {
		k := newFake(kernel.Config{Params: []string{"omp_num_threads", "size"}})
		host := &connect.Mock{ExecuteFunc: kernelOutput}
		target := Target{Host: host, Device: host}

		_, err := newHarness().strategy(t, "auto").Run(context.Background(), k, target, parse(t, k, "auto", "--size 10"))
		require.NoError(t, err)

		target.Index = 2
		_, err = newHarness().strategy(t, "auto").Run(context.Background(), k, target, parse(t, k, "auto", "--size 10"))
		assert.ErrorIs(t, err, params.ErrUnknownParam)
	})

	t.Run("pragma exports the device", func(t *testing.T) {
		k := newFake(kernel.Config{})
		host := &connect.Mock{ExecuteFunc: kernelOutput}
		_, err := newHarness().strategy(t, "pragma").Run(context.Background(), k,
			Target{Host: host, Device: host, Index: 1},
			parse(t, k, "pragma", "--size 10"))
		require.NoError(t, err)
		calls := host.CallsTo("Execute")
		require.Len(t, calls, 1)
		assert.Equal(t, "1", calls[0].Command.Env["OFFLOAD_DEVICES"])
	})
}

func TestRun_ParamFile(t *testing.T) {
	execTree(t)
	h := newHarness()
	k := newFake(kernel.Config{Grammar: params.File})
	k.paramFile = true
	host := &connect.Mock{ExecuteFunc: func(context.Context, connect.Command) (connect.Result, error) {
		return connect.Result{Stdout: "[ DESCRIPTION ] from file\n[ PERFORMANCE ] Task.Bandwidth 5 GB/s"}, nil
	}}

	results, err := h.strategy(t, "local").Run(context.Background(), k,
		Target{Host: host, Device: host, Index: -1, Info: selfBoot()},
		parse(t, k, "local", "--size 10"))
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, k.written, 1)

	calls := host.CallsTo("Execute")
	require.Len(t, calls, 1)
	assert.Equal(t, k.written[0], calls[0].Command.Args[1])

	_, err = os.Stat(filepath.Dir(k.written[0]))
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestRun_KernelLog(t *testing.T) {
	execTree(t)
	h := newHarness()
	var log bytes.Buffer
	h.cfg.KernelLog = &log
	k := newFake(kernel.Config{})
	host := &connect.Mock{ExecuteFunc: kernelOutput}

	_, err := h.strategy(t, "local").Run(context.Background(), k,
		Target{Host: host, Device: host, Index: -1, Info: selfBoot()},
		parse(t, k, "local", "--size 10"))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(log.String(), ux.Banner("fake")+"\n"))
	assert.Contains(t, log.String(), "[ PERFORMANCE ] Task.Bandwidth 10 GB/s R")
	assert.NotContains(t, h.out.String(), "Task.Bandwidth")
}
