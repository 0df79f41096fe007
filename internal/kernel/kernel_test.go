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
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/micperf/internal/deviceinfo"
	"github.com/AleutianAI/micperf/internal/params"
	"github.com/AleutianAI/micperf/internal/perferr"
	"github.com/AleutianAI/micperf/internal/stats"
	"github.com/AleutianAI/micperf/pkg/ux"
)

type fakeKernel struct {
	Base
}

func newFake(cfg Config) *fakeKernel {
	if cfg.Name == "" {
		cfg.Name = "fake"
	}
	return &fakeKernel{Base: NewBase(cfg)}
}

var _ Kernel = (*fakeKernel)(nil)

func quietConsole() (*ux.Console, *bytes.Buffer) {
	var out, errw bytes.Buffer
	return ux.NewConsole(&out, &errw), &errw
}

// =============================================================================
// Base
// =============================================================================

func TestBase_CategoryParams(t *testing.T) {
	k := newFake(Config{
		Categories: map[string][]string{
			CategoryScaling: {"--n 1", "--n 2", "--n 4"},
			CategoryTest:    {" "},
		},
	})

	t.Run("declared category", func(t *testing.T) {
		raws, err := k.CategoryParams(CategoryScaling, OffloadLocal)
		require.NoError(t, err)
		assert.Equal(t, []string{"--n 1", "--n 2", "--n 4"}, raws)
	})

	t.Run("optimal falls back to last scaling entry", func(t *testing.T) {
		raws, err := k.CategoryParams(CategoryOptimal, OffloadLocal)
		require.NoError(t, err)
		assert.Equal(t, []string{"--n 4"}, raws)
	})

	t.Run("unknown category", func(t *testing.T) {
		_, err := k.CategoryParams(CategoryScalingCore, OffloadLocal)
		assert.ErrorIs(t, err, ErrUnknownCategory)
		assert.Equal(t, perferr.ELookup, perferr.ExitCode(err))
	})

	t.Run("callers get a copy", func(t *testing.T) {
		raws, err := k.CategoryParams(CategoryScaling, OffloadLocal)
		require.NoError(t, err)
		raws[0] = "changed"
		again, _ := k.CategoryParams(CategoryScaling, OffloadLocal)
		assert.Equal(t, "--n 1", again[0])
	})

	t.Run("offload update hook", func(t *testing.T) {
		k := newFake(Config{
			Categories: map[string][]string{CategoryScaling: {"--block 336"}},
			UpdateParams: func(raws []string, offload string) []string {
				if offload != OffloadSCIF {
					return raws
				}
				return []string{strings.ReplaceAll(raws[0], "336", "1280")}
			},
		})
		raws, err := k.CategoryParams(CategoryOptimal, OffloadSCIF)
		require.NoError(t, err)
		assert.Equal(t, []string{"--block 1280"}, raws)
	})
}

func TestBase_IndependentVar(t *testing.T) {
	x, err := newFake(Config{Params: []string{"size", "num_thread"}}).IndependentVar(CategoryScaling)
	require.NoError(t, err)
	assert.Equal(t, "num_thread", x)

	x, err = newFake(Config{Params: []string{"num_thread", "num_core"}}).IndependentVar(CategoryScaling)
	require.NoError(t, err)
	assert.Equal(t, "num_core", x)

	_, err = newFake(Config{Params: []string{"size"}}).IndependentVar(CategoryScaling)
	assert.ErrorIs(t, err, ErrNoIndependentVar)
}

func TestBase_Help(t *testing.T) {
	k := newFake(Config{
		Name:     "stream",
		Params:   []string{"omp_num_threads", "size"},
		Defaults: map[string]string{"omp_num_threads": "68"},
	})

	assert.Equal(t,
		"Parameter help for kernel stream <param:default>:\n<omp_num_threads:68> <size>\n",
		k.Help("", OffloadLocal))
	assert.Equal(t,
		"Parameter help for kernel stream:\n    -n: num\n",
		k.Help("    -n: num", OffloadLocal))
}

func TestBase_OffloadDefaults(t *testing.T) {
	k := newFake(Config{
		Params:   []string{"block_size"},
		Defaults: map[string]string{"block_size": "336"},
		OffloadDefaults: func(offload string, d map[string]string) {
			if offload == OffloadSCIF {
				d["block_size"] = "1280"
			}
		},
	})
	assert.Equal(t, "1280", k.ParamDefaults(OffloadSCIF)["block_size"])
	assert.Equal(t, "336", k.ParamDefaults(OffloadLocal)["block_size"])
}

func TestBase_DefaultsFromOptimal(t *testing.T) {
	k := newFake(Config{
		Params:     []string{"omp_num_threads"},
		Defaults:   map[string]string{"omp_num_threads": "57"},
		Categories: map[string][]string{CategoryOptimal: {"--omp_num_threads 60", "--omp_num_threads 68"}},
	})
	require.NoError(t, k.DefaultsFromOptimal())
	assert.Equal(t, map[string]string{"omp_num_threads": "68"}, k.ParamDefaults(OffloadLocal))
}

func TestBase_OrderingKey(t *testing.T) {
	s, err := stats.NewStats(nil, "", stats.Perf{"Computation.Avg": {Value: 12, Units: "GFlops"}})
	require.NoError(t, err)

	_, ok := newFake(Config{}).OrderingKey(s)
	assert.False(t, ok)

	k := newFake(Config{OrderingTag: "Computation.Avg"})
	v, ok := k.OrderingKey(s)
	assert.True(t, ok)
	assert.Equal(t, 12.0, v)
	assert.True(t, k.ReverseOrdering())
	assert.False(t, newFake(Config{LowerIsBetter: true}).ReverseOrdering())
}

func TestBase_ParamFileUnsupported(t *testing.T) {
	_, err := newFake(Config{}).ParamFile(params.NewRaw(""))
	assert.ErrorIs(t, err, ErrNoParamFile)
}

// =============================================================================
// Default parsers
// =============================================================================

const sampleOutput = `some banner
[ DESCRIPTION ] 1000 x 1000 DGEMM with 4 threads
[ PERFORMANCE ] Computation.Avg 123.5 GFlops R
[ PERFORMANCE ] Computation.Max 130 GFlops
done`

func TestDefaultParsers(t *testing.T) {
	assert.Equal(t, "1000 x 1000 DGEMM with 4 threads", DefaultDescription(sampleOutput))
	assert.Equal(t, "", DefaultDescription("nothing here"))

	perf, err := DefaultPerformance(sampleOutput)
	require.NoError(t, err)
	assert.Equal(t, stats.Perf{
		"Computation.Avg": {Value: 123.5, Units: "GFlops", Rollup: true},
		"Computation.Max": {Value: 130, Units: "GFlops"},
	}, perf)

	t.Run("incomplete line", func(t *testing.T) {
		_, err := DefaultPerformance("[ PERFORMANCE ] Task.Time 1\n")
		assert.Error(t, err)
	})

	t.Run("self check on failure", func(t *testing.T) {
		console, errw := quietConsole()
		k := newFake(Config{Console: console})
		_, err := k.ParsePerformance("[ PERFORMANCE ] Task.Time abc s\n")
		assert.ErrorIs(t, err, perferr.ErrSelfCheck)
		assert.Contains(t, errw.String(), "Failed parsing output of fake")
	})
}

func TestAddRollup(t *testing.T) {
	raw := "[ PERFORMANCE ] Task.Bandwidth 12 GB/s\n[ PERFORMANCE ] Task.Bandwidth.Copy 10 GB/s\n[ PERFORMANCE ] Task.Bandwidth 13 GB/s R"
	got := AddRollup(raw, "Task.Bandwidth")
	assert.Equal(t,
		"[ PERFORMANCE ] Task.Bandwidth 12 GB/s R\n[ PERFORMANCE ] Task.Bandwidth.Copy 10 GB/s\n[ PERFORMANCE ] Task.Bandwidth 13 GB/s R",
		got)
}

func TestKeyValues(t *testing.T) {
	kv := KeyValues("fixed M: 1000\nratio: 1:2\n  threads used : 4 \n")
	assert.Equal(t, map[string]string{"fixed M": "1000", "threads used": "4"}, kv)
}

// =============================================================================
// Executables
// =============================================================================

func TestFindExecutable(t *testing.T) {
	root := t.TempDir()
	t.Setenv(EnvExecDir, root)
	t.Setenv("PATH", "")

	require.NoError(t, os.MkdirAll(filepath.Join(root, HostArch), 0o755))
	hostBin := filepath.Join(root, HostArch, "stream")
	require.NoError(t, os.WriteFile(hostBin, []byte("#!/bin/sh\n"), 0o755))

	got, err := FindExecutable("stream", HostArch, "stream")
	require.NoError(t, err)
	assert.Equal(t, hostBin, got)

	_, err = FindExecutable("stream", DeviceArch, "stream_mic")
	assert.ErrorIs(t, err, ErrNoExecutable)
	assert.Equal(t, perferr.ELib, perferr.ExitCode(err))

	t.Run("host falls back to PATH", func(t *testing.T) {
		bin := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(bin, "fio"), []byte("#!/bin/sh\n"), 0o755))
		t.Setenv("PATH", bin)
		got, err := FindExecutable("fio", HostArch, "fio")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(bin, "fio"), got)
	})
}

func TestSearchTreeAndMKLRoot(t *testing.T) {
	root := t.TempDir()
	deep := filepath.Join(root, "benchmarks", "linpack")
	require.NoError(t, os.MkdirAll(deep, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(deep, "xlinpack_xeon64"), nil, 0o755))

	assert.Equal(t, filepath.Join(deep, "xlinpack_xeon64"), SearchTree(root, "xlinpack_xeon64"))
	assert.Equal(t, "", SearchTree(root, "xhpl_intel64"))

	t.Setenv(EnvMKLRoot, "")
	_, err := MKLRoot("linpack")
	assert.ErrorIs(t, err, ErrNoExecutable)
	assert.ErrorContains(t, err, "MKLROOT not in environment")

	t.Setenv(EnvMKLRoot, root)
	got, err := MKLRoot("linpack")
	require.NoError(t, err)
	assert.Equal(t, root, got)
}

func TestScratchDir(t *testing.T) {
	a, err := ScratchDir("micperf_test_")
	require.NoError(t, err)
	defer os.RemoveAll(a)
	b, err := ScratchDir("micperf_test_")
	require.NoError(t, err)
	defer os.RemoveAll(b)

	assert.NotEqual(t, a, b)
	assert.DirExists(t, a)
	assert.True(t, strings.HasPrefix(filepath.Base(a), "micperf_test_"))
}

// =============================================================================
// Parameter sets
// =============================================================================

func TestParseParams(t *testing.T) {
	t.Run("environment parameters stay off the command line", func(t *testing.T) {
		k := newFake(Config{
			Params:    []string{"omp_num_threads", "size"},
			Defaults:  map[string]string{"omp_num_threads": "68"},
			EnvParams: []string{"omp_num_threads"},
			Grammar:   params.Value,
		})
		sets, err := ParseParams(k, []string{"--size 10", " "}, OffloadLocal)
		require.NoError(t, err)
		require.Len(t, sets, 2)

		args, err := sets[0].Args(params.Value)
		require.NoError(t, err)
		assert.Equal(t, []string{"--size", "10"}, args)
		v, ok, err := sets[0].Get("omp_num_threads")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "68", v)
		assert.Contains(t, sets[0].String(), "--omp_num_threads 68")
	})

	t.Run("kernels without names are positional", func(t *testing.T) {
		sets, err := ParseParams(newFake(Config{}), []string{"1 2 3"}, OffloadLocal)
		require.NoError(t, err)
		assert.Equal(t, 3, sets[0].NumParam())
	})

	t.Run("help", func(t *testing.T) {
		k := newFake(Config{Params: []string{"size"}})
		_, err := ParseParams(k, []string{"--help"}, OffloadLocal)
		assert.True(t, params.IsHelp(err))
	})

	t.Run("validator", func(t *testing.T) {
		k := newFake(Config{Params: []string{"omp_num_threads"}, Validator: params.StreamValidator()})
		_, err := ParseParams(k, []string{"--omp_num_threads -3"}, OffloadLocal)
		assert.ErrorIs(t, err, params.ErrInvalidType)
	})
}

func TestSupports(t *testing.T) {
	k := newFake(Config{Offloads: []string{OffloadNative, OffloadLocal}})
	assert.True(t, Supports(k, OffloadLocal))
	assert.False(t, Supports(k, OffloadSCIF))
}

// =============================================================================
// Registry
// =============================================================================

func fakeFactory(name string) Factory {
	return func(deviceinfo.Info) (Kernel, error) {
		return newFake(Config{Name: name}), nil
	}
}

func TestRegistry(t *testing.T) {
	console, errw := quietConsole()
	r := NewRegistry(console)
	require.NoError(t, r.Register("stream", fakeFactory("stream")))
	require.NoError(t, r.Register("dgemm", fakeFactory("dgemm")))

	t.Run("duplicate", func(t *testing.T) {
		err := r.Register("stream", fakeFactory("stream"))
		assert.ErrorIs(t, err, ErrAlreadyRegistered)
		assert.Panics(t, func() { r.MustRegister("dgemm", fakeFactory("dgemm")) })
	})

	t.Run("nil factory", func(t *testing.T) {
		assert.ErrorIs(t, r.Register("x", nil), ErrNilFactory)
	})

	t.Run("sorted names", func(t *testing.T) {
		assert.Equal(t, []string{"dgemm", "stream"}, r.Names())
	})

	t.Run("deprecated names warn once", func(t *testing.T) {
		k, err := r.Create("stream_mccalpin", deviceinfo.Info{})
		require.NoError(t, err)
		assert.Equal(t, "stream", k.Name())
		_, err = r.Create("stream_mccalpin", deviceinfo.Info{})
		require.NoError(t, err)
		assert.Equal(t, 1, strings.Count(errw.String(), "Kernel name stream_mccalpin deprecated, use stream"))
	})

	t.Run("unknown kernel lists names", func(t *testing.T) {
		_, err := r.Create("nbody", deviceinfo.Info{})
		assert.ErrorIs(t, err, ErrUnknownKernel)
		assert.ErrorContains(t, err, "dgemm, stream")
		assert.Equal(t, perferr.ELookup, perferr.ExitCode(err))
	})

	t.Run("create all", func(t *testing.T) {
		ks, err := r.CreateAll([]string{"dgemm_mkl", "stream"}, deviceinfo.Info{})
		require.NoError(t, err)
		require.Len(t, ks, 2)
		assert.Equal(t, "dgemm", ks[0].Name())
	})
}
