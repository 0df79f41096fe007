// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stats

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/micperf/internal/deviceinfo"
)

func storedRun(t *testing.T, tag, version string, info deviceinfo.Info) *Collection {
	t.Helper()
	info.Version = version
	console, _, _ := quietConsole()
	c := NewCollection(RunArgs{Offloads: "local", Category: "scaling"}, tag, info, console)
	require.NoError(t, c.Append("dgemm", "local", "K_size", []*Stats{gflops(t, 100)}))
	return c
}

func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()
	info := coprocessor()

	for _, c := range []*Collection{
		storedRun(t, "a_scaling", "3.7", info),
		storedRun(t, "c_scaling", "3.8", info),
		storedRun(t, "b_optimal", "3.8", info),
	} {
		_, err := s.Save(ctx, c)
		require.NoError(t, err)
	}

	tags, err := s.Tags(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c_scaling", "b_optimal", "a_scaling"}, tags)

	c, err := s.Load(ctx, "c_scaling")
	require.NoError(t, err)
	assert.Equal(t, "3.8", c.Info.Version)
	require.Len(t, c.StatList("dgemm", "local__c_scaling"), 1)
	assert.Equal(t, "--omp_num_threads 4", c.StatList("dgemm", "local")[0].Params.String())

	_, err = s.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrTagNotFound)
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir)
	exerciseStore(t, s)

	_, err := os.Stat(filepath.Join(dir, "micp_run_stats_c_scaling.json"))
	assert.NoError(t, err)

	t.Run("missing directory has no tags", func(t *testing.T) {
		tags, err := NewFileStore(filepath.Join(dir, "nope")).Tags(context.Background())
		require.NoError(t, err)
		assert.Empty(t, tags)
	})

	t.Run("environment default", func(t *testing.T) {
		t.Setenv("MIC_PERF_DATA", dir)
		assert.Equal(t, dir, NewFileStore("").Dir())
	})
}

func TestBadgerStore(t *testing.T) {
	s, err := OpenBadgerStore(InMemoryBadgerConfig())
	require.NoError(t, err)
	defer s.Close()

	exerciseStore(t, s)

	require.NoError(t, s.Delete(context.Background(), "a_scaling"))
	tags, err := s.Tags(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"c_scaling", "b_optimal"}, tags)

	_, err = OpenBadgerStore(BadgerConfig{})
	assert.Error(t, err, "persistent store needs a path")
}

func TestByTag(t *testing.T) {
	ctx := context.Background()
	s := NewFileStore(t.TempDir())
	info := coprocessor()
	info.Version = "3.8"

	other := info
	other.Cores = 57

	for _, c := range []*Collection{
		storedRun(t, "ref_optimal", "3.8", info),
		storedRun(t, "zzz_other_optimal", "3.8", other),
	} {
		_, err := s.Save(ctx, c)
		require.NoError(t, err)
	}

	t.Run("stored tag", func(t *testing.T) {
		c, err := ByTag(ctx, s, "ref_optimal", info)
		require.NoError(t, err)
		assert.Equal(t, "ref_optimal", c.Tag)
	})

	t.Run("filter", func(t *testing.T) {
		c, err := ByTag(ctx, s, "filter:same_sku", info)
		require.NoError(t, err)
		assert.Equal(t, "ref_optimal", c.Tag)
	})

	t.Run("test", func(t *testing.T) {
		c, err := ByTag(ctx, s, "test:optimal", info)
		require.NoError(t, err)
		assert.Equal(t, "ref_optimal", c.Tag)
	})

	t.Run("unknown filter", func(t *testing.T) {
		_, err := ByTag(ctx, s, "filter:bogus", info)
		assert.ErrorIs(t, err, ErrUnknownFilter)
	})

	t.Run("unknown tag", func(t *testing.T) {
		_, err := ByTag(ctx, s, "nothing", info)
		assert.ErrorIs(t, err, ErrTagNotFound)
	})
}

func TestForRegressionTest(t *testing.T) {
	ctx := context.Background()
	info := coprocessor()

	save := func(t *testing.T, s Store, runs ...*Collection) {
		for _, c := range runs {
			_, err := s.Save(ctx, c)
			require.NoError(t, err)
		}
	}

	t.Run("newest version not above current", func(t *testing.T) {
		s := NewFileStore(t.TempDir())
		save(t, s,
			storedRun(t, "old_scaling", "3.6", info),
			storedRun(t, "mid_scaling", "3.7.1", info),
			storedRun(t, "new_scaling", "3.9", info),
		)
		current := info
		current.Version = "3.8"
		c, err := ForRegressionTest(ctx, s, "scaling", current)
		require.NoError(t, err)
		assert.Equal(t, "mid_scaling", c.Tag)
	})

	t.Run("ambiguous", func(t *testing.T) {
		s := NewFileStore(t.TempDir())
		save(t, s, storedRun(t, "a_scaling", "3.8", info), storedRun(t, "b_scaling", "3.8", info))
		current := info
		current.Version = "3.8"
		_, err := ForRegressionTest(ctx, s, "scaling", current)
		assert.ErrorIs(t, err, ErrNoReference)
		assert.ErrorContains(t, err, "multiple")
	})

	t.Run("no matching hardware", func(t *testing.T) {
		s := NewFileStore(t.TempDir())
		save(t, s, storedRun(t, "a_scaling", "3.8", info))
		current := info
		current.Cores = 8
		_, err := ForRegressionTest(ctx, s, "scaling", current)
		assert.ErrorContains(t, err, "same sku")
	})

	t.Run("tag must contain the test name", func(t *testing.T) {
		s := NewFileStore(t.TempDir())
		save(t, s, storedRun(t, "a_scaling", "3.8", info))
		current := info
		current.Version = "3.8"
		_, err := ForRegressionTest(ctx, s, "optimal", current)
		assert.ErrorContains(t, err, "tag containing optimal")
	})
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"3.8", "3.8", 0},
		{"3.7.1", "3.8", -1},
		{"4.0.0", "3.9", 1},
		{"2.1.4346-16", "2.1.3653-8", 1},
		{"3.8", "3.8.1-rc1", -1},
		{"3.10", "3.9", 1},
	}
	for _, tt := range tests {
		t.Run(tt.a+"_"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.want, CompareVersions(tt.a, tt.b))
		})
	}
}

func TestSummaryCSV(t *testing.T) {
	ctx := context.Background()
	s := NewFileStore(t.TempDir())

	info := deviceinfo.Info{Index: -1, SelfBoot: true, ModelName: "Intel(R) Xeon Phi(TM) CPU 7250 @ 1.40GHz", Version: "4.0"}
	console, _, _ := quietConsole()
	c := NewCollection(RunArgs{Offloads: "local", Category: "scaling"}, "", info, console)
	require.NoError(t, c.Append("stream", "local", "omp_num_threads", []*Stats{
		mustStats(t, threads("34"), "STREAM", Perf{"Task.Bandwidth": {Value: 401.256, Units: "GB/s", Rollup: true}}),
		mustStats(t, threads("68"), "STREAM", Perf{"Task.Bandwidth": {Value: 455.1, Units: "GB/s", Rollup: true}}),
	}))
	_, err := s.Save(ctx, c)
	require.NoError(t, err)

	ignored := NewCollection(RunArgs{Offloads: "local", Category: "optimal"}, "", info, console)
	_, err = s.Save(ctx, ignored)
	require.NoError(t, err)

	out, err := SummaryCSV(ctx, s, true)
	require.NoError(t, err)
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, " , SGEMM (GF/s), DGEMM (GF/s), STREAM (Triad) (GB/s), HPLinpack (GF/s), HPCG (GF/s), SMP Linpack (GF/s)", lines[0])
	assert.Equal(t, "7250, N/A, N/A, 455.10, N/A, N/A, N/A", lines[1])
	assert.Equal(t, "Parameters, N/A, N/A, 68, N/A, N/A, N/A", lines[2])
}
