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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/samber/lo"
	"golang.org/x/mod/semver"

	"github.com/AleutianAI/micperf/internal/deviceinfo"
	"github.com/AleutianAI/micperf/internal/perferr"
)

// DefaultDataDir is used when MIC_PERF_DATA is not set.
const DefaultDataDir = "/usr/share/micperf/data"

const (
	storePrefix = "micp_run_stats_"
	storeExt    = ".json"
)

var (
	// ErrTagNotFound is returned when no stored run matches a tag.
	ErrTagNotFound = &perferr.Error{Kind: perferr.KindLookup, Msg: "no stored run with this tag"}

	// ErrUnknownFilter is returned for filter names other than same_sku,
	// same_hw and lower_version.
	ErrUnknownFilter = &perferr.Error{Kind: perferr.KindLookup, Msg: "unknown filter"}

	// ErrNoReference is returned when ForRegressionTest finds no unique
	// reference run.
	ErrNoReference = &perferr.Error{Kind: perferr.KindLookup, Msg: "no reference run"}
)

// Store persists collections by tag.
type Store interface {
	// Save persists c under its tag, replacing an earlier run with the
	// same tag. It returns where the run was stored.
	Save(ctx context.Context, c *Collection) (string, error)

	// Tags lists stored tags in descending order.
	Tags(ctx context.Context) ([]string, error)

	// Load returns the run stored under tag, or ErrTagNotFound.
	Load(ctx context.Context, tag string) (*Collection, error)

	// Close releases the store.
	Close() error
}

// =============================================================================
// File store
// =============================================================================

// FileStore keeps one JSON file per run, "micp_run_stats_<tag>.json".
type FileStore struct {
	dir string
}

// NewFileStore opens the store in dir. An empty dir uses MIC_PERF_DATA,
// then DefaultDataDir.
func NewFileStore(dir string) *FileStore {
	if dir == "" {
		dir = os.Getenv("MIC_PERF_DATA")
	}
	if dir == "" {
		dir = DefaultDataDir
	}
	return &FileStore{dir: dir}
}

// Dir returns the directory the store reads and writes.
func (s *FileStore) Dir() string { return s.dir }

// Path returns the file a tag is stored in.
func (s *FileStore) Path(tag string) string {
	return filepath.Join(s.dir, storePrefix+tag+storeExt)
}

// Save implements Store.
func (s *FileStore) Save(_ context.Context, c *Collection) (string, error) {
	data, err := c.MarshalIndent()
	if err != nil {
		return "", perferr.Wrap(perferr.KindIO, err, "encoding run %s", c.Tag)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", perferr.Wrap(perferr.KindIO, err, "creating %s", s.dir)
	}
	path := s.Path(c.Tag)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", perferr.Wrap(perferr.KindIO, err, "writing %s", path)
	}
	return path, nil
}

// Tags implements Store. A missing directory holds no tags.
func (s *FileStore) Tags(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, perferr.Wrap(perferr.KindIO, err, "listing %s", s.dir)
	}
	var tags []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, storePrefix) || !strings.HasSuffix(name, storeExt) {
			continue
		}
		tags = append(tags, strings.TrimSuffix(strings.TrimPrefix(name, storePrefix), storeExt))
	}
	slices.Sort(tags)
	slices.Reverse(tags)
	return tags, nil
}

// Load implements Store.
func (s *FileStore) Load(_ context.Context, tag string) (*Collection, error) {
	data, err := os.ReadFile(s.Path(tag))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrTagNotFound, tag)
	}
	if err != nil {
		return nil, perferr.Wrap(perferr.KindIO, err, "reading run %s", tag)
	}
	c, err := DecodeCollection(data)
	if err != nil {
		return nil, perferr.Wrap(perferr.KindParse, err, "run %s", tag)
	}
	return c, nil
}

// Close implements Store.
func (s *FileStore) Close() error { return nil }

var _ Store = (*FileStore)(nil)

// =============================================================================
// Lookups
// =============================================================================

// ByTag resolves a tag expression against the store.
//
// # Description
//
// A stored tag loads that run. "filter:<name>" returns the first run,
// in tag order, that passes the named filter against current.
// "test:<category>" returns the reference ForRegressionTest selects.
func ByTag(ctx context.Context, s Store, tag string, current deviceinfo.Info) (*Collection, error) {
	tags, err := s.Tags(ctx)
	if err != nil {
		return nil, err
	}
	if slices.Contains(tags, tag) {
		return s.Load(ctx, tag)
	}
	kind, name, ok := strings.Cut(tag, ":")
	if ok {
		switch kind {
		case "filter":
			runs, err := ByFilter(ctx, s, name, current)
			if err != nil {
				return nil, err
			}
			if len(runs) > 0 {
				return runs[0], nil
			}
		case "test":
			return ForRegressionTest(ctx, s, name, current)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTagNotFound, tag)
}

// Filter selects stored runs relative to the current device.
type Filter func(stored, current deviceinfo.Info) bool

// Filters are the named filters usable in "filter:<name>".
var Filters = map[string]Filter{
	"same_sku": func(stored, current deviceinfo.Info) bool {
		return stored.HWHash() == current.HWHash()
	},
	"same_hw": func(stored, current deviceinfo.Info) bool {
		return stored.Codename() == current.Codename() &&
			stored.SKU() == current.SKU() &&
			stored.Cores == current.Cores
	},
	"lower_version": func(stored, current deviceinfo.Info) bool {
		return CompareVersions(stored.Version, current.Version) <= 0
	},
}

func init() {
	Filters["lower_mpss_version"] = Filters["lower_version"]
}

// ByFilter returns every stored run passing the named filter, in tag
// order.
func ByFilter(ctx context.Context, s Store, name string, current deviceinfo.Info) ([]*Collection, error) {
	filter, ok := Filters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFilter, name)
	}
	runs, err := All(ctx, s)
	if err != nil {
		return nil, err
	}
	return lo.Filter(runs, func(c *Collection, _ int) bool {
		return filter(c.Info, current)
	}), nil
}

// All loads every stored run in tag order.
func All(ctx context.Context, s Store) ([]*Collection, error) {
	tags, err := s.Tags(ctx)
	if err != nil {
		return nil, err
	}
	runs := make([]*Collection, 0, len(tags))
	for _, tag := range tags {
		c, err := s.Load(ctx, tag)
		if err != nil {
			return nil, err
		}
		runs = append(runs, c)
	}
	return runs, nil
}

// ForRegressionTest picks the reference run for a regression test.
//
// # Description
//
// Candidates must have the same hardware hash as current and a version
// no newer than current's. Of those, only the newest version is kept,
// and its tag must contain testName. Exactly one run must remain.
func ForRegressionTest(ctx context.Context, s Store, testName string, current deviceinfo.Info) (*Collection, error) {
	runs, err := ByFilter(ctx, s, "same_sku", current)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("%w: could not find reference file with same sku", ErrNoReference)
	}
	runs = lo.Filter(runs, func(c *Collection, _ int) bool {
		return CompareVersions(c.Info.Version, current.Version) <= 0
	})
	if len(runs) == 0 {
		return nil, fmt.Errorf("%w: could not find reference file with same sku and lower or equal version", ErrNoReference)
	}
	newest := lo.MaxBy(runs, func(a, b *Collection) bool {
		return CompareVersions(a.Info.Version, b.Info.Version) > 0
	}).Info.Version
	runs = lo.Filter(runs, func(c *Collection, _ int) bool {
		return c.Info.Version == newest && strings.Contains(c.Tag, testName)
	})
	switch len(runs) {
	case 0:
		return nil, fmt.Errorf("%w: could not find reference file with same sku and lower version and tag containing %s",
			ErrNoReference, testName)
	case 1:
		return runs[0], nil
	default:
		return nil, fmt.Errorf("%w: found multiple reference files that match comparison criterion", ErrNoReference)
	}
}

// CompareVersions orders two version strings, -1, 0 or +1.
//
// Semantic versions compare with semver; anything else compares
// component by component, numbers numerically.
func CompareVersions(a, b string) int {
	va, vb := "v"+strings.TrimPrefix(a, "v"), "v"+strings.TrimPrefix(b, "v")
	if semver.IsValid(va) && semver.IsValid(vb) {
		return semver.Compare(va, vb)
	}
	return looseCompare(a, b)
}

func looseCompare(a, b string) int {
	split := func(s string) []string {
		return strings.FieldsFunc(s, func(r rune) bool {
			return r == '.' || r == '-' || r == '_' || r == '+'
		})
	}
	pa, pb := split(a), split(b)
	for i := range min(len(pa), len(pb)) {
		na, errA := strconv.Atoi(pa[i])
		nb, errB := strconv.Atoi(pb[i])
		var c int
		if errA == nil && errB == nil {
			c = cmpInt(na, nb)
		} else {
			c = strings.Compare(pa[i], pb[i])
		}
		if c != 0 {
			return c
		}
	}
	return cmpInt(len(pa), len(pb))
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// =============================================================================
// Summary table
// =============================================================================

type summaryColumn struct {
	kernel   string
	offloads []string
	param    string
}

var processorSummary = struct {
	header  []string
	columns []summaryColumn
}{
	header: []string{" ", "SGEMM (GF/s)", "DGEMM (GF/s)", "STREAM (Triad) (GB/s)",
		"HPLinpack (GF/s)", "HPCG (GF/s)", "SMP Linpack (GF/s)"},
	columns: []summaryColumn{
		{"sgemm", []string{"local"}, "K_size"},
		{"dgemm", []string{"local"}, "K_size"},
		{"stream", []string{"local"}, "omp_num_threads"},
		{"hplinpack", []string{"local"}, "problem_size"},
		{"hpcg", []string{"local"}, "problem_size"},
		{"linpack", []string{"local"}, "matrix_size"},
	},
}

var coprocessorSummary = struct {
	header  []string
	columns []summaryColumn
}{
	header: []string{" ", "SGEMM pragma/native (GF/s)", "DGEMM pragma/native (GF/s)",
		"SMP Linpack native (GF/s)", "PCIeDownload pragma/scif (GB/s)",
		"PCIeReadback pragma/scif (GB/s)", "STREAM (Triad) (GB/s)"},
	columns: []summaryColumn{
		{"sgemm", []string{"pragma", "native"}, "K_size"},
		{"dgemm", []string{"pragma", "native"}, "K_size"},
		{"linpack", []string{"native"}, "matrix_size"},
		{"shoc_download", []string{"pragma", "scif"}, "DESCRIPTION"},
		{"shoc_readback", []string{"pragma", "scif"}, "DESCRIPTION"},
		{"stream", []string{"native"}, "omp_num_threads"},
	},
}

// SummaryCSV tabulates the optimal result of the headline kernels across
// every stored "scaling" run, one row pair per run: the values and the
// parameters that produced them. Kernels a run lacks show "N/A".
func SummaryCSV(ctx context.Context, s Store, selfBoot bool) (string, error) {
	layout := coprocessorSummary
	if selfBoot {
		layout = processorSummary
	}
	tags, err := s.Tags(ctx)
	if err != nil {
		return "", err
	}
	var rows []string
	for _, tag := range tags {
		if !strings.Contains(tag, "scaling") {
			continue
		}
		c, err := s.Load(ctx, tag)
		if err != nil {
			return "", err
		}
		name := c.Info.SKU()
		if !c.Info.SelfBoot {
			name = c.Info.HWHash()
		}
		line := []string{name}
		pline := []string{"Parameters"}
		for _, col := range layout.columns {
			var values, params []string
			for _, off := range col.offloads {
				v, p := summaryCell(c, col, off)
				values = append(values, v)
				params = append(params, p)
			}
			line = append(line, strings.Join(values, " / "))
			pline = append(pline, strings.Join(params, " / "))
		}
		rows = append(rows, strings.Join(line, ", ")+"\n"+strings.Join(pline, ", "))
	}
	slices.Sort(rows)
	rows = slices.Insert(rows, 0, strings.Join(layout.header, ", "))
	return strings.Join(rows, "\n"), nil
}

func summaryCell(c *Collection, col summaryColumn, offload string) (string, string) {
	key, ok := lo.Find(c.OffloadKeys(col.kernel), func(k string) bool {
		return strings.HasPrefix(k, offload)
	})
	if !ok {
		return "N/A", "N/A"
	}
	stat := c.OptimalStat(col.kernel, key)
	if stat == nil {
		return "N/A", "N/A"
	}
	fields := strings.Split(stat.CSV(true), ", ")
	value := "N/A"
	if f, err := strconv.ParseFloat(fields[len(fields)-1], 64); err == nil {
		value = fmt.Sprintf("%.2f", f)
	}
	param := "N/A"
	if col.param == "DESCRIPTION" {
		words := strings.Fields(stat.Desc)
		if len(words) > 0 && len(words[len(words)-1]) > 2 {
			last := words[len(words)-1]
			if n, err := strconv.Atoi(last[:len(last)-2]); err == nil {
				param = strconv.Itoa(n/1024) + "MB"
			}
		}
	} else if stat.Params != nil {
		if v, ok, err := stat.Params.Get(col.param); err == nil && ok {
			param = v
		}
	}
	return value, param
}
