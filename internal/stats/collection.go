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
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/AleutianAI/micperf/internal/deviceinfo"
	"github.com/AleutianAI/micperf/pkg/ux"
)

// offloadTagSep joins an offload method and a run tag in collection keys.
const offloadTagSep = "__"

// extSuffix is appended to offload keys that collide during Extend.
const extSuffix = " ext"

// DeprecatedKernelNames maps legacy kernel names to their current names.
// Stored runs and command lines may still use the old ones.
var DeprecatedKernelNames = map[string]string{
	"1dfft":           "onedfft",
	"1dfft_streaming": "onedfft_streaming",
	"2dfft":           "twodfft",
	"dgemm_mkl":       "dgemm",
	"sgemm_mkl":       "sgemm",
	"linpack_dp":      "linpack",
	"stream_mccalpin": "stream",
}

// ErrXNameMismatch is returned when stats for one kernel are appended
// with different independent variables.
var ErrXNameMismatch = errors.New("independent variable must be the same for all stats of a kernel")

var badTagChar = regexp.MustCompile(`[^\w.-]`)

// RunArgs records what a run was asked to do. A compare run inherits
// these from the stored reference.
type RunArgs struct {
	KernelNames string `json:"kernel_names"`
	Offloads    string `json:"offload_methods"`
	Category    string `json:"category"`
	KernelArgs  string `json:"kernel_args"`
	Device      string `json:"device"`
	DeviceIndex int    `json:"device_index"`
}

// IsOptimal reports whether the category is optimal or optimal_quick.
func (a RunArgs) IsOptimal() bool {
	return strings.HasPrefix(a.Category, "optimal")
}

// SplitOffload splits a collection key "offload__tag" into its parts.
// ok is false when the key carries no tag.
func SplitOffload(key string) (offload, tag string, ok bool) {
	return strings.Cut(key, offloadTagSep)
}

// =============================================================================
// Collection
// =============================================================================

// Collection groups the stats of one run, or of several merged runs.
//
// # Description
//
// Results are keyed by kernel and then by "offload__tag", so a merged
// collection keeps the runs apart while comparisons match on the offload
// part alone. The independent variable of each kernel is recorded for
// plotting.
type Collection struct {
	Tag      string                         `json:"tag"`
	RunID    string                         `json:"run_id,omitempty"`
	Created  time.Time                      `json:"created"`
	Info     deviceinfo.Info                `json:"info"`
	Args     RunArgs                        `json:"args"`
	Results  map[string]map[string][]*Stats `json:"results"`
	XNames   map[string]string              `json:"x_names"`
	Extended bool                           `json:"extended"`
}

// NewCollection creates an empty collection and builds its run tag.
//
// # Inputs
//
//   - args: The run arguments.
//   - tag: A user supplied tag. Empty builds one from info and args.
//     Characters outside [\w.-] are replaced by "-" with a warning.
//   - info: The device the run executes on.
//   - console: Receives the tag warning. nil uses ux.Default().
func NewCollection(args RunArgs, tag string, info deviceinfo.Info, console *ux.Console) *Collection {
	if console == nil {
		console = ux.Default()
	}
	c := &Collection{
		Created: time.Now().UTC(),
		Info:    info,
		Args:    args,
		Results: map[string]map[string][]*Stats{},
		XNames:  map[string]string{},
	}
	if tag == "" {
		c.Tag = BuildTag(args, info)
	} else {
		c.Tag = badTagChar.ReplaceAllString(tag, "-")
		if c.Tag != tag {
			console.Print(ux.CatWarn, "Replaced non-alphanumeric characters in tag.")
			console.PrintRaw("", "    IN: "+tag+"\n   OUT: "+c.Tag)
		}
	}
	if info.SelfBoot {
		if info.MCDRAMAvailable() {
			c.Tag = "mcdram_" + c.Tag
		} else {
			c.Tag = "ddr_" + c.Tag
		}
	}
	return c
}

// BuildTag returns the default run tag.
//
// Self-boot hosts use "<sku>_<os>_micperf-<ver>_<offload>[_<category>]";
// coprocessors use "<hwhash>_mpss-<ver>_<offload>[_<category>]_mic<idx>".
func BuildTag(args RunArgs, info deviceinfo.Info) string {
	parts := []string{}
	if info.SelfBoot {
		osName := info.OSName + "-" + info.OSVersion
		parts = append(parts, info.SKU(), osName, "micperf-"+info.Version)
	} else {
		parts = append(parts, info.HWHash(), "mpss-"+info.Version)
	}
	parts = append(parts, strings.ReplaceAll(args.Offloads, "_", "-"))
	if args.Category != "" {
		parts = append(parts, strings.ReplaceAll(args.Category, "_", "-"))
	}
	if !info.SelfBoot {
		parts = append(parts, "mic"+strconv.Itoa(args.DeviceIndex))
	}
	return badTagChar.ReplaceAllString(strings.Join(parts, "_"), "-")
}

// Append adds stats for a kernel and offload, tagged with this run.
//
// # Outputs
//
//   - error: ErrXNameMismatch when xName differs from the independent
//     variable recorded for the kernel earlier.
func (c *Collection) Append(kernel, offload, xName string, stats []*Stats) error {
	if prev, ok := c.XNames[kernel]; ok && prev != xName {
		return fmt.Errorf("%w: kernel %s uses %q, got %q", ErrXNameMismatch, kernel, prev, xName)
	}
	c.XNames[kernel] = xName
	key := offload + offloadTagSep + c.Tag
	if c.Results[kernel] == nil {
		c.Results[kernel] = map[string][]*Stats{}
	}
	c.Results[kernel][key] = append(c.Results[kernel][key], stats...)
	return nil
}

// Extend merges the results of other into c for comparison plots and
// reports.
//
// # Description
//
// The merge works on a copy of other, normalized first: deprecated
// kernel names are renamed, "linux_native" offloads become "native", and
// the gemm "Computation.Avg" tag is renamed to "Host.Computation.Avg"
// for pragma and "Task.Computation.Avg" for native results. Only kernels
// present in both collections, and offloads whose base name c already
// has, are merged. A key that already exists in c gets " ext" appended
// until it is unique, so no result is lost.
func (c *Collection) Extend(other *Collection) {
	c.Extended = true
	o := other.Clone()
	o.normalizeLegacy()

	for kernel, offloads := range o.Results {
		mine, ok := c.Results[kernel]
		if !ok {
			continue
		}
		bases := lo.Map(slices.Collect(maps.Keys(mine)), func(k string, _ int) string {
			base, _, _ := SplitOffload(k)
			return base
		})
		for _, key := range slices.Sorted(maps.Keys(offloads)) {
			base, _, _ := SplitOffload(key)
			if !slices.Contains(bases, base) {
				continue
			}
			dst := key
			for {
				if _, taken := mine[dst]; !taken {
					break
				}
				dst += extSuffix
			}
			mine[dst] = slices.Clone(offloads[key])
		}
		if _, ok := c.XNames[kernel]; !ok {
			c.XNames[kernel] = o.XNames[kernel]
		}
	}
}

func (c *Collection) normalizeLegacy() {
	for old, current := range DeprecatedKernelNames {
		if r, ok := c.Results[old]; ok {
			c.Results[current] = r
			delete(c.Results, old)
			if x, ok := c.XNames[old]; ok {
				c.XNames[current] = x
				delete(c.XNames, old)
			}
		}
	}
	for _, offloads := range c.Results {
		for _, key := range slices.Collect(maps.Keys(offloads)) {
			if strings.HasPrefix(key, "linux_native") {
				offloads[strings.TrimPrefix(key, "linux_")] = offloads[key]
				delete(offloads, key)
			}
		}
	}
	for _, gemm := range []string{"sgemm", "dgemm"} {
		for key, list := range c.Results[gemm] {
			var prefix string
			switch {
			case strings.HasPrefix(key, "pragma"):
				prefix = "Host."
			case strings.HasPrefix(key, "native"):
				prefix = "Task."
			default:
				continue
			}
			for _, s := range list {
				if m, ok := s.Perf["Computation.Avg"]; ok {
					s.Perf[prefix+"Computation.Avg"] = m
					delete(s.Perf, "Computation.Avg")
				}
			}
		}
	}
}

// Clone returns a deep copy.
func (c *Collection) Clone() *Collection {
	cp := *c
	cp.Results = make(map[string]map[string][]*Stats, len(c.Results))
	for kernel, offloads := range c.Results {
		m := make(map[string][]*Stats, len(offloads))
		for key, list := range offloads {
			m[key] = lo.Map(list, func(s *Stats, _ int) *Stats { return s.Clone() })
		}
		cp.Results[kernel] = m
	}
	cp.XNames = maps.Clone(c.XNames)
	return &cp
}

// Kernels returns the kernel names in sorted order.
func (c *Collection) Kernels() []string {
	return slices.Sorted(maps.Keys(c.Results))
}

// OffloadKeys returns the "offload__tag" keys of a kernel in sorted order.
func (c *Collection) OffloadKeys(kernel string) []string {
	return slices.Sorted(maps.Keys(c.Results[kernel]))
}

// XName returns the independent variable of a kernel.
func (c *Collection) XName(kernel string) string {
	return c.XNames[kernel]
}

// StatList returns the stats under offload.
//
// A full "offload__tag" key returns that list. A bare offload name
// returns the lists of every tag for that offload, in tag order.
func (c *Collection) StatList(kernel, offload string) []*Stats {
	if strings.Contains(offload, offloadTagSep) {
		return c.Results[kernel][offload]
	}
	var tags []string
	for key := range c.Results[kernel] {
		if _, tag, ok := SplitOffload(key); ok {
			tags = append(tags, tag)
		}
	}
	tags = lo.Uniq(tags)
	slices.Sort(tags)
	var out []*Stats
	for _, tag := range tags {
		out = append(out, c.Results[kernel][offload+offloadTagSep+tag]...)
	}
	return out
}

// OptimalStat returns the best stats of a kernel and offload, judged by
// Sub over the rolled-up tags. nil when there are none.
func (c *Collection) OptimalStat(kernel, offload string) *Stats {
	list := c.StatList(kernel, offload)
	if len(list) == 0 {
		return nil
	}
	best := list[0]
	for _, s := range list[1:] {
		if d, err := s.Sub(best); err == nil && d > 0 {
			best = s
		}
	}
	return best
}

// IncludesSingleKernel reports whether exactly one kernel and offload
// pair holds results.
func (c *Collection) IncludesSingleKernel() bool {
	n := 0
	for _, offloads := range c.Results {
		for _, list := range offloads {
			if len(list) > 0 {
				n++
			}
		}
	}
	return n == 1
}

// IsEmpty reports whether the collection holds no stats at all.
func (c *Collection) IsEmpty() bool {
	for _, offloads := range c.Results {
		for _, list := range offloads {
			if len(list) > 0 {
				return false
			}
		}
	}
	return true
}

// =============================================================================
// Rendering
// =============================================================================

// String renders the rolled-up report.
func (c *Collection) String() string {
	return c.Format(true)
}

// Format renders the report. Offloads of this run are listed first. For
// optimal categories only the optimal stat of each offload is shown.
func (c *Collection) Format(rolledUp bool) string {
	var out []string
	if rolledUp {
		out = append(out, ux.StarBorder("ROLLED UP"))
	}
	for _, kernel := range c.Kernels() {
		out = append(out, ux.StarBorder(kernel))
		for _, key := range c.orderedKeys(kernel) {
			list := c.Results[kernel][key]
			if len(list) == 0 {
				continue
			}
			out = append(out, ux.StarBorder(key))
			if c.Args.IsOptimal() {
				out = append(out, c.OptimalStat(kernel, key).Format(rolledUp))
				continue
			}
			for _, s := range list {
				out = append(out, s.Format(rolledUp), "")
			}
			out = append(out, ux.StarBorder(""))
		}
		out = append(out, ux.StarBorder(""))
	}
	out = append(out, ux.StarBorder(""))
	return strings.Join(out, "\n")
}

func (c *Collection) orderedKeys(kernel string) []string {
	own, others := lo.FilterReject(c.OffloadKeys(kernel), func(key string, _ int) bool {
		_, tag, _ := SplitOffload(key)
		return tag == c.Tag
	})
	return append(own, others...)
}

// CSV renders every block as "KERNEL, OFFLOAD, TAG" then a header and
// rows, blocks separated by blank lines.
func (c *Collection) CSV(rolledUp bool) string {
	var out []string
	if rolledUp {
		out = append(out, "ROLLED UP\n")
	}
	for _, kernel := range c.Kernels() {
		for _, key := range c.OffloadKeys(kernel) {
			list := c.Results[kernel][key]
			if len(list) == 0 {
				continue
			}
			off, tag, ok := SplitOffload(key)
			if ok {
				out = append(out, "KERNEL, OFFLOAD, TAG", fmt.Sprintf("%s, %s, %s\n", kernel, off, tag))
			} else {
				out = append(out, "KERNEL, OFFLOAD", fmt.Sprintf("%s, %s\n", kernel, off))
			}
			if c.Args.IsOptimal() {
				best := c.OptimalStat(kernel, key)
				out = append(out, best.CSVHeader(rolledUp), best.CSV(rolledUp))
			} else {
				out = append(out, list[0].CSVHeader(rolledUp))
				for _, s := range list {
					out = append(out, s.CSV(rolledUp))
				}
			}
			out = append(out, "", "")
		}
	}
	return strings.Join(out, "\n")
}

// CSVShortForm renders one line per rolled-up metric under a single
// header.
func (c *Collection) CSVShortForm() string {
	out := []string{"DESCRIPTION, OFFLOAD, PERFORMANCE, NAME (UNITS), PARAMETERS"}
	for _, kernel := range c.Kernels() {
		for _, key := range c.OffloadKeys(kernel) {
			list := c.Results[kernel][key]
			if len(list) == 0 {
				continue
			}
			off, _, _ := SplitOffload(key)
			if c.Args.IsOptimal() {
				out = append(out, c.OptimalStat(kernel, key).CSVShortForm(off))
				continue
			}
			for _, s := range list {
				out = append(out, s.CSVShortForm(off))
			}
		}
	}
	out = append(out, "")
	return strings.Join(out, "\n")
}

// WriteCSV writes one file per tagged block of CSV(true), named
// "<kernel>_<offload>_<tag>.csv", and returns the paths written.
func (c *Collection) WriteCSV(dir string) ([]string, error) {
	blocks := strings.Split(c.CSV(true), "KERNEL, OFFLOAD, TAG")
	var written []string
	for _, block := range blocks[1:] {
		lines := strings.Split(strings.TrimSpace(block), "\n")
		if len(lines) < 2 {
			continue
		}
		name := strings.ReplaceAll(lines[0], ", ", "_") + ".csv"
		path := filepath.Join(dir, name)
		body := strings.Join(append(lines[2:], ""), "\n")
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			return written, fmt.Errorf("writing %s: %w", path, err)
		}
		written = append(written, path)
	}
	return written, nil
}

// SharedKey is a kernel and offload base present in two collections.
type SharedKey struct {
	Kernel  string
	Offload string
}

// SharedKeys returns the kernel and offload-base pairs present in both c
// and ref, sorted.
func (c *Collection) SharedKeys(ref *Collection) []SharedKey {
	var out []SharedKey
	for _, kernel := range c.Kernels() {
		refOffloads, ok := ref.Results[kernel]
		if !ok {
			continue
		}
		mine := offloadBases(c.Results[kernel])
		theirs := offloadBases(refOffloads)
		for _, off := range lo.Intersect(mine, theirs) {
			out = append(out, SharedKey{Kernel: kernel, Offload: off})
		}
	}
	slices.SortFunc(out, func(a, b SharedKey) int {
		if a.Kernel != b.Kernel {
			return strings.Compare(a.Kernel, b.Kernel)
		}
		return strings.Compare(a.Offload, b.Offload)
	})
	return out
}

func offloadBases(offloads map[string][]*Stats) []string {
	bases := lo.Map(slices.Collect(maps.Keys(offloads)), func(k string, _ int) string {
		base, _, _ := SplitOffload(k)
		return base
	})
	return lo.Uniq(bases)
}

// MarshalIndent encodes the collection for storage.
func (c *Collection) MarshalIndent() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// DecodeCollection decodes a stored collection.
func DecodeCollection(data []byte) (*Collection, error) {
	var c Collection
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decoding stored run: %w", err)
	}
	if c.Results == nil {
		c.Results = map[string]map[string][]*Stats{}
	}
	if c.XNames == nil {
		c.XNames = map[string]string{}
	}
	return &c, nil
}
