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
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// ErrAxisMismatch is returned by WritePlotAll when the kernels do not
// share an independent variable.
var ErrAxisMismatch = errors.New("x axis names do not match")

var firstFloat = regexp.MustCompile(`[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?`)

// Hardware hashes of known coprocessor parts, for legends.
var skuNames = map[string]string{
	"a8be6b3a": "ES1-SKU1",
	"f9a7ba85": "ES1-SKU3",
	"818f4c45": "ES2-A1330",
	"42ce8a31": "ES2-P1310",
	"960d4f11": "ES2-P1640",
	"cedb26f1": "ES2-P1750",
	"3d78e18f": "ES1-SKU1",
	"55a17e06": "ES1-SKU3",
	"1b10dafb": "ES2-A1330",
	"86eb3645": "ES2-P1310",
	"67ed1134": "ES2-P1640",
	"6c519075": "ES2-P1750",
	"ef01820a": "ES2-P1310",
	"95d82af5": "ES2-A1330",
	"ca6ad37b": "ES2-P1640",
	"6f8a700d": "ES2-P1750",
	"6abf35a9": "B1QS-5110P",
	"ae739d23": "B1QS-7110P",
}

var releaseNames = map[string]string{
	"mpss-2.1.3126-14": "Alpha2",
	"mpss-2.1.3653-8":  "Beta",
	"mpss-2.1.4346-16": "Gold",
}

// Series is the rolled-up curve of one kernel and offload key.
type Series struct {
	Kernel string
	Key    string
	Legend string
	Tag    string
	Units  string
	X      []float64
	Y      []float64
}

// RolledCoords returns the (x, y) points of the first rolled-up tag of
// every stats under kernel and key.
//
// # Description
//
// x is the first number found in the independent variable's parameter
// value. Internally scaled kernels have no such parameter; their x is
// read from the metric's Extra values instead. Points with neither are
// skipped.
func (c *Collection) RolledCoords(kernel, key string) Series {
	xName := c.XNames[kernel]
	series := Series{Kernel: kernel, Key: key, Legend: PrettyLegend(key)}
	for _, s := range c.Results[kernel][key] {
		x, hasX := paramCoord(s, xName)
		for _, tag := range s.Perf.Tags() {
			m := s.Perf[tag]
			if !m.Rollup {
				continue
			}
			series.Tag = tag
			series.Units = m.Units
			if !hasX {
				x, hasX = m.Extra[xName]
			}
			if hasX {
				series.X = append(series.X, x)
				series.Y = append(series.Y, m.Value)
			}
			break
		}
	}
	return series
}

func paramCoord(s *Stats, name string) (float64, bool) {
	if s.Params == nil || name == "" {
		return 0, false
	}
	v, ok, err := s.Params.Get(name)
	if err != nil || !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(firstFloat.FindString(v), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// XLabel returns the axis label for a kernel's independent variable.
func (c *Collection) XLabel(kernel string) string {
	switch x := c.XNames[kernel]; x {
	case "num_core":
		return "Number of Cores"
	case "num_thread", "omp_num_threads", "n_num_thread":
		return "Number of Threads"
	case "matrix_size", "f_first_matrix_size":
		return "Matrix Dimension (NxN)"
	default:
		return x
	}
}

// YLabel returns the axis label for a rolled-up tag.
func YLabel(tag, units string) string {
	if strings.Contains(tag, "Time") {
		return fmt.Sprintf("Time (%s) lower values better", units)
	}
	return fmt.Sprintf("Rate (%s) higher values better", units)
}

// PrettyLegend turns an "offload__tag" key into a short legend.
//
// Coprocessor tags of the form hash_version_offload_category_micN are
// shortened to "offload release sku", with known hashes and releases
// given their names.
func PrettyLegend(key string) string {
	result := strings.ReplaceAll(key, offloadTagSep, " ")
	if strings.Count(key, offloadTagSep) != 1 {
		return result
	}
	off, tag, _ := SplitOffload(key)
	fields := strings.Split(tag, "_")
	if len(fields) != 5 {
		return result
	}
	hash, version, devID := fields[0], fields[1], fields[4]
	if name, ok := skuNames[hash]; ok {
		hash = name
	} else if devID != "mic0" {
		hash = hash + " " + strings.TrimPrefix(devID, "mic0 ")
	}
	if name, ok := releaseNames[version]; ok {
		version = name
	}
	return strings.Join([]string{off, version, hash}, " ")
}

// IsExpSpacing reports whether xs has at least three points spaced
// evenly on a log scale.
func IsExpSpacing(xs []float64) bool {
	if len(xs) < 3 || len(lo.Uniq(xs)) == 1 {
		return false
	}
	logs := lo.Map(xs, func(x float64, _ int) float64 { return math.Log(x) })
	first := logs[1] - logs[0]
	if first == 0 {
		return false
	}
	for i := 1; i < len(logs); i++ {
		if math.Abs((logs[i]-logs[i-1]-first)/first) >= 1e-6 {
			return false
		}
	}
	return true
}

// =============================================================================
// Plot data files
// =============================================================================

// WritePlotData writes one coordinate file per kernel,
// "plot_<axis>_<kernel>[_<tag>].csv", and returns the paths written.
func (c *Collection) WritePlotData(dir string) ([]string, error) {
	var written []string
	for _, kernel := range c.Kernels() {
		var series []Series
		for _, key := range c.OffloadKeys(kernel) {
			if len(c.Results[kernel][key]) == 0 {
				continue
			}
			series = append(series, c.RolledCoords(kernel, key))
		}
		if len(series) == 0 {
			continue
		}
		name := "plot_" + c.XNames[kernel] + "_" + kernel
		if c.Tag != "" {
			name += "_" + c.Tag
		}
		last := series[len(series)-1]
		title := kernel + " " + strings.ReplaceAll(last.Tag, ".", " ")
		path := filepath.Join(dir, name+".csv")
		if err := writeSeries(path, title, c.XLabel(kernel), YLabel(last.Tag, last.Units), c.plotNote(), series); err != nil {
			return written, err
		}
		written = append(written, path)
	}
	return written, nil
}

// WritePlotAll writes every kernel into one coordinate file,
// "plot_all_<axis>[_<tag>].csv".
//
// # Outputs
//
//   - string: the path written, "" when there is nothing to plot.
//   - error: ErrAxisMismatch when kernels have different independent
//     variables.
func (c *Collection) WritePlotAll(dir string) (string, error) {
	var axes []string
	for _, kernel := range c.Kernels() {
		if lo.SomeBy(lo.Values(c.Results[kernel]), func(l []*Stats) bool { return len(l) > 0 }) {
			axes = append(axes, c.XNames[kernel])
		}
	}
	axes = lo.Uniq(axes)
	if len(axes) == 0 {
		return "", nil
	}
	if len(axes) != 1 {
		return "", fmt.Errorf("%w: %v", ErrAxisMismatch, axes)
	}

	var series []Series
	var lastKernel string
	for _, kernel := range c.Kernels() {
		for _, key := range c.OffloadKeys(kernel) {
			s := c.RolledCoords(kernel, key)
			if len(s.X) == 0 {
				continue
			}
			s.Legend = kernel + " " + s.Legend
			series = append(series, s)
			lastKernel = kernel
		}
	}
	if len(series) == 0 {
		return "", nil
	}
	name := "plot_all_" + axes[0]
	if c.Tag != "" {
		name += "_" + c.Tag
	}
	last := series[len(series)-1]
	path := filepath.Join(dir, name+".csv")
	err := writeSeries(path, strings.ReplaceAll(last.Tag, ".", " "), c.XLabel(lastKernel),
		YLabel(last.Tag, last.Units), c.plotNote(), series)
	if err != nil {
		return "", err
	}
	return path, nil
}

func (c *Collection) plotNote() string {
	if c.Extended {
		return ""
	}
	return c.Info.String()
}

func writeSeries(path, title, xLabel, yLabel, note string, series []Series) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# title: %s\n", title)
	fmt.Fprintf(&b, "# x: %s\n", xLabel)
	fmt.Fprintf(&b, "# y: %s\n", yLabel)
	if note != "" {
		fmt.Fprintf(&b, "# device: %s\n", note)
	}
	b.WriteString("series, scale, x, y\n")
	for _, s := range series {
		scale := "linear"
		if IsExpSpacing(s.X) {
			scale = "log"
		}
		for i := range s.X {
			fmt.Fprintf(&b, "%s, %s, %s, %s\n", s.Legend, scale, FormatValue(s.X[i]), FormatValue(s.Y[i]))
		}
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
