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
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/micperf/internal/connect"
	"github.com/AleutianAI/micperf/internal/deviceinfo"
	"github.com/AleutianAI/micperf/internal/kernel"
	"github.com/AleutianAI/micperf/internal/stats"
	"github.com/AleutianAI/micperf/pkg/ux"
)

// =============================================================================
// kernels
// =============================================================================

func newKernelsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "kernels",
		Short: "List the available kernels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a.listKernels()
			return nil
		},
	}
}

// listKernels tabulates every kernel with its offload methods and
// categories. Kernels that cannot be created without a device show
// their name only.
func (a *app) listKernels() {
	var rows [][]string
	for _, name := range a.registry.Names() {
		k, err := a.registry.Create(name, deviceinfo.Info{Index: connect.LocalIndex})
		if err != nil {
			rows = append(rows, []string{name, "-", "-", "-"})
			continue
		}
		offloads := k.OffloadMethods()
		categories := lo.Filter(kernel.Categories, func(cat string, _ int) bool {
			if len(offloads) == 0 {
				return false
			}
			_, err := k.CategoryParams(cat, offloads[0])
			return err == nil
		})
		var needs []string
		if k.RequiresRoot() {
			needs = append(needs, "root")
		}
		if k.MPIRequired() {
			needs = append(needs, "mpi")
		}
		rows = append(rows, []string{
			name,
			strings.Join(offloads, ", "),
			strings.Join(categories, ", "),
			strings.Join(needs, ", "),
		})
	}
	a.console.Heading("Available kernels")
	a.console.Println(ux.RenderTable([]string{"KERNEL", "OFFLOADS", "CATEGORIES", "REQUIRES"}, rows))
}

// =============================================================================
// print / csv
// =============================================================================

func newPrintCmd(a *app) *cobra.Command {
	var rolledUp bool
	var device string
	cmd := &cobra.Command{
		Use:   "print <run>...",
		Short: "Print stored runs",
		Long: `Print shows one or more stored runs side by side. A run is a stored tag,
a JSON file, "filter:<name>" or "test:<category>".`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.loadRuns(cmd.Context(), args, device)
			if err != nil {
				return err
			}
			a.console.Println(c.Format(rolledUp))
			return nil
		},
	}
	cmd.Flags().BoolVar(&rolledUp, "rolled-up", false, "show only the headline measurement of every result")
	cmd.Flags().StringVarP(&device, "device", "d", "0", "device the filter and test lookups compare with")
	return cmd
}

func newCSVCmd(a *app) *cobra.Command {
	var short, summary, selfBoot bool
	var device string
	cmd := &cobra.Command{
		Use:   "csv [run]...",
		Short: "Print stored runs as CSV",
		Long: `Csv prints stored runs as CSV. --short prints one line per offload with
the optimal value; --summary tabulates the headline kernels of every
stored scaling run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if summary {
				out, err := stats.SummaryCSV(ctx, a.store, selfBoot)
				if err != nil {
					return err
				}
				a.console.Println(out)
				return nil
			}
			if len(args) == 0 {
				return errors.New("csv needs at least one run unless --summary is given")
			}
			c, err := a.loadRuns(ctx, args, device)
			if err != nil {
				return err
			}
			if short {
				a.console.Println(c.CSVShortForm())
			} else {
				a.console.Println(c.CSV(false))
			}
			return nil
		},
	}
	fl := cmd.Flags()
	fl.BoolVar(&short, "short", false, "one line per offload method")
	fl.BoolVar(&summary, "summary", false, "summary table across stored scaling runs")
	fl.BoolVar(&selfBoot, "self-boot", false, "use the self-boot summary layout")
	fl.StringVarP(&device, "device", "d", "0", "device the filter and test lookups compare with")
	return cmd
}

// =============================================================================
// tags
// =============================================================================

func newTagsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tags",
		Short: "List stored runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runs, err := stats.All(cmd.Context(), a.store)
			if err != nil {
				return err
			}
			rows := lo.Map(runs, func(c *stats.Collection, _ int) []string {
				category := c.Args.Category
				if category == "" {
					category = "(args)"
				}
				return []string{
					c.Tag,
					c.Created.Format("2006-01-02 15:04"),
					strings.Join(c.Kernels(), ", "),
					category,
					c.Info.Version,
				}
			})
			a.console.Println(ux.RenderTable([]string{"TAG", "CREATED", "KERNELS", "CATEGORY", "VERSION"}, rows))
			return nil
		},
	}
}

// =============================================================================
// compare
// =============================================================================

func newCompareCmd(a *app) *cobra.Command {
	var margin float64
	var model, device string
	cmd := &cobra.Command{
		Use:   "compare <run> <reference>",
		Short: "Compare a stored run with a reference run",
		Long: `Compare checks every result shared by the two runs. In relative mode a
result regresses when it is worse than the reference by more than the
margin; with --model the run is checked against the model instead and the
reference only selects the kernels and offloads.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			actual, err := a.loadRun(ctx, args[0], device)
			if err != nil {
				return err
			}
			ref, err := a.loadRun(ctx, args[1], device)
			if err != nil {
				return err
			}
			opts := []stats.GateOption{
				stats.WithMargin(margin),
				stats.WithConsole(a.console),
				stats.WithGateLogger(a.slog()),
			}
			if model != "" {
				m, err := stats.LoadModel(model)
				if err != nil {
					return err
				}
				opts = append(opts, stats.WithModel(m))
			}
			decision, err := stats.NewGate(opts...).Check(ctx, actual, ref)
			if a.metrics != nil {
				a.metrics.ObserveDecision(decision)
				a.writeMetrics()
			}
			return err
		},
	}
	fl := cmd.Flags()
	fl.Float64VarP(&margin, "margin", "r", 0.05, "relative regression margin")
	fl.StringVarP(&model, "model", "s", "", "statistical model file")
	fl.StringVarP(&device, "device", "d", "0", "device the filter and test lookups compare with")
	return cmd
}

// =============================================================================
// Run lookup
// =============================================================================

// loadRuns loads every ref and merges them into the first.
func (a *app) loadRuns(ctx context.Context, refs []string, device string) (*stats.Collection, error) {
	first, err := a.loadRun(ctx, refs[0], device)
	if err != nil {
		return nil, err
	}
	if len(refs) == 1 {
		return first, nil
	}
	merged := first.Clone()
	for _, ref := range refs[1:] {
		c, err := a.loadRun(ctx, ref, device)
		if err != nil {
			return nil, err
		}
		merged.Extend(c)
	}
	return merged, nil
}

// loadRun resolves ref as a JSON file, then as a store lookup. Only the
// "filter:" and "test:" lookups need the device, so only they detect it.
func (a *app) loadRun(ctx context.Context, ref, device string) (*stats.Collection, error) {
	data, err := os.ReadFile(ref)
	switch {
	case err == nil:
		return stats.DecodeCollection(data)
	case !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, fs.ErrInvalid):
		return nil, fmt.Errorf("reading %s: %w", ref, err)
	}

	var info deviceinfo.Info
	if strings.Contains(ref, ":") {
		if info, err = a.detect(ctx, device); err != nil {
			return nil, err
		}
	}
	return stats.ByTag(ctx, a.store, ref, info)
}

// detect inspects device with the same collaborators a run uses.
func (a *app) detect(ctx context.Context, device string) (deviceinfo.Info, error) {
	cfg := a.runConfig()
	resolve, detect := cfg.Resolve, cfg.Detect
	if resolve == nil {
		resolve = connect.NewResolver().Resolve
	}
	if detect == nil {
		detect = deviceinfo.Detect
	}
	t, err := resolve(ctx, device)
	if err != nil {
		return deviceinfo.Info{}, err
	}
	return detect(ctx, deviceinfo.Options{
		Index:   t.Index,
		Conn:    t.Conn,
		Version: version,
		DDROnly: cfg.DDROnly,
		Logger:  cfg.Logger,
	})
}
