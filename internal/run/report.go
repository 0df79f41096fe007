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
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/AleutianAI/micperf/internal/export"
	"github.com/AleutianAI/micperf/internal/perferr"
	"github.com/AleutianAI/micperf/internal/stats"
	"github.com/AleutianAI/micperf/pkg/ux"
)

// report prints and writes the verbosity dependent outputs of a
// finished run, then hands the run to the export sink.
func (r *Runner) report(ctx context.Context, opts Options, res *Result) error {
	combined := res.Collection
	if opts.Reference != nil {
		combined = res.Collection.Clone()
		combined.Extend(opts.Reference)
	}
	res.Combined = combined

	// Plot data goes to the working directory when no output directory
	// is given.
	plotDir := opts.OutDir
	if plotDir == "" {
		plotDir = "."
	}

	if opts.Verbosity >= 1 {
		r.cfg.Console.Println(combined.String())
		if opts.OutDir != "" {
			files, err := combined.WriteCSV(opts.OutDir)
			if err != nil {
				return err
			}
			res.Files = append(res.Files, files...)
		}
	}

	if opts.Verbosity >= 2 {
		if opts.OutDir != "" {
			path := filepath.Join(opts.OutDir, "micp_run_stats_"+res.Collection.Tag+"_all.csv")
			if err := os.WriteFile(path, []byte(combined.CSV(false)), 0o644); err != nil {
				return perferr.Wrap(perferr.KindIO, err, "writing %s", path)
			}
			res.Files = append(res.Files, path)
		}
		files, err := combined.WritePlotData(plotDir)
		if err != nil {
			return err
		}
		res.Files = append(res.Files, files...)
	}

	// With one kernel the overall plot repeats the per-kernel one.
	if opts.Verbosity >= 3 && !combined.IncludesSingleKernel() {
		path, err := combined.WritePlotAll(plotDir)
		if err != nil {
			return err
		}
		res.Files = append(res.Files, path)
	}

	r.publish(ctx, opts, res)
	return nil
}

// publish exports the run. Failures are reported and do not fail the
// run.
func (r *Runner) publish(ctx context.Context, opts Options, res *Result) {
	if r.cfg.Sink == nil {
		return
	}
	files := res.Files
	if opts.LogFile != "" {
		if _, err := os.Stat(opts.LogFile); err == nil {
			files = append(files, opts.LogFile)
		}
	}
	if res.StorePath != "" {
		files = append(files, res.StorePath)
	}
	if err := r.cfg.Sink.Export(ctx, export.Run{Collection: res.Collection, Files: files}); err != nil {
		r.cfg.Logger.Warn("export failed", slog.String("sink", r.cfg.Sink.Name()), slog.String("error", err.Error()))
		r.cfg.Console.Print(ux.CatWarn, fmt.Sprintf("Exporting run %s failed: %v", res.Collection.Tag, err))
	}
}

// compare runs the regression gate when a reference and a margin are
// given.
func (r *Runner) compare(ctx context.Context, opts Options, res *Result) error {
	if opts.Reference == nil || opts.Margin == nil {
		return nil
	}
	gate := stats.NewGate(
		stats.WithMargin(*opts.Margin),
		stats.WithModel(opts.Model),
		stats.WithConsole(r.cfg.Console),
		stats.WithGateLogger(r.cfg.Logger),
	)
	decision, err := gate.Check(ctx, res.Collection, opts.Reference)
	res.Decision = decision
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.ObserveDecision(decision)
	}
	return err
}
