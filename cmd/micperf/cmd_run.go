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
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/micperf/internal/connect"
	"github.com/AleutianAI/micperf/internal/kernel"
	"github.com/AleutianAI/micperf/internal/run"
	"github.com/AleutianAI/micperf/internal/stats"
)

const (
	defaultRemoteOffloads = "native:scif"
	defaultLocalOffloads  = kernel.OffloadLocal
)

type runFlags struct {
	kernels   string
	offloads  string
	category  string
	args      string
	device    string
	verbosity int
	outDir    string
	tag       string
	compare   string
	margin    float64
	model     string
	sudo      bool
	logFile   string
}

func newRunCmd(a *app) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run benchmark kernels",
		Long: `Run executes the selected kernels under every selected offload method
with the parameter sets of one category, or with explicit kernel arguments.

Use "-k help" to list the kernels and "-a --help" to show the parameters
of the selected kernels.`,
		Example: `  micperf run -k stream:sgemm -m native -p scaling -o results -v 2
  micperf run -k dgemm -a "--m_size 4096" -d mic1
  micperf run -c 20250101_optimal -r 0.05`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runKernels(cmd, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.kernels, "kernels", "k", run.All, `colon separated kernel names, "all" or "help"`)
	fl.StringVarP(&f.offloads, "offload", "m", "", `colon separated offload methods or "all" (default native:scif, local on the host)`)
	fl.StringVarP(&f.category, "category", "p", kernel.CategoryOptimal, "parameter category: "+strings.Join(kernel.Categories, ", "))
	fl.StringVarP(&f.args, "args", "a", "", "explicit kernel arguments, used instead of a category")
	fl.StringVarP(&f.device, "device", "d", "0", `device index, "micN", a hostname or "localhost"`)
	fl.IntVarP(&f.verbosity, "verbose", "v", 0, "report level 0-3")
	fl.StringVarP(&f.outDir, "output", "o", "", "directory for the stored run and reports")
	fl.StringVarP(&f.tag, "tag", "t", "", "run tag (default generated from the run)")
	fl.StringVarP(&f.compare, "compare", "c", "", "stored run (tag or file) to repeat and compare with")
	fl.Float64VarP(&f.margin, "margin", "r", 0, "relative regression margin, e.g. 0.05")
	fl.StringVarP(&f.model, "model", "s", "", "statistical model file; switches the comparison to statistical mode")
	fl.BoolVar(&f.sudo, "sudo", false, "allow kernels that need root to run through sudo")
	fl.StringVarP(&f.logFile, "log-file", "l", "", "file receiving the kernel output")
	return cmd
}

func (a *app) runKernels(cmd *cobra.Command, f runFlags) error {
	ctx := cmd.Context()

	if f.kernels == "help" {
		a.console.Println(append([]string{"Available kernels:"}, a.registry.Names()...)...)
		return nil
	}

	opts := run.Options{
		Kernels:    f.kernels,
		Offloads:   f.offloads,
		Category:   f.category,
		KernelArgs: f.args,
		Device:     f.device,
		Verbosity:  f.verbosity,
		OutDir:     f.outDir,
		Tag:        f.tag,
		Sudo:       f.sudo,
		LogFile:    f.logFile,
	}
	flags := cmd.Flags()
	if flags.Changed("args") && !flags.Changed("category") {
		opts.Category = ""
	}
	if opts.Offloads == "" {
		opts.Offloads = defaultRemoteOffloads
		if connect.IsLocal(f.device) {
			opts.Offloads = defaultLocalOffloads
		}
	}

	if f.compare != "" {
		ref, err := a.loadRun(ctx, f.compare, f.device)
		if err != nil {
			return err
		}
		opts.Reference = ref
	}
	if flags.Changed("margin") {
		opts.Margin = &f.margin
	}
	if f.model != "" {
		model, err := stats.LoadModel(f.model)
		if err != nil {
			return err
		}
		opts.Model = model
		if opts.Margin == nil {
			opts.Margin = &f.margin
		}
	}

	runner, err := run.New(a.runConfig())
	if err != nil {
		return err
	}
	_, err = runner.Run(ctx, opts)
	a.writeMetrics()
	return err
}
