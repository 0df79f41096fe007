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
	"github.com/spf13/cobra"
)

// newRootCmd builds the command tree around a.
func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "micperf",
		Short: "Run and compare micperf benchmark kernels",
		Long: `micperf runs benchmark kernels on the host or on an attached device,
stores the results by tag and compares runs against reference data.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "configuration file (default ~/.micperf/micperf.yaml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "diagnostic log level: debug, info, warn or error")

	root.AddCommand(
		newRunCmd(a),
		newKernelsCmd(a),
		newPrintCmd(a),
		newCSVCmd(a),
		newTagsCmd(a),
		newCompareCmd(a),
	)
	return root
}
