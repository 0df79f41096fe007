// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command micperf runs the micperf benchmark kernels and manages their
// stored results.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/tebeka/atexit"

	"github.com/AleutianAI/micperf/internal/perferr"
	"github.com/AleutianAI/micperf/pkg/ux"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// An interrupt cancels the run; the partial results are still
	// stored before the process exits.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	atexit.Register(stop)

	a := newApp(ux.Default())
	err := newRootCmd(a).ExecuteContext(ctx)
	if err != nil {
		a.console.Errorln("ERROR: " + err.Error())
	}
	atexit.Exit(perferr.ExitCode(err))
}
