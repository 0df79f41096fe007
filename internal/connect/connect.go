// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package connect runs kernel processes on the host or on an attached device.

Every process the harness launches goes through a Connection so the offload
layer never depends on transport details. Local executes with os/exec, SSH
wraps commands in ssh/scp, and Mock records calls for unit tests.

# Design Rationale

Direct calls to exec.Command are not testable because they execute real
processes. Routing launches through Connection lets the offload state
machine be driven end to end in tests with scripted exit codes and output.
*/
package connect

import (
	"context"
	"errors"
	"sort"
	"strings"
)

// -----------------------------------------------------------------------------
// Interface Definition
// -----------------------------------------------------------------------------

// Command is one process launch request.
type Command struct {
	// Args is the argument vector, Args[0] being the executable.
	Args []string

	// Env holds the variables to set. For Local a nil Env inherits the
	// parent environment and a non-nil Env replaces it entirely. For SSH
	// the variables are exported ahead of the remote command.
	Env map[string]string

	// Dir is the working directory. Empty keeps the default.
	Dir string
}

// Result is the outcome of a finished process.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Process is a launched command.
type Process interface {
	// Wait blocks until the process exits and returns its output. A non-zero
	// exit status is reported in Result.ExitCode, not as an error.
	Wait() (Result, error)

	// Kill stops the process if it is still running.
	Kill() error
}

// Connection runs commands and moves files on one target.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the offload layer
// launches the host and device processes from separate goroutines.
type Connection interface {
	// Execute starts cmd and returns immediately.
	//
	// # Outputs
	//
	//   - Process: handle to wait on or kill.
	//   - error: start failure. Permission problems wrap fs.ErrPermission.
	Execute(ctx context.Context, cmd Command) (Process, error)

	// CopyTo copies local sources to dest on the target, like "cp -rp".
	CopyTo(ctx context.Context, sources []string, dest string) error

	// CopyFrom copies target sources to the local dest.
	CopyFrom(ctx context.Context, sources []string, dest string) error

	// Host names the target for messages.
	Host() string
}

// Run executes cmd and waits for it.
func Run(ctx context.Context, conn Connection, cmd Command) (Result, error) {
	p, err := conn.Execute(ctx, cmd)
	if err != nil {
		return Result{}, err
	}
	return p.Wait()
}

// ErrNotRunning is returned by Kill on a process that already exited.
var ErrNotRunning = errors.New("process is not running")

// EnvList renders env as sorted KEY=VALUE pairs.
func EnvList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// EnvMap parses KEY=VALUE pairs, as returned by os.Environ.
func EnvMap(pairs []string) map[string]string {
	out := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}
