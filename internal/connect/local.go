// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package connect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
)

// -----------------------------------------------------------------------------
// Implementation
// -----------------------------------------------------------------------------

// Local implements Connection using os/exec on this machine.
//
// This is the production implementation for host-side processes and for
// self-boot systems where the "device" is the host itself.
type Local struct{}

// NewLocal creates a Local connection.
//
// # Examples
//
//	conn := connect.NewLocal()
//	res, err := connect.Run(ctx, conn, connect.Command{Args: []string{"uname", "-r"}})
func NewLocal() *Local {
	return &Local{}
}

// Host implements Connection.
func (l *Local) Host() string {
	return "localhost"
}

// Execute implements Connection.
func (l *Local) Execute(ctx context.Context, c Command) (Process, error) {
	if len(c.Args) == 0 {
		return nil, errors.New("empty command")
	}
	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	if c.Env != nil {
		cmd.Env = EnvList(c.Env)
	}
	cmd.Dir = c.Dir

	p := &localProcess{cmd: cmd, done: make(chan struct{})}
	cmd.Stdout = &p.stdout
	cmd.Stderr = &p.stderr

	// A permission failure surfaces as fs.ErrPermission through %w.
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", c.Args[0], err)
	}
	return p, nil
}

type localProcess struct {
	cmd    *exec.Cmd
	stdout bytes.Buffer
	stderr bytes.Buffer

	once sync.Once
	done chan struct{}
	res  Result
	err  error
}

// Wait implements Process.
func (p *localProcess) Wait() (Result, error) {
	p.once.Do(func() {
		defer close(p.done)
		err := p.cmd.Wait()
		p.res = Result{
			Stdout: p.stdout.String(),
			Stderr: p.stderr.String(),
		}
		var exitErr *exec.ExitError
		switch {
		case err == nil:
		case errors.As(err, &exitErr):
			p.res.ExitCode = exitErr.ExitCode()
		default:
			p.err = err
		}
	})
	return p.res, p.err
}

// Kill implements Process.
func (p *localProcess) Kill() error {
	select {
	case <-p.done:
		return ErrNotRunning
	default:
	}
	if err := p.cmd.Process.Kill(); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return ErrNotRunning
		}
		return err
	}
	return nil
}

// CopyTo implements Connection.
func (l *Local) CopyTo(_ context.Context, sources []string, dest string) error {
	return copyTree(sources, dest)
}

// CopyFrom implements Connection.
func (l *Local) CopyFrom(_ context.Context, sources []string, dest string) error {
	return copyTree(sources, dest)
}

// copyTree behaves like "cp -rp": a source lands inside dest when dest is
// an existing directory, otherwise it becomes dest.
func copyTree(sources []string, dest string) error {
	destInfo, statErr := os.Stat(dest)
	destIsDir := statErr == nil && destInfo.IsDir()
	if len(sources) > 1 && !destIsDir {
		return fmt.Errorf("target %q is not a directory", dest)
	}
	for _, src := range sources {
		target := dest
		if destIsDir {
			target = filepath.Join(dest, filepath.Base(src))
		}
		err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(src, path)
			if err != nil {
				return err
			}
			out := filepath.Join(target, rel)
			info, err := d.Info()
			if err != nil {
				return err
			}
			if d.IsDir() {
				return os.MkdirAll(out, info.Mode().Perm())
			}
			return copyFile(path, out, info.Mode().Perm())
		})
		if err != nil {
			return fmt.Errorf("copy %s to %s: %w", src, dest, err)
		}
	}
	return nil
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(dst, perm)
}

var _ Connection = (*Local)(nil)
