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
	"context"
	"fmt"
	"os"
	"strings"
)

// SSH runs commands on a remote target through the ssh and scp binaries.
//
// # Description
//
// Remote commands are rendered as "export K=V; ... cd dir && args". Files
// are moved with "scp -r -p". The local ssh client configuration applies,
// Key and User only add "-i" and "-l".
type SSH struct {
	Addr string
	User string
	Key  string

	// local launches the ssh and scp clients.
	local Connection
}

// NewSSH creates an SSH connection to addr.
func NewSSH(addr, user, key string) *SSH {
	return &SSH{Addr: addr, User: user, Key: key, local: NewLocal()}
}

// Host implements Connection.
func (s *SSH) Host() string {
	return s.Addr
}

// RemoteCommand renders cmd as the shell text executed on the target.
func RemoteCommand(cmd Command) string {
	var b strings.Builder
	for _, kv := range EnvList(cmd.Env) {
		k, v, _ := strings.Cut(kv, "=")
		fmt.Fprintf(&b, "export %s=%s; ", k, v)
	}
	if cmd.Dir != "" {
		fmt.Fprintf(&b, "cd %s && ", cmd.Dir)
	}
	b.WriteString(strings.Join(cmd.Args, " "))
	return b.String()
}

// SSHArgs returns the local argument vector that runs cmd remotely.
func (s *SSH) SSHArgs(cmd Command) []string {
	args := []string{"ssh"}
	if s.Key != "" {
		args = append(args, "-i", s.Key)
	}
	if s.User != "" {
		args = append(args, "-l", s.User)
	}
	return append(args, s.Addr, RemoteCommand(cmd))
}

// Execute implements Connection.
func (s *SSH) Execute(ctx context.Context, cmd Command) (Process, error) {
	return s.local.Execute(ctx, Command{Args: s.SSHArgs(cmd)})
}

func (s *SSH) remotePath(path string) string {
	if s.User != "" {
		return fmt.Sprintf("%s@%s:%s", s.User, s.Addr, path)
	}
	return fmt.Sprintf("%s:%s", s.Addr, path)
}

func (s *SSH) scp(ctx context.Context, from []string, to string) error {
	args := []string{"scp", "-r", "-p"}
	if s.Key != "" {
		args = append(args, "-i", s.Key)
	}
	args = append(args, from...)
	args = append(args, to)

	res, err := Run(ctx, s.local, Command{Args: args})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("command '%s' returned non-zero exit status %d: %s",
			strings.Join(args, " "), res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// CopyTo implements Connection.
func (s *SSH) CopyTo(ctx context.Context, sources []string, dest string) error {
	return s.scp(ctx, sources, s.remotePath(dest))
}

// CopyFrom implements Connection.
func (s *SSH) CopyFrom(ctx context.Context, sources []string, dest string) error {
	if len(sources) > 1 {
		if info, err := os.Stat(dest); err != nil || !info.IsDir() {
			return fmt.Errorf("target %q is not a directory", dest)
		}
	}
	for _, src := range sources {
		if err := s.scp(ctx, []string{s.remotePath(src)}, dest); err != nil {
			return err
		}
	}
	return nil
}

var _ Connection = (*SSH)(nil)
