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
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/micperf/internal/perferr"
)

func TestLocal_Execute(t *testing.T) {
	ctx := context.Background()
	conn := NewLocal()

	t.Run("captures output and exit code", func(t *testing.T) {
		res, err := Run(ctx, conn, Command{
			Args: []string{"sh", "-c", "echo out; echo err >&2; exit 3"},
		})
		require.NoError(t, err)
		assert.Equal(t, "out\n", res.Stdout)
		assert.Equal(t, "err\n", res.Stderr)
		assert.Equal(t, 3, res.ExitCode)
	})

	t.Run("env and dir", func(t *testing.T) {
		dir := t.TempDir()
		res, err := Run(ctx, conn, Command{
			Args: []string{"/bin/sh", "-c", "echo $MICP_TEST; pwd"},
			Env:  map[string]string{"MICP_TEST": "42"},
			Dir:  dir,
		})
		require.NoError(t, err)
		resolved, _ := filepath.EvalSymlinks(dir)
		assert.Contains(t, res.Stdout, "42\n")
		assert.Contains(t, res.Stdout, resolved)
	})

	t.Run("permission denied", func(t *testing.T) {
		if os.Geteuid() == 0 {
			t.Skip("root bypasses execute permission checks")
		}
		bin := filepath.Join(t.TempDir(), "noexec")
		require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o644))
		_, err := conn.Execute(ctx, Command{Args: []string{bin}})
		assert.True(t, errors.Is(err, fs.ErrPermission))
	})

	t.Run("kill after exit", func(t *testing.T) {
		p, err := conn.Execute(ctx, Command{Args: []string{"true"}})
		require.NoError(t, err)
		_, err = p.Wait()
		require.NoError(t, err)
		assert.ErrorIs(t, p.Kill(), ErrNotRunning)
	})
}

func TestLocal_CopyTo(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("a"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "b.txt"), []byte("b"), 0o600))

	dest := t.TempDir()
	conn := NewLocal()
	require.NoError(t, conn.CopyTo(context.Background(), []string{src, filepath.Join(src, "a.txt")}, dest))

	base := filepath.Base(src)
	got, err := os.ReadFile(filepath.Join(dest, base, "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "b", string(got))

	info, err := os.Stat(filepath.Join(dest, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o755), info.Mode().Perm())

	err = conn.CopyTo(context.Background(), []string{src, src}, filepath.Join(dest, "missing"))
	assert.ErrorContains(t, err, "is not a directory")
}

func TestSSH_Rendering(t *testing.T) {
	s := NewSSH("172.31.1.1", "micuser", "/keys/id_rsa")
	cmd := Command{
		Args: []string{"/tmp/stream_mic", "--omp_num_threads", "4"},
		Env:  map[string]string{"OMP_NUM_THREADS": "4", "KMP_AFFINITY": "scatter"},
		Dir:  "/tmp/",
	}

	assert.Equal(t,
		"export KMP_AFFINITY=scatter; export OMP_NUM_THREADS=4; cd /tmp/ && /tmp/stream_mic --omp_num_threads 4",
		RemoteCommand(cmd))
	assert.Equal(t,
		[]string{"ssh", "-i", "/keys/id_rsa", "-l", "micuser", "172.31.1.1", RemoteCommand(cmd)},
		s.SSHArgs(cmd))
	assert.Equal(t, "micuser@172.31.1.1:/tmp/", s.remotePath("/tmp/"))
	assert.Equal(t, "h:/x", NewSSH("h", "", "").remotePath("/x"))
}

func newTestResolver(t *testing.T, env map[string]string) *Resolver {
	t.Helper()
	return &Resolver{
		LookupHost: func(context.Context, string) ([]string, error) {
			return nil, errors.New("no such host")
		},
		Getenv:    func(k string) string { return env[k] },
		SysfsRoot: filepath.Join(t.TempDir(), "absent"),
	}
}

func TestResolver_Resolve(t *testing.T) {
	ctx := context.Background()

	t.Run("local", func(t *testing.T) {
		for _, name := range []string{"", "local", "localhost", "-1"} {
			target, err := newTestResolver(t, nil).Resolve(ctx, name)
			require.NoError(t, err)
			assert.Equal(t, LocalIndex, target.Index)
			assert.IsType(t, &Local{}, target.Conn)
		}
	})

	t.Run("numeric falls back to default address", func(t *testing.T) {
		r := newTestResolver(t, map[string]string{EnvMPSSUser: "micuser"})
		target, err := r.Resolve(ctx, "0")
		require.NoError(t, err)
		assert.Equal(t, "mic0", target.Name)
		assert.Equal(t, 0, target.Index)
		assert.Equal(t, "172.31.1.1", target.Conn.Host())
		assert.Equal(t, "micuser", target.Conn.(*SSH).User)
	})

	t.Run("loose match", func(t *testing.T) {
		r := newTestResolver(t, map[string]string{EnvMPSSUser: "u"})
		target, err := r.Resolve(ctx, "node7-mic3")
		require.NoError(t, err)
		assert.Equal(t, 3, target.Index)
		assert.Equal(t, "172.31.4.1", target.Conn.Host())
	})

	t.Run("dns hit", func(t *testing.T) {
		r := newTestResolver(t, map[string]string{EnvMPSSUser: "u"})
		r.LookupHost = func(context.Context, string) ([]string, error) { return []string{"10.0.0.5"}, nil }
		target, err := r.Resolve(ctx, "mic1")
		require.NoError(t, err)
		assert.Equal(t, 1, target.Index)
		assert.Equal(t, "10.0.0.5", target.Conn.Host())
	})

	t.Run("no index", func(t *testing.T) {
		r := newTestResolver(t, map[string]string{EnvMPSSUser: "u"})
		_, err := r.Resolve(ctx, "gateway")
		assert.Equal(t, perferr.ELookup, perferr.ExitCode(err))
	})

	t.Run("missing ssh key", func(t *testing.T) {
		r := newTestResolver(t, map[string]string{
			EnvMPSSUser:   "u",
			EnvMPSSSSHKey: "/does/not/exist",
		})
		_, err := r.Resolve(ctx, "mic0")
		assert.Equal(t, perferr.EIO, perferr.ExitCode(err))
	})
}

func TestMock_RecordsCalls(t *testing.T) {
	m := &Mock{
		ExecuteFunc: func(_ context.Context, cmd Command) (Result, error) {
			return Result{Stdout: cmd.Args[0], ExitCode: 2}, nil
		},
	}
	res, err := Run(context.Background(), m, Command{Args: []string{"bin"}})
	require.NoError(t, err)
	assert.Equal(t, Result{Stdout: "bin", ExitCode: 2}, res)

	require.NoError(t, m.CopyTo(context.Background(), []string{"a"}, "/tmp/"))
	assert.Len(t, m.CallsTo("Execute"), 1)
	assert.Equal(t, "/tmp/", m.CallsTo("CopyTo")[0].Dest)
}

func TestEnvHelpers(t *testing.T) {
	env := EnvMap([]string{"A=1", "B=x=y", "broken"})
	assert.Equal(t, map[string]string{"A": "1", "B": "x=y"}, env)
	assert.Equal(t, []string{"A=1", "B=x=y"}, EnvList(env))
}
