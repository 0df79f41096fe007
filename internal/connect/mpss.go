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
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/AleutianAI/micperf/internal/perferr"
)

// Environment variables read while resolving a device.
const (
	EnvMPSSUser   = "INTEL_MPSS_USER"
	EnvMPSSSSHKey = "INTEL_MPSS_SSH_KEY"
)

// LocalIndex is the offload index of the host itself.
const LocalIndex = -1

// Target is a resolved device: how to reach it and which offload index it
// answers to.
type Target struct {
	Conn  Connection
	Name  string
	Index int
}

// Resolver turns a device name ("0", "mic1", "localhost", a hostname)
// into a Target.
//
// # Description
//
// Numeric names become "mic<N>". A name that does not resolve through DNS
// but carries a mic index falls back to the default address
// 172.31.<N+1>.1. The offload index is taken from an exact "mic<N>" match,
// then from the MIC sysfs serial numbers, then from the last "mic<N>"
// anywhere in the name.
type Resolver struct {
	LookupHost func(ctx context.Context, host string) ([]string, error)
	Getenv     func(string) string
	SysfsRoot  string
}

// NewResolver returns a Resolver using DNS, the process environment and
// /sys/class.
func NewResolver() *Resolver {
	return &Resolver{
		LookupHost: net.DefaultResolver.LookupHost,
		Getenv:     os.Getenv,
		SysfsRoot:  "/sys/class",
	}
}

// IsLocal reports whether device names the host itself.
func IsLocal(device string) bool {
	switch device {
	case "", "local", "localhost", "-1":
		return true
	}
	return false
}

var (
	exactMicRe = regexp.MustCompile(`^mic([0-9]+)$`)
	looseMicRe = regexp.MustCompile(`.*mic([0-9]+)`)
)

// Resolve builds the Target for device.
func (r *Resolver) Resolve(ctx context.Context, device string) (*Target, error) {
	if IsLocal(device) {
		return &Target{Conn: NewLocal(), Name: "localhost", Index: LocalIndex}, nil
	}

	host := device
	if _, err := strconv.Atoi(device); err == nil {
		host = "mic" + device
	}

	usr, err := r.user()
	if err != nil {
		return nil, err
	}
	key, err := r.sshKey()
	if err != nil {
		return nil, err
	}

	addr := host
	if addrs, err := r.LookupHost(ctx, host); err == nil && len(addrs) > 0 {
		addr = addrs[0]
	} else if m := looseMicRe.FindStringSubmatch(host); m != nil {
		n, _ := strconv.Atoi(m[1])
		addr = fmt.Sprintf("172.31.%d.1", n+1)
	}

	t := &Target{Conn: NewSSH(addr, usr, key), Name: host}
	t.Index, err = r.offloadIndex(ctx, host, t.Conn)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r *Resolver) user() (string, error) {
	if u := r.Getenv(EnvMPSSUser); u != "" {
		return u, nil
	}
	cur, err := user.Current()
	if err != nil {
		return "", perferr.Wrap(perferr.KindAccess, err, "unable to determine the device user, set %s", EnvMPSSUser)
	}
	return cur.Username, nil
}

func (r *Resolver) sshKey() (string, error) {
	key := r.Getenv(EnvMPSSSSHKey)
	if key == "" {
		return "", nil
	}
	if _, err := os.Stat(key); err != nil {
		return "", perferr.Wrap(perferr.KindIO, err,
			"Could not open ssh key %s, set environment variable %s to specify path to key", key, EnvMPSSSSHKey)
	}
	return key, nil
}

// offloadIndex tries the exact name, the sysfs serial map, then a loose
// match, and reports every failure when all three miss.
func (r *Resolver) offloadIndex(ctx context.Context, host string, conn Connection) (int, error) {
	if m := exactMicRe.FindStringSubmatch(host); m != nil {
		return strconv.Atoi(m[1])
	}
	idx, sysErr := r.indexFromSysfs(ctx, conn)
	if sysErr == nil {
		return idx, nil
	}
	if m := looseMicRe.FindStringSubmatch(host); m != nil {
		return strconv.Atoi(m[1])
	}
	return 0, perferr.Wrap(perferr.KindLookup, sysErr,
		"could not determine mic index for %q from exact match, sysfs entries or loose match", host)
}

func (r *Resolver) indexFromSysfs(ctx context.Context, conn Connection) (int, error) {
	entries, err := os.ReadDir(filepath.Join(r.SysfsRoot, "mic"))
	if err != nil {
		return 0, err
	}
	res, err := Run(ctx, conn, Command{Args: []string{"cat", "/sys/class/micras/hwinf"}})
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		m := exactMicRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		serial, err := os.ReadFile(filepath.Join(r.SysfsRoot, "mic", e.Name(), "serialnumber"))
		if err != nil {
			continue
		}
		s := strings.TrimSpace(string(serial))
		if s != "" && strings.Contains(res.Stdout, s) {
			return strconv.Atoi(m[1])
		}
	}
	return 0, errors.New("no mic serial number matches the device hardware info")
}
