// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package deviceinfo

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/host"
	"github.com/shirou/gopsutil/mem"

	"github.com/AleutianAI/micperf/internal/connect"
	"github.com/AleutianAI/micperf/internal/perferr"
)

// Options controls Detect.
type Options struct {
	// Index is the offload index; -1 inspects the host with gopsutil,
	// any other value reads procfs through Conn.
	Index int

	// Conn reaches the device. Required when Index >= 0.
	Conn connect.Connection

	// Local runs memkind and numactl on the host. Defaults to
	// connect.NewLocal().
	Local connect.Connection

	// NodeRoot is the sysfs NUMA directory, /sys/devices/system/node by
	// default.
	NodeRoot string

	// Version is stamped on the result.
	Version string

	// DDROnly ignores MCDRAM even when it is available.
	DDROnly bool

	Logger *slog.Logger
}

// Detect inspects the target once and returns its description.
//
// # Description
//
// The host is inspected with gopsutil. A coprocessor is inspected by
// reading /proc/cpuinfo and /proc/meminfo over its connection. MCDRAM is
// discovered with memkind-hbw-nodes and numactl; when either is missing
// the run continues on DDR memory.
//
// # Outputs
//
//   - Info: the device description.
//   - error: KindMPSSUnavailable when the device cannot be queried.
func Detect(ctx context.Context, opts Options) (Info, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Local == nil {
		opts.Local = connect.NewLocal()
	}
	if opts.NodeRoot == "" {
		opts.NodeRoot = "/sys/devices/system/node"
	}

	var info Info
	var err error
	if opts.Index < 0 {
		info, err = detectHost(ctx)
	} else {
		if opts.Conn == nil {
			return Info{}, perferr.New(perferr.KindMPSSUnavailable, "no connection to device %d", opts.Index)
		}
		info, err = detectRemote(ctx, opts.Conn)
	}
	if err != nil {
		return Info{}, err
	}
	info.Index = opts.Index
	info.Version = opts.Version
	info.SelfBoot = opts.Index < 0 && info.Codename() != ""
	info.NodesWithCPUs = countNodesWithCPUs(opts.NodeRoot, logger)
	info.HighBandwidthMB = info.PhysicalMemoryMB

	if nodes, size, err := mcdram(ctx, opts.Local); err == nil {
		info.HBW = nodes
		info.HighBandwidthMB = size
		info.HasMCDRAM = true
	} else if info.SelfBoot {
		logger.Info("unable to find MCDRAM numa nodes, benchmarks will execute in DDR memory", "error", err)
	}
	if opts.DDROnly {
		info = info.WithDDROnly()
		logger.Info("using only DDR memory")
	}
	return info, nil
}

func detectHost(ctx context.Context) (Info, error) {
	cpus, err := cpu.InfoWithContext(ctx)
	if err != nil || len(cpus) == 0 {
		return Info{}, perferr.Wrap(perferr.KindException, err, "unable to read processor information")
	}
	first := cpus[0]
	info := Info{
		VendorID:  first.VendorID,
		Family:    first.Family,
		Model:     first.Model,
		ModelName: first.ModelName,
		Stepping:  strconv.Itoa(int(first.Stepping)),
	}
	cores := map[string]bool{}
	for _, c := range cpus {
		cores[c.PhysicalID+"/"+c.CoreID] = true
		info.SpeedMHz = max(info.SpeedMHz, c.Mhz)
	}
	info.Cores = len(cores)
	if info.Cores <= 1 {
		if n, err := cpu.CountsWithContext(ctx, false); err == nil && n > 0 {
			info.Cores = n
		}
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Info{}, perferr.Wrap(perferr.KindException, err, "unable to read memory information")
	}
	info.PhysicalMemoryMB = int64(vm.Total / mib)

	if h, err := host.InfoWithContext(ctx); err == nil {
		info.OSName = strings.ToLower(h.OS)
		info.OSVersion = strings.ToLower(h.KernelVersion)
	}
	return info, nil
}

func detectRemote(ctx context.Context, conn connect.Connection) (Info, error) {
	cpuinfo, err := connect.Run(ctx, conn, connect.Command{Args: []string{"cat", "/proc/cpuinfo"}})
	if err != nil || cpuinfo.ExitCode != 0 {
		return Info{}, perferr.Wrap(perferr.KindMPSSUnavailable, err, "unable to read /proc/cpuinfo on %s", conn.Host())
	}
	meminfo, err := connect.Run(ctx, conn, connect.Command{Args: []string{"cat", "/proc/meminfo"}})
	if err != nil || meminfo.ExitCode != 0 {
		return Info{}, perferr.Wrap(perferr.KindMPSSUnavailable, err, "unable to read /proc/meminfo on %s", conn.Host())
	}
	info, err := ParseCPUInfo(cpuinfo.Stdout)
	if err != nil {
		return Info{}, err
	}
	info.PhysicalMemoryMB, err = ParseMemTotal(meminfo.Stdout)
	if err != nil {
		return Info{}, err
	}
	if uname, err := connect.Run(ctx, conn, connect.Command{Args: []string{"uname", "-r"}}); err == nil {
		info.OSName = "linux"
		info.OSVersion = strings.ToLower(strings.TrimSpace(uname.Stdout))
	}
	return info, nil
}

// ParseCPUInfo reads the fields of /proc/cpuinfo text.
func ParseCPUInfo(text string) (Info, error) {
	var info Info
	field := func(name string) string {
		re := regexp.MustCompile(`(?m)^` + regexp.QuoteMeta(name) + `\s*:\s*(.*)$`)
		if m := re.FindStringSubmatch(text); m != nil {
			return strings.TrimSpace(m[1])
		}
		return ""
	}
	info.VendorID = field("vendor_id")
	info.Family = field("cpu family")
	info.Model = field("model")
	info.ModelName = field("model name")
	info.Stepping = field("stepping")

	for _, m := range regexp.MustCompile(`cpu MHz\s*:\s+([\d.]+)`).FindAllStringSubmatch(text, -1) {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			info.SpeedMHz = max(info.SpeedMHz, v)
		}
	}
	cores := map[string]bool{}
	for _, m := range regexp.MustCompile(`core id\s*:\s+(\d+)`).FindAllStringSubmatch(text, -1) {
		cores[m[1]] = true
	}
	info.Cores = len(cores)
	if info.Cores == 0 {
		return Info{}, perferr.New(perferr.KindMPSSUnavailable, "no cores found in /proc/cpuinfo")
	}
	return info, nil
}

// ParseMemTotal returns MemTotal from /proc/meminfo text in MB.
func ParseMemTotal(text string) (int64, error) {
	m := regexp.MustCompile(`(?m)^MemTotal:\s*(\d+)\s*(\w+)`).FindStringSubmatch(text)
	if m == nil {
		return 0, perferr.New(perferr.KindMPSSUnavailable, "MemTotal not found in /proc/meminfo")
	}
	v, _ := strconv.ParseInt(m[1], 10, 64)
	return toMB(v, m[2])
}

func toMB(value int64, units string) (int64, error) {
	switch strings.ToLower(units) {
	case "b":
		return value / mib, nil
	case "kb":
		return value / 1024, nil
	case "mb":
		return value, nil
	case "gb":
		return value * 1024, nil
	default:
		return 0, fmt.Errorf("cannot convert '%d %s' to MB", value, units)
	}
}

var nodeDirRe = regexp.MustCompile(`^node\d+$`)

// countNodesWithCPUs counts NUMA nodes whose cpulist is not empty.
func countNodesWithCPUs(root string, logger *slog.Logger) int {
	entries, err := os.ReadDir(root)
	count := 0
	if err == nil {
		for _, e := range entries {
			if !nodeDirRe.MatchString(e.Name()) {
				continue
			}
			data, err := os.ReadFile(filepath.Join(root, e.Name(), "cpulist"))
			if err == nil && strings.TrimSpace(string(data)) != "" {
				count++
			}
		}
	}
	if count == 0 {
		logger.Warn("unable to count the number of NUMA nodes with CPUs, assuming one node with all the CPUs")
		return 1
	}
	return count
}

// mcdram returns the high bandwidth node list and their total size in MB.
func mcdram(ctx context.Context, local connect.Connection) (string, int64, error) {
	res, err := connect.Run(ctx, local, connect.Command{Args: []string{"memkind-hbw-nodes"}})
	if err != nil {
		return "", 0, err
	}
	nodes := strings.TrimSpace(res.Stdout)
	if res.ExitCode != 0 || nodes == "" {
		return "", 0, fmt.Errorf("memkind-hbw-nodes reported no high bandwidth nodes")
	}
	hw, err := connect.Run(ctx, local, connect.Command{Args: []string{"numactl", "--hardware"}})
	if err != nil {
		return "", 0, fmt.Errorf("numactl may not be installed on this system: %w", err)
	}
	size, err := SumNodeSizes(hw.Stdout, strings.Split(nodes, ","))
	if err != nil {
		return "", 0, err
	}
	return nodes, size, nil
}

// SumNodeSizes adds the "node N size: X MB" lines of numactl --hardware
// output for the given nodes.
func SumNodeSizes(numactl string, nodes []string) (int64, error) {
	var total int64
	found := false
	for _, n := range nodes {
		re := regexp.MustCompile(`node ` + regexp.QuoteMeta(strings.TrimSpace(n)) + ` size\s*:\s*(\d+)\s*(\w+)`)
		m := re.FindStringSubmatch(numactl)
		if m == nil {
			continue
		}
		v, _ := strconv.ParseInt(m[1], 10, 64)
		mb, err := toMB(v, m[2])
		if err != nil {
			return 0, err
		}
		total += mb
		found = true
	}
	if !found {
		return 0, fmt.Errorf("MCDRAM seems to be configured in cache mode and cannot be explicitly allocated")
	}
	return total, nil
}
