// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package deviceinfo describes the hardware a run executes on.
//
// # Description
//
// Info is an immutable value built once per run by Detect and passed to
// every kernel constructor and offload call. Kernels read it to size
// their default parameters; stats read the hardware hash and version to
// tag stored runs.
//
// # Thread Safety
//
// Info is a plain value; copies are independent and safe to share.
package deviceinfo

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Processor codenames of supported Xeon Phi parts.
const (
	CodenameKNL = "KNL"
	CodenameKNM = "KNM"
)

// Threads that saturate one partition in sub-NUMA cluster modes.
const (
	maxThreadsSNC2 = 32
	maxThreadsSNC4 = 16
)

// NotAvailable is reported for properties the platform does not expose.
const NotAvailable = "NotAvailable"

const mib = 1024 * 1024

// Info is the hardware and software description of the target.
type Info struct {
	// Index is the offload index, -1 for the host itself.
	Index int

	// SelfBoot is true when the host processor is a Xeon Phi.
	SelfBoot bool

	VendorID  string
	Family    string
	Model     string
	ModelName string
	Stepping  string
	SpeedMHz  float64

	// Cores is the number of physical cores.
	Cores int

	// PhysicalMemoryMB is the DDR memory size.
	PhysicalMemoryMB int64

	// HighBandwidthMB is the MCDRAM size when it can be allocated
	// explicitly, otherwise equal to PhysicalMemoryMB.
	HighBandwidthMB int64

	// HasMCDRAM is true when MCDRAM is in flat or hybrid mode.
	HasMCDRAM bool

	// HBW is the comma separated list of high bandwidth NUMA nodes.
	HBW string

	// NodesWithCPUs counts NUMA nodes that own CPUs; more than one means
	// a sub-NUMA cluster mode.
	NodesWithCPUs int

	OSName    string
	OSVersion string

	// Version is the micperf version stamped on stored runs.
	Version string
}

// CoreCount returns the number of physical cores.
func (i Info) CoreCount() int {
	return i.Cores
}

// MemorySize returns the memory available to kernels in bytes: MCDRAM
// when present, DDR otherwise.
func (i Info) MemorySize() int64 {
	return i.HighBandwidthMB * mib
}

// DDRMemoryMB returns the DDR size in MB, 0 when unknown.
func (i Info) DDRMemoryMB() int64 {
	return i.PhysicalMemoryMB
}

// ClusterPartitioned reports a sub-NUMA cluster mode (SNC2 or SNC4).
func (i Info) ClusterPartitioned() bool {
	return i.NodesWithCPUs > 1
}

// MCDRAMAvailable reports whether MCDRAM can be allocated explicitly.
func (i Info) MCDRAMAvailable() bool {
	return i.HasMCDRAM
}

// HBWNodes returns the high bandwidth node list, empty when none.
func (i Info) HBWNodes() string {
	return i.HBW
}

// MaxThreadsPerPartition returns the thread count (one per core) that
// saturates one quadrant or hemisphere.
//
// # Outputs
//
//   - int: the thread count. Outside SNC modes this is CoreCount.
//   - error: non-nil when the node count matches neither SNC2 nor SNC4.
func (i Info) MaxThreadsPerPartition() (int, error) {
	if !i.ClusterPartitioned() {
		return i.Cores, nil
	}
	switch i.NodesWithCPUs {
	case 2:
		if i.Cores == 72 {
			return maxThreadsSNC2 + 4, nil
		}
		return maxThreadsSNC2, nil
	case 4:
		if i.Cores == 72 {
			return maxThreadsSNC4 + 2, nil
		}
		return maxThreadsSNC4, nil
	default:
		return 0, fmt.Errorf("system doesn't seem to be in SNC2 or SNC4 mode: %d nodes with CPUs", i.NodesWithCPUs)
	}
}

// Codename returns KNL, KNM, or "" for other processors.
func (i Info) Codename() string {
	if i.Family != "6" {
		return ""
	}
	switch i.Model {
	case "87":
		return CodenameKNL
	case "133":
		return CodenameKNM
	}
	return ""
}

var skuRe = regexp.MustCompile(`72\d\d`)

// SKU returns the Xeon Phi 72xx SKU from the model name.
func (i Info) SKU() string {
	if s := skuRe.FindString(i.ModelName); s != "" {
		return s
	}
	return NotAvailable
}

// WithDDROnly returns a copy that ignores MCDRAM.
func (i Info) WithDDROnly() Info {
	if i.HasMCDRAM {
		i.HighBandwidthMB = i.PhysicalMemoryMB
		i.HasMCDRAM = false
	}
	return i
}

// HWHash returns an 8 hex digit fingerprint of the hardware.
//
// # Description
//
// Speeds are rounded to 100 MHz and memory sizes to 1000 MB first so
// that small run-to-run differences do not change the hash.
func (i Info) HWHash() string {
	pairs := []struct{ key, value string }{
		{"CPU Family", i.Family},
		{"Vendor ID", i.VendorID},
		{"CPU Model", i.Model},
		{"CPU Model Name", strings.Join(strings.Fields(i.ModelName), " ")},
		{"CPU Stepping", i.Stepping},
		{"CPU Speed", normalizeSpeed(i.SpeedMHz)},
		{"Total No of Active Cores", strconv.Itoa(i.Cores)},
		{"MCDRAM Size", normalizeMemory(i.HighBandwidthMB)},
	}
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if p.value == "" {
			continue
		}
		parts = append(parts, p.key+"="+p.value)
	}
	sum := md5.Sum([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(sum[:])[:8]
}

func normalizeSpeed(mhz float64) string {
	if mhz <= 0 {
		return ""
	}
	khz := math.Round(mhz/100) * 100 * 1000
	return fmt.Sprintf("%d kHz", int64(khz))
}

func normalizeMemory(mb int64) string {
	if mb <= 0 {
		return ""
	}
	rounded := math.Round(float64(mb)/1000) * 1000
	return fmt.Sprintf("%d MB", int64(rounded))
}

// String summarizes the device for the run banner.
func (i Info) String() string {
	name := "host"
	if i.Index >= 0 {
		name = fmt.Sprintf("mic%d", i.Index)
	}
	return fmt.Sprintf("%s: %s, %d cores, %.0f MHz, %d MB memory, hash %s",
		name, i.ModelName, i.Cores, i.SpeedMHz, i.HighBandwidthMB, i.HWHash())
}
