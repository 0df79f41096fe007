// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"github.com/AleutianAI/micperf/internal/export"
	"github.com/AleutianAI/micperf/internal/telemetry"
)

// Store backends.
const (
	StoreFile   = "file"
	StoreBadger = "badger"
)

// MicperfConfig is the content of ~/.micperf/micperf.yaml.
type MicperfConfig struct {
	// ExecDir holds the kernel binaries. MIC_PERF_EXEC wins over it.
	ExecDir string `yaml:"exec_dir"`

	Store     StoreConfig      `yaml:"store"`
	Device    DeviceConfig     `yaml:"device"`
	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Export    ExportConfig     `yaml:"export"`
}

// StoreConfig selects where runs are persisted.
type StoreConfig struct {
	// Backend is "file" (one JSON file per run) or "badger".
	Backend string `yaml:"backend" validate:"oneof=file badger"`

	// DataDir is the file store directory. MIC_PERF_DATA wins over it.
	DataDir string `yaml:"data_dir"`

	// BadgerPath is the badger database directory.
	BadgerPath string `yaml:"badger_path" validate:"required_if=Backend badger"`
}

// DeviceConfig holds the defaults for remote devices.
type DeviceConfig struct {
	// User logs into the device. INTEL_MPSS_USER wins over it.
	User string `yaml:"user"`

	// SSHKey is the identity file. INTEL_MPSS_SSH_KEY wins over it.
	SSHKey string `yaml:"ssh_key"`

	// DDROnly ignores MCDRAM when sizing kernels.
	DDROnly bool `yaml:"ddr_only"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

type MetricsConfig struct {
	// TextfilePath receives the run metrics in the Prometheus text
	// format after every run. Empty disables it.
	TextfilePath string `yaml:"textfile_path"`
}

// ExportConfig enables the optional result sinks.
type ExportConfig struct {
	Influx *export.InfluxConfig `yaml:"influx,omitempty"`
	GCS    *export.GCSConfig    `yaml:"gcs,omitempty"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() MicperfConfig {
	tel := telemetry.DefaultConfig()
	tel.TraceExporter = telemetry.ExporterNone
	return MicperfConfig{
		Store: StoreConfig{
			Backend: StoreFile,
		},
		Logging: LoggingConfig{
			Level: "warn",
			Dir:   "~/.micperf/logs",
		},
		Telemetry: tel,
	}
}
