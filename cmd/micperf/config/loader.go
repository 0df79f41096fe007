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
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/micperf/internal/connect"
	"github.com/AleutianAI/micperf/internal/kernel"
)

// Environment variables that override the file.
const (
	EnvDataDir       = "MIC_PERF_DATA"
	EnvTraceExporter = "OTEL_TRACES_EXPORTER"
)

var configValidate = validator.New()

// DefaultPath returns ~/.micperf/micperf.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".micperf", "micperf.yaml"), nil
}

// Load reads the configuration at path, creating it with defaults on
// first run. Environment overrides are applied and the result is
// validated.
func Load(path string, notice io.Writer) (MicperfConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if notice != nil {
			fmt.Fprintf(notice, "First run detected, creating the config at %s\n", path)
		}
		if err := createDefault(path); err != nil {
			return MicperfConfig{}, err
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return MicperfConfig{}, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return MicperfConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults, then applies the environment and
// validates.
func Parse(data []byte) (MicperfConfig, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return MicperfConfig{}, fmt.Errorf("failed to parse the config: %w", err)
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return MicperfConfig{}, err
	}
	return cfg, nil
}

// Validate checks the field constraints.
func (c *MicperfConfig) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// ApplyEnv lets the environment override the file.
func (c *MicperfConfig) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.ExecDir, kernel.EnvExecDir)
	set(&c.Store.DataDir, EnvDataDir)
	set(&c.Device.User, connect.EnvMPSSUser)
	set(&c.Device.SSHKey, connect.EnvMPSSSSHKey)
	set(&c.Telemetry.TraceExporter, EnvTraceExporter)
}

// ExportEnv publishes the settings that the kernel lookup, the file
// store and the device resolver read from the environment.
func (c *MicperfConfig) ExportEnv(setenv func(key, value string) error) error {
	for key, value := range map[string]string{
		kernel.EnvExecDir:     c.ExecDir,
		EnvDataDir:            c.Store.DataDir,
		connect.EnvMPSSUser:   c.Device.User,
		connect.EnvMPSSSSHKey: c.Device.SSHKey,
	} {
		if value == "" {
			continue
		}
		if err := setenv(key, value); err != nil {
			return fmt.Errorf("setting %s: %w", key, err)
		}
	}
	return nil
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
