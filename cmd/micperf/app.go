// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/tebeka/atexit"

	"github.com/AleutianAI/micperf/cmd/micperf/config"
	"github.com/AleutianAI/micperf/internal/export"
	"github.com/AleutianAI/micperf/internal/kernel"
	"github.com/AleutianAI/micperf/internal/kernel/kernels"
	"github.com/AleutianAI/micperf/internal/run"
	"github.com/AleutianAI/micperf/internal/stats"
	"github.com/AleutianAI/micperf/internal/telemetry"
	"github.com/AleutianAI/micperf/pkg/logging"
	"github.com/AleutianAI/micperf/pkg/ux"
)

// shutdownTimeout bounds flushing traces and closing sinks at exit.
const shutdownTimeout = 5 * time.Second

// app holds what the commands share. setup fills it from the
// configuration file once per process; tests fill it directly.
type app struct {
	configPath string
	logLevel   string

	console  *ux.Console
	cfg      config.MicperfConfig
	logger   *logging.Logger
	registry *kernel.Registry
	store    stats.Store
	metrics  *telemetry.RunMetrics
	sink     export.Sink

	// runOverrides adjusts the runner collaborators; tests replace the
	// device resolution with fakes.
	runOverrides func(*run.Config)

	// atExit registers a shutdown hook.
	atExit func(func())

	ready bool
}

func newApp(console *ux.Console) *app {
	return &app{
		console: console,
		atExit: func(hook func()) {
			atexit.Register(hook)
		},
	}
}

// setup loads the configuration and opens the shared resources. Every
// resource that needs releasing registers an exit hook.
func (a *app) setup(ctx context.Context) error {
	if a.ready {
		return nil
	}

	path := a.configPath
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return err
		}
	}
	cfg, err := config.Load(path, os.Stderr)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if err := cfg.ExportEnv(os.Setenv); err != nil {
		return err
	}
	a.cfg = cfg

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	a.logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "micperf",
		JSON:    cfg.Logging.JSON,
	})
	slog.SetDefault(a.logger.Slog())
	a.atExit(func() { _ = a.logger.Close() })

	tel := cfg.Telemetry
	tel.ServiceVersion = version
	shutdown, err := telemetry.Init(ctx, tel)
	if err != nil {
		return err
	}
	a.atExit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			a.logger.Warn("trace shutdown failed", "error", err.Error())
		}
	})

	if a.store, err = openStore(cfg.Store, a.logger.Slog()); err != nil {
		return err
	}
	a.atExit(func() { _ = a.store.Close() })

	if a.sink, err = openSinks(ctx, cfg.Export, a.logger.Slog()); err != nil {
		return err
	}
	if a.sink != nil {
		a.atExit(func() { _ = a.sink.Close() })
	}

	a.metrics = telemetry.NewRunMetrics()
	a.registry = kernels.NewRegistry(a.console)
	a.ready = true
	return nil
}

func openStore(cfg config.StoreConfig, logger *slog.Logger) (stats.Store, error) {
	if cfg.Backend == config.StoreBadger {
		bc := stats.DefaultBadgerConfig(cfg.BadgerPath)
		bc.Logger = logger
		return stats.OpenBadgerStore(bc)
	}
	return stats.NewFileStore(cfg.DataDir), nil
}

func openSinks(ctx context.Context, cfg config.ExportConfig, logger *slog.Logger) (export.Sink, error) {
	var sinks []export.Sink
	if cfg.Influx != nil {
		sinks = append(sinks, export.NewInflux(*cfg.Influx))
	}
	if cfg.GCS != nil {
		gcs, err := export.NewGCS(ctx, *cfg.GCS)
		if err != nil {
			return nil, fmt.Errorf("opening the GCS export: %w", err)
		}
		sinks = append(sinks, gcs)
	}
	if len(sinks) == 0 {
		return nil, nil
	}
	return export.NewMulti(logger, sinks...), nil
}

// runConfig assembles the runner collaborators.
//
// The file backend stores runs in the output directory only, so the
// runner gets no store; any other backend keeps every run.
func (a *app) runConfig() run.Config {
	cfg := run.Config{
		Registry: a.registry,
		Version:  version,
		DDROnly:  a.cfg.Device.DDROnly,
		Metrics:  a.metrics,
		Sink:     a.sink,
		Console:  a.console,
		Logger:   a.slog(),
	}
	if _, ok := a.store.(*stats.FileStore); !ok && a.store != nil {
		cfg.Store = a.store
	}
	if a.runOverrides != nil {
		a.runOverrides(&cfg)
	}
	return cfg
}

func (a *app) slog() *slog.Logger {
	if a.logger == nil {
		return slog.Default()
	}
	return a.logger.Slog()
}

// writeMetrics writes the run metrics textfile when one is configured.
func (a *app) writeMetrics() {
	path := a.cfg.Metrics.TextfilePath
	if path == "" || a.metrics == nil {
		return
	}
	if err := a.metrics.Write(path); err != nil {
		a.slog().Warn("writing run metrics failed", slog.String("path", path), slog.String("error", err.Error()))
	}
}
