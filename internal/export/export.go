// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package export publishes finished runs outside the local results
// store: as InfluxDB points for dashboards, and as objects in a Google
// Cloud Storage bucket for archiving.
//
// Export failures never change the outcome of a run. Callers log them.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/micperf/internal/stats"
)

// Run is what a sink publishes.
type Run struct {
	// Collection holds the results.
	Collection *stats.Collection

	// Files are artifacts written for the run: CSV tables, plot data,
	// the kernel log.
	Files []string
}

// Sink publishes runs.
type Sink interface {
	// Name identifies the sink in messages.
	Name() string

	// Export publishes run.
	Export(ctx context.Context, run Run) error

	// Close releases the sink.
	Close() error
}

// Multi fans a run out to several sinks.
//
// Thread Safety: Not safe for concurrent use.
type Multi struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewMulti returns a sink exporting to every non-nil sink in order.
func NewMulti(logger *slog.Logger, sinks ...Sink) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Multi{logger: logger}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Name implements Sink.
func (m *Multi) Name() string { return "multi" }

// Len returns the number of sinks.
func (m *Multi) Len() int { return len(m.sinks) }

// Export implements Sink. Every sink is tried; the failures are joined.
func (m *Multi) Export(ctx context.Context, run Run) error {
	if run.Collection == nil {
		return errors.New("export: nil collection")
	}
	var errs []error
	for _, s := range m.sinks {
		if err := s.Export(ctx, run); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		m.logger.Info("run exported",
			slog.String("sink", s.Name()),
			slog.String("tag", run.Collection.Tag),
		)
	}
	return errors.Join(errs...)
}

// Close implements Sink.
func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

var _ Sink = (*Multi)(nil)
