// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/micperf/internal/perferr"
	"github.com/AleutianAI/micperf/pkg/ux"
)

// DefaultMargin is the relative regression tolerance when none is given.
const DefaultMargin = 0.04

// Report lines of the regression test.
const (
	lineRegression = "[----------] Performance regression"
	linePassed     = "[  PASSED  ] 1 test."
	lineFailed     = "[  FAILED  ] 1 test."
)

// -----------------------------------------------------------------------------
// Statistical model
// -----------------------------------------------------------------------------

// LoadModel reads a statistical model from a YAML file of the form
//
//	stream:
//	  local:
//	    "STREAM Version 5.10 with 68 threads": [421.5, 3.2]
func LoadModel(path string) (Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, perferr.Wrap(perferr.KindIO, err, "reading statistical model %s", path)
	}
	var m Model
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, perferr.Wrap(perferr.KindParse, err, "parsing statistical model %s", path)
	}
	return m, nil
}

// -----------------------------------------------------------------------------
// Gate Configuration
// -----------------------------------------------------------------------------

// GateConfig configures the regression gate.
type GateConfig struct {
	// Margin is the tolerated relative loss in relative mode.
	// Default: DefaultMargin
	Margin float64

	// Model switches the gate to statistical mode when non-empty.
	Model Model

	// Console receives the report lines.
	Console *ux.Console

	// Logger for diagnostics.
	Logger *slog.Logger
}

// DefaultGateConfig returns the relative mode defaults.
func DefaultGateConfig() *GateConfig {
	return &GateConfig{
		Margin:  DefaultMargin,
		Console: ux.Default(),
		Logger:  slog.Default(),
	}
}

// GateOption configures the gate.
type GateOption func(*GateConfig)

// WithMargin sets the relative tolerance. Negative values are ignored.
func WithMargin(margin float64) GateOption {
	return func(c *GateConfig) {
		if margin >= 0 {
			c.Margin = margin
		}
	}
}

// WithModel enables statistical mode.
func WithModel(model Model) GateOption {
	return func(c *GateConfig) {
		c.Model = model
	}
}

// WithConsole sets where the report lines go.
func WithConsole(console *ux.Console) GateOption {
	return func(c *GateConfig) {
		if console != nil {
			c.Console = console
		}
	}
}

// WithGateLogger sets the logger.
func WithGateLogger(logger *slog.Logger) GateOption {
	return func(c *GateConfig) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// -----------------------------------------------------------------------------
// Gate
// -----------------------------------------------------------------------------

// Finding is one result outside tolerance.
type Finding struct {
	Kernel  string
	Offload string
	Desc    string

	// Deviation is the signed relative deviation; negative is a loss.
	Deviation float64
}

// Decision is the outcome of a regression check.
type Decision struct {
	// Pass is false when any result regressed beyond tolerance.
	Pass bool

	// Statistical is true when the check used a model.
	Statistical bool

	// Regressions lists every result beyond tolerance, in check order.
	Regressions []Finding

	// Worst is the most negative deviation, 0 when nothing regressed.
	Worst float64

	// Best is the largest improvement beyond tolerance, 0 when none.
	Best float64
}

// Gate decides whether a run regressed against a reference run or a
// statistical model.
//
// Description:
//
//	Only kernels and offload bases present in both collections are
//	checked. For optimal categories the optimal stat of each side is
//	compared; otherwise the stat lists are paired in order and the
//	shorter list bounds the pairs.
//
//	Relative mode flags a pair whose Sub is below -Margin. Statistical
//	mode flags a result below its model's three sigma band; results
//	above the band count as improvements. In both modes a negative
//	deviation is a loss.
//
// Thread Safety: Safe for concurrent use.
type Gate struct {
	config *GateConfig
	logger *slog.Logger
}

// NewGate creates a gate.
func NewGate(opts ...GateOption) *Gate {
	config := DefaultGateConfig()
	for _, opt := range opts {
		opt(config)
	}
	return &Gate{config: config, logger: config.Logger}
}

// Check compares actual against ref and prints the verdict.
//
// Inputs:
//   - ctx: Context for tracing.
//   - actual: The collection under test. Must not be nil.
//   - ref: The reference collection. Must not be nil; in statistical
//     mode it only selects which kernels and offloads are checked.
//
// Outputs:
//   - *Decision: Never nil when err is nil.
//   - error: wraps perferr.ErrPerfRegression when the run regressed.
func (g *Gate) Check(ctx context.Context, actual, ref *Collection) (*Decision, error) {
	if actual == nil || ref == nil {
		return nil, errors.New("collections must not be nil")
	}
	statistical := len(g.config.Model) > 0

	_, span := otel.Tracer("stats").Start(ctx, "stats.Gate.Check",
		trace.WithAttributes(
			attribute.String("actual", actual.Tag),
			attribute.String("reference", ref.Tag),
			attribute.Bool("statistical", statistical),
			attribute.Float64("margin", g.config.Margin),
		),
	)
	defer span.End()

	decision := &Decision{Statistical: statistical}
	for _, key := range actual.SharedKeys(ref) {
		mine, theirs := g.pairs(actual, ref, key)
		if statistical {
			g.checkStatistical(decision, key, mine)
		} else {
			g.checkRelative(decision, key, mine, theirs)
		}
	}
	decision.Pass = len(decision.Regressions) == 0
	g.printVerdict(decision)

	span.SetAttributes(
		attribute.Bool("pass", decision.Pass),
		attribute.Int("regressions", len(decision.Regressions)),
		attribute.Float64("worst", decision.Worst),
	)
	g.logger.Info("regression check completed",
		slog.String("tag", actual.Tag),
		slog.String("reference", ref.Tag),
		slog.Bool("pass", decision.Pass),
		slog.Int("regressions", len(decision.Regressions)),
	)

	if !decision.Pass {
		span.SetStatus(codes.Error, "performance regression")
		return decision, fmt.Errorf("%w: worst %.4f%%", perferr.ErrPerfRegression, -decision.Worst*100)
	}
	return decision, nil
}

func (g *Gate) pairs(actual, ref *Collection, key SharedKey) ([]*Stats, []*Stats) {
	if actual.Args.IsOptimal() {
		return []*Stats{actual.OptimalStat(key.Kernel, key.Offload)},
			[]*Stats{ref.OptimalStat(key.Kernel, key.Offload)}
	}
	return actual.StatList(key.Kernel, key.Offload), ref.StatList(key.Kernel, key.Offload)
}

func (g *Gate) checkRelative(d *Decision, key SharedKey, mine, theirs []*Stats) {
	n := min(len(mine), len(theirs))
	for i := range n {
		a, e := mine[i], theirs[i]
		if a == nil || e == nil {
			continue
		}
		rel, err := a.Sub(e)
		if err != nil {
			g.logger.Debug("skipping incomparable result",
				slog.String("kernel", key.Kernel), slog.String("desc", a.Desc), slog.String("error", err.Error()))
			continue
		}
		switch {
		case rel < -g.config.Margin:
			g.record(d, key, a.Desc, rel)
		case rel > g.config.Margin && rel > d.Best:
			d.Best = rel
		}
	}
}

func (g *Gate) checkStatistical(d *Decision, key SharedKey, mine []*Stats) {
	for _, a := range mine {
		if a == nil {
			continue
		}
		dev, outside, err := a.StatisticalComparison(g.config.Model, key.Kernel, key.Offload)
		if err != nil {
			g.config.Console.Print(ux.CatWarn, err.Error())
			continue
		}
		if !outside {
			continue
		}
		if dev < 0 {
			g.record(d, key, a.Desc, dev)
		} else if dev > d.Best {
			d.Best = dev
		}
	}
}

func (g *Gate) record(d *Decision, key SharedKey, desc string, dev float64) {
	d.Regressions = append(d.Regressions, Finding{Kernel: key.Kernel, Offload: key.Offload, Desc: desc, Deviation: dev})
	if dev < d.Worst {
		d.Worst = dev
	}
	g.config.Console.Println(
		lineRegression,
		fmt.Sprintf("[----------] %s %s %.4f%% (%s)", key.Kernel, key.Offload, -dev*100, desc),
	)
}

func (g *Gate) printVerdict(d *Decision) {
	c := g.config.Console
	switch {
	case !d.Pass:
		c.Println(fmt.Sprintf("[----------] Worst regression %.4f%%", -d.Worst*100))
		c.Verdict(lineFailed, false)
	case d.Best != 0:
		c.Println(fmt.Sprintf("[----------] Best improvement %.4f%%", d.Best*100))
		c.Verdict(linePassed, true)
	default:
		c.Println("[----------] Measured performance within margin of reference data")
		c.Verdict(linePassed, true)
	}
}
