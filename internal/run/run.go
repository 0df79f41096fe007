// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package run drives a complete micperf run.

A run resolves the device, detects its properties, creates the requested
kernels, and executes every kernel under every requested offload method
with the parameter sets of one category. The results are gathered in a
stats.Collection that is persisted, reported at the requested verbosity,
optionally compared against a reference run, and exported.

# Failure handling

When a kernel fails the results gathered so far, including the partial
results of the failing kernel, are persisted before the error is
returned. An interrupted run behaves the same way.
*/
package run

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/micperf/internal/connect"
	"github.com/AleutianAI/micperf/internal/deviceinfo"
	"github.com/AleutianAI/micperf/internal/export"
	"github.com/AleutianAI/micperf/internal/kernel"
	"github.com/AleutianAI/micperf/internal/offload"
	"github.com/AleutianAI/micperf/internal/params"
	"github.com/AleutianAI/micperf/internal/stats"
	"github.com/AleutianAI/micperf/internal/telemetry"
	"github.com/AleutianAI/micperf/pkg/ux"
)

// All selects every registered kernel or every offload method.
const All = "all"

const (
	msgRootAllowed = "Some kernels (%s) will be run in elevated mode."
	msgNoSudo      = "Some kernels (%s) require to be run in elevated mode.\n" +
		"Please install 'sudo' and add '--sudo' to application arguments."
	msgRootDenied = "Some kernels (%s) require to be run in elevated mode.\n" +
		"To allow that please add '--sudo' to application\narguments."
	msgSkippedExec   = "Execution of the '%s' kernel will be skipped."
	msgArgsIgnored   = "WARNING: category and kernel arguments both specified.\n         Kernel arguments are ignored"
	msgNoCategories  = "WARNING: %s kernel does not implement parameter categories"
	msgLogFileFailed = "Unable to open kernel log file %s, kernel output goes to the console"
)

var tracer = otel.Tracer("micperf.run")

// ErrNoRegistry is returned by New without a kernel registry.
var ErrNoRegistry = errors.New("run: kernel registry is required")

// =============================================================================
// Options
// =============================================================================

// Options is what one run is asked to do.
type Options struct {
	// Kernels is "all" or a colon separated list of kernel names.
	Kernels string

	// Offloads is "all" or a colon separated list of offload methods.
	Offloads string

	// Category selects the parameter sets. Empty runs KernelArgs.
	Category string

	// KernelArgs is one explicit parameter string, used when Category
	// is empty.
	KernelArgs string

	// Device names the target: an index, "micN", a hostname or
	// "localhost".
	Device string

	// Verbosity selects the reports: 1 prints the results and writes
	// per-block CSV files, 2 adds the full CSV and per-kernel plot data,
	// 3 adds the overall plot data.
	Verbosity int

	// OutDir receives the stored run and the reports. Empty keeps the
	// run in memory only.
	OutDir string

	// Tag overrides the generated run tag.
	Tag string

	// Reference is a stored run to compare with. Its kernels, offloads,
	// category, arguments and device replace the ones above.
	Reference *stats.Collection

	// Margin enables the regression gate against Reference.
	Margin *float64

	// Model switches the gate to statistical mode.
	Model stats.Model

	// Sudo allows kernels that require root to run through sudo.
	Sudo bool

	// LogFile receives kernel stdout. Empty prints it.
	LogFile string
}

// inherit copies the run arguments of the reference run.
func (o *Options) inherit() {
	if o.Reference == nil {
		return
	}
	a := o.Reference.Args
	o.Kernels = a.KernelNames
	o.Offloads = a.Offloads
	o.Category = a.Category
	o.KernelArgs = a.KernelArgs
	o.Device = a.Device
}

// =============================================================================
// Runner
// =============================================================================

// Config holds the collaborators of a Runner. Only Registry is required.
type Config struct {
	Registry *kernel.Registry

	// Store persists runs. nil stores to Options.OutDir when it is set.
	Store stats.Store

	// Resolve turns a device name into a target. nil uses
	// connect.NewResolver().
	Resolve func(ctx context.Context, device string) (*connect.Target, error)

	// Detect inspects the target. nil uses deviceinfo.Detect.
	Detect func(ctx context.Context, opts deviceinfo.Options) (deviceinfo.Info, error)

	// Host launches host processes for device targets. nil uses a local
	// connection.
	Host connect.Connection

	// Version is the micperf version stamped on the device info.
	Version string

	// DDROnly ignores MCDRAM.
	DDROnly bool

	// Offload configures the strategies. Console, Logger and KernelLog
	// are filled in by the runner.
	Offload offload.Config

	// Metrics, when set, records kernel runs and the regression verdict.
	Metrics *telemetry.RunMetrics

	// Sink, when set, receives the finished run.
	Sink export.Sink

	// IsRoot reports whether the process runs as root. nil checks the
	// effective uid.
	IsRoot func() bool

	// LookPath finds the sudo binary. nil uses exec.LookPath.
	LookPath func(string) (string, error)

	Console *ux.Console
	Logger  *slog.Logger
}

// Runner executes runs.
//
// Thread Safety: A Runner may be reused, but runs must not overlap; they
// share the device.
type Runner struct {
	cfg Config
}

// New validates cfg and fills in the defaults.
func New(cfg Config) (*Runner, error) {
	if cfg.Registry == nil {
		return nil, ErrNoRegistry
	}
	if cfg.Resolve == nil {
		cfg.Resolve = connect.NewResolver().Resolve
	}
	if cfg.Detect == nil {
		cfg.Detect = deviceinfo.Detect
	}
	if cfg.Host == nil {
		cfg.Host = connect.NewLocal()
	}
	if cfg.IsRoot == nil {
		cfg.IsRoot = func() bool { return os.Geteuid() == 0 }
	}
	if cfg.LookPath == nil {
		cfg.LookPath = exec.LookPath
	}
	if cfg.Console == nil {
		cfg.Console = ux.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{cfg: cfg}, nil
}

// Result is the outcome of a run.
type Result struct {
	// Collection holds this run's results.
	Collection *stats.Collection

	// Combined is Collection extended with the reference run, or
	// Collection itself without one.
	Combined *stats.Collection

	// Decision is the regression verdict, nil when no gate ran.
	Decision *stats.Decision

	// StorePath is where the run was persisted, empty when it was not.
	StorePath string

	// Files lists the reports written.
	Files []string
}

// Run executes opts.
//
// # Description
//
// Offload methods form the outer loop and kernels the inner one, so
// results of one method are complete before the next starts. Kernels
// that need root are skipped, with warnings, unless the process is root
// or opts.Sudo is set and sudo is installed. A run where every kernel
// is skipped returns an empty Result.
//
// # Outputs
//
//   - *Result: the run. On failure it holds whatever was collected.
//   - error: the first kernel failure, a persistence error, or a
//     regression wrapping perferr.ErrPerfRegression.
func (r *Runner) Run(ctx context.Context, opts Options) (res *Result, err error) {
	opts.inherit()

	ctx, span := tracer.Start(ctx, "run.Run",
		trace.WithAttributes(
			attribute.String("kernels", opts.Kernels),
			attribute.String("offloads", opts.Offloads),
			attribute.String("category", opts.Category),
			attribute.String("device", opts.Device),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	target, info, err := r.resolve(ctx, opts)
	if err != nil {
		return nil, err
	}

	kernels, err := r.kernels(opts, info)
	if err != nil {
		return nil, err
	}
	kernels = r.gateRoot(kernels, opts.Sudo)
	if len(kernels) == 0 {
		return &Result{}, nil
	}

	xNames := make([]string, len(kernels))
	for i, k := range kernels {
		if xNames[i], err = k.IndependentVar(opts.Category); err != nil {
			return nil, err
		}
	}

	kernelLog, closeLog := r.openLog(opts.LogFile)
	defer closeLog()

	strategies, err := r.strategies(opts.Offloads, kernelLog)
	if err != nil {
		return nil, err
	}

	if opts.Category != "" && opts.KernelArgs != "" {
		r.cfg.Console.Errorln(msgArgsIgnored)
		opts.KernelArgs = ""
	}

	collection := stats.NewCollection(stats.RunArgs{
		KernelNames: opts.Kernels,
		Offloads:    opts.Offloads,
		Category:    opts.Category,
		KernelArgs:  opts.KernelArgs,
		Device:      opts.Device,
		DeviceIndex: target.Index,
	}, opts.Tag, info, r.cfg.Console)
	collection.RunID = uuid.NewString()
	res = &Result{Collection: collection, Combined: collection}

	r.cfg.Logger.Info("run started",
		slog.String("run_id", collection.RunID),
		slog.String("tag", collection.Tag),
		slog.Int("kernels", len(kernels)),
		slog.Int("offloads", len(strategies)),
	)

	if err := r.execute(ctx, opts, target, strategies, kernels, xNames, collection); err != nil {
		if path, saveErr := r.save(context.WithoutCancel(ctx), opts, collection); saveErr != nil {
			r.cfg.Logger.Error("persisting partial run failed", slog.String("error", saveErr.Error()))
		} else {
			res.StorePath = path
		}
		return res, err
	}

	if res.StorePath, err = r.save(ctx, opts, collection); err != nil {
		return res, err
	}
	if err := r.report(ctx, opts, res); err != nil {
		return res, err
	}
	return res, r.compare(ctx, opts, res)
}

// resolve finds the device and inspects it.
func (r *Runner) resolve(ctx context.Context, opts Options) (offload.Target, deviceinfo.Info, error) {
	t, err := r.cfg.Resolve(ctx, opts.Device)
	if err != nil {
		return offload.Target{}, deviceinfo.Info{}, err
	}
	info, err := r.cfg.Detect(ctx, deviceinfo.Options{
		Index:   t.Index,
		Conn:    t.Conn,
		Version: r.cfg.Version,
		DDROnly: r.cfg.DDROnly,
		Logger:  r.cfg.Logger,
	})
	if err != nil {
		return offload.Target{}, deviceinfo.Info{}, err
	}

	host := r.cfg.Host
	if t.Index == connect.LocalIndex {
		host = t.Conn
	}
	return offload.Target{Host: host, Device: t.Conn, Index: t.Index, Info: info}, info, nil
}

// kernels creates the requested kernels.
func (r *Runner) kernels(opts Options, info deviceinfo.Info) ([]kernel.Kernel, error) {
	names := r.cfg.Registry.Names()
	if opts.Kernels != "" && opts.Kernels != All {
		names = strings.Split(opts.Kernels, ":")
	}
	return r.cfg.Registry.CreateAll(names, info)
}

// gateRoot drops the kernels that need root when they cannot get it.
func (r *Runner) gateRoot(kernels []kernel.Kernel, sudo bool) []kernel.Kernel {
	if r.cfg.IsRoot() {
		return kernels
	}
	needRoot := lo.Filter(kernels, func(k kernel.Kernel, _ int) bool { return k.RequiresRoot() })
	if len(needRoot) == 0 {
		return kernels
	}
	names := strings.Join(lo.Map(needRoot, func(k kernel.Kernel, _ int) string { return k.Name() }), ", ")

	c := r.cfg.Console
	_, lookErr := r.cfg.LookPath("sudo")
	switch {
	case lookErr != nil:
		c.Print(ux.CatWarn, fmt.Sprintf(msgNoSudo, names))
	case !sudo:
		c.Print(ux.CatWarn, fmt.Sprintf(msgRootDenied, names))
	default:
		c.Print(ux.CatInfo, fmt.Sprintf(msgRootAllowed, names))
		return kernels
	}
	for _, k := range needRoot {
		c.Print(ux.CatWarn, fmt.Sprintf(msgSkippedExec, k.Name()))
	}
	return lo.Filter(kernels, func(k kernel.Kernel, _ int) bool { return !k.RequiresRoot() })
}

// openLog opens the kernel log. A file that cannot be opened sends the
// output to the console instead.
func (r *Runner) openLog(path string) (io.Writer, func()) {
	if path == "" {
		return nil, func() {}
	}
	f, err := os.Create(path)
	if err != nil {
		r.cfg.Logger.Warn("kernel log unavailable", slog.String("path", path), slog.String("error", err.Error()))
		r.cfg.Console.Print(ux.CatWarn, fmt.Sprintf(msgLogFileFailed, path))
		return nil, func() {}
	}
	return f, func() {
		if err := f.Close(); err != nil {
			r.cfg.Logger.Warn("closing kernel log failed", slog.String("error", err.Error()))
		}
	}
}

// strategies creates the requested offload strategies.
func (r *Runner) strategies(names string, kernelLog io.Writer) ([]*offload.Strategy, error) {
	list := offload.Names()
	if names != "" && names != All {
		list = strings.Split(names, ":")
	}
	cfg := r.cfg.Offload
	cfg.Console = r.cfg.Console
	cfg.Logger = r.cfg.Logger
	cfg.KernelLog = kernelLog

	out := make([]*offload.Strategy, 0, len(list))
	for _, name := range list {
		s, err := offload.New(name, cfg)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// execute runs every kernel under every strategy and appends the
// results to collection. Partial results of a failing kernel are
// appended before the error is returned.
func (r *Runner) execute(ctx context.Context, opts Options, target offload.Target, strategies []*offload.Strategy,
	kernels []kernel.Kernel, xNames []string, collection *stats.Collection) error {

	c := r.cfg.Console
	for _, s := range strategies {
		for i, k := range kernels {
			if err := ctx.Err(); err != nil {
				return err
			}

			raws := []string{opts.KernelArgs}
			if opts.Category != "" {
				var err error
				raws, err = k.CategoryParams(opts.Category, s.Name())
				if errors.Is(err, kernel.ErrUnknownCategory) {
					c.Errorln(fmt.Sprintf(msgNoCategories, k.Name()))
					continue
				}
				if err != nil {
					return err
				}
			}

			sets, err := kernel.ParseParams(k, raws, s.Name())
			if err != nil {
				var help *params.HelpError
				if errors.As(err, &help) {
					if kernel.Supports(k, s.Name()) {
						c.Println(k.Help(help.Usage, s.Name()))
					}
					continue
				}
				return err
			}

			start := time.Now()
			results, err := s.Run(ctx, k, target, sets)
			r.observe(k.Name(), s.Name(), time.Since(start), results, err)
			if err != nil {
				if partial := offload.Partial(err); len(partial) > 0 {
					if appendErr := collection.Append(k.Name(), s.Name(), xNames[i], partial); appendErr != nil {
						r.cfg.Logger.Warn("dropping partial results", slog.String("error", appendErr.Error()))
					}
				}
				return err
			}
			// Skipped kernels leave no entry, so stored runs and the
			// regression gate only see kernels that produced results.
			if len(results) == 0 {
				continue
			}
			if err := collection.Append(k.Name(), s.Name(), xNames[i], results); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Runner) observe(kernelName, offloadName string, elapsed time.Duration, results []*stats.Stats, err error) {
	m := r.cfg.Metrics
	if m == nil {
		return
	}
	switch {
	case err != nil:
		m.ObserveKernel(kernelName, offloadName, telemetry.StatusError, elapsed)
	case len(results) == 0:
		m.ObserveKernel(kernelName, offloadName, telemetry.StatusSkipped, elapsed)
	default:
		m.ObserveKernel(kernelName, offloadName, telemetry.StatusSuccess, elapsed)
		m.ObserveResult(kernelName, offloadName, results[len(results)-1])
	}
}

// save persists collection to the configured store, or to a file store
// in opts.OutDir.
func (r *Runner) save(ctx context.Context, opts Options, collection *stats.Collection) (string, error) {
	store := r.cfg.Store
	if store == nil {
		if opts.OutDir == "" {
			return "", nil
		}
		store = stats.NewFileStore(opts.OutDir)
	}
	path, err := store.Save(ctx, collection)
	if err != nil {
		return "", err
	}
	r.cfg.Logger.Info("run stored", slog.String("tag", collection.Tag), slog.String("path", path))
	return path, nil
}
