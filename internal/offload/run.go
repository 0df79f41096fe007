// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package offload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/micperf/internal/connect"
	"github.com/AleutianAI/micperf/internal/kernel"
	"github.com/AleutianAI/micperf/internal/params"
	"github.com/AleutianAI/micperf/internal/perferr"
	"github.com/AleutianAI/micperf/internal/stats"
	"github.com/AleutianAI/micperf/pkg/ux"
)

const (
	msgExecutableNotFound = "Executable for kernel %s and offload %s does not exist, skipping"
	msgNotSupported       = "Micperf kernel %q does not support the %q offload method, skipping."
	msgNotSNCOptimized    = "WARNING: %s is not optimized to run on SNC modes, low performance may be expected"
	msgDeviceOverride     = "kernel parameter %q set to %s overriding with value %s"
	msgStrayProcesses     = "WARNING:  more than one %s process running on device, killing all of them"

	perfMarker          = "[ PERFORMANCE ]"
	nameResolutionError = "Temporary failure in name resolution"
)

var tracer = otel.Tracer("micperf.offload")

// mklBenchmarks ship with MKL rather than micperf; a missing binary
// means the MKL benchmarks are not installed.
var mklBenchmarks = []string{"linpack", "hplinpack", "hpcg"}

// threadParams are upper-cased when exported to the environment.
var threadParams = []string{"omp_num_threads", "hpl_numthreads"}

// plan is the per-run parameter layout chosen by the offload variant.
type plan struct {
	hostSets []params.Set
	devSets  []params.Set
	runHost  bool
	runDev   bool
	extraEnv map[string]string
}

// =============================================================================
// Run
// =============================================================================

// Run executes k once per parameter set.
//
// # Description
//
// The method variant first shapes the parameter lists: native and myo
// quiet the parameters their targets do not accept, scif hands the
// short list to one side, pragma exports OFFLOAD_DEVICES. Then the
// executable is resolved, the device index is forced onto every set of
// offloads that address a device, and each set is executed in turn.
//
// # Outputs
//
//   - []*stats.Stats: one record per execution, more for kernels that
//     scale internally. nil with a nil error when the kernel has no
//     binary for this method.
//   - error: MPI and Linpack dependencies are reported before anything
//     is launched. Failures after that are *PartialResultError values
//     carrying the records collected so far.
//
// # Thread Safety
//
// The sets are cloned; callers keep ownership of theirs.
func (s *Strategy) Run(ctx context.Context, k kernel.Kernel, target Target, sets []params.Set) ([]*stats.Stats, error) {
	ctx, span := tracer.Start(ctx, "offload.Run",
		trace.WithAttributes(
			attribute.String("kernel", k.Name()),
			attribute.String("offload", s.name),
			attribute.Int("sets", len(sets)),
		),
	)
	defer span.End()

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	p, err := s.plan(k, target, sets)
	if err != nil {
		return nil, fail(err)
	}
	execPath, err := s.resolve(k, p.runHost)
	if err != nil {
		return nil, fail(err)
	}
	if execPath == "" {
		span.SetStatus(codes.Ok, "skipped")
		return nil, nil
	}
	if err := s.forceDeviceIndex(k, target, p); err != nil {
		return nil, fail(err)
	}

	s.logger().Info("kernel run started",
		slog.String("kernel", k.Name()),
		slog.String("offload", s.name),
		slog.String("executable", execPath),
		slog.Int("sets", len(p.hostSets)),
	)

	e := &execution{s: s, k: k, target: target, execPath: execPath, plan: p, console: s.console()}
	results, err := e.run(ctx)
	if err != nil {
		s.logger().Error("kernel run failed",
			slog.String("kernel", k.Name()),
			slog.String("offload", s.name),
			slog.Int("partial", len(results)),
			slog.String("error", err.Error()),
		)
		return nil, fail(&PartialResultError{Err: err, Partial: results})
	}

	span.SetAttributes(attribute.Int("results", len(results)))
	span.SetStatus(codes.Ok, "")
	s.printPeak(k, results)
	return results, nil
}

// plan clones sets and applies the method variant.
func (s *Strategy) plan(k kernel.Kernel, target Target, sets []params.Set) (*plan, error) {
	p := &plan{
		hostSets: cloneSets(sets),
		runHost:  s.host,
		runDev:   s.device,
	}

	switch s.name {
	case kernel.OffloadNative:
		short, err := dropSets(k, s.name, p.hostSets)
		if err != nil {
			return nil, err
		}
		p.hostSets = short

	case kernel.OffloadMYO:
		short, err := dropSets(k, s.name, p.hostSets)
		if err != nil {
			return nil, err
		}
		p.hostSets = short
		// The device side of myo takes no parameters.
		p.devSets = lo.Map(short, func(params.Set, int) params.Set { return params.NewRaw("") })

	case kernel.OffloadSCIF:
		// HPL sets up the coprocessor side by itself.
		if k.Name() == "hplinpack" {
			p.runDev = false
		}
		if k.Name() == "sgemm" || k.Name() == "dgemm" {
			for _, set := range p.hostSets {
				if _, ok, err := set.Get("test"); err == nil && ok {
					if err := set.Set("num_rep", "1"); err != nil {
						return nil, err
					}
				}
			}
		}
		if _, drop, ok := k.DropRule(s.name); ok {
			short, err := dropSets(k, s.name, p.hostSets)
			if err != nil {
				return nil, err
			}
			// The sign of the drop count selects the side that gets the
			// short list.
			if drop < 0 {
				p.devSets, p.hostSets = p.hostSets, short
			} else {
				p.devSets = short
			}
		}

	case kernel.OffloadPragma:
		p.extraEnv = map[string]string{"OFFLOAD_DEVICES": strconv.Itoa(target.Index)}
	}

	if p.devSets == nil {
		p.devSets = cloneSets(p.hostSets)
	}
	return p, nil
}

// resolve checks the MPI requirement and finds the binary. An empty path
// with a nil error skips the kernel.
func (s *Strategy) resolve(k kernel.Kernel, runHost bool) (string, error) {
	c := s.console()
	if !kernel.Supports(k, s.name) {
		c.Print(ux.CatWarn, fmt.Sprintf(msgNotSupported, k.Name(), s.name))
		return "", nil
	}
	if k.MPIRequired() && !s.mpiAvailable() {
		return "", perferr.MissingDependency(perferr.DepMPI)
	}

	var (
		path string
		err  error
	)
	if runHost {
		path, err = k.HostExecutable(s.name)
	} else {
		path, err = k.DeviceExecutable(s.name)
	}

	if errors.Is(err, kernel.ErrNoExecutable) {
		c.Print(ux.CatWarn, err.Error())
		c.Print(ux.CatWarn, fmt.Sprintf(msgExecutableNotFound, k.Name(), s.name))
		if slices.Contains(mklBenchmarks, k.Name()) {
			return "", perferr.MissingDependency(perferr.DepLinpack)
		}
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if path == "" || !fileExists(path) {
		c.Print(ux.CatWarn, fmt.Sprintf(msgNotSupported, k.Name(), s.name))
		return "", nil
	}
	return path, nil
}

// forceDeviceIndex writes the target's offload index into the device
// parameter of every set, for methods that address a device from the
// host. Kernels without the parameter are accepted on device 0 only.
func (s *Strategy) forceDeviceIndex(k kernel.Kernel, target Target, p *plan) error {
	if s.name == kernel.OffloadNative || s.name == kernel.OffloadLocal {
		return nil
	}
	idx := strconv.Itoa(target.Index)
	name := k.DeviceParamName()
	var lists [][]params.Set
	if p.runHost {
		lists = append(lists, p.hostSets)
	}
	// myo device sets are placeholders.
	if p.runDev && s.name != kernel.OffloadMYO {
		lists = append(lists, p.devSets)
	}

	for _, list := range lists {
		for _, set := range list {
			current, ok, err := set.Get(name)
			if err != nil {
				if target.Index != 0 {
					return fmt.Errorf("setting device index of %s: %w", k.Name(), err)
				}
				continue
			}
			if ok && current == idx {
				continue
			}
			if ok {
				s.console().Print(ux.CatWarn, fmt.Sprintf(msgDeviceOverride, name, current, idx))
			}
			if err := set.Set(name, idx); err != nil {
				return err
			}
		}
	}
	return nil
}

// printPeak reprints the best result under a border. Kernels without an
// ordering key are skipped.
func (s *Strategy) printPeak(k kernel.Kernel, results []*stats.Stats) {
	if len(results) < 2 {
		return
	}
	if _, ok := k.OrderingKey(results[0]); !ok {
		return
	}
	ranked := slices.Clone(results)
	reverse := k.ReverseOrdering()
	sort.SliceStable(ranked, func(i, j int) bool {
		a, _ := k.OrderingKey(ranked[i])
		b, _ := k.OrderingKey(ranked[j])
		if reverse {
			return a > b
		}
		return a < b
	})
	c := s.console()
	c.Println("", ux.StarBorder("PEAK PERFORMANCE"))
	ranked[0].Reprint(c)
}

func (s *Strategy) mpiAvailable() bool {
	if s.cfg.MPIAvailable != nil {
		return s.cfg.MPIAvailable()
	}
	return kernel.MPIAvailable()
}

func (s *Strategy) environ() []string {
	if s.cfg.Environ != nil {
		return s.cfg.Environ()
	}
	return os.Environ()
}

func (s *Strategy) hostname() string {
	lookup := s.cfg.Hostname
	if lookup == nil {
		lookup = os.Hostname
	}
	name, err := lookup()
	if err != nil {
		return "localhost"
	}
	return name
}

// =============================================================================
// Execution
// =============================================================================

// execution is the state of one Run call.
type execution struct {
	s        *Strategy
	k        kernel.Kernel
	target   Target
	execPath string
	plan     *plan
	console  *ux.Console
}

// process is one launched command and, once awaited, its result.
type process struct {
	proc    connect.Process
	cmdline string
	res     connect.Result
	done    bool
}

func (e *execution) logger() *slog.Logger {
	return e.s.logger()
}

// run stages the device files and executes every set.
func (e *execution) run(ctx context.Context) (results []*stats.Stats, err error) {
	var staged []string
	defer func() {
		e.removeDeviceFiles(context.WithoutCancel(ctx), staged)
	}()

	if e.plan.runDev {
		files := []string{e.execPath}
		aux, err := e.k.AuxFiles(e.s.name)
		if err != nil {
			return nil, err
		}
		files = append(files, aux...)
		for _, f := range files {
			if base := filepath.Base(f); base != "" {
				staged = append(staged, DeviceExecDir+base)
			}
		}
		if err := e.target.Device.CopyTo(ctx, files, DeviceExecDir); err != nil {
			return nil, fmt.Errorf("staging %s on %s: %w", e.k.Name(), e.target.Device.Host(), err)
		}
	}

	for i := range e.plan.hostSets {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		out, err := e.runSet(ctx, e.plan.hostSets[i], e.plan.devSets[i])
		results = append(results, out...)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return results, fmt.Errorf("%w: %w", ctxErr, err)
			}
			return results, err
		}
	}
	return results, nil
}

// runSet executes one parameter set and parses its output.
func (e *execution) runSet(ctx context.Context, hostSet, devSet params.Set) ([]*stats.Stats, error) {
	c := e.console
	c.Println(
		"",
		ux.StarBorder("RUN"),
		fmt.Sprintf("Running %s %s", e.k.Name(), hostSet.String()),
		"Please be patient, this may take a few minutes...",
		"",
	)
	if !e.k.OptimizedForSNC() && e.target.Info.ClusterPartitioned() {
		c.Println(fmt.Sprintf(msgNotSNCOptimized, e.k.Name()), "")
	}

	block, err := e.launch(ctx, hostSet, devSet)
	if err != nil {
		return nil, err
	}
	return e.collect(block, hostSet)
}

// launch starts the device and host processes, awaits both and returns
// their joined output. Everything launched or written is cleaned up
// before it returns.
func (e *execution) launch(ctx context.Context, hostSet, devSet params.Set) (block string, err error) {
	var (
		dev, host *process
		hostFiles []string
		devFiles  []string
	)
	defer func() {
		e.cleanupSet(context.WithoutCancel(ctx), dev, host, hostFiles, devFiles)
	}()

	if e.plan.runDev {
		cmd, devFile, err := e.deviceCommand(ctx, devSet)
		if devFile != "" {
			devFiles = append(devFiles, devFile)
		}
		if err != nil {
			return "", err
		}
		cmdline := fmt.Sprintf("cd %s && %s", DeviceExecDir, strings.Join(cmd.Args, " "))
		if dev, err = e.start(ctx, e.target.Device, cmd, perferr.SideDevice, cmdline); err != nil {
			return "", err
		}
	}

	if e.plan.runHost {
		cmd, files, err := e.hostCommand(hostSet)
		hostFiles = files
		if err != nil {
			return "", err
		}
		if host, err = e.start(ctx, e.target.Host, cmd, perferr.SideHost, strings.Join(cmd.Args, " ")); err != nil {
			return "", err
		}
	}

	var g errgroup.Group
	for _, p := range []*process{dev, host} {
		if p == nil {
			continue
		}
		g.Go(func() error {
			res, err := p.proc.Wait()
			if err != nil {
				return fmt.Errorf("waiting for %q: %w", p.cmdline, err)
			}
			p.res, p.done = res, true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	var parts []string
	c := e.console
	if dev != nil {
		c.Println(dev.res.Stdout)
		e.writeStderr(dev.res.Stderr)
		if dev.res.ExitCode != 0 {
			return "", perferr.Process(dev.res.ExitCode, dev.cmdline)
		}
		parts = append(parts, dev.res.Stdout, dev.res.Stderr)
	}
	if host != nil {
		e.writeHostOutput(host.res.Stdout)
		e.writeStderr(host.res.Stderr)
		switch code := host.res.ExitCode; {
		case code == 127:
			return "", perferr.MissingDependency(perferr.DepRedist)
		case code != 0:
			if e.k.Name() == "hpcg" && strings.Contains(host.res.Stderr, nameResolutionError) {
				c.Errorln(mpiNameResolutionHint(e.s.hostname())...)
			}
			return "", perferr.Process(code, host.cmdline)
		}
		parts = append(parts, host.res.Stdout, host.res.Stderr)
	}
	return strings.Join(parts, "\n"), nil
}

// deviceCommand builds the device launch. File grammar kernels get their
// parameter file copied next to the binary; devFile names it on the
// device.
func (e *execution) deviceCommand(ctx context.Context, set params.Set) (cmd connect.Command, devFile string, err error) {
	var args []string
	if e.k.Grammar() == params.File {
		local, err := e.k.ParamFile(set)
		if err != nil {
			return cmd, "", err
		}
		devFile = DeviceExecDir + filepath.Base(local)
		copyErr := e.target.Device.CopyTo(ctx, []string{local}, devFile)
		e.removeLocal(local, "")
		if copyErr != nil {
			return cmd, devFile, fmt.Errorf("copying parameter file to %s: %w", e.target.Device.Host(), copyErr)
		}
		args = e.k.ParamFileArgs(devFile)
	} else {
		if args, err = commandArgs(set, e.k.Grammar()); err != nil {
			return cmd, "", err
		}
	}

	env := e.k.DeviceEnvironment()
	if env == nil {
		env = map[string]string{}
	}
	for _, pn := range e.k.EnvironmentParams() {
		// Placeholder device sets carry no parameters.
		v, ok, err := set.Get(pn)
		if err != nil || !ok {
			continue
		}
		if slices.Contains(threadParams, pn) {
			env[strings.ToUpper(pn)] = v
		} else {
			env[pn] = v
		}
	}

	bin := DeviceExecDir + filepath.Base(e.execPath)
	return connect.Command{Args: append([]string{bin}, args...), Env: env, Dir: DeviceExecDir}, devFile, nil
}

// hostCommand builds the host launch and prints its environment and
// command line. files lists the parameter files written for it.
func (e *execution) hostCommand(set params.Set) (cmd connect.Command, files []string, err error) {
	var args []string
	if e.k.Grammar() == params.File {
		path, err := e.k.ParamFile(set)
		if err != nil {
			return cmd, nil, err
		}
		files = []string{path}
		args = e.k.ParamFileArgs(path)
	} else {
		if args, err = commandArgs(set, e.k.Grammar()); err != nil {
			return cmd, nil, err
		}
	}

	conf := e.k.HostEnvironment()
	if conf == nil {
		conf = map[string]string{}
	}
	maps.Copy(conf, e.plan.extraEnv)
	info := e.target.Info
	for _, pn := range e.k.EnvironmentParams() {
		v, ok, err := set.Get(pn)
		if err != nil {
			return cmd, files, err
		}
		if !ok {
			continue
		}
		switch {
		case !slices.Contains(threadParams, pn):
			conf[pn] = v
		case info.SelfBoot && info.ClusterPartitioned():
			// Saturate every cluster.
			conf["KMP_HW_SUBSET"] = v + "c,1t"
		case info.SelfBoot:
			conf[strings.ToUpper(pn)] = v
		default:
			conf["MIC_ENV_PREFIX"] = "MIC"
			conf["MIC_"+strings.ToUpper(pn)] = v
		}
	}
	env := connect.EnvMap(e.s.environ())
	maps.Copy(env, conf)

	argv := e.k.ProcessModifiers()
	argv = append(argv, e.execPath)
	argv = append(argv, args...)
	argv = append(argv, e.k.FixedArgs()...)
	if e.k.RequiresRoot() {
		argv = append([]string{"sudo"}, argv...)
	}

	shown := make([]string, 0, len(conf))
	for _, kv := range connect.EnvList(conf) {
		if !strings.HasPrefix(kv, "LD_LIBRARY_PATH=") {
			shown = append(shown, kv)
		}
	}
	e.console.Print(ux.CatEnv, strings.Join(shown, " "))
	e.console.Print(ux.CatCmd, strings.Join(argv, " "))

	return connect.Command{Args: argv, Env: env, Dir: e.k.WorkingDir()}, files, nil
}

// start launches cmd on conn. Permission failures name the binary and
// the side it was meant to run on.
func (e *execution) start(ctx context.Context, conn connect.Connection, cmd connect.Command, side, cmdline string) (*process, error) {
	e.logger().Debug("launching kernel process",
		slog.String("side", side),
		slog.String("command", cmdline),
	)
	proc, err := conn.Execute(ctx, cmd)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, perferr.NoExecutionPermission(cmd.Args[0], side, err)
		}
		return nil, fmt.Errorf("launching %q: %w", cmdline, err)
	}
	return &process{proc: proc, cmdline: cmdline}, nil
}

// writeHostOutput sends host stdout to the kernel log, or to the console
// when there is none.
func (e *execution) writeHostOutput(out string) {
	w := e.s.cfg.KernelLog
	if w == nil {
		e.console.Println(out)
		return
	}
	if _, err := io.WriteString(w, ux.Banner(e.k.Name())+"\n"+out+"\n"); err != nil {
		e.logger().Warn("kernel log write failed", slog.String("kernel", e.k.Name()), slog.String("error", err.Error()))
		e.console.Print(ux.CatWarn, fmt.Sprintf("Failed writing %q kernel output to file.", e.k.Name()))
		e.console.Println("Output:\n" + out)
	}
}

func (e *execution) writeStderr(text string) {
	if text = strings.TrimRight(text, "\n"); text != "" {
		e.console.Errorln(text)
	}
}

// cleanupSet stops whatever is still running and removes the parameter
// files of one execution. Failures are logged, never returned.
func (e *execution) cleanupSet(ctx context.Context, dev, host *process, hostFiles, devFiles []string) {
	// Stray device processes are only reaped here, after the set ran;
	// nothing is killed before the launch.
	if dev != nil && !dev.done {
		bin := filepath.Base(e.execPath)
		script := fmt.Sprintf("if [ `pgrep %[1]s | wc -l` -gt 1 ]; then echo %[2]s; fi; pkill -9 %[1]s",
			bin, fmt.Sprintf(msgStrayProcesses, bin))
		// The device connection hands the script to a remote shell.
		res, err := connect.Run(ctx, e.target.Device, connect.Command{Args: []string{script}})
		if err != nil {
			e.logger().Warn("device process cleanup failed", slog.String("error", err.Error()))
		} else {
			e.console.Println(res.Stdout + "\n" + res.Stderr)
		}
		e.kill(dev)
	}
	if host != nil && !host.done {
		e.kill(host)
	}

	for _, path := range hostFiles {
		e.removeLocal(path, e.k.WorkingDir())
	}
	if err := e.k.CleanUp(); err != nil {
		e.logger().Warn("kernel cleanup failed", slog.String("kernel", e.k.Name()), slog.String("error", err.Error()))
	}
	e.removeDeviceFiles(ctx, devFiles)
}

func (e *execution) kill(p *process) {
	if err := p.proc.Kill(); err != nil && !errors.Is(err, connect.ErrNotRunning) {
		e.logger().Warn("kill failed", slog.String("command", p.cmdline), slog.String("error", err.Error()))
	}
}

// removeLocal removes a parameter file with its scratch directory. Files
// in the working directory, or directly in the temp directory, are
// removed alone.
func (e *execution) removeLocal(path, workDir string) {
	dir := filepath.Dir(path)
	var err error
	if dir == workDir || dir == filepath.Clean(os.TempDir()) {
		err = os.Remove(path)
	} else {
		err = os.RemoveAll(dir)
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		e.logger().Warn("parameter file cleanup failed", slog.String("path", path), slog.String("error", err.Error()))
	}
}

func (e *execution) removeDeviceFiles(ctx context.Context, files []string) {
	if len(files) == 0 {
		return
	}
	res, err := connect.Run(ctx, e.target.Device, connect.Command{Args: append([]string{"rm", "-f"}, files...)})
	if err == nil && res.ExitCode != 0 {
		err = perferr.Process(res.ExitCode, "rm -f "+strings.Join(files, " "))
	}
	if err != nil {
		e.logger().Warn("device file cleanup failed", slog.String("error", err.Error()))
	}
}

// collect parses one execution's output. Outputs that are not already in
// the canonical form are reprinted in it.
func (e *execution) collect(block string, set params.Set) ([]*stats.Stats, error) {
	var out []*stats.Stats
	if e.k.InternalScaling() {
		scaler, ok := e.k.(kernel.Scaler)
		if !ok {
			return nil, perferr.New(perferr.KindConfig, "kernel %s scales internally but cannot parse sequences", e.k.Name())
		}
		descs, err := scaler.ParseDescriptions(block)
		if err != nil {
			return nil, err
		}
		perfs, err := scaler.ParsePerformances(block)
		if err != nil {
			return nil, err
		}
		if len(descs) != len(perfs) {
			return nil, perferr.New(perferr.KindParse, "kernel %s reported %d descriptions and %d measurements",
				e.k.Name(), len(descs), len(perfs))
		}
		for i := range descs {
			st, err := stats.NewStats(set, descs[i], perfs[i])
			if err != nil {
				return out, err
			}
			out = append(out, st)
		}
	} else {
		desc, err := e.k.ParseDescription(block)
		if err != nil {
			return nil, err
		}
		perf, err := e.k.ParsePerformance(block)
		if err != nil {
			return nil, err
		}
		st, err := stats.NewStats(set, desc, perf)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}

	if !strings.Contains(block, perfMarker) {
		for _, st := range out {
			st.Reprint(e.console)
		}
	}
	return out, nil
}

// =============================================================================
// Helpers
// =============================================================================

func cloneSets(sets []params.Set) []params.Set {
	return lo.Map(sets, func(s params.Set, _ int) params.Set { return s.Clone() })
}

// dropSets wraps the sets that pass more parameters than the method
// accepts. Kernels without a drop rule for offload are returned as is.
func dropSets(k kernel.Kernel, offload string, sets []params.Set) ([]params.Set, error) {
	maxCount, drop, ok := k.DropRule(offload)
	if !ok {
		return sets, nil
	}
	if drop < 0 {
		drop = -drop
	}
	out := make([]params.Set, len(sets))
	for i, set := range sets {
		if set.NumParam() <= maxCount {
			out[i] = set
			continue
		}
		d, err := params.NewDrop(set, drop, maxCount)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

// commandArgs serializes set for grammar. Raw sets only have a
// positional form.
func commandArgs(set params.Set, grammar params.Grammar) ([]string, error) {
	args, err := set.Args(grammar)
	if errors.Is(err, params.ErrNotSupported) {
		return set.Args(params.Positional)
	}
	return args, err
}

func mpiNameResolutionHint(host string) []string {
	return []string{
		"",
		"",
		fmt.Sprintf("    ERROR: MPI was unable to connect to %s (localhost) to run HPCG,", host),
		fmt.Sprintf("        please make sure the name '%[1]s' can be resolved e.g. \"ping %[1]s\" succeeds.", host),
		"        On Linux make sure /etc/hosts contains the following line:",
		fmt.Sprintf("        127.0.0.1    %s", host),
		"",
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
