// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AleutianAI/micperf/internal/stats"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "micperf"

// Run outcomes used in the status label.
const (
	StatusSuccess = "success"
	StatusSkipped = "skipped"
	StatusError   = "error"
)

// RunMetrics holds the Prometheus metrics of one micperf run.
//
// # Description
//
// The metrics live in a private registry so a run never collides with
// another registry in the process. Write renders them in the text
// exposition format for the node_exporter textfile collector.
//
// # Fields
//
//   - KernelRuns: kernel executions by kernel, offload and status.
//   - KernelDuration: wall time of the last execution of each kernel.
//   - Results: rolled-up values of the optimal result per tag.
//   - RegressionWorst: the worst relative deviation of the last check.
//   - RegressionPass: 1 when the last regression check passed.
//
// # Thread Safety
//
// All operations are thread-safe.
type RunMetrics struct {
	registry *prometheus.Registry

	KernelRuns      *prometheus.CounterVec
	KernelDuration  *prometheus.GaugeVec
	Results         *prometheus.GaugeVec
	RegressionWorst prometheus.Gauge
	RegressionPass  prometheus.Gauge
}

// NewRunMetrics creates and registers the run metrics.
func NewRunMetrics() *RunMetrics {
	m := &RunMetrics{
		registry: prometheus.NewRegistry(),
		KernelRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "kernel_runs_total",
				Help:      "Kernel executions by kernel, offload method and status",
			},
			[]string{"kernel", "offload", "status"},
		),
		KernelDuration: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "kernel_duration_seconds",
				Help:      "Wall time of the last execution of a kernel",
			},
			[]string{"kernel", "offload"},
		),
		Results: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "result_value",
				Help:      "Rolled-up result of the optimal parameter set",
			},
			[]string{"kernel", "offload", "tag", "units"},
		),
		RegressionWorst: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "regression_worst_ratio",
			Help:      "Worst relative deviation found by the last regression check",
		}),
		RegressionPass: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "regression_pass",
			Help:      "1 when the last regression check passed, 0 otherwise",
		}),
	}
	m.registry.MustRegister(m.KernelRuns, m.KernelDuration, m.Results, m.RegressionWorst, m.RegressionPass)
	return m
}

// Registry returns the registry the metrics are registered with.
func (m *RunMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveKernel records one kernel execution.
func (m *RunMetrics) ObserveKernel(kernel, offload, status string, elapsed time.Duration) {
	m.KernelRuns.WithLabelValues(kernel, offload, status).Inc()
	m.KernelDuration.WithLabelValues(kernel, offload).Set(elapsed.Seconds())
}

// ObserveResult records the rolled-up tags of st.
func (m *RunMetrics) ObserveResult(kernel, offload string, st *stats.Stats) {
	if st == nil {
		return
	}
	for tag, metric := range st.Perf {
		if metric.Rollup {
			m.Results.WithLabelValues(kernel, offload, tag, metric.Units).Set(metric.Value)
		}
	}
}

// ObserveDecision records the outcome of a regression check.
func (m *RunMetrics) ObserveDecision(d *stats.Decision) {
	if d == nil {
		return
	}
	m.RegressionWorst.Set(d.Worst)
	if d.Pass {
		m.RegressionPass.Set(1)
	} else {
		m.RegressionPass.Set(0)
	}
}

// Write renders the metrics to path in the text exposition format.
// The file is replaced atomically.
func (m *RunMetrics) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}
