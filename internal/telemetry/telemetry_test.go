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
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/micperf/internal/stats"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "")
	cfg := DefaultConfig()
	assert.Equal(t, "micperf", cfg.ServiceName)
	assert.Equal(t, ExporterNone, cfg.TraceExporter)

	t.Setenv("OTEL_TRACES_EXPORTER", "stdout")
	assert.Equal(t, ExporterStdout, DefaultConfig().TraceExporter)
}

func TestInit(t *testing.T) {
	t.Run("nil context", func(t *testing.T) {
		//nolint:staticcheck // nil context is the case under test
		_, err := Init(nil, DefaultConfig())
		assert.ErrorIs(t, err, ErrNilContext)
	})

	t.Run("none", func(t *testing.T) {
		shutdown, err := Init(context.Background(), Config{TraceExporter: ExporterNone})
		require.NoError(t, err)
		assert.NoError(t, shutdown(context.Background()))
	})

	t.Run("unknown exporter", func(t *testing.T) {
		_, err := Init(context.Background(), Config{TraceExporter: "zipkin"})
		assert.ErrorIs(t, err, ErrUnknownExporter)
	})

	t.Run("stdout spans reach the writer", func(t *testing.T) {
		prev := otel.GetTracerProvider()
		t.Cleanup(func() { otel.SetTracerProvider(prev) })

		var buf bytes.Buffer
		shutdown, err := Init(context.Background(), Config{
			ServiceName:   "micperf",
			TraceExporter: ExporterStdout,
			Writer:        &buf,
		})
		require.NoError(t, err)

		_, span := otel.Tracer("test").Start(context.Background(), "offload.Run")
		span.End()
		require.NoError(t, shutdown(context.Background()))
		assert.Contains(t, buf.String(), "offload.Run")
	})
}

func TestRunMetrics(t *testing.T) {
	m := NewRunMetrics()

	m.ObserveKernel("stream", "local", StatusSuccess, 2*time.Second)
	m.ObserveKernel("stream", "local", StatusSuccess, 3*time.Second)
	m.ObserveKernel("dgemm", "local", StatusError, time.Second)
	assert.InDelta(t, 2.0, testutil.ToFloat64(m.KernelRuns.WithLabelValues("stream", "local", StatusSuccess)), 1e-9)
	assert.InDelta(t, 3.0, testutil.ToFloat64(m.KernelDuration.WithLabelValues("stream", "local")), 1e-9)

	st, err := stats.NewStats(nil, "STREAM", stats.Perf{
		"Task.Bandwidth": {Value: 450, Units: "GB/s", Rollup: true},
		"Task.Copy":      {Value: 400, Units: "GB/s"},
	})
	require.NoError(t, err)
	m.ObserveResult("stream", "local", st)
	assert.InDelta(t, 450.0, testutil.ToFloat64(m.Results.WithLabelValues("stream", "local", "Task.Bandwidth", "GB/s")), 1e-9)
	assert.Equal(t, 1, testutil.CollectAndCount(m.Results))

	m.ObserveDecision(&stats.Decision{Pass: false, Worst: -0.12})
	assert.InDelta(t, -0.12, testutil.ToFloat64(m.RegressionWorst), 1e-9)
	assert.InDelta(t, 0.0, testutil.ToFloat64(m.RegressionPass), 1e-9)

	path := filepath.Join(t.TempDir(), "textfile", "micperf.prom")
	require.NoError(t, m.Write(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `micperf_kernel_runs_total{kernel="stream",offload="local",status="success"} 2`)
	assert.Contains(t, string(data), "micperf_regression_pass 0")
}
