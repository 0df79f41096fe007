// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package export

import (
	"context"
	"fmt"
	"sort"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/AleutianAI/micperf/internal/stats"
)

// DefaultMeasurement is the measurement results are written to.
const DefaultMeasurement = "micperf_results"

// InfluxConfig locates the InfluxDB bucket results go to.
type InfluxConfig struct {
	URL         string `yaml:"url" validate:"required,url"`
	Token       string `yaml:"token" validate:"required"`
	Org         string `yaml:"org" validate:"required"`
	Bucket      string `yaml:"bucket" validate:"required"`
	Measurement string `yaml:"measurement"`
}

// pointWriter is the part of api.WriteAPIBlocking the sink uses.
type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Influx writes one point per result tag.
//
// Thread Safety: Safe for concurrent use.
type Influx struct {
	client      influxdb2.Client
	writer      pointWriter
	measurement string
}

// NewInflux connects to the configured server. The connection is lazy;
// errors surface on Export.
func NewInflux(cfg InfluxConfig) *Influx {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Influx{
		client:      client,
		writer:      client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		measurement: measurementOr(cfg.Measurement),
	}
}

func measurementOr(m string) string {
	if m == "" {
		return DefaultMeasurement
	}
	return m
}

// Name implements Sink.
func (i *Influx) Name() string { return "influxdb" }

// Export implements Sink.
func (i *Influx) Export(ctx context.Context, run Run) error {
	points := Points(run.Collection, i.measurement)
	if len(points) == 0 {
		return nil
	}
	if err := i.writer.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("writing %d points: %w", len(points), err)
	}
	return nil
}

// Close implements Sink.
func (i *Influx) Close() error {
	if i.client != nil {
		i.client.Close()
	}
	return nil
}

// Points converts c into points, one per kernel, offload, result and
// performance tag. Results keep their position in the run as the
// "index" tag so scaling series stay ordered.
func Points(c *stats.Collection, measurement string) []*write.Point {
	measurement = measurementOr(measurement)
	var out []*write.Point
	for _, kernel := range c.Kernels() {
		for _, key := range c.OffloadKeys(kernel) {
			offload, _, _ := stats.SplitOffload(key)
			for idx, st := range c.Results[kernel][key] {
				tags := make([]string, 0, len(st.Perf))
				for tag := range st.Perf {
					tags = append(tags, tag)
				}
				sort.Strings(tags)
				for _, tag := range tags {
					m := st.Perf[tag]
					p := influxdb2.NewPointWithMeasurement(measurement).
						AddTag("run", c.Tag).
						AddTag("kernel", kernel).
						AddTag("offload", offload).
						AddTag("category", c.Args.Category).
						AddTag("tag", tag).
						AddTag("units", m.Units).
						AddTag("index", fmt.Sprintf("%d", idx)).
						AddField("value", m.Value).
						AddField("rollup", m.Rollup).
						AddField("description", st.Desc).
						SetTime(c.Created)
					if st.Params != nil {
						p.AddField("params", st.Params.String())
					}
					out = append(out, p)
				}
			}
		}
	}
	return out
}

var _ Sink = (*Influx)(nil)
