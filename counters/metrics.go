// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package counters

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics exposes the cells and a registry as OpenTelemetry observable
// gauges. The embedding process owns the SDK and exporter pipeline; this
// only registers instruments against the API.
type Metrics struct {
	meter        metric.Meter
	registration metric.Registration
}

// RegisterMetrics registers observable gauges for the chunk-id cells and
// every counter field. The log name is attached as an attribute so multiple
// logs can share one meter.
func RegisterMetrics(cells *Cells, reg *Registry) (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("chunklog"),
	}

	firstChunkID, err := m.meter.Int64ObservableGauge(
		"chunklog.first_chunk_id",
		metric.WithDescription("Earliest chunk id still stored in the log"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create first_chunk_id gauge: %w", err)
	}

	lastChunkID, err := m.meter.Int64ObservableGauge(
		"chunklog.last_chunk_id",
		metric.WithDescription("Highest chunk id stored in the log"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create last_chunk_id gauge: %w", err)
	}

	committedChunkID, err := m.meter.Int64ObservableGauge(
		"chunklog.committed_chunk_id",
		metric.WithDescription("Highest chunk id acknowledged by a replica quorum"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create committed_chunk_id gauge: %w", err)
	}

	counterValue, err := m.meter.Int64ObservableGauge(
		"chunklog.counter",
		metric.WithDescription("Named numeric counter of the log"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create counter gauge: %w", err)
	}

	logAttr := attribute.String("log", reg.Name())

	m.registration, err = m.meter.RegisterCallback(
		func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(firstChunkID, cells.FirstChunkID(), metric.WithAttributes(logAttr))
			o.ObserveInt64(lastChunkID, cells.LastChunkID(), metric.WithAttributes(logAttr))
			o.ObserveInt64(committedChunkID, cells.CommittedChunkID(), metric.WithAttributes(logAttr))
			for _, field := range reg.Fields() {
				o.ObserveInt64(counterValue, reg.Get(field),
					metric.WithAttributes(logAttr, attribute.String("field", field)))
			}
			return nil
		},
		firstChunkID, lastChunkID, committedChunkID, counterValue,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register counter callback: %w", err)
	}

	return m, nil
}

// Unregister removes the gauge callback.
func (m *Metrics) Unregister() error {
	if m.registration == nil {
		return nil
	}
	return m.registration.Unregister()
}
