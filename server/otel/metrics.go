// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package otel exports subscription metrics over OpenTelemetry. The
// instruments are observable: each collection reads the subscribers'
// counter snapshots instead of instrumenting the dispatch hot path.
package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/absmach/fluxsub/subscriber"
)

// Metrics holds OpenTelemetry metric instruments for the subscription
// pipeline.
type Metrics struct {
	meter        metric.Meter
	registration metric.Registration

	received          metric.Int64ObservableCounter
	dispatched        metric.Int64ObservableCounter
	dispatchFailures  metric.Int64ObservableCounter
	retrievalFailures metric.Int64ObservableCounter
	timeoutWarnings   metric.Int64ObservableCounter
	suppressed        metric.Int64ObservableCounter
	restarts          metric.Int64ObservableCounter
	stallRestarts     metric.Int64ObservableCounter
}

// NewMetrics registers instruments observing the given subscribers.
func NewMetrics(subs []*subscriber.Subscriber) (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("fluxsub"),
	}

	var err error

	m.received, err = m.meter.Int64ObservableCounter(
		"fluxsub.batches.received.total",
		metric.WithDescription("Total batches received from publishers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create received counter: %w", err)
	}

	m.dispatched, err = m.meter.Int64ObservableCounter(
		"fluxsub.batches.dispatched.total",
		metric.WithDescription("Total batches handed to the handler"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatched counter: %w", err)
	}

	m.dispatchFailures, err = m.meter.Int64ObservableCounter(
		"fluxsub.dispatch.failures.total",
		metric.WithDescription("Total handler failures"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatchFailures counter: %w", err)
	}

	m.retrievalFailures, err = m.meter.Int64ObservableCounter(
		"fluxsub.retrieval.failures.total",
		metric.WithDescription("Total upstream retrieval failures"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retrievalFailures counter: %w", err)
	}

	m.timeoutWarnings, err = m.meter.Int64ObservableCounter(
		"fluxsub.read.timeout.warnings.total",
		metric.WithDescription("Read-timeout failures logged past the suppression threshold"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create timeoutWarnings counter: %w", err)
	}

	m.suppressed, err = m.meter.Int64ObservableCounter(
		"fluxsub.read.timeouts.suppressed.total",
		metric.WithDescription("Read-timeout failures suppressed below the threshold"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create suppressed counter: %w", err)
	}

	m.restarts, err = m.meter.Int64ObservableCounter(
		"fluxsub.restarts.total",
		metric.WithDescription("Total subscription restarts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create restarts counter: %w", err)
	}

	m.stallRestarts, err = m.meter.Int64ObservableCounter(
		"fluxsub.restarts.stall.total",
		metric.WithDescription("Restarts triggered by delivery stalls"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stallRestarts counter: %w", err)
	}

	m.registration, err = m.meter.RegisterCallback(
		func(_ context.Context, o metric.Observer) error {
			for _, sub := range subs {
				snap := sub.Metrics().Snapshot()
				attrs := metric.WithAttributes(
					attribute.Int("partition", sub.Partition()),
				)
				o.ObserveInt64(m.received, int64(snap.Received), attrs)
				o.ObserveInt64(m.dispatched, int64(snap.Dispatched), attrs)
				o.ObserveInt64(m.dispatchFailures, int64(snap.DispatchFailures), attrs)
				o.ObserveInt64(m.retrievalFailures, int64(snap.RetrievalFailures), attrs)
				o.ObserveInt64(m.timeoutWarnings, int64(snap.TimeoutWarnings), attrs)
				o.ObserveInt64(m.suppressed, int64(snap.SuppressedTimeouts), attrs)
				o.ObserveInt64(m.restarts, int64(snap.Restarts), attrs)
				o.ObserveInt64(m.stallRestarts, int64(snap.StallRestarts), attrs)
			}
			return nil
		},
		m.received, m.dispatched, m.dispatchFailures, m.retrievalFailures,
		m.timeoutWarnings, m.suppressed, m.restarts, m.stallRestarts,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics callback: %w", err)
	}

	return m, nil
}

// Close unregisters the observation callback.
func (m *Metrics) Close() error {
	if m.registration == nil {
		return nil
	}
	return m.registration.Unregister()
}
