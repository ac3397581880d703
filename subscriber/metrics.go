// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subscriber

import "sync/atomic"

// Metrics tracks subscriber statistics.
type Metrics struct {
	// Delivery metrics
	Received   uint64 // Items received from the publisher
	Dispatched uint64 // Handler invocations that returned without error

	// Failure metrics
	DispatchFailures  uint64 // Handler errors and panics
	RetrievalFailures uint64 // Publisher-side failures

	// Suppression metrics
	TimeoutWarnings    uint64 // Read-timeout warnings actually emitted
	GenericWarnings    uint64 // Non-timeout warnings emitted
	SuppressedTimeouts uint64 // Read timeouts swallowed below the threshold

	// Recovery metrics
	Restarts      uint64 // Total restart procedures executed
	StallRestarts uint64 // Restarts forced by the stall monitor
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) recordReceived() {
	atomic.AddUint64(&m.Received, 1)
}

func (m *Metrics) recordDispatched() {
	atomic.AddUint64(&m.Dispatched, 1)
}

func (m *Metrics) recordDispatchFailure() {
	atomic.AddUint64(&m.DispatchFailures, 1)
}

func (m *Metrics) recordRetrievalFailure() {
	atomic.AddUint64(&m.RetrievalFailures, 1)
}

func (m *Metrics) recordTimeoutWarning() {
	atomic.AddUint64(&m.TimeoutWarnings, 1)
}

func (m *Metrics) recordGenericWarning() {
	atomic.AddUint64(&m.GenericWarnings, 1)
}

func (m *Metrics) recordSuppressedTimeout() {
	atomic.AddUint64(&m.SuppressedTimeouts, 1)
}

func (m *Metrics) recordRestart() {
	atomic.AddUint64(&m.Restarts, 1)
}

func (m *Metrics) recordStallRestart() {
	atomic.AddUint64(&m.StallRestarts, 1)
}

// Snapshot returns a copy of the current metric values.
func (m *Metrics) Snapshot() Metrics {
	return Metrics{
		Received:           atomic.LoadUint64(&m.Received),
		Dispatched:         atomic.LoadUint64(&m.Dispatched),
		DispatchFailures:   atomic.LoadUint64(&m.DispatchFailures),
		RetrievalFailures:  atomic.LoadUint64(&m.RetrievalFailures),
		TimeoutWarnings:    atomic.LoadUint64(&m.TimeoutWarnings),
		GenericWarnings:    atomic.LoadUint64(&m.GenericWarnings),
		SuppressedTimeouts: atomic.LoadUint64(&m.SuppressedTimeouts),
		Restarts:           atomic.LoadUint64(&m.Restarts),
		StallRestarts:      atomic.LoadUint64(&m.StallRestarts),
	}
}
