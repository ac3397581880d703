// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package supervisor drives periodic health probes across a set of
// partition subscribers. It owns the probe timer the subscribers
// themselves deliberately lack, paces failure-triggered restarts, and
// surfaces handler failures that would otherwise sit unread in their
// registers.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/absmach/fluxsub/subscriber"
)

// Config holds supervisor settings.
type Config struct {
	// ProbeInterval is how often every subscriber is probed.
	ProbeInterval time.Duration

	// StallTimeout is the inactivity window passed to each health check.
	StallTimeout time.Duration

	// RestartRate caps failure-triggered restarts per second across all
	// partitions, so a broken upstream does not turn into a restart
	// storm. Stall restarts are not paced; they are already limited by
	// the probe interval.
	RestartRate float64

	// RestartBurst is the burst allowance for the restart limiter.
	RestartBurst int
}

// PartitionStatus is a point-in-time view of one subscriber.
type PartitionStatus struct {
	Partition         int    `json:"partition"`
	State             string `json:"state"`
	Received          uint64 `json:"received"`
	Dispatched        uint64 `json:"dispatched"`
	DispatchFailures  uint64 `json:"dispatch_failures"`
	RetrievalFailures uint64 `json:"retrieval_failures"`
	Restarts          uint64 `json:"restarts"`
	StallRestarts     uint64 `json:"stall_restarts"`
	LastError         string `json:"last_error,omitempty"`
}

// Supervisor probes a fixed set of subscribers.
type Supervisor struct {
	cfg     Config
	subs    []*subscriber.Subscriber
	limiter *rate.Limiter
	logger  *slog.Logger

	mu         sync.Mutex
	lastErrors map[int]error

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a supervisor over the given subscribers.
func New(cfg Config, subs []*subscriber.Subscriber, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 10 * time.Second
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = 60 * time.Second
	}
	if cfg.RestartRate <= 0 {
		cfg.RestartRate = 1
	}
	if cfg.RestartBurst < 1 {
		cfg.RestartBurst = 1
	}

	return &Supervisor{
		cfg:        cfg,
		subs:       subs,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RestartRate), cfg.RestartBurst),
		logger:     logger,
		lastErrors: make(map[int]error),
		stopCh:     make(chan struct{}),
	}
}

// Start begins all subscriptions and runs the probe loop until the
// context is cancelled or Shutdown is called.
func (sv *Supervisor) Start(ctx context.Context) error {
	for _, sub := range sv.subs {
		if err := sub.Start(); err != nil {
			return err
		}
	}

	sv.wg.Add(1)
	go func() {
		defer sv.wg.Done()
		ticker := time.NewTicker(sv.cfg.ProbeInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-sv.stopCh:
				return
			case <-ticker.C:
				sv.probeAll()
			}
		}
	}()
	return nil
}

func (sv *Supervisor) probeAll() {
	for _, sub := range sv.subs {
		sv.probe(sub)
	}
}

func (sv *Supervisor) probe(sub *subscriber.Subscriber) {
	// A pending retrieval failure means the health check will restart.
	// Pace those; an exhausted limiter defers the restart to the next
	// probe rather than dropping it.
	if sub.RetrievalFailure() != nil && !sv.limiter.Allow() {
		sv.logger.Warn("restart deferred by limiter",
			slog.Int("partition", sub.Partition()))
		return
	}

	if err := sub.HealthCheck(sv.cfg.StallTimeout); err != nil {
		sv.mu.Lock()
		sv.lastErrors[sub.Partition()] = err
		sv.mu.Unlock()
		sv.logger.Error("subscription restarted after retrieval failure",
			slog.Int("partition", sub.Partition()),
			slog.Any("error", err))
	}

	if err := sub.GetAndResetDispatchFailure(); err != nil {
		sv.logger.Error("batch handler failed",
			slog.Int("partition", sub.Partition()),
			slog.Any("error", err))
	}
}

// Status reports a snapshot of every partition.
func (sv *Supervisor) Status() []PartitionStatus {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	statuses := make([]PartitionStatus, 0, len(sv.subs))
	for _, sub := range sv.subs {
		m := sub.Metrics().Snapshot()
		st := PartitionStatus{
			Partition:         sub.Partition(),
			State:             sub.State().String(),
			Received:          m.Received,
			Dispatched:        m.Dispatched,
			DispatchFailures:  m.DispatchFailures,
			RetrievalFailures: m.RetrievalFailures,
			Restarts:          m.Restarts,
			StallRestarts:     m.StallRestarts,
		}
		if err := sub.RetrievalFailure(); err != nil {
			st.LastError = err.Error()
		} else if err := sv.lastErrors[sub.Partition()]; err != nil {
			st.LastError = err.Error()
		}
		statuses = append(statuses, st)
	}
	return statuses
}

// Healthy reports whether every subscriber is in a working state.
func (sv *Supervisor) Healthy() bool {
	for _, sub := range sv.subs {
		switch sub.State() {
		case subscriber.StateHalted, subscriber.StateShutdown:
			return false
		}
	}
	return true
}

// Shutdown stops probing and shuts every subscriber down.
func (sv *Supervisor) Shutdown() {
	sv.stopOnce.Do(func() { close(sv.stopCh) })
	sv.wg.Wait()
	for _, sub := range sv.subs {
		sub.Shutdown()
	}
}
