// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package subscriber implements a buffered, backpressure-controlled
// subscriber between a pull-based record publisher and a per-partition
// batch handler. It decouples the thread that retrieves batches from the
// worker that processes them, keeps in-flight demand bounded by the
// buffer capacity, isolates handler failures from publisher failures,
// and resumes strictly after the last dispatched item across restarts.
package subscriber

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/absmach/fluxsub/retrieval"
)

// DefaultBufferSize is the dispatch queue capacity and initial demand
// when Options.BufferSize is not set.
const DefaultBufferSize = 8

// State is the lifecycle state of a subscriber.
type State int32

const (
	// StateIdle means no connection has been attempted yet.
	StateIdle State = iota
	// StateSubscribing means a subscribe handshake is in progress.
	StateSubscribing
	// StateActive means demand is flowing and dispatch is proceeding.
	StateActive
	// StateHalted means a retrieval failure stopped demand; a restart
	// is required to resume.
	StateHalted
	// StateCompleted means the publisher signalled end-of-stream.
	StateCompleted
	// StateShutdown means the subscriber was shut down.
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribing:
		return "subscribing"
	case StateActive:
		return "active"
	case StateHalted:
		return "halted"
	case StateCompleted:
		return "completed"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Options configures a subscriber.
type Options struct {
	// Partition identifies the partition this subscriber consumes.
	Partition int

	// BufferSize is the dispatch queue capacity and the demand window
	// kept open against the publisher.
	BufferSize int

	// ReadTimeoutsToIgnore is the number of additional consecutive
	// read-timeout failures tolerated before warnings resume. Zero means
	// every read timeout is logged.
	ReadTimeoutsToIgnore int

	// InitialPosition is where a fresh read begins when no checkpoint
	// exists yet.
	InitialPosition retrieval.Position

	Logger *slog.Logger
}

// epoch is one subscription generation. A restart abandons the current
// epoch and starts a new one; anything still running against an old
// epoch becomes inert.
type epoch struct {
	queue chan retrieval.Retrieved
	done  chan struct{}
}

// Subscriber connects one partition's publisher to its batch handler.
type Subscriber struct {
	id         string
	partition  int
	publisher  retrieval.Publisher
	pool       *Pool
	handler    retrieval.Handler
	bufferSize int
	ignore     int
	initialPos retrieval.Position
	logger     *slog.Logger
	metrics    *Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu                  sync.Mutex
	state               State
	sub                 retrieval.Subscription
	epoch               *epoch
	dispatchFailure     error
	retrievalFailure    error
	consecutiveTimeouts int
	lastActivity        time.Time
	lastDispatched      retrieval.Retrieved
}

var _ retrieval.BatchSubscriber = (*Subscriber)(nil)

// New creates a subscriber for one partition. The pool is shared across
// subscribers; handler is invoked serially, one batch at a time.
func New(publisher retrieval.Publisher, pool *Pool, handler retrieval.Handler, opts Options) *Subscriber {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Subscriber{
		id:           uuid.New().String(),
		partition:    opts.Partition,
		publisher:    publisher,
		pool:         pool,
		handler:      handler,
		bufferSize:   opts.BufferSize,
		ignore:       opts.ReadTimeoutsToIgnore,
		initialPos:   opts.InitialPosition,
		logger:       logger.With(slog.Int("partition", opts.Partition)),
		metrics:      NewMetrics(),
		ctx:          ctx,
		cancel:       cancel,
		state:        StateIdle,
		lastActivity: time.Now(),
	}
}

// ID returns the subscriber's unique instance ID.
func (s *Subscriber) ID() string { return s.id }

// Partition returns the partition this subscriber consumes.
func (s *Subscriber) Partition() int { return s.partition }

// State returns the current lifecycle state.
func (s *Subscriber) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Metrics returns the subscriber's metrics.
func (s *Subscriber) Metrics() *Metrics { return s.metrics }

// Start begins or resumes the subscription. It is idempotent: calling it
// while a subscription is active or a handshake is in progress is a
// no-op. From idle or halted it runs the restart procedure, resuming
// after the last dispatched item when a checkpoint exists.
func (s *Subscriber) Start() error {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()

	if st == StateActive || st == StateSubscribing {
		return nil
	}
	return s.restart()
}

// restart tears down the current subscription generation and subscribes
// anew. Restarts serialize on the subscribing guard: a caller observing
// a handshake already in progress does nothing. The consecutive-timeout
// counter deliberately survives restarts; it tracks locality in the
// error stream, not connection generations.
func (s *Subscriber) restart() error {
	s.mu.Lock()
	switch s.state {
	case StateSubscribing, StateCompleted, StateShutdown:
		s.mu.Unlock()
		return nil
	}

	oldSub := s.sub
	oldEpoch := s.epoch
	s.sub = nil

	ep := &epoch{
		queue: make(chan retrieval.Retrieved, s.bufferSize),
		done:  make(chan struct{}),
	}
	s.epoch = ep
	checkpoint := s.lastDispatched
	s.retrievalFailure = nil
	s.lastActivity = time.Now()
	s.state = StateSubscribing
	s.mu.Unlock()

	if oldEpoch != nil {
		close(oldEpoch.done)
	}
	if oldSub != nil {
		oldSub.Cancel()
	}

	go s.dispatchLoop(ep)

	var err error
	if checkpoint != nil {
		err = s.publisher.RestartFrom(checkpoint)
	} else {
		err = s.publisher.Start(s.initialPos)
	}
	if err != nil {
		err = fmt.Errorf("repositioning publisher: %w", err)
		s.mu.Lock()
		if s.epoch == ep {
			s.state = StateHalted
			s.retrievalFailure = err
		}
		s.mu.Unlock()
		return err
	}

	s.metrics.recordRestart()
	s.publisher.Subscribe(s)
	return nil
}

// OnSubscribe stores the new flow-control handle and opens the initial
// demand window. The initial request is issued outside the state lock:
// a publisher may push synchronously from Request.
func (s *Subscriber) OnSubscribe(sub retrieval.Subscription) {
	s.mu.Lock()
	if s.state == StateShutdown || s.state == StateCompleted {
		s.mu.Unlock()
		sub.Cancel()
		return
	}
	s.sub = sub
	s.state = StateActive
	s.lastActivity = time.Now()
	n := s.bufferSize
	s.mu.Unlock()

	sub.Request(n)
}

// OnNext hands one received item to the dispatch worker and replenishes
// one unit of demand, keeping the open window near the buffer capacity.
// Items pushed after a halt, completion, or cancellation are discarded.
func (s *Subscriber) OnNext(item retrieval.Retrieved) {
	s.mu.Lock()
	if s.state != StateActive && s.state != StateSubscribing {
		s.mu.Unlock()
		return
	}
	ep := s.epoch
	s.lastActivity = time.Now()
	s.consecutiveTimeouts = 0
	s.mu.Unlock()

	s.metrics.recordReceived()

	select {
	case ep.queue <- item:
	case <-ep.done:
		// Abandoned mid-handoff; the replacement subscription re-reads
		// this item from the checkpoint.
		return
	}

	// Replenish only on the handle this item arrived on.
	s.mu.Lock()
	sub := s.sub
	current := s.epoch == ep
	if current {
		s.lastActivity = time.Now()
	}
	s.mu.Unlock()
	if current && sub != nil {
		sub.Request(1)
	}
}

// OnError records the publisher failure and halts demand. The pull
// contract guarantees no further pushes until a fresh subscribe, so the
// stale handle is left alone. Warnings follow the suppression policy:
// read timeouts are counted and only logged past the configured
// threshold, anything else is always logged.
func (s *Subscriber) OnError(err error) {
	s.mu.Lock()
	if s.state == StateShutdown || s.state == StateCompleted {
		s.mu.Unlock()
		return
	}
	s.retrievalFailure = err
	s.state = StateHalted

	isTimeout := retrieval.IsReadTimeout(err)
	var streak int
	if isTimeout {
		s.consecutiveTimeouts++
		streak = s.consecutiveTimeouts
	} else {
		s.consecutiveTimeouts = 0
	}
	s.mu.Unlock()

	s.metrics.recordRetrievalFailure()

	switch {
	case !isTimeout:
		s.metrics.recordGenericWarning()
		s.logger.Warn("publisher reported an error; dispatch halted until restart",
			slog.Any("error", err))
	case streak > s.ignore:
		s.metrics.recordTimeoutWarning()
		s.logger.Warn("publisher read timed out; dispatch halted until restart",
			slog.Int("consecutive_timeouts", streak),
			slog.Any("error", err))
	default:
		s.metrics.recordSuppressedTimeout()
	}
}

// OnComplete marks the natural end of the stream. Queued items still
// drain; no further demand is issued and no restart will occur.
func (s *Subscriber) OnComplete() {
	s.mu.Lock()
	if s.state != StateActive && s.state != StateSubscribing {
		s.mu.Unlock()
		return
	}
	s.state = StateCompleted
	ep := s.epoch
	s.mu.Unlock()

	s.logger.Info("publisher completed the stream")
	if ep != nil {
		// Publisher pushes are serial, so nothing sends on the queue
		// after completion.
		close(ep.queue)
	}
}

// dispatchLoop drains one epoch's queue on a single pool slot, invoking
// the handler for one item at a time in arrival order.
func (s *Subscriber) dispatchLoop(ep *epoch) {
	select {
	case s.pool.slots <- struct{}{}:
	case <-ep.done:
		return
	case <-s.ctx.Done():
		return
	}
	defer s.pool.release()

	for {
		select {
		case <-ep.done:
			return
		case item, ok := <-ep.queue:
			if !ok {
				return
			}
			s.dispatch(ep, item)
		}
	}
}

// dispatch invokes the handler for one item and advances the restart
// checkpoint. The checkpoint advances even when the handler fails: a
// handler defect must not cause redelivery. A worker whose epoch was
// abandoned records nothing.
func (s *Subscriber) dispatch(ep *epoch, item retrieval.Retrieved) {
	s.mu.Lock()
	sub := s.sub
	s.mu.Unlock()

	err := s.invokeHandler(item, sub)

	s.mu.Lock()
	if s.epoch == ep {
		if err != nil {
			s.dispatchFailure = err
		}
		s.lastDispatched = item
	}
	stale := s.epoch != ep
	s.mu.Unlock()

	if stale {
		return
	}
	if err != nil {
		s.metrics.recordDispatchFailure()
		s.logger.Warn("batch handler failed; continuing with next batch",
			slog.Any("error", err))
		return
	}
	s.metrics.recordDispatched()
}

func (s *Subscriber) invokeHandler(item retrieval.Retrieved, sub retrieval.Subscription) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler(s.ctx, item.Batch(), sub)
}

// GetAndResetDispatchFailure returns the most recent unread handler
// failure and clears the register, or nil if none occurred. An unread
// failure overwritten by a newer one is lost; callers are expected to
// poll frequently relative to the failure rate.
func (s *Subscriber) GetAndResetDispatchFailure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.dispatchFailure
	s.dispatchFailure = nil
	return err
}

// RetrievalFailure returns the pending publisher failure without
// clearing it. Only a successful restart clears the register.
func (s *Subscriber) RetrievalFailure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retrievalFailure
}

// HealthCheck is the caller-driven probe. A pending retrieval failure
// triggers a restart and is returned. Otherwise, if nothing has happened
// within timeout while the subscription is active, the connection is
// treated as stalled and restarted; an abandoned worker stuck in the
// handler is left to finish on its own, its output ignored.
func (s *Subscriber) HealthCheck(timeout time.Duration) error {
	s.mu.Lock()
	if s.state == StateCompleted || s.state == StateShutdown || s.state == StateIdle {
		s.mu.Unlock()
		return nil
	}
	failure := s.retrievalFailure
	stalled := failure == nil && s.state == StateActive && time.Since(s.lastActivity) > timeout
	s.mu.Unlock()

	if failure != nil {
		if err := s.restart(); err != nil {
			s.logger.Warn("restart after retrieval failure failed", slog.Any("error", err))
		}
		return failure
	}

	if stalled {
		s.metrics.recordStallRestart()
		s.logger.Warn("no subscription activity; forcing restart",
			slog.Duration("timeout", timeout))
		if err := s.restart(); err != nil {
			s.logger.Warn("restart after stall failed", slog.Any("error", err))
		}
	}
	return nil
}

// Shutdown cancels the subscription and releases the publisher. The
// subscriber cannot be restarted afterwards.
func (s *Subscriber) Shutdown() {
	s.mu.Lock()
	if s.state == StateShutdown {
		s.mu.Unlock()
		return
	}
	s.state = StateShutdown
	sub := s.sub
	s.sub = nil
	ep := s.epoch
	s.epoch = nil
	s.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	if ep != nil {
		close(ep.done)
	}
	s.cancel()
	s.publisher.Shutdown()
}
