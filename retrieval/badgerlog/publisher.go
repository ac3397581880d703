// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badgerlog

import (
	"fmt"
	"sync"
	"time"

	"github.com/absmach/fluxsub/retrieval"
)

// DefaultBatchSize is the record count per delivered batch when none is
// configured.
const DefaultBatchSize = 100

// pollInterval is the fallback poll period in case an append
// notification is missed.
const pollInterval = 100 * time.Millisecond

// logItem is one delivered batch plus the sequence the next read
// resumes at. It is the checkpoint token handed back via RestartFrom.
type logItem struct {
	batch   retrieval.Batch
	lastSeq uint64
}

func (i *logItem) Batch() retrieval.Batch { return i.batch }

// Publisher streams one partition of the log under the pull protocol.
// A single pump goroutine reads from the cursor while demand is
// outstanding; appends wake it through a notification channel.
type Publisher struct {
	log       *Log
	partition int
	batchSize int

	mu       sync.Mutex
	cursor   uint64
	gen      int // subscription generation; stale handles are inert
	demand   int
	sub      retrieval.BatchSubscriber
	halted   bool // an error was pushed; cleared by the next Subscribe
	shutdown bool

	notify   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

var _ retrieval.Publisher = (*Publisher)(nil)

// Publisher returns a publisher for one partition of the log.
func (l *Log) Publisher(partition, batchSize int) *Publisher {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	p := &Publisher{
		log:       l,
		partition: partition,
		batchSize: batchSize,
		cursor:    1,
		notify:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	l.register(p)
	go p.pump()
	return p
}

// Start positions the cursor for a fresh read.
func (p *Publisher) Start(pos retrieval.Position) error {
	var (
		seq uint64
		err error
	)
	switch pos.Kind {
	case retrieval.PositionOldest:
		seq, err = p.log.oldestSequence(p.partition)
	case retrieval.PositionLatest:
		seq, err = p.log.latestSequence(p.partition)
	case retrieval.PositionAtSequence:
		seq = pos.Sequence
	default:
		return fmt.Errorf("unknown position kind %d", pos.Kind)
	}
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown {
		return retrieval.ErrShutdown
	}
	p.cursor = seq
	return nil
}

// RestartFrom positions the cursor strictly after a previously
// delivered item.
func (p *Publisher) RestartFrom(item retrieval.Retrieved) error {
	it, ok := item.(*logItem)
	if !ok {
		return fmt.Errorf("checkpoint %T does not belong to this log", item)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutdown {
		return retrieval.ErrShutdown
	}
	p.cursor = it.lastSeq + 1
	return nil
}

// Subscribe attaches a subscriber, invalidating any previous handle,
// and hands out a fresh flow-control handle.
func (p *Publisher) Subscribe(s retrieval.BatchSubscriber) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.gen++
	gen := p.gen
	p.sub = s
	p.demand = 0
	p.halted = false
	p.mu.Unlock()

	s.OnSubscribe(&logSubscription{p: p, gen: gen})
}

// Shutdown stops the pump permanently.
func (p *Publisher) Shutdown() {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true
	p.sub = nil
	p.mu.Unlock()

	p.stopOnce.Do(func() { close(p.stopCh) })
	p.log.unregister(p)
}

func (p *Publisher) notifyAppend() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *Publisher) pump() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-p.notify:
		case <-ticker.C:
		}
		p.deliver()
	}
}

// deliver pushes batches while demand is outstanding and data is
// available. Push callbacks run outside the lock; a handle invalidated
// mid-read makes the read's result moot.
func (p *Publisher) deliver() {
	for {
		p.mu.Lock()
		if p.shutdown || p.halted || p.sub == nil || p.demand <= 0 {
			p.mu.Unlock()
			return
		}
		cursor := p.cursor
		sub := p.sub
		gen := p.gen
		p.mu.Unlock()

		recs, err := p.log.readFrom(p.partition, cursor, p.batchSize)
		if err != nil {
			p.mu.Lock()
			stale := p.gen != gen
			if !stale {
				p.halted = true
			}
			p.mu.Unlock()
			if !stale {
				sub.OnError(err)
			}
			return
		}
		if len(recs) == 0 {
			return // nothing new yet; demand stays open
		}

		item := &logItem{
			batch: retrieval.Batch{
				Partition:   p.partition,
				Records:     recs,
				RetrievedAt: time.Now(),
			},
			lastSeq: recs[len(recs)-1].Sequence,
		}

		p.mu.Lock()
		if p.gen != gen || p.halted || p.shutdown {
			p.mu.Unlock()
			return
		}
		p.demand--
		p.cursor = item.lastSeq + 1
		p.mu.Unlock()

		sub.OnNext(item)
	}
}

// logSubscription is one generation's flow-control handle.
type logSubscription struct {
	p   *Publisher
	gen int
}

func (s *logSubscription) Request(n int) {
	if n <= 0 {
		return
	}
	s.p.mu.Lock()
	if s.p.gen != s.gen || s.p.halted || s.p.shutdown {
		s.p.mu.Unlock()
		return
	}
	s.p.demand += n
	s.p.mu.Unlock()
	s.p.notifyAppend()
}

func (s *logSubscription) Cancel() {
	s.p.mu.Lock()
	defer s.p.mu.Unlock()
	if s.p.gen != s.gen {
		return
	}
	// Invalidate this generation entirely; a canceled handle cannot be
	// revived by a late Request.
	s.p.gen++
	s.p.demand = 0
	s.p.sub = nil
}
