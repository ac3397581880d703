// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package retrieval defines the contract between a record source and the
// subscribers that consume it. A source implements Publisher and pushes
// batches to a BatchSubscriber according to the demand signalled through
// the Subscription handle it hands out.
package retrieval

import (
	"context"
	"time"
)

// Record is a single unit of data inside a batch.
type Record struct {
	ID        string            `json:"id"`
	Key       string            `json:"key,omitempty"`
	Sequence  uint64            `json:"sequence"`
	Payload   []byte            `json:"payload"`
	Headers   map[string]string `json:"headers,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Batch is what a publisher delivers per unit of demand.
type Batch struct {
	Partition   int
	Records     []Record
	RetrievedAt time.Time
}

// Retrieved wraps one delivered batch. Its identity doubles as the
// resumption token: RestartFrom must resume strictly after the item,
// with no gap and no re-delivery.
type Retrieved interface {
	Batch() Batch
}

// Subscription is the flow-control handle a publisher provides on
// subscribe. Request grants the publisher permission to push up to n
// more items. Cancel stops all pending demand and is idempotent.
type Subscription interface {
	Request(n int)
	Cancel()
}

// BatchSubscriber receives the publisher's push callbacks. After OnError
// or OnComplete no further pushes occur until a fresh Subscribe.
type BatchSubscriber interface {
	OnSubscribe(sub Subscription)
	OnNext(item Retrieved)
	OnError(err error)
	OnComplete()
}

// Publisher produces an ordered stream of batches under a pull protocol.
type Publisher interface {
	// Start positions the publisher for a fresh read.
	Start(pos Position) error

	// RestartFrom repositions the publisher strictly after item.
	RestartFrom(item Retrieved) error

	// Subscribe attaches the subscriber; the publisher eventually calls
	// OnSubscribe with a Subscription handle. Pushes only happen against
	// outstanding demand.
	Subscribe(s BatchSubscriber)

	// Shutdown releases publisher resources permanently.
	Shutdown()
}

// Handler processes one batch. The subscription handle is passed so a
// handler can cancel further demand if it must. A non-nil error is
// captured by the subscriber and never stops retrieval.
type Handler func(ctx context.Context, batch Batch, sub Subscription) error

// PositionKind selects where a fresh read begins.
type PositionKind int

const (
	// PositionOldest starts from the oldest retained record.
	PositionOldest PositionKind = iota
	// PositionLatest starts after the newest record at start time.
	PositionLatest
	// PositionAtSequence starts at an explicit sequence number.
	PositionAtSequence
)

// Position is a fresh-start location in the stream.
type Position struct {
	Kind     PositionKind
	Sequence uint64
}

// Oldest returns a position at the start of retained data.
func Oldest() Position { return Position{Kind: PositionOldest} }

// Latest returns a position after the newest record.
func Latest() Position { return Position{Kind: PositionLatest} }

// AtSequence returns a position at an explicit sequence number.
func AtSequence(seq uint64) Position {
	return Position{Kind: PositionAtSequence, Sequence: seq}
}
