// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sink delivers dispatched batches to their destination. A
// sink is the synchronous tail of the pipeline: its error return is
// what the dispatcher records as a processing failure.
package sink

import (
	"context"
	"log/slog"

	"github.com/absmach/fluxsub/retrieval"
)

// Sink consumes one batch at a time.
type Sink interface {
	// Handle processes a batch. An error marks the batch as failed;
	// delivery continues with the next batch either way.
	Handle(ctx context.Context, batch retrieval.Batch) error

	// Close releases sink resources.
	Close() error
}

// Handler adapts a sink to the dispatch callback shape.
func Handler(s Sink) retrieval.Handler {
	return func(ctx context.Context, batch retrieval.Batch, _ retrieval.Subscription) error {
		return s.Handle(ctx, batch)
	}
}

// LogSink writes batch summaries to the logger. It is the default sink
// when no destination is configured.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a logging sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Handle(_ context.Context, batch retrieval.Batch) error {
	first := batch.Records[0].Sequence
	last := batch.Records[len(batch.Records)-1].Sequence
	s.logger.Info("batch consumed",
		slog.Int("partition", batch.Partition),
		slog.Int("records", len(batch.Records)),
		slog.Uint64("first_sequence", first),
		slog.Uint64("last_sequence", last))
	return nil
}

func (s *LogSink) Close() error { return nil }
