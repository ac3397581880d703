// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/fluxsub/retrieval"
)

type countingSink struct {
	batches []retrieval.Batch
	err     error
}

func (s *countingSink) Handle(_ context.Context, batch retrieval.Batch) error {
	s.batches = append(s.batches, batch)
	return s.err
}

func (s *countingSink) Close() error { return nil }

func TestHandlerAdapterForwardsBatch(t *testing.T) {
	cs := &countingSink{}
	h := Handler(cs)

	batch := retrieval.Batch{
		Partition:   2,
		Records:     []retrieval.Record{{Sequence: 7}},
		RetrievedAt: time.Now(),
	}
	require.NoError(t, h(context.Background(), batch, nil))
	require.Len(t, cs.batches, 1)
	assert.Equal(t, 2, cs.batches[0].Partition)
}

func TestHandlerAdapterPropagatesError(t *testing.T) {
	want := errors.New("sink exploded")
	h := Handler(&countingSink{err: want})

	err := h(context.Background(), retrieval.Batch{}, nil)
	assert.ErrorIs(t, err, want)
}

func TestLogSinkHandlesBatch(t *testing.T) {
	s := NewLogSink(nil)
	defer s.Close()

	batch := retrieval.Batch{
		Partition: 0,
		Records: []retrieval.Record{
			{Sequence: 1},
			{Sequence: 2},
		},
	}
	assert.NoError(t, s.Handle(context.Background(), batch))
}
