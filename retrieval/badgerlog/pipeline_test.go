// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badgerlog_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/fluxsub/retrieval"
	"github.com/absmach/fluxsub/retrieval/badgerlog"
	"github.com/absmach/fluxsub/subscriber"
)

// TestLogToHandlerPipeline drives a full partition pipeline: records
// appended to the log come out of the handler in sequence order,
// including records appended while the subscription is live.
func TestLogToHandlerPipeline(t *testing.T) {
	l, err := badgerlog.Open(badgerlog.Config{Dir: t.TempDir()})
	require.NoError(t, err)
	defer l.Close()

	pub := l.Publisher(0, 10)

	var mu sync.Mutex
	var got []uint64
	handler := func(_ context.Context, batch retrieval.Batch, _ retrieval.Subscription) error {
		mu.Lock()
		defer mu.Unlock()
		for _, rec := range batch.Records {
			got = append(got, rec.Sequence)
		}
		return nil
	}

	sub := subscriber.New(pub, subscriber.NewPool(4), handler, subscriber.Options{
		Partition:       0,
		BufferSize:      4,
		InitialPosition: retrieval.Oldest(),
	})
	defer sub.Shutdown()

	recs := make([]retrieval.Record, 60)
	for i := range recs {
		recs[i] = retrieval.Record{Payload: []byte(fmt.Sprintf("payload-%d", i))}
	}
	require.NoError(t, l.Append(0, recs[:30]...))

	require.NoError(t, sub.Start())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 30
	}, 5*time.Second, 10*time.Millisecond)

	// Tail the live log.
	require.NoError(t, l.Append(0, recs[30:]...))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 60
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, seq := range got {
		assert.Equal(t, uint64(i+1), seq)
	}
	assert.NoError(t, sub.HealthCheck(time.Minute))
}
