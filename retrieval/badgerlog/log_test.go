// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badgerlog

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/fluxsub/retrieval"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func testRecords(n int) []retrieval.Record {
	recs := make([]retrieval.Record, n)
	for i := range recs {
		recs[i] = retrieval.Record{
			Key:     fmt.Sprintf("key-%d", i),
			Payload: []byte(fmt.Sprintf("payload-%d", i)),
		}
	}
	return recs
}

func TestAppendAssignsSequencesAndIDs(t *testing.T) {
	l := openTestLog(t)

	require.NoError(t, l.Append(0, testRecords(3)...))

	recs, err := l.readFrom(0, 1, 10)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, rec := range recs {
		assert.Equal(t, uint64(i+1), rec.Sequence)
		assert.NotEmpty(t, rec.ID)
		assert.False(t, rec.Timestamp.IsZero())
		assert.Equal(t, fmt.Sprintf("key-%d", i), rec.Key)
	}
}

func TestAppendContinuesSequence(t *testing.T) {
	l := openTestLog(t)

	require.NoError(t, l.Append(0, testRecords(2)...))
	require.NoError(t, l.Append(0, testRecords(2)...))

	recs, err := l.readFrom(0, 1, 10)
	require.NoError(t, err)
	require.Len(t, recs, 4)
	for i, rec := range recs {
		assert.Equal(t, uint64(i+1), rec.Sequence)
	}
}

func TestPartitionsAreIndependent(t *testing.T) {
	l := openTestLog(t)

	require.NoError(t, l.Append(0, testRecords(3)...))
	require.NoError(t, l.Append(1, testRecords(2)...))

	recs, err := l.readFrom(1, 1, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(1), recs[0].Sequence)

	recs, err = l.readFrom(0, 1, 10)
	require.NoError(t, err)
	require.Len(t, recs, 3)
}

func TestReadFromBoundsAndOffset(t *testing.T) {
	l := openTestLog(t)
	require.NoError(t, l.Append(0, testRecords(10)...))

	recs, err := l.readFrom(0, 4, 3)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, uint64(4), recs[0].Sequence)
	assert.Equal(t, uint64(6), recs[2].Sequence)
}

func TestSequenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	l, err := Open(Config{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, l.Append(0, testRecords(5)...))
	require.NoError(t, l.Close())

	l, err = Open(Config{Dir: dir})
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(0, testRecords(1)...))
	recs, err := l.readFrom(0, 6, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(6), recs[0].Sequence)
}

func TestSequenceBounds(t *testing.T) {
	l := openTestLog(t)

	oldest, err := l.oldestSequence(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), oldest)
	latest, err := l.latestSequence(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), latest)

	require.NoError(t, l.Append(0, testRecords(7)...))

	oldest, err = l.oldestSequence(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), oldest)
	latest, err = l.latestSequence(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), latest)
}

// collectSub is a minimal subscriber recording everything pushed at it.
type collectSub struct {
	mu    sync.Mutex
	sub   retrieval.Subscription
	items []retrieval.Retrieved
	errs  []error
}

func (c *collectSub) OnSubscribe(s retrieval.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sub = s
}

func (c *collectSub) OnNext(item retrieval.Retrieved) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, item)
}

func (c *collectSub) OnError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func (c *collectSub) OnComplete() {}

func (c *collectSub) subscription() retrieval.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub
}

func (c *collectSub) item(i int) retrieval.Retrieved {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items[i]
}

func (c *collectSub) itemCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *collectSub) records() []retrieval.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	var recs []retrieval.Record
	for _, item := range c.items {
		recs = append(recs, item.Batch().Records...)
	}
	return recs
}

func TestPublisherDeliversAppendedRecords(t *testing.T) {
	l := openTestLog(t)
	p := l.Publisher(0, 10)
	defer p.Shutdown()

	require.NoError(t, l.Append(0, testRecords(25)...))

	sub := &collectSub{}
	require.NoError(t, p.Start(retrieval.Oldest()))
	p.Subscribe(sub)
	require.NotNil(t, sub.subscription())
	sub.subscription().Request(10)

	require.Eventually(t, func() bool {
		return len(sub.records()) == 25
	}, 2*time.Second, 10*time.Millisecond)

	recs := sub.records()
	for i, rec := range recs {
		assert.Equal(t, uint64(i+1), rec.Sequence)
	}
}

func TestPublisherHonorsDemand(t *testing.T) {
	l := openTestLog(t)
	p := l.Publisher(0, 5)
	defer p.Shutdown()

	require.NoError(t, l.Append(0, testRecords(50)...))

	sub := &collectSub{}
	require.NoError(t, p.Start(retrieval.Oldest()))
	p.Subscribe(sub)
	sub.subscription().Request(1)

	require.Eventually(t, func() bool {
		return sub.itemCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// No further demand, so nothing else arrives even though data is
	// available and the poll ticker keeps firing.
	time.Sleep(3 * pollInterval)
	assert.Equal(t, 1, sub.itemCount())
	assert.Len(t, sub.records(), 5)

	sub.subscription().Request(1)
	require.Eventually(t, func() bool {
		return sub.itemCount() == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(10), sub.records()[9].Sequence)
}

func TestPublisherWakesOnAppend(t *testing.T) {
	l := openTestLog(t)
	p := l.Publisher(0, 10)
	defer p.Shutdown()

	sub := &collectSub{}
	require.NoError(t, p.Start(retrieval.Oldest()))
	p.Subscribe(sub)
	sub.subscription().Request(5)

	time.Sleep(2 * pollInterval)
	require.Zero(t, sub.itemCount())

	require.NoError(t, l.Append(0, testRecords(3)...))
	require.Eventually(t, func() bool {
		return len(sub.records()) == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPublisherStartLatestSkipsHistory(t *testing.T) {
	l := openTestLog(t)
	p := l.Publisher(0, 10)
	defer p.Shutdown()

	require.NoError(t, l.Append(0, testRecords(20)...))

	sub := &collectSub{}
	require.NoError(t, p.Start(retrieval.Latest()))
	p.Subscribe(sub)
	sub.subscription().Request(5)

	time.Sleep(2 * pollInterval)
	require.Zero(t, sub.itemCount())

	require.NoError(t, l.Append(0, testRecords(2)...))
	require.Eventually(t, func() bool {
		return len(sub.records()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(21), sub.records()[0].Sequence)
}

func TestPublisherStartAtSequence(t *testing.T) {
	l := openTestLog(t)
	p := l.Publisher(0, 10)
	defer p.Shutdown()

	require.NoError(t, l.Append(0, testRecords(20)...))

	sub := &collectSub{}
	require.NoError(t, p.Start(retrieval.AtSequence(15)))
	p.Subscribe(sub)
	sub.subscription().Request(5)

	require.Eventually(t, func() bool {
		return len(sub.records()) == 6
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(15), sub.records()[0].Sequence)
}

func TestPublisherRestartFromResumesAfterCheckpoint(t *testing.T) {
	l := openTestLog(t)
	p := l.Publisher(0, 5)
	defer p.Shutdown()

	require.NoError(t, l.Append(0, testRecords(20)...))

	first := &collectSub{}
	require.NoError(t, p.Start(retrieval.Oldest()))
	p.Subscribe(first)
	first.subscription().Request(2)

	require.Eventually(t, func() bool {
		return first.itemCount() == 2
	}, 2*time.Second, 10*time.Millisecond)

	checkpoint := first.item(1)
	first.subscription().Cancel()

	require.NoError(t, p.RestartFrom(checkpoint))
	second := &collectSub{}
	p.Subscribe(second)
	second.subscription().Request(10)

	require.Eventually(t, func() bool {
		return len(second.records()) == 10
	}, 2*time.Second, 10*time.Millisecond)
	// Strictly after the checkpointed batch: no gap, no duplicate.
	assert.Equal(t, uint64(11), second.records()[0].Sequence)
	assert.Equal(t, uint64(20), second.records()[9].Sequence)
}

func TestPublisherRejectsForeignCheckpoint(t *testing.T) {
	l := openTestLog(t)
	p := l.Publisher(0, 5)
	defer p.Shutdown()

	err := p.RestartFrom(foreignItem{})
	assert.Error(t, err)
}

type foreignItem struct{}

func (foreignItem) Batch() retrieval.Batch { return retrieval.Batch{} }

func TestCanceledHandleIsInert(t *testing.T) {
	l := openTestLog(t)
	p := l.Publisher(0, 5)
	defer p.Shutdown()

	require.NoError(t, l.Append(0, testRecords(10)...))

	sub := &collectSub{}
	require.NoError(t, p.Start(retrieval.Oldest()))
	p.Subscribe(sub)
	handle := sub.subscription()
	handle.Cancel()

	// A late Request on the canceled handle must not revive delivery.
	handle.Request(10)
	time.Sleep(3 * pollInterval)
	assert.Zero(t, sub.itemCount())
}

func TestStaleHandleIgnoredAfterResubscribe(t *testing.T) {
	l := openTestLog(t)
	p := l.Publisher(0, 5)
	defer p.Shutdown()

	require.NoError(t, l.Append(0, testRecords(10)...))

	old := &collectSub{}
	require.NoError(t, p.Start(retrieval.Oldest()))
	p.Subscribe(old)
	oldHandle := old.subscription()

	fresh := &collectSub{}
	p.Subscribe(fresh)

	// Demand requested through the superseded handle must not feed the
	// fresh subscriber.
	oldHandle.Request(10)
	time.Sleep(3 * pollInterval)
	assert.Zero(t, fresh.itemCount())
	assert.Zero(t, old.itemCount())

	fresh.subscription().Request(10)
	require.Eventually(t, func() bool {
		return len(fresh.records()) == 10
	}, 2*time.Second, 10*time.Millisecond)
}

func TestShutdownStopsDelivery(t *testing.T) {
	l := openTestLog(t)
	p := l.Publisher(0, 5)

	sub := &collectSub{}
	require.NoError(t, p.Start(retrieval.Oldest()))
	p.Subscribe(sub)
	p.Shutdown()

	assert.ErrorIs(t, p.Start(retrieval.Oldest()), retrieval.ErrShutdown)

	require.NoError(t, l.Append(0, testRecords(5)...))
	sub.subscription().Request(10)
	time.Sleep(2 * pollInterval)
	assert.Zero(t, sub.itemCount())
}
