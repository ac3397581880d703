// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/fluxsub/retrieval"
)

func testBatch(n int) retrieval.Batch {
	recs := make([]retrieval.Record, n)
	for i := range recs {
		recs[i] = retrieval.Record{
			ID:       fmt.Sprintf("id-%d", i),
			Sequence: uint64(i + 1),
			Payload:  []byte("data"),
		}
	}
	return retrieval.Batch{Partition: 3, Records: recs, RetrievedAt: time.Now()}
}

func TestHandleDeliversEnvelope(t *testing.T) {
	var got envelope
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh, err := New(Config{
		URL:     srv.URL,
		Headers: map[string]string{"Authorization": "Bearer token"},
	}, nil)
	require.NoError(t, err)
	defer wh.Close()

	require.NoError(t, wh.Handle(context.Background(), testBatch(4)))
	assert.Equal(t, "Bearer token", auth)
	assert.Equal(t, 3, got.Partition)
	require.Len(t, got.Records, 4)
	assert.Equal(t, uint64(1), got.Records[0].Sequence)
}

func TestHandleRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	wh, err := New(Config{URL: srv.URL}, nil)
	require.NoError(t, err)

	err = wh.Handle(context.Background(), testBatch(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestBreakerTripsAndFailsFast(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	wh, err := New(Config{
		URL:              srv.URL,
		BreakerThreshold: 3,
		BreakerReset:     time.Minute,
	}, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.Error(t, wh.Handle(context.Background(), testBatch(1)))
	}
	require.Equal(t, int64(3), hits.Load())

	// Breaker is open now: failures no longer reach the endpoint.
	require.Error(t, wh.Handle(context.Background(), testBatch(1)))
	require.Error(t, wh.Handle(context.Background(), testBatch(1)))
	assert.Equal(t, int64(3), hits.Load())
}

func TestBreakerRecoversAfterReset(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh, err := New(Config{
		URL:              srv.URL,
		BreakerThreshold: 1,
		BreakerReset:     50 * time.Millisecond,
	}, nil)
	require.NoError(t, err)

	require.Error(t, wh.Handle(context.Background(), testBatch(1)))
	require.Error(t, wh.Handle(context.Background(), testBatch(1))) // open

	fail.Store(false)
	time.Sleep(80 * time.Millisecond)

	assert.NoError(t, wh.Handle(context.Background(), testBatch(1)))
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)
}
