// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package webhook forwards batches to an HTTP endpoint behind a
// circuit breaker. A tripped breaker fails batches fast instead of
// hammering a dead endpoint; the dispatcher records those failures and
// keeps draining.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/absmach/fluxsub/retrieval"
)

// DefaultTimeout bounds a single delivery attempt.
const DefaultTimeout = 10 * time.Second

// Config holds webhook sink configuration.
type Config struct {
	// URL is the endpoint batches are POSTed to.
	URL string

	// Timeout bounds a single delivery attempt.
	Timeout time.Duration

	// Headers are added to every request.
	Headers map[string]string

	// BreakerThreshold is the consecutive-failure count that trips the
	// circuit breaker.
	BreakerThreshold uint32

	// BreakerReset is how long the breaker stays open before probing
	// the endpoint again.
	BreakerReset time.Duration

	Logger *slog.Logger
}

// Sender performs the protocol-specific delivery.
type Sender interface {
	// Send posts a payload to the URL.
	Send(ctx context.Context, url string, headers map[string]string, payload []byte) error
}

// envelope is the JSON body delivered per batch.
type envelope struct {
	Partition   int                `json:"partition"`
	Records     []retrieval.Record `json:"records"`
	RetrievedAt time.Time          `json:"retrieved_at"`
}

// Webhook is an HTTP batch sink.
type Webhook struct {
	cfg     Config
	sender  Sender
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// New creates a webhook sink. A nil sender gets the default HTTP one.
func New(cfg Config, sender Sender) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook URL cannot be empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerReset <= 0 {
		cfg.BreakerReset = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if sender == nil {
		sender = NewHTTPSender()
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.URL,
		MaxRequests: 1,
		Timeout:     cfg.BreakerReset,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("webhook circuit breaker state changed",
				slog.String("endpoint", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return &Webhook{
		cfg:     cfg,
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}, nil
}

// Handle posts one batch through the breaker.
func (w *Webhook) Handle(ctx context.Context, batch retrieval.Batch) error {
	payload, err := json.Marshal(envelope{
		Partition:   batch.Partition,
		Records:     batch.Records,
		RetrievedAt: batch.RetrievedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	_, err = w.breaker.Execute(func() (interface{}, error) {
		return nil, w.sender.Send(sendCtx, w.cfg.URL, w.cfg.Headers, payload)
	})
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}

	w.logger.Debug("batch delivered",
		slog.Int("partition", batch.Partition),
		slog.Int("records", len(batch.Records)))
	return nil
}

func (w *Webhook) Close() error { return nil }

// HTTPSender posts payloads over HTTP.
type HTTPSender struct {
	client *http.Client
}

// NewHTTPSender creates the default HTTP sender.
func NewHTTPSender() *HTTPSender {
	return &HTTPSender{
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Send posts the payload and treats any non-2xx status as failure.
func (s *HTTPSender) Send(ctx context.Context, url string, headers map[string]string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "FluxSub/1.0")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx status: %d", resp.StatusCode)
	}

	return nil
}
