// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"

	"github.com/absmach/fluxsub/config"
	"github.com/absmach/fluxsub/retrieval"
	"github.com/absmach/fluxsub/retrieval/badgerlog"
	"github.com/absmach/fluxsub/server/health"
	"github.com/absmach/fluxsub/server/otel"
	"github.com/absmach/fluxsub/sink"
	"github.com/absmach/fluxsub/sink/webhook"
	"github.com/absmach/fluxsub/subscriber"
	"github.com/absmach/fluxsub/supervisor"
)

func main() {
	// Parse command-line flags
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup logging
	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	instanceID := uuid.New().String()
	slog.Info("Starting fluxsub", "version", "0.1.0", "instance_id", instanceID)
	slog.Info("Configuration loaded",
		"partitions", cfg.Subscriber.Partitions,
		"buffer_size", cfg.Subscriber.BufferSize,
		"sink", cfg.Sink.Type,
		"storage_dir", cfg.Storage.Dir,
		"log_level", cfg.Log.Level)

	// Open the record log
	log, err := badgerlog.Open(badgerlog.Config{
		Dir:        cfg.Storage.Dir,
		SyncWrites: cfg.Storage.SyncWrites,
	})
	if err != nil {
		slog.Error("Failed to open record log", "error", err)
		os.Exit(1)
	}
	defer log.Close()

	// Build the batch sink
	var batchSink sink.Sink
	switch cfg.Sink.Type {
	case "log":
		batchSink = sink.NewLogSink(logger)
		slog.Info("Using logging sink")
	case "webhook":
		wh, err := webhook.New(webhook.Config{
			URL:              cfg.Sink.Webhook.URL,
			Timeout:          cfg.Sink.Webhook.Timeout,
			Headers:          cfg.Sink.Webhook.Headers,
			BreakerThreshold: uint32(cfg.Sink.Webhook.CircuitBreakerThreshold),
			BreakerReset:     cfg.Sink.Webhook.CircuitBreakerReset,
			Logger:           logger,
		}, nil)
		if err != nil {
			slog.Error("Failed to initialize webhook sink", "error", err)
			os.Exit(1)
		}
		batchSink = wh
		slog.Info("Using webhook sink", "url", cfg.Sink.Webhook.URL)
	default:
		slog.Error("Unknown sink type", "type", cfg.Sink.Type)
		os.Exit(1)
	}
	defer batchSink.Close()

	initialPos := retrieval.Oldest()
	if cfg.Subscriber.StartFrom == "latest" {
		initialPos = retrieval.Latest()
	}

	// One subscriber per partition, all sharing a dispatch pool
	pool := subscriber.NewPool(cfg.Subscriber.DispatchPoolSize)
	subs := make([]*subscriber.Subscriber, 0, cfg.Subscriber.Partitions)
	for partition := 0; partition < cfg.Subscriber.Partitions; partition++ {
		pub := log.Publisher(partition, 0)
		subs = append(subs, subscriber.New(pub, pool, sink.Handler(batchSink), subscriber.Options{
			Partition:            partition,
			BufferSize:           cfg.Subscriber.BufferSize,
			ReadTimeoutsToIgnore: cfg.Subscriber.ReadTimeoutsToIgnore,
			InitialPosition:      initialPos,
			Logger:               logger,
		}))
	}

	// Initialize OpenTelemetry metrics export if enabled
	if cfg.Server.MetricsEnabled {
		shutdown, err := otel.InitProvider(cfg.Server, instanceID)
		if err != nil {
			slog.Error("Failed to initialize telemetry", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				slog.Error("Telemetry shutdown error", "error", err)
			}
		}()

		metrics, err := otel.NewMetrics(subs)
		if err != nil {
			slog.Error("Failed to register metrics", "error", err)
			os.Exit(1)
		}
		defer metrics.Close()
		slog.Info("Telemetry enabled", "endpoint", cfg.Server.MetricsAddr)
	}

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sv := supervisor.New(supervisor.Config{
		ProbeInterval: cfg.Supervisor.ProbeInterval,
		StallTimeout:  cfg.Supervisor.StallTimeout,
		RestartRate:   cfg.Supervisor.RestartRate,
		RestartBurst:  cfg.Supervisor.RestartBurst,
	}, subs, logger)

	if err := sv.Start(ctx); err != nil {
		slog.Error("Failed to start subscriptions", "error", err)
		os.Exit(1)
	}
	defer sv.Shutdown()

	var wg sync.WaitGroup
	serverErr := make(chan error, 1)

	// Start health check server if enabled
	if cfg.Server.HealthEnabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, sv, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("fluxsub started successfully")

	// Wait for shutdown signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
		cancel()
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
		cancel()
	}

	wg.Wait()
	slog.Info("fluxsub stopped")
}
