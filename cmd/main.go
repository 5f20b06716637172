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
	"time"

	"github.com/absmach/fanq/broker"
	"github.com/absmach/fanq/broker/middleware"
	"github.com/absmach/fanq/broker/webhook"
	"github.com/absmach/fanq/config"
	"github.com/absmach/fanq/ratelimit"
	"github.com/absmach/fanq/registry"
	"github.com/absmach/fanq/server/health"
	"github.com/absmach/fanq/server/otel"
	"github.com/absmach/fanq/server/tcp"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

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

	slog.Info("Starting fanq broker", "version", cfg.Telemetry.ServiceVersion)
	slog.Info("Configuration loaded",
		"broker_id", cfg.Server.BrokerID,
		"producer_listener", cfg.Server.ProducerAddr,
		"consumer_listener", cfg.Server.ConsumerAddr,
		"capacity", cfg.Queue.Capacity,
		"framing", cfg.Queue.Framing,
		"fair_share", cfg.Queue.FairShare,
		"health_enabled", cfg.Server.HealthEnabled,
		"log_level", cfg.Log.Level)

	if cfg.Server.StartupDelay > 0 {
		slog.Info("Delaying startup", "delay", cfg.Server.StartupDelay)
		time.Sleep(cfg.Server.StartupDelay)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otelShutdown, err := otel.InitProvider(ctx, cfg.Telemetry, cfg.Server.BrokerID)
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	if cfg.Telemetry.MetricsEnabled || cfg.Telemetry.TracesEnabled {
		slog.Info("OpenTelemetry initialized",
			"endpoint", cfg.Telemetry.Endpoint,
			"metrics", cfg.Telemetry.MetricsEnabled,
			"traces", cfg.Telemetry.TracesEnabled,
			"sample_rate", cfg.Telemetry.TraceSampleRate)
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	b := broker.New(broker.Config{
		BrokerID:       cfg.Server.BrokerID,
		Capacity:       cfg.Queue.Capacity,
		FairShare:      cfg.Queue.FairShare,
		Framing:        cfg.Framing(),
		MaxMessageSize: cfg.Queue.MaxMessageSize,
		IdleTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
	}, logger)

	var connMetrics middleware.ConnMetrics
	if cfg.Telemetry.MetricsEnabled {
		metrics, err := otel.NewMetrics(nil, b)
		if err != nil {
			slog.Error("Failed to create metrics", "error", err)
			os.Exit(1)
		}
		defer metrics.Close()
		b.SetMetrics(metrics)
		connMetrics = metrics
		slog.Info("OTel metrics enabled")
	}

	var notifier *webhook.GenericNotifier
	if cfg.Webhook.Enabled {
		notifier, err = webhook.NewNotifier(cfg.Webhook, cfg.Server.BrokerID, webhook.NewHTTPSender(), logger)
		if err != nil {
			slog.Error("Failed to initialize webhooks", "error", err)
			os.Exit(1)
		}
		b.SetNotifier(notifier)
		slog.Info("Webhooks enabled",
			"endpoints", len(cfg.Webhook.Endpoints),
			"workers", cfg.Webhook.Workers,
			"queue_size", cfg.Webhook.QueueSize)
	} else {
		slog.Info("Webhooks disabled")
	}

	var limiter *ratelimit.Manager
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewManager(cfg.RateLimit)
		b.SetRateLimiter(limiter)
		slog.Info("Rate limiting enabled",
			"connection", cfg.RateLimit.Connection.Enabled,
			"message", cfg.RateLimit.Message.Enabled)
	}

	var wg sync.WaitGroup
	serverErr := make(chan error, 4)

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		if err := b.Run(ctx); err != nil {
			serverErr <- err
		}
	}()

	listeners := []struct {
		role    registry.Role
		addr    string
		handler broker.ConnHandler
	}{
		{role: registry.RoleProducer, addr: cfg.Server.ProducerAddr, handler: b.ProducerHandler()},
		{role: registry.RoleConsumer, addr: cfg.Server.ConsumerAddr, handler: b.ConsumerHandler()},
	}

	for _, l := range listeners {
		name := l.role.String()
		h := middleware.NewLogging(l.handler, logger, name)
		if connMetrics != nil {
			h = middleware.NewMetrics(h, connMetrics, name)
		}

		tcpCfg := tcp.Config{
			Address:         l.addr,
			Name:            name,
			Logger:          logger,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			TCPKeepAlive:    cfg.Server.TCPKeepAlive,
			MaxConnections:  cfg.Server.MaxConnections,
		}
		if limiter != nil {
			tcpCfg.Limiter = limiter
		}
		server := tcp.New(tcpCfg, h)

		wg.Add(1)
		go func(name, addr string) {
			defer wg.Done()
			slog.Info("Starting TCP server", "role", name, "address", addr)
			if err := server.Listen(ctx); err != nil {
				serverErr <- err
			}
		}(name, l.addr)
	}

	if cfg.Server.HealthEnabled {
		healthCfg := health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}
		healthServer := health.New(healthCfg, b, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("fanq broker started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	// Listeners stop accepting first so no session starts after Close.
	cancel()
	wg.Wait()

	if err := b.Close(); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}
	<-dispatchDone

	if notifier != nil {
		if err := notifier.Close(); err != nil {
			slog.Error("Failed to close webhook notifier", "error", err)
		}
	}
	limiter.Stop()

	otelCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer otelCancel()
	if err := otelShutdown(otelCtx); err != nil {
		slog.Error("Failed to shutdown OpenTelemetry", "error", err)
	}

	slog.Info("fanq broker stopped")
}
