// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broker wires the bounded queue, the connection registry and the
// dispatcher into a producer/consumer fan-out broker.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fanq/broker/events"
	"github.com/absmach/fanq/broker/webhook"
	"github.com/absmach/fanq/codec"
	"github.com/absmach/fanq/dispatcher"
	"github.com/absmach/fanq/queue"
	"github.com/absmach/fanq/registry"
)

// ErrClosed is returned by Run once the broker has been closed.
var ErrClosed = errors.New("broker closed")

// MessageLimiter paces producers. It must block rather than reject.
type MessageLimiter interface {
	WaitMessage(ctx context.Context, producerID string) error
	OnProducerDisconnect(producerID string)
}

// Metrics receives message level instrumentation.
type Metrics interface {
	RecordMessageReceived(size int)
	RecordMessageDelivered(size int, d time.Duration)
	RecordDeliveryFailure()
	RecordOversized()
}

// Config holds broker options.
type Config struct {
	BrokerID       string
	Capacity       int
	FairShare      bool
	Framing        codec.Framing
	MaxMessageSize int
	// IdleTimeout bounds how long a producer may stay silent. Zero disables it.
	IdleTimeout time.Duration
	// WriteTimeout bounds a single write to a consumer. Values <= 0 fall
	// back to DefaultWriteTimeout; a consumer write is never unbounded.
	WriteTimeout time.Duration
}

// DefaultWriteTimeout bounds consumer writes when Config.WriteTimeout is unset.
const DefaultWriteTimeout = 10 * time.Second

// Broker owns the queue, the registry and the dispatcher for one process.
type Broker struct {
	cfg        Config
	logger     *slog.Logger
	queue      *queue.Queue[[]byte]
	registry   *registry.Registry
	dispatcher *dispatcher.Dispatcher
	stats      *Stats

	notifier webhook.Notifier
	limiter  MessageLimiter
	metrics  Metrics

	running   atomic.Bool
	mu        sync.Mutex
	closed    bool
	stopCh    chan struct{}
	closeOnce sync.Once
	conns     sync.WaitGroup
}

// New creates a broker. Call Run to start dispatching.
func New(cfg Config, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	if cfg.Framing == "" {
		cfg.Framing = codec.Line
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = codec.MaxFrameSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	b := &Broker{
		cfg:     cfg,
		logger:  logger,
		queue:   queue.New[[]byte](cfg.Capacity),
		stats:   NewStats(),
		metrics: nopMetrics{},
		stopCh:  make(chan struct{}),
	}
	b.registry = registry.New(registry.Config{
		Capacity:    cfg.Capacity,
		FairShare:   cfg.FairShare,
		OnRebalance: b.onRebalance,
	})
	b.dispatcher = dispatcher.New(b.queue, b.registry, dispatcher.Config{
		Logger:   logger.With(slog.String("component", "dispatcher")),
		Observer: observer{b},
	})

	return b
}

// SetNotifier sets the webhook notifier for lifecycle events.
func (b *Broker) SetNotifier(n webhook.Notifier) {
	b.notifier = n
}

// SetRateLimiter sets the producer message limiter.
func (b *Broker) SetRateLimiter(l MessageLimiter) {
	b.limiter = l
}

// SetMetrics sets the metrics sink.
func (b *Broker) SetMetrics(m Metrics) {
	if m == nil {
		m = nopMetrics{}
	}
	b.metrics = m
}

// Stats returns the broker statistics.
func (b *Broker) Stats() *Stats {
	return b.stats
}

// Registry returns the connection registry.
func (b *Broker) Registry() *registry.Registry {
	return b.registry
}

// QueueDepth returns the number of queued messages.
func (b *Broker) QueueDepth() int {
	return b.queue.Len()
}

// Ready reports whether the dispatcher is running.
func (b *Broker) Ready() bool {
	return b.running.Load()
}

// Run dispatches until ctx is cancelled or the broker is closed.
func (b *Broker) Run(ctx context.Context) error {
	select {
	case <-b.stopCh:
		return ErrClosed
	default:
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-b.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	b.running.Store(true)
	defer b.running.Store(false)

	err := b.dispatcher.Run(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
		return nil
	}
	return err
}

// Close closes every live connection, waits for their handlers to finish
// cleanup and closes the queue. Queued messages are discarded.
func (b *Broker) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		close(b.stopCh)
		b.mu.Unlock()

		b.conns.Wait()
		b.queue.Close()

		if n := b.queue.Len(); n > 0 {
			b.logger.Warn("broker closed with undelivered messages", slog.Int("count", n))
		}
		b.logger.Info("broker closed")
	})
	return nil
}

// enter tracks a new connection handler. It reports false once the broker is closed.
func (b *Broker) enter() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.conns.Add(1)
	return true
}

func (b *Broker) notify(ev events.Event) {
	if b.notifier == nil {
		return
	}
	if err := b.notifier.Notify(context.Background(), ev); err != nil {
		b.logger.Warn("failed to queue webhook event",
			slog.String("event_type", ev.Type()),
			slog.String("error", err.Error()))
	}
}

func (b *Broker) onRebalance(shares []registry.Share) {
	assigned := make([]events.ShareAssignment, 0, len(shares))
	for _, s := range shares {
		assigned = append(assigned, events.ShareAssignment{ConnectionID: s.ID, Share: s.Share})
	}
	b.logger.Debug("consumer shares recomputed", slog.Any("shares", shares))
	b.notify(events.SharesRebalanced{Capacity: b.cfg.Capacity, Shares: assigned})
}

// observer feeds dispatcher outcomes into stats, metrics and events.
type observer struct {
	b *Broker
}

func (o observer) Delivered(_ *registry.Record, size int, d time.Duration) {
	o.b.stats.RecordDelivered(size)
	o.b.metrics.RecordMessageDelivered(size, d)
}

func (o observer) DeliveryFailed(rec *registry.Record, err error) {
	o.b.stats.IncrementDeliveryFailures()
	o.b.metrics.RecordDeliveryFailure()
	o.b.notify(events.DeliveryFailed{
		ConnectionID: rec.ID,
		RemoteAddr:   rec.RemoteAddr,
		Error:        err.Error(),
	})
}

type nopMetrics struct{}

func (nopMetrics) RecordMessageReceived(int)                 {}
func (nopMetrics) RecordMessageDelivered(int, time.Duration) {}
func (nopMetrics) RecordDeliveryFailure()                    {}
func (nopMetrics) RecordOversized()                          {}
