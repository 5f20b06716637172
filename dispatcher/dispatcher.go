// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/fanq/registry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// QueueSource is the queue the dispatcher drains.
type QueueSource interface {
	Take(ctx context.Context) ([]byte, error)
}

// Observer receives delivery outcomes. Implementations must not block.
type Observer interface {
	Delivered(rec *registry.Record, size int, d time.Duration)
	DeliveryFailed(rec *registry.Record, err error)
}

// Config holds dispatcher options.
type Config struct {
	Logger   *slog.Logger
	Observer Observer
}

// Dispatcher moves messages from the queue to ready consumers in round-robin order.
type Dispatcher struct {
	queue     QueueSource
	consumers *registry.Registry
	logger    *slog.Logger
	observer  Observer
	tracer    trace.Tracer
}

// New creates a dispatcher over q and reg.
func New(q QueueSource, reg *registry.Registry, cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	return &Dispatcher{
		queue:     q,
		consumers: reg,
		logger:    cfg.Logger,
		observer:  cfg.Observer,
		tracer:    otel.Tracer("fanq/dispatcher"),
	}
}

// Run dispatches until ctx is cancelled or the queue is closed.
// A message is only taken from the queue once some consumer is ready.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started")
	defer d.logger.Info("dispatcher stopped")

	for {
		if err := d.consumers.WaitReady(ctx); err != nil {
			return err
		}
		msg, err := d.queue.Take(ctx)
		if err != nil {
			return err
		}
		if err := d.deliver(ctx, msg); err != nil {
			return err
		}
	}
}

// deliver holds msg until a consumer accepts it. Between passes it suspends
// on the registry change signal, so an all-unready consumer set never spins.
func (d *Dispatcher) deliver(ctx context.Context, msg []byte) error {
	for {
		changed := d.consumers.Changed()
		if d.pass(ctx, msg) {
			return nil
		}

		d.logger.Debug("no consumer accepted message, waiting for readiness change",
			slog.Int("size", len(msg)))
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pass tries at most one full round over the current consumer set.
func (d *Dispatcher) pass(ctx context.Context, msg []byte) bool {
	_, n := d.consumers.Counts()
	for i := 0; i < n; i++ {
		rec, ok := d.consumers.Next()
		if !ok {
			return false
		}
		if !rec.Ready() {
			continue
		}
		if d.tryDeliver(ctx, rec, msg) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) tryDeliver(ctx context.Context, rec *registry.Record, msg []byte) bool {
	_, span := d.tracer.Start(ctx, "dispatch.deliver", trace.WithAttributes(
		attribute.String("consumer.id", rec.ID),
		attribute.Int("message.size", len(msg)),
	))
	defer span.End()

	start := time.Now()
	if err := rec.Deliver(msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery failed")

		// Unregister also clears readiness.
		d.consumers.Unregister(rec)
		d.observer.DeliveryFailed(rec, err)
		d.logger.Warn("delivery failed, consumer removed",
			slog.String("consumer", rec.ID),
			slog.String("remote", rec.RemoteAddr),
			slog.String("error", err.Error()))
		return false
	}

	d.observer.Delivered(rec, len(msg), time.Since(start))
	return true
}

type nopObserver struct{}

func (nopObserver) Delivered(*registry.Record, int, time.Duration) {}
func (nopObserver) DeliveryFailed(*registry.Record, error)         {}
