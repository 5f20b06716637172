// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "fanq-broker"

// Metrics holds OpenTelemetry metric instruments for the broker.
type Metrics struct {
	meter metric.Meter

	// Counters
	connectionsTotal    metric.Int64Counter
	disconnectionsTotal metric.Int64Counter
	messagesReceived    metric.Int64Counter
	messagesDelivered   metric.Int64Counter
	bytesReceived       metric.Int64Counter
	bytesSent           metric.Int64Counter
	errorsTotal         metric.Int64Counter

	// UpDownCounters (Gauges)
	connectionsCurrent metric.Int64UpDownCounter

	// Histograms
	messageSize        metric.Int64Histogram
	deliveryDuration   metric.Float64Histogram
	connectionDuration metric.Float64Histogram

	queueDepth metric.Registration
}

// QueueStats reports the live queue depth.
type QueueStats interface {
	QueueDepth() int
}

// NewMetrics creates the broker instruments on mp, or on the global provider if mp is nil.
// The queue depth gauge is observed from q when q is not nil.
func NewMetrics(mp metric.MeterProvider, q QueueStats) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m := &Metrics{
		meter: mp.Meter(meterName),
	}

	var err error

	m.connectionsTotal, err = m.meter.Int64Counter(
		"fanq.connections.total",
		metric.WithDescription("Total number of accepted connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsTotal counter: %w", err)
	}

	m.disconnectionsTotal, err = m.meter.Int64Counter(
		"fanq.disconnections.total",
		metric.WithDescription("Total number of closed connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create disconnectionsTotal counter: %w", err)
	}

	m.messagesReceived, err = m.meter.Int64Counter(
		"fanq.messages.received.total",
		metric.WithDescription("Total messages enqueued from producers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesReceived counter: %w", err)
	}

	m.messagesDelivered, err = m.meter.Int64Counter(
		"fanq.messages.delivered.total",
		metric.WithDescription("Total messages written to consumers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesDelivered counter: %w", err)
	}

	m.bytesReceived, err = m.meter.Int64Counter(
		"fanq.bytes.received.total",
		metric.WithDescription("Total payload bytes received"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bytesReceived counter: %w", err)
	}

	m.bytesSent, err = m.meter.Int64Counter(
		"fanq.bytes.sent.total",
		metric.WithDescription("Total payload bytes sent"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bytesSent counter: %w", err)
	}

	m.errorsTotal, err = m.meter.Int64Counter(
		"fanq.errors.total",
		metric.WithDescription("Total errors by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create errorsTotal counter: %w", err)
	}

	m.connectionsCurrent, err = m.meter.Int64UpDownCounter(
		"fanq.connections.current",
		metric.WithDescription("Current number of open connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsCurrent gauge: %w", err)
	}

	m.messageSize, err = m.meter.Int64Histogram(
		"fanq.message.size.bytes",
		metric.WithDescription("Message payload size distribution"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messageSize histogram: %w", err)
	}

	m.deliveryDuration, err = m.meter.Float64Histogram(
		"fanq.delivery.duration.ms",
		metric.WithDescription("Consumer write duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveryDuration histogram: %w", err)
	}

	m.connectionDuration, err = m.meter.Float64Histogram(
		"fanq.connection.duration.s",
		metric.WithDescription("Connection lifetime in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionDuration histogram: %w", err)
	}

	if q != nil {
		depth, err := m.meter.Int64ObservableGauge(
			"fanq.queue.depth",
			metric.WithDescription("Messages waiting in the queue"),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create queueDepth gauge: %w", err)
		}
		m.queueDepth, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(depth, int64(q.QueueDepth()))
			return nil
		}, depth)
		if err != nil {
			return nil, fmt.Errorf("failed to register queueDepth callback: %w", err)
		}
	}

	return m, nil
}

// Close unregisters the queue depth callback.
func (m *Metrics) Close() error {
	if m.queueDepth == nil {
		return nil
	}
	return m.queueDepth.Unregister()
}

// RecordConnection records a new connection.
func (m *Metrics) RecordConnection(role string) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("role", role))
	m.connectionsTotal.Add(ctx, 1, attrs)
	m.connectionsCurrent.Add(ctx, 1, attrs)
}

// RecordDisconnection records a closed connection and its lifetime.
func (m *Metrics) RecordDisconnection(role string, d time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("role", role))
	m.disconnectionsTotal.Add(ctx, 1, attrs)
	m.connectionsCurrent.Add(ctx, -1, attrs)
	m.connectionDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordMessageReceived records a message enqueued from a producer.
func (m *Metrics) RecordMessageReceived(size int) {
	ctx := context.Background()
	m.messagesReceived.Add(ctx, 1)
	m.bytesReceived.Add(ctx, int64(size))
	m.messageSize.Record(ctx, int64(size))
}

// RecordMessageDelivered records a message written to a consumer.
func (m *Metrics) RecordMessageDelivered(size int, d time.Duration) {
	ctx := context.Background()
	m.messagesDelivered.Add(ctx, 1)
	m.bytesSent.Add(ctx, int64(size))
	m.deliveryDuration.Record(ctx, float64(d)/float64(time.Millisecond))
}

// RecordDeliveryFailure records a failed consumer write.
func (m *Metrics) RecordDeliveryFailure() {
	m.RecordError("delivery")
}

// RecordOversized records a discarded oversized message.
func (m *Metrics) RecordOversized() {
	m.RecordError("oversized")
}

// RecordError records an error by type.
func (m *Metrics) RecordError(errorType string) {
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", errorType),
	))
}
