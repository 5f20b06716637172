// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"testing"
	"time"

	"github.com/absmach/fanq/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type fixedDepth int

func (d fixedDepth) QueueDepth() int { return int(d) }

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumOf(t *testing.T, agg metricdata.Aggregation) int64 {
	t.Helper()
	sum, ok := agg.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", agg)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetricsRecording(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m, err := NewMetrics(mp, fixedDepth(7))
	require.NoError(t, err)
	defer m.Close()

	m.RecordConnection("producer")
	m.RecordConnection("consumer")
	m.RecordDisconnection("producer", time.Second)
	m.RecordMessageReceived(10)
	m.RecordMessageReceived(5)
	m.RecordMessageDelivered(10, 2*time.Millisecond)
	m.RecordDeliveryFailure()
	m.RecordOversized()

	data := collect(t, reader)

	assert.EqualValues(t, 2, sumOf(t, data["fanq.connections.total"]))
	assert.EqualValues(t, 1, sumOf(t, data["fanq.connections.current"]))
	assert.EqualValues(t, 1, sumOf(t, data["fanq.disconnections.total"]))
	assert.EqualValues(t, 2, sumOf(t, data["fanq.messages.received.total"]))
	assert.EqualValues(t, 15, sumOf(t, data["fanq.bytes.received.total"]))
	assert.EqualValues(t, 1, sumOf(t, data["fanq.messages.delivered.total"]))
	assert.EqualValues(t, 2, sumOf(t, data["fanq.errors.total"]))

	gauge, ok := data["fanq.queue.depth"].(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.EqualValues(t, 7, gauge.DataPoints[0].Value)
}

func TestNewMetricsWithoutQueue(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m, err := NewMetrics(mp, nil)
	require.NoError(t, err)
	assert.NoError(t, m.Close())

	_, ok := collect(t, reader)["fanq.queue.depth"]
	assert.False(t, ok)
}

func TestInitProviderDisabled(t *testing.T) {
	cfg := config.Default().Telemetry
	cfg.MetricsEnabled = false
	cfg.TracesEnabled = false

	shutdown, err := InitProvider(context.Background(), cfg, "broker-1")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
