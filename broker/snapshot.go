// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"github.com/absmach/fanq/registry"
)

// Snapshot is a point-in-time view of the broker for the stats endpoint.
type Snapshot struct {
	BrokerID      string           `json:"broker_id"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Queue         QueueSnapshot    `json:"queue"`
	Connections   ConnSnapshot     `json:"connections"`
	Messages      MessageSnapshot  `json:"messages"`
	Shares        []registry.Share `json:"shares,omitempty"`
}

// QueueSnapshot describes queue occupancy.
type QueueSnapshot struct {
	Depth     int `json:"depth"`
	Capacity  int `json:"capacity"`
	Remaining int `json:"remaining"`
}

// ConnSnapshot describes live and historical connections.
type ConnSnapshot struct {
	Producers      int    `json:"producers"`
	Consumers      int    `json:"consumers"`
	ReadyConsumers int    `json:"ready_consumers"`
	Total          uint64 `json:"total"`
	Disconnections uint64 `json:"disconnections"`
}

// MessageSnapshot holds message counters.
type MessageSnapshot struct {
	Received         uint64 `json:"received"`
	Delivered        uint64 `json:"delivered"`
	DeliveryFailures uint64 `json:"delivery_failures"`
	Oversized        uint64 `json:"oversized"`
	BytesReceived    uint64 `json:"bytes_received"`
	BytesSent        uint64 `json:"bytes_sent"`
}

// Snapshot collects the current broker state.
func (b *Broker) Snapshot() Snapshot {
	consumers := b.registry.SnapshotConsumers()
	producers, _ := b.registry.Counts()

	ready := 0
	for _, c := range consumers {
		if c.Ready() {
			ready++
		}
	}

	snap := Snapshot{
		BrokerID:      b.cfg.BrokerID,
		UptimeSeconds: int64(b.stats.GetUptime().Seconds()),
		Queue: QueueSnapshot{
			Depth:     b.queue.Len(),
			Capacity:  b.queue.Cap(),
			Remaining: b.queue.RemainingCapacity(),
		},
		Connections: ConnSnapshot{
			Producers:      producers,
			Consumers:      len(consumers),
			ReadyConsumers: ready,
			Total:          b.stats.GetTotalConnections(),
			Disconnections: b.stats.GetDisconnections(),
		},
		Messages: MessageSnapshot{
			Received:         b.stats.GetMessagesReceived(),
			Delivered:        b.stats.GetMessagesDelivered(),
			DeliveryFailures: b.stats.GetDeliveryFailures(),
			Oversized:        b.stats.GetOversizedMessages(),
			BytesReceived:    b.stats.GetBytesReceived(),
			BytesSent:        b.stats.GetBytesSent(),
		},
	}
	if b.cfg.FairShare {
		snap.Shares = b.registry.Shares()
	}
	return snap
}
