// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync/atomic"
	"time"

	"github.com/absmach/fanq/registry"
)

// Stats tracks broker statistics.
type Stats struct {
	startTime time.Time

	// Connection stats
	totalConnections   atomic.Uint64
	currentConnections atomic.Uint64
	disconnections     atomic.Uint64
	producersTotal     atomic.Uint64
	consumersTotal     atomic.Uint64

	// Message stats
	messagesReceived  atomic.Uint64
	messagesDelivered atomic.Uint64
	deliveryFailures  atomic.Uint64

	// Byte stats
	bytesReceived atomic.Uint64
	bytesSent     atomic.Uint64

	// Error stats
	oversizedMessages atomic.Uint64
	readErrors        atomic.Uint64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

// Connection tracking.
func (s *Stats) IncrementConnections(role registry.Role) {
	s.totalConnections.Add(1)
	s.currentConnections.Add(1)
	switch role {
	case registry.RoleProducer:
		s.producersTotal.Add(1)
	case registry.RoleConsumer:
		s.consumersTotal.Add(1)
	}
}

func (s *Stats) DecrementConnections() {
	s.currentConnections.Add(^uint64(0))
	s.disconnections.Add(1)
}

func (s *Stats) GetTotalConnections() uint64 {
	return s.totalConnections.Load()
}

func (s *Stats) GetCurrentConnections() uint64 {
	return s.currentConnections.Load()
}

func (s *Stats) GetDisconnections() uint64 {
	return s.disconnections.Load()
}

func (s *Stats) GetProducersTotal() uint64 {
	return s.producersTotal.Load()
}

func (s *Stats) GetConsumersTotal() uint64 {
	return s.consumersTotal.Load()
}

// Message tracking.
func (s *Stats) RecordReceived(size int) {
	s.messagesReceived.Add(1)
	s.bytesReceived.Add(uint64(size))
}

func (s *Stats) RecordDelivered(size int) {
	s.messagesDelivered.Add(1)
	s.bytesSent.Add(uint64(size))
}

func (s *Stats) IncrementDeliveryFailures() {
	s.deliveryFailures.Add(1)
}

func (s *Stats) GetMessagesReceived() uint64 {
	return s.messagesReceived.Load()
}

func (s *Stats) GetMessagesDelivered() uint64 {
	return s.messagesDelivered.Load()
}

func (s *Stats) GetDeliveryFailures() uint64 {
	return s.deliveryFailures.Load()
}

func (s *Stats) GetBytesReceived() uint64 {
	return s.bytesReceived.Load()
}

func (s *Stats) GetBytesSent() uint64 {
	return s.bytesSent.Load()
}

// Error tracking.
func (s *Stats) IncrementOversizedMessages() {
	s.oversizedMessages.Add(1)
}

func (s *Stats) IncrementReadErrors() {
	s.readErrors.Add(1)
}

func (s *Stats) GetOversizedMessages() uint64 {
	return s.oversizedMessages.Load()
}

func (s *Stats) GetReadErrors() uint64 {
	return s.readErrors.Load()
}

// Uptime.
func (s *Stats) GetUptime() time.Duration {
	return time.Since(s.startTime)
}
