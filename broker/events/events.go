// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeConnectionOpened = "connection.opened"
	TypeConnectionClosed = "connection.closed"
	TypeDeliveryFailed   = "delivery.failed"
	TypeSharesRebalanced = "shares.rebalanced"
)

// Event is the common interface for all webhook events.
type Event interface {
	// Type returns the event type identifier (e.g., "connection.opened")
	Type() string

	// Wrap wraps the event in a common envelope with metadata
	Wrap(brokerID string) *Envelope
}

// Envelope is the common wrapper for all webhook events.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	BrokerID  string `json:"broker_id"`
	Data      any    `json:"data"`
}

// MarshalJSON serializes the envelope to JSON.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	type plain Envelope
	return json.Marshal((*plain)(e))
}

func wrap(e Event, brokerID string) *Envelope {
	return &Envelope{
		EventType: e.Type(),
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		BrokerID:  brokerID,
		Data:      e,
	}
}

// ConnectionOpened is emitted when a producer or consumer is registered.
type ConnectionOpened struct {
	ConnectionID string `json:"connection_id"`
	Role         string `json:"role"` // "producer" or "consumer"
	RemoteAddr   string `json:"remote_addr"`
}

func (e ConnectionOpened) Type() string { return TypeConnectionOpened }
func (e ConnectionOpened) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// ConnectionClosed is emitted when a connection is unregistered.
type ConnectionClosed struct {
	ConnectionID string `json:"connection_id"`
	Role         string `json:"role"`
	Reason       string `json:"reason"` // "normal", "exit", "error", "timeout", "shutdown", "delivery_failed"
	RemoteAddr   string `json:"remote_addr"`
	Messages     uint64 `json:"messages"`
}

func (e ConnectionClosed) Type() string { return TypeConnectionClosed }
func (e ConnectionClosed) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// DeliveryFailed is emitted when a write to a consumer fails and it is dropped.
type DeliveryFailed struct {
	ConnectionID string `json:"connection_id"`
	RemoteAddr   string `json:"remote_addr"`
	Error        string `json:"error"`
}

func (e DeliveryFailed) Type() string { return TypeDeliveryFailed }
func (e DeliveryFailed) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }

// ShareAssignment is one consumer's share within a SharesRebalanced event.
type ShareAssignment struct {
	ConnectionID string `json:"connection_id"`
	Share        int    `json:"share"`
}

// SharesRebalanced is emitted in fair-share mode when consumer shares change.
type SharesRebalanced struct {
	Capacity int               `json:"capacity"`
	Shares   []ShareAssignment `json:"shares"`
}

func (e SharesRebalanced) Type() string { return TypeSharesRebalanced }
func (e SharesRebalanced) Wrap(brokerID string) *Envelope { return wrap(e, brokerID) }
