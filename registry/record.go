// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrNoSink is returned when delivering to a record that has no delivery target.
var ErrNoSink = errors.New("record has no sink")

// Role is the side of the broker a connection is attached to.
type Role uint8

const (
	RoleUnknown Role = iota
	RoleProducer
	RoleConsumer
)

func (r Role) String() string {
	switch r {
	case RoleProducer:
		return "producer"
	case RoleConsumer:
		return "consumer"
	default:
		return "unknown"
	}
}

// Valid reports whether r is exactly one of the two declared roles.
func (r Role) Valid() bool {
	return r == RoleProducer || r == RoleConsumer
}

// ParseRole accepts "producer"/"p" and "consumer"/"c".
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(s) {
	case "producer", "p":
		return RoleProducer, nil
	case "consumer", "c":
		return RoleConsumer, nil
	default:
		return RoleUnknown, fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

// Sink is the delivery target behind a consumer record.
type Sink interface {
	Deliver(msg []byte) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(msg []byte) error

func (f SinkFunc) Deliver(msg []byte) error { return f(msg) }

// Record describes one live connection. Registry membership is by pointer identity.
type Record struct {
	ID         string
	Role       Role
	RemoteAddr string
	JoinedAt   time.Time

	sink  Sink
	ready atomic.Bool
	share atomic.Int64
}

// NewRecord creates a record. Consumer records start ready.
func NewRecord(role Role, remoteAddr string, sink Sink) *Record {
	rec := &Record{
		ID:         uuid.New().String(),
		Role:       role,
		RemoteAddr: remoteAddr,
		JoinedAt:   time.Now(),
		sink:       sink,
	}
	rec.ready.Store(role == RoleConsumer)
	return rec
}

// Ready reports whether the record may be selected for delivery.
func (r *Record) Ready() bool {
	return r.ready.Load()
}

// Share returns the advisory capacity share assigned in fair-share mode.
func (r *Record) Share() int {
	return int(r.share.Load())
}

// Deliver hands msg to the record's sink.
func (r *Record) Deliver(msg []byte) error {
	if r.sink == nil {
		return ErrNoSink
	}
	return r.sink.Deliver(msg)
}
