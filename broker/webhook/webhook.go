// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package webhook delivers broker lifecycle events to HTTP endpoints.
package webhook

import (
	"context"
	"time"

	"github.com/absmach/fanq/broker/events"
)

// Notifier sends webhook notifications asynchronously.
type Notifier interface {
	// Notify queues an event for delivery without blocking the caller.
	Notify(ctx context.Context, event events.Event) error

	// Close shuts down, flushing pending events within the shutdown timeout.
	Close() error
}

// Sender is the transport-specific sender.
type Sender interface {
	// Send posts payload to url. It returns an error if the send fails.
	Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error
}
