// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"net"
	"sync"
	"time"

	"github.com/absmach/fanq/codec"
)

// consumerSink writes dispatched messages to a consumer connection.
// A failed write ends the session so the consumer handler runs its cleanup.
type consumerSink struct {
	mu      sync.Mutex
	conn    net.Conn
	writer  codec.Writer
	timeout time.Duration
	session *session
}

func (c *consumerSink) Deliver(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			c.fail()
			return err
		}
	}
	if err := c.writer.WriteMessage(msg); err != nil {
		c.fail()
		return err
	}
	return nil
}

func (c *consumerSink) fail() {
	if c.session != nil {
		c.session.close(ReasonDeliveryFailed)
	}
	c.conn.Close()
}
