// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"net"
	"time"

	"github.com/absmach/fanq/broker"
)

var _ broker.ConnHandler = (*metricsMiddleware)(nil)

// ConnMetrics records connection level instruments.
type ConnMetrics interface {
	RecordConnection(role string)
	RecordDisconnection(role string, d time.Duration)
}

type metricsMiddleware struct {
	metrics ConnMetrics
	role    string
	next    broker.ConnHandler
}

// NewMetrics creates metrics middleware that wraps a connection handler.
func NewMetrics(next broker.ConnHandler, m ConnMetrics, role string) broker.ConnHandler {
	return &metricsMiddleware{metrics: m, role: role, next: next}
}

// HandleConn wraps the call with connection metrics.
func (mm *metricsMiddleware) HandleConn(ctx context.Context, conn net.Conn) {
	mm.metrics.RecordConnection(mm.role)
	defer func(begin time.Time) {
		mm.metrics.RecordDisconnection(mm.role, time.Since(begin))
	}(time.Now())

	mm.next.HandleConn(ctx, conn)
}
