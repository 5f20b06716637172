// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package middleware decorates broker connection handlers.
package middleware

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/absmach/fanq/broker"
)

var _ broker.ConnHandler = (*loggingMiddleware)(nil)

type loggingMiddleware struct {
	logger *slog.Logger
	role   string
	next   broker.ConnHandler
}

// NewLogging creates logging middleware that wraps a connection handler.
func NewLogging(next broker.ConnHandler, logger *slog.Logger, role string) broker.ConnHandler {
	return &loggingMiddleware{logger: logger, role: role, next: next}
}

// HandleConn logs the connection lifetime.
func (lm *loggingMiddleware) HandleConn(ctx context.Context, conn net.Conn) {
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}

	lm.logger.Debug("HandleConn",
		slog.String("role", lm.role),
		slog.String("remote_addr", remote))

	defer func(begin time.Time) {
		lm.logger.Debug("HandleConn done",
			slog.String("role", lm.role),
			slog.String("remote_addr", remote),
			slog.String("duration", time.Since(begin).String()))
	}(time.Now())

	lm.next.HandleConn(ctx, conn)
}
