// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fanq/broker/events"
	"github.com/absmach/fanq/codec"
	"github.com/absmach/fanq/registry"
)

// Disconnect reasons reported in logs and connection.closed events.
const (
	ReasonNormal         = "normal"
	ReasonExit           = "exit"
	ReasonError          = "error"
	ReasonTimeout        = "timeout"
	ReasonShutdown       = "shutdown"
	ReasonDeliveryFailed = "delivery_failed"
)

// ConnHandler serves one accepted connection until it ends.
type ConnHandler interface {
	HandleConn(ctx context.Context, conn net.Conn)
}

// ConnHandlerFunc adapts a function to ConnHandler.
type ConnHandlerFunc func(ctx context.Context, conn net.Conn)

func (f ConnHandlerFunc) HandleConn(ctx context.Context, conn net.Conn) { f(ctx, conn) }

// ProducerHandler returns the handler for the producer listener.
func (b *Broker) ProducerHandler() ConnHandler {
	return ConnHandlerFunc(b.HandleProducer)
}

// ConsumerHandler returns the handler for the consumer listener.
func (b *Broker) ConsumerHandler() ConnHandler {
	return ConnHandlerFunc(b.HandleConsumer)
}

// HandleProducer reads messages from conn and puts them on the queue,
// blocking the read loop while the queue is full.
func (b *Broker) HandleProducer(ctx context.Context, conn net.Conn) {
	rec := registry.NewRecord(registry.RoleProducer, remoteAddr(conn), nil)
	s, ok := b.newSession(ctx, rec, conn)
	if !ok {
		return
	}
	defer s.cleanup()
	if !s.register() {
		return
	}

	s.close(b.produce(s))
}

// HandleConsumer registers conn as a ready delivery target. The handler
// only reads to notice the peer leaving. Writes come from the dispatcher.
func (b *Broker) HandleConsumer(ctx context.Context, conn net.Conn) {
	sink := &consumerSink{
		conn:    conn,
		writer:  codec.NewWriter(b.cfg.Framing, conn),
		timeout: b.cfg.WriteTimeout,
	}
	rec := registry.NewRecord(registry.RoleConsumer, remoteAddr(conn), sink)
	s, ok := b.newSession(ctx, rec, conn)
	if !ok {
		return
	}
	defer s.cleanup()

	// The record is published to the dispatcher by register, after this assignment.
	sink.session = s
	if !s.register() {
		return
	}

	s.close(b.watch(s))
}

// session is the per-connection state shared by both roles.
type session struct {
	b      *Broker
	rec    *registry.Record
	conn   net.Conn
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	msgs   atomic.Uint64

	once   sync.Once
	reason string

	// registered is only touched by the handler goroutine.
	registered bool
}

// newSession ties conn's lifetime to ctx and to broker shutdown.
func (b *Broker) newSession(ctx context.Context, rec *registry.Record, conn net.Conn) (*session, bool) {
	if !b.enter() {
		conn.Close()
		return nil, false
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &session{
		b:      b,
		rec:    rec,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		reason: ReasonNormal,
		logger: b.logger.With(
			slog.String("conn_id", rec.ID),
			slog.String("role", rec.Role.String()),
			slog.String("remote", rec.RemoteAddr)),
	}

	go func() {
		select {
		case <-b.stopCh:
			s.close(ReasonShutdown)
		case <-ctx.Done():
		}
	}()
	context.AfterFunc(ctx, func() { conn.Close() })

	return s, true
}

// register adds the record to the registry and announces the connection.
func (s *session) register() bool {
	if err := s.b.registry.Register(s.rec); err != nil {
		s.logger.Error("failed to register connection", slog.String("error", err.Error()))
		s.close(ReasonError)
		return false
	}
	s.registered = true

	s.b.stats.IncrementConnections(s.rec.Role)
	s.b.notify(events.ConnectionOpened{
		ConnectionID: s.rec.ID,
		Role:         s.rec.Role.String(),
		RemoteAddr:   s.rec.RemoteAddr,
	})
	s.logger.Info("connection registered")
	return true
}

// close records the first reason and closes the stream, which unblocks any
// pending read or write on it.
func (s *session) close(reason string) {
	s.once.Do(func() {
		s.reason = reason
		s.cancel()
	})
}

// cleanup runs exactly once per session on every exit path.
func (s *session) cleanup() {
	defer s.b.conns.Done()

	s.close(ReasonNormal)
	s.conn.Close()
	if !s.registered {
		return
	}

	s.b.registry.Unregister(s.rec)
	if s.rec.Role == registry.RoleProducer && s.b.limiter != nil {
		s.b.limiter.OnProducerDisconnect(s.rec.ID)
	}
	s.b.stats.DecrementConnections()

	s.b.notify(events.ConnectionClosed{
		ConnectionID: s.rec.ID,
		Role:         s.rec.Role.String(),
		Reason:       s.reason,
		RemoteAddr:   s.rec.RemoteAddr,
		Messages:     s.msgs.Load(),
	})
	s.logger.Info("connection closed",
		slog.String("reason", s.reason),
		slog.Uint64("messages", s.msgs.Load()))
}

// produce runs the producer read loop and returns the disconnect reason.
func (b *Broker) produce(s *session) string {
	r := codec.NewReader(b.cfg.Framing, s.conn, b.cfg.MaxMessageSize)

	for {
		if b.cfg.IdleTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(b.cfg.IdleTimeout))
		}

		msg, err := r.ReadMessage()
		if err != nil {
			if errors.Is(err, codec.ErrFrameTooLarge) {
				b.stats.IncrementOversizedMessages()
				b.metrics.RecordOversized()
				s.logger.Warn("oversized message discarded",
					slog.Int("max_size", b.cfg.MaxMessageSize))
				continue
			}
			return b.readReason(s, err)
		}

		if b.limiter != nil {
			if err := b.limiter.WaitMessage(s.ctx, s.rec.ID); err != nil {
				return b.readReason(s, err)
			}
		}

		if err := b.queue.Put(s.ctx, msg); err != nil {
			return b.readReason(s, err)
		}

		s.msgs.Add(1)
		b.stats.RecordReceived(len(msg))
		b.metrics.RecordMessageReceived(len(msg))
	}
}

// watch blocks until the consumer leaves and returns the disconnect reason.
// Anything the consumer sends other than the exit sentinel is ignored.
func (b *Broker) watch(s *session) string {
	r := codec.NewReader(b.cfg.Framing, s.conn, b.cfg.MaxMessageSize)
	for {
		_, err := r.ReadMessage()
		if err == nil || errors.Is(err, codec.ErrFrameTooLarge) || errors.Is(err, codec.ErrInvalidMessage) {
			continue
		}
		return b.readReason(s, err)
	}
}

// readReason classifies the error that ended a session.
func (b *Broker) readReason(s *session, err error) string {
	var netErr net.Error
	switch {
	case s.ctx.Err() != nil:
		return ReasonShutdown
	case errors.Is(err, codec.ErrSessionEnd):
		return ReasonExit
	case errors.Is(err, io.EOF):
		return ReasonNormal
	case errors.As(err, &netErr) && netErr.Timeout():
		return ReasonTimeout
	case errors.Is(err, codec.ErrInvalidMessage):
		b.stats.IncrementReadErrors()
		s.logger.Warn("malformed message, closing connection")
		return ReasonError
	default:
		b.stats.IncrementReadErrors()
		s.logger.Warn("connection read failed", slog.String("error", err.Error()))
		return ReasonError
	}
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
