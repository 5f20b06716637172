// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fanq/broker"
	"github.com/stretchr/testify/assert"
)

type fakeMetrics struct {
	mu           sync.Mutex
	connections  map[string]int
	disconnects  map[string]int
	lastDuration time.Duration
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{connections: map[string]int{}, disconnects: map[string]int{}}
}

func (f *fakeMetrics) RecordConnection(role string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connections[role]++
}

func (f *fakeMetrics) RecordDisconnection(role string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects[role]++
	f.lastDuration = d
}

func TestMetricsMiddleware(t *testing.T) {
	m := newFakeMetrics()
	called := false
	next := broker.ConnHandlerFunc(func(context.Context, net.Conn) {
		called = true
		time.Sleep(5 * time.Millisecond)
	})

	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()

	NewMetrics(next, m, "producer").HandleConn(context.Background(), server)

	assert.True(t, called)
	assert.Equal(t, 1, m.connections["producer"])
	assert.Equal(t, 1, m.disconnects["producer"])
	assert.GreaterOrEqual(t, m.lastDuration, 5*time.Millisecond)
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	called := false
	next := broker.ConnHandlerFunc(func(context.Context, net.Conn) { called = true })

	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()

	NewLogging(next, logger, "consumer").HandleConn(context.Background(), server)

	assert.True(t, called)
	out := buf.String()
	assert.Contains(t, out, "HandleConn done")
	assert.Contains(t, out, "role=consumer")
	assert.Contains(t, out, "remote_addr=pipe")
}
