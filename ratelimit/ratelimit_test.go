// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIPRateLimiter_Allow(t *testing.T) {
	limiter := NewIPRateLimiter(5, 2, time.Minute)
	defer limiter.Stop()

	addr := &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 1234}

	assert.True(t, limiter.Allow(addr))
	assert.True(t, limiter.Allow(addr), "second request is within burst")
	assert.False(t, limiter.Allow(addr), "burst exhausted")

	time.Sleep(250 * time.Millisecond)
	assert.True(t, limiter.Allow(addr), "token should have refilled")
}

func TestIPRateLimiter_DifferentIPs(t *testing.T) {
	limiter := NewIPRateLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	addr1 := &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 1234}
	addr2 := &net.TCPAddr{IP: net.ParseIP("192.168.1.2"), Port: 1234}

	assert.True(t, limiter.Allow(addr1))
	assert.True(t, limiter.Allow(addr2))
	assert.False(t, limiter.Allow(addr1))
	assert.False(t, limiter.Allow(addr2))
}

func TestIPRateLimiter_NilAddr(t *testing.T) {
	limiter := NewIPRateLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	assert.True(t, limiter.Allow(nil))
	limiter.Stop()
}

func TestIPRateLimiter_RemoveStale(t *testing.T) {
	limiter := NewIPRateLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1}
	limiter.Allow(addr)

	limiter.mu.Lock()
	limiter.limiters["10.0.0.1"].lastSeen = time.Now().Add(-time.Hour)
	limiter.mu.Unlock()

	limiter.removeStale()

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	assert.Empty(t, limiter.limiters)
}

func TestProducerPacer_Wait(t *testing.T) {
	pacer := NewProducerPacer(20, 2)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, pacer.Wait(ctx, "p1"))
	require.NoError(t, pacer.Wait(ctx, "p1"))
	assert.Less(t, time.Since(start), 40*time.Millisecond, "burst should not wait")

	start = time.Now()
	require.NoError(t, pacer.Wait(ctx, "p1"))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond, "third message should be paced")
}

func TestProducerPacer_WaitCancelled(t *testing.T) {
	pacer := NewProducerPacer(0.1, 1)
	require.NoError(t, pacer.Wait(context.Background(), "p1"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, pacer.Wait(ctx, "p1"))
}

func TestProducerPacer_Remove(t *testing.T) {
	pacer := NewProducerPacer(1, 1)
	require.NoError(t, pacer.Wait(context.Background(), "p1"))
	require.NoError(t, pacer.Wait(context.Background(), "p2"))
	assert.Equal(t, 2, pacer.len())

	pacer.Remove("p1")
	assert.Equal(t, 1, pacer.len())
}

func TestManager_Disabled(t *testing.T) {
	m := NewManager(Config{Enabled: false})
	defer m.Stop()

	addr := &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 1234}
	for i := 0; i < 100; i++ {
		assert.True(t, m.Allow(addr))
		assert.NoError(t, m.WaitMessage(context.Background(), "p"))
	}
	m.OnProducerDisconnect("p")
}

func TestManager_NilSafe(t *testing.T) {
	var m *Manager
	assert.True(t, m.Allow(nil))
	assert.NoError(t, m.WaitMessage(context.Background(), "p"))
	m.OnProducerDisconnect("p")
	m.Stop()
}

func TestManager_Enabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Connection.Rate = 1
	cfg.Connection.Burst = 1
	cfg.Message.Rate = 1000
	cfg.Message.Burst = 10

	m := NewManager(cfg)
	defer m.Stop()

	addr := &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 1234}
	assert.True(t, m.Allow(addr))
	assert.False(t, m.Allow(addr))

	for i := 0; i < 10; i++ {
		require.NoError(t, m.WaitMessage(context.Background(), "p"))
	}
	m.OnProducerDisconnect("p")
	assert.Equal(t, 0, m.pacer.len())
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		name string
		addr net.Addr
		want string
	}{
		{"nil", nil, ""},
		{"tcp", &net.TCPAddr{IP: net.ParseIP("10.1.2.3"), Port: 80}, "10.1.2.3"},
		{"udp", &net.UDPAddr{IP: net.ParseIP("10.1.2.4"), Port: 80}, "10.1.2.4"},
		{"pipe", pipeAddr("pipe"), "pipe"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractIP(tt.addr))
		})
	}
}

type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }
