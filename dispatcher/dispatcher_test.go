// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/fanq/queue"
	"github.com/absmach/fanq/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errWrite = errors.New("write failed")

// recorder is a consumer sink that records what it receives and can fail on demand.
type recorder struct {
	mu       sync.Mutex
	msgs     []string
	failNext int
	closed   bool
}

func (r *recorder) Deliver(msg []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errWrite
	}
	if r.failNext > 0 {
		r.failNext--
		return errWrite
	}
	r.msgs = append(r.msgs, string(msg))
	return nil
}

func (r *recorder) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func (r *recorder) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

type countingObserver struct {
	delivered atomic.Int64
	failed    atomic.Int64
}

func (o *countingObserver) Delivered(*registry.Record, int, time.Duration) { o.delivered.Add(1) }
func (o *countingObserver) DeliveryFailed(*registry.Record, error)         { o.failed.Add(1) }

type harness struct {
	q    *queue.Queue[[]byte]
	reg  *registry.Registry
	obs  *countingObserver
	done chan error
	stop context.CancelFunc
}

func newHarness(t *testing.T, capacity int) *harness {
	t.Helper()
	h := &harness{
		q:    queue.New[[]byte](capacity),
		reg:  registry.New(registry.Config{Capacity: capacity}),
		obs:  &countingObserver{},
		done: make(chan error, 1),
	}
	t.Cleanup(func() {
		if h.stop != nil {
			h.stop()
			<-h.done
		}
	})
	return h
}

func (h *harness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.stop = cancel
	d := New(h.q, h.reg, Config{Observer: h.obs})
	go func() {
		h.done <- d.Run(ctx)
	}()
}

func (h *harness) addConsumer(t *testing.T, sink registry.Sink) *registry.Record {
	t.Helper()
	rec := registry.NewRecord(registry.RoleConsumer, "test", sink)
	require.NoError(t, h.reg.Register(rec))
	return rec
}

func (h *harness) put(t *testing.T, msgs ...string) {
	t.Helper()
	for _, m := range msgs {
		require.NoError(t, h.q.Put(context.Background(), []byte(m)))
	}
}

func TestRoundRobinFairness(t *testing.T) {
	h := newHarness(t, 16)
	sinks := []*recorder{{}, {}, {}}
	for _, s := range sinks {
		h.addConsumer(t, s)
	}

	var msgs []string
	for i := 1; i <= 9; i++ {
		msgs = append(msgs, fmt.Sprintf("m%d", i))
	}
	h.put(t, msgs...)
	h.start()

	require.Eventually(t, func() bool { return h.obs.delivered.Load() == 9 }, 2*time.Second, 5*time.Millisecond)

	for c, s := range sinks {
		got := s.received()
		require.Len(t, got, 3)
		for j, m := range got {
			// The i-th message (1-based) goes to consumer (i-1) mod 3.
			assert.Equal(t, fmt.Sprintf("m%d", c+1+3*j), m)
		}
	}
	assert.Zero(t, h.q.Len())
}

func TestNoLossOnDeliveryFailure(t *testing.T) {
	h := newHarness(t, 4)
	a := &recorder{failNext: 1}
	b := &recorder{}
	recA := h.addConsumer(t, a)
	h.addConsumer(t, b)

	h.put(t, "payload")
	h.start()

	require.Eventually(t, func() bool { return len(b.received()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"payload"}, b.received())
	assert.Empty(t, a.received())
	assert.EqualValues(t, 1, h.obs.failed.Load())

	assert.False(t, recA.Ready())
	assert.False(t, h.reg.Unregister(recA), "failed consumer should already be unregistered")
}

func TestMessageHeldUntilConsumerJoins(t *testing.T) {
	h := newHarness(t, 4)
	a := &recorder{failNext: 1}
	h.addConsumer(t, a)

	h.put(t, "held")
	h.start()

	require.Eventually(t, func() bool { return h.obs.failed.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	_, consumers := h.reg.Counts()
	assert.Zero(t, consumers)

	b := &recorder{}
	h.addConsumer(t, b)
	require.Eventually(t, func() bool { return len(b.received()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"held"}, b.received())
}

func TestWaitsWhileNoConsumerReady(t *testing.T) {
	h := newHarness(t, 4)
	s := &recorder{}
	rec := h.addConsumer(t, s)
	h.reg.SetReady(rec, false)

	h.put(t, "x")
	h.start()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.q.Len(), "message must stay queued while no consumer is ready")
	assert.Empty(t, s.received())

	h.reg.SetReady(rec, true)
	require.Eventually(t, func() bool { return len(s.received()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestSkipsUnreadyConsumers(t *testing.T) {
	h := newHarness(t, 8)
	a, b := &recorder{}, &recorder{}
	recA := h.addConsumer(t, a)
	h.addConsumer(t, b)
	h.reg.SetReady(recA, false)

	h.put(t, "1", "2", "3", "4")
	h.start()

	require.Eventually(t, func() bool { return len(b.received()) == 4 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, a.received())
}

func TestDisconnectedConsumerRemoved(t *testing.T) {
	h := newHarness(t, 8)
	a, b := &recorder{}, &recorder{}
	recA := h.addConsumer(t, a)
	h.addConsumer(t, b)
	h.start()

	h.put(t, "1", "2")
	require.Eventually(t, func() bool { return h.obs.delivered.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"1"}, a.received())
	assert.Equal(t, []string{"2"}, b.received())

	a.close()
	h.put(t, "3", "4", "5")
	require.Eventually(t, func() bool { return h.obs.delivered.Load() == 5 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"1"}, a.received())
	assert.Equal(t, []string{"2", "3", "4", "5"}, b.received())
	assert.EqualValues(t, 1, h.obs.failed.Load())
	assert.False(t, h.reg.Unregister(recA))
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, 1)
	h.start()

	h.stop()
	select {
	case err := <-h.done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
	h.stop = nil
}

func TestRunStopsOnQueueClose(t *testing.T) {
	h := newHarness(t, 1)
	h.addConsumer(t, &recorder{})
	h.start()

	h.q.Close()
	select {
	case err := <-h.done:
		assert.ErrorIs(t, err, queue.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
	h.stop()
	h.stop = nil
}

func TestConcurrentProducersAllDelivered(t *testing.T) {
	h := newHarness(t, 3)
	sinks := []*recorder{{}, {}, {}, {}}
	for _, s := range sinks {
		h.addConsumer(t, s)
	}
	h.start()

	const producers, perProd = 4, 100
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProd; i++ {
				assert.NoError(t, h.q.Put(context.Background(), []byte(fmt.Sprintf("%d-%d", p, i))))
			}
		}(p)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return h.obs.delivered.Load() == producers*perProd }, 5*time.Second, 5*time.Millisecond)

	seen := map[string]bool{}
	for _, s := range sinks {
		got := s.received()
		assert.Len(t, got, perProd)
		for _, m := range got {
			assert.False(t, seen[m], "duplicate delivery of %s", m)
			seen[m] = true
		}
	}
	assert.Len(t, seen, producers*perProd)
}
