// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"errors"
	"slices"
	"sync"
)

var (
	// ErrInvalidRole is returned when a record's role is neither producer nor consumer.
	ErrInvalidRole = errors.New("invalid connection role")

	// ErrAlreadyRegistered is returned when a record is registered twice.
	ErrAlreadyRegistered = errors.New("record already registered")
)

// Share is one consumer's slice of the queue capacity.
type Share struct {
	ID    string `json:"id"`
	Share int    `json:"share"`
}

// Config holds registry options.
type Config struct {
	// Capacity is the queue capacity divided among consumers in fair-share mode.
	Capacity int
	// FairShare enables share recomputation on consumer membership changes.
	FairShare bool
	// OnRebalance, if set, is called outside the lock after shares change.
	OnRebalance func(shares []Share)
}

// Registry tracks live producers and consumers.
// Selection and mutation are serialized by mu, so a round-robin index
// is always taken against the live consumer set.
type Registry struct {
	mu        sync.Mutex
	producers []*Record
	consumers []*Record
	cursor    uint64
	changed   chan struct{}
	cfg       Config
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	return &Registry{
		changed: make(chan struct{}),
		cfg:     cfg,
	}
}

// Register adds rec to the set of its role.
func (r *Registry) Register(rec *Record) error {
	if rec == nil || !rec.Role.Valid() {
		return ErrInvalidRole
	}

	r.mu.Lock()
	if slices.Contains(r.producers, rec) || slices.Contains(r.consumers, rec) {
		r.mu.Unlock()
		return ErrAlreadyRegistered
	}

	var shares []Share
	if rec.Role == RoleProducer {
		r.producers = append(r.producers, rec)
	} else {
		r.consumers = append(r.consumers, rec)
		shares = r.rebalanceLocked()
	}
	r.notifyLocked()
	r.mu.Unlock()

	r.publishShares(shares)
	return nil
}

// Unregister removes rec if present and reports whether it did.
// Removing an absent record is a no-op.
func (r *Registry) Unregister(rec *Record) bool {
	if rec == nil {
		return false
	}

	r.mu.Lock()
	var (
		removed bool
		shares  []Share
	)
	switch rec.Role {
	case RoleProducer:
		r.producers, removed = remove(r.producers, rec)
	case RoleConsumer:
		r.consumers, removed = remove(r.consumers, rec)
		if removed {
			rec.ready.Store(false)
			rec.share.Store(0)
			shares = r.rebalanceLocked()
		}
	}
	if removed {
		r.notifyLocked()
	}
	r.mu.Unlock()

	if removed {
		r.publishShares(shares)
	}
	return removed
}

// Next returns the next consumer in round-robin order.
// It reports false when there are no consumers.
func (r *Registry) Next() (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := uint64(len(r.consumers))
	if n == 0 {
		return nil, false
	}
	rec := r.consumers[r.cursor%n]
	r.cursor++
	return rec, true
}

// SetReady flips a consumer's readiness and wakes waiters on change.
func (r *Registry) SetReady(rec *Record, ready bool) {
	if rec.ready.Swap(ready) == ready {
		return
	}
	r.mu.Lock()
	r.notifyLocked()
	r.mu.Unlock()
}

// Changed returns a channel closed on the next membership or readiness change.
func (r *Registry) Changed() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changed
}

// WaitReady blocks until at least one registered consumer is ready.
func (r *Registry) WaitReady(ctx context.Context) error {
	for {
		r.mu.Lock()
		ok := slices.ContainsFunc(r.consumers, (*Record).Ready)
		ch := r.changed
		r.mu.Unlock()

		if ok {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SnapshotConsumers returns the consumers in registration order.
func (r *Registry) SnapshotConsumers() []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.consumers)
}

// SnapshotProducers returns the producers in registration order.
func (r *Registry) SnapshotProducers() []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.producers)
}

// Counts returns the number of live producers and consumers.
func (r *Registry) Counts() (producers, consumers int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.producers), len(r.consumers)
}

// Shares returns the current consumer shares in registration order.
func (r *Registry) Shares() []Share {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sharesLocked()
}

// rebalanceLocked splits the capacity evenly among consumers. The earliest
// registered consumer absorbs the remainder. Returns nil when fair-share is off.
func (r *Registry) rebalanceLocked() []Share {
	if !r.cfg.FairShare {
		return nil
	}
	n := len(r.consumers)
	if n == 0 {
		return []Share{}
	}
	base := r.cfg.Capacity / n
	rem := r.cfg.Capacity % n
	for i, c := range r.consumers {
		s := base
		if i == 0 {
			s += rem
		}
		c.share.Store(int64(s))
	}
	return r.sharesLocked()
}

func (r *Registry) sharesLocked() []Share {
	shares := make([]Share, 0, len(r.consumers))
	for _, c := range r.consumers {
		shares = append(shares, Share{ID: c.ID, Share: c.Share()})
	}
	return shares
}

func (r *Registry) publishShares(shares []Share) {
	if shares != nil && r.cfg.OnRebalance != nil {
		r.cfg.OnRebalance(shares)
	}
}

func (r *Registry) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

func remove(set []*Record, rec *Record) ([]*Record, bool) {
	i := slices.Index(set, rec)
	if i < 0 {
		return set, false
	}
	return slices.Delete(set, i, i+1), true
}
