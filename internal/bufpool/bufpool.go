// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool pools the scratch buffers codec writers assemble
// outgoing messages in, so a header and payload leave in one write.
package bufpool

import (
	"bytes"
	"sync"
)

// MaxRetained is the largest capacity kept for reuse. Anything bigger
// came from an unusually long line and is left to the GC.
const MaxRetained = 4 * (1 << 16)

var buffers = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// Get returns an empty buffer able to hold size bytes without growing.
func Get(size int) *bytes.Buffer {
	buf := buffers.Get().(*bytes.Buffer)
	buf.Reset()
	if size > 0 {
		buf.Grow(size)
	}
	return buf
}

// Put hands buf back for reuse unless it outgrew MaxRetained.
func Put(buf *bytes.Buffer) {
	if buf == nil || buf.Cap() > MaxRetained {
		return
	}
	buffers.Put(buf)
}
