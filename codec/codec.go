// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package codec implements the two wire framings a broker link can use.
// A framing is applied symmetrically: the same one is used for reads and
// writes on both producer and consumer links.
package codec

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrSessionEnd is returned by a line reader when the peer sends the exit sentinel.
	ErrSessionEnd = errors.New("session ended by peer")

	// ErrFrameTooLarge is returned when a message exceeds the framing or configured limit.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrInvalidMessage is returned when a message cannot be represented in the
	// framing, such as a line that is not valid UTF-8.
	ErrInvalidMessage = errors.New("message not representable in framing")
)

// Framing names a wire format.
type Framing string

const (
	// Line is newline-delimited UTF-8 text. The line "exit" (any case) ends the session.
	Line Framing = "line"
	// Frame is a 2-byte big-endian length header followed by that many bytes.
	Frame Framing = "frame"
)

// MaxFrameSize is the largest payload a 2-byte length header can describe.
const MaxFrameSize = 1<<16 - 1

// ExitSentinel ends a line-framed session.
const ExitSentinel = "exit"

// Reader reads one message per call.
type Reader interface {
	ReadMessage() ([]byte, error)
}

// Writer writes one message per call.
type Writer interface {
	WriteMessage(msg []byte) error
}

// ParseFraming validates a framing name.
func ParseFraming(s string) (Framing, error) {
	switch f := Framing(strings.ToLower(s)); f {
	case Line, Frame:
		return f, nil
	default:
		return "", fmt.Errorf("unknown framing %q", s)
	}
}

// NewReader returns a reader for f on top of r. Messages longer than
// maxSize bytes fail with ErrFrameTooLarge; maxSize <= 0 means the framing's own limit.
func NewReader(f Framing, r io.Reader, maxSize int) Reader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	if f == Frame {
		if maxSize <= 0 || maxSize > MaxFrameSize {
			maxSize = MaxFrameSize
		}
		return &frameReader{r: br, maxSize: maxSize}
	}
	return &lineReader{r: br, maxSize: maxSize}
}

// NewWriter returns a writer for f on top of w.
func NewWriter(f Framing, w io.Writer) Writer {
	if f == Frame {
		return &frameWriter{w: w}
	}
	return &lineWriter{w: w}
}

// IsExit reports whether msg is the exit sentinel.
func IsExit(msg []byte) bool {
	return strings.EqualFold(string(msg), ExitSentinel)
}
