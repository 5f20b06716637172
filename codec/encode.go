// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"io"

	"github.com/absmach/fanq/internal/bufpool"
)

// EncodeBytes prefixes field with its 2-byte big-endian length.
func EncodeBytes(field []byte) []byte {
	fieldLength := len(field)
	ret := make([]byte, 0, 2+fieldLength)
	ret = append(ret, byte(fieldLength>>8), byte(fieldLength))
	return append(ret, field...)
}

type frameWriter struct {
	w io.Writer
}

func (fw *frameWriter) WriteMessage(msg []byte) error {
	if len(msg) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	buf := bufpool.Get(2 + len(msg))
	defer bufpool.Put(buf)

	buf.WriteByte(byte(len(msg) >> 8))
	buf.WriteByte(byte(len(msg)))
	buf.Write(msg)
	_, err := buf.WriteTo(fw.w)
	return err
}

type lineWriter struct {
	w io.Writer
}

func (lw *lineWriter) WriteMessage(msg []byte) error {
	if bytes.IndexByte(msg, '\n') >= 0 {
		return ErrInvalidMessage
	}
	buf := bufpool.Get(len(msg) + 1)
	defer bufpool.Put(buf)

	buf.Write(msg)
	buf.WriteByte('\n')
	_, err := buf.WriteTo(lw.w)
	return err
}
