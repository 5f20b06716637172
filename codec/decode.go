// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bufio"
	"bytes"
	"io"
	"unicode/utf8"
)

func DecodeUint16(r io.Reader) (uint16, error) {
	var num [2]byte
	_, err := io.ReadFull(r, num[:])
	if err != nil {
		return 0, err
	}

	return uint16(num[1]) | uint16(num[0])<<8, nil
}

// DecodeBytes reads a length-prefixed field. A field longer than limit fails
// with ErrFrameTooLarge after its body has been discarded.
func DecodeBytes(r io.Reader, limit int) ([]byte, error) {
	fieldLength, err := DecodeUint16(r)
	if err != nil {
		return nil, err
	}
	if int(fieldLength) > limit {
		if _, err := io.CopyN(io.Discard, r, int64(fieldLength)); err != nil {
			return nil, err
		}
		return nil, ErrFrameTooLarge
	}
	field := make([]byte, fieldLength)
	_, err = io.ReadFull(r, field)
	if err != nil {
		// A header without its body is a truncated frame.
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return field, nil
}

type frameReader struct {
	r       *bufio.Reader
	maxSize int
}

func (fr *frameReader) ReadMessage() ([]byte, error) {
	return DecodeBytes(fr.r, fr.maxSize)
}

type lineReader struct {
	r       *bufio.Reader
	maxSize int
	buf     bytes.Buffer
}

// ReadMessage returns the next line without its terminator. A final line
// without a newline is returned before io.EOF.
func (lr *lineReader) ReadMessage() ([]byte, error) {
	lr.buf.Reset()
	for {
		chunk, err := lr.r.ReadSlice('\n')
		lr.buf.Write(chunk)
		if lr.maxSize > 0 && lr.buf.Len() > lr.maxSize+2 {
			if err == bufio.ErrBufferFull {
				lr.discardLine()
			}
			return nil, ErrFrameTooLarge
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == io.EOF && lr.buf.Len() == 0 {
			return nil, io.EOF
		}
		if err != nil && err != io.EOF {
			return nil, err
		}
		break
	}

	line := bytes.TrimRight(lr.buf.Bytes(), "\r\n")
	if IsExit(line) {
		return nil, ErrSessionEnd
	}
	if lr.maxSize > 0 && len(line) > lr.maxSize {
		return nil, ErrFrameTooLarge
	}
	if !utf8.Valid(line) {
		return nil, ErrInvalidMessage
	}
	return bytes.Clone(line), nil
}

func (lr *lineReader) discardLine() {
	for {
		_, err := lr.r.ReadSlice('\n')
		if err != bufio.ErrBufferFull {
			return
		}
	}
}
