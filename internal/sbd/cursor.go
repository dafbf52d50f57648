package sbd

import (
	"encoding/binary"
	"fmt"
)

// TruncatedError reports a read past the end of the frame buffer.
type TruncatedError struct {
	Need   int // bytes requested
	Offset int // cursor position at the time of the read
	Avail  int // bytes actually remaining
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("truncated: need %d bytes at offset %d, only %d available", e.Need, e.Offset, e.Avail)
}

// Cursor is a sequential bounds-checked reader over a raw frame buffer.
// It is not safe for concurrent use; each decode owns its own cursor.
type Cursor struct {
	buf []byte
	off int
}

// NewCursor returns a cursor positioned at the start of buf.
// The buffer is read, never modified.
func NewCursor(buf []byte) *Cursor {
	return &Cursor{buf: buf}
}

// Take returns the next n bytes and advances the position. The returned
// slice aliases the input buffer; callers that retain bytes must copy.
func (c *Cursor) Take(n int) ([]byte, error) {
	if rem := len(c.buf) - c.off; rem < n {
		return nil, &TruncatedError{Need: n, Offset: c.off, Avail: rem}
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b, nil
}

// TakeByte reads a single unsigned byte.
func (c *Cursor) TakeByte() (byte, error) {
	b, err := c.Take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// TakeUint16 reads a big-endian unsigned 16-bit value.
func (c *Cursor) TakeUint16() (uint16, error) {
	b, err := c.Take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// TakeInt32 reads a big-endian signed 32-bit value.
func (c *Cursor) TakeInt32() (int32, error) {
	b, err := c.Take(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

// Remaining reports how many bytes are left to read.
func (c *Cursor) Remaining() int {
	return len(c.buf) - c.off
}

// Position reports the current offset from the start of the buffer.
func (c *Cursor) Position() int {
	return c.off
}
