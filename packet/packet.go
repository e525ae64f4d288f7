// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package packet provides the low-level buffers used to encode and decode the
// fields of a tether wire frame.
//
// A [Builder] accumulates fixed-width integers, timestamps, and
// length-prefixed strings into a byte slice. A [Scanner] consumes the same
// values in the same order. Lengths are encoded as [Vint30] values.
package packet

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// A Builder accumulates the encoded fields of a frame. The zero value is an
// empty builder ready for use.
type Builder struct {
	buf []byte
}

// Put appends raw bytes to b.
func (b *Builder) Put(vs ...byte) { b.buf = append(b.buf, vs...) }

// VPut appends vs to b prefixed by its length as a [Vint30].
func (b *Builder) VPut(vs []byte) {
	b.Grow(VLen(len(vs)))
	b.buf = append(Vint30(len(vs)).Append(b.buf), vs...)
}

// VPutString is as [Builder.VPut] for a string.
func (b *Builder) VPutString(s string) {
	b.Grow(VLen(len(s)))
	b.buf = append(Vint30(len(s)).Append(b.buf), s...)
}

// Uint16 appends v to b in big-endian order.
func (b *Builder) Uint16(v uint16) { b.buf = binary.BigEndian.AppendUint16(b.buf, v) }

// Uint32 appends v to b in big-endian order.
func (b *Builder) Uint32(v uint32) { b.buf = binary.BigEndian.AppendUint32(b.buf, v) }

// Uint64 appends v to b in big-endian order.
func (b *Builder) Uint64(v uint64) { b.buf = binary.BigEndian.AppendUint64(b.buf, v) }

// Time appends t to b as a big-endian count of milliseconds since the Unix
// epoch. The zero time is encoded as 0, and times before the epoch are
// clamped to 1 so they remain distinguishable from zero.
func (b *Builder) Time(t time.Time) {
	var ms uint64
	if !t.IsZero() {
		ms = uint64(max(t.UnixMilli(), 1))
	}
	b.Uint64(ms)
}

// Len reports the number of bytes written to b.
func (b *Builder) Len() int { return len(b.buf) }

// Bytes returns the contents of b. The slice aliases the buffer of b, so the
// caller must not modify it while b is still in use.
func (b *Builder) Bytes() []byte { return b.buf }

// Grow ensures that at least n more bytes fit in b without reallocating.
func (b *Builder) Grow(n int) {
	if want := len(b.buf) + n; cap(b.buf) < want {
		r := make([]byte, len(b.buf), max(want, 2*cap(b.buf)))
		copy(r, b.buf)
		b.buf = r
	}
}

// A Scanner consumes encoded fields from the head of a frame.
//
// Methods return [io.ErrUnexpectedEOF] for a value truncated by the end of
// the input, except that [Scanner.Vint30] reports [io.EOF] when no input
// remains at all.
type Scanner struct {
	rest []byte
}

// NewScanner constructs a [Scanner] over input. Values returned as slices
// alias input, which must not be modified while they are in use.
func NewScanner[Str ~string | ~[]byte](input Str) *Scanner {
	return &Scanner{rest: []byte(input)}
}

// take consumes n bytes from s, or reports an error if fewer remain.
func (s *Scanner) take(n int) ([]byte, error) {
	if len(s.rest) < n {
		return nil, fmt.Errorf("value truncated (%d < %d bytes): %w", len(s.rest), n, io.ErrUnexpectedEOF)
	}
	out := s.rest[:n:n]
	s.rest = s.rest[n:]
	return out, nil
}

// Byte consumes a single byte.
func (s *Scanner) Byte() (byte, error) {
	v, err := s.take(1)
	if err != nil {
		return 0, err
	}
	return v[0], nil
}

// Uint16 consumes a big-endian uint16.
func (s *Scanner) Uint16() (uint16, error) {
	v, err := s.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(v), nil
}

// Uint32 consumes a big-endian uint32.
func (s *Scanner) Uint32() (uint32, error) {
	v, err := s.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(v), nil
}

// Uint64 consumes a big-endian uint64.
func (s *Scanner) Uint64() (uint64, error) {
	v, err := s.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(v), nil
}

// Time consumes a timestamp written by [Builder.Time]. An encoded zero
// yields the zero time.
func (s *Scanner) Time() (time.Time, error) {
	ms, err := s.Uint64()
	if err != nil || ms == 0 {
		return time.Time{}, err
	}
	return time.UnixMilli(int64(ms)), nil
}

// Vint30 consumes a single [Vint30] value.
func (s *Scanner) Vint30() (int, error) {
	if len(s.rest) == 0 {
		return 0, io.EOF
	}
	v, err := s.take(int(s.rest[0]&3) + 1)
	if err != nil {
		return 0, err
	}
	var w uint32
	for i := len(v) - 1; i >= 0; i-- {
		w = w<<8 | uint32(v[i])
	}
	return int(w >> 2), nil
}

// Len reports the number of unconsumed bytes in s.
func (s *Scanner) Len() int { return len(s.rest) }

// Rest returns the unconsumed input of s without consuming it.
func (s *Scanner) Rest() []byte { return s.rest }

// VGet consumes a string prefixed by its length as a [Vint30].
func VGet[Str ~string | ~[]byte](s *Scanner) (Str, error) {
	n, err := s.Vint30()
	if err != nil {
		return Str(""), err
	}
	v, err := s.take(n)
	return Str(v), err
}

// Get consumes exactly n bytes.
func Get[Str ~string | ~[]byte](s *Scanner, n int) (Str, error) {
	v, err := s.take(n)
	return Str(v), err
}

// VLen reports the size of a [Vint30] length prefix plus n bytes of data.
func VLen(n int) int { return Vint30(n).Size() + n }

// Vint30 is an unsigned 30-bit integer with a self-framing encoding of 1 to 4
// bytes. The value is shifted left by 2 and the low 2 bits hold the number of
// bytes after the first; the result is written little-endian.
//
//	v < 1<<6   1 byte
//	v < 1<<14  2 bytes
//	v < 1<<22  3 bytes
//	v < 1<<30  4 bytes
type Vint30 uint32

// Size reports the encoded length of v, or -1 if v is out of range.
func (v Vint30) Size() int {
	for n, lim := 1, Vint30(1<<6); n <= 4; n, lim = n+1, lim<<8 {
		if v < lim {
			return n
		}
	}
	return -1
}

// Append appends the encoding of v to buf. It panics if v is out of range.
func (v Vint30) Append(buf []byte) []byte {
	n := v.Size()
	if n < 0 {
		panic(fmt.Sprintf("vint30 out of range: %d", v))
	}
	w := uint32(v)<<2 | uint32(n-1)
	for range n {
		buf = append(buf, byte(w))
		w >>= 8
	}
	return buf
}
