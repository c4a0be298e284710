// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package packet implements the binary framing and field encodings used by
// the netron wire protocol.
//
// Every packet begins with a fixed [Header] giving its type and payload
// length. Payloads are built with a [Builder] and read back with a
// [Scanner]. Fixed-width integers are big-endian; lengths are [Vint30].
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/creachadair/mds/value"
)

// HeaderLen is the size in bytes of an encoded [Header].
const HeaderLen = 8

// Magic is the two-byte prefix of every packet header.
const Magic = "NP"

// ErrBadMagic is reported by ParseHeader for input that does not begin with
// the packet magic.
var ErrBadMagic = errors.New("invalid packet magic")

// A Header is the fixed prefix of a packet.
//
//	+---+---+---------+------+-----------------+
//	| N | P | version | type | length (uint32) |
//	+---+---+---------+------+-----------------+
type Header struct {
	Version byte
	Type    byte
	Length  uint32 // payload length in bytes
}

// Append appends the encoding of h to buf and returns the updated slice.
func (h Header) Append(buf []byte) []byte {
	buf = append(buf, Magic[0], Magic[1], h.Version, h.Type)
	return binary.BigEndian.AppendUint32(buf, h.Length)
}

// ParseHeader parses a header from the first HeaderLen bytes of data.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderLen {
		return Header{}, fmt.Errorf("header truncated (%d < %d bytes): %w", len(data), HeaderLen, io.ErrUnexpectedEOF)
	}
	if string(data[:2]) != Magic {
		return Header{}, fmt.Errorf("%w: %q", ErrBadMagic, data[:2])
	}
	return Header{
		Version: data[2],
		Type:    data[3],
		Length:  binary.BigEndian.Uint32(data[4:]),
	}, nil
}

// A Builder accumulates encoded fields into a payload. The zero value is an
// empty builder ready for use.
type Builder struct {
	buf []byte
}

// Bool appends ok to b as a single byte, 1 for true and 0 for false.
func (b *Builder) Bool(ok bool) { b.buf = append(b.buf, value.Cond[byte](ok, 1, 0)) }

// Put appends vs to b without framing.
func (b *Builder) Put(vs ...byte) { b.buf = append(b.buf, vs...) }

// PutString appends s to b without framing.
func (b *Builder) PutString(s string) { b.buf = append(b.buf, s...) }

// VPut appends vs to b prefixed by its [Vint30] length.
func (b *Builder) VPut(vs []byte) { vput(b, vs) }

// VPutString appends s to b prefixed by its [Vint30] length.
func (b *Builder) VPutString(s string) { vput(b, s) }

func vput[Str ~string | ~[]byte](b *Builder, s Str) {
	b.Grow(VLen(len(s)))
	b.buf = Vint30(len(s)).Append(b.buf)
	b.buf = append(b.buf, s...)
}

// Uint16 appends v to b.
func (b *Builder) Uint16(v uint16) { b.buf = binary.BigEndian.AppendUint16(b.buf, v) }

// Uint32 appends v to b.
func (b *Builder) Uint32(v uint32) { b.buf = binary.BigEndian.AppendUint32(b.buf, v) }

// Uint64 appends v to b.
func (b *Builder) Uint64(v uint64) { b.buf = binary.BigEndian.AppendUint64(b.buf, v) }

// Vint30 appends v to b as a [Vint30].
func (b *Builder) Vint30(v uint32) { b.buf = Vint30(v).Append(b.buf) }

// Len reports the number of bytes in b.
func (b *Builder) Len() int { return len(b.buf) }

// Bytes returns the contents of b. The slice aliases the buffer of b, and is
// valid only until the next modification of b.
func (b *Builder) Bytes() []byte { return b.buf }

// Reset empties b, retaining its buffer.
func (b *Builder) Reset() { b.buf = b.buf[:0] }

// Grow ensures that at least n more bytes can be added to b without another
// allocation.
func (b *Builder) Grow(n int) {
	if want := len(b.buf) + n; cap(b.buf) < want {
		r := make([]byte, len(b.buf), max(want, 2*cap(b.buf)))
		copy(r, b.buf)
		b.buf = r
	}
}

// A Scanner reads encoded fields from a payload. Reading past the end of the
// input reports [io.ErrUnexpectedEOF], except that [Scanner.Vint30] reports
// [io.EOF] when no input remains at all.
type Scanner struct {
	rest   []byte
	offset int // of rest within the original input
}

// NewScanner returns a [Scanner] that reads from input. The scanner retains
// slices of input, which the caller must not modify while it is in use.
func NewScanner[Str ~string | ~[]byte](input Str) *Scanner {
	return &Scanner{rest: []byte(input)}
}

// take consumes and returns the next n bytes of input.
func (s *Scanner) take(n int) ([]byte, error) {
	if len(s.rest) < n {
		return nil, fmt.Errorf("value truncated (%d < %d bytes): %w", len(s.rest), n, io.ErrUnexpectedEOF)
	}
	out := s.rest[:n]
	s.rest = s.rest[n:]
	s.offset += n
	return out, nil
}

// Bool reads a single byte and reports whether it is non-zero.
func (s *Scanner) Bool() (bool, error) {
	b, err := s.Byte()
	return b != 0, err
}

// Byte reads a single byte.
func (s *Scanner) Byte() (byte, error) {
	b, err := s.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Uint16 reads a uint16.
func (s *Scanner) Uint16() (uint16, error) {
	b, err := s.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// Uint32 reads a uint32.
func (s *Scanner) Uint32() (uint32, error) {
	b, err := s.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// Uint64 reads a uint64.
func (s *Scanner) Uint64() (uint64, error) {
	b, err := s.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// Vint30 reads a [Vint30] value.
func (s *Scanner) Vint30() (int, error) {
	if len(s.rest) == 0 {
		return 0, io.EOF
	}
	b, err := s.take(int(s.rest[0]&3) + 1)
	if err != nil {
		return 0, err
	}
	var w uint32
	for i := len(b) - 1; i >= 0; i-- {
		w = w<<8 | uint32(b[i])
	}
	return int(w >> 2), nil
}

// Len reports the number of unread input bytes in s.
func (s *Scanner) Len() int { return len(s.rest) }

// Offset reports the offset of the next unread input byte in s.
func (s *Scanner) Offset() int { return s.offset }

// Rest returns the unread input of s. The slice is valid only until the next
// call to a method of s, and the caller must not modify it.
func (s *Scanner) Rest() []byte { return s.rest }

// VLen reports the encoded size of an n-byte string with a [Vint30] length
// prefix.
func VLen(n int) int { return Vint30(n).Size() + n }

// VGet reads a string prefixed by its [Vint30] length. A slice result aliases
// the input of s.
func VGet[Str ~string | ~[]byte](s *Scanner) (Str, error) {
	n, err := s.Vint30()
	if err != nil {
		return Str(""), err
	}
	b, err := s.take(n)
	return Str(b), err
}

// Get reads exactly n bytes without framing. If fewer are available, the
// remaining input is consumed and returned with an error. A slice result
// aliases the input of s.
func Get[Str ~string | ~[]byte](s *Scanner, n int) (Str, error) {
	b, err := s.take(n)
	if err != nil {
		rest := s.rest
		s.offset += len(rest)
		s.rest = nil
		return Str(rest), err
	}
	return Str(b), nil
}

// Vint30 is an unsigned integer of at most 30 bits, encoded in 1 to 4 bytes.
//
// The value is shifted left by 2 and the number of bytes after the first is
// stored in the low 2 bits; the result is written little-endian using the
// fewest bytes that hold it. A decoder learns the full length from the first
// byte:
//
//	v < 1<<6   1 byte
//	v < 1<<14  2 bytes
//	v < 1<<22  3 bytes
//	v < 1<<30  4 bytes
type Vint30 uint32

// MaxVint30 is the largest value a Vint30 can encode.
const MaxVint30 = 1<<30 - 1

// Size reports the encoded length of v in bytes, or -1 if v exceeds
// MaxVint30.
func (v Vint30) Size() int {
	for n := 1; n <= 4; n++ {
		if v < 1<<(8*n-2) {
			return n
		}
	}
	return -1
}

// Append appends the encoding of v to buf and returns the updated slice. It
// panics if v exceeds MaxVint30.
func (v Vint30) Append(buf []byte) []byte {
	n := v.Size()
	if n < 0 {
		panic("value out of range")
	}
	w := uint32(v)<<2 | uint32(n-1)
	for range n {
		buf = append(buf, byte(w))
		w >>= 8
	}
	return buf
}
