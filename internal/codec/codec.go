// Package codec implements the binary wire formats shared with the backend:
// signed transaction envelopes on the submit path and length-framed, tagged
// update messages on the event stream. All decoders are total: arbitrary
// input yields an empty result, never a panic.
package codec

import (
	"encoding/binary"
	"strings"
	"unicode/utf8"
)

// Update message tags (first byte of a stream message).
const (
	UpdateTagSeed     = 0x00
	UpdateTagEvents   = 0x01
	UpdateTagFiltered = 0x02
)

const maxVarintBytes = 5

// reader walks a byte slice with explicit bounds checks on every read.
type reader struct {
	buf []byte
	off int
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) u8() (byte, bool) {
	if r.remaining() < 1 {
		return 0, false
	}
	b := r.buf[r.off]
	r.off++
	return b, true
}

func (r *reader) take(n int) ([]byte, bool) {
	if n < 0 || r.remaining() < n {
		return nil, false
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, true
}

func (r *reader) u32() (uint32, bool) {
	b, ok := r.take(4)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint32(b), true
}

func (r *reader) u64() (uint64, bool) {
	b, ok := r.take(8)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint64(b), true
}

func (r *reader) i64() (int64, bool) {
	v, ok := r.u64()
	return int64(v), ok
}

// varint reads an LEB128 value of at most 5 bytes. A continuation bit past
// the 5th byte, or 35 bits of accumulated shift, aborts the read so crafted
// input cannot force unbounded work.
func (r *reader) varint() (uint64, bool) {
	var v uint64
	var shift uint
	for i := 0; i < maxVarintBytes; i++ {
		b, ok := r.u8()
		if !ok {
			return 0, false
		}
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, true
		}
		shift += 7
		if shift >= 35 {
			return 0, false
		}
	}
	return 0, false
}

// vec reads varint(len) followed by len raw bytes. The length is validated
// against the remaining buffer before anything is allocated.
func (r *reader) vec() ([]byte, bool) {
	n, ok := r.varint()
	if !ok {
		return nil, false
	}
	if n > uint64(r.remaining()) {
		return nil, false
	}
	return r.take(int(n))
}

// stringU32 reads u32_be(len) followed by UTF-8 bytes. Invalid sequences are
// replaced, not rejected.
func (r *reader) stringU32() (string, bool) {
	n, ok := r.u32()
	if !ok {
		return "", false
	}
	if uint64(n) > uint64(r.remaining()) {
		return "", false
	}
	b, _ := r.take(int(n))
	if utf8.Valid(b) {
		return string(b), true
	}
	return strings.ToValidUTF8(string(b), string(utf8.RuneError)), true
}

// AppendVarint appends v to dst in LEB128 form.
func AppendVarint(dst []byte, v uint64) []byte {
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

// DecodeVarint decodes a single LEB128 value from the front of buf.
func DecodeVarint(buf []byte) (uint64, int, bool) {
	r := &reader{buf: buf}
	v, ok := r.varint()
	if !ok {
		return 0, 0, false
	}
	return v, r.off, true
}
