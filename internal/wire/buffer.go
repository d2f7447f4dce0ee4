// Package wire implements the byte-level encoding shared by the network
// block/transaction format and the store's own on-disk transaction
// layout: little-endian fixed-width integers and Bitcoin's compact-size
// ("varint") length prefix.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrTruncated is returned when a Reader runs out of bytes mid-field.
var ErrTruncated = errors.New("wire: truncated input")

// Reader walks a byte slice front-to-back, decoding fixed-width
// little-endian integers and compact-size-prefixed fields.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps buf for sequential decoding.
func NewReader(buf []byte) *Reader { return &Reader{buf: buf} }

// Pos returns the number of bytes consumed so far.
func (r *Reader) Pos() int { return r.pos }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

func (r *Reader) take(n int) ([]byte, error) {
	if r.Remaining() < n {
		return nil, ErrTruncated
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *Reader) U8() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) U16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Reader) U32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Reader) I32() (int32, error) {
	v, err := r.U32()
	return int32(v), err
}

func (r *Reader) U64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *Reader) I64() (int64, error) {
	v, err := r.U64()
	return int64(v), err
}

// Bytes reads n raw bytes.
func (r *Reader) Bytes(n int) ([]byte, error) {
	b, err := r.take(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// CompactSize decodes Bitcoin's variable-length integer: the first byte
// is the value itself unless it is 0xFD/0xFE/0xFF, which instead select a
// 2/4/8-byte little-endian value following it.
func (r *Reader) CompactSize() (uint64, error) {
	b, err := r.U8()
	if err != nil {
		return 0, err
	}
	switch b {
	case 0xFD:
		v, err := r.U16()
		return uint64(v), err
	case 0xFE:
		v, err := r.U32()
		return uint64(v), err
	case 0xFF:
		return r.U64()
	default:
		return uint64(b), nil
	}
}

// VarBytes reads a compact-size length prefix followed by that many bytes.
func (r *Reader) VarBytes() ([]byte, error) {
	n, err := r.CompactSize()
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Remaining()) {
		return nil, fmt.Errorf("wire: var bytes length %d exceeds remaining input: %w", n, ErrTruncated)
	}
	return r.Bytes(int(n))
}

// Writer accumulates little-endian fixed-width integers and
// compact-size-prefixed fields into a single growable buffer.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer { return &Writer{} }

// Bytes returns the accumulated buffer.
func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) PutU8(v byte) { w.buf = append(w.buf, v) }

func (w *Writer) PutU16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) PutU32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) PutI32(v int32) { w.PutU32(uint32(v)) }

func (w *Writer) PutU64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) PutI64(v int64) { w.PutU64(uint64(v)) }

// PutBytes appends raw bytes with no length prefix.
func (w *Writer) PutBytes(b []byte) { w.buf = append(w.buf, b...) }

// PutCompactSize appends n encoded as a compact size.
func (w *Writer) PutCompactSize(n uint64) {
	switch {
	case n < 0xFD:
		w.PutU8(byte(n))
	case n <= 0xFFFF:
		w.PutU8(0xFD)
		w.PutU16(uint16(n))
	case n <= 0xFFFFFFFF:
		w.PutU8(0xFE)
		w.PutU32(uint32(n))
	default:
		w.PutU8(0xFF)
		w.PutU64(n)
	}
}

// PutVarBytes appends a compact-size length prefix followed by b.
func (w *Writer) PutVarBytes(b []byte) {
	w.PutCompactSize(uint64(len(b)))
	w.PutBytes(b)
}

// CompactSizeLen returns the number of bytes PutCompactSize would write
// for n, without writing anything.
func CompactSizeLen(n uint64) int {
	switch {
	case n < 0xFD:
		return 1
	case n <= 0xFFFF:
		return 3
	case n <= 0xFFFFFFFF:
		return 5
	default:
		return 9
	}
}
