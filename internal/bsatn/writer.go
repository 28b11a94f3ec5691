package bsatn

import (
	"encoding/binary"
	"math"
)

// Writer encodes values into a growing byte buffer using the same
// layout Reader expects: little-endian fixed-width integers and
// uint32 length-prefixed byte/string payloads.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer { return &Writer{} }

// Bytes returns the accumulated buffer.
func (w *Writer) Bytes() []byte { return w.buf }

// WriteByte appends a single byte.
func (w *Writer) WriteByte(b byte) { w.buf = append(w.buf, b) }

// WriteBool appends a one-byte boolean.
func (w *Writer) WriteBool(v bool) {
	if v {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
}

// WriteU16 appends a little-endian uint16.
func (w *Writer) WriteU16(v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

// WriteU32 appends a little-endian uint32.
func (w *Writer) WriteU32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

// WriteI32 appends a little-endian int32.
func (w *Writer) WriteI32(v int32) { w.WriteU32(uint32(v)) }

// WriteU64 appends a little-endian uint64.
func (w *Writer) WriteU64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

// WriteI64 appends a little-endian int64.
func (w *Writer) WriteI64(v int64) { w.WriteU64(uint64(v)) }

// WriteF64 appends a little-endian IEEE-754 double.
func (w *Writer) WriteF64(v float64) { w.WriteU64(math.Float64bits(v)) }

// WriteBytes appends a uint32 length prefix followed by b.
func (w *Writer) WriteBytes(b []byte) {
	w.WriteU32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// WriteFixed appends b verbatim, with no length prefix.
func (w *Writer) WriteFixed(b []byte) { w.buf = append(w.buf, b...) }

// WriteString appends a uint32 length prefix followed by the UTF-8 bytes of s.
func (w *Writer) WriteString(s string) { w.WriteBytes([]byte(s)) }
