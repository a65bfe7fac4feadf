// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package crsqlite

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrMalformedPKs is returned when a packed primary key buffer cannot be decoded.
var ErrMalformedPKs = errors.New("malformed packed primary key")

// Packed layout: one byte holding the column count, then for every column a
// header byte (len<<3 | type) followed by its payload. Integers are stored as
// len big-endian two's-complement bytes, floats as 8 IEEE-754 bytes, text and
// blobs as a len-byte length followed by the raw bytes. NULL has no payload.
const maxPackedColumns = 255

// PackColumns encodes an ordered tuple of values.
func PackColumns(vals []Value) ([]byte, error) {
	if len(vals) > maxPackedColumns {
		return nil, fmt.Errorf("cannot pack %d columns, max is %d", len(vals), maxPackedColumns)
	}
	buf := make([]byte, 0, 1+len(vals)*9)
	buf = append(buf, byte(len(vals)))
	for _, v := range vals {
		switch v.Type() {
		case TypeNull:
			buf = append(buf, byte(TypeNull))
		case TypeInteger:
			n := intWidth(v.i)
			buf = append(buf, byte(n<<3)|byte(TypeInteger))
			buf = appendInt(buf, v.i, n)
		case TypeFloat:
			buf = append(buf, byte(TypeFloat))
			buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(v.f))
		case TypeText:
			buf = appendBytes(buf, TypeText, []byte(v.s))
		case TypeBlob:
			buf = appendBytes(buf, TypeBlob, v.b)
		default:
			return nil, fmt.Errorf("cannot pack value of %s", v.Type())
		}
	}
	return buf, nil
}

// UnpackColumns decodes a buffer produced by PackColumns.
func UnpackColumns(buf []byte) ([]Value, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: empty buffer", ErrMalformedPKs)
	}
	count := int(buf[0])
	pos := 1
	vals := make([]Value, 0, count)
	for c := 0; c < count; c++ {
		if pos >= len(buf) {
			return nil, fmt.Errorf("%w: truncated at column %d", ErrMalformedPKs, c)
		}
		hdr := buf[pos]
		pos++
		typ := ValueType(hdr & 0x07)
		n := int(hdr >> 3)
		switch typ {
		case TypeNull:
			vals = append(vals, Null())
		case TypeInteger:
			if n > 8 || pos+n > len(buf) {
				return nil, fmt.Errorf("%w: bad integer width %d at column %d", ErrMalformedPKs, n, c)
			}
			vals = append(vals, Int(readInt(buf[pos:pos+n])))
			pos += n
		case TypeFloat:
			if pos+8 > len(buf) {
				return nil, fmt.Errorf("%w: truncated float at column %d", ErrMalformedPKs, c)
			}
			vals = append(vals, Float(math.Float64frombits(binary.BigEndian.Uint64(buf[pos:]))))
			pos += 8
		case TypeText, TypeBlob:
			if n > 8 || pos+n > len(buf) {
				return nil, fmt.Errorf("%w: bad length width %d at column %d", ErrMalformedPKs, n, c)
			}
			size := readInt(buf[pos : pos+n])
			pos += n
			if size < 0 || int64(len(buf)-pos) < size {
				return nil, fmt.Errorf("%w: bad length %d at column %d", ErrMalformedPKs, size, c)
			}
			data := buf[pos : pos+int(size)]
			pos += int(size)
			if typ == TypeText {
				vals = append(vals, Text(string(data)))
			} else {
				vals = append(vals, Blob(append([]byte(nil), data...)))
			}
		default:
			return nil, fmt.Errorf("%w: unknown type %d at column %d", ErrMalformedPKs, typ, c)
		}
	}
	if pos != len(buf) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedPKs, len(buf)-pos)
	}
	return vals, nil
}

func appendBytes(buf []byte, typ ValueType, data []byte) []byte {
	n := intWidth(int64(len(data)))
	buf = append(buf, byte(n<<3)|byte(typ))
	buf = appendInt(buf, int64(len(data)), n)
	return append(buf, data...)
}

// intWidth returns the smallest number of bytes holding v as a signed integer.
func intWidth(v int64) int {
	if v == 0 {
		return 0
	}
	for n := 1; n < 8; n++ {
		limit := int64(1) << (uint(n)*8 - 1)
		if v >= -limit && v < limit {
			return n
		}
	}
	return 8
}

func appendInt(buf []byte, v int64, n int) []byte {
	for i := n - 1; i >= 0; i-- {
		buf = append(buf, byte(uint64(v)>>(uint(i)*8)))
	}
	return buf
}

func readInt(b []byte) int64 {
	if len(b) == 0 {
		return 0
	}
	var u uint64
	for _, x := range b {
		u = u<<8 | uint64(x)
	}
	shift := uint(64 - len(b)*8)
	return int64(u<<shift) >> shift
}

// RawPKs is a primary key tuple handed to the merge core by its caller.
// The core borrows the values for the duration of one operation and hands
// them back on every exit path; it never keeps a reference. Borrowing a tuple
// that is already lent fails instead of aliasing it.
type RawPKs struct {
	vals []Value
	lent bool
}

// NewRawPKs wraps an already decoded tuple.
func NewRawPKs(vals ...Value) *RawPKs {
	return &RawPKs{vals: vals}
}

// UnpackPKs decodes a packed buffer into a tuple ready to lend to the core.
func UnpackPKs(buf []byte) (*RawPKs, error) {
	vals, err := UnpackColumns(buf)
	if err != nil {
		return nil, err
	}
	return &RawPKs{vals: vals}, nil
}

// Len reports the tuple arity.
func (r *RawPKs) Len() int {
	if r == nil {
		return 0
	}
	return len(r.vals)
}

// Values returns a copy of the tuple.
func (r *RawPKs) Values() []Value {
	if r == nil {
		return nil
	}
	return append([]Value(nil), r.vals...)
}

// borrow lends the values to fn and takes them back when fn returns. The
// slice passed to fn is capacity-limited so appends cannot write into the
// caller's backing array.
func (r *RawPKs) borrow(fn func(vals []Value) error) error {
	if r == nil {
		return fmt.Errorf("%w: nil primary key tuple", ErrBind)
	}
	if r.lent {
		return fmt.Errorf("%w: primary key tuple is already lent", ErrBind)
	}
	r.lent = true
	defer func() { r.lent = false }()
	return fn(r.vals[:len(r.vals):len(r.vals)])
}
