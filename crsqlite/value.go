// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package crsqlite

import (
	"bytes"
	"fmt"
	"math"
	"strings"
)

// ValueType is the SQLite storage class of a Value. The numeric codes match
// SQLite's fundamental datatype codes and are used by the pk wire format.
type ValueType uint8

const (
	TypeInteger ValueType = 1
	TypeFloat   ValueType = 2
	TypeText    ValueType = 3
	TypeBlob    ValueType = 4
	TypeNull    ValueType = 5
)

func (t ValueType) String() string {
	switch t {
	case TypeInteger:
		return "integer"
	case TypeFloat:
		return "float"
	case TypeText:
		return "text"
	case TypeBlob:
		return "blob"
	case TypeNull:
		return "null"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Value is a single scalar from SQLite's value domain.
// The zero Value is NULL.
type Value struct {
	typ ValueType
	i   int64
	f   float64
	s   string
	b   []byte
}

// Null returns the NULL value.
func Null() Value { return Value{typ: TypeNull} }

// Int returns an INTEGER value.
func Int(v int64) Value { return Value{typ: TypeInteger, i: v} }

// Float returns a REAL value.
func Float(v float64) Value { return Value{typ: TypeFloat, f: v} }

// Text returns a TEXT value.
func Text(v string) Value { return Value{typ: TypeText, s: v} }

// Blob returns a BLOB value. A nil slice is stored as an empty blob.
func Blob(v []byte) Value {
	if v == nil {
		v = []byte{}
	}
	return Value{typ: TypeBlob, b: v}
}

// Type reports the storage class.
func (v Value) Type() ValueType {
	if v.typ == 0 {
		return TypeNull
	}
	return v.typ
}

func (v Value) IsNull() bool { return v.Type() == TypeNull }

func (v Value) Int64() int64     { return v.i }
func (v Value) Float64() float64 { return v.f }
func (v Value) Str() string      { return v.s }
func (v Value) Bytes() []byte    { return v.b }

// Any returns the value as a database/sql driver value.
func (v Value) Any() any {
	switch v.Type() {
	case TypeInteger:
		return v.i
	case TypeFloat:
		return v.f
	case TypeText:
		return v.s
	case TypeBlob:
		return v.b
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.Type() {
	case TypeInteger:
		return fmt.Sprintf("%d", v.i)
	case TypeFloat:
		return fmt.Sprintf("%g", v.f)
	case TypeText:
		return fmt.Sprintf("%q", v.s)
	case TypeBlob:
		return fmt.Sprintf("x'%x'", v.b)
	default:
		return "NULL"
	}
}

// ValueFromAny converts a value scanned from the sqlite3 driver. Columns must
// be selected through RawColumns: bool and time.Time are rejected because
// they are conversions of the stored value, not the value itself.
func ValueFromAny(src any) (Value, error) {
	switch x := src.(type) {
	case nil:
		return Null(), nil
	case Value:
		return x, nil
	case int64:
		return Int(x), nil
	case int:
		return Int(int64(x)), nil
	case int32:
		return Int(int64(x)), nil
	case float64:
		return Float(x), nil
	case float32:
		return Float(float64(x)), nil
	case string:
		return Text(x), nil
	case []byte:
		return Blob(bytes.Clone(x)), nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", src)
	}
}

// Comparator orders two values. Implementations must be a total order that
// gives the same answer on every replica.
type Comparator interface {
	Compare(a, b Value) int
}

// ComparatorFunc adapts a function to Comparator.
type ComparatorFunc func(a, b Value) int

func (f ComparatorFunc) Compare(a, b Value) int { return f(a, b) }

// DefaultComparator orders values with CompareValues.
var DefaultComparator Comparator = ComparatorFunc(CompareValues)

// CompareValues orders values the way SQLite does with BINARY collation:
// NULL sorts first, then INTEGER and REAL compared numerically, then TEXT,
// then BLOB. TEXT and BLOB compare bytewise.
func CompareValues(a, b Value) int {
	ra, rb := classRank(a.Type()), classRank(b.Type())
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch a.Type() {
	case TypeNull:
		return 0
	case TypeInteger:
		if b.Type() == TypeInteger {
			return cmpInt(a.i, b.i)
		}
		return cmpIntFloat(a.i, b.f)
	case TypeFloat:
		if b.Type() == TypeFloat {
			return cmpFloat(a.f, b.f)
		}
		return -cmpIntFloat(b.i, a.f)
	case TypeText:
		return strings.Compare(a.s, b.s)
	default:
		return bytes.Compare(a.b, b.b)
	}
}

func classRank(t ValueType) int {
	switch t {
	case TypeNull:
		return 0
	case TypeInteger, TypeFloat:
		return 1
	case TypeText:
		return 2
	default:
		return 3
	}
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// cmpFloat treats NaN as smaller than every number so the order stays total.
func cmpFloat(a, b float64) int {
	an, bn := math.IsNaN(a), math.IsNaN(b)
	switch {
	case an && bn:
		return 0
	case an:
		return -1
	case bn:
		return 1
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpIntFloat(i int64, f float64) int {
	if math.IsNaN(f) {
		return 1
	}
	if f < -9223372036854775808.0 {
		return 1
	}
	if f >= 9223372036854775808.0 {
		return -1
	}
	fi := int64(f)
	if c := cmpInt(i, fi); c != 0 {
		return c
	}
	frac := f - float64(fi)
	switch {
	case frac > 0:
		return -1
	case frac < 0:
		return 1
	default:
		return 0
	}
}
