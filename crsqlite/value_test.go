// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package crsqlite

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCompareValues_StorageClassOrder(t *testing.T) {
	ordered := []Value{
		Null(),
		Float(math.Inf(-1)),
		Int(math.MinInt64),
		Int(-1),
		Float(-0.5),
		Int(0),
		Float(0.5),
		Int(1),
		Float(1.5),
		Int(math.MaxInt64),
		Float(math.Inf(1)),
		Text(""),
		Text("A"),
		Text("a"),
		Text("ab"),
		Blob(nil),
		Blob([]byte{0x00}),
		Blob([]byte{0x00, 0x01}),
		Blob([]byte{0xff}),
	}
	for i := range ordered {
		for j := range ordered {
			got := CompareValues(ordered[i], ordered[j])
			want := cmpInt(int64(i), int64(j))
			require.Equal(t, want, got, "compare(%s, %s)", ordered[i], ordered[j])
		}
	}
}

func TestCompareValues_IntFloatEquality(t *testing.T) {
	require.Equal(t, 0, CompareValues(Int(3), Float(3.0)))
	require.Equal(t, 0, CompareValues(Float(-7.0), Int(-7)))
	require.Equal(t, -1, CompareValues(Int(3), Float(3.25)))
	require.Equal(t, 1, CompareValues(Int(-3), Float(-3.25)))
}

func TestCompareValues_NaN(t *testing.T) {
	nan := Float(math.NaN())
	require.Equal(t, 0, CompareValues(nan, nan))
	require.Equal(t, -1, CompareValues(nan, Int(math.MinInt64)))
	require.Equal(t, 1, CompareValues(Float(math.Inf(-1)), nan))
	require.Equal(t, 1, CompareValues(nan, Null()))
}

func TestValue_ZeroIsNull(t *testing.T) {
	var v Value
	require.True(t, v.IsNull())
	require.Equal(t, TypeNull, v.Type())
	require.Nil(t, v.Any())
	require.Equal(t, 0, CompareValues(v, Null()))
}

func TestValueFromAny(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want Value
	}{
		{"nil", nil, Null()},
		{"int64", int64(42), Int(42)},
		{"int", 7, Int(7)},
		{"float64", 1.5, Float(1.5)},
		{"string", "hi", Text("hi")},
		{"bytes", []byte{1, 2}, Blob([]byte{1, 2})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValueFromAny(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.want.Type(), got.Type())
			require.Equal(t, 0, CompareValues(tt.want, got))
		})
	}

	// Driver conversions of declared types are not stored values.
	for _, in := range []any{struct{}{}, true, time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)} {
		_, err := ValueFromAny(in)
		require.Error(t, err, "%T", in)
	}
}

func TestValueFromAny_ClonesBytes(t *testing.T) {
	src := []byte{1, 2, 3}
	v, err := ValueFromAny(src)
	require.NoError(t, err)
	src[0] = 9
	require.Equal(t, []byte{1, 2, 3}, v.Bytes())
}
