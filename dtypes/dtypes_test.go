package dtypes

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestFromGenericsType(t *testing.T) {
	require.Equal(t, Float32, FromGenericsType[float32]())
	require.Equal(t, Float16, FromGenericsType[float16.Float16]())
	require.Equal(t, Complex64, FromGenericsType[complex64]())
	require.Equal(t, Uint8, FromGenericsType[uint8]())
	require.Equal(t, Bool, FromGenericsType[bool]())
}

func TestFromAny(t *testing.T) {
	require.Equal(t, Int64, FromAny(int64(7)))
	require.Equal(t, Float16, FromAny(float16.Fromfloat32(1.5)))
	require.Equal(t, InvalidDType, FromAny("string"))
	require.Equal(t, InvalidDType, FromAny(nil))
	require.Equal(t, InvalidDType, FromGoType(reflect.TypeFor[int]()))
}

func TestSize(t *testing.T) {
	require.Equal(t, 2, Float16.Size())
	require.Equal(t, 4, Float32.Size())
	require.Equal(t, 8, Complex64.Size())
	require.Equal(t, 16, Complex128.Size())
	require.Equal(t, 1, Bool.Size())
	require.Equal(t, 0, InvalidDType.Size())
	require.Equal(t, 8, SizeOf[float64]())
}

func TestString(t *testing.T) {
	require.Equal(t, "Float32", Float32.String())
	require.Equal(t, "DType(99)", DType(99).String())
	require.False(t, DType(99).IsValid())
	require.False(t, InvalidDType.IsValid())
	require.True(t, Float16.IsFloat())
	require.True(t, Complex128.IsComplex())
	require.False(t, Int32.IsFloat())
}

func TestMapOfNames(t *testing.T) {
	require.Equal(t, Float16, MapOfNames["Float16"])
	require.Equal(t, Float16, MapOfNames["float16"])
	require.Equal(t, Float16, MapOfNames["F16"])
	require.Equal(t, Float16, MapOfNames["f16"])
	require.Equal(t, Complex64, MapOfNames["c64"])
	_, found := MapOfNames["InvalidDType"]
	require.False(t, found)
}
