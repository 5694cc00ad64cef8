// Package dtypes defines the element types that can be stored in device memory and copied to and from the host.
package dtypes

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/x448/float16"
)

// DType is the element type of device memory.
type DType int

const (
	// InvalidDType represents an invalid (or not set) dtype.
	InvalidDType DType = iota
	Bool
	Int8
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64
	Float16
	Float32
	Float64
	Complex64
	Complex128
)

// Supported lists the Go types that map to a DType.
type Supported interface {
	bool | int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 |
		float16.Float16 | float32 | float64 | complex64 | complex128
}

// Number are the Supported types that have arithmetic.
type Number interface {
	int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | float32 | float64 | complex64 | complex128
}

var names = []string{
	InvalidDType: "InvalidDType",
	Bool:         "Bool",
	Int8:         "Int8",
	Int16:        "Int16",
	Int32:        "Int32",
	Int64:        "Int64",
	Uint8:        "Uint8",
	Uint16:       "Uint16",
	Uint32:       "Uint32",
	Uint64:       "Uint64",
	Float16:      "Float16",
	Float32:      "Float32",
	Float64:      "Float64",
	Complex64:    "Complex64",
	Complex128:   "Complex128",
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if dtype < 0 || int(dtype) >= len(names) {
		return fmt.Sprintf("DType(%d)", int(dtype))
	}
	return names[dtype]
}

// IsValid returns whether dtype is one of the defined element types, other than InvalidDType.
func (dtype DType) IsValid() bool {
	return dtype > InvalidDType && int(dtype) < len(names)
}

// goTypes maps each DType to its Go type.
var goTypes = []reflect.Type{
	Bool:       reflect.TypeFor[bool](),
	Int8:       reflect.TypeFor[int8](),
	Int16:      reflect.TypeFor[int16](),
	Int32:      reflect.TypeFor[int32](),
	Int64:      reflect.TypeFor[int64](),
	Uint8:      reflect.TypeFor[uint8](),
	Uint16:     reflect.TypeFor[uint16](),
	Uint32:     reflect.TypeFor[uint32](),
	Uint64:     reflect.TypeFor[uint64](),
	Float16:    reflect.TypeFor[float16.Float16](),
	Float32:    reflect.TypeFor[float32](),
	Float64:    reflect.TypeFor[float64](),
	Complex64:  reflect.TypeFor[complex64](),
	Complex128: reflect.TypeFor[complex128](),
}

// GoType returns the Go type for the dtype, or nil for an invalid one.
func (dtype DType) GoType() reflect.Type {
	if !dtype.IsValid() {
		return nil
	}
	return goTypes[dtype]
}

// Size returns the number of bytes of one element, or 0 for an invalid dtype.
func (dtype DType) Size() int {
	t := dtype.GoType()
	if t == nil {
		return 0
	}
	return int(t.Size())
}

// IsFloat returns whether dtype is a real floating point type.
func (dtype DType) IsFloat() bool {
	return dtype == Float16 || dtype == Float32 || dtype == Float64
}

// IsComplex returns whether dtype is a complex type.
func (dtype DType) IsComplex() bool {
	return dtype == Complex64 || dtype == Complex128
}

// FromGoType returns the DType for the given Go type, or InvalidDType if it is not supported.
func FromGoType(t reflect.Type) DType {
	for dtype, goType := range goTypes {
		if goType != nil && goType == t {
			return DType(dtype)
		}
	}
	return InvalidDType
}

// FromGenericsType returns the DType of the generic type T.
func FromGenericsType[T Supported]() DType {
	return FromGoType(reflect.TypeFor[T]())
}

// FromAny returns the DType of the value's type, or InvalidDType if it is not supported.
func FromAny(value any) DType {
	if value == nil {
		return InvalidDType
	}
	return FromGoType(reflect.TypeOf(value))
}

// SizeOf returns the size in bytes of an element of type T.
func SizeOf[T Supported]() int {
	return FromGenericsType[T]().Size()
}

// MapOfNames maps the dtype names (and their lower-case and short aliases) to the DType.
var MapOfNames = map[string]DType{}

func init() {
	shortNames := map[DType]string{
		Bool:       "pred",
		Int8:       "s8",
		Int16:      "s16",
		Int32:      "s32",
		Int64:      "s64",
		Uint8:      "u8",
		Uint16:     "u16",
		Uint32:     "u32",
		Uint64:     "u64",
		Float16:    "f16",
		Float32:    "f32",
		Float64:    "f64",
		Complex64:  "c64",
		Complex128: "c128",
	}
	for dtype, name := range names {
		if DType(dtype) == InvalidDType {
			continue
		}
		MapOfNames[name] = DType(dtype)
		MapOfNames[strings.ToLower(name)] = DType(dtype)
	}
	for dtype, short := range shortNames {
		MapOfNames[short] = dtype
		MapOfNames[strings.ToUpper(short)] = dtype
	}
}
