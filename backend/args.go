package backend

import (
	"reflect"
	"unsafe"

	"github.com/gomlx/aura/driver"
)

// MaxKernelArgs is the maximum number of arguments of a kernel launch.
const MaxKernelArgs = 32

// Args is an ordered, fixed-capacity list of type-erased kernel arguments, each a pointer to a value and its
// size in bytes. The values are read when the kernel is invoked, not when they are packed.
type Args struct {
	n    int
	args [MaxKernelArgs]driver.Arg
}

// PackArgs packs pointers to kernel argument values, in order. Each value must be a non-nil pointer to a
// value of fixed size without Go pointers: numbers, driver.DevicePtr or structs of those.
//
// Example:
//
//	n := uint32(a.Len())
//	aPtr, bPtr := a.Begin().Ptr, b.Begin().Ptr
//	args, err := backend.PackArgs(&aPtr, &bPtr, &n)
func PackArgs(values ...any) (Args, error) {
	const op = "PackArgs"
	var args Args
	if len(values) > MaxKernelArgs {
		return args, newErrorf(ErrInvalidOperation, op, "%d arguments given, at most MaxKernelArgs=%d are supported",
			len(values), MaxKernelArgs)
	}
	for ii, value := range values {
		v := reflect.ValueOf(value)
		if !v.IsValid() || v.Kind() != reflect.Pointer || v.IsNil() {
			return Args{}, newErrorf(ErrInvalidOperation, op, "argument #%d must be a non-nil pointer, got %T",
				ii, value)
		}
		elemType := v.Type().Elem()
		if !isPlainData(elemType) {
			return Args{}, newErrorf(ErrInvalidOperation, op, "argument #%d points to %s, which is not plain data",
				ii, elemType)
		}
		args.args[ii] = driver.Arg{Ptr: v.UnsafePointer(), Size: elemType.Size()}
	}
	args.n = len(values)
	return args, nil
}

// ArgOf returns the driver.Arg for a pointer to a value.
func ArgOf[T any](value *T) driver.Arg {
	var zero T
	return driver.Arg{Ptr: unsafe.Pointer(value), Size: unsafe.Sizeof(zero)}
}

// isPlainData returns whether values of type t can be copied byte-wise to a device.
func isPlainData(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64, reflect.Int,
		reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uint, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return true
	case reflect.Array:
		return isPlainData(t.Elem())
	case reflect.Struct:
		for i := range t.NumField() {
			if !isPlainData(t.Field(i).Type) {
				return false
			}
		}
		return t.Size() > 0
	default:
		return false
	}
}

// Len returns the number of arguments.
func (a *Args) Len() int {
	return a.n
}

// At returns the i-th argument.
func (a *Args) At(i int) driver.Arg {
	return a.args[i]
}

// Slice returns the arguments as a slice, backed by the Args storage.
func (a *Args) Slice() []driver.Arg {
	return a.args[:a.n]
}
