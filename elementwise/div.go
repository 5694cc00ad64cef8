// Package elementwise implements element-wise math kernels on device arrays, for every platform.
package elementwise

import (
	"github.com/gomlx/aura/backend"
	"github.com/gomlx/aura/driver/cuda"
	"github.com/gomlx/aura/driver/host"
	"github.com/gomlx/aura/driver/opencl"
	"github.com/gomlx/aura/dtypes"
	"github.com/pkg/errors"
)

// BlockSize is the number of threads per block used by the kernels.
const BlockSize = 128

// moduleKey is the key of the kernels module in the device module cache.
const moduleKey = "aura/elementwise"

// Operand is the constraint of the element types of the kernels.
type Operand interface {
	float32 | complex64
}

// dtypeSuffix returns the kernel name suffix of the dtype.
func dtypeSuffix(dtype dtypes.DType) (string, error) {
	switch dtype {
	case dtypes.Float32:
		return "f32", nil
	case dtypes.Complex64:
		return "c64", nil
	default:
		return "", errors.Errorf("elementwise kernels not implemented for dtype %s", dtype)
	}
}

// kernelName returns the name of the kernel for the operation and the dtypes of its operands,
// e.g. "aura_div_f32_c64".
func kernelName(op string, a, b dtypes.DType) (string, error) {
	aSuffix, err := dtypeSuffix(a)
	if err != nil {
		return "", err
	}
	bSuffix, err := dtypeSuffix(b)
	if err != nil {
		return "", err
	}
	return "aura_" + op + "_" + aSuffix + "_" + bSuffix, nil
}

// resultDType returns the dtype of an operation between a and b: complex if either of them is complex.
func resultDType(a, b dtypes.DType) dtypes.DType {
	if a == dtypes.Complex64 || b == dtypes.Complex64 {
		return dtypes.Complex64
	}
	return dtypes.Float32
}

// moduleImage returns the kernels module image for the platform.
func moduleImage(platform string) ([]byte, error) {
	switch platform {
	case host.Name:
		return host.ModuleImage(hostKernelNames()...), nil
	case opencl.Name:
		return []byte(openclSource), nil
	case cuda.Name:
		return []byte(cudaPTX), nil
	default:
		return nil, errors.Errorf("elementwise kernels not available for platform %q", platform)
	}
}

// Div enqueues out[i] = a[i] / b[i] on the Feed.
//
// The operands may mix float32 and complex64, in which case out must be complex64. b may also hold a single
// element, which then divides every element of a. a and out must have the same length. All arrays must be on the
// device of the Feed. It doesn't wait for the result: synchronize the Feed before reading out.
//
// On CUDA only float32 is supported.
func Div[A, B, O Operand](a *backend.DeviceArray[A], b *backend.DeviceArray[B], out *backend.DeviceArray[O],
	f *backend.Feed) error {
	if !a.IsValid() || !b.IsValid() || !out.IsValid() {
		return errors.Wrap(backend.ErrInvalidOperation, "elementwise.Div: arrays must be allocated")
	}
	n := out.Len()
	if a.Len() != n || (b.Len() != n && b.Len() != 1) {
		return errors.Wrapf(backend.ErrInvalidOperation,
			"elementwise.Div: arrays have incompatible lengths (%d, %d, %d)", a.Len(), b.Len(), n)
	}
	d := f.Device()
	if d == nil {
		return errors.Wrap(backend.ErrInvalidOperation, "elementwise.Div: Feed is empty")
	}
	if a.Device() != d || b.Device() != d || out.Device() != d {
		return errors.Wrapf(backend.ErrInvalidOperation, "elementwise.Div: arrays must be on %s, the device of the Feed", d)
	}
	aDType, bDType := dtypes.FromGenericsType[A](), dtypes.FromGenericsType[B]()
	if want, got := resultDType(aDType, bDType), dtypes.FromGenericsType[O](); got != want {
		return errors.Wrapf(backend.ErrInvalidOperation, "elementwise.Div: %s / %s is %s, got an output of %s",
			aDType, bDType, want, got)
	}
	platform := d.Platform().Name()
	if platform == cuda.Name && (aDType != dtypes.Float32 || bDType != dtypes.Float32) {
		return errors.Errorf("elementwise.Div: dtypes %s / %s not supported on %s", aDType, bDType, platform)
	}
	name, err := kernelName("div", aDType, bDType)
	if err != nil {
		return err
	}
	module, err := d.CachedModule(moduleKey, func() ([]byte, error) {
		return moduleImage(platform)
	})
	if err != nil {
		return errors.WithMessage(err, "elementwise.Div")
	}
	kernel, err := module.Kernel(name)
	if err != nil {
		return errors.WithMessage(err, "elementwise.Div")
	}
	outPtr, aPtr, bPtr := out.Begin().Ptr, a.Begin().Ptr, b.Begin().Ptr
	size, bStride := uint32(n), uint32(1)
	if b.Len() == 1 {
		bStride = 0
	}
	args, err := backend.PackArgs(&outPtr, &aPtr, &bPtr, &size, &bStride)
	if err != nil {
		return err
	}
	grid, block := backend.Grid1D(n, BlockSize)
	return backend.Invoke(kernel, grid, block, &args, f)
}
