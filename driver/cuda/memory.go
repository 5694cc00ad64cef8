package cuda

import (
	"runtime"
	"unsafe"

	"github.com/gomlx/aura/driver"
	"github.com/pkg/errors"
)

// MemAlloc implements driver.Driver.
func (d *Driver) MemAlloc(_ driver.Context, bytes int) (driver.DevicePtr, error) {
	if bytes <= 0 {
		return 0, errors.Errorf("cuMemAlloc of %d bytes: size must be positive", bytes)
	}
	var ptr uintptr
	if err := d.toError(d.api.cuMemAlloc(&ptr, uint64(bytes))); err != nil {
		return 0, errors.WithMessagef(err, "cuMemAlloc(%d bytes)", bytes)
	}
	return driver.DevicePtr(ptr), nil
}

// MemFree implements driver.Driver.
func (d *Driver) MemFree(ptr driver.DevicePtr) error {
	return errors.WithMessage(d.toError(d.api.cuMemFree(uintptr(ptr))), "cuMemFree")
}

// MemcpyHtoDAsync implements driver.Driver.
func (d *Driver) MemcpyHtoDAsync(dst driver.DevicePtr, dstOffset int, src unsafe.Pointer, bytes int, s driver.Stream) error {
	if bytes == 0 {
		return nil
	}
	err := d.toError(d.api.cuMemcpyHtoDAsync(uintptr(dst)+uintptr(dstOffset), src, uint64(bytes), uintptr(s)))
	return errors.WithMessage(err, "cuMemcpyHtoDAsync")
}

// MemcpyDtoHAsync implements driver.Driver.
func (d *Driver) MemcpyDtoHAsync(dst unsafe.Pointer, src driver.DevicePtr, srcOffset int, bytes int, s driver.Stream) error {
	if bytes == 0 {
		return nil
	}
	err := d.toError(d.api.cuMemcpyDtoHAsync(dst, uintptr(src)+uintptr(srcOffset), uint64(bytes), uintptr(s)))
	return errors.WithMessage(err, "cuMemcpyDtoHAsync")
}

// MemcpyDtoDAsync implements driver.Driver.
func (d *Driver) MemcpyDtoDAsync(dst driver.DevicePtr, dstOffset int, src driver.DevicePtr, srcOffset int, bytes int, s driver.Stream) error {
	if bytes == 0 {
		return nil
	}
	err := d.toError(d.api.cuMemcpyDtoDAsync(uintptr(dst)+uintptr(dstOffset), uintptr(src)+uintptr(srcOffset),
		uint64(bytes), uintptr(s)))
	return errors.WithMessage(err, "cuMemcpyDtoDAsync")
}

// ModuleLoad implements driver.Driver. The image is PTX (or a cubin/fatbin), it gets NUL terminated here.
func (d *Driver) ModuleLoad(_ driver.Context, image []byte) (driver.Module, error) {
	if len(image) == 0 {
		return 0, errors.New("cuModuleLoadData: empty image")
	}
	data := make([]byte, len(image)+1)
	copy(data, image)
	var module uintptr
	err := d.toError(d.api.cuModuleLoadData(&module, unsafe.Pointer(&data[0])))
	runtime.KeepAlive(data)
	if err != nil {
		return 0, errors.WithMessage(err, "cuModuleLoadData")
	}
	return driver.Module(module), nil
}

// ModuleUnload implements driver.Driver.
func (d *Driver) ModuleUnload(m driver.Module) error {
	return errors.WithMessage(d.toError(d.api.cuModuleUnload(uintptr(m))), "cuModuleUnload")
}

// ModuleGetFunction implements driver.Driver.
func (d *Driver) ModuleGetFunction(m driver.Module, name string) (driver.Function, error) {
	var fn uintptr
	if err := d.toError(d.api.cuModuleGetFunction(&fn, uintptr(m), name)); err != nil {
		return 0, errors.WithMessagef(err, "cuModuleGetFunction(%q)", name)
	}
	return driver.Function(fn), nil
}

// LaunchKernel implements driver.Driver.
//
// The argument values are copied into one buffer, and kernelParams is an array of pointers into it. Both are
// pinned for the duration of the call: cuLaunchKernel copies the parameters before returning.
func (d *Driver) LaunchKernel(fn driver.Function, grid, block driver.Dim3, args []driver.Arg, s driver.Stream) error {
	var total uintptr
	for _, arg := range args {
		total += (arg.Size + 7) &^ 7
	}
	values := make([]byte, total+8)
	params := make([]uintptr, len(args)+1)
	var pinner runtime.Pinner
	defer pinner.Unpin()
	pinner.Pin(&values[0])
	pinner.Pin(&params[0])

	var offset uintptr
	for ii, arg := range args {
		if arg.Ptr == nil {
			return errors.Errorf("cuLaunchKernel: argument #%d is nil", ii)
		}
		copy(values[offset:], unsafe.Slice((*byte)(arg.Ptr), arg.Size))
		params[ii] = uintptr(unsafe.Pointer(&values[offset]))
		offset += (arg.Size + 7) &^ 7
	}
	dim := func(v int) uint32 {
		if v <= 0 {
			return 1
		}
		return uint32(v)
	}
	err := d.toError(d.api.cuLaunchKernel(uintptr(fn),
		dim(grid.X), dim(grid.Y), dim(grid.Z),
		dim(block.X), dim(block.Y), dim(block.Z),
		0, uintptr(s), unsafe.Pointer(&params[0]), nil))
	return errors.WithMessage(err, "cuLaunchKernel")
}
