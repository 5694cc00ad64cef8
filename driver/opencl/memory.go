package opencl

import (
	"runtime"
	"unsafe"

	"github.com/gomlx/aura/driver"
	"github.com/pkg/errors"
)

// MemAlloc implements driver.Driver. The returned pointer is a cl_mem handle: it supports offsets in copies,
// but not pointer arithmetic.
func (d *Driver) MemAlloc(ctx driver.Context, bytes int) (driver.DevicePtr, error) {
	if bytes <= 0 {
		return 0, errors.Errorf("clCreateBuffer of %d bytes: size must be positive", bytes)
	}
	var code int32
	mem := d.api.clCreateBuffer(uintptr(ctx), clMemReadWrite, uintptr(bytes), nil, &code)
	if err := toError(code); err != nil {
		return 0, errors.WithMessagef(err, "clCreateBuffer(%d bytes)", bytes)
	}
	return driver.DevicePtr(mem), nil
}

// MemFree implements driver.Driver.
func (d *Driver) MemFree(ptr driver.DevicePtr) error {
	return errors.WithMessage(toError(d.api.clReleaseMemObject(uintptr(ptr))), "clReleaseMemObject")
}

// MemcpyHtoDAsync implements driver.Driver.
func (d *Driver) MemcpyHtoDAsync(dst driver.DevicePtr, dstOffset int, src unsafe.Pointer, bytes int, s driver.Stream) error {
	if bytes == 0 {
		return nil
	}
	code := d.api.clEnqueueWriteBuffer(uintptr(s), uintptr(dst), clFalse, uintptr(dstOffset), uintptr(bytes), src, 0, nil, nil)
	return errors.WithMessage(toError(code), "clEnqueueWriteBuffer")
}

// MemcpyDtoHAsync implements driver.Driver.
func (d *Driver) MemcpyDtoHAsync(dst unsafe.Pointer, src driver.DevicePtr, srcOffset int, bytes int, s driver.Stream) error {
	if bytes == 0 {
		return nil
	}
	code := d.api.clEnqueueReadBuffer(uintptr(s), uintptr(src), clFalse, uintptr(srcOffset), uintptr(bytes), dst, 0, nil, nil)
	return errors.WithMessage(toError(code), "clEnqueueReadBuffer")
}

// MemcpyDtoDAsync implements driver.Driver.
func (d *Driver) MemcpyDtoDAsync(dst driver.DevicePtr, dstOffset int, src driver.DevicePtr, srcOffset int, bytes int, s driver.Stream) error {
	if bytes == 0 {
		return nil
	}
	code := d.api.clEnqueueCopyBuffer(uintptr(s), uintptr(src), uintptr(dst), uintptr(srcOffset), uintptr(dstOffset),
		uintptr(bytes), 0, nil, nil)
	return errors.WithMessage(toError(code), "clEnqueueCopyBuffer")
}

// ModuleLoad implements driver.Driver: the image is OpenCL C source, built for the context's device.
func (d *Driver) ModuleLoad(ctx driver.Context, image []byte) (driver.Module, error) {
	deviceID, err := d.contextDeviceID(ctx)
	if err != nil {
		return 0, err
	}
	if len(image) == 0 {
		return 0, errors.New("clCreateProgramWithSource: empty source")
	}
	source := &image[0]
	length := uintptr(len(image))
	var pinner runtime.Pinner
	defer pinner.Unpin()
	pinner.Pin(source)

	var code int32
	program := d.api.clCreateProgramWithSource(uintptr(ctx), 1, &source, &length, &code)
	if err := toError(code); err != nil {
		return 0, errors.WithMessage(err, "clCreateProgramWithSource")
	}
	if err := toError(d.api.clBuildProgram(program, 1, &deviceID, "", 0, 0)); err != nil {
		buildLog, logErr := infoString(func(size uintptr, value unsafe.Pointer, sizeRet *uintptr) int32 {
			return d.api.clGetProgramBuildInfo(program, deviceID, clProgramBuildLog, size, value, sizeRet)
		})
		if logErr != nil {
			buildLog = "(build log not available: " + logErr.Error() + ")"
		}
		_ = d.api.clReleaseProgram(program)
		return 0, errors.WithMessagef(err, "clBuildProgram failed, build log:\n%s", buildLog)
	}
	return driver.Module(program), nil
}

// ModuleUnload implements driver.Driver.
func (d *Driver) ModuleUnload(m driver.Module) error {
	return errors.WithMessage(toError(d.api.clReleaseProgram(uintptr(m))), "clReleaseProgram")
}

// ModuleGetFunction implements driver.Driver.
func (d *Driver) ModuleGetFunction(m driver.Module, name string) (driver.Function, error) {
	var code int32
	kernel := d.api.clCreateKernel(uintptr(m), name, &code)
	if err := toError(code); err != nil {
		return 0, errors.WithMessagef(err, "clCreateKernel(%q)", name)
	}
	return driver.Function(kernel), nil
}

// LaunchKernel implements driver.Driver. The global work size is grid*block in each dimension and the local
// work size is block.
func (d *Driver) LaunchKernel(fn driver.Function, grid, block driver.Dim3, args []driver.Arg, s driver.Stream) error {
	d.muKernelLaunch.Lock()
	defer d.muKernelLaunch.Unlock()
	for ii, arg := range args {
		if err := toError(d.api.clSetKernelArg(uintptr(fn), uint32(ii), arg.Size, arg.Ptr)); err != nil {
			return errors.WithMessagef(err, "clSetKernelArg(#%d, %d bytes)", ii, arg.Size)
		}
	}
	dims := []int{grid.X, grid.Y, grid.Z}
	blocks := []int{block.X, block.Y, block.Z}
	workDim := 1
	for ii := 1; ii < 3; ii++ {
		if dims[ii] > 1 || blocks[ii] > 1 {
			workDim = ii + 1
		}
	}
	global := make([]uintptr, workDim)
	local := make([]uintptr, workDim)
	for ii := range workDim {
		g, b := max(dims[ii], 1), max(blocks[ii], 1)
		global[ii] = uintptr(g * b)
		local[ii] = uintptr(b)
	}
	code := d.api.clEnqueueNDRangeKernel(uintptr(s), uintptr(fn), uint32(workDim), nil, &global[0], &local[0], 0, nil, nil)
	return errors.WithMessage(toError(code), "clEnqueueNDRangeKernel")
}
