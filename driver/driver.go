// Package driver defines the contract between the backend package and a native GPU platform: the CUDA driver
// API, OpenCL, or the in-process host emulation.
//
// All handles are opaque values owned by the driver that created them. The backend package is responsible for
// activation discipline: every method documented as "requires the context current" must be called between
// CtxPushCurrent and CtxPopCurrent of the context that owns the resource, on the same OS thread.
//
// Drivers are not expected to serialize calls made on different streams, but a single stream must only be used
// by one goroutine at a time.
package driver

import (
	"fmt"
	"unsafe"
)

// DeviceHandle is the native device identifier (CUdevice, cl_device_id).
type DeviceHandle uintptr

// Context is the native execution context (CUcontext, cl_context).
type Context uintptr

// Stream is the native asynchronous command stream (CUstream, cl_command_queue).
type Stream uintptr

// DevicePtr is a native device allocation (CUdeviceptr, cl_mem).
type DevicePtr uintptr

// Module is a loaded set of kernels (CUmodule, cl_program).
type Module uintptr

// Function is a kernel entry point of a Module (CUfunction, cl_kernel).
type Function uintptr

// StreamFlags configure the creation of a Stream.
type StreamFlags uint32

const (
	// StreamDefault creates a stream that synchronizes with the legacy default stream.
	StreamDefault StreamFlags = 0

	// StreamNonBlocking creates a stream that may run concurrently with the legacy default stream
	// (CU_STREAM_NON_BLOCKING). Drivers without the concept ignore it.
	StreamNonBlocking StreamFlags = 1
)

// String implements fmt.Stringer.
func (f StreamFlags) String() string {
	switch f {
	case StreamDefault:
		return "default"
	case StreamNonBlocking:
		return "non-blocking"
	default:
		return fmt.Sprintf("StreamFlags(%d)", uint32(f))
	}
}

// Dim3 is a grid or block size for kernel launches.
type Dim3 struct {
	X, Y, Z int
}

// Size returns the total number of elements X*Y*Z, where zero dimensions count as 1.
func (d Dim3) Size() int {
	size := 1
	for _, v := range []int{d.X, d.Y, d.Z} {
		if v > 0 {
			size *= v
		}
	}
	return size
}

// Arg is one type-erased kernel argument: a pointer to the value and its size in bytes.
// The pointed value only needs to be valid during the LaunchKernel call: drivers copy it.
type Arg struct {
	Ptr  unsafe.Pointer
	Size uintptr
}

// Driver is implemented by each native platform.
type Driver interface {
	// Name of the driver: "cuda", "opencl" or "host".
	Name() string

	// Version is a human-readable version of the underlying driver.
	Version() (string, error)

	// DeviceCount returns the number of devices available.
	DeviceCount() (int, error)

	// DeviceGet returns the handle of the device with the given zero-based ordinal.
	DeviceGet(ordinal int) (DeviceHandle, error)

	// DeviceName returns the vendor name of the device.
	DeviceName(dev DeviceHandle) (string, error)

	// CtxCreate creates a new context on the device. It does not leave the context current.
	CtxCreate(dev DeviceHandle) (Context, error)

	// CtxDestroy releases the context.
	CtxDestroy(ctx Context) error

	// CtxPushCurrent makes ctx the current context of the calling OS thread, saving the previous one.
	CtxPushCurrent(ctx Context) error

	// CtxPopCurrent restores the context that was current before the matching CtxPushCurrent and
	// returns the popped context.
	CtxPopCurrent() (Context, error)

	// CtxGetCurrent returns the context current on the calling OS thread, or 0 if none.
	CtxGetCurrent() (Context, error)

	// StreamCreate creates a stream on ctx. Requires ctx current.
	StreamCreate(ctx Context, flags StreamFlags) (Stream, error)

	// StreamDestroy releases the stream. Requires the stream's context current.
	StreamDestroy(s Stream) error

	// StreamSynchronize blocks until all work enqueued on s has completed.
	// Requires the stream's context current.
	StreamSynchronize(s Stream) error

	// MemAlloc allocates bytes of device memory. Requires ctx current.
	MemAlloc(ctx Context, bytes int) (DevicePtr, error)

	// MemFree releases device memory. Requires the allocation's context current.
	MemFree(ptr DevicePtr) error

	// MemcpyHtoDAsync enqueues a host to device copy on s. The host memory must stay valid and
	// unchanged until the stream is synchronized.
	MemcpyHtoDAsync(dst DevicePtr, dstOffset int, src unsafe.Pointer, bytes int, s Stream) error

	// MemcpyDtoHAsync enqueues a device to host copy on s. The host memory must stay valid until the stream
	// is synchronized.
	MemcpyDtoHAsync(dst unsafe.Pointer, src DevicePtr, srcOffset int, bytes int, s Stream) error

	// MemcpyDtoDAsync enqueues a device to device copy on s.
	MemcpyDtoDAsync(dst DevicePtr, dstOffset int, src DevicePtr, srcOffset int, bytes int, s Stream) error

	// ModuleLoad loads a module image (PTX for CUDA, OpenCL C source for OpenCL). Requires ctx current.
	ModuleLoad(ctx Context, image []byte) (Module, error)

	// ModuleUnload releases the module.
	ModuleUnload(m Module) error

	// ModuleGetFunction looks up a kernel by name.
	ModuleGetFunction(m Module, name string) (Function, error)

	// LaunchKernel enqueues the kernel on s. Requires the stream's context current.
	LaunchKernel(fn Function, grid, block Dim3, args []Arg, s Stream) error
}
