// Package opencl implements driver.Driver over OpenCL (libOpenCL), loaded at run time with purego.
//
// OpenCL has no notion of a thread-current context: command queues carry their context. Context activation is
// emulated (driver.ThreadContexts) so that the backend's activation discipline behaves the same as with CUDA,
// but it has no effect on the native calls.
package opencl

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
	"unsafe"

	"github.com/gomlx/aura/driver"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Name of the OpenCL driver.
const Name = "opencl"

const (
	clSuccess = 0

	clDeviceTypeAll    = 0xFFFFFFFF
	clDeviceName       = 0x102B
	clPlatformVersion  = 0x0901
	clProgramBuildLog  = 0x1183
	clMemReadWrite     = 1 << 0
	clFalse            = 0
	maxPlatforms       = 16
	maxDevicesPerQuery = 64
)

var errorNames = map[int32]string{
	-1:  "CL_DEVICE_NOT_FOUND",
	-2:  "CL_DEVICE_NOT_AVAILABLE",
	-3:  "CL_COMPILER_NOT_AVAILABLE",
	-4:  "CL_MEM_OBJECT_ALLOCATION_FAILURE",
	-5:  "CL_OUT_OF_RESOURCES",
	-6:  "CL_OUT_OF_HOST_MEMORY",
	-11: "CL_BUILD_PROGRAM_FAILURE",
	-30: "CL_INVALID_VALUE",
	-33: "CL_INVALID_DEVICE",
	-34: "CL_INVALID_CONTEXT",
	-36: "CL_INVALID_COMMAND_QUEUE",
	-38: "CL_INVALID_MEM_OBJECT",
	-44: "CL_INVALID_PROGRAM",
	-45: "CL_INVALID_PROGRAM_EXECUTABLE",
	-46: "CL_INVALID_KERNEL_NAME",
	-48: "CL_INVALID_KERNEL",
	-49: "CL_INVALID_ARG_INDEX",
	-50: "CL_INVALID_ARG_VALUE",
	-51: "CL_INVALID_ARG_SIZE",
	-52: "CL_INVALID_KERNEL_ARGS",
	-53: "CL_INVALID_WORK_DIMENSION",
	-54: "CL_INVALID_WORK_GROUP_SIZE",
	-55: "CL_INVALID_WORK_ITEM_SIZE",
	-61: "CL_INVALID_BUFFER_SIZE",
}

// toError converts an OpenCL error code to a Go error, with a stack trace. It returns nil for CL_SUCCESS.
func toError(code int32) error {
	if code == clSuccess {
		return nil
	}
	name, found := errorNames[code]
	if !found {
		name = "CL_UNKNOWN_ERROR"
	}
	return errors.Errorf("OpenCL error %s (code=%d)", name, code)
}

// api holds the bound libOpenCL functions.
type api struct {
	clGetPlatformIDs          func(num uint32, platforms *uintptr, numPlatforms *uint32) int32
	clGetPlatformInfo         func(platform uintptr, param uint32, size uintptr, value unsafe.Pointer, sizeRet *uintptr) int32
	clGetDeviceIDs            func(platform uintptr, deviceType uint64, num uint32, devices *uintptr, numDevices *uint32) int32
	clGetDeviceInfo           func(device uintptr, param uint32, size uintptr, value unsafe.Pointer, sizeRet *uintptr) int32
	clCreateContext           func(properties *uintptr, numDevices uint32, devices *uintptr, notify uintptr, userData uintptr, errcode *int32) uintptr
	clReleaseContext          func(ctx uintptr) int32
	clCreateCommandQueue      func(ctx uintptr, device uintptr, properties uint64, errcode *int32) uintptr
	clReleaseCommandQueue     func(queue uintptr) int32
	clFinish                  func(queue uintptr) int32
	clCreateBuffer            func(ctx uintptr, flags uint64, size uintptr, hostPtr unsafe.Pointer, errcode *int32) uintptr
	clReleaseMemObject        func(mem uintptr) int32
	clEnqueueWriteBuffer      func(queue uintptr, buffer uintptr, blocking uint32, offset uintptr, size uintptr, ptr unsafe.Pointer, numEvents uint32, events *uintptr, event *uintptr) int32
	clEnqueueReadBuffer       func(queue uintptr, buffer uintptr, blocking uint32, offset uintptr, size uintptr, ptr unsafe.Pointer, numEvents uint32, events *uintptr, event *uintptr) int32
	clEnqueueCopyBuffer       func(queue uintptr, src uintptr, dst uintptr, srcOffset uintptr, dstOffset uintptr, size uintptr, numEvents uint32, events *uintptr, event *uintptr) int32
	clCreateProgramWithSource func(ctx uintptr, count uint32, sources **byte, lengths *uintptr, errcode *int32) uintptr
	clBuildProgram            func(program uintptr, numDevices uint32, devices *uintptr, options string, notify uintptr, userData uintptr) int32
	clGetProgramBuildInfo     func(program uintptr, device uintptr, param uint32, size uintptr, value unsafe.Pointer, sizeRet *uintptr) int32
	clReleaseProgram          func(program uintptr) int32
	clCreateKernel            func(program uintptr, name string, errcode *int32) uintptr
	clReleaseKernel           func(kernel uintptr) int32
	clSetKernelArg            func(kernel uintptr, index uint32, size uintptr, value unsafe.Pointer) int32
	clEnqueueNDRangeKernel    func(queue uintptr, kernel uintptr, workDim uint32, globalOffset *uintptr, globalSize *uintptr, localSize *uintptr, numEvents uint32, events *uintptr, event *uintptr) int32
}

func (a *api) symbols() map[string]any {
	return map[string]any{
		"clGetPlatformIDs":          &a.clGetPlatformIDs,
		"clGetPlatformInfo":         &a.clGetPlatformInfo,
		"clGetDeviceIDs":            &a.clGetDeviceIDs,
		"clGetDeviceInfo":           &a.clGetDeviceInfo,
		"clCreateContext":           &a.clCreateContext,
		"clReleaseContext":          &a.clReleaseContext,
		"clCreateCommandQueue":      &a.clCreateCommandQueue,
		"clReleaseCommandQueue":     &a.clReleaseCommandQueue,
		"clFinish":                  &a.clFinish,
		"clCreateBuffer":            &a.clCreateBuffer,
		"clReleaseMemObject":        &a.clReleaseMemObject,
		"clEnqueueWriteBuffer":      &a.clEnqueueWriteBuffer,
		"clEnqueueReadBuffer":       &a.clEnqueueReadBuffer,
		"clEnqueueCopyBuffer":       &a.clEnqueueCopyBuffer,
		"clCreateProgramWithSource": &a.clCreateProgramWithSource,
		"clBuildProgram":            &a.clBuildProgram,
		"clGetProgramBuildInfo":     &a.clGetProgramBuildInfo,
		"clReleaseProgram":          &a.clReleaseProgram,
		"clCreateKernel":            &a.clCreateKernel,
		"clReleaseKernel":           &a.clReleaseKernel,
		"clSetKernelArg":            &a.clSetKernelArg,
		"clEnqueueNDRangeKernel":    &a.clEnqueueNDRangeKernel,
	}
}

type device struct {
	id, platform uintptr
}

// Driver implements driver.Driver for OpenCL.
type Driver struct {
	lib     *driver.Library
	api     api
	devices []device
	threads driver.ThreadContexts

	mu             sync.Mutex
	contextDevice  map[driver.Context]uintptr
	muKernelLaunch sync.Mutex // clSetKernelArg+clEnqueueNDRangeKernel must not interleave for the same kernel.
}

var _ driver.Driver = (*Driver)(nil)

var (
	muLoad     sync.Mutex
	loadedOnce *Driver
)

// Load opens libOpenCL, binds the API and enumerates all devices of all platforms. The driver is a singleton:
// further calls return the same instance.
func Load() (*Driver, error) {
	muLoad.Lock()
	defer muLoad.Unlock()
	if loadedOnce != nil {
		return loadedOnce, nil
	}
	lib, err := driver.LoadLibrary("opencl", libraryNames()...)
	if err != nil {
		return nil, err
	}
	d := &Driver{
		lib:           lib,
		contextDevice: make(map[driver.Context]uintptr),
	}
	if err = lib.BindAll(d.api.symbols()); err != nil {
		return nil, errors.WithMessagef(err, "failed to bind OpenCL API from %s", lib)
	}
	if err = d.enumerateDevices(); err != nil {
		return nil, err
	}
	klog.V(1).Infof("OpenCL driver initialized from %s with %d devices", lib, len(d.devices))
	loadedOnce = d
	return d, nil
}

func libraryNames() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"/System/Library/Frameworks/OpenCL.framework/OpenCL"}
	case "windows":
		return []string{"OpenCL.dll"}
	default:
		return []string{"libOpenCL.so.1", "libOpenCL.so"}
	}
}

func (d *Driver) enumerateDevices() error {
	platforms := make([]uintptr, maxPlatforms)
	var numPlatforms uint32
	if err := toError(d.api.clGetPlatformIDs(uint32(len(platforms)), &platforms[0], &numPlatforms)); err != nil {
		return errors.WithMessage(err, "clGetPlatformIDs")
	}
	for _, platform := range platforms[:min(int(numPlatforms), len(platforms))] {
		ids := make([]uintptr, maxDevicesPerQuery)
		var numDevices uint32
		code := d.api.clGetDeviceIDs(platform, clDeviceTypeAll, uint32(len(ids)), &ids[0], &numDevices)
		if err := toError(code); err != nil {
			klog.Warningf("clGetDeviceIDs failed for OpenCL platform %#x: %v", platform, err)
			continue
		}
		for _, id := range ids[:min(int(numDevices), len(ids))] {
			d.devices = append(d.devices, device{id: id, platform: platform})
		}
	}
	return nil
}

func (d *Driver) device(dev driver.DeviceHandle) (device, error) {
	idx := int(dev) - 1
	if idx < 0 || idx >= len(d.devices) {
		return device{}, errors.Errorf("invalid OpenCL device handle %d", dev)
	}
	return d.devices[idx], nil
}

// infoString reads a string parameter with one of the clGet*Info functions.
func infoString(get func(size uintptr, value unsafe.Pointer, sizeRet *uintptr) int32) (string, error) {
	var size uintptr
	if err := toError(get(0, nil, &size)); err != nil {
		return "", err
	}
	if size == 0 {
		return "", nil
	}
	buf := make([]byte, size)
	if err := toError(get(size, unsafe.Pointer(&buf[0]), nil)); err != nil {
		return "", err
	}
	return strings.TrimRight(string(buf), "\x00"), nil
}

// Name implements driver.Driver.
func (d *Driver) Name() string { return Name }

// Version implements driver.Driver: the version of the platform of the first device.
func (d *Driver) Version() (string, error) {
	if len(d.devices) == 0 {
		return "OpenCL (no devices)", nil
	}
	platform := d.devices[0].platform
	return infoString(func(size uintptr, value unsafe.Pointer, sizeRet *uintptr) int32 {
		return d.api.clGetPlatformInfo(platform, clPlatformVersion, size, value, sizeRet)
	})
}

// DeviceCount implements driver.Driver.
func (d *Driver) DeviceCount() (int, error) {
	return len(d.devices), nil
}

// DeviceGet implements driver.Driver. Handles are the ordinal plus one.
func (d *Driver) DeviceGet(ordinal int) (driver.DeviceHandle, error) {
	if ordinal < 0 || ordinal >= len(d.devices) {
		return 0, errors.Errorf("invalid device ordinal %d, OpenCL has %d devices", ordinal, len(d.devices))
	}
	return driver.DeviceHandle(ordinal + 1), nil
}

// DeviceName implements driver.Driver.
func (d *Driver) DeviceName(dev driver.DeviceHandle) (string, error) {
	clDev, err := d.device(dev)
	if err != nil {
		return "", err
	}
	return infoString(func(size uintptr, value unsafe.Pointer, sizeRet *uintptr) int32 {
		return d.api.clGetDeviceInfo(clDev.id, clDeviceName, size, value, sizeRet)
	})
}

// CtxCreate implements driver.Driver.
func (d *Driver) CtxCreate(dev driver.DeviceHandle) (driver.Context, error) {
	clDev, err := d.device(dev)
	if err != nil {
		return 0, err
	}
	var code int32
	ctx := d.api.clCreateContext(nil, 1, &clDev.id, 0, 0, &code)
	if err := toError(code); err != nil {
		return 0, errors.WithMessage(err, "clCreateContext")
	}
	d.mu.Lock()
	d.contextDevice[driver.Context(ctx)] = clDev.id
	d.mu.Unlock()
	return driver.Context(ctx), nil
}

// CtxDestroy implements driver.Driver.
func (d *Driver) CtxDestroy(ctx driver.Context) error {
	d.mu.Lock()
	delete(d.contextDevice, ctx)
	d.mu.Unlock()
	d.threads.Forget(ctx)
	return errors.WithMessage(toError(d.api.clReleaseContext(uintptr(ctx))), "clReleaseContext")
}

// CtxPushCurrent implements driver.Driver. It only records the activation.
func (d *Driver) CtxPushCurrent(ctx driver.Context) error {
	d.threads.Push(ctx)
	return nil
}

// CtxPopCurrent implements driver.Driver. It only records the deactivation.
func (d *Driver) CtxPopCurrent() (driver.Context, error) {
	return d.threads.Pop()
}

// CtxGetCurrent implements driver.Driver.
func (d *Driver) CtxGetCurrent() (driver.Context, error) {
	return d.threads.Current(), nil
}

func (d *Driver) contextDeviceID(ctx driver.Context) (uintptr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, found := d.contextDevice[ctx]
	if !found {
		return 0, errors.Errorf("invalid OpenCL context %#x", ctx)
	}
	return id, nil
}

// StreamCreate implements driver.Driver: it creates an in-order command queue. The flags are ignored.
func (d *Driver) StreamCreate(ctx driver.Context, flags driver.StreamFlags) (driver.Stream, error) {
	deviceID, err := d.contextDeviceID(ctx)
	if err != nil {
		return 0, err
	}
	if flags != driver.StreamDefault {
		klog.V(2).Infof("OpenCL driver ignores stream flags %s", flags)
	}
	var code int32
	queue := d.api.clCreateCommandQueue(uintptr(ctx), deviceID, 0, &code)
	if err := toError(code); err != nil {
		return 0, errors.WithMessage(err, "clCreateCommandQueue")
	}
	return driver.Stream(queue), nil
}

// StreamDestroy implements driver.Driver. It waits for the enqueued work before releasing the queue.
func (d *Driver) StreamDestroy(s driver.Stream) error {
	if err := toError(d.api.clFinish(uintptr(s))); err != nil {
		return errors.WithMessage(err, "clFinish before clReleaseCommandQueue")
	}
	return errors.WithMessage(toError(d.api.clReleaseCommandQueue(uintptr(s))), "clReleaseCommandQueue")
}

// StreamSynchronize implements driver.Driver.
func (d *Driver) StreamSynchronize(s driver.Stream) error {
	return errors.WithMessage(toError(d.api.clFinish(uintptr(s))), "clFinish")
}

// String implements fmt.Stringer.
func (d *Driver) String() string {
	return fmt.Sprintf("OpenCL driver (%s, %d devices)", d.lib.Path(), len(d.devices))
}
