// Package cuda implements driver.Driver over the CUDA driver API (libcuda), loaded at run time with purego:
// no cgo, no CUDA toolkit is needed to build, only the NVIDIA driver to run.
package cuda

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/gomlx/aura/driver"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Name of the CUDA driver.
const Name = "cuda"

// result is CUresult.
type result int32

const (
	cudaSuccess result = 0

	cuStreamNonBlocking = 0x1
)

// api holds the bound libcuda functions.
type api struct {
	cuInit              func(flags uint32) result
	cuDriverGetVersion  func(version *int32) result
	cuGetErrorName      func(code result, str **byte) result
	cuDeviceGetCount    func(count *int32) result
	cuDeviceGet         func(device *int32, ordinal int32) result
	cuDeviceGetName     func(name *byte, length int32, device int32) result
	cuCtxCreate         func(ctx *uintptr, flags uint32, device int32) result
	cuCtxDestroy        func(ctx uintptr) result
	cuCtxPushCurrent    func(ctx uintptr) result
	cuCtxPopCurrent     func(ctx *uintptr) result
	cuCtxGetCurrent     func(ctx *uintptr) result
	cuStreamCreate      func(stream *uintptr, flags uint32) result
	cuStreamDestroy     func(stream uintptr) result
	cuStreamSynchronize func(stream uintptr) result
	cuMemAlloc          func(ptr *uintptr, bytes uint64) result
	cuMemFree           func(ptr uintptr) result
	cuMemcpyHtoDAsync   func(dst uintptr, src unsafe.Pointer, bytes uint64, stream uintptr) result
	cuMemcpyDtoHAsync   func(dst unsafe.Pointer, src uintptr, bytes uint64, stream uintptr) result
	cuMemcpyDtoDAsync   func(dst uintptr, src uintptr, bytes uint64, stream uintptr) result
	cuModuleLoadData    func(module *uintptr, image unsafe.Pointer) result
	cuModuleUnload      func(module uintptr) result
	cuModuleGetFunction func(fn *uintptr, module uintptr, name string) result
	cuLaunchKernel      func(fn uintptr, gridX, gridY, gridZ, blockX, blockY, blockZ uint32, sharedMem uint32, stream uintptr, params unsafe.Pointer, extra unsafe.Pointer) result
}

func (a *api) symbols() map[string]any {
	return map[string]any{
		"cuInit":               &a.cuInit,
		"cuDriverGetVersion":   &a.cuDriverGetVersion,
		"cuGetErrorName":       &a.cuGetErrorName,
		"cuDeviceGetCount":     &a.cuDeviceGetCount,
		"cuDeviceGet":          &a.cuDeviceGet,
		"cuDeviceGetName":      &a.cuDeviceGetName,
		"cuCtxCreate_v2":       &a.cuCtxCreate,
		"cuCtxDestroy_v2":      &a.cuCtxDestroy,
		"cuCtxPushCurrent_v2":  &a.cuCtxPushCurrent,
		"cuCtxPopCurrent_v2":   &a.cuCtxPopCurrent,
		"cuCtxGetCurrent":      &a.cuCtxGetCurrent,
		"cuStreamCreate":       &a.cuStreamCreate,
		"cuStreamDestroy_v2":   &a.cuStreamDestroy,
		"cuStreamSynchronize":  &a.cuStreamSynchronize,
		"cuMemAlloc_v2":        &a.cuMemAlloc,
		"cuMemFree_v2":         &a.cuMemFree,
		"cuMemcpyHtoDAsync_v2": &a.cuMemcpyHtoDAsync,
		"cuMemcpyDtoHAsync_v2": &a.cuMemcpyDtoHAsync,
		"cuMemcpyDtoDAsync_v2": &a.cuMemcpyDtoDAsync,
		"cuModuleLoadData":     &a.cuModuleLoadData,
		"cuModuleUnload":       &a.cuModuleUnload,
		"cuModuleGetFunction":  &a.cuModuleGetFunction,
		"cuLaunchKernel":       &a.cuLaunchKernel,
	}
}

// Driver implements driver.Driver for CUDA.
type Driver struct {
	lib *driver.Library
	api api
}

var _ driver.Driver = (*Driver)(nil)

var (
	muLoad     sync.Mutex
	loadedOnce *Driver
)

// Load opens libcuda, binds the driver API and calls cuInit. The driver is a singleton: further calls return
// the same instance.
func Load() (*Driver, error) {
	muLoad.Lock()
	defer muLoad.Unlock()
	if loadedOnce != nil {
		return loadedOnce, nil
	}
	lib, err := driver.LoadLibrary("cuda", libraryNames()...)
	if err != nil {
		return nil, err
	}
	d := &Driver{lib: lib}
	if err = lib.BindAll(d.api.symbols()); err != nil {
		return nil, errors.WithMessagef(err, "failed to bind CUDA driver API from %s", lib)
	}
	if err = d.toError(d.api.cuInit(0)); err != nil {
		return nil, errors.WithMessage(err, "cuInit failed")
	}
	klog.V(1).Infof("CUDA driver initialized from %s", lib)
	loadedOnce = d
	return d, nil
}

func libraryNames() []string {
	if runtime.GOOS == "windows" {
		return []string{"nvcuda.dll"}
	}
	return []string{"libcuda.so.1", "libcuda.so"}
}

// toError converts a CUresult to a Go error, with a stack trace. It returns nil for CUDA_SUCCESS.
func (d *Driver) toError(code result) error {
	if code == cudaSuccess {
		return nil
	}
	return errors.Errorf("CUDA error %s (code=%d)", d.errorName(code), code)
}

func (d *Driver) errorName(code result) string {
	var str *byte
	if d.api.cuGetErrorName == nil || d.api.cuGetErrorName(code, &str) != cudaSuccess || str == nil {
		return "CUDA_ERROR_UNKNOWN"
	}
	return goString(str)
}

// goString copies a NUL terminated C string.
func goString(p *byte) string {
	if p == nil {
		return ""
	}
	var n int
	for *(*byte)(unsafe.Add(unsafe.Pointer(p), n)) != 0 {
		n++
	}
	return string(unsafe.Slice(p, n))
}

// Name implements driver.Driver.
func (d *Driver) Name() string { return Name }

// Version implements driver.Driver.
func (d *Driver) Version() (string, error) {
	var v int32
	if err := d.toError(d.api.cuDriverGetVersion(&v)); err != nil {
		return "", err
	}
	return fmt.Sprintf("CUDA %d.%d", v/1000, (v%1000)/10), nil
}

// DeviceCount implements driver.Driver.
func (d *Driver) DeviceCount() (int, error) {
	var n int32
	if err := d.toError(d.api.cuDeviceGetCount(&n)); err != nil {
		return 0, err
	}
	return int(n), nil
}

// DeviceGet implements driver.Driver. CUdevice values are small integers and may be 0: the handle returned is
// the CUdevice plus one.
func (d *Driver) DeviceGet(ordinal int) (driver.DeviceHandle, error) {
	var dev int32
	if err := d.toError(d.api.cuDeviceGet(&dev, int32(ordinal))); err != nil {
		return 0, errors.WithMessagef(err, "cuDeviceGet(%d)", ordinal)
	}
	return driver.DeviceHandle(dev + 1), nil
}

func cuDevice(dev driver.DeviceHandle) int32 {
	return int32(dev) - 1
}

// DeviceName implements driver.Driver.
func (d *Driver) DeviceName(dev driver.DeviceHandle) (string, error) {
	buf := make([]byte, 256)
	if err := d.toError(d.api.cuDeviceGetName(&buf[0], int32(len(buf)), cuDevice(dev))); err != nil {
		return "", err
	}
	return goString(&buf[0]), nil
}

// CtxCreate implements driver.Driver. cuCtxCreate leaves the new context current, so it is popped before
// returning.
func (d *Driver) CtxCreate(dev driver.DeviceHandle) (driver.Context, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	var ctx uintptr
	if err := d.toError(d.api.cuCtxCreate(&ctx, 0, cuDevice(dev))); err != nil {
		return 0, errors.WithMessagef(err, "cuCtxCreate(device=%d)", cuDevice(dev))
	}
	var popped uintptr
	if err := d.toError(d.api.cuCtxPopCurrent(&popped)); err != nil {
		_ = d.api.cuCtxDestroy(ctx)
		return 0, errors.WithMessage(err, "cuCtxPopCurrent after cuCtxCreate")
	}
	return driver.Context(ctx), nil
}

// CtxDestroy implements driver.Driver.
func (d *Driver) CtxDestroy(ctx driver.Context) error {
	return d.toError(d.api.cuCtxDestroy(uintptr(ctx)))
}

// CtxPushCurrent implements driver.Driver.
func (d *Driver) CtxPushCurrent(ctx driver.Context) error {
	return d.toError(d.api.cuCtxPushCurrent(uintptr(ctx)))
}

// CtxPopCurrent implements driver.Driver.
func (d *Driver) CtxPopCurrent() (driver.Context, error) {
	var ctx uintptr
	if err := d.toError(d.api.cuCtxPopCurrent(&ctx)); err != nil {
		return 0, err
	}
	return driver.Context(ctx), nil
}

// CtxGetCurrent implements driver.Driver.
func (d *Driver) CtxGetCurrent() (driver.Context, error) {
	var ctx uintptr
	if err := d.toError(d.api.cuCtxGetCurrent(&ctx)); err != nil {
		return 0, err
	}
	return driver.Context(ctx), nil
}

// StreamCreate implements driver.Driver.
func (d *Driver) StreamCreate(_ driver.Context, flags driver.StreamFlags) (driver.Stream, error) {
	var cuFlags uint32
	if flags&driver.StreamNonBlocking != 0 {
		cuFlags |= cuStreamNonBlocking
	}
	var stream uintptr
	if err := d.toError(d.api.cuStreamCreate(&stream, cuFlags)); err != nil {
		return 0, errors.WithMessage(err, "cuStreamCreate")
	}
	return driver.Stream(stream), nil
}

// StreamDestroy implements driver.Driver.
func (d *Driver) StreamDestroy(s driver.Stream) error {
	return errors.WithMessage(d.toError(d.api.cuStreamDestroy(uintptr(s))), "cuStreamDestroy")
}

// StreamSynchronize implements driver.Driver.
func (d *Driver) StreamSynchronize(s driver.Stream) error {
	return errors.WithMessage(d.toError(d.api.cuStreamSynchronize(uintptr(s))), "cuStreamSynchronize")
}

// String implements fmt.Stringer.
func (d *Driver) String() string {
	version, err := d.Version()
	if err != nil {
		version = "unknown version"
	}
	return fmt.Sprintf("CUDA driver (%s, %s)", d.lib.Path(), version)
}
