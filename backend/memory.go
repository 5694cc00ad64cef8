package backend

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/gomlx/aura/driver"
	"github.com/gomlx/aura/dtypes"
)

// DevicePtr is a typed pointer to device memory: a native allocation plus an offset in elements.
// The zero value is a nil pointer.
type DevicePtr[T dtypes.Supported] struct {
	Ptr    driver.DevicePtr
	Offset int

	device *Device
}

// Add returns the pointer moved by n elements.
func (p DevicePtr[T]) Add(n int) DevicePtr[T] {
	p.Offset += n
	return p
}

// IsNil returns whether p points to no allocation.
func (p DevicePtr[T]) IsNil() bool {
	return p.Ptr == 0
}

// Device returns the device owning the memory.
func (p DevicePtr[T]) Device() *Device {
	return p.device
}

// ByteOffset returns the offset in bytes.
func (p DevicePtr[T]) ByteOffset() int {
	return p.Offset * dtypes.SizeOf[T]()
}

// String implements fmt.Stringer.
func (p DevicePtr[T]) String() string {
	return fmt.Sprintf("DevicePtr[%s](%#x+%d)", dtypes.FromGenericsType[T](), p.Ptr, p.Offset)
}

// Malloc allocates n elements of type T on the device.
func Malloc[T dtypes.Supported](n int, d *Device) (DevicePtr[T], error) {
	const op = "Malloc"
	if n <= 0 {
		return DevicePtr[T]{}, newErrorf(ErrInvalidOperation, op, "can't allocate %d elements", n)
	}
	bytes := n * dtypes.SizeOf[T]()
	var ptr driver.DevicePtr
	err := d.Do(func(ctx driver.Context) error {
		var err error
		ptr, err = d.drv().MemAlloc(ctx, bytes)
		if err != nil {
			return newError(ErrDevice, op, err)
		}
		return nil
	})
	if err != nil {
		return DevicePtr[T]{}, err
	}
	return DevicePtr[T]{Ptr: ptr, device: d}, nil
}

// Free releases memory allocated with Malloc. The pointer must have no offset.
func Free[T dtypes.Supported](p DevicePtr[T]) error {
	const op = "Free"
	if p.IsNil() {
		return nil
	}
	if p.Offset != 0 {
		return newErrorf(ErrInvalidOperation, op, "can't free %s: it has an offset", p)
	}
	d := p.device
	return d.Do(func(driver.Context) error {
		if err := d.drv().MemFree(p.Ptr); err != nil {
			return newError(ErrDevice, op, err)
		}
		return nil
	})
}

// arrayWrapper holds the native allocation of a DeviceArray, which requires clean up.
type arrayWrapper struct {
	device *Device
	ptr    driver.DevicePtr
}

func (wrapper *arrayWrapper) IsValid() bool {
	return wrapper != nil && wrapper.ptr != 0
}

func (wrapper *arrayWrapper) Destroy() error {
	if !wrapper.IsValid() {
		return nil
	}
	d := wrapper.device
	err := d.Do(func(driver.Context) error {
		return d.drv().MemFree(wrapper.ptr)
	})
	if err != nil {
		return newError(ErrDevice, "DeviceArray.Destroy", err)
	}
	wrapper.ptr = 0
	arraysAlive.Add(-1)
	return nil
}

var arraysAlive atomic.Int64

// ArraysAlive returns the number of DeviceArrays whose memory has not been released yet.
func ArraysAlive() int64 {
	return arraysAlive.Load()
}

// DeviceArray owns n elements of type T allocated on a device.
type DeviceArray[T dtypes.Supported] struct {
	wrapper *arrayWrapper
	n       int
}

// NewDeviceArray allocates an array of n elements on the device.
func NewDeviceArray[T dtypes.Supported](n int, d *Device) (*DeviceArray[T], error) {
	ptr, err := Malloc[T](n, d)
	if err != nil {
		return nil, err
	}
	a := &DeviceArray[T]{wrapper: &arrayWrapper{device: d, ptr: ptr.Ptr}, n: n}
	arraysAlive.Add(1)
	runtime.AddCleanup(a, func(wrapper *arrayWrapper) {
		if err := wrapper.Destroy(); err != nil {
			FinalizeErrorHandler(err)
		}
	}, a.wrapper)
	return a, nil
}

// Len returns the number of elements.
func (a *DeviceArray[T]) Len() int {
	return a.n
}

// Bytes returns the size of the array in bytes.
func (a *DeviceArray[T]) Bytes() int {
	return a.n * dtypes.SizeOf[T]()
}

// Begin returns a pointer to the first element.
func (a *DeviceArray[T]) Begin() DevicePtr[T] {
	if !a.wrapper.IsValid() {
		return DevicePtr[T]{}
	}
	return DevicePtr[T]{Ptr: a.wrapper.ptr, device: a.wrapper.device}
}

// Device returns the device owning the array.
func (a *DeviceArray[T]) Device() *Device {
	return a.wrapper.device
}

// IsValid returns whether the array memory is still allocated.
func (a *DeviceArray[T]) IsValid() bool {
	return a != nil && a.wrapper.IsValid()
}

// Destroy releases the memory. It is a no-op if already destroyed.
// This is automatically called if the DeviceArray is garbage collected.
func (a *DeviceArray[T]) Destroy() error {
	if !a.IsValid() {
		return nil
	}
	return a.wrapper.Destroy()
}

// String implements fmt.Stringer.
func (a *DeviceArray[T]) String() string {
	return fmt.Sprintf("DeviceArray[%s](%d elements on %s)", dtypes.FromGenericsType[T](), a.n, a.wrapper.device)
}
