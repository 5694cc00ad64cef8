package backend

import (
	"unsafe"

	"github.com/gomlx/aura/driver"
	"github.com/gomlx/aura/dtypes"
	"github.com/pkg/errors"
)

// The copy functions enqueue one asynchronous native copy on the Feed and return: the data is only guaranteed
// to be copied after the Feed is synchronized. Host slices must stay alive and unchanged until then.
//
// Device memory must belong to the device of the Feed.

// checkFeedDevice returns an error if the memory of d can't be accessed through f.
func checkFeedDevice(op string, d *Device, f *Feed) error {
	feedDevice := f.Device()
	if feedDevice == nil {
		return newErrorf(ErrInvalidOperation, op, "Feed is empty (moved-from or destroyed)")
	}
	if d == nil {
		return newErrorf(ErrInvalidOperation, op, "nil device pointer")
	}
	if d != feedDevice {
		return newErrorf(ErrInvalidOperation, op, "memory of %s can't be copied with a feed of %s", d, feedDevice)
	}
	return nil
}

// CopyHostToDevice enqueues the copy of src to the device memory starting at dst.
func CopyHostToDevice[T dtypes.Supported](dst DevicePtr[T], src []T, f *Feed) error {
	const op = "CopyHostToDevice"
	if err := checkFeedDevice(op, dst.device, f); err != nil {
		return err
	}
	if len(src) == 0 {
		return nil
	}
	bytes := len(src) * dtypes.SizeOf[T]()
	return f.Do(func(stream driver.Stream) error {
		err := dst.device.drv().MemcpyHtoDAsync(dst.Ptr, dst.ByteOffset(), unsafe.Pointer(&src[0]), bytes, stream)
		if err != nil {
			return newError(ErrFeed, op, errors.WithMessagef(err, "copying %d bytes to %s", bytes, dst))
		}
		return nil
	})
}

// CopyDeviceToHost enqueues the copy of len(dst) elements from the device memory starting at src into dst.
func CopyDeviceToHost[T dtypes.Supported](dst []T, src DevicePtr[T], f *Feed) error {
	const op = "CopyDeviceToHost"
	if err := checkFeedDevice(op, src.device, f); err != nil {
		return err
	}
	if len(dst) == 0 {
		return nil
	}
	bytes := len(dst) * dtypes.SizeOf[T]()
	return f.Do(func(stream driver.Stream) error {
		err := src.device.drv().MemcpyDtoHAsync(unsafe.Pointer(&dst[0]), src.Ptr, src.ByteOffset(), bytes, stream)
		if err != nil {
			return newError(ErrFeed, op, errors.WithMessagef(err, "copying %d bytes from %s", bytes, src))
		}
		return nil
	})
}

// CopyDeviceToDevice enqueues the copy of n elements from src to dst, both on the device of the Feed.
func CopyDeviceToDevice[T dtypes.Supported](dst, src DevicePtr[T], n int, f *Feed) error {
	const op = "CopyDeviceToDevice"
	if err := checkFeedDevice(op, dst.device, f); err != nil {
		return err
	}
	if err := checkFeedDevice(op, src.device, f); err != nil {
		return err
	}
	if n < 0 {
		return newErrorf(ErrInvalidOperation, op, "negative number of elements %d", n)
	}
	if n == 0 {
		return nil
	}
	bytes := n * dtypes.SizeOf[T]()
	return f.Do(func(stream driver.Stream) error {
		err := dst.device.drv().MemcpyDtoDAsync(dst.Ptr, dst.ByteOffset(), src.Ptr, src.ByteOffset(), bytes, stream)
		if err != nil {
			return newError(ErrFeed, op, errors.WithMessagef(err, "copying %d bytes from %s to %s", bytes, src, dst))
		}
		return nil
	})
}

// CopyToArray enqueues the copy of src to the array, which must have the same length.
func CopyToArray[T dtypes.Supported](dst *DeviceArray[T], src []T, f *Feed) error {
	if !dst.IsValid() {
		return newErrorf(ErrInvalidOperation, "CopyToArray", "destination array is nil or destroyed")
	}
	if dst.Len() != len(src) {
		return newErrorf(ErrInvalidOperation, "CopyToArray", "array has %d elements, host slice has %d",
			dst.Len(), len(src))
	}
	return CopyHostToDevice(dst.Begin(), src, f)
}

// CopyFromArray enqueues the copy of the array to dst, which must have the same length.
func CopyFromArray[T dtypes.Supported](dst []T, src *DeviceArray[T], f *Feed) error {
	if !src.IsValid() {
		return newErrorf(ErrInvalidOperation, "CopyFromArray", "source array is nil or destroyed")
	}
	if src.Len() != len(dst) {
		return newErrorf(ErrInvalidOperation, "CopyFromArray", "array has %d elements, host slice has %d",
			src.Len(), len(dst))
	}
	return CopyDeviceToHost(dst, src.Begin(), f)
}
