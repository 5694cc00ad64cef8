package coo

import (
	"github.com/gomlx/aura/backend"
	"github.com/pkg/errors"
)

// WriteArray copies the device array to the host through the Feed, waits for it, and writes it to the COO file
// path. If dims is nil, the array is written with one dimension.
func WriteArray[T Element](path string, a *backend.DeviceArray[T], dims []int, f *backend.Feed) error {
	if !a.IsValid() {
		return errors.Wrap(backend.ErrInvalidOperation, "coo.WriteArray: array must be allocated")
	}
	if dims == nil {
		dims = []int{a.Len()}
	}
	if product(dims) != a.Len() {
		return errors.Wrapf(backend.ErrInvalidOperation, "coo.WriteArray: dimensions %v don't match %d elements",
			dims, a.Len())
	}
	data := make([]T, a.Len())
	if err := backend.CopyFromArray(data, a, f); err != nil {
		return err
	}
	if err := backend.WaitFor(f); err != nil {
		return err
	}
	return WriteFile(path, data, dims)
}

// ReadArray reads the COO file path into a new array on the device, copied through the Feed. It waits for the
// copy to complete before returning.
func ReadArray[T Element](path string, d *backend.Device, f *backend.Feed) (*backend.DeviceArray[T], []int, error) {
	data, dims, err := ReadFile[T](path)
	if err != nil {
		return nil, nil, err
	}
	a, err := backend.NewDeviceArray[T](len(data), d)
	if err != nil {
		return nil, nil, err
	}
	err = backend.CopyToArray(a, data, f)
	if err == nil {
		err = backend.WaitFor(f)
	}
	if err != nil {
		if destroyErr := a.Destroy(); destroyErr != nil {
			err = errors.WithMessagef(err, "also failed to release array: %v", destroyErr)
		}
		return nil, nil, err
	}
	return a, dims, nil
}
