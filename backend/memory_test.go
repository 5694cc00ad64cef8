package backend

import (
	"testing"

	"github.com/gomlx/aura/driver/host"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestMallocFree(t *testing.T) {
	p, drv := newHostPlatform(1)
	d := capture(p.NewDevice(0)).Test(t)

	ptr := capture(Malloc[float64](10, d)).Test(t)
	require.False(t, ptr.IsNil())
	require.Equal(t, d, ptr.Device())
	require.Equal(t, int64(1), drv.Stats().Allocations)
	require.Equal(t, 24, ptr.Add(3).ByteOffset())
	require.ErrorIs(t, Free(ptr.Add(1)), ErrInvalidOperation)
	require.NoError(t, Free(ptr))
	require.Equal(t, int64(1), drv.Stats().Frees)
	require.NoError(t, Free(DevicePtr[float64]{}))

	_, err := Malloc[float32](0, d)
	require.ErrorIs(t, err, ErrInvalidOperation)
	injected := errors.New("out of memory")
	drv.InjectFault(host.OpMemAlloc, injected)
	_, err = Malloc[float32](16, d)
	require.ErrorIs(t, err, ErrDevice)
	require.ErrorIs(t, err, injected)
	require.Equal(t, 0, drv.ContextDepth())
	require.NoError(t, d.Destroy())
}

func TestDeviceArray(t *testing.T) {
	p, drv := newHostPlatform(1)
	d := capture(p.NewDevice(0)).Test(t)
	alive := ArraysAlive()
	a := capture(NewDeviceArray[complex64](7, d)).Test(t)
	require.True(t, a.IsValid())
	require.Equal(t, 7, a.Len())
	require.Equal(t, 56, a.Bytes())
	require.Equal(t, d, a.Device())
	require.Equal(t, alive+1, ArraysAlive())
	require.Contains(t, a.String(), "Complex64")

	require.NoError(t, a.Destroy())
	require.NoError(t, a.Destroy())
	require.False(t, a.IsValid())
	require.True(t, a.Begin().IsNil())
	require.Equal(t, alive, ArraysAlive())
	require.Equal(t, int64(1), drv.Stats().Frees)
	require.NoError(t, d.Destroy())
}

func TestCopyRoundTrip(t *testing.T) {
	const n = 1024
	p := getPlatform(t)
	d := capture(p.NewDevice(0)).Test(t)
	f := capture(NewFeed(d)).Test(t)
	a := capture(NewDeviceArray[float32](n, d)).Test(t)
	b := capture(NewDeviceArray[float32](n, d)).Test(t)
	src := make([]float32, n)
	for i := range src {
		src[i] = float32(i) * 0.25
	}
	require.NoError(t, CopyToArray(a, src, f))

	// Device to device, rotated by 10 elements.
	require.NoError(t, CopyDeviceToDevice(b.Begin(), a.Begin().Add(10), n-10, f))
	require.NoError(t, CopyDeviceToDevice(b.Begin().Add(n-10), a.Begin(), 10, f))

	dst := make([]float32, n)
	require.NoError(t, CopyFromArray(dst, b, f))
	require.NoError(t, f.Synchronize())
	for i := range n {
		require.Equal(t, src[(i+10)%n], dst[i], "element %d", i)
	}

	// Partial copy back to the host, from an offset.
	part := make([]float32, 4)
	require.NoError(t, CopyDeviceToHost(part, a.Begin().Add(100), f))
	require.NoError(t, f.Synchronize())
	require.Equal(t, src[100:104], part)

	for _, closer := range []interface{ Destroy() error }{a, b, f, d} {
		require.NoError(t, closer.Destroy())
	}
}

func TestCopyFloat16(t *testing.T) {
	p := getPlatform(t)
	d := capture(p.NewDevice(0)).Test(t)
	f := capture(NewFeed(d)).Test(t)
	src := []float16.Float16{float16.Fromfloat32(1), float16.Fromfloat32(-2.5), float16.Inf(1), float16.Fromfloat32(0.125)}
	a := capture(NewDeviceArray[float16.Float16](len(src), d)).Test(t)
	require.Equal(t, 8, a.Bytes())
	require.NoError(t, CopyToArray(a, src, f))
	dst := make([]float16.Float16, len(src))
	require.NoError(t, CopyFromArray(dst, a, f))
	require.NoError(t, WaitFor(f))
	require.Equal(t, src, dst)
	require.Equal(t, float32(-2.5), dst[1].Float32())

	require.NoError(t, a.Destroy())
	require.NoError(t, f.Destroy())
	require.NoError(t, d.Destroy())
}

func TestCopyErrors(t *testing.T) {
	p, drv := newHostPlatform(2)
	d0 := capture(p.NewDevice(0)).Test(t)
	d1 := capture(p.NewDevice(1)).Test(t)
	f0 := capture(NewFeed(d0)).Test(t)
	a0 := capture(NewDeviceArray[int32](8, d0)).Test(t)
	a1 := capture(NewDeviceArray[int32](8, d1)).Test(t)

	require.ErrorIs(t, CopyToArray(a0, make([]int32, 7), f0), ErrInvalidOperation)
	require.ErrorIs(t, CopyFromArray(make([]int32, 9), a0, f0), ErrInvalidOperation)
	require.ErrorIs(t, CopyToArray(a1, make([]int32, 8), f0), ErrInvalidOperation, "memory of another device")
	require.ErrorIs(t, CopyDeviceToDevice(a0.Begin(), a1.Begin(), 8, f0), ErrInvalidOperation)
	require.ErrorIs(t, CopyDeviceToDevice(a0.Begin(), a0.Begin(), -1, f0), ErrInvalidOperation)
	require.ErrorIs(t, CopyHostToDevice(DevicePtr[int32]{}, make([]int32, 8), f0), ErrInvalidOperation)

	// Out of bounds copies are rejected by the driver.
	err := CopyHostToDevice(a0.Begin().Add(4), make([]int32, 8), f0)
	require.ErrorIs(t, err, ErrFeed)

	injected := errors.New("bus error")
	drv.InjectFault(host.OpMemcpy, injected)
	err = CopyToArray(a0, make([]int32, 8), f0)
	require.ErrorIs(t, err, injected)
	require.Equal(t, 0, drv.ContextDepth())

	empty := f0.Move()
	require.ErrorIs(t, CopyToArray(a0, make([]int32, 8), f0), ErrInvalidOperation)
	require.NoError(t, empty.Destroy())

	for _, closer := range []interface{ Destroy() error }{a0, a1, d0, d1} {
		require.NoError(t, closer.Destroy())
	}
}
