package backend

import (
	"math"
	"testing"

	"github.com/gomlx/aura/driver"
	"github.com/gomlx/aura/driver/host"
	"github.com/stretchr/testify/require"
)

func init() {
	// test_scale(out, in *float32, factor float32, n uint32)
	host.RegisterKernel("test_scale", func(l *host.Launch) error {
		outPtr, err := l.Pointer(0)
		if err != nil {
			return err
		}
		inPtr, err := l.Pointer(1)
		if err != nil {
			return err
		}
		factorBits, err := l.Uint32(2)
		if err != nil {
			return err
		}
		n, err := l.Uint32(3)
		if err != nil {
			return err
		}
		out, err := host.Slice[float32](l, outPtr, int(n))
		if err != nil {
			return err
		}
		in, err := host.Slice[float32](l, inPtr, int(n))
		if err != nil {
			return err
		}
		factor := math.Float32frombits(factorBits)
		for i := range min(int(n), l.Threads()) {
			out[i] = in[i] * factor
		}
		return nil
	})
}

func TestInvoke(t *testing.T) {
	const n = 100
	p, drv := newHostPlatform(1)
	d := capture(p.NewDevice(0)).Test(t)
	f := capture(NewFeed(d)).Test(t)
	m := capture(LoadModule(d, host.ModuleImage("test_scale"))).Test(t)
	k := capture(m.Kernel("test_scale")).Test(t)
	require.Same(t, k, capture(m.Kernel("test_scale")).Test(t), "kernels are cached by the Module")
	require.Equal(t, "test_scale", k.Name())
	require.Equal(t, d, m.Device())

	in := capture(NewDeviceArray[float32](n, d)).Test(t)
	out := capture(NewDeviceArray[float32](n, d)).Test(t)
	src := make([]float32, n)
	for i := range src {
		src[i] = float32(i)
	}
	require.NoError(t, CopyToArray(in, src, f))

	outPtr, inPtr := out.Begin().Ptr, in.Begin().Ptr
	factor, size := float32(1.5), uint32(n)
	args := capture(PackArgs(&outPtr, &inPtr, &factor, &size)).Test(t)
	grid, block := Grid1D(n, 32)
	require.NoError(t, Invoke(k, grid, block, &args, f))

	dst := make([]float32, n)
	require.NoError(t, CopyFromArray(dst, out, f))
	require.NoError(t, f.Synchronize())
	for i := range dst {
		require.Equal(t, src[i]*1.5, dst[i])
	}
	require.Equal(t, int64(1), drv.Stats().Launches)

	// Feed of another device.
	d2 := capture(p.NewDevice(0)).Test(t)
	f2 := capture(NewFeed(d2)).Test(t)
	require.ErrorIs(t, Invoke(k, grid, block, &args, f2), ErrInvalidOperation)
	require.NoError(t, f2.Destroy())
	require.NoError(t, d2.Destroy())

	// Driver failure of the launch.
	drv.InjectFault(host.OpLaunchKernel, errTest)
	err := Invoke(k, grid, block, &args, f)
	require.ErrorIs(t, err, ErrFeed)
	require.ErrorIs(t, err, errTest)

	require.NoError(t, m.Destroy())
	require.NoError(t, m.Destroy())
	_, err = m.Kernel("test_scale")
	require.ErrorIs(t, err, ErrInvalidOperation)
	require.ErrorIs(t, Invoke(k, grid, block, &args, f), ErrInvalidOperation)

	for _, closer := range []interface{ Destroy() error }{in, out, f, d} {
		require.NoError(t, closer.Destroy())
	}
}

func TestLoadModuleErrors(t *testing.T) {
	p, drv := newHostPlatform(1)
	d := capture(p.NewDevice(0)).Test(t)
	_, err := LoadModule(d, host.ModuleImage("no_such_kernel"))
	require.ErrorIs(t, err, ErrDevice)
	m := capture(LoadModule(d, host.ModuleImage("test_scale"))).Test(t)
	_, err = m.Kernel("test_other")
	require.ErrorIs(t, err, ErrDevice)
	require.NoError(t, m.Destroy())
	require.Equal(t, 0, drv.ContextDepth())
	require.NoError(t, d.Destroy())
}

func TestCachedModule(t *testing.T) {
	p, _ := newHostPlatform(1)
	d := capture(p.NewDevice(0)).Test(t)
	var loads int
	image := func() ([]byte, error) {
		loads++
		return host.ModuleImage("test_scale"), nil
	}
	m1 := capture(d.CachedModule("test", image)).Test(t)
	m2 := capture(d.CachedModule("test", image)).Test(t)
	require.Same(t, m1, m2)
	require.Equal(t, 1, loads)

	// Cached modules are unloaded with the device.
	require.NoError(t, d.Destroy())
	_, err := m1.Kernel("test_scale")
	require.ErrorIs(t, err, ErrInvalidOperation)
}

func TestGrid1D(t *testing.T) {
	for _, tc := range []struct {
		n, blockSize, blocks, threads int
	}{
		{1, 128, 1, 128},
		{128, 128, 1, 128},
		{129, 128, 2, 128},
		{1000, 256, 4, 256},
		{0, 64, 1, 64},
		{5, 0, 5, 1},
	} {
		grid, block := Grid1D(tc.n, tc.blockSize)
		require.Equal(t, driver.Dim3{X: tc.blocks, Y: 1, Z: 1}, grid, "n=%d, blockSize=%d", tc.n, tc.blockSize)
		require.Equal(t, driver.Dim3{X: tc.threads, Y: 1, Z: 1}, block)
		require.GreaterOrEqual(t, grid.Size()*block.Size(), tc.n)
	}
}
