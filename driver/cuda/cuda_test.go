package cuda

import (
	"fmt"
	"runtime"
	"testing"
	"unsafe"

	"github.com/gomlx/aura/driver"
	"github.com/stretchr/testify/require"
)

// getDriver loads libcuda, or skips the test if it is not available.
func getDriver(t *testing.T) *Driver {
	d, err := Load()
	if err != nil {
		t.Skipf("CUDA not available: %v", err)
	}
	count, err := d.DeviceCount()
	require.NoError(t, err)
	if count == 0 {
		t.Skip("no CUDA devices")
	}
	return d
}

func TestCUDARoundTrip(t *testing.T) {
	d := getDriver(t)
	fmt.Printf("Testing on %s\n", d)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	dev, err := d.DeviceGet(0)
	require.NoError(t, err)
	ctx, err := d.CtxCreate(dev)
	require.NoError(t, err)
	require.NoError(t, d.CtxPushCurrent(ctx))
	s, err := d.StreamCreate(ctx, driver.StreamNonBlocking)
	require.NoError(t, err)

	const n = 1024
	src := make([]float32, n)
	for i := range src {
		src[i] = float32(i)
	}
	ptr, err := d.MemAlloc(ctx, n*4)
	require.NoError(t, err)
	require.NoError(t, d.MemcpyHtoDAsync(ptr, 0, unsafe.Pointer(&src[0]), n*4, s))
	dst := make([]float32, n/2)
	require.NoError(t, d.MemcpyDtoHAsync(unsafe.Pointer(&dst[0]), ptr, 4*(n/2), 4*(n/2), s))
	require.NoError(t, d.StreamSynchronize(s))
	require.Equal(t, src[n/2:], dst)

	require.NoError(t, d.MemFree(ptr))
	require.NoError(t, d.StreamDestroy(s))
	popped, err := d.CtxPopCurrent()
	require.NoError(t, err)
	require.Equal(t, ctx, popped)
	require.NoError(t, d.CtxDestroy(ctx))
}
