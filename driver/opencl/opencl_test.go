package opencl

import (
	"fmt"
	"runtime"
	"testing"
	"unsafe"

	"github.com/gomlx/aura/driver"
	"github.com/stretchr/testify/require"
)

// getDriver loads libOpenCL, or skips the test if it is not available.
func getDriver(t *testing.T) *Driver {
	d, err := Load()
	if err != nil {
		t.Skipf("OpenCL not available: %v", err)
	}
	count, err := d.DeviceCount()
	require.NoError(t, err)
	if count == 0 {
		t.Skip("no OpenCL devices")
	}
	return d
}

func TestOpenCLRoundTrip(t *testing.T) {
	d := getDriver(t)
	fmt.Printf("Testing on %s\n", d)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	dev, err := d.DeviceGet(0)
	require.NoError(t, err)
	name, err := d.DeviceName(dev)
	require.NoError(t, err)
	require.NotEmpty(t, name)
	ctx, err := d.CtxCreate(dev)
	require.NoError(t, err)
	require.NoError(t, d.CtxPushCurrent(ctx))
	require.Equal(t, ctx, d.threads.Current())
	s, err := d.StreamCreate(ctx, driver.StreamDefault)
	require.NoError(t, err)

	const n = 1024
	src := make([]int32, n)
	for i := range src {
		src[i] = int32(-i)
	}
	ptr, err := d.MemAlloc(ctx, n*4)
	require.NoError(t, err)
	require.NoError(t, d.MemcpyHtoDAsync(ptr, 0, unsafe.Pointer(&src[0]), n*4, s))
	dst := make([]int32, n/2)
	require.NoError(t, d.MemcpyDtoHAsync(unsafe.Pointer(&dst[0]), ptr, 4*(n/2), 4*(n/2), s))
	require.NoError(t, d.StreamSynchronize(s))
	require.Equal(t, src[n/2:], dst)

	_, err = d.ModuleLoad(ctx, []byte("__kernel void broken( {"))
	require.ErrorContains(t, err, "build log")

	require.NoError(t, d.MemFree(ptr))
	require.NoError(t, d.StreamDestroy(s))
	popped, err := d.CtxPopCurrent()
	require.NoError(t, err)
	require.Equal(t, ctx, popped)
	require.NoError(t, d.CtxDestroy(ctx))
}

func TestToError(t *testing.T) {
	require.NoError(t, toError(clSuccess))
	require.ErrorContains(t, toError(-5), "CL_OUT_OF_RESOURCES")
	require.ErrorContains(t, toError(-9999), "CL_UNKNOWN_ERROR")
}
