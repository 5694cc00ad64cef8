package backend

import (
	"runtime"
	"testing"

	"github.com/gomlx/aura/driver"
	"github.com/gomlx/aura/driver/host"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestNewDevice(t *testing.T) {
	p := getPlatform(t)
	count := capture(p.DeviceCount()).Test(t)
	for ordinal := range count {
		d1 := capture(p.NewDevice(ordinal)).Test(t)
		d2 := capture(p.NewDevice(ordinal)).Test(t)
		require.NotZero(t, d1.Context())
		require.NotEqual(t, d1.Context(), d2.Context(), "each Device must have its own context")
		require.Equal(t, d1.Handle(), d2.Handle())
		require.Equal(t, ordinal, d1.Ordinal())
		require.NotEmpty(t, d1.Name())
		require.Equal(t, p, d1.Platform())

		// Destroying one device doesn't affect the other.
		require.NoError(t, d1.Destroy())
		require.Zero(t, d1.Context())
		f := capture(NewFeed(d2)).Test(t)
		require.NoError(t, f.Synchronize())
		require.NoError(t, f.Destroy())
		require.NoError(t, d2.Destroy())
	}
}

func TestNewDeviceErrors(t *testing.T) {
	p, drv := newHostPlatform(2)
	_, err := p.NewDevice(-1)
	require.ErrorIs(t, err, ErrDevice)
	_, err = p.NewDevice(2)
	require.ErrorIs(t, err, ErrDevice)

	injected := errors.New("out of contexts")
	drv.InjectFault(host.OpCtxCreate, injected)
	_, err = p.NewDevice(0)
	require.ErrorIs(t, err, ErrDevice)
	require.ErrorIs(t, err, injected)
	var backendErr *Error
	require.ErrorAs(t, err, &backendErr)
	require.Equal(t, "NewDevice", backendErr.Op)

	_, err = GetPlatform("quantum")
	require.ErrorIs(t, err, ErrDevice)
}

func TestDeviceSetUnset(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	p, drv := newHostPlatform(2)
	d0 := capture(p.NewDevice(0)).Test(t)
	d1 := capture(p.NewDevice(1)).Test(t)
	require.Equal(t, 0, drv.ContextDepth())

	require.NoError(t, d0.Set())
	require.Equal(t, d0.Context(), capture(drv.CtxGetCurrent()).Test(t))
	require.NoError(t, d1.Set())
	require.Equal(t, d1.Context(), capture(drv.CtxGetCurrent()).Test(t))
	require.Equal(t, 2, drv.ContextDepth())
	require.NoError(t, d1.Unset())
	require.Equal(t, d0.Context(), capture(drv.CtxGetCurrent()).Test(t))
	require.NoError(t, d0.Unset())
	require.Equal(t, 0, drv.ContextDepth())

	// Unbalanced: d1 unsets the context pushed by d0.
	require.NoError(t, d0.Set())
	require.ErrorIs(t, d1.Unset(), ErrDevice)
	require.Equal(t, 0, drv.ContextDepth())

	// Nothing to pop.
	require.ErrorIs(t, d0.Unset(), ErrDevice)

	require.NoError(t, d0.Destroy())
	require.NoError(t, d1.Destroy())
}

func TestDevicePin(t *testing.T) {
	p, drv := newHostPlatform(1)
	d := capture(p.NewDevice(0)).Test(t)
	f := capture(NewFeed(d)).Test(t)

	require.ErrorIs(t, d.Unpin(), ErrInvalidOperation)
	require.NoError(t, d.Pin())
	require.True(t, d.IsPinned())
	require.ErrorIs(t, d.Pin(), ErrInvalidOperation)
	pushes := drv.Stats().CtxPushes
	for range 10 {
		require.NoError(t, d.Set())
		require.NoError(t, f.Set())
		require.NoError(t, f.Unset())
		require.NoError(t, d.Unset())
	}
	require.NoError(t, f.Synchronize())
	require.Equal(t, pushes, drv.Stats().CtxPushes, "pinned device must not be re-activated")
	require.Equal(t, 1, drv.ContextDepth())
	require.NoError(t, d.Unpin())
	require.False(t, d.IsPinned())
	require.Equal(t, 0, drv.ContextDepth())

	require.NoError(t, f.Synchronize())
	require.Equal(t, pushes+1, drv.Stats().CtxPushes)
	require.NoError(t, f.Destroy())
	require.NoError(t, d.Destroy())
}

func TestFeedPinOnPinnedDevice(t *testing.T) {
	p, drv := newHostPlatform(1)
	d := capture(p.NewDevice(0)).Test(t)
	f := capture(NewFeed(d)).Test(t)

	// Device unpinned before the Feed: the Feed keeps its own activation.
	require.NoError(t, d.Pin())
	require.NoError(t, f.Pin())
	require.Equal(t, 2, drv.ContextDepth())
	require.NoError(t, d.Unpin())
	require.Equal(t, 1, drv.ContextDepth())
	pushes := drv.Stats().CtxPushes
	require.NoError(t, f.Synchronize())
	require.Equal(t, pushes, drv.Stats().CtxPushes)
	require.Equal(t, d.Context(), capture(drv.CtxGetCurrent()).Test(t))
	require.NoError(t, f.Unpin())
	require.Equal(t, 0, drv.ContextDepth())

	// Feed unpinned before the Device.
	require.NoError(t, f.Pin())
	require.NoError(t, d.Pin())
	require.NoError(t, f.Unpin())
	require.Equal(t, 1, drv.ContextDepth())
	require.NoError(t, f.Synchronize())
	require.NoError(t, d.Unpin())
	require.Equal(t, 0, drv.ContextDepth())

	// Destroying a Feed pinned on a pinned Device pops only the Feed's context.
	require.NoError(t, d.Pin())
	require.NoError(t, f.Pin())
	require.NoError(t, f.Destroy())
	require.Equal(t, 1, drv.ContextDepth())
	require.NoError(t, d.Unpin())
	require.Equal(t, 0, drv.ContextDepth())
	require.NoError(t, d.Destroy())
}

func TestDeviceUnsetFailureKeepsThreadLocked(t *testing.T) {
	p, drv := newHostPlatform(1)
	d := capture(p.NewDevice(0)).Test(t)
	var unsetErr, setErr error
	sameThread := true
	done := make(chan struct{})
	go func() {
		defer close(done)
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		tid := driver.ThreadID()
		// Nothing to pop: the goroutine's own lock must survive the failure.
		unsetErr = d.Unset()
		for range 100 {
			runtime.Gosched()
			sameThread = sameThread && tid == driver.ThreadID()
		}
		setErr = d.Set()
		if setErr == nil {
			setErr = d.Unset()
		}
	}()
	<-done
	require.ErrorIs(t, unsetErr, ErrDevice)
	require.NoError(t, setErr)
	require.True(t, sameThread)
	require.Equal(t, 0, drv.ContextDepth())
	require.NoError(t, d.Destroy())
}

func TestDeviceDestroy(t *testing.T) {
	p, drv := newHostPlatform(1)
	alive := DevicesAlive()
	d := capture(p.NewDevice(0)).Test(t)
	require.Equal(t, alive+1, DevicesAlive())
	require.NoError(t, d.Destroy())
	require.NoError(t, d.Destroy())
	require.Equal(t, alive, DevicesAlive())
	require.Equal(t, int64(1), drv.Stats().ContextsDestroyed)
	require.ErrorIs(t, d.Set(), ErrInvalidOperation)
	_, err := NewFeed(d)
	require.ErrorIs(t, err, ErrInvalidOperation)

	// Destroying a pinned device unpins it first.
	d = capture(p.NewDevice(0)).Test(t)
	require.NoError(t, d.Pin())
	require.NoError(t, d.Destroy())
	require.Equal(t, 0, drv.ContextDepth())
}
