package driver

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func TestDim3(t *testing.T) {
	require.Equal(t, 1, Dim3{}.Size())
	require.Equal(t, 12, Dim3{X: 3, Y: 4}.Size())
	require.Equal(t, 24, Dim3{X: 3, Y: 4, Z: 2}.Size())
	require.Equal(t, 5, Dim3{X: 5, Y: 0, Z: 0}.Size())
}

func TestStreamFlags(t *testing.T) {
	require.Equal(t, "default", StreamDefault.String())
	require.Equal(t, "non-blocking", StreamNonBlocking.String())
	require.Equal(t, "StreamFlags(7)", StreamFlags(7).String())
}

func TestThreadContexts(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	var tc ThreadContexts
	require.Zero(t, tc.Current())
	require.Zero(t, tc.Depth())
	_, err := tc.Pop()
	require.Error(t, err)

	tc.Push(0x10)
	tc.Push(0x20)
	require.Equal(t, Context(0x20), tc.Current())
	require.Equal(t, 2, tc.Depth())
	popped, err := tc.Pop()
	require.NoError(t, err)
	require.Equal(t, Context(0x20), popped)
	require.Equal(t, Context(0x10), tc.Current())

	tc.Push(0x20)
	tc.Push(0x10)
	tc.Forget(0x10)
	require.Equal(t, 1, tc.Depth())
	require.Equal(t, Context(0x20), tc.Current())
	tc.Forget(0x20)
	require.Zero(t, tc.Depth())
}

func TestThreadContextsPerThread(t *testing.T) {
	if ThreadID() == 0 {
		t.Skipf("thread ids not available on %s", runtime.GOOS)
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	var tc ThreadContexts
	tc.Push(0x10)

	done := make(chan struct{})
	go func() {
		defer close(done)
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		// A different OS thread sees its own, empty, stack.
		if tc.Current() != 0 || tc.Depth() != 0 {
			t.Errorf("other thread sees context %#x, depth %d", tc.Current(), tc.Depth())
		}
		tc.Push(0x30)
		if tc.Current() != 0x30 {
			t.Errorf("other thread current context is %#x, wanted 0x30", tc.Current())
		}
	}()
	<-done
	require.Equal(t, Context(0x10), tc.Current())
	require.Equal(t, 1, tc.Depth())
}
