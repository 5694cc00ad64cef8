package backend

// Common initialization and testing tools for all test files.

import (
	"flag"
	"fmt"
	"testing"

	"github.com/gomlx/aura/driver/host"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

var flagBackend = flag.String("backend", "host", "platform to run the tests on: host, cuda or opencl")

func init() {
	klog.InitFlags(nil)
}

type errTester[T any] struct {
	value T
	err   error
}

// capture is a shortcut to test that there is no error and return the value.
func capture[T any](value T, err error) errTester[T] {
	return errTester[T]{value, err}
}

func (e errTester[T]) Test(t *testing.T) T {
	require.NoError(t, e.err)
	return e.value
}

func must(err error) {
	if err != nil {
		panic(fmt.Sprintf("Failed: %+v", errors.WithStack(err)))
	}
}

func must1[T any](t T, err error) T {
	must(err)
	return t
}

// getPlatform returns the platform selected by -backend. It skips the test if a native platform is not available.
func getPlatform(t *testing.T) *Platform {
	p, err := GetPlatform(*flagBackend)
	if err != nil && *flagBackend != host.Name {
		t.Skipf("platform %q not available: %v", *flagBackend, err)
	}
	require.NoError(t, err, "Failed to get platform %q", *flagBackend)
	fmt.Printf("Testing on %s\n", p)
	return p
}

// newHostPlatform returns a platform with a dedicated host driver, whose counters are not affected by other tests.
func newHostPlatform(numDevices int) (*Platform, *host.Driver) {
	drv := host.New(host.WithDevices(numDevices))
	return NewPlatform(host.Name, drv), drv
}

// twoDevices returns devices 0 and 1, or device 0 twice if the platform has only one device.
func twoDevices(t *testing.T, p *Platform) (*Device, *Device) {
	count := capture(p.DeviceCount()).Test(t)
	if count == 0 {
		t.Skipf("%s has no devices", p)
	}
	d0 := capture(p.NewDevice(0)).Test(t)
	d1 := capture(p.NewDevice(min(1, count-1))).Test(t)
	return d0, d1
}

var errTest = errors.New("injected test failure")
