// aura_info lists the devices of a platform, and runs a copy round trip and an element-wise division on each
// of them concurrently, one Feed per device.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gomlx/aura/backend"
	"github.com/gomlx/aura/elementwise"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

var (
	flagBackend     = flag.String("backend", "", "Platform to use: cuda, opencl or host. If empty, uses $AURA_BACKEND or the first available.")
	flagNumElements = flag.Int("n", 1024, "Number of float32 elements used in the tests.")
	flagPinned      = flag.Bool("pinned", false, "Pin the feeds during the tests.")
	flagNonBlocking = flag.Bool("nonblocking", backend.DefaultNonBlocking, "Create non-blocking streams.")
	flagList        = flag.Bool("list", false, "Only list the devices, don't run the tests.")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `aura_info lists the devices of a GPU platform and checks each of them with a copy
round trip and an element-wise division.

Usage:
`)
		flag.PrintDefaults()
	}
	klog.InitFlags(flag.CommandLine)
	flag.Parse()

	var platform *backend.Platform
	if *flagBackend == "" {
		platform = must.M1(backend.DefaultPlatform())
	} else {
		platform = must.M1(backend.GetPlatform(*flagBackend))
	}
	count := must.M1(platform.DeviceCount())
	fmt.Printf("%s: %d device(s)\n", platform, count)

	devices := make([]*backend.Device, count)
	for ordinal := range count {
		devices[ordinal] = must.M1(platform.NewDevice(ordinal))
		fmt.Printf("\t#%d: %s\n", ordinal, devices[ordinal].Name())
	}
	if *flagList || count == 0 {
		return
	}

	results := make([]string, count)
	var g errgroup.Group
	for ordinal, d := range devices {
		g.Go(func() error {
			elapsed, err := checkDevice(d, *flagNumElements)
			if err != nil {
				return errors.WithMessagef(err, "device #%d", ordinal)
			}
			results[ordinal] = fmt.Sprintf("\t#%d: ok (%s)", ordinal, elapsed)
			return nil
		})
	}
	err := g.Wait()
	for _, result := range results {
		if result != "" {
			fmt.Println(result)
		}
	}
	for _, d := range devices {
		must.M(d.Destroy())
	}
	if err != nil {
		klog.Fatalf("Failed: %+v", err)
	}
}

// checkDevice copies n floats to the device and back, divides them by themselves on the device and checks the
// results. It returns the time it took.
func checkDevice(d *backend.Device, n int) (time.Duration, error) {
	start := time.Now()
	f, err := backend.NewFeed(d, backend.WithNonBlocking(*flagNonBlocking))
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := f.Destroy(); err != nil {
			klog.Errorf("failed to destroy %s: %+v", f, err)
		}
	}()
	if *flagPinned {
		if err := f.Pin(); err != nil {
			return 0, err
		}
		defer func() {
			if err := f.Unpin(); err != nil {
				klog.Errorf("failed to unpin %s: %+v", f, err)
			}
		}()
	}

	src := make([]float32, n)
	for i := range src {
		src[i] = float32(i + 1)
	}
	var arrays [2]*backend.DeviceArray[float32]
	for i := range arrays {
		arrays[i], err = backend.NewDeviceArray[float32](n, d)
		if err != nil {
			return 0, err
		}
		defer func() {
			if err := arrays[i].Destroy(); err != nil {
				klog.Errorf("failed to destroy %s: %+v", arrays[i], err)
			}
		}()
	}
	if err := backend.CopyToArray(arrays[0], src, f); err != nil {
		return 0, err
	}
	dst := make([]float32, n)
	if err := backend.CopyFromArray(dst, arrays[0], f); err != nil {
		return 0, err
	}
	if err := backend.WaitFor(f); err != nil {
		return 0, err
	}
	for i := range dst {
		if dst[i] != src[i] {
			return 0, errors.Errorf("copy round trip: element %d is %g, wanted %g", i, dst[i], src[i])
		}
	}

	if err := elementwise.Div(arrays[0], arrays[0], arrays[1], f); err != nil {
		return 0, err
	}
	if err := backend.CopyFromArray(dst, arrays[1], f); err != nil {
		return 0, err
	}
	if err := backend.WaitFor(f); err != nil {
		return 0, err
	}
	for i := range dst {
		if dst[i] != 1 {
			return 0, errors.Errorf("Div: element %d is %g, wanted 1", i, dst[i])
		}
	}
	return time.Since(start), nil
}
