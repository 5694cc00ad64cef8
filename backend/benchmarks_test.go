package backend

import (
	"testing"

	"github.com/gomlx/aura/driver"
)

// BenchmarkFeedActivation measures the cost of the per-operation context activation, against a pinned Feed.
func BenchmarkFeedActivation(b *testing.B) {
	p, _ := newHostPlatform(1)
	d := must1(p.NewDevice(0))
	f := must1(NewFeed(d))
	noop := func(driver.Stream) error { return nil }

	b.Run("normal", func(b *testing.B) {
		for b.Loop() {
			must(f.Do(noop))
		}
	})
	b.Run("pinned", func(b *testing.B) {
		must(f.Pin())
		for b.Loop() {
			must(f.Do(noop))
		}
		must(f.Unpin())
	})
	must(f.Destroy())
	must(d.Destroy())
}

// BenchmarkCopyRoundTrip measures a host to device and back copy of 1024 floats, with synchronization.
func BenchmarkCopyRoundTrip(b *testing.B) {
	const n = 1024
	p, _ := newHostPlatform(1)
	d := must1(p.NewDevice(0))
	f := must1(NewFeed(d))
	a := must1(NewDeviceArray[float32](n, d))
	src, dst := make([]float32, n), make([]float32, n)
	b.SetBytes(2 * n * 4)
	for b.Loop() {
		must(CopyToArray(a, src, f))
		must(CopyFromArray(dst, a, f))
		must(f.Synchronize())
	}
	must(a.Destroy())
	must(f.Destroy())
	must(d.Destroy())
}
