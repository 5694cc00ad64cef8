//go:build !linux

package driver

// ThreadID returns 0 on platforms where the OS thread id is not exposed: all threads then share one emulated
// stack of current contexts, which is only correct for single-threaded use.
func ThreadID() int {
	return 0
}
