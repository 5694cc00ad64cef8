//go:build linux

package driver

import "golang.org/x/sys/unix"

// ThreadID returns the id of the calling OS thread.
func ThreadID() int {
	return unix.Gettid()
}
