//go:build !(linux || darwin || freebsd)

package driver

import (
	"runtime"

	"github.com/pkg/errors"
)

func openLibrary(path string) (uintptr, error) {
	return 0, errors.Errorf("loading native library %q not supported on %s", path, runtime.GOOS)
}

func lookupSymbol(handle uintptr, name string) (uintptr, error) {
	return 0, errors.Errorf("looking up symbol %q not supported on %s", name, runtime.GOOS)
}

func registerFunc(fptr any, sym uintptr) {
	panic("registerFunc not supported on " + runtime.GOOS)
}
