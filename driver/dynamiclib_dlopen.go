//go:build linux || darwin || freebsd

package driver

import (
	"github.com/ebitengine/purego"
)

func openLibrary(path string) (uintptr, error) {
	return purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
}

func lookupSymbol(handle uintptr, name string) (uintptr, error) {
	return purego.Dlsym(handle, name)
}

func registerFunc(fptr any, sym uintptr) {
	purego.RegisterFunc(fptr, sym)
}
