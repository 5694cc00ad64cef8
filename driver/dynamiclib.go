package driver

import (
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// This file holds the search and caching of the native libraries (libcuda, libOpenCL) loaded at run time.
// The actual dlopen/dlsym calls are in dynamiclib_dlopen.go (or the stub for unsupported OSes).

// LibraryPathEnv is the name of the environment variable that defines the directories searched for native
// libraries, before the system defaults. It is a ":" separated list.
const LibraryPathEnv = "AURA_LIBRARY_PATH"

var (
	// librarySearchPaths is set during initialization from AURA_LIBRARY_PATH and the OS defaults.
	librarySearchPaths []string

	// loadedLibraries caches the handles already opened, by the name requested. Protected by muLibraries.
	loadedLibraries = make(map[string]*Library)
	muLibraries     sync.Mutex
)

func init() {
	if envPaths, found := os.LookupEnv(LibraryPathEnv); found {
		librarySearchPaths = slices.DeleteFunc(strings.Split(envPaths, ":"), func(p string) bool {
			return p == "" // Remove empty paths.
		})
	}
	librarySearchPaths = append(librarySearchPaths, osDefaultLibraryPaths()...)
}

// osDefaultLibraryPaths where vendors usually install their drivers.
// dlopen's own search (LD_LIBRARY_PATH, ld.so.cache) is always tried last.
func osDefaultLibraryPaths() []string {
	switch runtime.GOOS {
	case "linux":
		return []string{
			"/usr/local/cuda/lib64",
			"/usr/lib/x86_64-linux-gnu",
			"/usr/lib/aarch64-linux-gnu",
			"/usr/lib64",
			"/usr/lib/wsl/lib",
			"/opt/rocm/lib",
		}
	case "darwin":
		return []string{"/System/Library/Frameworks/OpenCL.framework"}
	default:
		return nil
	}
}

// LibrarySearchPaths returns the directories searched by LoadLibrary, in order.
func LibrarySearchPaths() []string {
	return slices.Clone(librarySearchPaths)
}

// Library is an opened native shared library.
type Library struct {
	name, path string
	handle     uintptr
}

// Path from where the library was loaded.
func (l *Library) Path() string { return l.path }

// String implements fmt.Stringer.
func (l *Library) String() string { return l.name + " (" + l.path + ")" }

// LoadLibrary opens the first of the candidate file names found, searching first the LibrarySearchPaths and then
// letting the dynamic loader search its own paths. Libraries are cached: loading the same name twice returns
// the same Library.
//
// It is safe to call from different goroutines.
func LoadLibrary(name string, candidates ...string) (*Library, error) {
	muLibraries.Lock()
	defer muLibraries.Unlock()
	if lib, found := loadedLibraries[name]; found {
		return lib, nil
	}
	if len(candidates) == 0 {
		candidates = []string{name}
	}

	var tried []string
	for _, dir := range librarySearchPaths {
		for _, candidate := range candidates {
			libPath := filepath.Join(dir, candidate)
			if _, err := os.Stat(libPath); err != nil {
				continue
			}
			tried = append(tried, libPath)
			handle, err := openLibrary(libPath)
			if err != nil {
				klog.V(1).Infof("failed to open %s: %v", libPath, err)
				continue
			}
			return cacheLibrary(name, libPath, handle), nil
		}
	}
	for _, candidate := range candidates {
		tried = append(tried, candidate)
		handle, err := openLibrary(candidate)
		if err != nil {
			klog.V(1).Infof("failed to open %s: %v", candidate, err)
			continue
		}
		return cacheLibrary(name, candidate, handle), nil
	}
	return nil, errors.Errorf("native library %q not found (tried %v): set %s to the directory(ies) where it is installed",
		name, tried, LibraryPathEnv)
}

func cacheLibrary(name, libPath string, handle uintptr) *Library {
	klog.V(1).Infof("loaded native library %q from %s", name, libPath)
	lib := &Library{name: name, path: libPath, handle: handle}
	loadedLibraries[name] = lib
	return lib
}

// Bind sets fptr (a pointer to a Go function variable) to call the named C symbol of the library.
// See purego.RegisterFunc for the supported argument types.
func (l *Library) Bind(fptr any, symbol string) error {
	sym, err := lookupSymbol(l.handle, symbol)
	if err != nil {
		return errors.WithMessagef(err, "symbol %q not found in %s", symbol, l)
	}
	registerFunc(fptr, sym)
	return nil
}

// BindAll binds every symbol in the map, returning the first error.
func (l *Library) BindAll(symbols map[string]any) error {
	for symbol, fptr := range symbols {
		if err := l.Bind(fptr, symbol); err != nil {
			return err
		}
	}
	return nil
}
