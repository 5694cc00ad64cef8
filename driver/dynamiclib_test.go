package driver

import (
	"fmt"
	"os"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadLibrary(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skipf("test uses libc.so.6, only on linux")
	}
	lib, err := LoadLibrary("libc", "libc.so.6")
	require.NoError(t, err)
	fmt.Printf("Loaded %s\n", lib)

	// Checks cache works.
	lib2, err := LoadLibrary("libc")
	require.NoError(t, err)
	require.Same(t, lib, lib2)

	var getpid func() int32
	require.NoError(t, lib.Bind(&getpid, "getpid"))
	require.Equal(t, os.Getpid(), int(getpid()))
	require.Error(t, lib.Bind(&getpid, "milliways_getpid"))

	// Checks non-existent library.
	_, err = LoadLibrary("milliways", "libmilliways.so.42")
	fmt.Printf("Loading milliways library, expected error: %v\n", err)
	require.ErrorContains(t, err, LibraryPathEnv)
}

func TestLibrarySearchPaths(t *testing.T) {
	paths := LibrarySearchPaths()
	require.Equal(t, osDefaultLibraryPaths(), paths[len(paths)-len(osDefaultLibraryPaths()):])
	for _, p := range paths {
		require.NotEmpty(t, p)
	}
}
