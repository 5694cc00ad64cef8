package backend

import (
	"os"
	"strconv"

	"github.com/gomlx/aura/driver/cuda"
	"github.com/gomlx/aura/driver/host"
	"github.com/gomlx/aura/driver/opencl"
	"k8s.io/klog/v2"
)

const (
	// BackendEnv is the environment variable with the name of the default platform: "cuda", "opencl" or "host".
	BackendEnv = "AURA_BACKEND"

	// NonBlockingStreamsEnv is the environment variable that, if set to true, makes feeds use non-blocking
	// streams by default. See WithNonBlocking.
	NonBlockingStreamsEnv = "AURA_NONBLOCKING_STREAMS"
)

// DefaultPlatformOrder is the order in which platforms are tried by DefaultPlatform, if BackendEnv is not set.
var DefaultPlatformOrder = []string{cuda.Name, opencl.Name, host.Name}

// DefaultNonBlocking is the default for WithNonBlocking. It is read from NonBlockingStreamsEnv at start up.
var DefaultNonBlocking = nonBlockingFromEnv()

func nonBlockingFromEnv() bool {
	value, found := os.LookupEnv(NonBlockingStreamsEnv)
	if !found || value == "" {
		return false
	}
	nonBlocking, err := strconv.ParseBool(value)
	if err != nil {
		klog.Errorf("invalid value for %s=%q, using blocking streams: %v", NonBlockingStreamsEnv, value, err)
		return false
	}
	return nonBlocking
}
