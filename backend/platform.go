package backend

import (
	"fmt"
	"os"
	"sync"

	"github.com/gomlx/aura/driver"
	"github.com/gomlx/aura/driver/cuda"
	"github.com/gomlx/aura/driver/host"
	"github.com/gomlx/aura/driver/opencl"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Platform is a loaded native driver (CUDA, OpenCL or the host emulation), from which Devices are created.
type Platform struct {
	name string
	drv  driver.Driver
}

// loaders of the known platforms, by name.
var loaders = map[string]func() (driver.Driver, error){
	host.Name: func() (driver.Driver, error) {
		return host.New(), nil
	},
	cuda.Name: func() (driver.Driver, error) {
		drv, err := cuda.Load()
		if err != nil {
			return nil, err
		}
		return drv, nil
	},
	opencl.Name: func() (driver.Driver, error) {
		drv, err := opencl.Load()
		if err != nil {
			return nil, err
		}
		return drv, nil
	},
}

var (
	muPlatforms      sync.Mutex
	loadedPlatforms  = make(map[string]*Platform)
	defaultPlatform  *Platform
	defaultPlatformE error
)

// GetPlatform returns the platform with the given name ("cuda", "opencl" or "host"), loading its driver the
// first time it is requested. Further calls return the same Platform.
func GetPlatform(name string) (*Platform, error) {
	muPlatforms.Lock()
	defer muPlatforms.Unlock()
	return getPlatformLocked(name)
}

func getPlatformLocked(name string) (*Platform, error) {
	if p, found := loadedPlatforms[name]; found {
		return p, nil
	}
	loader, found := loaders[name]
	if !found {
		return nil, newErrorf(ErrDevice, "GetPlatform", "unknown platform %q, known platforms are %v",
			name, DefaultPlatformOrder)
	}
	drv, err := loader()
	if err != nil {
		return nil, newError(ErrDevice, "GetPlatform", errors.WithMessagef(err, "loading platform %q", name))
	}
	p := NewPlatform(name, drv)
	loadedPlatforms[name] = p
	klog.V(1).Infof("loaded %s", p)
	return p, nil
}

// NewPlatform wraps a driver in a new Platform. It is not registered: GetPlatform won't return it.
// It is mostly useful for tests, with a dedicated host driver.
func NewPlatform(name string, drv driver.Driver) *Platform {
	return &Platform{name: name, drv: drv}
}

// DefaultPlatform returns the platform named by $AURA_BACKEND, or the first one of DefaultPlatformOrder that
// loads. The choice is made once.
func DefaultPlatform() (*Platform, error) {
	muPlatforms.Lock()
	defer muPlatforms.Unlock()
	if defaultPlatform != nil || defaultPlatformE != nil {
		return defaultPlatform, defaultPlatformE
	}
	if name := os.Getenv(BackendEnv); name != "" {
		defaultPlatform, defaultPlatformE = getPlatformLocked(name)
		return defaultPlatform, defaultPlatformE
	}
	for _, name := range DefaultPlatformOrder {
		p, err := getPlatformLocked(name)
		if err != nil {
			klog.V(1).Infof("platform %q not available: %v", name, err)
			continue
		}
		defaultPlatform = p
		return p, nil
	}
	defaultPlatformE = newErrorf(ErrDevice, "DefaultPlatform", "none of the platforms %v could be loaded",
		DefaultPlatformOrder)
	return nil, defaultPlatformE
}

// Initialize selects and loads the default platform. Calling it is optional: the package-level functions
// call DefaultPlatform themselves. It is useful to report loading errors early.
func Initialize() error {
	_, err := DefaultPlatform()
	return err
}

// Name of the platform: "cuda", "opencl" or "host".
func (p *Platform) Name() string {
	return p.name
}

// Driver returns the native driver of the platform.
func (p *Platform) Driver() driver.Driver {
	return p.drv
}

// Version of the native driver.
func (p *Platform) Version() (string, error) {
	return p.drv.Version()
}

// DeviceCount returns the number of devices of the platform.
func (p *Platform) DeviceCount() (int, error) {
	n, err := p.drv.DeviceCount()
	if err != nil {
		return 0, newError(ErrDevice, "Platform.DeviceCount", err)
	}
	return n, nil
}

// String implements fmt.Stringer.
func (p *Platform) String() string {
	version, err := p.drv.Version()
	if err != nil {
		version = "unknown version"
	}
	return fmt.Sprintf("platform %q (%s)", p.name, version)
}

// DeviceCount returns the number of devices of the default platform.
func DeviceCount() (int, error) {
	p, err := DefaultPlatform()
	if err != nil {
		return 0, err
	}
	return p.DeviceCount()
}

// NewDevice creates a Device on the default platform. See Platform.NewDevice.
func NewDevice(ordinal int) (*Device, error) {
	p, err := DefaultPlatform()
	if err != nil {
		return nil, err
	}
	return p.NewDevice(ordinal)
}
