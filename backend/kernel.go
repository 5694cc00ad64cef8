package backend

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/gomlx/aura/driver"
	"github.com/pkg/errors"
)

// Module is a set of kernels loaded on a device: a PTX module for CUDA, a built program for OpenCL.
type Module struct {
	wrapper *moduleWrapper

	muKernels sync.Mutex
	kernels   map[string]*Kernel
}

type moduleWrapper struct {
	device *Device
	handle driver.Module
}

func (wrapper *moduleWrapper) IsValid() bool {
	return wrapper != nil && wrapper.handle != 0
}

func (wrapper *moduleWrapper) Destroy() error {
	if !wrapper.IsValid() {
		return nil
	}
	d := wrapper.device
	err := d.Do(func(driver.Context) error {
		return d.drv().ModuleUnload(wrapper.handle)
	})
	if err != nil {
		return newError(ErrDevice, "Module.Destroy", err)
	}
	wrapper.handle = 0
	return nil
}

// LoadModule loads the module image on the device. The image format depends on the platform: PTX for CUDA,
// OpenCL C source for OpenCL, and a list of registered kernel names for the host driver.
func LoadModule(d *Device, image []byte) (*Module, error) {
	const op = "LoadModule"
	var handle driver.Module
	err := d.Do(func(ctx driver.Context) error {
		var err error
		handle, err = d.drv().ModuleLoad(ctx, image)
		if err != nil {
			return newError(ErrDevice, op, errors.WithMessagef(err, "loading module on %s", d))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m := &Module{wrapper: &moduleWrapper{device: d, handle: handle}, kernels: make(map[string]*Kernel)}
	runtime.AddCleanup(m, func(wrapper *moduleWrapper) {
		if err := wrapper.Destroy(); err != nil {
			FinalizeErrorHandler(err)
		}
	}, m.wrapper)
	return m, nil
}

// Device returns the device where the module is loaded.
func (m *Module) Device() *Device {
	return m.wrapper.device
}

// Destroy unloads the module. It is a no-op if already destroyed.
// This is automatically called if the Module is garbage collected.
func (m *Module) Destroy() error {
	if m == nil {
		return nil
	}
	return m.wrapper.Destroy()
}

// Kernel is an entry point of a Module.
type Kernel struct {
	module *Module
	name   string
	fn     driver.Function
}

// Kernel looks up the kernel with the given name. Kernels are looked up once and cached in the Module.
func (m *Module) Kernel(name string) (*Kernel, error) {
	const op = "Module.Kernel"
	if !m.wrapper.IsValid() {
		return nil, newErrorf(ErrInvalidOperation, op, "module has been destroyed")
	}
	m.muKernels.Lock()
	defer m.muKernels.Unlock()
	if k, found := m.kernels[name]; found {
		return k, nil
	}
	d := m.wrapper.device
	var fn driver.Function
	err := d.Do(func(driver.Context) error {
		var err error
		fn, err = d.drv().ModuleGetFunction(m.wrapper.handle, name)
		if err != nil {
			return newError(ErrDevice, op, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	k := &Kernel{module: m, name: name, fn: fn}
	m.kernels[name] = k
	return k, nil
}

// CachedModule returns the module stored in the device under key, loading it from image() the first time.
// Cached modules are unloaded when the device is destroyed.
func (d *Device) CachedModule(key string, image func() ([]byte, error)) (*Module, error) {
	d.muModules.Lock()
	defer d.muModules.Unlock()
	if m, found := d.modules[key]; found {
		return m, nil
	}
	data, err := image()
	if err != nil {
		return nil, err
	}
	m, err := LoadModule(d, data)
	if err != nil {
		return nil, err
	}
	if d.modules == nil {
		d.modules = make(map[string]*Module)
	}
	d.modules[key] = m
	return m, nil
}

// unloadModules destroys the cached modules.
func (d *Device) unloadModules() error {
	d.muModules.Lock()
	defer d.muModules.Unlock()
	var err error
	for key, m := range d.modules {
		err = withCleanupError(err, m.Destroy())
		delete(d.modules, key)
	}
	return err
}

// Name of the kernel.
func (k *Kernel) Name() string {
	return k.name
}

// String implements fmt.Stringer.
func (k *Kernel) String() string {
	return fmt.Sprintf("Kernel(%q on %s)", k.name, k.module.wrapper.device)
}

// Invoke enqueues the kernel on the Feed, with grid*block threads. It doesn't wait for it to run.
func Invoke(k *Kernel, grid, block driver.Dim3, args *Args, f *Feed) error {
	const op = "Invoke"
	if !k.module.wrapper.IsValid() {
		return newErrorf(ErrInvalidOperation, op, "module of %s has been destroyed", k)
	}
	if err := checkFeedDevice(op, k.module.wrapper.device, f); err != nil {
		return err
	}
	err := f.Do(func(stream driver.Stream) error {
		if err := f.Device().drv().LaunchKernel(k.fn, grid, block, args.Slice(), stream); err != nil {
			return newError(ErrFeed, op, errors.WithMessagef(err, "launching %s", k))
		}
		return nil
	})
	runtime.KeepAlive(k)
	return err
}

// Grid1D returns the grid and block sizes to run at least n threads with blocks of blockSize threads.
func Grid1D(n, blockSize int) (grid, block driver.Dim3) {
	if blockSize <= 0 {
		blockSize = 1
	}
	blocks := max((n+blockSize-1)/blockSize, 1)
	return driver.Dim3{X: blocks, Y: 1, Z: 1}, driver.Dim3{X: blockSize, Y: 1, Z: 1}
}
