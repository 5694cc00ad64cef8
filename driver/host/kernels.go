package host

import (
	"encoding/binary"
	"strings"
	"sync"
	"unsafe"

	"github.com/gomlx/aura/driver"
	"github.com/pkg/errors"
)

// Kernel is a Go function standing in for a device kernel. It is executed asynchronously on the stream it was
// launched on, once per launch (not once per thread): it should loop over Launch.Threads() itself.
type Kernel func(launch *Launch) error

var (
	muKernels sync.RWMutex
	kernels   = make(map[string]Kernel)
)

// RegisterKernel makes a kernel available to module images loaded by the host driver.
// Registering the same name twice replaces the previous kernel.
func RegisterKernel(name string, kernel Kernel) {
	muKernels.Lock()
	defer muKernels.Unlock()
	kernels[name] = kernel
}

func lookupKernel(name string) (Kernel, bool) {
	muKernels.RLock()
	defer muKernels.RUnlock()
	k, found := kernels[name]
	return k, found
}

// ModuleImage builds a host module image listing the given kernel names.
func ModuleImage(kernelNames ...string) []byte {
	return []byte(strings.Join(kernelNames, "\n"))
}

type module struct {
	handle  driver.Module
	ctx     driver.Context
	kernels map[string]bool
}

type function struct {
	handle driver.Function
	module *module
	name   string
	kernel Kernel
}

// Launch is passed to a Kernel: it gives access to the launch configuration, the arguments (copied at launch
// time) and the device memory.
type Launch struct {
	Grid, Block driver.Dim3
	args        [][]byte
	memory      *memory
}

// Threads is the total number of threads of the launch: Grid.Size() * Block.Size().
func (l *Launch) Threads() int {
	return l.Grid.Size() * l.Block.Size()
}

// NumArgs returns the number of arguments given to the launch.
func (l *Launch) NumArgs() int {
	return len(l.args)
}

func (l *Launch) arg(i int, size int) ([]byte, error) {
	if i < 0 || i >= len(l.args) {
		return nil, errors.Errorf("kernel argument #%d requested, but only %d given", i, len(l.args))
	}
	if len(l.args[i]) != size {
		return nil, errors.Errorf("kernel argument #%d has %d bytes, expected %d", i, len(l.args[i]), size)
	}
	return l.args[i], nil
}

// Pointer returns the argument i as a device pointer.
func (l *Launch) Pointer(i int) (driver.DevicePtr, error) {
	b, err := l.arg(i, int(unsafe.Sizeof(uintptr(0))))
	if err != nil {
		return 0, err
	}
	if unsafe.Sizeof(uintptr(0)) == 8 {
		return driver.DevicePtr(binary.NativeEndian.Uint64(b)), nil
	}
	return driver.DevicePtr(binary.NativeEndian.Uint32(b)), nil
}

// Uint32 returns the argument i as an uint32.
func (l *Launch) Uint32(i int) (uint32, error) {
	b, err := l.arg(i, 4)
	if err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint32(b), nil
}

// Bytes returns n bytes of device memory starting at ptr.
func (l *Launch) Bytes(ptr driver.DevicePtr, n int) ([]byte, error) {
	return l.memory.region(ptr, 0, n)
}

// Slice returns n elements of type T of device memory starting at ptr.
func Slice[T any](l *Launch, ptr driver.DevicePtr, n int) ([]T, error) {
	var zero T
	b, err := l.Bytes(ptr, n*int(unsafe.Sizeof(zero)))
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(b))), n), nil
}

// ModuleLoad implements driver.Driver. The image is a list of registered kernel names, one per line
// (see ModuleImage).
func (d *Driver) ModuleLoad(ctx driver.Context, image []byte) (driver.Module, error) {
	if err := d.takeFault(OpModuleLoad); err != nil {
		return 0, err
	}
	if err := d.checkCurrent(ctx); err != nil {
		return 0, errors.WithMessage(err, "ModuleLoad")
	}
	m := &module{handle: driver.Module(d.newHandle()), ctx: ctx, kernels: make(map[string]bool)}
	for _, name := range strings.Fields(string(image)) {
		if _, found := lookupKernel(name); !found {
			return 0, errors.Errorf("ModuleLoad: kernel %q not registered in the host driver", name)
		}
		m.kernels[name] = true
	}
	if len(m.kernels) == 0 {
		return 0, errors.New("ModuleLoad: empty module image")
	}
	d.mu.Lock()
	d.modules[m.handle] = m
	d.mu.Unlock()
	return m.handle, nil
}

// ModuleUnload implements driver.Driver.
func (d *Driver) ModuleUnload(handle driver.Module) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, found := d.modules[handle]; !found {
		return errors.Errorf("invalid module %#x", handle)
	}
	delete(d.modules, handle)
	for fnHandle, fn := range d.functions {
		if fn.module.handle == handle {
			delete(d.functions, fnHandle)
		}
	}
	return nil
}

// ModuleGetFunction implements driver.Driver.
func (d *Driver) ModuleGetFunction(handle driver.Module, name string) (driver.Function, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, found := d.modules[handle]
	if !found {
		return 0, errors.Errorf("invalid module %#x", handle)
	}
	if !m.kernels[name] {
		return 0, errors.Errorf("kernel %q not found in module %#x", name, handle)
	}
	kernel, _ := lookupKernel(name)
	fn := &function{handle: driver.Function(d.newHandle()), module: m, name: name, kernel: kernel}
	d.functions[fn.handle] = fn
	return fn.handle, nil
}

// LaunchKernel implements driver.Driver.
func (d *Driver) LaunchKernel(fnHandle driver.Function, grid, block driver.Dim3, args []driver.Arg, handle driver.Stream) error {
	if err := d.takeFault(OpLaunchKernel); err != nil {
		return err
	}
	d.mu.Lock()
	fn, found := d.functions[fnHandle]
	d.mu.Unlock()
	if !found {
		return errors.Errorf("invalid function %#x", fnHandle)
	}
	s, err := d.lookupStream(handle)
	if err != nil {
		return errors.WithMessagef(err, "LaunchKernel(%s)", fn.name)
	}
	if fn.module.ctx != s.ctx {
		return errors.Errorf("LaunchKernel(%s): module context %#x differs from stream context %#x",
			fn.name, fn.module.ctx, s.ctx)
	}
	launch := &Launch{Grid: grid, Block: block, memory: &d.memory, args: make([][]byte, len(args))}
	for ii, arg := range args {
		if arg.Ptr == nil {
			return errors.Errorf("LaunchKernel(%s): argument #%d is nil", fn.name, ii)
		}
		launch.args[ii] = append([]byte(nil), hostBytes(arg.Ptr, int(arg.Size))...)
	}
	d.counters.launches.Add(1)
	return s.enqueue(func() error {
		return errors.WithMessagef(fn.kernel(launch), "kernel %s", fn.name)
	})
}
