// Package host implements driver.Driver entirely in Go, emulating a GPU inside the process.
//
// It keeps the same contracts a native driver has, and checks them more strictly than most:
//
//   - Each OS thread has its own stack of current contexts; stream, memory and kernel calls fail if the context
//     owning the resource is not current on the calling thread.
//   - Streams are asynchronous and in-order: every stream has its own goroutine executing the enqueued work.
//     Work on different streams runs concurrently.
//   - Device memory lives in Go byte slices addressed by synthetic device pointers, which support pointer
//     arithmetic like CUDA device pointers do.
//   - Kernels are Go functions registered with RegisterKernel; a module image is the list of kernel names.
//
// It also counts the native calls (see Stats) and supports one-shot fault injection (see InjectFault), which the
// tests of the backend package use to verify ownership and activation guarantees.
package host

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gomlx/aura/driver"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Name of the host driver.
const Name = "host"

// DevicesEnv is the environment variable with the default number of emulated devices.
const DevicesEnv = "AURA_HOST_DEVICES"

// DefaultNumDevices is used if DevicesEnv is not set.
const DefaultNumDevices = 2

// Op identifies a driver call, for fault injection.
type Op string

const (
	OpCtxCreate         Op = "CtxCreate"
	OpCtxDestroy        Op = "CtxDestroy"
	OpCtxPushCurrent    Op = "CtxPushCurrent"
	OpCtxPopCurrent     Op = "CtxPopCurrent"
	OpStreamCreate      Op = "StreamCreate"
	OpStreamDestroy     Op = "StreamDestroy"
	OpStreamSynchronize Op = "StreamSynchronize"
	OpMemAlloc          Op = "MemAlloc"
	OpMemcpy            Op = "Memcpy"
	OpModuleLoad        Op = "ModuleLoad"
	OpLaunchKernel      Op = "LaunchKernel"
)

// Stats is a snapshot of the number of native calls served by a Driver.
type Stats struct {
	ContextsCreated, ContextsDestroyed int64
	StreamsCreated, StreamsDestroyed   int64
	CtxPushes, CtxPops                 int64
	Synchronizes                       int64
	Allocations, Frees                 int64
	Copies, Launches                   int64
}

type counters struct {
	contextsCreated, contextsDestroyed atomic.Int64
	streamsCreated, streamsDestroyed   atomic.Int64
	ctxPushes, ctxPops                 atomic.Int64
	synchronizes                       atomic.Int64
	allocations, frees                 atomic.Int64
	copies, launches                   atomic.Int64
}

type deviceContext struct {
	handle driver.Context
	device driver.DeviceHandle
}

// Driver is the in-process emulated GPU driver. Create it with New.
type Driver struct {
	numDevices int
	threads    driver.ThreadContexts
	nextHandle atomic.Uintptr
	memory     memory
	counters   counters

	mu        sync.Mutex
	contexts  map[driver.Context]*deviceContext
	streams   map[driver.Stream]*stream
	modules   map[driver.Module]*module
	functions map[driver.Function]*function
	faults    map[Op]error
}

var _ driver.Driver = (*Driver)(nil)

// Option configures a Driver created with New.
type Option func(d *Driver)

// WithDevices sets the number of emulated devices.
func WithDevices(n int) Option {
	return func(d *Driver) {
		d.numDevices = n
	}
}

// New creates a host driver. By default, it emulates DefaultNumDevices devices, or the number given by the
// AURA_HOST_DEVICES environment variable.
func New(options ...Option) *Driver {
	d := &Driver{
		numDevices: defaultNumDevices(),
		contexts:   make(map[driver.Context]*deviceContext),
		streams:    make(map[driver.Stream]*stream),
		modules:    make(map[driver.Module]*module),
		functions:  make(map[driver.Function]*function),
		faults:     make(map[Op]error),
	}
	d.nextHandle.Store(0x1000)
	d.memory.init()
	for _, option := range options {
		option(d)
	}
	return d
}

func defaultNumDevices() int {
	value, found := os.LookupEnv(DevicesEnv)
	if !found {
		return DefaultNumDevices
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		klog.Errorf("invalid value for %s=%q, using %d devices", DevicesEnv, value, DefaultNumDevices)
		return DefaultNumDevices
	}
	return n
}

// newHandle returns a unique non-zero handle value.
func (d *Driver) newHandle() uintptr {
	return d.nextHandle.Add(0x10)
}

// InjectFault makes the next call of op fail with err. Faults are consumed once.
func (d *Driver) InjectFault(op Op, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults[op] = err
}

func (d *Driver) takeFault(op Op) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	err, found := d.faults[op]
	if !found {
		return nil
	}
	delete(d.faults, op)
	return errors.WithMessagef(err, "host driver %s (injected)", op)
}

// Stats returns a snapshot of the call counters.
func (d *Driver) Stats() Stats {
	c := &d.counters
	return Stats{
		ContextsCreated:   c.contextsCreated.Load(),
		ContextsDestroyed: c.contextsDestroyed.Load(),
		StreamsCreated:    c.streamsCreated.Load(),
		StreamsDestroyed:  c.streamsDestroyed.Load(),
		CtxPushes:         c.ctxPushes.Load(),
		CtxPops:           c.ctxPops.Load(),
		Synchronizes:      c.synchronizes.Load(),
		Allocations:       c.allocations.Load(),
		Frees:             c.frees.Load(),
		Copies:            c.copies.Load(),
		Launches:          c.launches.Load(),
	}
}

// ContextDepth returns how many contexts are pushed on the calling OS thread.
func (d *Driver) ContextDepth() int {
	return d.threads.Depth()
}

// LiveStreams returns the number of streams created and not yet destroyed.
func (d *Driver) LiveStreams() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.streams)
}

// StreamFlags returns the flags the stream was created with.
func (d *Driver) StreamFlags(handle driver.Stream) (driver.StreamFlags, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, found := d.streams[handle]
	if !found {
		return 0, errors.Errorf("invalid stream %#x", handle)
	}
	return s.flags, nil
}

// Name implements driver.Driver.
func (d *Driver) Name() string { return Name }

// Version implements driver.Driver.
func (d *Driver) Version() (string, error) { return "host emulation 1.0", nil }

// DeviceCount implements driver.Driver.
func (d *Driver) DeviceCount() (int, error) { return d.numDevices, nil }

// DeviceGet implements driver.Driver. Device handles are the ordinal plus one, so they are never 0.
func (d *Driver) DeviceGet(ordinal int) (driver.DeviceHandle, error) {
	if ordinal < 0 || ordinal >= d.numDevices {
		return 0, errors.Errorf("invalid device ordinal %d, host driver has %d devices", ordinal, d.numDevices)
	}
	return driver.DeviceHandle(ordinal + 1), nil
}

// DeviceName implements driver.Driver.
func (d *Driver) DeviceName(dev driver.DeviceHandle) (string, error) {
	if dev == 0 || int(dev) > d.numDevices {
		return "", errors.Errorf("invalid device handle %d", dev)
	}
	return fmt.Sprintf("Aura Host Device #%d", int(dev)-1), nil
}

// CtxCreate implements driver.Driver.
func (d *Driver) CtxCreate(dev driver.DeviceHandle) (driver.Context, error) {
	if err := d.takeFault(OpCtxCreate); err != nil {
		return 0, err
	}
	if dev == 0 || int(dev) > d.numDevices {
		return 0, errors.Errorf("invalid device handle %d", dev)
	}
	ctx := &deviceContext{handle: driver.Context(d.newHandle()), device: dev}
	d.mu.Lock()
	d.contexts[ctx.handle] = ctx
	d.mu.Unlock()
	d.counters.contextsCreated.Add(1)
	return ctx.handle, nil
}

// CtxDestroy implements driver.Driver. Streams still alive in the context are destroyed with it.
func (d *Driver) CtxDestroy(ctxHandle driver.Context) error {
	if err := d.takeFault(OpCtxDestroy); err != nil {
		return err
	}
	d.mu.Lock()
	if _, found := d.contexts[ctxHandle]; !found {
		d.mu.Unlock()
		return errors.Errorf("invalid context %#x", ctxHandle)
	}
	delete(d.contexts, ctxHandle)
	var orphans []*stream
	for handle, s := range d.streams {
		if s.ctx == ctxHandle {
			orphans = append(orphans, s)
			delete(d.streams, handle)
		}
	}
	d.mu.Unlock()

	for _, s := range orphans {
		klog.Warningf("host driver: stream %#x destroyed with its context %#x", s.handle, ctxHandle)
		s.close()
	}
	d.threads.Forget(ctxHandle)
	d.counters.contextsDestroyed.Add(1)
	return nil
}

// CtxPushCurrent implements driver.Driver.
func (d *Driver) CtxPushCurrent(ctxHandle driver.Context) error {
	if err := d.takeFault(OpCtxPushCurrent); err != nil {
		return err
	}
	d.mu.Lock()
	_, found := d.contexts[ctxHandle]
	d.mu.Unlock()
	if !found {
		return errors.Errorf("invalid context %#x", ctxHandle)
	}
	d.threads.Push(ctxHandle)
	d.counters.ctxPushes.Add(1)
	return nil
}

// CtxPopCurrent implements driver.Driver.
func (d *Driver) CtxPopCurrent() (driver.Context, error) {
	if err := d.takeFault(OpCtxPopCurrent); err != nil {
		return 0, err
	}
	ctx, err := d.threads.Pop()
	if err != nil {
		return 0, err
	}
	d.counters.ctxPops.Add(1)
	return ctx, nil
}

// CtxGetCurrent implements driver.Driver.
func (d *Driver) CtxGetCurrent() (driver.Context, error) {
	return d.threads.Current(), nil
}

// checkCurrent returns an error if ctx is not the current context of the calling thread.
func (d *Driver) checkCurrent(ctx driver.Context) error {
	current := d.threads.Current()
	if current != ctx {
		return errors.Errorf("invalid context: context %#x is not current on thread %d (current is %#x)",
			ctx, driver.ThreadID(), current)
	}
	return nil
}

// StreamCreate implements driver.Driver.
func (d *Driver) StreamCreate(ctx driver.Context, flags driver.StreamFlags) (driver.Stream, error) {
	if err := d.takeFault(OpStreamCreate); err != nil {
		return 0, err
	}
	if err := d.checkCurrent(ctx); err != nil {
		return 0, errors.WithMessage(err, "StreamCreate")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, found := d.contexts[ctx]; !found {
		return 0, errors.Errorf("invalid context %#x", ctx)
	}
	s := newStream(driver.Stream(d.newHandle()), ctx, flags)
	d.streams[s.handle] = s
	d.counters.streamsCreated.Add(1)
	return s.handle, nil
}

// lookupStream returns the stream, checking its context is current.
func (d *Driver) lookupStream(handle driver.Stream) (*stream, error) {
	d.mu.Lock()
	s, found := d.streams[handle]
	d.mu.Unlock()
	if !found {
		return nil, errors.Errorf("invalid stream %#x", handle)
	}
	if err := d.checkCurrent(s.ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// StreamDestroy implements driver.Driver. Work already enqueued completes before it returns.
func (d *Driver) StreamDestroy(handle driver.Stream) error {
	if err := d.takeFault(OpStreamDestroy); err != nil {
		return err
	}
	s, err := d.lookupStream(handle)
	if err != nil {
		return errors.WithMessage(err, "StreamDestroy")
	}
	d.mu.Lock()
	delete(d.streams, handle)
	d.mu.Unlock()
	s.close()
	d.counters.streamsDestroyed.Add(1)
	return nil
}

// StreamSynchronize implements driver.Driver. It returns the first error of the asynchronous work executed
// since the previous synchronization, if any.
func (d *Driver) StreamSynchronize(handle driver.Stream) error {
	if err := d.takeFault(OpStreamSynchronize); err != nil {
		return err
	}
	s, err := d.lookupStream(handle)
	if err != nil {
		return errors.WithMessage(err, "StreamSynchronize")
	}
	d.counters.synchronizes.Add(1)
	return s.synchronize()
}
