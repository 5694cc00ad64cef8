package backend

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/gomlx/aura/driver"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// pinMode is the activation mode of a Device or a Feed.
type pinMode int

const (
	// modeNormal activates the context around every operation.
	modeNormal pinMode = iota

	// modePinned keeps the context current: Set and Unset are no-ops.
	modePinned
)

func (m pinMode) String() string {
	if m == modePinned {
		return "pinned"
	}
	return "normal"
}

// Device owns the native context of one physical device of a Platform.
//
// Activation (Set/Unset, or Do) makes the context current on the calling OS thread: the goroutine is locked to
// its thread from Set until the matching Unset. A Device, and the Feeds on it, should only be used by one
// goroutine at a time.
//
// A Device must outlive the Feeds, arrays and modules created on it.
type Device struct {
	platform *Platform
	ordinal  int
	handle   driver.DeviceHandle
	name     string
	wrapper  *deviceWrapper
	mode     pinMode

	liveFeeds atomic.Int64

	muModules sync.Mutex
	modules   map[string]*Module
}

// deviceWrapper holds the native context, which requires clean up.
type deviceWrapper struct {
	drv driver.Driver
	ctx driver.Context
}

func (wrapper *deviceWrapper) IsValid() bool {
	return wrapper != nil && wrapper.ctx != 0
}

func (wrapper *deviceWrapper) Destroy() error {
	if !wrapper.IsValid() {
		return nil
	}
	err := wrapper.drv.CtxDestroy(wrapper.ctx)
	wrapper.ctx = 0
	devicesAlive.Add(-1)
	return err
}

var devicesAlive atomic.Int64

// DevicesAlive returns the number of Devices whose context has not been released yet.
func DevicesAlive() int64 {
	return devicesAlive.Load()
}

// NewDevice creates a new context on the device with the given zero-based ordinal.
// Each call creates an independent context, even for the same ordinal.
func (p *Platform) NewDevice(ordinal int) (*Device, error) {
	const op = "NewDevice"
	count, err := p.drv.DeviceCount()
	if err != nil {
		return nil, newError(ErrDevice, op, err)
	}
	if ordinal < 0 || ordinal >= count {
		return nil, newErrorf(ErrDevice, op, "device ordinal %d out of range, platform %q has %d devices",
			ordinal, p.name, count)
	}
	handle, err := p.drv.DeviceGet(ordinal)
	if err != nil {
		return nil, newError(ErrDevice, op, err)
	}
	name, err := p.drv.DeviceName(handle)
	if err != nil {
		return nil, newError(ErrDevice, op, err)
	}
	ctx, err := p.drv.CtxCreate(handle)
	if err != nil {
		return nil, newError(ErrDevice, op, errors.WithMessagef(err, "creating context for %q", name))
	}
	d := &Device{
		platform: p,
		ordinal:  ordinal,
		handle:   handle,
		name:     name,
		wrapper:  &deviceWrapper{drv: p.drv, ctx: ctx},
	}
	devicesAlive.Add(1)
	runtime.AddCleanup(d, func(wrapper *deviceWrapper) {
		if err := wrapper.Destroy(); err != nil {
			FinalizeErrorHandler(newError(ErrDevice, "Device cleanup", err))
		}
	}, d.wrapper)
	klog.V(2).Infof("created %s with context %#x", d, ctx)
	return d, nil
}

// context returns the native context, or an error if the device has been destroyed.
func (d *Device) context(op string) (driver.Context, error) {
	if d == nil || !d.wrapper.IsValid() {
		return 0, newErrorf(ErrInvalidOperation, op, "device is nil or has been destroyed")
	}
	return d.wrapper.ctx, nil
}

// activate locks the goroutine to its OS thread and pushes the device context.
func (d *Device) activate(op string) error {
	ctx, err := d.context(op)
	if err != nil {
		return err
	}
	runtime.LockOSThread()
	if err := d.drv().CtxPushCurrent(ctx); err != nil {
		runtime.UnlockOSThread()
		return newError(ErrDevice, op, err)
	}
	return nil
}

// deactivate pops the device context and unlocks the goroutine from its OS thread.
// If nothing could be popped, the goroutine stays locked.
func (d *Device) deactivate(op string) error {
	ctx, err := d.context(op)
	if err != nil {
		return err
	}
	popped, err := d.drv().CtxPopCurrent()
	if err != nil {
		return newError(ErrDevice, op, err)
	}
	runtime.UnlockOSThread()
	if popped != ctx {
		return newErrorf(ErrDevice, op, "popped context %#x, but %s has context %#x: unbalanced Set/Unset",
			popped, d, ctx)
	}
	return nil
}

// Set makes the device context current on the calling thread, saving the previous one. It is a no-op if the
// device is pinned. Each Set must be matched by an Unset on the same goroutine.
func (d *Device) Set() error {
	if d.mode == modePinned {
		return nil
	}
	return d.activate("Device.Set")
}

// Unset restores the context that was current before the matching Set. It is a no-op if the device is pinned.
func (d *Device) Unset() error {
	if d.mode == modePinned {
		return nil
	}
	return d.deactivate("Device.Unset")
}

// Pin makes the device context current on the calling thread until Unpin. Meanwhile, Set and Unset of the
// device and of every Feed on it are no-ops.
//
// The calling goroutine stays locked to its OS thread while pinned, and must not use other devices.
func (d *Device) Pin() error {
	if d.mode == modePinned {
		return newErrorf(ErrInvalidOperation, "Device.Pin", "%s is already pinned", d)
	}
	if err := d.activate("Device.Pin"); err != nil {
		return err
	}
	d.mode = modePinned
	return nil
}

// Unpin restores the normal activation mode and deactivates the device context.
func (d *Device) Unpin() error {
	if d.mode != modePinned {
		return newErrorf(ErrInvalidOperation, "Device.Unpin", "%s is not pinned", d)
	}
	d.mode = modeNormal
	return d.deactivate("Device.Unpin")
}

// IsPinned returns whether the device is pinned.
func (d *Device) IsPinned() bool {
	return d.mode == modePinned
}

// Do runs fn with the device context current (see Set), and deactivates it on every exit path.
func (d *Device) Do(fn func(ctx driver.Context) error) error {
	if _, err := d.context("Device.Do"); err != nil {
		return err
	}
	if err := d.Set(); err != nil {
		return err
	}
	err := fn(d.wrapper.ctx)
	return withCleanupError(err, d.Unset())
}

// Handle returns the native device handle.
func (d *Device) Handle() driver.DeviceHandle {
	return d.handle
}

// Context returns the native context, or 0 if the device has been destroyed.
func (d *Device) Context() driver.Context {
	if !d.wrapper.IsValid() {
		return 0
	}
	return d.wrapper.ctx
}

// Ordinal returns the zero-based index of the device in its platform.
func (d *Device) Ordinal() int {
	return d.ordinal
}

// Name returns the vendor name of the device.
func (d *Device) Name() string {
	return d.name
}

// Platform returns the platform of the device.
func (d *Device) Platform() *Platform {
	return d.platform
}

// drv returns the native driver of the device's platform.
func (d *Device) drv() driver.Driver {
	return d.platform.drv
}

// String implements fmt.Stringer.
func (d *Device) String() string {
	if d == nil {
		return "Device(nil)"
	}
	return fmt.Sprintf("%s device #%d (%s)", d.platform.name, d.ordinal, d.name)
}

// Destroy releases the native context. It is a no-op if already destroyed.
// This is automatically called if the Device is garbage collected.
func (d *Device) Destroy() error {
	if d == nil || !d.wrapper.IsValid() {
		return nil
	}
	if n := d.liveFeeds.Load(); n > 0 {
		klog.Warningf("destroying %s with %d feeds still alive", d, n)
	}
	var err error
	if d.mode == modePinned {
		err = d.Unpin()
	}
	err = withCleanupError(err, d.unloadModules())
	ctx := d.wrapper.ctx
	if destroyErr := d.wrapper.Destroy(); destroyErr != nil {
		err = withCleanupError(newError(ErrDevice, "Device.Destroy", destroyErr), err)
	}
	klog.V(2).Infof("destroyed %s context %#x", d, ctx)
	return err
}
