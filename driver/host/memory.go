package host

import (
	"sort"
	"sync"
	"unsafe"

	"github.com/gomlx/aura/driver"
	"github.com/pkg/errors"
)

const (
	// memoryBase is the address of the first allocation.
	memoryBase = 0x10000000

	// memoryAlignment of every allocation, and the gap left between allocations so that out-of-bounds
	// addresses are not silently valid in a neighbor allocation.
	memoryAlignment = 256
)

type allocation struct {
	base driver.DevicePtr
	ctx  driver.Context
	data []byte
}

func (a *allocation) contains(ptr driver.DevicePtr) bool {
	return ptr >= a.base && uintptr(ptr) < uintptr(a.base)+uintptr(len(a.data))
}

// memory holds all device allocations, sorted by base address.
type memory struct {
	mu     sync.RWMutex
	next   uintptr
	allocs []*allocation
}

func (m *memory) init() {
	m.next = memoryBase
}

func (m *memory) alloc(ctx driver.Context, bytes int) driver.DevicePtr {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := &allocation{base: driver.DevicePtr(m.next), ctx: ctx, data: make([]byte, bytes)}
	m.next += (uintptr(bytes)+memoryAlignment-1)&^(memoryAlignment-1) + memoryAlignment
	m.allocs = append(m.allocs, a) // Addresses are increasing, so it remains sorted.
	return a.base
}

// find returns the index of the allocation containing ptr, or -1.
// It must be called with m.mu held.
func (m *memory) find(ptr driver.DevicePtr) int {
	idx := sort.Search(len(m.allocs), func(i int) bool {
		return uintptr(m.allocs[i].base)+uintptr(len(m.allocs[i].data)) > uintptr(ptr)
	})
	if idx < len(m.allocs) && m.allocs[idx].contains(ptr) {
		return idx
	}
	return -1
}

// lookup returns the allocation starting exactly at ptr.
func (m *memory) lookup(ptr driver.DevicePtr) (*allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx := m.find(ptr)
	if idx < 0 || m.allocs[idx].base != ptr {
		return nil, errors.Errorf("invalid device pointer %#x: not the start of an allocation", ptr)
	}
	return m.allocs[idx], nil
}

func (m *memory) free(ptr driver.DevicePtr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.find(ptr)
	if idx < 0 || m.allocs[idx].base != ptr {
		return errors.Errorf("invalid device pointer %#x: not the start of an allocation", ptr)
	}
	m.allocs = append(m.allocs[:idx], m.allocs[idx+1:]...)
	return nil
}

// region returns the bytes [ptr+offset, ptr+offset+n) of device memory.
// The returned slice stays valid (but detached) if the allocation is freed.
func (m *memory) region(ptr driver.DevicePtr, offset, n int) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx := m.find(ptr)
	if idx < 0 {
		return nil, errors.Errorf("invalid device pointer %#x", ptr)
	}
	a := m.allocs[idx]
	start := int(uintptr(ptr)-uintptr(a.base)) + offset
	if offset < 0 || n < 0 || start+n > len(a.data) {
		return nil, errors.Errorf("device memory access out of bounds: %d bytes at %#x+%d, allocation at %#x has %d bytes",
			n, ptr, offset, a.base, len(a.data))
	}
	return a.data[start : start+n], nil
}

// MemAlloc implements driver.Driver.
func (d *Driver) MemAlloc(ctx driver.Context, bytes int) (driver.DevicePtr, error) {
	if err := d.takeFault(OpMemAlloc); err != nil {
		return 0, err
	}
	if err := d.checkCurrent(ctx); err != nil {
		return 0, errors.WithMessage(err, "MemAlloc")
	}
	if bytes <= 0 {
		return 0, errors.Errorf("MemAlloc of %d bytes: size must be positive", bytes)
	}
	d.counters.allocations.Add(1)
	return d.memory.alloc(ctx, bytes), nil
}

// MemFree implements driver.Driver.
func (d *Driver) MemFree(ptr driver.DevicePtr) error {
	a, err := d.memory.lookup(ptr)
	if err != nil {
		return errors.WithMessage(err, "MemFree")
	}
	if err := d.checkCurrent(a.ctx); err != nil {
		return errors.WithMessage(err, "MemFree")
	}
	if err := d.memory.free(ptr); err != nil {
		return err
	}
	d.counters.frees.Add(1)
	return nil
}

// hostBytes views n bytes of host memory at ptr.
func hostBytes(ptr unsafe.Pointer, n int) []byte {
	return unsafe.Slice((*byte)(ptr), n)
}

// MemcpyHtoDAsync implements driver.Driver.
func (d *Driver) MemcpyHtoDAsync(dst driver.DevicePtr, dstOffset int, src unsafe.Pointer, bytes int, handle driver.Stream) error {
	if err := d.takeFault(OpMemcpy); err != nil {
		return err
	}
	s, err := d.lookupStream(handle)
	if err != nil {
		return errors.WithMessage(err, "MemcpyHtoDAsync")
	}
	if bytes == 0 {
		return nil
	}
	if src == nil {
		return errors.New("MemcpyHtoDAsync: nil host pointer")
	}
	dstBytes, err := d.memory.region(dst, dstOffset, bytes)
	if err != nil {
		return errors.WithMessage(err, "MemcpyHtoDAsync")
	}
	srcBytes := hostBytes(src, bytes)
	d.counters.copies.Add(1)
	return s.enqueue(func() error {
		copy(dstBytes, srcBytes)
		return nil
	})
}

// MemcpyDtoHAsync implements driver.Driver.
func (d *Driver) MemcpyDtoHAsync(dst unsafe.Pointer, src driver.DevicePtr, srcOffset int, bytes int, handle driver.Stream) error {
	if err := d.takeFault(OpMemcpy); err != nil {
		return err
	}
	s, err := d.lookupStream(handle)
	if err != nil {
		return errors.WithMessage(err, "MemcpyDtoHAsync")
	}
	if bytes == 0 {
		return nil
	}
	if dst == nil {
		return errors.New("MemcpyDtoHAsync: nil host pointer")
	}
	srcBytes, err := d.memory.region(src, srcOffset, bytes)
	if err != nil {
		return errors.WithMessage(err, "MemcpyDtoHAsync")
	}
	dstBytes := hostBytes(dst, bytes)
	d.counters.copies.Add(1)
	return s.enqueue(func() error {
		copy(dstBytes, srcBytes)
		return nil
	})
}

// MemcpyDtoDAsync implements driver.Driver.
func (d *Driver) MemcpyDtoDAsync(dst driver.DevicePtr, dstOffset int, src driver.DevicePtr, srcOffset int, bytes int, handle driver.Stream) error {
	if err := d.takeFault(OpMemcpy); err != nil {
		return err
	}
	s, err := d.lookupStream(handle)
	if err != nil {
		return errors.WithMessage(err, "MemcpyDtoDAsync")
	}
	if bytes == 0 {
		return nil
	}
	dstBytes, err := d.memory.region(dst, dstOffset, bytes)
	if err != nil {
		return errors.WithMessage(err, "MemcpyDtoDAsync")
	}
	srcBytes, err := d.memory.region(src, srcOffset, bytes)
	if err != nil {
		return errors.WithMessage(err, "MemcpyDtoDAsync")
	}
	d.counters.copies.Add(1)
	return s.enqueue(func() error {
		copy(dstBytes, srcBytes)
		return nil
	})
}
