// Package aspace is one address space (spec §4.6, component C6): a page
// table engine (paging.Engine, C4) and a virtual heap (tlsf.Heap, C5)
// composed under a single lock so map/unmap are all-or-nothing across
// both. Grounded on biscuit's Vm_t (biscuit/src/vm/as.go), which pairs a
// pmap with a region list under one lock (Lock_pmap/Unlock_pmap) the same
// way; generalized here to the TLSF-backed heap spec §4.5 requires in
// place of biscuit's Vmregion_t interval tree.
package aspace

import (
	"sync"
	"unsafe"

	"github.com/coreos-kernel/nucleus/internal/addr"
	"github.com/coreos-kernel/nucleus/internal/kerr"
	"github.com/coreos-kernel/nucleus/internal/klog"
	"github.com/coreos-kernel/nucleus/internal/paging"
	"github.com/coreos-kernel/nucleus/internal/tlsf"
)

// MemoryRange is a [Front, Back) physical address range to be mapped.
type MemoryRange struct {
	Front, Back addr.Physical
}

func (r MemoryRange) size() uint64 { return uint64(r.Back) - uint64(r.Front) }

// StackMapping is the result of mapStack: the usable middle region plus
// the total span including its two unmapped guard pages.
type StackMapping struct {
	Usable paging.VirtualRange
	Total  paging.VirtualRange
}

// AddressSpace composes a page-table engine and a virtual heap under one
// lock. The lock plays the role of the queued spinlock spec §4.6 names;
// Go has no portable user-space spinlock primitive, so sync.Mutex stands
// in for it, same as biscuit's own as.go does with sync.Mutex guarding
// Vm_t.
type AddressSpace struct {
	mu     sync.Mutex
	engine *paging.Engine
	heap   *tlsf.Heap
	log    *klog.Logger
}

// New builds an AddressSpace over the given page-table engine and heap.
// The two must not be shared with any other AddressSpace.
func New(engine *paging.Engine, heap *tlsf.Heap, log *klog.Logger) *AddressSpace {
	return &AddressSpace{engine: engine, heap: heap, log: log}
}

func toPagingRange(r tlsf.VirtualRange) paging.VirtualRange {
	return paging.VirtualRange{Front: r.Front, Back: r.Back}
}

func toTlsfRange(r paging.VirtualRange) tlsf.VirtualRange {
	return tlsf.VirtualRange{Front: r.Front, Back: r.Back}
}

// Map picks a virtual range of m's size from the heap and maps it to m,
// all-or-nothing: on a page-table failure the virtual range is returned
// to the heap before the error propagates (spec §4.6).
func (a *AddressSpace) Map(m MemoryRange, flags paging.PageFlags, mtype paging.MemoryType) (paging.VirtualRange, error) {
	if m.size() == 0 || m.size()%addr.PageSize != 0 {
		return paging.VirtualRange{}, kerr.InvalidInput
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	vr, ok := a.heap.Allocate(m.size(), addr.PageSize)
	if !ok {
		return paging.VirtualRange{}, kerr.OutOfMemory
	}
	mapping := paging.AddressMapping{VAddr: vr.Front, PAddr: m.Front, Size: m.size()}
	if err := a.engine.Map(mapping, flags, mtype); err != nil {
		a.heap.Free(vr)
		return paging.VirtualRange{}, err
	}
	return toPagingRange(vr), nil
}

// MapHint behaves like Map but tries to honor hint, reporting the
// concrete AddressMapping actually installed.
func (a *AddressSpace) MapHint(m MemoryRange, hint addr.Virtual, flags paging.PageFlags, mtype paging.MemoryType) (paging.AddressMapping, error) {
	if m.size() == 0 || m.size()%addr.PageSize != 0 {
		return paging.AddressMapping{}, kerr.InvalidInput
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	vr, ok := a.heap.AllocateHint(m.size(), hint)
	if !ok {
		return paging.AddressMapping{}, kerr.OutOfMemory
	}
	mapping := paging.AddressMapping{VAddr: vr.Front, PAddr: m.Front, Size: m.size()}
	if err := a.engine.Map(mapping, flags, mtype); err != nil {
		a.heap.Free(vr)
		return paging.AddressMapping{}, err
	}
	return mapping, nil
}

// MapStack reserves two 4 KiB guard pages around m's mapping (left
// unmapped, to turn an overrun into a page fault) and maps only the
// middle region to m (spec §4.6).
func (a *AddressSpace) MapStack(m MemoryRange, flags paging.PageFlags) (StackMapping, error) {
	if m.size() == 0 || m.size()%addr.PageSize != 0 {
		return StackMapping{}, kerr.InvalidInput
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	total := m.size() + 2*addr.PageSize
	vr, ok := a.heap.Allocate(total, addr.PageSize)
	if !ok {
		return StackMapping{}, kerr.OutOfMemory
	}
	usableFront := addr.Virtual(uint64(vr.Front) + addr.PageSize)
	mapping := paging.AddressMapping{VAddr: usableFront, PAddr: m.Front, Size: m.size()}
	if err := a.engine.Map(mapping, flags, paging.WriteBack); err != nil {
		a.heap.Free(vr)
		return StackMapping{}, err
	}
	return StackMapping{
		Usable: paging.VirtualRange{Front: usableFront, Back: addr.Virtual(uint64(usableFront) + m.size())},
		Total:  toPagingRange(vr),
	}, nil
}

// Unmap clears r's page-table entries, then (only on success) returns r
// to the heap (spec §4.6).
func (a *AddressSpace) Unmap(r paging.VirtualRange) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.engine.Unmap(r); err != nil {
		return err
	}
	a.heap.Free(toTlsfRange(r))
	return nil
}

// Reserve maps m at its own caller-chosen virtual address, failing if any
// part of that range is already allocated in the heap.
func (a *AddressSpace) Reserve(m paging.AddressMapping, flags paging.PageFlags, mtype paging.MemoryType) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	r := tlsf.VirtualRange{Front: m.VAddr, Back: addr.Virtual(uint64(m.VAddr) + m.Size)}
	if err := a.heap.Reserve(r); err != nil {
		return err
	}
	if err := a.engine.Map(m, flags, mtype); err != nil {
		a.heap.Free(r)
		return err
	}
	return nil
}

// ReserveRange carves size bytes of virtual address space out of the
// heap without mapping it to anything (C5 only, spec §4.6).
func (a *AddressSpace) ReserveRange(size uint64) (paging.VirtualRange, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	vr, ok := a.heap.Allocate(size, addr.PageSize)
	if !ok {
		return paging.VirtualRange{}, kerr.OutOfMemory
	}
	return toPagingRange(vr), nil
}

// Engine returns the address space's underlying page-table engine, for
// callers (e.g. CR3 loads, walk-based diagnostics) that need it directly.
func (a *AddressSpace) Engine() *paging.Engine { return a.engine }

func typeSize[T any]() addr.Physical {
	var zero T
	return addr.Physical(unsafe.Sizeof(zero)).AlignedUp(addr.PageSize)
}

// MapObject maps one T's worth of physical memory at phys with
// read/write kernel-data flags and write-back caching — the default
// spec §4.6 names for a mutable typed object.
func MapObject[T any](a *AddressSpace, phys addr.Physical) (paging.VirtualRange, error) {
	size := typeSize[T]()
	return a.Map(MemoryRange{Front: phys, Back: phys + size}, paging.Data, paging.WriteBack)
}

// MapMmio maps one T's worth of device memory at phys as uncached
// read/write — the default spec §4.6 names for MMIO register blocks.
func MapMmio[T any](a *AddressSpace, phys addr.Physical) (paging.VirtualRange, error) {
	size := typeSize[T]()
	return a.Map(MemoryRange{Front: phys, Back: phys + size}, paging.Data, paging.Uncached)
}

// MapConst maps one T's worth of physical memory at phys read-only
// write-back — the default spec §4.6 names for an immutable typed
// object.
func MapConst[T any](a *AddressSpace, phys addr.Physical) (paging.VirtualRange, error) {
	size := typeSize[T]()
	return a.Map(MemoryRange{Front: phys, Back: phys + size}, paging.Read, paging.WriteBack)
}
