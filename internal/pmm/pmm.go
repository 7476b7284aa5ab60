// Package pmm is the physical-frame allocator (spec §4.1, component C1):
// a first-fit allocator over the disjoint usable regions of the boot
// memory map. Grounded on biscuit's Physmem_t (biscuit/src/mem/mem.go)
// for the free-list-over-regions idiom, adapted to the region-list model
// spec §3/§4.1 actually specifies (biscuit tracks individual pages in a
// flat array; this core keeps a list of regions, each usable region
// carrying its own per-page free bitmap, so allocation searches region
// by region and, within a region, page by page).
package pmm

import (
	"sort"
	"sync"

	"github.com/coreos-kernel/nucleus/internal/addr"
	"github.com/coreos-kernel/nucleus/internal/bootinfo"
	"github.com/coreos-kernel/nucleus/internal/kerr"
)

// Kind mirrors bootinfo.MemoryKind for the allocator's own region model
// (usable / bootloader-reclaimable / kernel-runtime / reserved /
// low-memory, spec §3).
type Kind = bootinfo.MemoryKind

const pageSize = addr.PageSize

// region is one entry of the allocator's memory map. Usable regions carry
// a free-page bitmap; non-usable regions are retained only so markUsed
// and lookups can report them accurately.
type region struct {
	kind        Kind
	front, back addr.Physical // [front, back)
	// free[i] is true iff the i'th page of this region (pages are
	// pageSize apart, front-relative) is free. Only populated for Usable
	// regions.
	free []bool
}

func (r *region) pages() uint64 {
	return (uint64(r.back-r.front) + pageSize - 1) / pageSize
}

// Allocator is the global physical-frame allocator. All methods are safe
// for concurrent use.
type Allocator struct {
	mu      sync.Mutex
	regions []region
}

const lowMemoryBound = addr.Physical(1 << 20)

// New builds an Allocator from the boot memory map. Every region that
// intersects [0, 1MiB) is forced to MemoryLowMemory and excluded from
// general allocation, even if the loader mislabeled it, per spec §3's
// invariant.
func New(entries []bootinfo.MemoryMapEntry) *Allocator {
	a := &Allocator{}
	sorted := append([]bootinfo.MemoryMapEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Front < sorted[j].Front })
	for _, e := range sorted {
		kind := e.Kind
		if e.Front < lowMemoryBound {
			kind = bootinfo.MemoryLowMemory
		}
		r := region{kind: kind, front: e.Front, back: e.Back}
		if kind == bootinfo.MemoryUsable {
			r.free = make([]bool, r.pages())
			for i := range r.free {
				r.free[i] = true
			}
		}
		a.regions = append(a.regions, r)
	}
	return a
}

// Allocate returns the physical address of n contiguous free pages,
// chosen first-fit from lowest to highest address, skipping regions that
// are too small or are not Usable (low-memory regions are never handed
// out for general use, per spec §3).
func (a *Allocator) Allocate(n int) (addr.Physical, error) {
	if n <= 0 {
		return 0, kerr.OutOfMemory
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for ri := range a.regions {
		r := &a.regions[ri]
		if r.kind != bootinfo.MemoryUsable {
			continue
		}
		if start, ok := findRun(r.free, n); ok {
			for i := start; i < start+n; i++ {
				r.free[i] = false
			}
			return r.front + addr.Physical(start)*pageSize, nil
		}
	}
	return 0, kerr.OutOfMemory
}

func findRun(free []bool, n int) (int, bool) {
	run := 0
	for i, f := range free {
		if !f {
			run = 0
			continue
		}
		run++
		if run == n {
			return i - n + 1, true
		}
	}
	return 0, false
}

// Free returns n pages starting at p to the region that owns them. It
// panics if p does not lie within a usable region's page grid (a double
// free or a bogus address), matching the teacher's "XXXPANIC" discipline
// for invariant violations that indicate a caller bug rather than a
// recoverable condition.
func (a *Allocator) Free(p addr.Physical, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for ri := range a.regions {
		r := &a.regions[ri]
		if r.kind != bootinfo.MemoryUsable || p < r.front || p >= r.back {
			continue
		}
		if !p.IsAligned(pageSize) {
			panic("pmm: free of unaligned address")
		}
		idx := int((p - r.front) / pageSize)
		for i := idx; i < idx+n; i++ {
			if i >= len(r.free) {
				panic("pmm: free range exceeds region")
			}
			if r.free[i] {
				panic("pmm: double free")
			}
			r.free[i] = true
		}
		return
	}
	panic("pmm: free of address outside any usable region")
}

// MarkUsed carves r out of every region it intersects. Legal only during
// early boot (spec §4.1); callers after boot must not call this.
func (a *Allocator) MarkUsed(front, back addr.Physical) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for ri := range a.regions {
		r := &a.regions[ri]
		if r.kind != bootinfo.MemoryUsable {
			continue
		}
		lo := maxPhys(front, r.front)
		hi := minPhys(back, r.back)
		if lo >= hi {
			continue
		}
		startIdx := int((lo - r.front) / pageSize)
		endIdx := int((hi - r.front + pageSize - 1) / pageSize)
		for i := startIdx; i < endIdx && i < len(r.free); i++ {
			r.free[i] = false
		}
	}
}

func maxPhys(a, b addr.Physical) addr.Physical {
	if a > b {
		return a
	}
	return b
}

func minPhys(a, b addr.Physical) addr.Physical {
	if a < b {
		return a
	}
	return b
}

// FreePageCount returns the total number of free pages across all usable
// regions, for diagnostics and tests.
func (a *Allocator) FreePageCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := 0
	for _, r := range a.regions {
		for _, f := range r.free {
			if f {
				total++
			}
		}
	}
	return total
}
