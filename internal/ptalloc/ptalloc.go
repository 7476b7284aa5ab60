// Package ptalloc is the page-table-frame allocator (spec §4.2, component
// C2): a pool of pre-reserved physical frames dedicated to holding
// L3/L2/L1 tables, with a free list and an identity-map cache so walks
// never have to go through the general translator. Grounded on biscuit's
// Physmem_t free-list idiom (biscuit/src/mem/mem.go's _phys_new/_phys_put)
// but specialized to the all-or-nothing allocate(n) contract spec §4.2
// requires, which biscuit's single-page free list does not model.
package ptalloc

import (
	"sync"

	"github.com/coreos-kernel/nucleus/internal/addr"
	"github.com/coreos-kernel/nucleus/internal/pmm"
)

// Frame is one page-table-sized physical frame, plus the kernel's
// identity-mapped virtual address for it (the cache spec §3 requires so
// that walks never dereference through the global translator).
type Frame struct {
	Phys addr.Physical
	// Zeroed points at the frame's zeroed contents through the identity
	// map; writing through it writes the frame itself.
	Zeroed *[512]uint64
}

// backing is the host-side storage this pure-Go core uses in place of an
// actual identity-mapped physical frame. Production code would instead
// compute Zeroed from the kernel's direct map (as biscuit's Dmap does);
// here we own the bytes directly since there is no real physical memory
// to map.
type backing struct {
	frame Frame
	data  [512]uint64
}

// Pool is the page-table frame allocator. One Pool normally backs one
// address space (or the kernel's own tables); frames come from the
// physical-frame allocator in batches and are tracked on a free list plus
// a live set so compact() can find empty tables.
type Pool struct {
	mu       sync.Mutex
	phys     *pmm.Allocator
	free     []*backing
	allFrame map[addr.Physical]*backing
	// live tracks frames currently checked out, so Compact can be told
	// which of them are now-empty tables by the caller (the page-table
	// engine, which alone knows table occupancy).
	live map[addr.Physical]*backing
}

// New creates a Pool drawing frames from phys.
func New(phys *pmm.Allocator) *Pool {
	return &Pool{
		phys:     phys,
		allFrame: make(map[addr.Physical]*backing),
		live:     make(map[addr.Physical]*backing),
	}
}

func (p *Pool) newBacking() (*backing, error) {
	pa, err := p.phys.Allocate(1)
	if err != nil {
		return nil, err
	}
	b := &backing{frame: Frame{Phys: pa}}
	b.frame.Zeroed = &b.data
	p.allFrame[pa] = b
	return b, nil
}

// Allocate returns exactly n zeroed frames, or none at all (spec §4.2:
// "all or nothing"). On partial failure every frame obtained so far is
// returned to the free list before reporting failure, so the pool's
// state is unchanged.
func (p *Pool) Allocate(n int) ([]Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocateLocked(n)
}

func (p *Pool) allocateLocked(n int) ([]Frame, bool) {
	got := make([]*backing, 0, n)
	for len(got) < n {
		if len(p.free) > 0 {
			b := p.free[len(p.free)-1]
			p.free = p.free[:len(p.free)-1]
			got = append(got, b)
			continue
		}
		b, err := p.newBacking()
		if err != nil {
			// Roll back: return every frame obtained this call to the
			// free list, leaving the pool exactly as it was found.
			p.free = append(p.free, got...)
			return nil, false
		}
		got = append(got, b)
	}
	frames := make([]Frame, n)
	for i, b := range got {
		for j := range b.data {
			b.data[j] = 0
		}
		p.live[b.frame.Phys] = b
		frames[i] = b.frame
	}
	return frames, true
}

// AllocateList is the list-returning form of Allocate used by callers
// (the page-table engine's reservation step) that want a slice they can
// consume one frame at a time.
func (p *Pool) AllocateList(n int) ([]Frame, bool) {
	return p.Allocate(n)
}

// AllocateExtra tops up an existing list to have at least n more frames,
// appending to list in place. Returns false (list is unchanged) if the
// pool cannot satisfy the extra frames atomically.
func (p *Pool) AllocateExtra(n int, list []Frame) ([]Frame, bool) {
	extra, ok := p.Allocate(n)
	if !ok {
		return list, false
	}
	return append(list, extra...), true
}

// Free returns a list of frames to the pool's free list.
func (p *Pool) Free(frames []Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range frames {
		b, ok := p.live[f.Phys]
		if !ok {
			panic("ptalloc: free of frame not checked out")
		}
		delete(p.live, f.Phys)
		p.free = append(p.free, b)
	}
}

// Compact walks the caller-supplied set of table frames the page-table
// engine has identified as now-empty (every entry absent) and returns
// them to the free list, returning the count reclaimed. The engine, not
// this package, knows table occupancy (it owns entry semantics); Compact
// only performs the bookkeeping once told which frames are empty.
func (p *Pool) Compact(emptyTables []addr.Physical) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, pa := range emptyTables {
		b, ok := p.live[pa]
		if !ok {
			continue
		}
		delete(p.live, pa)
		p.free = append(p.free, b)
		n++
	}
	return n
}

// Resolve returns the identity-mapped contents of a live table frame
// given its physical address, mirroring the role biscuit's direct map
// (mem.Physmem.Dmap) plays for pmap walks: the engine never needs its own
// translation to read or write a table it owns.
func (p *Pool) Resolve(phys addr.Physical) *[512]uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.live[phys]
	if !ok {
		panic("ptalloc: resolve of frame not checked out")
	}
	return &b.data
}

// LiveCount reports the number of frames currently checked out, for
// tests and diagnostics.
func (p *Pool) LiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

// FreeCount reports the number of frames on the free list.
func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
