// Package tlsf is a two-level segregated-fit allocator over one
// contiguous virtual address range (spec §4.5, component C5). There is
// no direct teacher analog (biscuit has no virtual-heap allocator; its
// vm/as.go tracks user mappings as an interval list, biscuit/src/vm/as.go
// Vmregion_t), so this package is grounded directly on the TLSF usage the
// spec's original source models (original_source/sources/kernel/src/memory/
// address_space.cpp's mVmemHeap/TlsfHeap), re-expressed as ordinary Go
// segregated free lists rather than the original's boundary-tag C++
// structure, and styled after biscuit's own free-list idiom
// (biscuit/src/mem/mem.go's singly-linked free list of *Page_t).
package tlsf

import (
	"math/bits"
	"sync"

	"github.com/coreos-kernel/nucleus/internal/addr"
	"github.com/coreos-kernel/nucleus/internal/kerr"
)

// VirtualRange is a [Front, Back) virtual address range.
type VirtualRange struct {
	Front, Back addr.Virtual
}

// Size returns the range's length in bytes.
func (r VirtualRange) Size() uint64 { return uint64(r.Back) - uint64(r.Front) }

func (r VirtualRange) empty() bool { return r.Front >= r.Back }

const (
	flCount = 32
	slBits  = 4
	slCount = 1 << slBits
)

// block is one node of the address-ordered doubly linked list covering
// the managed range without gaps; free blocks additionally sit on a
// segregated free list bucket.
type block struct {
	front, back addr.Virtual
	free        bool

	// addrPrev/addrNext order every block (free or live) by address, so
	// Free can find and coalesce with immediate neighbors in O(1).
	addrPrev, addrNext *block

	// freePrev/freeNext chain this block within its (fl, sl) bucket.
	freePrev, freeNext *block
	fl, sl             int
}

func (b *block) size() uint64 { return uint64(b.back) - uint64(b.front) }

// Heap is a TLSF-style segregated-fit allocator over one VirtualRange.
// The concatenation of live allocations and free blocks always equals the
// managed range (spec §4.5 invariant).
type Heap struct {
	mu       sync.Mutex
	managed  VirtualRange
	flBitmap uint32
	slBitmap [flCount]uint32
	buckets  [flCount][slCount]*block
	first    *block // address-ordered list head
	live     map[addr.Virtual]*block
}

// New creates a Heap managing all of r as one initial free block.
func New(r VirtualRange) *Heap {
	h := &Heap{managed: r, live: make(map[addr.Virtual]*block)}
	if !r.empty() {
		b := &block{front: r.Front, back: r.Back, free: true}
		h.first = b
		h.insertFree(b)
	}
	return h
}

func mapping(size uint64) (fl, sl int) {
	if size < slCount {
		return 0, 0
	}
	fl = bits.Len64(size) - 1
	if fl >= flCount {
		fl = flCount - 1
	}
	shift := fl - slBits
	if shift < 0 {
		shift = 0
	}
	sl = int((size >> uint(shift)) & (slCount - 1))
	return fl, sl
}

func (h *Heap) insertFree(b *block) {
	b.free = true
	fl, sl := mapping(b.size())
	b.fl, b.sl = fl, sl
	head := h.buckets[fl][sl]
	b.freeNext = head
	b.freePrev = nil
	if head != nil {
		head.freePrev = b
	}
	h.buckets[fl][sl] = b
	h.flBitmap |= 1 << uint(fl)
	h.slBitmap[fl] |= 1 << uint(sl)
}

func (h *Heap) removeFree(b *block) {
	if b.freePrev != nil {
		b.freePrev.freeNext = b.freeNext
	} else {
		h.buckets[b.fl][b.sl] = b.freeNext
	}
	if b.freeNext != nil {
		b.freeNext.freePrev = b.freePrev
	}
	b.freePrev, b.freeNext = nil, nil
	if h.buckets[b.fl][b.sl] == nil {
		h.slBitmap[b.fl] &^= 1 << uint(b.sl)
		if h.slBitmap[b.fl] == 0 {
			h.flBitmap &^= 1 << uint(b.fl)
		}
	}
	b.free = false
}

// findFit returns the first free block whose size is at least n,
// searching its natural segregated bucket and escalating to larger
// classes on miss (a good-fit search, not the bit-trick O(1) TLSF uses,
// traded here for a much smaller and more obviously correct
// implementation).
func (h *Heap) findFit(n uint64) *block {
	fl, sl := mapping(n)
	for f := fl; f < flCount; f++ {
		startSL := 0
		if f == fl {
			startSL = sl
		}
		for s := startSL; s < slCount; s++ {
			for b := h.buckets[f][s]; b != nil; b = b.freeNext {
				if b.size() >= n {
					return b
				}
			}
		}
	}
	return nil
}

func alignUp(v addr.Virtual, align uint64) addr.Virtual {
	if align <= 1 {
		return v
	}
	return addr.Virtual((uint64(v) + align - 1) &^ (align - 1))
}

// splitAndTake carves [front, front+n) out of b, which must be large
// enough once aligned, inserting any leftover head/tail back as free
// blocks, and returns the carved range.
func (h *Heap) splitAndTake(b *block, front addr.Virtual, n uint64) VirtualRange {
	back := addr.Virtual(uint64(front) + n)
	prevOuter, nextOuter := b.addrPrev, b.addrNext
	h.removeFree(b)

	var head, tail *block
	if front > b.front {
		head = &block{front: b.front, back: front, free: true}
	}
	taken := &block{front: front, back: back}
	if back < b.back {
		tail = &block{front: back, back: b.back, free: true}
	}

	first := head
	if first == nil {
		first = taken
	}
	if prevOuter != nil {
		prevOuter.addrNext = first
	} else {
		h.first = first
	}
	first.addrPrev = prevOuter

	if head != nil {
		head.addrNext = taken
		taken.addrPrev = head
	}
	if tail != nil {
		taken.addrNext = tail
		tail.addrPrev = taken
		tail.addrNext = nextOuter
		if nextOuter != nil {
			nextOuter.addrPrev = tail
		}
	} else {
		taken.addrNext = nextOuter
		if nextOuter != nil {
			nextOuter.addrPrev = taken
		}
	}

	if head != nil {
		h.insertFree(head)
	}
	if tail != nil {
		h.insertFree(tail)
	}

	h.live[front] = taken
	return VirtualRange{Front: front, Back: back}
}

// Allocate returns a free VirtualRange of size bytes aligned to align (a
// power of two, 4K if zero), or reports failure with the heap unchanged.
func (h *Heap) Allocate(size uint64, align uint64) (VirtualRange, bool) {
	if align == 0 {
		align = addr.PageSize
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.allocateLocked(size, align, 0, false)
}

// AllocateHint behaves like Allocate but tries to honor hint: if the free
// block covering hint can satisfy the request at that exact address, it
// is used; otherwise falls back to ordinary first-fit.
func (h *Heap) AllocateHint(size uint64, hint addr.Virtual) (VirtualRange, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.allocateLocked(size, addr.PageSize, hint, true)
}

func (h *Heap) allocateLocked(size uint64, align uint64, hint addr.Virtual, useHint bool) (VirtualRange, bool) {
	if size == 0 {
		return VirtualRange{}, false
	}
	if useHint {
		for b := h.first; b != nil; b = b.addrNext {
			if hint < b.front || hint >= b.back {
				continue
			}
			if b.free {
				front := alignUp(hint, align)
				back := addr.Virtual(uint64(front) + size)
				if front >= b.front && back <= b.back {
					return h.splitAndTake(b, front, size), true
				}
			}
			break
		}
	}

	// Pad the request so any block the bucket search returns is large
	// enough even after alignment slop.
	padded := size + align - 1
	b := h.findFit(padded)
	if b == nil {
		// No block is large enough with slop to spare; a free block may
		// still fit exactly once aligned (e.g. the whole heap).
		for c := h.first; c != nil; c = c.addrNext {
			if c.free && uint64(alignUp(c.front, align))+size <= uint64(c.back) {
				b = c
				break
			}
		}
	}
	if b == nil {
		return VirtualRange{}, false
	}
	front := alignUp(b.front, align)
	if uint64(front)+size > uint64(b.back) {
		return VirtualRange{}, false
	}
	return h.splitAndTake(b, front, size), true
}

// Reserve marks r as permanently used without going through size-class
// accounting; it fails if any part of r is not currently free.
func (h *Heap) Reserve(r VirtualRange) error {
	if r.empty() {
		return kerr.InvalidInput
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for b := h.first; b != nil; b = b.addrNext {
		if b.back <= r.Front {
			continue
		}
		if b.front >= r.Back {
			break
		}
		if !b.free || b.front > r.Front || b.back < r.Back {
			return kerr.InvalidInput
		}
		h.splitAndTake(b, r.Front, r.Size())
		return nil
	}
	return kerr.InvalidInput
}

// Free returns r to the heap, coalescing with any free neighbors. It
// panics if r does not match a range previously returned by Allocate,
// AllocateHint, or Reserve exactly.
func (h *Heap) Free(r VirtualRange) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.live[r.Front]
	if !ok || b.back != r.Back {
		panic("tlsf: free of range not currently allocated")
	}
	delete(h.live, r.Front)
	b.free = true

	if prev := b.addrPrev; prev != nil && prev.free {
		h.removeFree(prev)
		prev.back = b.back
		prev.addrNext = b.addrNext
		if b.addrNext != nil {
			b.addrNext.addrPrev = prev
		}
		b = prev
	}
	if next := b.addrNext; next != nil && next.free {
		h.removeFree(next)
		b.back = next.back
		b.addrNext = next.addrNext
		if next.addrNext != nil {
			next.addrNext.addrPrev = b
		}
	}
	h.insertFree(b)
}

// FreeBytes returns the total number of bytes currently free, for tests
// and diagnostics.
func (h *Heap) FreeBytes() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var total uint64
	for b := h.first; b != nil; b = b.addrNext {
		if b.free {
			total += b.size()
		}
	}
	return total
}
