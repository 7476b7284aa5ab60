// Package paging is the page-table engine (spec §4.4, component C4, "the
// heart"): map/unmap/walk/compact over 4K/2M/1G pages with split/merge,
// under the atomicity principle that every mutator reserves all frames it
// could possibly need before touching a single entry. Grounded on
// biscuit's Vm_t/pmap_walk discipline (biscuit/src/vm/as.go,
// _page_insert/Page_remove) for the "reserve or fail with zero side
// effects" shape, generalized to large pages and split/merge, which
// biscuit's own pmap does not implement (it is strictly 4K).
package paging

import (
	"sync"

	"github.com/coreos-kernel/nucleus/internal/addr"
	"github.com/coreos-kernel/nucleus/internal/kerr"
	"github.com/coreos-kernel/nucleus/internal/klog"
	"github.com/coreos-kernel/nucleus/internal/ptalloc"
)

// PageFlags is the external-facing permission/attribute bitset (spec §3).
type PageFlags uint

const (
	Read PageFlags = 1 << iota
	Write
	Execute
	User
	WriteThrough
	CacheDisable
)

// Derived presets spec §3 names.
const (
	Code PageFlags = Read | Execute
	Data PageFlags = Read | Write
	All  PageFlags = Read | Write | Execute
)

// MemoryType is the PAT-selected caching behavior of a mapping (spec §3).
type MemoryType int

const (
	WriteBack MemoryType = iota
	MemWriteThrough
	WriteCombine
	Uncached
	UncachedMinus
)

// patTable is the fixed PAT-index assignment installed at boot (spec §3:
// "Installed into the PAT at boot"). A real boot sequence programs the
// IA32_PAT MSR with this exact ordering; SetupPAT documents and returns
// it so firmware/MSR-programming code and this package agree on indices.
var patTable = [...]addr.PATIndex{
	WriteBack:       0,
	MemWriteThrough: 1,
	WriteCombine:    2,
	Uncached:        3,
	UncachedMinus:   4,
}

// SetupPAT returns the fixed PAT-index assignment this engine expects the
// boot sequence to have programmed into IA32_PAT before any page table is
// populated. It exists so the MSR-programming code and this package share
// one source of truth instead of two copies of the same table.
func SetupPAT() [5]addr.PATIndex {
	return [5]addr.PATIndex{
		patTable[WriteBack], patTable[MemWriteThrough], patTable[WriteCombine],
		patTable[Uncached], patTable[UncachedMinus],
	}
}

// AddressMapping bundles a matched (vaddr, paddr, size) triple; size must
// be a positive multiple of 4 KiB (spec §3).
type AddressMapping struct {
	VAddr addr.Virtual
	PAddr addr.Physical
	Size  uint64
}

func (m AddressMapping) valid() bool {
	return m.Size > 0 && m.Size%addr.PageSize == 0 &&
		addr.IsCanonical(m.VAddr) &&
		addr.Virtual(uint64(m.VAddr)+m.Size-1) >= m.VAddr
}

// VirtualRange is a [Front, Back) virtual address range.
type VirtualRange struct {
	Front, Back addr.Virtual
}

func (r VirtualRange) size() uint64 { return uint64(r.Back) - uint64(r.Front) }

func (r VirtualRange) valid() bool {
	return r.Front <= r.Back && addr.IsCanonical(r.Front) &&
		(r.Back == r.Front || addr.IsCanonical(r.Back-1))
}

// TerminalSize describes the page size a walk terminated at.
type TerminalSize int

const (
	TerminalNone TerminalSize = iota
	Terminal4K
	Terminal2M
	Terminal1G
)

// PageWalk is the result of walking the four page-table levels for one
// virtual address: the entries encountered (zero-valued past the
// terminal level) and the page size the walk bottomed out at.
type PageWalk struct {
	L4, L3, L2, L1 addr.Entry
	Terminal       TerminalSize
}

// invalidator abstracts cpu.Invlpg so the engine is unit-testable without
// real hardware; production wiring passes cpu.Invlpg directly.
type invalidator func(virtAddr uintptr)

// Engine is one page-table hierarchy: a PML4 root plus the frame pool it
// draws L3/L2/L1 tables from. One Engine normally backs one address space
// (spec §4.6 pairs exactly one Engine with one TLSF heap).
type Engine struct {
	mu     sync.Mutex
	pool   *ptalloc.Pool
	root   addr.Physical
	invlpg invalidator
	log    *klog.Logger
}

// New allocates a fresh, empty PML4 and returns the engine that owns it.
func New(pool *ptalloc.Pool, invlpg func(uintptr), log *klog.Logger) (*Engine, error) {
	frames, ok := pool.Allocate(1)
	if !ok {
		return nil, kerr.OutOfMemory
	}
	if invlpg == nil {
		invlpg = func(uintptr) {}
	}
	return &Engine{pool: pool, root: frames[0].Phys, invlpg: invalidator(invlpg), log: log}, nil
}

// Root returns the physical address of the PML4, for CR3 loads.
func (e *Engine) Root() addr.Physical { return e.root }

func (e *Engine) table(phys addr.Physical) *[512]uint64 {
	return e.pool.Resolve(phys)
}

const entryPointerFlags = addr.Entry(1 | 1<<1 | 1<<2) // Present | Write | User: permissive intermediate-level flags; leaf flags gate actual access.

// walkLocked descends from the root without mutation, optionally creating
// missing intermediate tables from frames (consumed in order) when create
// is true. It returns the PageWalk result and, when create is true and
// frames ran out, reports the shortfall via ok=false (which must never
// happen once the reservation protocol has run correctly).
func (e *Engine) walkLocked(va addr.Virtual, create bool, frames *[]ptalloc.Frame) (PageWalk, bool) {
	ix := addr.GetAddressParts(va)
	var pw PageWalk

	l4tab := e.table(e.root)
	l4e := addr.Entry(l4tab[ix.L4])
	pw.L4 = l4e
	if !l4e.Present() {
		if !create {
			return pw, true
		}
		nf, ok := takeFrame(frames)
		if !ok {
			return pw, false
		}
		l4e = entryPointerFlags.WithFrame4K(nf)
		l4tab[ix.L4] = uint64(l4e)
		pw.L4 = l4e
	}

	l3tab := e.table(l4e.Frame4K())
	l3e := addr.Entry(l3tab[ix.L3])
	pw.L3 = l3e
	if l3e.Present() && l3e.Large() {
		pw.Terminal = Terminal1G
		return pw, true
	}
	if !l3e.Present() {
		if !create {
			return pw, true
		}
		nf, ok := takeFrame(frames)
		if !ok {
			return pw, false
		}
		l3e = entryPointerFlags.WithFrame4K(nf)
		l3tab[ix.L3] = uint64(l3e)
		pw.L3 = l3e
	}

	l2tab := e.table(l3e.Frame4K())
	l2e := addr.Entry(l2tab[ix.L2])
	pw.L2 = l2e
	if l2e.Present() && l2e.Large() {
		pw.Terminal = Terminal2M
		return pw, true
	}
	if !l2e.Present() {
		if !create {
			return pw, true
		}
		nf, ok := takeFrame(frames)
		if !ok {
			return pw, false
		}
		l2e = entryPointerFlags.WithFrame4K(nf)
		l2tab[ix.L2] = uint64(l2e)
		pw.L2 = l2e
	}

	l1tab := e.table(l2e.Frame4K())
	l1e := addr.Entry(l1tab[ix.L1])
	pw.L1 = l1e
	if l1e.Present() {
		pw.Terminal = Terminal4K
	}
	return pw, true
}

func takeFrame(frames *[]ptalloc.Frame) (addr.Physical, bool) {
	if len(*frames) == 0 {
		return 0, false
	}
	f := (*frames)[0]
	*frames = (*frames)[1:]
	return f.Phys, true
}

// Walk descends without mutation and returns the four entries encountered
// plus the terminal page size (spec §4.4).
func (e *Engine) Walk(va addr.Virtual) PageWalk {
	e.mu.Lock()
	defer e.mu.Unlock()
	pw, _ := e.walkLocked(va, false, nil)
	return pw
}

// GetBackingAddress returns the physical address va currently translates
// to, or kerr.InvalidInput if unmapped.
func (e *Engine) GetBackingAddress(va addr.Virtual) (addr.Physical, error) {
	pw := e.Walk(va)
	off := uint64(va) & addr.PageMask
	switch pw.Terminal {
	case Terminal4K:
		return pw.L1.Frame4K() + addr.Physical(off), nil
	case Terminal2M:
		off2m := uint64(va) & (addr.Size2M - 1)
		return pw.L2.Frame2M() + addr.Physical(off2m), nil
	case Terminal1G:
		off1g := uint64(va) & (addr.Size1G - 1)
		return pw.L3.Frame1G() + addr.Physical(off1g), nil
	default:
		return 0, kerr.InvalidInput
	}
}

// maxPagesForMapping is the fast conservative upper bound on page-table
// frames a mapping over size bytes could need: step 1 of the reservation
// protocol (spec §4.4).
func maxPagesForMapping(size uint64) int {
	chunks := (size + addr.Size2M - 1) / addr.Size2M
	return int(chunks) + 2
}

// countMissing walks the existing tables along [front, back) and counts
// only the intermediate table frames that are genuinely absent: step 2 of
// the reservation protocol.
func (e *Engine) countMissing(front, back addr.Virtual) int {
	missing := 0
	seen := map[addr.Physical]bool{}
	slots := func(lo, hi addr.Virtual, stride uint64) int {
		return int((uint64(hi)+stride-1)/stride - uint64(lo)/stride)
	}
	for va := front; va < back; {
		ix := addr.GetAddressParts(va)
		l4tab := e.table(e.root)
		l4e := addr.Entry(l4tab[ix.L4])
		if !l4e.Present() {
			// The L3 table, plus every L2 and L1 table beneath it that
			// the part of the range under this entry needs.
			end := nextBoundary(va, addr.Size1G*512)
			if end > back || end <= va {
				end = back
			}
			missing += 1 + slots(va, end, addr.Size1G) + slots(va, end, addr.Size2M)
			va = end
			continue
		}
		l3tab := e.table(l4e.Frame4K())
		l3e := addr.Entry(l3tab[ix.L3])
		if l3e.Present() && l3e.Large() {
			va = nextBoundary(va, addr.Size1G)
			continue
		}
		if !l3e.Present() {
			end := nextBoundary(va, addr.Size1G)
			if end > back || end <= va {
				end = back
			}
			missing += 1 + slots(va, end, addr.Size2M)
			va = end
			continue
		}
		l2tab := e.table(l3e.Frame4K())
		l2e := addr.Entry(l2tab[ix.L2])
		if l2e.Present() && l2e.Large() {
			va = nextBoundary(va, addr.Size2M)
			continue
		}
		if !l2e.Present() {
			key := l3e.Frame4K() + addr.Physical(ix.L2)
			if !seen[key] {
				seen[key] = true
				missing++
			}
			va = nextBoundary(va, addr.Size2M)
			continue
		}
		va = nextBoundary(va, addr.Size2M)
	}
	// Splits (a 4K op landing inside a 2M leaf) need up to 1 extra L1
	// frame per boundary crossed; the fast path already overprovisions
	// for this, so the exact walk adds a flat splitting allowance here.
	missing += 2
	return missing
}

func nextBoundary(va addr.Virtual, stride uint64) addr.Virtual {
	next := (uint64(va)/stride + 1) * stride
	return addr.Virtual(next)
}

// reserve implements the three-step-then-fail reservation protocol of
// spec §4.4: a fast upper bound, then an exact walk, then emergency
// compaction, then failure with zero side effects.
func (e *Engine) reserve(front, back addr.Virtual, size uint64) ([]ptalloc.Frame, error) {
	if frames, ok := e.pool.Allocate(maxPagesForMapping(size)); ok {
		return frames, nil
	}
	exact := e.countMissing(front, back)
	if frames, ok := e.pool.Allocate(exact); ok {
		return frames, nil
	}
	e.compactLocked()
	if frames, ok := e.pool.Allocate(exact); ok {
		return frames, nil
	}
	return nil, kerr.OutOfMemory
}

func leafFlags(f PageFlags, t MemoryType) addr.Entry {
	e := addr.Entry(1) // Present
	if f&Write != 0 {
		e |= 1 << 1
	}
	if f&User != 0 {
		e |= 1 << 2
	}
	if f&Execute == 0 {
		e |= 1 << 63 // NX
	}
	return e
}

func withPAT(e addr.Entry, t MemoryType, large bool) addr.Entry {
	return e.WithPATIndex(patTable[t], large)
}

// Map installs m with the given flags and memory type, atomically: every
// page-table frame the operation could need is reserved before any entry
// is written (spec §4.4). On OutOfMemory or InvalidInput, no page table
// state is changed.
func (e *Engine) Map(m AddressMapping, flags PageFlags, mtype MemoryType) error {
	if !m.valid() || !m.PAddr.IsAligned(addr.PageSize) {
		return kerr.InvalidInput
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	front := m.VAddr
	back := addr.Virtual(uint64(m.VAddr) + m.Size)
	frames, err := e.reserve(front, back, m.Size)
	if err != nil {
		return err
	}
	defer func() {
		if len(frames) > 0 {
			e.pool.Free(frames)
		}
	}()

	head, body, tail := splitPlan(m.VAddr, m.PAddr, m.Size)

	if head.size > 0 {
		e.map4kRangeLocked(head.vaddr, head.paddr, head.size, flags, mtype, &frames)
	}
	if body.size > 0 {
		e.map2mBodyLocked(body.vaddr, body.paddr, body.size, flags, mtype, &frames)
	}
	if tail.size > 0 {
		e.map4kRangeLocked(tail.vaddr, tail.paddr, tail.size, flags, mtype, &frames)
	}
	return nil
}

type chunk struct {
	vaddr addr.Virtual
	paddr addr.Physical
	size  uint64
}

// splitPlan implements the large-page policy of spec §4.4: a range is
// eligible for 2 MiB mapping iff vaddr/paddr share congruence modulo 2MiB
// and the aligned body is non-empty; the engine then emits a 4K head (if
// any), a 2M body, and a 4K tail (if any).
func splitPlan(va addr.Virtual, pa addr.Physical, size uint64) (head, body, tail chunk) {
	if uint64(va)%addr.Size2M != uint64(pa)%addr.Size2M {
		return chunk{va, pa, size}, chunk{}, chunk{}
	}
	alignedFront := uint64(va+addr.Size2M-1) &^ (addr.Size2M - 1)
	back := uint64(va) + size
	alignedBack := back &^ (addr.Size2M - 1)
	if alignedBack <= alignedFront {
		return chunk{va, pa, size}, chunk{}, chunk{}
	}
	headSize := alignedFront - uint64(va)
	bodySize := alignedBack - alignedFront
	tailSize := back - alignedBack
	if headSize > 0 {
		head = chunk{va, pa, headSize}
	}
	body = chunk{addr.Virtual(alignedFront), pa + addr.Physical(headSize), bodySize}
	if tailSize > 0 {
		tail = chunk{addr.Virtual(alignedBack), pa + addr.Physical(headSize+bodySize), tailSize}
	}
	return
}

func (e *Engine) map4kRangeLocked(va addr.Virtual, pa addr.Physical, size uint64, flags PageFlags, mtype MemoryType, frames *[]ptalloc.Frame) {
	leaf := withPAT(leafFlags(flags, mtype), mtype, false)
	for off := uint64(0); off < size; off += addr.PageSize {
		cur := addr.Virtual(uint64(va) + off)
		_, ok := e.walkLocked(cur, true, frames)
		if !ok {
			panic("paging: reservation shortfall during map (invariant violation)")
		}
		e.writeL1(cur, pa+addr.Physical(off), leaf, frames)
	}
}

// writeL1 resolves the L1 table for cur (splitting a covering 2M leaf
// first if necessary) and writes the final 4K entry, issuing a TLB
// invalidation for a present->absent or present->present transition.
func (e *Engine) writeL1(cur addr.Virtual, pa addr.Physical, leaf addr.Entry, frames *[]ptalloc.Frame) {
	ix := addr.GetAddressParts(cur)
	l4tab := e.table(e.root)
	l4e := addr.Entry(l4tab[ix.L4])
	l3tab := e.table(l4e.Frame4K())
	l3e := addr.Entry(l3tab[ix.L3])
	if l3e.Present() && l3e.Large() {
		e.split1GLocked(cur, frames)
		l3e = addr.Entry(l3tab[ix.L3])
	}
	l2tab := e.table(l3e.Frame4K())
	l2e := addr.Entry(l2tab[ix.L2])
	if l2e.Present() && l2e.Large() {
		e.split2MLocked(cur, frames)
		l2e = addr.Entry(l2tab[ix.L2])
	}
	l1tab := e.table(l2e.Frame4K())
	was := addr.Entry(l1tab[ix.L1])
	l1tab[ix.L1] = uint64(leaf.WithFrame4K(pa))
	if was.Present() {
		e.invlpg(uintptr(cur))
	}
}

// split2MLocked replaces the 2 MiB leaf covering cur with a freshly
// allocated L1 table whose 512 entries replicate the leaf's flags and
// memory type, translated to point at 4K slices of the original 2M
// frame. The new L1 entries are written before the L2 pointer is
// rewritten, and a TLB invalidation for the whole 2M window follows the
// pointer rewrite, so no observer ever sees a torn mapping (spec §4.4,
// design note on manual TLB invalidation ordering).
func (e *Engine) split2MLocked(cur addr.Virtual, frames *[]ptalloc.Frame) {
	ix := addr.GetAddressParts(cur)
	l4tab := e.table(e.root)
	l3tab := e.table(addr.Entry(l4tab[ix.L4]).Frame4K())
	l2tab := e.table(addr.Entry(l3tab[ix.L3]).Frame4K())
	oldEntry := addr.Entry(l2tab[ix.L2])
	base := oldEntry.Frame2M()
	patIdx := oldEntry.PATIndex(true)

	l1Phys, ok := takeFrame(frames)
	if !ok {
		panic("paging: split requires a reserved L1 frame (invariant violation)")
	}
	l1tab := e.table(l1Phys)
	perm := oldEntry &^ (1<<7 | 1<<12) // strip PS and the large-page PAT bit position
	for i := 0; i < 512; i++ {
		frame := base + addr.Physical(i)*addr.PageSize
		entry := perm.WithFrame4K(frame).WithPATIndex(patIdx, false)
		l1tab[i] = uint64(entry)
	}

	newL2 := entryPointerFlags.WithFrame4K(l1Phys)
	l2tab[ix.L2] = uint64(newL2)

	base2M := addr.Virtual(uint64(cur) &^ (addr.Size2M - 1))
	for off := uint64(0); off < addr.Size2M; off += addr.PageSize {
		e.invlpg(uintptr(base2M) + uintptr(off))
	}
}

// split1GLocked is the L3 analog of split2MLocked: it replaces a 1 GiB
// leaf with a fresh L2 table of 2 MiB leaves.
func (e *Engine) split1GLocked(cur addr.Virtual, frames *[]ptalloc.Frame) {
	ix := addr.GetAddressParts(cur)
	l4tab := e.table(e.root)
	l3tab := e.table(addr.Entry(l4tab[ix.L4]).Frame4K())
	oldEntry := addr.Entry(l3tab[ix.L3])
	base := oldEntry.Frame1G()
	patIdx := oldEntry.PATIndex(true)

	l2Phys, ok := takeFrame(frames)
	if !ok {
		panic("paging: split requires a reserved L2 frame (invariant violation)")
	}
	l2tab := e.table(l2Phys)
	perm := oldEntry &^ (1 << 12)
	for i := 0; i < 512; i++ {
		frame := base + addr.Physical(i)*addr.Size2M
		entry := perm.WithFrame2M(frame).WithPATIndex(patIdx, true)
		l2tab[i] = uint64(entry)
	}

	newL3 := entryPointerFlags.WithFrame4K(l2Phys)
	l3tab[ix.L3] = uint64(newL3)

	base1G := addr.Virtual(uint64(cur) &^ (addr.Size1G - 1))
	for off := uint64(0); off < addr.Size1G; off += addr.Size2M {
		e.invlpg(uintptr(base1G) + uintptr(off))
	}
}

func (e *Engine) map2mBodyLocked(va addr.Virtual, pa addr.Physical, size uint64, flags PageFlags, mtype MemoryType, frames *[]ptalloc.Frame) {
	leaf := withPAT(leafFlags(flags, mtype), mtype, true)
	for off := uint64(0); off < size; off += addr.Size2M {
		cur := addr.Virtual(uint64(va) + off)
		ix := addr.GetAddressParts(cur)
		pw, ok := e.walkLocked(cur, true, frames)
		if !ok {
			panic("paging: reservation shortfall during map2m (invariant violation)")
		}
		l2tab := e.table(pw.L3.Frame4K())
		l2tab[ix.L2] = uint64(leaf.WithFrame2M(pa + addr.Physical(off)))
	}
}

// Map2M is the strict 2 MiB-aligned variant of Map: m.VAddr, m.PAddr, and
// m.Size must all be 2 MiB aligned.
func (e *Engine) Map2M(m AddressMapping, flags PageFlags, mtype MemoryType) error {
	if !m.valid() || m.Size%addr.Size2M != 0 ||
		!m.VAddr.IsAligned(addr.Size2M) || !m.PAddr.IsAligned(addr.Size2M) {
		return kerr.InvalidInput
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	front := m.VAddr
	back := addr.Virtual(uint64(m.VAddr) + m.Size)
	frames, err := e.reserve(front, back, m.Size)
	if err != nil {
		return err
	}
	defer func() {
		if len(frames) > 0 {
			e.pool.Free(frames)
		}
	}()
	e.map2mBodyLocked(m.VAddr, m.PAddr, m.Size, flags, mtype, &frames)
	return nil
}

// map1gBodyLocked writes 1 GiB leaves directly into the L3 table. Unlike
// map2mBodyLocked it does not route through walkLocked: a 1G leaf lives
// in the L3 entry itself, so the only intermediate table that could be
// missing is L4's pointer to the L3 table — walking deeper would create
// and then immediately discard an L2 table frame for nothing.
func (e *Engine) map1gBodyLocked(va addr.Virtual, pa addr.Physical, size uint64, flags PageFlags, mtype MemoryType, frames *[]ptalloc.Frame) {
	leaf := withPAT(leafFlags(flags, mtype), mtype, true)
	for off := uint64(0); off < size; off += addr.Size1G {
		cur := addr.Virtual(uint64(va) + off)
		ix := addr.GetAddressParts(cur)
		l4tab := e.table(e.root)
		l4e := addr.Entry(l4tab[ix.L4])
		if !l4e.Present() {
			nf, ok := takeFrame(frames)
			if !ok {
				panic("paging: reservation shortfall during map1g (invariant violation)")
			}
			l4e = entryPointerFlags.WithFrame4K(nf)
			l4tab[ix.L4] = uint64(l4e)
		}
		l3tab := e.table(l4e.Frame4K())
		l3tab[ix.L3] = uint64(leaf.WithFrame1G(pa + addr.Physical(off)))
	}
}

// Map1G is the strict 1 GiB-aligned variant of Map: m.VAddr, m.PAddr, and
// m.Size must all be 1 GiB aligned. It is the C3/C4 large-page path spec
// §1's "4 KiB / 2 MiB / 1 GiB pages" guarantee requires alongside Map2M;
// Unmap (and its split1GLocked path) already tears a 1G leaf back down
// when a later 4K/2M operation only partially overlaps it.
func (e *Engine) Map1G(m AddressMapping, flags PageFlags, mtype MemoryType) error {
	if !m.valid() || m.Size%addr.Size1G != 0 ||
		!m.VAddr.IsAligned(addr.Size1G) || !m.PAddr.IsAligned(addr.Size1G) {
		return kerr.InvalidInput
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	front := m.VAddr
	back := addr.Virtual(uint64(m.VAddr) + m.Size)
	frames, err := e.reserve(front, back, m.Size)
	if err != nil {
		return err
	}
	defer func() {
		if len(frames) > 0 {
			e.pool.Free(frames)
		}
	}()
	e.map1gBodyLocked(m.VAddr, m.PAddr, m.Size, flags, mtype, &frames)
	return nil
}

// Unmap clears every mapping in r, splitting any 2 MiB leaf whose
// boundary the range straddles. Per the REDESIGN FLAGS / Open Questions
// in spec §9, this implementation's decision is: only the (at most two)
// leaves holding r's endpoints can be partially covered, so at most two
// leaves are ever split, each with one of the two L1 frames reserved up
// front; every leaf lying wholly inside r, however many, is cleared in
// place without a split. This closes the "earlyAllocations >= 3" gap the
// source left unreachable.
func (e *Engine) Unmap(r VirtualRange) error {
	if !r.valid() {
		return kerr.InvalidInput
	}
	if straddleCount(r) > 2 {
		return kerr.InvalidInput
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	// Splitting the (at most two) boundary leaves needs up to one L1
	// frame each; reserve that up front per the atomicity principle.
	reserved, ok := e.pool.Allocate(2)
	if !ok {
		return kerr.OutOfMemory
	}
	defer func() {
		if len(reserved) > 0 {
			e.pool.Free(reserved)
		}
	}()

	for va := r.Front; va < r.Back; {
		va = e.unmap4kLocked(va, r.Front, r.Back, &reserved)
	}
	return nil
}

// straddleCount reports how many 2 MiB-leaf boundaries r's endpoints fall
// strictly inside (0, 1, or 2).
func straddleCount(r VirtualRange) int {
	n := 0
	if uint64(r.Front)%addr.Size2M != 0 {
		n++
	}
	if uint64(r.Back)%addr.Size2M != 0 {
		n++
	}
	return n
}

// clearWindowLocked invalidates every page-size-aligned address in
// [base, base+size) after a direct leaf clear (no split involved).
func (e *Engine) clearWindowLocked(base addr.Virtual, size, step uint64) {
	for off := uint64(0); off < size; off += step {
		e.invlpg(uintptr(base) + uintptr(off))
	}
}

// unmap4kLocked clears the mapping covering va and returns the virtual
// address the caller should resume at. A large (1G/2M) leaf entirely
// contained in [rangeFront, rangeBack) is cleared directly — it needs no
// split, since every 4K page underneath it is being unmapped anyway — and
// the whole leaf is skipped in one step. A large leaf only partially
// covered by the range (one of the at most two boundary leaves Unmap
// reserved split frames for) is split first, then unmapped 4K at a time.
func (e *Engine) unmap4kLocked(va, rangeFront, rangeBack addr.Virtual, frames *[]ptalloc.Frame) addr.Virtual {
	ix := addr.GetAddressParts(va)
	l4tab := e.table(e.root)
	l4e := addr.Entry(l4tab[ix.L4])
	if !l4e.Present() {
		return va + addr.PageSize
	}
	l3tab := e.table(l4e.Frame4K())
	l3e := addr.Entry(l3tab[ix.L3])
	if !l3e.Present() {
		return va + addr.PageSize
	}
	if l3e.Large() {
		base := addr.Virtual(uint64(va) &^ (addr.Size1G - 1))
		end := addr.Virtual(uint64(base) + addr.Size1G)
		if base >= rangeFront && end <= rangeBack {
			l3tab[ix.L3] = 0
			e.clearWindowLocked(base, addr.Size1G, addr.Size2M)
			return end
		}
		e.split1GLocked(va, frames)
		l3e = addr.Entry(l3tab[ix.L3])
	}
	l2tab := e.table(l3e.Frame4K())
	l2e := addr.Entry(l2tab[ix.L2])
	if !l2e.Present() {
		return va + addr.PageSize
	}
	if l2e.Large() {
		base := addr.Virtual(uint64(va) &^ (addr.Size2M - 1))
		end := addr.Virtual(uint64(base) + addr.Size2M)
		if base >= rangeFront && end <= rangeBack {
			l2tab[ix.L2] = 0
			e.clearWindowLocked(base, addr.Size2M, addr.PageSize)
			return end
		}
		e.split2MLocked(va, frames)
		l2e = addr.Entry(l2tab[ix.L2])
	}
	l1tab := e.table(l2e.Frame4K())
	if addr.Entry(l1tab[ix.L1]).Present() {
		l1tab[ix.L1] = 0
		e.invlpg(uintptr(va))
	}
	return va + addr.PageSize
}

// Unmap2M is the strict 2 MiB-aligned variant of Unmap.
func (e *Engine) Unmap2M(r VirtualRange) error {
	if !r.valid() || r.size()%addr.Size2M != 0 ||
		!r.Front.IsAligned(addr.Size2M) || !r.Back.IsAligned(addr.Size2M) {
		return kerr.InvalidInput
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	// Strict: every 2 MiB slot must hold a 2M leaf, checked before
	// anything is cleared.
	for va := r.Front; va < r.Back; va += addr.Size2M {
		if pw, _ := e.walkLocked(va, false, nil); pw.Terminal != Terminal2M {
			return kerr.InvalidInput
		}
	}
	for va := r.Front; va < r.Back; va += addr.Size2M {
		ix := addr.GetAddressParts(va)
		l4tab := e.table(e.root)
		l4e := addr.Entry(l4tab[ix.L4])
		if !l4e.Present() {
			continue
		}
		l3tab := e.table(l4e.Frame4K())
		l3e := addr.Entry(l3tab[ix.L3])
		if !l3e.Present() {
			continue
		}
		l2tab := e.table(l3e.Frame4K())
		if addr.Entry(l2tab[ix.L2]).Present() {
			l2tab[ix.L2] = 0
			for off := uint64(0); off < addr.Size2M; off += addr.PageSize {
				e.invlpg(uintptr(va) + uintptr(off))
			}
		}
	}
	return nil
}

// Unmap1G is the strict 1 GiB-aligned variant of Unmap: it clears whole L3
// leaves directly, the same direct-clear path Unmap itself now takes for
// any 1G leaf fully contained in a general unmap range.
func (e *Engine) Unmap1G(r VirtualRange) error {
	if !r.valid() || r.size()%addr.Size1G != 0 ||
		!r.Front.IsAligned(addr.Size1G) || !r.Back.IsAligned(addr.Size1G) {
		return kerr.InvalidInput
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	// Strict: every 1 GiB slot must hold a 1G leaf, checked before
	// anything is cleared.
	for va := r.Front; va < r.Back; va += addr.Size1G {
		if pw, _ := e.walkLocked(va, false, nil); pw.Terminal != Terminal1G {
			return kerr.InvalidInput
		}
	}
	for va := r.Front; va < r.Back; va += addr.Size1G {
		ix := addr.GetAddressParts(va)
		l4tab := e.table(e.root)
		l4e := addr.Entry(l4tab[ix.L4])
		if !l4e.Present() {
			continue
		}
		l3tab := e.table(l4e.Frame4K())
		if addr.Entry(l3tab[ix.L3]).Present() {
			l3tab[ix.L3] = 0
			e.clearWindowLocked(va, addr.Size1G, addr.Size2M)
		}
	}
	return nil
}

// Compact walks every live L2 table whose 512 L1 entries are all absent
// and reclaims the L1 frame, then applies the same logic one level up
// (L3 tables whose L2 children are all absent). It returns the number of
// table frames reclaimed.
func (e *Engine) Compact() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compactLocked()
}

func (e *Engine) compactLocked() int {
	var empty []addr.Physical
	e.walkForEmpty(e.root, 4, &empty)
	if len(empty) == 0 {
		return 0
	}
	return e.pool.Compact(empty)
}

// walkForEmpty recurses the live hierarchy, pruning (in its caller's
// bookkeeping, by reporting via empty) any non-leaf table all of whose
// entries are absent. lvl counts down from 4 (L4) to 1 (L1); an L1 table
// whose 512 entries are all absent is reported empty like any other, so
// the L1 tables Unmap leaves behind are reclaimed here.
func (e *Engine) walkForEmpty(tablePhys addr.Physical, lvl int, empty *[]addr.Physical) bool {
	if lvl == 1 {
		tab := e.table(tablePhys)
		for _, raw := range tab {
			if addr.Entry(raw).Present() {
				return false
			}
		}
		return true
	}
	tab := e.table(tablePhys)
	allEmpty := true
	for i, raw := range tab {
		ent := addr.Entry(raw)
		if !ent.Present() {
			continue
		}
		if ent.Large() {
			allEmpty = false
			continue
		}
		childEmpty := e.walkForEmpty(ent.Frame4K(), lvl-1, empty)
		if childEmpty {
			*empty = append(*empty, ent.Frame4K())
			tab[i] = 0
		} else {
			allEmpty = false
		}
	}
	return allEmpty
}
