// Package smp brings application processors online (spec §4.10,
// component C10): trampoline placement, INIT/SIPI sequencing with the
// one-resend retry, the address-space half of per-CPU setup (IST stacks,
// ISR table, per-CPU area; loading the GDT/TSS is left to the caller), and the
// liveness/readiness handshake that lets the BSP wait for every AP to
// reach the scheduler before dispatching work. There is no direct
// teacher analog (biscuit boots single-core); this package is grounded
// on spec §4.10's own numbered sequence, with the fan-out across
// multiple APs built on golang.org/x/sync/errgroup the way the rest of
// the ecosystem pack uses it for bounded concurrent work, and the
// simulated trampoline memory modeled the same way internal/apic's
// mmioWindow and internal/ioapic's window stand in for real MMIO.
package smp

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/coreos-kernel/nucleus/internal/addr"
	"github.com/coreos-kernel/nucleus/internal/apic"
	"github.com/coreos-kernel/nucleus/internal/aspace"
	"github.com/coreos-kernel/nucleus/internal/isr"
	"github.com/coreos-kernel/nucleus/internal/klog"
	"github.com/coreos-kernel/nucleus/internal/paging"
	"github.com/coreos-kernel/nucleus/internal/pmm"
)

// TrampolineSize is the size of the fixed low-memory page the real-mode
// AP entry trampoline is copied into (spec §4.10 step 1).
const TrampolineSize = 4096

// Trampoline models the fixed low-memory frame the BSP copies the
// real-mode AP entry code into before sending SIPI. Because this core
// has no physical low memory behind it, the frame is modeled as a plain
// byte array, the same stand-in internal/apic's mmioWindow uses for its
// MMIO register file.
type Trampoline struct {
	mu      sync.Mutex
	page    uint8 // the SIPI startup page (physical address >> 12)
	bytes   [TrampolineSize]byte
	written bool
}

// NewTrampoline returns a Trampoline anchored at startupPage (the
// 4 KiB-aligned page number SIPI's vector field encodes).
func NewTrampoline(startupPage uint8) *Trampoline {
	return &Trampoline{page: startupPage}
}

// Install copies code into the trampoline frame. code must fit within
// TrampolineSize.
func (t *Trampoline) Install(code []byte) bool {
	if len(code) > TrampolineSize {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	copy(t.bytes[:], code)
	t.written = true
	return true
}

// StartupPage returns the SIPI vector field: the trampoline's physical
// page number.
func (t *Trampoline) StartupPage() uint8 { return t.page }

// Clock abstracts the INIT/SIPI wait delays so tests can run the
// bring-up sequence without actually sleeping.
type Clock interface {
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// PerCPUState is what step 5 of the bring-up sequence builds for one
// AP: three IST stacks allocated from the shared address space, a
// private ISR table, and the per-CPU area GSBase points to.
type PerCPUState struct {
	ISTStacks [3]paging.VirtualRange
	ISR       *isr.Table
	GSBase    paging.VirtualRange
}

// istStackPages is the size, in 4 KiB pages, of each of the three IST
// stacks spec §4.9 assigns: trap, timer, and NMI/MCE.
const istStackPages = 4

// SetupPerCPU performs the address-space-owning half of bring-up step 5:
// it allocates the three IST stacks and the per-CPU area out of phys and
// as, and builds a fresh per-CPU ISR table. The caller is responsible for
// the parts this pure-Go core cannot express (loading the GDT/TSS
// selectors and CR3, and setting the real GSBase MSR via internal/cpu).
func SetupPerCPU(as *aspace.AddressSpace, phys *pmm.Allocator) (*PerCPUState, error) {
	st := &PerCPUState{ISR: isr.New()}
	for i := range st.ISTStacks {
		front, err := phys.Allocate(istStackPages)
		if err != nil {
			return nil, err
		}
		back := addr.Physical(uint64(front) + istStackPages*addr.PageSize)
		sm, err := as.MapStack(aspace.MemoryRange{Front: front, Back: back}, paging.Data)
		if err != nil {
			return nil, err
		}
		st.ISTStacks[i] = sm.Usable
	}

	gsFront, err := phys.Allocate(1)
	if err != nil {
		return nil, err
	}
	gs, err := as.Map(aspace.MemoryRange{Front: gsFront, Back: gsFront + addr.PageSize}, paging.Data, paging.WriteBack)
	if err != nil {
		return nil, err
	}
	st.GSBase = gs
	return st, nil
}

// APContext is one application processor's bring-up state, shared
// between the BSP orchestrating bring-up and the AP's own entry
// function.
type APContext struct {
	ID    uint32
	alive atomic.Bool
}

// SignalLiveness marks this AP as having reached the end of bring-up
// step 5. The BSP's INIT/SIPI retry loop polls this after each wait.
func (c *APContext) SignalLiveness() { c.alive.Store(true) }

// Alive reports whether this AP has signaled liveness.
func (c *APContext) Alive() bool { return c.alive.Load() }

// EntryFunc is bring-up step 5: the work an AP performs once it has
// taken the SIPI vector, ending in a call to ap.SignalLiveness(). It
// runs in its own goroutine, standing in for the AP's independent
// thread of execution in this single-process simulation.
type EntryFunc func(ap *APContext) error

// Result records which target APIC IDs completed bring-up and which
// were excluded per spec §4.10's failure semantics.
type Result struct {
	Started []uint32
	Failed  []uint32
}

// Controller owns the BSP-side half of SMP bring-up: sending IPIs
// through the BSP's own LocalAPIC and gating dispatch behind a shared
// readiness flag.
type Controller struct {
	bsp        apic.LocalAPIC
	trampoline *Trampoline
	clock      Clock
	log        *klog.Logger

	ready atomic.Bool
}

// New returns a Controller that sends IPIs through bsp and waits with
// the real wall-clock delays spec §4.10 specifies.
func New(bsp apic.LocalAPIC, trampoline *Trampoline, log *klog.Logger) *Controller {
	return &Controller{bsp: bsp, trampoline: trampoline, clock: realClock{}, log: log}
}

// NewWithClock is New with an injected Clock, for tests that cannot
// afford real millisecond/microsecond sleeps.
func NewWithClock(bsp apic.LocalAPIC, trampoline *Trampoline, log *klog.Logger, clock Clock) *Controller {
	return &Controller{bsp: bsp, trampoline: trampoline, clock: clock, log: log}
}

// BringUp runs the INIT/SIPI sequence concurrently against every target
// APIC ID, running entry for each one that takes the SIPI. Per spec
// §4.10's failure semantics, one AP's failure to signal liveness within
// the retry window does not fail the others: BringUp always returns a
// Result, never aborting the remaining targets.
func (c *Controller) BringUp(targets []uint32, entry EntryFunc) *Result {
	var mu sync.Mutex
	res := &Result{}

	var g errgroup.Group
	for _, target := range targets {
		target := target
		g.Go(func() error {
			started := c.bringUpOne(target, entry)
			mu.Lock()
			if started {
				res.Started = append(res.Started, target)
			} else {
				res.Failed = append(res.Failed, target)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	c.ready.Store(true)
	return res
}

// bringUpOne drives steps 2-4 of spec §4.10 against one target, running
// entry on a separate goroutine to model the AP's own thread reaching
// step 5 and signaling liveness.
func (c *Controller) bringUpOne(target uint32, entry EntryFunc) bool {
	ap := &APContext{ID: target}

	entryErr := make(chan error, 1)
	go func() { entryErr <- entry(ap) }()

	c.bsp.SendIPI(target, apic.InitAlert())
	c.clock.Sleep(10 * time.Millisecond)

	c.bsp.SendIPI(target, apic.SIPIAlert(c.trampoline.StartupPage()))
	c.clock.Sleep(200 * time.Microsecond)

	if !ap.Alive() {
		c.bsp.SendIPI(target, apic.SIPIAlert(c.trampoline.StartupPage()))
		c.clock.Sleep(200 * time.Microsecond)
	}

	if !ap.Alive() {
		if c.log != nil {
			c.log.Printf(klog.Warn, "AP %d did not signal liveness, excluding", target)
		}
		return false
	}

	if err := <-entryErr; err != nil {
		if c.log != nil {
			c.log.Printf(klog.Warn, "AP %d entry failed: %v", target, err)
		}
		return false
	}
	return true
}

// Ready reports whether bring-up has completed and the BSP may dispatch
// work to the started APs (spec §4.10 step 6).
func (c *Controller) Ready() bool { return c.ready.Load() }
