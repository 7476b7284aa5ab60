// Command kcore is the composition root that wires every core
// component together the way kernel_main would (spec §2's data-flow
// summary: "boot hand-off -> C1 -> C2 -> C3 -> C4/C5 composed into
// C6 -> C6 is consumed by C7/C8 ... Interrupt path ... Publish path").
// It is not a bootable kernel image — there is no bootloader hand-off
// on this host, no real MMIO, and no ring-0 transition — it is the one
// place every package in internal/ is imported and driven together, so
// the wiring itself is exercised by integration tests the way the
// teacher's biscuit/src/kernel/chentry.go central-entry-point file
// wires together its own subsystems (physmem, vm, the scheduler) before
// handing off to the first process.
package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coreos-kernel/nucleus/internal/addr"
	"github.com/coreos-kernel/nucleus/internal/apic"
	"github.com/coreos-kernel/nucleus/internal/aspace"
	"github.com/coreos-kernel/nucleus/internal/bootinfo"
	"github.com/coreos-kernel/nucleus/internal/firmware"
	"github.com/coreos-kernel/nucleus/internal/ioapic"
	"github.com/coreos-kernel/nucleus/internal/isr"
	"github.com/coreos-kernel/nucleus/internal/klog"
	"github.com/coreos-kernel/nucleus/internal/kpanic"
	"github.com/coreos-kernel/nucleus/internal/notify"
	"github.com/coreos-kernel/nucleus/internal/paging"
	"github.com/coreos-kernel/nucleus/internal/pmm"
	"github.com/coreos-kernel/nucleus/internal/ptalloc"
	"github.com/coreos-kernel/nucleus/internal/smp"
	"github.com/coreos-kernel/nucleus/internal/tlsf"
)

// Kernel holds every singleton the rest of the system reaches through
// an explicit reference (spec §9's design note on global mutable
// state: "represent each as an initialize-once cell with a lifetime
// tied to kernel_main; pass explicit references into every non-ISR
// entry point").
type Kernel struct {
	Log *klog.Logger

	Phys    *pmm.Allocator
	Tables  *ptalloc.Pool
	Kernel4 *aspace.AddressSpace

	LocalAPIC apic.LocalAPIC
	IOAPICs   *ioapic.Set
	ISRs      *isr.Table

	Notify *notify.Stream
	Drain  *notify.DrainWorker

	SMP *smp.Controller
}

// KernelVirtualBase is where this composition root places the kernel's
// own address space's heap — an arbitrary higher-half range, chosen the
// way the teacher's own linker script reserves one, with no collision
// with the test ranges internal/aspace and internal/paging's own tests
// use.
const KernelVirtualBase = addr.Virtual(0xFFFF_8000_0000_0000)

// KernelVirtualSize bounds how much virtual address space the kernel
// heap (TLSF, component C5) manages.
const KernelVirtualSize = 1 << 34 // 16 GiB

// Boot performs the one-way hand-off sequence spec §2 describes,
// building every core component in dependency order and returning the
// assembled Kernel. It never blocks past the ACPI table parse and the
// page-table/TLSF construction, matching spec §5's "blocking allocating"
// classification for this startup path (nothing here is ISR context).
func Boot(info bootinfo.Info, madtRaw []byte) (*Kernel, error) {
	if err := info.Validate(); err != nil {
		return nil, fmt.Errorf("kcore: invalid boot hand-off: %w", err)
	}

	log := klog.New("kcore", klog.Info, nil)

	// C1: physical-frame allocator over the boot memory map.
	phys := pmm.New(info.MemoryMap)

	// C2: page-table-frame pool drawn from C1.
	tables := ptalloc.New(phys)

	// C4+C5 composed into C6: the kernel's own address space.
	engine, err := paging.New(tables, nil, log)
	if err != nil {
		return nil, fmt.Errorf("kcore: building page-table engine: %w", err)
	}
	heap := tlsf.New(tlsf.VirtualRange{
		Front: KernelVirtualBase,
		Back:  addr.Virtual(uint64(KernelVirtualBase) + KernelVirtualSize),
	})
	kernelSpace := aspace.New(engine, heap, log)

	// C7: local APIC. Boot always builds the memory-mapped xAPIC variant;
	// it does not probe CPUID for x2APIC support. Callers that want the
	// x2APIC variant construct one via apic.NewX2APIC and set LocalAPIC
	// on the returned *Kernel themselves.
	lapic := apic.NewXAPIC()

	// MADT decode feeds both C7's MADT-derived fields (not modeled
	// further here) and C8's I/O APIC set.
	var ioapics *ioapic.Set
	if len(madtRaw) > 0 {
		madt, err := firmware.ParseMADT(madtRaw)
		if err != nil {
			return nil, fmt.Errorf("kcore: parsing MADT: %w", err)
		}
		ioapics = ioapic.NewSet(madt)
	} else {
		ioapics = ioapic.NewSet(firmware.MADT{})
	}

	// C9: one shared ISR table for this composition root (a real boot
	// would also build one per-CPU table per AP brought up below).
	isrTable := isr.New()

	// C12: the notification bus, with its own RCU domain (C11 backs
	// every notification it hands out). The drain worker is the
	// cooperative background consumer spec §2 names; callers decide
	// when to Start it.
	stream := notify.NewStream(log)
	drain := notify.NewDrainWorker(stream, 1024, 5*time.Millisecond)

	k := &Kernel{
		Log:       log,
		Phys:      phys,
		Tables:    tables,
		Kernel4:   kernelSpace,
		LocalAPIC: lapic,
		IOAPICs:   ioapics,
		ISRs:      isrTable,
		Notify:    stream,
		Drain:     drain,
	}
	return k, nil
}

// BringUpSMP runs C10's INIT/SIPI sequence against targets, wiring the
// controller to k's own LocalAPIC, then records it on k. entry is run
// for every target that takes the SIPI (spec §4.10 step 5); a real
// kernel_main supplies one that loads the shared page tables, installs
// a per-CPU ISR table, and signals liveness. BringUpSMP tolerates
// individual AP failures per spec §4.10's failure semantics and always
// returns a *smp.Result describing which targets started.
func (k *Kernel) BringUpSMP(targets []uint32, entry smp.EntryFunc) *smp.Result {
	trampoline := smp.NewTrampoline(0x08)
	k.SMP = smp.New(k.LocalAPIC, trampoline, k.Log)
	return k.SMP.BringUp(targets, entry)
}

// Fatal routes an unrecoverable condition through kpanic, matching spec
// §7: violations of the non-allocating/reentrancy contract and
// unrecoverable kernel-mode faults always end here rather than
// returning a Status.
func (k *Kernel) Fatal(reason kpanic.Reason, rip uint64, codeBytes []byte, format string, args ...any) {
	dump := kpanic.Capture(reason, rip, codeBytes, format, args...)
	kpanic.Fatal(k.Log, dump)
}

// NewTopicID is a small convenience wrapper so callers wiring up topics
// at startup don't need a direct google/uuid import just for this one
// call; it is otherwise a pass-through to uuid.New (component C12's
// UUID surface, spec §3 "Topic").
func NewTopicID() uuid.UUID { return uuid.New() }

func main() {
	// kcore has no bootloader on this host; main exists so `go build
	// ./cmd/kcore` produces a binary exercising the composition root's
	// own package graph, and so integration tests in this package can
	// call Boot directly. There is no disk image, no QEMU invocation,
	// and no real hand-off performed here (those are explicitly out of
	// scope per spec §1).
	fmt.Println("kcore: composition root only; see cmd/kcore's package doc")
}
