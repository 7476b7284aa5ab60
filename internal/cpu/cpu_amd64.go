// Package cpu exposes the handful of x86-64 instructions the rest of the
// core needs that Go cannot express directly: MSR/CR-register access,
// CPUID, TLB invalidation, and the interrupt-enable flag. Each function
// below is declared without a body; the corresponding implementation
// lives in cpu_amd64.s, following the same split gopher-os uses for
// kernel/cpu/cpu_amd64.go.
package cpu

// DisableInterrupts clears the interrupt flag (cli).
func DisableInterrupts()

// EnableInterrupts sets the interrupt flag (sti).
func EnableInterrupts()

// Halt executes hlt, suspending the core until the next interrupt.
func Halt()

// Pause executes the pause instruction, the recommended spin-wait hint.
func Pause()

// Invlpg invalidates the TLB entry covering the given virtual address.
func Invlpg(virtAddr uintptr)

// ReadCR0 returns the current value of CR0.
func ReadCR0() uint64

// ReadCR2 returns the faulting address recorded by the last page fault.
func ReadCR2() uint64

// ReadCR3 returns the physical address of the active top-level page table.
func ReadCR3() uint64

// WriteCR3 loads a new top-level page table and flushes the TLB.
func WriteCR3(physAddr uint64)

// ReadCR4 returns the current value of CR4.
func ReadCR4() uint64

// ReadMSR returns the 64-bit value of model-specific register msr.
func ReadMSR(msr uint32) uint64

// WriteMSR writes a 64-bit value to model-specific register msr.
func WriteMSR(msr uint32, value uint64)

// CPUID executes the cpuid instruction for the given leaf/subleaf and
// returns eax, ebx, ecx, edx.
func CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

// RDTSC returns the CPU timestamp counter.
func RDTSC() uint64
