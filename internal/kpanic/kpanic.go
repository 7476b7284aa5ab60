// Package kpanic implements the core's one unrecoverable-failure path: a
// bug-check dump (stack walk plus a best-effort disassembly of the
// faulting instruction) followed by a halt. Per spec §7, violations of the
// non-allocating/reentrancy contract (e.g. out-of-memory inside eoi) and
// kernel-mode page faults on a mapped-but-wrong-flags page are always
// fatal and route through here rather than returning a Status.
package kpanic

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"golang.org/x/arch/x86/x86asm"

	"github.com/coreos-kernel/nucleus/internal/klog"
)

// Reason classifies why the kernel gave up.
type Reason int

const (
	// ReasonInvariant marks an internal invariant violation (e.g. a
	// page-table mutator observed partial state it should never see).
	ReasonInvariant Reason = iota
	// ReasonContractViolation marks an allocation or block attempted
	// from a context the spec declares non-allocating/non-blocking.
	ReasonContractViolation
	// ReasonUnrecoverableFault marks a kernel-mode fault the faulting
	// component could not reasonably service.
	ReasonUnrecoverableFault
)

func (r Reason) String() string {
	switch r {
	case ReasonInvariant:
		return "invariant violation"
	case ReasonContractViolation:
		return "non-allocating contract violation"
	case ReasonUnrecoverableFault:
		return "unrecoverable fault"
	default:
		return "unknown"
	}
}

// Dump is a captured bug-check report: the reason, an optional faulting
// instruction pointer and the bytes around it (for disassembly), and a
// textual stack trace.
type Dump struct {
	Reason     Reason
	Message    string
	RIP        uint64
	CodeBytes  []byte
	Stack      string
	Instr      string
	InstrValid bool
}

// Capture builds a Dump without halting the system. Production code calls
// Fatal, which captures and then halts; tests can call Capture directly to
// assert on the decoded content without terminating the process.
func Capture(reason Reason, rip uint64, codeBytes []byte, format string, args ...any) Dump {
	d := Dump{
		Reason:    reason,
		Message:   fmt.Sprintf(format, args...),
		RIP:       rip,
		CodeBytes: codeBytes,
		Stack:     string(debug.Stack()),
	}
	if len(codeBytes) > 0 {
		if inst, err := x86asm.Decode(codeBytes, 64); err == nil {
			d.Instr = x86asm.GNUSyntax(inst, rip, nil)
			d.InstrValid = true
		}
	}
	return d
}

// Render formats the dump as the multi-line bug-check report a serial
// console or test harness would display.
func (d Dump) Render() string {
	out := fmt.Sprintf("*** KERNEL BUG CHECK: %s ***\n%s\n", d.Reason, d.Message)
	if d.RIP != 0 {
		out += fmt.Sprintf("rip=%#016x", d.RIP)
		if d.InstrValid {
			out += fmt.Sprintf("  instr=%q", d.Instr)
		}
		out += "\n"
	}
	out += d.Stack
	return out
}

// haltFunc is a variable so tests can override it and exercise Fatal
// without terminating the test binary.
var haltFunc = func() { runtime.Goexit() }

// Fatal logs the bug-check dump to logger (if non-nil) and then halts.
// There is no return from Fatal in production; it never returns to its
// caller on the real target (the call is followed, on bare metal, by
// cpu.Halt() in an infinite loop — modeled here as runtime.Goexit so
// hosted tests can assert the dump without killing the test process).
func Fatal(logger *klog.Logger, d Dump) {
	rendered := d.Render()
	if logger != nil {
		logger.Printf(klog.Fatal, "%s", rendered)
	}
	haltFunc()
}
