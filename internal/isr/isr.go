// Package isr is the interrupt-service-routine dispatch layer (spec
// §4.9, component C9): a shared (process-wide) table and one per-CPU
// table of 256 vector slots, with lock-free install/release on the
// shared table and an allocation pool over vectors 32-239. There is no
// direct teacher analog (biscuit's trap dispatch lives in assembly plus
// a single Go switch in its syscall/fault path, not a data-driven
// table), so this package is grounded on the dispatch-table shape spec
// §4.9 describes plus gopher-os's IDT/ISR conventions
// (gopheros/kernel/cpu's vector numbering) for IST stack indices.
package isr

import (
	"sync/atomic"

	"github.com/coreos-kernel/nucleus/internal/kerr"
)

// IST names the interrupt-stack-table index a vector's handler runs on
// (spec §4.9).
type IST int

const (
	ISTNone IST = iota
	ISTTrap
	ISTTimer
	ISTNMI
)

// Context is the register/frame state an ISR trampoline saves before
// calling the table's slot and restores (from the slot's return value)
// before iret (spec §4.9).
type Context struct {
	Vector    uint8
	ErrorCode uint64
	RIP       uint64
	CS        uint64
	RFlags    uint64
	RSP       uint64
	SS        uint64
	// GPRs holds the sixteen general-purpose registers the trampoline
	// saved, in the teacher's rax..r15 order.
	GPRs [16]uint64
}

// Handler is the reentrant slot a vector dispatches to: it must not
// block or allocate, and must call the owning LocalAPIC's EOI before
// returning when the interrupt requires one (spec §4.9).
type Handler func(*Context) *Context

const (
	minAllocatable = 32
	maxAllocatable = 239
	vectorCount    = 256
)

// Token identifies one particular installation of a handler into an
// Entry. Go functions are not comparable, so this package cannot use the
// installed callback itself as the ABA guard spec §4.9's
// release(Entry*, expected_callback) calls for; Token (a per-install
// monotonic counter) plays that role instead — Release only clears a
// slot whose current Token still matches the one the caller was handed.
type Token uint64

// installation is the handler and Token of one slot's current occupant,
// held behind a single pointer so both change together. A nil
// installation means the slot is empty.
type installation struct {
	handler Handler
	token   Token
}

// Entry is one vector's slot: the current installation (nil if empty)
// plus a generation counter that hands out Tokens unique across the
// lifetime of the slot, independent of occupancy.
type Entry struct {
	state atomic.Pointer[installation]
	gen   atomic.Uint64
}

// Table is one vector table (256 entries): shared tables are process-
// wide (exceptions, global NMI/MCE); per-CPU tables are private to one
// core. Both use the same lock-free install/release protocol (spec §5:
// "ISR shared table: lock-free (cmpxchg install/release)").
type Table struct {
	entries [vectorCount]Entry
}

// New returns an empty table.
func New() *Table {
	return &Table{}
}

// Allocate finds a free slot in [32, 239] and installs callback there,
// returning the vector, the Entry handle, and the Token later needed to
// Release it. It returns OutOfVectors if every allocatable slot is
// occupied.
func (t *Table) Allocate(callback Handler) (*Entry, uint8, Token, error) {
	for v := minAllocatable; v <= maxAllocatable; v++ {
		e := &t.entries[v]
		if e.state.Load() != nil {
			continue
		}
		tok := Token(e.gen.Add(1))
		if e.state.CompareAndSwap(nil, &installation{handler: callback, token: tok}) {
			return e, uint8(v), tok, nil
		}
	}
	return nil, 0, 0, kerr.OutOfVectors
}

// Index returns e's vector number within t, or false if e does not
// belong to t.
func (t *Table) Index(e *Entry) (uint8, bool) {
	for v := range t.entries {
		if &t.entries[v] == e {
			return uint8(v), true
		}
	}
	return 0, false
}

// Install directly installs callback at vector, returning whatever
// handler was previously there (nil if none) plus the new Token needed
// to Release it. Used for fixed exception vectors (0-31) that bypass the
// allocation pool.
func (t *Table) Install(vector uint8, callback Handler) (prev Handler, tok Token) {
	e := &t.entries[vector]
	tok = Token(e.gen.Add(1))
	old := e.state.Swap(&installation{handler: callback, token: tok})
	if old == nil {
		return nil, tok
	}
	return old.handler, tok
}

// Release clears e's slot, but only if its current Token still matches
// expected (spec §4.9: "idempotent; must match the installed callback to
// avoid ABA"). The check-and-clear is a single CAS on the slot's
// installation pointer, not a separate load-then-store of token and
// handler: since every Allocate/Install replaces both together behind one
// pointer, a concurrent reinstall between Release's load and its CAS
// changes the pointer identity, the CAS fails, and the retry observes the
// new Token and backs off instead of clobbering the fresh installation.
// A second Release with a stale Token after a third party has reinstalled
// a different handler is therefore a safe no-op, not a corruption.
func (t *Table) Release(e *Entry, expected Token) {
	for {
		cur := e.state.Load()
		if cur == nil || cur.token != expected {
			return
		}
		if e.state.CompareAndSwap(cur, nil) {
			return
		}
	}
}

// Dispatch looks up vector's handler and invokes it, returning the
// possibly-replaced Context the trampoline should install back into the
// frame. A nil return from an empty slot indicates a spurious or
// unhandled vector; callers typically treat it as a bug-check condition.
func (t *Table) Dispatch(vector uint8, ctx *Context) *Context {
	cur := t.entries[vector].state.Load()
	if cur == nil {
		return nil
	}
	return cur.handler(ctx)
}

// ISTFor returns the interrupt-stack-table index a vector's handler
// should run on, per spec §4.9's fixed assignment: traps use IST1, the
// scheduler timer vector uses IST2, NMI/MCE use IST3.
func ISTFor(vector uint8, timerVector uint8) IST {
	switch {
	case vector == 2 || vector == 18: // NMI, machine-check
		return ISTNMI
	case vector == timerVector:
		return ISTTimer
	case vector < minAllocatable:
		return ISTTrap
	default:
		return ISTNone
	}
}
