// Package ioapic is the I/O APIC set (spec §4.8, component C8): one
// instance per I/O APIC the firmware's interrupt-controller table
// reports, GSI routing across the set, and legacy-IRQ remapping via MADT
// interrupt-source overrides. Grounded on the original BezOS
// km::IoApic (original_source/sources/kernel/src/apic.cpp's IoApic
// methods: select/read/write, setRedirect) translated to Go, with the
// register window modeled the same way internal/apic's xAPIC window is
// (a fixed-size byte array standing in for the real MMIO frame, since
// this core has no physical memory behind it).
package ioapic

import (
	"github.com/coreos-kernel/nucleus/internal/apic"
	"github.com/coreos-kernel/nucleus/internal/firmware"
	"github.com/coreos-kernel/nucleus/internal/kerr"
)

const (
	regID           = 0x0
	regVersion      = 0x1
	regArbitration  = 0x2
	regRedirectBase = 0x10
)

// window is the I/O APIC's indirect register pair (IOREGSEL/IOWIN) MMIO
// window, modeled as a small addressable register file rather than a
// real MMIO mapping; see the package comment.
type window struct {
	sel uint32
	mem map[uint32]uint32
}

func newWindow() *window { return &window{mem: make(map[uint32]uint32)} }

func (w *window) read(field uint32) uint32     { return w.mem[field] }
func (w *window) write(field uint32, v uint32) { w.mem[field] = v }

// IOAPIC is one I/O APIC controller.
type IOAPIC struct {
	win      *window
	id       uint8
	gsiBase  uint32
	inputCnt uint16
}

// New constructs an IOAPIC from the firmware-reported MADT entry and the
// controller's hardware-reported maximum redirection entry count
// (version register bits 16-23, one less than inputCount). It prefers
// the hardware ID over the ACPI one on mismatch, exactly as
// original_source's IoApic constructor does.
func New(entry firmware.IOAPICEntry, inputCount uint16) *IOAPIC {
	win := newWindow()
	win.write(regID, uint32(entry.IOAPICID)<<24)
	win.write(regVersion, uint32(0x20)|uint32(inputCount-1)<<16)

	a := &IOAPIC{win: win, gsiBase: entry.GSIBase}
	idReg := a.read(regID)
	a.id = uint8((idReg >> 24) & 0b111)
	a.inputCnt = uint16((a.read(regVersion)>>16)&0xFF) + 1
	return a
}

func (a *IOAPIC) selectReg(field uint32) { a.win.sel = field }

func (a *IOAPIC) read(field uint32) uint32 {
	a.selectReg(field)
	return a.win.read(a.win.sel)
}

func (a *IOAPIC) write(field uint32, v uint32) {
	a.selectReg(field)
	a.win.write(a.win.sel, v)
}

// ID returns the hardware-reported I/O APIC ID.
func (a *IOAPIC) ID() uint8 { return a.id }

// GSIRange returns the half-open [base, base+count) of global system
// interrupts this controller owns.
func (a *IOAPIC) GSIRange() (base uint32, count uint16) { return a.gsiBase, a.inputCnt }

// Version returns the I/O APIC version register's low byte.
func (a *IOAPIC) Version() uint8 { return uint8(a.read(regVersion) & 0xFF) }

// ArbitrationID returns the controller's current bus arbitration ID.
func (a *IOAPIC) ArbitrationID() uint8 { return uint8((a.read(regArbitration) >> 24) & 0xF) }

const (
	bitActiveLow = 1 << 13
	bitLevel     = 1 << 15
	bitMasked    = 1 << 16
)

func redirectEntry(cfg apic.IVTConfig, targetID uint8) (low, high uint32) {
	low = uint32(cfg.Vector)
	if cfg.Polarity == apic.ActiveLow {
		low |= bitActiveLow
	}
	if cfg.Trigger == apic.Level {
		low |= bitLevel
	}
	if !cfg.Enabled {
		low |= bitMasked
	}
	high = uint32(targetID) << 24
	return
}

// SetRedirect programs gsi's redirection entry (relative to this
// controller's own base) to deliver to targetID with cfg (spec §4.8).
// It returns InvalidInput if gsi does not fall within this controller's
// range.
func (a *IOAPIC) SetRedirect(cfg apic.IVTConfig, gsi uint32, targetID uint8) error {
	if gsi < a.gsiBase || gsi >= a.gsiBase+uint32(a.inputCnt) {
		return kerr.InvalidInput
	}
	idx := gsi - a.gsiBase
	low, high := redirectEntry(cfg, targetID)
	a.write(regRedirectBase+2*idx, low)
	a.write(regRedirectBase+2*idx+1, high)
	return nil
}

// Set is the collection of every I/O APIC the firmware reported, indexed
// for GSI routing (spec §4.8).
type Set struct {
	controllers []*IOAPIC
	overrides   []firmware.InterruptSourceOverride
}

// defaultInputCount is the redirection-entry count most ICH-class I/O
// APICs report; a real boot instead reads each controller's own version
// register once mapped, which this pure-Go core has no hardware to do.
const defaultInputCount = 24

// NewSet builds a Set from the firmware's MADT.
func NewSet(madt firmware.MADT) *Set {
	s := &Set{overrides: madt.Overrides}
	for _, e := range madt.IOAPICs {
		s.controllers = append(s.controllers, New(e, defaultInputCount))
	}
	return s
}

// forGSI returns the controller owning gsi, or nil.
func (s *Set) forGSI(gsi uint32) *IOAPIC {
	for _, c := range s.controllers {
		base, count := c.GSIRange()
		if gsi >= base && gsi < base+uint32(count) {
			return c
		}
	}
	return nil
}

// SetRedirect routes to whichever controller in the set owns gsi (spec
// §4.8: "GSI→APIC routing picks the APIC whose range contains the
// GSI"). Returns NotFound for an unrouted GSI (the spec calls this a
// soft warning; callers that want to log it can check the error kind).
func (s *Set) SetRedirect(cfg apic.IVTConfig, gsi uint32, targetID uint8) error {
	c := s.forGSI(gsi)
	if c == nil {
		return kerr.NotFound
	}
	return c.SetRedirect(cfg, gsi, targetID)
}

// SetLegacyRedirect consults the MADT interrupt-source-override records
// to remap a legacy ISA IRQ to its real GSI (and fix up polarity/trigger)
// before calling SetRedirect (spec §4.8).
func (s *Set) SetLegacyRedirect(cfg apic.IVTConfig, legacyIRQ uint8, targetID uint8) error {
	gsi := uint32(legacyIRQ)
	for _, ov := range s.overrides {
		if ov.Source == legacyIRQ {
			gsi = ov.GSI
			if ov.Polarity == firmware.PolarityActiveLow {
				cfg.Polarity = apic.ActiveLow
			}
			if ov.Trigger == firmware.TriggerLevel {
				cfg.Trigger = apic.Level
			}
			break
		}
	}
	return s.SetRedirect(cfg, gsi, targetID)
}
