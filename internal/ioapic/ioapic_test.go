package ioapic

import (
	"testing"

	"github.com/coreos-kernel/nucleus/internal/apic"
	"github.com/coreos-kernel/nucleus/internal/firmware"
)

func TestNewReportsIDAndRange(t *testing.T) {
	a := New(firmware.IOAPICEntry{IOAPICID: 2, GSIBase: 16}, 24)
	if a.ID() != 2 {
		t.Fatalf("ID() = %d, want 2", a.ID())
	}
	base, count := a.GSIRange()
	if base != 16 || count != 24 {
		t.Fatalf("GSIRange() = (%d, %d), want (16, 24)", base, count)
	}
}

func TestSetRedirectOutOfRange(t *testing.T) {
	a := New(firmware.IOAPICEntry{IOAPICID: 0, GSIBase: 0}, 24)
	err := a.SetRedirect(apic.IVTConfig{Vector: 0x30, Enabled: true}, 100, 0)
	if err == nil {
		t.Fatalf("expected out-of-range GSI to fail")
	}
}

func TestSetRedirectEncodesEntry(t *testing.T) {
	a := New(firmware.IOAPICEntry{IOAPICID: 0, GSIBase: 0}, 24)
	cfg := apic.IVTConfig{Vector: 0x31, Polarity: apic.ActiveLow, Trigger: apic.Level, Enabled: true}
	if err := a.SetRedirect(cfg, 5, 3); err != nil {
		t.Fatalf("SetRedirect: %v", err)
	}
	low := a.read(regRedirectBase + 2*5)
	high := a.read(regRedirectBase + 2*5 + 1)
	if low&0xFF != 0x31 {
		t.Fatalf("vector field = %#x, want 0x31", low&0xFF)
	}
	if low&bitActiveLow == 0 || low&bitLevel == 0 {
		t.Fatalf("polarity/trigger bits not set: %#x", low)
	}
	if low&bitMasked != 0 {
		t.Fatalf("entry unexpectedly masked")
	}
	if high>>24 != 3 {
		t.Fatalf("destination field = %d, want 3", high>>24)
	}
}

func TestSetLegacyRedirectUsesOverride(t *testing.T) {
	madt := firmware.MADT{
		IOAPICs: []firmware.IOAPICEntry{{IOAPICID: 0, GSIBase: 0}},
		Overrides: []firmware.InterruptSourceOverride{
			{Source: 0, GSI: 2, Polarity: firmware.PolarityActiveLow, Trigger: firmware.TriggerLevel},
		},
	}
	set := NewSet(madt)
	cfg := apic.IVTConfig{Vector: 0x20, Enabled: true}
	if err := set.SetLegacyRedirect(cfg, 0, 1); err != nil {
		t.Fatalf("SetLegacyRedirect: %v", err)
	}
	c := set.controllers[0]
	low := c.read(regRedirectBase + 2*2)
	if low&bitActiveLow == 0 || low&bitLevel == 0 {
		t.Fatalf("override polarity/trigger not applied: %#x", low)
	}
}

func TestSetRedirectUnknownGSI(t *testing.T) {
	set := NewSet(firmware.MADT{IOAPICs: []firmware.IOAPICEntry{{IOAPICID: 0, GSIBase: 0}}})
	err := set.SetRedirect(apic.IVTConfig{Vector: 0x22, Enabled: true}, 9999, 0)
	if err == nil {
		t.Fatalf("expected unknown GSI to fail")
	}
}
