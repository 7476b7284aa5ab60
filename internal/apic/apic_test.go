package apic

import "testing"

func TestXAPICEOIRequiresEnabled(t *testing.T) {
	a := NewXAPIC()
	if err := a.EOI(); err == nil {
		t.Fatalf("expected EOI before Enable to fail")
	}
	a.Enable()
	if a.State() != Enabled {
		t.Fatalf("State() = %v, want Enabled", a.State())
	}
	if err := a.EOI(); err != nil {
		t.Fatalf("EOI after Enable: %v", err)
	}
}

func TestXAPICIVTConfigureRoundTrip(t *testing.T) {
	a := NewXAPIC()
	a.Configure(IVTTimer, IVTConfig{Vector: 0x30, Enabled: true, Timer: TimerPeriodic})
	entry := a.window.read(regLVTTimer)
	if entry&0xFF != 0x30 {
		t.Fatalf("vector field = %#x, want 0x30", entry&0xFF)
	}
	if entry&(1<<16) != 0 {
		t.Fatalf("entry unexpectedly masked")
	}
	if (entry>>17)&0b11 != uint32(TimerPeriodic) {
		t.Fatalf("timer mode field = %d, want %d", (entry>>17)&0b11, TimerPeriodic)
	}
}

func TestXAPICSpuriousVector(t *testing.T) {
	a := NewXAPIC()
	a.SetSpuriousVector(0xFF)
	a.EnableSpuriousInt()
	v := a.window.read(regSpuriousInt)
	if v&0xFF != 0xFF {
		t.Fatalf("spurious vector = %#x, want 0xff", v&0xFF)
	}
	if v&softwareEnableBit == 0 {
		t.Fatalf("software enable bit not set")
	}
}

type fakeMSR struct {
	regs map[uint32]uint64
}

func newFakeMSR() *fakeMSR { return &fakeMSR{regs: map[uint32]uint64{}} }

func (f *fakeMSR) Read(msr uint32) uint64  { return f.regs[msr] }
func (f *fakeMSR) Write(msr uint32, v uint64) { f.regs[msr] = v }

func TestX2APICEOIRequiresEnabled(t *testing.T) {
	msr := newFakeMSR()
	a := NewX2APIC(msr)
	if err := a.EOI(); err == nil {
		t.Fatalf("expected EOI before Enable to fail")
	}
	a.Enable()
	if err := a.EOI(); err != nil {
		t.Fatalf("EOI after Enable: %v", err)
	}
}

func TestX2APICSendIPIEncodesICR(t *testing.T) {
	msr := newFakeMSR()
	a := NewX2APIC(msr)
	a.SendIPI(7, IPIAlert{Vector: 0x40, Mode: Fixed})
	icr := msr.regs[a.regMSR(regICRLow)]
	if icr>>32 != 7 {
		t.Fatalf("destination field = %d, want 7", icr>>32)
	}
	if icr&0xFF != 0x40 {
		t.Fatalf("vector field = %#x, want 0x40", icr&0xFF)
	}
}

func TestX2APICStatusDecodesErrorBits(t *testing.T) {
	msr := newFakeMSR()
	a := NewX2APIC(msr)
	msr.regs[a.regMSR(regErrorStatus)] = 1<<1 | 1<<7
	st := a.Status()
	if !st.IngressChecksum || !st.IllegalRegister {
		t.Fatalf("Status() = %+v, want IngressChecksum and IllegalRegister set", st)
	}
	if st.EgressChecksum {
		t.Fatalf("Status() unexpectedly set EgressChecksum")
	}
}
