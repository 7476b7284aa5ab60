package smp

import (
	"sync"
	"testing"
	"time"

	"github.com/coreos-kernel/nucleus/internal/apic"
)

// fakeClock replaces every INIT/SIPI delay with a fixed 1ms pause: short
// enough that timing tests finish quickly, long enough for an AP
// goroutine that is ready to run to signal liveness before the BSP
// checks.
type fakeClock struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	c.slept = append(c.slept, d)
	c.mu.Unlock()
	time.Sleep(time.Millisecond)
}

// fakeAPIC records every IPI sent through it, standing in for a real
// LocalAPIC (xAPIC/x2APIC) during bring-up tests.
type fakeAPIC struct {
	mu   sync.Mutex
	ipis []apic.IPIAlert
}

func (f *fakeAPIC) Variant() apic.Variant                       { return apic.VariantXAPIC }
func (f *fakeAPIC) State() apic.State                           { return apic.Enabled }
func (f *fakeAPIC) ID() uint32                                  { return 0 }
func (f *fakeAPIC) Version() uint32                             { return 0x14 }
func (f *fakeAPIC) EOI() error                                  { return nil }
func (f *fakeAPIC) SelfIPI(vector uint8)                        {}
func (f *fakeAPIC) Configure(ivt apic.IVT, cfg apic.IVTConfig)  {}
func (f *fakeAPIC) SetTimerDivisor(d apic.TimerDivide)          {}
func (f *fakeAPIC) SetInitialCount(count uint32)                {}
func (f *fakeAPIC) CurrentCount() uint32                        { return 0 }
func (f *fakeAPIC) EnableSpuriousInt()                          {}
func (f *fakeAPIC) SetSpuriousVector(vector uint8)              {}
func (f *fakeAPIC) Status() apic.ErrorState                     { return apic.ErrorState{} }
func (f *fakeAPIC) Enable()                                     {}
func (f *fakeAPIC) SendIPIShorthand(sh apic.Shorthand, alert apic.IPIAlert) {}

func (f *fakeAPIC) SendIPI(target uint32, alert apic.IPIAlert) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ipis = append(f.ipis, alert)
}

func (f *fakeAPIC) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ipis)
}

func TestBringUpSignalsLivenessImmediately(t *testing.T) {
	bsp := &fakeAPIC{}
	tr := NewTrampoline(8)
	ctl := NewWithClock(bsp, tr, nil, &fakeClock{})

	entry := func(ap *APContext) error {
		ap.SignalLiveness()
		return nil
	}

	res := ctl.BringUp([]uint32{1, 2, 3}, entry)
	if len(res.Started) != 3 || len(res.Failed) != 0 {
		t.Fatalf("BringUp = %+v, want all 3 started", res)
	}
	if !ctl.Ready() {
		t.Fatalf("expected controller ready after BringUp")
	}
	// INIT + SIPI per target, no resend needed.
	if got := bsp.count(); got != 6 {
		t.Fatalf("sent %d IPIs, want 6 (INIT+SIPI per target)", got)
	}
}

func TestBringUpExcludesStuckAP(t *testing.T) {
	bsp := &fakeAPIC{}
	tr := NewTrampoline(8)
	ctl := NewWithClock(bsp, tr, nil, &fakeClock{})

	entry := func(ap *APContext) error {
		// Never signals liveness: models a stuck AP.
		<-make(chan struct{})
		return nil
	}

	res := ctl.BringUp([]uint32{9}, entry)
	if len(res.Started) != 0 || len(res.Failed) != 1 || res.Failed[0] != 9 {
		t.Fatalf("BringUp = %+v, want target 9 excluded", res)
	}
	if !ctl.Ready() {
		t.Fatalf("expected controller ready even with a failed AP")
	}
	// INIT, SIPI, and one resend SIPI.
	if got := bsp.count(); got != 3 {
		t.Fatalf("sent %d IPIs, want 3 (INIT+SIPI+resend)", got)
	}
}

func TestBringUpResendRecoversLateAP(t *testing.T) {
	bsp := &fakeAPIC{}
	tr := NewTrampoline(8)
	clock := &fakeClock{}
	ctl := NewWithClock(bsp, tr, nil, clock)

	var seenSIPIs int32
	entry := func(ap *APContext) error {
		// Signal liveness only once the resend has actually gone out
		// (avoids a tight busy loop in the test).
		for bsp.count() < 3 {
			time.Sleep(time.Microsecond)
		}
		ap.SignalLiveness()
		return nil
	}

	res := ctl.BringUp([]uint32{4}, entry)
	if len(res.Started) != 1 {
		t.Fatalf("BringUp = %+v, want target 4 recovered via resend", res)
	}
	_ = seenSIPIs
}

func TestTrampolineInstallRejectsOversize(t *testing.T) {
	tr := NewTrampoline(8)
	if tr.Install(make([]byte, TrampolineSize+1)) {
		t.Fatalf("expected oversize code to be rejected")
	}
	if !tr.Install(make([]byte, TrampolineSize)) {
		t.Fatalf("expected exact-size code to be accepted")
	}
	if tr.StartupPage() != 8 {
		t.Fatalf("StartupPage() = %d, want 8", tr.StartupPage())
	}
}
