package main

import (
	"testing"
	"time"

	"github.com/coreos-kernel/nucleus/internal/aspace"
	"github.com/coreos-kernel/nucleus/internal/bootinfo"
	"github.com/coreos-kernel/nucleus/internal/notify"
	"github.com/coreos-kernel/nucleus/internal/paging"
	"github.com/coreos-kernel/nucleus/internal/rcu"
	"github.com/coreos-kernel/nucleus/internal/smp"
)

func testBootInfo() bootinfo.Info {
	return bootinfo.Info{
		MemoryMap: []bootinfo.MemoryMapEntry{
			{Kind: bootinfo.MemoryLowMemory, Front: 0, Back: 0x100000},
			{Kind: bootinfo.MemoryUsable, Front: 0x100000, Back: 0x10000000},
		},
	}
}

func TestBootWiresEveryComponent(t *testing.T) {
	k, err := Boot(testBootInfo(), nil)
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if k.Phys == nil || k.Tables == nil || k.Kernel4 == nil {
		t.Fatalf("Boot left a core component nil")
	}
	if k.LocalAPIC == nil || k.IOAPICs == nil || k.ISRs == nil {
		t.Fatalf("Boot left an interrupt-path component nil")
	}
	if k.Notify == nil || k.Drain == nil {
		t.Fatalf("Boot left the notification stream unwired")
	}
}

func TestBootRejectsInvalidMemoryMap(t *testing.T) {
	bad := bootinfo.Info{
		MemoryMap: []bootinfo.MemoryMapEntry{
			{Kind: bootinfo.MemoryUsable, Front: 0, Back: 0x1000}, // below 1MiB, not low-memory
		},
	}
	if _, err := Boot(bad, nil); err == nil {
		t.Fatalf("Boot accepted a memory map violating the low-memory invariant")
	}
}

func TestBootMapUnmapThroughComposedAddressSpace(t *testing.T) {
	k, err := Boot(testBootInfo(), nil)
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	vr, err := k.Kernel4.Map(aspace.MemoryRange{Front: 0x200000, Back: 0x201000}, paging.Data, paging.WriteBack)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	got, err := k.Kernel4.Engine().GetBackingAddress(vr.Front)
	if err != nil || got != 0x200000 {
		t.Fatalf("GetBackingAddress = (%#x, %v), want (0x200000, nil)", got, err)
	}
	if err := k.Kernel4.Unmap(vr); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
}

func TestBringUpSMPToleratesOneStuckAP(t *testing.T) {
	k, err := Boot(testBootInfo(), nil)
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	k.LocalAPIC.Enable()

	stuck := uint32(2)
	entry := func(ap *smp.APContext) error {
		if ap.ID == stuck {
			return nil // never signals liveness
		}
		ap.SignalLiveness()
		return nil
	}

	res := k.BringUpSMP([]uint32{0, 1, stuck, 3}, entry)
	if len(res.Started) != 3 {
		t.Fatalf("Started = %v, want 3 entries", res.Started)
	}
	if len(res.Failed) != 1 || res.Failed[0] != stuck {
		t.Fatalf("Failed = %v, want [%d]", res.Failed, stuck)
	}
	if !k.SMP.Ready() {
		t.Fatalf("controller did not report Ready after BringUp")
	}
}

func TestNotificationStreamPublishThroughDrainWorker(t *testing.T) {
	k, err := Boot(testBootInfo(), nil)
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	topicID := NewTopicID()
	topic, err := k.Notify.CreateTopic(topicID, "boot-events", 8)
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	done := make(chan struct{})
	onNotify := subscriberFunc(func() { close(done) })
	k.Notify.Subscribe(topic, &onNotify)

	k.Drain.Start()
	defer k.Drain.Stop()

	if err := notify.Publish(k.Notify, topic, "kernel up"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("drain worker never delivered the published notification")
	}
}

type subscriberFunc func()

func (f subscriberFunc) Notify(*notify.Topic, rcu.SharedPtr[notify.Notification]) { f() }
