package rcu

import (
	"sync"
	"testing"
)

func TestSharedPtrDestructorRunsOnceStrongHitsZero(t *testing.T) {
	domain := NewDomain()
	destroyed := 0
	value := new(int)
	*value = 42

	p := NewShared(domain, value, func(v *int) { destroyed++ })
	clone := p.Clone()

	p.Reset()
	domain.Advance()
	if destroyed != 0 {
		t.Fatalf("destructor ran with a live clone outstanding")
	}

	clone.Reset()
	domain.Advance()
	if destroyed != 1 {
		t.Fatalf("destroyed = %d, want 1", destroyed)
	}
}

func TestControlBlockFreedOnlyAfterWeakDropsAndGracePeriod(t *testing.T) {
	domain := NewDomain()
	value := new(int)
	p := NewShared(domain, value, func(*int) {})

	blockFreed := false
	p.OnBlockFreed(func() { blockFreed = true })

	w := p.Weak()
	p.Reset()
	domain.Advance()
	if blockFreed {
		t.Fatalf("control block freed while a weak reference is outstanding")
	}

	w.Reset()
	if blockFreed {
		t.Fatalf("control block freed before a grace period elapsed")
	}
	domain.Advance()
	if !blockFreed {
		t.Fatalf("control block was not freed after weak drop and grace period")
	}
}

func TestWeakLockFailsAfterDestruction(t *testing.T) {
	domain := NewDomain()
	value := new(int)
	p := NewShared(domain, value, func(*int) {})
	w := p.Weak()

	p.Reset()
	domain.Advance()

	upgraded := w.Lock()
	if upgraded.Valid() {
		t.Fatalf("Lock succeeded after the managed object was destroyed")
	}
}

func TestWeakLockSucceedsWhileStrongAlive(t *testing.T) {
	domain := NewDomain()
	value := new(int)
	p := NewShared(domain, value, func(*int) {})
	w := p.Weak()

	upgraded := w.Lock()
	if !upgraded.Valid() {
		t.Fatalf("Lock failed while a strong reference was alive")
	}
	if *upgraded.Get() != 0 {
		t.Fatalf("unexpected value through upgraded pointer")
	}
}

func TestStickyBitsSetExactlyOnceUnderInterleavedRetainRelease(t *testing.T) {
	domain := NewDomain()
	value := new(int)
	destroyed := 0
	var mu sync.Mutex
	p := NewShared(domain, value, func(*int) {
		mu.Lock()
		destroyed++
		mu.Unlock()
	})

	const n = 64
	var wg sync.WaitGroup
	clones := make([]SharedPtr[int], n)
	for i := 0; i < n; i++ {
		clones[i] = p.Clone()
	}
	wg.Add(n + 1)
	go func() {
		defer wg.Done()
		p.Reset()
	}()
	for i := range clones {
		i := i
		go func() {
			defer wg.Done()
			clones[i].Reset()
		}()
	}
	wg.Wait()
	domain.Advance()

	mu.Lock()
	defer mu.Unlock()
	if destroyed != 1 {
		t.Fatalf("destructor ran %d times, want exactly 1", destroyed)
	}
}

func TestIntrusiveSelf(t *testing.T) {
	type node struct {
		IntrusiveSelf[node]
		value int
	}

	domain := NewDomain()
	n := &node{value: 7}
	p := NewShared(domain, n, func(*node) {})
	n.InitWeak(p.Weak())

	loaned := n.LoanShared()
	if !loaned.Valid() {
		t.Fatalf("LoanShared failed while the object is alive")
	}
	if loaned.Get().value != 7 {
		t.Fatalf("loaned value = %d, want 7", loaned.Get().value)
	}
}

func TestDomainEnterExitGatesAdvance(t *testing.T) {
	domain := NewDomain()
	ran := false
	epoch := domain.Enter()
	domain.Defer(func() { ran = true })
	domain.Advance()
	if ran {
		t.Fatalf("deferred callback ran while a reader was still in the epoch")
	}
	domain.Exit(epoch)
	domain.Advance()
	if !ran {
		t.Fatalf("deferred callback did not run once the reader exited and a second epoch advanced")
	}
}
