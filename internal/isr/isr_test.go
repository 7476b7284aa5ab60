package isr

import "testing"

func TestAllocateInstallDispatch(t *testing.T) {
	table := New()
	called := false
	e, vector, tok, err := table.Allocate(func(c *Context) *Context {
		called = true
		return c
	})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if vector < 32 || vector > 239 {
		t.Fatalf("vector = %d, out of allocatable range", vector)
	}
	if got, ok := table.Index(e); !ok || got != vector {
		t.Fatalf("Index = (%d, %v), want (%d, true)", got, ok, vector)
	}
	table.Dispatch(vector, &Context{Vector: vector})
	if !called {
		t.Fatalf("handler was not invoked")
	}
	table.Release(e, tok)
	if table.Dispatch(vector, &Context{Vector: vector}) != nil {
		t.Fatalf("expected nil dispatch after release")
	}
}

func TestReleaseIsIdempotentAndABASafe(t *testing.T) {
	table := New()
	e, vector, tok1, err := table.Allocate(func(c *Context) *Context { return c })
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	table.Release(e, tok1)
	// Re-releasing with the stale token must not disturb a fresh install.
	_, _, tok2, err := table.Allocate(func(c *Context) *Context { return c })
	if err != nil {
		t.Fatalf("second Allocate: %v", err)
	}
	table.Release(e, tok1)
	if table.Dispatch(vector, &Context{Vector: vector}) == nil {
		t.Fatalf("stale release must not clear a newer installation")
	}
	table.Release(e, tok2)
	if table.Dispatch(vector, &Context{Vector: vector}) != nil {
		t.Fatalf("expected slot cleared after releasing the current token")
	}
}

func TestAllocateExhaustsPool(t *testing.T) {
	table := New()
	for i := minAllocatable; i <= maxAllocatable; i++ {
		if _, _, _, err := table.Allocate(func(c *Context) *Context { return c }); err != nil {
			t.Fatalf("Allocate(%d): %v", i, err)
		}
	}
	if _, _, _, err := table.Allocate(func(c *Context) *Context { return c }); err == nil {
		t.Fatalf("expected OutOfVectors once pool is exhausted")
	}
}

func TestInstallFixedVector(t *testing.T) {
	table := New()
	prev, tok := table.Install(14, func(c *Context) *Context { return c }) // page fault
	if prev != nil {
		t.Fatalf("expected no previous handler at vector 14")
	}
	if table.Dispatch(14, &Context{}) == nil {
		t.Fatalf("expected installed handler to run")
	}
	table.Release(&table.entries[14], tok)
	if table.Dispatch(14, &Context{}) != nil {
		t.Fatalf("expected vector 14 cleared after release")
	}
}

func TestISTAssignment(t *testing.T) {
	const timerVector = 0x40
	if got := ISTFor(2, timerVector); got != ISTNMI {
		t.Fatalf("ISTFor(NMI) = %v, want ISTNMI", got)
	}
	if got := ISTFor(14, timerVector); got != ISTTrap {
		t.Fatalf("ISTFor(page fault) = %v, want ISTTrap", got)
	}
	if got := ISTFor(timerVector, timerVector); got != ISTTimer {
		t.Fatalf("ISTFor(timer) = %v, want ISTTimer", got)
	}
	if got := ISTFor(0x60, timerVector); got != ISTNone {
		t.Fatalf("ISTFor(generic) = %v, want ISTNone", got)
	}
}
