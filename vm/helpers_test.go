package vm

import (
	"sync"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

// manualClock is a clock the test advances by hand.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func newTestVM(tb testing.TB) (*VM, *manualClock) {
	tb.Helper()
	clock := newManualClock()
	opts := DefaultOptions()
	opts.Pages = 2048
	opts.MaxWaiters = 16
	opts.Clock = clock.Now
	vm := New(opts)
	tb.Cleanup(vm.Stop)
	return vm, clock
}

// stepFunc is an interpreter written as a Go function.
type stepFunc func(t *Thread) (bool, error)

func (f stepFunc) Step(t *Thread) (bool, error) { return f(t) }

// once runs fn as a single instruction and finishes.
func once(fn func(t *Thread)) Interpreter {
	return stepFunc(func(t *Thread) (bool, error) {
		fn(t)
		return true, nil
	})
}

// forever runs fn as every instruction until the VM stops.
func forever(fn func(t *Thread)) Interpreter {
	return stepFunc(func(t *Thread) (bool, error) {
		fn(t)
		return false, nil
	})
}

func spawn(tb testing.TB, vm *VM, interp Interpreter) *Thread {
	tb.Helper()
	code, err := vm.Heap().NewCode([]byte{0, 0, 0, 0})
	if err != nil {
		tb.Fatalf("NewCode: %v", err)
	}
	th, err := vm.Spawn(ThreadSpec{Code: code, Interpreter: interp})
	if err != nil {
		tb.Fatalf("Spawn: %v", err)
	}
	return th
}

func waitFor(tb testing.TB, what string, cond func() bool) {
	tb.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			tb.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitDone(tb testing.TB, threads ...*Thread) {
	tb.Helper()
	for _, th := range threads {
		select {
		case <-th.Done():
		case <-time.After(10 * time.Second):
			tb.Fatalf("thread %d did not finish", th.TID)
		}
	}
}

func expectContract(tb testing.TB, fn func()) {
	tb.Helper()
	defer func() {
		tb.Helper()
		r := recover()
		if r == nil {
			tb.Fatal("expected a contract violation")
		}
		if !IsContractViolation(r) {
			tb.Fatalf("expected *ContractViolation, got %T: %v", r, r)
		}
	}()
	fn()
}

// mustRef fails the test when an allocation errors: mustRef(t)(h.NewInt(1)).
func mustRef(tb testing.TB) func(Ref, error) Ref {
	return func(r Ref, err error) Ref {
		tb.Helper()
		if err != nil {
			tb.Fatalf("alloc: %v", err)
		}
		return r
	}
}
