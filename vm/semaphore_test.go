package vm

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSemaphoreCounter(t *testing.T) {
	vm, _ := newTestVM(t)
	s := vm.Heap().Semaphore(mustRef(t)(vm.NewSemaphore(2)))

	done := make(chan struct{})
	spawn(t, vm, once(func(th *Thread) {
		defer close(done)
		steps := []struct {
			op   string
			want int
		}{
			{"down", 1},
			{"down", 0},
			{"trydown", 0},
			{"up", 1},
			{"up", 2},
			{"trydown", 1},
		}
		for _, step := range steps {
			before := s.Count()
			switch step.op {
			case "down":
				if err := s.Down(th); err != nil {
					t.Errorf("down: %v", err)
					return
				}
			case "trydown":
				ok := s.TryDown(th)
				if ok != (before > 0) {
					t.Errorf("TryDown at %d = %v", before, ok)
				}
			case "up":
				s.Up()
			}
			if got := s.Count(); got != step.want {
				t.Errorf("%s: count %d -> %d, want %d", step.op, before, got, step.want)
			}
		}
	}))
	<-done
}

func TestSemaphoreHandsPermitToWaiter(t *testing.T) {
	vm, _ := newTestVM(t)
	s := vm.Heap().Semaphore(mustRef(t)(vm.NewSemaphore(0)))

	got := make(chan struct{})
	th := spawn(t, vm, once(func(th *Thread) {
		if err := s.Down(th); err != nil {
			t.Errorf("down: %v", err)
		}
		close(got)
	}))
	waitFor(t, "down to block", func() bool { return th.Asleep() })
	if s.Waiting() != 1 {
		t.Fatalf("Waiting = %d", s.Waiting())
	}
	if s.Count() != -1 {
		t.Errorf("count = %d with one waiter, want -1", s.Count())
	}

	if err := s.Release(); err != nil {
		t.Fatal(err)
	}
	<-got
	if s.Count() != 0 {
		t.Errorf("count = %d after hand-off, want 0", s.Count())
	}
	if s.Waiting() != 0 {
		t.Errorf("Waiting = %d after hand-off", s.Waiting())
	}
	if s.Owner != th.Self() {
		t.Errorf("Owner = %d", s.Owner)
	}
}

// Never more than the initial value of threads hold a permit at once.
func TestSemaphoreUnderContention(t *testing.T) {
	vm, _ := newTestVM(t)
	s := vm.Heap().Semaphore(mustRef(t)(vm.NewSemaphore(2)))

	const threads, rounds = 6, 150
	var holding, maxHolding atomic.Int32

	var ts []*Thread
	for i := 0; i < threads; i++ {
		n := 0
		ts = append(ts, spawn(t, vm, stepFunc(func(th *Thread) (bool, error) {
			if err := s.Down(th); err != nil {
				return true, err
			}
			cur := holding.Add(1)
			for {
				prev := maxHolding.Load()
				if cur <= prev || maxHolding.CompareAndSwap(prev, cur) {
					break
				}
			}
			holding.Add(-1)
			s.Up()
			n++
			return n == rounds, nil
		})))
	}
	waitDone(t, ts...)

	if maxHolding.Load() > 2 {
		t.Errorf("%d permits held at once", maxHolding.Load())
	}
	if s.Count() != 2 || s.Waiting() != 0 {
		t.Errorf("count %d, waiting %d at rest", s.Count(), s.Waiting())
	}
}

func TestSemaphorePingPong(t *testing.T) {
	vm, _ := newTestVM(t)
	h := vm.Heap()
	ping := h.Semaphore(mustRef(t)(vm.NewSemaphore(0)))
	pong := h.Semaphore(mustRef(t)(vm.NewSemaphore(0)))

	const rounds = 500
	a, b := 0, 0
	ta := spawn(t, vm, stepFunc(func(th *Thread) (bool, error) {
		ping.Up()
		if err := pong.Down(th); err != nil {
			return true, err
		}
		a++
		return a == rounds, nil
	}))
	tb := spawn(t, vm, stepFunc(func(th *Thread) (bool, error) {
		if err := ping.Down(th); err != nil {
			return true, err
		}
		pong.Up()
		b++
		return b == rounds, nil
	}))
	waitDone(t, ta, tb)
	if ping.Count() != 0 || pong.Count() != 0 {
		t.Errorf("counts %d/%d after balanced rounds", ping.Count(), pong.Count())
	}
}

// Every down and up moves the count by exactly one, blocked or not, and
// released permits go to waiters in arrival order.
func TestSemaphoreCountMovesByOne(t *testing.T) {
	vm, _ := newTestVM(t)
	s := vm.Heap().Semaphore(mustRef(t)(vm.NewSemaphore(0)))

	var order []int
	var waiters []*Thread
	for i := 0; i < 2; i++ {
		i := i
		before := s.Count()
		waiters = append(waiters, spawn(t, vm, once(func(th *Thread) {
			if err := s.Down(th); err != nil {
				t.Errorf("down: %v", err)
				return
			}
			order = append(order, i)
		})))
		waitFor(t, "down to block", func() bool { return s.Waiting() == i+1 })
		if got := s.Count(); got != before-1 {
			t.Errorf("blocking down: count %d -> %d, want %d", before, got, before-1)
		}
	}

	for i := 0; i < 3; i++ {
		before := s.Count()
		if err := s.Release(); err != nil {
			t.Fatalf("Release: %v", err)
		}
		if got := s.Count(); got != before+1 {
			t.Errorf("up %d: count %d -> %d, want %d", i, before, got, before+1)
		}
		if i < 2 {
			waitDone(t, waiters[i])
		}
	}

	if len(order) != 2 || order[0] != 0 || order[1] != 1 {
		t.Errorf("waiters woke in order %v, want [0 1]", order)
	}
	if s.Count() != 1 || s.Waiting() != 0 {
		t.Errorf("count %d, waiting %d at rest", s.Count(), s.Waiting())
	}
}

// A driver releasing a permit while a snapshot is in progress waits until
// the heap is resumed.
func TestSemaphoreReleaseWaitsForSnapshot(t *testing.T) {
	vm, _ := newTestVM(t)
	h := vm.Heap()
	s := h.Semaphore(mustRef(t)(vm.NewSemaphore(0)))

	var during atomic.Int32
	h.ObserveMutations(func(Ref) {
		if vm.Snap().State() == StateSnapshotting {
			during.Add(1)
		}
	})
	defer h.ObserveMutations(nil)

	released := make(chan error, 1)
	err := vm.Snapshot(func() error {
		go func() { released <- s.Release() }()
		time.Sleep(20 * time.Millisecond)
		if s.Value != 0 {
			t.Errorf("Value = %d while snapshotting", s.Value)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := <-released; err != nil {
		t.Fatalf("Release: %v", err)
	}
	if n := during.Load(); n != 0 {
		t.Errorf("%d mutations while snapshotting", n)
	}
	if s.Count() != 1 {
		t.Errorf("count = %d after release, want 1", s.Count())
	}
}
