package vm

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestCondSignalAndBroadcast(t *testing.T) {
	vm, _ := newTestVM(t)
	h := vm.Heap()
	m := h.Mutex(mustRef(t)(vm.NewMutex()))
	c := h.Cond(mustRef(t)(vm.NewCond()))
	ready := h.Int(mustRef(t)(h.NewInt(0)))

	woke := make(chan int, 3)
	var ts []*Thread
	for i := 0; i < 3; i++ {
		i := i
		ts = append(ts, spawn(t, vm, once(func(th *Thread) {
			m.Lock(th)
			for ready.Get() == 0 {
				if err := c.Wait(th, m); err != nil {
					t.Errorf("wait: %v", err)
					return
				}
			}
			if m.Holder() != th.Self() {
				t.Errorf("woke without the mutex")
			}
			m.Unlock(th)
			woke <- i
		})))
	}
	waitFor(t, "three waiters", func() bool { return c.Waiting() == 3 })

	// A signal without the predicate only wakes one, which goes back to sleep.
	signaller := spawn(t, vm, once(func(th *Thread) {
		m.Lock(th)
		c.Signal()
		m.Unlock(th)
	}))
	waitDone(t, signaller)
	waitFor(t, "the signalled waiter to requeue", func() bool { return c.Waiting() == 3 })

	spawn(t, vm, once(func(th *Thread) {
		m.Lock(th)
		ready.Set(1)
		if n := c.Broadcast(); n != 3 {
			t.Errorf("Broadcast woke %d", n)
		}
		m.Unlock(th)
	}))
	waitDone(t, ts...)
	if len(woke) != 3 {
		t.Errorf("%d waiters finished", len(woke))
	}
	if c.Signal() {
		t.Error("Signal with no waiters reported a wake")
	}
}

func TestCondTimedWait(t *testing.T) {
	vm, clock := newTestVM(t)
	h := vm.Heap()
	m := h.Mutex(mustRef(t)(vm.NewMutex()))
	c := h.Cond(mustRef(t)(vm.NewCond()))

	errc := make(chan error, 1)
	th := spawn(t, vm, once(func(th *Thread) {
		m.Lock(th)
		err := c.TimedWait(th, m, 50*time.Millisecond)
		if m.Holder() != th.Self() {
			t.Errorf("mutex not reacquired after timeout")
		}
		m.Unlock(th)
		errc <- err
	}))
	waitFor(t, "waiter", func() bool { return th.Asleep() })
	if th.WakeAt == 0 {
		t.Error("WakeAt not recorded")
	}

	if n := vm.Tick(clock.Advance(20 * time.Millisecond)); n != 0 {
		t.Fatalf("woke %d threads early", n)
	}
	if n := vm.Tick(clock.Advance(40 * time.Millisecond)); n != 1 {
		t.Fatalf("Tick woke %d threads", n)
	}
	if err := <-errc; !errors.Is(err, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
	if c.Waiting() != 0 {
		t.Errorf("timed-out waiter still queued")
	}
	if vm.timers.len() != 0 {
		t.Errorf("%d timers left armed", vm.timers.len())
	}
}

func TestCondSignalCancelsTimer(t *testing.T) {
	vm, clock := newTestVM(t)
	h := vm.Heap()
	m := h.Mutex(mustRef(t)(vm.NewMutex()))
	c := h.Cond(mustRef(t)(vm.NewCond()))

	errc := make(chan error, 1)
	th := spawn(t, vm, once(func(th *Thread) {
		m.Lock(th)
		errc <- c.TimedWait(th, m, time.Second)
		m.Unlock(th)
	}))
	waitFor(t, "waiter", func() bool { return th.Asleep() })
	if woke, err := c.Notify(); !woke || err != nil {
		t.Fatalf("Notify = %v, %v", woke, err)
	}
	if err := <-errc; err != nil {
		t.Errorf("err = %v", err)
	}
	if vm.timers.len() != 0 {
		t.Error("signal left the timer armed")
	}
	if n := vm.Tick(clock.Advance(2 * time.Second)); n != 0 {
		t.Errorf("stale timer woke %d threads", n)
	}
}

// A driver notify arriving during a snapshot waits until the heap resumes.
func TestCondNotifyWaitsForSnapshot(t *testing.T) {
	vm, _ := newTestVM(t)
	h := vm.Heap()
	m := h.Mutex(mustRef(t)(vm.NewMutex()))
	c := h.Cond(mustRef(t)(vm.NewCond()))

	th := spawn(t, vm, once(func(th *Thread) {
		m.Lock(th)
		if err := c.Wait(th, m); err != nil {
			t.Errorf("wait: %v", err)
			return
		}
		m.Unlock(th)
	}))
	waitFor(t, "waiter", func() bool { return c.Waiting() == 1 && th.Asleep() })

	var during atomic.Int32
	h.ObserveMutations(func(Ref) {
		if vm.Snap().State() == StateSnapshotting {
			during.Add(1)
		}
	})
	defer h.ObserveMutations(nil)

	notified := make(chan int, 1)
	err := vm.Snapshot(func() error {
		go func() {
			n, _ := c.NotifyAll()
			notified <- n
		}()
		time.Sleep(20 * time.Millisecond)
		if c.NWaiting != 1 {
			t.Errorf("waiter dequeued while snapshotting")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if n := <-notified; n != 1 {
		t.Errorf("NotifyAll woke %d", n)
	}
	waitDone(t, th)
	if n := during.Load(); n != 0 {
		t.Errorf("%d mutations while snapshotting", n)
	}
}

// When the mutex's waiter array is full, the reacquire after a wake fails
// and the waiter returns without holding the mutex.
func TestCondReacquireWaitersFull(t *testing.T) {
	opts := DefaultOptions()
	opts.Pages = 2048
	opts.MaxWaiters = 1
	vm := New(opts)
	t.Cleanup(vm.Stop)
	h := vm.Heap()
	m := h.Mutex(mustRef(t)(vm.NewMutex()))
	c := h.Cond(mustRef(t)(vm.NewCond()))

	waiter := spawn(t, vm, once(func(th *Thread) {
		m.Lock(th)
		err := c.Wait(th, m)
		if !errors.Is(err, ErrWaitersFull) {
			t.Errorf("Wait = %v, want ErrWaitersFull", err)
		}
		if m.Holder() == th.Self() {
			t.Error("mutex held after a failed reacquire")
		}
	}))
	waitFor(t, "cond waiter", func() bool { return c.Waiting() == 1 && waiter.Asleep() })

	hold := make(chan struct{})
	holder := spawn(t, vm, once(func(th *Thread) {
		m.Lock(th)
		<-hold
		m.Unlock(th)
	}))
	waitFor(t, "holder", func() bool { return m.Holder() == holder.Self() })
	queued := spawn(t, vm, once(func(th *Thread) {
		if err := m.Lock(th); err != nil {
			t.Errorf("lock: %v", err)
			return
		}
		m.Unlock(th)
	}))
	waitFor(t, "mutex queue full", func() bool { return len(m.WaiterRefs()) == 1 && queued.Asleep() })

	if woke, err := c.Notify(); !woke || err != nil {
		t.Fatalf("Notify = %v, %v", woke, err)
	}
	waitDone(t, waiter)
	close(hold)
	waitDone(t, holder, queued)
	if m.Holder() != NilRef {
		t.Errorf("mutex still held by %d", m.Holder())
	}
}
