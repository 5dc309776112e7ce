package vm

import (
	"sync"
	"time"
)

// Cond is the payload of .internal.cond. Mutex records the mutex the last
// waiter released.
type Cond struct {
	daHeader
	Mutex    Ref
	Waiters  Ref
	NWaiting int32

	spin sync.Mutex
}

func (*Cond) Class() ClassID { return ClassCond }
func (*Cond) Size() int      { return condSize }

func (c *Cond) visitRefs(fn func(Ref)) {
	if c.Mutex != NilRef {
		fn(c.Mutex)
	}
	if c.Waiters != NilRef {
		fn(c.Waiters)
	}
}

func (c *Cond) lockSite()   { c.spin.Lock() }
func (c *Cond) unlockSite() { c.spin.Unlock() }

func (c *Cond) dequeue(t *Thread) {
	c.waiters().removeWaiter(&c.NWaiting, t.self)
}

func (c *Cond) waiters() *Array { return c.heap.Array(c.Waiters) }

// Wait atomically releases m, which t must own, and blocks until signalled.
// m is reacquired before Wait returns, except on ErrStopped and on
// ErrWaitersFull from the reacquire; with either error t does not hold m.
func (c *Cond) Wait(t *Thread, m *Mutex) error {
	return c.TimedWait(t, m, 0)
}

// TimedWait is Wait with a timeout; d <= 0 waits forever. On timeout m is
// reacquired and ErrTimeout returned. Errors other than ErrTimeout leave m
// released.
func (c *Cond) TimedWait(t *Thread, m *Mutex, d time.Duration) error {
	c.spin.Lock()
	if err := c.waiters().pushWaiter(&c.NWaiting, t.self); err != nil {
		c.spin.Unlock()
		return err
	}
	c.Mutex = m.self
	c.touch()
	// c.spin stays held across the release so a Signal issued right after
	// the mutex is free still finds t queued and asleep.
	m.Unlock(t)
	reason, err := t.vm.putAsleep(t, c, d)
	if err != nil {
		return err
	}
	if err := m.Lock(t); err != nil {
		return err
	}
	if reason == wakeTimedOut {
		return ErrTimeout
	}
	return nil
}

// Signal wakes the longest waiting thread, if any. Code running outside the
// VM threads uses Notify.
func (c *Cond) Signal() bool {
	c.spin.Lock()
	defer c.spin.Unlock()
	if c.NWaiting == 0 {
		return false
	}
	wakeUp(c.heap.Thread(c.waiters().Get(0)), wakeSignalled)
	return true
}

// Broadcast wakes every waiting thread and returns how many there were.
func (c *Cond) Broadcast() int {
	c.spin.Lock()
	defer c.spin.Unlock()
	n := 0
	for c.NWaiting > 0 {
		wakeUp(c.heap.Thread(c.waiters().Get(0)), wakeSignalled)
		n++
	}
	return n
}

// Notify is Signal for drivers. It waits while a snapshot is being taken.
func (c *Cond) Notify() (bool, error) {
	var woke bool
	err := c.heap.external(func() error {
		woke = c.Signal()
		return nil
	})
	return woke, err
}

// NotifyAll is Broadcast for drivers.
func (c *Cond) NotifyAll() (int, error) {
	var n int
	err := c.heap.external(func() error {
		n = c.Broadcast()
		return nil
	})
	return n, err
}

// Waiting returns the number of blocked threads.
func (c *Cond) Waiting() int {
	c.spin.Lock()
	defer c.spin.Unlock()
	return int(c.NWaiting)
}
