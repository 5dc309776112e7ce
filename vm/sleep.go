package vm

import "time"

// ---------------------------------------------------------------------------
// Sleep/wake: the single path by which a thread stops being runnable
// ---------------------------------------------------------------------------

// Lock order, outermost first:
//
//	Cond.spin -> Mutex.spin -> any other wait site -> Thread.spin -> timer queue
//
// Cond.Wait is the only place two site locks are held together.

// waitSite is something a thread can sleep on: a primitive, an I/O channel
// direction, the snapshot park list, or nothing at all. The site lock guards
// the site's waiter bookkeeping.
type waitSite interface {
	lockSite()
	unlockSite()
	// dequeue unlinks t from the site's waiters. Called with the site lock
	// and t.spin held; a thread that is not queued is ignored.
	dequeue(t *Thread)
}

type wakeReason int32

const (
	wakeNone wakeReason = iota
	wakeSignalled
	wakeTimedOut
	wakeKilled
)

func (r wakeReason) String() string {
	switch r {
	case wakeSignalled:
		return "signalled"
	case wakeTimedOut:
		return "timed out"
	case wakeKilled:
		return "killed"
	default:
		return "none"
	}
}

// noSite is the site of a plain timed sleep. Only the timer or a stop wakes it.
type noSite struct{}

func (noSite) lockSite()       {}
func (noSite) unlockSite()     {}
func (noSite) dequeue(*Thread) {}

// putAsleep blocks t, the calling thread, on site. The caller holds the site
// lock and has already made t discoverable in the site's waiter bookkeeping.
// putAsleep marks t asleep and arms its wake timer, and only then releases
// the site lock, so a waker that takes the site lock afterwards always finds
// t asleep.
//
// A thread blocking anywhere but the park list stops counting as running for
// the snapshot protocol while it sleeps, and re-enters through the gate once
// woken. The returned error is ErrStopped if the VM stopped meanwhile; the
// reason still tells whether a waker handed something to t first.
func (vm *VM) putAsleep(t *Thread, site waitSite, timeout time.Duration) (wakeReason, error) {
	_, parking := site.(*SnapSync)

	t.spin.Lock()
	t.sleeping = true
	t.site = site
	t.reason = wakeNone
	if timeout > 0 {
		at := vm.now().Add(timeout)
		t.timer = vm.timers.arm(t, at)
		t.WakeAt = at.UnixNano()
	}
	if !parking {
		vm.snap.leave(t, ThreadBlocked)
	}
	if vm.snap.stopping() {
		// Stop may already have swept the threads; nobody would wake us.
		t.clearSleepLocked(wakeKilled)
	}
	site.unlockSite()

	for t.sleeping {
		t.wake.Wait()
	}
	reason := t.reason
	t.spin.Unlock()

	if reason == wakeKilled {
		return reason, ErrStopped
	}
	if !parking {
		if err := vm.snap.gate(t); err != nil {
			return reason, err
		}
	}
	return reason, nil
}

// clearSleepLocked takes t off its site and wakes it. t.spin and the site lock
// must be held.
func (t *Thread) clearSleepLocked(reason wakeReason) {
	t.site.dequeue(t)
	t.site = nil
	t.sleeping = false
	t.reason = reason
	if t.timer != nil {
		t.vm.timers.cancel(t.timer)
		t.timer = nil
		t.WakeAt = 0
	}
	t.touch()
	t.wake.Signal()
}

// wakeUp wakes t if it is asleep. The caller holds the lock of the site t
// sleeps on.
func wakeUp(t *Thread, reason wakeReason) bool {
	t.spin.Lock()
	defer t.spin.Unlock()
	if !t.sleeping {
		return false
	}
	t.clearSleepLocked(reason)
	return true
}

// WakeUp wakes t, which must be asleep on a site whose lock the caller holds.
func (vm *VM) WakeUp(t *Thread) bool {
	return wakeUp(t, wakeSignalled)
}

// wakeFromOutside wakes t from a context that holds no site lock: timer
// expiry and stop. The site is read under t.spin, then locked in order, and
// the wake only happens if t is still asleep on the same site. A non-nil
// entry additionally requires that timer to still be the armed one.
func (vm *VM) wakeFromOutside(t *Thread, reason wakeReason, entry *timerEntry) bool {
	t.spin.Lock()
	site, sleeping := t.site, t.sleeping
	t.spin.Unlock()
	if !sleeping || site == nil {
		return false
	}

	site.lockSite()
	defer site.unlockSite()
	t.spin.Lock()
	defer t.spin.Unlock()
	if !t.sleeping || t.site != site {
		return false
	}
	if entry != nil && t.timer != entry {
		return false
	}
	t.clearSleepLocked(reason)
	return true
}

// Sleep blocks the calling thread for d. It returns ErrStopped if the VM
// stops first.
func (t *Thread) Sleep(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	_, err := t.vm.putAsleep(t, noSite{}, d)
	return err
}
