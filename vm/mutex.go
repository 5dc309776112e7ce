package vm

import "sync"

// ---------------------------------------------------------------------------
// Mutex: a persistent, FIFO-fair lock owned by a VM thread
// ---------------------------------------------------------------------------

// Mutex is the payload of .internal.mutex. Owner and the waiter array are
// persistent; spin guards them and is not.
type Mutex struct {
	daHeader
	Owner    Ref
	Waiters  Ref // array of thread refs, oldest first
	NWaiting int32

	spin sync.Mutex
}

func (*Mutex) Class() ClassID { return ClassMutex }
func (*Mutex) Size() int      { return mutexSize }

func (m *Mutex) visitRefs(fn func(Ref)) {
	if m.Owner != NilRef {
		fn(m.Owner)
	}
	if m.Waiters != NilRef {
		fn(m.Waiters)
	}
}

func (m *Mutex) lockSite()   { m.spin.Lock() }
func (m *Mutex) unlockSite() { m.spin.Unlock() }

func (m *Mutex) dequeue(t *Thread) {
	m.waiters().removeWaiter(&m.NWaiting, t.self)
}

func (m *Mutex) waiters() *Array { return m.heap.Array(m.Waiters) }

// Lock acquires m for t, blocking while another thread owns it. Waiters are
// served in arrival order: Unlock hands ownership straight to the oldest one.
// Locking a mutex t already owns is a contract violation.
func (m *Mutex) Lock(t *Thread) error {
	m.spin.Lock()
	switch m.Owner {
	case NilRef:
		m.Owner = t.self
		m.touch()
		m.spin.Unlock()
		return nil
	case t.self:
		m.spin.Unlock()
		contractf("Mutex.Lock", m.self, "thread %d already owns the mutex", t.TID)
	}

	if err := m.waiters().pushWaiter(&m.NWaiting, t.self); err != nil {
		m.spin.Unlock()
		return err
	}
	m.touch()
	reason, err := t.vm.putAsleep(t, m, 0)
	if err != nil {
		if reason == wakeSignalled {
			// Ownership arrived just before the stop; pass it on.
			m.Unlock(t)
		}
		return err
	}
	return nil
}

// TryLock acquires m for t if it is free.
func (m *Mutex) TryLock(t *Thread) bool {
	m.spin.Lock()
	defer m.spin.Unlock()
	if m.Owner != NilRef {
		return false
	}
	m.Owner = t.self
	m.touch()
	return true
}

// Unlock releases m, handing it to the oldest waiter if there is one.
// Unlocking a mutex t does not own is a contract violation.
func (m *Mutex) Unlock(t *Thread) {
	m.spin.Lock()
	defer m.spin.Unlock()
	if m.Owner != t.self {
		contractf("Mutex.Unlock", m.self, "thread %d does not own the mutex (owner %d)", t.TID, m.Owner)
	}
	if m.NWaiting == 0 {
		m.Owner = NilRef
		m.touch()
		return
	}
	next := m.waiters().Get(0)
	m.Owner = next
	m.touch()
	wakeUp(m.heap.Thread(next), wakeSignalled)
}

// Holder returns the owning thread ref, or NilRef.
func (m *Mutex) Holder() Ref {
	m.spin.Lock()
	defer m.spin.Unlock()
	return m.Owner
}

// WaiterRefs returns the blocked threads, oldest first.
func (m *Mutex) WaiterRefs() []Ref {
	m.spin.Lock()
	defer m.spin.Unlock()
	return append([]Ref(nil), m.waiters().Slots[:m.NWaiting]...)
}
