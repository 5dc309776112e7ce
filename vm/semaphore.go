package vm

import "sync"

// ---------------------------------------------------------------------------
// Semaphore: a persistent counting semaphore
// ---------------------------------------------------------------------------

// Semaphore is the payload of .internal.sema. Value is signed: Down
// decrements it and blocks when the result is negative, so while threads
// are queued -Value is their number. Up increments it and hands the permit
// to the oldest queued thread.
type Semaphore struct {
	daHeader
	Owner    Ref // thread that took the last permit
	Waiters  Ref
	NWaiting int32
	Value    int32

	spin sync.Mutex
}

func (*Semaphore) Class() ClassID { return ClassSema }
func (*Semaphore) Size() int      { return semaSize }

func (s *Semaphore) visitRefs(fn func(Ref)) {
	if s.Owner != NilRef {
		fn(s.Owner)
	}
	if s.Waiters != NilRef {
		fn(s.Waiters)
	}
}

func (s *Semaphore) lockSite()   { s.spin.Lock() }
func (s *Semaphore) unlockSite() { s.spin.Unlock() }

func (s *Semaphore) dequeue(t *Thread) {
	s.waiters().removeWaiter(&s.NWaiting, t.self)
}

func (s *Semaphore) waiters() *Array { return s.heap.Array(s.Waiters) }

// Down takes a permit, blocking while none is available.
func (s *Semaphore) Down(t *Thread) error {
	s.spin.Lock()
	s.Value--
	if s.Value >= 0 {
		s.Owner = t.self
		s.touch()
		s.spin.Unlock()
		return nil
	}
	if err := s.waiters().pushWaiter(&s.NWaiting, t.self); err != nil {
		s.Value++
		s.spin.Unlock()
		return err
	}
	s.touch()
	reason, err := t.vm.putAsleep(t, s, 0)
	if err != nil {
		if reason == wakeSignalled {
			// Handed a permit on the way out; pass it on.
			s.Up()
		} else {
			s.spin.Lock()
			s.Value++
			s.touch()
			s.spin.Unlock()
		}
		return err
	}
	return nil
}

// TryDown takes a permit if one is available.
func (s *Semaphore) TryDown(t *Thread) bool {
	s.spin.Lock()
	defer s.spin.Unlock()
	if s.Value <= 0 {
		return false
	}
	s.Value--
	s.Owner = t.self
	s.touch()
	return true
}

// Up releases a permit from a VM thread. Code running outside the VM
// threads uses Release.
func (s *Semaphore) Up() {
	s.spin.Lock()
	defer s.spin.Unlock()
	s.Value++
	s.touch()
	if s.Value > 0 || s.NWaiting == 0 {
		return
	}
	next := s.waiters().Get(0)
	s.Owner = next
	wakeUp(s.heap.Thread(next), wakeSignalled)
}

// Release is Up for drivers. It waits while a snapshot is being taken.
func (s *Semaphore) Release() error {
	return s.heap.external(func() error {
		s.Up()
		return nil
	})
}

// Count returns the signed value.
func (s *Semaphore) Count() int {
	s.spin.Lock()
	defer s.spin.Unlock()
	return int(s.Value)
}

// Waiting returns the number of blocked threads.
func (s *Semaphore) Waiting() int {
	s.spin.Lock()
	defer s.spin.Unlock()
	return int(s.NWaiting)
}
