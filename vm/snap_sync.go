package vm

import (
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// SnapSync: bringing every thread to a safe point
// ---------------------------------------------------------------------------

// SnapState is the state of the snapshot protocol.
type SnapState int32

const (
	StateRunning SnapState = iota
	StateSnapRequested
	StateSnapshotting
	StateResuming
	StateStopping // terminal
)

func (s SnapState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateSnapRequested:
		return "snap-requested"
	case StateSnapshotting:
		return "snapshotting"
	case StateResuming:
		return "resuming"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

const (
	flagSnap uint32 = 1 << iota
	flagStop
)

// SnapSync coordinates the threads of one VM with its snapshotter. Threads
// call SafePoint between instructions; while a request flag is up they leave
// the running count and park on the park list through the sleep/wake path.
// Threads asleep elsewhere are already out of the running count and are not
// disturbed. The snapshotter waits for the count to drain, then holds off
// external events for the duration of the snapshot.
type SnapSync struct {
	vm *VM

	flags   atomic.Uint32
	state   atomic.Int32
	running atomic.Int32
	gen     atomic.Uint64
	quiet   chan struct{} // poked whenever running drops to zero

	snapMu sync.Mutex   // one snapshotter at a time
	ext    sync.RWMutex // read: external events, write: snapshotting

	mu     sync.Mutex
	parked []*Thread
}

func newSnapSync(vm *VM) *SnapSync {
	return &SnapSync{vm: vm, quiet: make(chan struct{}, 1)}
}

// State returns the current protocol state.
func (s *SnapSync) State() SnapState { return SnapState(s.state.Load()) }

// Generation returns the number of snapshots taken.
func (s *SnapSync) Generation() uint64 { return s.gen.Load() }

// Running returns the number of threads counted as running.
func (s *SnapSync) Running() int { return int(s.running.Load()) }

// Parked returns the number of threads on the park list.
func (s *SnapSync) Parked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.parked)
}

func (s *SnapSync) stopping() bool { return s.flags.Load()&flagStop != 0 }

func (s *SnapSync) lockSite()   { s.mu.Lock() }
func (s *SnapSync) unlockSite() { s.mu.Unlock() }

func (s *SnapSync) dequeue(t *Thread) {
	for i, p := range s.parked {
		if p == t {
			s.parked = append(s.parked[:i], s.parked[i+1:]...)
			return
		}
	}
}

func (s *SnapSync) poke() {
	select {
	case s.quiet <- struct{}{}:
	default:
	}
}

// leave takes t out of the running count. Only t itself calls it.
func (s *SnapSync) leave(t *Thread, state RunState) {
	t.runState.Store(int32(state))
	if !t.counted {
		return
	}
	t.counted = false
	if s.running.Add(-1) == 0 {
		s.poke()
	}
}

// gate lets t back into the running count once no request is up, parking
// it meanwhile. It returns ErrStopped, with t not counted, on stop.
func (s *SnapSync) gate(t *Thread) error {
	for {
		f := s.flags.Load()
		if f&flagStop != 0 {
			return ErrStopped
		}
		if f == 0 {
			t.counted = true
			t.runState.Store(int32(ThreadRunning))
			s.running.Add(1)
			// Pairs with the snapshotter raising the flag before it reads
			// the count: one of the two sees the other.
			if s.flags.Load() == 0 {
				return nil
			}
			s.leave(t, ThreadParked)
			continue
		}
		s.park(t)
	}
}

func (s *SnapSync) park(t *Thread) {
	s.mu.Lock()
	if s.flags.Load() == 0 {
		s.mu.Unlock()
		return
	}
	t.runState.Store(int32(ThreadParked))
	s.parked = append(s.parked, t)
	s.vm.putAsleep(t, s, 0)
}

// SafePoint is called by t between instructions. With no request up it
// costs one atomic load. Otherwise t acknowledges the request, writes its
// cursor back to its frame and parks until the snapshot is over. On stop it
// returns ErrStopped and t must exit without touching the heap again.
func (s *SnapSync) SafePoint(t *Thread) error {
	if s.flags.Load() == 0 {
		return nil
	}
	t.acks.Add(1)
	t.SaveFastAcc()
	s.leave(t, ThreadParked)
	if err := s.gate(t); err != nil {
		return err
	}
	t.LoadFastAcc()
	return nil
}

// Snapshot brings every thread to quiescence, runs fn while nothing touches
// the heap, and resumes the threads. It waits as long as it takes. It fails
// with ErrStopping once Stop has been called.
func (s *SnapSync) Snapshot(fn func() error) error {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()

	if !s.state.CompareAndSwap(int32(StateRunning), int32(StateSnapRequested)) {
		return ErrStopping
	}
	s.flags.Or(flagSnap)
	log.Debugf("snapshot %d requested, %d threads running", s.gen.Load()+1, s.running.Load())

	for s.running.Load() != 0 {
		<-s.quiet
	}
	s.ext.Lock()
	if !s.state.CompareAndSwap(int32(StateSnapRequested), int32(StateSnapshotting)) {
		s.ext.Unlock()
		return ErrStopping
	}
	gen := s.gen.Add(1)
	log.Debugf("snapshot %d: quiescent, %d parked", gen, s.Parked())

	err := fn()

	s.state.CompareAndSwap(int32(StateSnapshotting), int32(StateResuming))
	s.mu.Lock()
	s.flags.And(^flagSnap)
	parked := s.parked
	s.parked = nil
	for _, t := range parked {
		wakeUp(t, wakeSignalled)
	}
	s.mu.Unlock()
	s.ext.Unlock()
	s.state.CompareAndSwap(int32(StateResuming), int32(StateRunning))

	log.Debugf("snapshot %d: resumed %d threads", gen, len(parked))
	return err
}

// External runs fn as an event arriving from outside the VM threads (timer
// expiry, driver I/O, thread creation). fn waits while a snapshot is being
// taken.
func (s *SnapSync) External(fn func() error) error {
	s.ext.RLock()
	defer s.ext.RUnlock()
	return fn()
}

// Stop raises the stop request. Running threads exit at their next safe
// point; parked and blocked threads are woken and exit without resuming.
// Stopping is terminal.
func (s *SnapSync) Stop() {
	if StateStopping == SnapState(s.state.Swap(int32(StateStopping))) {
		return
	}
	s.flags.Or(flagSnap | flagStop)
	s.poke()
	log.Infof("stop requested")

	_ = s.External(func() error {
		for _, t := range s.vm.Threads() {
			s.vm.wakeFromOutside(t, wakeKilled, nil)
		}
		return nil
	})
}
