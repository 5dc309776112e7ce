package vm

import (
	"sync"
)

// ---------------------------------------------------------------------------
// WeakRef: a reference that doesn't prevent collection
// ---------------------------------------------------------------------------

// WeakRef is the payload of .internal.weakref. It is either live, naming
// Target, or cleared. The collector clearing it and a reader resolving it
// both go through lock, so a reader sees the value from before or after the
// clear and never a mix of the two.
type WeakRef struct {
	daHeader
	Target Ref
	Live   bool

	lock      sync.Mutex
	finalizer func(Ref)
}

func (*WeakRef) Class() ClassID { return ClassWeakRef }
func (*WeakRef) Size() int      { return weakRefSize }

// Weak: the target is deliberately not traced.
func (*WeakRef) visitRefs(func(Ref)) {}

// NewWeakRef allocates a weak reference to target.
func (h *Heap) NewWeakRef(target Ref) (Ref, error) {
	h.resolve("NewWeakRef", target, ClassInvalid)
	r, err := h.Alloc(ClassWeakRef)
	if err != nil {
		return NilRef, err
	}
	wr := h.WeakRef(r)
	wr.Target = target
	wr.Live = true
	return r, nil
}

// Get returns the target and true, or NilRef and false once cleared.
func (wr *WeakRef) Get() (Ref, bool) {
	wr.lock.Lock()
	defer wr.lock.Unlock()
	if !wr.Live {
		return NilRef, false
	}
	return wr.Target, true
}

// IsAlive reports whether the reference has not been cleared.
func (wr *WeakRef) IsAlive() bool {
	wr.lock.Lock()
	defer wr.lock.Unlock()
	return wr.Live
}

// Clear clears the reference and returns the old target. The finalizer is
// not run.
func (wr *WeakRef) Clear() (Ref, bool) {
	wr.lock.Lock()
	defer wr.lock.Unlock()
	if !wr.Live {
		return NilRef, false
	}
	old := wr.Target
	wr.Target = NilRef
	wr.Live = false
	wr.touch()
	return old, true
}

// SetFinalizer sets a callback run after the collector clears the reference.
// It receives the ref the target had; the object itself is already gone.
func (wr *WeakRef) SetFinalizer(fn func(Ref)) {
	wr.lock.Lock()
	defer wr.lock.Unlock()
	wr.finalizer = fn
}

// clearIf clears the reference if it is live and dead reports its target
// as collected, then runs the finalizer outside the lock.
func (wr *WeakRef) clearIf(dead func(Ref) bool) bool {
	wr.lock.Lock()
	if !wr.Live || !dead(wr.Target) {
		wr.lock.Unlock()
		return false
	}
	old := wr.Target
	wr.Target = NilRef
	wr.Live = false
	wr.touch()
	fn := wr.finalizer
	wr.lock.Unlock()

	if fn != nil {
		fn(old)
	}
	return true
}
