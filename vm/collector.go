package vm

// ---------------------------------------------------------------------------
// Collector: mark/sweep over the handle table
// ---------------------------------------------------------------------------

// CollectStats reports the outcome of one collection.
type CollectStats struct {
	Marked      int
	Freed       int
	WeakCleared int
}

// Collect frees every object not reachable from the root set or from
// extraRoots. Weak references do not keep their target alive; a weak
// reference whose target is freed is cleared and its finalizer runs after
// the heap lock is released. Collect must only run while no thread is
// touching the heap, normally from inside a snapshot.
func (h *Heap) Collect(extraRoots ...Ref) CollectStats {
	var stats CollectStats

	h.mu.Lock()
	for _, o := range h.objects {
		if o != nil {
			o.mark = false
		}
	}

	var stack []Ref
	push := func(r Ref) {
		if r == NilRef || int(r) >= len(h.objects) {
			return
		}
		o := h.objects[r]
		if o == nil || o.mark {
			return
		}
		o.mark = true
		stack = append(stack, r)
	}
	for r := range h.roots {
		push(r)
	}
	for _, r := range extraRoots {
		push(r)
	}
	for len(stack) > 0 {
		r := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		h.objects[r].da.visitRefs(push)
	}

	freed := make(map[Ref]struct{})
	var weak []*WeakRef
	for i, o := range h.objects {
		if o == nil {
			continue
		}
		if !o.mark {
			h.freeLocked(Ref(i), o)
			freed[Ref(i)] = struct{}{}
			continue
		}
		stats.Marked++
		if wr, ok := o.da.(*WeakRef); ok {
			weak = append(weak, wr)
		}
	}
	h.mu.Unlock()
	stats.Freed = len(freed)
	for r := range freed {
		h.mutated(r)
	}

	for _, wr := range weak {
		if wr.clearIf(func(target Ref) bool {
			_, dead := freed[target]
			return dead
		}) {
			stats.WeakCleared++
		}
	}

	if stats.Freed > 0 {
		log.Debugf("collect: marked %d, freed %d, cleared %d weak refs", stats.Marked, stats.Freed, stats.WeakCleared)
	}
	return stats
}
