package vm

import (
	"errors"
	"testing"
	"time"
)

func newTestHeap(pages int) *Heap {
	return NewHeap(NewBitmapAllocator(pages), 256)
}

func TestTypedViewSizeMatchesClass(t *testing.T) {
	h := newTestHeap(256)

	for id := ClassInt; id < numClasses; id++ {
		c := ClassOf(id)
		var r Ref
		var err error
		if c.Variable() {
			r, err = h.AllocVariable(id, 5)
		} else {
			r, err = h.Alloc(id)
		}
		if err != nil {
			t.Fatalf("%s: alloc: %v", c, err)
		}
		o := h.Get(r)
		if o.Class() != id {
			t.Errorf("%s: class = %d", c, o.Class())
		}
		want := c.PayloadSize(0)
		if c.Variable() {
			want = c.PayloadSize(5)
		}
		if o.Size() != want {
			t.Errorf("%s: object size = %d, want %d", c, o.Size(), want)
		}
		if got := o.DataArea().Size(); got != want {
			t.Errorf("%s: data area size = %d, want %d", c, got, want)
		}
		if o.DataArea().Class() != id {
			t.Errorf("%s: data area class = %s", c, ClassOf(o.DataArea().Class()))
		}
	}
}

func TestTypedViewClassMismatch(t *testing.T) {
	h := newTestHeap(16)
	r := mustRef(t)(h.NewInt(7))

	if got := h.Int(r).Get(); got != 7 {
		t.Fatalf("Int = %d", got)
	}
	expectContract(t, func() { h.Mutex(r) })
	expectContract(t, func() { h.String(r) })
	expectContract(t, func() { h.Int(NilRef) })
}

func TestFreedRefIsContractViolation(t *testing.T) {
	h := newTestHeap(16)
	r := mustRef(t)(h.NewString("hello"))
	h.Free(r)

	if h.Valid(r) {
		t.Fatal("freed ref still valid")
	}
	expectContract(t, func() { h.String(r) })
	expectContract(t, func() { h.Free(r) })
}

func TestClassByName(t *testing.T) {
	c, err := ClassByName(".internal.thread")
	if err != nil {
		t.Fatal(err)
	}
	if c.ID != ClassThread {
		t.Errorf("ID = %d", c.ID)
	}
	if _, err := ClassByName(".internal.nope"); err == nil {
		t.Error("expected error for unknown class")
	}
	expectContract(t, func() { ClassOf(numClasses) })
}

func TestHeapOutOfMemory(t *testing.T) {
	h := NewHeap(NewBitmapAllocator(2), 64)

	var n int
	for {
		_, err := h.NewInt(int32(n))
		if errors.Is(err, ErrOutOfMemory) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		n++
		if n > 1000 {
			t.Fatal("heap never ran out of memory")
		}
	}
	if want := 2 * 64 / intSize; n != want {
		t.Errorf("allocated %d ints, want %d", n, want)
	}
	// A dedicated run larger than the arena fails too.
	if _, err := h.NewString(string(make([]byte, 1000))); !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("large alloc err = %v", err)
	}
}

func TestHeapRefsReused(t *testing.T) {
	h := newTestHeap(16)
	a := mustRef(t)(h.NewInt(1))
	h.Free(a)
	b := mustRef(t)(h.NewInt(2))
	if a != b {
		t.Errorf("ref %d not reused, got %d", a, b)
	}
	if h.Int(b).Get() != 2 {
		t.Error("reused slot holds stale payload")
	}
}

func TestHeapCompact(t *testing.T) {
	h := NewHeap(NewBitmapAllocator(64), 64)

	var refs []Ref
	for i := 0; i < 128; i++ {
		refs = append(refs, mustRef(t)(h.NewInt(int32(i))))
	}
	var kept []Ref
	for i, r := range refs {
		if i%4 == 0 {
			kept = append(kept, r)
		} else {
			h.Free(r)
		}
	}
	before := h.Stats().Pages

	stats, err := h.Compact()
	if err != nil {
		t.Fatal(err)
	}
	if stats.PagesBefore != before {
		t.Errorf("PagesBefore = %d, want %d", stats.PagesBefore, before)
	}
	if stats.PagesAfter >= stats.PagesBefore {
		t.Errorf("compaction did not shrink: %d -> %d", stats.PagesBefore, stats.PagesAfter)
	}
	for i, r := range kept {
		if got := h.Int(r).Get(); got != int32(i*4) {
			t.Errorf("ref %d = %d after compaction, want %d", r, got, i*4)
		}
	}
	if used, _ := h.pages.Stats(); used != stats.PagesAfter {
		t.Errorf("allocator holds %d pages, heap %d", used, stats.PagesAfter)
	}
}

func TestMutationObserver(t *testing.T) {
	h := newTestHeap(16)
	r := mustRef(t)(h.NewInt(0))

	var seen []Ref
	h.ObserveMutations(func(m Ref) { seen = append(seen, m) })
	h.Int(r).Set(5)
	h.ObserveMutations(nil)
	h.Int(r).Set(6)

	if len(seen) != 1 || seen[0] != r {
		t.Errorf("observed %v, want [%d]", seen, r)
	}
}

// The observer runs without the heap lock held, so it may read the heap,
// including for objects freed directly or by a collection.
func TestMutationObserverMayReadHeap(t *testing.T) {
	h := newTestHeap(16)
	kept := mustRef(t)(h.NewInt(1))
	freed := mustRef(t)(h.NewInt(2))
	swept := mustRef(t)(h.NewInt(3))
	h.AddRoot(kept)

	var seen []Ref
	h.ObserveMutations(func(r Ref) {
		h.Roots()
		seen = append(seen, r)
	})
	defer h.ObserveMutations(nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Free(freed)
		h.Collect()
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("observer deadlocked on the heap lock")
	}

	want := map[Ref]bool{freed: true, swept: true}
	if len(seen) != len(want) {
		t.Fatalf("observed %v, want %v", seen, want)
	}
	for _, r := range seen {
		if !want[r] {
			t.Errorf("unexpected mutation of %d", r)
		}
	}
}

func TestRootsAndEach(t *testing.T) {
	h := newTestHeap(16)
	a := mustRef(t)(h.NewInt(1))
	b := mustRef(t)(h.NewInt(2))
	h.AddRoot(b)
	h.AddRoot(a)

	roots := h.Roots()
	if len(roots) != 2 || roots[0] != a || roots[1] != b {
		t.Errorf("Roots = %v", roots)
	}
	h.RemoveRoot(a)
	if len(h.Roots()) != 1 {
		t.Error("RemoveRoot did not remove")
	}

	var n int
	h.Each(func(r Ref, o *Object) {
		n++
		if o.Class() != ClassInt {
			t.Errorf("ref %d class %s", r, ClassOf(o.Class()))
		}
	})
	if n != 2 {
		t.Errorf("Each visited %d objects", n)
	}
}

// ---------------------------------------------------------------------------
// Page allocator
// ---------------------------------------------------------------------------

func TestBitmapAllocator(t *testing.T) {
	a := NewBitmapAllocator(70)

	seen := make(map[PageNo]bool)
	for i := 0; i < 70; i++ {
		p, err := a.AllocPage()
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		if p >= 70 {
			t.Fatalf("page %d outside arena", p)
		}
		if seen[p] {
			t.Fatalf("page %d handed out twice", p)
		}
		seen[p] = true
	}
	if _, err := a.AllocPage(); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("err = %v, want ErrOutOfMemory", err)
	}

	a.FreePage(3)
	p, err := a.AllocPage()
	if err != nil || p != 3 {
		t.Fatalf("realloc = %d, %v", p, err)
	}
	if used, total := a.Stats(); used != 70 || total != 70 {
		t.Errorf("Stats = %d/%d", used, total)
	}
}

func TestBitmapAllocatorContract(t *testing.T) {
	a := NewBitmapAllocator(8)
	expectContract(t, func() { a.FreePage(2) })
	expectContract(t, func() { a.FreePage(100) })

	// The allocator is still usable after a violation.
	if _, err := a.AllocPage(); err != nil {
		t.Fatal(err)
	}
}
