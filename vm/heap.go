package vm

import (
	"sort"
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Heap: the single owner of every object
// ---------------------------------------------------------------------------

// heapPage accounts for a run of physical pages objects are placed in.
// Small objects share one-page runs; an object larger than a page gets a
// dedicated run.
type heapPage struct {
	nos       []PageNo
	used      int // bytes handed out
	live      int // live objects placed here
	dedicated bool
}

// MutationObserver is called with the ref of every object whose data area
// is written. It runs on the mutating goroutine.
type MutationObserver func(r Ref)

// HeapStats is a point-in-time summary of the heap.
type HeapStats struct {
	Objects    int
	Bytes      int
	Pages      int // pages held by the heap
	PagesUsed  int // pages in use in the whole arena
	PagesTotal int
}

// Heap allocates and resolves objects. The object table maps handles to
// objects so objects can be repacked without invalidating a Ref held
// anywhere else. All heap metadata is guarded by mu.
type Heap struct {
	mu       sync.RWMutex
	objects  []*Object // indexed by Ref; slot 0 is NilRef
	free     []Ref
	pages    PageAllocator
	pageSize int
	cur      *heapPage
	nPages   int
	live     int
	bytes    int
	roots    map[Ref]struct{}

	observer atomic.Pointer[MutationObserver]
	ext      func(fn func() error) error
}

// NewHeap creates a heap drawing storage from pages in pageSize units.
func NewHeap(pages PageAllocator, pageSize int) *Heap {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Heap{
		objects:  make([]*Object, 1, 256),
		pages:    pages,
		pageSize: pageSize,
		roots:    make(map[Ref]struct{}),
	}
}

// DefaultPageSize is the heap page size used when none is configured.
const DefaultPageSize = 4096

// ObserveMutations installs fn as the mutation observer. Pass nil to remove.
func (h *Heap) ObserveMutations(fn MutationObserver) {
	if fn == nil {
		h.observer.Store(nil)
		return
	}
	h.observer.Store(&fn)
}

// external runs fn as an event from outside any VM thread. A VM installs
// its snapshot gate here; a bare heap runs fn directly.
func (h *Heap) external(fn func() error) error {
	if h.ext != nil {
		return h.ext(fn)
	}
	return fn()
}

func (h *Heap) mutated(r Ref) {
	if fn := h.observer.Load(); fn != nil {
		(*fn)(r)
	}
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

// Alloc allocates a fixed-size object of the given class with a zeroed
// payload.
func (h *Heap) Alloc(class ClassID) (Ref, error) {
	if ClassOf(class).Variable() {
		contractf("Alloc", NilRef, "class %s is variable-size", ClassOf(class))
	}
	return h.alloc(class, 0)
}

// AllocVariable allocates a variable-size object with n tail elements.
func (h *Heap) AllocVariable(class ClassID, n int) (Ref, error) {
	if !ClassOf(class).Variable() {
		contractf("AllocVariable", NilRef, "class %s is fixed-size", ClassOf(class))
	}
	if n < 0 {
		contractf("AllocVariable", NilRef, "negative length %d", n)
	}
	return h.alloc(class, n)
}

func (h *Heap) alloc(id ClassID, n int) (Ref, error) {
	c := ClassOf(id)
	size := c.PayloadSize(n)
	da := c.new(n)

	h.mu.Lock()
	page, err := h.place(size)
	if err != nil {
		h.mu.Unlock()
		return NilRef, err
	}
	var r Ref
	if k := len(h.free); k > 0 {
		r = h.free[k-1]
		h.free = h.free[:k-1]
	} else {
		r = Ref(len(h.objects))
		h.objects = append(h.objects, nil)
	}
	h.objects[r] = &Object{class: id, size: size, page: page, da: da}
	hd := da.header()
	hd.heap = h
	hd.self = r
	page.live++
	h.live++
	h.bytes += size
	h.mu.Unlock()

	h.mutated(r)
	return r, nil
}

// place reserves size bytes and returns the page run holding them.
// h.mu must be held.
func (h *Heap) place(size int) (*heapPage, error) {
	if size > h.pageSize {
		p, err := h.newPage((size + h.pageSize - 1) / h.pageSize)
		if err != nil {
			return nil, err
		}
		p.dedicated = true
		p.used = size
		return p, nil
	}
	if h.cur == nil || h.cur.used+size > h.pageSize {
		p, err := h.newPage(1)
		if err != nil {
			return nil, err
		}
		old := h.cur
		h.cur = p
		if old != nil && old.live == 0 {
			h.releasePage(old)
		}
	}
	h.cur.used += size
	return h.cur, nil
}

func (h *Heap) newPage(n int) (*heapPage, error) {
	p := &heapPage{nos: make([]PageNo, 0, n)}
	for i := 0; i < n; i++ {
		no, err := h.pages.AllocPage()
		if err != nil {
			for _, got := range p.nos {
				h.pages.FreePage(got)
			}
			return nil, err
		}
		p.nos = append(p.nos, no)
	}
	h.nPages += n
	return p, nil
}

func (h *Heap) releasePage(p *heapPage) {
	for _, no := range p.nos {
		h.pages.FreePage(no)
	}
	h.nPages -= len(p.nos)
	p.nos = nil
}

// Free destroys the object r. Freeing NilRef or an already freed object is
// a contract violation.
func (h *Heap) Free(r Ref) {
	func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.freeLocked(r, h.lookupLocked("Free", r))
	}()
	h.mutated(r)
}

// freeLocked unlinks r. The caller reports the mutation after releasing h.mu.
func (h *Heap) freeLocked(r Ref, o *Object) {
	h.objects[r] = nil
	h.free = append(h.free, r)
	delete(h.roots, r)
	h.live--
	h.bytes -= o.size

	p := o.page
	p.live--
	if p.live == 0 && p != h.cur {
		h.releasePage(p)
	}
	o.da.header().heap = nil
}

// ---------------------------------------------------------------------------
// Resolution and typed views
// ---------------------------------------------------------------------------

func (h *Heap) lookupLocked(op string, r Ref) *Object {
	var o *Object
	if int(r) < len(h.objects) {
		o = h.objects[r]
	}
	if r == NilRef || o == nil {
		contractf(op, r, "dangling or nil reference")
	}
	return o
}

func (h *Heap) resolve(op string, r Ref, want ClassID) *Object {
	h.mu.RLock()
	var o *Object
	if int(r) < len(h.objects) {
		o = h.objects[r]
	}
	h.mu.RUnlock()

	if r == NilRef || o == nil {
		contractf(op, r, "dangling or nil reference")
	}
	if want != ClassInvalid && o.class != want {
		contractf(op, r, "object is %s, not %s", ClassOf(o.class), ClassOf(want))
	}
	return o
}

func view[T DataArea](h *Heap, r Ref, want ClassID) T {
	o := h.resolve(ClassOf(want).Name, r, want)
	da, ok := o.da.(T)
	if !ok {
		contractf(ClassOf(want).Name, r, "payload has type %T", o.da)
	}
	return da
}

// Get resolves r to its object.
func (h *Heap) Get(r Ref) *Object { return h.resolve("Get", r, ClassInvalid) }

// Valid reports whether r currently names a live object.
func (h *Heap) Valid(r Ref) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return r != NilRef && int(r) < len(h.objects) && h.objects[r] != nil
}

// ClassOf returns the class of r.
func (h *Heap) ClassOf(r Ref) ClassID { return h.Get(r).class }

func (h *Heap) Int(r Ref) *Int             { return view[*Int](h, r, ClassInt) }
func (h *Heap) Long(r Ref) *Long           { return view[*Long](h, r, ClassLong) }
func (h *Heap) String(r Ref) *String       { return view[*String](h, r, ClassString) }
func (h *Heap) Binary(r Ref) *Binary       { return view[*Binary](h, r, ClassBinary) }
func (h *Heap) Code(r Ref) *Code           { return view[*Code](h, r, ClassCode) }
func (h *Heap) Array(r Ref) *Array         { return view[*Array](h, r, ClassArray) }
func (h *Heap) Closure(r Ref) *Closure     { return view[*Closure](h, r, ClassClosure) }
func (h *Heap) CallFrame(r Ref) *CallFrame { return view[*CallFrame](h, r, ClassCallFrame) }
func (h *Heap) Thread(r Ref) *Thread       { return view[*Thread](h, r, ClassThread) }
func (h *Heap) Mutex(r Ref) *Mutex         { return view[*Mutex](h, r, ClassMutex) }
func (h *Heap) Cond(r Ref) *Cond           { return view[*Cond](h, r, ClassCond) }
func (h *Heap) Semaphore(r Ref) *Semaphore { return view[*Semaphore](h, r, ClassSema) }
func (h *Heap) WeakRef(r Ref) *WeakRef     { return view[*WeakRef](h, r, ClassWeakRef) }
func (h *Heap) IO(r Ref) *IOChannel        { return view[*IOChannel](h, r, ClassIO) }

// ---------------------------------------------------------------------------
// Convenience constructors
// ---------------------------------------------------------------------------

// NewInt allocates an int object holding v.
func (h *Heap) NewInt(v int32) (Ref, error) {
	r, err := h.Alloc(ClassInt)
	if err != nil {
		return NilRef, err
	}
	h.Int(r).Value = v
	return r, nil
}

// NewString allocates a string object holding s.
func (h *Heap) NewString(s string) (Ref, error) {
	r, err := h.AllocVariable(ClassString, len(s))
	if err != nil {
		return NilRef, err
	}
	copy(h.String(r).Data, s)
	return r, nil
}

// NewCode allocates a code object holding a copy of code.
func (h *Heap) NewCode(code []byte) (Ref, error) {
	r, err := h.AllocVariable(ClassCode, len(code))
	if err != nil {
		return NilRef, err
	}
	copy(h.Code(r).Code, code)
	return r, nil
}

// NewArray allocates an array object with n nil slots.
func (h *Heap) NewArray(n int) (Ref, error) {
	return h.AllocVariable(ClassArray, n)
}

// ---------------------------------------------------------------------------
// Roots, iteration, compaction
// ---------------------------------------------------------------------------

// AddRoot marks r as a persistent root for collection and snapshots.
func (h *Heap) AddRoot(r Ref) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lookupLocked("AddRoot", r)
	h.roots[r] = struct{}{}
}

// RemoveRoot unmarks r as a root.
func (h *Heap) RemoveRoot(r Ref) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.roots, r)
}

// Roots returns the root set in ascending ref order.
func (h *Heap) Roots() []Ref {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Ref, 0, len(h.roots))
	for r := range h.roots {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Each calls fn for every live object in ascending ref order. The object
// list is captured first, so fn may resolve refs through the heap.
func (h *Heap) Each(fn func(r Ref, o *Object)) {
	type entry struct {
		r Ref
		o *Object
	}
	h.mu.RLock()
	entries := make([]entry, 0, h.live)
	for i, o := range h.objects {
		if o != nil {
			entries = append(entries, entry{Ref(i), o})
		}
	}
	h.mu.RUnlock()

	for _, e := range entries {
		fn(e.r, e.o)
	}
}

// Stats returns a summary of the heap.
func (h *Heap) Stats() HeapStats {
	h.mu.RLock()
	s := HeapStats{Objects: h.live, Bytes: h.bytes, Pages: h.nPages}
	h.mu.RUnlock()
	s.PagesUsed, s.PagesTotal = h.pages.Stats()
	return s
}

// CompactStats reports the effect of a compaction.
type CompactStats struct {
	PagesBefore int
	PagesAfter  int
}

// Compact repacks small objects into fresh, densely filled pages and frees
// the old ones. Refs are unaffected. Fails with ErrOutOfMemory, leaving the
// heap unchanged, if the fresh pages cannot be allocated. Must only run
// while no thread is touching the heap.
func (h *Heap) Compact() (CompactStats, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := CompactStats{PagesBefore: h.nPages}

	var fresh []*heapPage
	var cur *heapPage
	plan := make(map[*Object]*heapPage)
	for _, o := range h.objects {
		if o == nil || o.page.dedicated {
			continue
		}
		if cur == nil || cur.used+o.size > h.pageSize {
			p, err := h.newPage(1)
			if err != nil {
				for _, f := range fresh {
					h.releasePage(f)
				}
				return stats, err
			}
			fresh = append(fresh, p)
			cur = p
		}
		cur.used += o.size
		cur.live++
		plan[o] = cur
	}

	old := make(map[*heapPage]struct{})
	for o, p := range plan {
		old[o.page] = struct{}{}
		o.page = p
	}
	if h.cur != nil {
		old[h.cur] = struct{}{}
	}
	for p := range old {
		if p.nos != nil {
			h.releasePage(p)
		}
	}
	h.cur = cur

	stats.PagesAfter = h.nPages
	return stats, nil
}
