package vm

// Ref is a handle to an object in a Heap. It indexes the heap's object
// table and stays valid across compaction; holders never own the object's
// storage and must resolve the handle through the heap on each access.
type Ref uint32

// NilRef is the null handle.
const NilRef Ref = 0

// IsNil reports whether r is the null handle.
func (r Ref) IsNil() bool { return r == NilRef }

// Object is a heap-resident entity: a class plus a typed data area.
// Objects are owned exclusively by the heap.
type Object struct {
	class ClassID
	size  int
	page  *heapPage
	da    DataArea
	mark  bool
}

// Class returns the object's class id.
func (o *Object) Class() ClassID { return o.class }

// Size returns the payload size recorded at allocation time.
func (o *Object) Size() int { return o.size }

// DataArea returns the object's typed payload.
func (o *Object) DataArea() DataArea { return o.da }

// ---------------------------------------------------------------------------
// Data areas
// ---------------------------------------------------------------------------

// DataArea is the typed payload of an object. Exported fields are the
// persistent state written into snapshots; unexported fields (locks,
// caches, timers) are transient and rebuilt at runtime.
type DataArea interface {
	// Class returns the class this payload belongs to.
	Class() ClassID
	// Size returns the payload size in bytes as laid out by the class.
	Size() int

	header() *daHeader
	// visitRefs calls fn for every strong reference held by the payload.
	visitRefs(fn func(Ref))
}

// daHeader binds a data area to its heap and its own handle.
type daHeader struct {
	heap *Heap
	self Ref
}

func (d *daHeader) header() *daHeader { return d }

// Self returns the handle of the object owning this data area.
func (d *daHeader) Self() Ref { return d.self }

// touch reports a mutation of this data area to the heap's observer.
func (d *daHeader) touch() {
	if d.heap != nil {
		d.heap.mutated(d.self)
	}
}
