package vm

// ---------------------------------------------------------------------------
// Value data areas
// ---------------------------------------------------------------------------

// Int is the payload of .internal.int.
type Int struct {
	daHeader
	Value int32
}

func (*Int) Class() ClassID      { return ClassInt }
func (*Int) Size() int           { return intSize }
func (*Int) visitRefs(func(Ref)) {}

// Get returns the stored value.
func (i *Int) Get() int32 { return i.Value }

// Set stores v. Callers serialize access themselves (usually with a Mutex).
func (i *Int) Set(v int32) {
	i.Value = v
	i.touch()
}

// Long is the payload of .internal.long.
type Long struct {
	daHeader
	Value int64
}

func (*Long) Class() ClassID      { return ClassLong }
func (*Long) Size() int           { return longSize }
func (*Long) visitRefs(func(Ref)) {}

// Set stores v.
func (l *Long) Set(v int64) {
	l.Value = v
	l.touch()
}

// String is the payload of .internal.string. Length is in bytes.
type String struct {
	daHeader
	Data []byte
}

func (*String) Class() ClassID      { return ClassString }
func (s *String) Size() int         { return wordSize + len(s.Data) }
func (*String) visitRefs(func(Ref)) {}

func (s *String) String() string { return string(s.Data) }

// Binary is the payload of .internal.binary.
type Binary struct {
	daHeader
	Data []byte
}

func (*Binary) Class() ClassID      { return ClassBinary }
func (b *Binary) Size() int         { return wordSize + len(b.Data) }
func (*Binary) visitRefs(func(Ref)) {}

// Code is the payload of .internal.code: a bytecode blob.
type Code struct {
	daHeader
	Code []byte
}

func (*Code) Class() ClassID      { return ClassCode }
func (c *Code) Size() int         { return wordSize + len(c.Code) }
func (*Code) visitRefs(func(Ref)) {}

// Array is the payload of .internal.array: a fixed number of ref slots.
type Array struct {
	daHeader
	Slots []Ref
}

func (*Array) Class() ClassID { return ClassArray }
func (a *Array) Size() int    { return wordSize + len(a.Slots)*refSize }

func (a *Array) visitRefs(fn func(Ref)) {
	for _, r := range a.Slots {
		if r != NilRef {
			fn(r)
		}
	}
}

// Get returns slot i.
func (a *Array) Get(i int) Ref { return a.Slots[i] }

// Put stores r into slot i.
func (a *Array) Put(i int, r Ref) {
	a.Slots[i] = r
	a.touch()
}

// Closure is the payload of .internal.closure: an object and the ordinal of
// the method to call on it.
type Closure struct {
	daHeader
	Object  Ref
	Ordinal int32
}

func (*Closure) Class() ClassID { return ClassClosure }
func (*Closure) Size() int      { return closureSize }

func (c *Closure) visitRefs(fn func(Ref)) {
	if c.Object != NilRef {
		fn(c.Object)
	}
}

// ---------------------------------------------------------------------------
// Waiter arrays
// ---------------------------------------------------------------------------

// Mutex, Cond and Semaphore keep their blocked threads in an Array object
// used as a FIFO of thread refs; n is the owner's waiter count.

func (a *Array) pushWaiter(n *int32, t Ref) error {
	if int(*n) >= len(a.Slots) {
		return ErrWaitersFull
	}
	a.Slots[*n] = t
	*n++
	a.touch()
	return nil
}

func (a *Array) removeWaiter(n *int32, t Ref) bool {
	for i := 0; i < int(*n); i++ {
		if a.Slots[i] != t {
			continue
		}
		copy(a.Slots[i:*n], a.Slots[i+1:*n])
		*n--
		a.Slots[*n] = NilRef
		a.touch()
		return true
	}
	return false
}
