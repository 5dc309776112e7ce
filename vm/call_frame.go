package vm

// CallFrame is the payload of .internal.call_frame: one activation record.
// Prev links to the caller's frame, so the chain of frames hanging off a
// thread is its return path.
type CallFrame struct {
	daHeader
	IStack Ref // integer (fast calc) stack
	OStack Ref // object stack
	EStack Ref // exception handlers

	Code    Ref
	IPMax   uint32 // size of code in bytes
	IP      uint32
	This    Ref
	Prev    Ref // where to return
	Ordinal int32
}

func (*CallFrame) Class() ClassID { return ClassCallFrame }
func (*CallFrame) Size() int      { return callFrameSize }

func (f *CallFrame) visitRefs(fn func(Ref)) {
	for _, r := range [...]Ref{f.IStack, f.OStack, f.EStack, f.Code, f.This, f.Prev} {
		if r != NilRef {
			fn(r)
		}
	}
}

// NewCallFrame allocates a frame running method ordinal of code on this,
// together with its three empty stacks.
func (h *Heap) NewCallFrame(code, this Ref, ordinal int) (Ref, error) {
	codeDA := h.Code(code)

	var made []Ref
	fail := func(err error) (Ref, error) {
		for _, r := range made {
			h.Free(r)
		}
		return NilRef, err
	}

	fr, err := h.Alloc(ClassCallFrame)
	if err != nil {
		return fail(err)
	}
	made = append(made, fr)
	is, err := newStack[int32](h, ClassIntStack)
	if err != nil {
		return fail(err)
	}
	made = append(made, is)
	os, err := newStack[Ref](h, ClassObjectStack)
	if err != nil {
		return fail(err)
	}
	made = append(made, os)
	es, err := newStack[ExceptionHandler](h, ClassExceptionStack)
	if err != nil {
		return fail(err)
	}

	f := h.CallFrame(fr)
	f.IStack = is
	f.OStack = os
	f.EStack = es
	f.Code = code
	f.IPMax = uint32(len(codeDA.Code))
	f.This = this
	f.Ordinal = int32(ordinal)
	return fr, nil
}
