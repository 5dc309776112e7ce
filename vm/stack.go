package vm

// ---------------------------------------------------------------------------
// Typed stacks: growable chains of fixed-capacity pages
// ---------------------------------------------------------------------------

// StackPageCells is the number of cells in one stack page.
const StackPageCells = 64

// ExceptionHandler is one cell of the exception stack: the class of
// exception caught and where to continue when it is.
type ExceptionHandler struct {
	Object Ref
	JumpIP uint32
}

// StackLinks is the header shared by every stack page. Curr is only
// maintained in the root page.
type StackLinks struct {
	Root     Ref
	Curr     Ref
	Prev     Ref
	Next     Ref
	FreeCell uint32 // cells used in this page
	Capacity uint32 // cells in this page
	Ordinal  uint32 // position of this page counted from the root
}

// StackPage is the payload of one page of an integer, object or exception
// stack.
type StackPage[T any] struct {
	daHeader
	Links StackLinks
	Cells [StackPageCells]T

	kind ClassID
}

func (p *StackPage[T]) Class() ClassID { return p.kind }
func (p *StackPage[T]) Size() int      { return ClassOf(p.kind).Size }

func (p *StackPage[T]) visitRefs(fn func(Ref)) {
	for _, r := range [...]Ref{p.Links.Root, p.Links.Curr, p.Links.Prev, p.Links.Next} {
		if r != NilRef {
			fn(r)
		}
	}
	for i := 0; i < int(p.Links.FreeCell); i++ {
		switch c := any(p.Cells[i]).(type) {
		case Ref:
			if c != NilRef {
				fn(c)
			}
		case ExceptionHandler:
			if c.Object != NilRef {
				fn(c.Object)
			}
		}
	}
}

// Stack is a view of a typed stack anchored at its root page. It holds no
// state of its own beyond the anchor and may be copied freely.
type Stack[T any] struct {
	heap *Heap
	root Ref
	kind ClassID
}

type (
	IntStack       = Stack[int32]
	ObjectStack    = Stack[Ref]
	ExceptionStack = Stack[ExceptionHandler]
)

func newStack[T any](h *Heap, kind ClassID) (Ref, error) {
	r, err := h.Alloc(kind)
	if err != nil {
		return NilRef, err
	}
	p := view[*StackPage[T]](h, r, kind)
	p.Links = StackLinks{Root: r, Curr: r, Capacity: StackPageCells}
	return r, nil
}

func stackView[T any](h *Heap, root Ref, kind ClassID) Stack[T] {
	return Stack[T]{heap: h, root: root, kind: kind}
}

// Root returns the root page ref.
func (s Stack[T]) Root() Ref { return s.root }

// Valid reports whether the view is anchored.
func (s Stack[T]) Valid() bool { return s.heap != nil && s.root != NilRef }

func (s Stack[T]) page(r Ref) *StackPage[T] {
	return view[*StackPage[T]](s.heap, r, s.kind)
}

// Push pushes v, allocating a new page when the current one is full.
// Previously allocated pages are reused.
func (s Stack[T]) Push(v T) error {
	root := s.page(s.root)
	cur := s.page(root.Links.Curr)
	if cur.Links.FreeCell == StackPageCells {
		next := cur.Links.Next
		if next == NilRef {
			r, err := s.heap.Alloc(s.kind)
			if err != nil {
				return err
			}
			np := s.page(r)
			np.Links = StackLinks{
				Root:     s.root,
				Prev:     cur.self,
				Capacity: StackPageCells,
				Ordinal:  cur.Links.Ordinal + 1,
			}
			cur.Links.Next = r
			cur.touch()
			next = r
		}
		root.Links.Curr = next
		root.touch()
		cur = s.page(next)
	}
	cur.Cells[cur.Links.FreeCell] = v
	cur.Links.FreeCell++
	cur.touch()
	return nil
}

// Pop removes and returns the top cell. Popping an empty stack is a
// contract violation. Emptied pages are kept for reuse.
func (s Stack[T]) Pop() T {
	root := s.page(s.root)
	cur := s.page(root.Links.Curr)
	if cur.Links.FreeCell == 0 {
		if cur.Links.Prev == NilRef {
			contractf("Stack.Pop", s.root, "stack underflow")
		}
		root.Links.Curr = cur.Links.Prev
		root.touch()
		cur = s.page(cur.Links.Prev)
	}
	var zero T
	cur.Links.FreeCell--
	v := cur.Cells[cur.Links.FreeCell]
	cur.Cells[cur.Links.FreeCell] = zero
	cur.touch()
	return v
}

// Top returns the top cell without removing it.
func (s Stack[T]) Top() T {
	root := s.page(s.root)
	cur := s.page(root.Links.Curr)
	if cur.Links.FreeCell == 0 {
		if cur.Links.Prev == NilRef {
			contractf("Stack.Top", s.root, "stack is empty")
		}
		cur = s.page(cur.Links.Prev)
	}
	return cur.Cells[cur.Links.FreeCell-1]
}

// Depth returns the number of cells on the stack. Every page before the
// current one is full.
func (s Stack[T]) Depth() int {
	root := s.page(s.root)
	cur := s.page(root.Links.Curr)
	return int(cur.Links.Ordinal)*StackPageCells + int(cur.Links.FreeCell)
}

// Empty reports whether the stack holds no cells.
func (s Stack[T]) Empty() bool { return s.Depth() == 0 }

// Pages returns the number of pages allocated for the stack.
func (s Stack[T]) Pages() int {
	n := 0
	for r := s.root; r != NilRef; r = s.page(r).Links.Next {
		n++
	}
	return n
}

// freeStack frees every page of the stack rooted at root.
func freeStack[T any](h *Heap, root Ref, kind ClassID) {
	s := stackView[T](h, root, kind)
	var pages []Ref
	for r := root; r != NilRef; r = s.page(r).Links.Next {
		pages = append(pages, r)
	}
	for _, r := range pages {
		h.Free(r)
	}
}
