package vm

import (
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Thread: the persistent execution context of one VM thread
// ---------------------------------------------------------------------------

// RunState is where a thread stands with respect to the snapshot protocol.
type RunState int32

const (
	ThreadStarting RunState = iota
	ThreadRunning
	ThreadParked  // stopped at a safe point for a snapshot
	ThreadBlocked // asleep on a primitive, channel or timer
	ThreadExited
)

func (s RunState) String() string {
	switch s {
	case ThreadStarting:
		return "starting"
	case ThreadRunning:
		return "running"
	case ThreadParked:
		return "parked"
	case ThreadBlocked:
		return "blocked"
	case ThreadExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Thread is the payload of .internal.thread. The exported fields are the
// persistent context; the rest is rebuilt when a thread is (re)started.
//
// A thread's fields are written by the thread itself, or by a waker holding
// spin. The fast-access cache (code, this, the three stacks) mirrors the
// current call frame and is refreshed by every operation that changes it.
type Thread struct {
	daHeader
	CallFrame   Ref
	Owner       Ref
	Environment Ref
	SleepChain  Ref   // next thread sleeping on the same event
	WakeAt      int64 // unix nanoseconds, 0 when no timer is armed
	TID         int32
	StackDepth  int32 // call frames on the chain
	IP          uint32
	IPMax       uint32

	vm       *VM
	spin     sync.Mutex
	wake     *sync.Cond
	sleeping bool
	site     waitSite
	timer    *timerEntry
	reason   wakeReason

	code   []byte
	this   Ref
	istack IntStack
	ostack ObjectStack
	estack ExceptionStack

	runState atomic.Int32
	acks     atomic.Uint64
	counted  bool // included in the running count; owned by the thread
	lastIP   atomic.Uint32
	err      error
	done     chan struct{}
}

func newThread() *Thread {
	t := &Thread{done: make(chan struct{})}
	t.wake = sync.NewCond(&t.spin)
	return t
}

func (*Thread) Class() ClassID { return ClassThread }
func (*Thread) Size() int      { return threadSize }

func (t *Thread) visitRefs(fn func(Ref)) {
	for _, r := range [...]Ref{t.CallFrame, t.Owner, t.Environment, t.SleepChain} {
		if r != NilRef {
			fn(r)
		}
	}
}

// VM returns the VM running the thread.
func (t *Thread) VM() *VM { return t.vm }

// Heap returns the heap the thread lives in.
func (t *Thread) Heap() *Heap { return t.heap }

// State returns the thread's run state.
func (t *Thread) State() RunState { return RunState(t.runState.Load()) }

// Acks returns how many times the thread has stopped at a safe point for a
// snapshot or stop request.
func (t *Thread) Acks() uint64 { return t.acks.Load() }

// Done is closed when the thread's goroutine has exited.
func (t *Thread) Done() <-chan struct{} { return t.done }

// Err returns the error the thread exited with, once Done is closed.
func (t *Thread) Err() error { return t.err }

// Asleep reports whether the thread is currently blocked.
func (t *Thread) Asleep() bool {
	t.spin.Lock()
	defer t.spin.Unlock()
	return t.sleeping
}

// LastIP returns the instruction pointer as of the last fetch or jump. Safe
// to call from any goroutine.
func (t *Thread) LastIP() uint32 { return t.lastIP.Load() }

// ---------------------------------------------------------------------------
// Fast access
// ---------------------------------------------------------------------------

// LoadFastAcc refreshes the cursor and the cached stack views from the
// current call frame.
func (t *Thread) LoadFastAcc() {
	if t.CallFrame == NilRef {
		t.code = nil
		t.this = NilRef
		t.istack, t.ostack, t.estack = IntStack{}, ObjectStack{}, ExceptionStack{}
		t.IP, t.IPMax = 0, 0
		t.lastIP.Store(0)
		return
	}
	h := t.heap
	f := h.CallFrame(t.CallFrame)
	t.code = h.Code(f.Code).Code
	t.this = f.This
	t.istack = stackView[int32](h, f.IStack, ClassIntStack)
	t.ostack = stackView[Ref](h, f.OStack, ClassObjectStack)
	t.estack = stackView[ExceptionHandler](h, f.EStack, ClassExceptionStack)
	t.IP = f.IP
	t.IPMax = f.IPMax
	t.lastIP.Store(t.IP)
}

// SaveFastAcc writes the cursor back into the current call frame.
func (t *Thread) SaveFastAcc() {
	if t.CallFrame == NilRef {
		return
	}
	f := t.heap.CallFrame(t.CallFrame)
	if f.IP != t.IP {
		f.IP = t.IP
		f.touch()
	}
}

func (t *Thread) This() Ref              { return t.this }
func (t *Thread) IStack() IntStack       { return t.istack }
func (t *Thread) OStack() ObjectStack    { return t.ostack }
func (t *Thread) EStack() ExceptionStack { return t.estack }
func (t *Thread) Frame() *CallFrame      { return t.heap.CallFrame(t.CallFrame) }

// Call pushes a new frame running method ordinal of code on this and makes it
// current.
func (t *Thread) Call(code, this Ref, ordinal int) error {
	fr, err := t.heap.NewCallFrame(code, this, ordinal)
	if err != nil {
		return err
	}
	t.SaveFastAcc()
	t.heap.CallFrame(fr).Prev = t.CallFrame
	t.CallFrame = fr
	t.StackDepth++
	t.touch()
	t.LoadFastAcc()
	return nil
}

// Return pops the current frame, freeing it and its stacks, and resumes the
// caller. It reports false when the popped frame was the last one.
func (t *Thread) Return() bool {
	if t.CallFrame == NilRef {
		contractf("Thread.Return", t.self, "no frame to return from")
	}
	h := t.heap
	fr := t.CallFrame
	f := h.CallFrame(fr)
	prev := f.Prev
	freeStack[int32](h, f.IStack, ClassIntStack)
	freeStack[Ref](h, f.OStack, ClassObjectStack)
	freeStack[ExceptionHandler](h, f.EStack, ClassExceptionStack)
	h.Free(fr)

	t.CallFrame = prev
	t.StackDepth--
	t.touch()
	t.LoadFastAcc()
	return prev != NilRef
}

// unwind returns from every frame.
func (t *Thread) unwind() {
	for t.CallFrame != NilRef {
		t.Return()
	}
}

// ---------------------------------------------------------------------------
// Instruction stream
// ---------------------------------------------------------------------------

// Fetch returns the byte at the cursor and advances it. Running off the end
// of the code is a contract violation.
func (t *Thread) Fetch() byte {
	if t.IP >= t.IPMax {
		contractf("Thread.Fetch", t.self, "ip %d past end of code (%d)", t.IP, t.IPMax)
	}
	b := t.code[t.IP]
	t.IP++
	t.lastIP.Store(t.IP)
	t.touch()
	return b
}

// FetchInt32 reads a big-endian 32-bit operand.
func (t *Thread) FetchInt32() int32 {
	var v uint32
	for i := 0; i < 4; i++ {
		v = v<<8 | uint32(t.Fetch())
	}
	return int32(v)
}

// Jump moves the cursor to ip.
func (t *Thread) Jump(ip uint32) {
	if ip > t.IPMax {
		contractf("Thread.Jump", t.self, "jump to %d past end of code (%d)", ip, t.IPMax)
	}
	t.IP = ip
	t.lastIP.Store(ip)
	t.touch()
}

// AtEnd reports whether the cursor is at the end of the code.
func (t *Thread) AtEnd() bool { return t.IP >= t.IPMax }
