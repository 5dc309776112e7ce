// Package workload is a small bytecode machine for driving VM threads, and
// the sample programs the phantom command runs on it.
package workload

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rxell/phantomuserland/vm"
)

// Op is a machine instruction. Operands follow the opcode in the code
// stream: slot operands are one byte indexing the array bound as this,
// constants and jump targets are big-endian 32-bit words.
type Op byte

const (
	OpNop    Op = iota
	OpHalt      // finish the thread
	OpConst     // i32: push
	OpAdd       // pop b, pop a, push a+b
	OpDup       // duplicate the top int
	OpDrop      // discard the top int
	OpJmp       // i32 target
	OpJz        // i32 target: pop, jump if zero
	OpLoad      // slot: push the value of the Int in slot
	OpStore     // slot: pop into the Int in slot
	OpLock      // slot: lock the mutex in slot
	OpUnlock    // slot: unlock the mutex in slot
	OpWait      // cond slot, mutex slot: wait on the cond
	OpSignal    // slot: signal the cond in slot
	OpDown      // slot: down the semaphore in slot
	OpUp        // slot: up the semaphore in slot
	OpRecv      // slot: receive from the channel in slot onto the object stack
	OpSend      // slot: send the top of the object stack to the channel in slot
	OpSleep     // pop milliseconds, sleep
	OpCall      // slot: call the code in slot with the same this
	OpRet       // return; returning from the outermost frame finishes the thread

	numOps
)

var opNames = [numOps]string{
	"nop", "halt", "const", "add", "dup", "drop", "jmp", "jz", "load", "store",
	"lock", "unlock", "wait", "signal", "down", "up", "recv", "send", "sleep",
	"call", "ret",
}

func (op Op) String() string {
	if op < numOps {
		return opNames[op]
	}
	return fmt.Sprintf("op(%d)", byte(op))
}

var (
	ErrBadOpcode      = errors.New("workload: bad opcode")
	ErrStackUnderflow = errors.New("workload: stack underflow")
	ErrBadSlot        = errors.New("workload: bad slot")
)

// Machine interprets workload bytecode. One Machine can serve any number of
// threads; all per-thread state lives in the thread.
type Machine struct {
	steps atomic.Uint64
}

// NewMachine creates a Machine.
func NewMachine() *Machine { return &Machine{} }

// Steps returns the number of instructions executed by all threads.
func (m *Machine) Steps() uint64 { return m.steps.Load() }

// Step executes one instruction of t. Running off the end of the code
// returns from the frame.
func (m *Machine) Step(t *vm.Thread) (bool, error) {
	if t.AtEnd() {
		return !t.Return(), nil
	}
	m.steps.Add(1)

	at := t.IP
	op := Op(t.Fetch())
	h := t.Heap()
	is := t.IStack()

	switch op {
	case OpNop:
	case OpHalt:
		return true, nil

	case OpConst:
		return false, is.Push(t.FetchInt32())
	case OpAdd:
		b, err := pop(is)
		if err != nil {
			return true, err
		}
		a, err := pop(is)
		if err != nil {
			return true, err
		}
		return false, is.Push(a + b)
	case OpDup:
		if is.Empty() {
			return true, ErrStackUnderflow
		}
		return false, is.Push(is.Top())
	case OpDrop:
		if _, err := pop(is); err != nil {
			return true, err
		}

	case OpJmp:
		return false, jump(t, t.FetchInt32())
	case OpJz:
		target := t.FetchInt32()
		v, err := pop(is)
		if err != nil {
			return true, err
		}
		if v == 0 {
			return false, jump(t, target)
		}

	case OpLoad, OpStore:
		r, err := slot(t, vm.ClassInt)
		if err != nil {
			return true, err
		}
		if op == OpLoad {
			return false, is.Push(h.Int(r).Get())
		}
		v, err := pop(is)
		if err != nil {
			return true, err
		}
		h.Int(r).Set(v)

	case OpLock, OpUnlock:
		r, err := slot(t, vm.ClassMutex)
		if err != nil {
			return true, err
		}
		if op == OpLock {
			return false, h.Mutex(r).Lock(t)
		}
		h.Mutex(r).Unlock(t)

	case OpWait:
		c, err := slot(t, vm.ClassCond)
		if err != nil {
			return true, err
		}
		mu, err := slot(t, vm.ClassMutex)
		if err != nil {
			return true, err
		}
		return false, h.Cond(c).Wait(t, h.Mutex(mu))
	case OpSignal:
		c, err := slot(t, vm.ClassCond)
		if err != nil {
			return true, err
		}
		h.Cond(c).Signal()

	case OpDown, OpUp:
		r, err := slot(t, vm.ClassSema)
		if err != nil {
			return true, err
		}
		if op == OpDown {
			return false, h.Semaphore(r).Down(t)
		}
		h.Semaphore(r).Up()

	case OpRecv:
		r, err := slot(t, vm.ClassIO)
		if err != nil {
			return true, err
		}
		obj, err := h.IO(r).Receive(t)
		if err != nil {
			return true, err
		}
		return false, t.OStack().Push(obj)
	case OpSend:
		r, err := slot(t, vm.ClassIO)
		if err != nil {
			return true, err
		}
		objs := t.OStack()
		if objs.Empty() {
			return true, ErrStackUnderflow
		}
		return false, h.IO(r).Send(t, objs.Pop())

	case OpSleep:
		ms, err := pop(is)
		if err != nil {
			return true, err
		}
		return false, t.Sleep(time.Duration(ms) * time.Millisecond)

	case OpCall:
		r, err := slot(t, vm.ClassCode)
		if err != nil {
			return true, err
		}
		return false, t.Call(r, t.This(), 0)
	case OpRet:
		return !t.Return(), nil

	default:
		return true, fmt.Errorf("%w %d at %d", ErrBadOpcode, byte(op), at)
	}
	return false, nil
}

func pop(is vm.IntStack) (int32, error) {
	if is.Empty() {
		return 0, ErrStackUnderflow
	}
	return is.Pop(), nil
}

func jump(t *vm.Thread, target int32) error {
	if target < 0 || uint32(target) > t.IPMax {
		return fmt.Errorf("workload: jump to %d outside code", target)
	}
	t.Jump(uint32(target))
	return nil
}

// slot reads a slot operand and resolves it in the array bound as this.
func slot(t *vm.Thread, want vm.ClassID) (vm.Ref, error) {
	i := int(t.Fetch())
	h := t.Heap()
	this := t.This()
	if this == vm.NilRef || h.ClassOf(this) != vm.ClassArray {
		return vm.NilRef, fmt.Errorf("%w: this is not an array", ErrBadSlot)
	}
	a := h.Array(this)
	if i >= len(a.Slots) {
		return vm.NilRef, fmt.Errorf("%w: %d of %d", ErrBadSlot, i, len(a.Slots))
	}
	r := a.Get(i)
	if r == vm.NilRef || h.ClassOf(r) != want {
		return vm.NilRef, fmt.Errorf("%w: slot %d is not %s", ErrBadSlot, i, vm.ClassOf(want))
	}
	return r, nil
}
