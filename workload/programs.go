package workload

import (
	"context"
	"fmt"
	"time"

	"github.com/rxell/phantomuserland/vm"
)

// Built-in programs.
const (
	Counter  = "counter"  // threads increment a shared Int under a mutex
	PingPong = "pingpong" // pairs of threads alternate through two semaphores
	Echo     = "echo"     // threads copy objects from a channel's input to its output
)

// Programs lists the built-in program names.
var Programs = []string{Counter, PingPong, Echo}

// Instance is a started program: the shared objects bound as this for its
// threads, and the threads themselves.
type Instance struct {
	Program string
	This    []vm.Ref // one per thread group; rooted in the heap
	Threads []*vm.Thread

	vm      *vm.VM
	payload []vm.Ref
}

// loop assembles body repeated rounds times, or forever when rounds is 0.
// The countdown lives under body on the int stack.
func loop(rounds int, body func(a *Asm)) []byte {
	a := NewAsm()
	if rounds <= 0 {
		a.Label("loop")
		body(a)
		a.Jump(OpJmp, "loop")
		return a.MustCode()
	}
	a.Const(int32(rounds))
	a.Label("loop").Op(OpDup).Jump(OpJz, "done")
	body(a)
	a.Const(-1).Op(OpAdd).Jump(OpJmp, "loop")
	a.Label("done").Op(OpDrop).Op(OpRet)
	return a.MustCode()
}

// CounterCode increments the Int in slot 0 under the mutex in slot 1.
func CounterCode(rounds int) []byte {
	return loop(rounds, func(a *Asm) {
		a.Op(OpLock, 1).Op(OpLoad, 0).Const(1).Op(OpAdd).Op(OpStore, 0).Op(OpUnlock, 1)
	})
}

// PingCode ups the semaphore in slot 0 and waits on the one in slot 1.
func PingCode(rounds int) []byte {
	return loop(rounds, func(a *Asm) {
		a.Op(OpUp, 0).Op(OpDown, 1)
	})
}

// PongCode waits on slot 0, counts the round in the Int in slot 2 and ups
// slot 1.
func PongCode(rounds int) []byte {
	return loop(rounds, func(a *Asm) {
		a.Op(OpDown, 0).Op(OpLoad, 2).Const(1).Op(OpAdd).Op(OpStore, 2).Op(OpUp, 1)
	})
}

// EchoCode receives from the channel in slot 0 and sends what it got back.
func EchoCode(rounds int) []byte {
	return loop(rounds, func(a *Asm) {
		a.Op(OpRecv, 0).Op(OpSend, 0)
	})
}

// Start allocates the objects program needs and spawns count threads (count
// pairs for pingpong) running it on m.
func Start(v *vm.VM, m *Machine, program string, count, rounds int) (*Instance, error) {
	if count < 1 {
		return nil, fmt.Errorf("workload: %s: count %d", program, count)
	}
	inst := &Instance{Program: program, vm: v}

	type group struct {
		this vm.Ref
		code []vm.Ref
	}
	var groups []group

	// Code objects are rooted until their threads hold them in a frame, so
	// a collection between allocation and Spawn cannot free them.
	var codes []vm.Ref
	defer func() {
		if len(codes) == 0 {
			return
		}
		_ = v.External(func() error {
			for _, c := range codes {
				v.Heap().RemoveRoot(c)
			}
			return nil
		})
	}()

	err := v.External(func() error {
		h := v.Heap()
		newCode := func(b []byte) (vm.Ref, error) {
			r, err := h.NewCode(b)
			if err != nil {
				return vm.NilRef, err
			}
			h.AddRoot(r)
			codes = append(codes, r)
			return r, nil
		}

		switch program {
		case Counter:
			this, err := bind(v, 2, func(a *vm.Array) error {
				n, err := h.NewInt(0)
				if err != nil {
					return err
				}
				mu, err := v.NewMutex()
				if err != nil {
					return err
				}
				a.Put(0, n)
				a.Put(1, mu)
				return nil
			})
			if err != nil {
				return err
			}
			code, err := newCode(CounterCode(rounds))
			if err != nil {
				return err
			}
			g := group{this: this}
			for i := 0; i < count; i++ {
				g.code = append(g.code, code)
			}
			groups = append(groups, g)

		case PingPong:
			ping, err := newCode(PingCode(rounds))
			if err != nil {
				return err
			}
			pong, err := newCode(PongCode(rounds))
			if err != nil {
				return err
			}
			for i := 0; i < count; i++ {
				this, err := bind(v, 3, func(a *vm.Array) error {
					for s := 0; s < 2; s++ {
						r, err := v.NewSemaphore(0)
						if err != nil {
							return err
						}
						a.Put(s, r)
					}
					n, err := h.NewInt(0)
					if err != nil {
						return err
					}
					a.Put(2, n)
					return nil
				})
				if err != nil {
					return err
				}
				groups = append(groups, group{this: this, code: []vm.Ref{ping, pong}})
			}

		case Echo:
			this, err := bind(v, 1+2*vm.IOBufSize, func(a *vm.Array) error {
				ch, err := v.NewIOChannel()
				if err != nil {
					return err
				}
				a.Put(0, ch)
				// Payload objects the driver delivers; kept here so they
				// stay reachable while in flight.
				for i := 1; i < len(a.Slots); i++ {
					n, err := h.NewInt(int32(i))
					if err != nil {
						return err
					}
					a.Put(i, n)
					inst.payload = append(inst.payload, n)
				}
				return nil
			})
			if err != nil {
				return err
			}
			code, err := newCode(EchoCode(rounds))
			if err != nil {
				return err
			}
			g := group{this: this}
			for i := 0; i < count; i++ {
				g.code = append(g.code, code)
			}
			groups = append(groups, g)

		default:
			return fmt.Errorf("workload: unknown program %q", program)
		}

		for _, g := range groups {
			h.AddRoot(g.this)
			inst.This = append(inst.This, g.this)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, g := range groups {
		for _, code := range g.code {
			th, err := v.Spawn(vm.ThreadSpec{Code: code, This: g.this, Interpreter: m})
			if err != nil {
				return inst, err
			}
			inst.Threads = append(inst.Threads, th)
		}
	}
	return inst, nil
}

// bind allocates an n-slot array and fills it with fill.
func bind(v *vm.VM, n int, fill func(a *vm.Array) error) (vm.Ref, error) {
	h := v.Heap()
	r, err := h.NewArray(n)
	if err != nil {
		return vm.NilRef, err
	}
	if err := fill(h.Array(r)); err != nil {
		return vm.NilRef, err
	}
	return r, nil
}

// Wait blocks until every thread of inst has exited or ctx is done.
func (inst *Instance) Wait(ctx context.Context) error {
	for _, th := range inst.Threads {
		select {
		case <-th.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Channel returns the channel of an echo instance.
func (inst *Instance) Channel() *vm.IOChannel {
	if inst.Program != Echo {
		return nil
	}
	h := inst.vm.Heap()
	return h.IO(h.Array(inst.This[0]).Get(0))
}

// Drive feeds an echo instance's payload objects into its channel every
// period and drains the echoed output, until ctx is done. It returns the
// number of objects that came back.
func (inst *Instance) Drive(ctx context.Context, every time.Duration) int {
	ch := inst.Channel()
	if ch == nil {
		return 0
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	echoed, next := 0, 0
	for {
		select {
		case <-ctx.Done():
			return echoed
		case <-ticker.C:
		}
		if err := ch.Deliver(inst.payload[next]); err == nil {
			next = (next + 1) % len(inst.payload)
		}
		for {
			if _, ok := ch.Take(); !ok {
				break
			}
			echoed++
		}
	}
}
