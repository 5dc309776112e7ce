package vm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("phantom.vm")

// ---------------------------------------------------------------------------
// VM: heap, threads and the snapshot protocol
// ---------------------------------------------------------------------------

// Options configures a VM.
type Options struct {
	PageSize   int              // heap page size in bytes
	Pages      int              // pages in the arena
	MaxWaiters int              // capacity of each primitive's waiter array
	Tick       time.Duration    // wake-timer resolution; 0 disables the ticker
	Clock      func() time.Time // overrides time.Now; disables the ticker
	Allocator  PageAllocator    // overrides the bitmap allocator over Pages
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		PageSize:   DefaultPageSize,
		Pages:      4096,
		MaxWaiters: 64,
		Tick:       10 * time.Millisecond,
	}
}

// Interpreter executes instructions for a thread. Step runs exactly one
// instruction; the VM calls SafePoint between steps, never inside one. Step
// reports done when the thread has finished.
type Interpreter interface {
	Step(t *Thread) (done bool, err error)
}

// ThreadSpec describes a thread to spawn.
type ThreadSpec struct {
	Code        Ref // code object to run
	This        Ref
	Ordinal     int
	Owner       Ref
	Environment Ref
	Interpreter Interpreter
}

// VM owns a heap and runs threads over it.
type VM struct {
	opts   Options
	heap   *Heap
	snap   *SnapSync
	timers timerQueue

	mu      sync.Mutex
	threads map[Ref]*Thread
	nextTID atomic.Int32
	wg      sync.WaitGroup

	tickOnce sync.Once
	stopOnce sync.Once
	tickStop chan struct{}
}

// New creates a VM.
func New(opts Options) *VM {
	def := DefaultOptions()
	if opts.PageSize <= 0 {
		opts.PageSize = def.PageSize
	}
	if opts.Pages <= 0 {
		opts.Pages = def.Pages
	}
	if opts.MaxWaiters <= 0 {
		opts.MaxWaiters = def.MaxWaiters
	}
	alloc := opts.Allocator
	if alloc == nil {
		alloc = NewBitmapAllocator(opts.Pages)
	}

	vm := &VM{
		opts:     opts,
		heap:     NewHeap(alloc, opts.PageSize),
		threads:  make(map[Ref]*Thread),
		tickStop: make(chan struct{}),
	}
	vm.snap = newSnapSync(vm)
	vm.heap.ext = vm.External
	return vm
}

// Heap returns the VM's heap.
func (vm *VM) Heap() *Heap { return vm.heap }

// Snap returns the VM's snapshot coordinator.
func (vm *VM) Snap() *SnapSync { return vm.snap }

// Options returns the options the VM was created with, defaults filled in.
func (vm *VM) Options() Options { return vm.opts }

// Start drives wake timers from a ticker until ctx is done or the VM stops.
// A VM with a configured Clock is ticked by its owner instead.
func (vm *VM) Start(ctx context.Context) {
	if vm.opts.Tick <= 0 || vm.opts.Clock != nil {
		return
	}
	vm.tickOnce.Do(func() {
		go vm.tickLoop(ctx)
	})
}

func (vm *VM) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(vm.opts.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-vm.tickStop:
			return
		case now := <-ticker.C:
			vm.Tick(now)
		}
	}
}

// External runs fn as an event from outside the VM threads; it waits while a
// snapshot is being taken.
func (vm *VM) External(fn func() error) error {
	return vm.snap.External(fn)
}

// ---------------------------------------------------------------------------
// Threads
// ---------------------------------------------------------------------------

// Spawn creates a thread running spec and starts it. A thread spawned while
// a snapshot is pending parks before its first instruction.
func (vm *VM) Spawn(spec ThreadSpec) (*Thread, error) {
	if spec.Interpreter == nil {
		return nil, errors.New("vm: spawn without an interpreter")
	}
	if vm.snap.stopping() {
		return nil, ErrStopping
	}

	var t *Thread
	err := vm.External(func() error {
		r, err := vm.heap.Alloc(ClassThread)
		if err != nil {
			return err
		}
		t = vm.heap.Thread(r)
		t.vm = vm
		t.TID = vm.nextTID.Add(1)
		t.Owner = spec.Owner
		t.Environment = spec.Environment
		if err := t.Call(spec.Code, spec.This, spec.Ordinal); err != nil {
			vm.heap.Free(r)
			return err
		}

		vm.mu.Lock()
		vm.threads[r] = t
		vm.mu.Unlock()
		vm.wg.Add(1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("vm: spawn: %w", err)
	}

	log.Debugf("thread %d spawned (ref %d)", t.TID, t.self)
	go vm.run(t, spec.Interpreter)
	return t, nil
}

func (vm *VM) run(t *Thread, interp Interpreter) {
	defer vm.wg.Done()
	defer close(t.done)

	if err := vm.snap.gate(t); err != nil {
		vm.exit(t, err)
		return
	}
	t.LoadFastAcc()
	for {
		if err := vm.snap.SafePoint(t); err != nil {
			vm.exit(t, err)
			return
		}
		done, err := interp.Step(t)
		if err != nil {
			vm.exit(t, err)
			return
		}
		if done {
			vm.exit(t, nil)
			return
		}
	}
}

// exit tears down t. A thread that finished on its own unwinds and frees its
// context; one stopped by the VM leaves its context in the heap as it was at
// its last safe point.
func (vm *VM) exit(t *Thread, err error) {
	t.err = err
	switch {
	case err == nil:
		if t.counted {
			t.unwind()
			vm.heap.Free(t.self)
		}
		vm.mu.Lock()
		delete(vm.threads, t.self)
		vm.mu.Unlock()
		log.Debugf("thread %d finished", t.TID)
	case errors.Is(err, ErrStopped):
		log.Debugf("thread %d stopped", t.TID)
	default:
		log.Errorf("thread %d failed: %s", t.TID, err.Error())
	}
	vm.snap.leave(t, ThreadExited)
}

// Threads returns the VM's threads in ref order, including stopped ones
// still held in the heap.
func (vm *VM) Threads() []*Thread {
	vm.mu.Lock()
	out := make([]*Thread, 0, len(vm.threads))
	for _, t := range vm.threads {
		out = append(out, t)
	}
	vm.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].self < out[j].self })
	return out
}

// Wait blocks until every thread has exited.
func (vm *VM) Wait() { vm.wg.Wait() }

// Stop raises the stop request and waits for every thread to exit.
func (vm *VM) Stop() {
	vm.snap.Stop()
	vm.wg.Wait()
	vm.stopOnce.Do(func() { close(vm.tickStop) })
}

// Shutdown stops the VM and then runs final, typically a last snapshot, on
// the quiescent heap.
func (vm *VM) Shutdown(final func() error) error {
	vm.Stop()
	if final == nil {
		return nil
	}
	return final()
}

// Snapshot runs fn with every thread quiescent. See SnapSync.Snapshot.
func (vm *VM) Snapshot(fn func() error) error {
	return vm.snap.Snapshot(fn)
}

// Collect frees every object unreachable from the root set and the VM's
// threads. It must run inside Snapshot or after Stop.
func (vm *VM) Collect() CollectStats {
	var roots []Ref
	for _, t := range vm.Threads() {
		roots = append(roots, t.self)
	}
	return vm.heap.Collect(roots...)
}

// ---------------------------------------------------------------------------
// Primitive constructors
// ---------------------------------------------------------------------------

func (vm *VM) withWaiters(class ClassID, init func(r, waiters Ref)) (Ref, error) {
	r, err := vm.heap.Alloc(class)
	if err != nil {
		return NilRef, err
	}
	w, err := vm.heap.NewArray(vm.opts.MaxWaiters)
	if err != nil {
		vm.heap.Free(r)
		return NilRef, err
	}
	init(r, w)
	return r, nil
}

// NewMutex allocates an unowned mutex.
func (vm *VM) NewMutex() (Ref, error) {
	return vm.withWaiters(ClassMutex, func(r, w Ref) {
		vm.heap.Mutex(r).Waiters = w
	})
}

// NewCond allocates a condition variable.
func (vm *VM) NewCond() (Ref, error) {
	return vm.withWaiters(ClassCond, func(r, w Ref) {
		vm.heap.Cond(r).Waiters = w
	})
}

// NewSemaphore allocates a semaphore holding value permits.
func (vm *VM) NewSemaphore(value int) (Ref, error) {
	if value < 0 {
		contractf("NewSemaphore", NilRef, "negative initial value %d", value)
	}
	return vm.withWaiters(ClassSema, func(r, w Ref) {
		s := vm.heap.Semaphore(r)
		s.Waiters = w
		s.Value = int32(value)
	})
}

// NewIOChannel allocates an empty I/O channel.
func (vm *VM) NewIOChannel() (Ref, error) {
	return vm.heap.Alloc(ClassIO)
}
