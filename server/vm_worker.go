package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rxell/phantomuserland/vm"
)

// ErrWorkerStopped is returned by Do once the worker has been stopped.
var ErrWorkerStopped = errors.New("server: worker stopped")

// vmRequest represents a control operation to be executed on the worker
// goroutine.
type vmRequest struct {
	ctx  context.Context
	fn   func(context.Context, *vm.VM) (any, error)
	done chan vmResult
}

// vmResult holds the return value from a control operation.
type vmResult struct {
	value any
	err   error
}

// VMWorker serializes control operations on the VM (snapshots, catalog
// reads) through a single goroutine, so concurrent RPCs never drive the
// snapshot protocol at the same time. Read-only status queries use the
// VM's atomic accessors directly and do not go through the worker.
type VMWorker struct {
	vm       *vm.VM
	requests chan vmRequest
	quit     chan struct{}
	stopOnce sync.Once
}

// NewVMWorker creates a VMWorker and starts the processing goroutine.
func NewVMWorker(v *vm.VM) *VMWorker {
	w := &VMWorker{
		vm:       v,
		requests: make(chan vmRequest, 64),
		quit:     make(chan struct{}),
	}
	go w.loop()
	return w
}

// loop processes requests sequentially on a dedicated goroutine.
func (w *VMWorker) loop() {
	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req)
		case <-w.quit:
			return
		}
	}
}

// execute runs a request, recovering from panics such as contract
// violations raised while reading the heap.
func (w *VMWorker) execute(req vmRequest) (result vmResult) {
	if err := req.ctx.Err(); err != nil {
		return vmResult{err: err}
	}
	defer func() {
		if r := recover(); r != nil {
			result = vmResult{err: fmt.Errorf("%v", r)}
		}
	}()
	v, err := req.fn(req.ctx, w.vm)
	return vmResult{value: v, err: err}
}

// Do submits fn for execution on the worker goroutine and blocks until it
// completes, ctx is done or the worker stops.
func (w *VMWorker) Do(ctx context.Context, fn func(context.Context, *vm.VM) (any, error)) (any, error) {
	req := vmRequest{
		ctx:  ctx,
		fn:   fn,
		done: make(chan vmResult, 1),
	}
	select {
	case w.requests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.quit:
		return nil, ErrWorkerStopped
	}
	select {
	case result := <-req.done:
		return result.value, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.quit:
		return nil, ErrWorkerStopped
	}
}

// Stop shuts down the worker goroutine. Safe to call more than once.
func (w *VMWorker) Stop() {
	w.stopOnce.Do(func() { close(w.quit) })
}

// VM returns the underlying VM, for queries that only read its atomic
// state.
func (w *VMWorker) VM() *vm.VM {
	return w.vm
}
