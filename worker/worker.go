// Package worker serializes access to a Squall VM through one goroutine.
//
// A VM and every thread opened from it must only be touched by one
// goroutine at a time. A Worker owns the shared state for its whole life
// and runs submitted functions on it in order, so any number of goroutines
// can drive the same VM.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/chazu/squall/vm"
)

// ErrStopped is returned by Do once the worker has been stopped.
var ErrStopped = errors.New("worker stopped")

var log = commonlog.GetLogger("squall.worker")

// request represents a unit of work to be executed on the VM goroutine.
type request struct {
	fn   func(*vm.VM) (any, error)
	done chan result
}

// result holds the return value from a VM operation.
type result struct {
	value any
	err   error
}

// Worker serializes all VM access through a single goroutine.
type Worker struct {
	vm       *vm.VM
	handles  *Handles
	requests chan request
	quit     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// New opens a shared state with cfg and starts the processing goroutine.
func New(cfg vm.Config) *Worker {
	w := &Worker{
		vm:       vm.Open(cfg),
		handles:  newHandles(),
		requests: make(chan request, 64),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go w.loop()
	return w
}

// loop processes requests sequentially until Stop, then closes the VM on
// the same goroutine that used it.
func (w *Worker) loop() {
	defer close(w.stopped)
	defer func() {
		w.handles.dropAll(w.vm)
		w.vm.Close()
	}()
	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req.fn)
		case <-w.quit:
			return
		}
	}
}

// execute runs a function on the VM, recovering from panics. When fn
// panics the VM is unwound to the frames and stack height it had before.
func (w *Worker) execute(fn func(*vm.VM) (any, error)) (res result) {
	cp := w.vm.Checkpoint()
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("panic on the VM goroutine: %v", r)
			w.vm.Restore(cp)
			res = result{err: fmt.Errorf("panic: %v", r)}
		}
	}()
	v, err := fn(w.vm)
	return result{value: v, err: err}
}

// Do submits fn for execution on the VM goroutine and blocks until it
// completes or ctx is done. A function already running is not
// interrupted by ctx; its result is dropped.
func (w *Worker) Do(ctx context.Context, fn func(*vm.VM) (any, error)) (any, error) {
	req := request{
		fn:   fn,
		done: make(chan result, 1),
	}
	select {
	case w.requests <- req:
	case <-w.quit:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-req.done:
		return res.value, res.err
	case <-w.stopped:
		select {
		case res := <-req.done:
			return res.value, res.err
		default:
			return nil, ErrStopped
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Exec is Do for functions without a result.
func (w *Worker) Exec(ctx context.Context, fn func(*vm.VM) error) error {
	_, err := w.Do(ctx, func(v *vm.VM) (any, error) { return nil, fn(v) })
	return err
}

// Stop shuts down the worker goroutine and closes the VM. Stop waits for
// the function in progress and is safe to call more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.quit) })
	<-w.stopped
}
