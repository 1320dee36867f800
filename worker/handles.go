package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chazu/squall/vm"
)

// handle is a host-side reference to a VM object.
type handle struct {
	value    vm.Value
	created  time.Time
	lastUsed time.Time
}

// Handles maps opaque string IDs to VM values so they can be passed
// between goroutines. Each handle holds a strong reference on its object
// until it is released. Pin, Push and Drop must run on the VM goroutine,
// inside a function given to Do or Exec.
type Handles struct {
	mu      sync.Mutex
	handles map[string]*handle
	nextID  atomic.Uint64
}

func newHandles() *Handles {
	return &Handles{handles: make(map[string]*handle)}
}

// Pin registers the value at idx and returns its handle ID.
func (s *Handles) Pin(v *vm.VM, idx int) (string, error) {
	val, err := v.GetObjectHandle(idx)
	if err != nil {
		return "", err
	}
	v.AddRef(val)
	id := fmt.Sprintf("h-%d", s.nextID.Add(1))

	now := time.Now()
	s.mu.Lock()
	s.handles[id] = &handle{value: val, created: now, lastUsed: now}
	s.mu.Unlock()
	return id, nil
}

// Push pushes the value of handle id.
func (s *Handles) Push(v *vm.VM, id string) error {
	s.mu.Lock()
	h, ok := s.handles[id]
	if ok {
		h.lastUsed = time.Now()
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown handle %q", id)
	}
	v.PushObjectHandle(h.value)
	return nil
}

// Drop removes handle id and releases its reference. Unknown IDs are
// ignored.
func (s *Handles) Drop(v *vm.VM, id string) {
	s.mu.Lock()
	h, ok := s.handles[id]
	delete(s.handles, id)
	s.mu.Unlock()
	if ok {
		v.Release(h.value)
	}
}

// Len returns the number of live handles.
func (s *Handles) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// IdleSince returns the IDs of handles not used since t.
func (s *Handles) IdleSince(t time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, h := range s.handles {
		if h.lastUsed.Before(t) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Handles) dropAll(v *vm.VM) {
	s.mu.Lock()
	all := s.handles
	s.handles = make(map[string]*handle)
	s.mu.Unlock()
	for _, h := range all {
		v.Release(h.value)
	}
}

// Release drops handle id from any goroutine.
func (w *Worker) Release(ctx context.Context, id string) error {
	return w.Exec(ctx, func(v *vm.VM) error {
		w.handles.Drop(v, id)
		return nil
	})
}

// Handles returns the handle store of the worker.
func (w *Worker) Handles() *Handles {
	return w.handles
}
