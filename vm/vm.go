package vm

import (
	"github.com/emirpasic/gods/lists/arraylist"
)

// ---------------------------------------------------------------------------
// VM: a thread of execution
// ---------------------------------------------------------------------------

// VMState is the run mode of a thread.
type VMState int

const (
	VMIdle VMState = iota
	VMRunning
	VMSuspended
)

func (s VMState) String() string {
	switch s {
	case VMRunning:
		return "running"
	case VMSuspended:
		return "suspended"
	}
	return "idle"
}

// trap is an installed exception handler. stackBase and top are absolute
// while the owning frame is live.
type trap struct {
	stackBase int
	top       int
	ip        int
	target    int
}

// callInfo is one activation record. Frames live on the heap so a
// suspended thread or generator keeps them as plain data.
type callInfo struct {
	closure       Value
	ip            int
	prevStackBase int
	prevTop       int
	target        int
	root          bool
	generator     *Generator
	ncalls        int
	traps         []trap
}

// VM is a thread: a value stack and a chain of call frames executing
// against a SharedState. The thread returned by Open is the root thread;
// NewThread creates coroutines sharing its heap.
//
// A VM is not safe for concurrent use. Threads of one shared state run
// one at a time, switching only through Call, Suspend and WakeUp.
type VM struct {
	RefCounted
	stack      []Value
	top        int
	stackBase  int
	frames     []*callInfo
	openOuters *arraylist.List

	rootTable    Value
	lastError    Value
	raised       error
	errorHandler Value

	debugHook       Value
	nativeDebugHook DebugHook
	inHook          bool
	inErrorHandler  bool

	suspended       bool
	suspendedTarget int
	suspendedRoot   bool

	nativeCalls      int
	nMetamethodCalls int

	foreignPtr  any
	releaseHook ReleaseHook
}

func (v *VM) Type() Type { return TypeThread }

func (ss *SharedState) newThread(stackSize int) *VM {
	if stackSize <= 0 {
		stackSize = ss.cfg.InitialStackSize
	}
	v := &VM{
		stack:        make([]Value, stackSize),
		openOuters:   arraylist.New(),
		rootTable:    Null,
		lastError:    Null,
		errorHandler: Null,
		debugHook:    Null,
	}
	for i := range v.stack {
		v.stack[i] = Null
	}
	ss.init(v)
	return v
}

// NewThread creates a coroutine sharing v's heap, root table, error
// handler and debug hook, and pushes it onto v's stack.
func (v *VM) NewThread(stackSize int) *VM {
	t := v.ss.newThread(stackSize)
	assign(&t.rootTable, v.rootTable)
	assign(&t.errorHandler, v.errorHandler)
	assign(&t.debugHook, v.debugHook)
	t.nativeDebugHook = v.nativeDebugHook
	v.push(objectValue(t))
	v.ss.log.Debugf("thread 0x%08x opened from 0x%08x", t.serial, v.serial)
	return t
}

// State reports whether the thread is idle, running or suspended.
func (v *VM) State() VMState {
	if v.suspended {
		return VMSuspended
	}
	if len(v.frames) > 0 {
		return VMRunning
	}
	return VMIdle
}

// CallDepth returns the number of active call frames.
func (v *VM) CallDepth() int {
	return len(v.frames)
}

// SetForeignPtr attaches a host pointer to the thread.
func (v *VM) SetForeignPtr(p any) {
	v.foreignPtr = p
}

// ForeignPtr returns the thread's host pointer.
func (v *VM) ForeignPtr() any {
	return v.foreignPtr
}

// SetVMReleaseHook installs a hook run when the thread is finalized.
func (v *VM) SetVMReleaseHook(hook ReleaseHook) {
	v.releaseHook = hook
}

// Checkpoint records the frame depth, stack height and call counters of
// a thread so Restore can bring it back after a host panic.
type Checkpoint struct {
	depth            int
	top              int
	nativeCalls      int
	nMetamethodCalls int
	suspended        bool
}

// Checkpoint captures the current position of the thread.
func (v *VM) Checkpoint() Checkpoint {
	return Checkpoint{
		depth:            len(v.frames),
		top:              v.top,
		nativeCalls:      v.nativeCalls,
		nMetamethodCalls: v.nMetamethodCalls,
		suspended:        v.suspended,
	}
}

// Restore unwinds the frames entered since cp, closing their outers and
// killing any generator they were running, then resets the stack height
// and call counters. A Go panic that escaped a native function leaves the
// thread mid-call; Restore makes it usable again.
func (v *VM) Restore(cp Checkpoint) {
	for len(v.frames) > cp.depth {
		ci := v.ci()
		if ci.generator != nil {
			ci.generator.kill()
		}
		v.leaveFrame()
	}
	switch {
	case v.top > cp.top:
		v.pop(v.top - cp.top)
	case v.top < cp.top:
		v.growStack(cp.top)
		for v.top < cp.top {
			clearSlot(&v.stack[v.top])
			v.top++
		}
	}
	v.nativeCalls = cp.nativeCalls
	v.nMetamethodCalls = cp.nMetamethodCalls
	v.suspended = cp.suspended
	v.inHook = false
	v.inErrorHandler = false
	v.raised = nil
}

func (v *VM) ci() *callInfo {
	if len(v.frames) == 0 {
		return nil
	}
	return v.frames[len(v.frames)-1]
}

// ---------------------------------------------------------------------------
// Stack primitives
// ---------------------------------------------------------------------------

// growStack makes room for n slots.
func (v *VM) growStack(n int) {
	if n <= len(v.stack) {
		return
	}
	size := len(v.stack) * 2
	if size < n {
		size = n
	}
	grown := make([]Value, size)
	copy(grown, v.stack)
	for i := len(v.stack); i < size; i++ {
		grown[i] = Null
	}
	v.stack = grown
}

// push stores a borrowed value, taking a reference.
func (v *VM) push(val Value) {
	v.growStack(v.top + 1)
	assign(&v.stack[v.top], val)
	v.top++
}

// pushOwned stores a value whose reference the caller hands over.
func (v *VM) pushOwned(val Value) {
	v.growStack(v.top + 1)
	old := v.stack[v.top]
	v.stack[v.top] = val
	release(old)
	v.top++
}

// pop drops n values from the top.
func (v *VM) pop(n int) {
	for ; n > 0 && v.top > 0; n-- {
		v.top--
		clearSlot(&v.stack[v.top])
	}
}

// up returns the value n slots from the top (-1 is the top).
func (v *VM) up(n int) Value {
	return v.stack[v.top+n]
}

// reg returns a pointer to register i of the current frame.
func (v *VM) reg(i int) *Value {
	return &v.stack[v.stackBase+i]
}

// move stores an owned value into a slot, releasing what was there.
func move(dst *Value, owned Value) {
	old := *dst
	*dst = owned
	release(old)
}

// ---------------------------------------------------------------------------
// Frames
// ---------------------------------------------------------------------------

func (v *VM) enterFrame(newBase, newTop int, tailcall bool) error {
	if !tailcall {
		if len(v.frames) >= v.ss.cfg.MaxCallDepth {
			return newError(ErrStackOverflow, "stack overflow, call depth exceeds %d", v.ss.cfg.MaxCallDepth)
		}
		v.frames = append(v.frames, &callInfo{
			closure:       Null,
			prevStackBase: v.stackBase,
			prevTop:       v.top,
			target:        -1,
			ncalls:        1,
		})
	} else {
		v.ci().ncalls++
	}
	v.growStack(newTop + 1)
	v.stackBase = newBase
	v.top = newTop
	return nil
}

func (v *VM) leaveFrame() {
	ci := v.ci()
	lastTop := v.top
	v.closeOuters(v.stackBase)
	v.stackBase = ci.prevStackBase
	v.top = ci.prevTop
	v.frames[len(v.frames)-1] = nil
	v.frames = v.frames[:len(v.frames)-1]
	clearSlot(&ci.closure)
	if lastTop >= len(v.stack) {
		lastTop = len(v.stack) - 1
	}
	for i := lastTop; i >= v.top; i-- {
		clearSlot(&v.stack[i])
	}
}

// ---------------------------------------------------------------------------
// Open outers
// ---------------------------------------------------------------------------

// findOuter returns the open cell for absolute stack slot idx, creating
// it if needed. The open list is kept sorted by slot and owns a reference
// to each cell.
func (v *VM) findOuter(idx int) *Outer {
	n := v.openOuters.Size()
	pos := n
	for i := n - 1; i >= 0; i-- {
		item, _ := v.openOuters.Get(i)
		o := item.(*Outer)
		if o.idx == idx {
			return o
		}
		if o.idx < idx {
			break
		}
		pos = i
	}
	o := &Outer{thread: v, idx: idx, value: Null}
	v.ss.init(o)
	o.refs++
	v.openOuters.Insert(pos, o)
	return o
}

// closeOuters detaches every open cell at or above absolute slot from.
func (v *VM) closeOuters(from int) {
	for n := v.openOuters.Size(); n > 0; n = v.openOuters.Size() {
		item, _ := v.openOuters.Get(n - 1)
		o := item.(*Outer)
		if o.idx < from {
			return
		}
		v.openOuters.Remove(n - 1)
		o.detach()
		releaseObject(o)
	}
}

// ---------------------------------------------------------------------------
// Lifetime
// ---------------------------------------------------------------------------

func (v *VM) finalize() {
	if hook := v.releaseHook; hook != nil {
		v.releaseHook = nil
		hook(v.foreignPtr, 0)
	}
	v.closeOuters(0)
	for len(v.frames) > 0 {
		ci := v.frames[len(v.frames)-1]
		v.frames = v.frames[:len(v.frames)-1]
		clearSlot(&ci.closure)
	}
	v.suspended = false
	clearSlot(&v.rootTable)
	clearSlot(&v.lastError)
	clearSlot(&v.errorHandler)
	clearSlot(&v.debugHook)
	v.nativeDebugHook = nil
	for i := range v.stack {
		clearSlot(&v.stack[i])
	}
	v.top, v.stackBase = 0, 0
}

func (v *VM) traverse(fn func(Object)) {
	visit := func(val Value) {
		if o := val.Object(); o != nil {
			fn(o)
		}
	}
	for _, val := range v.stack {
		visit(val)
	}
	for _, ci := range v.frames {
		visit(ci.closure)
	}
	for _, item := range v.openOuters.Values() {
		fn(item.(*Outer))
	}
	visit(v.rootTable)
	visit(v.lastError)
	visit(v.errorHandler)
	visit(v.debugHook)
}
