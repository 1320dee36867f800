package vm

// ---------------------------------------------------------------------------
// Raising
// ---------------------------------------------------------------------------

// raise records err as the thread's last error and returns it. An error
// that was already recorded (for example by ThrowObject, which stores an
// arbitrary value) is passed through untouched.
func (v *VM) raise(err error) error {
	if err == nil || err == v.raised {
		return err
	}
	v.raised = err
	assign(&v.lastError, v.ss.NewString(err.Error()))
	return err
}

// raiseValue records an arbitrary script value as the last error.
func (v *VM) raiseValue(val Value) error {
	err := &ScriptError{Kind: ErrRuntime, Message: val.String()}
	if val.IsNull() {
		err.Message = "null"
	}
	v.raised = err
	assign(&v.lastError, val)
	return err
}

// ---------------------------------------------------------------------------
// Unwinding
// ---------------------------------------------------------------------------

// pendingTraps counts the traps installed by frames of the innermost
// execute call, stopping at its root frame.
func (v *VM) pendingTraps() int {
	n := 0
	for i := len(v.frames) - 1; i >= 0; i-- {
		n += len(v.frames[i].traps)
		if v.frames[i].root {
			break
		}
	}
	return n
}

// handleError unwinds frames of the innermost execute call until a trap
// catches err. It reports whether execution resumes at a trap.
func (v *VM) handleError(err error, raiseErr bool) bool {
	v.raise(err)
	currErr := v.lastError
	addRef(currErr)
	defer release(currErr)

	lastTop := v.top
	if v.ss.notifyAll || (raiseErr && v.pendingTraps() == 0) {
		v.callErrorHandler(currErr)
	}
	for len(v.frames) > 0 {
		ci := v.ci()
		if n := len(ci.traps); n > 0 {
			t := ci.traps[n-1]
			ci.traps = ci.traps[:n-1]
			ci.ip = t.ip
			v.top = t.top
			v.stackBase = t.stackBase
			assign(&v.stack[v.stackBase+t.target], currErr)
			if lastTop >= len(v.stack) {
				lastTop = len(v.stack) - 1
			}
			for i := lastTop; i >= v.top; i-- {
				clearSlot(&v.stack[i])
			}
			return true
		}
		if ci.closure.Type() == TypeClosure {
			v.callDebugHook(DebugReturn, 0)
		}
		if ci.generator != nil {
			ci.generator.kill()
		}
		root := ci.root
		v.leaveFrame()
		if root {
			break
		}
	}
	return false
}

// callErrorHandler runs the installed handler with the error value. Errors
// raised by the handler itself are dropped.
func (v *VM) callErrorHandler(errVal Value) {
	if v.errorHandler.IsNull() || v.inErrorHandler {
		return
	}
	v.inErrorHandler = true
	defer func() { v.inErrorHandler = false }()

	handler := v.errorHandler
	addRef(handler)
	base := v.top
	v.push(v.rootTable)
	v.push(errVal)
	res, _ := v.call(handler, 2, base, false)
	release(res)
	v.pop(2)
	release(handler)
}

// ---------------------------------------------------------------------------
// Debug hooks
// ---------------------------------------------------------------------------

// DebugEvent identifies what a debug hook is notified about.
type DebugEvent byte

const (
	DebugCall   DebugEvent = 'c'
	DebugReturn DebugEvent = 'r'
	DebugLine   DebugEvent = 'l'
)

// DebugHook is a host debug hook. source and funcName are empty when the
// function carries no names.
type DebugHook func(v *VM, event DebugEvent, source string, line int, funcName string)

// SetNativeDebugHook installs a host hook, replacing any script hook.
func (v *VM) SetNativeDebugHook(hook DebugHook) {
	v.nativeDebugHook = hook
	clearSlot(&v.debugHook)
}

// SetDebugHook pops a closure (or Null) and installs it as the script
// debug hook, replacing any host hook. The hook is called with
// (this, event, source, line, funcname).
func (v *VM) SetDebugHook() error {
	if v.top == 0 {
		return v.raise(newError(ErrInvalidOperation, "stack is empty"))
	}
	hook := v.up(-1)
	if !hook.IsNull() && hook.Type()&(TypeClosure|TypeNativeClosure) == 0 {
		return v.raise(newError(ErrInvalidType, "invalid type"))
	}
	assign(&v.debugHook, hook)
	v.nativeDebugHook = nil
	v.pop(1)
	return nil
}

func (v *VM) hooked() bool {
	return v.nativeDebugHook != nil || !v.debugHook.IsNull()
}

// callDebugHook notifies the active hook about the current script frame.
// line overrides the line derived from the instruction pointer when
// non-zero. Hooks are not re-entered while one is running.
func (v *VM) callDebugHook(ev DebugEvent, line int) {
	if v.inHook || !v.hooked() {
		return
	}
	ci := v.ci()
	if ci == nil {
		return
	}
	cl := ci.closure.closure()
	if cl == nil {
		return
	}
	p := cl.proto
	if line == 0 {
		line = p.LineAt(ci.ip)
	}
	v.inHook = true
	defer func() { v.inHook = false }()

	if hook := v.nativeDebugHook; hook != nil {
		hook(v, ev, p.SourceName, line, p.Name)
		return
	}
	hook := v.debugHook
	addRef(hook)
	base := v.top
	v.push(v.rootTable)
	v.push(Int(int64(ev)))
	v.push(v.ss.NewString(p.SourceName))
	v.push(Int(int64(line)))
	v.push(v.ss.NewString(p.Name))
	res, _ := v.call(hook, 5, base, false)
	release(res)
	v.pop(5)
	release(hook)
}
