package vm

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

// Call invokes the function at -(params+1) with the params values above it
// (the first being `this`). The arguments are popped, the function stays.
// With retval the result is pushed. If the callee suspended the thread the
// stack is left as it is, so WakeUp can continue the call.
func (v *VM) Call(params int, retval, raiseErr bool) error {
	if err := v.needArgs(params + 1); err != nil {
		return err
	}
	v.maybeCollect()
	fn := owned(v.up(-params - 1))
	defer release(fn)
	res, err := v.call(fn, params, v.top-params, raiseErr)
	if err != nil {
		v.pop(params)
		v.ss.log.Debugf("call of %s failed: %s", fn.Type(), err)
		return v.raise(err)
	}
	if !v.suspended {
		v.pop(params)
	}
	if retval {
		v.pushOwned(res)
	} else {
		release(res)
	}
	return nil
}

// TailCall replaces the running native's frame with a call to the script
// closure at -(nparams+1). The native must return its result:
//
//	return v.TailCall(2)
func (v *VM) TailCall(nparams int) (int, error) {
	if err := v.needArgs(nparams + 1); err != nil {
		return 0, err
	}
	fn := v.up(-nparams - 1)
	cl := fn.closure()
	if cl == nil {
		return 0, v.raise(newError(ErrNotCallable, "only closure can be tail called"))
	}
	if cl.proto.Generator {
		return 0, v.raise(newError(ErrInvalidTailCall, "generators cannot be tail called"))
	}
	ci := v.ci()
	if ci == nil || ci.root || ci.closure.Type() != TypeNativeClosure {
		return 0, v.raise(newError(ErrInvalidTailCall, "root calls cannot invoke tailcalls"))
	}
	addRef(fn)
	defer release(fn)

	from := v.top - nparams
	for i := 0; i < nparams; i++ {
		assign(&v.stack[v.stackBase+i], v.stack[from+i])
	}
	v.closeOuters(v.stackBase)
	lastTop := v.top
	if _, err := v.startCall(cl, ci.target, nparams, v.stackBase, true); err != nil {
		return 0, v.raise(err)
	}
	if v.top < lastTop {
		v.top = lastTop
	}
	return ResultTailCall, nil
}

// Resume runs the generator on top of the stack until it yields or
// returns. The generator stays on the stack; with retval the produced
// value is pushed.
func (v *VM) Resume(retval, raiseErr bool) error {
	if v.top == v.stackBase || v.up(-1).generator() == nil {
		return v.raise(newError(ErrNotResumable, "only generators can be resumed"))
	}
	gen := owned(v.up(-1))
	defer release(gen)
	res, err := v.execute(gen, 0, v.top, raiseErr, etResumeGenerator)
	if err != nil {
		v.ss.log.Debugf("generator resume failed: %s", err)
		return v.raise(err)
	}
	if retval {
		v.pushOwned(res)
	} else {
		release(res)
	}
	return nil
}

// Suspend is called by a native that wants to park its thread. The
// native must return the first result:
//
//	return v.Suspend()
//
// Only a native called directly by script code running under Call can
// suspend.
func (v *VM) Suspend() (int, error) {
	if v.suspended {
		return 0, v.raise(newError(ErrInvalidContext, "cannot suspend an already suspended vm"))
	}
	if v.nativeCalls != 2 {
		return 0, v.raise(newError(ErrInvalidContext, "cannot suspend through native calls/metamethods"))
	}
	return ResultSuspend, nil
}

// WakeUp continues a suspended thread. With wakeupRet the value on top is
// popped and becomes the result of the call that suspended; otherwise
// that call yields Null. With throwErr the current last error is raised
// at the suspension point instead. With retval the value the thread
// finally returns (or suspends with again) is pushed.
func (v *VM) WakeUp(wakeupRet, retval, raiseErr, throwErr bool) error {
	if !v.suspended || len(v.frames) == 0 {
		return v.raise(newError(ErrNotSuspended, "cannot resume a vm that is not running any code"))
	}
	target := v.suspendedTarget
	if wakeupRet {
		if err := v.needArgs(1); err != nil {
			return err
		}
		if target >= 0 {
			assign(v.reg(target), v.up(-1))
		}
		v.pop(1)
	} else if target >= 0 {
		clearSlot(v.reg(target))
	}
	et := etResumeVM
	if throwErr {
		et = etResumeThrowVM
	}
	res, err := v.execute(Null, 0, 0, raiseErr, et)
	if err != nil {
		v.ss.log.Debugf("wakeup failed: %s", err)
		return v.raise(err)
	}
	if retval {
		v.pushOwned(res)
	} else {
		release(res)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Call stack introspection
// ---------------------------------------------------------------------------

// StackInfo describes one call frame.
type StackInfo struct {
	FuncName string
	Source   string
	Line     int
}

// frameAt returns the frame level steps below the current one together
// with its absolute stack base.
func (v *VM) frameAt(level int) (*callInfo, int, bool) {
	n := len(v.frames)
	if level < 0 || level >= n {
		return nil, 0, false
	}
	base := v.stackBase
	for i := n - 1; i > n-1-level; i-- {
		base = v.frames[i].prevStackBase
	}
	return v.frames[n-1-level], base, true
}

// GetCallee pushes the closure of the frame that called the running
// native.
func (v *VM) GetCallee() error {
	if len(v.frames) < 2 {
		return v.raise(newError(ErrInvalidContext, "no closure in the calls stack"))
	}
	v.push(v.frames[len(v.frames)-2].closure)
	return nil
}

// GetLocal pushes a variable visible to the script frame level steps
// below the current one and returns its name. Free variables come first,
// then the locals live at the frame's instruction pointer. ok is false
// (and nothing is pushed) when there is no such variable.
func (v *VM) GetLocal(level, idx int) (name string, ok bool) {
	ci, base, found := v.frameAt(level)
	if !found || idx < 0 {
		return "", false
	}
	cl := ci.closure.closure()
	if cl == nil {
		return "", false
	}
	p := cl.proto
	if idx < len(cl.outers) {
		v.push(cl.outers[idx].Get())
		return p.Outers[idx].Name, true
	}
	idx -= len(cl.outers)
	ip := ci.ip - 1
	for _, lv := range p.Locals {
		if ip < lv.StartIP || ip >= lv.EndIP {
			continue
		}
		if idx == 0 {
			v.push(v.stack[base+lv.Pos])
			return lv.Name, true
		}
		idx--
	}
	return "", false
}

// StackInfos describes the frame level steps below the current one.
func (v *VM) StackInfos(level int) (StackInfo, error) {
	ci, _, ok := v.frameAt(level)
	if !ok {
		return StackInfo{}, v.raise(newError(ErrIndexOutOfRange, "invalid call stack level %d", level))
	}
	switch ci.closure.Type() {
	case TypeClosure:
		p := ci.closure.closure().proto
		return StackInfo{FuncName: orUnknown(p.Name), Source: p.SourceName, Line: p.LineAt(ci.ip - 1)}, nil
	case TypeNativeClosure:
		return StackInfo{FuncName: orUnknown(ci.closure.native().name), Source: "NATIVE", Line: -1}, nil
	}
	return StackInfo{FuncName: "unknown", Source: "unknown", Line: -1}, nil
}

func orUnknown(name string) string {
	if name == "" {
		return "unknown"
	}
	return name
}

// ---------------------------------------------------------------------------
// Closures
// ---------------------------------------------------------------------------

// NewClosure pops nfree values and pushes a native closure capturing them.
func (v *VM) NewClosure(fn NativeFunc, nfree int) error {
	if err := v.needArgs(nfree); err != nil {
		return err
	}
	nc := v.ss.NewNativeClosure(fn, "", v.stack[v.top-nfree:v.top]...)
	v.pop(nfree)
	v.push(objectValue(nc))
	return nil
}

// PushClosure pushes a script closure over p bound to the current root
// table. p must not declare free variables.
func (v *VM) PushClosure(p *FuncProto) error {
	if len(p.Outers) > 0 {
		return v.raise(newError(ErrInvalidOperation, "function '%s' has free variables", p.Name))
	}
	v.push(objectValue(v.ss.newClosure(p, v.rootTable)))
	return nil
}

// SetParamsCheck configures argument validation of the native closure on
// top of the stack.
func (v *VM) SetParamsCheck(nparams int, mask string) error {
	val, err := v.typed(-1, TypeNativeClosure)
	if err != nil {
		return err
	}
	return v.raise(val.native().SetParamsCheck(nparams, mask))
}

// SetNativeClosureName names the native closure at idx for diagnostics.
func (v *VM) SetNativeClosureName(idx int, name string) error {
	val, err := v.typed(idx, TypeNativeClosure)
	if err != nil {
		return err
	}
	val.native().name = name
	return nil
}

// GetClosureInfo returns the declared parameter count and the number of
// free variables of the closure at idx.
func (v *VM) GetClosureInfo(idx int) (nparams, nfree int, err error) {
	val, err := v.GetClosure(idx)
	if err != nil {
		return 0, 0, err
	}
	if cl := val.closure(); cl != nil {
		return cl.proto.NumParams, len(cl.outers), nil
	}
	nc := val.native()
	return nc.nparamscheck, len(nc.outers), nil
}

// GetClosureName pushes the name of the closure at idx, or Null.
func (v *VM) GetClosureName(idx int) error {
	val, err := v.GetClosure(idx)
	if err != nil {
		return err
	}
	name := ""
	if cl := val.closure(); cl != nil {
		name = cl.proto.Name
	} else {
		name = val.native().name
	}
	if name == "" {
		v.PushNull()
	} else {
		v.PushString(name)
	}
	return nil
}

// BindEnv pops an environment and pushes a copy of the closure at idx
// whose `this` is bound (weakly) to it.
func (v *VM) BindEnv(idx int) error {
	val, err := v.GetClosure(idx)
	if err != nil {
		return err
	}
	if err := v.needArgs(1); err != nil {
		return err
	}
	env := v.up(-1)
	switch env.Type() {
	case TypeTable, TypeArray, TypeClass, TypeInstance:
	default:
		return v.raise(newError(ErrInvalidType, "invalid environment"))
	}
	var bound Value
	if cl := val.closure(); cl != nil {
		c := cl.Clone()
		c.setEnv(env)
		bound = objectValue(c)
	} else {
		nc := val.native().Clone()
		nc.setEnv(env)
		bound = objectValue(nc)
	}
	addRef(bound)
	v.pop(1)
	v.pushOwned(bound)
	return nil
}

// SetClosureRoot pops a table and makes it the root table seen by the
// script closure at idx.
func (v *VM) SetClosureRoot(idx int) error {
	val, err := v.typed(idx, TypeClosure)
	if err != nil {
		return err
	}
	if err := v.needArgs(1); err != nil {
		return err
	}
	root := v.up(-1)
	if root.table() == nil {
		return v.raise(newError(ErrInvalidType, "invalid type"))
	}
	val.closure().setRoot(root)
	v.pop(1)
	return nil
}

// GetClosureRoot pushes the root table of the script closure at idx.
func (v *VM) GetClosureRoot(idx int) error {
	val, err := v.typed(idx, TypeClosure)
	if err != nil {
		return err
	}
	v.push(val.closure().Root())
	return nil
}

// GetFreeVariable pushes free variable n of the closure at idx and
// returns its name (empty for natives).
func (v *VM) GetFreeVariable(idx, n int) (string, error) {
	val, err := v.GetClosure(idx)
	if err != nil {
		return "", err
	}
	if cl := val.closure(); cl != nil {
		if n < 0 || n >= len(cl.outers) {
			return "", v.raise(newError(ErrIndexOutOfRange, "invalid free var index"))
		}
		v.push(cl.outers[n].Get())
		return cl.proto.Outers[n].Name, nil
	}
	nc := val.native()
	if n < 0 || n >= len(nc.outers) {
		return "", v.raise(newError(ErrIndexOutOfRange, "invalid free var index"))
	}
	v.push(nc.outers[n])
	return "", nil
}

// SetFreeVariable pops a value into free variable n of the closure at
// idx.
func (v *VM) SetFreeVariable(idx, n int) error {
	val, err := v.GetClosure(idx)
	if err != nil {
		return err
	}
	if err := v.needArgs(1); err != nil {
		return err
	}
	newVal := v.up(-1)
	if cl := val.closure(); cl != nil {
		if n < 0 || n >= len(cl.outers) {
			return v.raise(newError(ErrIndexOutOfRange, "invalid free var index"))
		}
		cl.outers[n].Set(newVal)
	} else {
		nc := val.native()
		if n < 0 || n >= len(nc.outers) {
			return v.raise(newError(ErrIndexOutOfRange, "invalid free var index"))
		}
		assign(&nc.outers[n], newVal)
	}
	v.pop(1)
	return nil
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// ThrowError records msg as the last error and returns the matching error.
// Natives report failure by returning it:
//
//	return 0, v.ThrowError("bad argument")
func (v *VM) ThrowError(msg string) error {
	return v.raise(newError(ErrRuntime, "%s", msg))
}

// ThrowObject pops the value on top and records it as the last error.
func (v *VM) ThrowObject() error {
	if err := v.needArgs(1); err != nil {
		return err
	}
	val := owned(v.up(-1))
	v.pop(1)
	err := v.raiseValue(val)
	release(val)
	return err
}

// GetLastError pushes the last error value.
func (v *VM) GetLastError() {
	v.push(v.lastError)
}

// LastError returns the last error value, borrowed.
func (v *VM) LastError() Value {
	return v.lastError
}

// ResetError clears the last error.
func (v *VM) ResetError() {
	clearSlot(&v.lastError)
	v.raised = nil
}

// SetErrorHandler pops a closure (or Null) and installs it as the handler
// called with (this, error) for errors no trap catches.
func (v *VM) SetErrorHandler() error {
	if err := v.needArgs(1); err != nil {
		return err
	}
	h := v.up(-1)
	if !h.IsNull() && h.Type()&(TypeClosure|TypeNativeClosure) == 0 {
		return v.raise(newError(ErrInvalidType, "invalid type"))
	}
	assign(&v.errorHandler, h)
	v.pop(1)
	return nil
}

// SetErrorFunc replaces only the error output function.
func (v *VM) SetErrorFunc(fn PrintFunc) {
	v.ss.errorFn = fn
}
