package vm

import (
	"math"
)

// ---------------------------------------------------------------------------
// Execution entry points
// ---------------------------------------------------------------------------

type executeType int

const (
	etCall executeType = iota
	etResumeGenerator
	etResumeVM
	etResumeThrowVM
)

// execute runs script code until the frame it entered returns or the
// thread suspends. For etCall, fn is the closure and its arguments sit at
// stackbase; for etResumeGenerator fn is the generator. The result is
// owned by the caller.
func (v *VM) execute(fn Value, nargs, stackbase int, raiseErr bool, et executeType) (Value, error) {
	if v.nativeCalls+1 > v.ss.cfg.MaxNativeCalls {
		return Null, v.raise(newError(ErrStackOverflow, "native stack overflow"))
	}
	v.nativeCalls++
	defer func() { v.nativeCalls-- }()

	var pending error
	switch et {
	case etCall:
		gen, err := v.startCall(fn.closure(), -1, nargs, stackbase, false)
		if err != nil {
			v.raise(err)
			if raiseErr && len(v.frames) == 0 {
				v.callErrorHandler(v.lastError)
			}
			return Null, err
		}
		if !gen.IsNull() {
			return gen, nil
		}
		v.ci().root = true
	case etResumeGenerator:
		if err := fn.generator().resume(v, -1); err != nil {
			return Null, v.raise(err)
		}
		v.ci().root = true
	case etResumeVM, etResumeThrowVM:
		v.suspended = false
		v.ci().root = v.suspendedRoot
		if et == etResumeThrowVM {
			pending = v.raised
			if pending == nil {
				pending = v.raiseValue(v.lastError)
			}
		}
	}
	return v.run(raiseErr, pending)
}

// startCall enters a script closure whose arguments are at stackbase.
// Calling a generator function enters no frame: the new generator is
// returned, owned, instead.
func (v *VM) startCall(cl *Closure, target, nargs, stackbase int, tailcall bool) (Value, error) {
	p := cl.proto
	params := p.NumParams
	if p.VarParams {
		fixed := params - 1
		if nargs < fixed {
			return Null, newError(ErrWrongArgumentCount, "wrong number of parameters")
		}
		extra := v.ss.NewArray(0)
		v.growStack(stackbase + nargs + 1)
		for i := fixed; i < nargs; i++ {
			extra.Append(v.stack[stackbase+i])
			clearSlot(&v.stack[stackbase+i])
		}
		assign(&v.stack[stackbase+fixed], objectValue(extra))
		nargs = params
	} else if nargs != params {
		return Null, newError(ErrWrongArgumentCount, "wrong number of parameters")
	}
	if env := cl.Env(); !env.IsNull() {
		assign(&v.stack[stackbase], env)
	}
	if p.Generator {
		g := v.ss.newGenerator(cl)
		g.start(v, stackbase, nargs)
		gen := objectValue(g)
		addRef(gen)
		return gen, nil
	}
	if err := v.enterFrame(stackbase, stackbase+p.StackSize, tailcall); err != nil {
		return Null, err
	}
	ci := v.ci()
	assign(&ci.closure, objectValue(cl))
	ci.ip = 0
	ci.target = target
	ci.traps = nil
	v.callDebugHook(DebugCall, 0)
	return Null, nil
}

// callNative runs a host function with its arguments at base. fromScript
// is set when the call comes from a script frame, which is the only place
// a native may suspend the thread or tail call.
func (v *VM) callNative(nc *NativeClosure, nargs, base, target int, fromScript bool) (ret Value, suspend, tailcall bool, err error) {
	if v.nativeCalls+1 > v.ss.cfg.MaxNativeCalls {
		return Null, false, false, newError(ErrStackOverflow, "native stack overflow")
	}
	if err := nc.checkArgs(v.stack[base : base+nargs]); err != nil {
		return Null, false, false, err
	}
	if err := v.enterFrame(base, base+nargs+len(nc.outers), false); err != nil {
		return Null, false, false, err
	}
	ci := v.ci()
	assign(&ci.closure, objectValue(nc))
	ci.target = target
	ci.root = !fromScript
	for i, o := range nc.outers {
		assign(&v.stack[base+nargs+i], o)
	}
	if nc.env != nil && nargs > 0 {
		assign(&v.stack[base], nc.env.Get())
	}

	n, ferr := func() (int, error) {
		v.nativeCalls++
		defer func() { v.nativeCalls-- }()
		return nc.fn(v)
	}()

	if ferr != nil {
		v.raise(ferr)
		v.leaveFrame()
		return Null, false, false, ferr
	}
	switch {
	case n == ResultTailCall:
		return Null, false, true, nil
	case n == ResultSuspend:
		suspend = true
		fallthrough
	case n > 0:
		ret = Null
		if v.top > v.stackBase {
			ret = v.stack[v.top-1]
			addRef(ret)
		}
	default:
		ret = Null
	}
	v.leaveFrame()
	return ret, suspend, false, nil
}

// call invokes fn with nargs arguments (this first) stored at base and
// returns the owned result.
func (v *VM) call(fn Value, nargs, base int, raiseErr bool) (Value, error) {
	switch fn.Type() {
	case TypeClosure:
		return v.execute(fn, nargs, base, raiseErr, etCall)
	case TypeNativeClosure:
		ret, _, _, err := v.callNative(fn.native(), nargs, base, -1, false)
		return ret, err
	case TypeClass:
		inst, err := v.createInstance(fn.class())
		if err != nil {
			return Null, err
		}
		ctor := fn.class().constructor()
		if ctor.IsNull() {
			return inst, nil
		}
		if nargs > 0 {
			assign(&v.stack[base], inst)
		}
		res, err := v.call(ctor, nargs, base, raiseErr)
		release(res)
		if err != nil {
			release(inst)
			return Null, err
		}
		return inst, nil
	}
	return Null, v.raise(newError(ErrNotCallable, "attempt to call '%s'", fn.Type()))
}

// createInstance instantiates c and returns the owned instance.
func (v *VM) createInstance(c *Class) (Value, error) {
	inst := objectValue(c.CreateInstance())
	addRef(inst)
	return inst, nil
}

// ---------------------------------------------------------------------------
// Dispatch loop
// ---------------------------------------------------------------------------

// run executes instructions of the top frame until the root frame of this
// execute call returns or the thread suspends.
func (v *VM) run(raiseErr bool, pending error) (Value, error) {
	for {
		if pending != nil {
			err := pending
			pending = nil
			if !v.handleError(err, raiseErr) {
				return Null, err
			}
			continue
		}

		ci := v.ci()
		cl := ci.closure.closure()
		p := cl.proto
		var ins Instruction
		if ci.ip < len(p.Code) {
			ins = p.Code[ci.ip]
		} else {
			ins = Instruction{Op: OpReturn, A: NoTarget}
		}
		ci.ip++
		a := int(ins.A)

		switch ins.Op {
		// --- Loads ---
		case OpLoad:
			assign(v.reg(a), p.Literals[ins.B])

		case OpLoadInt:
			assign(v.reg(a), Int(int64(ins.B)))

		case OpLoadFloat:
			assign(v.reg(a), Float(float64(math.Float32frombits(uint32(ins.B)))))

		case OpLoadNulls:
			for i := 0; i < int(ins.B); i++ {
				clearSlot(v.reg(a + i))
			}

		case OpLoadBool:
			assign(v.reg(a), Bool(ins.B != 0))

		case OpLoadRoot:
			assign(v.reg(a), v.frameRoot())

		case OpMove:
			assign(v.reg(a), *v.reg(int(ins.B)))

		case OpGetOuter:
			assign(v.reg(a), cl.outers[ins.B].Get())

		case OpSetOuter:
			val := *v.reg(int(ins.C))
			cl.outers[ins.B].Set(val)
			if ins.A != NoTarget {
				assign(v.reg(a), val)
			}

		// --- Containers ---
		case OpGet, OpGetK:
			key := *v.reg(int(ins.D))
			if ins.Op == OpGetK {
				key = p.Literals[ins.B]
			}
			res, err := v.get(*v.reg(int(ins.C)), key, ins.C == 0)
			if err != nil {
				pending = err
				continue
			}
			move(v.reg(a), res)

		case OpSet:
			val := *v.reg(int(ins.B))
			if err := v.set(*v.reg(int(ins.C)), *v.reg(int(ins.D)), val, ins.C == 0); err != nil {
				pending = err
				continue
			}
			if ins.A != NoTarget {
				assign(v.reg(a), *v.reg(int(ins.B)))
			}

		case OpNewSlot:
			err := v.newSlot(*v.reg(int(ins.C)), *v.reg(int(ins.D)), *v.reg(int(ins.B)), Null, ins.A&1 != 0)
			if err != nil {
				pending = err
				continue
			}

		case OpDelete:
			res, err := v.deleteSlot(*v.reg(int(ins.C)), *v.reg(int(ins.D)), false)
			if err != nil {
				pending = err
				continue
			}
			if ins.A != NoTarget {
				move(v.reg(a), res)
			} else {
				release(res)
			}

		// --- Arithmetic and comparison ---
		case OpAdd, OpSub, OpMul, OpDiv, OpMod:
			res, err := v.arith(ins.Op, *v.reg(int(ins.C)), *v.reg(int(ins.D)))
			if err != nil {
				pending = err
				continue
			}
			move(v.reg(a), res)

		case OpCmp:
			res, err := v.compare(*v.reg(int(ins.C)), *v.reg(int(ins.D)))
			if err != nil {
				pending = err
				continue
			}
			var out Value
			switch ins.B {
			case CmpLT:
				out = Bool(res < 0)
			case CmpLE:
				out = Bool(res <= 0)
			case CmpGT:
				out = Bool(res > 0)
			case CmpGE:
				out = Bool(res >= 0)
			default:
				out = Int(int64(res))
			}
			assign(v.reg(a), out)

		case OpEq, OpNe:
			eq, err := v.equal(*v.reg(int(ins.C)), *v.reg(int(ins.D)))
			if err != nil {
				pending = err
				continue
			}
			assign(v.reg(a), Bool(eq == (ins.Op == OpEq)))

		case OpNot:
			assign(v.reg(a), Bool(!v.reg(int(ins.C)).Truthy()))

		// --- Control flow ---
		case OpJmp:
			ci.ip += int(ins.B)

		case OpJz:
			if !v.reg(a).Truthy() {
				ci.ip += int(ins.B)
			}

		case OpCall, OpTailCall:
			fn := *v.reg(int(ins.B))
			addRef(fn)
			done, res, err := v.callOp(ci, ins, fn)
			release(fn)
			if err != nil {
				pending = err
				continue
			}
			if done {
				return res, nil
			}

		case OpReturn:
			ret := Null
			if ins.A != NoTarget {
				ret = *v.reg(int(ins.B))
				addRef(ret)
			}
			v.callDebugHook(DebugReturn, 0)
			if ci.generator != nil {
				ci.generator.kill()
			}
			root, target := ci.root, ci.target
			v.leaveFrame()
			if root {
				return ret, nil
			}
			if target >= 0 {
				move(v.reg(target), ret)
			} else {
				release(ret)
			}

		case OpClosure:
			c, err := v.makeClosure(cl, p.Functions[ins.B])
			if err != nil {
				pending = err
				continue
			}
			move(v.reg(a), c)

		case OpYield:
			g := ci.generator
			if g == nil {
				pending = newError(ErrInvalidOperation, "trying to yield a '%s', only generators can be yielded", ci.closure.Type())
				continue
			}
			ret := Null
			if ins.A != NoTarget {
				ret = *v.reg(int(ins.B))
				addRef(ret)
			}
			v.closeOuters(v.stackBase)
			if err := g.yield(v); err != nil {
				release(ret)
				pending = err
				continue
			}
			root, target := ci.root, ci.target
			v.leaveFrame()
			if root {
				return ret, nil
			}
			if target >= 0 {
				move(v.reg(target), ret)
			} else {
				release(ret)
			}

		case OpResume:
			val := *v.reg(int(ins.B))
			g := val.generator()
			if g == nil {
				pending = newError(ErrNotResumable, "trying to resume a '%s', only generators can be resumed", val.Type())
				continue
			}
			target := a
			if ins.A == NoTarget {
				target = -1
			}
			if err := g.resume(v, target); err != nil {
				pending = err
				continue
			}

		// --- Construction ---
		case OpNewTable:
			move(v.reg(a), owned(objectValue(v.ss.NewTable(int(ins.B)))))

		case OpNewArray:
			arr := v.ss.NewArray(0)
			arr.values = make([]Value, 0, ins.B)
			move(v.reg(a), owned(objectValue(arr)))

		case OpAppend:
			arr := v.reg(a).array()
			if arr == nil {
				pending = newError(ErrInvalidType, "append to a '%s'", v.reg(a).Type())
				continue
			}
			arr.Append(*v.reg(int(ins.C)))

		case OpNewClass:
			base := Null
			if ins.B >= 0 {
				base = *v.reg(int(ins.B))
			}
			c, err := v.newClass(base)
			if err != nil {
				pending = err
				continue
			}
			move(v.reg(a), c)

		// --- Exceptions, iteration, bookkeeping ---
		case OpThrow:
			pending = v.raiseValue(*v.reg(a))
			continue

		case OpPushTrap:
			ci.traps = append(ci.traps, trap{
				stackBase: v.stackBase,
				top:       v.top,
				ip:        ci.ip + int(ins.B),
				target:    a,
			})

		case OpPopTrap:
			n := int(ins.B)
			if n > len(ci.traps) {
				n = len(ci.traps)
			}
			ci.traps = ci.traps[:len(ci.traps)-n]

		case OpForEach:
			c := int(ins.C)
			key, val, iter, ok, err := v.next(*v.reg(a), *v.reg(c + 2))
			if err != nil {
				pending = err
				continue
			}
			if !ok {
				ci.ip += int(ins.B)
				continue
			}
			move(v.reg(c), key)
			move(v.reg(c+1), val)
			move(v.reg(c+2), iter)

		case OpClose:
			v.closeOuters(v.stackBase + a)

		case OpLine:
			if v.ss.debugInfo {
				v.callDebugHook(DebugLine, int(ins.B))
			}

		case OpTypeOf:
			res, err := v.typeOf(*v.reg(int(ins.C)))
			if err != nil {
				pending = err
				continue
			}
			move(v.reg(a), res)

		case OpInstanceOf:
			cls := v.reg(int(ins.D)).class()
			if cls == nil {
				pending = newError(ErrInvalidType, "cannot apply instanceof between a '%s' and a '%s'",
					v.reg(int(ins.C)).Type(), v.reg(int(ins.D)).Type())
				continue
			}
			inst := v.reg(int(ins.C)).instance()
			assign(v.reg(a), Bool(inst != nil && inst.InstanceOf(cls)))

		case OpGetBase:
			base := Null
			if cl.base != nil {
				base = objectValue(cl.base)
			}
			assign(v.reg(a), base)

		default:
			pending = newError(ErrInvalidOperation, "unknown opcode %s", ins.Op)
		}
	}
}

// callOp implements CALL and TAILCALL. done is set when the thread
// suspended and execution must leave the loop with res.
func (v *VM) callOp(ci *callInfo, ins Instruction, fn Value) (done bool, res Value, err error) {
	c, nargs := int(ins.C), int(ins.D)
	target := int(ins.A)
	if ins.A == NoTarget {
		target = -1
	}
	if ins.Op == OpTailCall && ci.generator == nil {
		if cl := fn.closure(); cl != nil && !cl.proto.Generator {
			v.closeOuters(v.stackBase)
			for i := 0; i < nargs; i++ {
				assign(&v.stack[v.stackBase+i], v.stack[v.stackBase+c+i])
			}
			lastTop := v.top
			_, err := v.startCall(cl, ci.target, nargs, v.stackBase, true)
			if v.top < lastTop {
				v.top = lastTop
			}
			return false, Null, err
		}
	}
	base := v.stackBase + c
	switch fn.Type() {
	case TypeClosure:
		gen, err := v.startCall(fn.closure(), target, nargs, base, false)
		if err != nil {
			return false, Null, err
		}
		if !gen.IsNull() {
			v.storeResult(target, gen)
		}

	case TypeNativeClosure:
		ret, suspend, tailcall, err := v.callNative(fn.native(), nargs, base, target, true)
		if err != nil {
			return false, Null, err
		}
		if suspend {
			v.suspended = true
			v.suspendedTarget = target
			v.suspendedRoot = ci.root
			return true, ret, nil
		}
		if !tailcall {
			v.storeResult(target, ret)
		}

	case TypeClass:
		inst, err := v.createInstance(fn.class())
		if err != nil {
			return false, Null, err
		}
		ctor := fn.class().constructor()
		if nargs > 0 {
			assign(&v.stack[base], inst)
		}
		v.storeResult(target, inst)
		switch ctor.Type() {
		case TypeClosure:
			if _, err := v.startCall(ctor.closure(), -1, nargs, base, false); err != nil {
				return false, Null, err
			}
		case TypeNativeClosure:
			ret, _, _, err := v.callNative(ctor.native(), nargs, base, -1, true)
			if err != nil {
				return false, Null, err
			}
			release(ret)
		}

	case TypeTable, TypeUserData, TypeInstance:
		mm := v.metamethodOf(fn, mtCall)
		if mm.IsNull() {
			return false, Null, newError(ErrNotCallable, "attempt to call '%s'", fn.Type())
		}
		args := make([]Value, 0, nargs+1)
		args = append(args, fn)
		args = append(args, v.stack[base:base+nargs]...)
		ret, err := v.callMetamethod(mm, args...)
		if err != nil {
			return false, Null, err
		}
		v.storeResult(target, ret)

	default:
		return false, Null, newError(ErrNotCallable, "attempt to call '%s'", fn.Type())
	}
	return false, Null, nil
}

// storeResult moves an owned value into register target of the current
// frame, or drops it when there is no target.
func (v *VM) storeResult(target int, val Value) {
	if target >= 0 {
		move(v.reg(target), val)
		return
	}
	release(val)
}

// frameRoot returns the root table visible to the running closure.
func (v *VM) frameRoot() Value {
	if ci := v.ci(); ci != nil {
		if cl := ci.closure.closure(); cl != nil {
			if root := cl.Root(); !root.IsNull() {
				return root
			}
		}
	}
	return v.rootTable
}

// makeClosure instantiates a nested prototype, capturing the free
// variables from the running frame.
func (v *VM) makeClosure(parent *Closure, p *FuncProto) (Value, error) {
	c := v.ss.newClosure(p, parent.Root())
	for i, ov := range p.Outers {
		var o *Outer
		switch ov.Type {
		case OuterLocal:
			o = v.findOuter(v.stackBase + ov.Index)
		case OuterOuter:
			if ov.Index >= len(parent.outers) {
				destroy(c)
				return Null, newError(ErrRuntime, "invalid outer index %d", ov.Index)
			}
			o = parent.outers[ov.Index]
		}
		o.refs++
		c.outers[i] = o
	}
	return owned(objectValue(c)), nil
}

// newClass creates a class deriving from base (Null for none) and runs
// the base's _inherited metamethod. The class is returned owned.
func (v *VM) newClass(base Value) (Value, error) {
	var bc *Class
	if !base.IsNull() {
		if bc = base.class(); bc == nil {
			return Null, newError(ErrInvalidBase, "trying to inherit from a %s", base.Type())
		}
	}
	c := owned(objectValue(v.ss.NewClass(bc)))
	if bc != nil {
		if mm := bc.metamethod(mtInherited); !mm.IsNull() {
			res, err := v.callMetamethod(mm, base, c)
			release(res)
			if err != nil {
				release(c)
				return Null, err
			}
		}
	}
	return c, nil
}

// owned takes a reference to a borrowed value and returns it.
func owned(val Value) Value {
	addRef(val)
	return val
}
