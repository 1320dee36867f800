package vm

import (
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Default delegates
// ---------------------------------------------------------------------------

// delegateBuilder fills one default delegate table with natives.
type delegateBuilder struct {
	ss *SharedState
	t  *Table
}

func (ss *SharedState) newDelegate(t Type) delegateBuilder {
	tbl := ss.NewTable(0)
	val := objectValue(tbl)
	addRef(val)
	ss.delegates[t] = val
	b := delegateBuilder{ss: ss, t: tbl}
	b.add("weakref", 1, ".", func(v *VM) (int, error) { return 1, v.WeakRef(1) })
	b.add("tostring", 1, ".", func(v *VM) (int, error) { return 1, v.ToString(1) })
	return b
}

// add registers fn under name with the given argument check.
func (b delegateBuilder) add(name string, nparams int, mask string, fn NativeFunc) {
	nc := b.ss.NewNativeClosure(fn, name)
	if err := nc.SetParamsCheck(nparams, mask); err != nil {
		b.ss.log.Errorf("default delegate %s: %s", name, err)
		destroy(nc)
		return
	}
	if err := b.t.NewSlot(b.ss.NewString(name), objectValue(nc)); err != nil {
		b.ss.log.Errorf("default delegate %s: %s", name, err)
	}
}

// registerDefaultDelegates builds the per-type tables consulted last when
// a key is not found on a value.
func (ss *SharedState) registerDefaultDelegates() {
	ss.registerTableDelegate()
	ss.registerArrayDelegate()
	ss.registerStringDelegate()
	ss.registerNumberDelegate()
	ss.registerGeneratorDelegate()
	ss.registerClosureDelegate()
	ss.registerThreadDelegate()
	ss.registerClassDelegate()
	ss.registerInstanceDelegate()
	ss.registerWeakRefDelegate()
	ss.log.Debugf("registered %d default delegates", len(ss.delegates))
}

// returnThis pushes `this` as the native's result.
func returnThis(v *VM) (int, error) {
	return 1, v.Push(1)
}

func pushSize(v *VM) (int, error) {
	n, err := v.GetSize(1)
	if err != nil {
		return 0, err
	}
	v.PushInteger(int64(n))
	return 1, nil
}

// rawIn reports whether key exists on self without delegates.
func rawIn(v *VM) (int, error) {
	val, ok, err := v.lookup(v.At(1), v.At(2), true)
	if err != nil {
		return 0, err
	}
	release(val)
	v.PushBool(ok)
	return 1, nil
}

func rawGet(v *VM) (int, error) {
	return 1, v.RawGet(1)
}

func rawSet(v *VM) (int, error) {
	if err := v.RawSet(1); err != nil {
		return 0, err
	}
	return returnThis(v)
}

// ---------------------------------------------------------------------------
// Table
// ---------------------------------------------------------------------------

func (ss *SharedState) registerTableDelegate() {
	b := ss.newDelegate(TypeTable)

	// len - number of slots
	b.add("len", 1, "t", pushSize)
	b.add("rawget", 2, "t", rawGet)
	b.add("rawset", 3, "t", rawSet)
	b.add("rawin", 2, "t", rawIn)
	b.add("rawdelete", 2, "t", func(v *VM) (int, error) { return 1, v.RawDeleteSlot(1, true) })
	b.add("clear", 1, "t", func(v *VM) (int, error) {
		if err := v.Clear(1); err != nil {
			return 0, err
		}
		return returnThis(v)
	})

	// keys / values - snapshot arrays of the slots
	b.add("keys", 1, "t", func(v *VM) (int, error) { return tableItems(v, false) })
	b.add("values", 1, "t", func(v *VM) (int, error) { return tableItems(v, true) })

	b.add("setdelegate", 2, "tt|o", func(v *VM) (int, error) {
		if err := v.SetDelegate(1); err != nil {
			return 0, err
		}
		return returnThis(v)
	})
	b.add("getdelegate", 1, "t", func(v *VM) (int, error) { return 1, v.GetDelegate(1) })
}

func tableItems(v *VM, values bool) (int, error) {
	t := v.At(1).table()
	arr := v.ss.NewArray(0)
	v.push(objectValue(arr))
	prev := Null
	for {
		k, x, ok, err := t.Next(prev)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 1, nil
		}
		if values {
			arr.Append(x)
		} else {
			arr.Append(k)
		}
		prev = k
	}
}

// ---------------------------------------------------------------------------
// Array
// ---------------------------------------------------------------------------

func (ss *SharedState) registerArrayDelegate() {
	b := ss.newDelegate(TypeArray)

	b.add("len", 1, "a", pushSize)
	b.add("append", 2, "a", func(v *VM) (int, error) {
		if err := v.ArrayAppend(1); err != nil {
			return 0, err
		}
		return returnThis(v)
	})
	b.add("pop", 1, "a", func(v *VM) (int, error) { return 1, v.ArrayPop(1, true) })
	b.add("top", 1, "a", func(v *VM) (int, error) {
		last, err := v.At(1).array().Top()
		if err != nil {
			return 0, err
		}
		v.push(last)
		return 1, nil
	})

	// insert(idx, val)
	b.add("insert", 3, "an", func(v *VM) (int, error) {
		pos, _ := v.GetInteger(2)
		if err := v.ArrayInsert(1, pos); err != nil {
			return 0, err
		}
		return returnThis(v)
	})

	// remove(idx) - returns the removed element
	b.add("remove", 2, "an", func(v *VM) (int, error) {
		pos, _ := v.GetInteger(2)
		old, ok := v.At(1).array().Get(pos)
		if !ok {
			return 0, newError(ErrIndexOutOfRange, "idx out of range")
		}
		v.push(old)
		if err := v.ArrayRemove(1, pos); err != nil {
			return 0, err
		}
		return 1, nil
	})

	// resize(n [, fill])
	b.add("resize", -2, "an.", func(v *VM) (int, error) {
		n, _ := v.GetInteger(2)
		fill := Null
		if v.Top() > 2 {
			fill = v.At(3)
		}
		if err := v.At(1).array().Resize(n, fill); err != nil {
			return 0, err
		}
		return returnThis(v)
	})
	b.add("reverse", 1, "a", func(v *VM) (int, error) {
		if err := v.ArrayReverse(1); err != nil {
			return 0, err
		}
		return returnThis(v)
	})
	b.add("clear", 1, "a", func(v *VM) (int, error) {
		if err := v.Clear(1); err != nil {
			return 0, err
		}
		return returnThis(v)
	})

	// find(val) - index of the first equal element, or null
	b.add("find", 2, "a.", func(v *VM) (int, error) {
		arr, needle := v.At(1).array(), v.At(2)
		for i := 0; i < arr.Len(); i++ {
			x, _ := arr.Get(int64(i))
			eq, err := v.equal(x, needle)
			if err != nil {
				return 0, err
			}
			if eq {
				v.PushInteger(int64(i))
				return 1, nil
			}
		}
		v.PushNull()
		return 1, nil
	})

	// slice(start [, end]) - negative bounds count from the end
	b.add("slice", -2, "ann", func(v *VM) (int, error) {
		arr := v.At(1).array()
		start, end, err := sliceBounds(v, int64(arr.Len()))
		if err != nil {
			return 0, err
		}
		res := v.ss.NewArray(0)
		for i := start; i < end; i++ {
			x, _ := arr.Get(i)
			res.Append(x)
		}
		v.push(objectValue(res))
		return 1, nil
	})
}

// sliceBounds reads the optional start (index 2) and end (index 3)
// arguments of a slice native.
func sliceBounds(v *VM, n int64) (int64, int64, error) {
	start, end := int64(0), n
	if v.Top() > 1 {
		start = v.At(2).Integer()
	}
	if v.Top() > 2 {
		end = v.At(3).Integer()
	}
	if start < 0 {
		start += n
	}
	if end < 0 {
		end += n
	}
	if start < 0 || end > n || start > end {
		return 0, 0, newError(ErrIndexOutOfRange, "slice out of range")
	}
	return start, end, nil
}

// ---------------------------------------------------------------------------
// String
// ---------------------------------------------------------------------------

func (ss *SharedState) registerStringDelegate() {
	b := ss.newDelegate(TypeString)

	b.add("len", 1, "s", pushSize)
	b.add("slice", -2, "snn", func(v *VM) (int, error) {
		s := v.At(1).Str()
		start, end, err := sliceBounds(v, int64(len(s)))
		if err != nil {
			return 0, err
		}
		v.PushString(s[start:end])
		return 1, nil
	})

	// find(sub [, start]) - byte offset or null
	b.add("find", -2, "ssn", func(v *VM) (int, error) {
		s, sub := v.At(1).Str(), v.At(2).Str()
		from := 0
		if v.Top() > 2 {
			from = int(v.At(3).Integer())
		}
		if from < 0 || from > len(s) {
			return 0, newError(ErrIndexOutOfRange, "invalid start index")
		}
		if i := strings.Index(s[from:], sub); i >= 0 {
			v.PushInteger(int64(from + i))
		} else {
			v.PushNull()
		}
		return 1, nil
	})

	// tointeger([base]) - null when the text is not a number
	b.add("tointeger", -1, "sn", func(v *VM) (int, error) {
		base := 10
		if v.Top() > 1 {
			base = int(v.At(2).Integer())
		}
		i, err := strconv.ParseInt(strings.TrimSpace(v.At(1).Str()), base, 64)
		if err != nil {
			v.PushNull()
		} else {
			v.PushInteger(i)
		}
		return 1, nil
	})
	b.add("tofloat", 1, "s", func(v *VM) (int, error) {
		f, err := strconv.ParseFloat(strings.TrimSpace(v.At(1).Str()), 64)
		if err != nil {
			v.PushNull()
		} else {
			v.PushFloat(f)
		}
		return 1, nil
	})
	b.add("toupper", 1, "s", func(v *VM) (int, error) {
		v.PushString(strings.ToUpper(v.At(1).Str()))
		return 1, nil
	})
	b.add("tolower", 1, "s", func(v *VM) (int, error) {
		v.PushString(strings.ToLower(v.At(1).Str()))
		return 1, nil
	})
}

// ---------------------------------------------------------------------------
// Number (integer, float and bool)
// ---------------------------------------------------------------------------

func (ss *SharedState) registerNumberDelegate() {
	b := ss.newDelegate(TypeInteger)

	b.add("tointeger", 1, "n|b", func(v *VM) (int, error) {
		v.PushInteger(v.At(1).Integer())
		return 1, nil
	})
	b.add("tofloat", 1, "n|b", func(v *VM) (int, error) {
		v.PushFloat(v.At(1).Float())
		return 1, nil
	})
	b.add("tochar", 1, "n|b", func(v *VM) (int, error) {
		v.PushString(string(rune(v.At(1).Integer())))
		return 1, nil
	})
}

// ---------------------------------------------------------------------------
// Generator
// ---------------------------------------------------------------------------

func (ss *SharedState) registerGeneratorDelegate() {
	b := ss.newDelegate(TypeGenerator)

	b.add("getstatus", 1, "g", func(v *VM) (int, error) {
		v.PushString(v.At(1).generator().State().String())
		return 1, nil
	})
}

// ---------------------------------------------------------------------------
// Closure
// ---------------------------------------------------------------------------

func (ss *SharedState) registerClosureDelegate() {
	b := ss.newDelegate(TypeClosure)

	// call(this, args...)
	b.add("call", -2, "c", func(v *VM) (int, error) {
		return 1, v.Call(v.Top()-1, true, true)
	})

	// pcall(this, args...) - like call, but without the error handler
	b.add("pcall", -2, "c", func(v *VM) (int, error) {
		return 1, v.Call(v.Top()-1, true, false)
	})

	// acall(argsArray) - the array holds this followed by the arguments
	b.add("acall", 2, "ca", func(v *VM) (int, error) {
		args := v.At(2).array()
		n := args.Len()
		if n == 0 {
			return 0, newError(ErrWrongArgumentCount, "the array must hold at least `this`")
		}
		if err := v.Push(1); err != nil {
			return 0, err
		}
		for i := 0; i < n; i++ {
			x, _ := args.Get(int64(i))
			v.push(x)
		}
		return 1, v.Call(n, true, false)
	})
	b.add("bindenv", 2, "c.", func(v *VM) (int, error) { return 1, v.BindEnv(1) })
	b.add("getroot", 1, "c", func(v *VM) (int, error) { return 1, v.GetClosureRoot(1) })
	b.add("setroot", 2, "ct", func(v *VM) (int, error) {
		if err := v.SetClosureRoot(1); err != nil {
			return 0, err
		}
		return returnThis(v)
	})

	// getinfos - table describing the function
	b.add("getinfos", 1, "c", func(v *VM) (int, error) {
		fn := v.At(1)
		info := v.ss.NewTable(4)
		v.push(objectValue(info))
		slot := func(k string, x Value) {
			_ = info.NewSlot(v.ss.NewString(k), x)
		}
		if cl := fn.closure(); cl != nil {
			p := cl.proto
			slot("native", False)
			slot("name", v.ss.NewString(p.Name))
			slot("src", v.ss.NewString(p.SourceName))
			slot("parameters", Int(int64(p.NumParams)))
			slot("varargs", Bool(p.VarParams))
			slot("freevars", Int(int64(len(cl.outers))))
			return 1, nil
		}
		nc := fn.native()
		slot("native", True)
		slot("name", v.ss.NewString(nc.name))
		slot("paramscheck", Int(int64(nc.nparamscheck)))
		slot("freevars", Int(int64(len(nc.outers))))
		return 1, nil
	})
}

// ---------------------------------------------------------------------------
// Thread
// ---------------------------------------------------------------------------

func (ss *SharedState) registerThreadDelegate() {
	b := ss.newDelegate(TypeThread)

	// call(args...) - runs the function on top of the thread's stack with
	// the thread's root table as `this`
	b.add("call", -1, "v", func(v *VM) (int, error) {
		t := v.At(1).thread()
		if t.State() != VMIdle {
			return 0, newError(ErrInvalidContext, "cannot call a %s thread", t.State())
		}
		if t.Top() < 1 {
			return 0, newError(ErrNotCallable, "the thread has no function to call")
		}
		nargs := v.Top()
		t.GetRootTable()
		for i := 2; i <= nargs; i++ {
			if err := t.Move(v, i); err != nil {
				return 0, err
			}
		}
		if err := t.Call(nargs, true, true); err != nil {
			return 0, v.adoptError(t, err)
		}
		if err := v.Move(t, -1); err != nil {
			return 0, err
		}
		t.Pop(1)
		return 1, nil
	})

	// wakeup([val]) - continues a suspended thread, val becomes the
	// result of the call that suspended it
	b.add("wakeup", -1, "v", func(v *VM) (int, error) {
		return wakeupThread(v, false)
	})

	// wakeupthrow(err) - continues a suspended thread by raising err at
	// the suspension point
	b.add("wakeupthrow", 2, "v.", func(v *VM) (int, error) {
		return wakeupThread(v, true)
	})
	b.add("getstatus", 1, "v", func(v *VM) (int, error) {
		v.PushString(v.At(1).thread().State().String())
		return 1, nil
	})
}

func wakeupThread(v *VM, throw bool) (int, error) {
	t := v.At(1).thread()
	switch t.State() {
	case VMIdle:
		return 0, newError(ErrNotSuspended, "cannot wakeup a idle thread")
	case VMRunning:
		return 0, newError(ErrInvalidContext, "cannot wakeup a running thread")
	}
	wakeupRet := v.Top() > 1
	if wakeupRet {
		if err := t.Move(v, 2); err != nil {
			return 0, err
		}
	}
	if throw {
		wakeupRet = false
		// records the popped value as t's last error
		_ = t.ThrowObject()
	}
	if err := t.WakeUp(wakeupRet, true, true, throw); err != nil {
		t.SetTop(1)
		return 0, v.adoptError(t, err)
	}
	if err := v.Move(t, -1); err != nil {
		return 0, err
	}
	t.Pop(1)
	if t.State() == VMIdle {
		t.SetTop(1)
	}
	return 1, nil
}

// adoptError makes the last error of t the last error of v.
func (v *VM) adoptError(t *VM, err error) error {
	v.raised = err
	assign(&v.lastError, t.lastError)
	return err
}

// ---------------------------------------------------------------------------
// Class and instance
// ---------------------------------------------------------------------------

func (ss *SharedState) registerClassDelegate() {
	b := ss.newDelegate(TypeClass)

	b.add("instance", 1, "y", func(v *VM) (int, error) { return 1, v.CreateInstance(1) })
	b.add("getbase", 1, "y", func(v *VM) (int, error) { return 1, v.GetBase(1) })
	b.add("rawget", 2, "y", rawGet)
	b.add("rawset", 3, "y", rawSet)
	b.add("rawin", 2, "y", rawIn)

	// getattributes(member) - null member means the class itself
	b.add("getattributes", 2, "y.", func(v *VM) (int, error) { return 1, v.GetAttributes(1) })
	b.add("setattributes", 3, "y..", func(v *VM) (int, error) { return 1, v.SetAttributes(1) })

	// newmember(key, val [, attrs [, static]])
	b.add("newmember", -3, "y..", func(v *VM) (int, error) { return addMember(v, false) })
	b.add("rawnewmember", -3, "y..", func(v *VM) (int, error) { return addMember(v, true) })
}

func addMember(v *VM, raw bool) (int, error) {
	static := false
	if v.Top() > 4 {
		static = v.At(5).Truthy()
	}
	v.SetTop(4)
	var err error
	if raw {
		err = v.RawNewMember(1, static)
	} else {
		err = v.NewMember(1, static)
	}
	return 0, err
}

func (ss *SharedState) registerInstanceDelegate() {
	b := ss.newDelegate(TypeInstance)

	b.add("getclass", 1, "x", func(v *VM) (int, error) { return 1, v.GetClass(1) })
	b.add("rawget", 2, "x", rawGet)
	b.add("rawset", 3, "x", rawSet)
	b.add("rawin", 2, "x", rawIn)
}

// ---------------------------------------------------------------------------
// WeakRef
// ---------------------------------------------------------------------------

func (ss *SharedState) registerWeakRefDelegate() {
	b := ss.newDelegate(TypeWeakRef)

	b.add("ref", 1, "r", func(v *VM) (int, error) { return 1, v.GetWeakRefVal(1) })
}
