package vm

import (
	"fmt"
	"math"
	"strings"
)

// ---------------------------------------------------------------------------
// Metamethod plumbing
// ---------------------------------------------------------------------------

// metamethodOf returns the metamethod mt answering for self, or Null.
// Tables and user data look it up in their delegate, instances in their
// class.
func (v *VM) metamethodOf(self Value, mt metaMethod) Value {
	var d *Table
	switch self.Type() {
	case TypeTable:
		d = self.table().delegate
	case TypeUserData:
		d = self.userData().delegate
	case TypeInstance:
		return self.instance().metamethod(mt)
	}
	if d == nil {
		return Null
	}
	mm, _ := d.Get(v.ss.NewString(metaMethodNames[mt]))
	return mm
}

// callMetamethod pushes args, calls mm with them and returns the owned
// result. args[0] is the receiver.
func (v *VM) callMetamethod(mm Value, args ...Value) (Value, error) {
	base := v.top
	for _, a := range args {
		v.push(a)
	}
	v.nMetamethodCalls++
	defer func() { v.nMetamethodCalls-- }()
	res, err := v.call(mm, len(args), base, false)
	v.pop(len(args))
	return res, err
}

// defaultDelegate returns the delegate table shared by every value of the
// type of self, or nil.
func (v *VM) defaultDelegate(self Value) *Table {
	t := self.Type()
	switch t {
	case TypeFloat, TypeBool:
		t = TypeInteger
	case TypeNativeClosure:
		t = TypeClosure
	}
	return v.ss.delegates[t].table()
}

// ---------------------------------------------------------------------------
// Get
// ---------------------------------------------------------------------------

// get implements self[key]: raw lookup, delegate chain, _get, the default
// delegate and, for lookups on `this`, the root table. The result is
// owned.
func (v *VM) get(self, key Value, rootFallback bool) (Value, error) {
	val, ok, err := v.lookup(self, key, false)
	if err != nil {
		return Null, err
	}
	if ok {
		return val, nil
	}
	if rootFallback {
		if root := v.frameRoot(); !root.IsNull() && !RawEqual(root, self) {
			val, ok, err = v.lookup(root, key, false)
			if err != nil {
				return Null, err
			}
			if ok {
				return val, nil
			}
		}
	}
	return Null, errIndex(key)
}

// lookup resolves self[key]. A clean miss reports ok false and no error.
func (v *VM) lookup(self, key Value, raw bool) (Value, bool, error) {
	switch self.Type() {
	case TypeTable:
		if val, ok := self.table().Get(key); ok {
			return owned(val), true, nil
		}
	case TypeArray:
		if key.IsNumeric() {
			val, ok := self.array().Get(key.Integer())
			if !ok {
				return Null, false, newError(ErrIndexOutOfRange, "the index '%s' does not exist", key)
			}
			return owned(val), true, nil
		}
	case TypeInstance:
		if val, ok := self.instance().Get(key); ok {
			return owned(val), true, nil
		}
	case TypeClass:
		if val, ok := self.class().Get(key); ok {
			return owned(val), true, nil
		}
	case TypeString:
		if key.IsNumeric() {
			s := self.Str()
			n := key.Integer()
			if n < 0 {
				n += int64(len(s))
			}
			if n < 0 || n >= int64(len(s)) {
				return Null, false, newError(ErrIndexOutOfRange, "the index '%s' does not exist", key)
			}
			return Int(int64(s[n])), true, nil
		}
	}
	if raw {
		return Null, false, nil
	}
	val, ok, err := v.fallbackGet(self, key)
	if err != nil || ok {
		return val, ok, err
	}
	if d := v.defaultDelegate(self); d != nil {
		if val, ok := d.Get(key); ok {
			return owned(val), true, nil
		}
	}
	return Null, false, nil
}

// fallbackGet walks the delegate chain and then _get. A _get that fails
// with a Null last error reports a clean miss.
func (v *VM) fallbackGet(self, key Value) (Value, bool, error) {
	switch self.Type() {
	case TypeTable, TypeUserData:
		d := delegateOf(self)
		if d == nil {
			return Null, false, nil
		}
		val, ok, err := v.lookupDelegate(d, key)
		if err != nil || ok {
			return val, ok, err
		}
		fallthrough
	case TypeInstance:
		mm := v.metamethodOf(self, mtGet)
		if mm.IsNull() {
			return Null, false, nil
		}
		res, err := v.callMetamethod(mm, self, key)
		if err == nil {
			return res, true, nil
		}
		if v.lastError.IsNull() {
			return Null, false, nil
		}
		return Null, false, err
	}
	return Null, false, nil
}

// lookupDelegate searches a delegate table and its own fallbacks, without
// consulting the default table delegate.
func (v *VM) lookupDelegate(d *Table, key Value) (Value, bool, error) {
	if val, ok := d.Get(key); ok {
		return owned(val), true, nil
	}
	return v.fallbackGet(objectValue(d), key)
}

func delegateOf(self Value) *Table {
	switch self.Type() {
	case TypeTable:
		return self.table().delegate
	case TypeUserData:
		return self.userData().delegate
	}
	return nil
}

// ---------------------------------------------------------------------------
// Set and NewSlot
// ---------------------------------------------------------------------------

// set implements self[key] = val. Existing keys are updated along the
// delegate chain, then _set is tried; a table that still misses gets a new
// slot, arrays and instances require the key to exist.
func (v *VM) set(self, key, val Value, rootFallback bool) error {
	switch self.Type() {
	case TypeArray:
		if !key.IsNumeric() {
			return newError(ErrInvalidType, "indexing %s with %s", self.Type(), key.Type())
		}
		if !self.array().Set(key.Integer(), val) {
			return newError(ErrIndexOutOfRange, "the index '%s' does not exist", key)
		}
		return nil
	case TypeClass:
		return v.newSlot(self, key, val, Null, false)
	case TypeTable, TypeInstance, TypeUserData:
		ok, err := v.trySet(self, key, val)
		if err != nil || ok {
			return err
		}
	default:
		return newError(ErrInvalidType, "trying to set '%s'", self.Type())
	}
	if rootFallback {
		if root := v.frameRoot().table(); root != nil && root.Set(key, val) {
			return nil
		}
	}
	if t := self.table(); t != nil {
		return t.NewSlot(key, val)
	}
	return errIndex(key)
}

// trySet updates an existing key on self, its delegates or through _set.
func (v *VM) trySet(self, key, val Value) (bool, error) {
	switch self.Type() {
	case TypeTable:
		t := self.table()
		if t.Set(key, val) {
			return true, nil
		}
		if d := t.delegate; d != nil {
			ok, err := v.trySet(objectValue(d), key, val)
			if err != nil || ok {
				return ok, err
			}
		}
	case TypeInstance:
		if self.instance().Set(key, val) {
			return true, nil
		}
	case TypeUserData:
	default:
		return false, nil
	}
	mm := v.metamethodOf(self, mtSet)
	if mm.IsNull() {
		return false, nil
	}
	res, err := v.callMetamethod(mm, self, key, val)
	release(res)
	if err == nil {
		return true, nil
	}
	if v.lastError.IsNull() {
		return false, nil
	}
	return false, err
}

// newSlot inserts key unconditionally. Tables with a _newslot metamethod
// and a missing key defer to it; classes go through _newmember when
// present, so attrs reach it too.
func (v *VM) newSlot(self, key, val, attrs Value, static bool) error {
	if key.IsNull() {
		return newError(ErrInvalidKey, "null cannot be used as index")
	}
	switch self.Type() {
	case TypeTable:
		t := self.table()
		if t.delegate != nil {
			if _, ok := t.Get(key); !ok {
				if mm := v.metamethodOf(self, mtNewSlot); !mm.IsNull() {
					res, err := v.callMetamethod(mm, self, key, val)
					release(res)
					return err
				}
			}
		}
		return t.NewSlot(key, val)
	case TypeInstance:
		if mm := v.metamethodOf(self, mtNewSlot); !mm.IsNull() {
			res, err := v.callMetamethod(mm, self, key, val)
			release(res)
			return err
		}
		return newError(ErrInvalidOperation, "class instances do not support the new slot operator")
	case TypeClass:
		c := self.class()
		if mm := c.metamethod(mtNewMember); !mm.IsNull() {
			res, err := v.callMetamethod(mm, self, key, val, attrs, Bool(static))
			release(res)
			return err
		}
		if err := c.NewSlot(key, val, static); err != nil {
			return err
		}
		if !attrs.IsNull() {
			return c.SetAttributes(key, attrs)
		}
		return nil
	}
	return newError(ErrInvalidType, "indexing %s with %s", self.Type(), key.Type())
}

// deleteSlot removes key from a table and returns the old value, owned.
// With raw unset, _delslot on tables and instances takes precedence.
func (v *VM) deleteSlot(self, key Value, raw bool) (Value, error) {
	switch self.Type() {
	case TypeTable, TypeInstance, TypeUserData:
		if !raw {
			if mm := v.metamethodOf(self, mtDelSlot); !mm.IsNull() {
				return v.callMetamethod(mm, self, key)
			}
		}
		t := self.table()
		if t == nil {
			return Null, newError(ErrInvalidType, "cannot delete a slot from %s", self.Type())
		}
		old, ok := t.Remove(key)
		if !ok && !raw {
			return Null, errIndex(key)
		}
		return old, nil
	}
	return Null, newError(ErrInvalidType, "attempt to delete a slot from a %s", self.Type())
}

// ---------------------------------------------------------------------------
// Iteration
// ---------------------------------------------------------------------------

// next performs one foreach step over self. iter is Null on the first
// step and the returned iter is fed back on the following one. All
// returned values are owned.
func (v *VM) next(self, iter Value) (key, val, nextIter Value, ok bool, err error) {
	switch self.Type() {
	case TypeTable, TypeArray, TypeClass:
		var k, x Value
		switch self.Type() {
		case TypeTable:
			k, x, ok, err = self.table().Next(iter)
		case TypeArray:
			k, x, ok, err = self.array().Next(iter)
		default:
			k, x, ok, err = self.class().Next(iter)
		}
		if !ok || err != nil {
			return Null, Null, Null, false, err
		}
		return owned(k), owned(x), owned(k), true, nil

	case TypeString:
		s := self.Str()
		idx := int64(0)
		if !iter.IsNull() {
			idx = iter.Integer() + 1
		}
		if idx >= int64(len(s)) {
			return Null, Null, Null, false, nil
		}
		return Int(idx), Int(int64(s[idx])), Int(idx), true, nil

	case TypeInstance, TypeUserData:
		mm := v.metamethodOf(self, mtNextI)
		if mm.IsNull() {
			return Null, Null, Null, false, newError(ErrInvalidType, "cannot iterate %s", self.Type())
		}
		k, err := v.callMetamethod(mm, self, iter)
		if err != nil {
			return Null, Null, Null, false, err
		}
		if k.IsNull() {
			return Null, Null, Null, false, nil
		}
		x, err := v.get(self, k, false)
		if err != nil {
			release(k)
			return Null, Null, Null, false, err
		}
		return owned(k), x, k, true, nil

	case TypeGenerator:
		return Null, Null, Null, false, newError(ErrInvalidOperation, "cannot iterate a generator")
	}
	return Null, Null, Null, false, newError(ErrInvalidType, "cannot iterate %s", self.Type())
}

// ---------------------------------------------------------------------------
// Comparison
// ---------------------------------------------------------------------------

// compare orders a and b: numbers numerically, strings by content, objects
// with _cmp through the metamethod, other objects by identity. Null sorts
// before everything.
func (v *VM) compare(a, b Value) (int, error) {
	ta, tb := a.Type(), b.Type()
	if ta == tb {
		if RawEqual(a, b) {
			return 0, nil
		}
		switch ta {
		case TypeString:
			return strings.Compare(a.Str(), b.Str()), nil
		case TypeInteger:
			return cmpOrdered(a.Integer(), b.Integer()), nil
		case TypeFloat:
			return cmpOrdered(a.Float(), b.Float()), nil
		case TypeBool:
			return cmpOrdered(a.Integer(), b.Integer()), nil
		case TypeTable, TypeUserData, TypeInstance:
			if mm := v.metamethodOf(a, mtCmp); !mm.IsNull() {
				res, err := v.callMetamethod(mm, a, b)
				if err != nil {
					return 0, err
				}
				defer release(res)
				if res.Type() != TypeInteger {
					return 0, newError(ErrInvalidType, "_cmp must return an integer")
				}
				return cmpOrdered(res.Integer(), 0), nil
			}
		}
		if oa, ob := a.Object(), b.Object(); oa != nil && ob != nil {
			return cmpOrdered(oa.header().serial, ob.header().serial), nil
		}
		return strings.Compare(fmt.Sprintf("%p", a.ref), fmt.Sprintf("%p", b.ref)), nil
	}
	if a.IsNumeric() && b.IsNumeric() {
		return cmpOrdered(a.Float(), b.Float()), nil
	}
	if ta == TypeNull {
		return -1, nil
	}
	if tb == TypeNull {
		return 1, nil
	}
	return 0, newError(ErrInvalidType, "comparison between '%s' and '%s'", ta, tb)
}

func cmpOrdered[T int64 | uint64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// equal is raw equality, except that instances with _cmp compare through
// it.
func (v *VM) equal(a, b Value) (bool, error) {
	if RawEqual(a, b) {
		return true, nil
	}
	if a.Type() == TypeInstance && b.Type() == TypeInstance {
		if mm := v.metamethodOf(a, mtCmp); !mm.IsNull() {
			c, err := v.compare(a, b)
			return c == 0, err
		}
	}
	return false, nil
}

// ---------------------------------------------------------------------------
// Arithmetic
// ---------------------------------------------------------------------------

var arithMeta = map[Opcode]metaMethod{
	OpAdd: mtAdd,
	OpSub: mtSub,
	OpMul: mtMul,
	OpDiv: mtDiv,
	OpMod: mtModulo,
}

var arithSymbols = map[Opcode]string{
	OpAdd: "+",
	OpSub: "-",
	OpMul: "*",
	OpDiv: "/",
	OpMod: "%",
}

// arith applies a binary arithmetic opcode. Adding to a string
// concatenates; objects defer to the matching metamethod. The result is
// owned.
func (v *VM) arith(op Opcode, a, b Value) (Value, error) {
	ta, tb := a.Type(), b.Type()
	if ta == TypeInteger && tb == TypeInteger {
		x, y := a.Integer(), b.Integer()
		switch op {
		case OpAdd:
			return Int(x + y), nil
		case OpSub:
			return Int(x - y), nil
		case OpMul:
			return Int(x * y), nil
		case OpDiv:
			if y == 0 {
				return Null, newError(ErrRuntime, "division by zero")
			}
			return Int(x / y), nil
		case OpMod:
			if y == 0 {
				return Null, newError(ErrRuntime, "modulo by zero")
			}
			return Int(x % y), nil
		}
	}
	if a.IsNumeric() && b.IsNumeric() {
		x, y := a.Float(), b.Float()
		switch op {
		case OpAdd:
			return Float(x + y), nil
		case OpSub:
			return Float(x - y), nil
		case OpMul:
			return Float(x * y), nil
		case OpDiv:
			return Float(x / y), nil
		case OpMod:
			return Float(math.Mod(x, y)), nil
		}
	}
	if op == OpAdd && (ta == TypeString || tb == TypeString) {
		sa, err := v.toString(a)
		if err != nil {
			return Null, err
		}
		sb, err := v.toString(b)
		if err != nil {
			return Null, err
		}
		return owned(v.ss.NewString(sa + sb)), nil
	}
	if ta&typeDelegable != 0 {
		if mm := v.metamethodOf(a, arithMeta[op]); !mm.IsNull() {
			return v.callMetamethod(mm, a, b)
		}
	}
	return Null, newError(ErrInvalidOperation, "arith op %s on between '%s' and '%s'", arithSymbols[op], ta, tb)
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

// toString converts val for display, honoring _tostring.
func (v *VM) toString(val Value) (string, error) {
	if val.Type()&typeDelegable != 0 {
		if mm := v.metamethodOf(val, mtToString); !mm.IsNull() {
			res, err := v.callMetamethod(mm, val)
			if err != nil {
				return "", err
			}
			defer release(res)
			if res.Type() != TypeString {
				return "", newError(ErrInvalidType, "_tostring must return a string")
			}
			return res.Str(), nil
		}
	}
	return val.String(), nil
}

// typeOf returns the type name of val as an owned string, honoring
// _typeof.
func (v *VM) typeOf(val Value) (Value, error) {
	if val.Type()&typeDelegable != 0 {
		if mm := v.metamethodOf(val, mtTypeOf); !mm.IsNull() {
			return v.callMetamethod(mm, val)
		}
	}
	return owned(v.ss.NewString(val.Type().String())), nil
}

// clone copies tables, instances and arrays, running _cloned on the copy.
// Values without identity are returned as is. The result is owned.
func (v *VM) clone(val Value) (Value, error) {
	var c Value
	switch val.Type() {
	case TypeTable:
		c = owned(objectValue(val.table().Clone()))
	case TypeInstance:
		c = owned(objectValue(val.instance().Clone()))
	case TypeArray:
		return owned(objectValue(val.array().Clone())), nil
	default:
		if val.IsRefCounted() {
			return Null, newError(ErrInvalidType, "cloning a %s", val.Type())
		}
		return val, nil
	}
	if mm := v.metamethodOf(c, mtCloned); !mm.IsNull() {
		res, err := v.callMetamethod(mm, c, val)
		release(res)
		if err != nil {
			release(c)
			return Null, err
		}
	}
	return c, nil
}
