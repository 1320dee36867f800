package vm

// ---------------------------------------------------------------------------
// Stack addressing
// ---------------------------------------------------------------------------

// absIndex converts an API index into an absolute stack position.
// Positive indices count from 1 at the current stack base, negative ones
// from the top (-1 is the top).
func (v *VM) absIndex(idx int) (int, error) {
	var pos int
	if idx >= 0 {
		pos = v.stackBase + idx - 1
	} else {
		pos = v.top + idx
	}
	if idx == 0 || pos < v.stackBase || pos >= v.top {
		return 0, v.raise(newError(ErrIndexOutOfRange, "invalid stack index %d", idx))
	}
	return pos, nil
}

// At returns the value at idx, or Null for an invalid index. The value is
// borrowed from the stack.
func (v *VM) At(idx int) Value {
	pos, err := v.absIndex(idx)
	if err != nil {
		return Null
	}
	return v.stack[pos]
}

func (v *VM) needArgs(n int) error {
	if v.top-v.stackBase < n {
		return v.raise(newError(ErrWrongArgumentCount, "not enough params in the stack"))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Stack manipulation
// ---------------------------------------------------------------------------

// Top returns the number of values in the current frame.
func (v *VM) Top() int {
	return v.top - v.stackBase
}

// SetTop grows (with Null) or shrinks the current frame to n values.
func (v *VM) SetTop(n int) {
	target := v.stackBase + n
	if target < v.stackBase {
		target = v.stackBase
	}
	for v.top > target {
		v.pop(1)
	}
	for v.top < target {
		v.push(Null)
	}
}

// Pop drops n values.
func (v *VM) Pop(n int) {
	if avail := v.top - v.stackBase; n > avail {
		n = avail
	}
	v.pop(n)
}

// PopTop drops the top value.
func (v *VM) PopTop() {
	v.Pop(1)
}

// Push pushes a copy of the value at idx.
func (v *VM) Push(idx int) error {
	pos, err := v.absIndex(idx)
	if err != nil {
		return err
	}
	v.push(v.stack[pos])
	return nil
}

// PushValue pushes a value held by the host.
func (v *VM) PushValue(val Value) {
	v.push(val)
}

// Poke stores the top value at idx and pops it.
func (v *VM) Poke(idx int) error {
	pos, err := v.absIndex(idx)
	if err != nil {
		return err
	}
	if err := v.needArgs(1); err != nil {
		return err
	}
	assign(&v.stack[pos], v.up(-1))
	v.pop(1)
	return nil
}

// Remove deletes the value at idx, shifting the values above it down.
func (v *VM) Remove(idx int) error {
	pos, err := v.absIndex(idx)
	if err != nil {
		return err
	}
	removed := v.stack[pos]
	copy(v.stack[pos:v.top-1], v.stack[pos+1:v.top])
	v.top--
	v.stack[v.top] = Null
	release(removed)
	return nil
}

// Move pushes the value at idx of src onto v. src and v must share a
// state.
func (v *VM) Move(src *VM, idx int) error {
	if src.ss != v.ss {
		return v.raise(newError(ErrInvalidContext, "threads belong to different states"))
	}
	pos, err := src.absIndex(idx)
	if err != nil {
		return v.raise(err)
	}
	v.push(src.stack[pos])
	return nil
}

// ReserveStack guarantees room for n more values. Growing is refused
// while a metamethod runs.
func (v *VM) ReserveStack(n int) error {
	if v.top+n <= len(v.stack) {
		return nil
	}
	if v.nMetamethodCalls > 0 {
		return v.raise(newError(ErrInvalidContext, "cannot resize stack while in a metamethod"))
	}
	v.growStack(v.top + n)
	return nil
}

// Compare orders the values at idx1 and idx2, honoring _cmp.
func (v *VM) Compare(idx1, idx2 int) (int, error) {
	p1, err := v.absIndex(idx1)
	if err != nil {
		return 0, err
	}
	p2, err := v.absIndex(idx2)
	if err != nil {
		return 0, err
	}
	a, b := v.stack[p1], v.stack[p2]
	addRef(a)
	addRef(b)
	defer release(a)
	defer release(b)
	res, err := v.compare(a, b)
	return res, v.raise(err)
}

// ---------------------------------------------------------------------------
// Pushing values
// ---------------------------------------------------------------------------

// PushNull pushes Null.
func (v *VM) PushNull() {
	v.push(Null)
}

// PushString pushes an interned string.
func (v *VM) PushString(s string) {
	v.push(v.ss.NewString(s))
}

// StringFromChars pushes a string built from character codes.
func (v *VM) StringFromChars(chars []rune) {
	v.PushString(string(chars))
}

// PushInteger pushes an Integer.
func (v *VM) PushInteger(i int64) {
	v.push(Int(i))
}

// PushFloat pushes a Float.
func (v *VM) PushFloat(f float64) {
	v.push(Float(f))
}

// PushBool pushes a Bool.
func (v *VM) PushBool(b bool) {
	v.push(Bool(b))
}

// PushUserPointer pushes an opaque host pointer.
func (v *VM) PushUserPointer(p any) {
	v.push(UserPointer(p))
}

// PushThread pushes a thread of the same state.
func (v *VM) PushThread(t *VM) {
	v.push(objectValue(t))
}

// NewUserData pushes a zeroed user data block of size bytes and returns it.
func (v *VM) NewUserData(size int) *UserData {
	u := v.ss.NewUserData(size)
	v.push(objectValue(u))
	return u
}

// ---------------------------------------------------------------------------
// Reading values
// ---------------------------------------------------------------------------

func (v *VM) typed(idx int, mask Type) (Value, error) {
	pos, err := v.absIndex(idx)
	if err != nil {
		return Null, err
	}
	val := v.stack[pos]
	if val.Type()&mask == 0 {
		return Null, v.raise(newError(ErrInvalidType, "wrong argument type, expected '%s' got '%s'", maskString(mask), val.Type()))
	}
	return val, nil
}

// GetType returns the type of the value at idx.
func (v *VM) GetType(idx int) Type {
	return v.At(idx).Type()
}

// GetString returns the string at idx.
func (v *VM) GetString(idx int) (string, error) {
	val, err := v.typed(idx, TypeString)
	return val.Str(), err
}

// GetInteger returns the number or bool at idx as an integer.
func (v *VM) GetInteger(idx int) (int64, error) {
	val, err := v.typed(idx, typeNumeric|TypeBool)
	return val.Integer(), err
}

// GetFloat returns the number at idx as a float.
func (v *VM) GetFloat(idx int) (float64, error) {
	val, err := v.typed(idx, typeNumeric)
	return val.Float(), err
}

// GetBool returns the bool at idx.
func (v *VM) GetBool(idx int) (bool, error) {
	val, err := v.typed(idx, TypeBool)
	return val.Bool(), err
}

// GetUserPointer returns the host pointer at idx.
func (v *VM) GetUserPointer(idx int) (any, error) {
	val, err := v.typed(idx, TypeUserPointer)
	return val.Pointer(), err
}

// GetThread returns the thread at idx.
func (v *VM) GetThread(idx int) (*VM, error) {
	val, err := v.typed(idx, TypeThread)
	return val.thread(), err
}

// GetClosure returns the closure (script or native) at idx.
func (v *VM) GetClosure(idx int) (Value, error) {
	return v.typed(idx, TypeClosure|TypeNativeClosure)
}

// ToBool returns the truth value at idx.
func (v *VM) ToBool(idx int) bool {
	return v.At(idx).Truthy()
}

// ToString pushes the string form of the value at idx, honoring
// _tostring.
func (v *VM) ToString(idx int) error {
	pos, err := v.absIndex(idx)
	if err != nil {
		return err
	}
	val := v.stack[pos]
	addRef(val)
	defer release(val)
	s, err := v.toString(val)
	if err != nil {
		return v.raise(err)
	}
	v.PushString(s)
	return nil
}

// TypeOf pushes the type name of the value at idx, honoring _typeof.
func (v *VM) TypeOf(idx int) error {
	pos, err := v.absIndex(idx)
	if err != nil {
		return err
	}
	val := v.stack[pos]
	addRef(val)
	defer release(val)
	res, err := v.typeOf(val)
	if err != nil {
		return v.raise(err)
	}
	v.pushOwned(res)
	return nil
}

// GetSize returns the length of a string, table, array or user data, or
// the instance data size of a class.
func (v *VM) GetSize(idx int) (int, error) {
	pos, err := v.absIndex(idx)
	if err != nil {
		return 0, err
	}
	val := v.stack[pos]
	switch val.Type() {
	case TypeString:
		return len(val.Str()), nil
	case TypeTable:
		return val.table().Len(), nil
	case TypeArray:
		return val.array().Len(), nil
	case TypeUserData:
		return len(val.userData().data), nil
	case TypeClass:
		return val.class().udsize, nil
	}
	return 0, v.raise(newError(ErrInvalidType, "type '%s' has no size", val.Type()))
}

// GetHash returns the hash of the value at idx.
func (v *VM) GetHash(idx int) uint64 {
	return Hash(v.At(idx))
}
