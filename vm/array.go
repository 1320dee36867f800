package vm

// ---------------------------------------------------------------------------
// Array: ordered, resizable sequence
// ---------------------------------------------------------------------------

// Array is a 0-indexed sequence of owned values. Out-of-range indices are
// errors; nothing is clamped.
type Array struct {
	RefCounted
	values []Value
}

func (a *Array) Type() Type { return TypeArray }

// NewArray allocates an array of n Null elements.
func (ss *SharedState) NewArray(n int) *Array {
	if n < 0 {
		n = 0
	}
	a := &Array{values: make([]Value, n)}
	for i := range a.values {
		a.values[i] = Null
	}
	ss.init(a)
	return a
}

// Len returns the number of elements.
func (a *Array) Len() int {
	return len(a.values)
}

// Get returns the element at i (borrowed).
func (a *Array) Get(i int64) (Value, bool) {
	if i < 0 || i >= int64(len(a.values)) {
		return Null, false
	}
	return a.values[i], true
}

// Set overwrites the element at i.
func (a *Array) Set(i int64, v Value) bool {
	if i < 0 || i >= int64(len(a.values)) {
		return false
	}
	assign(&a.values[i], v)
	return true
}

// Append adds v at the end.
func (a *Array) Append(v Value) {
	addRef(v)
	a.values = append(a.values, v)
}

// Pop removes the last element and transfers its reference to the caller.
func (a *Array) Pop() (Value, error) {
	n := len(a.values)
	if n == 0 {
		return Null, newError(ErrIndexOutOfRange, "empty array")
	}
	v := a.values[n-1]
	a.values[n-1] = Null
	a.values = a.values[:n-1]
	return v, nil
}

// Top returns the last element (borrowed).
func (a *Array) Top() (Value, error) {
	if len(a.values) == 0 {
		return Null, newError(ErrIndexOutOfRange, "empty array")
	}
	return a.values[len(a.values)-1], nil
}

// Insert places v before position idx. idx equal to Len appends.
func (a *Array) Insert(idx int64, v Value) error {
	if idx < 0 || idx > int64(len(a.values)) {
		return newError(ErrIndexOutOfRange, "index out of range")
	}
	addRef(v)
	a.values = append(a.values, Null)
	copy(a.values[idx+1:], a.values[idx:])
	a.values[idx] = v
	return nil
}

// Remove deletes the element at idx. Removing at Len, the append point,
// succeeds without effect; anything past it is out of range.
func (a *Array) Remove(idx int64) error {
	n := int64(len(a.values))
	if idx < 0 || idx > n {
		return newError(ErrIndexOutOfRange, "index out of range")
	}
	if idx == n {
		return nil
	}
	old := a.values[idx]
	copy(a.values[idx:], a.values[idx+1:])
	a.values[n-1] = Null
	a.values = a.values[:n-1]
	release(old)
	return nil
}

// Resize grows the array with fill or truncates it.
func (a *Array) Resize(n int64, fill Value) error {
	if n < 0 {
		return newError(ErrIndexOutOfRange, "negative size")
	}
	cur := int64(len(a.values))
	if n < cur {
		dropped := append([]Value(nil), a.values[n:]...)
		for i := n; i < cur; i++ {
			a.values[i] = Null
		}
		a.values = a.values[:n]
		for _, v := range dropped {
			release(v)
		}
		return nil
	}
	for i := cur; i < n; i++ {
		a.Append(fill)
	}
	return nil
}

// Reverse reverses the elements in place.
func (a *Array) Reverse() {
	for i, j := 0, len(a.values)-1; i < j; i, j = i+1, j-1 {
		a.values[i], a.values[j] = a.values[j], a.values[i]
	}
}

// Clear empties the array.
func (a *Array) Clear() {
	vals := a.values
	a.values = nil
	for _, v := range vals {
		release(v)
	}
}

// Clone returns a shallow copy.
func (a *Array) Clone() *Array {
	c := a.ss.NewArray(0)
	c.values = make([]Value, 0, len(a.values))
	for _, v := range a.values {
		c.Append(v)
	}
	return c
}

// Next steps by ascending index; prev Null starts at 0.
func (a *Array) Next(prev Value) (key, val Value, ok bool, err error) {
	idx := int64(0)
	if !prev.IsNull() {
		if !prev.IsNumeric() {
			return Null, Null, false, newError(ErrInvalidKey, "invalid iterator '%s'", prev)
		}
		idx = prev.Integer() + 1
	}
	if idx < 0 || idx >= int64(len(a.values)) {
		return Null, Null, false, nil
	}
	return Int(idx), a.values[idx], true, nil
}

func (a *Array) finalize() {
	a.Clear()
}

func (a *Array) traverse(fn func(Object)) {
	for _, v := range a.values {
		if o := v.Object(); o != nil {
			fn(o)
		}
	}
}
