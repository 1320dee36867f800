package vm

// ---------------------------------------------------------------------------
// Table: Value -> Value mapping with an optional delegate
// ---------------------------------------------------------------------------

// Table maps keys to values. Entries live in dense parallel slices so that
// iteration order is stable while no keys are added or removed; index maps
// a key to its slot.
type Table struct {
	RefCounted
	keys     []Value
	vals     []Value
	index    map[Value]int
	delegate *Table
}

func (t *Table) Type() Type { return TypeTable }

// NewTable allocates an empty table with room for hint entries.
func (ss *SharedState) NewTable(hint int) *Table {
	if hint < 0 {
		hint = 0
	}
	t := &Table{
		keys:  make([]Value, 0, hint),
		vals:  make([]Value, 0, hint),
		index: make(map[Value]int, hint),
	}
	ss.init(t)
	return t
}

// Len returns the number of entries.
func (t *Table) Len() int {
	return len(t.keys)
}

// Get performs a raw lookup. The returned value is borrowed.
func (t *Table) Get(key Value) (Value, bool) {
	if i, ok := t.index[key]; ok {
		return t.vals[i], true
	}
	return Null, false
}

// Set overwrites an existing entry. It reports false if key is absent.
func (t *Table) Set(key, val Value) bool {
	i, ok := t.index[key]
	if !ok {
		return false
	}
	assign(&t.vals[i], val)
	return true
}

// NewSlot inserts or overwrites key. Null keys are rejected.
func (t *Table) NewSlot(key, val Value) error {
	if key.IsNull() {
		return newError(ErrInvalidKey, "null cannot be used as index")
	}
	if t.Set(key, val) {
		return nil
	}
	addRef(key)
	addRef(val)
	t.index[key] = len(t.keys)
	t.keys = append(t.keys, key)
	t.vals = append(t.vals, val)
	return nil
}

// Remove deletes key and hands the previous value to the caller, who now
// owns its reference. Removing a missing key is not an error.
func (t *Table) Remove(key Value) (Value, bool) {
	i, ok := t.index[key]
	if !ok {
		return Null, false
	}
	oldKey, oldVal := t.keys[i], t.vals[i]
	last := len(t.keys) - 1
	if i != last {
		t.keys[i], t.vals[i] = t.keys[last], t.vals[last]
		t.index[t.keys[i]] = i
	}
	t.keys[last], t.vals[last] = Null, Null
	t.keys, t.vals = t.keys[:last], t.vals[:last]
	delete(t.index, key)
	release(oldKey)
	return oldVal, true
}

// Next returns the entry following prev; Null starts the walk. At the end
// ok is false.
func (t *Table) Next(prev Value) (key, val Value, ok bool, err error) {
	pos := 0
	if !prev.IsNull() {
		i, found := t.index[prev]
		if !found {
			return Null, Null, false, newError(ErrInvalidKey, "invalid iterator '%s'", prev)
		}
		pos = i + 1
	}
	if pos >= len(t.keys) {
		return Null, Null, false, nil
	}
	return t.keys[pos], t.vals[pos], true, nil
}

// Clear removes every entry. The delegate is kept.
func (t *Table) Clear() {
	keys, vals := t.keys, t.vals
	t.keys, t.vals = nil, nil
	t.index = make(map[Value]int)
	for i := range keys {
		release(keys[i])
		release(vals[i])
	}
}

// Clone returns a shallow copy sharing the same delegate.
func (t *Table) Clone() *Table {
	c := t.ss.NewTable(len(t.keys))
	for i := range t.keys {
		c.NewSlot(t.keys[i], t.vals[i])
	}
	if t.delegate != nil {
		c.SetDelegate(t.delegate)
	}
	return c
}

// Delegate returns the fallback table, or nil.
func (t *Table) Delegate() *Table {
	return t.delegate
}

// SetDelegate installs d as the fallback table; nil removes it. A link
// that would make t reachable from its own delegate chain is refused and
// leaves the current delegate in place.
func (t *Table) SetDelegate(d *Table) error {
	for p := d; p != nil; p = p.delegate {
		if p == t {
			return newError(ErrDelegateCycle, "delegate cycle")
		}
	}
	old := t.delegate
	if d != nil {
		d.refs++
	}
	t.delegate = d
	if old != nil {
		releaseObject(old)
	}
	return nil
}

func (t *Table) finalize() {
	t.Clear()
	if t.delegate != nil {
		d := t.delegate
		t.delegate = nil
		releaseObject(d)
	}
}

func (t *Table) traverse(fn func(Object)) {
	for i := range t.keys {
		if o := t.keys[i].Object(); o != nil {
			fn(o)
		}
		if o := t.vals[i].Object(); o != nil {
			fn(o)
		}
	}
	if t.delegate != nil {
		fn(t.delegate)
	}
}
