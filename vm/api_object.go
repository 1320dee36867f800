package vm

// ---------------------------------------------------------------------------
// Containers
// ---------------------------------------------------------------------------

// NewTable pushes an empty table.
func (v *VM) NewTable() {
	v.NewTableEx(0)
}

// NewTableEx pushes an empty table sized for hint entries.
func (v *VM) NewTableEx(hint int) {
	v.push(objectValue(v.ss.NewTable(hint)))
}

// NewArray pushes an array of n Nulls.
func (v *VM) NewArray(n int) {
	v.push(objectValue(v.ss.NewArray(n)))
}

// NewClass pushes a new class. With hasBase the base class is popped
// first.
func (v *VM) NewClass(hasBase bool) error {
	base := Null
	if hasBase {
		if err := v.needArgs(1); err != nil {
			return err
		}
		base = v.up(-1)
		if base.class() == nil {
			return v.raise(newError(ErrInvalidBase, "invalid base type"))
		}
	}
	c, err := v.newClass(base)
	if err != nil {
		return v.raise(err)
	}
	if hasBase {
		v.pop(1)
	}
	v.pushOwned(c)
	return nil
}

// CreateInstance pushes an instance of the class at idx without running
// its constructor.
func (v *VM) CreateInstance(idx int) error {
	val, err := v.typed(idx, TypeClass)
	if err != nil {
		return err
	}
	inst, _ := v.createInstance(val.class())
	v.pushOwned(inst)
	return nil
}

// SetAttributes pops a key and an attribute value and attaches the value
// to the member key of the class at idx (the class itself for a Null
// key). The previous attributes are pushed.
func (v *VM) SetAttributes(idx int) error {
	val, err := v.typed(idx, TypeClass)
	if err != nil {
		return err
	}
	if err := v.needArgs(2); err != nil {
		return err
	}
	key, attrs := v.up(-2), v.up(-1)
	c := val.class()
	old, err := c.Attributes(key)
	if err != nil {
		v.pop(2)
		return v.raise(err)
	}
	addRef(old)
	if err := c.SetAttributes(key, attrs); err != nil {
		release(old)
		v.pop(2)
		return v.raise(err)
	}
	v.pop(2)
	v.pushOwned(old)
	return nil
}

// GetAttributes pops a key and pushes the attributes of that member of
// the class at idx (the class itself for a Null key).
func (v *VM) GetAttributes(idx int) error {
	val, err := v.typed(idx, TypeClass)
	if err != nil {
		return err
	}
	if err := v.needArgs(1); err != nil {
		return err
	}
	attrs, err := val.class().Attributes(v.up(-1))
	v.pop(1)
	if err != nil {
		return v.raise(err)
	}
	v.push(attrs)
	return nil
}

// GetBase pushes the base class of the class at idx, or Null.
func (v *VM) GetBase(idx int) error {
	val, err := v.typed(idx, TypeClass)
	if err != nil {
		return err
	}
	if b := val.class().base; b != nil {
		v.push(objectValue(b))
	} else {
		v.PushNull()
	}
	return nil
}

// GetClass pushes the class of the instance at idx.
func (v *VM) GetClass(idx int) error {
	val, err := v.typed(idx, TypeInstance)
	if err != nil {
		return err
	}
	v.push(objectValue(val.instance().class))
	return nil
}

// InstanceOf reports whether the instance at -2 derives from the class at
// -1.
func (v *VM) InstanceOf() bool {
	if v.Top() < 2 {
		return false
	}
	inst, cls := v.up(-2).instance(), v.up(-1).class()
	return inst != nil && cls != nil && inst.InstanceOf(cls)
}

// ArrayAppend pops a value and appends it to the array at idx.
func (v *VM) ArrayAppend(idx int) error {
	val, err := v.typed(idx, TypeArray)
	if err != nil {
		return err
	}
	if err := v.needArgs(1); err != nil {
		return err
	}
	val.array().Append(v.up(-1))
	v.pop(1)
	return nil
}

// ArrayPop removes the last element of the array at idx, pushing it when
// pushVal is set.
func (v *VM) ArrayPop(idx int, pushVal bool) error {
	val, err := v.typed(idx, TypeArray)
	if err != nil {
		return err
	}
	last, err := val.array().Pop()
	if err != nil {
		return v.raise(err)
	}
	if pushVal {
		v.pushOwned(last)
	} else {
		release(last)
	}
	return nil
}

// ArrayResize resizes the array at idx, filling with Null.
func (v *VM) ArrayResize(idx int, n int64) error {
	val, err := v.typed(idx, TypeArray)
	if err != nil {
		return err
	}
	return v.raise(val.array().Resize(n, Null))
}

// ArrayReverse reverses the array at idx in place.
func (v *VM) ArrayReverse(idx int) error {
	val, err := v.typed(idx, TypeArray)
	if err != nil {
		return err
	}
	val.array().Reverse()
	return nil
}

// ArrayRemove deletes element item of the array at idx.
func (v *VM) ArrayRemove(idx int, item int64) error {
	val, err := v.typed(idx, TypeArray)
	if err != nil {
		return err
	}
	return v.raise(val.array().Remove(item))
}

// ArrayInsert pops a value and inserts it at pos in the array at idx.
func (v *VM) ArrayInsert(idx int, pos int64) error {
	val, err := v.typed(idx, TypeArray)
	if err != nil {
		return err
	}
	if err := v.needArgs(1); err != nil {
		return err
	}
	err = val.array().Insert(pos, v.up(-1))
	v.pop(1)
	return v.raise(err)
}

// Clear empties the table or array at idx.
func (v *VM) Clear(idx int) error {
	val, err := v.typed(idx, TypeTable|TypeArray)
	if err != nil {
		return err
	}
	if t := val.table(); t != nil {
		t.Clear()
	} else {
		val.array().Clear()
	}
	return nil
}

// Clone pushes a copy of the value at idx.
func (v *VM) Clone(idx int) error {
	pos, err := v.absIndex(idx)
	if err != nil {
		return err
	}
	c, err := v.clone(v.stack[pos])
	if err != nil {
		return v.raise(err)
	}
	v.pushOwned(c)
	return nil
}

// ---------------------------------------------------------------------------
// Slots
// ---------------------------------------------------------------------------

// popKeyVal returns the key at -2 and value at -1 with references held by
// the caller, and pops both.
func (v *VM) popKeyVal() (key, val Value, err error) {
	if err := v.needArgs(2); err != nil {
		return Null, Null, err
	}
	key, val = owned(v.up(-2)), owned(v.up(-1))
	v.pop(2)
	return key, val, nil
}

// NewSlot pops a key and a value and creates the slot in the table or
// class at idx.
func (v *VM) NewSlot(idx int, static bool) error {
	self, err := v.typed(idx, TypeTable|TypeClass)
	if err != nil {
		return err
	}
	addRef(self)
	defer release(self)
	key, val, err := v.popKeyVal()
	if err != nil {
		return err
	}
	defer release(key)
	defer release(val)
	return v.raise(v.newSlot(self, key, val, Null, static))
}

// NewMember pops a key, a value and an attribute value and adds the
// member to the class at idx through _newmember when defined.
func (v *VM) NewMember(idx int, static bool) error {
	return v.newMember(idx, static, false)
}

// RawNewMember is NewMember bypassing _newmember.
func (v *VM) RawNewMember(idx int, static bool) error {
	return v.newMember(idx, static, true)
}

func (v *VM) newMember(idx int, static, raw bool) error {
	self, err := v.typed(idx, TypeClass)
	if err != nil {
		return err
	}
	if err := v.needArgs(3); err != nil {
		return err
	}
	key, val, attrs := owned(v.up(-3)), owned(v.up(-2)), owned(v.up(-1))
	v.pop(3)
	defer release(key)
	defer release(val)
	defer release(attrs)
	if !raw {
		return v.raise(v.newSlot(self, key, val, attrs, static))
	}
	c := self.class()
	if err := c.NewSlot(key, val, static); err != nil {
		return v.raise(err)
	}
	if !attrs.IsNull() {
		return v.raise(c.SetAttributes(key, attrs))
	}
	return nil
}

// Set pops a key and a value and assigns through the full fallback chain.
func (v *VM) Set(idx int) error {
	pos, err := v.absIndex(idx)
	if err != nil {
		return err
	}
	self := owned(v.stack[pos])
	defer release(self)
	key, val, err := v.popKeyVal()
	if err != nil {
		return err
	}
	defer release(key)
	defer release(val)
	return v.raise(v.set(self, key, val, false))
}

// Get replaces the key on top with self[key], using the full fallback
// chain. On failure the key is popped.
func (v *VM) Get(idx int) error {
	pos, err := v.absIndex(idx)
	if err != nil {
		return err
	}
	if err := v.needArgs(1); err != nil {
		return err
	}
	self := owned(v.stack[pos])
	defer release(self)
	res, err := v.get(self, v.up(-1), false)
	if err != nil {
		v.pop(1)
		return v.raise(err)
	}
	move(&v.stack[v.top-1], res)
	return nil
}

// RawGet replaces the key on top with self[key] without delegates or
// metamethods.
func (v *VM) RawGet(idx int) error {
	pos, err := v.absIndex(idx)
	if err != nil {
		return err
	}
	if err := v.needArgs(1); err != nil {
		return err
	}
	self, key := v.stack[pos], v.up(-1)
	switch self.Type() {
	case TypeTable, TypeArray, TypeClass, TypeInstance:
	default:
		v.pop(1)
		return v.raise(newError(ErrInvalidType, "rawget works only on array/table/instance and class"))
	}
	res, ok, err := v.lookup(self, key, true)
	if err == nil && !ok {
		err = errIndex(key)
	}
	if err != nil {
		v.pop(1)
		return v.raise(err)
	}
	move(&v.stack[v.top-1], res)
	return nil
}

// RawSet pops a key and a value and stores them without delegates or
// metamethods. Tables gain the key; classes treat it as a new slot.
func (v *VM) RawSet(idx int) error {
	pos, err := v.absIndex(idx)
	if err != nil {
		return err
	}
	self := owned(v.stack[pos])
	defer release(self)
	key, val, err := v.popKeyVal()
	if err != nil {
		return err
	}
	defer release(key)
	defer release(val)
	if key.IsNull() {
		return v.raise(newError(ErrInvalidKey, "null key"))
	}
	switch self.Type() {
	case TypeTable:
		return v.raise(self.table().NewSlot(key, val))
	case TypeClass:
		return v.raise(self.class().NewSlot(key, val, false))
	case TypeInstance:
		if self.instance().Set(key, val) {
			return nil
		}
	case TypeArray:
		return v.raise(v.set(self, key, val, false))
	default:
		return v.raise(newError(ErrInvalidType, "rawset works only on array/table/class and instance"))
	}
	return v.raise(errIndex(key))
}

// DeleteSlot pops a key and removes it from the table at idx, honoring
// _delslot. The old value is pushed when pushVal is set.
func (v *VM) DeleteSlot(idx int, pushVal bool) error {
	return v.deleteSlotAPI(idx, pushVal, false)
}

// RawDeleteSlot is DeleteSlot without metamethods. A missing key is not
// an error.
func (v *VM) RawDeleteSlot(idx int, pushVal bool) error {
	return v.deleteSlotAPI(idx, pushVal, true)
}

func (v *VM) deleteSlotAPI(idx int, pushVal, raw bool) error {
	self, err := v.typed(idx, TypeTable)
	if err != nil {
		return err
	}
	if err := v.needArgs(1); err != nil {
		return err
	}
	if v.up(-1).IsNull() {
		v.pop(1)
		return v.raise(newError(ErrInvalidKey, "null is not a valid key"))
	}
	key := owned(v.up(-1))
	v.pop(1)
	defer release(key)
	addRef(self)
	defer release(self)
	old, err := v.deleteSlot(self, key, raw)
	if err != nil {
		return v.raise(err)
	}
	if pushVal {
		v.pushOwned(old)
	} else {
		release(old)
	}
	return nil
}

// SetDelegate pops a table (or Null) and installs it as the delegate of
// the table or user data at idx.
func (v *VM) SetDelegate(idx int) error {
	self, err := v.typed(idx, TypeTable|TypeUserData)
	if err != nil {
		return err
	}
	if err := v.needArgs(1); err != nil {
		return err
	}
	d := v.up(-1)
	if !d.IsNull() && d.table() == nil {
		return v.raise(newError(ErrInvalidType, "only tables can be delegates"))
	}
	if t := self.table(); t != nil {
		if err := t.SetDelegate(d.table()); err != nil {
			return v.raise(err)
		}
	} else {
		self.userData().SetDelegate(d.table())
	}
	v.pop(1)
	return nil
}

// GetDelegate pushes the delegate of the table or user data at idx.
func (v *VM) GetDelegate(idx int) error {
	self, err := v.typed(idx, TypeTable|TypeUserData)
	if err != nil {
		return err
	}
	if d := delegateOf(self); d != nil {
		v.push(objectValue(d))
	} else {
		v.PushNull()
	}
	return nil
}

// Next advances an iteration over the container at idx. The iterator is
// the value on top (Null to start); it is updated in place and the key and
// value are pushed. At the end ok is false and nothing is pushed.
func (v *VM) Next(idx int) (bool, error) {
	pos, err := v.absIndex(idx)
	if err != nil {
		return false, err
	}
	if err := v.needArgs(1); err != nil {
		return false, err
	}
	self := owned(v.stack[pos])
	defer release(self)
	key, val, iter, ok, err := v.next(self, v.up(-1))
	if err != nil {
		return false, v.raise(err)
	}
	if !ok {
		return false, nil
	}
	move(&v.stack[v.top-1], iter)
	v.pushOwned(key)
	v.pushOwned(val)
	return true, nil
}

// GetMemberHandle pops a key and resolves it on the class at idx.
func (v *VM) GetMemberHandle(idx int) (MemberHandle, error) {
	self, err := v.typed(idx, TypeClass)
	if err != nil {
		return MemberHandle{}, err
	}
	if err := v.needArgs(1); err != nil {
		return MemberHandle{}, err
	}
	h, err := self.class().MemberHandle(v.up(-1))
	v.pop(1)
	return h, v.raise(err)
}

// GetByHandle pushes the member h of the class or instance at idx.
func (v *VM) GetByHandle(idx int, h MemberHandle) error {
	self, err := v.typed(idx, TypeClass|TypeInstance)
	if err != nil {
		return err
	}
	slot, err := h.slot(self)
	if err != nil {
		return v.raise(err)
	}
	v.push(*slot)
	return nil
}

// SetByHandle pops a value into member h of the class or instance at idx.
func (v *VM) SetByHandle(idx int, h MemberHandle) error {
	self, err := v.typed(idx, TypeClass|TypeInstance)
	if err != nil {
		return err
	}
	if err := v.needArgs(1); err != nil {
		return err
	}
	slot, err := h.slot(self)
	if err != nil {
		return v.raise(err)
	}
	assign(slot, v.up(-1))
	v.pop(1)
	return nil
}

// WeakRef pushes a weak reference to the value at idx. Values without
// identity are pushed as they are.
func (v *VM) WeakRef(idx int) error {
	pos, err := v.absIndex(idx)
	if err != nil {
		return err
	}
	v.push(weakValue(v.stack[pos]))
	return nil
}

// GetWeakRefVal pushes the target of the weak reference at idx, or Null.
func (v *VM) GetWeakRefVal(idx int) error {
	val, err := v.typed(idx, TypeWeakRef)
	if err != nil {
		return err
	}
	v.push(val.weakRef().Get())
	return nil
}

// GetDefaultDelegate pushes the default delegate table of type t.
func (v *VM) GetDefaultDelegate(t Type) error {
	d := v.defaultDelegate(Value{typ: t})
	if d == nil {
		return v.raise(newError(ErrInvalidType, "type '%s' has no default delegate", t))
	}
	v.push(objectValue(d))
	return nil
}

// ---------------------------------------------------------------------------
// User data, type tags and release hooks
// ---------------------------------------------------------------------------

// SetTypeTag tags the user data or class at idx.
func (v *VM) SetTypeTag(idx int, tag any) error {
	self, err := v.typed(idx, TypeUserData|TypeClass)
	if err != nil {
		return err
	}
	if u := self.userData(); u != nil {
		u.typeTag = tag
	} else {
		self.class().typeTag = tag
	}
	return nil
}

// GetTypeTag returns the tag of the user data, class or instance at idx.
func (v *VM) GetTypeTag(idx int) (any, error) {
	self, err := v.typed(idx, TypeUserData|TypeClass|TypeInstance)
	if err != nil {
		return nil, err
	}
	switch self.Type() {
	case TypeUserData:
		return self.userData().typeTag, nil
	case TypeClass:
		return self.class().TypeTag(), nil
	}
	return self.instance().class.TypeTag(), nil
}

// GetUserData returns the memory block and type tag of the user data at
// idx.
func (v *VM) GetUserData(idx int) ([]byte, any, error) {
	self, err := v.typed(idx, TypeUserData)
	if err != nil {
		return nil, nil, err
	}
	u := self.userData()
	return u.data, u.typeTag, nil
}

// SetReleaseHook installs a hook run when the user data, instance or
// class at idx is destroyed.
func (v *VM) SetReleaseHook(idx int, hook ReleaseHook) error {
	self, err := v.typed(idx, TypeUserData|TypeInstance|TypeClass)
	if err != nil {
		return err
	}
	switch self.Type() {
	case TypeUserData:
		self.userData().hook = hook
	case TypeInstance:
		self.instance().hook = hook
	default:
		self.class().hook = hook
	}
	return nil
}

// GetReleaseHook returns the hook installed on the value at idx.
func (v *VM) GetReleaseHook(idx int) (ReleaseHook, error) {
	self, err := v.typed(idx, TypeUserData|TypeInstance|TypeClass)
	if err != nil {
		return nil, err
	}
	switch self.Type() {
	case TypeUserData:
		return self.userData().hook, nil
	case TypeInstance:
		return self.instance().hook, nil
	}
	return self.class().hook, nil
}

// SetInstanceUp attaches a host pointer to the instance at idx.
func (v *VM) SetInstanceUp(idx int, p any) error {
	self, err := v.typed(idx, TypeInstance)
	if err != nil {
		return err
	}
	self.instance().userPointer = p
	return nil
}

// GetInstanceUp returns the host pointer of the instance at idx. With a
// non-nil typeTag the instance's class chain must carry that tag.
func (v *VM) GetInstanceUp(idx int, typeTag any) (any, error) {
	self, err := v.typed(idx, TypeInstance)
	if err != nil {
		return nil, err
	}
	inst := self.instance()
	if typeTag != nil {
		found := false
		for c := inst.class; c != nil; c = c.base {
			if c.typeTag == typeTag {
				found = true
				break
			}
		}
		if !found {
			return nil, v.raise(newError(ErrWrongTypeTag, "invalid type tag"))
		}
	}
	return inst.userPointer, nil
}

// SetClassUDSize sets the per-instance user data size of the class at idx.
func (v *VM) SetClassUDSize(idx int, n int) error {
	self, err := v.typed(idx, TypeClass)
	if err != nil {
		return err
	}
	return v.raise(self.class().SetUDSize(n))
}

// ---------------------------------------------------------------------------
// Host handles and well-known tables
// ---------------------------------------------------------------------------

// GetObjectHandle returns the value at idx for the host to keep. The
// handle holds no reference until AddRef is called on it.
func (v *VM) GetObjectHandle(idx int) (Value, error) {
	pos, err := v.absIndex(idx)
	if err != nil {
		return Null, err
	}
	return v.stack[pos], nil
}

// PushObjectHandle pushes a host handle.
func (v *VM) PushObjectHandle(h Value) {
	v.push(h)
}

// AddRef takes a host reference on h.
func (v *VM) AddRef(h Value) {
	addRef(h)
}

// Release drops a host reference on h and reports whether the object was
// destroyed.
func (v *VM) Release(h Value) bool {
	o := h.Object()
	if o == nil {
		return false
	}
	releaseObject(o)
	return o.header().dead
}

// GetRefCount returns the strong count of h.
func (v *VM) GetRefCount(h Value) int {
	if o := h.Object(); o != nil {
		return o.header().refs
	}
	return 0
}

// GetRootTable pushes the root table.
func (v *VM) GetRootTable() {
	v.push(v.rootTable)
}

// SetRootTable pops a table (or Null) and makes it the root table.
func (v *VM) SetRootTable() error {
	if err := v.needArgs(1); err != nil {
		return err
	}
	t := v.up(-1)
	if !t.IsNull() && t.table() == nil {
		return v.raise(newError(ErrInvalidType, "invalid type"))
	}
	assign(&v.rootTable, t)
	v.pop(1)
	return nil
}

// GetConstTable pushes the constant table.
func (v *VM) GetConstTable() {
	v.push(v.ss.consts)
}

// SetConstTable pops a table and makes it the constant table.
func (v *VM) SetConstTable() error {
	if err := v.needArgs(1); err != nil {
		return err
	}
	t := v.up(-1)
	if t.table() == nil {
		return v.raise(newError(ErrInvalidType, "invalid type, expected table"))
	}
	assign(&v.ss.consts, t)
	v.pop(1)
	return nil
}

// GetRegistryTable pushes the registry table.
func (v *VM) GetRegistryTable() {
	v.push(v.ss.registry)
}
