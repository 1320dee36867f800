package vm

// ---------------------------------------------------------------------------
// Metamethods
// ---------------------------------------------------------------------------

type metaMethod int

const (
	mtAdd metaMethod = iota
	mtSub
	mtMul
	mtDiv
	mtUnm
	mtModulo
	mtSet
	mtGet
	mtTypeOf
	mtNextI
	mtCmp
	mtCall
	mtCloned
	mtNewSlot
	mtDelSlot
	mtToString
	mtNewMember
	mtInherited
	mtCount
)

var metaMethodNames = [mtCount]string{
	"_add", "_sub", "_mul", "_div", "_unm", "_modulo", "_set", "_get",
	"_typeof", "_nexti", "_cmp", "_call", "_cloned", "_newslot", "_delslot",
	"_tostring", "_newmember", "_inherited",
}

func metaMethodByName(name string) (metaMethod, bool) {
	for i, n := range metaMethodNames {
		if n == name {
			return metaMethod(i), true
		}
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Class
// ---------------------------------------------------------------------------

// Member indices are stored in the class member table as Integers that
// carry the member kind in their high bits.
const (
	memberMethod  = 0x01000000
	memberField   = 0x02000000
	memberIdxMask = 0x00FFFFFF
)

func makeFieldIdx(i int) Value {
	return Int(int64(i | memberField))
}

func makeMethodIdx(i int) Value {
	return Int(int64(i | memberMethod))
}

func isField(v Value) bool {
	return v.Integer()&memberField != 0
}

func memberIdx(v Value) int {
	return int(v.Integer() & memberIdxMask)
}

type classMember struct {
	val   Value
	attrs Value
}

// Class is a prototype for instances. Fields and methods share one name
// table (members); field defaults and methods are stored positionally so a
// resolved member is a slice index.
type Class struct {
	RefCounted
	base           *Class
	members        *Table
	defaultValues  []classMember
	methods        []classMember
	metamethods    [mtCount]Value
	attributes     Value
	typeTag        any
	hook           ReleaseHook
	udsize         int
	locked         bool
	constructorIdx int
}

func (c *Class) Type() Type { return TypeClass }

// NewClass creates a class. With a base, the new class starts from a copy
// of the base's layout, methods, metamethods and user data size.
func (ss *SharedState) NewClass(base *Class) *Class {
	c := &Class{constructorIdx: -1, attributes: Null}
	ss.init(c)
	if base == nil {
		c.members = ss.NewTable(0)
		c.members.refs++
		return c
	}
	base.refs++
	c.base = base
	c.constructorIdx = base.constructorIdx
	c.udsize = base.udsize
	c.members = base.members.Clone()
	c.members.refs++
	c.defaultValues = copyMembers(base.defaultValues)
	c.methods = copyMembers(base.methods)
	for i, m := range base.metamethods {
		addRef(m)
		c.metamethods[i] = m
	}
	return c
}

func copyMembers(src []classMember) []classMember {
	dst := make([]classMember, len(src))
	for i, m := range src {
		addRef(m.val)
		addRef(m.attrs)
		dst[i] = m
	}
	return dst
}

// Base returns the base class, or nil.
func (c *Class) Base() *Class {
	return c.base
}

// Locked reports whether an instance has been created.
func (c *Class) Locked() bool {
	return c.locked
}

// Lock freezes the instance layout of c and its bases.
func (c *Class) Lock() {
	for k := c; k != nil; k = k.base {
		k.locked = true
	}
}

// UDSize returns the per-instance user data size.
func (c *Class) UDSize() int {
	return c.udsize
}

// SetUDSize changes the per-instance user data size. Fails once locked.
func (c *Class) SetUDSize(n int) error {
	if c.locked {
		return newError(ErrClassLocked, "the class is locked")
	}
	c.udsize = n
	return nil
}

// TypeTag returns the nearest type tag along the base chain.
func (c *Class) TypeTag() any {
	for k := c; k != nil; k = k.base {
		if k.typeTag != nil {
			return k.typeTag
		}
	}
	return nil
}

// IsSubclassOf reports whether other is c or one of its bases.
func (c *Class) IsSubclassOf(other *Class) bool {
	for k := c; k != nil; k = k.base {
		if k == other {
			return true
		}
	}
	return false
}

// Get resolves a member by name: the field default or the method.
func (c *Class) Get(key Value) (Value, bool) {
	idx, ok := c.members.Get(key)
	if !ok {
		return Null, false
	}
	if isField(idx) {
		return c.defaultValues[memberIdx(idx)].val, true
	}
	return c.methods[memberIdx(idx)].val, true
}

func (c *Class) metamethod(mt metaMethod) Value {
	return c.metamethods[mt]
}

// NewSlot adds or replaces a member. Closures and static members go to the
// method table (or the metamethod table for reserved names); anything else
// becomes a field. Fields cannot be added once the class is locked.
func (c *Class) NewSlot(key, val Value, static bool) error {
	if key.IsNull() {
		return newError(ErrInvalidKey, "null cannot be used as index")
	}
	callable := val.Type()&(TypeClosure|TypeNativeClosure) != 0
	methodSlot := callable || static
	if c.locked && !methodSlot {
		return newError(ErrClassLocked, "class instantiated cannot be modified")
	}
	existing, found := c.members.Get(key)
	if found && isField(existing) {
		assign(&c.defaultValues[memberIdx(existing)].val, val)
		return nil
	}
	if !methodSlot {
		idx := len(c.defaultValues)
		if err := c.members.NewSlot(key, makeFieldIdx(idx)); err != nil {
			return err
		}
		addRef(val)
		c.defaultValues = append(c.defaultValues, classMember{val: val, attrs: Null})
		return nil
	}
	if callable && key.IsString() {
		if mt, ok := metaMethodByName(key.Str()); ok {
			assign(&c.metamethods[mt], val)
			return nil
		}
	}
	theVal := val
	if cl := val.closure(); cl != nil && c.base != nil {
		clone := cl.Clone()
		clone.setBase(c.base)
		theVal = objectValue(clone)
	}
	if found {
		assign(&c.methods[memberIdx(existing)].val, theVal)
		return nil
	}
	idx := len(c.methods)
	if err := c.members.NewSlot(key, makeMethodIdx(idx)); err != nil {
		return err
	}
	if key.Str() == "constructor" {
		c.constructorIdx = idx
	}
	addRef(theVal)
	c.methods = append(c.methods, classMember{val: theVal, attrs: Null})
	return nil
}

// SetAttributes attaches attrs to the member key, or to the class itself
// when key is Null.
func (c *Class) SetAttributes(key, attrs Value) error {
	if key.IsNull() {
		assign(&c.attributes, attrs)
		return nil
	}
	idx, ok := c.members.Get(key)
	if !ok {
		return errIndex(key)
	}
	if isField(idx) {
		assign(&c.defaultValues[memberIdx(idx)].attrs, attrs)
	} else {
		assign(&c.methods[memberIdx(idx)].attrs, attrs)
	}
	return nil
}

// Attributes returns the attributes of member key, or of the class when
// key is Null.
func (c *Class) Attributes(key Value) (Value, error) {
	if key.IsNull() {
		return c.attributes, nil
	}
	idx, ok := c.members.Get(key)
	if !ok {
		return Null, errIndex(key)
	}
	if isField(idx) {
		return c.defaultValues[memberIdx(idx)].attrs, nil
	}
	return c.methods[memberIdx(idx)].attrs, nil
}

// Next walks the member names.
func (c *Class) Next(prev Value) (key, val Value, ok bool, err error) {
	key, _, ok, err = c.members.Next(prev)
	if !ok || err != nil {
		return Null, Null, ok, err
	}
	val, _ = c.Get(key)
	return key, val, true, nil
}

// constructor returns the constructor closure or Null.
func (c *Class) constructor() Value {
	if c.constructorIdx < 0 || c.constructorIdx >= len(c.methods) {
		return Null
	}
	return c.methods[c.constructorIdx].val
}

// CreateInstance locks the class and returns a new instance whose fields
// are a snapshot of the current defaults.
func (c *Class) CreateInstance() *Instance {
	c.Lock()
	inst := &Instance{class: c, values: make([]Value, len(c.defaultValues))}
	c.refs++
	for i, m := range c.defaultValues {
		addRef(m.val)
		inst.values[i] = m.val
	}
	if c.udsize > 0 {
		inst.userData = make([]byte, c.udsize)
		inst.userPointer = inst.userData
	}
	c.ss.init(inst)
	return inst
}

func (c *Class) finalize() {
	if hook := c.hook; hook != nil {
		c.hook = nil
		hook(c.typeTag, c.udsize)
	}
	for i := range c.defaultValues {
		clearSlot(&c.defaultValues[i].val)
		clearSlot(&c.defaultValues[i].attrs)
	}
	for i := range c.methods {
		clearSlot(&c.methods[i].val)
		clearSlot(&c.methods[i].attrs)
	}
	c.defaultValues, c.methods = nil, nil
	for i := range c.metamethods {
		clearSlot(&c.metamethods[i])
	}
	clearSlot(&c.attributes)
	if m := c.members; m != nil {
		c.members = nil
		releaseObject(m)
	}
	if b := c.base; b != nil {
		c.base = nil
		releaseObject(b)
	}
}

func (c *Class) traverse(fn func(Object)) {
	visit := func(v Value) {
		if o := v.Object(); o != nil {
			fn(o)
		}
	}
	for _, m := range c.defaultValues {
		visit(m.val)
		visit(m.attrs)
	}
	for _, m := range c.methods {
		visit(m.val)
		visit(m.attrs)
	}
	for _, m := range c.metamethods {
		visit(m)
	}
	visit(c.attributes)
	if c.members != nil {
		fn(c.members)
	}
	if c.base != nil {
		fn(c.base)
	}
}

// ---------------------------------------------------------------------------
// Instance
// ---------------------------------------------------------------------------

// Instance is an object created from a class. Its field storage is sized
// from the class layout at creation and never resized afterwards.
type Instance struct {
	RefCounted
	class       *Class
	values      []Value
	userPointer any
	userData    []byte
	hook        ReleaseHook
}

func (i *Instance) Type() Type { return TypeInstance }

// Class returns the originating class.
func (i *Instance) Class() *Class {
	return i.class
}

// UserPointer returns the host pointer attached to the instance.
func (i *Instance) UserPointer() any {
	return i.userPointer
}

// Get resolves fields from the instance storage and methods from the class.
func (i *Instance) Get(key Value) (Value, bool) {
	if i.class == nil {
		return Null, false
	}
	idx, ok := i.class.members.Get(key)
	if !ok {
		return Null, false
	}
	if isField(idx) {
		n := memberIdx(idx)
		if n >= len(i.values) {
			return Null, false
		}
		return i.values[n], true
	}
	return i.class.methods[memberIdx(idx)].val, true
}

// Set overwrites an existing field. Methods and unknown names report false.
func (i *Instance) Set(key, val Value) bool {
	if i.class == nil {
		return false
	}
	idx, ok := i.class.members.Get(key)
	if !ok || !isField(idx) {
		return false
	}
	n := memberIdx(idx)
	if n >= len(i.values) {
		return false
	}
	assign(&i.values[n], val)
	return true
}

// InstanceOf reports whether c is the instance's class or one of its bases.
func (i *Instance) InstanceOf(c *Class) bool {
	return i.class != nil && i.class.IsSubclassOf(c)
}

// Clone copies the field storage into a new instance of the same class.
func (i *Instance) Clone() *Instance {
	c := i.class.CreateInstance()
	for n := range c.values {
		if n < len(i.values) {
			assign(&c.values[n], i.values[n])
		}
	}
	return c
}

func (i *Instance) metamethod(mt metaMethod) Value {
	if i.class == nil {
		return Null
	}
	return i.class.metamethods[mt]
}

func (i *Instance) finalize() {
	if hook := i.hook; hook != nil {
		i.hook = nil
		size := 0
		if i.class != nil {
			size = i.class.udsize
		}
		hook(i.userPointer, size)
	}
	for n := range i.values {
		clearSlot(&i.values[n])
	}
	i.values = nil
	if c := i.class; c != nil {
		i.class = nil
		releaseObject(c)
	}
}

func (i *Instance) traverse(fn func(Object)) {
	for _, v := range i.values {
		if o := v.Object(); o != nil {
			fn(o)
		}
	}
	if i.class != nil {
		fn(i.class)
	}
}

// ---------------------------------------------------------------------------
// MemberHandle
// ---------------------------------------------------------------------------

// MemberHandle is a resolved member position. Static handles address the
// method table, the others address field storage.
type MemberHandle struct {
	Static bool
	Index  int
	class  *Class
}

// MemberHandle resolves key on c.
func (c *Class) MemberHandle(key Value) (MemberHandle, error) {
	idx, ok := c.members.Get(key)
	if !ok {
		return MemberHandle{}, errIndex(key)
	}
	return MemberHandle{Static: !isField(idx), Index: memberIdx(idx), class: c}, nil
}

// slot returns a pointer to the storage a handle addresses on self.
func (h MemberHandle) slot(self Value) (*Value, error) {
	switch self.Type() {
	case TypeInstance:
		inst := self.instance()
		if h.class != nil && !inst.InstanceOf(h.class) {
			return nil, newError(ErrWrongType, "member handle does not belong to this instance's class")
		}
		if h.Static {
			if h.Index >= len(inst.class.methods) {
				return nil, newError(ErrWrongType, "invalid member handle")
			}
			return &inst.class.methods[h.Index].val, nil
		}
		if h.Index >= len(inst.values) {
			return nil, newError(ErrWrongType, "invalid member handle")
		}
		return &inst.values[h.Index], nil
	case TypeClass:
		c := self.class()
		if h.class != nil && !c.IsSubclassOf(h.class) {
			return nil, newError(ErrWrongType, "member handle does not belong to this class")
		}
		if h.Static {
			if h.Index >= len(c.methods) {
				return nil, newError(ErrWrongType, "invalid member handle")
			}
			return &c.methods[h.Index].val, nil
		}
		if h.Index >= len(c.defaultValues) {
			return nil, newError(ErrWrongType, "invalid member handle")
		}
		return &c.defaultValues[h.Index].val, nil
	}
	return nil, newError(ErrWrongType, "wrong type(expected class or instance)")
}
