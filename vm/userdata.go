package vm

// ReleaseHook runs when an object carrying host data is destroyed. ptr is
// the host pointer (or the user data block) and size its declared size.
type ReleaseHook func(ptr any, size int)

// ---------------------------------------------------------------------------
// UserData: host-owned memory block with a delegate
// ---------------------------------------------------------------------------

// UserData is a block of host memory with an optional delegate table that
// supplies its script-visible members.
type UserData struct {
	RefCounted
	data     []byte
	delegate *Table
	typeTag  any
	hook     ReleaseHook
}

func (u *UserData) Type() Type { return TypeUserData }

// NewUserData allocates a zeroed block of size bytes.
func (ss *SharedState) NewUserData(size int) *UserData {
	if size < 0 {
		size = 0
	}
	u := &UserData{data: make([]byte, size)}
	ss.init(u)
	return u
}

// Data returns the memory block.
func (u *UserData) Data() []byte {
	return u.data
}

// TypeTag returns the tag set by SetTypeTag.
func (u *UserData) TypeTag() any {
	return u.typeTag
}

// Delegate returns the delegate table, or nil.
func (u *UserData) Delegate() *Table {
	return u.delegate
}

// SetDelegate installs d; nil removes it.
func (u *UserData) SetDelegate(d *Table) {
	old := u.delegate
	if d != nil {
		d.refs++
	}
	u.delegate = d
	if old != nil {
		releaseObject(old)
	}
}

func (u *UserData) finalize() {
	if hook := u.hook; hook != nil {
		u.hook = nil
		hook(u.data, len(u.data))
	}
	if d := u.delegate; d != nil {
		u.delegate = nil
		releaseObject(d)
	}
}

func (u *UserData) traverse(fn func(Object)) {
	if u.delegate != nil {
		fn(u.delegate)
	}
}
