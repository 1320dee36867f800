package vm

// ---------------------------------------------------------------------------
// RefCounted: the lifetime header embedded in every heap object
// ---------------------------------------------------------------------------

// RefCounted carries the strong count and bookkeeping shared by every heap
// object. It is embedded by value; objects expose it through header().
type RefCounted struct {
	refs   int
	weak   *WeakRef
	ss     *SharedState
	serial uint64
	dead   bool

	// collector scratch space
	gcRefs  int
	reached bool
}

// RefCount returns the current strong count.
func (rc *RefCounted) RefCount() int {
	return rc.refs
}

// Serial returns the allocation serial, unique per SharedState.
func (rc *RefCounted) Serial() uint64 {
	return rc.serial
}

// Object is implemented by every reference-counted heap kind.
type Object interface {
	header() *RefCounted
	Type() Type

	// finalize drops every strong reference the object holds and leaves it
	// inert. It must be safe to call more than once.
	finalize()

	// traverse reports each collectable object the receiver holds a strong
	// reference to, once per reference.
	traverse(fn func(Object))
}

func (rc *RefCounted) header() *RefCounted {
	return rc
}

// init wires a freshly allocated object into its shared state. Collectable
// kinds are enrolled with the cycle collector.
func (ss *SharedState) init(o Object) {
	h := o.header()
	ss.serial++
	h.ss = ss
	h.serial = ss.serial
	if o.Type()&typeCollectable != 0 {
		ss.gc.track(o)
	}
}

// addRef increments the strong count of a reference-counted value.
func addRef(v Value) {
	if o := v.Object(); o != nil {
		o.header().refs++
	}
}

// release decrements the strong count and destroys the object when the
// count reaches zero.
func release(v Value) {
	if o := v.Object(); o != nil {
		releaseObject(o)
	}
}

func releaseObject(o Object) {
	h := o.header()
	if h.dead {
		return
	}
	h.refs--
	if h.refs <= 0 {
		destroy(o)
	}
}

// assign stores src into an owning slot, taking a reference to the new
// value before dropping the old one so self-assignment is safe.
func assign(dst *Value, src Value) {
	addRef(src)
	old := *dst
	*dst = src
	release(old)
}

// clearSlot releases an owning slot and leaves it Null.
func clearSlot(dst *Value) {
	old := *dst
	*dst = Null
	release(old)
}

// destroy runs exactly once per object: the weak cell is cleared first so
// observers read Null while the object's own references are being dropped.
func destroy(o Object) {
	h := o.header()
	if h.dead {
		return
	}
	h.dead = true
	h.refs = 0
	if h.weak != nil {
		h.weak.target = Null
		h.weak = nil
	}
	if h.ss != nil && o.Type()&typeCollectable != 0 {
		h.ss.gc.untrack(o)
	}
	o.finalize()
}

// ---------------------------------------------------------------------------
// WeakRef: a non-owning observer cell
// ---------------------------------------------------------------------------

// WeakRef observes an object without keeping it alive. Each object has at
// most one WeakRef, created on first request; the cell itself is reference
// counted and outlives its target, after which Get returns Null.
type WeakRef struct {
	RefCounted
	target Value
}

func (w *WeakRef) Type() Type { return TypeWeakRef }

// Get returns the observed value, or Null once the target is destroyed.
func (w *WeakRef) Get() Value {
	return w.target
}

// Alive reports whether the target still exists.
func (w *WeakRef) Alive() bool {
	return !w.target.IsNull()
}

func (w *WeakRef) finalize() {
	if o := w.target.Object(); o != nil && o.header().weak == w {
		o.header().weak = nil
	}
	w.target = Null
}

func (w *WeakRef) traverse(func(Object)) {}

// weakRefOf returns the weak cell of a reference-counted value, creating it
// on first use. Non-refcounted values have no identity to observe and yield
// nil; callers store those by value instead.
func weakRefOf(v Value) *WeakRef {
	o := v.Object()
	if o == nil {
		return nil
	}
	h := o.header()
	if h.weak == nil {
		w := &WeakRef{target: v}
		if h.ss != nil {
			h.ss.init(w)
		}
		h.weak = w
	}
	return h.weak
}

// weakValue converts a value into the form stored in weak slots: objects
// become their WeakRef, everything else is kept as is.
func weakValue(v Value) Value {
	if w := weakRefOf(v); w != nil {
		return objectValue(w)
	}
	return v
}

// strongValue undoes weakValue.
func strongValue(v Value) Value {
	if w := v.weakRef(); w != nil && v.Type() == TypeWeakRef {
		return w.Get()
	}
	return v
}
