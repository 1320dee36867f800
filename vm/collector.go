package vm

import (
	"time"

	"github.com/emirpasic/gods/sets/treeset"
	"github.com/emirpasic/gods/utils"
	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Collector: cycle detection over reference-counted objects
// ---------------------------------------------------------------------------

// CollectorStats holds statistics from a single collection.
type CollectorStats struct {
	Tracked   int
	Freed     int
	Duration  time.Duration
	Timestamp time.Time
}

// collector tracks every collectable object of a shared state, ordered by
// allocation serial, and reclaims reference cycles that are unreachable
// from outside the heap.
//
// A collection computes, for every tracked object, its strong count minus
// the references held by other tracked objects. Anything left with a
// positive count is referenced from outside the heap (a host handle, the
// shared state, an untracked holder) and is a root; everything reachable
// from a root survives, the rest is garbage.
type collector struct {
	ss      *SharedState
	tracked *treeset.Set
	log     commonlog.Logger
	allocs  int
	runs    uint64
	last    CollectorStats
	active  bool
}

func bySerial(a, b interface{}) int {
	return utils.UInt64Comparator(a.(Object).header().serial, b.(Object).header().serial)
}

func newCollector(ss *SharedState) *collector {
	return &collector{
		ss:      ss,
		tracked: treeset.NewWith(bySerial),
		log:     commonlog.GetLogger("squall.vm.gc"),
	}
}

func (c *collector) track(o Object) {
	c.tracked.Add(o)
	c.allocs++
}

func (c *collector) untrack(o Object) {
	c.tracked.Remove(o)
}

// objects snapshots the tracked set in serial order.
func (c *collector) objects() []Object {
	vals := c.tracked.Values()
	objs := make([]Object, len(vals))
	for i, v := range vals {
		objs[i] = v.(Object)
	}
	return objs
}

func collectable(o Object) bool {
	return o.Type()&typeCollectable != 0 && !o.header().dead
}

// unreachable returns the tracked objects no external reference can reach.
func (c *collector) unreachable() []Object {
	objs := c.objects()
	for _, o := range objs {
		h := o.header()
		h.gcRefs = h.refs
		h.reached = false
	}
	for _, o := range objs {
		o.traverse(func(child Object) {
			if collectable(child) {
				child.header().gcRefs--
			}
		})
	}
	var stack []Object
	for _, o := range objs {
		if h := o.header(); h.gcRefs > 0 {
			h.reached = true
			stack = append(stack, o)
		}
	}
	for len(stack) > 0 {
		o := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		o.traverse(func(child Object) {
			if h := child.header(); collectable(child) && !h.reached {
				h.reached = true
				stack = append(stack, child)
			}
		})
	}
	var garbage []Object
	for _, o := range objs {
		if !o.header().reached {
			garbage = append(garbage, o)
		}
	}
	return garbage
}

// free breaks the references among objs and destroys them. Each object is
// held while the references are dropped so none is destroyed while another
// member of the set is still finalizing.
func free(objs []Object) {
	for _, o := range objs {
		o.header().refs++
	}
	for _, o := range objs {
		o.finalize()
	}
	for _, o := range objs {
		releaseObject(o)
	}
}

// collect runs a full collection and returns the number of objects freed.
func (c *collector) collect() int {
	if c.active {
		return 0
	}
	c.active = true
	defer func() { c.active = false }()

	start := time.Now()
	tracked := c.tracked.Size()
	garbage := c.unreachable()
	free(garbage)
	c.allocs = 0
	c.runs++
	c.last = CollectorStats{
		Tracked:   tracked,
		Freed:     len(garbage),
		Duration:  time.Since(start),
		Timestamp: start,
	}
	c.log.Debugf("collected %d of %d objects in %s", len(garbage), tracked, c.last.Duration)
	return len(garbage)
}

// due reports whether the allocation budget for automatic collection is
// spent.
func (c *collector) due() bool {
	cfg := c.ss.cfg
	return cfg.Collector == CollectorTracing && cfg.CollectEvery > 0 && c.allocs >= cfg.CollectEvery && !c.active
}

// ---------------------------------------------------------------------------
// VM entry points
// ---------------------------------------------------------------------------

// CollectGarbage runs the cycle collector and returns the number of
// objects freed. It is refused in reference-counting-only mode and while
// a metamethod or a nested native callback is on the call path.
func (v *VM) CollectGarbage() (int, error) {
	if v.ss.cfg.Collector != CollectorTracing {
		return 0, v.raise(newError(ErrInvalidOperation, "garbage collection is disabled"))
	}
	if !v.safePoint() {
		return 0, v.raise(newError(ErrInvalidContext, "cannot collect garbage during a callback"))
	}
	return v.ss.gc.collect(), nil
}

// ResurrectUnreachable pushes an array holding every object the collector
// would free, or Null if there is none. The objects stay alive for as long
// as the array does. Meant for leak diagnostics.
func (v *VM) ResurrectUnreachable() error {
	if v.ss.cfg.Collector != CollectorTracing {
		return v.raise(newError(ErrInvalidOperation, "garbage collection is disabled"))
	}
	garbage := v.ss.gc.unreachable()
	if len(garbage) == 0 {
		v.PushNull()
		return nil
	}
	arr := v.ss.NewArray(0)
	for _, o := range garbage {
		arr.Append(objectValue(o))
	}
	v.push(objectValue(arr))
	return nil
}

// CollectorStats returns statistics of the last collection.
func (v *VM) CollectorStats() CollectorStats {
	return v.ss.gc.last
}

// safePoint reports whether no native callback or metamethod below the
// outermost script frame can hold unowned references.
func (v *VM) safePoint() bool {
	return v.nMetamethodCalls == 0 && v.nativeCalls <= 2
}

// maybeCollect runs an automatic collection at a host boundary.
func (v *VM) maybeCollect() {
	if v.nativeCalls == 0 && v.ss.gc.due() {
		v.ss.gc.collect()
	}
}
