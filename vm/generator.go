package vm

// ---------------------------------------------------------------------------
// Generator: a resumable script frame
// ---------------------------------------------------------------------------

// GeneratorState is the life stage of a generator.
type GeneratorState int

const (
	GeneratorRunning GeneratorState = iota
	GeneratorSuspended
	GeneratorDead
)

func (s GeneratorState) String() string {
	switch s {
	case GeneratorRunning:
		return "running"
	case GeneratorSuspended:
		return "suspended"
	}
	return "dead"
}

// Generator holds the frame of a generator function between resumptions:
// the register window, the instruction pointer and the installed traps,
// with trap positions stored relative to the frame base. The `this` slot
// is held weakly while suspended.
type Generator struct {
	RefCounted
	closure Value
	stack   []Value
	ip      int
	ncalls  int
	traps   []trap
	state   GeneratorState
}

func (g *Generator) Type() Type { return TypeGenerator }

func (ss *SharedState) newGenerator(cl *Closure) *Generator {
	g := &Generator{state: GeneratorSuspended}
	assign(&g.closure, objectValue(cl))
	ss.init(g)
	return g
}

// State reports whether the generator is running, suspended or dead.
func (g *Generator) State() GeneratorState {
	return g.state
}

// start captures the arguments of the generator call as the initial frame.
// The argument slots are consumed.
func (g *Generator) start(v *VM, base, nargs int) {
	size := g.closure.closure().proto.StackSize
	if size < nargs {
		size = nargs
	}
	g.stack = make([]Value, size)
	for i := range g.stack {
		g.stack[i] = Null
	}
	for i := 0; i < nargs; i++ {
		g.stack[i] = v.stack[base+i]
		v.stack[base+i] = Null
	}
	g.weakenThis()
	g.ncalls = 1
}

func (g *Generator) weakenThis() {
	if len(g.stack) == 0 {
		return
	}
	this := g.stack[0]
	if this.IsRefCounted() {
		w := weakValue(this)
		addRef(w)
		g.stack[0] = w
		release(this)
	}
}

// yield moves the current frame of v into the generator.
func (g *Generator) yield(v *VM) error {
	switch g.state {
	case GeneratorSuspended:
		return newError(ErrRuntime, "internal vm error, yielding dead generator")
	case GeneratorDead:
		return newError(ErrRuntime, "internal vm error, yielding a dead generator")
	}
	ci := v.ci()
	size := v.top - v.stackBase
	g.stack = make([]Value, size)
	for n := 0; n < size; n++ {
		g.stack[n] = v.stack[v.stackBase+n]
		v.stack[v.stackBase+n] = Null
	}
	g.weakenThis()
	g.ip = ci.ip
	g.ncalls = ci.ncalls
	g.traps = g.traps[:0]
	for _, t := range ci.traps {
		t.stackBase -= v.stackBase
		t.top -= v.stackBase
		g.traps = append(g.traps, t)
	}
	ci.traps = nil
	ci.generator = nil
	g.state = GeneratorSuspended
	return nil
}

// resume pushes the saved frame on top of v's stack. target is the caller
// register receiving the next yielded or returned value.
func (g *Generator) resume(v *VM, target int) error {
	switch g.state {
	case GeneratorDead:
		return newError(ErrNotResumable, "resuming dead generator")
	case GeneratorRunning:
		return newError(ErrNotResumable, "resuming active generator")
	}
	size := len(g.stack)
	newBase := v.top
	if err := v.enterFrame(newBase, newBase+size, false); err != nil {
		return err
	}
	ci := v.ci()
	ci.generator = g
	ci.target = target
	assign(&ci.closure, g.closure)
	ci.ip = g.ip
	ci.ncalls = g.ncalls
	for _, t := range g.traps {
		t.stackBase += newBase
		t.top += newBase
		ci.traps = append(ci.traps, t)
	}
	g.traps = g.traps[:0]
	if size > 0 {
		assign(&v.stack[newBase], strongValue(g.stack[0]))
		clearSlot(&g.stack[0])
	}
	for n := 1; n < size; n++ {
		move(&v.stack[newBase+n], g.stack[n])
		g.stack[n] = Null
	}
	g.stack = nil
	g.state = GeneratorRunning
	v.callDebugHook(DebugCall, 0)
	return nil
}

// kill marks the generator dead and drops its saved frame.
func (g *Generator) kill() {
	g.state = GeneratorDead
	stack := g.stack
	g.stack = nil
	g.traps = nil
	for i := range stack {
		release(stack[i])
	}
}

func (g *Generator) finalize() {
	g.kill()
	clearSlot(&g.closure)
}

func (g *Generator) traverse(fn func(Object)) {
	if o := g.closure.Object(); o != nil {
		fn(o)
	}
	for _, v := range g.stack {
		if o := v.Object(); o != nil {
			fn(o)
		}
	}
}
