package vm

import (
	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

// CollectorMode selects how cyclic garbage is handled.
type CollectorMode int

const (
	// CollectorTracing runs the cycle collector on demand and every
	// CollectEvery allocations.
	CollectorTracing CollectorMode = iota
	// CollectorRefCount relies on reference counts alone; cycles leak
	// until the VM is closed.
	CollectorRefCount
)

func (m CollectorMode) String() string {
	if m == CollectorRefCount {
		return "refcount"
	}
	return "tracing"
}

// Config holds the VM settings.
type Config struct {
	InitialStackSize    int
	MaxCallDepth        int
	MaxNativeCalls      int
	Collector           CollectorMode
	CollectEvery        int
	NotifyAllExceptions bool
	DebugInfo           bool
	LogLevel            commonlog.Level
}

// Default configuration values.
const (
	DefaultStackSize      = 1024
	DefaultMaxCallDepth   = 1000
	DefaultMaxNativeCalls = 100
	DefaultCollectEvery   = 10000
)

// DefaultConfig returns the default settings.
func DefaultConfig() Config {
	return Config{
		InitialStackSize: DefaultStackSize,
		MaxCallDepth:     DefaultMaxCallDepth,
		MaxNativeCalls:   DefaultMaxNativeCalls,
		Collector:        CollectorTracing,
		CollectEvery:     DefaultCollectEvery,
		LogLevel:         commonlog.Warning,
	}
}

// ---------------------------------------------------------------------------
// SharedState
// ---------------------------------------------------------------------------

// PrintFunc receives text written by the print and error functions.
type PrintFunc func(v *VM, s string)

// SharedState is the interpreter state shared by a root thread and every
// thread opened from it. It is created by Open and torn down by Close on
// the root thread.
type SharedState struct {
	id      uuid.UUID
	cfg     Config
	log     commonlog.Logger
	strings stringTable
	serial  uint64
	gc      *collector

	rootVM    *VM
	registry  Value
	consts    Value
	delegates map[Type]Value

	printFn     PrintFunc
	errorFn     PrintFunc
	notifyAll   bool
	debugInfo   bool
	foreignPtr  any
	releaseHook ReleaseHook
	closed      bool
}

func newSharedState(cfg Config) *SharedState {
	ss := &SharedState{
		id:        uuid.New(),
		cfg:       cfg,
		log:       commonlog.GetLogger("squall.vm"),
		strings:   make(stringTable),
		delegates: make(map[Type]Value),
		notifyAll: cfg.NotifyAllExceptions,
		debugInfo: cfg.DebugInfo,
		registry:  Null,
		consts:    Null,
	}
	ss.gc = newCollector(ss)
	return ss
}

// ID identifies the shared state in logs.
func (ss *SharedState) ID() uuid.UUID {
	return ss.id
}

// Config returns the settings the state was opened with.
func (ss *SharedState) Config() Config {
	return ss.cfg
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Open creates a shared state and its root thread.
func Open(cfg Config) *VM {
	def := DefaultConfig()
	if cfg.InitialStackSize <= 0 {
		cfg.InitialStackSize = def.InitialStackSize
	}
	if cfg.MaxCallDepth <= 0 {
		cfg.MaxCallDepth = def.MaxCallDepth
	}
	if cfg.MaxNativeCalls <= 0 {
		cfg.MaxNativeCalls = def.MaxNativeCalls
	}
	if cfg.LogLevel != commonlog.None {
		commonlog.SetMaxLevel(cfg.LogLevel, "squall")
	}
	ss := newSharedState(cfg)
	v := ss.newThread(cfg.InitialStackSize)
	v.refs++
	ss.rootVM = v

	root := ss.NewTable(0)
	assign(&v.rootTable, objectValue(root))
	assign(&ss.registry, objectValue(ss.NewTable(0)))
	assign(&ss.consts, objectValue(ss.NewTable(0)))
	ss.registerDefaultDelegates()

	ss.log.Infof("opened shared state %s (collector=%s stack=%d)", ss.id, cfg.Collector, cfg.InitialStackSize)
	return v
}

// Close tears down the shared state: the root thread is finalized first,
// then every remaining object is released. Closing a secondary thread
// leaves the state open and finalizes the thread only when nothing
// references it; otherwise it lives until its last reference is dropped.
// Close is idempotent.
func (v *VM) Close() {
	ss := v.ss
	if ss == nil || ss.closed {
		return
	}
	if v != ss.rootVM {
		if v.refs <= 0 {
			destroy(v)
		}
		return
	}
	ss.closed = true
	root := ss.rootVM
	root.finalize()
	clearSlot(&ss.registry)
	clearSlot(&ss.consts)
	for t := range ss.delegates {
		d := ss.delegates[t]
		delete(ss.delegates, t)
		release(d)
	}
	remaining := ss.gc.objects()
	free(remaining)
	ss.rootVM = nil
	if hook := ss.releaseHook; hook != nil {
		ss.releaseHook = nil
		hook(ss.foreignPtr, 0)
	}
	ss.log.Infof("closed shared state %s (%d objects released)", ss.id, len(remaining))
}

// SharedState returns the state this thread belongs to.
func (v *VM) SharedState() *SharedState {
	return v.ss
}

// SetPrintFunc installs the print and error output functions.
func (v *VM) SetPrintFunc(printFn, errorFn PrintFunc) {
	v.ss.printFn = printFn
	v.ss.errorFn = errorFn
}

// PrintFunc returns the installed print function.
func (v *VM) PrintFunc() PrintFunc {
	return v.ss.printFn
}

// ErrorFunc returns the installed error function.
func (v *VM) ErrorFunc() PrintFunc {
	return v.ss.errorFn
}

// SetSharedForeignPtr attaches a host pointer to the shared state.
func (v *VM) SetSharedForeignPtr(p any) {
	v.ss.foreignPtr = p
}

// SharedForeignPtr returns the host pointer of the shared state.
func (v *VM) SharedForeignPtr() any {
	return v.ss.foreignPtr
}

// SetSharedReleaseHook installs a hook run when the shared state closes.
func (v *VM) SetSharedReleaseHook(hook ReleaseHook) {
	v.ss.releaseHook = hook
}

// NotifyAllExceptions makes every raised error reach the error handler,
// including errors a script trap recovers from.
func (v *VM) NotifyAllExceptions(enable bool) {
	v.ss.notifyAll = enable
}

// EnableDebugInfo toggles line events for the debug hooks.
func (v *VM) EnableDebugInfo(enable bool) {
	v.ss.debugInfo = enable
}
