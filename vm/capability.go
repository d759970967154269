package vm

import (
	"sync/atomic"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("lutra.vm")

// ---------------------------------------------------------------------------
// Interpreter exit codes and execution states
// ---------------------------------------------------------------------------

// InterpExitCode is the closed set of outcomes the interpreter loop can
// report. Ok and OutOfSteps are expected and recoverable; StackOverflow
// and Unimplemented are execution failures reported upward, with no
// automatic recovery attempted here.
type InterpExitCode int

const (
	InterpOk            InterpExitCode = iota // normal completion
	InterpOutOfSteps                          // step budget exhausted
	InterpStackOverflow                       // thread stack exhausted, fatal for the thread
	InterpUnimplemented                       // instruction or exit path not supported
)

// interpContinue is the internal sentinel handlers return to keep the
// dispatch loop running. It never escapes the loop.
const interpContinue InterpExitCode = -1

// String returns the exit code's symbolic name.
func (rc InterpExitCode) String() string {
	switch rc {
	case InterpOk:
		return "kInterpOk"
	case InterpOutOfSteps:
		return "kInterpOutOfSteps"
	case InterpStackOverflow:
		return "kInterpStackOverflow"
	case InterpUnimplemented:
		return "kInterpUnimplemented"
	default:
		return "InterpExitCode(?)"
	}
}

// Capability execution states. The state changes only at designated
// synchronization points; see SetState.
const (
	StateInterp = iota // plain interpretation
	StateRecord        // trace recording
)

// statePendingNone marks the absence of a requested state switch.
const statePendingNone = -1

// interpMode selects what interpMsg does: build the dispatch tables or
// drive the loop.
type interpMode int

const (
	interpModeInit interpMode = iota
	interpModeRun
)

// Capability flag bits.
const (
	kTraceBytecode = iota // log every dispatched instruction
	kRecording            // a trace recording is active
	kDecodeClosures       // log decoded closures on allocation
	kSingleStep           // single-step debug overlay active
)

// flags32 is a small fixed bitset.
type flags32 uint32

func (f *flags32) set(bit uint)     { *f |= 1 << bit }
func (f *flags32) clear(bit uint)   { *f &^= 1 << bit }
func (f flags32) get(bit uint) bool { return f&(1<<bit) != 0 }

// ---------------------------------------------------------------------------
// Process-wide diagnostic counters
// ---------------------------------------------------------------------------

// Incremented on recording start and on every entry into compiled code.
// Diagnostic only; nothing may branch on them.
var (
	recordingsStarted atomic.Uint64
	switchInterpToAsm atomic.Uint64
)

// RecordingsStarted returns the process-wide count of trace recordings
// that have begun.
func RecordingsStarted() uint64 {
	return recordingsStarted.Load()
}

// SwitchInterpToAsm returns the process-wide count of entries from the
// interpreter into compiled code.
func SwitchInterpToAsm() uint64 {
	return switchInterpToAsm.Load()
}

// ---------------------------------------------------------------------------
// Capability
// ---------------------------------------------------------------------------

// Capability is the per-thread orchestrator: it drives the interpreter
// loop, owns the hot-counter table and the dispatch-table selection,
// starts and finalizes trace recording, and carries the heap-boundary
// fast path used inside the hot loop.
//
// One Capability drives exactly one logical thread at a time; none of
// its state is shared across execution contexts, so no locking is
// involved anywhere below. Mode transitions are made safe purely by
// deferring their effect to synchronization points.
type Capability struct {
	mm            MemoryManager
	currentThread *Thread
	staticRoots   []*Closure

	counters *HotCounters
	jit      *Jit
	cfg      *Config

	// Active dispatch tables. dispatch is the table for the current
	// state; dispatch2 is what the loop actually indexes, after the
	// single-step overlay has been applied.
	dispatch  *dispatchTable
	dispatch2 *dispatchTable

	dispatchNormal     *dispatchTable
	dispatchRecord     *dispatchTable
	dispatchSingleStep *dispatchTable

	state        int
	pendingState int

	flags      flags32
	stepBudget int
	stepLimit  int

	// Resumable interpreter state for the current thread. Set by Eval,
	// cleared when the loop exits with anything but OutOfSteps.
	st *interpState

	// Heap cursor as left by compiled code at the last side exit.
	traceExitHp    uintptr
	traceExitHpLim uintptr
}

// NewCapability creates a capability bound to a memory manager. A nil
// config uses defaults.
func NewCapability(mm MemoryManager, cfg *Config) *Capability {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := &Capability{
		mm:           mm,
		cfg:          cfg,
		counters:     NewHotCounters(uint32(cfg.HotThreshold)),
		pendingState: statePendingNone,
		stepBudget:   -1,
		stepLimit:    -1,
	}
	c.jit = NewJit(nil, c.counters)
	c.interpMsg(nil, interpModeInit)
	c.dispatch = c.dispatchNormal
	c.dispatch2 = c.dispatchNormal
	return c
}

// SetTraceCompiler attaches the backend compiler consuming recorded
// traces. Without one, every finished recording degrades to continued
// interpretation.
func (c *Capability) SetTraceCompiler(tc TraceCompiler) {
	c.jit.compiler = tc
}

// CurrentThread returns the thread this capability is driving.
func (c *Capability) CurrentThread() *Thread {
	return c.currentThread
}

// Jit returns the capability's recorder state.
func (c *Capability) Jit() *Jit {
	return c.jit
}

// Counters returns the hot-counter table.
func (c *Capability) Counters() *HotCounters {
	return c.counters
}

// AddStaticRoot registers a statically-rooted closure.
func (c *Capability) AddStaticRoot(cl *Closure) {
	c.staticRoots = append(c.staticRoots, cl)
}

// StaticRoots returns the statically-rooted closure set.
func (c *Capability) StaticRoots() []*Closure {
	return c.staticRoots
}

// IsRecording reports whether a trace recording is active.
func (c *Capability) IsRecording() bool {
	return c.flags.get(kRecording)
}

// State returns the current execution state.
func (c *Capability) State() int {
	return c.state
}

// TraceExitHp returns the heap pointer as left by compiled code at the
// last side exit.
func (c *Capability) TraceExitHp() uintptr {
	return c.traceExitHp
}

// TraceExitHpLim returns the heap limit as left by compiled code at
// the last side exit.
func (c *Capability) TraceExitHpLim() uintptr {
	return c.traceExitHpLim
}

// ---------------------------------------------------------------------------
// Diagnostics toggles
// ---------------------------------------------------------------------------

// These affect only diagnostic output, never control flow.

// EnableBytecodeTracing logs every dispatched instruction.
func (c *Capability) EnableBytecodeTracing() { c.flags.set(kTraceBytecode) }

// DisableBytecodeTracing stops instruction logging.
func (c *Capability) DisableBytecodeTracing() { c.flags.clear(kTraceBytecode) }

// IsBytecodeTracingEnabled reports whether instruction logging is on.
func (c *Capability) IsBytecodeTracingEnabled() bool { return c.flags.get(kTraceBytecode) }

// EnableDecodeClosures logs every closure as it is allocated.
func (c *Capability) EnableDecodeClosures() { c.flags.set(kDecodeClosures) }

// DisableDecodeClosures stops closure logging.
func (c *Capability) DisableDecodeClosures() { c.flags.clear(kDecodeClosures) }

// ---------------------------------------------------------------------------
// State switching: two-phase commit
// ---------------------------------------------------------------------------

// SetState requests a transition to the given state. The request is
// only that: the active dispatch table is swapped lazily, when the
// interpreter next executes a synchronization instruction (LOOP).
// A switch taking effect mid-instruction would observe inconsistent
// heap-pointer and hot-counter state; deferring it guarantees switches
// happen only between complete logical steps.
func (c *Capability) SetState(state int) {
	c.pendingState = state
}

// applyPendingState commits a requested state switch. Called only from
// synchronization points in the dispatch loop.
func (c *Capability) applyPendingState() {
	if c.pendingState == statePendingNone {
		return
	}
	st := c.pendingState
	c.pendingState = statePendingNone
	c.applyState(st)
}

// applyState performs the dispatch-table swap for a state transition.
func (c *Capability) applyState(st int) {
	switch st {
	case StateInterp:
		c.state = StateInterp
		c.flags.clear(kRecording)
		c.dispatch = c.dispatchNormal
	case StateRecord:
		c.state = StateRecord
		if !c.flags.get(kRecording) {
			c.flags.set(kRecording)
			c.jit.beginTrace()
			recordingsStarted.Add(1)
			log.Debugf("recording started for %v", c.jit.Target())
		}
		c.dispatch = c.dispatchRecord
	}
	c.selectDispatch()
}

// selectDispatch picks the table the next dispatch cycle will index:
// the state's own table, or the single-step overlay when active.
func (c *Capability) selectDispatch() {
	if c.flags.get(kSingleStep) {
		c.dispatch2 = c.dispatchSingleStep
	} else {
		c.dispatch2 = c.dispatch
	}
}

// SetStepBudget enables the single-step overlay with a budget of n
// instructions per Run call; the loop exits with InterpOutOfSteps when
// the budget runs out, and the next Run continues with a fresh budget.
func (c *Capability) SetStepBudget(n int) {
	c.stepBudget = n
	c.stepLimit = n
	c.flags.set(kSingleStep)
	c.selectDispatch()
}

// ClearStepBudget removes the single-step overlay.
func (c *Capability) ClearStepBudget() {
	c.stepBudget = -1
	c.stepLimit = -1
	c.flags.clear(kSingleStep)
	c.selectDispatch()
}

// ---------------------------------------------------------------------------
// Heap boundary fast path
// ---------------------------------------------------------------------------

// heapCheckFailQuick is the inline fast path consulted after every bump
// inside the hot loop. It delegates to the memory manager's no-GC
// boundary predicate; true means the caller must fall back to the slow
// allocation path, which may collect.
func (c *Capability) heapCheckFailQuick(hp, hplim *uintptr) bool {
	return c.mm.BumpAllocatorFullNoGC(hp, hplim)
}

// ---------------------------------------------------------------------------
// Execution entry points
// ---------------------------------------------------------------------------

// Eval evaluates a single closure to head normal form on the given
// thread's stack. Reports whether evaluation completed; a false return
// means the thread failed (stack overflow or an unimplemented path).
func (c *Capability) Eval(t *Thread, cl *Closure) bool {
	c.currentThread = t

	for cl.IsIndirection() {
		cl = cl.Indirectee()
	}
	if cl.IsHNF() {
		return true
	}
	if !cl.IsThunk() {
		log.Errorf("eval of non-evaluable %v closure %q", cl.Info().Type(), cl.Info().Name())
		return false
	}

	code := cl.Info().Code()
	s := &interpState{t: t, code: code, cur: cl}
	s.hp, s.hplim = c.mm.Region()

	// The bottom frame carries the updatee: returning through it
	// overwrites the thunk with an indirection to the result.
	if !t.pushFrame(frame{retBase: t.base, updatee: cl}, t.base, code.Framesize) {
		return false
	}
	cl.SetInfo(blackholeInfo)

	c.st = s
	rc := c.Run(t)
	for rc == InterpOutOfSteps {
		rc = c.Run(t)
	}
	return rc == InterpOk
}

// Run drives the interpreter loop for the given thread until it reports
// an exit code. With a step budget in place, InterpOutOfSteps is
// resumable by calling Run again; any other exit ends the evaluation.
func (c *Capability) Run(t *Thread) InterpExitCode {
	c.currentThread = t
	s := c.st
	if s == nil || s.t != t {
		return InterpOk
	}
	if c.flags.get(kSingleStep) {
		c.stepBudget = c.stepLimit
	}
	rc := c.interpMsg(s, interpModeRun)
	c.mm.SyncRegion(s.hp)
	if rc != InterpOutOfSteps {
		c.st = nil
	}
	if rc == InterpStackOverflow || rc == InterpUnimplemented {
		// A failed thread must not leave a partial recording behind:
		// the trace would silently keep growing across the next Eval.
		if c.IsRecording() {
			c.jit.abort()
		}
		c.pendingState = statePendingNone
		c.applyState(StateInterp)
		log.Errorf("interpreter exit: %v", rc)
	}
	return rc
}

// ---------------------------------------------------------------------------
// Branch handling
// ---------------------------------------------------------------------------

// interpBranch is the control-transfer hook invoked on every call,
// return, and loop branch. The frame base has already been adjusted by
// the caller according to the branch type; this hook owns the hotness
// and recording logic and commits the transfer: on return, s.code and
// s.pc point at wherever execution continues, which is dst unless a
// compiled fragment was entered.
func (c *Capability) interpBranch(s *interpState, src, dst Pc, bt BranchType) InterpExitCode {
	if c.IsRecording() {
		// An empty trace means this branch is the recording's own start,
		// not the loop closing; finish only after a full iteration.
		if dst == c.jit.Target() && c.jit.TraceLen() > 0 {
			c.finishRecording()
		}
	} else if c.cfg.JitEnabled {
		if frag := c.jit.Fragment(dst); frag != nil && c.pendingState == statePendingNone {
			return c.enterFragment(s, frag)
		}
		if c.pendingState == statePendingNone && c.counters.Tick(dst) {
			c.SetState(StateRecord)
			c.jit.requestStart(dst)
		}
	}

	c.selectDispatch()
	s.code = dst.Code
	s.pc = dst.Off
	return interpContinue
}

// finishRecording packages the recorded sequence, hands it to the
// backend compiler, and switches back to plain interpretation. Compile
// failure degrades to continued interpretation; it is never an
// execution failure.
func (c *Capability) finishRecording() {
	frag, err := c.jit.finish()
	if err != nil {
		log.Infof("trace discarded: %v", err)
	} else {
		log.Debugf("fragment registered for %v", frag.Root)
	}
	c.applyState(StateInterp)
}

// enterFragment transfers control into compiled code and restores
// interpreter-compatible state at its side exit. The heap cursor is
// owned by the fragment for the duration of the call; the interpreter
// resumes allocating from exactly where compiled code stopped.
func (c *Capability) enterFragment(s *interpState, frag *Fragment) InterpExitCode {
	switchInterpToAsm.Add(1)
	exit := frag.Entry(s.t, s.hp, s.hplim)

	c.traceExitHp = exit.Hp
	c.traceExitHpLim = exit.HpLim
	s.hp = exit.Hp
	s.hplim = exit.HpLim
	s.code = exit.Resume.Code
	s.pc = exit.Resume.Off

	c.selectDispatch()
	return interpContinue
}
