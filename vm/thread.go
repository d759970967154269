package vm

// ---------------------------------------------------------------------------
// Thread: one logical thread of interpretation
// ---------------------------------------------------------------------------

// FrameSize is the number of header slots reserved ahead of each call
// frame's locals: saved pc, saved base, and the closure under
// evaluation in the caller.
const FrameSize = 3

// frame records the interpreter state to restore when a call returns.
type frame struct {
	retPc   int      // instruction offset to resume at
	retCode *Code    // code object to resume in
	retBase int      // caller's frame base
	retCur  *Closure // closure the caller was evaluating
	retSlot int      // caller slot that receives the returned value

	// Update frames overwrite their thunk with an indirection to the
	// returned value before control continues upward.
	updatee *Closure
}

// Thread holds the execution state of one logical thread: the slot
// stack shared by all frames and the call-frame stack. A thread is
// driven by exactly one Capability at a time.
type Thread struct {
	stack  []Word  // slot stack; frames index it relative to their base
	base   int     // current frame base
	frames []frame // call stack
	fp     int     // frame pointer (-1 when no frame is active)

	maxFrames int // call-depth limit; exceeding it is a stack overflow
}

// DefaultStackWords is the initial slot-stack capacity of a thread.
const DefaultStackWords = 4096

// DefaultMaxFrames bounds recursion depth. Exceeding it reports
// InterpStackOverflow rather than growing without bound.
const DefaultMaxFrames = 1 << 16

// NewThread creates a thread with default stack limits.
func NewThread() *Thread {
	return &Thread{
		stack:     make([]Word, DefaultStackWords),
		fp:        -1,
		maxFrames: DefaultMaxFrames,
	}
}

// NewThreadWithLimits creates a thread with explicit stack limits.
// Used by tests that need a small, overflowable stack.
func NewThreadWithLimits(stackWords, maxFrames int) *Thread {
	return &Thread{
		stack:     make([]Word, stackWords),
		fp:        -1,
		maxFrames: maxFrames,
	}
}

// slot returns the word at frame-relative index i.
func (t *Thread) slot(i int) Word {
	return t.stack[t.base+i]
}

// setSlot stores a word at frame-relative index i.
func (t *Thread) setSlot(i int, w Word) {
	t.stack[t.base+i] = w
}

// pushFrame records the return state and moves the frame base to
// newBase, leaving room for calleeFramesize locals. Reports false on
// stack overflow; the caller translates that into InterpStackOverflow.
func (t *Thread) pushFrame(f frame, newBase, calleeFramesize int) bool {
	if t.fp+1 >= t.maxFrames || newBase+calleeFramesize > len(t.stack) {
		return false
	}
	t.fp++
	if t.fp >= len(t.frames) {
		t.frames = append(t.frames, f)
	} else {
		t.frames[t.fp] = f
	}
	t.base = newBase
	return true
}

// popFrame restores the caller's frame and returns the popped record.
func (t *Thread) popFrame() frame {
	f := t.frames[t.fp]
	t.frames[t.fp] = frame{}
	t.fp--
	t.base = f.retBase
	return f
}

// Depth returns the current call depth.
func (t *Thread) Depth() int {
	return t.fp + 1
}
