package vm

import "testing"

// ---------------------------------------------------------------------------
// Program-building helpers
// ---------------------------------------------------------------------------

func intBoxInfo() *InfoTable {
	return NewInfoTable(Constr, "I#", 1, PayloadLayout(0, 1), 1)
}

// sumProgram builds a thunk body computing n + (n-1) + ... + 1 in a
// tight counted loop, boxing the result. Returns the code and the
// offsets of the loop header and loop exit.
func sumProgram(n int64, box *InfoTable) (code *Code, loopOff, doneOff int) {
	b := NewCodeBuilder(4, 0)
	limLit := b.AddLit(WordFromInt(n), LitInt)
	zeroLit := b.AddLit(WordFromInt(0), LitInt)
	oneLit := b.AddLit(WordFromInt(1), LitInt)
	boxLit := b.AddLit(WordFromInfo(box), LitInfo)

	b.EmitU16(OpLoadLit, 0, uint16(limLit))
	b.EmitU16(OpLoadLit, 1, uint16(zeroLit))
	loopOff = b.Here()
	jz := b.EmitJump(OpJz, 0)
	b.EmitBytes(OpAddInt, 1, 1, 0)
	b.EmitU16(OpLoadLit, 2, uint16(oneLit))
	b.EmitBytes(OpSubInt, 0, 0, 2)
	lp := b.EmitJump(OpLoop, 0)
	b.PatchJump(lp, loopOff)
	doneOff = b.Here()
	b.PatchJump(jz, doneOff)
	b.EmitAllocCon(3, boxLit, 1)
	b.EmitByte(OpRet, 3)
	return b.Build(), loopOff, doneOff
}

func makeThunk(h *BumpHeap, name string, code *Code) *Closure {
	info := NewCodeInfoTable(Thunk, name, 1, PayloadLayout(0, 1), 0, code)
	return h.StaticClosure(info, make([]Word, 1))
}

// unbox follows indirections and reads the int field of a boxed result.
func unbox(t *testing.T, cl *Closure) int64 {
	t.Helper()
	for cl.IsIndirection() {
		cl = cl.Indirectee()
	}
	if cl.Info().Type() != Constr {
		t.Fatalf("result is %v, want a constructor", cl.Info().Type())
	}
	return cl.Payload(0).Int()
}

// ---------------------------------------------------------------------------
// Evaluation
// ---------------------------------------------------------------------------

func TestEvalSumLoop(t *testing.T) {
	h := NewBumpHeap(0)
	c := NewCapability(h, nil)
	code, _, _ := sumProgram(10, intBoxInfo())
	root := makeThunk(h, "sum10", code)

	if !c.Eval(NewThread(), root) {
		t.Fatal("Eval failed")
	}
	if got := unbox(t, root); got != 55 {
		t.Errorf("sum(10) = %d, want 55", got)
	}
}

func TestEvalUpdatesThunkWithIndirection(t *testing.T) {
	h := NewBumpHeap(0)
	c := NewCapability(h, nil)
	code, _, _ := sumProgram(4, intBoxInfo())
	root := makeThunk(h, "sum4", code)

	if !c.Eval(NewThread(), root) {
		t.Fatal("Eval failed")
	}
	if !root.IsIndirection() {
		t.Fatal("evaluated thunk should be overwritten with an indirection")
	}

	// A second Eval must reuse the update, not re-run the body: poke
	// the boxed value and check the poke survives.
	root.Indirectee().SetPayload(0, WordFromInt(123))
	if !c.Eval(NewThread(), root) {
		t.Fatal("second Eval failed")
	}
	if got := unbox(t, root); got != 123 {
		t.Errorf("second Eval recomputed the thunk: got %d, want 123", got)
	}
}

func TestEvalHNFClosureIsNoop(t *testing.T) {
	h := NewBumpHeap(0)
	c := NewCapability(h, nil)
	box := h.StaticClosure(intBoxInfo(), []Word{WordFromInt(5)})

	if !c.Eval(NewThread(), box) {
		t.Fatal("Eval of an HNF closure should succeed")
	}
	if box.Payload(0).Int() != 5 {
		t.Error("HNF closure should be untouched")
	}
}

func TestEvalBlackholedThunkFails(t *testing.T) {
	h := NewBumpHeap(0)
	c := NewCapability(h, nil)
	code, _, _ := sumProgram(1, intBoxInfo())
	root := makeThunk(h, "bh", code)
	root.SetInfo(BlackholeInfoTable())

	if c.Eval(NewThread(), root) {
		t.Error("Eval of a blackhole must fail")
	}
}

func TestEvalOutOfRangeOpcodeFails(t *testing.T) {
	// Code that never went through the linker can carry any byte; the
	// dispatch loop must report it as an error, not index past the
	// dispatch table.
	h := NewBumpHeap(0)
	c := NewCapability(h, nil)
	root := makeThunk(h, "garbage", &Code{Framesize: 1, Instrs: []byte{0x50}})

	if c.Eval(NewThread(), root) {
		t.Error("Eval of an out-of-range opcode must fail")
	}
}

// ---------------------------------------------------------------------------
// Calls and partial application
// ---------------------------------------------------------------------------

// add2Program builds an arity-2 function boxing the sum of its
// arguments, plus a thunk applying it one argument at a time.
func papProgram(h *BumpHeap, box *InfoTable) *Closure {
	fb := NewCodeBuilder(3, 2)
	fBoxLit := fb.AddLit(WordFromInfo(box), LitInfo)
	fb.EmitBytes(OpAddInt, 0, 0, 1)
	fb.EmitAllocCon(2, fBoxLit, 0)
	fb.EmitByte(OpRet, 2)
	addInfo := NewCodeInfoTable(Fun, "add2", 0, PayloadLayout(0, 0), 0, fb.Build())
	addCl := h.StaticClosure(addInfo, nil)

	mb := NewCodeBuilder(4, 0)
	fLit := mb.AddLit(WordFromClosure(addCl), LitClosure)
	aLit := mb.AddLit(WordFromInt(40), LitInt)
	bLit := mb.AddLit(WordFromInt(2), LitInt)
	mb.EmitU16(OpLoadLit, 0, uint16(fLit))
	mb.EmitU16(OpLoadLit, 1, uint16(aLit))
	mb.EmitCall(0, 1)
	mb.EmitU16(OpLoadLit, 1, uint16(bLit))
	mb.EmitCall(0, 1)
	mb.EmitByte(OpRet, 0)
	return makeThunk(h, "papMain", mb.Build())
}

func TestPartialApplication(t *testing.T) {
	h := NewBumpHeap(0)
	c := NewCapability(h, nil)
	root := papProgram(h, intBoxInfo())

	if !c.Eval(NewThread(), root) {
		t.Fatal("Eval failed")
	}
	if got := unbox(t, root); got != 42 {
		t.Errorf("add2 40 2 = %d, want 42", got)
	}
}

func TestStackOverflow(t *testing.T) {
	h := NewBumpHeap(0)
	c := NewCapability(h, nil)

	fb := NewCodeBuilder(2, 0)
	selfLit := fb.AddLit(0, LitClosure)
	fb.EmitU16(OpLoadLit, 0, uint16(selfLit))
	fb.EmitCall(0)
	fb.EmitByte(OpRet, 0)
	code := fb.Build()
	info := NewCodeInfoTable(Fun, "forever", 0, PayloadLayout(0, 0), 0, code)
	fun := h.StaticClosure(info, nil)
	code.Lits[selfLit] = WordFromClosure(fun)

	mb := NewCodeBuilder(2, 0)
	fLit := mb.AddLit(WordFromClosure(fun), LitClosure)
	mb.EmitU16(OpLoadLit, 0, uint16(fLit))
	mb.EmitCall(0)
	mb.EmitByte(OpRet, 0)
	root := makeThunk(h, "overflow", mb.Build())

	if c.Eval(NewThreadWithLimits(512, 16), root) {
		t.Error("unbounded recursion must fail with a stack overflow")
	}
}

// ---------------------------------------------------------------------------
// Heap behavior under interpretation
// ---------------------------------------------------------------------------

func TestAllocationSlowPath(t *testing.T) {
	h := NewBumpHeap(4)
	c := NewCapability(h, nil)
	code, _, _ := sumProgram(20, intBoxInfo())

	// Fill most of the first segment so the final box allocation has
	// to take the slow path.
	hp, hplim := h.Region()
	hp += 4
	if h.BumpAllocatorFullNoGC(&hp, &hplim) {
		t.Fatal("segment should hold 4 words")
	}
	h.SyncRegion(hp)

	root := makeThunk(h, "sum20", code)
	if !c.Eval(NewThread(), root) {
		t.Fatal("Eval failed")
	}
	if got := unbox(t, root); got != 210 {
		t.Errorf("sum(20) = %d, want 210", got)
	}
	if h.SlowAllocs() == 0 {
		t.Error("expected at least one slow allocation")
	}
}

// ---------------------------------------------------------------------------
// Single-step overlay
// ---------------------------------------------------------------------------

func TestStepBudgetResumes(t *testing.T) {
	h := NewBumpHeap(0)
	c := NewCapability(h, nil)
	c.SetStepBudget(3)

	code, _, _ := sumProgram(10, intBoxInfo())
	root := makeThunk(h, "stepped", code)

	// Eval drives Run repeatedly across OutOfSteps exits; the final
	// result must match uninterrupted interpretation.
	if !c.Eval(NewThread(), root) {
		t.Fatal("Eval failed")
	}
	if got := unbox(t, root); got != 55 {
		t.Errorf("sum(10) = %d, want 55", got)
	}
}
