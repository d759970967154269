package vm

import "encoding/binary"

// ---------------------------------------------------------------------------
// Dispatch tables
// ---------------------------------------------------------------------------

// instrFn executes one instruction. The opcode byte has already been
// fetched; s.pc points at the first operand byte and s.opOff at the
// opcode. Returning interpContinue keeps the loop running; anything
// else exits it.
type instrFn func(c *Capability, s *interpState) InterpExitCode

// dispatchTable maps opcodes to handlers. Three tables exist per
// capability: normal, recording (each handler additionally feeds the
// trace recorder), and single-step (each handler additionally charges
// the step budget). The loop indexes whichever table the capability
// last selected.
type dispatchTable [nOpcodes]instrFn

// interpState is the register state of one interpretation: the current
// code object, instruction pointer, the closure under evaluation, and
// the heap cursor the interpreter owns while it is the executing side.
type interpState struct {
	t     *Thread
	code  *Code
	pc    int
	opOff int      // offset of the opcode being dispatched
	cur   *Closure // closure currently being evaluated

	hp    uintptr
	hplim uintptr

	halted bool
}

// Operand fetching. Widths match instrWidth in printer.go.

func (s *interpState) fetchByte() byte {
	b := s.code.Instrs[s.pc]
	s.pc++
	return b
}

func (s *interpState) fetchU16() uint16 {
	v := binary.LittleEndian.Uint16(s.code.Instrs[s.pc:])
	s.pc += 2
	return v
}

func (s *interpState) fetchI16() int {
	return int(int16(s.fetchU16()))
}

// ---------------------------------------------------------------------------
// The interpreter loop
// ---------------------------------------------------------------------------

// interpMsg either builds the dispatch tables (init mode, once per
// capability) or drives the dispatch loop until an exit code.
func (c *Capability) interpMsg(s *interpState, mode interpMode) InterpExitCode {
	if mode == interpModeInit {
		c.initDispatch()
		return InterpOk
	}

	for {
		if s.pc < 0 || s.pc >= len(s.code.Instrs) {
			log.Errorf("pc %d outside instruction stream (len=%d)", s.pc, len(s.code.Instrs))
			return InterpUnimplemented
		}
		s.opOff = s.pc
		op := Opcode(s.code.Instrs[s.pc])
		s.pc++
		if op >= nOpcodes {
			log.Errorf("opcode 0x%02x out of range at %d", byte(op), s.opOff)
			return InterpUnimplemented
		}

		if c.flags.get(kTraceBytecode) {
			log.Debugf("%4d  %v", s.opOff, op)
		}

		fn := c.dispatch2[op]
		if fn == nil {
			log.Errorf("unimplemented opcode %v at %d", op, s.opOff)
			return InterpUnimplemented
		}
		if rc := fn(c, s); rc != interpContinue {
			return rc
		}
		if s.halted {
			return InterpOk
		}
	}
}

// initDispatch builds the three dispatch tables. The recording and
// single-step tables wrap the normal handlers rather than duplicating
// them, so the three stay in lockstep by construction.
func (c *Capability) initDispatch() {
	normal := &dispatchTable{
		OpNop:       opNop,
		OpMov:       opMov,
		OpLoadLit:   opLoadLit,
		OpLoadSelf:  opLoadSelf,
		OpAllocCon:  opAllocCon,
		OpLoadField: opLoadField,
		OpLoadTag:   opLoadTag,
		OpUpdate:    opUpdate,
		OpEval:      opEval,
		OpCall:      opCall,
		OpRet:       opRet,
		OpJmp:       opJmp,
		OpJz:        opJz,
		OpLoop:      opLoop,
		OpHalt:      opHalt,
		OpAddInt:    opAddInt,
		OpSubInt:    opSubInt,
		OpMulInt:    opMulInt,
		OpCmpLt:     opCmpLt,
		OpCmpEq:     opCmpEq,
	}

	record := &dispatchTable{}
	singleStep := &dispatchTable{}
	for i := range normal {
		fn := normal[i]
		if fn == nil {
			continue
		}
		record[i] = func(c *Capability, s *interpState) InterpExitCode {
			width := instrWidth(Opcode(s.code.Instrs[s.opOff]), s.code.Instrs, s.opOff)
			c.jit.record(Pc{Code: s.code, Off: s.opOff},
				Opcode(s.code.Instrs[s.opOff]),
				s.code.Instrs[s.opOff+1:s.opOff+width])
			return fn(c, s)
		}
		singleStep[i] = func(c *Capability, s *interpState) InterpExitCode {
			if c.stepBudget == 0 {
				// Rewind so Run resumes at this instruction.
				s.pc = s.opOff
				return InterpOutOfSteps
			}
			if c.stepBudget > 0 {
				c.stepBudget--
			}
			// Recording stays active under the overlay.
			if c.IsRecording() {
				return c.dispatchRecord[s.code.Instrs[s.opOff]](c, s)
			}
			return fn(c, s)
		}
	}

	c.dispatchNormal = normal
	c.dispatchRecord = record
	c.dispatchSingleStep = singleStep
}

// ---------------------------------------------------------------------------
// Instruction handlers
// ---------------------------------------------------------------------------

func opNop(c *Capability, s *interpState) InterpExitCode {
	return interpContinue
}

func opMov(c *Capability, s *interpState) InterpExitCode {
	a := s.fetchByte()
	b := s.fetchByte()
	s.t.setSlot(int(a), s.t.slot(int(b)))
	return interpContinue
}

func opLoadLit(c *Capability, s *interpState) InterpExitCode {
	a := s.fetchByte()
	idx := s.fetchU16()
	s.t.setSlot(int(a), s.code.Lit(int(idx)))
	return interpContinue
}

func opLoadSelf(c *Capability, s *interpState) InterpExitCode {
	a := s.fetchByte()
	s.t.setSlot(int(a), WordFromClosure(s.cur))
	return interpContinue
}

func opAllocCon(c *Capability, s *interpState) InterpExitCode {
	dst := s.fetchByte()
	infoIdx := s.fetchU16()
	argc := int(s.fetchByte())
	argSlots := s.code.Instrs[s.pc : s.pc+argc]
	s.pc += argc

	info := s.code.Lit(int(infoIdx)).InfoRef()
	need := int(info.Size())
	if argc > need {
		need = argc
	}

	cl, rc := c.allocClosure(s, info, need)
	if rc != interpContinue {
		return rc
	}
	for i := 0; i < argc; i++ {
		cl.SetPayload(i, s.t.slot(int(argSlots[i])))
	}
	s.t.setSlot(int(dst), WordFromClosure(cl))

	if c.flags.get(kDecodeClosures) {
		log.Debugf("alloc %s", FormatClosure(cl, true))
	}
	return interpContinue
}

// allocClosure bump-allocates n payload words: bump, fast boundary
// check, slow path on exhaustion. Raw closure references held by the
// caller across this call are invalid afterwards; everything the
// handler needs is re-derived from thread slots.
func (c *Capability) allocClosure(s *interpState, info *InfoTable, n int) (*Closure, InterpExitCode) {
	s.hp += uintptr(n)
	if c.heapCheckFailQuick(&s.hp, &s.hplim) {
		s.hp -= uintptr(n)
		if err := c.mm.AllocSlow(&s.hp, &s.hplim, n); err != nil {
			log.Errorf("slow allocation failed: %v", err)
			return nil, InterpUnimplemented
		}
		s.hp += uintptr(n)
	}
	return c.mm.CarveClosure(info, s.hp-uintptr(n), n), interpContinue
}

func opLoadField(c *Capability, s *interpState) InterpExitCode {
	a := s.fetchByte()
	b := s.fetchByte()
	idx := s.fetchByte()
	cl := s.t.slot(int(b)).ClosureRef()
	for cl.IsIndirection() {
		cl = cl.Indirectee()
	}
	s.t.setSlot(int(a), cl.Payload(int(idx)))
	return interpContinue
}

func opLoadTag(c *Capability, s *interpState) InterpExitCode {
	a := s.fetchByte()
	b := s.fetchByte()
	cl := s.t.slot(int(b)).ClosureRef()
	for cl.IsIndirection() {
		cl = cl.Indirectee()
	}
	s.t.setSlot(int(a), Word(cl.Tag()))
	return interpContinue
}

func opUpdate(c *Capability, s *interpState) InterpExitCode {
	a := s.fetchByte()
	b := s.fetchByte()
	target := s.t.slot(int(a)).ClosureRef()
	updateClosure(target, s.t.slot(int(b)))
	return interpContinue
}

// updateClosure overwrites a thunk with an indirection to its result.
func updateClosure(target *Closure, result Word) {
	target.SetInfo(indInfo)
	target.SetPayload(0, result)
}

func opEval(c *Capability, s *interpState) InterpExitCode {
	a := s.fetchByte()
	cl := s.t.slot(int(a)).ClosureRef()
	for cl.IsIndirection() {
		cl = cl.Indirectee()
	}
	if cl.IsHNF() {
		s.t.setSlot(int(a), WordFromClosure(cl))
		return interpContinue
	}
	if !cl.IsThunk() {
		log.Errorf("eval of %v closure %q", cl.Info().Type(), cl.Info().Name())
		return InterpUnimplemented
	}

	code := cl.Info().Code()
	src := Pc{Code: s.code, Off: s.opOff}
	newBase := s.t.base + s.code.Framesize + FrameSize
	f := frame{
		retPc:   s.pc,
		retCode: s.code,
		retBase: s.t.base,
		retCur:  s.cur,
		retSlot: int(a),
		updatee: cl,
	}
	if !s.t.pushFrame(f, newBase, code.Framesize) {
		return InterpStackOverflow
	}
	cl.SetInfo(blackholeInfo)
	s.cur = cl
	return c.interpBranch(s, src, Pc{Code: code}, BranchCall)
}

func opCall(c *Capability, s *interpState) InterpExitCode {
	a := s.fetchByte()
	argc := int(s.fetchByte())
	argSlots := s.code.Instrs[s.pc : s.pc+argc]
	s.pc += argc

	var args [maxCallArgs]Word
	if argc > maxCallArgs {
		log.Errorf("call with %d arguments", argc)
		return InterpUnimplemented
	}
	for i := 0; i < argc; i++ {
		args[i] = s.t.slot(int(argSlots[i]))
	}

	fn := s.t.slot(int(a)).ClosureRef()
	for fn.IsIndirection() {
		fn = fn.Indirectee()
	}
	return c.apply(s, int(a), fn, args[:argc])
}

// maxCallArgs bounds the argument count of a single call instruction.
const maxCallArgs = 16

// apply enters a function closure with the given arguments, building a
// partial application when too few are supplied. Over-application and
// calls to non-functions are unimplemented paths.
func (c *Capability) apply(s *interpState, retSlot int, fn *Closure, args []Word) InterpExitCode {
	switch fn.Info().Type() {
	case Fun, Caf:
		code := fn.Info().Code()
		switch {
		case len(args) == code.Arity:
			return c.enterFun(s, retSlot, fn, code, args)
		case len(args) < code.Arity:
			return c.buildPap(s, retSlot, fn, args)
		default:
			log.Errorf("over-application: %d args to arity-%d %q", len(args), code.Arity, fn.Info().Name())
			return InterpUnimplemented
		}

	case Pap:
		pap := fn.AsPap()
		under := pap.Fun()
		code := under.Info().Code()
		var combined [maxCallArgs]Word
		total := int(pap.NumArgs()) + len(args)
		if total > maxCallArgs {
			return InterpUnimplemented
		}
		for i := 0; i < int(pap.NumArgs()); i++ {
			combined[i] = pap.Payload(i)
		}
		copy(combined[pap.NumArgs():], args)
		switch {
		case total == code.Arity:
			return c.enterFun(s, retSlot, under, code, combined[:total])
		case total < code.Arity:
			return c.buildPap(s, retSlot, under, combined[:total])
		default:
			return InterpUnimplemented
		}

	default:
		log.Errorf("call of %v closure %q", fn.Info().Type(), fn.Info().Name())
		return InterpUnimplemented
	}
}

// enterFun pushes a call frame and transfers control to a function
// body, copying the arguments into the callee's first slots.
func (c *Capability) enterFun(s *interpState, retSlot int, fn *Closure, code *Code, args []Word) InterpExitCode {
	src := Pc{Code: s.code, Off: s.opOff}
	newBase := s.t.base + s.code.Framesize + FrameSize
	f := frame{
		retPc:   s.pc,
		retCode: s.code,
		retBase: s.t.base,
		retCur:  s.cur,
		retSlot: retSlot,
	}
	if !s.t.pushFrame(f, newBase, code.Framesize) {
		return InterpStackOverflow
	}
	for i, arg := range args {
		s.t.setSlot(i, arg)
	}
	s.cur = fn
	return c.interpBranch(s, src, Pc{Code: code}, BranchCall)
}

// buildPap heap-allocates a partial application holding the supplied
// arguments and stores it in the result slot; control does not
// transfer.
func (c *Capability) buildPap(s *interpState, retSlot int, fn *Closure, args []Word) InterpExitCode {
	n := len(args)
	need := n
	if need == 0 {
		need = 1
	}

	s.hp += uintptr(need)
	if c.heapCheckFailQuick(&s.hp, &s.hplim) {
		s.hp -= uintptr(need)
		if err := c.mm.AllocSlow(&s.hp, &s.hplim, need); err != nil {
			log.Errorf("slow allocation failed: %v", err)
			return InterpUnimplemented
		}
		s.hp += uintptr(need)
	}
	pap := c.mm.CarvePap(papInfo, s.hp-uintptr(need), need, 0, uint16(n), fn)
	for i, arg := range args {
		pap.SetPayload(i, arg)
	}
	s.t.setSlot(retSlot, WordFromClosure(&pap.Closure))

	if c.flags.get(kDecodeClosures) {
		log.Debugf("alloc %s", FormatClosure(&pap.Closure, true))
	}
	return interpContinue
}

func opRet(c *Capability, s *interpState) InterpExitCode {
	a := s.fetchByte()
	v := s.t.slot(int(a))

	src := Pc{Code: s.code, Off: s.opOff}
	f := s.t.popFrame()
	if f.updatee != nil {
		updateClosure(f.updatee, v)
	}
	if f.retCode == nil {
		// Bottom frame: the evaluation this thread was started for is
		// complete. The result reaches the caller through the updated
		// thunk, not through a register.
		s.halted = true
		return interpContinue
	}

	s.cur = f.retCur
	s.t.setSlot(f.retSlot, v)
	return c.interpBranch(s, src, Pc{Code: f.retCode, Off: f.retPc}, BranchReturn)
}

func opJmp(c *Capability, s *interpState) InterpExitCode {
	rel := s.fetchI16()
	s.pc += rel
	return interpContinue
}

func opJz(c *Capability, s *interpState) InterpExitCode {
	a := s.fetchByte()
	rel := s.fetchI16()
	if s.t.slot(int(a)) == 0 {
		s.pc += rel
	}
	return interpContinue
}

// opLoop is the designated synchronization instruction: a pending state
// switch requested any time earlier takes effect here, between two
// complete logical steps, before the branch is taken.
func opLoop(c *Capability, s *interpState) InterpExitCode {
	rel := s.fetchI16()
	target := s.pc + rel

	c.applyPendingState()

	src := Pc{Code: s.code, Off: s.opOff}
	return c.interpBranch(s, src, Pc{Code: s.code, Off: target}, BranchCall)
}

func opHalt(c *Capability, s *interpState) InterpExitCode {
	s.halted = true
	return interpContinue
}

func opAddInt(c *Capability, s *interpState) InterpExitCode {
	a, b, d := s.fetchByte(), s.fetchByte(), s.fetchByte()
	s.t.setSlot(int(a), WordFromInt(s.t.slot(int(b)).Int()+s.t.slot(int(d)).Int()))
	return interpContinue
}

func opSubInt(c *Capability, s *interpState) InterpExitCode {
	a, b, d := s.fetchByte(), s.fetchByte(), s.fetchByte()
	s.t.setSlot(int(a), WordFromInt(s.t.slot(int(b)).Int()-s.t.slot(int(d)).Int()))
	return interpContinue
}

func opMulInt(c *Capability, s *interpState) InterpExitCode {
	a, b, d := s.fetchByte(), s.fetchByte(), s.fetchByte()
	s.t.setSlot(int(a), WordFromInt(s.t.slot(int(b)).Int()*s.t.slot(int(d)).Int()))
	return interpContinue
}

func opCmpLt(c *Capability, s *interpState) InterpExitCode {
	a, b, d := s.fetchByte(), s.fetchByte(), s.fetchByte()
	if s.t.slot(int(b)).Int() < s.t.slot(int(d)).Int() {
		s.t.setSlot(int(a), 1)
	} else {
		s.t.setSlot(int(a), 0)
	}
	return interpContinue
}

func opCmpEq(c *Capability, s *interpState) InterpExitCode {
	a, b, d := s.fetchByte(), s.fetchByte(), s.fetchByte()
	if s.t.slot(int(b)) == s.t.slot(int(d)) {
		s.t.setSlot(int(a), 1)
	} else {
		s.t.setSlot(int(a), 0)
	}
	return interpContinue
}
