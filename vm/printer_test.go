package vm

import (
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Literal round-trips
// ---------------------------------------------------------------------------

func TestScalarLiteralRoundTrip(t *testing.T) {
	b := NewCodeBuilder(1, 0)
	intIdx := b.AddLit(WordFromInt(-42), LitInt)
	charIdx := b.AddLit(WordFromChar('λ'), LitChar)
	wordIdx := b.AddLit(Word(0xdeadbeef), LitWord)
	floatIdx := b.AddLit(WordFromFloat(2.5), LitFloat)
	pcIdx := b.AddLit(Word(17), LitPc)
	b.Emit(OpHalt)
	code := b.Build()

	for _, idx := range []int{intIdx, charIdx, wordIdx, floatIdx, pcIdx} {
		s := FormatLiteral(code, idx)
		w, lt, err := ParseLiteral(s, nil)
		if err != nil {
			t.Fatalf("ParseLiteral(%q): %v", s, err)
		}
		if lt != code.LitType(idx) {
			t.Errorf("%q: type = %v, want %v", s, lt, code.LitType(idx))
		}
		if w != code.Lit(idx) {
			t.Errorf("%q: word = %#x, want %#x", s, uint64(w), uint64(code.Lit(idx)))
		}
	}
}

func TestReferenceLiteralRoundTrip(t *testing.T) {
	info := NewInfoTable(Constr, "Cons", 2, PayloadLayout(2, 0), 2)
	cl := &Closure{info: NewInfoTable(Constr, "Nil", 0, PayloadLayout(0, 0), 1)}

	b := NewCodeBuilder(1, 0)
	infoIdx := b.AddLit(WordFromInfo(info), LitInfo)
	clIdx := b.AddLit(WordFromClosure(cl), LitClosure)
	b.Emit(OpHalt)
	code := b.Build()

	resolve := func(name string, lt LitType) (Word, bool) {
		switch {
		case lt == LitInfo && name == "Cons":
			return WordFromInfo(info), true
		case lt == LitClosure && name == "Nil":
			return WordFromClosure(cl), true
		}
		return 0, false
	}

	for _, idx := range []int{infoIdx, clIdx} {
		s := FormatLiteral(code, idx)
		w, lt, err := ParseLiteral(s, resolve)
		if err != nil {
			t.Fatalf("ParseLiteral(%q): %v", s, err)
		}
		if lt != code.LitType(idx) || w != code.Lit(idx) {
			t.Errorf("%q did not round-trip", s)
		}
	}
}

func TestParseLiteralErrors(t *testing.T) {
	tests := []string{
		"noseparator",
		"int:notanumber",
		"char:'ab'",
		"closure:Unknown",
		"mystery:1",
	}
	for _, s := range tests {
		if _, _, err := ParseLiteral(s, nil); err == nil {
			t.Errorf("ParseLiteral(%q) should fail", s)
		}
	}
}

// ---------------------------------------------------------------------------
// Closure formatting
// ---------------------------------------------------------------------------

func TestFormatClosure(t *testing.T) {
	nilInfo := NewInfoTable(Constr, "Nil", 0, PayloadLayout(0, 0), 1)
	nilCl := &Closure{info: nilInfo}

	consInfo := NewInfoTable(Constr, "Cons", 2, PayloadLayout(1, 1), 2)
	cons := &Closure{info: consInfo, payload: make([]Word, 2)}
	cons.SetPayload(0, WordFromClosure(nilCl))
	cons.SetPayload(1, WordFromInt(7))

	got := FormatClosure(cons, true)
	if !strings.Contains(got, "Cons[CONSTR]") || !strings.Contains(got, "tag=2") {
		t.Errorf("FormatClosure = %q", got)
	}

	full := FormatClosure(cons, false)
	if !strings.Contains(full, "Nil") {
		t.Errorf("full format should name pointer payloads, got %q", full)
	}
}

func TestFormatClosureIndirection(t *testing.T) {
	target := &Closure{info: NewInfoTable(Constr, "Unit", 0, PayloadLayout(0, 0), 1)}
	ind := &Closure{info: IndInfoTable(), payload: []Word{WordFromClosure(target)}}

	got := FormatClosure(ind, true)
	if !strings.Contains(got, "-> Unit") {
		t.Errorf("FormatClosure = %q, want indirection arrow", got)
	}
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

func TestDisasm(t *testing.T) {
	b := NewCodeBuilder(3, 0)
	lit := b.AddLit(WordFromInt(5), LitInt)
	b.EmitU16(OpLoadLit, 0, uint16(lit))
	b.EmitBytes(OpAddInt, 1, 0, 0)
	b.EmitByte(OpRet, 1)
	code := b.Build()

	out := Disasm(code)
	for _, want := range []string{"LOADLIT", "ADDINT", "RET", "int:5"} {
		if !strings.Contains(out, want) {
			t.Errorf("Disasm output missing %q:\n%s", want, out)
		}
	}
}

func TestInstrWidthVariable(t *testing.T) {
	b := NewCodeBuilder(4, 0)
	b.EmitCall(0, 1, 2)
	lit := b.AddLit(WordFromInfo(IndInfoTable()), LitInfo)
	b.EmitAllocCon(3, lit, 1, 2)
	code := b.Build()

	if got := instrWidth(OpCall, code.Instrs, 0); got != 5 {
		t.Errorf("CALL width = %d, want 5", got)
	}
	if got := instrWidth(OpAllocCon, code.Instrs, 5); got != 7 {
		t.Errorf("ALLOCCON width = %d, want 7", got)
	}
}
