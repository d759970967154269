package vm

import "testing"

// ---------------------------------------------------------------------------
// Closure flag table
// ---------------------------------------------------------------------------

func TestClosureFlags(t *testing.T) {
	tests := []struct {
		ct    ClosureType
		hnf   bool
		thunk bool
		ind   bool
	}{
		{Constr, true, false, false},
		{Fun, true, false, false},
		{Thunk, false, true, false},
		{Caf, false, true, false},
		{Ind, false, false, true},
		{StaticInd, false, false, true},
		{Pap, true, false, false},
		{ApCont, true, false, false},
		{Blackhole, false, false, false},
		{UpdateFrame, false, false, false},
		{InvalidObject, false, false, false},
	}

	for _, tt := range tests {
		flags := ClosureTypeFlags(tt.ct)
		if got := flags&CfHNF != 0; got != tt.hnf {
			t.Errorf("%v: HNF = %v, want %v", tt.ct, got, tt.hnf)
		}
		if got := flags&CfThunk != 0; got != tt.thunk {
			t.Errorf("%v: Thunk = %v, want %v", tt.ct, got, tt.thunk)
		}
		if got := flags&CfInd != 0; got != tt.ind {
			t.Errorf("%v: Ind = %v, want %v", tt.ct, got, tt.ind)
		}
	}
}

func TestClosurePredicates(t *testing.T) {
	info := NewInfoTable(Constr, "Pair", 2, PayloadLayout(2, 0), 3)
	c := &Closure{info: info, payload: make([]Word, 2)}

	if !c.IsHNF() {
		t.Error("constructor should be HNF")
	}
	if c.IsThunk() || c.IsIndirection() {
		t.Error("constructor should be neither thunk nor indirection")
	}
	if got := c.Tag(); got != 3 {
		t.Errorf("Tag() = %d, want 3", got)
	}
}

func TestTagPanicsOnNonConstructor(t *testing.T) {
	info := NewInfoTable(Ind, "IND", 1, PayloadLayout(1, 0), 0)
	c := &Closure{info: info, payload: make([]Word, 1)}
	expectPanic(t, func() { c.Tag() })
}

func TestIndirecteePanicsOnNonIndirection(t *testing.T) {
	info := NewInfoTable(Constr, "Unit", 0, PayloadLayout(0, 0), 1)
	c := &Closure{info: info}
	expectPanic(t, func() { c.Indirectee() })
}

// ---------------------------------------------------------------------------
// Layout variants
// ---------------------------------------------------------------------------

func TestLayoutVariants(t *testing.T) {
	p := PayloadLayout(2, 1)
	if p.Kind() != LayoutPayload {
		t.Fatalf("Kind() = %v, want payload", p.Kind())
	}
	ptrs, nptrs := p.Pointers()
	if ptrs != 2 || nptrs != 1 {
		t.Errorf("Pointers() = (%d, %d), want (2, 1)", ptrs, nptrs)
	}

	b := BitmapLayout(0b1011)
	if got := b.Bitmap(); got != 0b1011 {
		t.Errorf("Bitmap() = %b, want 1011", got)
	}

	s := SelectorLayout(4)
	if got := s.SelectorOffset(); got != 4 {
		t.Errorf("SelectorOffset() = %d, want 4", got)
	}
}

func TestLayoutWrongVariantPanics(t *testing.T) {
	p := PayloadLayout(1, 0)
	expectPanic(t, func() { p.Bitmap() })
	expectPanic(t, func() { p.SelectorOffset() })

	b := BitmapLayout(1)
	expectPanic(t, func() { b.Pointers() })
}

// ---------------------------------------------------------------------------
// Info tables
// ---------------------------------------------------------------------------

func TestHasCode(t *testing.T) {
	withCode := []ClosureType{Fun, Thunk, Caf, ApCont, UpdateFrame, Pap}
	withoutCode := []ClosureType{InvalidObject, Constr, Ind, StaticInd, Blackhole}

	for _, ct := range withCode {
		if hasCodeBitmap&(1<<ct) == 0 {
			t.Errorf("%v should carry code", ct)
		}
	}
	for _, ct := range withoutCode {
		if hasCodeBitmap&(1<<ct) != 0 {
			t.Errorf("%v should not carry code", ct)
		}
	}
}

func TestCodePanicsWithoutCode(t *testing.T) {
	info := NewInfoTable(Constr, "Nil", 0, PayloadLayout(0, 0), 0)
	if info.HasCode() {
		t.Fatal("constructor table should not have code")
	}
	expectPanic(t, func() { info.Code() })
}

func TestNewCodeInfoTablePanicsOnCodelessType(t *testing.T) {
	b := NewCodeBuilder(1, 0)
	b.Emit(OpHalt)
	code := b.Build()
	expectPanic(t, func() {
		NewCodeInfoTable(Constr, "bad", 0, PayloadLayout(0, 0), 0, code)
	})
}

// ---------------------------------------------------------------------------
// Partial applications
// ---------------------------------------------------------------------------

func TestAsPap(t *testing.T) {
	funInfo := NewInfoTable(Constr, "fake-fun", 0, PayloadLayout(0, 0), 0)
	fun := &Closure{info: funInfo}

	p := &PapClosure{}
	InitPap(p, PapInfoTable(), 0b01, 1, fun)
	p.payload = make([]Word, 1)
	p.payload[0] = WordFromInt(42)

	got := p.Closure.AsPap()
	if got != p {
		t.Fatal("AsPap should recover the PapClosure header")
	}
	if got.NumArgs() != 1 {
		t.Errorf("NumArgs() = %d, want 1", got.NumArgs())
	}
	if got.PointerMask() != 0b01 {
		t.Errorf("PointerMask() = %b, want 01", got.PointerMask())
	}
	if got.Fun() != fun {
		t.Error("Fun() should return the underlying closure")
	}
	if got.Payload(0).Int() != 42 {
		t.Errorf("Payload(0) = %d, want 42", got.Payload(0).Int())
	}
}

func TestAsPapPanicsOnNonPap(t *testing.T) {
	c := &Closure{info: NewInfoTable(Constr, "Unit", 0, PayloadLayout(0, 0), 1)}
	expectPanic(t, func() { c.AsPap() })
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func expectPanic(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	fn()
}
