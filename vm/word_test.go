package vm

import "testing"

func TestWordIntRoundTrip(t *testing.T) {
	tests := []int64{0, 1, -1, 42, -42, 1<<62 - 1, -(1 << 62)}
	for _, v := range tests {
		if got := WordFromInt(v).Int(); got != v {
			t.Errorf("WordFromInt(%d).Int() = %d", v, got)
		}
	}
}

func TestWordCharRoundTrip(t *testing.T) {
	tests := []rune{0, 'a', 'λ', 'é', 0x10FFFF}
	for _, r := range tests {
		if got := WordFromChar(r).Char(); got != r {
			t.Errorf("WordFromChar(%q).Char() = %q", r, got)
		}
	}
}

func TestWordFloatRoundTrip(t *testing.T) {
	tests := []float32{0, 1.5, -2.25, 3.14159}
	for _, f := range tests {
		if got := WordFromFloat(f).Float(); got != f {
			t.Errorf("WordFromFloat(%v).Float() = %v", f, got)
		}
	}
}

func TestWordClosureRoundTrip(t *testing.T) {
	c := &Closure{info: NewInfoTable(Constr, "Unit", 0, PayloadLayout(0, 0), 1)}
	if got := WordFromClosure(c).ClosureRef(); got != c {
		t.Error("closure reference did not survive packing")
	}
}

func TestWordInfoRoundTrip(t *testing.T) {
	info := NewInfoTable(Constr, "Unit", 0, PayloadLayout(0, 0), 1)
	if got := WordFromInfo(info).InfoRef(); got != info {
		t.Error("info reference did not survive packing")
	}
}

// growStack forces several goroutine stack growths between packing a
// reference and unpacking it, so a referent kept alive only through
// the packed word's integer value would have moved.
func growStack(n int) byte {
	var buf [1024]byte
	if n == 0 {
		return buf[0]
	}
	buf[0] = growStack(n - 1)
	return buf[0]
}

func TestPackedReferenceSurvivesStackGrowth(t *testing.T) {
	done := make(chan Word, 2)
	go func() {
		info := NewInfoTable(Constr, "Pinned", 0, PayloadLayout(0, 0), 1)
		cl := &Closure{info: info}
		wi := WordFromInfo(info)
		wc := WordFromClosure(cl)
		growStack(256)
		done <- wi
		done <- wc
	}()
	wi, wc := <-done, <-done
	if got := wi.InfoRef(); got == nil || got.Name() != "Pinned" {
		t.Error("packed info reference did not survive a stack growth")
	}
	if got := wc.ClosureRef(); got == nil || got.Info() != wi.InfoRef() {
		t.Error("packed closure reference did not survive a stack growth")
	}
}
