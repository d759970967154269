package vm

import "testing"

func TestPushPopFrame(t *testing.T) {
	th := NewThread()
	th.setSlot(0, WordFromInt(11))

	f := frame{retPc: 9, retBase: th.base, retSlot: 0}
	if !th.pushFrame(f, th.base+4+FrameSize, 2) {
		t.Fatal("pushFrame failed")
	}
	if th.Depth() != 1 {
		t.Fatalf("Depth() = %d, want 1", th.Depth())
	}

	// The callee's slot 0 is distinct from the caller's.
	th.setSlot(0, WordFromInt(22))

	popped := th.popFrame()
	if popped.retPc != 9 || popped.retSlot != 0 {
		t.Errorf("popped frame = %+v", popped)
	}
	if th.Depth() != 0 {
		t.Errorf("Depth() = %d after pop, want 0", th.Depth())
	}
	if got := th.slot(0).Int(); got != 11 {
		t.Errorf("caller slot 0 = %d after pop, want 11", got)
	}
}

func TestPushFrameDepthOverflow(t *testing.T) {
	th := NewThreadWithLimits(1024, 2)
	if !th.pushFrame(frame{retBase: th.base}, 8, 4) {
		t.Fatal("first push should succeed")
	}
	if !th.pushFrame(frame{retBase: th.base}, 16, 4) {
		t.Fatal("second push should succeed")
	}
	if th.pushFrame(frame{retBase: th.base}, 24, 4) {
		t.Error("third push should overflow maxFrames")
	}
}

func TestPushFrameStackOverflow(t *testing.T) {
	th := NewThreadWithLimits(16, 100)
	if th.pushFrame(frame{retBase: th.base}, 10, 8) {
		t.Error("push past the slot stack should fail")
	}
}
