package vm

import (
	"path/filepath"
	"testing"
	"time"
)

func TestFragmentStoreRecordAndList(t *testing.T) {
	store, err := OpenFragmentStore(filepath.Join(t.TempDir(), "frags.db"))
	if err != nil {
		t.Fatalf("OpenFragmentStore: %v", err)
	}
	defer store.Close()

	first := FragmentMeta{Root: 12, TraceLen: 5, CompileTime: 250 * time.Microsecond, CompiledAt: time.Now()}
	second := FragmentMeta{Root: 40, TraceLen: 9, CompileTime: time.Millisecond, CompiledAt: time.Now()}
	if err := store.Record(first); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := store.Record(second); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("List returned %d rows, want 2", len(got))
	}
	// Newest first.
	if got[0].Root != 40 || got[1].Root != 12 {
		t.Errorf("order = [%d, %d], want [40, 12]", got[0].Root, got[1].Root)
	}
	if got[0].TraceLen != 9 || got[0].CompileTime != time.Millisecond {
		t.Errorf("row = %+v", got[0])
	}
}

func TestFragmentStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frags.db")

	store, err := OpenFragmentStore(path)
	if err != nil {
		t.Fatalf("OpenFragmentStore: %v", err)
	}
	if err := store.Record(FragmentMeta{Root: 7, TraceLen: 3, CompiledAt: time.Now()}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	store.Close()

	reopened, err := OpenFragmentStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].Root != 7 {
		t.Errorf("reopened store returned %+v", got)
	}
}
