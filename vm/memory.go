package vm

import "fmt"

// ---------------------------------------------------------------------------
// MemoryManager: the allocation-boundary contract
// ---------------------------------------------------------------------------

// A heap pointer is an abstract word offset into the memory manager's
// current bump region. The interpreter and compiled code allocate by
// bumping it inline; only its owner at any instant may advance it, and
// ownership transfers atomically at every interpreter/compiled-code
// boundary crossing.
//
// MemoryManager is the narrow surface the execution core consumes. The
// tracing/copying collector behind the slow path is an external
// collaborator; the core only relies on the boundary semantics below.
type MemoryManager interface {
	// BumpAllocatorFullNoGC reports whether the bump region is
	// exhausted, without any collection side effects. The interpreter
	// bumps hp first and consults this check after, which keeps the
	// common case a single predictable branch.
	BumpAllocatorFullNoGC(hp, hplim *uintptr) bool

	// AllocSlow makes room for at least need words, replacing the bump
	// region and rewriting hp/hplim. It may collect, and collection may
	// relocate closures: any raw reference held across this call must
	// be re-derived afterwards, never cached.
	AllocSlow(hp, hplim *uintptr, need int) error

	// Region returns the current heap cursor and limit, used when a
	// capability picks up a thread.
	Region() (hp, hplim uintptr)

	// SyncRegion hands the heap cursor back to the manager when the
	// interpreter loop exits. Ownership of the cursor returns to the
	// manager until the next Region call.
	SyncRegion(hp uintptr)

	// CarveClosure binds a closure header over the n words of the
	// current region starting at start. The words must have been
	// reserved by bumping hp beforehand.
	CarveClosure(info *InfoTable, start uintptr, n int) *Closure

	// CarvePap is CarveClosure for partial applications.
	CarvePap(info *InfoTable, start uintptr, n int, pointerMask uint16, nargs uint16, fun *Closure) *PapClosure

	// StaticClosure allocates a closure outside the bump region. Used
	// by the loader for static closures and by tests.
	StaticClosure(info *InfoTable, payload []Word) *Closure
}

// ---------------------------------------------------------------------------
// BumpHeap: segment-based bump allocator
// ---------------------------------------------------------------------------

// BumpHeap is the concrete memory manager used by the CLI and tests.
// Its slow path retires the current segment and starts a fresh one;
// running a real collection over retired segments is the collector's
// business, not the execution core's.
type BumpHeap struct {
	segment  []Word
	segWords int
	cursor   uintptr

	// Closure headers must stay reachable from Go for as long as
	// packed Word references to them may exist.
	retained []*Closure

	// Diagnostic counters. Never consulted by control flow.
	slowAllocs      uint64
	segmentsRetired uint64
}

// DefaultSegmentWords is the default bump-segment size.
const DefaultSegmentWords = 1 << 16

// NewBumpHeap creates a bump heap with the given segment size in words.
// A non-positive size falls back to DefaultSegmentWords.
func NewBumpHeap(segWords int) *BumpHeap {
	if segWords <= 0 {
		segWords = DefaultSegmentWords
	}
	return &BumpHeap{
		segment:  make([]Word, segWords),
		segWords: segWords,
	}
}

// BumpAllocatorFullNoGC reports whether hp has run past hplim.
func (h *BumpHeap) BumpAllocatorFullNoGC(hp, hplim *uintptr) bool {
	return *hp > *hplim
}

// Region returns the current heap cursor and segment limit.
func (h *BumpHeap) Region() (hp, hplim uintptr) {
	return h.cursor, uintptr(len(h.segment))
}

// SyncRegion records the heap cursor handed back by the interpreter.
func (h *BumpHeap) SyncRegion(hp uintptr) {
	h.cursor = hp
}

// AllocSlow retires the current segment and starts a fresh one large
// enough for need words. Closures carved from retired segments keep
// their payload storage; only the bump cursor moves.
func (h *BumpHeap) AllocSlow(hp, hplim *uintptr, need int) error {
	if need < 0 {
		return fmt.Errorf("vm: AllocSlow with negative size %d", need)
	}
	size := h.segWords
	if need > size {
		size = need
	}
	h.segment = make([]Word, size)
	h.segmentsRetired++
	h.slowAllocs++
	h.cursor = 0
	*hp = 0
	*hplim = uintptr(len(h.segment))
	return nil
}

// CarveClosure binds a closure header over reserved segment words.
func (h *BumpHeap) CarveClosure(info *InfoTable, start uintptr, n int) *Closure {
	end := start + uintptr(n)
	if end > uintptr(len(h.segment)) {
		panic(fmt.Sprintf("vm: carve [%d,%d) past segment end %d", start, end, len(h.segment)))
	}
	c := &Closure{info: info, payload: h.segment[start:end:end]}
	h.retained = append(h.retained, c)
	return c
}

// CarvePap binds a partial-application header over reserved words.
func (h *BumpHeap) CarvePap(info *InfoTable, start uintptr, n int, pointerMask uint16, nargs uint16, fun *Closure) *PapClosure {
	end := start + uintptr(n)
	if end > uintptr(len(h.segment)) {
		panic(fmt.Sprintf("vm: carve [%d,%d) past segment end %d", start, end, len(h.segment)))
	}
	p := &PapClosure{
		Closure:     Closure{info: info, payload: h.segment[start:end:end]},
		pointerMask: pointerMask,
		nargs:       nargs,
		fun:         fun,
	}
	h.retained = append(h.retained, &p.Closure)
	return p
}

// StaticClosure allocates a closure with its own payload storage,
// outside any bump region.
func (h *BumpHeap) StaticClosure(info *InfoTable, payload []Word) *Closure {
	c := &Closure{info: info, payload: payload}
	h.retained = append(h.retained, c)
	return c
}

// SlowAllocs returns how many times the slow path has run.
func (h *BumpHeap) SlowAllocs() uint64 {
	return h.slowAllocs
}

// SegmentsRetired returns how many segments have been retired.
func (h *BumpHeap) SegmentsRetired() uint64 {
	return h.segmentsRetired
}

// LiveClosures returns the number of retained closure headers.
func (h *BumpHeap) LiveClosures() int {
	return len(h.retained)
}
