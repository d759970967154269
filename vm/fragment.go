package vm

// ---------------------------------------------------------------------------
// Fragment: compiled native code for one trace
// ---------------------------------------------------------------------------

// SideExit carries the state a fragment hands back when one of its
// guard assumptions fails and control returns to the interpreter.
//
// Hp and HpLim are the heap pointer and heap limit exactly as compiled
// code left them. The interpreter must resume allocating from these
// values; heap continuity across the boundary is a hard invariant, and
// violating it corrupts the bump allocator.
type SideExit struct {
	Resume Pc      // where interpretation resumes
	Hp     uintptr // heap pointer as left by compiled code
	HpLim  uintptr // heap limit as left by compiled code
}

// FragmentFunc is the entry point of a compiled fragment. It receives
// ownership of the heap cursor for the duration of the call and hands
// it back through the side exit.
type FragmentFunc func(t *Thread, hp, hplim uintptr) SideExit

// Fragment is the compiled form of one recorded trace, registered for
// direct entry whenever the interpreter branches to the trace's root.
type Fragment struct {
	Root  Pc           // the loop header this fragment replaces
	Entry FragmentFunc // compiled entry point
}
