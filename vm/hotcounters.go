package vm

// ---------------------------------------------------------------------------
// HotCounters: branch-target execution frequency
// ---------------------------------------------------------------------------

// HotSideExitThreshold is the number of visits after which a branch
// target is considered hot enough to record a trace. Crossing it is the
// sole trigger for recording.
const HotSideExitThreshold = 7

// HotCounters maps branch targets to execution counts. It is owned by
// exactly one Capability and never shared across execution contexts, so
// it needs no locking.
type HotCounters struct {
	counts    map[Pc]uint32
	threshold uint32
}

// NewHotCounters creates an empty counter table with the given
// threshold. A zero threshold falls back to HotSideExitThreshold.
func NewHotCounters(threshold uint32) *HotCounters {
	if threshold == 0 {
		threshold = HotSideExitThreshold
	}
	return &HotCounters{
		counts:    make(map[Pc]uint32),
		threshold: threshold,
	}
}

// Tick increments the counter for a branch target and reports whether
// the target just crossed the hotness threshold. Crossing happens
// exactly once per accumulation: the visit after the threshold's worth
// of visits, not before, not after.
func (hc *HotCounters) Tick(target Pc) bool {
	n := hc.counts[target] + 1
	hc.counts[target] = n
	return n == hc.threshold+1
}

// Count returns the current count for a target.
func (hc *HotCounters) Count(target Pc) uint32 {
	return hc.counts[target]
}

// Threshold returns the hotness threshold in effect.
func (hc *HotCounters) Threshold() uint32 {
	return hc.threshold
}

// ---------------------------------------------------------------------------
// Maintenance interface
// ---------------------------------------------------------------------------

// CounterMaintenance is the narrow reset surface handed to whoever owns
// the retry/backoff policy for failed or completed trace compiles. It
// replaces privileged access to the counter table: the JIT resets a
// target after a successful compile (so recompilation needs fresh
// hotness) or after a failed one (so a certain-to-fail retry is not
// immediate). The abandonment policy itself lives outside the core.
type CounterMaintenance interface {
	// Reset clears the accumulated count for a branch target.
	Reset(target Pc)
}

// Reset clears the count for a target. Implements CounterMaintenance.
func (hc *HotCounters) Reset(target Pc) {
	delete(hc.counts, target)
}
