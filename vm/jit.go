package vm

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// ---------------------------------------------------------------------------
// Trace recording and the backend compiler boundary
// ---------------------------------------------------------------------------

// TracedIns is one recorded instruction: the pc it was fetched from
// (kept as a raw pc literal, the recorder-only literal type) plus the
// opcode and its operand bytes.
type TracedIns struct {
	At       Pc
	Op       Opcode
	Operands []byte
}

// Trace is the linear instruction/operand sequence recorded along one
// hot control-flow path, anchored at its loop header.
type Trace struct {
	Root Pc
	Ins  []TracedIns
}

// TraceCompiler is the handoff contract to the native-code backend:
// turn a recorded trace into a Fragment. Compilation failure is not an
// execution failure; the capability degrades to continued
// interpretation and resets the hot counter for the root.
type TraceCompiler interface {
	CompileTrace(trace *Trace) (*Fragment, error)
}

// ---------------------------------------------------------------------------
// Jit: recorder state and fragment registry
// ---------------------------------------------------------------------------

// Jit holds a capability's trace-recording state: the active trace, the
// registry of compiled fragments keyed by loop header, and the backend
// compiler. One Jit per Capability; never shared.
type Jit struct {
	compiler TraceCompiler
	counters CounterMaintenance

	// Recorder state. Valid only while the owning capability is in
	// STATE_RECORD.
	target Pc // the loop-closing target of the active recording
	trace  []TracedIns

	// pendingTarget is set when a branch target crosses the hotness
	// threshold and recording has been requested but not yet begun;
	// the mode switch applies at the next synchronization point.
	pendingTarget   Pc
	hasPendingStart bool

	fragments map[Pc]*Fragment

	// Fragment metadata sink, optional.
	store *FragmentStore

	// Statistics, diagnostic only.
	tracesCompiled uint64
	tracesFailed   uint64
	tracesAborted  uint64
}

// NewJit creates a recorder bound to a backend compiler and the hot
// counter maintenance hook. A nil compiler disables fragment
// production: every finished recording is discarded as a compile
// failure.
func NewJit(compiler TraceCompiler, counters CounterMaintenance) *Jit {
	return &Jit{
		compiler:  compiler,
		counters:  counters,
		fragments: make(map[Pc]*Fragment),
	}
}

// SetStore attaches a fragment metadata store.
func (j *Jit) SetStore(store *FragmentStore) {
	j.store = store
}

// requestStart remembers the loop-closing target for the recording that
// will begin at the next synchronization point.
func (j *Jit) requestStart(target Pc) {
	j.pendingTarget = target
	j.hasPendingStart = true
}

// beginTrace starts recording toward the pending target. Called by the
// capability when the STATE_RECORD switch takes effect.
func (j *Jit) beginTrace() {
	j.target = j.pendingTarget
	j.hasPendingStart = false
	j.trace = j.trace[:0]
}

// Target returns the loop-closing target of the active recording.
func (j *Jit) Target() Pc {
	return j.target
}

// TraceLen returns the number of instructions recorded so far.
func (j *Jit) TraceLen() int {
	return len(j.trace)
}

// record appends one instruction to the active trace.
func (j *Jit) record(at Pc, op Opcode, operands []byte) {
	ins := TracedIns{At: at, Op: op}
	if len(operands) > 0 {
		ins.Operands = append([]byte(nil), operands...)
	}
	j.trace = append(j.trace, ins)
}

// finish hands the completed trace to the backend compiler. On success
// the fragment is registered for direct entry and the root's hot
// counter is reset so recompilation needs fresh hotness. On failure the
// trace is discarded and the counter is reset all the same, so an
// immediate certain-to-fail retry cannot happen; any permanent
// abandonment policy lives with whoever owns the maintenance hook.
func (j *Jit) finish() (*Fragment, error) {
	root := j.target
	trace := &Trace{Root: root, Ins: append([]TracedIns(nil), j.trace...)}
	j.trace = j.trace[:0]

	defer j.counters.Reset(root)

	if j.compiler == nil {
		j.tracesFailed++
		return nil, fmt.Errorf("vm: no trace compiler configured")
	}

	start := time.Now()
	frag, err := j.compiler.CompileTrace(trace)
	if err != nil {
		j.tracesFailed++
		return nil, fmt.Errorf("vm: trace compile for %v: %w", root, err)
	}

	j.fragments[root] = frag
	j.tracesCompiled++

	if j.store != nil {
		// Metadata only; a store failure never affects execution.
		_ = j.store.Record(FragmentMeta{
			Root:        root.Off,
			TraceLen:    len(trace.Ins),
			CompileTime: time.Since(start),
			CompiledAt:  start,
		})
	}
	return frag, nil
}

// abort discards the active trace without a compile attempt. Used when
// recording runs into a path the recorder cannot represent.
func (j *Jit) abort() {
	j.trace = j.trace[:0]
	j.tracesAborted++
	j.counters.Reset(j.target)
}

// Fragment returns the compiled fragment rooted at pc, or nil.
func (j *Jit) Fragment(pc Pc) *Fragment {
	return j.fragments[pc]
}

// FragmentCount returns the number of registered fragments.
func (j *Jit) FragmentCount() int {
	return len(j.fragments)
}

// JitStats holds recorder statistics.
type JitStats struct {
	TracesCompiled uint64
	TracesFailed   uint64
	TracesAborted  uint64
	FragmentCount  int
}

// Stats returns recorder statistics.
func (j *Jit) Stats() JitStats {
	return JitStats{
		TracesCompiled: j.tracesCompiled,
		TracesFailed:   j.tracesFailed,
		TracesAborted:  j.tracesAborted,
		FragmentCount:  len(j.fragments),
	}
}

// ---------------------------------------------------------------------------
// Trace snapshots
// ---------------------------------------------------------------------------

// traceSnapshot is the wire form of a trace: pc values flattened to
// offsets, in canonical CBOR. Out-of-process backends and diagnostics
// consume this instead of the in-memory Trace.
type traceSnapshot struct {
	Root int           `cbor:"1,keyasint"`
	Ins  []insSnapshot `cbor:"2,keyasint"`
}

type insSnapshot struct {
	Off      int    `cbor:"1,keyasint"`
	Op       byte   `cbor:"2,keyasint"`
	Operands []byte `cbor:"3,keyasint,omitempty"`
}

// MarshalTrace serializes a trace to canonical CBOR bytes.
func MarshalTrace(t *Trace) ([]byte, error) {
	snap := traceSnapshot{Root: t.Root.Off}
	for _, ins := range t.Ins {
		snap.Ins = append(snap.Ins, insSnapshot{
			Off:      ins.At.Off,
			Op:       byte(ins.Op),
			Operands: ins.Operands,
		})
	}
	return cborEncMode.Marshal(&snap)
}

// UnmarshalTrace deserializes a trace snapshot. The pc code references
// are rebound to the given code object; a snapshot is only meaningful
// alongside the code it was recorded from.
func UnmarshalTrace(data []byte, code *Code) (*Trace, error) {
	var snap traceSnapshot
	if err := cbor.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("vm: unmarshal trace: %w", err)
	}
	t := &Trace{Root: Pc{Code: code, Off: snap.Root}}
	for _, ins := range snap.Ins {
		t.Ins = append(t.Ins, TracedIns{
			At:       Pc{Code: code, Off: ins.Off},
			Op:       Opcode(ins.Op),
			Operands: ins.Operands,
		})
	}
	return t, nil
}
