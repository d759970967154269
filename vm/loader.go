package vm

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ---------------------------------------------------------------------------
// CBOR encoding mode
// ---------------------------------------------------------------------------

// Canonical mode gives deterministic encoding, so module images and
// trace snapshots are byte-stable across runs.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// ---------------------------------------------------------------------------
// Module wire format
// ---------------------------------------------------------------------------

// WireModule is the serialized form of one loadable module: a set of
// named items (info tables, each optionally with a code body and a
// static closure) and the name of the entry item.
type WireModule struct {
	Name  string     `cbor:"1,keyasint"`
	Items []WireItem `cbor:"2,keyasint"`
	Entry string     `cbor:"3,keyasint,omitempty"`
}

// WireItem describes one info table. Cross-item references inside code
// literals are by name and resolved at link time, so items may appear
// in any order.
type WireItem struct {
	Name        string    `cbor:"1,keyasint"`
	Type        uint8     `cbor:"2,keyasint"`
	Size        uint32    `cbor:"3,keyasint"`
	LayoutKind  uint8     `cbor:"4,keyasint"`
	Ptrs        uint16    `cbor:"5,keyasint,omitempty"`
	Nptrs       uint16    `cbor:"6,keyasint,omitempty"`
	Bitmap      uint32    `cbor:"7,keyasint,omitempty"`
	SelOffset   uint32    `cbor:"8,keyasint,omitempty"`
	TagOrBitmap uint16    `cbor:"9,keyasint,omitempty"`
	Code        *WireCode `cbor:"10,keyasint,omitempty"`
}

// WireCode is the serialized form of a code body.
type WireCode struct {
	Framesize int       `cbor:"1,keyasint"`
	Arity     int       `cbor:"2,keyasint"`
	Instrs    []byte    `cbor:"3,keyasint"`
	Lits      []WireLit `cbor:"4,keyasint,omitempty"`
	Bitmaps   []uint16  `cbor:"5,keyasint,omitempty"`
}

// WireLit is one literal-pool entry. Int carries the raw word for the
// self-contained types; Str the string payload; Name the referenced
// item for closure and info-table literals.
type WireLit struct {
	Type uint8  `cbor:"1,keyasint"`
	Int  uint64 `cbor:"2,keyasint,omitempty"`
	Str  string `cbor:"3,keyasint,omitempty"`
	Name string `cbor:"4,keyasint,omitempty"`
}

// MarshalModule serializes a module image to CBOR bytes.
func MarshalModule(m *WireModule) ([]byte, error) {
	return cborEncMode.Marshal(m)
}

// UnmarshalModule deserializes a module image from CBOR bytes.
func UnmarshalModule(data []byte) (*WireModule, error) {
	var m WireModule
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("vm: unmarshal module: %w", err)
	}
	return &m, nil
}

// ---------------------------------------------------------------------------
// Linker
// ---------------------------------------------------------------------------

// Module is a linked, executable module.
type Module struct {
	Name  string
	Entry *Closure

	tables   map[string]*InfoTable
	closures map[string]*Closure
}

// InfoTableByName returns a published info table, or nil.
func (m *Module) InfoTableByName(name string) *InfoTable {
	return m.tables[name]
}

// ClosureByName returns a published static closure, or nil.
func (m *Module) ClosureByName(name string) *Closure {
	return m.closures[name]
}

// fwdRef tracks an info-table name referenced before it was published:
// a placeholder table standing in for the real one, and every literal
// slot that must be patched once it resolves.
type fwdRef struct {
	placeholder *InfoTable
	sites       []*Word
}

// Linker is the narrow publishing capability the loader works through.
// It accumulates info tables and static closures, patches forward
// references between them, and validates each code body before
// anything becomes reachable by a thread.
type Linker struct {
	mm       MemoryManager
	maxItems int

	tables   map[string]*InfoTable
	closures map[string]*Closure

	fwdInfo    map[string]*fwdRef
	fwdClosure map[string][]*Word
}

// NewLinker creates a linker allocating static closures through mm. A
// non-positive maxItems falls back to MaxHeapEntries.
func NewLinker(mm MemoryManager, maxItems int) *Linker {
	if maxItems <= 0 {
		maxItems = MaxHeapEntries
	}
	return &Linker{
		mm:         mm,
		maxItems:   maxItems,
		tables:     make(map[string]*InfoTable),
		closures:   make(map[string]*Closure),
		fwdInfo:    make(map[string]*fwdRef),
		fwdClosure: make(map[string][]*Word),
	}
}

// Publish registers an info table under its name and patches every
// literal slot that referenced it forward. Republishing a name is a
// link error.
func (l *Linker) Publish(name string, it *InfoTable) error {
	if _, dup := l.tables[name]; dup {
		return fmt.Errorf("vm: duplicate info table %q", name)
	}
	if len(l.tables) >= l.maxItems {
		return fmt.Errorf("vm: module exceeds %d items", l.maxItems)
	}
	l.tables[name] = it

	if f, ok := l.fwdInfo[name]; ok {
		f.placeholder.next = it
		w := WordFromInfo(it)
		for _, site := range f.sites {
			*site = w
		}
		delete(l.fwdInfo, name)
	}
	return nil
}

// lookupInfo resolves a name to an info table, creating a forwarding
// placeholder when the item has not been published yet. The literal
// slot is remembered for patching.
func (l *Linker) lookupInfo(name string, site *Word) *InfoTable {
	if it, ok := l.tables[name]; ok {
		return it
	}
	f, ok := l.fwdInfo[name]
	if !ok {
		f = &fwdRef{placeholder: NewInfoTable(InvalidObject, name, 0, PayloadLayout(0, 0), 0)}
		l.fwdInfo[name] = f
	}
	f.sites = append(f.sites, site)
	return f.placeholder
}

// publishClosure registers a static closure and patches pending
// closure-literal references.
func (l *Linker) publishClosure(name string, cl *Closure) {
	l.closures[name] = cl
	if sites, ok := l.fwdClosure[name]; ok {
		w := WordFromClosure(cl)
		for _, site := range sites {
			*site = w
		}
		delete(l.fwdClosure, name)
	}
}

// Unresolved returns the names still awaiting publication. A linked
// module must report none before it can run.
func (l *Linker) Unresolved() []string {
	var names []string
	for name := range l.fwdInfo {
		names = append(names, name)
	}
	for name := range l.fwdClosure {
		names = append(names, name)
	}
	return names
}

// Resolver returns a LitResolver over the published names, used by the
// printer to round-trip closure and info-table literals.
func (l *Linker) Resolver() LitResolver {
	return func(name string, lt LitType) (Word, bool) {
		switch lt {
		case LitClosure:
			if cl, ok := l.closures[name]; ok {
				return WordFromClosure(cl), true
			}
		case LitInfo:
			if it, ok := l.tables[name]; ok {
				return WordFromInfo(it), true
			}
		}
		return 0, false
	}
}

// LoadModule links a deserialized module image: builds and validates
// every code body, publishes info tables, patches forward references,
// and materializes a static closure per item. Callers register the
// closures they keep as roots via Capability.AddStaticRoot.
func (l *Linker) LoadModule(wm *WireModule) (*Module, error) {
	if len(wm.Items) > l.maxItems {
		return nil, fmt.Errorf("vm: module %q has %d items, limit %d", wm.Name, len(wm.Items), l.maxItems)
	}

	for i := range wm.Items {
		item := &wm.Items[i]
		it, err := l.linkItem(item)
		if err != nil {
			return nil, fmt.Errorf("vm: item %q: %w", item.Name, err)
		}
		if err := l.Publish(item.Name, it); err != nil {
			return nil, err
		}

		// Thunks keep at least one payload word so the update can
		// write the indirection in place.
		n := int(it.Size())
		if it.HasCode() && n == 0 && closureFlags[it.Type()]&CfThunk != 0 {
			n = 1
		}
		cl := l.mm.StaticClosure(it, make([]Word, n))
		l.publishClosure(item.Name, cl)
	}

	if unresolved := l.Unresolved(); len(unresolved) != 0 {
		return nil, fmt.Errorf("vm: module %q has unresolved references: %v", wm.Name, unresolved)
	}

	m := &Module{
		Name:     wm.Name,
		tables:   l.tables,
		closures: l.closures,
	}
	if wm.Entry != "" {
		m.Entry = l.closures[wm.Entry]
		if m.Entry == nil {
			return nil, fmt.Errorf("vm: module %q entry %q not defined", wm.Name, wm.Entry)
		}
	}
	return m, nil
}

// linkItem builds one info table from its wire form, including its code
// body and literal pool.
func (l *Linker) linkItem(item *WireItem) (*InfoTable, error) {
	ct := ClosureType(item.Type)
	if ct == InvalidObject || ct >= NClosureTypes {
		return nil, fmt.Errorf("invalid closure type %d", item.Type)
	}

	var layout Layout
	switch LayoutKind(item.LayoutKind) {
	case LayoutPayload:
		layout = PayloadLayout(item.Ptrs, item.Nptrs)
	case LayoutBitmap:
		layout = BitmapLayout(item.Bitmap)
	case LayoutSelector:
		layout = SelectorLayout(item.SelOffset)
	default:
		return nil, fmt.Errorf("invalid layout kind %d", item.LayoutKind)
	}

	if item.Code == nil {
		if hasCodeBitmap&(1<<ct) != 0 {
			return nil, fmt.Errorf("%v item lacks a code body", ct)
		}
		return NewInfoTable(ct, item.Name, item.Size, layout, item.TagOrBitmap), nil
	}
	if hasCodeBitmap&(1<<ct) == 0 {
		return nil, fmt.Errorf("%v item cannot carry code", ct)
	}

	code, err := l.linkCode(item.Code)
	if err != nil {
		return nil, err
	}
	return NewCodeInfoTable(ct, item.Name, item.Size, layout, item.TagOrBitmap, code), nil
}

// validateInstrs walks an instruction stream and rejects opcodes
// outside the dispatch range and instructions truncated by the end of
// the stream. Nothing unvalidated here may reach the dispatch loop.
func validateInstrs(instrs []byte) error {
	for off := 0; off < len(instrs); {
		op := Opcode(instrs[off])
		if op >= nOpcodes {
			return fmt.Errorf("invalid opcode 0x%02x at offset %d", byte(op), off)
		}
		// Variable-width instructions carry their own length; make sure
		// the header bytes exist before trusting it.
		switch op {
		case OpCall:
			if off+3 > len(instrs) {
				return fmt.Errorf("truncated CALL at offset %d", off)
			}
		case OpAllocCon:
			if off+5 > len(instrs) {
				return fmt.Errorf("truncated ALLOCCON at offset %d", off)
			}
		}
		width := instrWidth(op, instrs, off)
		if off+width > len(instrs) {
			return fmt.Errorf("truncated %v at offset %d", op, off)
		}
		off += width
	}
	return nil
}

// linkCode validates a wire code body and resolves its literal pool.
func (l *Linker) linkCode(wc *WireCode) (*Code, error) {
	if wc.Framesize < wc.Arity {
		return nil, fmt.Errorf("framesize %d < arity %d", wc.Framesize, wc.Arity)
	}
	if len(wc.Instrs) == 0 {
		return nil, fmt.Errorf("empty instruction stream")
	}
	if err := validateInstrs(wc.Instrs); err != nil {
		return nil, err
	}

	code := &Code{
		Framesize: wc.Framesize,
		Arity:     wc.Arity,
		Instrs:    wc.Instrs,
		Bitmaps:   wc.Bitmaps,
		Lits:      make([]Word, len(wc.Lits)),
		LitTypes:  make([]LitType, len(wc.Lits)),
	}

	for i := range wc.Lits {
		wl := &wc.Lits[i]
		lt := LitType(wl.Type)
		code.LitTypes[i] = lt
		switch lt {
		case LitInt, LitWord, LitChar, LitFloat, LitPc:
			code.Lits[i] = Word(wl.Int)
		case LitString:
			code.Lits[i] = Word(len(code.strs))
			code.strs = append(code.strs, wl.Str)
		case LitInfo:
			if wl.Name == "" {
				return nil, fmt.Errorf("literal %d: info reference without a name", i)
			}
			code.Lits[i] = WordFromInfo(l.lookupInfo(wl.Name, &code.Lits[i]))
		case LitClosure:
			if wl.Name == "" {
				return nil, fmt.Errorf("literal %d: closure reference without a name", i)
			}
			if cl, ok := l.closures[wl.Name]; ok {
				code.Lits[i] = WordFromClosure(cl)
			} else {
				l.fwdClosure[wl.Name] = append(l.fwdClosure[wl.Name], &code.Lits[i])
			}
		default:
			return nil, fmt.Errorf("literal %d: invalid type %d", i, wl.Type)
		}
	}
	return code, nil
}
