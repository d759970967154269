package vm

import (
	"fmt"
	"unsafe"
)

// ---------------------------------------------------------------------------
// Literals
// ---------------------------------------------------------------------------

// LitType describes the interpretation of one literal slot in a Code
// object. Literal slots themselves are untyped Words; the parallel
// LitTypes array is what lets generic code (the printer, scan routines)
// decode them.
type LitType uint8

const (
	LitInt     LitType = iota // word-sized signed integer
	LitString                 // UTF-8 string (word is an index into the string table)
	LitChar                   // 32-bit character
	LitWord                   // word-sized unsigned integer
	LitFloat                  // 32-bit float
	LitClosure                // reference to a static closure
	LitInfo                   // reference to an info table
	LitPc                     // raw program counter, used only by the trace recorder
)

// String returns the literal type's wire name.
func (lt LitType) String() string {
	switch lt {
	case LitInt:
		return "int"
	case LitString:
		return "string"
	case LitChar:
		return "char"
	case LitWord:
		return "word"
	case LitFloat:
		return "float"
	case LitClosure:
		return "closure"
	case LitInfo:
		return "info"
	case LitPc:
		return "pc"
	default:
		return fmt.Sprintf("LitType(%d)", uint8(lt))
	}
}

// ---------------------------------------------------------------------------
// Code: a compiled function body
// ---------------------------------------------------------------------------

// Code holds the bytecode and constant pool for one function or thunk
// body. Instances are built by the loader and are immutable afterwards.
//
// Invariants, enforced at link time: Framesize >= Arity, and the
// instruction stream is non-empty.
type Code struct {
	Framesize int // number of local-variable slots
	Arity     int // number of function arguments

	Lits     []Word    // literal pool
	LitTypes []LitType // parallel interpretation tags for Lits
	Instrs   []byte    // bytecode instruction stream
	Bitmaps  []uint16  // pointer bitmaps for stack frames

	// String backing for LitString slots. A LitString word is an index
	// into this table rather than a packed pointer, so strings stay
	// reachable without a registry.
	strs []string
}

// Lit returns the literal word at the given index.
// Panics if the index is out of range.
func (c *Code) Lit(i int) Word {
	if i < 0 || i >= len(c.Lits) {
		panic(fmt.Sprintf("vm: literal index %d out of bounds (len=%d)", i, len(c.Lits)))
	}
	return c.Lits[i]
}

// LitType returns the interpretation tag for the literal at the given index.
func (c *Code) LitType(i int) LitType {
	if i < 0 || i >= len(c.LitTypes) {
		panic(fmt.Sprintf("vm: literal type index %d out of bounds (len=%d)", i, len(c.LitTypes)))
	}
	return c.LitTypes[i]
}

// LitStr resolves a LitString literal word to its string.
func (c *Code) LitStr(w Word) string {
	return c.strs[int(w)]
}

// LitCount returns the number of literal slots.
func (c *Code) LitCount() int {
	return len(c.Lits)
}

// ---------------------------------------------------------------------------
// Closure types and the flag table
// ---------------------------------------------------------------------------

// ClosureType is the closed enumeration of heap-object shapes. Every
// info table carries exactly one of these; all per-type properties are
// derived from it through the closureFlags table, never stored on the
// closure itself.
type ClosureType uint8

const (
	InvalidObject ClosureType = iota
	Constr                    // data constructor
	Fun                       // function
	Thunk                     // unevaluated suspension
	Ind                       // indirection to the evaluated result
	Caf                       // constant applicative form (top-level thunk)
	Pap                       // partial application
	ApCont                    // application continuation
	StaticInd                 // static indirection
	UpdateFrame               // update frame pushed during thunk entry
	Blackhole                 // thunk under evaluation

	NClosureTypes // number of closure types; must be last
)

var closureTypeNames = [NClosureTypes]string{
	InvalidObject: "INVALID_OBJECT",
	Constr:        "CONSTR",
	Fun:           "FUN",
	Thunk:         "THUNK",
	Ind:           "IND",
	Caf:           "CAF",
	Pap:           "PAP",
	ApCont:        "AP_CONT",
	StaticInd:     "STATIC_IND",
	UpdateFrame:   "UPDATE_FRAME",
	Blackhole:     "BLACKHOLE",
}

// String returns the closure type's symbolic name.
func (ct ClosureType) String() string {
	if ct < NClosureTypes {
		return closureTypeNames[ct]
	}
	return fmt.Sprintf("ClosureType(%d)", uint8(ct))
}

// Closure property flags, derived from the closure type.
const (
	CfHNF uint16 = 1 << iota // head normal form
	CfThunk                  // unevaluated
	CfInd                    // indirection
)

// closureFlags is the immutable per-type property table. It is indexed
// by ClosureType, initialized once, and read-only afterwards; no
// locking is needed.
var closureFlags = [NClosureTypes]uint16{
	InvalidObject: 0,
	Constr:        CfHNF,
	Fun:           CfHNF,
	Thunk:         CfThunk,
	Ind:           CfInd,
	Caf:           CfThunk,
	Pap:           CfHNF,
	ApCont:        CfHNF,
	StaticInd:     CfInd,
	UpdateFrame:   0,
	Blackhole:     0,
}

// ClosureTypeFlags returns the property flags for a closure type.
func ClosureTypeFlags(ct ClosureType) uint16 {
	return closureFlags[ct]
}

// hasCodeBitmap marks the closure types whose info tables own a code
// body. Querying Code() on any other type is a contract violation.
const hasCodeBitmap uint32 = 1<<Fun | 1<<Thunk | 1<<Caf | 1<<ApCont |
	1<<UpdateFrame | 1<<Pap

// ---------------------------------------------------------------------------
// Layout: how to scan a closure's payload
// ---------------------------------------------------------------------------

// LayoutKind discriminates the Layout variant.
type LayoutKind uint8

const (
	LayoutPayload  LayoutKind = iota // pointers-first payload (heap objects)
	LayoutBitmap                     // raw bitmap (stack-frame-shaped objects)
	LayoutSelector                   // field offset (selector closures)
)

// Layout describes how to scan a closure's payload. Exactly one variant
// is meaningful per closure, determined by the owning info table's
// closure type; the accessors panic on a variant mismatch rather than
// reinterpreting bits.
type Layout struct {
	kind LayoutKind

	ptrs  uint16 // LayoutPayload: number of pointer words
	nptrs uint16 // LayoutPayload: number of non-pointer words

	bitmap uint32 // LayoutBitmap: frame pointer bitmap

	selectorOffset uint32 // LayoutSelector: field offset
}

// PayloadLayout builds a pointers/non-pointers layout.
func PayloadLayout(ptrs, nptrs uint16) Layout {
	return Layout{kind: LayoutPayload, ptrs: ptrs, nptrs: nptrs}
}

// BitmapLayout builds a stack-frame bitmap layout.
func BitmapLayout(bitmap uint32) Layout {
	return Layout{kind: LayoutBitmap, bitmap: bitmap}
}

// SelectorLayout builds a selector-offset layout.
func SelectorLayout(offset uint32) Layout {
	return Layout{kind: LayoutSelector, selectorOffset: offset}
}

// Kind returns the layout variant.
func (l Layout) Kind() LayoutKind {
	return l.kind
}

// Pointers returns the (ptrs, nptrs) pair of a payload layout.
func (l Layout) Pointers() (ptrs, nptrs uint16) {
	if l.kind != LayoutPayload {
		panic(fmt.Sprintf("vm: Pointers on %v layout", l.kind))
	}
	return l.ptrs, l.nptrs
}

// Bitmap returns the frame bitmap of a bitmap layout.
func (l Layout) Bitmap() uint32 {
	if l.kind != LayoutBitmap {
		panic(fmt.Sprintf("vm: Bitmap on %v layout", l.kind))
	}
	return l.bitmap
}

// SelectorOffset returns the field offset of a selector layout.
func (l Layout) SelectorOffset() uint32 {
	if l.kind != LayoutSelector {
		panic(fmt.Sprintf("vm: SelectorOffset on %v layout", l.kind))
	}
	return l.selectorOffset
}

// String returns the layout kind's name.
func (k LayoutKind) String() string {
	switch k {
	case LayoutPayload:
		return "payload"
	case LayoutBitmap:
		return "bitmap"
	case LayoutSelector:
		return "selector"
	default:
		return fmt.Sprintf("LayoutKind(%d)", uint8(k))
	}
}

// ---------------------------------------------------------------------------
// InfoTable: the shared static descriptor of a closure shape
// ---------------------------------------------------------------------------

// InfoTable is the static descriptor shared by every instance of one
// closure shape. Info tables are published by the loader and immutable
// afterwards; the only exception is the forwarding patch performed
// through the Linker while a module is still being linked.
type InfoTable struct {
	typ    ClosureType
	name   string
	size   uint32 // payload size in words
	layout Layout

	// Constructor tag for Constr tables, static-reference-table bitmap
	// for Fun/Thunk/Caf tables.
	tagOrBitmap uint16

	// Code body, present only for types in hasCodeBitmap.
	code *Code

	// Forwarding chain used by the loader to patch references to this
	// table before it is resolved. Nil on every published table.
	next *InfoTable
}

// NewInfoTable builds an info table for a code-less closure shape.
func NewInfoTable(typ ClosureType, name string, size uint32, layout Layout, tagOrBitmap uint16) *InfoTable {
	return &InfoTable{typ: typ, name: name, size: size, layout: layout, tagOrBitmap: tagOrBitmap}
}

// NewCodeInfoTable builds an info table that owns a code body.
// Panics if the closure type does not carry code.
func NewCodeInfoTable(typ ClosureType, name string, size uint32, layout Layout, srtBitmap uint16, code *Code) *InfoTable {
	it := &InfoTable{typ: typ, name: name, size: size, layout: layout, tagOrBitmap: srtBitmap, code: code}
	if !it.HasCode() {
		panic(fmt.Sprintf("vm: closure type %v cannot carry code", typ))
	}
	return it
}

// Type returns the closure type tag.
func (it *InfoTable) Type() ClosureType {
	return it.typ
}

// Name returns the printable name of the shape.
func (it *InfoTable) Name() string {
	return it.name
}

// Size returns the payload size in words.
func (it *InfoTable) Size() uint32 {
	return it.size
}

// Layout returns the payload layout descriptor.
func (it *InfoTable) Layout() Layout {
	return it.layout
}

// HasCode reports whether this table's closure type owns a code body.
func (it *InfoTable) HasCode() bool {
	return hasCodeBitmap&(1<<it.typ) != 0
}

// Code returns the code body. Calling Code on a table whose type does
// not carry code is a contract violation.
func (it *InfoTable) Code() *Code {
	if !it.HasCode() {
		panic(fmt.Sprintf("vm: Code on %v info table %q", it.typ, it.name))
	}
	return it.code
}

// ---------------------------------------------------------------------------
// Closure: a heap object
// ---------------------------------------------------------------------------

// Closure is a heap object: an info-table header followed by a
// variable-length payload of words. Closures are owned by the memory
// manager; the interpreter and compiled code hold only transient
// references during execution.
//
// The payload is a bounds-checked slice rather than a flexible trailing
// array; callers index it according to the info table's layout.
type Closure struct {
	info    *InfoTable
	payload []Word
}

// InitClosure initializes a freshly allocated closure header.
func InitClosure(c *Closure, info *InfoTable) {
	c.info = info
}

// Info returns the closure's info table.
func (c *Closure) Info() *InfoTable {
	return c.info
}

// SetInfo overwrites the closure's header. Used when a thunk is
// blackholed or updated with an indirection.
func (c *Closure) SetInfo(info *InfoTable) {
	c.info = info
}

// PayloadLen returns the number of payload words.
func (c *Closure) PayloadLen() int {
	return len(c.payload)
}

// Payload returns the payload word at index i.
func (c *Closure) Payload(i int) Word {
	return c.payload[i]
}

// SetPayload stores a payload word at index i.
func (c *Closure) SetPayload(i int, w Word) {
	c.payload[i] = w
}

// IsHNF reports whether the closure is already in head normal form.
// Derived from the info table's type through the flag table.
func (c *Closure) IsHNF() bool {
	return closureFlags[c.info.typ]&CfHNF != 0
}

// IsIndirection reports whether the closure has been overwritten to
// point at its evaluated result.
func (c *Closure) IsIndirection() bool {
	return closureFlags[c.info.typ]&CfInd != 0
}

// IsThunk reports whether the closure represents unevaluated work.
func (c *Closure) IsThunk() bool {
	return closureFlags[c.info.typ]&CfThunk != 0
}

// Tag returns the constructor tag. Calling Tag on a non-constructor
// closure is a contract violation.
func (c *Closure) Tag() uint16 {
	if c.info.typ != Constr {
		panic(fmt.Sprintf("vm: Tag on %v closure %q", c.info.typ, c.info.name))
	}
	return c.info.tagOrBitmap
}

// Indirectee returns the target of an indirection closure.
func (c *Closure) Indirectee() *Closure {
	if !c.IsIndirection() {
		panic(fmt.Sprintf("vm: Indirectee on %v closure %q", c.info.typ, c.info.name))
	}
	return c.payload[0].ClosureRef()
}

// ---------------------------------------------------------------------------
// PapClosure: partial application
// ---------------------------------------------------------------------------

// PapClosure is a closure variant representing a function applied to
// fewer arguments than its arity. The extra fixed fields sit ahead of
// the payload of already-supplied argument words.
type PapClosure struct {
	Closure
	pointerMask uint16   // bitmask of which payload words are pointers
	nargs       uint16   // number of supplied arguments
	fun         *Closure // the underlying function closure
}

// InitPap initializes a freshly allocated partial application.
func InitPap(p *PapClosure, info *InfoTable, pointerMask uint16, nargs uint16, fun *Closure) {
	p.info = info
	p.pointerMask = pointerMask
	p.nargs = nargs
	p.fun = fun
}

// AsPap views a closure known to be a partial application as a
// PapClosure. The embedded Closure is the PapClosure's first field, so
// the conversion is a header reinterpretation, mirroring how the heap
// stores both shapes uniformly. Calling AsPap on any other closure type
// is a contract violation.
func (c *Closure) AsPap() *PapClosure {
	if c.info.typ != Pap {
		panic(fmt.Sprintf("vm: AsPap on %v closure %q", c.info.typ, c.info.name))
	}
	return (*PapClosure)(unsafe.Pointer(c))
}

// PointerMask returns the bitmask of pointer words in the payload.
func (p *PapClosure) PointerMask() uint16 {
	return p.pointerMask
}

// NumArgs returns the number of already-supplied arguments.
func (p *PapClosure) NumArgs() uint16 {
	return p.nargs
}

// Fun returns the underlying function closure.
func (p *PapClosure) Fun() *Closure {
	return p.fun
}

// ---------------------------------------------------------------------------
// Well-known info tables
// ---------------------------------------------------------------------------

// Shared descriptors for closure shapes the execution core creates
// itself: indirections written by thunk updates, blackholes marking
// thunks under evaluation, and partial applications. Immutable after
// initialization.
var (
	indInfo       = NewInfoTable(Ind, "IND", 1, PayloadLayout(1, 0), 0)
	blackholeInfo = NewInfoTable(Blackhole, "BLACKHOLE", 0, PayloadLayout(0, 0), 0)
	papInfo       = NewInfoTable(Pap, "PAP", 0, PayloadLayout(0, 0), 0)
)

// IndInfoTable returns the shared indirection descriptor.
func IndInfoTable() *InfoTable {
	return indInfo
}

// BlackholeInfoTable returns the shared blackhole descriptor.
func BlackholeInfoTable() *InfoTable {
	return blackholeInfo
}

// PapInfoTable returns the shared partial-application descriptor.
func PapInfoTable() *InfoTable {
	return papInfo
}
