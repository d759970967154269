package vm

import (
	"math"
	"sync"
	"unsafe"
)

// Word is the machine-word unit of the heap and the operand stack.
//
// A Word is untyped at runtime: the same 64 bits may hold a signed
// integer, an unsigned integer, a 32-bit char or float, or a packed
// reference to a heap closure or an info table. The interpretation of
// a word is always external to the word itself: literal slots carry a
// parallel LitType array, closure payloads carry a layout descriptor
// owned by the info table, and stack slots are described by frame
// bitmaps. Generic code (the printer, a collector scan routine) must
// consult one of those descriptors before touching a word.
type Word uint64

// ---------------------------------------------------------------------------
// Scalar encodings
// ---------------------------------------------------------------------------

// WordFromInt encodes a signed word-sized integer.
func WordFromInt(v int64) Word {
	return Word(uint64(v))
}

// Int decodes a signed word-sized integer.
func (w Word) Int() int64 {
	return int64(w)
}

// WordFromChar encodes a 32-bit character.
func WordFromChar(r rune) Word {
	return Word(uint32(r))
}

// Char decodes a 32-bit character.
func (w Word) Char() rune {
	return rune(uint32(w))
}

// WordFromFloat encodes a 32-bit float in the low half of the word.
func WordFromFloat(f float32) Word {
	return Word(math.Float32bits(f))
}

// Float decodes a 32-bit float.
func (w Word) Float() float32 {
	return math.Float32frombits(uint32(w))
}

// ---------------------------------------------------------------------------
// Reference encodings
// ---------------------------------------------------------------------------

// Closure and info-table references are packed into words the same way
// heap pointers are packed into values in a NaN-boxed VM: the Go pointer
// is stored as the word's payload. A packed word is invisible to the Go
// runtime, so packing pins the referent: storing the pointer in the pin
// table makes it escape to the heap, where objects never move, and keeps
// it reachable for as long as packed words to it may exist. A packed
// reference must still be re-derived after any call that may enter the
// slow allocation path.

// pinned holds every referent a word has been packed from. Entries are
// never removed; static tables and heap closures live for the process
// anyway, the memory manager retaining the latter as well.
var pinned sync.Map // uintptr -> unsafe.Pointer

// WordFromClosure packs a closure reference, pinning the closure.
func WordFromClosure(c *Closure) Word {
	p := unsafe.Pointer(c)
	pinned.Store(uintptr(p), p)
	return Word(uintptr(p))
}

// ClosureRef unpacks a closure reference. The caller must know from a
// layout descriptor or literal type that the word holds one.
func (w Word) ClosureRef() *Closure {
	return (*Closure)(unsafe.Pointer(uintptr(w)))
}

// WordFromInfo packs an info-table reference, pinning the table.
func WordFromInfo(info *InfoTable) Word {
	p := unsafe.Pointer(info)
	pinned.Store(uintptr(p), p)
	return Word(uintptr(p))
}

// InfoRef unpacks an info-table reference.
func (w Word) InfoRef() *InfoTable {
	return (*InfoTable)(unsafe.Pointer(uintptr(w)))
}
