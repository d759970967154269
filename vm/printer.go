package vm

import (
	"fmt"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Diagnostic printing
// ---------------------------------------------------------------------------

// FormatLiteral renders the literal at index i of a code object in a
// form ParseLiteral can decode back to the same type and value.
func FormatLiteral(code *Code, i int) string {
	w := code.Lit(i)
	lt := code.LitType(i)
	switch lt {
	case LitInt:
		return "int:" + strconv.FormatInt(w.Int(), 10)
	case LitString:
		return "string:" + strconv.Quote(code.LitStr(w))
	case LitChar:
		return "char:" + strconv.QuoteRune(w.Char())
	case LitWord:
		return "word:0x" + strconv.FormatUint(uint64(w), 16)
	case LitFloat:
		return "float:" + strconv.FormatFloat(float64(w.Float()), 'g', -1, 32)
	case LitClosure:
		return "closure:" + w.ClosureRef().Info().Name()
	case LitInfo:
		return "info:" + w.InfoRef().Name()
	case LitPc:
		return "pc:" + strconv.FormatUint(uint64(w), 10)
	default:
		return fmt.Sprintf("?%d:0x%x", uint8(lt), uint64(w))
	}
}

// LitResolver resolves a printed closure or info-table name back to a
// packed reference word. The loader's symbol tables satisfy this.
type LitResolver func(name string, lt LitType) (Word, bool)

// ParseLiteral decodes a string produced by FormatLiteral. Reference
// literals are resolved through the given resolver; scalar literals
// need none.
func ParseLiteral(s string, resolve LitResolver) (Word, LitType, error) {
	tag, rest, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("vm: malformed literal %q", s)
	}
	switch tag {
	case "int":
		v, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("vm: bad int literal %q: %w", rest, err)
		}
		return WordFromInt(v), LitInt, nil
	case "string":
		v, err := strconv.Unquote(rest)
		if err != nil {
			return 0, 0, fmt.Errorf("vm: bad string literal %q: %w", rest, err)
		}
		if resolve == nil {
			return 0, 0, fmt.Errorf("vm: string literal %q needs a resolver", rest)
		}
		w, ok := resolve(v, LitString)
		if !ok {
			return 0, 0, fmt.Errorf("vm: unresolved string literal %q", v)
		}
		return w, LitString, nil
	case "char":
		v, err := strconv.Unquote(rest)
		if err != nil || len([]rune(v)) != 1 {
			return 0, 0, fmt.Errorf("vm: bad char literal %q", rest)
		}
		return WordFromChar([]rune(v)[0]), LitChar, nil
	case "word":
		v, err := strconv.ParseUint(strings.TrimPrefix(rest, "0x"), 16, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("vm: bad word literal %q: %w", rest, err)
		}
		return Word(v), LitWord, nil
	case "float":
		v, err := strconv.ParseFloat(rest, 32)
		if err != nil {
			return 0, 0, fmt.Errorf("vm: bad float literal %q: %w", rest, err)
		}
		return WordFromFloat(float32(v)), LitFloat, nil
	case "closure", "info":
		lt := LitClosure
		if tag == "info" {
			lt = LitInfo
		}
		if resolve == nil {
			return 0, 0, fmt.Errorf("vm: %s literal %q needs a resolver", tag, rest)
		}
		w, ok := resolve(rest, lt)
		if !ok {
			return 0, 0, fmt.Errorf("vm: unresolved %s literal %q", tag, rest)
		}
		return w, lt, nil
	case "pc":
		v, err := strconv.ParseUint(rest, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("vm: bad pc literal %q: %w", rest, err)
		}
		return Word(v), LitPc, nil
	default:
		return 0, 0, fmt.Errorf("vm: unknown literal type %q", tag)
	}
}

// FormatClosure renders a closure for diagnostics. With oneline set the
// payload is summarized; otherwise each payload word is printed on its
// own line according to the layout descriptor.
func FormatClosure(c *Closure, oneline bool) string {
	if c == nil {
		return "<nil closure>"
	}
	info := c.Info()
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s[%s]", info.Name(), info.Type())

	switch info.Type() {
	case Constr:
		fmt.Fprintf(&sb, " tag=%d", c.Tag())
	case Ind, StaticInd:
		fmt.Fprintf(&sb, " -> %s", c.Indirectee().Info().Name())
		return sb.String()
	case Pap:
		p := c.AsPap()
		fmt.Fprintf(&sb, " fun=%s nargs=%d", p.Fun().Info().Name(), p.NumArgs())
	}

	if oneline {
		fmt.Fprintf(&sb, " payload=%d", c.PayloadLen())
		return sb.String()
	}

	sb.WriteString(" {")
	writePayload(&sb, c, info.Layout())
	sb.WriteString("\n}")
	return sb.String()
}

// writePayload prints payload words under the direction of the layout
// descriptor: pointer words as closure names, the rest as raw words.
func writePayload(sb *strings.Builder, c *Closure, layout Layout) {
	switch layout.Kind() {
	case LayoutPayload:
		ptrs, _ := layout.Pointers()
		for i := 0; i < c.PayloadLen(); i++ {
			if i < int(ptrs) {
				fmt.Fprintf(sb, "\n  [%d] %s", i, c.Payload(i).ClosureRef().Info().Name())
			} else {
				fmt.Fprintf(sb, "\n  [%d] 0x%x", i, uint64(c.Payload(i)))
			}
		}
	case LayoutBitmap:
		bm := layout.Bitmap()
		for i := 0; i < c.PayloadLen(); i++ {
			if bm&(1<<uint(i)) != 0 {
				fmt.Fprintf(sb, "\n  [%d] %s", i, c.Payload(i).ClosureRef().Info().Name())
			} else {
				fmt.Fprintf(sb, "\n  [%d] 0x%x", i, uint64(c.Payload(i)))
			}
		}
	case LayoutSelector:
		fmt.Fprintf(sb, "\n  select [%d]", layout.SelectorOffset())
	}
}

// Disasm renders a code object's instruction stream, one instruction
// per line. Offsets are byte offsets into the stream.
func Disasm(code *Code) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "framesize=%d arity=%d lits=%d\n", code.Framesize, code.Arity, code.LitCount())
	for i := 0; i < code.LitCount(); i++ {
		fmt.Fprintf(&sb, "  lit %d: %s\n", i, FormatLiteral(code, i))
	}
	for off := 0; off < len(code.Instrs); {
		op := Opcode(code.Instrs[off])
		width := instrWidth(op, code.Instrs, off)
		fmt.Fprintf(&sb, "  %04d  %s", off, op)
		for _, operand := range code.Instrs[off+1 : off+width] {
			fmt.Fprintf(&sb, " %d", operand)
		}
		sb.WriteByte('\n')
		off += width
	}
	return sb.String()
}

// instrWidth returns the encoded width of the instruction at off,
// opcode byte included.
func instrWidth(op Opcode, instrs []byte, off int) int {
	switch op {
	case OpNop, OpHalt:
		return 1
	case OpLoadSelf, OpEval, OpRet:
		return 2
	case OpMov, OpLoadTag, OpUpdate:
		return 3
	case OpJmp, OpLoop:
		return 3
	case OpJz:
		return 4
	case OpLoadLit:
		return 4
	case OpAddInt, OpSubInt, OpMulInt, OpCmpLt, OpCmpEq:
		return 4
	case OpLoadField:
		return 4
	case OpCall:
		// op, fn slot, argc, args...
		return 3 + int(instrs[off+2])
	case OpAllocCon:
		// op, dst, info lit (2 bytes), argc, args...
		return 5 + int(instrs[off+4])
	default:
		return 1
	}
}
