package ssa

import (
	"fmt"
	"strings"
)

// Opcode determines the semantics of an Instruction.
type Opcode byte

const (
	OpcodeInvalid Opcode = iota

	// OpcodeIconst materializes an integer constant. Constants never
	// receive a stack slot in the backend; they are inlined at each use.
	OpcodeIconst

	// Integer arithmetic. The instruction's Type selects the 32- or
	// 64-bit flavor of the target op.
	OpcodeIadd
	OpcodeIsub
	OpcodeImul
	OpcodeUdiv
	OpcodeSdiv
	OpcodeUrem
	OpcodeSrem

	// Bitwise.
	OpcodeBand
	OpcodeBor
	OpcodeBxor

	// Shifts and rotates.
	OpcodeIshl
	OpcodeUshr
	OpcodeSshr
	OpcodeRotl
	OpcodeRotr

	// Bit counting.
	OpcodeClz
	OpcodeCtz
	OpcodePopcnt

	// OpcodeIcmp compares V and V2 under Cond, producing 0 or 1.
	OpcodeIcmp

	// OpcodeSelect picks V2 if V (the condition) is non-zero, else V3.
	OpcodeSelect

	// Conversions. FromBits (in U1) is the source width for the extends;
	// the target width for the truncate.
	OpcodeSextend
	OpcodeUextend
	OpcodeItrunc

	// WASM global accesses; U1 is the global index.
	OpcodeGlobalGet
	OpcodeGlobalSet

	// Local variable accesses; U1 is the local index. These model the
	// per-local alloca slots of the frontend and are fully eliminated by
	// the promoteLocals pass — the backend never sees them.
	OpcodeLocalGet
	OpcodeLocalSet

	// OpcodeCall calls Callee with Args. The callee is referenced by
	// name: "wasm_func_<N>" for WASM functions (imports included),
	// "__pvm_*" for the memory/dispatch intrinsics the backend expands.
	OpcodeCall

	// Terminators.
	OpcodeJump    // unconditional branch to Blk, passing Args
	OpcodeBrnz    // branch to Blk passing Args when V is non-zero; always followed by an OpcodeJump carrying the other edge
	OpcodeBrTable // switch on V over Targets; the last target is the default
	OpcodeReturn  // return V (ValueInvalid for void)
	OpcodeUnreachable
)

// IcmpCond is a comparison condition for OpcodeIcmp.
type IcmpCond byte

const (
	IcmpCondEqual IcmpCond = iota
	IcmpCondNotEqual
	IcmpCondUnsignedLessThan
	IcmpCondSignedLessThan
	IcmpCondUnsignedGreaterThan
	IcmpCondSignedGreaterThan
	IcmpCondUnsignedLessThanOrEqual
	IcmpCondSignedLessThanOrEqual
	IcmpCondUnsignedGreaterThanOrEqual
	IcmpCondSignedGreaterThanOrEqual
)

// String implements fmt.Stringer.
func (c IcmpCond) String() string {
	switch c {
	case IcmpCondEqual:
		return "eq"
	case IcmpCondNotEqual:
		return "ne"
	case IcmpCondUnsignedLessThan:
		return "ult"
	case IcmpCondSignedLessThan:
		return "slt"
	case IcmpCondUnsignedGreaterThan:
		return "ugt"
	case IcmpCondSignedGreaterThan:
		return "sgt"
	case IcmpCondUnsignedLessThanOrEqual:
		return "ule"
	case IcmpCondSignedLessThanOrEqual:
		return "sle"
	case IcmpCondUnsignedGreaterThanOrEqual:
		return "uge"
	case IcmpCondSignedGreaterThanOrEqual:
		return "sge"
	default:
		panic(int(c))
	}
}

// BranchTarget is one destination of an OpcodeBrTable, with the block
// arguments passed along that edge.
type BranchTarget struct {
	Blk  *BasicBlock
	Args []Value
}

// Instruction is a single IR instruction, modeled as a flattened tagged
// variant: one struct whose generic fields are interpreted per Opcode.
// This deliberately avoids an interface hierarchy — dispatch sites switch
// exhaustively on Opcode so a new variant fails loudly everywhere.
type Instruction struct {
	Opcode Opcode
	// Type is the operation width for width-dispatched opcodes, and the
	// type of the produced value otherwise.
	Type Type

	// V, V2, V3 are the fixed-arity operands.
	V, V2, V3 Value

	// Args holds call arguments, or branch arguments for Jump/Brnz.
	Args []Value

	// Blk is the branch target of Jump/Brnz.
	Blk *BasicBlock

	// Targets is BrTable's destination list (default last).
	Targets []BranchTarget

	// U1 carries the constant payload of Iconst, the index of
	// GlobalGet/GlobalSet/LocalGet/LocalSet, or FromBits of conversions.
	U1 uint64

	// Cond is Icmp's comparison condition.
	Cond IcmpCond

	// Callee is the target name of OpcodeCall.
	Callee string

	// Ret is the value this instruction defines, or ValueInvalid.
	Ret Value
}

// ConstValue returns Iconst's payload.
func (i *Instruction) ConstValue() uint64 { return i.U1 }

// FromBits returns the conversion source width (Sextend/Uextend) or
// target width (Itrunc).
func (i *Instruction) FromBits() byte { return byte(i.U1) }

// IsTerminator reports whether the instruction ends a basic block.
func (i *Instruction) IsTerminator() bool {
	switch i.Opcode {
	case OpcodeJump, OpcodeBrnz, OpcodeBrTable, OpcodeReturn, OpcodeUnreachable:
		return true
	}
	return false
}

// ProducesValue reports whether the instruction defines a value that the
// backend must track (and, unless it's a constant or fused away, assign
// a stack slot).
func (i *Instruction) ProducesValue() bool { return i.Ret.Valid() }

// numFixedOperands returns how many of V/V2/V3 the opcode uses. A zero
// Value is a real value ID, so operand traversal must be opcode-driven
// rather than guessing from field contents.
func (i *Instruction) numFixedOperands() int {
	switch i.Opcode {
	case OpcodeIconst, OpcodeGlobalGet, OpcodeLocalGet, OpcodeJump, OpcodeUnreachable, OpcodeCall:
		return 0
	case OpcodeClz, OpcodeCtz, OpcodePopcnt,
		OpcodeSextend, OpcodeUextend, OpcodeItrunc,
		OpcodeGlobalSet, OpcodeLocalSet, OpcodeBrnz, OpcodeBrTable:
		return 1
	case OpcodeReturn:
		if i.V.Valid() {
			return 1
		}
		return 0
	case OpcodeSelect:
		return 3
	default:
		return 2
	}
}

// Operands appends every value operand of i to dst and returns it. Branch
// and call arguments are included.
func (i *Instruction) Operands(dst []Value) []Value {
	switch i.numFixedOperands() {
	case 1:
		dst = append(dst, i.V)
	case 2:
		dst = append(dst, i.V, i.V2)
	case 3:
		dst = append(dst, i.V, i.V2, i.V3)
	}
	dst = append(dst, i.Args...)
	for _, t := range i.Targets {
		dst = append(dst, t.Args...)
	}
	return dst
}

// ReplaceOperands rewrites every value operand of i through f, in place.
func (i *Instruction) ReplaceOperands(f func(Value) Value) {
	switch i.numFixedOperands() {
	case 3:
		i.V3 = f(i.V3)
		fallthrough
	case 2:
		i.V2 = f(i.V2)
		fallthrough
	case 1:
		i.V = f(i.V)
	}
	for n, v := range i.Args {
		i.Args[n] = f(v)
	}
	for _, t := range i.Targets {
		for n, v := range t.Args {
			t.Args[n] = f(v)
		}
	}
}

func (o Opcode) String() string {
	switch o {
	case OpcodeIconst:
		return "Iconst"
	case OpcodeIadd:
		return "Iadd"
	case OpcodeIsub:
		return "Isub"
	case OpcodeImul:
		return "Imul"
	case OpcodeUdiv:
		return "Udiv"
	case OpcodeSdiv:
		return "Sdiv"
	case OpcodeUrem:
		return "Urem"
	case OpcodeSrem:
		return "Srem"
	case OpcodeBand:
		return "Band"
	case OpcodeBor:
		return "Bor"
	case OpcodeBxor:
		return "Bxor"
	case OpcodeIshl:
		return "Ishl"
	case OpcodeUshr:
		return "Ushr"
	case OpcodeSshr:
		return "Sshr"
	case OpcodeRotl:
		return "Rotl"
	case OpcodeRotr:
		return "Rotr"
	case OpcodeClz:
		return "Clz"
	case OpcodeCtz:
		return "Ctz"
	case OpcodePopcnt:
		return "Popcnt"
	case OpcodeIcmp:
		return "Icmp"
	case OpcodeSelect:
		return "Select"
	case OpcodeSextend:
		return "Sextend"
	case OpcodeUextend:
		return "Uextend"
	case OpcodeItrunc:
		return "Itrunc"
	case OpcodeGlobalGet:
		return "GlobalGet"
	case OpcodeGlobalSet:
		return "GlobalSet"
	case OpcodeLocalGet:
		return "LocalGet"
	case OpcodeLocalSet:
		return "LocalSet"
	case OpcodeCall:
		return "Call"
	case OpcodeJump:
		return "Jump"
	case OpcodeBrnz:
		return "Brnz"
	case OpcodeBrTable:
		return "BrTable"
	case OpcodeReturn:
		return "Return"
	case OpcodeUnreachable:
		return "Unreachable"
	default:
		return fmt.Sprintf("Opcode(%d)", byte(o))
	}
}

// Format returns a human-readable rendering, for debugging and test
// failure output.
func (i *Instruction) Format() string {
	var b strings.Builder
	if i.Ret.Valid() {
		fmt.Fprintf(&b, "%s = ", i.Ret)
	}
	b.WriteString(i.Opcode.String())
	switch i.Opcode {
	case OpcodeIconst:
		fmt.Fprintf(&b, ".%s %#x", i.Type, i.U1)
	case OpcodeIcmp:
		fmt.Fprintf(&b, ".%s.%s %s, %s", i.Cond, i.Type, i.V, i.V2)
	case OpcodeCall:
		fmt.Fprintf(&b, " %s(", i.Callee)
		for n, a := range i.Args {
			if n > 0 {
				b.WriteString(", ")
			}
			b.WriteString(a.String())
		}
		b.WriteByte(')')
	case OpcodeJump:
		fmt.Fprintf(&b, " blk%d%s", i.Blk.ID, formatArgs(i.Args))
	case OpcodeBrnz:
		fmt.Fprintf(&b, " %s, blk%d%s", i.V, i.Blk.ID, formatArgs(i.Args))
	case OpcodeBrTable:
		fmt.Fprintf(&b, " %s", i.V)
		for _, t := range i.Targets {
			fmt.Fprintf(&b, ", blk%d%s", t.Blk.ID, formatArgs(t.Args))
		}
	case OpcodeReturn:
		if i.V.Valid() {
			fmt.Fprintf(&b, " %s", i.V)
		}
	default:
		sep := " "
		fixed := [3]Value{i.V, i.V2, i.V3}
		for _, v := range fixed[:i.numFixedOperands()] {
			b.WriteString(sep)
			b.WriteString(v.String())
			sep = ", "
		}
	}
	return b.String()
}

func formatArgs(args []Value) string {
	if len(args) == 0 {
		return ""
	}
	parts := make([]string, len(args))
	for n, a := range args {
		parts[n] = a.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
