package ssa

import "math/bits"

// simplify performs constant folding and branch simplification. Folded
// instructions are rewritten into OpcodeIconst in place, which the
// backend then inlines at each use; conditional branches on constant
// conditions collapse into unconditional jumps. Division and remainder
// are never folded — a zero divisor must trap at runtime, not at compile
// time.
func simplify(f *Function) {
	consts := make(map[Value]uint64)
	for _, bb := range f.Blocks {
		for _, instr := range bb.Instrs {
			if instr.Opcode == OpcodeIconst {
				consts[instr.Ret] = instr.U1
			}
		}
	}

	constOf := func(v Value) (uint64, bool) {
		c, ok := consts[v]
		return c, ok
	}

	for _, bb := range f.Blocks {
		kept := make([]*Instruction, 0, len(bb.Instrs))
		for _, instr := range bb.Instrs {
			if folded, ok := foldInstr(instr, constOf); ok {
				instr.Opcode = OpcodeIconst
				instr.U1 = folded
				instr.V, instr.V2, instr.V3 = ValueInvalid, ValueInvalid, ValueInvalid
				consts[instr.Ret] = folded
				kept = append(kept, instr)
				continue
			}
			if instr.Opcode == OpcodeBrnz {
				if c, ok := constOf(instr.V); ok {
					if c != 0 {
						// Always taken: becomes the only exit; the
						// stale edge to the other target is cleared by
						// RemoveDeadBlocks' pred rebuild.
						instr.Opcode = OpcodeJump
						instr.V = ValueInvalid
						kept = append(kept, instr)
						// Drop the rest of the block (the paired Jump).
						bb.Instrs = kept
						goto nextBlock
					}
					// Never taken: drop the Brnz, keep the paired Jump.
					continue
				}
			}
			kept = append(kept, instr)
		}
		bb.Instrs = kept
	nextBlock:
	}
}

func foldInstr(instr *Instruction, constOf func(Value) (uint64, bool)) (uint64, bool) {
	bin := func() (uint64, uint64, bool) {
		a, ok := constOf(instr.V)
		if !ok {
			return 0, 0, false
		}
		b, ok := constOf(instr.V2)
		if !ok {
			return 0, 0, false
		}
		return a, b, true
	}
	is32 := instr.Type == TypeI32
	norm := func(v uint64) uint64 {
		if is32 {
			return uint64(uint32(v))
		}
		return v
	}

	switch instr.Opcode {
	case OpcodeIadd:
		if a, b, ok := bin(); ok {
			return norm(a + b), true
		}
	case OpcodeIsub:
		if a, b, ok := bin(); ok {
			return norm(a - b), true
		}
	case OpcodeImul:
		if a, b, ok := bin(); ok {
			return norm(a * b), true
		}
	case OpcodeBand:
		if a, b, ok := bin(); ok {
			return norm(a & b), true
		}
	case OpcodeBor:
		if a, b, ok := bin(); ok {
			return norm(a | b), true
		}
	case OpcodeBxor:
		if a, b, ok := bin(); ok {
			return norm(a ^ b), true
		}
	case OpcodeIshl:
		if a, b, ok := bin(); ok {
			if is32 {
				return uint64(uint32(a) << (b & 31)), true
			}
			return a << (b & 63), true
		}
	case OpcodeUshr:
		if a, b, ok := bin(); ok {
			if is32 {
				return uint64(uint32(a) >> (b & 31)), true
			}
			return a >> (b & 63), true
		}
	case OpcodeSshr:
		if a, b, ok := bin(); ok {
			if is32 {
				return uint64(uint32(int32(a) >> (b & 31))), true
			}
			return uint64(int64(a) >> (b & 63)), true
		}
	case OpcodeRotl:
		if a, b, ok := bin(); ok {
			if is32 {
				return uint64(bits.RotateLeft32(uint32(a), int(b&31))), true
			}
			return bits.RotateLeft64(a, int(b&63)), true
		}
	case OpcodeRotr:
		if a, b, ok := bin(); ok {
			if is32 {
				return uint64(bits.RotateLeft32(uint32(a), -int(b&31))), true
			}
			return bits.RotateLeft64(a, -int(b&63)), true
		}
	case OpcodeIcmp:
		if a, b, ok := bin(); ok {
			return foldIcmp(instr.Cond, a, b, is32), true
		}
	case OpcodeSelect:
		if c, ok := constOf(instr.V); ok {
			pick := instr.V3
			if c != 0 {
				pick = instr.V2
			}
			if v, ok := constOf(pick); ok {
				return v, true
			}
		}
	case OpcodeUextend:
		if a, ok := constOf(instr.V); ok {
			switch instr.FromBits() {
			case 1, 8:
				return a & 0xFF, true
			case 16:
				return a & 0xFFFF, true
			case 32:
				return a & 0xFFFF_FFFF, true
			}
		}
	case OpcodeSextend:
		if a, ok := constOf(instr.V); ok {
			switch instr.FromBits() {
			case 8:
				return uint64(int64(int8(a))), true
			case 16:
				return uint64(int64(int16(a))), true
			case 32:
				return uint64(int64(int32(a))), true
			}
		}
	case OpcodeItrunc:
		if a, ok := constOf(instr.V); ok {
			switch instr.FromBits() {
			case 1:
				return a & 1, true
			case 32:
				return uint64(int64(int32(a))), true
			}
		}
	}
	return 0, false
}

func foldIcmp(cond IcmpCond, a, b uint64, is32 bool) uint64 {
	if is32 {
		a, b = uint64(uint32(a)), uint64(uint32(b))
	}
	sa, sb := int64(a), int64(b)
	if is32 {
		sa, sb = int64(int32(uint32(a))), int64(int32(uint32(b)))
	}
	var r bool
	switch cond {
	case IcmpCondEqual:
		r = a == b
	case IcmpCondNotEqual:
		r = a != b
	case IcmpCondUnsignedLessThan:
		r = a < b
	case IcmpCondSignedLessThan:
		r = sa < sb
	case IcmpCondUnsignedGreaterThan:
		r = a > b
	case IcmpCondSignedGreaterThan:
		r = sa > sb
	case IcmpCondUnsignedLessThanOrEqual:
		r = a <= b
	case IcmpCondSignedLessThanOrEqual:
		r = sa <= sb
	case IcmpCondUnsignedGreaterThanOrEqual:
		r = a >= b
	case IcmpCondSignedGreaterThanOrEqual:
		r = sa >= sb
	}
	if r {
		return 1
	}
	return 0
}
