package tvm

// Semantic constructors. The generic New* constructors in instruction.go
// place fields by envelope position; these name the operands the way the
// emitter thinks about them (dst/src/base/offset) so lowering code reads
// like the instruction set reference.
//
// Field conventions used throughout:
//   - three-reg compute ops: Regs[0]=dst, Regs[1]=srcA, Regs[2]=srcB
//   - reg-imm compute ops:   Regs[0]=dst, Regs[1]=src, Imm[0]=value
//   - indirect loads:        Regs[0]=dst, Regs[1]=base, Imm[0]=offset
//   - indirect stores:       Regs[0]=src, Regs[1]=base, Imm[0]=offset
//   - two-reg branches:      Regs[0]=regA, Regs[1]=regB, Imm[0]=offset;
//     the branch is taken when `regB <cond> regA`
//   - reg-imm branches:      Regs[0]=reg, Imm[0]=value, Imm[1]=offset;
//     taken when `reg <cond> value`

func Trap() Instruction        { return NewNoOperand(OpTrap) }
func Fallthrough() Instruction { return NewNoOperand(OpFallthrough) }

func Jump(offset int32) Instruction { return NewJumpAbsolute(offset) }

// JumpInd jumps to the address in reg plus offset.
func JumpInd(reg uint8, offset int32) Instruction {
	return NewOneRegOneOff(OpJumpInd, reg, offset)
}

// LoadImmJump loads value into reg and jumps by offset in one instruction.
// Direct calls are emitted with this op: value is the jump-table return
// address and offset is patched at program-assembly time.
func LoadImmJump(reg uint8, value int64, offset int32) Instruction {
	return NewOneRegOneImmOneOff(OpLoadImmJump, reg, value, offset)
}

func Ecalli(index uint32) Instruction { return NewEcalli(index) }

func LoadImm(reg uint8, value int32) Instruction {
	return NewOneRegOneImm(OpLoadImm, reg, int64(value))
}

func LoadImm64(reg uint8, value uint64) Instruction {
	return NewLoadImm64(reg, value)
}

func MoveReg(dst, src uint8) Instruction { return NewTwoReg(OpMoveReg, dst, src) }
func Sbrk(dst, src uint8) Instruction    { return NewTwoReg(OpSbrk, dst, src) }

// UnaryReg builds any of the two-register bit-utility ops
// (CountSetBits*, LeadingZeroBits*, TrailingZeroBits*, SignExtend8/16,
// ZeroExtend16, ReverseBytes).
func UnaryReg(op Op, dst, src uint8) Instruction { return NewTwoReg(op, dst, src) }

// BinaryReg builds any three-register compute op.
func BinaryReg(op Op, dst, srcA, srcB uint8) Instruction {
	return NewThreeReg(op, dst, srcA, srcB)
}

func Add32(dst, srcA, srcB uint8) Instruction { return NewThreeReg(OpAdd32, dst, srcA, srcB) }
func Add64(dst, srcA, srcB uint8) Instruction { return NewThreeReg(OpAdd64, dst, srcA, srcB) }
func Sub32(dst, srcA, srcB uint8) Instruction { return NewThreeReg(OpSub32, dst, srcA, srcB) }
func Sub64(dst, srcA, srcB uint8) Instruction { return NewThreeReg(OpSub64, dst, srcA, srcB) }
func Xor(dst, srcA, srcB uint8) Instruction   { return NewThreeReg(OpXor, dst, srcA, srcB) }
func And(dst, srcA, srcB uint8) Instruction   { return NewThreeReg(OpAnd, dst, srcA, srcB) }
func Or(dst, srcA, srcB uint8) Instruction    { return NewThreeReg(OpOr, dst, srcA, srcB) }

func SetLtU(dst, srcA, srcB uint8) Instruction { return NewThreeReg(OpSetLtU, dst, srcA, srcB) }
func SetLtS(dst, srcA, srcB uint8) Instruction { return NewThreeReg(OpSetLtS, dst, srcA, srcB) }

func SetLtUImm(dst, src uint8, value int64) Instruction {
	return NewTwoRegOneImm(OpSetLtUImm, dst, src, value)
}

func AddImm32(dst, src uint8, value int32) Instruction {
	return NewTwoRegOneImm(OpAddImm32, dst, src, int64(value))
}

func AddImm64(dst, src uint8, value int64) Instruction {
	return NewTwoRegOneImm(OpAddImm64, dst, src, value)
}

func ShloL32(dst, srcA, srcB uint8) Instruction { return NewThreeReg(OpShloL32, dst, srcA, srcB) }
func ShloR32(dst, srcA, srcB uint8) Instruction { return NewThreeReg(OpShloR32, dst, srcA, srcB) }
func ShloL64(dst, srcA, srcB uint8) Instruction { return NewThreeReg(OpShloL64, dst, srcA, srcB) }
func ShloR64(dst, srcA, srcB uint8) Instruction { return NewThreeReg(OpShloR64, dst, srcA, srcB) }

// LoadInd builds an indirect load of any width: dst = width(mem[base+offset]).
func LoadInd(op Op, dst, base uint8, offset int32) Instruction {
	return Instruction{Op: op, Regs: [3]uint8{dst, base}, Imm: [2]int64{int64(offset)}}
}

// StoreInd builds an indirect store of any width: mem[base+offset] = width(src).
func StoreInd(op Op, base, src uint8, offset int32) Instruction {
	return Instruction{Op: op, Regs: [3]uint8{src, base}, Imm: [2]int64{int64(offset)}}
}

func LoadIndU32(dst, base uint8, offset int32) Instruction {
	return LoadInd(OpLoadIndU32, dst, base, offset)
}

func LoadIndU64(dst, base uint8, offset int32) Instruction {
	return LoadInd(OpLoadIndU64, dst, base, offset)
}

func StoreIndU32(base, src uint8, offset int32) Instruction {
	return StoreInd(OpStoreIndU32, base, src, offset)
}

func StoreIndU64(base, src uint8, offset int32) Instruction {
	return StoreInd(OpStoreIndU64, base, src, offset)
}

func LoadIndU8(dst, base uint8, offset int32) Instruction {
	return LoadInd(OpLoadIndU8, dst, base, offset)
}

func StoreIndU8(base, src uint8, offset int32) Instruction {
	return StoreInd(OpStoreIndU8, base, src, offset)
}

// BranchReg builds a two-register conditional branch, taken when
// `regB <cond> regA`.
func BranchReg(op Op, regA, regB uint8, offset int32) Instruction {
	return NewTwoRegOneOff(op, regA, regB, offset)
}

// BranchImm builds a register-immediate conditional branch, taken when
// `reg <cond> value`.
func BranchImm(op Op, reg uint8, value int64, offset int32) Instruction {
	return NewOneRegOneImmOneOff(op, reg, value, offset)
}

// IsBranch reports whether op is a conditional branch (any form).
func (op Op) IsBranch() bool {
	switch op {
	case OpBranchEq, OpBranchNe, OpBranchLtU, OpBranchGeU, OpBranchLtS, OpBranchGeS,
		OpBranchEqImm, OpBranchNeImm,
		OpBranchLtUImm, OpBranchLeUImm, OpBranchGeUImm, OpBranchGtUImm,
		OpBranchLtSImm, OpBranchLeSImm, OpBranchGeSImm, OpBranchGtSImm:
		return true
	}
	return false
}

// IsTerminating reports whether the instruction unconditionally leaves the
// current straight-line sequence. A label defined right after a
// non-terminating instruction needs an explicit Fallthrough marker.
func (i Instruction) IsTerminating() bool {
	switch i.Op {
	case OpTrap, OpJump, OpJumpInd, OpLoadImmJump, OpLoadImmJumpInd:
		return true
	}
	return false
}

// DestReg returns the register this instruction writes, if any. Used by
// the emitter's register cache to invalidate stale entries.
func (i Instruction) DestReg() (uint8, bool) {
	switch i.Op {
	case OpLoadImm, OpLoadImm64, OpLoadImmJump:
		return i.Regs[0], true
	case OpMoveReg, OpSbrk,
		OpCountSetBits32, OpCountSetBits64,
		OpLeadingZeroBits32, OpLeadingZeroBits64,
		OpTrailingZeroBits32, OpTrailingZeroBits64,
		OpSignExtend8, OpSignExtend16, OpZeroExtend16, OpReverseBytes:
		return i.Regs[0], true
	case OpLoadIndU8, OpLoadIndI8, OpLoadIndU16, OpLoadIndI16,
		OpLoadIndU32, OpLoadIndI32, OpLoadIndU64,
		OpLoadU8, OpLoadI8, OpLoadU16, OpLoadI16, OpLoadU32, OpLoadI32, OpLoadU64:
		return i.Regs[0], true
	}
	switch envelopeOf(i.Op) {
	case EnvThreeReg:
		return i.Regs[0], true
	case EnvTwoRegOneImm:
		return i.Regs[0], true
	}
	return 0, false
}

// EncodedLength returns the byte length of the instruction's encoding.
// Instructions built through this package's constructors always encode;
// a failure here is a compiler bug.
func (i Instruction) EncodedLength() int {
	b, err := i.Encode()
	if err != nil {
		panic("BUG: unencodable instruction: " + err.Error())
	}
	return len(b)
}
