// Package tvm implements the Instruction Format subsystem (spec.md §4.4,
// §6.1): the closed TVM opcode catalog and its variable-length,
// nibble-packed, sign-extended-immediate wire encoding.
//
// Instruction is a flattened tagged variant (spec.md §9 "Polymorphism in
// the IR" — no class hierarchy): one struct with an Op tag and a handful
// of generic register/immediate slots whose meaning depends on the op's
// envelope. This mirrors tetratelabs/wazero's backend/isa/arm64
// instruction struct, which carries a kind plus generic u1/u2/u3 and
// operand fields rather than one Go type per instruction kind.
package tvm

// Op is a TVM opcode. The numeric values are this compiler's own closed
// encoding (the retrieval pack's original_source/crates/wasm-pvm/src/pvm
// keeps the instruction catalog and field shapes but not the wire opcode
// byte assignment, which lives in a sibling file the pack filtered out);
// what spec.md §8 requires is internal round-trip consistency
// (decode(encode(i)) == i), not a specific byte assignment, so the values
// below are assigned densely in catalog order.
type Op byte

const (
	OpTrap Op = iota + 1
	OpFallthrough

	// Control.
	OpJump
	OpJumpInd
	OpLoadImmJump
	OpLoadImmJumpInd
	OpEcalli

	// Load-immediate.
	OpLoadImm
	OpLoadImm64

	// 32-bit arithmetic.
	OpAdd32
	OpSub32
	OpMul32
	OpDivU32
	OpDivS32
	OpRemU32
	OpRemS32

	// 64-bit arithmetic.
	OpAdd64
	OpSub64
	OpMul64
	OpDivU64
	OpDivS64
	OpRemU64
	OpRemS64

	// Width-polymorphic bitwise (same bit pattern regardless of width).
	OpAnd
	OpOr
	OpXor
	OpAndInv
	OpOrInv
	OpXnor

	// Shifts, split by width (sign/zero-fill differs).
	OpShloL32
	OpShloR32
	OpSharR32
	OpShloL64
	OpShloR64
	OpSharR64

	// Rotates.
	OpRotL32
	OpRotL64
	OpRotR32
	OpRotR64

	// Compare-to-register.
	OpSetLtU
	OpSetLtS

	// Conditional move, register form.
	OpCmovIz
	OpCmovNz

	// Upper-64-bits-of-128-bit-product multiplies.
	OpMulUpperSS
	OpMulUpperUU
	OpMulUpperSU

	// Min/max.
	OpMax
	OpMaxU
	OpMin
	OpMinU

	// Register-immediate arithmetic/bitwise.
	OpAddImm32
	OpAddImm64
	OpAndImm
	OpOrImm
	OpXorImm
	OpMulImm32
	OpMulImm64
	OpNegAddImm32
	OpNegAddImm64

	// Register-immediate compares.
	OpSetLtUImm
	OpSetLtSImm
	OpSetGtUImm
	OpSetGtSImm

	// Register-immediate shifts.
	OpShloLImm32
	OpShloRImm32
	OpSharRImm32
	OpShloLImm64
	OpShloRImm64
	OpSharRImm64

	// "Alt" register-immediate shifts: swap the roles of the immediate
	// and the register shift amount (spec.md §6.1).
	OpShloLImmAlt32
	OpShloRImmAlt32
	OpSharRImmAlt32
	OpShloLImmAlt64
	OpShloRImmAlt64
	OpSharRImmAlt64

	// Rotate-by-immediate and its alt form.
	OpRotRImm32
	OpRotRImmAlt32
	OpRotRImm64
	OpRotRImmAlt64

	// Conditional move, immediate form.
	OpCmovIzImm
	OpCmovNzImm

	// Register moves and bit utilities.
	OpMoveReg
	OpCountSetBits32
	OpCountSetBits64
	OpLeadingZeroBits32
	OpLeadingZeroBits64
	OpTrailingZeroBits32
	OpTrailingZeroBits64
	OpSignExtend8
	OpSignExtend16
	OpZeroExtend16
	OpReverseBytes
	OpSbrk

	// Two-register conditional branches.
	OpBranchEq
	OpBranchNe
	OpBranchLtU
	OpBranchGeU
	OpBranchLtS
	OpBranchGeS

	// Register-immediate conditional branches.
	OpBranchEqImm
	OpBranchNeImm
	OpBranchLtUImm
	OpBranchLeUImm
	OpBranchGeUImm
	OpBranchGtUImm
	OpBranchLtSImm
	OpBranchLeSImm
	OpBranchGeSImm
	OpBranchGtSImm

	// Indirect loads/stores (register base + offset).
	OpLoadIndU8
	OpLoadIndI8
	OpLoadIndU16
	OpLoadIndI16
	OpLoadIndU32
	OpLoadIndI32
	OpLoadIndU64
	OpStoreIndU8
	OpStoreIndU16
	OpStoreIndU32
	OpStoreIndU64

	// Absolute loads/stores (immediate address).
	OpLoadU8
	OpLoadI8
	OpLoadU16
	OpLoadI16
	OpLoadU32
	OpLoadI32
	OpLoadU64
	OpStoreU8
	OpStoreU16
	OpStoreU32
	OpStoreU64

	// Store-immediate, absolute and indirect.
	OpStoreImmU8
	OpStoreImmU16
	OpStoreImmU32
	OpStoreImmU64
	OpStoreImmIndU8
	OpStoreImmIndU16
	OpStoreImmIndU32
	OpStoreImmIndU64

	// OpUnknown is never encoded directly; Decode produces it as a
	// passthrough for forward compatibility when a leading byte doesn't
	// match any opcode above.
	OpUnknown
)

var opNames = map[Op]string{
	OpTrap: "Trap", OpFallthrough: "Fallthrough",
	OpJump: "Jump", OpJumpInd: "JumpInd", OpLoadImmJump: "LoadImmJump",
	OpLoadImmJumpInd: "LoadImmJumpInd", OpEcalli: "Ecalli",
	OpLoadImm: "LoadImm", OpLoadImm64: "LoadImm64",
	OpAdd32: "Add32", OpSub32: "Sub32", OpMul32: "Mul32", OpDivU32: "DivU32", OpDivS32: "DivS32", OpRemU32: "RemU32", OpRemS32: "RemS32",
	OpAdd64: "Add64", OpSub64: "Sub64", OpMul64: "Mul64", OpDivU64: "DivU64", OpDivS64: "DivS64", OpRemU64: "RemU64", OpRemS64: "RemS64",
	OpAnd: "And", OpOr: "Or", OpXor: "Xor", OpAndInv: "AndInv", OpOrInv: "OrInv", OpXnor: "Xnor",
	OpShloL32: "ShloL32", OpShloR32: "ShloR32", OpSharR32: "SharR32",
	OpShloL64: "ShloL64", OpShloR64: "ShloR64", OpSharR64: "SharR64",
	OpRotL32: "RotL32", OpRotL64: "RotL64", OpRotR32: "RotR32", OpRotR64: "RotR64",
	OpSetLtU: "SetLtU", OpSetLtS: "SetLtS",
	OpCmovIz: "CmovIz", OpCmovNz: "CmovNz",
	OpMulUpperSS: "MulUpperSS", OpMulUpperUU: "MulUpperUU", OpMulUpperSU: "MulUpperSU",
	OpMax: "Max", OpMaxU: "MaxU", OpMin: "Min", OpMinU: "MinU",
	OpAddImm32: "AddImm32", OpAddImm64: "AddImm64", OpAndImm: "AndImm", OpOrImm: "OrImm", OpXorImm: "XorImm",
	OpMulImm32: "MulImm32", OpMulImm64: "MulImm64", OpNegAddImm32: "NegAddImm32", OpNegAddImm64: "NegAddImm64",
	OpSetLtUImm: "SetLtUImm", OpSetLtSImm: "SetLtSImm", OpSetGtUImm: "SetGtUImm", OpSetGtSImm: "SetGtSImm",
	OpShloLImm32: "ShloLImm32", OpShloRImm32: "ShloRImm32", OpSharRImm32: "SharRImm32",
	OpShloLImm64: "ShloLImm64", OpShloRImm64: "ShloRImm64", OpSharRImm64: "SharRImm64",
	OpShloLImmAlt32: "ShloLImmAlt32", OpShloRImmAlt32: "ShloRImmAlt32", OpSharRImmAlt32: "SharRImmAlt32",
	OpShloLImmAlt64: "ShloLImmAlt64", OpShloRImmAlt64: "ShloRImmAlt64", OpSharRImmAlt64: "SharRImmAlt64",
	OpRotRImm32: "RotRImm32", OpRotRImmAlt32: "RotRImmAlt32", OpRotRImm64: "RotRImm64", OpRotRImmAlt64: "RotRImmAlt64",
	OpCmovIzImm: "CmovIzImm", OpCmovNzImm: "CmovNzImm",
	OpMoveReg: "MoveReg", OpCountSetBits32: "CountSetBits32", OpCountSetBits64: "CountSetBits64",
	OpLeadingZeroBits32: "LeadingZeroBits32", OpLeadingZeroBits64: "LeadingZeroBits64",
	OpTrailingZeroBits32: "TrailingZeroBits32", OpTrailingZeroBits64: "TrailingZeroBits64",
	OpSignExtend8: "SignExtend8", OpSignExtend16: "SignExtend16", OpZeroExtend16: "ZeroExtend16",
	OpReverseBytes: "ReverseBytes", OpSbrk: "Sbrk",
	OpBranchEq: "BranchEq", OpBranchNe: "BranchNe", OpBranchLtU: "BranchLtU", OpBranchGeU: "BranchGeU",
	OpBranchLtS: "BranchLtS", OpBranchGeS: "BranchGeS",
	OpBranchEqImm: "BranchEqImm", OpBranchNeImm: "BranchNeImm",
	OpBranchLtUImm: "BranchLtUImm", OpBranchLeUImm: "BranchLeUImm", OpBranchGeUImm: "BranchGeUImm", OpBranchGtUImm: "BranchGtUImm",
	OpBranchLtSImm: "BranchLtSImm", OpBranchLeSImm: "BranchLeSImm", OpBranchGeSImm: "BranchGeSImm", OpBranchGtSImm: "BranchGtSImm",
	OpLoadIndU8: "LoadIndU8", OpLoadIndI8: "LoadIndI8", OpLoadIndU16: "LoadIndU16", OpLoadIndI16: "LoadIndI16",
	OpLoadIndU32: "LoadIndU32", OpLoadIndI32: "LoadIndI32", OpLoadIndU64: "LoadIndU64",
	OpStoreIndU8: "StoreIndU8", OpStoreIndU16: "StoreIndU16", OpStoreIndU32: "StoreIndU32", OpStoreIndU64: "StoreIndU64",
	OpLoadU8: "LoadU8", OpLoadI8: "LoadI8", OpLoadU16: "LoadU16", OpLoadI16: "LoadI16",
	OpLoadU32: "LoadU32", OpLoadI32: "LoadI32", OpLoadU64: "LoadU64",
	OpStoreU8: "StoreU8", OpStoreU16: "StoreU16", OpStoreU32: "StoreU32", OpStoreU64: "StoreU64",
	OpStoreImmU8: "StoreImmU8", OpStoreImmU16: "StoreImmU16", OpStoreImmU32: "StoreImmU32", OpStoreImmU64: "StoreImmU64",
	OpStoreImmIndU8: "StoreImmIndU8", OpStoreImmIndU16: "StoreImmIndU16", OpStoreImmIndU32: "StoreImmIndU32", OpStoreImmIndU64: "StoreImmIndU64",
	OpUnknown: "Unknown",
}

func (op Op) String() string {
	if n, ok := opNames[op]; ok {
		return n
	}
	return "Op(?)"
}
