// Package backend lowers SSA functions to TVM instruction streams: ABI
// implementation, per-value stack slots, prologue/epilogue, branch
// fixups, call and dispatch sequences, and the peephole-level
// optimizations (register cache, constant propagation, icmp/branch
// fusion, shrink wrapping, fallthrough elision, dead-store elimination).
package backend

// Register assignments. The TVM has 13 general registers, r0-r12.
const (
	// ReturnAddrReg holds the jump-table return address across calls;
	// non-leaf functions save it at frame offset 0.
	ReturnAddrReg uint8 = 0

	// StackPtrReg is the stack pointer. The stack grows down.
	StackPtrReg uint8 = 1

	// Temp1, Temp2 receive instruction operands loaded from their slots;
	// TempResult receives the computed result before it is stored back.
	Temp1      uint8 = 2
	Temp2      uint8 = 3
	TempResult uint8 = 4

	// AllocReg1, AllocReg2 are the registers opt-in register allocation
	// promotes long-lived values into.
	AllocReg1 uint8 = 5
	AllocReg2 uint8 = 6

	// ArgsPtrReg / ArgsLenReg are the ABI-visible I/O registers of entry
	// functions; ArgsPtrReg doubles as the return-value register.
	// Outside entry and call sequences they serve as extra scratch
	// (Scratch1/Scratch2 below).
	ArgsPtrReg     uint8 = 7
	ArgsLenReg     uint8 = 8
	ReturnValueReg       = ArgsPtrReg

	Scratch1 = ArgsLenReg
	Scratch2 = ArgsPtrReg

	// FirstLocalReg..FirstLocalReg+MaxLocalRegs-1 (r9-r12) carry the
	// first four call arguments and are callee-saved.
	FirstLocalReg uint8 = 9
	MaxLocalRegs        = 4
)

// Address-space layout (spec'd by the TVM runtime contract).
const (
	// RODataBase is where the read-only section (indirect-call dispatch
	// table, then passive data segment content) is mapped.
	RODataBase int32 = 0x10000

	// GlobalMemoryBase is where WASM globals live, 4 bytes each; the
	// compiler-managed memory-size global and passive-segment length
	// words follow them.
	GlobalMemoryBase int32 = 0x30000

	// ParamOverflowBase is the fixed window for call arguments beyond
	// the four passed in registers.
	ParamOverflowBase int32 = 0x40000

	// StackSegmentEnd is the initial stack pointer; the stack limit is
	// StackSegmentEnd - stack size.
	StackSegmentEnd uint32 = 0xFEFE_0000

	// DefaultStackSize bounds the TVM call stack.
	DefaultStackSize uint32 = 64 * 1024

	// ExitAddress is the magic jump target that terminates execution of
	// an entry function.
	ExitAddress int32 = -65536

	// FrameHeaderSize reserves the top of each frame for the saved
	// return address plus the four callee-saved registers. Shrink
	// wrapping packs this tighter for functions that need less.
	FrameHeaderSize int32 = 40

	// OperandSpillBase is the first slot of the fixed spill area just
	// above the frame (negative offsets from SP), used to hold an
	// indirect call's table index across argument marshaling.
	OperandSpillBase int32 = -8

	// phiSpillBase is where phi-copy cycles too wide for the temporary
	// registers spill, below OperandSpillBase.
	phiSpillBase int32 = -16

	wasmPageSize = 64 * 1024
)

// GlobalAddr returns the address of WASM global idx.
func GlobalAddr(idx uint32) int32 {
	return GlobalMemoryBase + int32(idx)*4
}

// MemorySizeGlobalAddr returns the address of the compiler-managed
// current-page-count global, placed just above the module's globals.
func MemorySizeGlobalAddr(numGlobals int) int32 {
	return GlobalAddr(uint32(numGlobals))
}

// SegmentLengthAddr returns the address of the runtime length word for
// the n-th passive data segment (zeroed by data.drop).
func SegmentLengthAddr(numGlobals, passiveOrdinal int) int32 {
	return GlobalAddr(uint32(numGlobals + 1 + passiveOrdinal))
}

// StackLimit returns the lowest address the stack may grow to.
func StackLimit(stackSize uint32) uint32 {
	return StackSegmentEnd - stackSize
}
