package backend

import (
	"github.com/tomusdrw/wasm-pvm-sub000/internal/ssa"
	"github.com/tomusdrw/wasm-pvm-sub000/internal/tvm"
)

// lowerIntrinsic expands one of the __pvm_* pseudo-functions the
// frontend emits for memory traffic and indirect calls.
func (e *emitter) lowerIntrinsic(instr *ssa.Instruction) error {
	switch instr.Callee {
	case "__pvm_load_i8u":
		return e.lowerMemLoad(instr, tvm.OpLoadIndU8, false)
	case "__pvm_load_i8s":
		return e.lowerMemLoad(instr, tvm.OpLoadIndI8, false)
	case "__pvm_load_i16u":
		return e.lowerMemLoad(instr, tvm.OpLoadIndU16, false)
	case "__pvm_load_i16s":
		return e.lowerMemLoad(instr, tvm.OpLoadIndI16, false)
	case "__pvm_load_i32":
		return e.lowerMemLoad(instr, tvm.OpLoadIndU32, false)
	case "__pvm_load_i32s_64":
		return e.lowerMemLoad(instr, tvm.OpLoadIndU32, true)
	case "__pvm_load_i64":
		return e.lowerMemLoad(instr, tvm.OpLoadIndU64, false)
	case "__pvm_store_i8":
		return e.lowerMemStore(instr, tvm.OpStoreIndU8)
	case "__pvm_store_i16":
		return e.lowerMemStore(instr, tvm.OpStoreIndU16)
	case "__pvm_store_i32":
		return e.lowerMemStore(instr, tvm.OpStoreIndU32)
	case "__pvm_store_i64":
		return e.lowerMemStore(instr, tvm.OpStoreIndU64)
	case "__pvm_memory_size":
		return e.lowerMemorySize(instr)
	case "__pvm_memory_grow":
		return e.lowerMemoryGrow(instr)
	case "__pvm_memory_fill":
		return e.lowerMemoryFill(instr)
	case "__pvm_memory_copy":
		return e.lowerMemoryCopy(instr)
	case "__pvm_memory_init":
		return e.lowerMemoryInit(instr)
	case "__pvm_data_drop":
		return e.lowerDataDrop(instr)
	case "__pvm_call_indirect":
		return e.lowerCallIndirect(instr)
	default:
		return e.internalErr("unknown intrinsic %q", instr.Callee)
	}
}

// lowerMemLoad emits a sized load with the WASM memory base folded into
// the addressing offset. signExtend32 additionally sign-extends a 32-bit
// load into the 64-bit register.
func (e *emitter) lowerMemLoad(instr *ssa.Instruction, op tvm.Op, signExtend32 bool) error {
	if err := e.loadOperand(instr.Args[0], Temp1); err != nil {
		return err
	}
	e.emit(tvm.LoadInd(op, TempResult, Temp1, int32(e.ctx.WasmMemoryBase)))
	if signExtend32 {
		e.emit(tvm.AddImm32(TempResult, TempResult, 0))
	}
	return e.storeResult(instr.Ret, TempResult)
}

func (e *emitter) lowerMemStore(instr *ssa.Instruction, op tvm.Op) error {
	if err := e.loadOperand(instr.Args[0], Temp1); err != nil {
		return err
	}
	if err := e.loadOperand(instr.Args[1], Temp2); err != nil {
		return err
	}
	e.emit(tvm.StoreInd(op, Temp1, Temp2, int32(e.ctx.WasmMemoryBase)))
	return nil
}

// lowerMemorySize reads the compiler-managed current-page-count global.
func (e *emitter) lowerMemorySize(instr *ssa.Instruction) error {
	addr := MemorySizeGlobalAddr(e.ctx.NumGlobals)
	e.emit(tvm.LoadImm(Temp1, addr))
	e.emit(tvm.LoadIndU32(TempResult, Temp1, 0))
	return e.storeResult(instr.Ret, TempResult)
}

// lowerMemoryGrow computes the new page count, fails with -1 on unsigned
// wraparound or on exceeding the module's maximum, and otherwise
// persists the new count and grows the TVM memory with Sbrk by
// delta * 64KB. Returns the previous page count on success.
func (e *emitter) lowerMemoryGrow(instr *ssa.Instruction) error {
	addr := MemorySizeGlobalAddr(e.ctx.NumGlobals)

	if err := e.loadOperand(instr.Args[0], Scratch1); err != nil {
		return err
	}
	e.emit(tvm.LoadImm(Temp1, addr))
	e.emit(tvm.LoadIndU32(TempResult, Temp1, 0))

	// new = current + delta
	e.emit(tvm.Add32(Scratch2, TempResult, Scratch1))

	failLabel := e.allocLabel()
	endLabel := e.allocLabel()

	// Wraparound: new < current means delta pushed the count past 2^32.
	e.emitBranchRegToLabel(tvm.OpBranchLtU, TempResult, Scratch2, failLabel)

	// Limit: fail when max < new.
	e.emit(tvm.LoadImm(Scratch1, int32(e.ctx.MaxMemoryPages)))
	e.emitBranchRegToLabel(tvm.OpBranchLtU, Scratch2, Scratch1, failLabel)

	e.emit(tvm.LoadImm(Scratch1, addr))
	e.emit(tvm.StoreIndU32(Scratch1, Scratch2, 0))

	// Grow by (new - old) WASM pages, in bytes.
	e.emit(tvm.Sub32(Scratch1, Scratch2, TempResult))
	e.emit(tvm.LoadImm(Scratch2, 16))
	e.emit(tvm.ShloL32(Scratch1, Scratch1, Scratch2))
	e.emit(tvm.Sbrk(Scratch1, Scratch1))

	e.emitJumpToLabel(endLabel)

	e.defineLabel(failLabel)
	e.emit(tvm.LoadImm(TempResult, -1))

	e.defineLabel(endLabel)
	return e.storeResult(instr.Ret, TempResult)
}

// lowerMemoryFill emits a byte-at-a-time fill loop.
func (e *emitter) lowerMemoryFill(instr *ssa.Instruction) error {
	if err := e.loadOperand(instr.Args[0], Temp1); err != nil { // dst
		return err
	}
	if err := e.loadOperand(instr.Args[1], Temp2); err != nil { // value
		return err
	}
	if err := e.loadOperand(instr.Args[2], TempResult); err != nil { // count
		return err
	}
	e.emit(tvm.AddImm32(Temp1, Temp1, int32(e.ctx.WasmMemoryBase)))

	loopStart := e.allocLabel()
	loopEnd := e.allocLabel()
	e.emitBranchImmToLabel(tvm.OpBranchEqImm, TempResult, 0, loopEnd)
	e.defineLabel(loopStart)
	e.emit(tvm.StoreIndU8(Temp1, Temp2, 0))
	e.emit(tvm.AddImm64(Temp1, Temp1, 1))
	e.emit(tvm.AddImm64(TempResult, TempResult, -1))
	e.emitBranchImmToLabel(tvm.OpBranchNeImm, TempResult, 0, loopStart)
	e.defineLabel(loopEnd)
	return nil
}

// lowerMemoryCopy emits forward and backward byte-copy loops, selecting
// the backward one when dst > src so overlapping regions copy correctly.
func (e *emitter) lowerMemoryCopy(instr *ssa.Instruction) error {
	if err := e.loadOperand(instr.Args[0], Temp1); err != nil { // dst
		return err
	}
	if err := e.loadOperand(instr.Args[1], Temp2); err != nil { // src
		return err
	}
	if err := e.loadOperand(instr.Args[2], TempResult); err != nil { // count
		return err
	}
	base := int32(e.ctx.WasmMemoryBase)
	e.emit(tvm.AddImm32(Temp1, Temp1, base))
	e.emit(tvm.AddImm32(Temp2, Temp2, base))

	backward := e.allocLabel()
	forward := e.allocLabel()
	loopEnd := e.allocLabel()

	e.emitBranchImmToLabel(tvm.OpBranchEqImm, TempResult, 0, loopEnd)

	// dst > src, i.e. src < dst: copy backward.
	e.emitBranchRegToLabel(tvm.OpBranchLtU, Temp1, Temp2, backward)

	e.defineLabel(forward)
	e.emit(tvm.LoadIndU8(Scratch1, Temp2, 0))
	e.emit(tvm.StoreIndU8(Temp1, Scratch1, 0))
	e.emit(tvm.AddImm64(Temp1, Temp1, 1))
	e.emit(tvm.AddImm64(Temp2, Temp2, 1))
	e.emit(tvm.AddImm64(TempResult, TempResult, -1))
	e.emitBranchImmToLabel(tvm.OpBranchNeImm, TempResult, 0, forward)
	e.emitJumpToLabel(loopEnd)

	// Backward: move both cursors to the last byte, walk down.
	e.defineLabel(backward)
	e.emit(tvm.AddImm64(Scratch2, TempResult, -1))
	e.emit(tvm.Add64(Temp1, Temp1, Scratch2))
	e.emit(tvm.Add64(Temp2, Temp2, Scratch2))
	backwardLoop := e.allocLabel()
	e.defineLabel(backwardLoop)
	e.emit(tvm.LoadIndU8(Scratch1, Temp2, 0))
	e.emit(tvm.StoreIndU8(Temp1, Scratch1, 0))
	e.emit(tvm.AddImm64(Temp1, Temp1, -1))
	e.emit(tvm.AddImm64(Temp2, Temp2, -1))
	e.emit(tvm.AddImm64(TempResult, TempResult, -1))
	e.emitBranchImmToLabel(tvm.OpBranchNeImm, TempResult, 0, backwardLoop)

	e.defineLabel(loopEnd)
	return nil
}

// lowerMemoryInit copies a passive data segment into linear memory with
// bounds checks on both ends: the source range against the segment's
// runtime length word (zeroed by data.drop) and the destination range
// against the current memory size.
func (e *emitter) lowerMemoryInit(instr *ssa.Instruction) error {
	segC, ok := e.constOf(instr.Args[0])
	if !ok {
		return e.internalErr("memory.init segment index is not a constant")
	}
	segIdx := uint32(segC)
	roOffset, ok := e.ctx.SegmentROOffset[segIdx]
	if !ok {
		return e.internalErr("unknown passive data segment index %d", segIdx)
	}
	lenAddr, ok := e.ctx.SegmentLenAddress[segIdx]
	if !ok {
		return e.internalErr("no length word for data segment %d", segIdx)
	}

	if err := e.loadOperand(instr.Args[1], Temp1); err != nil { // dst
		return err
	}
	if err := e.loadOperand(instr.Args[2], Temp2); err != nil { // src offset
		return err
	}
	if err := e.loadOperand(instr.Args[3], TempResult); err != nil { // count
		return err
	}

	// src_offset + len must not pass the segment's effective length.
	srcOK := e.allocLabel()
	e.emit(tvm.Add64(Scratch1, Temp2, TempResult))
	e.emit(tvm.LoadImm(Temp2, lenAddr))
	e.emit(tvm.LoadIndU32(Temp2, Temp2, 0))
	e.emit(tvm.SetLtU(Scratch1, Temp2, Scratch1))
	e.emitBranchImmToLabel(tvm.OpBranchEqImm, Scratch1, 0, srcOK)
	e.emit(tvm.Trap())
	e.defineLabel(srcOK)

	// dst + len must stay inside the current memory (pages << 16 bytes).
	dstOK := e.allocLabel()
	e.emit(tvm.Add64(Scratch1, Temp1, TempResult))
	e.emit(tvm.LoadImm(Temp2, MemorySizeGlobalAddr(e.ctx.NumGlobals)))
	e.emit(tvm.LoadIndU32(Temp2, Temp2, 0))
	e.emit(tvm.LoadImm(TempResult, 16))
	e.emit(tvm.ShloL64(Temp2, Temp2, TempResult))
	e.emit(tvm.SetLtU(Scratch1, Temp2, Scratch1))
	e.emitBranchImmToLabel(tvm.OpBranchEqImm, Scratch1, 0, dstOK)
	e.emit(tvm.Trap())
	e.defineLabel(dstOK)

	// Reload the operands the checks clobbered.
	if err := e.loadOperand(instr.Args[2], Temp2); err != nil {
		return err
	}
	if err := e.loadOperand(instr.Args[3], TempResult); err != nil {
		return err
	}

	e.emit(tvm.AddImm32(Temp2, Temp2, RODataBase+int32(roOffset)))
	e.emit(tvm.AddImm32(Temp1, Temp1, int32(e.ctx.WasmMemoryBase)))

	loopStart := e.allocLabel()
	loopEnd := e.allocLabel()
	e.emitBranchImmToLabel(tvm.OpBranchEqImm, TempResult, 0, loopEnd)
	e.defineLabel(loopStart)
	e.emit(tvm.LoadIndU8(Scratch1, Temp2, 0))
	e.emit(tvm.StoreIndU8(Temp1, Scratch1, 0))
	e.emit(tvm.AddImm64(Temp1, Temp1, 1))
	e.emit(tvm.AddImm64(Temp2, Temp2, 1))
	e.emit(tvm.AddImm64(TempResult, TempResult, -1))
	e.emitBranchImmToLabel(tvm.OpBranchNeImm, TempResult, 0, loopStart)
	e.defineLabel(loopEnd)
	return nil
}

// lowerDataDrop zeroes a passive segment's runtime length word, so a
// later memory.init from it traps on any non-empty range.
func (e *emitter) lowerDataDrop(instr *ssa.Instruction) error {
	segC, ok := e.constOf(instr.Args[0])
	if !ok {
		return e.internalErr("data.drop segment index is not a constant")
	}
	lenAddr, ok := e.ctx.SegmentLenAddress[uint32(segC)]
	if !ok {
		return e.internalErr("no length word for data segment %d", uint32(segC))
	}
	e.emit(tvm.LoadImm(Temp1, lenAddr))
	e.emit(tvm.LoadImm(Temp2, 0))
	e.emit(tvm.StoreIndU32(Temp1, Temp2, 0))
	return nil
}
