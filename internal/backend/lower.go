package backend

import (
	"github.com/tomusdrw/wasm-pvm-sub000/internal/ssa"
	"github.com/tomusdrw/wasm-pvm-sub000/internal/tvm"
	"github.com/tomusdrw/wasm-pvm-sub000/internal/tvmlog"

	"go.uber.org/zap"
)

// LowerFunction lowers one SSA function to TVM instructions under the
// fixed register ABI. callReturnCounter allocates jump-table indices for
// call return sites and is shared across the whole module so indices are
// assigned in emission order.
func LowerFunction(ctx *ModuleContext, cfg FuncConfig, f *ssa.Function, callReturnCounter *int) (*FunctionTranslation, error) {
	e := newEmitter(ctx, cfg, f, callReturnCounter)

	e.preScan()
	e.frameSize = e.nextSlotOffset

	if err := e.emitPrologue(); err != nil {
		return nil, err
	}

	useCrossBlock := ctx.Opts.RegisterCache && ctx.Opts.CrossBlockCache
	blockExitCache := make(map[int]*cacheSnapshot)

	for blockIdx, bb := range f.Blocks {
		label := e.blockLabels[bb.ID]

		e.nextBlockLabel = -1
		if blockIdx+1 < len(f.Blocks) {
			e.nextBlockLabel = e.blockLabels[f.Blocks[blockIdx+1].ID]
		}

		// Cross-block propagation: a block with a unique predecessor and
		// no parameters starts with the predecessor's exit cache instead
		// of a cold one.
		propagated := false
		if useCrossBlock && len(bb.Params) == 0 {
			if pred, ok := e.blockSinglePred[bb.ID]; ok {
				if snap, ok := blockExitCache[pred]; ok {
					e.defineLabelPreservingCache(label)
					e.restoreCache(snap)
					propagated = true
				}
			}
		}
		if !propagated {
			e.defineLabel(label)
		}

		// The terminator may emit edge-specific phi copies that are
		// wrong for the other successors, so the propagatable snapshot
		// is taken just before it, minus the temp registers the
		// terminator's own operand loads may clobber. A conditional
		// exit is the Brnz/Jump pair, so the snapshot point is before
		// the Brnz.
		termIdx := len(bb.Instrs) - 1
		if termIdx > 0 && bb.Instrs[termIdx-1].Opcode == ssa.OpcodeBrnz {
			termIdx--
		}
		for idx, instr := range bb.Instrs {
			if e.skipNextInstr {
				e.skipNextInstr = false
				continue
			}
			if useCrossBlock && idx == termIdx {
				snap := e.snapshotCache()
				snap.invalidateReg(Temp1)
				snap.invalidateReg(Temp2)
				blockExitCache[bb.ID] = snap
			}
			if err := e.lowerInstr(bb, idx, instr); err != nil {
				return nil, err
			}
		}
	}
	e.nextBlockLabel = -1

	if ctx.Opts.DeadStoreElimination {
		e.eliminateDeadStores()
	}
	if ctx.Opts.Peephole {
		e.peephole()
	}

	if err := e.resolveFixups(); err != nil {
		return nil, err
	}
	if e.err != nil {
		return nil, e.err
	}

	tvmlog.L().Debug("lowered function to TVM",
		zap.String("func", f.Name),
		zap.Int("instructions", len(e.instrs)),
		zap.Int32("frame_size", e.frameSize))

	return &FunctionTranslation{
		Instructions:       e.instrs,
		CallFixups:         e.callFixups,
		IndirectCallFixups: e.indirectCallFixups,
	}, nil
}

// emitPrologue emits the stack-overflow check, frame allocation, return
// address and callee-save spills, and the parameter copy-in.
func (e *emitter) emitPrologue() error {
	if !e.cfg.IsEntry {
		// Stack overflow check: trap unless SP - frameSize >= limit. The
		// limit must be materialized with LoadImm64: it lives in the
		// 0xFExx_xxxx range, which LoadImm would sign-extend into a huge
		// 64-bit value and break the unsigned comparison.
		limit := StackLimit(e.ctx.StackSize)
		cont := e.allocLabel()
		e.emit(tvm.LoadImm64(Temp1, uint64(limit)))
		e.emit(tvm.AddImm64(Temp2, StackPtrReg, int64(-e.frameSize)))
		e.emitBranchRegToLabel(tvm.OpBranchGeU, Temp1, Temp2, cont)
		e.emit(tvm.Trap())
		e.defineLabel(cont)
	}

	// Allocate the frame; every function needs slot storage.
	e.emit(tvm.AddImm64(StackPtrReg, StackPtrReg, int64(-e.frameSize)))

	if !e.cfg.IsEntry {
		if e.hasCalls {
			e.emit(tvm.StoreIndU64(StackPtrReg, ReturnAddrReg, 0))
		}
		for i := 0; i < MaxLocalRegs; i++ {
			if e.usedCalleeRegs[i] && e.calleeSaveOffsets[i] >= 0 {
				e.emit(tvm.StoreIndU64(StackPtrReg, FirstLocalReg+uint8(i), e.calleeSaveOffsets[i]))
			}
		}
	}

	for i, p := range e.f.Params {
		slot, err := e.slotOf(p)
		if err != nil {
			return err
		}
		switch {
		case e.cfg.IsEntry:
			// Entry convention: r7 = args pointer, r8 = args length. The
			// pointer is rebased so WASM code sees a zero-based address.
			if i == 0 {
				e.emit(tvm.AddImm64(ArgsPtrReg, ArgsPtrReg, -int64(e.ctx.WasmMemoryBase)))
				e.storeToSlot(slot, ArgsPtrReg)
			} else if i == 1 {
				e.storeToSlot(slot, ArgsLenReg)
			}
		case i < MaxLocalRegs:
			e.storeToSlot(slot, FirstLocalReg+uint8(i))
		default:
			overflow := ParamOverflowBase + int32(i-MaxLocalRegs)*8
			e.emit(tvm.LoadImm(Temp1, overflow))
			e.emit(tvm.LoadIndU64(Temp1, Temp1, 0))
			e.storeToSlot(slot, Temp1)
		}
	}
	return nil
}

// emitEpilogue restores the saved registers, releases the frame and
// returns through the saved return address; entry functions exit the TVM
// instead.
func (e *emitter) emitEpilogue() {
	if e.cfg.IsEntry {
		e.emit(tvm.LoadImm(Temp1, ExitAddress))
		e.emit(tvm.JumpInd(Temp1, 0))
		return
	}
	for i := 0; i < MaxLocalRegs; i++ {
		if e.usedCalleeRegs[i] && e.calleeSaveOffsets[i] >= 0 {
			e.emit(tvm.LoadIndU64(FirstLocalReg+uint8(i), StackPtrReg, e.calleeSaveOffsets[i]))
		}
	}
	if e.hasCalls {
		e.emit(tvm.LoadIndU64(ReturnAddrReg, StackPtrReg, 0))
	}
	e.emit(tvm.AddImm64(StackPtrReg, StackPtrReg, int64(e.frameSize)))
	e.emit(tvm.JumpInd(ReturnAddrReg, 0))
}

// lowerInstr dispatches one SSA instruction. instrIdx is its position in
// bb, used by Brnz to find its paired Jump.
func (e *emitter) lowerInstr(bb *ssa.BasicBlock, instrIdx int, instr *ssa.Instruction) error {
	switch instr.Opcode {
	case ssa.OpcodeIconst:
		// Materialized at each use.
		return nil

	case ssa.OpcodeIadd, ssa.OpcodeIsub, ssa.OpcodeImul,
		ssa.OpcodeUdiv, ssa.OpcodeSdiv, ssa.OpcodeUrem, ssa.OpcodeSrem,
		ssa.OpcodeBand, ssa.OpcodeBor, ssa.OpcodeBxor,
		ssa.OpcodeIshl, ssa.OpcodeUshr, ssa.OpcodeSshr,
		ssa.OpcodeRotl, ssa.OpcodeRotr:
		return e.lowerBinary(instr)

	case ssa.OpcodeClz, ssa.OpcodeCtz, ssa.OpcodePopcnt:
		return e.lowerBitCount(instr)

	case ssa.OpcodeIcmp:
		return e.lowerIcmp(instr)

	case ssa.OpcodeSelect:
		return e.lowerSelect(instr)

	case ssa.OpcodeSextend:
		return e.lowerSextend(instr)

	case ssa.OpcodeUextend:
		return e.lowerUextend(instr)

	case ssa.OpcodeItrunc:
		return e.lowerItrunc(instr)

	case ssa.OpcodeGlobalGet:
		e.emit(tvm.LoadImm(Temp1, GlobalAddr(uint32(instr.U1))))
		e.emit(tvm.LoadIndU32(TempResult, Temp1, 0))
		return e.storeResult(instr.Ret, TempResult)

	case ssa.OpcodeGlobalSet:
		if err := e.loadOperand(instr.V, Temp1); err != nil {
			return err
		}
		e.emit(tvm.LoadImm(Temp2, GlobalAddr(uint32(instr.U1))))
		e.emit(tvm.StoreIndU32(Temp2, Temp1, 0))
		return nil

	case ssa.OpcodeCall:
		return e.lowerCall(instr)

	case ssa.OpcodeJump:
		return e.lowerJump(bb, instr)

	case ssa.OpcodeBrnz:
		return e.lowerBrnz(bb, instrIdx, instr)

	case ssa.OpcodeBrTable:
		return e.lowerBrTable(bb, instr)

	case ssa.OpcodeReturn:
		return e.lowerReturn(instr)

	case ssa.OpcodeUnreachable:
		e.emit(tvm.Trap())
		return nil

	default:
		return e.internalErr("unexpected IR opcode %s in backend", instr.Opcode)
	}
}

var binaryOps = map[ssa.Opcode][2]tvm.Op{
	// [0] is the 32-bit flavor, [1] the 64-bit one.
	ssa.OpcodeIadd: {tvm.OpAdd32, tvm.OpAdd64},
	ssa.OpcodeIsub: {tvm.OpSub32, tvm.OpSub64},
	ssa.OpcodeImul: {tvm.OpMul32, tvm.OpMul64},
	ssa.OpcodeUdiv: {tvm.OpDivU32, tvm.OpDivU64},
	ssa.OpcodeSdiv: {tvm.OpDivS32, tvm.OpDivS64},
	ssa.OpcodeUrem: {tvm.OpRemU32, tvm.OpRemU64},
	ssa.OpcodeSrem: {tvm.OpRemS32, tvm.OpRemS64},
	ssa.OpcodeBand: {tvm.OpAnd, tvm.OpAnd},
	ssa.OpcodeBor:  {tvm.OpOr, tvm.OpOr},
	ssa.OpcodeBxor: {tvm.OpXor, tvm.OpXor},
	ssa.OpcodeIshl: {tvm.OpShloL32, tvm.OpShloL64},
	ssa.OpcodeUshr: {tvm.OpShloR32, tvm.OpShloR64},
	ssa.OpcodeSshr: {tvm.OpSharR32, tvm.OpSharR64},
	ssa.OpcodeRotl: {tvm.OpRotL32, tvm.OpRotL64},
	ssa.OpcodeRotr: {tvm.OpRotR32, tvm.OpRotR64},
}

func (e *emitter) lowerBinary(instr *ssa.Instruction) error {
	ops := binaryOps[instr.Opcode]
	op := ops[1]
	if instr.Type == ssa.TypeI32 {
		op = ops[0]
	}
	if err := e.loadOperand(instr.V, Temp1); err != nil {
		return err
	}
	if err := e.loadOperand(instr.V2, Temp2); err != nil {
		return err
	}
	e.emit(tvm.BinaryReg(op, TempResult, Temp1, Temp2))
	return e.storeResult(instr.Ret, TempResult)
}

var bitCountOps = map[ssa.Opcode][2]tvm.Op{
	ssa.OpcodeClz:    {tvm.OpLeadingZeroBits32, tvm.OpLeadingZeroBits64},
	ssa.OpcodeCtz:    {tvm.OpTrailingZeroBits32, tvm.OpTrailingZeroBits64},
	ssa.OpcodePopcnt: {tvm.OpCountSetBits32, tvm.OpCountSetBits64},
}

func (e *emitter) lowerBitCount(instr *ssa.Instruction) error {
	ops := bitCountOps[instr.Opcode]
	op := ops[1]
	if instr.Type == ssa.TypeI32 {
		op = ops[0]
	}
	if err := e.loadOperand(instr.V, Temp1); err != nil {
		return err
	}
	e.emit(tvm.UnaryReg(op, TempResult, Temp1))
	return e.storeResult(instr.Ret, TempResult)
}

// lowerIcmp materializes a comparison to 0/1 via SetLtU/SetLtS and the
// algebraic identities (a==b is (a^b)<u1, a>=b is !(a<b), ...). A
// compare marked fusible is deferred instead: the branch consuming it
// emits one fused branch instruction on the raw operands.
func (e *emitter) lowerIcmp(instr *ssa.Instruction) error {
	if e.fusible[instr.Ret] {
		e.pendingFused = &fusedIcmp{
			cond: instr.Cond, x: instr.V, y: instr.V2,
			is32: instr.Type == ssa.TypeI32, result: instr.Ret,
		}
		return nil
	}
	if err := e.loadOperand(instr.V, Temp1); err != nil {
		return err
	}
	if err := e.loadOperand(instr.V2, Temp2); err != nil {
		return err
	}
	switch instr.Cond {
	case ssa.IcmpCondEqual:
		e.emit(tvm.Xor(TempResult, Temp1, Temp2))
		e.emit(tvm.SetLtUImm(TempResult, TempResult, 1))
	case ssa.IcmpCondNotEqual:
		e.emit(tvm.Xor(TempResult, Temp1, Temp2))
		e.emit(tvm.LoadImm(Scratch1, 0))
		e.emit(tvm.SetLtU(TempResult, Scratch1, TempResult))
	case ssa.IcmpCondUnsignedLessThan:
		e.emit(tvm.SetLtU(TempResult, Temp1, Temp2))
	case ssa.IcmpCondSignedLessThan:
		e.emit(tvm.SetLtS(TempResult, Temp1, Temp2))
	case ssa.IcmpCondUnsignedGreaterThan:
		e.emit(tvm.SetLtU(TempResult, Temp2, Temp1))
	case ssa.IcmpCondSignedGreaterThan:
		e.emit(tvm.SetLtS(TempResult, Temp2, Temp1))
	case ssa.IcmpCondUnsignedLessThanOrEqual:
		e.emit(tvm.SetLtU(TempResult, Temp2, Temp1))
		e.emit(tvm.SetLtUImm(TempResult, TempResult, 1))
	case ssa.IcmpCondSignedLessThanOrEqual:
		e.emit(tvm.SetLtS(TempResult, Temp2, Temp1))
		e.emit(tvm.SetLtUImm(TempResult, TempResult, 1))
	case ssa.IcmpCondUnsignedGreaterThanOrEqual:
		e.emit(tvm.SetLtU(TempResult, Temp1, Temp2))
		e.emit(tvm.SetLtUImm(TempResult, TempResult, 1))
	case ssa.IcmpCondSignedGreaterThanOrEqual:
		e.emit(tvm.SetLtS(TempResult, Temp1, Temp2))
		e.emit(tvm.SetLtUImm(TempResult, TempResult, 1))
	}
	return e.storeResult(instr.Ret, TempResult)
}

func (e *emitter) lowerSelect(instr *ssa.Instruction) error {
	slot, err := e.slotOf(instr.Ret)
	if err != nil {
		return err
	}
	// False value first, then conditionally overwrite with the true one.
	if err := e.loadOperand(instr.V3, TempResult); err != nil {
		return err
	}
	e.storeToSlot(slot, TempResult)
	if err := e.loadOperand(instr.V, Temp1); err != nil {
		return err
	}
	skip := e.allocLabel()
	e.emitBranchImmToLabel(tvm.OpBranchEqImm, Temp1, 0, skip)
	if err := e.loadOperand(instr.V2, TempResult); err != nil {
		return err
	}
	e.storeToSlot(slot, TempResult)
	e.defineLabel(skip)
	return nil
}

func (e *emitter) lowerSextend(instr *ssa.Instruction) error {
	if err := e.loadOperand(instr.V, Temp1); err != nil {
		return err
	}
	switch instr.FromBits() {
	case 1:
		// 0 stays 0, 1 becomes all-ones: negate.
		e.emit(tvm.LoadImm(Temp2, 0))
		e.emit(tvm.Sub64(Temp1, Temp2, Temp1))
	case 8:
		e.emit(tvm.UnaryReg(tvm.OpSignExtend8, Temp1, Temp1))
	case 16:
		e.emit(tvm.UnaryReg(tvm.OpSignExtend16, Temp1, Temp1))
	case 32:
		// AddImm32 with 0 sign-extends its 32-bit result.
		e.emit(tvm.AddImm32(Temp1, Temp1, 0))
	}
	return e.storeResult(instr.Ret, Temp1)
}

func (e *emitter) lowerUextend(instr *ssa.Instruction) error {
	if err := e.loadOperand(instr.V, Temp1); err != nil {
		return err
	}
	switch instr.FromBits() {
	case 1:
		// Already 0 or 1.
	case 8:
		e.emit(tvm.LoadImm(Temp2, 0xFF))
		e.emit(tvm.And(Temp1, Temp1, Temp2))
	case 16:
		e.emit(tvm.UnaryReg(tvm.OpZeroExtend16, Temp1, Temp1))
	case 32:
		// Clear the upper half: shift left 32, logical shift right 32.
		e.emit(tvm.LoadImm(Temp2, 32))
		e.emit(tvm.ShloL64(Temp1, Temp1, Temp2))
		e.emit(tvm.ShloR64(Temp1, Temp1, Temp2))
	}
	return e.storeResult(instr.Ret, Temp1)
}

func (e *emitter) lowerItrunc(instr *ssa.Instruction) error {
	if err := e.loadOperand(instr.V, Temp1); err != nil {
		return err
	}
	switch instr.FromBits() {
	case 1:
		e.emit(tvm.LoadImm(Temp2, 1))
		e.emit(tvm.And(Temp1, Temp1, Temp2))
	case 32:
		e.emit(tvm.AddImm32(Temp1, Temp1, 0))
	}
	return e.storeResult(instr.Ret, Temp1)
}

// lowerReturn routes the return value to r7 (or, for entry functions,
// implements the legacy-globals and packed (ptr, len) conventions on
// r7/r8) and emits the epilogue.
func (e *emitter) lowerReturn(instr *ssa.Instruction) error {
	switch {
	case e.cfg.IsEntry && e.cfg.ResultGlobals != nil:
		// Legacy convention: the body left (wasm_ptr, len) in two
		// globals. Exit with r7 = start address, r8 = end address.
		ptrAddr := GlobalAddr(e.cfg.ResultGlobals[0])
		lenAddr := GlobalAddr(e.cfg.ResultGlobals[1])
		e.emit(tvm.LoadImm(Temp1, ptrAddr))
		e.emit(tvm.LoadIndU32(Temp1, Temp1, 0))
		e.emit(tvm.LoadImm(Temp2, lenAddr))
		e.emit(tvm.LoadIndU32(Temp2, Temp2, 0))
		e.emit(tvm.AddImm32(ArgsPtrReg, Temp1, int32(e.ctx.WasmMemoryBase)))
		e.emit(tvm.Add64(ArgsLenReg, ArgsPtrReg, Temp2))

	case e.cfg.IsEntry && e.cfg.EntryReturnsPtrLen && instr.V.Valid():
		// Packed convention: low 32 bits of the return value are the
		// WASM pointer, high 32 bits the length.
		if err := e.loadOperand(instr.V, Temp1); err != nil {
			return err
		}
		e.emit(tvm.LoadImm(Temp2, 32))
		e.emit(tvm.ShloR64(Temp2, Temp1, Temp2))
		e.emit(tvm.AddImm32(ArgsPtrReg, Temp1, int32(e.ctx.WasmMemoryBase)))
		e.emit(tvm.Add64(ArgsLenReg, ArgsPtrReg, Temp2))

	case instr.V.Valid():
		if err := e.loadOperand(instr.V, ReturnValueReg); err != nil {
			return err
		}
	}
	e.emitEpilogue()
	return nil
}
