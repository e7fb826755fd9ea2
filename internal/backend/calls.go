package backend

import (
	"strconv"
	"strings"

	"github.com/tomusdrw/wasm-pvm-sub000/errors"
	"github.com/tomusdrw/wasm-pvm-sub000/internal/ssa"
	"github.com/tomusdrw/wasm-pvm-sub000/internal/tvm"
)

// lowerCall dispatches a call instruction: backend pseudo-functions are
// expanded inline, imports resolve through the import map, and everything
// else is a real WASM call.
func (e *emitter) lowerCall(instr *ssa.Instruction) error {
	if isIntrinsicName(instr.Callee) {
		return e.lowerIntrinsic(instr)
	}
	idxStr, ok := strings.CutPrefix(instr.Callee, "wasm_func_")
	if !ok {
		return e.internalErr("cannot parse callee name %q", instr.Callee)
	}
	funcIdx, err := strconv.ParseUint(idxStr, 10, 32)
	if err != nil {
		return e.internalErr("cannot parse callee name %q", instr.Callee)
	}
	if int(funcIdx) < e.ctx.NumImportedFuncs {
		return e.lowerImportCall(instr, uint32(funcIdx))
	}
	return e.lowerWasmCall(instr, uint32(funcIdx))
}

// marshalArgs places call arguments: the first four in r9-r12, the rest
// in the fixed overflow window.
func (e *emitter) marshalArgs(args []ssa.Value) error {
	for i, arg := range args {
		if i < MaxLocalRegs {
			if err := e.loadOperand(arg, FirstLocalReg+uint8(i)); err != nil {
				return err
			}
			continue
		}
		if err := e.loadOperand(arg, Temp1); err != nil {
			return err
		}
		overflow := ParamOverflowBase + int32(i-MaxLocalRegs)*8
		e.emit(tvm.LoadImm(Temp2, overflow))
		e.emit(tvm.StoreIndU64(Temp2, Temp1, 0))
	}
	return nil
}

// lowerWasmCall emits a direct call: marshal arguments, spill the
// promoted registers, then one LoadImmJump whose immediate is the
// jump-table return address (index+1)*2 — the index is allocated here, in
// emission order — and whose jump offset the assembler patches once the
// callee's byte offset is known.
func (e *emitter) lowerWasmCall(instr *ssa.Instruction, funcIdx uint32) error {
	sig, err := e.funcSig(funcIdx)
	if err != nil {
		return err
	}
	if err := e.marshalArgs(instr.Args); err != nil {
		return err
	}
	e.spillAllocatedRegs()

	tableIdx, returnAddr := e.allocCallReturnAddr()
	e.callFixups = append(e.callFixups, CallFixup{
		Instr:      len(e.instrs),
		TableIndex: tableIdx,
		TargetFunc: funcIdx - uint32(e.ctx.NumImportedFuncs),
	})
	e.emit(tvm.LoadImmJump(ReturnAddrReg, returnAddr, 0))

	// The return point: the callee clobbers the scratch file, so the
	// cache restarts cold.
	e.emit(tvm.Fallthrough())
	e.clearRegCache()
	e.reloadAllocatedRegs()

	if sig.HasReturn {
		return e.storeResult(instr.Ret, ReturnValueReg)
	}
	return nil
}

func (e *emitter) funcSig(funcIdx uint32) (FuncSig, error) {
	if int(funcIdx) >= len(e.ctx.FunctionSigs) {
		return FuncSig{}, e.internalErr("unknown function index %d", funcIdx)
	}
	return e.ctx.FunctionSigs[funcIdx], nil
}

// lowerImportCall resolves a call to an imported function. host_call and
// pvm_ptr are recognized directly; anything else must have a
// user-supplied action, except abort, which traps when left unmapped. Any
// other unmapped import reaching codegen is a bug — validation rejects it
// up front.
func (e *emitter) lowerImportCall(instr *ssa.Instruction, funcIdx uint32) error {
	sig, err := e.funcSig(funcIdx)
	if err != nil {
		return err
	}
	name := ""
	if int(funcIdx) < len(e.ctx.ImportNames) {
		name = e.ctx.ImportNames[funcIdx]
	}

	switch name {
	case "host_call":
		return e.lowerHostCall(instr, sig)
	case "pvm_ptr":
		return e.lowerPvmPtr(instr, sig)
	}

	if action, ok := e.ctx.ImportMap[name]; ok {
		return e.lowerMappedImport(instr, sig, action)
	}
	if name == "abort" {
		return e.lowerMappedImport(instr, sig, ImportAction{Kind: ImportTrap})
	}
	return errors.New(errors.PhaseBackend, errors.KindInternal).
		Func(e.f.Name).
		Detail("unresolved import %q reached code generation", name).Build()
}

func (e *emitter) lowerMappedImport(instr *ssa.Instruction, sig FuncSig, action ImportAction) error {
	switch action.Kind {
	case ImportTrap:
		e.emit(tvm.Trap())
		// A dummy result keeps the (dead) code after the trap
		// well-formed.
		if sig.HasReturn {
			e.emit(tvm.LoadImm(TempResult, 0))
			return e.storeResult(instr.Ret, TempResult)
		}
		return nil

	case ImportNop:
		if sig.HasReturn {
			e.emit(tvm.LoadImm(TempResult, 0))
			return e.storeResult(instr.Ret, TempResult)
		}
		return nil

	case ImportEcalli:
		// Arguments ride in r7-r11.
		for i, arg := range instr.Args {
			if i >= 5 {
				return errors.Unsupported(errors.PhaseBackend, "ecalli import with more than 5 arguments")
			}
			target := ReturnValueReg + uint8(i)
			if err := e.loadOperand(arg, target); err != nil {
				return err
			}
			if action.PtrParams {
				e.emitWasmAddrToTVM(target)
			}
		}
		e.emit(tvm.Ecalli(action.EcalliIndex))
		e.clearRegCache()
		if sig.HasReturn {
			return e.storeResult(instr.Ret, ReturnValueReg)
		}
		return nil

	default:
		return e.internalErr("unknown import action %d", action.Kind)
	}
}

// emitWasmAddrToTVM rewrites reg from a 32-bit WASM address into the TVM
// address: zero-extend, then add the memory base.
func (e *emitter) emitWasmAddrToTVM(reg uint8) {
	e.emit(tvm.LoadImm(Temp1, 32))
	e.emit(tvm.ShloL64(reg, reg, Temp1))
	e.emit(tvm.ShloR64(reg, reg, Temp1))
	e.emit(tvm.AddImm64(reg, reg, int64(e.ctx.WasmMemoryBase)))
}

// lowerHostCall expands the host_call gateway import: the first argument
// is the compile-time ecalli index, the rest land in r7-r11.
func (e *emitter) lowerHostCall(instr *ssa.Instruction, sig FuncSig) error {
	if len(instr.Args) == 0 {
		return errors.Unsupported(errors.PhaseBackend, "host_call without an ecalli index argument")
	}
	if len(instr.Args) > 6 {
		return errors.Unsupported(errors.PhaseBackend, "host_call with more than 6 arguments")
	}
	index, ok := e.constOf(instr.Args[0])
	if !ok {
		return errors.Unsupported(errors.PhaseBackend, "host_call ecalli index that is not a compile-time constant")
	}
	if index > 0xFFFF_FFFF {
		return errors.Unsupported(errors.PhaseBackend, "host_call ecalli index exceeding u32 range")
	}
	for i, arg := range instr.Args[1:] {
		if err := e.loadOperand(arg, ReturnValueReg+uint8(i)); err != nil {
			return err
		}
	}
	e.emit(tvm.Ecalli(uint32(index)))
	e.clearRegCache()
	if sig.HasReturn {
		return e.storeResult(instr.Ret, ReturnValueReg)
	}
	return nil
}

// lowerPvmPtr expands the pvm_ptr import: translate a WASM address to
// its TVM address.
func (e *emitter) lowerPvmPtr(instr *ssa.Instruction, sig FuncSig) error {
	if len(instr.Args) != 1 {
		return errors.Unsupported(errors.PhaseBackend, "pvm_ptr with an argument count other than 1")
	}
	if err := e.loadOperand(instr.Args[0], TempResult); err != nil {
		return err
	}
	e.emitWasmAddrToTVM(TempResult)
	if sig.HasReturn {
		return e.storeResult(instr.Ret, TempResult)
	}
	return nil
}

// lowerCallIndirect expands __pvm_call_indirect(type_idx, table_entry,
// args...): save the table index across argument marshaling, look up the
// dispatch table entry at RO_DATA_BASE + index*8, trap unless the stored
// type signature matches the call site's, then jump through the stored
// jump-table reference.
func (e *emitter) lowerCallIndirect(instr *ssa.Instruction) error {
	if len(instr.Args) < 2 {
		return e.internalErr("__pvm_call_indirect needs type and table operands, got %d args", len(instr.Args))
	}
	typeIdxC, ok := e.constOf(instr.Args[0])
	if !ok {
		return e.internalErr("__pvm_call_indirect type index is not a constant")
	}
	typeIdx := uint32(typeIdxC)
	if int(typeIdx) >= len(e.ctx.TypeSigs) {
		return e.internalErr("type signature lookup failed for index %d", typeIdx)
	}
	sig := e.ctx.TypeSigs[typeIdx]

	// Park the table index in the spill area above the frame where
	// argument marshaling cannot touch it.
	if err := e.loadOperand(instr.Args[1], ArgsLenReg); err != nil {
		return err
	}
	e.emit(tvm.StoreIndU64(StackPtrReg, ArgsLenReg, OperandSpillBase))

	if err := e.marshalArgs(instr.Args[2:]); err != nil {
		return err
	}
	e.spillAllocatedRegs()

	e.emit(tvm.LoadIndU64(ArgsLenReg, StackPtrReg, OperandSpillBase))

	// entry address = RO_DATA_BASE + index * 8; the ×8 is three
	// doublings.
	e.emit(tvm.Add32(ArgsLenReg, ArgsLenReg, ArgsLenReg))
	e.emit(tvm.Add32(ArgsLenReg, ArgsLenReg, ArgsLenReg))
	e.emit(tvm.Add32(ArgsLenReg, ArgsLenReg, ArgsLenReg))
	e.emit(tvm.AddImm32(ArgsLenReg, ArgsLenReg, RODataBase))

	// Runtime signature check: the type index lives at entry offset 4.
	e.emit(tvm.LoadIndU32(Temp1, ArgsLenReg, 4))
	sigOK := e.allocLabel()
	e.emitBranchImmToLabel(tvm.OpBranchEqImm, Temp1, int64(typeIdx), sigOK)
	e.emit(tvm.Trap())
	e.defineLabel(sigOK)

	// Jump reference at entry offset 0.
	e.emit(tvm.LoadIndU32(ArgsLenReg, ArgsLenReg, 0))

	tableIdx, returnAddr := e.allocCallReturnAddr()
	e.emit(tvm.LoadImm64(ReturnAddrReg, uint64(returnAddr)))
	e.indirectCallFixups = append(e.indirectCallFixups, IndirectCallFixup{
		JumpIndInstr: len(e.instrs),
		TableIndex:   tableIdx,
	})
	e.emit(tvm.JumpInd(ArgsLenReg, 0))

	e.emit(tvm.Fallthrough())
	e.clearRegCache()
	e.reloadAllocatedRegs()

	if sig.HasReturn {
		return e.storeResult(instr.Ret, ReturnValueReg)
	}
	return nil
}
