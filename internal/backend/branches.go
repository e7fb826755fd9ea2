package backend

import (
	"github.com/tomusdrw/wasm-pvm-sub000/internal/ssa"
	"github.com/tomusdrw/wasm-pvm-sub000/internal/tvm"
)

// emitPhiCopies lowers the block arguments of one edge into stores to
// the target's parameter slots. Loads run before stores (two-pass) so a
// swap cycle between parameters reads the old values. Up to five copies
// ride in temporary registers; wider edges spill through the reserved
// negative-offset area below the frame.
func (e *emitter) emitPhiCopies(target *ssa.BasicBlock, args []ssa.Value) error {
	if len(args) == 0 {
		return nil
	}
	slots := make([]int32, len(args))
	for i, p := range target.Params {
		s, err := e.slotOf(p)
		if err != nil {
			return err
		}
		slots[i] = s
	}

	if len(args) == 1 {
		if err := e.loadOperand(args[0], Temp1); err != nil {
			return err
		}
		e.storeToSlot(slots[0], Temp1)
		return nil
	}

	tempRegs := []uint8{Temp1, Temp2, TempResult, Scratch1, Scratch2}
	if len(args) <= len(tempRegs) {
		for i, a := range args {
			if err := e.loadOperand(a, tempRegs[i]); err != nil {
				return err
			}
		}
		for i := range args {
			e.storeToSlot(slots[i], tempRegs[i])
		}
		return nil
	}

	for i, a := range args {
		if err := e.loadOperand(a, Temp1); err != nil {
			return err
		}
		e.emit(tvm.StoreIndU64(StackPtrReg, Temp1, phiSpillBase-int32(i)*8))
	}
	for i := range args {
		e.emit(tvm.LoadIndU64(Temp1, StackPtrReg, phiSpillBase-int32(i)*8))
		e.storeToSlot(slots[i], Temp1)
	}
	return nil
}

func (e *emitter) lowerJump(bb *ssa.BasicBlock, instr *ssa.Instruction) error {
	if err := e.emitPhiCopies(instr.Blk, instr.Args); err != nil {
		return err
	}
	e.emitJumpToLabel(e.blockLabels[instr.Blk.ID])
	return nil
}

// fusedBranchOp maps a comparison condition onto the two-register branch
// catalog. A branch is taken when `regB <cond> regA`; conditions without
// a direct opcode swap their operands (x>y is y<x, x<=y is y>=x).
func fusedBranchOp(cond ssa.IcmpCond) (op tvm.Op, swap bool) {
	switch cond {
	case ssa.IcmpCondEqual:
		return tvm.OpBranchEq, false
	case ssa.IcmpCondNotEqual:
		return tvm.OpBranchNe, false
	case ssa.IcmpCondUnsignedLessThan:
		return tvm.OpBranchLtU, false
	case ssa.IcmpCondSignedLessThan:
		return tvm.OpBranchLtS, false
	case ssa.IcmpCondUnsignedGreaterThanOrEqual:
		return tvm.OpBranchGeU, false
	case ssa.IcmpCondSignedGreaterThanOrEqual:
		return tvm.OpBranchGeS, false
	case ssa.IcmpCondUnsignedGreaterThan:
		return tvm.OpBranchLtU, true
	case ssa.IcmpCondSignedGreaterThan:
		return tvm.OpBranchLtS, true
	case ssa.IcmpCondUnsignedLessThanOrEqual:
		return tvm.OpBranchGeU, true
	case ssa.IcmpCondSignedLessThanOrEqual:
		return tvm.OpBranchGeS, true
	default:
		panic(int(cond))
	}
}

var fusedBranchImmOps = map[ssa.IcmpCond]tvm.Op{
	ssa.IcmpCondEqual:                      tvm.OpBranchEqImm,
	ssa.IcmpCondNotEqual:                   tvm.OpBranchNeImm,
	ssa.IcmpCondUnsignedLessThan:           tvm.OpBranchLtUImm,
	ssa.IcmpCondSignedLessThan:             tvm.OpBranchLtSImm,
	ssa.IcmpCondUnsignedGreaterThan:        tvm.OpBranchGtUImm,
	ssa.IcmpCondSignedGreaterThan:          tvm.OpBranchGtSImm,
	ssa.IcmpCondUnsignedLessThanOrEqual:    tvm.OpBranchLeUImm,
	ssa.IcmpCondSignedLessThanOrEqual:      tvm.OpBranchLeSImm,
	ssa.IcmpCondUnsignedGreaterThanOrEqual: tvm.OpBranchGeUImm,
	ssa.IcmpCondSignedGreaterThanOrEqual:   tvm.OpBranchGeSImm,
}

// emitCondToLabel emits the branch-if-taken for a Brnz condition: either
// the deferred fused comparison on its raw operands, or a plain
// non-zero test on the materialized boolean.
func (e *emitter) emitCondToLabel(cond ssa.Value, takenLabel int) error {
	if f := e.pendingFused; f != nil && f.result == cond {
		e.pendingFused = nil
		if c, ok := e.constOf(f.y); ok {
			if v32 := int64(int32(c)); uint64(v32) == c {
				if err := e.loadOperand(f.x, Temp1); err != nil {
					return err
				}
				e.emitBranchImmToLabel(fusedBranchImmOps[f.cond], Temp1, v32, takenLabel)
				return nil
			}
		}
		if err := e.loadOperand(f.x, Temp1); err != nil {
			return err
		}
		if err := e.loadOperand(f.y, Temp2); err != nil {
			return err
		}
		op, swap := fusedBranchOp(f.cond)
		if swap {
			e.emitBranchRegToLabel(op, Temp1, Temp2, takenLabel)
		} else {
			e.emitBranchRegToLabel(op, Temp2, Temp1, takenLabel)
		}
		return nil
	}

	if err := e.loadOperand(cond, Temp1); err != nil {
		return err
	}
	e.emitBranchImmToLabel(tvm.OpBranchNeImm, Temp1, 0, takenLabel)
	return nil
}

// lowerBrnz lowers the conditional pair (Brnz taken-edge, Jump
// fall-edge). Edges without block arguments branch directly; edges
// carrying arguments go through trampoline sequences so the copies run
// only on the taken path.
func (e *emitter) lowerBrnz(bb *ssa.BasicBlock, instrIdx int, instr *ssa.Instruction) error {
	if instrIdx+1 >= len(bb.Instrs) || bb.Instrs[instrIdx+1].Opcode != ssa.OpcodeJump {
		return e.internalErr("Brnz in blk%d not followed by its Jump", bb.ID)
	}
	jump := bb.Instrs[instrIdx+1]
	e.skipNextInstr = true

	thenBlk, thenArgs := instr.Blk, instr.Args
	elseBlk, elseArgs := jump.Blk, jump.Args
	thenLabel := e.blockLabels[thenBlk.ID]
	elseLabel := e.blockLabels[elseBlk.ID]

	if len(thenArgs) == 0 && len(elseArgs) == 0 {
		if err := e.emitCondToLabel(instr.V, thenLabel); err != nil {
			return err
		}
		e.emitJumpToLabel(elseLabel)
		return nil
	}

	thenTramp := e.allocLabel()
	if err := e.emitCondToLabel(instr.V, thenTramp); err != nil {
		return err
	}
	if err := e.emitPhiCopies(elseBlk, elseArgs); err != nil {
		return err
	}
	// Not elidable: the then-trampoline follows, so falling through here
	// would run the wrong edge's copies.
	e.fixups = append(e.fixups, [2]int{len(e.instrs), elseLabel})
	e.emit(tvm.Jump(0))

	e.defineLabel(thenTramp)
	if err := e.emitPhiCopies(thenBlk, thenArgs); err != nil {
		return err
	}
	// Never elide this jump: the trampoline is not on the fallthrough
	// path of the block layout.
	e.fixups = append(e.fixups, [2]int{len(e.instrs), thenLabel})
	e.emit(tvm.Jump(0))
	return nil
}

// lowerBrTable lowers a switch as a linear BranchEqImm sequence followed
// by the default jump; cases whose edges carry arguments branch through
// trampolines.
func (e *emitter) lowerBrTable(bb *ssa.BasicBlock, instr *ssa.Instruction) error {
	if len(instr.Targets) == 0 {
		return e.internalErr("BrTable without targets in blk%d", bb.ID)
	}
	if err := e.loadOperand(instr.V, Temp1); err != nil {
		return err
	}

	type trampoline struct {
		label  int
		target ssa.BranchTarget
	}
	var trampolines []trampoline

	cases := instr.Targets[:len(instr.Targets)-1]
	def := instr.Targets[len(instr.Targets)-1]

	for n, t := range cases {
		if len(t.Args) > 0 {
			label := e.allocLabel()
			e.emitBranchImmToLabel(tvm.OpBranchEqImm, Temp1, int64(n), label)
			trampolines = append(trampolines, trampoline{label: label, target: t})
		} else {
			e.emitBranchImmToLabel(tvm.OpBranchEqImm, Temp1, int64(n), e.blockLabels[t.Blk.ID])
		}
	}

	if err := e.emitPhiCopies(def.Blk, def.Args); err != nil {
		return err
	}
	if len(trampolines) == 0 {
		e.emitJumpToLabel(e.blockLabels[def.Blk.ID])
	} else {
		// Trampolines follow; the default jump must not be elided.
		e.fixups = append(e.fixups, [2]int{len(e.instrs), e.blockLabels[def.Blk.ID]})
		e.emit(tvm.Jump(0))
	}

	for _, tr := range trampolines {
		e.defineLabel(tr.label)
		if err := e.emitPhiCopies(tr.target.Blk, tr.target.Args); err != nil {
			return err
		}
		e.fixups = append(e.fixups, [2]int{len(e.instrs), e.blockLabels[tr.target.Blk.ID]})
		e.emit(tvm.Jump(0))
	}
	return nil
}
