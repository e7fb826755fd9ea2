package backend

import (
	"strings"

	"github.com/tomusdrw/wasm-pvm-sub000/internal/backend/regalloc"
	"github.com/tomusdrw/wasm-pvm-sub000/internal/ssa"
)

// preScan runs before any instruction is emitted. It determines whether
// the function makes calls (leaf optimization), which callee-saved
// registers the body needs (shrink wrapping), assigns a stack slot to
// every value-producing instruction and parameter, allocates a label per
// basic block, records which comparisons can fuse into their branch, and
// computes each block's unique predecessor for cross-block cache
// propagation.
func (e *emitter) preScan() {
	f := e.f

	e.valueSlots = make([]int32, f.NumValues())
	for i := range e.valueSlots {
		e.valueSlots[i] = -1
	}
	e.valueConst = make([]constEntry, f.NumValues())

	e.hasCalls = false
	for _, bb := range f.Blocks {
		for _, instr := range bb.Instrs {
			if instr.Opcode == ssa.OpcodeCall {
				e.hasCalls = true
			}
			if instr.Opcode == ssa.OpcodeIconst {
				e.valueConst[instr.Ret] = constEntry{value: instr.ConstValue(), valid: true}
			}
		}
	}

	e.computeCalleeSaves()
	e.markFusibleCompares()

	// Slots: parameters first, then every value-producing instruction in
	// scan order. Constants are inlined at use and never get a slot; a
	// fused compare is never materialized, so it doesn't either.
	allocSlot := func(v ssa.Value) {
		e.valueSlots[v] = e.nextSlotOffset
		e.nextSlotOffset += 8
	}
	for _, p := range f.Params {
		allocSlot(p)
	}
	for _, bb := range f.Blocks {
		for _, p := range bb.Params {
			allocSlot(p)
		}
		for _, instr := range bb.Instrs {
			if !instr.Ret.Valid() || instr.Opcode == ssa.OpcodeIconst || e.fusible[instr.Ret] {
				continue
			}
			allocSlot(instr.Ret)
		}
	}
	e.frameSize = e.nextSlotOffset

	for _, bb := range f.Blocks {
		e.blockLabels[bb.ID] = e.allocLabel()
	}

	if e.ctx.Opts.RegisterCache && e.ctx.Opts.CrossBlockCache {
		e.computeSinglePreds()
	}

	if e.ctx.Opts.RegisterAllocation {
		e.regalloc = regalloc.Run(f, e.valueSlots, []uint8{AllocReg1, AllocReg2})
	}
}

// computeCalleeSaves implements shrink wrapping: only parameters landing
// in r9-r12 mark those registers used, and a function containing any
// call conservatively uses all of them (the callee expects them
// preserved). The frame header packs the return address (non-leaf only)
// and the used registers contiguously from offset 0.
func (e *emitter) computeCalleeSaves() {
	if e.cfg.IsEntry || !e.ctx.Opts.ShrinkWrapCalleeSaves {
		// Defaults from newEmitter: full header, every register saved.
		return
	}

	var used [MaxLocalRegs]bool
	for i := 0; i < MaxLocalRegs && i < e.f.Sig.NumParams; i++ {
		used[i] = true
	}
	if e.hasCalls {
		for i := range used {
			used[i] = true
		}
	}

	offset := int32(0)
	if e.hasCalls {
		offset = 8 // slot 0 holds the return address
	}
	for i := 0; i < MaxLocalRegs; i++ {
		if used[i] {
			e.calleeSaveOffsets[i] = offset
			offset += 8
		} else {
			e.calleeSaveOffsets[i] = -1
		}
	}
	e.usedCalleeRegs = used
	e.nextSlotOffset = offset
}

// markFusibleCompares finds icmp instructions whose single use is the
// conditional branch later in the same block; those defer emission and
// fuse into a single branch instruction.
func (e *emitter) markFusibleCompares() {
	if !e.ctx.Opts.IcmpBranchFusion {
		return
	}
	uses := make(map[ssa.Value]int)
	var operands []ssa.Value
	for _, bb := range e.f.Blocks {
		for _, instr := range bb.Instrs {
			operands = instr.Operands(operands[:0])
			for _, v := range operands {
				uses[v]++
			}
		}
	}
	for _, bb := range e.f.Blocks {
		for n, instr := range bb.Instrs {
			if instr.Opcode != ssa.OpcodeIcmp || uses[instr.Ret] != 1 {
				continue
			}
			// The only use must be the Brnz condition in this block,
			// after the icmp.
			for _, later := range bb.Instrs[n+1:] {
				if later.Opcode == ssa.OpcodeBrnz && later.V == instr.Ret {
					e.fusible[instr.Ret] = true
					break
				}
			}
		}
	}
}

// computeSinglePreds maps each block to its unique predecessor, if it
// has exactly one. Several edges from the same block (both arms of a
// conditional, duplicate switch cases) still count as one predecessor.
func (e *emitter) computeSinglePreds() {
	for _, bb := range e.f.Blocks {
		preds := make(map[int]bool)
		for _, p := range bb.Preds {
			preds[p.ID] = true
		}
		if len(preds) == 1 {
			for id := range preds {
				e.blockSinglePred[bb.ID] = id
			}
		}
	}
}

// isIntrinsicName reports whether a callee name is one of the backend's
// pseudo-functions rather than a WASM function.
func isIntrinsicName(name string) bool {
	return strings.HasPrefix(name, "__pvm_")
}
