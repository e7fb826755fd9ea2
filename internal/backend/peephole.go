package backend

import "github.com/tomusdrw/wasm-pvm-sub000/internal/tvm"

// removeInstrs drops the instructions whose keep flag is false and
// remaps every instruction-index reference (labels, branch fixups, call
// fixups). A label pointing at a removed instruction moves to the next
// kept one. Fixup-referenced instructions are never removal candidates.
func (e *emitter) removeInstrs(keep []bool) {
	newIndex := make([]int, len(e.instrs)+1)
	n := 0
	for i := range e.instrs {
		newIndex[i] = n
		if keep[i] {
			n++
		}
	}
	newIndex[len(e.instrs)] = n

	kept := make([]tvm.Instruction, 0, n)
	for i, instr := range e.instrs {
		if keep[i] {
			kept = append(kept, instr)
		}
	}
	e.instrs = kept

	for i, l := range e.labels {
		if l >= 0 {
			e.labels[i] = newIndex[l]
		}
	}
	for i := range e.fixups {
		e.fixups[i][0] = newIndex[e.fixups[i][0]]
	}
	for i := range e.callFixups {
		e.callFixups[i].Instr = newIndex[e.callFixups[i].Instr]
	}
	for i := range e.indirectCallFixups {
		e.indirectCallFixups[i].JumpIndInstr = newIndex[e.indirectCallFixups[i].JumpIndInstr]
	}
}

// eliminateDeadStores removes SP-relative stores to offsets that no
// SP-relative load ever reads. With the register cache forwarding slot
// values, many slots are written once and only ever re-read out of a
// register; their stores are dead.
func (e *emitter) eliminateDeadStores() {
	loaded := make(map[int64]bool)
	for _, instr := range e.instrs {
		switch instr.Op {
		case tvm.OpLoadIndU8, tvm.OpLoadIndI8, tvm.OpLoadIndU16, tvm.OpLoadIndI16,
			tvm.OpLoadIndU32, tvm.OpLoadIndI32, tvm.OpLoadIndU64:
			if instr.Regs[1] == StackPtrReg {
				loaded[instr.Imm[0]] = true
			}
		}
	}

	keep := make([]bool, len(e.instrs))
	changed := false
	for i, instr := range e.instrs {
		keep[i] = true
		switch instr.Op {
		case tvm.OpStoreIndU8, tvm.OpStoreIndU16, tvm.OpStoreIndU32, tvm.OpStoreIndU64:
			if instr.Regs[1] == StackPtrReg && !loaded[instr.Imm[0]] {
				keep[i] = false
				changed = true
			}
		}
	}
	if changed {
		e.removeInstrs(keep)
	}
}

// peephole removes instructions that survived emission but do nothing:
// register self-moves and 64-bit adds of zero onto the same register.
// (AddImm32 with zero is not removable — it sign-extends.)
func (e *emitter) peephole() {
	keep := make([]bool, len(e.instrs))
	changed := false
	for i, instr := range e.instrs {
		keep[i] = true
		switch instr.Op {
		case tvm.OpMoveReg:
			if instr.Regs[0] == instr.Regs[1] {
				keep[i] = false
				changed = true
			}
		case tvm.OpAddImm64:
			if instr.Regs[0] == instr.Regs[1] && instr.Imm[0] == 0 {
				keep[i] = false
				changed = true
			}
		}
	}
	if changed {
		e.removeInstrs(keep)
	}
}
