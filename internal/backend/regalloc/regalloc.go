// Package regalloc implements the opt-in promotion of long-lived SSA
// values to dedicated physical registers. There is deliberately no
// graph-coloring allocator here: the backend's slot-per-value scheme is
// the baseline, and this pass only picks a couple of heavily-used values
// to keep in registers, write-through to their slots. The emitter spills
// and reloads the promoted registers around direct and indirect calls,
// which the callee-save convention does not protect; host calls and memory
// intrinsics are not bracketed by spills and reloads.
package regalloc

import (
	"sort"

	"github.com/tomusdrw/wasm-pvm-sub000/internal/ssa"
)

// Result maps promoted values to their registers, in both directions the
// emitter needs.
type Result struct {
	ValToReg  map[ssa.Value]uint8
	SlotToReg map[int32]uint8
	RegToSlot map[uint8]int32
}

// Empty returns a Result promoting nothing.
func Empty() Result {
	return Result{
		ValToReg:  map[ssa.Value]uint8{},
		SlotToReg: map[int32]uint8{},
		RegToSlot: map[uint8]int32{},
	}
}

const (
	minUses      = 3
	minLiveRange = 6
)

// Run picks up to len(regs) values to promote. valueSlots maps each
// value to its stack slot (negative when the value has none, e.g.
// inlined constants); only slotted values qualify. Selection is fully
// deterministic: candidates are ranked by use count, then live-range
// length, then value identity.
func Run(f *ssa.Function, valueSlots []int32, regs []uint8) Result {
	type liveness struct {
		firstDef, lastUse int
		uses              int
	}
	live := make(map[ssa.Value]*liveness)
	touch := func(v ssa.Value, at int, isDef bool) {
		l := live[v]
		if l == nil {
			l = &liveness{firstDef: at, lastUse: at}
			live[v] = l
		}
		if isDef {
			l.firstDef = at
		} else {
			l.lastUse = at
			l.uses++
		}
	}

	pos := 0
	var operands []ssa.Value
	for _, bb := range f.Blocks {
		for _, p := range bb.Params {
			touch(p, pos, true)
		}
		for _, instr := range bb.Instrs {
			operands = instr.Operands(operands[:0])
			for _, v := range operands {
				touch(v, pos, false)
			}
			if instr.Ret.Valid() {
				touch(instr.Ret, pos, true)
			}
			pos++
		}
	}

	var candidates []ssa.Value
	for v, l := range live {
		if int(v) >= len(valueSlots) || valueSlots[v] < 0 {
			continue
		}
		if l.uses >= minUses && l.lastUse-l.firstDef >= minLiveRange {
			candidates = append(candidates, v)
		}
	}
	sort.Slice(candidates, func(a, b int) bool {
		la, lb := live[candidates[a]], live[candidates[b]]
		if la.uses != lb.uses {
			return la.uses > lb.uses
		}
		ra, rb := la.lastUse-la.firstDef, lb.lastUse-lb.firstDef
		if ra != rb {
			return ra > rb
		}
		return candidates[a] < candidates[b]
	})

	out := Empty()
	for n, v := range candidates {
		if n >= len(regs) {
			break
		}
		reg := regs[n]
		slot := valueSlots[v]
		out.ValToReg[v] = reg
		out.SlotToReg[slot] = reg
		out.RegToSlot[reg] = slot
	}
	return out
}
