package ssa

// promoteLocals rewrites OpcodeLocalGet/OpcodeLocalSet into pure SSA.
// The frontend models each WASM local (parameters included) as a mutable
// slot; this pass replaces every read with the reaching definition,
// inserting block parameters at merge points where definitions from
// several predecessors meet. It is the slot-to-register promotion
// described by Braun et al.'s simple SSA-construction algorithm, run
// over an already complete CFG so every block is effectively sealed.
//
// Locals are uniformly i64-typed, so every inserted parameter is i64.

type localPromoter struct {
	f *Function

	// finalDef[blockID][local] is the value of the last syntactic
	// LocalSet in that block, if any.
	finalDef map[int]map[uint32]Value

	// entryDef[blockID][local] memoizes the reaching definition at block
	// entry.
	entryDef map[int]map[uint32]Value

	// replace accumulates value substitutions (LocalGet results and
	// removed trivial parameters), applied in one sweep at the end.
	replace map[Value]Value

	zero Value
}

func promoteLocals(f *Function) {
	p := &localPromoter{
		f:        f,
		finalDef: make(map[int]map[uint32]Value),
		entryDef: make(map[int]map[uint32]Value),
		replace:  make(map[Value]Value),
		zero:     ValueInvalid,
	}

	for _, bb := range f.Blocks {
		for _, instr := range bb.Instrs {
			if instr.Opcode == OpcodeLocalSet {
				defs := p.finalDef[bb.ID]
				if defs == nil {
					defs = make(map[uint32]Value)
					p.finalDef[bb.ID] = defs
				}
				defs[uint32(instr.U1)] = instr.V
			}
		}
	}

	// Rewrite reads block by block. Within a block the reaching
	// definition is tracked sequentially; at block entry it is resolved
	// through the predecessors.
	for _, bb := range f.Blocks {
		cur := make(map[uint32]Value)
		kept := make([]*Instruction, 0, len(bb.Instrs))
		for _, instr := range bb.Instrs {
			switch instr.Opcode {
			case OpcodeLocalGet:
				local := uint32(instr.U1)
				v, ok := cur[local]
				if !ok {
					v = p.readAtEntry(bb, local)
				}
				p.replace[instr.Ret] = v
			case OpcodeLocalSet:
				cur[uint32(instr.U1)] = instr.V
			default:
				kept = append(kept, instr)
			}
		}
		bb.Instrs = kept
	}

	resolve := func(v Value) Value {
		for {
			r, ok := p.replace[v]
			if !ok {
				return v
			}
			v = r
		}
	}
	for _, bb := range f.Blocks {
		for _, instr := range bb.Instrs {
			instr.ReplaceOperands(resolve)
		}
	}
}

// readAtEntry returns the reaching definition of local at the entry of bb.
func (p *localPromoter) readAtEntry(bb *BasicBlock, local uint32) Value {
	if defs, ok := p.entryDef[bb.ID]; ok {
		if v, ok := defs[local]; ok {
			return v
		}
	}

	var v Value
	switch {
	case bb == p.f.EntryBlock():
		if int(local) < p.f.Sig.NumParams {
			v = p.f.Params[local]
		} else {
			v = p.zeroConst()
		}
	default:
		preds := bb.uniquePreds()
		switch len(preds) {
		case 0:
			// Only possible for an unreachable block; any value is fine.
			v = p.zeroConst()
		case 1:
			v = p.readAtExit(preds[0], local)
		default:
			v = p.readAtMerge(bb, preds, local)
		}
	}

	p.memoEntry(bb, local, v)
	return v
}

// readAtMerge resolves a read with several predecessors: pre-register a
// block parameter (so cycles through this block resolve to it), read
// every predecessor's exit definition, then either keep the parameter
// and retrofit an argument onto each incoming edge, or — if all
// predecessors agree — discard it as trivial.
func (p *localPromoter) readAtMerge(bb *BasicBlock, preds []*BasicBlock, local uint32) Value {
	param := p.f.AddBlockParam(bb, TypeI64)
	p.memoEntry(bb, local, param)

	args := make([]Value, len(preds))
	for n, pred := range preds {
		args[n] = p.readAtExit(pred, local)
	}

	// Trivial iff every operand is either the parameter itself or one
	// other value.
	same := ValueInvalid
	trivial := true
	for _, a := range args {
		if a == param || a == same {
			continue
		}
		if same.Valid() {
			trivial = false
			break
		}
		same = a
	}
	if trivial && same.Valid() {
		// The parameter would forward a single value; drop it. It is
		// still the last parameter of bb because cycles resolve through
		// the memo above rather than re-adding.
		bb.Params = bb.Params[:len(bb.Params)-1]
		p.replace[param] = same
		p.memoEntry(bb, local, same)
		return same
	}

	for n, pred := range preds {
		p.appendEdgeArg(pred, bb, args[n])
	}
	return param
}

func (p *localPromoter) readAtExit(bb *BasicBlock, local uint32) Value {
	if defs, ok := p.finalDef[bb.ID]; ok {
		if v, ok := defs[local]; ok {
			return v
		}
	}
	return p.readAtEntry(bb, local)
}

// appendEdgeArg appends v as a block argument on every edge from pred to
// dst, keeping argument lists positionally aligned with dst's parameters.
func (p *localPromoter) appendEdgeArg(pred, dst *BasicBlock, v Value) {
	for _, instr := range pred.Instrs {
		switch instr.Opcode {
		case OpcodeJump, OpcodeBrnz:
			if instr.Blk == dst {
				instr.Args = append(instr.Args, v)
			}
		case OpcodeBrTable:
			for n := range instr.Targets {
				if instr.Targets[n].Blk == dst {
					instr.Targets[n].Args = append(instr.Targets[n].Args, v)
				}
			}
		}
	}
}

func (p *localPromoter) memoEntry(bb *BasicBlock, local uint32, v Value) {
	defs := p.entryDef[bb.ID]
	if defs == nil {
		defs = make(map[uint32]Value)
		p.entryDef[bb.ID] = defs
	}
	defs[local] = v
}

// zeroConst returns the shared i64 zero used for locals without an
// explicit initial assignment, inserting it at the head of the entry
// block on first use.
func (p *localPromoter) zeroConst() Value {
	if p.zero.Valid() {
		return p.zero
	}
	instr := &Instruction{Opcode: OpcodeIconst, Type: TypeI64, U1: 0}
	instr.Ret = p.f.AllocateValue(TypeI64)
	entry := p.f.EntryBlock()
	entry.Instrs = append([]*Instruction{instr}, entry.Instrs...)
	p.zero = instr.Ret
	return p.zero
}
