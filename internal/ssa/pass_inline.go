package ssa

import "sort"

// inlineSmallFunctions replaces calls to trivially small callees with the
// callee's body. Only the simplest shape is inlined: a single-block
// function with no calls of its own (intrinsics included) that ends in a
// return. That covers the accessor/helper functions WASM producers emit
// in large numbers without needing multi-block CFG splicing.
const inlineMaxInstrs = 12

func inlineSmallFunctions(fns map[string]*Function) {
	names := make([]string, 0, len(fns))
	for name := range fns {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		f := fns[name]
		for _, bb := range f.Blocks {
			out := make([]*Instruction, 0, len(bb.Instrs))
			for _, instr := range bb.Instrs {
				if instr.Opcode != OpcodeCall {
					out = append(out, instr)
					continue
				}
				callee, ok := fns[instr.Callee]
				if !ok || callee == f || !inlinable(callee) {
					out = append(out, instr)
					continue
				}
				out = append(out, cloneBody(f, callee, instr)...)
			}
			bb.Instrs = out
		}
	}
}

func inlinable(f *Function) bool {
	if len(f.Blocks) != 1 {
		return false
	}
	body := f.Blocks[0].Instrs
	if len(body) == 0 || len(body) > inlineMaxInstrs {
		return false
	}
	if body[len(body)-1].Opcode != OpcodeReturn {
		return false
	}
	for _, instr := range body {
		if instr.Opcode == OpcodeCall {
			return false
		}
	}
	return true
}

// cloneBody copies callee's single block into caller, substituting the
// callee's parameters with the call-site arguments and allocating fresh
// values for everything the body defines. The call's result value is
// redefined as a copy of the callee's returned value so existing uses
// stay valid.
func cloneBody(caller, callee *Function, call *Instruction) []*Instruction {
	remap := make(map[Value]Value, callee.NumValues())
	for n, p := range callee.Params {
		remap[p] = call.Args[n]
	}
	mapVal := func(v Value) Value {
		if r, ok := remap[v]; ok {
			return r
		}
		return v
	}

	body := callee.Blocks[0].Instrs
	out := make([]*Instruction, 0, len(body))
	for _, src := range body[:len(body)-1] {
		c := *src
		c.Args = append([]Value(nil), src.Args...)
		c.ReplaceOperands(mapVal)
		if src.Ret.Valid() {
			c.Ret = caller.AllocateValue(callee.TypeOf(src.Ret))
			remap[src.Ret] = c.Ret
		}
		out = append(out, &c)
	}

	ret := body[len(body)-1]
	if call.Ret.Valid() && ret.V.Valid() {
		// Keep the call's existing result value: redefine it as an
		// identity extend of the returned value.
		out = append(out, &Instruction{
			Opcode: OpcodeUextend,
			Type:   TypeI64,
			V:      mapVal(ret.V),
			U1:     64,
			Ret:    call.Ret,
		})
	}
	return out
}
