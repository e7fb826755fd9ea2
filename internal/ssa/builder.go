package ssa

import "fmt"

// Signature is the integer-only signature of a function.
type Signature struct {
	NumParams  int
	HasReturn  bool
	ReturnType Type
}

// Function is a complete per-function IR unit: the blocks in layout
// order, the parameter values, and the side tables for value types.
type Function struct {
	Name   string
	Sig    Signature
	Params []Value

	Blocks []*BasicBlock

	// valueTypes is indexed by Value.
	valueTypes []Type
	nextBlock  int
}

// NewFunction returns an empty function with the given name and signature.
func NewFunction(name string, sig Signature) *Function {
	return &Function{Name: name, Sig: sig}
}

// AllocateValue allocates a fresh value of type t.
func (f *Function) AllocateValue(t Type) Value {
	v := Value(len(f.valueTypes))
	f.valueTypes = append(f.valueTypes, t)
	return v
}

// TypeOf returns the type of v.
func (f *Function) TypeOf(v Value) Type { return f.valueTypes[v] }

// NumValues returns the number of values allocated so far; side tables in
// the backend are sized by this.
func (f *Function) NumValues() int { return len(f.valueTypes) }

// AllocateBasicBlock allocates a new block and appends it to the layout.
func (f *Function) AllocateBasicBlock() *BasicBlock {
	bb := &BasicBlock{ID: f.nextBlock}
	f.nextBlock++
	f.Blocks = append(f.Blocks, bb)
	return bb
}

// EntryBlock returns the function entry.
func (f *Function) EntryBlock() *BasicBlock { return f.Blocks[0] }

// AddBlockParam declares a parameter of type t on bb.
func (f *Function) AddBlockParam(bb *BasicBlock, t Type) Value {
	v := f.AllocateValue(t)
	bb.Params = append(bb.Params, v)
	return v
}

// InsertInstruction appends instr to bb, allocating its result value if
// resultType is valid, and recording predecessor edges for branches.
func (f *Function) InsertInstruction(bb *BasicBlock, instr *Instruction, resultType Type) Value {
	if resultType != typeInvalid {
		instr.Ret = f.AllocateValue(resultType)
	} else {
		instr.Ret = ValueInvalid
	}
	bb.Instrs = append(bb.Instrs, instr)
	switch instr.Opcode {
	case OpcodeJump, OpcodeBrnz:
		instr.Blk.Preds = append(instr.Blk.Preds, bb)
	case OpcodeBrTable:
		for _, t := range instr.Targets {
			t.Blk.Preds = append(t.Blk.Preds, bb)
		}
	}
	return instr.Ret
}

// RemoveDeadBlocks invalidates blocks unreachable from the entry and
// drops them from the layout. Predecessor lists of surviving blocks are
// rebuilt so later passes see an accurate CFG.
func (f *Function) RemoveDeadBlocks() {
	reachable := make(map[int]bool, len(f.Blocks))
	var stack []*BasicBlock
	entry := f.EntryBlock()
	reachable[entry.ID] = true
	stack = append(stack, entry)
	for len(stack) > 0 {
		bb := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, instr := range bb.Instrs {
			var succs []*BasicBlock
			switch instr.Opcode {
			case OpcodeJump, OpcodeBrnz:
				succs = append(succs, instr.Blk)
			case OpcodeBrTable:
				for _, t := range instr.Targets {
					succs = append(succs, t.Blk)
				}
			}
			for _, s := range succs {
				if !reachable[s.ID] {
					reachable[s.ID] = true
					stack = append(stack, s)
				}
			}
		}
	}

	kept := f.Blocks[:0]
	for _, bb := range f.Blocks {
		if reachable[bb.ID] {
			kept = append(kept, bb)
		} else {
			bb.invalid = true
		}
	}
	f.Blocks = kept

	for _, bb := range f.Blocks {
		bb.Preds = bb.Preds[:0]
	}
	for _, bb := range f.Blocks {
		for _, instr := range bb.Instrs {
			switch instr.Opcode {
			case OpcodeJump, OpcodeBrnz:
				instr.Blk.Preds = append(instr.Blk.Preds, bb)
			case OpcodeBrTable:
				for _, t := range instr.Targets {
					t.Blk.Preds = append(t.Blk.Preds, bb)
				}
			}
		}
	}
}

// Validate checks structural invariants: every block terminated, branch
// argument counts matching target parameter counts, operands allocated.
// Violations are compiler bugs, reported with context.
func (f *Function) Validate() error {
	for _, bb := range f.Blocks {
		if !bb.Terminated() {
			return fmt.Errorf("%s: blk%d is not terminated", f.Name, bb.ID)
		}
		for _, instr := range bb.Instrs {
			checkTarget := func(blk *BasicBlock, args []Value) error {
				if len(args) != len(blk.Params) {
					return fmt.Errorf("%s: blk%d: %s passes %d args to blk%d which has %d params",
						f.Name, bb.ID, instr.Opcode, len(args), blk.ID, len(blk.Params))
				}
				return nil
			}
			switch instr.Opcode {
			case OpcodeJump, OpcodeBrnz:
				if err := checkTarget(instr.Blk, instr.Args); err != nil {
					return err
				}
			case OpcodeBrTable:
				for _, t := range instr.Targets {
					if err := checkTarget(t.Blk, t.Args); err != nil {
						return err
					}
				}
			}
			for _, v := range instr.Operands(nil) {
				if int(v) >= len(f.valueTypes) {
					return fmt.Errorf("%s: blk%d: %s references unallocated %s",
						f.Name, bb.ID, instr.Opcode, v)
				}
			}
		}
	}
	return nil
}
