package ssa

import "testing"

// buildDiamond builds:
//
//	blk0: local0 = param; Brnz v -> blk1, Jump -> blk2
//	blk1: LocalSet 1, 10; Jump blk3
//	blk2: LocalSet 1, 20; Jump blk3
//	blk3: r = LocalGet 1; Return r
//
// After promotion blk3 must carry a block parameter merging the two
// definitions.
func buildDiamond(t *testing.T) *Function {
	t.Helper()
	f := NewFunction("diamond", Signature{NumParams: 1, HasReturn: true, ReturnType: TypeI64})

	blk0 := f.AllocateBasicBlock()
	blk1 := f.AllocateBasicBlock()
	blk2 := f.AllocateBasicBlock()
	blk3 := f.AllocateBasicBlock()

	f.Params = append(f.Params, f.AllocateValue(TypeI64))

	c10 := f.InsertInstruction(blk0, &Instruction{Opcode: OpcodeIconst, Type: TypeI64, U1: 10}, TypeI64)
	c20 := f.InsertInstruction(blk0, &Instruction{Opcode: OpcodeIconst, Type: TypeI64, U1: 20}, TypeI64)
	f.InsertInstruction(blk0, &Instruction{Opcode: OpcodeBrnz, V: f.Params[0], Blk: blk1}, 0)
	f.InsertInstruction(blk0, &Instruction{Opcode: OpcodeJump, Blk: blk2}, 0)

	f.InsertInstruction(blk1, &Instruction{Opcode: OpcodeLocalSet, U1: 1, V: c10}, 0)
	f.InsertInstruction(blk1, &Instruction{Opcode: OpcodeJump, Blk: blk3}, 0)

	f.InsertInstruction(blk2, &Instruction{Opcode: OpcodeLocalSet, U1: 1, V: c20}, 0)
	f.InsertInstruction(blk2, &Instruction{Opcode: OpcodeJump, Blk: blk3}, 0)

	get := f.InsertInstruction(blk3, &Instruction{Opcode: OpcodeLocalGet, U1: 1}, TypeI64)
	f.InsertInstruction(blk3, &Instruction{Opcode: OpcodeReturn, V: get}, 0)
	return f
}

func TestPromoteLocalsDiamond(t *testing.T) {
	f := buildDiamond(t)
	promoteLocals(f)

	blk3 := f.Blocks[3]
	if len(blk3.Params) != 1 {
		t.Fatalf("merge block has %d params, want 1", len(blk3.Params))
	}
	for _, bb := range f.Blocks {
		for _, instr := range bb.Instrs {
			if instr.Opcode == OpcodeLocalGet || instr.Opcode == OpcodeLocalSet {
				t.Fatalf("local access survived promotion in blk%d: %s", bb.ID, instr.Format())
			}
		}
	}
	// Both incoming edges must pass one argument.
	for _, pred := range []*BasicBlock{f.Blocks[1], f.Blocks[2]} {
		tail := pred.Tail()
		if tail.Opcode != OpcodeJump || len(tail.Args) != 1 {
			t.Fatalf("blk%d tail = %s, want Jump with 1 arg", pred.ID, tail.Format())
		}
	}
	// The return must use the merged value.
	ret := blk3.Tail()
	if ret.Opcode != OpcodeReturn || ret.V != blk3.Params[0] {
		t.Fatalf("return = %s, want the merge parameter %s", ret.Format(), blk3.Params[0])
	}
	if err := f.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestPromoteLocalsSameDefinitionIsTrivial(t *testing.T) {
	// Both arms assign the same value: no parameter should be inserted.
	f := NewFunction("trivial", Signature{NumParams: 1, HasReturn: true, ReturnType: TypeI64})
	blk0 := f.AllocateBasicBlock()
	blk1 := f.AllocateBasicBlock()
	blk2 := f.AllocateBasicBlock()
	blk3 := f.AllocateBasicBlock()
	f.Params = append(f.Params, f.AllocateValue(TypeI64))

	c := f.InsertInstruction(blk0, &Instruction{Opcode: OpcodeIconst, Type: TypeI64, U1: 7}, TypeI64)
	f.InsertInstruction(blk0, &Instruction{Opcode: OpcodeLocalSet, U1: 1, V: c}, 0)
	f.InsertInstruction(blk0, &Instruction{Opcode: OpcodeBrnz, V: f.Params[0], Blk: blk1}, 0)
	f.InsertInstruction(blk0, &Instruction{Opcode: OpcodeJump, Blk: blk2}, 0)
	f.InsertInstruction(blk1, &Instruction{Opcode: OpcodeJump, Blk: blk3}, 0)
	f.InsertInstruction(blk2, &Instruction{Opcode: OpcodeJump, Blk: blk3}, 0)
	get := f.InsertInstruction(blk3, &Instruction{Opcode: OpcodeLocalGet, U1: 1}, TypeI64)
	f.InsertInstruction(blk3, &Instruction{Opcode: OpcodeReturn, V: get}, 0)

	promoteLocals(f)

	if len(f.Blocks[3].Params) != 0 {
		t.Fatalf("trivial merge gained %d params, want 0", len(f.Blocks[3].Params))
	}
	if ret := f.Blocks[3].Tail(); ret.V != c {
		t.Fatalf("return uses %s, want the single definition %s", ret.V, c)
	}
}

func TestPromoteLocalsLoop(t *testing.T) {
	// blk0 -> blk1 (header, also reached from blk1 itself):
	//   blk1: i = LocalGet 0; i2 = i+1; LocalSet 0, i2; Brnz p -> blk1; Jump blk2
	//   blk2: Return LocalGet 0
	f := NewFunction("loop", Signature{NumParams: 1, HasReturn: true, ReturnType: TypeI64})
	blk0 := f.AllocateBasicBlock()
	blk1 := f.AllocateBasicBlock()
	blk2 := f.AllocateBasicBlock()
	f.Params = append(f.Params, f.AllocateValue(TypeI64))

	f.InsertInstruction(blk0, &Instruction{Opcode: OpcodeJump, Blk: blk1}, 0)

	get := f.InsertInstruction(blk1, &Instruction{Opcode: OpcodeLocalGet, U1: 0}, TypeI64)
	one := f.InsertInstruction(blk1, &Instruction{Opcode: OpcodeIconst, Type: TypeI64, U1: 1}, TypeI64)
	sum := f.InsertInstruction(blk1, &Instruction{Opcode: OpcodeIadd, Type: TypeI64, V: get, V2: one}, TypeI64)
	f.InsertInstruction(blk1, &Instruction{Opcode: OpcodeLocalSet, U1: 0, V: sum}, 0)
	f.InsertInstruction(blk1, &Instruction{Opcode: OpcodeBrnz, V: f.Params[0], Blk: blk1}, 0)
	f.InsertInstruction(blk1, &Instruction{Opcode: OpcodeJump, Blk: blk2}, 0)

	get2 := f.InsertInstruction(blk2, &Instruction{Opcode: OpcodeLocalGet, U1: 0}, TypeI64)
	f.InsertInstruction(blk2, &Instruction{Opcode: OpcodeReturn, V: get2}, 0)

	promoteLocals(f)

	if len(f.Blocks[1].Params) != 1 {
		t.Fatalf("loop header has %d params, want 1", len(f.Blocks[1].Params))
	}
	if err := f.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestPromoteLocalsSelfReferenceIsTrivial(t *testing.T) {
	// A loop that only reads the local: the header's merge sees its own
	// parameter on the back edge and the entry definition on the other,
	// which must collapse to the entry definition, not keep a parameter.
	// The back edge is inserted first so the self-reference is the first
	// operand the trivial-phi test sees.
	f := NewFunction("selfloop", Signature{NumParams: 1, HasReturn: true, ReturnType: TypeI64})
	blk0 := f.AllocateBasicBlock()
	blk1 := f.AllocateBasicBlock()
	blk2 := f.AllocateBasicBlock()
	f.Params = append(f.Params, f.AllocateValue(TypeI64))

	get := f.InsertInstruction(blk1, &Instruction{Opcode: OpcodeLocalGet, U1: 0}, TypeI64)
	f.InsertInstruction(blk1, &Instruction{Opcode: OpcodeBrnz, V: get, Blk: blk1}, 0)
	f.InsertInstruction(blk1, &Instruction{Opcode: OpcodeJump, Blk: blk2}, 0)

	f.InsertInstruction(blk0, &Instruction{Opcode: OpcodeJump, Blk: blk1}, 0)

	get2 := f.InsertInstruction(blk2, &Instruction{Opcode: OpcodeLocalGet, U1: 0}, TypeI64)
	f.InsertInstruction(blk2, &Instruction{Opcode: OpcodeReturn, V: get2}, 0)

	promoteLocals(f)

	if len(f.Blocks[1].Params) != 0 {
		t.Fatalf("never-written local kept %d header params, want 0", len(f.Blocks[1].Params))
	}
	if tail := f.Blocks[1].Instrs[0]; tail.Opcode == OpcodeBrnz && tail.V != f.Params[0] {
		t.Fatalf("loop condition uses %s, want the entry definition %s", tail.V, f.Params[0])
	}
	if err := f.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestSimplifyConstantFolding(t *testing.T) {
	f := NewFunction("fold", Signature{HasReturn: true, ReturnType: TypeI64})
	blk0 := f.AllocateBasicBlock()
	a := f.InsertInstruction(blk0, &Instruction{Opcode: OpcodeIconst, Type: TypeI32, U1: 40}, TypeI32)
	b := f.InsertInstruction(blk0, &Instruction{Opcode: OpcodeIconst, Type: TypeI32, U1: 2}, TypeI32)
	sum := f.InsertInstruction(blk0, &Instruction{Opcode: OpcodeIadd, Type: TypeI32, V: a, V2: b}, TypeI32)
	f.InsertInstruction(blk0, &Instruction{Opcode: OpcodeReturn, V: sum}, 0)

	simplify(f)

	var folded *Instruction
	for _, instr := range blk0.Instrs {
		if instr.Ret == sum {
			folded = instr
		}
	}
	if folded == nil || folded.Opcode != OpcodeIconst || folded.U1 != 42 {
		t.Fatalf("add of constants did not fold to Iconst 42: %v", folded)
	}
}

func TestSimplifyConstantBranch(t *testing.T) {
	f := NewFunction("brfold", Signature{HasReturn: false})
	blk0 := f.AllocateBasicBlock()
	blk1 := f.AllocateBasicBlock()
	blk2 := f.AllocateBasicBlock()
	c := f.InsertInstruction(blk0, &Instruction{Opcode: OpcodeIconst, Type: TypeI32, U1: 1}, TypeI32)
	f.InsertInstruction(blk0, &Instruction{Opcode: OpcodeBrnz, V: c, Blk: blk1}, 0)
	f.InsertInstruction(blk0, &Instruction{Opcode: OpcodeJump, Blk: blk2}, 0)
	f.InsertInstruction(blk1, &Instruction{Opcode: OpcodeReturn}, 0)
	f.InsertInstruction(blk2, &Instruction{Opcode: OpcodeReturn}, 0)

	simplify(f)
	f.RemoveDeadBlocks()

	tail := f.Blocks[0].Tail()
	if tail.Opcode != OpcodeJump || tail.Blk.ID != 1 {
		t.Fatalf("always-taken branch did not fold to Jump blk1: %s", tail.Format())
	}
	for _, bb := range f.Blocks {
		if bb.ID == 2 {
			t.Fatal("dead blk2 survived RemoveDeadBlocks")
		}
	}
}
