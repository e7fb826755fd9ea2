package frontend

import (
	"testing"

	"github.com/tomusdrw/wasm-pvm-sub000/internal/ssa"
	"github.com/tomusdrw/wasm-pvm-sub000/internal/wasm"
)

func singleFuncModule(t *testing.T, params, results []wasm.ValueType, body []byte) *wasm.Module {
	t.Helper()
	return &wasm.Module{
		TypeSection:        []wasm.FunctionType{{Params: params, Results: results}},
		FunctionSection:    []wasm.Index{0},
		CodeSection:        []wasm.Code{{Body: append(body, 0x0B)}},
		EntryFunctionIndex: 0,
		EntryFunctionFound: true,
	}
}

func lowerOne(t *testing.T, m *wasm.Module) *ssa.Function {
	t.Helper()
	fns, err := CompileFunctions(m)
	if err != nil {
		t.Fatalf("frontend: %v", err)
	}
	f, ok := fns["wasm_func_0"]
	if !ok {
		t.Fatal("wasm_func_0 missing from the lowered set")
	}
	if err := f.Validate(); err != nil {
		t.Fatalf("IR validation: %v", err)
	}
	return f
}

func countOpcode(f *ssa.Function, op ssa.Opcode) int {
	n := 0
	for _, bb := range f.Blocks {
		for _, instr := range bb.Instrs {
			if instr.Opcode == op {
				n++
			}
		}
	}
	return n
}

func TestLowerAdd(t *testing.T) {
	m := singleFuncModule(t,
		[]wasm.ValueType{wasm.ValueTypeI32, wasm.ValueTypeI32},
		[]wasm.ValueType{wasm.ValueTypeI32},
		[]byte{0x20, 0x00, 0x20, 0x01, 0x6A})
	f := lowerOne(t, m)

	if got := countOpcode(f, ssa.OpcodeIadd); got != 1 {
		t.Fatalf("Iadd count = %d, want 1", got)
	}
	// 32-bit operands are narrowed before the op and the result widened
	// back to the uniform storage form.
	if got := countOpcode(f, ssa.OpcodeItrunc); got != 2 {
		t.Fatalf("Itrunc count = %d, want 2", got)
	}
	if got := countOpcode(f, ssa.OpcodeUextend); got != 1 {
		t.Fatalf("Uextend count = %d, want 1", got)
	}
	if got := countOpcode(f, ssa.OpcodeReturn); got != 1 {
		t.Fatalf("Return count = %d, want 1", got)
	}
}

func TestLowerIfElseProducesMergeParam(t *testing.T) {
	m := singleFuncModule(t,
		[]wasm.ValueType{wasm.ValueTypeI32},
		[]wasm.ValueType{wasm.ValueTypeI32},
		[]byte{
			0x20, 0x00, // local.get 0
			0x04, 0x7F, // if (result i32)
			0x41, 0x01, // i32.const 1
			0x05,       // else
			0x41, 0x02, // i32.const 2
			0x0B, // end
		})
	f := lowerOne(t, m)

	withParam := 0
	for _, bb := range f.Blocks {
		if len(bb.Params) == 1 && len(bb.Preds) >= 2 {
			withParam++
		}
	}
	// The if/else merge and the return block both merge one value.
	if withParam == 0 {
		t.Fatal("no merge block with a parameter found for the if/else result")
	}
	if got := countOpcode(f, ssa.OpcodeBrnz); got != 1 {
		t.Fatalf("Brnz count = %d, want 1", got)
	}
}

func TestLowerDeadCodeAfterBr(t *testing.T) {
	// Operators between br and end must not be translated.
	m := singleFuncModule(t, nil, []wasm.ValueType{wasm.ValueTypeI32},
		[]byte{
			0x02, 0x7F, // block (result i32)
			0x41, 0x2A, // i32.const 42
			0x0C, 0x00, // br 0
			0x41, 0x07, // i32.const 7   (dead)
			0x6A, // i32.add             (dead)
			0x0B, // end
		})
	f := lowerOne(t, m)

	if got := countOpcode(f, ssa.OpcodeIadd); got != 0 {
		t.Fatalf("dead i32.add was translated (%d Iadd instructions)", got)
	}
}

func TestLowerBrTable(t *testing.T) {
	m := singleFuncModule(t,
		[]wasm.ValueType{wasm.ValueTypeI32},
		[]wasm.ValueType{wasm.ValueTypeI32},
		[]byte{
			0x02, 0x40, // block A
			0x02, 0x40, // block B
			0x20, 0x00, // local.get 0
			0x0E, 0x01, 0x00, 0x01, // br_table [0] default 1
			0x0B,       // end B
			0x41, 0x01, // i32.const 1
			0x0F, // return
			0x0B, // end A
			0x41, 0x02, // i32.const 2
		})
	f := lowerOne(t, m)

	n := 0
	for _, bb := range f.Blocks {
		for _, instr := range bb.Instrs {
			if instr.Opcode == ssa.OpcodeBrTable {
				n++
				if len(instr.Targets) != 2 {
					t.Fatalf("BrTable targets = %d, want 2 (one case + default)", len(instr.Targets))
				}
			}
		}
	}
	if n != 1 {
		t.Fatalf("BrTable count = %d, want 1", n)
	}
}

func TestLowerCallIndirect(t *testing.T) {
	m := &wasm.Module{
		TypeSection: []wasm.FunctionType{
			{Results: []wasm.ValueType{wasm.ValueTypeI32}},
		},
		FunctionSection: []wasm.Index{0},
		CodeSection: []wasm.Code{{Body: []byte{
			0x41, 0x00, // i32.const 0
			0x11, 0x00, 0x00, // call_indirect type 0 table 0
			0x0B,
		}}},
		TableSection:       []wasm.Table{{ElemType: wasm.ValueTypeFuncref, Min: 1, Entries: []uint32{0}}},
		EntryFunctionIndex: 0,
		EntryFunctionFound: true,
	}
	f := lowerOne(t, m)

	found := false
	for _, bb := range f.Blocks {
		for _, instr := range bb.Instrs {
			if instr.Opcode == ssa.OpcodeCall && instr.Callee == "__pvm_call_indirect" {
				found = true
				if len(instr.Args) != 2 {
					t.Fatalf("indirect call args = %d, want 2 (type index + table entry)", len(instr.Args))
				}
			}
		}
	}
	if !found {
		t.Fatal("call_indirect did not lower to __pvm_call_indirect")
	}
}

func TestLowerMemoryOpsBecomeIntrinsics(t *testing.T) {
	m := singleFuncModule(t,
		[]wasm.ValueType{wasm.ValueTypeI32},
		[]wasm.ValueType{wasm.ValueTypeI32},
		[]byte{
			0x20, 0x00, // local.get 0
			0x28, 0x02, 0x04, // i32.load align=2 offset=4
		})
	f := lowerOne(t, m)

	found := false
	for _, bb := range f.Blocks {
		for _, instr := range bb.Instrs {
			if instr.Opcode == ssa.OpcodeCall && instr.Callee == "__pvm_load_i32" {
				found = true
			}
		}
	}
	if !found {
		t.Fatal("i32.load did not lower to __pvm_load_i32")
	}
	// The static offset folds into the effective address.
	if got := countOpcode(f, ssa.OpcodeIadd); got != 1 {
		t.Fatalf("effective-address Iadd count = %d, want 1", got)
	}
}

func TestFloatLocalRejected(t *testing.T) {
	m := &wasm.Module{
		TypeSection:        []wasm.FunctionType{{}},
		FunctionSection:    []wasm.Index{0},
		CodeSection:        []wasm.Code{{LocalTypes: []wasm.ValueType{wasm.ValueTypeF64}, Body: []byte{0x0B}}},
		EntryFunctionIndex: 0,
		EntryFunctionFound: true,
	}
	if _, err := CompileFunctions(m); err == nil {
		t.Fatal("float local must fail lowering")
	}
}
