package assemble

import (
	"encoding/binary"
	"testing"

	"github.com/tomusdrw/wasm-pvm-sub000/internal/backend"
	"github.com/tomusdrw/wasm-pvm-sub000/internal/tvm"
	"github.com/tomusdrw/wasm-pvm-sub000/internal/wasm"
)

func minimalModule() *wasm.Module {
	m := &wasm.Module{
		TypeSection:        []wasm.FunctionType{{Results: []wasm.ValueType{wasm.ValueTypeI32}}},
		FunctionSection:    []wasm.Index{0, 0},
		CodeSection:        []wasm.Code{{}, {}},
		EntryFunctionIndex: 0,
		EntryFunctionFound: true,
		WasmMemoryBase:     0x50000,
		HeapPages:          32,
	}
	return m
}

// tiny builds a do-nothing function body of the given flavor.
func tiny() []tvm.Instruction {
	return []tvm.Instruction{
		tvm.LoadImm(backend.ReturnValueReg, 1),
		tvm.JumpInd(backend.ReturnAddrReg, 0),
	}
}

func TestEntryHeaderIsTenBytes(t *testing.T) {
	m := minimalModule()
	counter := 0
	blob, err := Program(m, []*backend.FunctionTranslation{
		{Instructions: tiny()}, {Instructions: tiny()},
	}, &counter)
	if err != nil {
		t.Fatal(err)
	}

	headerLen := 0
	for _, i := range blob.Instructions[:2] {
		headerLen += i.EncodedLength()
	}
	if blob.Instructions[0].Op != tvm.OpJump {
		t.Fatalf("header starts with %s, want Jump", blob.Instructions[0].Op)
	}
	// Jump(5) + Trap(1) + 4×Fallthrough without a secondary entry.
	total := 0
	for _, i := range blob.Instructions[:6] {
		total += i.EncodedLength()
	}
	if total != 10 {
		t.Fatalf("entry header is %d bytes, want 10", total)
	}
	// The first jump targets the main entry, which sits right after the
	// header.
	if blob.Instructions[0].Imm[0] != 10 {
		t.Fatalf("header jump offset = %d, want 10", blob.Instructions[0].Imm[0])
	}
}

func TestCallFixupAndJumpTable(t *testing.T) {
	m := minimalModule()

	// Function 0 calls function 1 through a LoadImmJump the backend
	// left with a zero offset and table index 0.
	counter := 1
	caller := &backend.FunctionTranslation{
		Instructions: []tvm.Instruction{
			tvm.LoadImmJump(backend.ReturnAddrReg, 2, 0),
			tvm.Fallthrough(),
			tvm.JumpInd(backend.ReturnAddrReg, 0),
		},
		CallFixups: []backend.CallFixup{{Instr: 0, TableIndex: 0, TargetFunc: 1}},
	}
	callee := &backend.FunctionTranslation{Instructions: tiny()}

	blob, err := Program(m, []*backend.FunctionTranslation{caller, callee}, &counter)
	if err != nil {
		t.Fatal(err)
	}

	// Jump table: 1 call return + 2 function entries.
	if len(blob.JumpTable) != 3 {
		t.Fatalf("jump table has %d entries, want 3", len(blob.JumpTable))
	}

	// Locate the LoadImmJump and check the patched offset reaches the
	// callee and the table entry points right past the instruction.
	off := 0
	for n, i := range blob.Instructions {
		if i.Op == tvm.OpLoadImmJump {
			callee0 := int(blob.JumpTable[2]) // function entry for local 1
			if got := off + int(i.Imm[1]); got != callee0 {
				t.Fatalf("patched call jump lands at %d, callee entry is %d", got, callee0)
			}
			after := off + i.EncodedLength()
			if int(blob.JumpTable[0]) != after {
				t.Fatalf("jump table[0] = %d, want return offset %d", blob.JumpTable[0], after)
			}
			_ = n
		}
		off += i.EncodedLength()
	}

	if blob.HeapPages != 32 {
		t.Fatalf("heap pages = %d, want 32", blob.HeapPages)
	}
}

func TestDispatchTableLayout(t *testing.T) {
	m := minimalModule()
	m.TableSection = []wasm.Table{{
		ElemType: wasm.ValueTypeFuncref,
		Min:      3,
		Entries:  []uint32{1, wasm.MaxU32, 0},
	}}

	counter := 0
	blob, err := Program(m, []*backend.FunctionTranslation{
		{Instructions: tiny()}, {Instructions: tiny()},
	}, &counter)
	if err != nil {
		t.Fatal(err)
	}

	if len(blob.ROData) < 24 {
		t.Fatalf("RO data = %d bytes, want 3 dispatch entries (24 bytes)", len(blob.ROData))
	}
	// Slot 0 → local function 1: jump ref = 2*(funcEntryBase + 1 + 1)
	// with funcEntryBase = 0.
	if got := binary.LittleEndian.Uint32(blob.ROData[0:]); got != 4 {
		t.Fatalf("slot 0 jump ref = %d, want 4", got)
	}
	if got := binary.LittleEndian.Uint32(blob.ROData[4:]); got != 0 {
		t.Fatalf("slot 0 type index = %d, want 0", got)
	}
	// Slot 1 is empty.
	if got := binary.LittleEndian.Uint32(blob.ROData[8:]); got != wasm.MaxU32 {
		t.Fatalf("empty slot jump ref = %#x, want MaxU32", got)
	}
}

func TestRWDataLayout(t *testing.T) {
	m := minimalModule()
	m.GlobalSection = []wasm.Global{
		{Type: wasm.ValueTypeI32, Mutable: true, Init: wasm.ConstExpr{Value: 7}},
		{Type: wasm.ValueTypeI32, Mutable: true, Init: wasm.ConstExpr{Value: 9}},
	}
	m.MemorySection = &wasm.Memory{InitialPages: 2}
	m.DataSection = []wasm.DataSegment{
		{Passive: true, Bytes: []byte{1, 2, 3}},
		{Offset: wasm.ConstExpr{Value: 0x10}, Bytes: []byte{0xAA, 0xBB}},
	}

	counter := 0
	blob, err := Program(m, []*backend.FunctionTranslation{
		{Instructions: tiny()}, {Instructions: tiny()},
	}, &counter)
	if err != nil {
		t.Fatal(err)
	}

	rw := blob.RWData
	if got := binary.LittleEndian.Uint32(rw[0:]); got != 7 {
		t.Fatalf("global 0 = %d, want 7", got)
	}
	if got := binary.LittleEndian.Uint32(rw[4:]); got != 9 {
		t.Fatalf("global 1 = %d, want 9", got)
	}
	// The memory-size global follows the user globals.
	if got := binary.LittleEndian.Uint32(rw[8:]); got != 2 {
		t.Fatalf("memory-size global = %d, want 2 pages", got)
	}
	// One passive segment length word.
	if got := binary.LittleEndian.Uint32(rw[12:]); got != 3 {
		t.Fatalf("passive segment length word = %d, want 3", got)
	}
	// The active segment lands at wasm_memory_base - 0x30000 + 0x10.
	at := int(m.WasmMemoryBase) - 0x30000 + 0x10
	if rw[at] != 0xAA || rw[at+1] != 0xBB {
		t.Fatalf("active segment bytes not placed at %#x", at)
	}

	// Passive content rides in RO data after the (empty) dispatch table.
	layout := LayoutPassiveSegments(m)
	off := layout.ROOffset[0]
	if blob.ROData[off] != 1 || blob.ROData[off+2] != 3 {
		t.Fatalf("passive segment content not found at RO offset %d", off)
	}
}
