// Package assemble concatenates the per-function instruction streams
// into the final program: the fixed entry header, cross-function call
// fixup resolution, the jump table, the indirect-call dispatch table,
// and the initial data images.
package assemble

import (
	"encoding/binary"

	"github.com/tomusdrw/wasm-pvm-sub000/errors"
	"github.com/tomusdrw/wasm-pvm-sub000/internal/backend"
	"github.com/tomusdrw/wasm-pvm-sub000/internal/tvm"
	"github.com/tomusdrw/wasm-pvm-sub000/internal/tvmlog"
	"github.com/tomusdrw/wasm-pvm-sub000/internal/wasm"

	"go.uber.org/zap"
)

const entryHeaderSize = 10

// PassiveSegmentLayout describes where each passive data segment's
// content lives in RO data and how long it is. Computed before code
// generation so memory.init sites can bake the placement in.
type PassiveSegmentLayout struct {
	// ROOffset maps data segment index to its offset inside RO data.
	ROOffset map[uint32]uint32
	// Length maps data segment index to its byte length.
	Length map[uint32]uint32
	// Ordinal maps data segment index to its position among the passive
	// segments, which determines its runtime length word's address.
	Ordinal map[uint32]int
}

// LayoutPassiveSegments places passive segment content after the
// dispatch table in RO data.
func LayoutPassiveSegments(m *wasm.Module) PassiveSegmentLayout {
	l := PassiveSegmentLayout{
		ROOffset: map[uint32]uint32{},
		Length:   map[uint32]uint32{},
		Ordinal:  map[uint32]int{},
	}
	offset := dispatchTableSize(m)
	ordinal := 0
	for i, seg := range m.DataSection {
		if !seg.Passive {
			continue
		}
		l.ROOffset[uint32(i)] = offset
		l.Length[uint32(i)] = uint32(len(seg.Bytes))
		l.Ordinal[uint32(i)] = ordinal
		offset += uint32(len(seg.Bytes))
		ordinal++
	}
	return l
}

func dispatchTableSize(m *wasm.Module) uint32 {
	if len(m.TableSection) == 0 {
		return 0
	}
	return uint32(len(m.TableSection[0].Entries)) * 8
}

// Program assembles the compiled functions into the final blob.
// translations is indexed by local function index; callReturnCounter is
// the module-wide jump-table index allocator the backend already drew
// from, still open so the start-function stubs can draw too.
func Program(m *wasm.Module, translations []*backend.FunctionTranslation, callReturnCounter *int) (*ProgramBlob, error) {
	var instrs []tvm.Instruction
	var callFixups []backend.CallFixup
	var indirectFixups []backend.IndirectCallFixup

	// Fixed 10-byte entry header: jump to main, then either a jump to
	// the secondary entry or a trap with padding.
	instrs = append(instrs, tvm.Jump(0))
	if m.HasSecondaryEntry {
		instrs = append(instrs, tvm.Jump(0))
	} else {
		instrs = append(instrs, tvm.Trap(),
			tvm.Fallthrough(), tvm.Fallthrough(), tvm.Fallthrough(), tvm.Fallthrough())
	}
	if got := encodedLength(instrs); got != entryHeaderSize {
		return nil, errors.Internal(errors.PhaseAssemble, "entry header is %d bytes, want %d", got, entryHeaderSize)
	}

	mainLocal := int(m.LocalFunctionIndex(m.EntryFunctionIndex))
	secondaryLocal := -1
	if m.HasSecondaryEntry {
		secondaryLocal = int(m.LocalFunctionIndex(m.SecondaryEntryFunctionIndex))
	}
	startLocal := -1
	if m.StartSection != nil && !m.IsImportedFunction(*m.StartSection) {
		startLocal = int(m.LocalFunctionIndex(*m.StartSection))
	}

	funcOffsets := make([]int, len(translations))
	running := encodedLength(instrs)

	for localIdx, tr := range translations {
		funcOffsets[localIdx] = running

		isEntry := localIdx == mainLocal || localIdx == secondaryLocal
		if isEntry && startLocal >= 0 {
			stub, stubFixup := startStub(len(instrs), startLocal, callReturnCounter)
			instrs = append(instrs, stub...)
			callFixups = append(callFixups, stubFixup)
			running += encodedLength(stub)
		}

		base := len(instrs)
		for _, fx := range tr.CallFixups {
			fx.Instr += base
			callFixups = append(callFixups, fx)
		}
		for _, fx := range tr.IndirectCallFixups {
			fx.JumpIndInstr += base
			indirectFixups = append(indirectFixups, fx)
		}
		instrs = append(instrs, tr.Instructions...)
		running += encodedLength(tr.Instructions)
	}

	// Prefix-sum byte offsets over the final instruction array.
	offsets := make([]int, len(instrs)+1)
	for i, instr := range instrs {
		offsets[i+1] = offsets[i] + instr.EncodedLength()
	}

	// Resolve the cross-function call fixups and build the jump table:
	// call return addresses occupy the indices the emitters assigned in
	// emission order; function entry points follow.
	numCallReturns := *callReturnCounter
	jumpTable := make([]uint32, numCallReturns+len(funcOffsets))

	for _, fx := range callFixups {
		if int(fx.TargetFunc) >= len(funcOffsets) {
			return nil, errors.Internal(errors.PhaseAssemble, "call to unknown local function %d", fx.TargetFunc)
		}
		instr := &instrs[fx.Instr]
		if instr.Op != tvm.OpLoadImmJump {
			return nil, errors.Internal(errors.PhaseAssemble, "call fixup does not reference a LoadImmJump (got %s)", instr.Op)
		}
		instr.Imm[1] = int64(funcOffsets[fx.TargetFunc] - offsets[fx.Instr])
		jumpTable[fx.TableIndex] = uint32(offsets[fx.Instr+1])
	}
	for _, fx := range indirectFixups {
		jumpTable[fx.TableIndex] = uint32(offsets[fx.JumpIndInstr+1])
	}

	funcEntryBase := numCallReturns
	for i, off := range funcOffsets {
		jumpTable[funcEntryBase+i] = uint32(off)
	}

	// Patch the entry header.
	instrs[0].Imm[0] = int64(funcOffsets[mainLocal])
	if secondaryLocal >= 0 {
		instrs[1].Imm[0] = int64(funcOffsets[secondaryLocal] - 5)
	}

	roData := buildROData(m, funcEntryBase)
	rwData, err := buildRWData(m)
	if err != nil {
		return nil, err
	}

	tvmlog.L().Debug("assembled program",
		zap.Int("code_bytes", offsets[len(instrs)]),
		zap.Int("jump_table_entries", len(jumpTable)),
		zap.Int("ro_bytes", len(roData)),
		zap.Int("rw_bytes", len(rwData)))

	return &ProgramBlob{
		Instructions: instrs,
		JumpTable:    jumpTable,
		ROData:       roData,
		RWData:       rwData,
		HeapPages:    m.HeapPages,
	}, nil
}

// startStub builds the prologue stub that entry functions run before
// their body when the module declares a start function: save the I/O
// registers, call start, restore them.
func startStub(instrBase, startLocal int, counter *int) ([]tvm.Instruction, backend.CallFixup) {
	idx := *counter
	*counter++
	returnAddr := int64(idx+1) * 2

	stub := []tvm.Instruction{
		tvm.AddImm64(backend.StackPtrReg, backend.StackPtrReg, -16),
		tvm.StoreIndU64(backend.StackPtrReg, backend.ArgsPtrReg, 0),
		tvm.StoreIndU64(backend.StackPtrReg, backend.ArgsLenReg, 8),
		tvm.LoadImmJump(backend.ReturnAddrReg, returnAddr, 0),
		tvm.Fallthrough(),
		tvm.LoadIndU64(backend.ArgsPtrReg, backend.StackPtrReg, 0),
		tvm.LoadIndU64(backend.ArgsLenReg, backend.StackPtrReg, 8),
		tvm.AddImm64(backend.StackPtrReg, backend.StackPtrReg, 16),
	}
	return stub, backend.CallFixup{
		Instr:      instrBase + 3,
		TableIndex: idx,
		TargetFunc: uint32(startLocal),
	}
}

// buildROData lays out the dispatch table followed by passive segment
// content. Each dispatch entry is (jump_table_ref: u32, type_index:
// u32); empty slots and imported functions are (MaxU32, MaxU32).
func buildROData(m *wasm.Module, funcEntryBase int) []byte {
	var ro []byte
	if len(m.TableSection) > 0 {
		for _, funcIdx := range m.TableSection[0].Entries {
			var entry [8]byte
			if funcIdx == wasm.MaxU32 || m.IsImportedFunction(funcIdx) {
				binary.LittleEndian.PutUint32(entry[0:], wasm.MaxU32)
				binary.LittleEndian.PutUint32(entry[4:], wasm.MaxU32)
			} else {
				localIdx := m.LocalFunctionIndex(funcIdx)
				jumpRef := 2 * uint32(funcEntryBase+int(localIdx)+1)
				binary.LittleEndian.PutUint32(entry[0:], jumpRef)
				binary.LittleEndian.PutUint32(entry[4:], m.FunctionSection[localIdx])
			}
			ro = append(ro, entry[:]...)
		}
	}
	for _, seg := range m.DataSection {
		if seg.Passive {
			ro = append(ro, seg.Bytes...)
		}
	}
	if len(ro) == 0 {
		// Keep the section non-empty so the runtime always maps it.
		ro = []byte{0}
	}
	return ro
}

// buildRWData builds the initial read-write image mapped at
// GLOBAL_MEMORY_BASE: global initial values (u32 each), the
// compiler-managed memory-size global, the passive-segment length words,
// then the active data segments placed at their linear-memory addresses.
func buildRWData(m *wasm.Module) ([]byte, error) {
	numPassive := 0
	for _, seg := range m.DataSection {
		if seg.Passive {
			numPassive++
		}
	}
	globalsEnd := (len(m.GlobalSection) + 1 + numPassive) * 4

	wasmToRW := m.WasmMemoryBase - uint32(backend.GlobalMemoryBase)
	dataEnd := 0
	for _, seg := range m.DataSection {
		if seg.Passive {
			continue
		}
		off, err := evalConstExpr(m, seg.Offset)
		if err != nil {
			return nil, err
		}
		end := int(wasmToRW) + int(off) + len(seg.Bytes)
		if end > dataEnd {
			dataEnd = end
		}
	}

	total := globalsEnd
	if dataEnd > total {
		total = dataEnd
	}
	if total == 0 {
		return nil, nil
	}
	rw := make([]byte, total)

	for i, g := range m.GlobalSection {
		v, err := evalConstExpr(m, g.Init)
		if err != nil {
			return nil, err
		}
		binary.LittleEndian.PutUint32(rw[i*4:], uint32(v))
	}

	initialPages := uint32(0)
	if m.MemorySection != nil {
		initialPages = m.MemorySection.InitialPages
	}
	binary.LittleEndian.PutUint32(rw[len(m.GlobalSection)*4:], initialPages)

	ordinal := 0
	for _, seg := range m.DataSection {
		if !seg.Passive {
			continue
		}
		at := (len(m.GlobalSection) + 1 + ordinal) * 4
		binary.LittleEndian.PutUint32(rw[at:], uint32(len(seg.Bytes)))
		ordinal++
	}

	for _, seg := range m.DataSection {
		if seg.Passive {
			continue
		}
		off, err := evalConstExpr(m, seg.Offset)
		if err != nil {
			return nil, err
		}
		copy(rw[int(wasmToRW)+int(off):], seg.Bytes)
	}
	return rw, nil
}

// evalConstExpr resolves a constant initializer, following one level of
// global.get indirection into the module's own globals.
func evalConstExpr(m *wasm.Module, e wasm.ConstExpr) (int64, error) {
	if !e.IsGlobalGet {
		return e.Value, nil
	}
	if int(e.GlobalIndex) >= len(m.GlobalSection) {
		return 0, errors.New(errors.PhaseAssemble, errors.KindUnsupportedConstruct).
			Detail("constant expression references global %d, which this module does not define", e.GlobalIndex).Build()
	}
	ref := m.GlobalSection[e.GlobalIndex].Init
	if ref.IsGlobalGet {
		return 0, errors.Unsupported(errors.PhaseAssemble, "chained global.get constant expressions")
	}
	return ref.Value, nil
}

func encodedLength(instrs []tvm.Instruction) int {
	n := 0
	for _, i := range instrs {
		n += i.EncodedLength()
	}
	return n
}
