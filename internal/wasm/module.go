package wasm

import (
	"github.com/tomusdrw/wasm-pvm-sub000/errors"
	"github.com/tomusdrw/wasm-pvm-sub000/internal/tvmlog"
)

// Module is the parsed WASM module, the data model spec.md §3 describes.
//
// The "function index space" is imports first, then locally-defined
// functions (spec.md §3's invariant); NumImportedFunctions lets callers
// convert a flattened function index to a local index by subtraction.
type Module struct {
	TypeSection   []FunctionType
	ImportSection []Import

	// FunctionSection maps a local function index to a type index.
	FunctionSection []Index
	CodeSection     []Code

	GlobalSection []Global
	TableSection  []Table
	ElementSection []ElementSegment
	MemorySection *Memory
	DataSection   []DataSegment
	ExportSection []Export

	NumImportedFunctions Index

	// StartSection, if set, is invoked from the entry prologue before the
	// entry body executes (spec.md §4.1).
	StartSection *Index

	// EntryFunctionIndex is the "main" export, falling back to local
	// function 0 with a warning if absent.
	EntryFunctionIndex Index
	EntryFunctionFound bool
	// SecondaryEntryFunctionIndex is the "main2" export, if any.
	SecondaryEntryFunctionIndex Index
	HasSecondaryEntry           bool

	// ResultPtrGlobal/ResultLenGlobal implement the legacy return
	// convention (spec.md §4.1): when present, and the entry function
	// returns nothing, these global indices hold the (WASM-address,
	// length) pair after execution completes.
	ResultPtrGlobal Index
	ResultLenGlobal Index
	HasLegacyReturn bool

	// Derived placements, computed once parsing completes (spec.md §4.1).
	WasmMemoryBase   uint32
	HeapPages        uint16
	MaxMemoryPages   uint32
}

// Import describes an imported function. Only function imports are
// modeled; table/memory/global imports are an unsupported construct for
// this compiler (the TVM program owns its own table/memory/globals).
type Import struct {
	ModuleName string
	Name       string
	TypeIndex  Index
}

// Code is a local function's locals declaration and raw instruction bytes.
type Code struct {
	// LocalTypes is the flattened list of declared local types, in
	// declaration order (does not include parameters).
	LocalTypes []ValueType
	Body       []byte
}

// Global is a module-level mutable or immutable variable.
type Global struct {
	Type    ValueType
	Mutable bool
	Init    ConstExpr
}

// Table holds the limits of a WASM table; its contents are materialized
// into Table.Entries (function index or MaxU32 per spec.md §3) once
// all active element segments are evaluated.
type Table struct {
	ElemType ValueType
	Min      uint32
	Max      *uint32
	// Entries is the flattened table contents: a function index per slot,
	// or MaxU32 for an empty slot.
	Entries []uint32
}

// ElementSegment is a table initializer.
type ElementSegment struct {
	TableIndex Index
	Offset     ConstExpr
	FuncIndices []uint32
	Passive    bool
}

// Memory holds the WASM-declared linear memory limits.
type Memory struct {
	InitialPages uint32
	MaxPages     *uint32
}

// DataSegment is a linear-memory initializer, active or passive.
type DataSegment struct {
	Passive     bool
	MemoryIndex Index
	Offset      ConstExpr
	Bytes       []byte
}

// Export describes a named export. Only function exports matter to this
// compiler (entry-point resolution); others are parsed but otherwise inert.
type Export struct {
	Name  string
	Kind  ExportKind
	Index Index
}

type ExportKind byte

const (
	ExportKindFunc   ExportKind = 0x00
	ExportKindTable  ExportKind = 0x01
	ExportKindMemory ExportKind = 0x02
	ExportKindGlobal ExportKind = 0x03
)

// ConstExpr is an evaluated constant initializer expression
// (i32.const/i64.const/global.get of an imported immutable global).
type ConstExpr struct {
	IsGlobalGet bool
	GlobalIndex Index
	Value       int64
}

// NumFunctions returns the total size of the function index space
// (imports + locally-defined functions).
func (m *Module) NumFunctions() Index {
	return m.NumImportedFunctions + Index(len(m.CodeSection))
}

// FunctionTypeIndex returns the type index for the given flattened
// function index (import or local).
func (m *Module) FunctionTypeIndex(funcIdx Index) Index {
	if funcIdx < m.NumImportedFunctions {
		return m.ImportSection[funcIdx].TypeIndex
	}
	return m.FunctionSection[funcIdx-m.NumImportedFunctions]
}

// FunctionType returns the signature for the given flattened function index.
func (m *Module) FunctionType(funcIdx Index) *FunctionType {
	return &m.TypeSection[m.FunctionTypeIndex(funcIdx)]
}

// IsImportedFunction reports whether funcIdx refers to an imported function.
func (m *Module) IsImportedFunction(funcIdx Index) bool {
	return funcIdx < m.NumImportedFunctions
}

// LocalFunctionIndex converts a flattened function index to a local
// (CodeSection/FunctionSection) index. Callers must check
// IsImportedFunction first.
func (m *Module) LocalFunctionIndex(funcIdx Index) Index {
	return funcIdx - m.NumImportedFunctions
}

// ReturnsPtrLen reports whether funcIdx's signature is the packed (i32, i32)
// entry-point convention (spec.md §4.1).
func (m *Module) ReturnsPtrLen(funcIdx Index) bool {
	ft := m.FunctionType(funcIdx)
	return len(ft.Results) == 2 && ft.Results[0] == ValueTypeI32 && ft.Results[1] == ValueTypeI32
}

// Memory layout constants, carried over from the reference translator's
// fixed placement scheme: a window for compiler-managed globals, then the
// user heap, then per-function spill slots, then WASM linear memory.
const (
	globalMemoryBase    = 0x30000
	roDataBase          = 0x10000
	spilledLocalsBase   = 0x40000
	spilledLocalsPerFn  = 512
	defaultWasmMemBase  = 0x50000
	pvmPageSize         = 4096
	wasmPageBytes       = 64 * 1024
	minInitialWasmPages = 16
	heapPageHeadroom    = 16
)

func alignUp(v, align uint32) uint32 {
	return (v + align - 1) / align * align
}

// finalize resolves entry points, the legacy return convention, and the
// derived memory placements once every section has been decoded.
func (m *Module) finalize() error {
	if err := m.resolveEntryPoints(); err != nil {
		return err
	}
	m.resolveLegacyReturn()
	m.computePlacements()
	return nil
}

func (m *Module) resolveEntryPoints() error {
	if len(m.CodeSection) == 0 {
		return errors.New(errors.PhaseParse, errors.KindNoEntryPoint).Detail("module has no local functions").Build()
	}
	for _, exp := range m.ExportSection {
		if exp.Kind != ExportKindFunc {
			continue
		}
		switch exp.Name {
		case "main":
			m.EntryFunctionIndex = exp.Index
			m.EntryFunctionFound = true
		case "main2":
			m.SecondaryEntryFunctionIndex = exp.Index
			m.HasSecondaryEntry = true
		}
	}
	if m.EntryFunctionFound && m.IsImportedFunction(m.EntryFunctionIndex) {
		tvmlog.L().Warn("\"main\" export refers to an imported function, ignoring")
		m.EntryFunctionFound = false
	}
	if !m.EntryFunctionFound {
		tvmlog.L().Warn("no \"main\" export found, defaulting to first local function")
		m.EntryFunctionIndex = m.NumImportedFunctions
		m.EntryFunctionFound = true
	}
	if m.HasSecondaryEntry && m.IsImportedFunction(m.SecondaryEntryFunctionIndex) {
		tvmlog.L().Warn("\"main2\" export refers to an imported function, ignoring")
		m.HasSecondaryEntry = false
	}
	return nil
}

// resolveLegacyReturn finds the result_ptr/result_len globals used by the
// legacy entry convention (spec.md §4.1): entries whose signature doesn't
// already return a packed (i32, i32) pair instead write their result
// through these two mutable globals.
func (m *Module) resolveLegacyReturn() {
	if m.ReturnsPtrLen(m.EntryFunctionIndex) {
		return
	}
	var ptrGlobal, lenGlobal Index
	var havePtr, haveLen bool
	for _, exp := range m.ExportSection {
		if exp.Kind != ExportKindGlobal {
			continue
		}
		switch exp.Name {
		case "result_ptr", "$result_ptr":
			ptrGlobal, havePtr = exp.Index, true
		case "result_len", "$result_len":
			lenGlobal, haveLen = exp.Index, true
		}
	}
	if !havePtr && !haveLen && len(m.GlobalSection) >= 2 &&
		m.GlobalSection[0].Mutable && m.GlobalSection[1].Mutable {
		ptrGlobal, lenGlobal = 0, 1
		havePtr, haveLen = true, true
	}
	if havePtr && haveLen {
		m.ResultPtrGlobal = ptrGlobal
		m.ResultLenGlobal = lenGlobal
		m.HasLegacyReturn = true
	}
}

func (m *Module) numPassiveDataSegments() int {
	n := 0
	for _, seg := range m.DataSection {
		if seg.Passive {
			n++
		}
	}
	return n
}

// computePlacements derives wasm_memory_base, heap_pages and
// max_memory_pages. The globals window and per-function spill window grow
// with the module's globals/passive-segment/function counts; WASM linear
// memory starts wherever that growth ends, aligned to the TVM page size,
// with a fixed floor matching the reference translator's baseline layout.
func (m *Module) computePlacements() {
	globalsWindow := uint32(len(m.GlobalSection))*4 + uint32(m.numPassiveDataSegments())*8
	spillWindow := uint32(len(m.CodeSection)) * spilledLocalsPerFn

	base := alignUp(globalMemoryBase+globalsWindow, pvmPageSize)
	spillEnd := alignUp(spilledLocalsBase+spillWindow, pvmPageSize)
	if spillEnd > base {
		base = spillEnd
	}
	if base < defaultWasmMemBase {
		base = defaultWasmMemBase
	}
	m.WasmMemoryBase = base

	initialPages := uint32(minInitialWasmPages)
	maxPages := uint32(256)
	if m.MemorySection != nil {
		if m.MemorySection.InitialPages > initialPages {
			initialPages = m.MemorySection.InitialPages
		}
		if m.MemorySection.MaxPages != nil {
			maxPages = *m.MemorySection.MaxPages
		}
	}
	if len(m.DataSection) > 0 && m.MemorySection != nil && m.MemorySection.MaxPages == nil {
		maxPages = 1024
	}
	m.MaxMemoryPages = maxPages

	wasmMemEnd := uint64(m.WasmMemoryBase) + uint64(initialPages)*wasmPageBytes
	spillEndBytes := uint64(spilledLocalsBase) + uint64(len(m.CodeSection))*spilledLocalsPerFn
	end := wasmMemEnd
	if spillEndBytes > end {
		end = spillEndBytes
	}
	totalBytes := end - globalMemoryBase
	heapPages := totalBytes/pvmPageSize + heapPageHeadroom
	if heapPages > 0xFFFF {
		heapPages = 0xFFFF
	}
	m.HeapPages = uint16(heapPages)
}
