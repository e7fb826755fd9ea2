package backend

import (
	"github.com/tomusdrw/wasm-pvm-sub000/errors"
	"github.com/tomusdrw/wasm-pvm-sub000/internal/backend/regalloc"
	"github.com/tomusdrw/wasm-pvm-sub000/internal/ssa"
	"github.com/tomusdrw/wasm-pvm-sub000/internal/tvm"
)

// Options are the emitter's optimization toggles (spec'd compile options
// minus the IR-level ones).
type Options struct {
	RegisterCache         bool
	ConstantPropagation   bool
	IcmpBranchFusion      bool
	ShrinkWrapCalleeSaves bool
	CrossBlockCache       bool
	RegisterAllocation    bool
	FallthroughJumps      bool
	DeadStoreElimination  bool
	Peephole              bool
}

// ImportAction tells the emitter what to do with a call to a named
// import: trap, do nothing, or lower to a host-call instruction.
type ImportAction struct {
	Kind        ImportActionKind
	EcalliIndex uint32
	// PtrParams translates the call's WASM-address arguments into TVM
	// addresses before the host call.
	PtrParams bool
}

type ImportActionKind byte

const (
	ImportTrap ImportActionKind = iota
	ImportNop
	ImportEcalli
)

// FuncSig is the arity view of a function signature the backend needs.
type FuncSig struct {
	NumParams int
	HasReturn bool
}

// ModuleContext carries the module-wide facts shared by every function
// lowering.
type ModuleContext struct {
	WasmMemoryBase uint32
	NumGlobals     int

	// FunctionSigs is indexed by flattened function index.
	FunctionSigs []FuncSig
	// TypeSigs is indexed by type index.
	TypeSigs []FuncSig

	NumImportedFuncs int
	// ImportNames is indexed by flattened function index (valid below
	// NumImportedFuncs).
	ImportNames []string

	InitialMemoryPages uint32
	MaxMemoryPages     uint32
	StackSize          uint32

	// SegmentROOffset / SegmentLength / SegmentLengthAddr describe the
	// passive data segments: content placement in RO data, byte length,
	// and the RW-data address of the runtime length word.
	SegmentROOffset   map[uint32]uint32
	SegmentLength     map[uint32]uint32
	SegmentLenAddress map[uint32]int32

	ImportMap map[string]ImportAction

	Opts Options
}

// FuncConfig is the per-function lowering configuration.
type FuncConfig struct {
	// IsEntry marks the "main"/"main2" entry functions, which use the
	// r7/r8 I/O convention and exit through ExitAddress instead of
	// returning.
	IsEntry bool

	// ResultGlobals, when non-nil, holds the (result_ptr, result_len)
	// global indices of the legacy entry return convention.
	ResultGlobals *[2]uint32

	// EntryReturnsPtrLen marks an entry whose single packed i64 return
	// value carries (ptr, len) in its low and high halves.
	EntryReturnsPtrLen bool
}

// CallFixup records a direct-call site: the LoadImmJump instruction to
// patch with the callee's relative offset, the jump-table index already
// assigned to its return address, and the local index of the callee.
type CallFixup struct {
	Instr      int
	TableIndex int
	TargetFunc uint32
}

// IndirectCallFixup records an indirect-call return site.
type IndirectCallFixup struct {
	JumpIndInstr int
	TableIndex   int
}

// FunctionTranslation is the result of lowering one function.
type FunctionTranslation struct {
	Instructions       []tvm.Instruction
	CallFixups         []CallFixup
	IndirectCallFixups []IndirectCallFixup
}

const numRegs = 13

type cacheEntry struct {
	slot  int32
	valid bool
}

type constEntry struct {
	value uint64
	valid bool
}

// cacheSnapshot captures the register cache for cross-block propagation.
type cacheSnapshot struct {
	slotCache  map[int32]uint8
	regToSlot  [numRegs]cacheEntry
	regToConst [numRegs]constEntry
}

func (s *cacheSnapshot) invalidateReg(reg uint8) {
	if s.regToSlot[reg].valid {
		delete(s.slotCache, s.regToSlot[reg].slot)
		s.regToSlot[reg] = cacheEntry{}
	}
	s.regToConst[reg] = constEntry{}
}

// fusedIcmp is a deferred single-use comparison waiting for its branch.
type fusedIcmp struct {
	cond   ssa.IcmpCond
	x, y   ssa.Value
	is32   bool
	result ssa.Value
}

// emitter is the per-function lowering state: the growing instruction
// list, label and fixup tables, the value-slot map, the register cache,
// and the call bookkeeping. One emitter is built per function and
// discarded afterwards.
type emitter struct {
	ctx *ModuleContext
	cfg FuncConfig
	f   *ssa.Function

	instrs []tvm.Instruction

	// labels maps label id to the index of the first instruction at the
	// label, assigned when the label is defined; -1 while pending.
	labels []int
	// fixups are (instruction index, label id) pairs patched once all
	// byte offsets are known.
	fixups [][2]int

	blockLabels map[int]int // block ID → label

	// valueSlots maps each value to its SP-relative slot; -1 for values
	// without one (constants, fused compares).
	valueSlots []int32
	// valueConst holds the payloads of constant values.
	valueConst []constEntry

	nextSlotOffset int32
	frameSize      int32

	callFixups         []CallFixup
	indirectCallFixups []IndirectCallFixup

	// callReturnCounter allocates module-wide jump-table indices for
	// call return addresses, shared across functions in emission order.
	callReturnCounter *int

	slotCache  map[int32]uint8
	regToSlot  [numRegs]cacheEntry
	regToConst [numRegs]constEntry

	pendingFused *fusedIcmp
	// fusible marks icmp result values that the branch in the same block
	// consumes as its only use.
	fusible map[ssa.Value]bool

	blockSinglePred map[int]int // block ID → unique predecessor block ID

	usedCalleeRegs    [MaxLocalRegs]bool
	calleeSaveOffsets [MaxLocalRegs]int32 // -1 when not saved

	hasCalls bool

	regalloc regalloc.Result

	// nextBlockLabel is the label of the textually following block, used
	// for fallthrough jump elision.
	nextBlockLabel int

	// skipNextInstr is set by Brnz lowering, which consumes its paired
	// Jump.
	skipNextInstr bool

	err error
}

func newEmitter(ctx *ModuleContext, cfg FuncConfig, f *ssa.Function, callReturnCounter *int) *emitter {
	e := &emitter{
		ctx: ctx, cfg: cfg, f: f,
		blockLabels:       make(map[int]int),
		nextSlotOffset:    FrameHeaderSize,
		callReturnCounter: callReturnCounter,
		slotCache:         make(map[int32]uint8),
		fusible:           make(map[ssa.Value]bool),
		blockSinglePred:   make(map[int]int),
		regalloc:          regalloc.Empty(),
		nextBlockLabel:    -1,
	}
	for i := range e.calleeSaveOffsets {
		e.usedCalleeRegs[i] = true
		e.calleeSaveOffsets[i] = int32(8 + i*8)
	}
	return e
}

func (e *emitter) internalErr(format string, args ...any) error {
	return errors.New(errors.PhaseBackend, errors.KindInternal).
		Func(e.f.Name).Detail(format, args...).Build()
}

// ── Labels and fixups ──

func (e *emitter) allocLabel() int {
	e.labels = append(e.labels, -1)
	return len(e.labels) - 1
}

// defineLabel binds label to the current position. A label after a
// non-terminating instruction gets an explicit Fallthrough marker, and
// the register cache dies at the block boundary.
func (e *emitter) defineLabel(label int) {
	e.defineLabelPreservingCache(label)
	e.clearRegCache()
}

func (e *emitter) defineLabelPreservingCache(label int) {
	if n := len(e.instrs); n > 0 && !e.instrs[n-1].IsTerminating() {
		e.emit(tvm.Fallthrough())
	}
	e.labels[label] = len(e.instrs)
}

// emit appends one instruction, maintaining the constant map and
// invalidating cache entries for the written register.
func (e *emitter) emit(i tvm.Instruction) {
	if e.ctx.Opts.ConstantPropagation {
		switch i.Op {
		case tvm.OpLoadImm:
			want := uint64(i.Imm[0]) // LoadImm sign-extends to 64 bits
			if c := e.regToConst[i.Regs[0]]; c.valid && c.value == want {
				return
			}
		case tvm.OpLoadImm64:
			if c := e.regToConst[i.Regs[0]]; c.valid && c.value == i.Wide {
				return
			}
		}
	}

	if reg, ok := i.DestReg(); ok {
		e.invalidateReg(reg)
	}

	if e.ctx.Opts.ConstantPropagation {
		switch i.Op {
		case tvm.OpLoadImm:
			e.regToConst[i.Regs[0]] = constEntry{value: uint64(i.Imm[0]), valid: true}
		case tvm.OpLoadImm64:
			e.regToConst[i.Regs[0]] = constEntry{value: i.Wide, valid: true}
		}
	}

	if _, err := i.Encode(); err != nil && e.err == nil {
		e.err = e.internalErr("unencodable instruction %s: %v", i.Op, err)
	}
	e.instrs = append(e.instrs, i)
}

func (e *emitter) emitJumpToLabel(label int) {
	if e.ctx.Opts.FallthroughJumps && label == e.nextBlockLabel {
		return
	}
	e.fixups = append(e.fixups, [2]int{len(e.instrs), label})
	e.emit(tvm.Jump(0))
}

func (e *emitter) emitBranchRegToLabel(op tvm.Op, regA, regB uint8, label int) {
	e.fixups = append(e.fixups, [2]int{len(e.instrs), label})
	e.emit(tvm.BranchReg(op, regA, regB, 0))
}

func (e *emitter) emitBranchImmToLabel(op tvm.Op, reg uint8, value int64, label int) {
	e.fixups = append(e.fixups, [2]int{len(e.instrs), label})
	e.emit(tvm.BranchImm(op, reg, value, 0))
}

// ── Slots, constants, operands ──

func (e *emitter) slotOf(v ssa.Value) (int32, error) {
	if int(v) < len(e.valueSlots) && e.valueSlots[v] >= 0 {
		return e.valueSlots[v], nil
	}
	return 0, e.internalErr("no slot assigned for %s", v)
}

func (e *emitter) constOf(v ssa.Value) (uint64, bool) {
	if int(v) < len(e.valueConst) && e.valueConst[v].valid {
		return e.valueConst[v].value, true
	}
	return 0, false
}

// emitConstToReg materializes a constant, preferring the compact LoadImm
// when the sign-extended 32-bit form reproduces the value.
func (e *emitter) emitConstToReg(reg uint8, value uint64) {
	if v32 := int64(int32(value)); uint64(v32) == value {
		e.emit(tvm.LoadImm(reg, int32(value)))
	} else {
		e.emit(tvm.LoadImm64(reg, value))
	}
}

// loadOperand brings v into reg: constants are inlined, promoted values
// are copied from their register, and everything else is loaded from its
// slot — unless the register cache already has it somewhere cheaper.
func (e *emitter) loadOperand(v ssa.Value, reg uint8) error {
	if c, ok := e.constOf(v); ok {
		e.emitConstToReg(reg, c)
		return nil
	}
	if alloc, ok := e.regalloc.ValToReg[v]; ok {
		if alloc != reg {
			e.emit(tvm.MoveReg(reg, alloc))
		}
		return nil
	}
	slot, err := e.slotOf(v)
	if err != nil {
		return err
	}
	if cached, ok := e.slotCache[slot]; ok {
		if cached != reg {
			e.emit(tvm.MoveReg(reg, cached))
		}
		return nil
	}
	e.emit(tvm.LoadIndU64(reg, StackPtrReg, slot))
	e.cacheSlot(slot, reg)
	return nil
}

// storeToSlot writes src into the slot, write-through to the promoted
// register when there is one.
func (e *emitter) storeToSlot(slot int32, src uint8) {
	if alloc, ok := e.regalloc.SlotToReg[slot]; ok && alloc != src {
		e.emit(tvm.MoveReg(alloc, src))
	}
	e.emit(tvm.StoreIndU64(StackPtrReg, src, slot))
	e.cacheSlot(slot, src)
}

func (e *emitter) storeResult(v ssa.Value, src uint8) error {
	slot, err := e.slotOf(v)
	if err != nil {
		return err
	}
	e.storeToSlot(slot, src)
	return nil
}

// ── Register allocation spill/reload ──

func (e *emitter) spillAllocatedRegs() {
	for _, reg := range []uint8{AllocReg1, AllocReg2} {
		if slot, ok := e.regalloc.RegToSlot[reg]; ok {
			e.emit(tvm.StoreIndU64(StackPtrReg, reg, slot))
		}
	}
}

func (e *emitter) reloadAllocatedRegs() {
	for _, reg := range []uint8{AllocReg1, AllocReg2} {
		if slot, ok := e.regalloc.RegToSlot[reg]; ok {
			e.emit(tvm.LoadIndU64(reg, StackPtrReg, slot))
		}
	}
}

// ── Register cache ──

func (e *emitter) cacheSlot(slot int32, reg uint8) {
	if !e.ctx.Opts.RegisterCache {
		return
	}
	if old := e.regToSlot[reg]; old.valid {
		delete(e.slotCache, old.slot)
	}
	if oldReg, ok := e.slotCache[slot]; ok {
		e.regToSlot[oldReg] = cacheEntry{}
	}
	e.slotCache[slot] = reg
	e.regToSlot[reg] = cacheEntry{slot: slot, valid: true}
}

func (e *emitter) invalidateReg(reg uint8) {
	if old := e.regToSlot[reg]; old.valid {
		delete(e.slotCache, old.slot)
		e.regToSlot[reg] = cacheEntry{}
	}
	e.regToConst[reg] = constEntry{}
}

func (e *emitter) clearRegCache() {
	e.slotCache = make(map[int32]uint8)
	e.regToSlot = [numRegs]cacheEntry{}
	e.regToConst = [numRegs]constEntry{}
}

func (e *emitter) snapshotCache() *cacheSnapshot {
	s := &cacheSnapshot{
		slotCache:  make(map[int32]uint8, len(e.slotCache)),
		regToSlot:  e.regToSlot,
		regToConst: e.regToConst,
	}
	for k, v := range e.slotCache {
		s.slotCache[k] = v
	}
	return s
}

func (e *emitter) restoreCache(s *cacheSnapshot) {
	e.slotCache = make(map[int32]uint8, len(s.slotCache))
	for k, v := range s.slotCache {
		e.slotCache[k] = v
	}
	e.regToSlot = s.regToSlot
	e.regToConst = s.regToConst
}

// ── Call return addresses ──

// allocCallReturnAddr assigns the next module-wide jump-table index to a
// call return site and returns (index, encoded address). The address the
// TVM expects is (index+1)*2.
func (e *emitter) allocCallReturnAddr() (int, int64) {
	idx := *e.callReturnCounter
	*e.callReturnCounter++
	return idx, int64(idx+1) * 2
}

// ── Fixup resolution ──

// resolveFixups computes every instruction's byte offset (a running
// prefix sum of encoded lengths) and patches each pending branch with
// target − instruction start.
func (e *emitter) resolveFixups() error {
	offsets := make([]int, len(e.instrs)+1)
	running := 0
	for n, i := range e.instrs {
		offsets[n] = running
		running += i.EncodedLength()
	}
	offsets[len(e.instrs)] = running

	for _, fx := range e.fixups {
		instrIdx, labelID := fx[0], fx[1]
		target := e.labels[labelID]
		if target < 0 {
			return e.internalErr("unresolved label %d at fixup time", labelID)
		}
		rel := int32(offsets[target] - offsets[instrIdx])
		instr := &e.instrs[instrIdx]
		switch instr.Op {
		case tvm.OpJump:
			instr.Imm[0] = int64(rel)
		case tvm.OpBranchEq, tvm.OpBranchNe, tvm.OpBranchLtU, tvm.OpBranchGeU,
			tvm.OpBranchLtS, tvm.OpBranchGeS:
			instr.Imm[0] = int64(rel)
		case tvm.OpBranchEqImm, tvm.OpBranchNeImm,
			tvm.OpBranchLtUImm, tvm.OpBranchLeUImm, tvm.OpBranchGeUImm, tvm.OpBranchGtUImm,
			tvm.OpBranchLtSImm, tvm.OpBranchLeSImm, tvm.OpBranchGeSImm, tvm.OpBranchGtSImm,
			tvm.OpLoadImmJump:
			instr.Imm[1] = int64(rel)
		default:
			return e.internalErr("fixup against non-branch instruction %s", instr.Op)
		}
	}
	return nil
}
