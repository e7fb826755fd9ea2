package frontend

import (
	"github.com/tomusdrw/wasm-pvm-sub000/errors"
	"github.com/tomusdrw/wasm-pvm-sub000/internal/ssa"
	"github.com/tomusdrw/wasm-pvm-sub000/internal/wasm"
)

type controlFrameKind byte

const (
	ctrlFunc controlFrameKind = iota
	ctrlBlock
	ctrlLoop
	ctrlIf
)

// controlFrame is one entry of the structured-control stack.
type controlFrame struct {
	kind controlFrameKind

	// merge is where control continues after the frame ends. For the
	// function frame it is the return block.
	merge *ssa.BasicBlock

	// header is a loop's entry block; br instructions targeting the loop
	// branch here.
	header *ssa.BasicBlock

	// elseBlk is an If frame's else arm, positioned either at Else or —
	// for if-without-else — at End.
	elseBlk *ssa.BasicBlock

	// numResults is how many values the frame's merge receives (0 or 1;
	// 2 only on the function frame of a packed-return entry).
	numResults int

	// stackDepth is the operand-stack depth at frame entry, restored on
	// Else and End.
	stackDepth int

	sawElse bool
}

type lowerer struct {
	m            *wasm.Module
	f            *ssa.Function
	funcIdx      wasm.Index
	packedReturn bool

	cur        *ssa.BasicBlock
	layout     []*ssa.BasicBlock
	positioned map[int]bool

	stack []ssa.Value
	ctrl  []controlFrame

	// unreachable is set after a terminator in structured code; while
	// set, only Block/Loop/If nesting is tracked (to match End/Else) and
	// no operators are translated.
	unreachable      bool
	unreachableDepth int
}

func newLowerer(m *wasm.Module, f *ssa.Function, funcIdx wasm.Index, packedReturn bool) *lowerer {
	return &lowerer{m: m, f: f, funcIdx: funcIdx, packedReturn: packedReturn,
		positioned: make(map[int]bool)}
}

func (l *lowerer) run(ops []wasm.Operator) error {
	entry := l.f.AllocateBasicBlock()
	l.position(entry)

	ft := l.m.FunctionType(l.funcIdx)
	for range ft.Params {
		l.f.Params = append(l.f.Params, l.f.AllocateValue(ssa.TypeI64))
	}

	returnBlk := l.f.AllocateBasicBlock()
	numResults := len(ft.Results)
	for i := 0; i < numResults; i++ {
		l.f.AddBlockParam(returnBlk, ssa.TypeI64)
	}
	l.ctrl = append(l.ctrl, controlFrame{kind: ctrlFunc, merge: returnBlk, numResults: numResults})

	for i := range ops {
		if err := l.lowerOp(&ops[i]); err != nil {
			return err
		}
	}
	if len(l.ctrl) != 0 {
		return errors.Internal(errors.PhaseFrontend, "control stack not empty after final End (%d frames left)", len(l.ctrl))
	}

	l.f.Blocks = l.layout
	return nil
}

// position makes bb the current emission block, recording layout order on
// first placement.
func (l *lowerer) position(bb *ssa.BasicBlock) {
	if !l.positioned[bb.ID] {
		l.positioned[bb.ID] = true
		l.layout = append(l.layout, bb)
	}
	l.cur = bb
}

func (l *lowerer) push(v ssa.Value) { l.stack = append(l.stack, v) }

func (l *lowerer) pop() (ssa.Value, error) {
	if len(l.stack) == 0 {
		return ssa.ValueInvalid, errors.New(errors.PhaseFrontend, errors.KindValidation).
			Detail("operand stack underflow").Build()
	}
	v := l.stack[len(l.stack)-1]
	l.stack = l.stack[:len(l.stack)-1]
	return v, nil
}

// peekN returns a copy of the top n stack values, oldest first.
func (l *lowerer) peekN(n int) ([]ssa.Value, error) {
	if len(l.stack) < n {
		return nil, errors.New(errors.PhaseFrontend, errors.KindValidation).
			Detail("operand stack underflow").Build()
	}
	return append([]ssa.Value(nil), l.stack[len(l.stack)-n:]...), nil
}

func (l *lowerer) popN(n int) ([]ssa.Value, error) {
	args, err := l.peekN(n)
	if err != nil {
		return nil, err
	}
	l.stack = l.stack[:len(l.stack)-n]
	return args, nil
}

func (l *lowerer) emit(instr *ssa.Instruction, resultType ssa.Type) ssa.Value {
	return l.f.InsertInstruction(l.cur, instr, resultType)
}

func (l *lowerer) iconst(t ssa.Type, v uint64) ssa.Value {
	return l.emit(&ssa.Instruction{Opcode: ssa.OpcodeIconst, Type: t, U1: v,
		V: ssa.ValueInvalid, V2: ssa.ValueInvalid, V3: ssa.ValueInvalid}, t)
}

// narrow32 reduces a 64-bit-resident value to its well-defined 32-bit
// form before a 32-bit operation.
func (l *lowerer) narrow32(v ssa.Value) ssa.Value {
	return l.emit(&ssa.Instruction{Opcode: ssa.OpcodeItrunc, Type: ssa.TypeI32,
		V: v, V2: ssa.ValueInvalid, V3: ssa.ValueInvalid, U1: 32}, ssa.TypeI32)
}

// zext32 widens a 32-bit result back to the uniform 64-bit storage form
// with the upper half cleared.
func (l *lowerer) zext32(v ssa.Value) ssa.Value {
	return l.emit(&ssa.Instruction{Opcode: ssa.OpcodeUextend, Type: ssa.TypeI64,
		V: v, V2: ssa.ValueInvalid, V3: ssa.ValueInvalid, U1: 32}, ssa.TypeI64)
}

func (l *lowerer) jumpTo(target *ssa.BasicBlock, args []ssa.Value) {
	l.emit(&ssa.Instruction{Opcode: ssa.OpcodeJump, Blk: target, Args: args,
		V: ssa.ValueInvalid, V2: ssa.ValueInvalid, V3: ssa.ValueInvalid}, 0)
}

func (l *lowerer) brnzTo(cond ssa.Value, target *ssa.BasicBlock, args []ssa.Value) {
	l.emit(&ssa.Instruction{Opcode: ssa.OpcodeBrnz, V: cond, Blk: target, Args: args,
		V2: ssa.ValueInvalid, V3: ssa.ValueInvalid}, 0)
}

// brTargetAt resolves a relative branch depth to its destination block
// and the number of values carried along the edge.
func (l *lowerer) brTargetAt(depth wasm.Index) (*ssa.BasicBlock, int, error) {
	if int(depth) >= len(l.ctrl) {
		return nil, 0, errors.New(errors.PhaseFrontend, errors.KindValidation).
			Detail("branch depth %d exceeds control stack", depth).Build()
	}
	frame := &l.ctrl[len(l.ctrl)-1-int(depth)]
	if frame.kind == ctrlLoop {
		return frame.header, 0, nil
	}
	return frame.merge, frame.numResults, nil
}

func (l *lowerer) lowerOp(op *wasm.Operator) error {
	if l.unreachable {
		return l.skipDeadOp(op)
	}

	switch op.Op {
	case wasm.OpNop:

	case wasm.OpUnreachable:
		l.emit(&ssa.Instruction{Opcode: ssa.OpcodeUnreachable,
			V: ssa.ValueInvalid, V2: ssa.ValueInvalid, V3: ssa.ValueInvalid}, 0)
		l.unreachable = true

	case wasm.OpBlock, wasm.OpLoop:
		merge := l.f.AllocateBasicBlock()
		n := 0
		if op.Block.HasResult {
			n = 1
			l.f.AddBlockParam(merge, ssa.TypeI64)
		}
		frame := controlFrame{kind: ctrlBlock, merge: merge, numResults: n, stackDepth: len(l.stack)}
		if op.Op == wasm.OpLoop {
			frame.kind = ctrlLoop
			header := l.f.AllocateBasicBlock()
			frame.header = header
			l.jumpTo(header, nil)
			l.position(header)
		}
		l.ctrl = append(l.ctrl, frame)

	case wasm.OpIf:
		cond, err := l.pop()
		if err != nil {
			return err
		}
		thenBlk := l.f.AllocateBasicBlock()
		elseBlk := l.f.AllocateBasicBlock()
		merge := l.f.AllocateBasicBlock()
		n := 0
		if op.Block.HasResult {
			n = 1
			l.f.AddBlockParam(merge, ssa.TypeI64)
		}
		l.brnzTo(cond, thenBlk, nil)
		l.jumpTo(elseBlk, nil)
		l.position(thenBlk)
		l.ctrl = append(l.ctrl, controlFrame{
			kind: ctrlIf, merge: merge, elseBlk: elseBlk,
			numResults: n, stackDepth: len(l.stack),
		})

	case wasm.OpElse:
		return l.lowerElse()

	case wasm.OpEnd:
		return l.lowerEnd(false)

	case wasm.OpBr:
		target, n, err := l.brTargetAt(op.Index)
		if err != nil {
			return err
		}
		args, err := l.peekN(n)
		if err != nil {
			return err
		}
		l.jumpTo(target, args)
		l.unreachable = true

	case wasm.OpBrIf:
		cond, err := l.pop()
		if err != nil {
			return err
		}
		target, n, err := l.brTargetAt(op.Index)
		if err != nil {
			return err
		}
		// The carried values stay on the stack for the fallthrough.
		args, err := l.peekN(n)
		if err != nil {
			return err
		}
		cont := l.f.AllocateBasicBlock()
		l.brnzTo(cond, target, args)
		l.jumpTo(cont, nil)
		l.position(cont)

	case wasm.OpBrTable:
		idx, err := l.pop()
		if err != nil {
			return err
		}
		targets := make([]ssa.BranchTarget, 0, len(op.BrTableTargets))
		for _, depth := range op.BrTableTargets {
			blk, n, err := l.brTargetAt(depth)
			if err != nil {
				return err
			}
			args, err := l.peekN(n)
			if err != nil {
				return err
			}
			targets = append(targets, ssa.BranchTarget{Blk: blk, Args: args})
		}
		l.emit(&ssa.Instruction{Opcode: ssa.OpcodeBrTable, V: idx, Targets: targets,
			V2: ssa.ValueInvalid, V3: ssa.ValueInvalid}, 0)
		l.unreachable = true

	case wasm.OpReturn:
		frame := &l.ctrl[0]
		args, err := l.peekN(frame.numResults)
		if err != nil {
			return err
		}
		l.jumpTo(frame.merge, args)
		l.unreachable = true

	case wasm.OpCall:
		return l.lowerCall(op.Index)

	case wasm.OpCallIndirect:
		return l.lowerCallIndirect(op.Index)

	case wasm.OpDrop:
		_, err := l.pop()
		return err

	case wasm.OpSelect:
		cond, err := l.pop()
		if err != nil {
			return err
		}
		vElse, err := l.pop()
		if err != nil {
			return err
		}
		vThen, err := l.pop()
		if err != nil {
			return err
		}
		l.push(l.emit(&ssa.Instruction{Opcode: ssa.OpcodeSelect,
			V: cond, V2: vThen, V3: vElse}, ssa.TypeI64))

	case wasm.OpLocalGet:
		l.push(l.emit(&ssa.Instruction{Opcode: ssa.OpcodeLocalGet, U1: uint64(op.Index),
			V: ssa.ValueInvalid, V2: ssa.ValueInvalid, V3: ssa.ValueInvalid}, ssa.TypeI64))

	case wasm.OpLocalSet, wasm.OpLocalTee:
		var v ssa.Value
		var err error
		if op.Op == wasm.OpLocalTee {
			vs, errPeek := l.peekN(1)
			if errPeek != nil {
				return errPeek
			}
			v = vs[0]
		} else if v, err = l.pop(); err != nil {
			return err
		}
		l.emit(&ssa.Instruction{Opcode: ssa.OpcodeLocalSet, U1: uint64(op.Index),
			V: v, V2: ssa.ValueInvalid, V3: ssa.ValueInvalid}, 0)

	case wasm.OpGlobalGet:
		if int(op.Index) >= len(l.m.GlobalSection) {
			return errors.New(errors.PhaseFrontend, errors.KindValidation).
				Detail("global index %d out of range", op.Index).Build()
		}
		l.push(l.emit(&ssa.Instruction{Opcode: ssa.OpcodeGlobalGet, U1: uint64(op.Index),
			V: ssa.ValueInvalid, V2: ssa.ValueInvalid, V3: ssa.ValueInvalid}, ssa.TypeI64))

	case wasm.OpGlobalSet:
		v, err := l.pop()
		if err != nil {
			return err
		}
		l.emit(&ssa.Instruction{Opcode: ssa.OpcodeGlobalSet, U1: uint64(op.Index),
			V: v, V2: ssa.ValueInvalid, V3: ssa.ValueInvalid}, 0)

	case wasm.OpI32Const:
		l.push(l.iconst(ssa.TypeI32, uint64(uint32(int32(op.ConstI64)))))

	case wasm.OpI64Const:
		l.push(l.iconst(ssa.TypeI64, uint64(op.ConstI64)))

	case wasm.OpMemorySize:
		l.push(l.intrinsicCall("__pvm_memory_size", nil, true))

	case wasm.OpMemoryGrow:
		delta, err := l.pop()
		if err != nil {
			return err
		}
		l.push(l.intrinsicCall("__pvm_memory_grow", []ssa.Value{delta}, true))

	case wasm.OpPrefixedFC:
		return l.lowerBulkMemory(op)

	default:
		return l.lowerNumeric(op)
	}
	return nil
}

// skipDeadOp handles operators inside unreachable code: only the
// Block/Loop/If nesting is tracked, so the matching Else/End can be
// found; nothing is translated.
func (l *lowerer) skipDeadOp(op *wasm.Operator) error {
	switch op.Op {
	case wasm.OpBlock, wasm.OpLoop, wasm.OpIf:
		l.unreachableDepth++
	case wasm.OpElse:
		if l.unreachableDepth == 0 {
			return l.lowerElse()
		}
	case wasm.OpEnd:
		if l.unreachableDepth == 0 {
			return l.lowerEnd(true)
		}
		l.unreachableDepth--
	}
	return nil
}

func (l *lowerer) lowerElse() error {
	if len(l.ctrl) == 0 {
		return errors.Internal(errors.PhaseFrontend, "Else outside any control frame")
	}
	frame := &l.ctrl[len(l.ctrl)-1]
	if frame.kind != ctrlIf {
		return errors.New(errors.PhaseFrontend, errors.KindValidation).
			Detail("Else outside an If frame").Build()
	}
	if !l.unreachable {
		args, err := l.popN(frame.numResults)
		if err != nil {
			return err
		}
		l.jumpTo(frame.merge, args)
	}
	l.stack = l.stack[:frame.stackDepth]
	l.position(frame.elseBlk)
	frame.sawElse = true
	l.unreachable = false
	return nil
}

// lowerEnd closes the innermost control frame. dead is true when the
// frame body ended in unreachable code (no edge into the merge from the
// current block).
func (l *lowerer) lowerEnd(dead bool) error {
	if len(l.ctrl) == 0 {
		return errors.Internal(errors.PhaseFrontend, "End with empty control stack")
	}
	frame := l.ctrl[len(l.ctrl)-1]
	l.ctrl = l.ctrl[:len(l.ctrl)-1]

	if !dead {
		args, err := l.popN(frame.numResults)
		if err != nil {
			return err
		}
		l.jumpTo(frame.merge, args)
	}

	if frame.kind == ctrlIf && !frame.sawElse {
		// No else arm: the else block just forwards to the merge. An If
		// with a result always carries an Else, so no arguments here.
		l.position(frame.elseBlk)
		l.jumpTo(frame.merge, nil)
	}

	l.stack = l.stack[:frame.stackDepth]
	l.position(frame.merge)
	for i := 0; i < frame.numResults; i++ {
		l.push(frame.merge.Params[i])
	}
	l.unreachable = false

	if frame.kind == ctrlFunc {
		return l.emitFunctionReturn(&frame)
	}
	return nil
}

// emitFunctionReturn fills in the return block: plain value return, or —
// for the packed (i32, i32) entry convention — packing the two results
// into one i64 as (len << 32) | ptr.
func (l *lowerer) emitFunctionReturn(frame *controlFrame) error {
	ret := ssa.ValueInvalid
	switch frame.numResults {
	case 0:
	case 1:
		ret = frame.merge.Params[0]
	case 2:
		if !l.packedReturn {
			return errors.Internal(errors.PhaseFrontend, "two results without packed-return convention")
		}
		ptr := l.zext32(frame.merge.Params[0])
		sh := l.iconst(ssa.TypeI64, 32)
		hi := l.emit(&ssa.Instruction{Opcode: ssa.OpcodeIshl, Type: ssa.TypeI64,
			V: frame.merge.Params[1], V2: sh, V3: ssa.ValueInvalid}, ssa.TypeI64)
		ret = l.emit(&ssa.Instruction{Opcode: ssa.OpcodeBor, Type: ssa.TypeI64,
			V: hi, V2: ptr, V3: ssa.ValueInvalid}, ssa.TypeI64)
	}
	l.emit(&ssa.Instruction{Opcode: ssa.OpcodeReturn,
		V: ret, V2: ssa.ValueInvalid, V3: ssa.ValueInvalid}, 0)
	// The stack for the popped values was already truncated by lowerEnd.
	l.stack = l.stack[:0]
	return nil
}

func (l *lowerer) intrinsicCall(name string, args []ssa.Value, hasResult bool) ssa.Value {
	instr := &ssa.Instruction{Opcode: ssa.OpcodeCall, Callee: name, Args: args,
		Type: ssa.TypeI64, V: ssa.ValueInvalid, V2: ssa.ValueInvalid, V3: ssa.ValueInvalid}
	var t ssa.Type
	if hasResult {
		t = ssa.TypeI64
	}
	return l.emit(instr, t)
}

func (l *lowerer) lowerCall(funcIdx wasm.Index) error {
	if funcIdx >= l.m.NumFunctions() {
		return errors.New(errors.PhaseFrontend, errors.KindValidation).
			Detail("call to function index %d out of range", funcIdx).Build()
	}
	ft := l.m.FunctionType(funcIdx)
	if len(ft.Results) > 1 {
		return errors.Unsupported(errors.PhaseFrontend, "calling a multi-result function")
	}
	args, err := l.popN(len(ft.Params))
	if err != nil {
		return err
	}
	ret := l.intrinsicCall(FuncName(funcIdx), args, len(ft.Results) == 1)
	if len(ft.Results) == 1 {
		l.push(ret)
	}
	return nil
}

func (l *lowerer) lowerCallIndirect(typeIdx wasm.Index) error {
	if int(typeIdx) >= len(l.m.TypeSection) {
		return errors.New(errors.PhaseFrontend, errors.KindValidation).
			Detail("call_indirect type index %d out of range", typeIdx).Build()
	}
	ft := &l.m.TypeSection[typeIdx]
	if len(ft.Results) > 1 {
		return errors.Unsupported(errors.PhaseFrontend, "indirect call to a multi-result signature")
	}
	entry, err := l.pop()
	if err != nil {
		return err
	}
	args, err := l.popN(len(ft.Params))
	if err != nil {
		return err
	}
	callArgs := make([]ssa.Value, 0, len(args)+2)
	callArgs = append(callArgs, l.iconst(ssa.TypeI32, uint64(typeIdx)), l.zext32(entry))
	callArgs = append(callArgs, args...)
	ret := l.intrinsicCall("__pvm_call_indirect", callArgs, len(ft.Results) == 1)
	if len(ft.Results) == 1 {
		l.push(ret)
	}
	return nil
}

// effectiveAddress widens a 32-bit WASM address and folds in the static
// load/store offset.
func (l *lowerer) effectiveAddress(addr ssa.Value, offset uint32) ssa.Value {
	ea := l.zext32(addr)
	if offset != 0 {
		off := l.iconst(ssa.TypeI64, uint64(offset))
		ea = l.emit(&ssa.Instruction{Opcode: ssa.OpcodeIadd, Type: ssa.TypeI64,
			V: ea, V2: off, V3: ssa.ValueInvalid}, ssa.TypeI64)
	}
	return ea
}

var loadIntrinsics = map[wasm.Op]string{
	wasm.OpI32Load:    "__pvm_load_i32",
	wasm.OpI64Load:    "__pvm_load_i64",
	wasm.OpI32Load8S:  "__pvm_load_i8s",
	wasm.OpI32Load8U:  "__pvm_load_i8u",
	wasm.OpI32Load16S: "__pvm_load_i16s",
	wasm.OpI32Load16U: "__pvm_load_i16u",
	wasm.OpI64Load8S:  "__pvm_load_i8s",
	wasm.OpI64Load8U:  "__pvm_load_i8u",
	wasm.OpI64Load16S: "__pvm_load_i16s",
	wasm.OpI64Load16U: "__pvm_load_i16u",
	wasm.OpI64Load32S: "__pvm_load_i32s_64",
	wasm.OpI64Load32U: "__pvm_load_i32",
}

var storeIntrinsics = map[wasm.Op]string{
	wasm.OpI32Store:   "__pvm_store_i32",
	wasm.OpI64Store:   "__pvm_store_i64",
	wasm.OpI32Store8:  "__pvm_store_i8",
	wasm.OpI32Store16: "__pvm_store_i16",
	wasm.OpI64Store8:  "__pvm_store_i8",
	wasm.OpI64Store16: "__pvm_store_i16",
	wasm.OpI64Store32: "__pvm_store_i32",
}

func (l *lowerer) lowerBulkMemory(op *wasm.Operator) error {
	switch op.Index {
	case wasm.SubOpMemoryFill:
		n, err := l.pop()
		if err != nil {
			return err
		}
		val, err := l.pop()
		if err != nil {
			return err
		}
		dst, err := l.pop()
		if err != nil {
			return err
		}
		l.intrinsicCall("__pvm_memory_fill",
			[]ssa.Value{l.zext32(dst), val, l.zext32(n)}, false)
	case wasm.SubOpMemoryCopy:
		n, err := l.pop()
		if err != nil {
			return err
		}
		src, err := l.pop()
		if err != nil {
			return err
		}
		dst, err := l.pop()
		if err != nil {
			return err
		}
		l.intrinsicCall("__pvm_memory_copy",
			[]ssa.Value{l.zext32(dst), l.zext32(src), l.zext32(n)}, false)
	case wasm.SubOpMemoryInit:
		n, err := l.pop()
		if err != nil {
			return err
		}
		src, err := l.pop()
		if err != nil {
			return err
		}
		dst, err := l.pop()
		if err != nil {
			return err
		}
		seg := l.iconst(ssa.TypeI32, uint64(op.Index2))
		l.intrinsicCall("__pvm_memory_init",
			[]ssa.Value{seg, l.zext32(dst), l.zext32(src), l.zext32(n)}, false)
	case wasm.SubOpDataDrop:
		seg := l.iconst(ssa.TypeI32, uint64(op.Index2))
		l.intrinsicCall("__pvm_data_drop", []ssa.Value{seg}, false)
	default:
		return errors.Unsupported(errors.PhaseFrontend, "bulk memory sub-opcode")
	}
	return nil
}
