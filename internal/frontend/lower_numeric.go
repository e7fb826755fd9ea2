package frontend

import (
	"fmt"

	"github.com/tomusdrw/wasm-pvm-sub000/errors"
	"github.com/tomusdrw/wasm-pvm-sub000/internal/ssa"
	"github.com/tomusdrw/wasm-pvm-sub000/internal/wasm"
)

type binOpInfo struct {
	opcode ssa.Opcode
	typ    ssa.Type
}

var binOps = map[wasm.Op]binOpInfo{
	wasm.OpI32Add: {ssa.OpcodeIadd, ssa.TypeI32}, wasm.OpI64Add: {ssa.OpcodeIadd, ssa.TypeI64},
	wasm.OpI32Sub: {ssa.OpcodeIsub, ssa.TypeI32}, wasm.OpI64Sub: {ssa.OpcodeIsub, ssa.TypeI64},
	wasm.OpI32Mul: {ssa.OpcodeImul, ssa.TypeI32}, wasm.OpI64Mul: {ssa.OpcodeImul, ssa.TypeI64},
	wasm.OpI32DivU: {ssa.OpcodeUdiv, ssa.TypeI32}, wasm.OpI64DivU: {ssa.OpcodeUdiv, ssa.TypeI64},
	wasm.OpI32DivS: {ssa.OpcodeSdiv, ssa.TypeI32}, wasm.OpI64DivS: {ssa.OpcodeSdiv, ssa.TypeI64},
	wasm.OpI32RemU: {ssa.OpcodeUrem, ssa.TypeI32}, wasm.OpI64RemU: {ssa.OpcodeUrem, ssa.TypeI64},
	wasm.OpI32RemS: {ssa.OpcodeSrem, ssa.TypeI32}, wasm.OpI64RemS: {ssa.OpcodeSrem, ssa.TypeI64},
	wasm.OpI32And: {ssa.OpcodeBand, ssa.TypeI32}, wasm.OpI64And: {ssa.OpcodeBand, ssa.TypeI64},
	wasm.OpI32Or: {ssa.OpcodeBor, ssa.TypeI32}, wasm.OpI64Or: {ssa.OpcodeBor, ssa.TypeI64},
	wasm.OpI32Xor: {ssa.OpcodeBxor, ssa.TypeI32}, wasm.OpI64Xor: {ssa.OpcodeBxor, ssa.TypeI64},
	wasm.OpI32Shl: {ssa.OpcodeIshl, ssa.TypeI32}, wasm.OpI64Shl: {ssa.OpcodeIshl, ssa.TypeI64},
	wasm.OpI32ShrU: {ssa.OpcodeUshr, ssa.TypeI32}, wasm.OpI64ShrU: {ssa.OpcodeUshr, ssa.TypeI64},
	wasm.OpI32ShrS: {ssa.OpcodeSshr, ssa.TypeI32}, wasm.OpI64ShrS: {ssa.OpcodeSshr, ssa.TypeI64},
	wasm.OpI32Rotl: {ssa.OpcodeRotl, ssa.TypeI32}, wasm.OpI64Rotl: {ssa.OpcodeRotl, ssa.TypeI64},
	wasm.OpI32Rotr: {ssa.OpcodeRotr, ssa.TypeI32}, wasm.OpI64Rotr: {ssa.OpcodeRotr, ssa.TypeI64},
}

type cmpOpInfo struct {
	cond ssa.IcmpCond
	typ  ssa.Type
}

var cmpOps = map[wasm.Op]cmpOpInfo{
	wasm.OpI32Eq:  {ssa.IcmpCondEqual, ssa.TypeI32},
	wasm.OpI32Ne:  {ssa.IcmpCondNotEqual, ssa.TypeI32},
	wasm.OpI32LtU: {ssa.IcmpCondUnsignedLessThan, ssa.TypeI32},
	wasm.OpI32LtS: {ssa.IcmpCondSignedLessThan, ssa.TypeI32},
	wasm.OpI32GtU: {ssa.IcmpCondUnsignedGreaterThan, ssa.TypeI32},
	wasm.OpI32GtS: {ssa.IcmpCondSignedGreaterThan, ssa.TypeI32},
	wasm.OpI32LeU: {ssa.IcmpCondUnsignedLessThanOrEqual, ssa.TypeI32},
	wasm.OpI32LeS: {ssa.IcmpCondSignedLessThanOrEqual, ssa.TypeI32},
	wasm.OpI32GeU: {ssa.IcmpCondUnsignedGreaterThanOrEqual, ssa.TypeI32},
	wasm.OpI32GeS: {ssa.IcmpCondSignedGreaterThanOrEqual, ssa.TypeI32},
	wasm.OpI64Eq:  {ssa.IcmpCondEqual, ssa.TypeI64},
	wasm.OpI64Ne:  {ssa.IcmpCondNotEqual, ssa.TypeI64},
	wasm.OpI64LtU: {ssa.IcmpCondUnsignedLessThan, ssa.TypeI64},
	wasm.OpI64LtS: {ssa.IcmpCondSignedLessThan, ssa.TypeI64},
	wasm.OpI64GtU: {ssa.IcmpCondUnsignedGreaterThan, ssa.TypeI64},
	wasm.OpI64GtS: {ssa.IcmpCondSignedGreaterThan, ssa.TypeI64},
	wasm.OpI64LeU: {ssa.IcmpCondUnsignedLessThanOrEqual, ssa.TypeI64},
	wasm.OpI64LeS: {ssa.IcmpCondSignedLessThanOrEqual, ssa.TypeI64},
	wasm.OpI64GeU: {ssa.IcmpCondUnsignedGreaterThanOrEqual, ssa.TypeI64},
	wasm.OpI64GeS: {ssa.IcmpCondSignedGreaterThanOrEqual, ssa.TypeI64},
}

var unaryOps = map[wasm.Op]binOpInfo{
	wasm.OpI32Clz: {ssa.OpcodeClz, ssa.TypeI32}, wasm.OpI64Clz: {ssa.OpcodeClz, ssa.TypeI64},
	wasm.OpI32Ctz: {ssa.OpcodeCtz, ssa.TypeI32}, wasm.OpI64Ctz: {ssa.OpcodeCtz, ssa.TypeI64},
	wasm.OpI32Popcnt: {ssa.OpcodePopcnt, ssa.TypeI32}, wasm.OpI64Popcnt: {ssa.OpcodePopcnt, ssa.TypeI64},
}

// lowerNumeric handles arithmetic, comparison, conversion and memory
// operators. 32-bit operations narrow their operands first and widen the
// result back to the uniform 64-bit storage form, so every stored value
// has well-defined upper bits.
func (l *lowerer) lowerNumeric(op *wasm.Operator) error {
	if info, ok := binOps[op.Op]; ok {
		b, err := l.pop()
		if err != nil {
			return err
		}
		a, err := l.pop()
		if err != nil {
			return err
		}
		if info.typ == ssa.TypeI32 {
			a, b = l.narrow32(a), l.narrow32(b)
		}
		r := l.emit(&ssa.Instruction{Opcode: info.opcode, Type: info.typ,
			V: a, V2: b, V3: ssa.ValueInvalid}, info.typ)
		if info.typ == ssa.TypeI32 {
			r = l.zext32(r)
		}
		l.push(r)
		return nil
	}

	if info, ok := cmpOps[op.Op]; ok {
		b, err := l.pop()
		if err != nil {
			return err
		}
		a, err := l.pop()
		if err != nil {
			return err
		}
		if info.typ == ssa.TypeI32 {
			a, b = l.narrow32(a), l.narrow32(b)
		}
		l.push(l.emit(&ssa.Instruction{Opcode: ssa.OpcodeIcmp, Type: info.typ, Cond: info.cond,
			V: a, V2: b, V3: ssa.ValueInvalid}, ssa.TypeI32))
		return nil
	}

	if info, ok := unaryOps[op.Op]; ok {
		a, err := l.pop()
		if err != nil {
			return err
		}
		if info.typ == ssa.TypeI32 {
			a = l.narrow32(a)
		}
		r := l.emit(&ssa.Instruction{Opcode: info.opcode, Type: info.typ,
			V: a, V2: ssa.ValueInvalid, V3: ssa.ValueInvalid}, info.typ)
		if info.typ == ssa.TypeI32 {
			r = l.zext32(r)
		}
		l.push(r)
		return nil
	}

	if name, ok := loadIntrinsics[op.Op]; ok {
		addr, err := l.pop()
		if err != nil {
			return err
		}
		l.push(l.intrinsicCall(name, []ssa.Value{l.effectiveAddress(addr, op.Offset)}, true))
		return nil
	}

	if name, ok := storeIntrinsics[op.Op]; ok {
		val, err := l.pop()
		if err != nil {
			return err
		}
		addr, err := l.pop()
		if err != nil {
			return err
		}
		l.intrinsicCall(name, []ssa.Value{l.effectiveAddress(addr, op.Offset), val}, false)
		return nil
	}

	switch op.Op {
	case wasm.OpI32Eqz, wasm.OpI64Eqz:
		a, err := l.pop()
		if err != nil {
			return err
		}
		t := ssa.TypeI64
		if op.Op == wasm.OpI32Eqz {
			t = ssa.TypeI32
			a = l.narrow32(a)
		}
		zero := l.iconst(t, 0)
		l.push(l.emit(&ssa.Instruction{Opcode: ssa.OpcodeIcmp, Type: t, Cond: ssa.IcmpCondEqual,
			V: a, V2: zero, V3: ssa.ValueInvalid}, ssa.TypeI32))

	case wasm.OpI32WrapI64:
		a, err := l.pop()
		if err != nil {
			return err
		}
		l.push(l.zext32(l.narrow32(a)))

	case wasm.OpI64ExtendI32S:
		a, err := l.pop()
		if err != nil {
			return err
		}
		l.push(l.emit(&ssa.Instruction{Opcode: ssa.OpcodeSextend, Type: ssa.TypeI64, U1: 32,
			V: a, V2: ssa.ValueInvalid, V3: ssa.ValueInvalid}, ssa.TypeI64))

	case wasm.OpI64ExtendI32U:
		a, err := l.pop()
		if err != nil {
			return err
		}
		l.push(l.zext32(a))

	case wasm.OpI32Extend8S, wasm.OpI32Extend16S:
		a, err := l.pop()
		if err != nil {
			return err
		}
		from := uint64(8)
		if op.Op == wasm.OpI32Extend16S {
			from = 16
		}
		s := l.emit(&ssa.Instruction{Opcode: ssa.OpcodeSextend, Type: ssa.TypeI32, U1: from,
			V: a, V2: ssa.ValueInvalid, V3: ssa.ValueInvalid}, ssa.TypeI32)
		l.push(l.zext32(s))

	case wasm.OpI64Extend8S, wasm.OpI64Extend16S, wasm.OpI64Extend32S:
		a, err := l.pop()
		if err != nil {
			return err
		}
		var from uint64
		switch op.Op {
		case wasm.OpI64Extend8S:
			from = 8
		case wasm.OpI64Extend16S:
			from = 16
		default:
			from = 32
		}
		l.push(l.emit(&ssa.Instruction{Opcode: ssa.OpcodeSextend, Type: ssa.TypeI64, U1: from,
			V: a, V2: ssa.ValueInvalid, V3: ssa.ValueInvalid}, ssa.TypeI64))

	default:
		return errors.Unsupported(errors.PhaseFrontend, fmt.Sprintf("operator 0x%02x", byte(op.Op)))
	}
	return nil
}
