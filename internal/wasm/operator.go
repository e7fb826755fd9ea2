package wasm

import (
	"fmt"

	"github.com/tomusdrw/wasm-pvm-sub000/errors"
	"github.com/tomusdrw/wasm-pvm-sub000/internal/leb128"
)

// Op is a WASM operator recognized by this compiler's frontend. The byte
// values match the real WASM binary opcodes so BlockType/operator decoding
// stays a straight table lookup against the spec.
type Op byte

const (
	OpUnreachable Op = 0x00
	OpNop         Op = 0x01
	OpBlock       Op = 0x02
	OpLoop        Op = 0x03
	OpIf          Op = 0x04
	OpElse        Op = 0x05
	OpEnd         Op = 0x0B
	OpBr          Op = 0x0C
	OpBrIf        Op = 0x0D
	OpBrTable     Op = 0x0E
	OpReturn      Op = 0x0F
	OpCall        Op = 0x10
	OpCallIndirect Op = 0x11

	OpDrop   Op = 0x1A
	OpSelect Op = 0x1B

	OpLocalGet  Op = 0x20
	OpLocalSet  Op = 0x21
	OpLocalTee  Op = 0x22
	OpGlobalGet Op = 0x23
	OpGlobalSet Op = 0x24

	OpI32Load    Op = 0x28
	OpI64Load    Op = 0x29
	OpI32Load8S  Op = 0x2C
	OpI32Load8U  Op = 0x2D
	OpI32Load16S Op = 0x2E
	OpI32Load16U Op = 0x2F
	OpI64Load8S  Op = 0x30
	OpI64Load8U  Op = 0x31
	OpI64Load16S Op = 0x32
	OpI64Load16U Op = 0x33
	OpI64Load32S Op = 0x34
	OpI64Load32U Op = 0x35
	OpI32Store   Op = 0x36
	OpI64Store   Op = 0x37
	OpI32Store8  Op = 0x3A
	OpI32Store16 Op = 0x3B
	OpI64Store8  Op = 0x3C
	OpI64Store16 Op = 0x3D
	OpI64Store32 Op = 0x3E
	OpMemorySize Op = 0x3F
	OpMemoryGrow Op = 0x40

	OpI32Const Op = 0x41
	OpI64Const Op = 0x42
	OpF32Const Op = 0x43
	OpF64Const Op = 0x44

	OpI32Eqz Op = 0x45
	OpI32Eq  Op = 0x46
	OpI32Ne  Op = 0x47
	OpI32LtS Op = 0x48
	OpI32LtU Op = 0x49
	OpI32GtS Op = 0x4A
	OpI32GtU Op = 0x4B
	OpI32LeS Op = 0x4C
	OpI32LeU Op = 0x4D
	OpI32GeS Op = 0x4E
	OpI32GeU Op = 0x4F

	OpI64Eqz Op = 0x50
	OpI64Eq  Op = 0x51
	OpI64Ne  Op = 0x52
	OpI64LtS Op = 0x53
	OpI64LtU Op = 0x54
	OpI64GtS Op = 0x55
	OpI64GtU Op = 0x56
	OpI64LeS Op = 0x57
	OpI64LeU Op = 0x58
	OpI64GeS Op = 0x59
	OpI64GeU Op = 0x5A

	// 0x5B..0x66 (float comparisons), 0x8B..0xA6 (float arithmetic) and
	// the float conversion/reinterpret opcodes are not listed; this
	// compiler rejects all of them (spec.md Non-goals: no floating point)
	// via isFloatOpcode in decodeOne below.

	OpI32Clz    Op = 0x67
	OpI32Ctz    Op = 0x68
	OpI32Popcnt Op = 0x69
	OpI32Add    Op = 0x6A
	OpI32Sub    Op = 0x6B
	OpI32Mul    Op = 0x6C
	OpI32DivS   Op = 0x6D
	OpI32DivU   Op = 0x6E
	OpI32RemS   Op = 0x6F
	OpI32RemU   Op = 0x70
	OpI32And    Op = 0x71
	OpI32Or     Op = 0x72
	OpI32Xor    Op = 0x73
	OpI32Shl    Op = 0x74
	OpI32ShrS   Op = 0x75
	OpI32ShrU   Op = 0x76
	OpI32Rotl   Op = 0x77
	OpI32Rotr   Op = 0x78

	OpI64Clz    Op = 0x79
	OpI64Ctz    Op = 0x7A
	OpI64Popcnt Op = 0x7B
	OpI64Add    Op = 0x7C
	OpI64Sub    Op = 0x7D
	OpI64Mul    Op = 0x7E
	OpI64DivS   Op = 0x7F
	OpI64DivU   Op = 0x80
	OpI64RemS   Op = 0x81
	OpI64RemU   Op = 0x82
	OpI64And    Op = 0x83
	OpI64Or     Op = 0x84
	OpI64Xor    Op = 0x85
	OpI64Shl    Op = 0x86
	OpI64ShrS   Op = 0x87
	OpI64ShrU   Op = 0x88
	OpI64Rotl   Op = 0x89
	OpI64Rotr   Op = 0x8A

	OpI32WrapI64    Op = 0xA7
	OpI32Extend8S   Op = 0xC0
	OpI32Extend16S  Op = 0xC1
	OpI64Extend8S   Op = 0xC2
	OpI64Extend16S  Op = 0xC3
	OpI64Extend32S  Op = 0xC4
	OpI64ExtendI32S Op = 0xAC
	OpI64ExtendI32U Op = 0xAD

	// OpPrefixedFC is the prefix byte for bulk-memory and other multi-byte
	// encoded operators (memory.copy/fill/init, data.drop).
	OpPrefixedFC Op = 0xFC
)

// Sub-opcodes under the 0xFC prefix byte this compiler implements.
const (
	SubOpMemoryInit Index = 8
	SubOpDataDrop   Index = 9
	SubOpMemoryCopy Index = 10
	SubOpMemoryFill Index = 11
)

// BlockType is the result arity of a structured-control block.
type BlockType struct {
	HasResult bool
	Result    ValueType
}

// Operator is a single decoded WASM instruction.
type Operator struct {
	Op Op

	// Index is the local/global/function/type/table/segment index operand,
	// reused across operator kinds.
	Index Index
	// Index2 is a secondary index operand (call_indirect's table index,
	// memory.init/copy's second segment/memory operand).
	Index2 Index

	Offset uint32 // memory load/store offset
	Align  uint32 // memory load/store alignment hint

	ConstI64 int64 // i32.const (sign-extended)/i64.const payload

	Block BlockType // block/loop/if

	// BrTableTargets holds br_table's label list with the default as the
	// last element.
	BrTableTargets []Index
}

// DecodeOperators decodes an entire function body into a flat operator
// sequence. spec.md §9 ("Coroutine-style lowering that doesn't exist
// here") recommends a flat driver loop over the operator sequence; having
// the parser pre-decode into a slice keeps the frontend that simple.
func DecodeOperators(body []byte) ([]Operator, error) {
	r := leb128.NewByteReader(body)
	var ops []Operator
	for r.Len() > 0 {
		op, err := decodeOne(r)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func decodeOne(r *leb128.ByteReader) (Operator, error) {
	b, err := r.ReadByte()
	if err != nil {
		return Operator{}, err
	}
	op := Op(b)

	// Float opcodes are 0x2A/0x2B (f32/f64 load), 0x38/0x39 (store),
	// 0x43/0x44 (const), 0x5B-0x66 (comparisons), 0x8B-0xA6 (unary and
	// binary ops), 0xA8-0xAB (trunc to int) and 0xAE-0xBF
	// (convert/demote/promote/reinterpret); see isFloatOpcode. Any opcode
	// not in the allow-list below is rejected as either float or
	// unsupported-construct.
	switch op {
	case OpUnreachable, OpNop, OpElse, OpEnd, OpReturn, OpDrop, OpSelect,
		OpI32Eqz, OpI32Eq, OpI32Ne, OpI32LtS, OpI32LtU, OpI32GtS, OpI32GtU, OpI32LeS, OpI32LeU, OpI32GeS, OpI32GeU,
		OpI64Eqz, OpI64Eq, OpI64Ne, OpI64LtS, OpI64LtU, OpI64GtS, OpI64GtU, OpI64LeS, OpI64LeU, OpI64GeS, OpI64GeU,
		OpI32Clz, OpI32Ctz, OpI32Popcnt, OpI32Add, OpI32Sub, OpI32Mul, OpI32DivS, OpI32DivU, OpI32RemS, OpI32RemU,
		OpI32And, OpI32Or, OpI32Xor, OpI32Shl, OpI32ShrS, OpI32ShrU, OpI32Rotl, OpI32Rotr,
		OpI64Clz, OpI64Ctz, OpI64Popcnt, OpI64Add, OpI64Sub, OpI64Mul, OpI64DivS, OpI64DivU, OpI64RemS, OpI64RemU,
		OpI64And, OpI64Or, OpI64Xor, OpI64Shl, OpI64ShrS, OpI64ShrU, OpI64Rotl, OpI64Rotr,
		OpI32WrapI64, OpI32Extend8S, OpI32Extend16S, OpI64Extend8S, OpI64Extend16S, OpI64Extend32S,
		OpI64ExtendI32S, OpI64ExtendI32U:
		return Operator{Op: op}, nil

	case OpMemorySize, OpMemoryGrow:
		// The memory index immediate, always 0 in MVP modules.
		if _, err := r.ReadByte(); err != nil {
			return Operator{}, err
		}
		return Operator{Op: op}, nil

	case OpBlock, OpLoop, OpIf:
		bt, err := decodeBlockType(r)
		if err != nil {
			return Operator{}, err
		}
		return Operator{Op: op, Block: bt}, nil

	case OpBr, OpBrIf:
		depth, err := r.ReadUint32LEB()
		if err != nil {
			return Operator{}, err
		}
		return Operator{Op: op, Index: depth}, nil

	case OpBrTable:
		count, err := r.ReadUint32LEB()
		if err != nil {
			return Operator{}, err
		}
		targets := make([]Index, 0, count+1)
		for i := uint32(0); i < count; i++ {
			t, err := r.ReadUint32LEB()
			if err != nil {
				return Operator{}, err
			}
			targets = append(targets, t)
		}
		def, err := r.ReadUint32LEB()
		if err != nil {
			return Operator{}, err
		}
		targets = append(targets, def)
		return Operator{Op: op, BrTableTargets: targets}, nil

	case OpCall:
		idx, err := r.ReadUint32LEB()
		if err != nil {
			return Operator{}, err
		}
		return Operator{Op: op, Index: idx}, nil

	case OpCallIndirect:
		typeIdx, err := r.ReadUint32LEB()
		if err != nil {
			return Operator{}, err
		}
		tableIdx, err := r.ReadUint32LEB()
		if err != nil {
			return Operator{}, err
		}
		return Operator{Op: op, Index: typeIdx, Index2: tableIdx}, nil

	case OpLocalGet, OpLocalSet, OpLocalTee, OpGlobalGet, OpGlobalSet:
		idx, err := r.ReadUint32LEB()
		if err != nil {
			return Operator{}, err
		}
		return Operator{Op: op, Index: idx}, nil

	case OpI32Load, OpI64Load, OpI32Load8S, OpI32Load8U, OpI32Load16S, OpI32Load16U,
		OpI64Load8S, OpI64Load8U, OpI64Load16S, OpI64Load16U, OpI64Load32S, OpI64Load32U,
		OpI32Store, OpI64Store, OpI32Store8, OpI32Store16, OpI64Store8, OpI64Store16, OpI64Store32:
		align, err := r.ReadUint32LEB()
		if err != nil {
			return Operator{}, err
		}
		offset, err := r.ReadUint32LEB()
		if err != nil {
			return Operator{}, err
		}
		return Operator{Op: op, Align: align, Offset: offset}, nil

	case OpI32Const:
		v, err := r.ReadInt32LEB()
		if err != nil {
			return Operator{}, err
		}
		return Operator{Op: op, ConstI64: int64(v)}, nil

	case OpI64Const:
		v, err := r.ReadInt64LEB()
		if err != nil {
			return Operator{}, err
		}
		return Operator{Op: op, ConstI64: v}, nil

	case OpF32Const:
		if _, err := r.ReadBytes(4); err != nil {
			return Operator{}, err
		}
		return Operator{}, errors.New(errors.PhaseParse, errors.KindFloatUnsupported).Detail("f32.const").Build()

	case OpF64Const:
		if _, err := r.ReadBytes(8); err != nil {
			return Operator{}, err
		}
		return Operator{}, errors.New(errors.PhaseParse, errors.KindFloatUnsupported).Detail("f64.const").Build()

	case OpPrefixedFC:
		sub, err := r.ReadUint32LEB()
		if err != nil {
			return Operator{}, err
		}
		switch sub {
		case SubOpMemoryInit:
			segIdx, err := r.ReadUint32LEB()
			if err != nil {
				return Operator{}, err
			}
			if _, err := r.ReadByte(); err != nil { // memory index, always 0
				return Operator{}, err
			}
			return Operator{Op: OpPrefixedFC, Index: SubOpMemoryInit, Index2: segIdx}, nil
		case SubOpDataDrop:
			segIdx, err := r.ReadUint32LEB()
			if err != nil {
				return Operator{}, err
			}
			return Operator{Op: OpPrefixedFC, Index: SubOpDataDrop, Index2: segIdx}, nil
		case SubOpMemoryCopy:
			if _, err := r.ReadByte(); err != nil {
				return Operator{}, err
			}
			if _, err := r.ReadByte(); err != nil {
				return Operator{}, err
			}
			return Operator{Op: OpPrefixedFC, Index: SubOpMemoryCopy}, nil
		case SubOpMemoryFill:
			if _, err := r.ReadByte(); err != nil {
				return Operator{}, err
			}
			return Operator{Op: OpPrefixedFC, Index: SubOpMemoryFill}, nil
		default:
			return Operator{}, errors.Unsupported(errors.PhaseParse, fmt.Sprintf("0xFC sub-opcode %d", sub))
		}

	default:
		if isFloatOpcode(op) {
			return Operator{}, errors.New(errors.PhaseParse, errors.KindFloatUnsupported).Detail("opcode 0x%02x", byte(op)).Build()
		}
		return Operator{}, errors.Unsupported(errors.PhaseParse, fmt.Sprintf("opcode 0x%02x", byte(op)))
	}
}

func isFloatOpcode(op Op) bool {
	b := byte(op)
	switch {
	case b == 0x2A || b == 0x2B || b == 0x38 || b == 0x39: // f32/f64 load/store
		return true
	case b >= 0x43 && b <= 0x44: // f32.const, f64.const (handled above but kept for completeness)
		return true
	case b >= 0x5B && b <= 0x66: // float comparisons
		return true
	case b >= 0x8B && b <= 0xA6: // float unary/binary ops
		return true
	case b == 0xA8 || b == 0xA9 || b == 0xAA || b == 0xAB: // trunc to int
		return true
	case b >= 0xAE && b <= 0xBF: // convert/demote/promote/reinterpret
		return true
	default:
		return false
	}
}

func decodeBlockType(r *leb128.ByteReader) (BlockType, error) {
	b, err := r.ReadByte()
	if err != nil {
		return BlockType{}, err
	}
	switch ValueType(b) {
	case 0x40: // empty block type encoded as 0x40
		return BlockType{}, nil
	case ValueTypeI32, ValueTypeI64:
		return BlockType{HasResult: true, Result: ValueType(b)}, nil
	case ValueTypeF32, ValueTypeF64:
		return BlockType{}, errors.New(errors.PhaseParse, errors.KindFloatUnsupported).Detail("block result type").Build()
	default:
		// Multi-value block types (signed LEB128 type index) are an
		// unsupported construct for this compiler's IR, which models a
		// single block result value (spec.md §3).
		return BlockType{}, errors.Unsupported(errors.PhaseParse, "multi-value block type")
	}
}
