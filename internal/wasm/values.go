package wasm

// ValueType is a WASM value type. This compiler only supports the integer
// types; float operands/results cause KindFloatUnsupported during parsing.
type ValueType byte

const (
	ValueTypeI32 ValueType = 0x7F
	ValueTypeI64 ValueType = 0x7E
	ValueTypeF32 ValueType = 0x7D
	ValueTypeF64 ValueType = 0x7C
	// ValueTypeFuncref and ValueTypeExternref are accepted only as table
	// element types; reference-typed locals/values beyond funcref are an
	// unsupported construct (spec.md §7).
	ValueTypeFuncref   ValueType = 0x70
	ValueTypeExternref ValueType = 0x6F
)

func (t ValueType) IsFloat() bool {
	return t == ValueTypeF32 || t == ValueTypeF64
}

func (t ValueType) String() string {
	switch t {
	case ValueTypeI32:
		return "i32"
	case ValueTypeI64:
		return "i64"
	case ValueTypeF32:
		return "f32"
	case ValueTypeF64:
		return "f64"
	case ValueTypeFuncref:
		return "funcref"
	case ValueTypeExternref:
		return "externref"
	default:
		return "unknown"
	}
}

// Index is an index into one of the module's index spaces (types, funcs,
// globals, tables, memories, locals).
type Index = uint32

// MaxU32 is the sentinel used for empty table slots (spec.md §3).
const MaxU32 = ^uint32(0)

// FunctionType is a WASM function signature.
type FunctionType struct {
	Params  []ValueType
	Results []ValueType
}

