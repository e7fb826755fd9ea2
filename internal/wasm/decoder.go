package wasm

import (
	"encoding/binary"
	"fmt"

	"github.com/tomusdrw/wasm-pvm-sub000/errors"
	"github.com/tomusdrw/wasm-pvm-sub000/internal/leb128"
)

var wasmMagic = [4]byte{0x00, 0x61, 0x73, 0x6D}

const wasmVersion1 = 1

type sectionID byte

const (
	sectionCustom    sectionID = 0
	sectionType      sectionID = 1
	sectionImport    sectionID = 2
	sectionFunction  sectionID = 3
	sectionTable     sectionID = 4
	sectionMemory    sectionID = 5
	sectionGlobal    sectionID = 6
	sectionExport    sectionID = 7
	sectionStart     sectionID = 8
	sectionElement   sectionID = 9
	sectionCode      sectionID = 10
	sectionData      sectionID = 11
	sectionDataCount sectionID = 12
)

// Decode parses raw WASM bytes into a Module, performing the section-level
// structural parsing described in spec.md §4.1. It does not re-implement a
// full WASM type-and-reachability validator (delegated to an external
// collaborator per spec.md §1); it does perform the structural checks and
// float-operator rejection needed to keep the frontend's assumptions sound.
func Decode(wasmBytes []byte) (*Module, error) {
	if len(wasmBytes) < 8 {
		return nil, errors.New(errors.PhaseParse, errors.KindValidation).Detail("input too short for a WASM header").Build()
	}
	var magic [4]byte
	copy(magic[:], wasmBytes[:4])
	if magic != wasmMagic {
		return nil, errors.New(errors.PhaseParse, errors.KindValidation).Detail("bad WASM magic number").Build()
	}
	version := binary.LittleEndian.Uint32(wasmBytes[4:8])
	if version != wasmVersion1 {
		return nil, errors.New(errors.PhaseParse, errors.KindValidation).Detail("unsupported WASM version %d", version).Build()
	}

	m := &Module{}
	r := leb128.NewByteReader(wasmBytes[8:])
	var lastID sectionID = 0
	for r.Len() > 0 {
		idByte, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		id := sectionID(idByte)
		size, err := r.ReadUint32LEB()
		if err != nil {
			return nil, err
		}
		content, err := r.ReadBytes(size)
		if err != nil {
			return nil, err
		}
		if id != sectionCustom {
			if id < lastID {
				return nil, errors.New(errors.PhaseParse, errors.KindValidation).Detail("sections out of order").Build()
			}
			lastID = id
		}
		sr := leb128.NewByteReader(content)
		if err := decodeSection(m, id, sr); err != nil {
			return nil, err
		}
	}

	if err := m.finalize(); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeSection(m *Module, id sectionID, r *leb128.ByteReader) error {
	switch id {
	case sectionCustom:
		return nil // names, producers, etc. are inert to this compiler.
	case sectionType:
		return decodeTypeSection(m, r)
	case sectionImport:
		return decodeImportSection(m, r)
	case sectionFunction:
		return decodeFunctionSection(m, r)
	case sectionTable:
		return decodeTableSection(m, r)
	case sectionMemory:
		return decodeMemorySection(m, r)
	case sectionGlobal:
		return decodeGlobalSection(m, r)
	case sectionExport:
		return decodeExportSection(m, r)
	case sectionStart:
		idx, err := r.ReadUint32LEB()
		if err != nil {
			return err
		}
		m.StartSection = &idx
		return nil
	case sectionElement:
		return decodeElementSection(m, r)
	case sectionCode:
		return decodeCodeSection(m, r)
	case sectionData:
		return decodeDataSection(m, r)
	case sectionDataCount:
		_, err := r.ReadUint32LEB()
		return err
	default:
		return errors.Unsupported(errors.PhaseParse, fmt.Sprintf("section id %d", id))
	}
}

func decodeValueType(r *leb128.ByteReader) (ValueType, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	vt := ValueType(b)
	switch vt {
	case ValueTypeI32, ValueTypeI64:
		return vt, nil
	case ValueTypeF32, ValueTypeF64:
		return 0, errors.New(errors.PhaseParse, errors.KindFloatUnsupported).Detail("value type 0x%02x", b).Build()
	case ValueTypeFuncref, ValueTypeExternref:
		return vt, nil
	default:
		return 0, errors.Unsupported(errors.PhaseParse, fmt.Sprintf("value type 0x%02x", b))
	}
}

func decodeTypeSection(m *Module, r *leb128.ByteReader) error {
	count, err := r.ReadUint32LEB()
	if err != nil {
		return err
	}
	m.TypeSection = make([]FunctionType, 0, count)
	for i := uint32(0); i < count; i++ {
		form, err := r.ReadByte()
		if err != nil {
			return err
		}
		if form != 0x60 {
			return errors.Unsupported(errors.PhaseParse, "non-func type form")
		}
		params, err := decodeValueTypeVec(r)
		if err != nil {
			return err
		}
		results, err := decodeValueTypeVec(r)
		if err != nil {
			return err
		}
		if len(results) > 2 {
			return errors.Unsupported(errors.PhaseParse, "more than 2 return values")
		}
		m.TypeSection = append(m.TypeSection, FunctionType{Params: params, Results: results})
	}
	return nil
}

func decodeValueTypeVec(r *leb128.ByteReader) ([]ValueType, error) {
	n, err := r.ReadUint32LEB()
	if err != nil {
		return nil, err
	}
	out := make([]ValueType, n)
	for i := range out {
		vt, err := decodeValueType(r)
		if err != nil {
			return nil, err
		}
		out[i] = vt
	}
	return out, nil
}

func decodeString(r *leb128.ByteReader) (string, error) {
	n, err := r.ReadUint32LEB()
	if err != nil {
		return "", err
	}
	b, err := r.ReadBytes(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeLimits(r *leb128.ByteReader) (min uint32, max *uint32, err error) {
	flags, err := r.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	min, err = r.ReadUint32LEB()
	if err != nil {
		return 0, nil, err
	}
	if flags&0x01 != 0 {
		v, err := r.ReadUint32LEB()
		if err != nil {
			return 0, nil, err
		}
		max = &v
	}
	return min, max, nil
}

func decodeImportSection(m *Module, r *leb128.ByteReader) error {
	count, err := r.ReadUint32LEB()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		modName, err := decodeString(r)
		if err != nil {
			return err
		}
		name, err := decodeString(r)
		if err != nil {
			return err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}
		switch kind {
		case 0x00: // func
			typeIdx, err := r.ReadUint32LEB()
			if err != nil {
				return err
			}
			m.ImportSection = append(m.ImportSection, Import{ModuleName: modName, Name: name, TypeIndex: typeIdx})
			m.NumImportedFunctions++
		case 0x01: // table
			if _, err := r.ReadByte(); err != nil { // elem type
				return err
			}
			if _, _, err := decodeLimits(r); err != nil {
				return err
			}
		case 0x02: // memory
			if _, _, err := decodeLimits(r); err != nil {
				return err
			}
		case 0x03: // global
			if _, err := decodeValueType(r); err != nil {
				return err
			}
			if _, err := r.ReadByte(); err != nil { // mutability
				return err
			}
		default:
			return errors.Unsupported(errors.PhaseParse, "import kind")
		}
	}
	return nil
}

func decodeFunctionSection(m *Module, r *leb128.ByteReader) error {
	count, err := r.ReadUint32LEB()
	if err != nil {
		return err
	}
	m.FunctionSection = make([]Index, count)
	for i := range m.FunctionSection {
		idx, err := r.ReadUint32LEB()
		if err != nil {
			return err
		}
		m.FunctionSection[i] = idx
	}
	return nil
}

func decodeTableSection(m *Module, r *leb128.ByteReader) error {
	count, err := r.ReadUint32LEB()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		elemType, err := decodeValueType(r)
		if err != nil {
			return err
		}
		min, max, err := decodeLimits(r)
		if err != nil {
			return err
		}
		entries := make([]uint32, min)
		for j := range entries {
			entries[j] = MaxU32
		}
		m.TableSection = append(m.TableSection, Table{ElemType: elemType, Min: min, Max: max, Entries: entries})
	}
	return nil
}

func decodeMemorySection(m *Module, r *leb128.ByteReader) error {
	count, err := r.ReadUint32LEB()
	if err != nil {
		return err
	}
	if count == 0 {
		return nil
	}
	if count > 1 {
		return errors.Unsupported(errors.PhaseParse, "multiple memories")
	}
	min, max, err := decodeLimits(r)
	if err != nil {
		return err
	}
	m.MemorySection = &Memory{InitialPages: min, MaxPages: max}
	return nil
}

func decodeConstExpr(r *leb128.ByteReader) (ConstExpr, error) {
	b, err := r.ReadByte()
	if err != nil {
		return ConstExpr{}, err
	}
	var ce ConstExpr
	switch Op(b) {
	case OpI32Const:
		v, err := r.ReadInt32LEB()
		if err != nil {
			return ConstExpr{}, err
		}
		ce = ConstExpr{Value: int64(v)}
	case OpI64Const:
		v, err := r.ReadInt64LEB()
		if err != nil {
			return ConstExpr{}, err
		}
		ce = ConstExpr{Value: v}
	case OpGlobalGet:
		idx, err := r.ReadUint32LEB()
		if err != nil {
			return ConstExpr{}, err
		}
		ce = ConstExpr{IsGlobalGet: true, GlobalIndex: idx}
	case OpF32Const, OpF64Const:
		return ConstExpr{}, errors.New(errors.PhaseParse, errors.KindFloatUnsupported).Detail("const expr").Build()
	default:
		return ConstExpr{}, errors.Unsupported(errors.PhaseParse, "const expr opcode")
	}
	end, err := r.ReadByte()
	if err != nil {
		return ConstExpr{}, err
	}
	if Op(end) != OpEnd {
		return ConstExpr{}, errors.New(errors.PhaseParse, errors.KindValidation).Detail("const expr missing end").Build()
	}
	return ce, nil
}

func decodeGlobalSection(m *Module, r *leb128.ByteReader) error {
	count, err := r.ReadUint32LEB()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		vt, err := decodeValueType(r)
		if err != nil {
			return err
		}
		mutByte, err := r.ReadByte()
		if err != nil {
			return err
		}
		init, err := decodeConstExpr(r)
		if err != nil {
			return err
		}
		m.GlobalSection = append(m.GlobalSection, Global{Type: vt, Mutable: mutByte != 0, Init: init})
	}
	return nil
}

func decodeExportSection(m *Module, r *leb128.ByteReader) error {
	count, err := r.ReadUint32LEB()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		name, err := decodeString(r)
		if err != nil {
			return err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}
		idx, err := r.ReadUint32LEB()
		if err != nil {
			return err
		}
		m.ExportSection = append(m.ExportSection, Export{Name: name, Kind: ExportKind(kind), Index: idx})
	}
	return nil
}

func decodeElementSection(m *Module, r *leb128.ByteReader) error {
	count, err := r.ReadUint32LEB()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		flags, err := r.ReadUint32LEB()
		if err != nil {
			return err
		}
		seg := ElementSegment{}
		switch flags {
		case 0: // active, table 0, expr offset, func indices
			off, err := decodeConstExpr(r)
			if err != nil {
				return err
			}
			seg.Offset = off
			idxs, err := decodeFuncIndexVec(r)
			if err != nil {
				return err
			}
			seg.FuncIndices = idxs
		case 1: // passive, elemkind, func indices
			if _, err := r.ReadByte(); err != nil {
				return err
			}
			idxs, err := decodeFuncIndexVec(r)
			if err != nil {
				return err
			}
			seg.FuncIndices = idxs
			seg.Passive = true
		case 2: // active, explicit table index
			tblIdx, err := r.ReadUint32LEB()
			if err != nil {
				return err
			}
			off, err := decodeConstExpr(r)
			if err != nil {
				return err
			}
			if _, err := r.ReadByte(); err != nil {
				return err
			}
			idxs, err := decodeFuncIndexVec(r)
			if err != nil {
				return err
			}
			seg.TableIndex = tblIdx
			seg.Offset = off
			seg.FuncIndices = idxs
		default:
			return errors.Unsupported(errors.PhaseParse, "element segment encoding")
		}
		m.ElementSection = append(m.ElementSection, seg)
	}
	return applyElementSegments(m)
}

func decodeFuncIndexVec(r *leb128.ByteReader) ([]uint32, error) {
	n, err := r.ReadUint32LEB()
	if err != nil {
		return nil, err
	}
	out := make([]uint32, n)
	for i := range out {
		v, err := r.ReadUint32LEB()
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func applyElementSegments(m *Module) error {
	for _, seg := range m.ElementSection {
		if seg.Passive {
			continue
		}
		if int(seg.TableIndex) >= len(m.TableSection) {
			return errors.New(errors.PhaseParse, errors.KindValidation).Detail("element segment references unknown table").Build()
		}
		if seg.Offset.IsGlobalGet {
			return errors.Unsupported(errors.PhaseParse, "non-constant element segment offset")
		}
		tbl := &m.TableSection[seg.TableIndex]
		base := int(seg.Offset.Value)
		for i, fn := range seg.FuncIndices {
			idx := base + i
			if idx < 0 || idx >= len(tbl.Entries) {
				return errors.New(errors.PhaseParse, errors.KindValidation).Detail("element segment out of table bounds").Build()
			}
			tbl.Entries[idx] = fn
		}
	}
	return nil
}

func decodeCodeSection(m *Module, r *leb128.ByteReader) error {
	count, err := r.ReadUint32LEB()
	if err != nil {
		return err
	}
	m.CodeSection = make([]Code, 0, count)
	for i := uint32(0); i < count; i++ {
		size, err := r.ReadUint32LEB()
		if err != nil {
			return err
		}
		body, err := r.ReadBytes(size)
		if err != nil {
			return err
		}
		br := leb128.NewByteReader(body)
		localTypes, err := decodeLocalsDeclaration(br)
		if err != nil {
			return err
		}
		m.CodeSection = append(m.CodeSection, Code{LocalTypes: localTypes, Body: body[br.Pos():]})
	}
	return nil
}

func decodeLocalsDeclaration(r *leb128.ByteReader) ([]ValueType, error) {
	groups, err := r.ReadUint32LEB()
	if err != nil {
		return nil, err
	}
	var out []ValueType
	for i := uint32(0); i < groups; i++ {
		n, err := r.ReadUint32LEB()
		if err != nil {
			return nil, err
		}
		vt, err := decodeValueType(r)
		if err != nil {
			return nil, err
		}
		if vt == ValueTypeFuncref || vt == ValueTypeExternref {
			return nil, errors.Unsupported(errors.PhaseParse, "reference-typed local")
		}
		for j := uint32(0); j < n; j++ {
			out = append(out, vt)
		}
	}
	return out, nil
}

func decodeDataSection(m *Module, r *leb128.ByteReader) error {
	count, err := r.ReadUint32LEB()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		flags, err := r.ReadUint32LEB()
		if err != nil {
			return err
		}
		seg := DataSegment{}
		switch flags {
		case 0:
			off, err := decodeConstExpr(r)
			if err != nil {
				return err
			}
			seg.Offset = off
		case 1:
			seg.Passive = true
		case 2:
			memIdx, err := r.ReadUint32LEB()
			if err != nil {
				return err
			}
			off, err := decodeConstExpr(r)
			if err != nil {
				return err
			}
			seg.MemoryIndex = memIdx
			seg.Offset = off
		default:
			return errors.Unsupported(errors.PhaseParse, "data segment encoding")
		}
		n, err := r.ReadUint32LEB()
		if err != nil {
			return err
		}
		b, err := r.ReadBytes(n)
		if err != nil {
			return err
		}
		seg.Bytes = b
		m.DataSection = append(m.DataSection, seg)
	}
	return nil
}
