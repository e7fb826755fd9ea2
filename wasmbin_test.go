package wasmpvm

import (
	"github.com/tomusdrw/wasm-pvm-sub000/internal/leb128"
)

// Minimal WASM binary builder for tests: enough of the format to express
// the emission scenarios without shipping a text-format assembler.

type wasmFuncType struct {
	params, results []byte // value type bytes (0x7F = i32, 0x7E = i64)
}

type wasmFunc struct {
	typeIdx uint32
	locals  []byte // value type byte per declared local
	body    []byte // instruction bytes, without the final End
}

type wasmExport struct {
	name string
	kind byte
	idx  uint32
}

type wasmBuilder struct {
	types   []wasmFuncType
	funcs   []wasmFunc
	exports []wasmExport
	memory  *[2]uint32 // min, max (max 0 = absent)
	tableFn []uint32   // element-initialized function indices from slot 0
}

func (b *wasmBuilder) addType(params, results []byte) uint32 {
	b.types = append(b.types, wasmFuncType{params: params, results: results})
	return uint32(len(b.types) - 1)
}

func (b *wasmBuilder) addFunc(typeIdx uint32, locals, body []byte) uint32 {
	b.funcs = append(b.funcs, wasmFunc{typeIdx: typeIdx, locals: locals, body: body})
	return uint32(len(b.funcs) - 1)
}

func (b *wasmBuilder) export(name string, idx uint32) {
	b.exports = append(b.exports, wasmExport{name: name, kind: 0x00, idx: idx})
}

func u32(v uint32) []byte { return leb128.EncodeUint32(v) }
func i32leb(v int32) []byte {
	return leb128.EncodeInt32(v)
}

func section(id byte, content []byte) []byte {
	out := []byte{id}
	out = append(out, u32(uint32(len(content)))...)
	return append(out, content...)
}

func (b *wasmBuilder) build() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}

	var types []byte
	types = append(types, u32(uint32(len(b.types)))...)
	for _, t := range b.types {
		types = append(types, 0x60)
		types = append(types, u32(uint32(len(t.params)))...)
		types = append(types, t.params...)
		types = append(types, u32(uint32(len(t.results)))...)
		types = append(types, t.results...)
	}
	out = append(out, section(0x01, types)...)

	var funcSec []byte
	funcSec = append(funcSec, u32(uint32(len(b.funcs)))...)
	for _, f := range b.funcs {
		funcSec = append(funcSec, u32(f.typeIdx)...)
	}
	out = append(out, section(0x03, funcSec)...)

	if len(b.tableFn) > 0 {
		var table []byte
		table = append(table, u32(1)...)
		table = append(table, 0x70, 0x00) // funcref, min only
		table = append(table, u32(uint32(len(b.tableFn)))...)
		out = append(out, section(0x04, table)...)
	}

	if b.memory != nil {
		var mem []byte
		mem = append(mem, u32(1)...)
		if b.memory[1] == 0 {
			mem = append(mem, 0x00)
			mem = append(mem, u32(b.memory[0])...)
		} else {
			mem = append(mem, 0x01)
			mem = append(mem, u32(b.memory[0])...)
			mem = append(mem, u32(b.memory[1])...)
		}
		out = append(out, section(0x05, mem)...)
	}

	if len(b.exports) > 0 {
		var exp []byte
		exp = append(exp, u32(uint32(len(b.exports)))...)
		for _, e := range b.exports {
			exp = append(exp, u32(uint32(len(e.name)))...)
			exp = append(exp, e.name...)
			exp = append(exp, e.kind)
			exp = append(exp, u32(e.idx)...)
		}
		out = append(out, section(0x07, exp)...)
	}

	if len(b.tableFn) > 0 {
		var elem []byte
		elem = append(elem, u32(1)...)
		elem = append(elem, u32(0)...) // active, table 0
		elem = append(elem, 0x41)      // i32.const 0
		elem = append(elem, i32leb(0)...)
		elem = append(elem, 0x0B)
		elem = append(elem, u32(uint32(len(b.tableFn)))...)
		for _, fn := range b.tableFn {
			elem = append(elem, u32(fn)...)
		}
		out = append(out, section(0x09, elem)...)
	}

	var code []byte
	code = append(code, u32(uint32(len(b.funcs)))...)
	for _, f := range b.funcs {
		var body []byte
		body = append(body, u32(uint32(len(f.locals)))...)
		for _, lt := range f.locals {
			body = append(body, u32(1)...)
			body = append(body, lt)
		}
		body = append(body, f.body...)
		body = append(body, 0x0B) // End
		code = append(code, u32(uint32(len(body)))...)
		code = append(code, body...)
	}
	out = append(out, section(0x0A, code)...)

	return out
}
