package wasm

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tomusdrw/wasm-pvm-sub000/internal/leb128"
)

// section builds a section with the given id and raw content.
func section(id byte, content []byte) []byte {
	out := []byte{id}
	out = append(out, leb128.EncodeUint32(uint32(len(content)))...)
	return append(out, content...)
}

func vec(items ...[]byte) []byte {
	out := leb128.EncodeUint32(uint32(len(items)))
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

func str(s string) []byte {
	out := leb128.EncodeUint32(uint32(len(s)))
	return append(out, []byte(s)...)
}

func header() []byte {
	return []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}
}

// buildMinimalModule assembles a module exporting "main" as a nullary
// i32-returning function with a single i32.const/return body.
func buildMinimalModule(t *testing.T) []byte {
	t.Helper()
	b := header()

	// Type section: type 0 = () -> (i32)
	oneType := append([]byte{0x60}, vec()...) // params: none
	oneType = append(oneType, vec([]byte{byte(ValueTypeI32)})...)
	b = append(b, section(1, vec(oneType))...)

	// Function section: func 0 -> type 0
	b = append(b, section(3, vec(leb128.EncodeUint32(0)))...)

	// Export section: "main" -> func 0
	exportEntry := append(str("main"), 0x00)
	exportEntry = append(exportEntry, leb128.EncodeUint32(0)...)
	b = append(b, section(7, vec(exportEntry))...)

	// Code section: func 0 body = i32.const 42; end
	body := []byte{0x00} // no locals groups
	body = append(body, 0x41)
	body = append(body, leb128.EncodeInt32(42)...)
	body = append(body, 0x0B) // end
	codeEntry := leb128.EncodeUint32(uint32(len(body)))
	codeEntry = append(codeEntry, body...)
	b = append(b, section(10, vec(codeEntry))...)

	return b
}

func TestDecodeMinimalModule(t *testing.T) {
	raw := buildMinimalModule(t)
	m, err := Decode(raw)
	require.NoError(t, err)
	require.Len(t, m.TypeSection, 1)
	require.Empty(t, m.TypeSection[0].Params)
	require.Equal(t, []ValueType{ValueTypeI32}, m.TypeSection[0].Results)
	require.Len(t, m.CodeSection, 1)
	require.True(t, m.EntryFunctionFound)
	require.Equal(t, Index(0), m.EntryFunctionIndex)
	require.False(t, m.HasSecondaryEntry)
	require.True(t, m.ReturnsPtrLen(m.EntryFunctionIndex) == false)

	ops, err := DecodeOperators(m.CodeSection[0].Body)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	require.Equal(t, OpI32Const, ops[0].Op)
	require.Equal(t, int64(42), ops[0].ConstI64)
	require.Equal(t, OpEnd, ops[1].Op)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	_, err := Decode([]byte{0, 0, 0, 0, 1, 0, 0, 0})
	require.Error(t, err)
}

func TestDecodeDefaultsEntryWithoutMainExport(t *testing.T) {
	b := header()
	oneType := append([]byte{0x60}, vec()...)
	oneType = append(oneType, vec()...)
	b = append(b, section(1, vec(oneType))...)
	b = append(b, section(3, vec(leb128.EncodeUint32(0)))...)
	body := []byte{0x00, 0x0B}
	codeEntry := append(leb128.EncodeUint32(uint32(len(body))), body...)
	b = append(b, section(10, vec(codeEntry))...)

	m, err := Decode(b)
	require.NoError(t, err)
	require.True(t, m.EntryFunctionFound)
	require.Equal(t, Index(0), m.EntryFunctionIndex)
}

func TestDecodeLegacyReturnGlobals(t *testing.T) {
	b := header()
	oneType := append([]byte{0x60}, vec()...)
	oneType = append(oneType, vec()...)
	b = append(b, section(1, vec(oneType))...)
	b = append(b, section(3, vec(leb128.EncodeUint32(0)))...)

	g1 := append([]byte{byte(ValueTypeI32), 0x01}, 0x41)
	g1 = append(g1, leb128.EncodeInt32(0)...)
	g1 = append(g1, 0x0B)
	g2 := append([]byte{byte(ValueTypeI32), 0x01}, 0x41)
	g2 = append(g2, leb128.EncodeInt32(0)...)
	g2 = append(g2, 0x0B)
	b = append(b, section(6, vec(g1, g2))...)

	exportEntry := append(str("main"), 0x00)
	exportEntry = append(exportEntry, leb128.EncodeUint32(0)...)
	b = append(b, section(7, vec(exportEntry))...)

	body := []byte{0x00, 0x0B}
	codeEntry := append(leb128.EncodeUint32(uint32(len(body))), body...)
	b = append(b, section(10, vec(codeEntry))...)

	m, err := Decode(b)
	require.NoError(t, err)
	require.True(t, m.HasLegacyReturn)
	require.Equal(t, Index(0), m.ResultPtrGlobal)
	require.Equal(t, Index(1), m.ResultLenGlobal)
}
