package tvm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, i Instruction) {
	t.Helper()
	enc, err := i.Encode()
	require.NoError(t, err)
	dec, n, err := Decode(enc)
	require.NoError(t, err)
	require.Equal(t, len(enc), n, "consumed length must equal encoded length")
	require.Equal(t, i, dec)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Instruction{
		Trap(),
		Fallthrough(),
		Jump(-1234),
		Jump(0),
		JumpInd(3, 16),
		LoadImmJump(0, 4, -56),
		Ecalli(0),
		Ecalli(7),
		Ecalli(0xFFFF_FFFF),
		LoadImm(4, 42),
		LoadImm(4, 0),
		LoadImm(12, -1),
		LoadImm64(7, 0xDEAD_BEEF_CAFE_F00D),
		LoadImm64(0, 0),
		MoveReg(2, 9),
		Sbrk(8, 8),
		Add32(4, 2, 3),
		Add64(4, 2, 3),
		Sub32(12, 11, 10),
		SetLtU(4, 2, 3),
		SetLtS(4, 3, 2),
		SetLtUImm(4, 4, 1),
		AddImm32(2, 2, 0),
		AddImm64(1, 1, -40),
		AddImm64(1, 1, 1<<20),
		UnaryReg(OpSignExtend8, 2, 2),
		UnaryReg(OpZeroExtend16, 3, 4),
		UnaryReg(OpCountSetBits64, 4, 2),
		BinaryReg(OpRotR64, 4, 2, 3),
		BinaryReg(OpMulUpperSS, 4, 2, 3),
		BinaryReg(OpXnor, 4, 2, 3),
		LoadIndU64(2, 1, 8),
		LoadIndU64(2, 1, -16),
		LoadInd(OpLoadIndI16, 4, 2, 0x30000),
		StoreIndU64(1, 9, 24),
		StoreIndU8(2, 3, 0),
		StoreInd(OpStoreIndU32, 3, 2, 0x50000),
		BranchReg(OpBranchEq, 2, 3, -10),
		BranchReg(OpBranchGeU, 2, 3, 600),
		BranchImm(OpBranchEqImm, 2, 0, 12),
		BranchImm(OpBranchNeImm, 2, -1, -12),
		BranchImm(OpBranchLtSImm, 4, 123456, 80),
		NewOneRegOneImm(OpLoadU32, 4, 0x30000),
		NewTwoImm(OpStoreImmU32, 0x30010, -7),
		NewOneRegTwoImm(OpStoreImmIndU8, 2, 1, 0xFF),
		NewTwoRegTwoImm(OpLoadImmJumpInd, 0, 2, 4, 0),
	}
	for _, c := range cases {
		roundTrip(t, c)
	}
}

func TestImmediateLengthNegotiation(t *testing.T) {
	// Signed immediates take the minimum bytes that reproduce the
	// sign-extended value.
	require.Equal(t, 0, signedImmLen(0))
	require.Equal(t, 1, signedImmLen(1))
	require.Equal(t, 1, signedImmLen(-1))
	require.Equal(t, 1, signedImmLen(127))
	require.Equal(t, 2, signedImmLen(128))
	require.Equal(t, 1, signedImmLen(-128))
	require.Equal(t, 2, signedImmLen(-129))
	require.Equal(t, 2, signedImmLen(32767))
	require.Equal(t, 3, signedImmLen(32768))
	require.Equal(t, 3, signedImmLen(-(1 << 23)))
	require.Equal(t, 4, signedImmLen(1<<23))

	enc, err := LoadImm(2, 0).Encode()
	require.NoError(t, err)
	require.Equal(t, []byte{byte(OpLoadImm), 2}, enc, "zero immediate takes zero bytes")
}

func TestDecodeSignExtension(t *testing.T) {
	// 0x80 with bit 7 set decodes as -128, not 128.
	i, _, err := Decode([]byte{byte(OpLoadImm), 2, 0x80})
	require.NoError(t, err)
	require.Equal(t, int64(-128), i.Imm[0])

	i, _, err = Decode([]byte{byte(OpLoadImm), 2, 0x80, 0x00})
	require.NoError(t, err)
	require.Equal(t, int64(128), i.Imm[0])
}

func TestRegisterValidity(t *testing.T) {
	_, err := Instruction{Op: OpAdd32, Regs: [3]uint8{13, 0, 0}}.Encode()
	require.Error(t, err, "register 13 exceeds the register file")
	_, err = Instruction{Op: OpAdd32, Regs: [3]uint8{12, 12, 12}}.Encode()
	require.NoError(t, err)
}

func TestUnknownOpcodePassthrough(t *testing.T) {
	raw := []byte{0xFE}
	i, n, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, OpUnknown, i.Op)
	require.Equal(t, 1, n)
	enc, err := i.Encode()
	require.NoError(t, err)
	require.Equal(t, raw, enc)
}

func TestDestReg(t *testing.T) {
	reg, ok := Add32(4, 2, 3).DestReg()
	require.True(t, ok)
	require.Equal(t, uint8(4), reg)

	reg, ok = LoadIndU64(2, 1, 8).DestReg()
	require.True(t, ok)
	require.Equal(t, uint8(2), reg)

	_, ok = StoreIndU64(1, 2, 8).DestReg()
	require.False(t, ok)

	_, ok = Trap().DestReg()
	require.False(t, ok)

	_, ok = BranchImm(OpBranchEqImm, 2, 1, 0).DestReg()
	require.False(t, ok)
}
