package asmx64

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAssembler_StandaloneAndRegReg(t *testing.T) {
	a := NewAssembler()
	a.CompileRegisterToRegister(MOVQ, S64, RAX, RCX)
	a.CompileStandAlone(RET)

	code, err := a.Assemble()
	require.NoError(t, err)
	require.NotEmpty(t, code)
	// Last byte must be the RET opcode.
	require.Equal(t, byte(0xc3), code[len(code)-1])
}

func TestAssembler_ForwardJumpPatchesCorrectOffset(t *testing.T) {
	a := NewAssembler()
	target := a.NewLabel()
	a.CompileJump(target)
	a.CompileStandAlone(NOP)
	a.CompileStandAlone(NOP)
	a.BindLabel(target)
	a.CompileStandAlone(RET)

	code, err := a.Assemble()
	require.NoError(t, err)

	// JMP rel32 is 5 bytes (0xe9 + 4-byte rel32); two NOPs follow before the
	// label, so the rel32 field must encode +2.
	require.Equal(t, byte(0xe9), code[0])
	rel := int32(code[1]) | int32(code[2])<<8 | int32(code[3])<<16 | int32(code[4])<<24
	require.Equal(t, int32(2), rel)
}

func TestAssembler_BackwardJumpPatchesNegativeOffset(t *testing.T) {
	a := NewAssembler()
	loop := a.NewLabel()
	a.BindLabel(loop)
	a.CompileStandAlone(NOP)
	a.CompileJumpIf(CondNE, loop)

	code, err := a.Assemble()
	require.NoError(t, err)

	// nop(1) + jcc-rel32(2 opcode + 4 rel32) = 7 bytes total; the jump
	// target is offset 0, and rel32 is relative to the end of the rel32
	// field (offset 7), so rel = 0 - 7 = -7.
	require.Len(t, code, 7)
	rel := int32(code[3]) | int32(code[4])<<8 | int32(code[5])<<16 | int32(code[6])<<24
	require.Equal(t, int32(-7), rel)
}

func TestAssembler_UnboundLabelIsAnError(t *testing.T) {
	a := NewAssembler()
	a.CompileJump(a.NewLabel())

	_, err := a.Assemble()
	require.Error(t, err)
}

func TestAssembler_ConstToRegisterAndMemoryForms(t *testing.T) {
	a := NewAssembler()
	a.CompileConstToRegister(ADDQ, S64, 42, RAX)
	a.CompileRegisterToMemory(MOVQ, S64, RAX, VMContextRegister, 16)
	a.CompileMemoryToRegister(MOVQ, S64, VMContextRegister, 16, RCX)

	code, err := a.Assemble()
	require.NoError(t, err)
	require.NotEmpty(t, code)
}

func TestAssembler_DeterministicOutput(t *testing.T) {
	build := func() []byte {
		a := NewAssembler()
		l := a.NewLabel()
		a.CompileConstToRegister(ADDQ, S32, 7, RBX)
		a.CompileJump(l)
		a.BindLabel(l)
		a.CompileStandAlone(RET)
		code, err := a.Assemble()
		require.NoError(t, err)
		return code
	}

	require.Equal(t, build(), build())
}

func TestAssembler_MovImm64MarkRecoversImmediateOffset(t *testing.T) {
	a := NewAssembler()
	a.CompileStandAlone(NOP)
	mark := a.Mark()
	a.CompileMovImm64(R9, 0x1122334455667788)
	a.CompileCallRegister(R9)

	code, err := a.Assemble()
	require.NoError(t, err)

	off := a.OffsetAt(mark)
	require.Equal(t, uint32(1), off) // after the single leading NOP
	imm := code[off+2 : off+10]
	require.Equal(t, uint64(0x1122334455667788), binary.LittleEndian.Uint64(imm))
}

func TestAssembler_SetccProducesCleanZeroOrOne(t *testing.T) {
	a := NewAssembler()
	a.CompileConstToRegister(CMPQ, S64, 0, RAX)
	a.CompileSetcc(CondE, RCX)
	a.CompileStandAlone(RET)

	code, err := a.Assemble()
	require.NoError(t, err)
	require.NotEmpty(t, code)
}

func TestAssembler_CallRegisterAndZeroRange(t *testing.T) {
	a := NewAssembler()
	a.CompileCallRegister(RAX)
	a.CompileZeroRange(VMContextRegister, 0, 4)
	a.CompileStandAlone(RET)

	code, err := a.Assemble()
	require.NoError(t, err)
	require.NotEmpty(t, code)
}
