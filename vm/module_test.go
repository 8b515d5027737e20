package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func simpleModule() *Module {
	return &Module{
		Constants: []Constant{{Kind: ConstInt32, I32: 41}},
		Functions: []Function{
			{
				Name:          "main",
				RegisterCount: 2,
				Code: []Instruction{
					NewInstructionABx(OpLoadConst, 0, 0),
					NewInstructionABC(OpLoadInt, 1, 0, 0),
					NewInstructionABC(OpAdd, 0, 0, 1),
					NewInstructionABC(OpReturn, 0, 0, 1),
				},
			},
		},
		EntryFunc: 0,
	}
}

func TestVerifyModuleAcceptsWellFormed(t *testing.T) {
	m := simpleModule()
	assert.NoError(t, VerifyModule(m))
}

func TestVerifyModuleRejectsBadConstantIndex(t *testing.T) {
	m := simpleModule()
	m.Functions[0].Code[0] = NewInstructionABx(OpLoadConst, 0, 99)
	err := VerifyModule(m)
	require.Error(t, err)
}

func TestVerifyModuleRejectsBadJumpTarget(t *testing.T) {
	m := simpleModule()
	m.Functions[0].Code = append(m.Functions[0].Code, NewInstructionABx(OpJump, 0, 1000))
	err := VerifyModule(m)
	require.Error(t, err)
}

func TestVerifyModuleRejectsUnknownOpcode(t *testing.T) {
	m := simpleModule()
	m.Functions[0].Code[0] = Instruction(uint32(opcodeCount+1) << 24)
	err := VerifyModule(m)
	require.Error(t, err)
}

func TestVerifyModuleRejectsBadSuperIndex(t *testing.T) {
	m := simpleModule()
	m.Classes = []ClassDef{{Name: "Bad", SuperIndex: 0}}
	err := VerifyModule(m)
	require.Error(t, err)
}

func TestVerifyModuleRejectsRegisterOnlyOpInStackMode(t *testing.T) {
	m := simpleModule()
	m.Functions[0].StackMode = true
	m.Functions[0].Code = append(m.Functions[0].Code, NewInstructionABC(OpCallMethod, 0, 0, 0))
	err := VerifyModule(m)
	require.Error(t, err)
}

func TestInstructionEncoding(t *testing.T) {
	i := NewInstructionABC(OpAdd, 1, 2, 3)
	assert.Equal(t, OpAdd, i.Op())
	assert.EqualValues(t, 1, i.A())
	assert.EqualValues(t, 2, i.B())
	assert.EqualValues(t, 3, i.C())

	j := NewInstructionABx(OpJump, 0, 0xFFFE) // -2 as int16
	assert.Equal(t, int32(-2), j.SBx())
}
