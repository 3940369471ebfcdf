package gbc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dmgo/dmgcore/gbc/cpu"
)

func TestEmulator_IllegalOpcodeStopsCleanly(t *testing.T) {
	emu := New()
	emu.GetCPU().SetPC(0xC000)
	emu.GetMMU().Write(0xC000, 0xD3) // illegal opcode

	assert.NotPanics(t, func() {
		emu.RunUntilFrame()
	})

	err := emu.GetRunError()
	assert.Error(t, err)

	var illegal *cpu.IllegalOpcodeError
	assert.True(t, errors.As(err, &illegal))
	assert.Equal(t, uint16(0xD3), illegal.Opcode)
	assert.Equal(t, uint16(0xC000), illegal.PC)

	// Further calls are no-ops once the loop has latched on the error.
	frameCountBefore := emu.GetFrameCount()
	emu.RunUntilFrame()
	assert.Equal(t, frameCountBefore, emu.GetFrameCount())
}
