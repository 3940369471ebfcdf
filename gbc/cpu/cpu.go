package cpu

import (
	"github.com/dmgo/dmgcore/gbc/addr"
	"github.com/dmgo/dmgcore/gbc/bit"
	"github.com/dmgo/dmgcore/gbc/memory"
)

// Flag is one of the 4 possible flags used in the flag register (low nibble
// is always zero on real hardware, so only the high nibble is meaningful).
type Flag uint8

const (
	zeroFlag      Flag = 0x80
	subFlag       Flag = 0x40
	halfCarryFlag Flag = 0x20
	carryFlag     Flag = 0x10
)

// interruptVectors holds the dispatch address for each of the 5 interrupt
// sources, in priority order (lowest bit wins when more than one is pending).
var interruptVectors = [5]uint16{0x40, 0x48, 0x50, 0x58, 0x60}

// CPU holds the full register file and scheduling state of the interpreter.
type CPU struct {
	bus *memory.MMU

	a, b, c, d, e, h, l, f uint8
	sp, pc                 uint16

	currentOpcode uint16

	interruptsEnabled bool
	eiPending         bool
	halted            bool
	haltBug           bool
	stopped           bool

	cycles uint64
}

// New returns a CPU wired to the given bus, initialized to the state the
// boot ROM leaves behind immediately before jumping to 0x0100.
func New(bus *memory.MMU) *CPU {
	return &CPU{
		bus: bus,
		a:   0x01, f: 0xB0,
		b: 0x00, c: 0x13,
		d: 0x00, e: 0xD8,
		h: 0x01, l: 0x4D,
		sp: 0xFFFE,
		pc: 0x0100,
	}
}

// SetPC overrides the program counter, used by test-ROM harnesses that skip the boot sequence.
func (c *CPU) SetPC(pc uint16) { c.pc = pc }

// Registers exposes the register file as a flat snapshot for debug tooling.
type Registers struct {
	A, B, C, D, E, H, L, F uint8
	SP, PC                 uint16
}

func (c *CPU) Snapshot() Registers {
	return Registers{A: c.a, B: c.b, C: c.c, D: c.d, E: c.e, H: c.h, L: c.l, F: c.f, SP: c.sp, PC: c.pc}
}

func (c *CPU) Halted() bool   { return c.halted }
func (c *CPU) Cycles() uint64 { return c.cycles }

// The Get* accessors below exist for debug tooling (terminal renderer,
// disassembler) that wants a single register at a time instead of a full
// Snapshot.
func (c *CPU) GetA() uint8    { return c.a }
func (c *CPU) GetB() uint8    { return c.b }
func (c *CPU) GetC() uint8    { return c.c }
func (c *CPU) GetD() uint8    { return c.d }
func (c *CPU) GetE() uint8    { return c.e }
func (c *CPU) GetH() uint8    { return c.h }
func (c *CPU) GetL() uint8    { return c.l }
func (c *CPU) GetF() uint8    { return c.f }
func (c *CPU) GetSP() uint16  { return c.sp }
func (c *CPU) GetPC() uint16  { return c.pc }

// GetFlagString renders the flag register as the conventional ZNHC letters,
// dash for a clear flag, useful for the register panel in a debugger.
func (c *CPU) GetFlagString() string {
	flag := func(set Flag, letter byte) byte {
		if c.isSetFlag(set) {
			return letter
		}
		return '-'
	}
	return string([]byte{
		flag(zeroFlag, 'Z'),
		flag(subFlag, 'N'),
		flag(halfCarryFlag, 'H'),
		flag(carryFlag, 'C'),
	})
}

func (c *CPU) setFlag(flag Flag) {
	c.f |= uint8(flag)
}

func (c *CPU) resetFlag(flag Flag) {
	c.f &^= uint8(flag)
}

func (c *CPU) setFlagToCondition(flag Flag, condition bool) {
	if condition {
		c.setFlag(flag)
	} else {
		c.resetFlag(flag)
	}
}

func (c *CPU) isSetFlag(flag Flag) bool {
	return c.f&uint8(flag) != 0
}

// flagToBit returns 1 if the flag is set, 0 otherwise - used by the rotate-through-carry ops.
func (c *CPU) flagToBit(flag Flag) uint8 {
	if c.isSetFlag(flag) {
		return 1
	}
	return 0
}

func (c *CPU) getAF() uint16 { return bit.Combine(c.a, c.f) }
func (c *CPU) getBC() uint16 { return bit.Combine(c.b, c.c) }
func (c *CPU) getDE() uint16 { return bit.Combine(c.d, c.e) }
func (c *CPU) getHL() uint16 { return bit.Combine(c.h, c.l) }

func (c *CPU) setAF(v uint16) { c.a = bit.High(v); c.f = bit.Low(v) & 0xF0 }
func (c *CPU) setBC(v uint16) { c.b = bit.High(v); c.c = bit.Low(v) }
func (c *CPU) setDE(v uint16) { c.d = bit.High(v); c.e = bit.Low(v) }
func (c *CPU) setHL(v uint16) { c.h = bit.High(v); c.l = bit.Low(v) }

// readImmediate fetches the byte at PC and advances PC by one.
func (c *CPU) readImmediate() uint8 {
	value := c.bus.Read(c.pc)
	c.pc++
	return value
}

// readImmediateWord fetches the little-endian word at PC and advances PC by two.
func (c *CPU) readImmediateWord() uint16 {
	low := c.readImmediate()
	high := c.readImmediate()
	return bit.Combine(high, low)
}

// readSignedImmediate fetches a signed displacement byte, used by JR and the SP+r8 family.
func (c *CPU) readSignedImmediate() int8 {
	return int8(c.readImmediate())
}

// interruptPending reports whether any enabled interrupt source currently has its flag set,
// regardless of IME - used to decide whether HALT should wake up.
func (c *CPU) interruptPending() bool {
	return c.bus.Read(addr.IF)&c.bus.Read(addr.IE)&0x1F != 0
}

// handleInterrupts checks for a pending, enabled interrupt and dispatches the
// highest-priority one if IME is set. It returns whether any interrupt source
// is pending at all (used by the HALT wake-up path regardless of IME).
func (c *CPU) handleInterrupts() bool {
	ifReg := c.bus.Read(addr.IF)
	ieReg := c.bus.Read(addr.IE)
	pending := ifReg & ieReg & 0x1F

	if pending == 0 {
		return false
	}

	if !c.interruptsEnabled {
		return true
	}

	for i := uint8(0); i < 5; i++ {
		if pending&(1<<i) == 0 {
			continue
		}

		c.interruptsEnabled = false
		c.bus.Write(addr.IF, ifReg&^(1<<i))
		c.pushStack(c.pc)
		c.pc = interruptVectors[i]
		c.cycles += 20
		return true
	}

	return true
}

// Step fetches, decodes and executes exactly one instruction (or advances
// peripherals by 4 cycles while HALTed/STOPped), returning the number of
// T-cycles consumed so the caller can tick the rest of the machine.
func (c *CPU) Step() int {
	before := c.cycles
	wasPending := c.handleInterrupts()
	// cycles spent dispatching an interrupt (0 when none was serviced)
	dispatch := int(c.cycles - before)

	if c.halted {
		if wasPending {
			c.halted = false
			if !c.interruptsEnabled {
				c.haltBug = true
			}
		} else {
			return 4
		}
	}

	if c.stopped {
		return 4 + dispatch
	}

	if c.eiPending {
		c.eiPending = false
		c.interruptsEnabled = true
	}

	op := Decode(c)

	length := opcodeLength(c.currentOpcode)
	if c.haltBug {
		// the byte following HALT is fetched without PC advancing once,
		// so the same byte gets executed again on the next Step.
		c.haltBug = false
		length = 0
	}
	c.pc += uint16(length)

	return op(c) + dispatch
}

// opcodeLength returns how many bytes (including the opcode itself, and the
// CB prefix byte when present) the instruction occupies before its operands
// are read by the opcode body via readImmediate/readImmediateWord.
func opcodeLength(opcode uint16) int {
	if opcode&0xFF00 == 0xCB00 {
		return 2
	}
	return 1
}
