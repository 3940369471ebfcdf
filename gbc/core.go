package gbc

import (
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"sync"

	"github.com/dmgo/dmgcore/gbc/cpu"
	"github.com/dmgo/dmgcore/gbc/memory"
	"github.com/dmgo/dmgcore/gbc/video"
)

// cyclesPerFrame is the number of T-cycles in one 59.7Hz DMG frame
// (154 scanlines * 456 dots).
const cyclesPerFrame = 70224

// DebuggerState represents the current debugger mode
type DebuggerState int

const (
	DebuggerRunning   DebuggerState = iota // Normal execution
	DebuggerPaused                         // Paused, waiting for commands
	DebuggerStep                           // Execute one instruction then pause
	DebuggerStepFrame                      // Execute one frame then pause
)

// Emulator is the single-threaded cooperative machine loop: it owns the CPU,
// GPU and bus, and advances every peripheral by exactly the cycle count the
// CPU reports for each instruction (or for each HALT/STOP tick).
type Emulator struct {
	cpu *cpu.CPU
	gpu *video.GPU
	mem *memory.MMU

	debuggerState    DebuggerState
	debuggerMutex    sync.RWMutex
	stepRequested    bool
	frameRequested   bool
	instructionCount uint64
	frameCount       uint64

	completionMaxFrames    uint64
	completionMinLoopCount int

	// runErr is set once the machine loop recovers an illegal opcode and
	// latches the loop to a stop; every subsequent RunUntilFrame/step call
	// becomes a no-op until the emulator is recreated.
	runErr error
}

func (e *Emulator) init(mem *memory.MMU) {
	e.cpu = cpu.New(mem)
	e.gpu = video.NewGpu(mem)
	e.mem = mem
}

// New creates an emulator instance with no cartridge inserted.
func New() *Emulator {
	e := &Emulator{}
	mmu, err := memory.NewWithCartridge(memory.NewCartridge())
	if err != nil {
		// NewCartridge's NoMBC placeholder can never fail to construct.
		panic(err)
	}
	e.init(mmu)

	return e
}

// NewWithFile creates an emulator instance and loads the ROM at path into it.
func NewWithFile(path string) (*Emulator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rom: %w", err)
	}

	cart, err := memory.NewCartridgeWithData(data)
	if err != nil {
		return nil, fmt.Errorf("parsing rom header: %w", err)
	}

	slog.Debug("loaded rom", "title", cart.Title(), "size", len(data))

	mmu, err := memory.NewWithCartridge(cart)
	if err != nil {
		return nil, err
	}

	e := &Emulator{}
	e.init(mmu)

	return e, nil
}

// step advances the machine by exactly one CPU instruction (or one 4-cycle
// tick while halted/stopped), ticking every peripheral uniformly by the
// returned cycle count. An illegal opcode (fail_bad_opcode) is recovered
// here rather than crashing the process: it latches e.runErr and reports
// zero cycles so the caller's loop unwinds cleanly.
func (e *Emulator) step() (cycles int) {
	if e.runErr != nil {
		return 0
	}
	defer func() {
		if r := recover(); r != nil {
			illegal, ok := r.(*cpu.IllegalOpcodeError)
			if !ok {
				panic(r)
			}
			e.runErr = illegal
			slog.Error("illegal opcode, stopping", "opcode", fmt.Sprintf("0x%02X", illegal.Opcode), "pc", fmt.Sprintf("0x%04X", illegal.PC))
			cycles = 0
		}
	}()

	cycles = e.cpu.Step()
	e.mem.Tick(cycles)
	e.gpu.Tick(cycles)
	e.instructionCount++
	return cycles
}

// RunUntilFrame advances the machine until one full frame (70224 cycles) has
// elapsed, honoring the debugger's pause/step/step-frame controls.
func (e *Emulator) RunUntilFrame() {
	if e.runErr != nil {
		return
	}

	e.debuggerMutex.RLock()
	state := e.debuggerState
	e.debuggerMutex.RUnlock()

	switch state {
	case DebuggerPaused:
		return

	case DebuggerStep:
		e.debuggerMutex.Lock()
		requested := e.stepRequested
		e.stepRequested = false
		e.debuggerMutex.Unlock()

		if !requested {
			return
		}

		oldPC := e.cpu.GetPC()
		e.step()
		slog.Debug("step executed", "pc", fmt.Sprintf("0x%04X", oldPC), "new_pc", fmt.Sprintf("0x%04X", e.cpu.GetPC()))
		e.SetDebuggerState(DebuggerPaused)

	case DebuggerStepFrame:
		e.debuggerMutex.Lock()
		requested := e.frameRequested
		e.frameRequested = false
		e.debuggerMutex.Unlock()

		if !requested {
			return
		}

		e.runFrame()
		slog.Debug("frame step completed", "frame", e.frameCount, "instructions", e.instructionCount)
		e.SetDebuggerState(DebuggerPaused)

	default:
		e.runFrame()
		if e.frameCount%60 == 0 {
			slog.Debug("frame completed", "frame", e.frameCount, "pc", fmt.Sprintf("0x%04X", e.cpu.GetPC()))
		}
	}
}

func (e *Emulator) runFrame() {
	total := 0
	for total < cyclesPerFrame {
		total += e.step()
		if e.runErr != nil {
			return
		}
	}
	e.frameCount++
}

// GetRunError returns the error that stopped the machine loop, if any (set
// when the CPU hits an illegal opcode). A non-nil result means the emulator
// has latched and every further RunUntilFrame call is a no-op.
func (e *Emulator) GetRunError() error {
	return e.runErr
}

func (e *Emulator) GetCurrentFrame() *video.FrameBuffer {
	return e.gpu.GetFrameBuffer()
}

// ConfigureCompletionDetection bounds a headless RunUntilComplete run: it runs
// at most maxFrames frames, stopping early once the rendered frame has stayed
// byte-identical for minLoopCount consecutive frames. Blargg's test ROMs print
// their result to the screen and then spin forever, so a static framebuffer is
// the signal that the test has finished. minLoopCount of 0 disables early exit.
func (e *Emulator) ConfigureCompletionDetection(maxFrames uint64, minLoopCount int) {
	e.completionMaxFrames = maxFrames
	e.completionMinLoopCount = minLoopCount
}

// RunUntilComplete runs frames until completion detection trips, per
// ConfigureCompletionDetection. With no configuration it runs a single frame.
func (e *Emulator) RunUntilComplete() {
	maxFrames := e.completionMaxFrames
	if maxFrames == 0 {
		maxFrames = 1
	}

	var lastHash uint64
	repeats := 0

	for e.frameCount < maxFrames {
		e.runFrame()

		if e.runErr != nil {
			return
		}

		if e.completionMinLoopCount <= 0 {
			continue
		}

		hash := hashFrame(e.gpu.GetFrameBuffer())
		if hash == lastHash {
			repeats++
			if repeats >= e.completionMinLoopCount {
				return
			}
		} else {
			repeats = 0
			lastHash = hash
		}
	}
}

func hashFrame(fb *video.FrameBuffer) uint64 {
	h := fnv.New64a()
	h.Write(fb.ToGrayscale())
	return h.Sum64()
}

func (e *Emulator) GetSamples(n int) []int16 {
	return e.mem.APU.GetSamples(n)
}

// SetSampleRate changes the host audio output rate; call before running any
// frames, since the APU latches samples on a cycles-per-sample schedule.
func (e *Emulator) SetSampleRate(rate int) {
	e.mem.APU.SetSampleRate(rate)
}

func (e *Emulator) HandleKeyPress(key memory.JoypadKey) {
	e.mem.HandleKeyPress(key)
}

func (e *Emulator) HandleKeyRelease(key memory.JoypadKey) {
	e.mem.HandleKeyRelease(key)
}

func (e *Emulator) GetCPU() *cpu.CPU {
	return e.cpu
}

func (e *Emulator) GetMMU() *memory.MMU {
	return e.mem
}

// Debugger control methods (supplemented feature: a host-facing convenience
// layer, not part of the cycle-exact core).

func (e *Emulator) SetDebuggerState(state DebuggerState) {
	e.debuggerMutex.Lock()
	defer e.debuggerMutex.Unlock()
	e.debuggerState = state
	slog.Debug("debugger state changed", "state", state)
}

func (e *Emulator) GetDebuggerState() DebuggerState {
	e.debuggerMutex.RLock()
	defer e.debuggerMutex.RUnlock()
	return e.debuggerState
}

func (e *Emulator) DebuggerPause() {
	e.SetDebuggerState(DebuggerPaused)
	slog.Info("emulator paused")
}

func (e *Emulator) DebuggerResume() {
	e.SetDebuggerState(DebuggerRunning)
	slog.Info("emulator resumed")
}

func (e *Emulator) DebuggerStepInstruction() {
	e.debuggerMutex.Lock()
	defer e.debuggerMutex.Unlock()
	e.stepRequested = true
	e.debuggerState = DebuggerStep
	slog.Info("step instruction requested")
}

func (e *Emulator) DebuggerStepFrame() {
	e.debuggerMutex.Lock()
	defer e.debuggerMutex.Unlock()
	e.frameRequested = true
	e.debuggerState = DebuggerStepFrame
	slog.Info("step frame requested")
}

func (e *Emulator) GetInstructionCount() uint64 {
	return e.instructionCount
}

func (e *Emulator) GetFrameCount() uint64 {
	return e.frameCount
}
