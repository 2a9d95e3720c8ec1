// emulator.go - the emulator core: owns every component's lifecycle,
// wires them together in the fixed initialization order, and drives the
// guest CPU thread (C12).
//
// The run-thread start/stop pattern is grounded on cpu_x86_runner.go's
// StartExecution/Stop: an execActive flag plus a done channel, so Stop
// blocks until the guest thread has actually exited.
//
// (c) 2026 - GPLv3 or later

package main

import (
	"fmt"
	"path/filepath"
	"sync"
)

func parentDir(path string) string {
	dir := filepath.Dir(path)
	if dir == "" {
		return "."
	}
	return dir
}

// EmuState is the emulator-core lifecycle state (spec.md §3/§4.10).
type EmuState int

const (
	EmuIdle EmuState = iota
	EmuBooting
	EmuRunning
	EmuPaused
	EmuStopping
	EmuError
)

func (s EmuState) String() string {
	switch s {
	case EmuIdle:
		return "Idle"
	case EmuBooting:
		return "Booting"
	case EmuRunning:
		return "Running"
	case EmuPaused:
		return "Paused"
	case EmuStopping:
		return "Stopping"
	case EmuError:
		return "Error"
	default:
		return "Unknown"
	}
}

// StateCallback is invoked on every lifecycle transition with a
// human-readable detail message.
type StateCallback func(state EmuState, detail string)

const stackTop = 0x7FFF_FFFF_F000
const stackReserve = 4096

// EmulatorCore owns every component and drives the guest CPU thread.
type EmulatorCore struct {
	log   *Logger
	mem   *GuestMemory
	cpu   *CPU
	disp  *SyscallDispatcher
	vfs   *VFS
	input *InputRegistry
	audio *AudioRegistry
	queue *RenderCommandQueue
	gpu   *GPUCommandParser
	hle   *HLEModules
	ldr   *Loader

	mu         sync.Mutex
	state      EmuState
	stateCb    StateCallback
	execActive bool
	execDone   chan struct{}
}

// NewEmulatorCore constructs an idle, uninitialized core.
func NewEmulatorCore() *EmulatorCore {
	return &EmulatorCore{log: NewLogger(), state: EmuIdle}
}

// SetStateCallback installs the single state-change callback slot.
func (e *EmulatorCore) SetStateCallback(cb StateCallback) {
	e.mu.Lock()
	e.stateCb = cb
	e.mu.Unlock()
}

// SetLogSink installs the single log-message callback slot.
func (e *EmulatorCore) SetLogSink(sink LogSink) {
	e.log.SetSink(sink)
}

func (e *EmulatorCore) setState(s EmuState, detail string) {
	e.mu.Lock()
	e.state = s
	cb := e.stateCb
	e.mu.Unlock()
	if cb != nil {
		cb(s, detail)
	}
}

// State reports the current lifecycle state.
func (e *EmulatorCore) State() EmuState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Initialize wires every component in a fixed order: Guest Memory → CPU
// Interpreter → Syscall Dispatcher → VFS → Input registry → Audio init →
// render queue, GPU parser and loader → HLE module registration. HLE
// registration comes last because the handlers hold the VFS, input, audio
// and GPU components. Idle -> Booting -> Idle on success, Idle -> Error on
// failure.
func (e *EmulatorCore) Initialize() error {
	e.setState(EmuBooting, "initializing guest execution substrate")

	mem, degraded := NewGuestMemory()
	if degraded {
		e.log.Warningf("Emulator", "arena allocation degraded to fallback size")
	}
	e.mem = mem

	e.cpu = NewCPU(e.mem, e.log)

	e.disp = NewSyscallDispatcher(e.mem, e.log)
	e.cpu.SetSyscallHandler(e.disp.Dispatch)

	e.vfs = NewVFS(e.log)
	e.input = NewInputRegistry()

	otoCtx, err := OpenOtoContext()
	if err != nil {
		e.log.Warningf("Emulator", "audio sink init failed, running with a null sink: %v", err)
		otoCtx = nil
	}
	e.audio = NewAudioRegistry(otoCtx, e.log)

	e.queue = NewRenderCommandQueue()
	e.gpu = NewGPUCommandParser(e.mem, e.queue, e.log)
	e.ldr = NewLoader(e.mem, e.log)

	e.hle = NewHLEModules(e.mem, e.vfs, e.input, e.audio, e.gpu, e.queue, e.log)
	e.hle.RegisterAll(e.disp)

	e.setState(EmuIdle, "initialization complete")
	return nil
}

// Shutdown tears down every component that owns host resources.
func (e *EmulatorCore) Shutdown() {
	_ = e.Stop()
	if e.audio != nil {
		e.audio.Shutdown()
	}
	e.setState(EmuIdle, "shutdown complete")
}

// LoadGame mounts the game's parent directory at /app0 and /hostapp,
// invokes the loader, and positions RIP/RSP/RBP on success.
func (e *EmulatorCore) LoadGame(path string) (uint64, error) {
	parent := parentDir(path)
	if err := e.vfs.Mount("/app0", parent); err != nil {
		e.setState(EmuError, fmt.Sprintf("mount /app0 failed: %v", err))
		return 0, err
	}
	if err := e.vfs.Mount("/hostapp", parent); err != nil {
		e.setState(EmuError, fmt.Sprintf("mount /hostapp failed: %v", err))
		return 0, err
	}

	result, err := e.ldr.LoadFile(path)
	if err != nil {
		e.setState(EmuError, fmt.Sprintf("load failed: %v", err))
		return 0, err
	}

	e.cpu.SetEntry(result.EntryPoint)
	e.cpu.SetReg(RegRSP, stackTop-stackReserve)
	e.cpu.SetReg(RegRBP, stackTop-stackReserve)
	return result.EntryPoint, nil
}

// LoadInternalBIOS writes the synthetic BIOS payload at 0x400000 and
// positions the instruction pointer at its entry.
func (e *EmulatorCore) LoadInternalBIOS() (uint64, error) {
	entry, err := WriteInternalBIOS(e.mem)
	if err != nil {
		e.setState(EmuError, fmt.Sprintf("internal BIOS write failed: %v", err))
		return 0, err
	}
	e.cpu.SetEntry(entry)
	e.cpu.SetReg(RegRSP, stackTop-stackReserve)
	e.cpu.SetReg(RegRBP, stackTop-stackReserve)
	return entry, nil
}

// Run starts the guest CPU thread if it is not already running.
func (e *EmulatorCore) Run() bool {
	e.mu.Lock()
	if e.execActive {
		e.mu.Unlock()
		return false
	}
	e.execActive = true
	e.execDone = make(chan struct{})
	done := e.execDone
	e.mu.Unlock()

	e.setState(EmuRunning, "guest CPU thread started")
	go func() {
		defer func() {
			e.mu.Lock()
			e.execActive = false
			close(done)
			e.mu.Unlock()
		}()
		if err := e.cpu.RunLoop(); err != nil {
			e.setState(EmuError, err.Error())
			return
		}
		if e.cpu.State() != StatePaused {
			e.setState(EmuIdle, "guest CPU thread exited")
		}
	}()
	return true
}

// Pause requests the guest CPU thread idle at the next instruction
// boundary.
func (e *EmulatorCore) Pause() bool {
	if e.cpu == nil {
		return false
	}
	e.cpu.Pause()
	e.setState(EmuPaused, "paused")
	return true
}

// TogglePause flips between Running and Paused.
func (e *EmulatorCore) TogglePause() bool {
	if e.cpu == nil {
		return false
	}
	if e.State() == EmuPaused {
		e.cpu.Resume()
		e.setState(EmuRunning, "resumed")
		return true
	}
	return e.Pause()
}

// Stop requests the guest CPU thread exit and blocks until it has.
func (e *EmulatorCore) Stop() bool {
	e.mu.Lock()
	if !e.execActive {
		e.mu.Unlock()
		return false
	}
	done := e.execDone
	e.mu.Unlock()

	e.setState(EmuStopping, "stopping guest CPU thread")
	if e.cpu != nil {
		e.cpu.Stop()
	}
	<-done
	return true
}
