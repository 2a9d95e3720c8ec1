// cpu.go - x86-64 interpretive CPU: fetch-decode-execute over a small
// opcode subset, with REX-prefix decoding and SYSCALL dispatch (C7).
//
// Grounded on the teacher's cpu_x86.go dispatch-loop shape (prefix
// consumption, opcode switch, "undefined opcode -> log and continue/halt"
// policy) and cpu_x86_runner.go's start/stop/join pattern, generalized from
// 32-bit non-REX decoding to 64-bit REX-prefixed decoding with a far
// smaller instruction set.
//
// (c) 2026 - GPLv3 or later

package main

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Register indices follow x86-64 encoding order, not name order.
const (
	RegRAX = iota
	RegRCX
	RegRDX
	RegRBX
	RegRSP
	RegRBP
	RegRSI
	RegRDI
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15
)

// RFLAGS bit positions.
const (
	FlagCF = 1 << 0
	FlagPF = 1 << 2
	FlagAF = 1 << 4
	FlagZF = 1 << 6
	FlagSF = 1 << 7
	FlagTF = 1 << 8
	FlagIF = 1 << 9
	FlagDF = 1 << 10
	FlagOF = 1 << 11
)

const (
	resetRFlags = 0x202
	resetMXCSR  = 0x1F80
)

// CPUState is the execution-state enum from spec.md §3.
type CPUState int32

const (
	StateStopped CPUState = iota
	StateRunning
	StatePaused
	StateHalted
	StateFaulted
)

func (s CPUState) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StateRunning:
		return "Running"
	case StatePaused:
		return "Paused"
	case StateHalted:
		return "Halted"
	case StateFaulted:
		return "Faulted"
	default:
		return "Unknown"
	}
}

// Context is the CPU register file. A context_snapshot is always a by-value
// copy of this struct — never a live borrow across a step.
type Context struct {
	GPR    [16]uint64
	RIP    uint64
	RFlags uint64
	XMM    [16][2]uint64
	MXCSR  uint32
	Seg    [6]uint16 // CS, DS, ES, FS, GS, SS
}

// SyscallHandler is invoked on the 0F 05 opcode with the context by mutable
// reference and guest memory, and is expected to write its result into
// RAX. Wired in by the Emulator Core from the System-Call Dispatcher (C8).
type SyscallHandler func(ctx *Context, mem *GuestMemory)

// CPU is the interpretive x86-64 core. Pause/Resume/Stop are lock-free and
// may be called from any thread; Reset may also be called from any thread
// but takes the context mutex, so it waits for an in-flight Step. Step and
// RunLoop are meant to be called only from the guest CPU thread.
type CPU struct {
	mem *GuestMemory
	log *Logger
	once *onceLogger

	mu  sync.Mutex // guards ctx for snapshot consistency across a step
	ctx Context

	state      atomic.Int32
	paused     atomic.Bool
	shouldStop atomic.Bool

	syscall SyscallHandler
}

// NewCPU creates a CPU bound to guest memory, in the Stopped state with a
// reset context.
func NewCPU(mem *GuestMemory, log *Logger) *CPU {
	c := &CPU{mem: mem, log: log, once: newOnceLogger(log)}
	c.resetContextLocked()
	c.state.Store(int32(StateStopped))
	return c
}

// SetSyscallHandler wires the syscall dispatcher's entry point.
func (c *CPU) SetSyscallHandler(h SyscallHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syscall = h
}

func (c *CPU) resetContextLocked() {
	c.ctx = Context{}
	c.ctx.RFlags = resetRFlags
	c.ctx.MXCSR = resetMXCSR
}

// Reset clears the context and returns the CPU to Stopped.
func (c *CPU) Reset() {
	c.mu.Lock()
	c.resetContextLocked()
	c.mu.Unlock()
	c.paused.Store(false)
	c.shouldStop.Store(false)
	c.state.Store(int32(StateStopped))
}

// State reports the current execution state.
func (c *CPU) State() CPUState { return CPUState(c.state.Load()) }

// ContextSnapshot returns a by-value copy of the register context.
func (c *CPU) ContextSnapshot() Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

// SetEntry sets the instruction pointer, used by the loader/emulator core
// after a successful load.
func (c *CPU) SetEntry(rip uint64) {
	c.mu.Lock()
	c.ctx.RIP = rip
	c.mu.Unlock()
}

// SetReg sets a GPR by x86-64 encoding index.
func (c *CPU) SetReg(idx int, v uint64) {
	c.mu.Lock()
	c.ctx.GPR[idx] = v
	c.mu.Unlock()
}

// Pause requests the run loop idle between instructions. Lock-free.
func (c *CPU) Pause() { c.paused.Store(true) }

// Resume clears a pending pause request. Lock-free.
func (c *CPU) Resume() { c.paused.Store(false) }

// Stop requests the run loop exit at the next instruction boundary.
// Lock-free.
func (c *CPU) Stop() { c.shouldStop.Store(true) }

func (c *CPU) fault(err error) {
	c.log.Errorf("CPU", "fault at RIP=0x%016X: %v", c.ctx.RIP, err)
	c.state.Store(int32(StateFaulted))
}

func (c *CPU) fetch8() (byte, bool) {
	b, err := c.mem.Read8(c.ctx.RIP)
	if err != nil {
		c.fault(err)
		return 0, false
	}
	c.ctx.RIP++
	return b, true
}

func (c *CPU) fetch32() (uint32, bool) {
	v, err := c.mem.Read32(c.ctx.RIP)
	if err != nil {
		c.fault(err)
		return 0, false
	}
	c.ctx.RIP += 4
	return v, true
}

func (c *CPU) fetch64() (uint64, bool) {
	v, err := c.mem.Read64(c.ctx.RIP)
	if err != nil {
		c.fault(err)
		return 0, false
	}
	c.ctx.RIP += 8
	return v, true
}

func (c *CPU) push64(v uint64) bool {
	c.ctx.GPR[RegRSP] -= 8
	if err := c.mem.Write64(c.ctx.GPR[RegRSP], v); err != nil {
		c.fault(err)
		return false
	}
	return true
}

func (c *CPU) pop64() (uint64, bool) {
	v, err := c.mem.Read64(c.ctx.GPR[RegRSP])
	if err != nil {
		c.fault(err)
		return 0, false
	}
	c.ctx.GPR[RegRSP] += 8
	return v, true
}

type rexPrefix struct {
	present    bool
	w, r, x, b bool
}

// Step executes one instruction, returning 0 on halt or fault and a
// cycles-consumed count of at least 1 otherwise.
func (c *CPU) Step() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	opcode, ok := c.fetch8()
	if !ok {
		return 0
	}

	var rex rexPrefix
	if opcode >= 0x40 && opcode <= 0x4F {
		rex = rexPrefix{present: true, w: opcode&0x08 != 0, r: opcode&0x04 != 0, x: opcode&0x02 != 0, b: opcode&0x01 != 0}
		opcode, ok = c.fetch8()
		if !ok {
			return 0
		}
	}

	switch {
	case opcode == 0x90:
		// NOP: advance instruction pointer only (already advanced by fetch8).

	case opcode == 0xC3:
		ret, ok := c.pop64()
		if !ok {
			return 0
		}
		c.ctx.RIP = ret

	case opcode == 0xE9:
		rel, ok := c.fetch32()
		if !ok {
			return 0
		}
		c.ctx.RIP = uint64(int64(c.ctx.RIP) + int64(int32(rel)))

	case opcode == 0xE8:
		rel, ok := c.fetch32()
		if !ok {
			return 0
		}
		if !c.push64(c.ctx.RIP) {
			return 0
		}
		c.ctx.RIP = uint64(int64(c.ctx.RIP) + int64(int32(rel)))

	case opcode >= 0x50 && opcode <= 0x57:
		idx := int(opcode-0x50) + regExt(rex.b)
		if !c.push64(c.ctx.GPR[idx]) {
			return 0
		}

	case opcode >= 0x58 && opcode <= 0x5F:
		idx := int(opcode-0x58) + regExt(rex.b)
		v, ok := c.pop64()
		if !ok {
			return 0
		}
		c.ctx.GPR[idx] = v

	case opcode == 0xC7:
		modrm, ok := c.fetch8()
		if !ok {
			return 0
		}
		mod := modrm >> 6
		reg := (modrm >> 3) & 0x7
		rm := modrm & 0x7
		if mod != 0x3 || reg != 0x0 {
			c.once.warnOnce("c7-memop", "CPU", "MOV r/m64, imm32 with a memory operand is unsupported at RIP=0x%016X", c.ctx.RIP-2)
			break
		}
		idx := int(rm) + regExt(rex.b)
		imm, ok := c.fetch32()
		if !ok {
			return 0
		}
		if rex.w {
			c.ctx.GPR[idx] = uint64(int64(int32(imm)))
		} else {
			c.ctx.GPR[idx] = uint64(imm)
		}

	case opcode >= 0xB8 && opcode <= 0xBF:
		idx := int(opcode-0xB8) + regExt(rex.b)
		if rex.w {
			imm, ok := c.fetch64()
			if !ok {
				return 0
			}
			c.ctx.GPR[idx] = imm
		} else {
			imm, ok := c.fetch32()
			if !ok {
				return 0
			}
			c.ctx.GPR[idx] = uint64(imm)
		}

	case opcode == 0xF4:
		c.state.Store(int32(StateHalted))
		return 0

	case opcode == 0x0F:
		second, ok := c.fetch8()
		if !ok {
			return 0
		}
		if second == 0x05 {
			c.doSyscallLocked()
		} else {
			c.once.warnOnce(fmt.Sprintf("0f%02x", second), "CPU", "undefined two-byte opcode 0x0F 0x%02X at RIP=0x%016X", second, c.ctx.RIP-2)
		}

	default:
		c.once.warnOnce(fmt.Sprintf("%02x", opcode), "CPU", "undefined opcode 0x%02X at RIP=0x%016X", opcode, c.ctx.RIP-1)
	}

	return 1
}

func regExt(b bool) int {
	if b {
		return 8
	}
	return 0
}

func (c *CPU) doSyscallLocked() {
	if c.syscall == nil {
		c.log.Warningf("CPU", "SYSCALL executed with no dispatcher wired, RAX=%d ignored", c.ctx.GPR[RegRAX])
		return
	}
	c.syscall(&c.ctx, c.mem)
}

// RunLoop steps the interpreter until Stop is signaled or Step returns 0.
// It refuses to start unless the CPU was previously Stopped, Paused, or
// Halted.
func (c *CPU) RunLoop() error {
	st := c.State()
	if st != StateStopped && st != StatePaused && st != StateHalted {
		return fmt.Errorf("cannot start run loop from state %s", st)
	}
	c.shouldStop.Store(false)
	c.state.Store(int32(StateRunning))

	for {
		if c.shouldStop.Load() {
			c.state.Store(int32(StateStopped))
			return nil
		}
		if c.paused.Load() {
			c.state.Store(int32(StatePaused))
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if c.State() == StatePaused {
			c.state.Store(int32(StateRunning))
		}
		if c.Step() == 0 {
			return nil
		}
	}
}
