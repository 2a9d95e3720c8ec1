// syscall_dispatcher.go - numeric syscall-number to handler mapping with
// System V AMD64 argument extraction and RAX marshalling (C8).
//
// (c) 2026 - GPLv3 or later

package main

import (
	"fmt"
	"sync"
)

// SyscallResult is the value a handler returns; Value is written into RAX.
// On failure Value carries one of the SCE error codes below (0x8002xxxx)
// and Success is false.
type SyscallResult struct {
	Value   int64
	Success bool
	ErrText string
}

func syscallOK(v int64) SyscallResult       { return SyscallResult{Value: v, Success: true} }
func syscallErr(errno int64, text string) SyscallResult {
	return SyscallResult{Value: errno, Success: false, ErrText: text}
}

// SyscallFunc is a registered handler's callable. args holds the six
// System V AMD64 syscall argument registers in order (RDI, RSI, RDX, R10,
// R8, R9).
type SyscallFunc func(mem *GuestMemory, args [6]uint64) SyscallResult

type syscallEntry struct {
	number uint64
	name   string
	fn     SyscallFunc
}

// SyscallDispatcher maps syscall numbers to handlers and drives the System
// V AMD64 syscall calling convention: number in RAX, args 1..6 in RDI, RSI,
// RDX, R10, R8, R9, return value written back into RAX.
type SyscallDispatcher struct {
	mem  *GuestMemory
	log  *Logger
	once *onceLogger

	mu       sync.Mutex
	handlers map[uint64]syscallEntry
}

// NewSyscallDispatcher creates an empty dispatcher bound to guest memory.
func NewSyscallDispatcher(mem *GuestMemory, log *Logger) *SyscallDispatcher {
	return &SyscallDispatcher{
		mem:      mem,
		log:      log,
		once:     newOnceLogger(log),
		handlers: make(map[uint64]syscallEntry),
	}
}

// Register installs a handler for a syscall number. Duplicate registration
// replaces the previous handler for that number, keeping the table
// injective on number.
func (d *SyscallDispatcher) Register(number uint64, name string, fn SyscallFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[number] = syscallEntry{number: number, name: name, fn: fn}
}

// Dispatch is the CPU's SyscallHandler entry point: it reads the syscall
// number and arguments out of ctx, looks up and invokes the handler, and
// writes the result back into RAX. Matches the CPU's SyscallHandler
// signature so it can be wired directly via cpu.SetSyscallHandler.
func (d *SyscallDispatcher) Dispatch(ctx *Context, mem *GuestMemory) {
	number := ctx.GPR[RegRAX]
	args := [6]uint64{
		ctx.GPR[RegRDI],
		ctx.GPR[RegRSI],
		ctx.GPR[RegRDX],
		ctx.GPR[RegR10],
		ctx.GPR[RegR8],
		ctx.GPR[RegR9],
	}

	d.mu.Lock()
	entry, ok := d.handlers[number]
	d.mu.Unlock()

	if !ok {
		d.once.warnOnce(fmt.Sprintf("unimpl-%d", number), "Syscall", "unimplemented syscall number %d, returning 0", number)
		ctx.GPR[RegRAX] = 0
		return
	}

	result := entry.fn(mem, args)
	if result.Success {
		d.log.Syscallf("Syscall", "%s(%d) -> %d", entry.name, number, result.Value)
	} else {
		d.log.Syscallf("Syscall", "%s(%d) failed: %s (errno %d)", entry.name, number, result.ErrText, result.Value)
	}
	ctx.GPR[RegRAX] = uint64(result.Value)
}

// Registered syscall numbers (spec.md §4.3). Standard BSD-style numbers
// first, then console/Sony "sce*" extensions.
const (
	sysExit   = 1
	sysRead   = 3
	sysWrite  = 4
	sysOpen   = 5
	sysClose  = 6
	sysUnlink = 10
	sysGetpid = 20
	sysGetuid = 24
	sysIoctl  = 54
	sysMunmap = 73
	sysMprotect = 74
	sysStat   = 188
	sysFstat  = 189
	sysNanosleep = 240
	sysGetdents  = 272
	sysMmap      = 477
	sysLseek     = 478

	sceKernelLoadStartModule   = 594
	sceKernelDebugOut          = 602
	sceKernelIsNeoMode         = 618
	sceKernelGetCpuTemperature = 621
	sceKernelGetModuleList     = 611
	sceKernelGetModuleInfo     = 612
	scePadOpen                 = 572
	scePadClose                = 573
	scePadReadLegacy           = 570
	scePadReadState            = 571
	scePadSetVibration         = 575
	sceAudioOutInit            = 495
	sceAudioOutOpen            = 496
	sceAudioOutClose           = 497
	sceAudioOutOutput          = 498
	sceAudioOutOutputs         = 499
	sceAudioOutSetVolume       = 500
	sceAudioOutGetPortState    = 501
	sceAudioOutGetSystemState  = 502
	sceGnmSubmitCommandBuffers = 591
	sceGnmSubmitDone           = 614
	sceGnmGetGpuCoreClockFrequency = 626
)

// SCE-flavored errno-style codes (spec.md §4.6), reused by syscalls beyond
// the VFS (open/stat/etc. surface the same codes).
const (
	errENOENT = 0x80020002
	errEACCES = 0x80020013
	errEEXIST = 0x80020011
	errEBADF  = 0x80020009
	errEINVAL = 0x80020022
	errENOSPC = 0x80020028
	errENOMEM = 0x80020012
)
