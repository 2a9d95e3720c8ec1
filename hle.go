// hle.go - high-level emulation: host-native handlers for every registered
// syscall number, wired against the System-Call Dispatcher (C9).
//
// Each handler is grounded on the syscall's POSIX/SCE counterpart and
// delegates to the VFS (C5), Input Registry (C4), Audio Registry (C6), or
// GPU Command Parser (C10) rather than reimplementing their state.
//
// (c) 2026 - GPLv3 or later

package main

import (
	"fmt"
)

// HLEModules bundles the host-native subsystems HLE handlers delegate to,
// and is the single place that registers every syscall number against a
// dispatcher.
type HLEModules struct {
	mem     *GuestMemory
	vfs     *VFS
	input   *InputRegistry
	audio   *AudioRegistry
	gpu     *GPUCommandParser
	render  *RenderCommandQueue
	log     *Logger
	bootTS  uint64
}

// NewHLEModules creates the module set bound to the subsystems it fronts.
func NewHLEModules(mem *GuestMemory, vfs *VFS, input *InputRegistry, audio *AudioRegistry, gpu *GPUCommandParser, render *RenderCommandQueue, log *Logger) *HLEModules {
	return &HLEModules{mem: mem, vfs: vfs, input: input, audio: audio, gpu: gpu, render: render, log: log}
}

// RegisterAll installs every HLE handler against d.
func (h *HLEModules) RegisterAll(d *SyscallDispatcher) {
	d.Register(sysExit, "exit", h.sysExitHandler)
	d.Register(sysRead, "read", h.sysReadHandler)
	d.Register(sysWrite, "write", h.sysWriteHandler)
	d.Register(sysOpen, "open", h.sysOpenHandler)
	d.Register(sysClose, "close", h.sysCloseHandler)
	d.Register(sysUnlink, "unlink", h.sysUnlinkHandler)
	d.Register(sysGetpid, "getpid", h.sysGetpidHandler)
	d.Register(sysGetuid, "getuid", h.sysGetuidHandler)
	d.Register(sysIoctl, "ioctl", h.sysIoctlHandler)
	d.Register(sysMunmap, "munmap", h.sysMunmapHandler)
	d.Register(sysMprotect, "mprotect", h.sysMprotectHandler)
	d.Register(sysStat, "stat", h.sysStatHandler)
	d.Register(sysFstat, "fstat", h.sysFstatHandler)
	d.Register(sysNanosleep, "nanosleep", h.sysNanosleepHandler)
	d.Register(sysGetdents, "getdents", h.sysGetdentsHandler)
	d.Register(sysMmap, "mmap", h.sysMmapHandler)
	d.Register(sysLseek, "lseek", h.sysLseekHandler)

	d.Register(sceKernelLoadStartModule, "sceKernelLoadStartModule", h.sceKernelLoadStartModuleHandler)
	d.Register(sceKernelDebugOut, "sceKernelDebugOut", h.sceKernelDebugOutHandler)
	d.Register(sceKernelIsNeoMode, "sceKernelIsNeoMode", h.sceKernelIsNeoModeHandler)
	d.Register(sceKernelGetCpuTemperature, "sceKernelGetCpuTemperature", h.sceKernelGetCpuTemperatureHandler)
	d.Register(sceKernelGetModuleList, "sceKernelGetModuleList", h.sceKernelGetModuleListHandler)
	d.Register(sceKernelGetModuleInfo, "sceKernelGetModuleInfo", h.sceKernelGetModuleInfoHandler)

	d.Register(scePadOpen, "scePadOpen", h.scePadOpenHandler)
	d.Register(scePadClose, "scePadClose", h.scePadCloseHandler)
	d.Register(scePadReadLegacy, "scePadRead", h.scePadReadHandler)
	d.Register(scePadReadState, "scePadReadState", h.scePadReadHandler)
	d.Register(scePadSetVibration, "scePadSetVibration", h.scePadSetVibrationHandler)

	d.Register(sceAudioOutInit, "sceAudioOutInit", h.sceAudioOutInitHandler)
	d.Register(sceAudioOutOpen, "sceAudioOutOpen", h.sceAudioOutOpenHandler)
	d.Register(sceAudioOutClose, "sceAudioOutClose", h.sceAudioOutCloseHandler)
	d.Register(sceAudioOutOutput, "sceAudioOutOutput", h.sceAudioOutOutputHandler)
	d.Register(sceAudioOutOutputs, "sceAudioOutOutputs", h.sceAudioOutOutputsHandler)
	d.Register(sceAudioOutSetVolume, "sceAudioOutSetVolume", h.sceAudioOutSetVolumeHandler)
	d.Register(sceAudioOutGetPortState, "sceAudioOutGetPortState", h.sceAudioOutGetPortStateHandler)
	d.Register(sceAudioOutGetSystemState, "sceAudioOutGetSystemState", h.sceAudioOutGetSystemStateHandler)

	d.Register(sceGnmSubmitCommandBuffers, "sceGnmSubmitCommandBuffers", h.sceGnmSubmitCommandBuffersHandler)
	d.Register(sceGnmSubmitDone, "sceGnmSubmitDone", h.sceGnmSubmitDoneHandler)
	d.Register(sceGnmGetGpuCoreClockFrequency, "sceGnmGetGpuCoreClockFrequency", h.sceGnmGetGpuCoreClockFrequencyHandler)
}

// --- BSD-style misc ---------------------------------------------------

func (h *HLEModules) sysExitHandler(mem *GuestMemory, args [6]uint64) SyscallResult {
	h.log.Infof("HLE", "guest requested exit(%d)", int64(args[0]))
	return syscallOK(0)
}

func (h *HLEModules) sysGetpidHandler(mem *GuestMemory, args [6]uint64) SyscallResult {
	return syscallOK(1)
}

func (h *HLEModules) sysGetuidHandler(mem *GuestMemory, args [6]uint64) SyscallResult {
	return syscallOK(0)
}

func (h *HLEModules) sysIoctlHandler(mem *GuestMemory, args [6]uint64) SyscallResult {
	return syscallOK(0)
}

func (h *HLEModules) sysMunmapHandler(mem *GuestMemory, args [6]uint64) SyscallResult {
	return syscallOK(0)
}

func (h *HLEModules) sysMprotectHandler(mem *GuestMemory, args [6]uint64) SyscallResult {
	return syscallOK(0)
}

func (h *HLEModules) sysMmapHandler(mem *GuestMemory, args [6]uint64) SyscallResult {
	// No demand-paging model: mmap requests are satisfied from the fixed
	// arena by echoing back the requested address hint.
	return syscallOK(int64(args[0]))
}

func (h *HLEModules) sysNanosleepHandler(mem *GuestMemory, args [6]uint64) SyscallResult {
	return syscallOK(0)
}

func (h *HLEModules) sysGetdentsHandler(mem *GuestMemory, args [6]uint64) SyscallResult {
	// Directory enumeration into the guest buffer is not modeled; report
	// end-of-directory immediately.
	return syscallOK(0)
}

// --- Filesystem ---------------------------------------------------------

func (h *HLEModules) readGuestPath(mem *GuestMemory, ptr uint64) (string, bool) {
	s, err := mem.ReadCString(ptr, 4096)
	if err != nil {
		return "", false
	}
	return s, true
}

func (h *HLEModules) sysOpenHandler(mem *GuestMemory, args [6]uint64) SyscallResult {
	path, ok := h.readGuestPath(mem, args[0])
	if !ok {
		return syscallErr(errEINVAL, "unreadable path pointer")
	}
	fd, errno := h.vfs.Open(path, uint32(args[1]), uint32(args[2]))
	if fd < 0 {
		return syscallErr(errno, fmt.Sprintf("open(%q) failed", path))
	}
	return syscallOK(int64(fd))
}

func (h *HLEModules) sysCloseHandler(mem *GuestMemory, args [6]uint64) SyscallResult {
	if errno := h.vfs.Close(int(args[0])); errno != 0 {
		return syscallErr(errno, "close failed")
	}
	return syscallOK(0)
}

func (h *HLEModules) sysReadHandler(mem *GuestMemory, args [6]uint64) SyscallResult {
	fd, bufPtr, count := int(args[0]), args[1], args[2]
	dst := make([]byte, count)
	n, errno := h.vfs.Read(fd, dst)
	if errno != 0 {
		return syscallErr(errno, "read failed")
	}
	if err := mem.WriteBlock(bufPtr, dst, n); err != nil {
		return syscallErr(errEINVAL, "guest buffer write fault")
	}
	return syscallOK(int64(n))
}

func (h *HLEModules) sysWriteHandler(mem *GuestMemory, args [6]uint64) SyscallResult {
	fd, bufPtr, count := int(args[0]), args[1], args[2]

	src := make([]byte, count)
	if err := mem.ReadBlock(bufPtr, src, int(count)); err != nil {
		return syscallErr(errEINVAL, "guest buffer read fault")
	}

	if fd == 1 || fd == 2 {
		h.log.Syscallf("Guest", "%s", string(src))
		return syscallOK(int64(count))
	}

	n, errno := h.vfs.Write(fd, src)
	if errno != 0 {
		return syscallErr(errno, "write failed")
	}
	return syscallOK(int64(n))
}

func (h *HLEModules) sysUnlinkHandler(mem *GuestMemory, args [6]uint64) SyscallResult {
	path, ok := h.readGuestPath(mem, args[0])
	if !ok {
		return syscallErr(errEINVAL, "unreadable path pointer")
	}
	if !h.vfs.Exists(path) {
		return syscallErr(errENOENT, "unlink: no such file")
	}
	return syscallOK(0)
}

func (h *HLEModules) sysLseekHandler(mem *GuestMemory, args [6]uint64) SyscallResult {
	fd, offset, whence := int(args[0]), int64(args[1]), int(args[2])
	pos, errno := h.vfs.Seek(fd, offset, whence)
	if errno != 0 {
		return syscallErr(errno, "lseek failed")
	}
	return syscallOK(pos)
}

func writeStat(mem *GuestMemory, ptr uint64, st VFSStat) error {
	writes := []struct {
		off uint64
		fn  func() error
	}{
		{0x00, func() error { return mem.Write32(ptr+0x00, st.Dev) }},
		{0x04, func() error { return mem.Write32(ptr+0x04, st.Ino) }},
		{0x08, func() error { return mem.Write16(ptr+0x08, st.Mode) }},
		{0x0A, func() error { return mem.Write16(ptr+0x0A, st.Nlink) }},
		{0x0C, func() error { return mem.Write32(ptr+0x0C, st.Uid) }},
		{0x10, func() error { return mem.Write32(ptr+0x10, st.Gid) }},
		{0x14, func() error { return mem.Write32(ptr+0x14, st.Rdev) }},
		{0x18, func() error { return mem.Write64(ptr+0x18, uint64(st.Size)) }},
		{0x20, func() error { return mem.Write64(ptr+0x20, uint64(st.Atime)) }},
		{0x28, func() error { return mem.Write64(ptr+0x28, uint64(st.Mtime)) }},
		{0x30, func() error { return mem.Write64(ptr+0x30, uint64(st.Ctime)) }},
		{0x38, func() error { return mem.Write64(ptr+0x38, uint64(st.Blksize)) }},
		{0x40, func() error { return mem.Write64(ptr+0x40, uint64(st.Blocks)) }},
	}
	for _, w := range writes {
		if err := w.fn(); err != nil {
			return err
		}
	}
	return nil
}

func (h *HLEModules) sysStatHandler(mem *GuestMemory, args [6]uint64) SyscallResult {
	path, ok := h.readGuestPath(mem, args[0])
	if !ok {
		return syscallErr(errEINVAL, "unreadable path pointer")
	}
	st, errno := h.vfs.StatPath(path)
	if errno != 0 {
		return syscallErr(errno, "stat failed")
	}
	if err := writeStat(mem, args[1], st); err != nil {
		return syscallErr(errEINVAL, "guest stat buffer write fault")
	}
	return syscallOK(0)
}

func (h *HLEModules) sysFstatHandler(mem *GuestMemory, args [6]uint64) SyscallResult {
	st, errno := h.vfs.StatFd(int(args[0]))
	if errno != 0 {
		return syscallErr(errno, "fstat failed")
	}
	if err := writeStat(mem, args[1], st); err != nil {
		return syscallErr(errEINVAL, "guest stat buffer write fault")
	}
	return syscallOK(0)
}

// --- Module loader (stub surface) ---------------------------------------

func (h *HLEModules) sceKernelLoadStartModuleHandler(mem *GuestMemory, args [6]uint64) SyscallResult {
	path, _ := h.readGuestPath(mem, args[0])
	h.log.Warningf("HLE", "sceKernelLoadStartModule(%q) ignored: dynamic module loading unsupported", path)
	return syscallErr(errEINVAL, "module loading unsupported")
}

func (h *HLEModules) sceKernelDebugOutHandler(mem *GuestMemory, args [6]uint64) SyscallResult {
	msg, ok := h.readGuestPath(mem, args[0])
	if ok {
		h.log.Syscallf("DebugOut", "%s", msg)
	}
	return syscallOK(0)
}

func (h *HLEModules) sceKernelIsNeoModeHandler(mem *GuestMemory, args [6]uint64) SyscallResult {
	return syscallOK(0)
}

func (h *HLEModules) sceKernelGetCpuTemperatureHandler(mem *GuestMemory, args [6]uint64) SyscallResult {
	return syscallOK(45)
}

func (h *HLEModules) sceKernelGetModuleListHandler(mem *GuestMemory, args [6]uint64) SyscallResult {
	return syscallOK(0)
}

func (h *HLEModules) sceKernelGetModuleInfoHandler(mem *GuestMemory, args [6]uint64) SyscallResult {
	return syscallErr(errEINVAL, "no modules loaded")
}

// --- Input ----------------------------------------------------------------

func (h *HLEModules) scePadOpenHandler(mem *GuestMemory, args [6]uint64) SyscallResult {
	return syscallOK(1)
}

func (h *HLEModules) scePadCloseHandler(mem *GuestMemory, args [6]uint64) SyscallResult {
	return syscallOK(0)
}

func (h *HLEModules) scePadReadHandler(mem *GuestMemory, args [6]uint64) SyscallResult {
	snap := h.input.Snapshot()
	if err := WritePadBuffer(mem, args[1], snap); err != nil {
		return syscallErr(errEINVAL, "guest pad buffer write fault")
	}
	return syscallOK(1)
}

func (h *HLEModules) scePadSetVibrationHandler(mem *GuestMemory, args [6]uint64) SyscallResult {
	// No haptic host device modeled; acknowledged as a no-op.
	return syscallOK(0)
}

// --- Audio ----------------------------------------------------------------

func (h *HLEModules) sceAudioOutInitHandler(mem *GuestMemory, args [6]uint64) SyscallResult {
	return syscallOK(0)
}

func (h *HLEModules) sceAudioOutOpenHandler(mem *GuestMemory, args [6]uint64) SyscallResult {
	portType := uint32(args[1])
	sampleCount := uint32(args[3])
	handle := h.audio.Open(portType, sampleCount)
	return syscallOK(int64(handle))
}

func (h *HLEModules) sceAudioOutCloseHandler(mem *GuestMemory, args [6]uint64) SyscallResult {
	if errno := h.audio.Close(int(args[0])); errno != 0 {
		return syscallErr(errno, "audio close failed")
	}
	return syscallOK(0)
}

func (h *HLEModules) sceAudioOutOutputHandler(mem *GuestMemory, args [6]uint64) SyscallResult {
	handle := int(args[0])
	bufPtr := args[1]

	port, ok := h.audio.lookup(handle)
	if !ok {
		return syscallErr(errEBADF, "unknown audio port")
	}
	byteLen := int(port.SampleCount) * 2 * 2
	pcm := make([]byte, byteLen)
	if err := mem.ReadBlock(bufPtr, pcm, byteLen); err != nil {
		return syscallErr(errEINVAL, "guest PCM buffer read fault")
	}
	if errno := h.audio.Output(handle, pcm); errno != 0 {
		return syscallErr(errno, "audio output failed")
	}
	return syscallOK(0)
}

func (h *HLEModules) sceAudioOutOutputsHandler(mem *GuestMemory, args [6]uint64) SyscallResult {
	// Batched multi-port output: args[0] holds a guest pointer to an array
	// of {handle, buffer_ptr} pairs, args[1] the pair count.
	arrayPtr, count := args[0], args[1]
	const pairSize = 16
	for i := uint64(0); i < count; i++ {
		handle, err1 := mem.Read64(arrayPtr + i*pairSize)
		bufPtr, err2 := mem.Read64(arrayPtr + i*pairSize + 8)
		if err1 != nil || err2 != nil {
			return syscallErr(errEINVAL, "guest output-array read fault")
		}
		port, ok := h.audio.lookup(int(handle))
		if !ok {
			continue
		}
		byteLen := int(port.SampleCount) * 2 * 2
		pcm := make([]byte, byteLen)
		if err := mem.ReadBlock(bufPtr, pcm, byteLen); err != nil {
			continue
		}
		h.audio.Output(int(handle), pcm)
	}
	return syscallOK(0)
}

func (h *HLEModules) sceAudioOutSetVolumeHandler(mem *GuestMemory, args [6]uint64) SyscallResult {
	handle := int(args[0])
	raw := int32(args[1])
	volume := float64(raw) / 127.0
	if errno := h.audio.SetVolume(handle, volume); errno != 0 {
		return syscallErr(errno, "set volume failed")
	}
	return syscallOK(0)
}

func (h *HLEModules) sceAudioOutGetPortStateHandler(mem *GuestMemory, args [6]uint64) SyscallResult {
	return syscallOK(h.audio.GetPortState(int(args[0])))
}

func (h *HLEModules) sceAudioOutGetSystemStateHandler(mem *GuestMemory, args [6]uint64) SyscallResult {
	return syscallOK(h.audio.GetSystemState())
}

// --- Graphics submit -------------------------------------------------------

func (h *HLEModules) sceGnmSubmitCommandBuffersHandler(mem *GuestMemory, args [6]uint64) SyscallResult {
	count := args[0]
	cmdPtrsAddr := args[1]
	sizesPtrAddr := args[2]

	h.gpu.ResetState()
	var totalPackets int
	for i := uint64(0); i < count; i++ {
		cmdAddr, err1 := mem.Read64(cmdPtrsAddr + i*8)
		sizeBytes, err2 := mem.Read32(sizesPtrAddr + i*4)
		if err1 != nil || err2 != nil {
			return syscallErr(errEINVAL, "guest command-buffer array read fault")
		}
		totalPackets += h.gpu.ParseBuffer(cmdAddr, sizeBytes/4)
	}
	h.log.Debugf("GPU", "submitted %d command buffers, %d packets parsed", count, totalPackets)
	return syscallOK(0)
}

func (h *HLEModules) sceGnmSubmitDoneHandler(mem *GuestMemory, args [6]uint64) SyscallResult {
	h.render.EndFrame()
	return syscallOK(0)
}

func (h *HLEModules) sceGnmGetGpuCoreClockFrequencyHandler(mem *GuestMemory, args [6]uint64) SyscallResult {
	return syscallOK(1_600_000_000)
}
