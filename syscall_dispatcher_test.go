package main

import "testing"

func newTestDispatcher(t *testing.T) (*SyscallDispatcher, *GuestMemory) {
	t.Helper()
	mem, _ := NewGuestMemory()
	if mem == nil {
		t.Fatal("NewGuestMemory returned nil")
	}
	return NewSyscallDispatcher(mem, NewLogger()), mem
}

func TestSyscallDispatcherRoutesByRAX(t *testing.T) {
	d, mem := newTestDispatcher(t)
	var gotArgs [6]uint64
	d.Register(999, "test_syscall", func(mem *GuestMemory, args [6]uint64) SyscallResult {
		gotArgs = args
		return syscallOK(42)
	})

	ctx := &Context{}
	ctx.GPR[RegRAX] = 999
	ctx.GPR[RegRDI] = 1
	ctx.GPR[RegRSI] = 2
	ctx.GPR[RegRDX] = 3
	ctx.GPR[RegR10] = 4
	ctx.GPR[RegR8] = 5
	ctx.GPR[RegR9] = 6

	d.Dispatch(ctx, mem)

	if ctx.GPR[RegRAX] != 42 {
		t.Fatalf("RAX = %d, want 42", ctx.GPR[RegRAX])
	}
	want := [6]uint64{1, 2, 3, 4, 5, 6}
	if gotArgs != want {
		t.Fatalf("args = %v, want %v", gotArgs, want)
	}
}

func TestSyscallDispatcherUnimplementedReturnsZero(t *testing.T) {
	d, mem := newTestDispatcher(t)
	ctx := &Context{}
	ctx.GPR[RegRAX] = 123456
	d.Dispatch(ctx, mem)
	if ctx.GPR[RegRAX] != 0 {
		t.Fatalf("RAX = %d, want 0 for an unregistered syscall number", ctx.GPR[RegRAX])
	}
}

func TestSyscallDispatcherReRegisterReplacesHandler(t *testing.T) {
	d, mem := newTestDispatcher(t)
	d.Register(1, "first", func(mem *GuestMemory, args [6]uint64) SyscallResult { return syscallOK(1) })
	d.Register(1, "second", func(mem *GuestMemory, args [6]uint64) SyscallResult { return syscallOK(2) })

	ctx := &Context{}
	ctx.GPR[RegRAX] = 1
	d.Dispatch(ctx, mem)
	if ctx.GPR[RegRAX] != 2 {
		t.Fatalf("RAX = %d, want 2 (the later registration should win)", ctx.GPR[RegRAX])
	}
}

func TestSyscallDispatcherFailureStillWritesRAX(t *testing.T) {
	d, mem := newTestDispatcher(t)
	d.Register(2, "failing", func(mem *GuestMemory, args [6]uint64) SyscallResult {
		return syscallErr(errEINVAL, "bad argument")
	})
	ctx := &Context{}
	ctx.GPR[RegRAX] = 2
	d.Dispatch(ctx, mem)
	if ctx.GPR[RegRAX] != uint64(errEINVAL) {
		t.Fatalf("RAX = 0x%X, want 0x%X", ctx.GPR[RegRAX], errEINVAL)
	}
}

// Dispatch matches the CPU's SyscallHandler signature and can be wired
// directly via SetSyscallHandler.
func TestSyscallDispatcherWiresIntoCPU(t *testing.T) {
	cpu, mem := newTestCPU(t)
	d, _ := newTestDispatcher(t)
	d.Register(sysGetpid, "getpid", func(mem *GuestMemory, args [6]uint64) SyscallResult {
		return syscallOK(4321)
	})
	cpu.SetSyscallHandler(d.Dispatch)
	cpu.SetEntry(UserBase)
	cpu.SetReg(RegRAX, sysGetpid)
	if err := mem.WriteBlock(UserBase, syscallBytes, len(syscallBytes)); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	cpu.Step()
	if got := cpu.ContextSnapshot().GPR[RegRAX]; got != 4321 {
		t.Fatalf("RAX = %d, want 4321", got)
	}
}
