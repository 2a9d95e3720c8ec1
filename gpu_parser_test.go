package main

import "testing"

func newTestGPUParser(t *testing.T) (*GPUCommandParser, *GuestMemory, *RenderCommandQueue) {
	t.Helper()
	mem, _ := NewGuestMemory()
	if mem == nil {
		t.Fatal("NewGuestMemory returned nil")
	}
	queue := NewRenderCommandQueue()
	return NewGPUCommandParser(mem, queue, NewLogger()), mem, queue
}

func pm4Header(opcode, count uint32) uint32 {
	return (3 << 30) | ((count & 0x3FFF) << 16) | ((opcode & 0xFF) << 8)
}

// header(opcode=DRAW_INDEX_AUTO, count=1), 128, 0 must emit one Draw with
// vertex_count=128, instance_count=1 (the default), and leave the queue at
// size 1.
func TestGPUParserDrawIndexAutoEmitsDraw(t *testing.T) {
	p, mem, queue := newTestGPUParser(t)

	buf := []uint32{pm4Header(pm4OpDrawIndexAuto, 1), 128, 0}
	for i, w := range buf {
		if err := mem.Write32(UserBase+uint64(i)*4, w); err != nil {
			t.Fatalf("Write32: %v", err)
		}
	}

	packets := p.ParseBuffer(UserBase, uint32(len(buf)))
	if packets != 1 {
		t.Fatalf("packets = %d, want 1", packets)
	}
	if size := queue.Size(); size != 1 {
		t.Fatalf("queue size = %d, want 1", size)
	}

	cmds := queue.PopAll()
	if len(cmds) != 1 {
		t.Fatalf("popped %d commands, want 1", len(cmds))
	}
	cmd := cmds[0]
	if cmd.Kind != CmdDraw {
		t.Fatalf("Kind = %v, want CmdDraw", cmd.Kind)
	}
	if cmd.VertexCount != 128 {
		t.Fatalf("VertexCount = %d, want 128", cmd.VertexCount)
	}
	if cmd.InstanceCount != 1 {
		t.Fatalf("InstanceCount = %d, want 1", cmd.InstanceCount)
	}
}

func TestGPUParserNumInstancesAffectsSubsequentDraw(t *testing.T) {
	p, mem, queue := newTestGPUParser(t)

	buf := []uint32{
		pm4Header(pm4OpNumInstances, 0), 4,
		pm4Header(pm4OpDrawIndexAuto, 1), 64, 0,
	}
	for i, w := range buf {
		if err := mem.Write32(UserBase+uint64(i)*4, w); err != nil {
			t.Fatalf("Write32: %v", err)
		}
	}

	p.ParseBuffer(UserBase, uint32(len(buf)))
	cmds := queue.PopAll()
	if len(cmds) != 1 {
		t.Fatalf("popped %d commands, want 1", len(cmds))
	}
	if cmds[0].InstanceCount != 4 {
		t.Fatalf("InstanceCount = %d, want 4", cmds[0].InstanceCount)
	}
}

func TestGPUParserNonType3PacketSkipped(t *testing.T) {
	p, mem, queue := newTestGPUParser(t)
	// packetType 0, not honored.
	buf := []uint32{0x00000000, pm4Header(pm4OpDrawIndexAuto, 1), 10, 0}
	for i, w := range buf {
		if err := mem.Write32(UserBase+uint64(i)*4, w); err != nil {
			t.Fatalf("Write32: %v", err)
		}
	}
	p.ParseBuffer(UserBase, uint32(len(buf)))
	if size := queue.Size(); size != 1 {
		t.Fatalf("queue size = %d, want 1 (only the Type-3 packet should be honored)", size)
	}
}

func TestGPUParserIndirectBufferRecurses(t *testing.T) {
	p, mem, queue := newTestGPUParser(t)

	const outerAddr = UserBase
	const innerAddr = UserBase + 0x1000

	inner := []uint32{pm4Header(pm4OpDrawIndexAuto, 1), 256, 0}
	for i, w := range inner {
		if err := mem.Write32(innerAddr+uint64(i)*4, w); err != nil {
			t.Fatalf("Write32 inner: %v", err)
		}
	}

	outer := []uint32{
		pm4Header(pm4OpIndirectBuffer, 2),
		uint32(innerAddr), uint32(innerAddr >> 32), uint32(len(inner)),
	}
	for i, w := range outer {
		if err := mem.Write32(outerAddr+uint64(i)*4, w); err != nil {
			t.Fatalf("Write32 outer: %v", err)
		}
	}

	p.ParseBuffer(outerAddr, uint32(len(outer)))
	cmds := queue.PopAll()
	if len(cmds) != 1 || cmds[0].Kind != CmdDraw || cmds[0].VertexCount != 256 {
		t.Fatalf("got %+v, want one Draw{VertexCount: 256}", cmds)
	}
}

func TestGPUParserIndirectBufferNestingCapped(t *testing.T) {
	p, _, queue := newTestGPUParser(t)
	if packets := p.parseAtDepth(UserBase, 1, pm4MaxNestingDepth+1); packets != 0 {
		t.Fatalf("packets at depth beyond cap = %d, want 0", packets)
	}
	if !queue.IsEmpty() {
		t.Fatal("queue should stay empty when nesting depth is capped before any read")
	}
}

func TestGPUParserPayloadOverrunStopsParse(t *testing.T) {
	p, mem, queue := newTestGPUParser(t)
	// count=5 claims 6 payload words but the buffer only supplies 1.
	buf := []uint32{pm4Header(pm4OpDrawIndexAuto, 5), 1}
	for i, w := range buf {
		if err := mem.Write32(UserBase+uint64(i)*4, w); err != nil {
			t.Fatalf("Write32: %v", err)
		}
	}
	packets := p.ParseBuffer(UserBase, uint32(len(buf)))
	if packets != 0 {
		t.Fatalf("packets = %d, want 0 (overrunning packet must not be counted)", packets)
	}
	if !queue.IsEmpty() {
		t.Fatal("no command should have been pushed for an overrunning packet")
	}
}

func TestGPUParserResetStateClearsInstanceCount(t *testing.T) {
	p, mem, queue := newTestGPUParser(t)
	buf := []uint32{pm4Header(pm4OpNumInstances, 0), 7}
	for i, w := range buf {
		if err := mem.Write32(UserBase+uint64(i)*4, w); err != nil {
			t.Fatalf("Write32: %v", err)
		}
	}
	p.ParseBuffer(UserBase, uint32(len(buf)))
	p.ResetState()

	drawBuf := []uint32{pm4Header(pm4OpDrawIndexAuto, 1), 1, 0}
	for i, w := range drawBuf {
		if err := mem.Write32(UserBase+0x100+uint64(i)*4, w); err != nil {
			t.Fatalf("Write32: %v", err)
		}
	}
	p.ParseBuffer(UserBase+0x100, uint32(len(drawBuf)))
	cmds := queue.PopAll()
	if len(cmds) != 1 || cmds[0].InstanceCount != 1 {
		t.Fatalf("got %+v, want InstanceCount reset to 1", cmds)
	}
}
