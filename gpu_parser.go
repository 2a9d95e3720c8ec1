// gpu_parser.go - walks a guest PM4 command buffer and emits abstract
// render commands to the Render Command Queue (C10).
//
// (c) 2026 - GPLv3 or later

package main

// gpuTrackedState carries the minimal pipeline state the parser needs to
// remember between packets within one buffer walk. It is reset between
// buffer groups by the caller (the graphics-submit syscall handler).
type gpuTrackedState struct {
	indexBufferAddress uint64
	indexType          uint32
	instanceCount      uint32
	primitiveType      uint32
	shaderAddresses    map[uint32]uint64
}

func newGPUTrackedState() gpuTrackedState {
	return gpuTrackedState{instanceCount: 1, shaderAddresses: make(map[uint32]uint64)}
}

// GPUCommandParser interprets PM4 Type-3 packet streams read from guest
// memory and pushes the resulting abstract commands onto a render queue.
// It carries no cross-call state of its own beyond the tracked pipeline
// state, which callers may reset between submissions.
type GPUCommandParser struct {
	mem   *GuestMemory
	queue *RenderCommandQueue
	log   *Logger
	state gpuTrackedState
}

// NewGPUCommandParser creates a parser bound to guest memory and the render
// queue it feeds.
func NewGPUCommandParser(mem *GuestMemory, queue *RenderCommandQueue, log *Logger) *GPUCommandParser {
	return &GPUCommandParser{mem: mem, queue: queue, log: log, state: newGPUTrackedState()}
}

// ResetState clears tracked pipeline state between buffer groups.
func (p *GPUCommandParser) ResetState() {
	p.state = newGPUTrackedState()
}

// ParseBuffer walks wordCount 32-bit words starting at address, honoring
// the PM4 opcode table in pm4.go, and returns the number of packets
// consumed.
func (p *GPUCommandParser) ParseBuffer(address uint64, wordCount uint32) int {
	return p.parseAtDepth(address, wordCount, 0)
}

func (p *GPUCommandParser) parseAtDepth(address uint64, wordCount uint32, depth int) int {
	if depth > pm4MaxNestingDepth {
		p.log.Warningf("GPU", "indirect buffer nesting depth %d exceeds cap, truncating", depth)
		return 0
	}

	packets := 0
	var offset uint32
	for offset < wordCount {
		headerWord, err := p.mem.Read32(address + uint64(offset)*4)
		if err != nil {
			p.log.Errorf("GPU", "fault reading packet header at 0x%016X: %v", address+uint64(offset)*4, err)
			return packets
		}
		hdr := decodePM4Header(headerWord)
		offset++

		if hdr.packetType != 3 {
			p.log.Debugf("GPU", "skipping non-type-3 packet header 0x%08X", headerWord)
			continue
		}

		payloadLen := hdr.payloadWords()
		if uint64(offset)+uint64(payloadLen) > uint64(wordCount) {
			p.log.Warningf("GPU", "packet payload overruns buffer (opcode 0x%02X), terminating parse", hdr.opcode)
			return packets
		}

		payload := make([]uint32, payloadLen)
		for i := range payload {
			w, err := p.mem.Read32(address + uint64(offset+uint32(i))*4)
			if err != nil {
				p.log.Errorf("GPU", "fault reading packet payload: %v", err)
				return packets
			}
			payload[i] = w
		}

		p.dispatch(hdr.opcode, payload, depth)
		offset += payloadLen
		packets++
	}
	return packets
}

func (p *GPUCommandParser) dispatch(opcode uint32, payload []uint32, depth int) {
	switch opcode {
	case pm4OpNop:
		// no-op

	case pm4OpContextControl:
		// state not modeled

	case pm4OpIndexType:
		if len(payload) >= 1 {
			p.state.indexType = payload[0] & 0x3
		}

	case pm4OpDrawIndexAuto:
		if len(payload) >= 1 {
			p.queue.Push(RenderCommand{
				Kind:          CmdDraw,
				VertexCount:   payload[0],
				InstanceCount: p.state.instanceCount,
			})
		}

	case pm4OpDrawIndex2:
		if len(payload) >= 4 {
			addr := uint64(payload[1]) | uint64(payload[2])<<32
			p.state.indexBufferAddress = addr
			p.queue.Push(RenderCommand{
				Kind:          CmdDrawIndexed,
				IndexCount:    payload[3],
				InstanceCount: p.state.instanceCount,
				IndexType:     p.state.indexType,
				BufferAddress: addr,
			})
		}

	case pm4OpNumInstances:
		if len(payload) >= 1 {
			p.state.instanceCount = payload[0]
		}

	case pm4OpDispatchDirect:
		if len(payload) >= 3 {
			p.queue.Push(RenderCommand{
				Kind:    CmdComputeDispatch,
				GroupsX: payload[0],
				GroupsY: payload[1],
				GroupsZ: payload[2],
			})
		}

	case pm4OpIndirectBuffer:
		if len(payload) >= 3 {
			nestedAddr := uint64(payload[0]) | uint64(payload[1])<<32
			nestedSize := payload[2]
			p.parseAtDepth(nestedAddr, nestedSize, depth+1)
		}

	default:
		if _, ok := pm4BarrierOpcodes[opcode]; ok {
			return
		}
		if _, ok := pm4StateRegOpcodes[opcode]; ok {
			return
		}
		p.log.Debugf("GPU", "unhandled PM4 opcode 0x%02X ignored", opcode)
	}
}
