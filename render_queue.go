// render_queue.go - thread-safe FIFO connecting the guest CPU thread to the
// host render thread.
//
// (c) 2026 - GPLv3 or later

package main

import (
	"sync"
	"time"
)

// RenderCommandKind tags the variant carried by a RenderCommand.
type RenderCommandKind int

const (
	CmdClear RenderCommandKind = iota
	CmdSetPipeline
	CmdBindVertexBuffer
	CmdBindIndexBuffer
	CmdDraw
	CmdDrawIndexed
	CmdComputeDispatch
	CmdEndFrame
)

// RenderCommand is the abstract record the GPU Command Parser (C10) emits
// and the out-of-scope render backend consumes via PopAll. Only the fields
// relevant to Kind are populated; the rest are zero.
type RenderCommand struct {
	Kind RenderCommandKind

	// Clear
	ClearColor   [4]float32
	ClearDepth   float32
	ClearStencil uint32

	// SetPipeline
	PipelineState uint32

	// BindVertexBuffer / BindIndexBuffer
	BufferAddress uint64
	Stride        uint32
	IndexType     uint32

	// Draw / DrawIndexed
	VertexCount    uint32
	InstanceCount  uint32
	FirstVertex    uint32
	FirstInstance  uint32
	IndexCount     uint32
	FirstIndex     uint32
	VertexOffset   int32

	// ComputeDispatch
	GroupsX, GroupsY, GroupsZ uint32
}

// RenderCommandQueue is a mutex-guarded FIFO deque with a condition variable
// for consumer wakeups. The core uses it as single-producer (CPU thread) /
// single-consumer (host render thread), though the primitive itself is safe
// for multiple producers.
type RenderCommandQueue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	items     []RenderCommand
	pushCount uint64
	popCount  uint64
	frames    uint64
}

// NewRenderCommandQueue creates an empty queue.
func NewRenderCommandQueue() *RenderCommandQueue {
	q := &RenderCommandQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends one command and wakes a single waiter.
func (q *RenderCommandQueue) Push(cmd RenderCommand) {
	q.mu.Lock()
	q.items = append(q.items, cmd)
	q.pushCount++
	q.mu.Unlock()
	q.cond.Signal()
}

// PushMany appends a batch of commands and wakes a single waiter.
func (q *RenderCommandQueue) PushMany(cmds []RenderCommand) {
	if len(cmds) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, cmds...)
	q.pushCount += uint64(len(cmds))
	q.mu.Unlock()
	q.cond.Signal()
}

// EndFrame pushes a frame-terminator record and increments the frame
// counter.
func (q *RenderCommandQueue) EndFrame() {
	q.mu.Lock()
	q.items = append(q.items, RenderCommand{Kind: CmdEndFrame})
	q.pushCount++
	q.frames++
	q.mu.Unlock()
	q.cond.Signal()
}

// PopAll drains the queue atomically and returns everything that was
// queued, in FIFO order. Non-blocking; returns nil if the queue was empty.
func (q *RenderCommandQueue) PopAll() []RenderCommand {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	out := q.items
	q.items = nil
	q.popCount += uint64(len(out))
	return out
}

// WaitForCommands blocks until the queue is non-empty or timeoutMs elapses,
// and reports whether commands are available.
func (q *RenderCommandQueue) WaitForCommands(timeoutMs int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) > 0 {
		return true
	}

	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)

	woken := make(chan struct{})
	timer := time.AfterFunc(time.Duration(timeoutMs)*time.Millisecond, func() {
		q.cond.Broadcast()
	})
	defer timer.Stop()
	_ = woken

	for len(q.items) == 0 {
		if time.Now().After(deadline) {
			return false
		}
		q.cond.Wait()
	}
	return len(q.items) > 0
}

// IsEmpty reports whether the queue currently has no pending commands.
func (q *RenderCommandQueue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}

// Size returns the number of pending commands.
func (q *RenderCommandQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear discards all pending commands without consuming them.
func (q *RenderCommandQueue) Clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}

// Counters returns the push/pop telemetry counters and the frame count.
func (q *RenderCommandQueue) Counters() (pushed, popped, frames uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushCount, q.popCount, q.frames
}
