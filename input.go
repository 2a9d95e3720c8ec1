// input.go - controller snapshot registry, packed pad-read serialization,
// keyboard-to-pad mapping, and gamepad polling (C4).
//
// The keyboard driver is grounded on terminal_host.go's raw-stdin,
// nonblocking-read goroutine with a stop/done channel pair. The gamepad
// poller is grounded on the teacher's host-input abstraction shape in
// gui_interface.go, adapted to ebiten's gamepad API pumped headlessly via
// ebiten.RunGameWithoutMainLoop rather than its windowing surface.
//
// (c) 2026 - GPLv3 or later

package main

import (
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/hajimehoshi/ebiten/v2"
	"golang.org/x/term"
)

// Button bitmask constants (spec.md §3).
const (
	ButtonShare     = 0x1
	ButtonOptions   = 0x8
	ButtonUp        = 0x10
	ButtonRight     = 0x20
	ButtonDown      = 0x40
	ButtonLeft      = 0x80
	ButtonL2        = 0x100
	ButtonR2        = 0x200
	ButtonL3        = 0x2
	ButtonR3        = 0x4
	ButtonL1        = 0x400
	ButtonR1        = 0x800
	ButtonTriangle  = 0x1000
	ButtonCircle    = 0x2000
	ButtonCross     = 0x4000
	ButtonSquare    = 0x8000
	ButtonTouchpad  = 0x100000
)

const stickCenter = 128

// ControllerSnapshot is the full pad state exchanged between the input
// registry and the pad-read syscall handler.
type ControllerSnapshot struct {
	Buttons        uint32
	LX, LY         uint8
	RX, RY         uint8
	L2, R2         uint8
	OrientX        float32
	OrientY        float32
	OrientZ        float32
	OrientW        float32
	AccelX         float32
	AccelY         float32
	AccelZ         float32
	GyroX          float32
	GyroY          float32
	GyroZ          float32
	TouchData      [24]byte
	Connected      bool
	Timestamp      uint64
	Extension      [12]byte
	ConnectedCount uint8
}

func defaultSnapshot() ControllerSnapshot {
	return ControllerSnapshot{LX: stickCenter, LY: stickCenter, RX: stickCenter, RY: stickCenter, OrientW: 1}
}

// pad-read buffer layout offsets (spec.md §6), total size 0x68 bytes.
const (
	padOffButtons        = 0x00
	padOffLX             = 0x04
	padOffLY             = 0x05
	padOffRX             = 0x06
	padOffRY             = 0x07
	padOffL2             = 0x08
	padOffR2             = 0x09
	padOffOrientation    = 0x0C
	padOffAccel          = 0x1C
	padOffGyro           = 0x28
	padOffTouchData      = 0x34
	padOffConnected      = 0x4C
	padOffTimestamp      = 0x50
	padOffExtension      = 0x58
	padOffConnectedCount = 0x64
	padBufferSize        = 0x68
)

// WritePadBuffer serializes snap into the fixed 104-byte packed layout at
// addr in guest memory.
func WritePadBuffer(mem *GuestMemory, addr uint64, snap ControllerSnapshot) error {
	writes := []func() error{
		func() error { return mem.Write32(addr+padOffButtons, snap.Buttons) },
		func() error { return mem.Write8(addr+padOffLX, snap.LX) },
		func() error { return mem.Write8(addr+padOffLY, snap.LY) },
		func() error { return mem.Write8(addr+padOffRX, snap.RX) },
		func() error { return mem.Write8(addr+padOffRY, snap.RY) },
		func() error { return mem.Write8(addr+padOffL2, snap.L2) },
		func() error { return mem.Write8(addr+padOffR2, snap.R2) },
		func() error { return mem.WriteFloat32(addr+padOffOrientation, snap.OrientX) },
		func() error { return mem.WriteFloat32(addr+padOffOrientation+4, snap.OrientY) },
		func() error { return mem.WriteFloat32(addr+padOffOrientation+8, snap.OrientZ) },
		func() error { return mem.WriteFloat32(addr+padOffOrientation+12, snap.OrientW) },
		func() error { return mem.WriteFloat32(addr+padOffAccel, snap.AccelX) },
		func() error { return mem.WriteFloat32(addr+padOffAccel+4, snap.AccelY) },
		func() error { return mem.WriteFloat32(addr+padOffAccel+8, snap.AccelZ) },
		func() error { return mem.WriteFloat32(addr+padOffGyro, snap.GyroX) },
		func() error { return mem.WriteFloat32(addr+padOffGyro+4, snap.GyroY) },
		func() error { return mem.WriteFloat32(addr+padOffGyro+8, snap.GyroZ) },
		func() error { return mem.WriteBlock(addr+padOffTouchData, snap.TouchData[:], len(snap.TouchData)) },
		func() error {
			var c uint8
			if snap.Connected {
				c = 1
			}
			return mem.Write8(addr+padOffConnected, c)
		},
		func() error { return mem.Write64(addr+padOffTimestamp, snap.Timestamp) },
		func() error { return mem.WriteBlock(addr+padOffExtension, snap.Extension[:], len(snap.Extension)) },
		func() error { return mem.Write8(addr+padOffConnectedCount, snap.ConnectedCount) },
	}
	for _, w := range writes {
		if err := w(); err != nil {
			return err
		}
	}
	return nil
}

// InputRegistry holds the single current ControllerSnapshot, updated by
// whichever driver (keyboard or gamepad) currently owns input, and read by
// the pad-read syscall handler.
type InputRegistry struct {
	mu   sync.Mutex
	snap ControllerSnapshot
}

// NewInputRegistry creates a registry with sticks centered and no buttons
// held.
func NewInputRegistry() *InputRegistry {
	return &InputRegistry{snap: defaultSnapshot()}
}

// Update replaces the current snapshot.
func (r *InputRegistry) Update(snap ControllerSnapshot) {
	r.mu.Lock()
	r.snap = snap
	r.mu.Unlock()
}

// Snapshot returns a by-value copy of the current pad state.
func (r *InputRegistry) Snapshot() ControllerSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap
}

// keyHoldState tracks which raw stdin bytes count as held and the release
// timer armed for each.
type keyHoldState struct {
	mu     sync.Mutex
	held   map[byte]bool
	timers map[byte]*time.Timer
}

// KeyboardDriver maps a handful of keys to pad buttons and the left stick,
// reading raw stdin the way terminal_host.go reads it for the terminal
// MMIO device. Terminals deliver key-down only, so a held key is simulated
// by re-arming a short release timer on every repeat.
type KeyboardDriver struct {
	registry *InputRegistry

	fd           int
	oldTermState *term.State
	nonblockSet  bool
	stopCh       chan struct{}
	done         chan struct{}
	stopped      sync.Once

	state keyHoldState
}

const keyHoldDecay = 150 * time.Millisecond

// NewKeyboardDriver creates a driver bound to an input registry. Call
// Start to begin reading stdin.
func NewKeyboardDriver(registry *InputRegistry) *KeyboardDriver {
	return &KeyboardDriver{
		registry: registry,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		state:    keyHoldState{held: make(map[byte]bool), timers: make(map[byte]*time.Timer)},
	}
}

// Start puts stdin into raw, nonblocking mode and begins translating
// keystrokes into pad state. Mapping: Z/X/C/V -> Cross/Circle/Square/
// Triangle, WASD -> left stick, Q/E -> L1/R1, 1/3 -> L2/R2, Enter ->
// Options, Backspace -> Share, T -> Touchpad, F/G -> L3/R3. Arrow keys are
// not mapped.
func (k *KeyboardDriver) Start() {
	k.fd = int(os.Stdin.Fd())

	oldState, err := term.MakeRaw(k.fd)
	if err != nil {
		close(k.done)
		return
	}
	k.oldTermState = oldState

	if err := syscall.SetNonblock(k.fd, true); err != nil {
		_ = term.Restore(k.fd, k.oldTermState)
		k.oldTermState = nil
		close(k.done)
		return
	}
	k.nonblockSet = true

	go func() {
		defer close(k.done)
		buf := make([]byte, 1)
		for {
			select {
			case <-k.stopCh:
				return
			default:
			}

			n, err := syscall.Read(k.fd, buf)
			if n > 0 {
				k.onKey(buf[0])
			}
			if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			if err != nil {
				return
			}
			if n == 0 {
				time.Sleep(5 * time.Millisecond)
			}
		}
	}()
}

// Stop restores stdin to blocking, cooked mode.
func (k *KeyboardDriver) Stop() {
	k.stopped.Do(func() { close(k.stopCh) })
	<-k.done
	if k.nonblockSet {
		_ = syscall.SetNonblock(k.fd, false)
		k.nonblockSet = false
	}
	if k.oldTermState != nil {
		_ = term.Restore(k.fd, k.oldTermState)
		k.oldTermState = nil
	}
}

func (k *KeyboardDriver) onKey(b byte) {
	k.state.mu.Lock()
	k.state.held[b] = true
	if t, ok := k.state.timers[b]; ok {
		t.Stop()
	}
	k.state.timers[b] = time.AfterFunc(keyHoldDecay, func() {
		k.state.mu.Lock()
		delete(k.state.held, b)
		k.state.mu.Unlock()
		k.publish()
	})
	k.state.mu.Unlock()
	k.publish()
}

func (k *KeyboardDriver) publish() {
	k.state.mu.Lock()
	held := make(map[byte]bool, len(k.state.held))
	for b, v := range k.state.held {
		held[b] = v
	}
	k.state.mu.Unlock()

	snap := defaultSnapshot()
	snap.Connected = true
	snap.ConnectedCount = 1

	set := func(key byte, bit uint32) {
		if held[key] {
			snap.Buttons |= bit
		}
	}
	set('z', ButtonCross)
	set('x', ButtonCircle)
	set('c', ButtonSquare)
	set('v', ButtonTriangle)
	set('q', ButtonL1)
	set('e', ButtonR1)
	set('\r', ButtonOptions)
	set('\n', ButtonOptions)
	set(0x08, ButtonShare)
	set('t', ButtonTouchpad)
	set('f', ButtonL3)
	set('g', ButtonR3)

	if held['1'] {
		snap.L2 = 255
		snap.Buttons |= ButtonL2
	}
	if held['3'] {
		snap.R2 = 255
		snap.Buttons |= ButtonR2
	}

	const stickDeflect = 127
	if held['w'] {
		snap.LY = stickCenter - stickDeflect
	}
	if held['s'] {
		snap.LY = stickCenter + stickDeflect
	}
	if held['a'] {
		snap.LX = stickCenter - stickDeflect
	}
	if held['d'] {
		snap.LX = stickCenter + stickDeflect
	}

	k.registry.Update(snap)
}

// GamepadPoller implements ebiten.Game so it can be pumped headlessly via
// ebiten.RunGameWithoutMainLoop, reading the first connected gamepad into
// an InputRegistry every tick without opening any window.
type GamepadPoller struct {
	registry *InputRegistry
	ids      []ebiten.GamepadID
}

// NewGamepadPoller creates a poller bound to an input registry.
func NewGamepadPoller(registry *InputRegistry) *GamepadPoller {
	return &GamepadPoller{registry: registry}
}

const (
	gamepadAxisDeadzone = 8000
	gamepadAxisMax      = 32767
)

func rescaleAxisToStick(v float64, invert bool) uint8 {
	raw := int32(v * gamepadAxisMax)
	if invert {
		raw = -raw
	}
	if raw > -gamepadAxisDeadzone && raw < gamepadAxisDeadzone {
		raw = 0
	}
	if raw > gamepadAxisMax {
		raw = gamepadAxisMax
	}
	if raw < -gamepadAxisMax {
		raw = -gamepadAxisMax
	}
	// Map signed [-32767, 32767] onto unsigned [0, 255], center at 128.
	scaled := int32(stickCenter) + raw*128/gamepadAxisMax
	if scaled < 0 {
		scaled = 0
	}
	if scaled > 255 {
		scaled = 255
	}
	return uint8(scaled)
}

// Update polls the first connected gamepad and pushes a fresh snapshot. A
// disconnect triggers a rescan of gamepad IDs on the next call.
func (g *GamepadPoller) Update() error {
	g.ids = ebiten.AppendGamepadIDs(g.ids[:0])
	if len(g.ids) == 0 {
		return nil
	}
	id := g.ids[0]

	snap := defaultSnapshot()
	snap.Connected = true
	snap.ConnectedCount = uint8(len(g.ids))

	type mapping struct {
		button ebiten.GamepadButton
		bit    uint32
	}
	mappings := []mapping{
		{ebiten.GamepadButton0, ButtonCross},
		{ebiten.GamepadButton1, ButtonCircle},
		{ebiten.GamepadButton2, ButtonSquare},
		{ebiten.GamepadButton3, ButtonTriangle},
		{ebiten.GamepadButton4, ButtonL1},
		{ebiten.GamepadButton5, ButtonR1},
		{ebiten.GamepadButton6, ButtonL2},
		{ebiten.GamepadButton7, ButtonR2},
		{ebiten.GamepadButton8, ButtonShare},
		{ebiten.GamepadButton9, ButtonOptions},
		{ebiten.GamepadButton10, ButtonL3},
		{ebiten.GamepadButton11, ButtonR3},
		{ebiten.GamepadButton12, ButtonUp},
		{ebiten.GamepadButton13, ButtonDown},
		{ebiten.GamepadButton14, ButtonLeft},
		{ebiten.GamepadButton15, ButtonRight},
	}
	for _, m := range mappings {
		if ebiten.IsStandardGamepadButtonPressed(id, ebiten.StandardGamepadButton(m.button)) {
			snap.Buttons |= m.bit
		}
	}

	snap.LX = rescaleAxisToStick(ebiten.GamepadAxisValue(id, ebiten.GamepadAxis0), false)
	snap.LY = rescaleAxisToStick(ebiten.GamepadAxisValue(id, ebiten.GamepadAxis1), true)
	snap.RX = rescaleAxisToStick(ebiten.GamepadAxisValue(id, ebiten.GamepadAxis2), false)
	snap.RY = rescaleAxisToStick(ebiten.GamepadAxisValue(id, ebiten.GamepadAxis3), true)

	g.registry.Update(snap)
	return nil
}

// Draw is a no-op: the poller never presents a frame.
func (g *GamepadPoller) Draw(screen *ebiten.Image) {}

// Layout returns a minimal 1x1 surface since nothing is ever drawn.
func (g *GamepadPoller) Layout(outsideWidth, outsideHeight int) (int, int) {
	return 1, 1
}
