// audio.go - handle-indexed audio output port registry, sinking 48 kHz
// stereo 16-bit PCM through oto/v3 (C6).
//
// The sink wiring is grounded on audio_backend_oto.go's OtoPlayer: an
// oto.Context created once, a pull-based oto.Player per logical output,
// with setup/control operations under a mutex and the hot read path
// lock-free.
//
// (c) 2026 - GPLv3 or later

package main

import (
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
)

const (
	audioSampleRate    = 48000
	audioChannelCount  = 2
	audioBytesPerFrame = audioChannelCount * 2 // 16-bit PCM, 2 channels
	defaultGrain       = 256
)

// AudioSink is the minimal surface an audio port needs from a host output
// device: queue PCM and adjust volume. otoSink adapts a pull-based
// oto.Player to it, and a no-op sink is substituted when no oto context is
// available (headless test runs).
type AudioSink interface {
	Write(p []byte) (int, error)
	SetVolume(v float64)
	Close() error
}

// nullSink discards output; used when audio hardware init fails or in
// tests, so port semantics (timing, counters) are still exercisable.
type nullSink struct{}

func (nullSink) Write(p []byte) (int, error) { return len(p), nil }
func (nullSink) SetVolume(float64)           {}
func (nullSink) Close() error                { return nil }

// audioRingReader is the io.Reader oto.Player pulls from. Output() pushes
// PCM bytes in; Read() drains them, padding with silence when the guest
// hasn't submitted enough to keep the player fed — mirroring
// audio_backend_oto.go's "no chip attached yet, emit zeros" fallback.
type audioRingReader struct {
	mu  sync.Mutex
	buf []byte
}

func (a *audioRingReader) push(p []byte) {
	a.mu.Lock()
	a.buf = append(a.buf, p...)
	a.mu.Unlock()
}

func (a *audioRingReader) Read(p []byte) (int, error) {
	a.mu.Lock()
	n := copy(p, a.buf)
	a.buf = a.buf[n:]
	a.mu.Unlock()
	for i := n; i < len(p); i++ {
		p[i] = 0
	}
	return len(p), nil
}

// otoSink adapts an oto.Player, fed by a ring reader, to AudioSink.
type otoSink struct {
	player *oto.Player
	reader *audioRingReader
}

func (s *otoSink) Write(p []byte) (int, error) { s.reader.push(p); return len(p), nil }
func (s *otoSink) SetVolume(v float64)         { s.player.SetVolume(v) }
func (s *otoSink) Close() error                { return s.player.Close() }

// AudioPort mirrors the port record from spec.md §4.7.
type AudioPort struct {
	Handle              int
	Type                uint32
	SampleCount         uint32
	Grain               uint32
	IsMuted             bool
	Volume              float64
	FramesOutputCounter uint64

	sink AudioSink
}

// AudioRegistry owns the oto context and the open-port table.
type AudioRegistry struct {
	log *Logger

	mu      sync.Mutex
	ctx     *oto.Context
	ports   map[int]*AudioPort
	nextHdl int
}

// NewAudioRegistry creates an empty registry bound to an already-ready oto
// context. ctx may be nil, in which case every port gets a nullSink.
func NewAudioRegistry(ctx *oto.Context, log *Logger) *AudioRegistry {
	return &AudioRegistry{log: log, ctx: ctx, ports: make(map[int]*AudioPort), nextHdl: 1}
}

// OpenOtoContext creates and readies an oto.Context at the console's fixed
// PCM format (48 kHz, 2ch, 16-bit signed LE). Returns a nil context and the
// error if audio hardware cannot be initialized; the Emulator Core treats
// that as non-fatal and runs every port on a null sink.
func OpenOtoContext() (*oto.Context, error) {
	opts := &oto.NewContextOptions{
		SampleRate:   audioSampleRate,
		ChannelCount: audioChannelCount,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   4096,
	}
	ctx, ready, err := oto.NewContext(opts)
	if err != nil {
		return nil, err
	}
	<-ready
	return ctx, nil
}

// Open allocates a new port handle, sizes its grain, and starts a sink
// sized for sampleCount*4*4 bytes of PCM if a context is available.
func (r *AudioRegistry) Open(portType uint32, sampleCount uint32) int {
	grain := sampleCount
	if grain == 0 {
		grain = defaultGrain
	}

	port := &AudioPort{Type: portType, SampleCount: sampleCount, Grain: grain, Volume: 1.0}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx != nil {
		bufSize := int(sampleCount) * audioBytesPerFrame * 4
		if bufSize <= 0 {
			bufSize = int(defaultGrain) * audioBytesPerFrame * 4
		}
		reader := &audioRingReader{}
		player := r.ctx.NewPlayer(reader)
		player.SetBufferSize(bufSize)
		player.Play()
		port.sink = &otoSink{player: player, reader: reader}
	} else {
		port.sink = nullSink{}
	}

	handle := r.nextHdl
	r.nextHdl++
	port.Handle = handle
	r.ports[handle] = port
	return handle
}

func (r *AudioRegistry) lookup(handle int) (*AudioPort, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.ports[handle]
	return p, ok
}

// Output writes pcm (sample_count*2*2 bytes, interleaved 16-bit stereo) to
// the port's sink and blocks for ~80% of the nominal playback duration so
// the guest cannot submit faster than real time.
func (r *AudioRegistry) Output(handle int, pcm []byte) int64 {
	port, ok := r.lookup(handle)
	if !ok {
		return errEBADF
	}

	effectiveVolume := port.Volume
	if port.IsMuted {
		effectiveVolume = 0
	}
	port.sink.SetVolume(effectiveVolume)

	n, err := port.sink.Write(pcm)
	if err != nil {
		return errEINVAL
	}

	r.mu.Lock()
	port.FramesOutputCounter += uint64(n / audioBytesPerFrame)
	r.mu.Unlock()

	duration := time.Duration(float64(port.SampleCount)/float64(audioSampleRate)*1000) * time.Millisecond
	time.Sleep(duration * 8 / 10)
	return 0
}

// SetVolume sets a port's linear volume in [0, 1].
func (r *AudioRegistry) SetVolume(handle int, volume float64) int64 {
	port, ok := r.lookup(handle)
	if !ok {
		return errEBADF
	}
	if volume < 0 {
		volume = 0
	}
	if volume > 1 {
		volume = 1
	}
	r.mu.Lock()
	port.Volume = volume
	r.mu.Unlock()
	return 0
}

// SetMuted toggles a port's mute flag.
func (r *AudioRegistry) SetMuted(handle int, muted bool) int64 {
	port, ok := r.lookup(handle)
	if !ok {
		return errEBADF
	}
	r.mu.Lock()
	port.IsMuted = muted
	r.mu.Unlock()
	return 0
}

// GetPortState reports whether handle refers to an open port (1) or not
// (0), matching sceAudioOutGetPortState's boolean-ish contract.
func (r *AudioRegistry) GetPortState(handle int) int64 {
	if _, ok := r.lookup(handle); ok {
		return 1
	}
	return 0
}

// GetSystemState reports 1 if any port is open, 0 otherwise.
func (r *AudioRegistry) GetSystemState() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ports) > 0 {
		return 1
	}
	return 0
}

// Close releases a port's sink and removes it from the table.
func (r *AudioRegistry) Close(handle int) int64 {
	r.mu.Lock()
	port, ok := r.ports[handle]
	if ok {
		delete(r.ports, handle)
	}
	r.mu.Unlock()
	if !ok {
		return errEBADF
	}
	_ = port.sink.Close()
	return 0
}

// Shutdown closes every open port and the underlying oto context.
func (r *AudioRegistry) Shutdown() {
	r.mu.Lock()
	handles := make([]int, 0, len(r.ports))
	for h := range r.ports {
		handles = append(handles, h)
	}
	r.mu.Unlock()
	for _, h := range handles {
		r.Close(h)
	}
}
