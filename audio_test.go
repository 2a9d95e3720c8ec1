package main

import "testing"

func TestAudioRingReaderPushThenRead(t *testing.T) {
	r := &audioRingReader{}
	r.push([]byte{1, 2, 3, 4})
	out := make([]byte, 4)
	n, err := r.Read(out)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 4 {
		t.Fatalf("n = %d, want 4", n)
	}
	if out[0] != 1 || out[3] != 4 {
		t.Fatalf("got %v, want [1 2 3 4]", out)
	}
}

func TestAudioRingReaderZeroPadsOnUnderrun(t *testing.T) {
	r := &audioRingReader{}
	r.push([]byte{9, 9})
	out := make([]byte, 6)
	n, err := r.Read(out)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 6 {
		t.Fatalf("n = %d, want 6 (Read always fills the caller's buffer)", n)
	}
	if out[0] != 9 || out[1] != 9 {
		t.Fatalf("got %v, want first two bytes 9, 9", out)
	}
	for i := 2; i < len(out); i++ {
		if out[i] != 0 {
			t.Fatalf("byte %d = %d, want 0 (silence padding on underrun)", i, out[i])
		}
	}
}

func newTestAudioRegistry(t *testing.T) *AudioRegistry {
	t.Helper()
	return NewAudioRegistry(nil, NewLogger())
}

func TestAudioRegistryOpenWithoutContextUsesNullSink(t *testing.T) {
	r := newTestAudioRegistry(t)
	handle := r.Open(0, 0)
	if handle <= 0 {
		t.Fatalf("handle = %d, want a positive handle", handle)
	}
	if state := r.GetPortState(handle); state != 1 {
		t.Fatalf("GetPortState = %d, want 1", state)
	}
}

func TestAudioRegistryOutputAdvancesFrameCounter(t *testing.T) {
	r := newTestAudioRegistry(t)
	handle := r.Open(0, 0) // sampleCount 0 keeps Output's timing sleep at zero
	pcm := make([]byte, audioBytesPerFrame*10)
	if errno := r.Output(handle, pcm); errno != 0 {
		t.Fatalf("Output: errno %d", errno)
	}
	port, ok := r.lookup(handle)
	if !ok {
		t.Fatal("port missing after Output")
	}
	if port.FramesOutputCounter != 10 {
		t.Fatalf("FramesOutputCounter = %d, want 10", port.FramesOutputCounter)
	}
}

func TestAudioRegistryOutputUnknownHandle(t *testing.T) {
	r := newTestAudioRegistry(t)
	if errno := r.Output(999, nil); errno != errEBADF {
		t.Fatalf("errno = 0x%X, want errEBADF", errno)
	}
}

func TestAudioRegistrySetVolumeClamps(t *testing.T) {
	r := newTestAudioRegistry(t)
	handle := r.Open(0, 0)
	r.SetVolume(handle, 5.0)
	port, _ := r.lookup(handle)
	if port.Volume != 1.0 {
		t.Fatalf("Volume = %v, want clamped to 1.0", port.Volume)
	}
	r.SetVolume(handle, -5.0)
	if port.Volume != 0 {
		t.Fatalf("Volume = %v, want clamped to 0", port.Volume)
	}
}

func TestAudioRegistrySetMuted(t *testing.T) {
	r := newTestAudioRegistry(t)
	handle := r.Open(0, 0)
	r.SetMuted(handle, true)
	port, _ := r.lookup(handle)
	if !port.IsMuted {
		t.Fatal("IsMuted = false, want true")
	}
}

func TestAudioRegistryGetSystemState(t *testing.T) {
	r := newTestAudioRegistry(t)
	if r.GetSystemState() != 0 {
		t.Fatal("GetSystemState should be 0 before any port is open")
	}
	handle := r.Open(0, 0)
	if r.GetSystemState() != 1 {
		t.Fatal("GetSystemState should be 1 once a port is open")
	}
	r.Close(handle)
	if r.GetSystemState() != 0 {
		t.Fatal("GetSystemState should be 0 again after the only port closes")
	}
}

func TestAudioRegistryCloseUnknownHandle(t *testing.T) {
	r := newTestAudioRegistry(t)
	if errno := r.Close(42); errno != errEBADF {
		t.Fatalf("errno = 0x%X, want errEBADF", errno)
	}
}

func TestAudioRegistryShutdownClosesAllPorts(t *testing.T) {
	r := newTestAudioRegistry(t)
	a := r.Open(0, 0)
	b := r.Open(0, 0)
	r.Shutdown()
	if r.GetPortState(a) != 0 || r.GetPortState(b) != 0 {
		t.Fatal("all ports should be closed after Shutdown")
	}
}
