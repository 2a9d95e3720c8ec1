package main

import (
	"encoding/binary"
	"testing"
)

func newTestLoader(t *testing.T) (*Loader, *GuestMemory) {
	t.Helper()
	mem, _ := NewGuestMemory()
	if mem == nil {
		t.Fatal("NewGuestMemory returned nil")
	}
	return NewLoader(mem, NewLogger()), mem
}

// buildPackageEntry packs one 32-byte entry with the given id/offset/size;
// the other fields are unused by extraction and left zero.
func buildPackageEntry(id, dataOffset, dataSize uint32) []byte {
	b := make([]byte, packageEntryLen)
	binary.BigEndian.PutUint32(b[0:4], id)
	binary.BigEndian.PutUint32(b[16:20], dataOffset)
	binary.BigEndian.PutUint32(b[20:24], dataSize)
	return b
}

// buildPackage assembles a minimal package container: a 236-byte header
// whose entry table immediately follows, then the entries, padded out to
// totalSize so DataOffset/DataSize references into the tail stay valid.
func buildPackage(entries [][]byte, totalSize int) []byte {
	tableOffset := uint32(packageHeaderLen)
	data := make([]byte, totalSize)
	binary.BigEndian.PutUint32(data[0:4], packageMagic)
	binary.BigEndian.PutUint32(data[12:16], uint32(len(entries)))
	binary.BigEndian.PutUint32(data[20:24], tableOffset)
	for i, e := range entries {
		copy(data[int(tableOffset)+i*packageEntryLen:], e)
	}
	return data
}

func TestLoaderExtractPackageByMainExecutableID(t *testing.T) {
	l, _ := newTestLoader(t)
	payload := []byte("main executable bytes")
	dataOffset := uint32(1000)
	total := int(dataOffset) + len(payload)
	entries := [][]byte{
		buildPackageEntry(mainExecutableEntryID, dataOffset, uint32(len(payload))),
	}
	data := buildPackage(entries, total)
	copy(data[dataOffset:], payload)

	got, err := l.extractPackage(data)
	if err != nil {
		t.Fatalf("extractPackage: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

// No entry carries id 0x1000; the loader must fall back to the entry with
// the largest effective (offset-aware) size — here 0x1003, not the 10-byte
// or 128-byte entries.
func TestLoaderExtractPackageLargestEffectiveFallback(t *testing.T) {
	l, _ := newTestLoader(t)

	offSmall, sizeSmall := uint32(400), uint32(10)
	offBig, sizeBig := uint32(500), uint32(4096)
	offMid, sizeMid := uint32(5000), uint32(128)
	total := int(offMid) + int(sizeMid)

	entries := [][]byte{
		buildPackageEntry(0x1002, offSmall, sizeSmall),
		buildPackageEntry(0x1003, offBig, sizeBig),
		buildPackageEntry(0x1004, offMid, sizeMid),
	}
	data := buildPackage(entries, total)

	want := make([]byte, sizeBig)
	for i := range want {
		want[i] = byte(i)
	}
	copy(data[offBig:], want)

	got, err := l.extractPackage(data)
	if err != nil {
		t.Fatalf("extractPackage: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d bytes, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestLoaderExtractPackageNoValidEntry(t *testing.T) {
	l, _ := newTestLoader(t)
	entries := [][]byte{
		buildPackageEntry(0x1002, 0, 0), // zero size, never effective
	}
	data := buildPackage(entries, packageHeaderLen+packageEntryLen)
	_, err := l.extractPackage(data)
	if err == nil {
		t.Fatal("expected an error when no entry has a nonzero effective size")
	}
}

func TestLoaderExtractPackageOffsetBeyondFile(t *testing.T) {
	l, _ := newTestLoader(t)
	data := buildPackage(nil, packageHeaderLen)
	binary.BigEndian.PutUint32(data[12:16], 5) // claim 5 entries that don't fit
	_, err := l.extractPackage(data)
	if err == nil {
		t.Fatal("expected an error for an entry table extending past the file")
	}
}

const (
	elfEhdrSize = 64
	elfPhdrSize = 56
)

// buildMinimalELF64 constructs a single-PT_LOAD ELF64 x86-64 executable:
// the segment loads fileSize bytes from fileOffset into vaddr, with the
// remainder up to memSize left as BSS.
func buildMinimalELF64(entry, vaddr uint64, fileOffset, fileSize, memSize uint64, totalFileLen int) []byte {
	data := make([]byte, totalFileLen)

	copy(data[0:4], []byte(elfMagic))
	data[4] = 2 // ELFCLASS64
	data[5] = 1 // ELFDATA2LSB
	data[6] = 1 // EI_VERSION

	binary.LittleEndian.PutUint16(data[16:18], 2)  // e_type = ET_EXEC
	binary.LittleEndian.PutUint16(data[18:20], 62) // e_machine = EM_X86_64
	binary.LittleEndian.PutUint32(data[20:24], 1)  // e_version
	binary.LittleEndian.PutUint64(data[24:32], entry)
	binary.LittleEndian.PutUint64(data[32:40], elfEhdrSize) // e_phoff
	binary.LittleEndian.PutUint16(data[52:54], elfEhdrSize) // e_ehsize
	binary.LittleEndian.PutUint16(data[54:56], elfPhdrSize) // e_phentsize
	binary.LittleEndian.PutUint16(data[56:58], 1)           // e_phnum

	ph := data[elfEhdrSize : elfEhdrSize+elfPhdrSize]
	binary.LittleEndian.PutUint32(ph[0:4], 1) // p_type = PT_LOAD
	binary.LittleEndian.PutUint32(ph[4:8], 5) // p_flags = R+X
	binary.LittleEndian.PutUint64(ph[8:16], fileOffset)
	binary.LittleEndian.PutUint64(ph[16:24], vaddr)
	binary.LittleEndian.PutUint64(ph[24:32], vaddr) // p_paddr
	binary.LittleEndian.PutUint64(ph[32:40], fileSize)
	binary.LittleEndian.PutUint64(ph[40:48], memSize)
	binary.LittleEndian.PutUint64(ph[48:56], 0x1000) // p_align

	return data
}

// A LOAD segment with file_size == memory_size == 0x1000 at file offset
// 0x1000 in a 0x2000-byte file: the first 4 bytes at vaddr must match the
// file's bytes at the segment offset. BSS zeroing is checked by
// TestLoaderELFBSSIsZeroed.
func TestLoaderELFSegmentMapping(t *testing.T) {
	l, mem := newTestLoader(t)

	const vaddr = UserBase
	const fileOffset = 0x1000
	const segSize = 0x1000
	const totalLen = 0x2000

	data := buildMinimalELF64(vaddr, vaddr, fileOffset, segSize, segSize, totalLen)
	marker := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	copy(data[fileOffset:], marker)

	result, err := l.loadELF(data)
	if err != nil {
		t.Fatalf("loadELF: %v", err)
	}
	if !result.IsValid {
		t.Fatal("IsValid = false")
	}
	if result.EntryPoint != vaddr {
		t.Fatalf("EntryPoint = 0x%X, want 0x%X", result.EntryPoint, vaddr)
	}

	got, err := mem.Read32(vaddr)
	if err != nil {
		t.Fatalf("Read32: %v", err)
	}
	want := binary.LittleEndian.Uint32(marker)
	if got != want {
		t.Fatalf("Read32(vaddr) = 0x%08X, want 0x%08X", got, want)
	}
}

// memSize larger than fileSize leaves the tail zeroed as BSS.
func TestLoaderELFBSSIsZeroed(t *testing.T) {
	l, mem := newTestLoader(t)

	const vaddr = UserBase
	const fileOffset = 0x1000
	const fileSize = 0x10
	const memSize = 0x2000
	const totalLen = 0x2000

	data := buildMinimalELF64(vaddr, vaddr, fileOffset, fileSize, memSize, totalLen)
	for i := 0; i < fileSize; i++ {
		data[fileOffset+i] = 0xFF
	}

	if _, err := l.loadELF(data); err != nil {
		t.Fatalf("loadELF: %v", err)
	}

	b, err := mem.Read8(vaddr + 0x1000)
	if err != nil {
		t.Fatalf("Read8: %v", err)
	}
	if b != 0 {
		t.Fatalf("BSS byte = 0x%02X, want 0", b)
	}
}

func TestLoaderRejectsNonELF64Magic(t *testing.T) {
	l, _ := newTestLoader(t)
	_, err := l.LoadBytes([]byte("not an executable at all"))
	if err == nil {
		t.Fatal("expected an error for data with no recognized magic")
	}
}
