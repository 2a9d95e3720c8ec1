// loader.go - executable loader: package-container extraction followed by
// ELF64 program-header mapping into guest memory (C11).
//
// ELF parsing uses the standard library's debug/elf — no example repo in
// the corpus ships an ELF reader, and debug/elf is the idiomatic Go choice
// for this rather than a hand-rolled binary decoder.
//
// (c) 2026 - GPLv3 or later

package main

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
)

const (
	packageMagic     = 0x7F434E54
	elfMagic         = "\x7FELF"
	packageHeaderLen = 236
	packageEntryLen  = 32
	maxEffectiveSize = 2 * 1024 * 1024 * 1024 // 2 GiB corruption guard
)

type packageHeader struct {
	Magic           uint32
	Revision        uint32
	Type            uint16
	Flags           uint16
	EntryCount      uint32
	EntryCount2     uint16
	EntryCount3     uint16
	TableOffset     uint32
	EntryDataSize   uint32
	BodyOffset      uint64
	BodySize        uint64
	ContentOffset   uint64
	ContentSize     uint64
	ContentID       [36]byte
	DrmType         uint32
	ContentType     uint32
	ContentFlags    uint32
	PromoteSize     uint32
	VersionDate     uint32
	VersionHash     uint32
	IroTag          uint32
	EkcVersion      uint32
}

type packageEntry struct {
	ID             uint32
	FilenameOffset uint32
	Flags1         uint32
	Flags2         uint32
	DataOffset     uint32
	DataSize       uint32
}

const mainExecutableEntryID = 0x1000

// LoadedSegment records one mapped PT_LOAD range for diagnostics.
type LoadedSegment struct {
	VirtualAddress uint64
	FileSize       uint64
	MemSize        uint64
}

// LoadResult is the outcome of loading a guest executable into memory.
type LoadResult struct {
	EntryPoint  uint64
	BaseAddress uint64
	TopAddress  uint64
	Segments    []LoadedSegment
	IsValid     bool
}

// LoadError distinguishes the loader's named failure modes (spec.md §4.11).
type LoadError struct {
	Reason string
}

func (e *LoadError) Error() string { return e.Reason }

func loadErr(reason string) (LoadResult, error) {
	return LoadResult{EntryPoint: 0}, &LoadError{Reason: reason}
}

// Loader extracts a package container (if present) and maps the contained
// ELF into guest memory.
type Loader struct {
	mem *GuestMemory
	log *Logger
}

// NewLoader creates a loader bound to guest memory.
func NewLoader(mem *GuestMemory, log *Logger) *Loader {
	return &Loader{mem: mem, log: log}
}

// LoadFile reads path from the host filesystem and loads its contents.
func (l *Loader) LoadFile(path string) (LoadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return loadErr("file not found")
	}
	return l.LoadBytes(data)
}

// LoadBytes extracts (if a package container) and loads an in-memory
// executable image.
func (l *Loader) LoadBytes(data []byte) (LoadResult, error) {
	if len(data) < 4 {
		return loadErr("file not found")
	}

	magic := binary.BigEndian.Uint32(data[0:4])
	if magic == packageMagic {
		elfBytes, err := l.extractPackage(data)
		if err != nil {
			return loadErr(err.Error())
		}
		return l.loadELF(elfBytes)
	}

	if bytes.HasPrefix(data, []byte(elfMagic)) {
		return l.loadELF(data)
	}

	return loadErr("invalid magic")
}

func parsePackageHeader(data []byte) packageHeader {
	var h packageHeader
	h.Magic = binary.BigEndian.Uint32(data[0:4])
	h.Revision = binary.BigEndian.Uint32(data[4:8])
	h.Type = binary.BigEndian.Uint16(data[8:10])
	h.Flags = binary.BigEndian.Uint16(data[10:12])
	h.EntryCount = binary.BigEndian.Uint32(data[12:16])
	h.EntryCount2 = binary.BigEndian.Uint16(data[16:18])
	h.EntryCount3 = binary.BigEndian.Uint16(data[18:20])
	h.TableOffset = binary.BigEndian.Uint32(data[20:24])
	h.EntryDataSize = binary.BigEndian.Uint32(data[24:28])
	h.BodyOffset = binary.BigEndian.Uint64(data[28:36])
	h.BodySize = binary.BigEndian.Uint64(data[36:44])
	h.ContentOffset = binary.BigEndian.Uint64(data[44:52])
	h.ContentSize = binary.BigEndian.Uint64(data[52:60])
	copy(h.ContentID[:], data[60:96])
	h.DrmType = binary.BigEndian.Uint32(data[108:112])
	h.ContentType = binary.BigEndian.Uint32(data[112:116])
	h.ContentFlags = binary.BigEndian.Uint32(data[116:120])
	h.PromoteSize = binary.BigEndian.Uint32(data[120:124])
	h.VersionDate = binary.BigEndian.Uint32(data[124:128])
	h.VersionHash = binary.BigEndian.Uint32(data[128:132])
	h.IroTag = binary.BigEndian.Uint32(data[132:136])
	h.EkcVersion = binary.BigEndian.Uint32(data[136:140])
	return h
}

func parsePackageEntry(data []byte) packageEntry {
	return packageEntry{
		ID:             binary.BigEndian.Uint32(data[0:4]),
		FilenameOffset: binary.BigEndian.Uint32(data[4:8]),
		Flags1:         binary.BigEndian.Uint32(data[8:12]),
		Flags2:         binary.BigEndian.Uint32(data[12:16]),
		DataOffset:     binary.BigEndian.Uint32(data[16:20]),
		DataSize:       binary.BigEndian.Uint32(data[20:24]),
	}
}

// extractPackage implements the main-executable lookup with the
// largest-effective-entry fallback (spec.md §4.9 steps 3-5).
func (l *Loader) extractPackage(data []byte) ([]byte, error) {
	if len(data) < packageHeaderLen {
		return nil, fmt.Errorf("zero size")
	}
	hdr := parsePackageHeader(data)
	if hdr.Magic != packageMagic {
		return nil, fmt.Errorf("invalid magic")
	}

	tableEnd := uint64(hdr.TableOffset) + uint64(hdr.EntryCount)*packageEntryLen
	if tableEnd > uint64(len(data)) {
		return nil, fmt.Errorf("offset beyond file")
	}

	entries := make([]packageEntry, 0, hdr.EntryCount)
	for i := uint32(0); i < hdr.EntryCount; i++ {
		off := hdr.TableOffset + i*packageEntryLen
		entries = append(entries, parsePackageEntry(data[off:off+packageEntryLen]))
	}

	fileSize := uint64(len(data))

	for _, e := range entries {
		if e.ID != mainExecutableEntryID {
			continue
		}
		if uint64(e.DataOffset) >= fileSize {
			break
		}
		end := uint64(e.DataOffset) + uint64(e.DataSize)
		if end > fileSize {
			l.log.Debugf("Loader", "main-executable entry size beyond file (sanitized)")
			end = fileSize
		}
		return data[e.DataOffset:end], nil
	}

	l.log.Debugf("Loader", "no entry 0x1000, falling back to largest-effective-entry scan")
	var best *packageEntry
	var bestEffective uint64
	for i := range entries {
		e := &entries[i]
		if uint64(e.DataOffset) >= fileSize {
			continue
		}
		remaining := fileSize - uint64(e.DataOffset)
		effective := uint64(e.DataSize)
		if remaining < effective {
			effective = remaining
		}
		if effective > bestEffective {
			bestEffective = effective
			best = e
		}
	}
	if best == nil || bestEffective == 0 {
		return nil, fmt.Errorf("no valid entry")
	}
	if bestEffective > maxEffectiveSize {
		return nil, fmt.Errorf("absurd size > 2 GiB (possible corruption)")
	}
	return data[best.DataOffset : uint64(best.DataOffset)+bestEffective], nil
}

// loadELF validates and maps an ELF64 image's LOAD segments into guest
// memory.
func (l *Loader) loadELF(data []byte) (LoadResult, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return loadErr("invalid magic")
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		return loadErr("unsupported architecture")
	}
	if f.Data != elf.ELFDATA2LSB {
		return loadErr("unsupported architecture")
	}
	if f.Machine != elf.EM_X86_64 {
		return loadErr("unsupported architecture")
	}
	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return loadErr("unsupported architecture")
	}

	var segments []LoadedSegment
	base := ^uint64(0)
	var top uint64

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			l.log.Debugf("Loader", "skipping non-LOAD segment type %v", prog.Type)
			continue
		}

		if prog.Off+prog.Filesz > uint64(len(data)) {
			return loadErr("segment exceeds memory bounds")
		}
		if !l.mem.IsValid(prog.Vaddr, int(prog.Memsz)) {
			return loadErr("segment exceeds memory bounds")
		}

		fileBytes := data[prog.Off : prog.Off+prog.Filesz]
		if err := l.mem.WriteBlock(prog.Vaddr, fileBytes, len(fileBytes)); err != nil {
			return loadErr("segment exceeds memory bounds")
		}
		if prog.Memsz > prog.Filesz {
			bssStart := prog.Vaddr + prog.Filesz
			bssLen := int(prog.Memsz - prog.Filesz)
			if err := l.mem.Zero(bssStart, bssLen); err != nil {
				return loadErr("segment exceeds memory bounds")
			}
		}

		segments = append(segments, LoadedSegment{VirtualAddress: prog.Vaddr, FileSize: prog.Filesz, MemSize: prog.Memsz})
		if prog.Vaddr < base {
			base = prog.Vaddr
		}
		if end := prog.Vaddr + prog.Memsz; end > top {
			top = end
		}
	}

	if len(segments) == 0 {
		return loadErr("no loadable segments")
	}

	return LoadResult{
		EntryPoint:  f.Entry,
		BaseAddress: base,
		TopAddress:  top,
		Segments:    segments,
		IsValid:     true,
	}, nil
}
