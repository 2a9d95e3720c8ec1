// vfs.go - guest path prefix to host directory mounts, with a bounds-safe
// file-descriptor table (C5).
//
// Mount resolution is grounded directly on file_io.go's sanitizePath: a
// lexical join-then-Rel check rather than symlink canonicalization, so that
// O_CREAT targets that don't yet exist still resolve.
//
// (c) 2026 - GPLv3 or later

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// POSIX-style open flags (FreeBSD numeric values, matching the guest's
// BSD-derived libc).
const (
	OFlagRDONLY    = 0x0000
	OFlagWRONLY    = 0x0001
	OFlagRDWR      = 0x0002
	OFlagNonblock  = 0x0004
	OFlagAppend    = 0x0008
	OFlagCreat     = 0x0200
	OFlagTrunc     = 0x0400
	OFlagDirectory = 0x00020000
)

// VFSStat mirrors the packed stat buffer layout in spec.md §6.
type VFSStat struct {
	Dev     uint32
	Ino     uint32
	Mode    uint16
	Nlink   uint16
	Uid     uint32
	Gid     uint32
	Rdev    uint32
	Size    int64
	Atime   int64
	Mtime   int64
	Ctime   int64
	Blksize int64
	Blocks  int64
}

const (
	statModeRegular   = 0100644
	statModeDirectory = 0040755
)

type fileHandle struct {
	hostPath string
	flags    uint32
	isDir    bool
	file     *os.File
}

// VFS maps guest path prefixes to host directory roots and tracks open
// file descriptors. All operations are mutex-guarded and short-lived.
type VFS struct {
	log *Logger

	mu      sync.Mutex
	mounts  map[string]string
	handles map[int]*fileHandle
	nextFd  int
}

// NewVFS creates an empty VFS with descriptor allocation starting at 10.
func NewVFS(log *Logger) *VFS {
	return &VFS{
		log:     log,
		mounts:  make(map[string]string),
		handles: make(map[int]*fileHandle),
		nextFd:  10,
	}
}

func normalizeGuestPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	for len(p) > 1 && strings.HasSuffix(p, "/") {
		p = p[:len(p)-1]
	}
	return p
}

// Mount registers a guest path prefix against a host directory root. The
// host directory must already exist.
func (v *VFS) Mount(prefix, hostDir string) error {
	abs, err := filepath.Abs(hostDir)
	if err != nil {
		return err
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("VFS: mount target %q is not a directory", hostDir)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.mounts[normalizeGuestPath(prefix)] = abs
	return nil
}

// resolve finds the longest-matching mount prefix and returns the host
// path, rejecting any result that escapes the mount root.
func (v *VFS) resolve(guestPath string) (string, bool) {
	norm := normalizeGuestPath(guestPath)

	v.mu.Lock()
	bestPrefix, bestRoot := "", ""
	for prefix, root := range v.mounts {
		if !strings.HasPrefix(norm, prefix) {
			continue
		}
		if len(norm) != len(prefix) && norm[len(prefix)] != '/' {
			continue
		}
		if len(prefix) > len(bestPrefix) {
			bestPrefix, bestRoot = prefix, root
		}
	}
	v.mu.Unlock()

	if bestRoot == "" {
		return "", false
	}
	remainder := strings.TrimPrefix(norm[len(bestPrefix):], "/")
	full := filepath.Join(bestRoot, remainder)

	rel, err := filepath.Rel(bestRoot, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return full, true
}

func translateOpenFlags(flags uint32) int {
	var f int
	switch flags & 0x3 {
	case OFlagWRONLY:
		f = os.O_WRONLY
	case OFlagRDWR:
		f = os.O_RDWR
	default:
		f = os.O_RDONLY
	}
	if flags&OFlagCreat != 0 {
		f |= os.O_CREATE
	}
	if flags&OFlagTrunc != 0 {
		f |= os.O_TRUNC
	}
	if flags&OFlagAppend != 0 {
		f |= os.O_APPEND
	}
	return f
}

// Open resolves path and opens (or validates, for O_DIRECTORY) the target,
// returning an fd >= 10 and 0 on success, or (-1, errno) on failure.
func (v *VFS) Open(path string, flags uint32, mode uint32) (int, int64) {
	if path == "" {
		return -1, errEINVAL
	}
	full, ok := v.resolve(path)
	if !ok {
		v.log.Debugf("VFS", "path escape or unresolvable mount rejected: %q", path)
		return -1, errENOENT
	}

	isDir := flags&OFlagDirectory != 0
	var f *os.File
	if isDir {
		info, err := os.Stat(full)
		if err != nil || !info.IsDir() {
			return -1, errENOENT
		}
	} else {
		var err error
		f, err = os.OpenFile(full, translateOpenFlags(flags), os.FileMode(0644))
		if err != nil {
			switch {
			case os.IsNotExist(err):
				return -1, errENOENT
			case os.IsPermission(err):
				return -1, errEACCES
			default:
				return -1, errEINVAL
			}
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	fd := v.nextFd
	v.nextFd++
	v.handles[fd] = &fileHandle{hostPath: full, flags: flags, isDir: isDir, file: f}
	return fd, 0
}

// Close releases fd. Returns 0 on success, errEBADF if fd is unknown.
func (v *VFS) Close(fd int) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	h, ok := v.handles[fd]
	if !ok {
		return errEBADF
	}
	if h.file != nil {
		_ = h.file.Close()
	}
	delete(v.handles, fd)
	return 0
}

func (v *VFS) lookup(fd int) (*fileHandle, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	h, ok := v.handles[fd]
	return h, ok
}

// Read reads into dst via fd. Returns (bytes read, 0) or (0, errno).
func (v *VFS) Read(fd int, dst []byte) (int, int64) {
	h, ok := v.lookup(fd)
	if !ok || h.file == nil {
		return 0, errEBADF
	}
	n, err := h.file.Read(dst)
	if err != nil && err != io.EOF {
		return 0, errEINVAL
	}
	return n, 0
}

// Write writes src via fd. Returns (bytes written, 0) or (0, errno).
func (v *VFS) Write(fd int, src []byte) (int, int64) {
	h, ok := v.lookup(fd)
	if !ok || h.file == nil {
		return 0, errEBADF
	}
	n, err := h.file.Write(src)
	if err != nil {
		return 0, errEINVAL
	}
	return n, 0
}

// Seek repositions fd. whence follows POSIX SEEK_SET/CUR/END (0/1/2).
func (v *VFS) Seek(fd int, offset int64, whence int) (int64, int64) {
	h, ok := v.lookup(fd)
	if !ok || h.file == nil {
		return 0, errEBADF
	}
	pos, err := h.file.Seek(offset, whence)
	if err != nil {
		return 0, errEINVAL
	}
	return pos, 0
}

func statFromInfo(info os.FileInfo) VFSStat {
	mode := uint16(statModeRegular)
	if info.IsDir() {
		mode = statModeDirectory
	}
	size := info.Size()
	mtime := info.ModTime().Unix()
	return VFSStat{
		Mode:    mode,
		Nlink:   1,
		Size:    size,
		Atime:   mtime,
		Mtime:   mtime,
		Ctime:   mtime,
		Blksize: 4096,
		Blocks:  (size + 511) / 512,
	}
}

// StatFd stats an open descriptor.
func (v *VFS) StatFd(fd int) (VFSStat, int64) {
	h, ok := v.lookup(fd)
	if !ok {
		return VFSStat{}, errEBADF
	}
	info, err := os.Stat(h.hostPath)
	if err != nil {
		return VFSStat{}, errENOENT
	}
	return statFromInfo(info), 0
}

// StatPath resolves and stats a guest path without opening it.
func (v *VFS) StatPath(path string) (VFSStat, int64) {
	full, ok := v.resolve(path)
	if !ok {
		return VFSStat{}, errENOENT
	}
	info, err := os.Stat(full)
	if err != nil {
		return VFSStat{}, errENOENT
	}
	return statFromInfo(info), 0
}

// Exists reports whether a guest path resolves to an existing host entry.
func (v *VFS) Exists(path string) bool {
	full, ok := v.resolve(path)
	if !ok {
		return false
	}
	_, err := os.Stat(full)
	return err == nil
}

// OpenDirectory opens path, forcing O_DIRECTORY semantics.
func (v *VFS) OpenDirectory(path string) (int, int64) {
	return v.Open(path, OFlagRDONLY|OFlagDirectory, 0)
}
