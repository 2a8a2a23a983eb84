package vfs

import (
	"io/fs"
	"time"
)

// LastOp records whether a Handle's most recent data operation was a
// read or a write. SFTPServer consults this on CLOSE to decide whether
// to emit FileReceived — the close-after-write correlation latch.
type LastOp int

const (
	OpNone LastOp = iota
	OpRead
	OpWrite
)

// Handle is an open file handle: a cursor plus last-operation
// bookkeeping over one VirtualFS entry. A Handle is created by VFS.Open
// and must be closed exactly once by its owner (typically SFTPServer's
// session handler, or Extractor/WindowParser's own internal use of
// VirtualFS).
type Handle struct {
	vfs    *VFS
	entry  *entry
	path   string
	cursor int64
	flags  uint32
	lastOp LastOp
	closed bool
}

// Path returns the canonical path this handle was opened against.
func (h *Handle) Path() string { return h.path }

// LastOp reports the most recent read or write performed through this
// handle, surviving past Close so the latch can be checked afterwards.
func (h *Handle) LastOp() LastOp { return h.lastOp }

// ReadAt implements io.ReaderAt, the shape pkg/sftp's FileReader wants:
// an SFTP READ becomes a seek+read on the handle.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	h.vfs.mu.Lock()
	defer h.vfs.mu.Unlock()
	n, err := h.vfs.readAt(h, p, off)
	h.lastOp = OpRead
	return n, err
}

// WriteAt implements io.WriterAt, the shape pkg/sftp's FileWriter wants:
// an SFTP WRITE becomes a seek+write on the handle and marks LastOp
// write.
func (h *Handle) WriteAt(p []byte, off int64) (int, error) {
	h.vfs.mu.Lock()
	defer h.vfs.mu.Unlock()
	n, err := h.vfs.writeAt(h, p, off)
	h.lastOp = OpWrite
	return n, err
}

// Read implements io/fs.File's sequential-read method, used by Extractor
// to stream the uploaded archive through archive/tar and compress/gzip
// without needing offset bookkeeping of its own.
func (h *Handle) Read(p []byte) (int, error) {
	n, err := h.ReadAt(p, h.cursor)
	h.cursor += int64(n)
	return n, err
}

// Write implements sequential writes for callers (e.g. Extractor's
// extracted member files) that don't need explicit offsets.
func (h *Handle) Write(p []byte) (int, error) {
	n, err := h.WriteAt(p, h.cursor)
	h.cursor += int64(n)
	return n, err
}

// Stat implements io/fs.File.
func (h *Handle) Stat() (fs.FileInfo, error) {
	h.vfs.mu.Lock()
	attr := h.entry.attr()
	name := h.entry.name
	h.vfs.mu.Unlock()
	return fileInfo{name: name, attr: attr}, nil
}

// Close marks the handle closed. It is idempotent: closing an
// already-closed handle is a no-op.
func (h *Handle) Close() error {
	h.closed = true
	return nil
}

// fileInfo adapts Attr to io/fs.FileInfo.
type fileInfo struct {
	name string
	attr Attr
}

func (fi fileInfo) Name() string       { return fi.name }
func (fi fileInfo) Size() int64        { return fi.attr.Size }
func (fi fileInfo) Mode() fs.FileMode  { return fs.FileMode(fi.attr.Perm()) | dirBit(fi.attr) }
func (fi fileInfo) ModTime() time.Time { return fi.attr.Mtime }
func (fi fileInfo) IsDir() bool        { return fi.attr.IsDir() }
func (fi fileInfo) Sys() any           { return fi.attr }

func dirBit(a Attr) fs.FileMode {
	if a.IsDir() {
		return fs.ModeDir
	}
	if a.IsSymlink() {
		return fs.ModeSymlink
	}
	return 0
}
