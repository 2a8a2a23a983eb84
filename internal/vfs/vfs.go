// Package vfs implements the process-wide in-memory POSIX-like
// filesystem that stages every SFTP upload and archive extraction. It is
// a dependency-free leaf: VirtualFS depends on nothing else in this
// service, including the event bus — the close-after-write correlation
// latch is therefore tracked here (Handle.LastOp) but *emitted* one
// layer up, by SFTPServer, which is the component actually wired to the
// bus.
package vfs

import (
	"io"
	"io/fs"
	"path"
	"strings"
	"sync"
	"time"
)

// Open flags, mirroring POSIX.
const (
	FlagRead = 1 << iota
	FlagWrite
	FlagAppend
	FlagCreate
	FlagExclusive
	FlagTruncate
)

const defaultDirPerm = 0o755
const defaultFilePerm = 0o644

// VFS is the single process-wide in-memory filesystem instance. Every
// mutating operation, and every read operation (the backing buffer
// supports no finer-grained locking than whole-filesystem), takes the
// same lock. Public methods take the lock directly and never call
// another public method while holding it, avoiding the need for a real
// recursive mutex.
type VFS struct {
	mu   sync.Mutex
	root *entry
}

// New returns an empty VirtualFS containing only the root directory.
func New() *VFS {
	return &VFS{root: newDirEntry("/", defaultDirPerm)}
}

func cleanPath(p string) string {
	if p == "" {
		p = "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

func splitPath(p string) []string {
	p = cleanPath(p)
	if p == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(p, "/"), "/")
}

// resolve walks from root to the entry at canonical path p, without
// following symlinks encountered along the way: symlinks are first-class
// leaf entries, not transparent redirections.
func (v *VFS) resolve(p string) (*entry, error) {
	cur := v.root
	for _, part := range splitPath(p) {
		if cur.kind != kindDir {
			return nil, ENOTDIR
		}
		next, ok := cur.kids[part]
		if !ok {
			return nil, ENOENT
		}
		cur = next
	}
	return cur, nil
}

// resolveParent walks to the parent directory of p and returns it along
// with p's base name. The parent must exist and be a directory.
func (v *VFS) resolveParent(p string) (*entry, string, error) {
	parts := splitPath(p)
	if len(parts) == 0 {
		return nil, "", EINVAL // root has no parent
	}
	parent := v.root
	for _, part := range parts[:len(parts)-1] {
		if parent.kind != kindDir {
			return nil, "", ENOTDIR
		}
		next, ok := parent.kids[part]
		if !ok {
			return nil, "", ENOENT
		}
		parent = next
	}
	if parent.kind != kindDir {
		return nil, "", ENOTDIR
	}
	return parent, parts[len(parts)-1], nil
}

// Stat returns the attributes of the entry at path. Symlinks are
// returned as themselves (lstat ≡ stat).
func (v *VFS) Stat(p string) (Attr, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	e, err := v.resolve(p)
	if err != nil {
		return Attr{}, err
	}
	return e.attr(), nil
}

// Lstat is identical to Stat: VirtualFS symlinks carry no separate link
// metadata.
func (v *VFS) Lstat(p string) (Attr, error) { return v.Stat(p) }

// SetAttr applies a partial attribute update to the entry at path.
func (v *VFS) SetAttr(p string, change AttrChange) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	e, err := v.resolve(p)
	if err != nil {
		return err
	}
	if change.Size != nil {
		e.data = resizeBuffer(e.data, *change.Size)
	}
	if change.Perm != nil {
		e.perm = *change.Perm
	}
	if change.UID != nil {
		e.uid = *change.UID
	}
	if change.GID != nil {
		e.gid = *change.GID
	}
	if change.Atime != nil {
		e.atime = *change.Atime
	}
	if change.Mtime != nil {
		e.mtime = *change.Mtime
	}
	return nil
}

func resizeBuffer(buf []byte, size int64) []byte {
	if int64(len(buf)) == size {
		return buf
	}
	if size < int64(len(buf)) {
		return buf[:size]
	}
	grown := make([]byte, size)
	copy(grown, buf)
	return grown
}

// Mkdir creates a directory at path. The parent must already exist.
func (v *VFS) Mkdir(p string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	parent, name, err := v.resolveParent(p)
	if err != nil {
		return err
	}
	if _, exists := parent.kids[name]; exists {
		return EEXIST
	}
	parent.kids[name] = newDirEntry(name, defaultDirPerm)
	parent.mtime = time.Now()
	return nil
}

// MkdirAll creates path and any missing intermediate directories,
// tolerating path already existing as a directory (used by Extractor to
// lay down archive member directories).
func (v *VFS) MkdirAll(p string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	parts := splitPath(p)
	cur := v.root
	for _, part := range parts {
		if cur.kind != kindDir {
			return ENOTDIR
		}
		next, ok := cur.kids[part]
		if !ok {
			next = newDirEntry(part, defaultDirPerm)
			cur.kids[part] = next
		} else if next.kind != kindDir {
			return ENOTDIR
		}
		cur = next
	}
	return nil
}

// Rmdir removes an empty directory. A non-empty directory is refused.
func (v *VFS) Rmdir(p string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	parent, name, err := v.resolveParent(p)
	if err != nil {
		return err
	}
	target, ok := parent.kids[name]
	if !ok {
		return ENOENT
	}
	if target.kind != kindDir {
		return ENOTDIR
	}
	if len(target.kids) > 0 {
		return ENOTEMPTY
	}
	delete(parent.kids, name)
	return nil
}

// RemoveTree recursively removes path and everything beneath it,
// regardless of emptiness (used for scratch-directory cleanup after
// extraction and parsing).
func (v *VFS) RemoveTree(p string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if cleanPath(p) == "/" {
		v.root = newDirEntry("/", defaultDirPerm)
		return nil
	}
	parent, name, err := v.resolveParent(p)
	if err != nil {
		return err
	}
	if _, ok := parent.kids[name]; !ok {
		return ENOENT
	}
	delete(parent.kids, name)
	return nil
}

// Remove deletes a regular file or symlink. Directories must use Rmdir.
func (v *VFS) Remove(p string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	parent, name, err := v.resolveParent(p)
	if err != nil {
		return err
	}
	target, ok := parent.kids[name]
	if !ok {
		return ENOENT
	}
	if target.kind == kindDir {
		return EISDIR
	}
	delete(parent.kids, name)
	return nil
}

// Rename moves oldPath to newPath. oldPath must exist; newPath must not
// exist unless it is an empty directory, in which case it is replaced.
func (v *VFS) Rename(oldPath, newPath string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	oldParent, oldName, err := v.resolveParent(oldPath)
	if err != nil {
		return err
	}
	src, ok := oldParent.kids[oldName]
	if !ok {
		return ENOENT
	}

	newParent, newName, err := v.resolveParent(newPath)
	if err != nil {
		return err
	}
	if dst, exists := newParent.kids[newName]; exists {
		if dst.kind != kindDir {
			return EEXIST
		}
		if len(dst.kids) > 0 {
			return ENOTEMPTY
		}
	}

	delete(oldParent.kids, oldName)
	src.name = newName
	newParent.kids[newName] = src
	newParent.mtime = time.Now()
	return nil
}

// Symlink creates a symlink at linkPath pointing at target. target is
// stored verbatim and is not required to resolve to anything (dangling
// symlinks are permitted, as in POSIX).
func (v *VFS) Symlink(target, linkPath string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	parent, name, err := v.resolveParent(linkPath)
	if err != nil {
		return err
	}
	if _, exists := parent.kids[name]; exists {
		return EEXIST
	}
	parent.kids[name] = newSymlinkEntry(name, target, 0o777)
	return nil
}

// Readlink returns the stored target of the symlink at path.
func (v *VFS) Readlink(p string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	e, err := v.resolve(p)
	if err != nil {
		return "", err
	}
	if e.kind != kindSymlink {
		return "", EINVAL
	}
	return e.target, nil
}

// DirEntry is one row of a Listdir result.
type DirEntry struct {
	Name string
	Attr Attr
}

// Listdir lists the immediate children of the directory at path.
func (v *VFS) Listdir(p string) ([]DirEntry, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	e, err := v.resolve(p)
	if err != nil {
		return nil, err
	}
	if e.kind != kindDir {
		return nil, ENOTDIR
	}
	out := make([]DirEntry, 0, len(e.kids))
	for name, kid := range e.kids {
		out = append(out, DirEntry{Name: name, Attr: kid.attr()})
	}
	return out, nil
}

// GetSysPath returns a synthetic identifier for path. VirtualFS has no
// backing disk location, so this is a "memfs://" URI rather than a real
// filesystem path — good enough for log lines that want to name the
// staged location without implying it can be opened outside this process.
func (v *VFS) GetSysPath(p string) string {
	return "memfs://" + cleanPath(p)
}

// Open opens path according to flags, creating it first when
// FlagCreate is set and the path is absent. The parent directory must
// already exist.
func (v *VFS) Open(p string, flags uint32) (*Handle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	parent, name, perr := v.resolveParent(p)
	if perr != nil {
		return nil, perr
	}
	e, exists := parent.kids[name]
	if !exists {
		if flags&FlagCreate == 0 {
			return nil, ENOENT
		}
		e = newFileEntry(name, defaultFilePerm)
		parent.kids[name] = e
	} else if flags&FlagCreate != 0 && flags&FlagExclusive != 0 {
		return nil, EEXIST
	}
	if e.kind == kindDir {
		return nil, EISDIR
	}
	if flags&FlagTruncate != 0 && flags&FlagWrite != 0 {
		e.data = nil
	}
	cursor := int64(0)
	if flags&FlagAppend != 0 {
		cursor = int64(len(e.data))
	}
	return &Handle{vfs: v, entry: e, path: cleanPath(p), cursor: cursor, flags: flags}, nil
}

// OpenForRead is the typed convenience used within this module.
func (v *VFS) OpenForRead(p string) (*Handle, error) {
	return v.Open(p, FlagRead)
}

// OpenRead implements bus.FileSystem, so FileReceivedPayload can carry
// the filesystem the archive was written to without the bus importing
// the vfs package. Extractor itself opens the archive through its own
// *VFS (OpenForRead), not through the payload.
func (v *VFS) OpenRead(p string) (fs.File, error) {
	return v.Open(p, FlagRead)
}

// readAt and writeAt are called with v.mu already held by Handle's
// exported ReadAt/WriteAt, which take the lock themselves — see handle.go.
func (v *VFS) readAt(h *Handle, p []byte, off int64) (int, error) {
	data := h.entry.data
	if off >= int64(len(data)) {
		return 0, io.EOF
	}
	n := copy(p, data[off:])
	h.entry.atime = time.Now()
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (v *VFS) writeAt(h *Handle, p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(h.entry.data)) {
		grown := make([]byte, end)
		copy(grown, h.entry.data)
		h.entry.data = grown
	}
	n := copy(h.entry.data[off:], p)
	h.entry.mtime = time.Now()
	return n, nil
}
