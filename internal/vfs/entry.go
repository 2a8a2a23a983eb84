package vfs

import "time"

type entryKind int

const (
	kindDir entryKind = iota
	kindFile
	kindSymlink
)

// entry is one VirtualFSEntry: a directory, regular file, or symlink.
// The zero value is never used directly; entries are always constructed
// through newDirEntry/newFileEntry/newSymlinkEntry.
type entry struct {
	name   string
	kind   entryKind
	perm   uint32
	uid    uint32
	gid    uint32
	atime  time.Time
	mtime  time.Time
	data   []byte           // regular files only
	target string           // symlinks only
	kids   map[string]*entry // directories only
}

func newDirEntry(name string, perm uint32) *entry {
	now := time.Now()
	return &entry{name: name, kind: kindDir, perm: perm, atime: now, mtime: now, kids: make(map[string]*entry)}
}

func newFileEntry(name string, perm uint32) *entry {
	now := time.Now()
	return &entry{name: name, kind: kindFile, perm: perm, atime: now, mtime: now}
}

func newSymlinkEntry(name, target string, perm uint32) *entry {
	now := time.Now()
	return &entry{name: name, kind: kindSymlink, perm: perm, target: target, atime: now, mtime: now}
}

func (e *entry) typeBits() uint32 {
	switch e.kind {
	case kindDir:
		return IFDIR
	case kindSymlink:
		return IFLNK
	default:
		return IFREG
	}
}

func (e *entry) attr() Attr {
	return Attr{
		Mode:  e.typeBits() | e.perm,
		UID:   e.uid,
		GID:   e.gid,
		Size:  int64(len(e.data)),
		Atime: e.atime,
		Mtime: e.mtime,
	}
}
