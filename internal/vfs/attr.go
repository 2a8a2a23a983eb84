package vfs

import "time"

// File-type bits, OR-ed onto the permission bits in Attr.Mode. Values
// match the traditional POSIX S_IF* constants so SFTP attribute encoding
// needs no translation table of its own.
const (
	IFDIR = 0o040000
	IFREG = 0o100000
	IFLNK = 0o120000

	typeMask = 0o170000
)

// Attr is the attribute set every VirtualFSEntry carries.
type Attr struct {
	Mode  uint32 // file-type bits | permission bits
	UID   uint32
	GID   uint32
	Size  int64
	Atime time.Time
	Mtime time.Time
}

// Perm returns the permission bits alone, with the file-type bits masked off.
func (a Attr) Perm() uint32 { return a.Mode &^ typeMask }

// IsDir reports whether Mode carries the directory type bit.
func (a Attr) IsDir() bool { return a.Mode&typeMask == IFDIR }

// IsSymlink reports whether Mode carries the symlink type bit.
func (a Attr) IsSymlink() bool { return a.Mode&typeMask == IFLNK }

// AttrChange is a partial attribute update, mirroring the SFTP
// SETSTAT/FSETSTAT flag bits (attrFlagSize, attrFlagPermissions,
// attrFlagAcModTime, attrFlagUIDGID) one-for-one: a nil field leaves that
// attribute untouched.
type AttrChange struct {
	Size  *int64
	Perm  *uint32
	UID   *uint32
	GID   *uint32
	Atime *time.Time
	Mtime *time.Time
}
