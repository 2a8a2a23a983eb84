package vfs

import "fmt"

// Error is VirtualFS's own low-level error code: a handful of named
// POSIX-flavoured codes plus a numeric fallback, so the SFTP layer can
// map every VirtualFS failure to an SFTP status code in one place.
type Error int

// Named errors. Values are arbitrary (this is not syscall.Errno) but
// stable for the lifetime of the process.
const (
	OK Error = iota
	ENOSYS
	ENOENT
	EACCES
	ENOTDIR
	EISDIR
	EEXIST
	ENOTEMPTY
	EINVAL
	EBADF
)

var errorText = map[Error]string{
	OK:        "Success",
	ENOSYS:    "Function not implemented",
	ENOENT:    "No such file or directory",
	EACCES:    "Permission denied",
	ENOTDIR:   "Not a directory",
	EISDIR:    "Is a directory",
	EEXIST:    "File exists",
	ENOTEMPTY: "Directory not empty",
	EINVAL:    "Invalid argument",
	EBADF:     "Bad file descriptor",
}

// Error implements the error interface. Unrecognised codes render as
// "Low level error N".
func (e Error) Error() string {
	if s, ok := errorText[e]; ok {
		return s
	}
	return fmt.Sprintf("Low level error %d", int(e))
}
