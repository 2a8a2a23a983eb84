package sftpserver

import (
	"context"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/pkg/sftp"

	"github.com/clutch2sft/iw9165-eventpiped/internal/bus"
	"github.com/clutch2sft/iw9165-eventpiped/internal/vfs"
)

// fsHandlers implements pkg/sftp's Handlers interfaces (FileReader,
// FileWriter, FileCmder, FileLister) over a shared VirtualFS, one instance
// per SFTP session.
type fsHandlers struct {
	srv *Server
	ctx context.Context
}

// latchedHandle wraps a vfs.Handle so Close can consult LastOp and emit
// the close-after-write correlation latch before delegating to the real
// close.
type latchedHandle struct {
	h    *vfs.Handle
	srv  *Server
	ctx  context.Context
	path string
}

func (l *latchedHandle) ReadAt(p []byte, off int64) (int, error)  { return l.h.ReadAt(p, off) }
func (l *latchedHandle) WriteAt(p []byte, off int64) (int, error) { return l.h.WriteAt(p, off) }

func (l *latchedHandle) Close() error {
	lastOp := l.h.LastOp()
	err := l.h.Close()
	if lastOp == vfs.OpWrite {
		l.srv.bus.Send(l.ctx, bus.SignalFileReceived, Sender, bus.FileReceivedPayload{
			Path: l.path,
			FS:   l.srv.vfs,
		})
	}
	return err
}

// Fileread implements sftp.FileReader: SFTP OPEN for a read-flavoured
// request, followed by READ ops seeking on the returned io.ReaderAt.
func (h *fsHandlers) Fileread(r *sftp.Request) (io.ReaderAt, error) {
	handle, err := h.srv.vfs.Open(r.Filepath, vfs.FlagRead)
	if err != nil {
		return nil, mapError(err)
	}
	return &latchedHandle{h: handle, srv: h.srv, ctx: h.ctx, path: r.Filepath}, nil
}

// Filewrite implements sftp.FileWriter: translates SFTP pflags into
// VirtualFS open flags and, on write+create against a missing path, lets
// VFS.Open's own create-on-absence behaviour produce the "zero-byte file
// created then re-opened" effect in one call.
func (h *fsHandlers) Filewrite(r *sftp.Request) (io.WriterAt, error) {
	pflags := r.Pflags()

	var flags uint32
	if pflags.Read {
		flags |= vfs.FlagRead
	}
	if pflags.Write {
		flags |= vfs.FlagWrite
	}
	if pflags.Append {
		flags |= vfs.FlagAppend
	}
	if pflags.Creat {
		flags |= vfs.FlagCreate
	}
	if pflags.Trunc {
		flags |= vfs.FlagTruncate
	}
	if pflags.Excl {
		flags |= vfs.FlagExclusive
	}
	if flags&(vfs.FlagRead|vfs.FlagWrite|vfs.FlagAppend) == 0 {
		flags |= vfs.FlagWrite
	}

	handle, err := h.srv.vfs.Open(r.Filepath, flags)
	if err != nil {
		return nil, mapError(err)
	}
	return &latchedHandle{h: handle, srv: h.srv, ctx: h.ctx, path: r.Filepath}, nil
}

// Filecmd implements sftp.FileCmder: the non-transfer SFTP ops (REMOVE,
// RMDIR, MKDIR, RENAME, SYMLINK, SETSTAT) that map directly onto
// VirtualFS calls.
func (h *fsHandlers) Filecmd(r *sftp.Request) error {
	switch r.Method {
	case "Setstat":
		return mapError(h.srv.vfs.SetAttr(r.Filepath, attrChangeFromRequest(r)))
	case "Rename":
		return mapError(h.srv.vfs.Rename(r.Filepath, r.Target))
	case "Rmdir":
		return mapError(h.srv.vfs.Rmdir(r.Filepath))
	case "Mkdir":
		return mapError(h.srv.vfs.Mkdir(r.Filepath))
	case "Remove":
		return mapError(h.srv.vfs.Remove(r.Filepath))
	case "Symlink":
		// SFTP SYMLINK's wire argument order is historically reversed
		// from POSIX symlink(2): r.Filepath carries the link's target and
		// r.Target carries the new link's own path.
		return mapError(h.srv.vfs.Symlink(r.Filepath, r.Target))
	default:
		return sftp.ErrSSHFxOpUnsupported
	}
}

func attrChangeFromRequest(r *sftp.Request) vfs.AttrChange {
	attrs := r.Attributes()
	var change vfs.AttrChange
	if attrs == nil {
		return change
	}
	flags := r.AttrFlags()
	if flags.Size {
		size := int64(attrs.Size)
		change.Size = &size
	}
	if flags.Permissions {
		perm := attrs.Mode & 0o7777
		change.Perm = &perm
	}
	if flags.UidGid {
		uid, gid := attrs.UID, attrs.GID
		change.UID = &uid
		change.GID = &gid
	}
	if flags.Acmodtime {
		atime, mtime := time.Unix(int64(attrs.Atime), 0), time.Unix(int64(attrs.Mtime), 0)
		change.Atime = &atime
		change.Mtime = &mtime
	}
	return change
}

// Filelist implements sftp.FileLister: OPENDIR/READDIR, STAT/LSTAT/FSTAT,
// and READLINK.
func (h *fsHandlers) Filelist(r *sftp.Request) (sftp.ListerAt, error) {
	switch r.Method {
	case "List":
		entries, err := h.srv.vfs.Listdir(r.Filepath)
		if err != nil {
			return nil, mapError(err)
		}
		infos := make([]os.FileInfo, 0, len(entries))
		for _, e := range entries {
			infos = append(infos, vfsFileInfo{name: e.Name, attr: e.Attr})
		}
		return listerAt(infos), nil

	case "Stat", "Lstat":
		attr, err := h.srv.vfs.Stat(r.Filepath)
		if err != nil {
			return nil, mapError(err)
		}
		name := baseName(r.Filepath)
		return listerAt([]os.FileInfo{vfsFileInfo{name: name, attr: attr}}), nil

	case "Readlink":
		target, err := h.srv.vfs.Readlink(r.Filepath)
		if err != nil {
			return nil, mapError(err)
		}
		// pkg/sftp's request server takes list[0].Name() as the readlink
		// target string.
		return listerAt([]os.FileInfo{vfsFileInfo{name: target}}), nil

	default:
		return nil, sftp.ErrSSHFxOpUnsupported
	}
}

func baseName(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}

// listerAt adapts a plain slice to sftp.ListerAt, pkg/sftp's paging
// interface for OPENDIR/READDIR-style responses.
type listerAt []os.FileInfo

func (l listerAt) ListAt(dst []os.FileInfo, offset int64) (int, error) {
	if offset >= int64(len(l)) {
		return 0, io.EOF
	}
	n := copy(dst, l[offset:])
	if n < len(dst) {
		return n, io.EOF
	}
	return n, nil
}

// vfsFileInfo adapts vfs.DirEntry's (name, Attr) pair to fs.FileInfo, the
// shape sftp.ListerAt carries.
type vfsFileInfo struct {
	name string
	attr vfs.Attr
}

func (fi vfsFileInfo) Name() string { return fi.name }
func (fi vfsFileInfo) Size() int64  { return fi.attr.Size }
func (fi vfsFileInfo) Mode() fs.FileMode {
	mode := fs.FileMode(fi.attr.Perm())
	if fi.attr.IsDir() {
		mode |= fs.ModeDir
	}
	if fi.attr.IsSymlink() {
		mode |= fs.ModeSymlink
	}
	return mode
}
func (fi vfsFileInfo) ModTime() time.Time { return fi.attr.Mtime }
func (fi vfsFileInfo) IsDir() bool        { return fi.attr.IsDir() }
func (fi vfsFileInfo) Sys() any           { return fi.attr }
