package sftpserver

import (
	"context"
	"io"
	"os"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clutch2sft/iw9165-eventpiped/internal/bus"
	"github.com/clutch2sft/iw9165-eventpiped/internal/vfs"
)

func newTestHandlers() (*fsHandlers, *vfs.VFS, *bus.Bus) {
	v := vfs.New()
	b := bus.New()
	srv := &Server{vfs: v, bus: b}
	return &fsHandlers{srv: srv, ctx: context.Background()}, v, b
}

type sinkReceived struct {
	n int
}

// TestCloseAfterWriteLatch checks that a write-then-close emits exactly
// one FileReceived; a read-then-close emits none.
func TestCloseAfterWriteLatch(t *testing.T) {
	h, v, b := newTestHandlers()
	require.NoError(t, v.MkdirAll("/events"))

	sink := &sinkReceived{}
	b.Subscribe(bus.SignalFileReceived, "", func(ctx context.Context, sender string, payload any) {
		sink.n++
	})

	writer, err := h.Filewrite(&sftp.Request{Method: "Put", Filepath: "/events/1.2.3.4_x.tar.gz", Flags: 0x02 | 0x08})
	require.NoError(t, err)
	_, err = writer.WriteAt([]byte("payload"), 0)
	require.NoError(t, err)
	require.NoError(t, writer.(io.Closer).Close())

	assert.Equal(t, 1, sink.n)

	reader, err := h.Fileread(&sftp.Request{Method: "Get", Filepath: "/events/1.2.3.4_x.tar.gz"})
	require.NoError(t, err)
	buf := make([]byte, 7)
	_, err = reader.ReadAt(buf, 0)
	if err != nil {
		require.ErrorIs(t, err, io.EOF)
	}
	require.NoError(t, reader.(io.Closer).Close())

	assert.Equal(t, 1, sink.n, "read-then-close must not emit a second FileReceived")
}

func TestFilereadMissingFileMapsToNoSuchFile(t *testing.T) {
	h, _, _ := newTestHandlers()
	_, err := h.Fileread(&sftp.Request{Method: "Get", Filepath: "/missing"})
	assert.Equal(t, sftp.ErrSSHFxNoSuchFile, err)
}

func TestFilecmdMkdirRmdirRename(t *testing.T) {
	h, v, _ := newTestHandlers()

	require.NoError(t, h.Filecmd(&sftp.Request{Method: "Mkdir", Filepath: "/d"}))
	_, err := v.Stat("/d")
	require.NoError(t, err)

	require.NoError(t, h.Filecmd(&sftp.Request{Method: "Rename", Filepath: "/d", Target: "/d2"}))
	_, err = v.Stat("/d2")
	require.NoError(t, err)

	require.NoError(t, h.Filecmd(&sftp.Request{Method: "Rmdir", Filepath: "/d2"}))
	_, err = v.Stat("/d2")
	assert.Equal(t, vfs.ENOENT, err)
}

func TestFilecmdUnsupportedMethod(t *testing.T) {
	h, _, _ := newTestHandlers()
	err := h.Filecmd(&sftp.Request{Method: "Bogus"})
	assert.Equal(t, sftp.ErrSSHFxOpUnsupported, err)
}

func TestFilelistListReturnsEntries(t *testing.T) {
	h, v, _ := newTestHandlers()
	require.NoError(t, v.MkdirAll("/a/b"))

	lister, err := h.Filelist(&sftp.Request{Method: "List", Filepath: "/a"})
	require.NoError(t, err)

	out := make([]os.FileInfo, 4)
	n, err := lister.ListAt(out, 0)
	if err != nil {
		require.ErrorIs(t, err, io.EOF)
	}
	require.Equal(t, 1, n)
	assert.Equal(t, "b", out[0].Name())
	assert.True(t, out[0].IsDir())
}

func TestFilelistReadlinkReturnsTargetAsName(t *testing.T) {
	h, v, _ := newTestHandlers()
	require.NoError(t, v.Symlink("/a/b", "/link"))

	lister, err := h.Filelist(&sftp.Request{Method: "Readlink", Filepath: "/link"})
	require.NoError(t, err)

	out := make([]os.FileInfo, 1)
	n, err := lister.ListAt(out, 0)
	require.GreaterOrEqual(t, n, 1)
	_ = err
	assert.Equal(t, "/a/b", out[0].Name())
}

func TestMapErrorDefaultsToFailure(t *testing.T) {
	assert.Equal(t, sftp.ErrSSHFxFailure, mapError(vfs.EEXIST))
	assert.Equal(t, sftp.ErrSSHFxPermissionDenied, mapError(vfs.EACCES))
	assert.Nil(t, mapError(nil))
}
