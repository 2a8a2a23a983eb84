// Package sftpserver implements an embedded SSH server carrying a single
// SFTP subsystem backed by internal/vfs, with the close-after-write
// correlation latch that starts the extraction pipeline.
package sftpserver

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/clutch2sft/iw9165-eventpiped/internal/bus"
	"github.com/clutch2sft/iw9165-eventpiped/internal/logging"
	"github.com/clutch2sft/iw9165-eventpiped/internal/vfs"
)

// Sender identifies this component's publications on the bus.
const Sender = "sftpserver"

const pollInterval = time.Second

// Config configures one SFTPServer instance: the bind address and an
// optional on-disk host key.
type Config struct {
	BindHost    string
	BindPort    string
	HostKeyPath string
	Logger      *slog.Logger
}

// Server embeds an SSH server exposing a single SFTP subsystem, chroot-ed
// to "/" of the shared VirtualFS: every authenticated session sees the same
// filesystem rooted there, regardless of username.
type Server struct {
	cfg    Config
	vfs    *vfs.VFS
	bus    *bus.Bus
	logger *slog.Logger
	signer ssh.Signer

	mu sync.Mutex
	ln net.Listener
}

// New constructs a Server over fs, emitting FileReceived on b.
func New(cfg Config, fsys *vfs.VFS, b *bus.Bus) (*Server, error) {
	logger := logging.Default(cfg.Logger).With("component", "sftpserver")

	signer, err := loadOrGenerateHostKey(cfg.HostKeyPath, logger)
	if err != nil {
		return nil, errors.Wrap(err, "sftpserver: host key")
	}

	return &Server{cfg: cfg, vfs: fsys, bus: b, logger: logger, signer: signer}, nil
}

func loadOrGenerateHostKey(path string, logger *slog.Logger) (ssh.Signer, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return ssh.ParsePrivateKey(data)
		}
		if !os.IsNotExist(err) {
			return nil, err
		}
		logging.Notice(context.Background(), logging.Default(logger), "host key file absent, generating ephemeral key", "path", path)
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	_ = pub
	if err != nil {
		return nil, err
	}
	return ssh.NewSignerFromSigner(ed25519PrivateKeySigner{priv})
}

// ed25519PrivateKeySigner adapts ed25519.PrivateKey to crypto.Signer so
// ssh.NewSignerFromSigner accepts it without an extra type assertion at
// each call site.
type ed25519PrivateKeySigner struct {
	key ed25519.PrivateKey
}

func (s ed25519PrivateKeySigner) Public() crypto.PublicKey { return s.key.Public() }
func (s ed25519PrivateKeySigner) Sign(_ io.Reader, digest []byte, _ crypto.SignerOpts) ([]byte, error) {
	return ed25519.Sign(s.key, digest), nil
}

// serverConfig builds the ssh.ServerConfig that accepts any username and
// any password or public key: authentication is a formality here, since
// the trigger that authorized this upload was already validated at the
// network listener.
func (s *Server) serverConfig() *ssh.ServerConfig {
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			return &ssh.Permissions{}, nil
		},
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			return &ssh.Permissions{}, nil
		},
	}
	cfg.AddHostKey(s.signer)
	return cfg
}

// Run accepts SSH connections until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.BindHost, s.cfg.BindPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "sftpserver: listen %s", addr)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.logger.Info("sftp server listening", "addr", ln.Addr().String())

	tcpLn, _ := ln.(*net.TCPListener)
	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		default:
		}

		if tcpLn != nil {
			tcpLn.SetDeadline(time.Now().Add(pollInterval))
		}
		conn, err := ln.Accept()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				wg.Wait()
				return nil
			}
			s.logger.Warn("sftp accept error", "error", err)
			continue
		}

		wg.Add(1)
		go func(conn net.Conn) {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}(conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		err := s.ln.Close()
		s.ln = nil
		return err
	}
	return nil
}

// handleConn drives one SSH connection from handshake through channel
// dispatch. A single session subsystem request starts an SFTP
// RequestServer; the connection closes when the client disconnects or on
// any transport error.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.serverConfig())
	if err != nil {
		s.logger.Debug("sftp ssh handshake failed", "error", err)
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		channel, requests, err := newCh.Accept()
		if err != nil {
			continue
		}
		go s.serveSession(ctx, channel, requests)
	}
}

func (s *Server) serveSession(ctx context.Context, channel ssh.Channel, requests <-chan *ssh.Request) {
	for req := range requests {
		isSubsystem := req.Type == "subsystem" && len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp"
		req.Reply(isSubsystem, nil)
		if !isSubsystem {
			continue
		}

		handlers := sftp.Handlers{
			FileGet:  &fsHandlers{srv: s, ctx: ctx},
			FilePut:  &fsHandlers{srv: s, ctx: ctx},
			FileCmd:  &fsHandlers{srv: s, ctx: ctx},
			FileList: &fsHandlers{srv: s, ctx: ctx},
		}
		reqServer := sftp.NewRequestServer(channel, handlers)
		if err := reqServer.Serve(); err != nil {
			s.logger.Debug("sftp session ended", "error", err)
		}
		return
	}
}

// mapError translates a VirtualFS error into the SFTP status code a client
// expects. pkg/sftp exports no distinct "no such path" status value, so
// ENOTDIR folds into
// NoSuchFile — the closest status a v3 client still recognises as "that
// path is wrong".
func mapError(err error) error {
	switch err {
	case nil:
		return nil
	case vfs.ENOENT, vfs.ENOTDIR:
		return sftp.ErrSSHFxNoSuchFile
	case vfs.EACCES:
		return sftp.ErrSSHFxPermissionDenied
	default:
		return sftp.ErrSSHFxFailure
	}
}

