// Package orchestrator wires the pipeline's components onto one bus in
// their dependency order and runs them as a single service: build the
// storage and bus leaves first, then each later stage subscribing to the
// signal its upstream neighbour emits, then start the long-lived accept
// loops and wait for a shutdown signal.
package orchestrator

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/clutch2sft/iw9165-eventpiped/internal/bus"
	"github.com/clutch2sft/iw9165-eventpiped/internal/config"
	"github.com/clutch2sft/iw9165-eventpiped/internal/devicemanager"
	"github.com/clutch2sft/iw9165-eventpiped/internal/eventstore"
	"github.com/clutch2sft/iw9165-eventpiped/internal/extractor"
	"github.com/clutch2sft/iw9165-eventpiped/internal/listener"
	"github.com/clutch2sft/iw9165-eventpiped/internal/logging"
	"github.com/clutch2sft/iw9165-eventpiped/internal/sftpserver"
	"github.com/clutch2sft/iw9165-eventpiped/internal/syslogsender"
	"github.com/clutch2sft/iw9165-eventpiped/internal/vfs"
	"github.com/clutch2sft/iw9165-eventpiped/internal/windowparser"
)

// ShutdownGrace bounds how long Stop waits for in-flight accept loops to
// notice ctx cancellation before returning.
const ShutdownGrace = 5 * time.Second

// Service is the fully wired pipeline: one VirtualFS, one EventBus, one
// EventStore, and the bus-connected stages built on top of them.
type Service struct {
	logger *slog.Logger

	vfs   *vfs.VFS
	bus   *bus.Bus
	store *eventstore.Store

	listener   *listener.Listener
	devmgr     *devicemanager.Manager
	sftpServer *sftpserver.Server
	extractor  *extractor.Extractor
	winParser  *windowparser.Parser
	forwarder  *syslogsender.Forwarder

	cancel  context.CancelFunc
	stopped chan struct{}
}

// New builds every component named in cfg and binds it to a shared bus,
// leaves first (the virtual filesystem and the bus are built here; the
// message validator is constructed inside the listener), then each later
// stage subscribing to the signal its upstream neighbour emits.
func New(cfg *config.Config, logger *slog.Logger) (*Service, error) {
	logger = logging.Default(logger)

	fsys := vfs.New()
	b := bus.New()
	store := eventstore.New(b, logger)
	store.BindBus()

	profiles := make(map[string]devicemanager.DeviceProfile, len(cfg.DeviceProfiles))
	for name, p := range cfg.DeviceProfiles {
		profiles[name] = devicemanager.DeviceProfile{Port: p.Port, CommandTemplate: p.CommandTemplate}
	}

	lst := listener.New(listener.Config{
		UDPAddr:           joinHostPort(cfg.Listener.Host, cfg.Listener.Port, cfg.Listener.Transport, "udp"),
		TCPAddr:           joinHostPort(cfg.Listener.Host, cfg.Listener.Port, cfg.Listener.Transport, "tcp"),
		ExpectedSecret:    cfg.SharedSecret,
		AllowedExtraChars: cfg.AllowedSecretChars,
		Logger:            logger,
	}, b)

	devmgr := devicemanager.New(devicemanager.Config{
		CredentialsURL: cfg.CredentialsURL,
		IngressIP:      cfg.IngressIP,
		Profiles:       profiles,
		DefaultProfile: cfg.DeviceProfile,
		Logger:         logger,
	}, store)
	devmgr.BindBus(b)

	sftpSrv, err := sftpserver.New(sftpserver.Config{
		BindHost:    cfg.SFTPHostIP,
		BindPort:    cfg.SFTPListenPort,
		HostKeyPath: cfg.SFTPRSAKeyfile,
		Logger:      logger,
	}, fsys, b)
	if err != nil {
		return nil, errors.Wrap(err, "orchestrator: sftpserver init")
	}

	ext := extractor.New(fsys, b, logger)
	ext.BindBus()

	window := time.Duration(cfg.EventWindowSeconds) * time.Second
	winParser := windowparser.New(fsys, b, store, window, logger)
	winParser.BindBus()

	fwd := syslogsender.New(syslogsender.Config{
		CollectorAddr: net.JoinHostPort(cfg.Syslog.IP, cfg.Syslog.Port),
		Transport:     syslogsender.Transport(cfg.Syslog.Transport),
		Logger:        logger,
	}, store)
	fwd.BindBus(b)

	return &Service{
		logger:     logger,
		vfs:        fsys,
		bus:        b,
		store:      store,
		listener:   lst,
		devmgr:     devmgr,
		sftpServer: sftpSrv,
		extractor:  ext,
		winParser:  winParser,
		forwarder:  fwd,
	}, nil
}

// joinHostPort returns host:port when transport matches want, else "" so
// the listener leaves that socket kind disabled. UDPAddr and TCPAddr are
// independently optional.
func joinHostPort(host, port, transport, want string) string {
	if transport != want {
		return ""
	}
	return net.JoinHostPort(host, port)
}

// Run starts the SFTP server and network listener accept loops and blocks
// until ctx is cancelled or either loop exits with an error. Named
// failure points log distinct lines so a start-up failure is attributable
// to a single stage.
func (s *Service) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = make(chan struct{})
	defer close(s.stopped)

	done := make(chan error, 2)
	go func() {
		if err := s.sftpServer.Run(runCtx); err != nil && runCtx.Err() == nil {
			logging.Critical(runCtx, s.logger, "orchestrator: sftpserver exited", "error", err)
			done <- errors.Wrap(err, "sftpserver")
			return
		}
		done <- nil
	}()

	go func() {
		if err := s.listener.Run(runCtx); err != nil && runCtx.Err() == nil {
			logging.Critical(runCtx, s.logger, "orchestrator: listener exited", "error", err)
			done <- errors.Wrap(err, "listener")
			return
		}
		done <- nil
	}()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil && firstErr == nil {
			firstErr = err
			cancel()
		}
	}
	return firstErr
}

// Stop cancels the running accept loops and waits up to ShutdownGrace for
// Run to unwind.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	if err := s.sftpServer.Close(); err != nil {
		s.logger.Warn("orchestrator: sftpserver close", "error", err)
	}

	select {
	case <-s.stopped:
	case <-time.After(ShutdownGrace):
		s.logger.Warn("orchestrator: shutdown grace period elapsed before all loops exited")
	}
}
