// Package listener runs concurrent UDP and TCP accept loops that decode
// PLC trigger messages, validate them, and publish NetworkDataReceived on
// the bus.
package listener

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/clutch2sft/iw9165-eventpiped/internal/bus"
	"github.com/clutch2sft/iw9165-eventpiped/internal/logging"
	"github.com/clutch2sft/iw9165-eventpiped/internal/validator"
)

// Sender identifies this component's publications on the bus.
const Sender = "listener"

// pollInterval bounds how long an accept/read call blocks before the loop
// rechecks ctx, so a cancelled context stops the listener promptly without
// requiring a second goroutine per socket.
const pollInterval = time.Second

// tcpChunkSize is the read granularity for the TCP trigger form.
const tcpChunkSize = 1024

// Config configures one NetworkListener instance. UDPAddr and TCPAddr are
// independently optional; at least one must be set.
type Config struct {
	UDPAddr string
	TCPAddr string

	ExpectedSecret    string
	AllowedExtraChars string

	Logger *slog.Logger
}

// Listener runs the UDP and/or TCP trigger accept loops.
type Listener struct {
	udpAddr string
	tcpAddr string

	validator *validator.Validator
	bus       *bus.Bus
	logger    *slog.Logger

	mu      sync.Mutex
	udpConn *net.UDPConn
	tcpLn   net.Listener
}

// New constructs a Listener publishing decoded triggers on b.
func New(cfg Config, b *bus.Bus) *Listener {
	return &Listener{
		udpAddr:   cfg.UDPAddr,
		tcpAddr:   cfg.TCPAddr,
		validator: validator.New(cfg.ExpectedSecret, cfg.AllowedExtraChars),
		bus:       b,
		logger:    logging.Default(cfg.Logger).With("component", "listener"),
	}
}

// Run starts the configured accept loops and blocks until ctx is cancelled
// or an unrecoverable bind error occurs on one of them.
func (l *Listener) Run(ctx context.Context) error {
	if l.udpAddr == "" && l.tcpAddr == "" {
		return errors.New("listener: no UDP or TCP address configured")
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	if l.udpAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.runUDP(ctx); err != nil {
				errCh <- err
			}
		}()
	}
	if l.tcpAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.runTCP(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		l.shutdown()
		wg.Wait()
		return nil
	case err := <-errCh:
		l.shutdown()
		wg.Wait()
		return err
	}
}

func (l *Listener) shutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.udpConn != nil {
		l.udpConn.Close()
		l.udpConn = nil
	}
	if l.tcpLn != nil {
		l.tcpLn.Close()
		l.tcpLn = nil
	}
}

func (l *Listener) runUDP(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.udpAddr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.udpConn = conn
	l.mu.Unlock()
	l.logger.Info("udp trigger listener starting", "addr", conn.LocalAddr().String())

	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		conn.SetReadDeadline(time.Now().Add(pollInterval))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.logger.Warn("udp read error", "error", err)
			continue
		}
		if n == 0 {
			continue
		}
		l.handleUDPDatagram(ctx, append([]byte(nil), buf[:n]...))
	}
}

func (l *Listener) handleUDPDatagram(ctx context.Context, raw []byte) {
	trig, err := validator.ParseUDP(raw)
	if err != nil {
		l.logger.Error("udp trigger decode failed", "error", err)
		return
	}
	l.publishIfValid(ctx, trig)
}

func (l *Listener) runTCP(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.tcpAddr)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.tcpLn = ln
	l.mu.Unlock()
	l.logger.Info("tcp trigger listener starting", "addr", ln.Addr().String())

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
			l.logger.Warn("tcp accept error", "error", err)
			continue
		}

		wg.Add(1)
		go func(conn net.Conn) {
			defer wg.Done()
			defer conn.Close()
			l.handleTCPConn(ctx, conn)
		}(conn)
	}
}

// handleTCPConn reads in 1024-byte chunks until EOF, parses the binary
// trigger form, and closes the connection after one message: callers are
// expected to open a fresh connection per trigger.
func (l *Listener) handleTCPConn(ctx context.Context, conn net.Conn) {
	var body bytes.Buffer
	chunk := make([]byte, tcpChunkSize)
	for {
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		n, err := conn.Read(chunk)
		if n > 0 {
			body.Write(chunk[:n])
		}
		if err != nil {
			if err != io.EOF {
				l.logger.Error("tcp trigger read error", "error", err)
				return
			}
			break
		}
	}

	trig, err := validator.ParseTCP(body.Bytes())
	if err != nil {
		l.logger.Error("tcp trigger decode failed", "error", err)
		return
	}
	l.publishIfValid(ctx, trig)
}

func (l *Listener) publishIfValid(ctx context.Context, trig validator.DecodedTrigger) {
	if !l.validator.Validate(trig) {
		l.logger.Error("trigger failed validation", "ip", trig.IP, "error_code", trig.ErrorCode)
		return
	}
	// Neither wire form carries a free-form text field; EventRecord.Text
	// starts empty and is never filled by the trigger path.
	l.bus.Send(ctx, bus.SignalNetworkDataReceived, Sender, bus.NetworkDataReceivedPayload{
		IP:        trig.IP,
		Datetime:  trig.Datetime,
		Text:      "",
		ErrorCode: trig.ErrorCode,
	})
}
