// Package syslogsender reacts to LogProcessingCompleted by formatting
// every attached log line as an RFC 3164-flavoured datagram and
// forwarding it to a configured collector over a persistent UDP or TCP
// socket.
package syslogsender

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/clutch2sft/iw9165-eventpiped/internal/bus"
	"github.com/clutch2sft/iw9165-eventpiped/internal/eventstore"
	"github.com/clutch2sft/iw9165-eventpiped/internal/logging"
)

// Sender identifies this component's publications on the bus. SyslogSender
// emits no further signal (it is the pipeline's terminal stage) but the
// constant is kept for log-line correlation consistency with the rest of
// the service.
const Sender = "syslogsender"

// facilityPriority is local0.info: facility 16 * 8 + severity 6 = 134.
const facilityPriority = 134

// Transport selects the outbound socket kind.
type Transport string

const (
	TransportUDP Transport = "udp"
	TransportTCP Transport = "tcp"
)

// Config configures one SyslogSender.
type Config struct {
	CollectorAddr string // host:port
	Transport     Transport
	Logger        *slog.Logger
}

// Forwarder is the pipeline's terminal stage: it turns categorised log
// lines into outbound syslog datagrams.
type Forwarder struct {
	cfg    Config
	store  *eventstore.Store
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	conn net.Conn
}

// New constructs a SyslogSender reading EventRecords from store.
func New(cfg Config, store *eventstore.Store) *Forwarder {
	return &Forwarder{
		cfg:    cfg,
		store:  store,
		logger: logging.Default(cfg.Logger).With("component", "syslogsender"),
		now:    time.Now,
	}
}

// BindBus subscribes to LogProcessingCompleted.
func (s *Forwarder) BindBus(b *bus.Bus) {
	b.Subscribe(bus.SignalLogProcessingCompleted, "", func(ctx context.Context, sender string, payload any) {
		p, ok := payload.(bus.LogProcessingCompletedPayload)
		if !ok {
			return
		}
		s.Handle(p.EventID)
	})
}

// sourceIP derives the originating IP from an event ID's "{ip}_{dts}" shape.
func sourceIP(eventID string) string {
	if idx := strings.IndexByte(eventID, '_'); idx >= 0 {
		return eventID[:idx]
	}
	return eventID
}

// Handle emits one syslog message per attached log line, across every
// category, in a stable (sorted) category order.
func (s *Forwarder) Handle(eventID string) {
	rec, ok := s.store.Get(eventID)
	if !ok {
		s.logger.Error("syslogsender: unknown event id", "event_id", eventID)
		return
	}

	ip := sourceIP(eventID)
	categorised := rec.CategorisedLogs()
	categories := make([]string, 0, len(categorised))
	for cat := range categorised {
		categories = append(categories, cat)
	}
	sort.Strings(categories)

	for _, cat := range categories {
		for _, line := range categorised[cat] {
			msg := formatMessage(ip, cat, line, s.now())
			if err := s.send([]byte(msg)); err != nil {
				s.logger.Error("syslogsender: send failed", "event_id", eventID, "category", cat, "error", err)
			}
		}
	}
}

// formatMessage renders "<134>{timestamp} {source_ip} IWPLOGPARSER
// {cat}: {ln}\n".
func formatMessage(ip, category, line string, now time.Time) string {
	return fmt.Sprintf("<%d>%s %s IWPLOGPARSER %s: %s\n",
		facilityPriority, now.Format("Jan _2 15:04:05"), ip, category, line)
}

// send writes to the persistent socket, reopening it on first use or
// after a prior failure.
func (s *Forwarder) send(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		conn, err := net.Dial(string(s.cfg.Transport), s.cfg.CollectorAddr)
		if err != nil {
			return errors.Wrap(err, "dial collector")
		}
		s.conn = conn
	}

	_, err := s.conn.Write(msg)
	if err != nil {
		s.conn.Close()
		s.conn = nil
	}
	return err
}

// Close closes the underlying socket, if any.
func (s *Forwarder) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
