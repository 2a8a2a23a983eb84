// Package eventstore is the in-memory registry of EventRecords, keyed by a
// composite event ID, and the attach-point for categorised log lines
// produced later in the pipeline.
package eventstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clutch2sft/iw9165-eventpiped/internal/bus"
	"github.com/clutch2sft/iw9165-eventpiped/internal/errorcode"
	"github.com/clutch2sft/iw9165-eventpiped/internal/logging"
)

// EventRecord is the correlation spine threaded through the rest of the
// pipeline. Once constructed, IP, Datetime, Text, ErrorCode, and ID never
// change; CategorisedLogs only grows.
type EventRecord struct {
	ID        string
	IP        string
	Datetime  time.Time
	Text      string
	ErrorCode string

	mu              sync.Mutex
	generalLogs     []string
	categorisedLogs map[string][]string
}

// ArchiveName is the uploaded archive's expected filename, "{id}.tar.gz".
func (e *EventRecord) ArchiveName() string {
	return e.ID + ".tar.gz"
}

// CategorisedLogs returns a snapshot copy of the per-category log lines
// attached so far.
func (e *EventRecord) CategorisedLogs() map[string][]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string][]string, len(e.categorisedLogs))
	for cat, lines := range e.categorisedLogs {
		cp := make([]string, len(lines))
		copy(cp, lines)
		out[cat] = cp
	}
	return out
}

// deriveID builds "{ip}_{dts}", rendered the same way the upload archive
// name is expected to carry it, e.g. "192.0.2.5_2024-04-02T00:45:01".
func deriveID(ip string, dts time.Time) string {
	return fmt.Sprintf("%s_%s", ip, dts.UTC().Format("2006-01-02T15:04:05"))
}

// Store is a primary id_map index and a secondary ip -> datetime ->
// []*EventRecord index, both protected by a single mutex. One Store per
// process.
type Store struct {
	bus    *bus.Bus
	logger *slog.Logger

	mu   sync.Mutex
	byID map[string]*EventRecord
	byIP map[string]map[time.Time][]*EventRecord
}

// New constructs a Store that emits CIPEventCreated and EventUpdated on b.
func New(b *bus.Bus, logger *slog.Logger) *Store {
	return &Store{
		bus:    b,
		logger: logging.Default(logger).With("component", "eventstore"),
		byID:   make(map[string]*EventRecord),
		byIP:   make(map[string]map[time.Time][]*EventRecord),
	}
}

// Sender identifies this component's publications on the bus.
const Sender = "eventstore"

// BindBus subscribes the store to NetworkDataReceived: every validated
// trigger becomes an EventRecord.
func (s *Store) BindBus() {
	s.bus.Subscribe(bus.SignalNetworkDataReceived, "", func(ctx context.Context, sender string, payload any) {
		p, ok := payload.(bus.NetworkDataReceivedPayload)
		if !ok {
			return
		}
		s.Add(ctx, p.IP, p.Datetime, p.Text, p.ErrorCode)
	})
}

// Add constructs an EventRecord and inserts it into both indices, emitting
// CIPEventCreated. A duplicate ID is rejected with a Notice-level log line
// and no signal is emitted, since a duplicate ID can only mean a forged or
// replayed trigger.
func (s *Store) Add(ctx context.Context, ip string, dts time.Time, text, errorCode string) (*EventRecord, bool) {
	id := deriveID(ip, dts)

	s.mu.Lock()
	if _, exists := s.byID[id]; exists {
		s.mu.Unlock()
		logging.Notice(ctx, s.logger, "duplicate event id rejected", "id", id, "ip", ip)
		return nil, false
	}

	rec := &EventRecord{
		ID:              id,
		IP:              ip,
		Datetime:        dts,
		Text:            text,
		ErrorCode:       errorCode,
		categorisedLogs: make(map[string][]string),
	}
	s.byID[id] = rec
	if s.byIP[ip] == nil {
		s.byIP[ip] = make(map[time.Time][]*EventRecord)
	}
	s.byIP[ip][dts] = append(s.byIP[ip][dts], rec)
	s.mu.Unlock()

	logging.Notice(ctx, s.logger, "event stored", "id", id, "error_code", errorCode, "error_description", errorcode.Describe(errorCode))
	s.bus.Send(ctx, bus.SignalCIPEventCreated, Sender, bus.CIPEventCreatedPayload{EventID: id})
	return rec, true
}

// Get looks up an EventRecord by ID.
func (s *Store) Get(id string) (*EventRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	return rec, ok
}

// AttachCategorised appends lines under each category in categorised to the
// named EventRecord, creating categories as needed, then emits the
// advisory EventUpdated signal.
func (s *Store) AttachCategorised(ctx context.Context, id string, categorised map[string][]string) error {
	rec, ok := s.Get(id)
	if !ok {
		return fmt.Errorf("eventstore: no such event %q", id)
	}

	rec.mu.Lock()
	for cat, lines := range categorised {
		rec.categorisedLogs[cat] = append(rec.categorisedLogs[cat], lines...)
	}
	rec.mu.Unlock()

	s.bus.Send(ctx, bus.SignalEventUpdated, Sender, bus.EventUpdatedPayload{EventID: id})
	return nil
}
