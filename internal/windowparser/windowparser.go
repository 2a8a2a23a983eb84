// Package windowparser reacts to ExtractionCompleted by slicing each
// extracted file down to the lines whose embedded timestamp falls within
// the fault window, and attaching the survivors to the EventRecord under
// a per-file category.
package windowparser

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/clutch2sft/iw9165-eventpiped/internal/bus"
	"github.com/clutch2sft/iw9165-eventpiped/internal/eventstore"
	"github.com/clutch2sft/iw9165-eventpiped/internal/logging"
	"github.com/clutch2sft/iw9165-eventpiped/internal/vfs"
)

// Sender identifies this component's publications on the bus.
const Sender = "windowparser"

// DefaultWindow is the fallback ±W applied when a caller configures zero.
const DefaultWindow = 2 * time.Second

const timestampLayout = "01/02/2006 15:04:05.000000"

// Parser filters extracted log files down to their fault-window lines.
type Parser struct {
	vfs    *vfs.VFS
	bus    *bus.Bus
	store  *eventstore.Store
	window time.Duration
	logger *slog.Logger
}

// New constructs a Parser filtering lines to ±window around each event's
// fault timestamp. A zero window means DefaultWindow.
func New(fsys *vfs.VFS, b *bus.Bus, store *eventstore.Store, window time.Duration, logger *slog.Logger) *Parser {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Parser{
		vfs:    fsys,
		bus:    b,
		store:  store,
		window: window,
		logger: logging.Default(logger).With("component", "windowparser"),
	}
}

// BindBus subscribes to ExtractionCompleted.
func (p *Parser) BindBus() {
	p.bus.Subscribe(bus.SignalExtractionCompleted, "", func(ctx context.Context, sender string, payload any) {
		pl, ok := payload.(bus.ExtractionCompletedPayload)
		if !ok {
			return
		}
		p.Handle(ctx, pl.Directory, pl.ExtractedItems, pl.EventID)
	})
}

// Handle runs the window filter over every extracted file and attaches
// survivors to the named EventRecord.
func (p *Parser) Handle(ctx context.Context, directory string, files []string, eventID string) {
	rec, ok := p.store.Get(eventID)
	if !ok {
		p.logger.Error("windowparser: unknown event id, cannot attach logs", "event_id", eventID, "directory", directory)
		if err := p.vfs.RemoveTree(directory); err != nil {
			p.logger.Error("windowparser: scratch directory cleanup failed", "dir", directory, "error", err)
		}
		return
	}

	base := rec.Datetime

	for _, filePath := range files {
		attr, err := p.vfs.Stat(filePath)
		if err != nil {
			p.logger.Error("windowparser: stat failed", "path", filePath, "error", err)
			continue
		}
		if attr.Size == 0 {
			continue
		}

		lines, err := p.filterFile(filePath, base)
		if err != nil {
			p.logger.Error("windowparser: read failed", "path", filePath, "error", err)
			continue
		}
		if len(lines) == 0 {
			continue
		}

		category := categoryFromPath(filePath)
		if err := p.store.AttachCategorised(ctx, eventID, map[string][]string{category: lines}); err != nil {
			p.logger.Error("windowparser: attach failed", "event_id", eventID, "error", err)
		}
	}

	p.bus.Send(ctx, bus.SignalLogProcessingCompleted, Sender, bus.LogProcessingCompletedPayload{EventID: eventID})

	if err := p.vfs.RemoveTree(directory); err != nil {
		p.logger.Error("windowparser: scratch directory cleanup failed", "dir", directory, "error", err)
	}
}

func categoryFromPath(p string) string {
	base := path.Base(p)
	if idx := strings.IndexByte(base, '.'); idx >= 0 {
		return base[:idx]
	}
	return base
}

// filterFile runs a single-pass window filter: lines are assumed
// monotonically non-decreasing in time, so the scan exits as soon as a
// timestamp strictly after base+window is seen.
func (p *Parser) filterFile(filePath string, base time.Time) ([]string, error) {
	h, err := p.vfs.OpenForRead(filePath)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	lowerBound := base.Add(-p.window)
	upperBound := base.Add(p.window)

	var kept []string
	scanner := bufio.NewScanner(h)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "[") {
			continue
		}
		ts, err := parseLineTimestamp(line)
		if err != nil {
			p.logger.Error("windowparser: unparsable bracketed timestamp, skipping line", "path", filePath, "error", err)
			continue
		}
		if ts.After(upperBound) {
			break
		}
		if ts.Before(lowerBound) {
			continue
		}
		kept = append(kept, line)
	}
	return kept, scanner.Err()
}

// parseLineTimestamp extracts and parses the bracketed timestamp prefix
// of a log line: the substring between the leading '[' and the first
// ']' is stripped of any '*' marker and parsed as
// MM/DD/YYYY HH:MM:SS.ffffff. Callers must already know line starts with
// "[".
func parseLineTimestamp(line string) (time.Time, error) {
	end := strings.IndexByte(line, ']')
	if end < 0 {
		return time.Time{}, errors.New("windowparser: no closing bracket")
	}
	raw := strings.ReplaceAll(line[1:end], "*", "")
	return time.Parse(timestampLayout, raw)
}

