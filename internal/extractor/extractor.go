// Package extractor reacts to FileReceived by unpacking the uploaded
// gzip+tar archive into a fresh scratch directory and emitting
// ExtractionCompleted.
package extractor

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/clutch2sft/iw9165-eventpiped/internal/bus"
	"github.com/clutch2sft/iw9165-eventpiped/internal/logging"
	"github.com/clutch2sft/iw9165-eventpiped/internal/vfs"
)

// Sender identifies this component's publications on the bus.
const Sender = "extractor"

const scratchRoot = "/extracts"

// Extractor unpacks one received archive at a time into a scratch
// directory.
type Extractor struct {
	vfs    *vfs.VFS
	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time
}

// New constructs an Extractor over fs, emitting ExtractionCompleted on b.
func New(fsys *vfs.VFS, b *bus.Bus, logger *slog.Logger) *Extractor {
	return &Extractor{
		vfs:    fsys,
		bus:    b,
		logger: logging.Default(logger).With("component", "extractor"),
		now:    time.Now,
	}
}

// BindBus subscribes to FileReceived.
func (e *Extractor) BindBus() {
	e.bus.Subscribe(bus.SignalFileReceived, "", func(ctx context.Context, sender string, payload any) {
		p, ok := payload.(bus.FileReceivedPayload)
		if !ok {
			return
		}
		e.Handle(ctx, p.Path)
	})
}

// deriveEventID strips the ".tar.gz" suffix from an archive's basename —
// uploaded archives are named "<event_id>.tar.gz", and event_id itself
// contains dots (the source IP), so only the known suffix can be
// trimmed safely.
func deriveEventID(archivePath string) string {
	return strings.TrimSuffix(path.Base(archivePath), ".tar.gz")
}

// scratchDirName builds /extracts/extract_<UTC-yyyyMMddHHmmss>/, appending
// a uuid suffix when a scratch directory for the same second already
// exists.
func (e *Extractor) scratchDirName() string {
	stamp := e.now().UTC().Format("20060102150405")
	base := path.Join(scratchRoot, "extract_"+stamp)
	if _, err := e.vfs.Stat(base); err != nil {
		return base
	}
	return base + "_" + uuid.NewString()
}

// Handle runs the extraction for one FileReceived event.
func (e *Extractor) Handle(ctx context.Context, archivePath string) {
	eventID := deriveEventID(archivePath)
	scratchDir := e.scratchDirName()

	items, err := e.extract(archivePath, scratchDir)
	if err != nil {
		e.logger.Error("extraction failed", "archive", archivePath, "event_id", eventID, "error", err)
		if rmErr := e.vfs.RemoveTree(scratchDir); rmErr != nil {
			e.logger.Error("scratch directory cleanup failed", "dir", scratchDir, "error", rmErr)
		}
		return
	}

	if err := e.vfs.Remove(archivePath); err != nil {
		e.logger.Error("failed to remove extracted archive", "archive", archivePath, "error", err)
	}

	e.bus.Send(ctx, bus.SignalExtractionCompleted, Sender, bus.ExtractionCompletedPayload{
		Directory:      scratchDir,
		ExtractedItems: items,
		EventID:        eventID,
	})
}

// extract opens archivePath, walks the gzip+tar stream, and lays members
// down under scratchDir: directories become mkdir -p, regular files are
// extracted at the same relative path, other types are skipped.
func (e *Extractor) extract(archivePath, scratchDir string) ([]string, error) {
	if err := e.vfs.MkdirAll(scratchDir); err != nil {
		return nil, errors.Wrap(err, "create scratch directory")
	}

	handle, err := e.vfs.OpenForRead(archivePath)
	if err != nil {
		return nil, errors.Wrap(err, "open archive")
	}
	defer handle.Close()

	gzr, err := gzip.NewReader(handle)
	if err != nil {
		return nil, errors.Wrap(err, "gzip")
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	var items []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "tar")
		}

		memberPath := path.Join(scratchDir, path.Clean("/"+hdr.Name))
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := e.vfs.MkdirAll(memberPath); err != nil {
				return nil, errors.Wrapf(err, "mkdir %s", memberPath)
			}
		case tar.TypeReg:
			if err := e.vfs.MkdirAll(path.Dir(memberPath)); err != nil {
				return nil, errors.Wrapf(err, "mkdir parent of %s", memberPath)
			}
			out, err := e.vfs.Open(memberPath, vfs.FlagWrite|vfs.FlagCreate|vfs.FlagTruncate)
			if err != nil {
				return nil, errors.Wrapf(err, "create %s", memberPath)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return nil, errors.Wrapf(err, "write %s", memberPath)
			}
			if err := out.Close(); err != nil {
				return nil, errors.Wrapf(err, "close %s", memberPath)
			}
			items = append(items, memberPath)
		default:
			// Symlinks, hardlinks, devices: not meaningful inside the
			// virtual filesystem, skipped.
			continue
		}
	}
	return items, nil
}
