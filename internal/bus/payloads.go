package bus

import (
	"io/fs"
	"time"
)

// FileSystem is the minimal capability FileReceivedPayload needs to hand a
// downstream subscriber (Extractor) a way to open the written archive. It
// is satisfied structurally by *vfs.VFS without bus importing the vfs
// package, keeping the bus a dependency-free leaf.
type FileSystem interface {
	OpenRead(path string) (fs.File, error)
}

// NetworkDataReceivedPayload is emitted by NetworkListener after a trigger
// datagram passes validation.
type NetworkDataReceivedPayload struct {
	IP        string
	Datetime  time.Time
	Text      string
	ErrorCode string
}

// CIPEventCreatedPayload is emitted by EventStore.Add.
type CIPEventCreatedPayload struct {
	EventID string
}

// FileReceivedPayload is emitted by SFTPServer on close-after-write: the
// correlation latch that starts extraction.
type FileReceivedPayload struct {
	Path string
	FS   FileSystem
}

// ExtractionCompletedPayload is emitted by Extractor.
type ExtractionCompletedPayload struct {
	Directory      string
	ExtractedItems []string
	EventID        string
}

// LogProcessingCompletedPayload is emitted by WindowParser.
type LogProcessingCompletedPayload struct {
	EventID string
}

// EventUpdatedPayload is the advisory signal emitted by
// EventStore.AttachCategorised.
type EventUpdatedPayload struct {
	EventID string
}
