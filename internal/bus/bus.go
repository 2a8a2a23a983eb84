// Package bus implements the in-process, typed publish/subscribe layer
// that coordinates the pipeline's stages. Each Signal carries a fixed
// payload shape (see payloads.go) fixed at compile time; there is no
// dynamic late-binding of topic names at runtime.
package bus

import (
	"context"
	"sync"
)

// Signal is an enumerated bus topic.
type Signal string

const (
	// SignalNetworkDataReceived carries NetworkDataReceivedPayload.
	SignalNetworkDataReceived Signal = "NetworkDataReceived"
	// SignalCIPEventCreated carries CIPEventCreatedPayload.
	SignalCIPEventCreated Signal = "CIPEventCreated"
	// SignalFileReceived carries FileReceivedPayload.
	SignalFileReceived Signal = "FileReceived"
	// SignalExtractionCompleted carries ExtractionCompletedPayload.
	SignalExtractionCompleted Signal = "ExtractionCompleted"
	// SignalLogProcessingCompleted carries LogProcessingCompletedPayload.
	SignalLogProcessingCompleted Signal = "LogProcessingCompleted"
	// SignalEventUpdated is advisory, emitted whenever EventStore attaches
	// new categorised log lines to an existing record.
	SignalEventUpdated Signal = "EventUpdated"
)

// Handler receives a dispatched signal. sender identifies the publishing
// component (used for the subscriber's sender-filter, not for routing);
// payload is one of the concrete *Payload types in payloads.go, matching
// signal.
type Handler func(ctx context.Context, sender string, payload any)

type subscription struct {
	handler Handler
	sender  string // empty string means "any sender"
}

// Bus is a named-signal synchronous dispatcher. Handlers
// run inline on the publisher's goroutine; a handler that blocks or does
// I/O must hand off to its own worker goroutine, the bus itself never
// schedules one.
type Bus struct {
	mu   sync.Mutex
	subs map[Signal][]subscription
}

// New returns an empty Bus ready for Subscribe/Send.
func New() *Bus {
	return &Bus{subs: make(map[Signal][]subscription)}
}

// Subscribe registers handler for signal. If sender is non-empty, handler
// only fires for Send calls whose sender argument matches exactly.
// Registering the same handler twice causes it to run twice per Send —
// Subscribe performs no deduplication.
func (b *Bus) Subscribe(signal Signal, sender string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[signal] = append(b.subs[signal], subscription{handler: handler, sender: sender})
}

// Send dispatches payload to every subscriber of signal, in registration
// order, filtering by sender where requested. The subscriber list is
// snapshotted before dispatch so that a handler subscribing mid-dispatch
// only affects subsequent Send calls, never the one in progress.
func (b *Bus) Send(ctx context.Context, signal Signal, sender string, payload any) {
	b.mu.Lock()
	subs := make([]subscription, len(b.subs[signal]))
	copy(subs, b.subs[signal])
	b.mu.Unlock()

	for _, s := range subs {
		if s.sender != "" && s.sender != sender {
			continue
		}
		s.handler(ctx, sender, payload)
	}
}
