package analysis

import (
	"strings"
	"sync"
	"time"

	analysisrepo "reviewstream/internal/gateway/repository/analysis"
	"reviewstream/internal/stream"
)

const completedAnalysisRetention = 30 * time.Second

// EventType tags a live-transport frame.
type EventType string

const (
	// EventChunk carries verbatim stdout/stderr text.
	EventChunk EventType = "chunk"
	// EventProgress carries a sandbox progress message.
	EventProgress EventType = "progress"
	// EventSegments carries the typed segments of a completed response
	// span.
	EventSegments EventType = "segments"
	// EventToolCall carries one normalized tool invocation.
	EventToolCall EventType = "tool_call"
	// EventStatus carries a lifecycle status change. A terminal status
	// frame is always the last frame of a watch stream.
	EventStatus EventType = "status"
)

// Event is one live-transport frame for an analysis watcher.
type Event struct {
	Type       EventType           `json:"type"`
	AnalysisID string              `json:"analysisId"`
	Text       string              `json:"text,omitempty"`
	Segments   []stream.Segment    `json:"segments,omitempty"`
	Call       *stream.ToolCall    `json:"call,omitempty"`
	Status     analysisrepo.Status `json:"status,omitempty"`
	Message    string              `json:"message,omitempty"`
}

// EventBroker manages per-analysis event channels. Publishing never
// blocks: frames to a full (slow or disconnected) watcher are dropped,
// because live-transport delivery must not stall side-store persistence.
type EventBroker struct {
	mu     sync.RWMutex
	events map[string]chan Event
}

func NewEventBroker() *EventBroker {
	return &EventBroker{events: make(map[string]chan Event)}
}

// Allocate creates and registers the event channel for an analysis.
func (b *EventBroker) Allocate(analysisID string, size int) chan Event {
	if size <= 0 {
		size = 1
	}
	ch := make(chan Event, size)
	b.mu.Lock()
	b.events[strings.TrimSpace(analysisID)] = ch
	b.mu.Unlock()
	return ch
}

// Get returns the event channel for an analysis.
func (b *EventBroker) Get(analysisID string) (chan Event, bool) {
	b.mu.RLock()
	ch, ok := b.events[strings.TrimSpace(analysisID)]
	b.mu.RUnlock()
	return ch, ok
}

// Publish sends without blocking; it reports whether the frame was
// accepted. The read lock is held across the send: Close takes the write
// lock for both the unregister and the channel close, so a publish can
// never race a close of the same channel.
func (b *EventBroker) Publish(analysisID string, ev Event) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ch, ok := b.events[strings.TrimSpace(analysisID)]
	if !ok {
		return false
	}
	select {
	case ch <- ev:
		return true
	default:
		return false
	}
}

// Close closes the channel so watchers drain remaining frames and stop.
// Closing an already-closed analysis is a no-op.
func (b *EventBroker) Close(analysisID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := strings.TrimSpace(analysisID)
	ch, ok := b.events[id]
	if !ok {
		return
	}
	delete(b.events, id)
	close(ch)
}

// ScheduleCleanup removes the channel after a retention window so a
// briefly disconnected client can still reconnect and drain the tail.
func (b *EventBroker) ScheduleCleanup(analysisID string) {
	time.AfterFunc(completedAnalysisRetention, func() {
		b.Close(analysisID)
	})
}
