package api

import (
	"log/slog"
	"sync"
)

// sinkQueueSize bounds the sink's buffer between the emitting goroutine and
// the broadcast pump.
const sinkQueueSize = 256

type queuedEvent struct {
	event   string
	payload map[string]any
}

// WebSocketSink is a telemetry sink that feeds the dashboard. Emit never
// blocks: events are queued and dropped when the dashboard falls behind.
type WebSocketSink struct {
	manager *ConnectionManager
	queue   chan queuedEvent

	closeOnce sync.Once
	done      chan struct{}
}

// NewWebSocketSink starts the pump that forwards queued events to the
// manager.
func NewWebSocketSink(manager *ConnectionManager) *WebSocketSink {
	s := &WebSocketSink{
		manager: manager,
		queue:   make(chan queuedEvent, sinkQueueSize),
		done:    make(chan struct{}),
	}
	go s.pump()
	return s
}

// Emit queues the event for broadcast, dropping it if the queue is full.
func (s *WebSocketSink) Emit(event string, payload map[string]any) {
	select {
	case s.queue <- queuedEvent{event: event, payload: payload}:
	default:
		slog.Warn("Dashboard queue full, dropping event", "event", event)
	}
}

// Close stops the pump after draining queued events.
func (s *WebSocketSink) Close() {
	s.closeOnce.Do(func() {
		close(s.queue)
		<-s.done
	})
}

func (s *WebSocketSink) pump() {
	defer close(s.done)
	for item := range s.queue {
		s.manager.Ingest(item.event, item.payload)
	}
}
