package notify

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/batchsum/engine/pkg/progress"
)

// WebSocketSink fans events out to connected browser clients, one
// buffered channel per connection so a slow reader cannot block
// delivery to anyone else. Every lifecycle operation shares one
// broadcast path through the typed Event envelope.
type WebSocketSink struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan Event
}

// NewWebSocketSink builds an empty WebSocketSink.
func NewWebSocketSink() *WebSocketSink {
	return &WebSocketSink{clients: make(map[*websocket.Conn]chan Event)}
}

// Register adds a connection, returning the channel the connection's
// write pump should drain and a function to call when the connection
// closes.
func (w *WebSocketSink) Register(conn *websocket.Conn) (ch chan Event, unregister func()) {
	ch = make(chan Event, 100)
	w.mu.Lock()
	w.clients[conn] = ch
	w.mu.Unlock()

	return ch, func() {
		w.mu.Lock()
		delete(w.clients, conn)
		w.mu.Unlock()
		close(ch)
	}
}

func (w *WebSocketSink) broadcast(evt Event) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, ch := range w.clients {
		select {
		case ch <- evt:
		default:
			// client channel full, drop rather than block the
			// orchestrator.
		}
	}
}

func (w *WebSocketSink) ProgressUpdate(batchID string, snapshot progress.Snapshot) {
	w.broadcast(Event{Type: EventProgressUpdate, BatchID: batchID, Data: snapshot})
}

func (w *WebSocketSink) StatusChange(batchID, status, message string) {
	w.broadcast(Event{Type: EventStatusChange, BatchID: batchID, Data: map[string]string{
		"status": status, "message": message,
	}})
}

func (w *WebSocketSink) SegmentCompleted(batchID string, index int, result string) {
	w.broadcast(Event{Type: EventSegmentCompleted, BatchID: batchID, Data: map[string]interface{}{
		"index": index, "result": result,
	}, Terminal: true})
}

func (w *WebSocketSink) BatchCompleted(batchID string, view interface{}) {
	w.broadcast(Event{Type: EventBatchCompleted, BatchID: batchID, Data: view, Terminal: true})
}

func (w *WebSocketSink) Error(batchID, message string) {
	w.broadcast(Event{Type: EventError, BatchID: batchID, Data: message})
}

func (w *WebSocketSink) CancellationRequested(batchID string, graceful bool) {
	w.broadcast(Event{Type: EventCancellationRequested, BatchID: batchID, Data: map[string]bool{"graceful": graceful}})
}

func (w *WebSocketSink) PartialResultSaved(batchID, partialID string) {
	w.broadcast(Event{Type: EventPartialResultSaved, BatchID: batchID, Data: partialID})
}

func (w *WebSocketSink) RecoveryCompleted(batchID string, success bool, durationMs int64) {
	w.broadcast(Event{Type: EventRecoveryCompleted, BatchID: batchID, Data: map[string]interface{}{
		"success": success, "durationMs": durationMs,
	}, Terminal: true})
}

func (w *WebSocketSink) UIReset(batchID string) {
	w.broadcast(Event{Type: EventUIReset, BatchID: batchID})
}

func (w *WebSocketSink) ProgressReset(batchID string) {
	w.broadcast(Event{Type: EventProgressReset, BatchID: batchID})
}

func (w *WebSocketSink) UIRecoveryCompleted(batchID string) {
	w.broadcast(Event{Type: EventUIRecoveryCompleted, BatchID: batchID, Terminal: true})
}
