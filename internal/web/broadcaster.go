package web

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/cjeanneret/filterwheel/internal/logic/motion"
)

// StatusEvent is a single message pushed to the SSE and WebSocket streams.
// Log lines carry only Msg; status changes and operation verdicts also
// carry the wheel status.
type StatusEvent struct {
	Time   string         `json:"t"`
	Level  string         `json:"l,omitempty"`
	Kind   string         `json:"kind,omitempty"` // "log", "status" or "result"
	Msg    string         `json:"msg"`
	OK     *bool          `json:"ok,omitempty"`
	Status *motion.Status `json:"status,omitempty"`
}

// StatusBroadcaster distributes events to every stream client.
type StatusBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
}

// NewStatusBroadcaster creates a new broadcaster.
func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		clients: make(map[chan string]struct{}),
	}
}

// Subscribe returns a channel that receives broadcast messages and a cleanup function.
// The caller must call the returned cleanup when done (e.g. on client disconnect).
func (b *StatusBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Clients returns the number of subscribers.
func (b *StatusBroadcaster) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Publish stamps evt and sends it to all subscribed clients as JSON.
// Slow clients may miss messages (non-blocking, buffered).
func (b *StatusBroadcaster) Publish(evt StatusEvent) {
	if evt.Time == "" {
		evt.Time = time.Now().Format(time.RFC3339)
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	payload := string(data)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
			// channel full, skip
		}
	}
}

// Broadcast sends a log message: {"t":"...","l":"info","kind":"log","msg":"..."}
func (b *StatusBroadcaster) Broadcast(level, msg string) {
	b.Publish(StatusEvent{Level: level, Kind: "log", Msg: msg})
}

// BroadcastMsg is a convenience for level "info".
func (b *StatusBroadcaster) BroadcastMsg(msg string) {
	b.Broadcast("info", msg)
}

// BroadcastStatus sends a status snapshot rendered as keywords.
func (b *StatusBroadcaster) BroadcastStatus(s motion.Status) {
	b.Publish(StatusEvent{Level: "info", Kind: "status", Msg: s.KeywordString(), Status: &s})
}

// BroadcastResult sends the verdict of a completed operation.
func (b *StatusBroadcaster) BroadcastResult(res motion.Result) {
	level := "info"
	if !res.OK {
		level = "error"
	}
	ok := res.OK
	s := res.Status
	b.Publish(StatusEvent{Level: level, Kind: "result", Msg: res.String(), OK: &ok, Status: &s})
}

// BroadcastWriter implements io.Writer; each Write broadcasts the content to stream clients.
func BroadcastWriter(b *StatusBroadcaster) *broadcastWriter {
	return &broadcastWriter{b: b}
}

// broadcastWriter wraps StatusBroadcaster as io.Writer for use with debug.SetOutput.
type broadcastWriter struct {
	b *StatusBroadcaster
}

func (w *broadcastWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimSpace(string(p))
	if msg != "" {
		w.b.BroadcastMsg(msg)
	}
	return len(p), nil
}
