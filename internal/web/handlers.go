package web

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"time"

	"github.com/cjeanneret/filterwheel/internal/debug"
	"github.com/cjeanneret/filterwheel/internal/logic/motion"
	"github.com/gorilla/websocket"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 10

// Wheel is the motion controller as seen by the HTTP handlers.
type Wheel interface {
	Home(ctx context.Context) (<-chan motion.Result, error)
	MoveToFilter(ctx context.Context, id int) (<-chan motion.Result, error)
	Stop(ctx context.Context) error
	Status(ctx context.Context) (motion.Status, error)
	Snapshot() motion.Status
}

// Diffuser is the diffuser controller as seen by the HTTP handlers.
type Diffuser interface {
	In(ctx context.Context) (<-chan motion.Result, error)
	Out(ctx context.Context) (<-chan motion.Result, error)
	StartRotation(ctx context.Context) error
	StopRotation(ctx context.Context) error
}

// MoveRequest is the body of POST /move.
type MoveRequest struct {
	Filter int `json:"filter"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Wheel       Wheel
	Diffuser    Diffuser
	staticFS    fs.FS
	upgrader    websocket.Upgrader

	// base outlives requests; operation results are awaited on it.
	base context.Context
}

// NewHandlers creates handlers with the given dependencies. A nil diffuser
// makes the diffuser endpoints answer 503.
func NewHandlers(broadcaster *StatusBroadcaster, wheel Wheel, diffuser Diffuser, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster: broadcaster,
		Wheel:       wheel,
		Diffuser:    diffuser,
		staticFS:    staticFS,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		base: context.Background(),
	}
}

// httpStatus maps a rejection to its HTTP status code.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, motion.ErrInvalidFilter):
		return http.StatusBadRequest
	case errors.Is(err, motion.ErrBusy),
		errors.Is(err, motion.ErrNotHomed),
		errors.Is(err, motion.ErrNotInPosition),
		errors.Is(err, motion.ErrDiffuserBusy):
		return http.StatusConflict
	case errors.Is(err, motion.ErrLoopStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, httpStatus(err), map[string]string{"error": err.Error()})
}

// accept answers 202 and broadcasts the result once the operation completes.
func (h *Handlers) accept(w http.ResponseWriter, op string, ch <-chan motion.Result) {
	go func() {
		select {
		case res, ok := <-ch:
			if ok {
				h.Broadcaster.BroadcastResult(res)
			}
		case <-h.base.Done():
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "op": op})
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleHome handles POST /home.
func (h *Handlers) HandleHome(w http.ResponseWriter, r *http.Request) {
	ch, err := h.Wheel.Home(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	h.accept(w, "home", ch)
}

// HandleMove handles POST /move with {"filter": N}.
func (h *Handlers) HandleMove(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req MoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	ch, err := h.Wheel.MoveToFilter(r.Context(), req.Filter)
	if err != nil {
		writeError(w, err)
		return
	}
	h.accept(w, "move", ch)
}

// HandleStop handles POST /stop.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	if err := h.Wheel.Stop(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// HandleStatus handles GET /status with a freshly read status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	s, err := h.Wheel.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// HandleDiffuser handles POST /diffuser/{position} (in or out).
func (h *Handlers) HandleDiffuser(w http.ResponseWriter, r *http.Request) {
	if h.Diffuser == nil {
		http.Error(w, "no diffuser", http.StatusServiceUnavailable)
		return
	}
	var start func(context.Context) (<-chan motion.Result, error)
	switch r.PathValue("position") {
	case "in":
		start = h.Diffuser.In
	case "out":
		start = h.Diffuser.Out
	default:
		http.Error(w, "position must be in or out", http.StatusBadRequest)
		return
	}
	ch, err := start(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	h.accept(w, "diffuser", ch)
}

// HandleRotation handles POST /diffuser/rotation/{action} (start or stop).
func (h *Handlers) HandleRotation(w http.ResponseWriter, r *http.Request) {
	if h.Diffuser == nil {
		http.Error(w, "no diffuser", http.StatusServiceUnavailable)
		return
	}
	var err error
	switch action := r.PathValue("action"); action {
	case "start":
		err = h.Diffuser.StartRotation(r.Context())
	case "stop":
		err = h.Diffuser.StopRotation(r.Context())
	default:
		http.Error(w, "action must be start or stop", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// Send initial comment to establish connection
	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// HandleStatusWS handles GET /status/ws. The stream carries the same JSON
// events as the SSE endpoint, one per text message, starting with the
// current status. Anything the client sends is ignored.
func (h *Handlers) HandleStatusWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		debug.Verbose("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// read pump: only to notice the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					debug.Verbose("WebSocket read: %v", err)
				}
				return
			}
		}
	}()

	s := h.Wheel.Snapshot()
	initial, _ := json.Marshal(StatusEvent{
		Time:   time.Now().Format(time.RFC3339),
		Level:  "info",
		Kind:   "status",
		Msg:    s.KeywordString(),
		Status: &s,
	})
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, initial); err != nil {
		return
	}

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}
