package web

import (
	"context"
	"io/fs"
	"net/http"
	"time"

	"github.com/cjeanneret/filterwheel/internal/debug"
)

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers

	// StatusInterval is how often the status snapshot is checked for
	// changes to push on the streams; zero disables the push.
	StatusInterval time.Duration
}

// NewServer creates a server configured for the given address and dependencies.
func NewServer(addr string, broadcaster *StatusBroadcaster, wheel Wheel, diffuser Diffuser) (*Server, error) {
	subFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return nil, err
	}
	return &Server{
		addr:           addr,
		handlers:       NewHandlers(broadcaster, wheel, diffuser, subFS),
		StatusInterval: 500 * time.Millisecond,
	}, nil
}

// Mux returns an http.Handler with all routes registered.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /home", s.handlers.HandleHome)
	mux.HandleFunc("POST /move", s.handlers.HandleMove)
	mux.HandleFunc("POST /stop", s.handlers.HandleStop)
	mux.HandleFunc("GET /status", s.handlers.HandleStatus)
	mux.HandleFunc("POST /diffuser/rotation/{action}", s.handlers.HandleRotation)
	mux.HandleFunc("POST /diffuser/{position}", s.handlers.HandleDiffuser)
	mux.HandleFunc("GET /status/stream", s.handlers.HandleStatusStream)
	mux.HandleFunc("GET /status/ws", s.handlers.HandleStatusWS)
	mux.HandleFunc("GET /{$}", s.handlers.ServeIndex) // exact match for root only

	return mux
}

// watchStatus pushes the status snapshot on the streams whenever its
// keyword rendering changes.
func (s *Server) watchStatus(ctx context.Context) {
	if s.StatusInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.StatusInterval)
	defer ticker.Stop()
	last := ""
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.handlers.Wheel.Snapshot()
			if kw := st.KeywordString(); kw != last {
				last = kw
				s.handlers.Broadcaster.BroadcastStatus(st)
			}
		}
	}
}

// Run starts the server and blocks until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.handlers.base = ctx
	srv := &http.Server{Addr: s.addr, Handler: s.Mux()}
	errCh := make(chan error, 1)
	go func() {
		debug.Info("Web server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()
	go s.watchStatus(ctx)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
