// Package command serves the line-oriented TCP interface used by the
// observatory control software. Each request line is
//
//	[cmdID] verb [args]
//
// and every reply line is "cmdID code text" where code is one of
// CodeRunning, CodeInfo, CodeDone or CodeFailed.
package command

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/cjeanneret/filterwheel/internal/debug"
	"github.com/cjeanneret/filterwheel/internal/logic/motion"
)

// Reply codes.
const (
	CodeRunning = '>'
	CodeInfo    = 'i'
	CodeDone    = ':'
	CodeFailed  = 'f'
)

// MaxLineBytes bounds a request line.
const MaxLineBytes = 1024

// Wheel is the motion controller as seen by the command server.
type Wheel interface {
	Home(ctx context.Context) (<-chan motion.Result, error)
	MoveToFilter(ctx context.Context, id int) (<-chan motion.Result, error)
	Stop(ctx context.Context) error
	Init(ctx context.Context) error
	Status(ctx context.Context) (motion.Status, error)
	Snapshot() motion.Status
}

// Diffuser is the diffuser controller as seen by the command server.
type Diffuser interface {
	In(ctx context.Context) (<-chan motion.Result, error)
	Out(ctx context.Context) (<-chan motion.Result, error)
	StartRotation(ctx context.Context) error
	StopRotation(ctx context.Context) error
}

// Server accepts command connections, at most maxUsers at a time.
type Server struct {
	wheel    Wheel
	diff     Diffuser
	maxUsers int

	mu       sync.Mutex
	sessions map[*session]struct{}
	wg       sync.WaitGroup
}

// NewServer creates a command server. A nil diffuser makes the diffuser
// verbs fail.
func NewServer(w Wheel, d Diffuser, maxUsers int) *Server {
	if maxUsers <= 0 {
		maxUsers = 1
	}
	return &Server{
		wheel:    w,
		diff:     d,
		maxUsers: maxUsers,
		sessions: make(map[*session]struct{}),
	}
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("command listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then closes every
// session and waits for them.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	debug.Info("Command server listening on %s", ln.Addr())
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	defer s.shutdown()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("command accept: %w", err)
		}
		sess := &session{srv: s, conn: conn}
		if !s.register(sess) {
			debug.Warn("Command connection from %s refused: %d users already connected", conn.RemoteAddr(), s.maxUsers)
			sess.reply(0, CodeFailed, "too many users")
			conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.unregister(sess)
			sess.serve(ctx)
		}()
	}
}

func (s *Server) register(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sessions) >= s.maxUsers {
		return false
	}
	s.sessions[sess] = struct{}{}
	debug.Live("Command client %s connected", sess.conn.RemoteAddr())
	return true
}

func (s *Server) unregister(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
	sess.conn.Close()
	debug.Live("Command client %s disconnected", sess.conn.RemoteAddr())
}

func (s *Server) shutdown() {
	s.mu.Lock()
	for sess := range s.sessions {
		sess.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// broadcast writes an info line to every connected user.
func (s *Server) broadcast(id int, text string) {
	s.mu.Lock()
	list := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		list = append(list, sess)
	}
	s.mu.Unlock()
	for _, sess := range list {
		sess.reply(id, CodeInfo, text)
	}
}

// Users returns the number of connected clients.
func (s *Server) Users() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

type session struct {
	srv  *Server
	conn net.Conn
	wmu  sync.Mutex
}

func (c *session) reply(id int, code byte, text string) {
	line := fmt.Sprintf("%d %c", id, code)
	if text != "" {
		line += " " + text
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		debug.Verbose("Command reply to %s dropped: %v", c.conn.RemoteAddr(), err)
	}
}

func (c *session) serve(ctx context.Context) {
	sc := bufio.NewScanner(c.conn)
	sc.Buffer(make([]byte, 0, 256), MaxLineBytes)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		debug.Verbose("Command from %s: %s", c.conn.RemoteAddr(), line)
		id, verb, args := parseLine(line)
		c.dispatch(ctx, id, verb, args)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		debug.Verbose("Command connection %s: %v", c.conn.RemoteAddr(), err)
	}
}

// parseLine splits "[cmdID] verb [args]". A missing cmdID is 0.
func parseLine(line string) (id int, verb string, args []string) {
	fields := strings.Fields(line)
	if n, err := strconv.Atoi(fields[0]); err == nil {
		id = n
		fields = fields[1:]
	}
	if len(fields) == 0 {
		return id, "", nil
	}
	return id, fields[0], fields[1:]
}
