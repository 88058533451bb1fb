package stepper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cjeanneret/filterwheel/internal/debug"
	"go.bug.st/serial"
)

var (
	// ErrReply is returned when the controller answers a command with an error.
	ErrReply = errors.New("motor controller rejected command")
	// ErrTimeout is returned when no complete reply arrives in time.
	ErrTimeout = errors.New("motor controller reply timeout")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("motor controller connection closed")
)

// Port is the subset of a serial port the client needs. go.bug.st/serial
// ports satisfy it; tests use an in-memory fake.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// Config holds the serial line and motion profile of the controller.
type Config struct {
	Device      string
	BaudRate    int
	ReadTimeout time.Duration // per reply; 0 = 500ms
	DelayScale  float64       // multiplies init settle delays; 0 = 1
	LowSpeed    int
	HighSpeed   int
	Accel       int
	Decel       int
}

// Client talks to a stepper controller using its ASCII command set: each
// command is terminated by CR and answered by a single CR terminated line.
// A reply starting with '?' is an error.
type Client struct {
	mu      sync.Mutex
	port    Port
	timeout time.Duration
	cfg     Config
	closed  bool

	// sleep is replaced in tests to skip init settle delays
	sleep func(ctx context.Context, d time.Duration) error
}

// Open opens the serial device described by cfg.
func Open(cfg Config) (*Client, error) {
	debug.Info("Opening motor controller on %s (%d baud)", cfg.Device, cfg.BaudRate)
	p, err := serial.Open(cfg.Device, &serial.Mode{BaudRate: cfg.BaudRate})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Device, err)
	}
	return New(p, cfg), nil
}

// New wraps an already open port.
func New(p Port, cfg Config) *Client {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}
	if cfg.DelayScale <= 0 {
		cfg.DelayScale = 1
	}
	return &Client{
		port:    p,
		timeout: cfg.ReadTimeout,
		cfg:     cfg,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Send writes one command and returns the controller's reply with the
// terminator stripped.
func (c *Client) Send(cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", ErrClosed
	}
	reply, err := c.exchange(cmd)
	debug.Motor(cmd, reply, err)
	return reply, err
}

func (c *Client) exchange(cmd string) (string, error) {
	if _, err := c.port.Write([]byte(cmd + "\r")); err != nil {
		return "", fmt.Errorf("write %q: %w", cmd, err)
	}
	if err := c.port.SetReadTimeout(c.timeout / 5); err != nil {
		return "", fmt.Errorf("set read timeout: %w", err)
	}

	var line []byte
	buf := make([]byte, 64)
	deadline := time.Now().Add(c.timeout)
	for {
		n, err := c.port.Read(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("read reply to %q: %w", cmd, err)
		}
		for _, b := range buf[:n] {
			if b == '\r' || b == '\n' {
				if len(line) == 0 {
					continue
				}
				return parseReply(cmd, string(line))
			}
			line = append(line, b)
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("%w: %q", ErrTimeout, cmd)
		}
	}
}

func parseReply(cmd, reply string) (string, error) {
	reply = strings.TrimSpace(reply)
	if strings.HasPrefix(reply, "?") {
		return reply, fmt.Errorf("%w: %s -> %s", ErrReply, cmd, reply)
	}
	return reply, nil
}

type initStep struct {
	cmd   string
	delay time.Duration
}

// initSequence returns the power-up command list. Most commands only need a
// short settle; reset, write and storage commands need longer.
func (c *Client) initSequence() []initStep {
	short := 100 * time.Millisecond
	return []initStep{
		{"ID", short},
		{"DN", short},
		{"ABS", short},
		{"DOBOOT=0", short},
		{"EDIO=0", short},
		{"POL=4", short},
		{"POL=6", short},
		{"POL=1", short},
		{"SCV=0", short},
		{"IERR=1", short},
		{"MST", short},
		{"RR", 2500 * time.Millisecond},
		{"DRVRC=1500", short},
		{"RW", 2 * time.Second},
		{"SL=1", time.Second},
		{"SLR=25", 2500 * time.Millisecond},
		{"CLR", short},
		{fmt.Sprintf("LSPD=%d", c.cfg.LowSpeed), short},
		{fmt.Sprintf("HSPD=%d", c.cfg.HighSpeed), short},
		{fmt.Sprintf("ACC=%d", c.cfg.Accel), short},
		{fmt.Sprintf("DEC=%d", c.cfg.Decel), short},
		{"EO=1", short},
	}
}

// Init flushes the line and runs the controller's power-up sequence,
// finishing with the motor energised. Replies are logged, not checked:
// identification commands answer with free text.
func (c *Client) Init(ctx context.Context) error {
	debug.Section("Motor controller init")
	c.mu.Lock()
	err := c.port.ResetInputBuffer()
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("flush input: %w", err)
	}
	for i, step := range c.initSequence() {
		debug.Step(i+1, step.cmd)
		if _, err := c.Send(step.cmd); err != nil {
			if errors.Is(err, ErrReply) {
				debug.Warn("init %s: %v", step.cmd, err)
			} else {
				return fmt.Errorf("init %s: %w", step.cmd, err)
			}
		}
		d := time.Duration(float64(step.delay) * c.cfg.DelayScale)
		if err := c.sleep(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) query(cmd string) (float64, error) {
	reply, err := c.Send(cmd)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(reply, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s reply %q: %w", cmd, reply, err)
	}
	return v, nil
}

// Encoder returns the encoder position (EX).
func (c *Client) Encoder() (float64, error) {
	return c.query("EX")
}

// Position returns the commanded motor position (PX).
func (c *Client) Position() (float64, error) {
	return c.query("PX")
}

// Status returns the motor status word (MST). 0 means stopped.
func (c *Client) Status() (int, error) {
	v, err := c.query("MST")
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

// SetPosition sets both the motor and the encoder position counters.
func (c *Client) SetPosition(pos int64) error {
	if _, err := c.Send(fmt.Sprintf("PX=%d", pos)); err != nil {
		return err
	}
	_, err := c.Send(fmt.Sprintf("EX=%d", pos))
	return err
}

// MoveAbs starts an absolute move and returns without waiting.
func (c *Client) MoveAbs(pos int64) error {
	_, err := c.Send(fmt.Sprintf("X%d", pos))
	return err
}

// Stop requests an immediate stop.
func (c *Client) Stop() error {
	_, err := c.Send("STOP")
	return err
}

// On energises the motor.
func (c *Client) On() error {
	_, err := c.Send("EO=1")
	return err
}

// Off de-energises the motor.
func (c *Client) Off() error {
	_, err := c.Send("EO=0")
	return err
}

// Close releases the port. Further calls return ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	debug.Trace("Motor controller close")
	return c.port.Close()
}
