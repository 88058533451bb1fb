package gpio

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/filterwheel/internal/debug"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

// levelOf maps a raw line value (0 or 1) onto a Level.
func levelOf(v int) Level {
	return Level(v != 0)
}

// PinMode indicates whether a GPIO is input or output.
type PinMode int

const (
	Input PinMode = iota
	Output
)

func (m PinMode) String() string {
	if m == Output {
		return "output"
	}
	return "input"
}

// Driver defines the abstract interface for controlling GPIOs.
// Pins are addressed by the digital I/O numbers used in the config file;
// each driver maps them onto its own line numbering.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	Close() error
}

// NewDriver creates a GPIO driver by name: "gpiocdev" (Linux character
// device, default), "rpio" (Raspberry Pi memory mapped) or "mock".
func NewDriver(name, chip string) (Driver, error) {
	switch name {
	case "mock":
		debug.Info("Using MOCK GPIO driver (development mode)")
		return NewMockDriver(), nil
	case "rpio":
		return NewRPiRealDriver()
	case "", "gpiocdev":
		return NewCdevDriver(chip)
	default:
		return nil, fmt.Errorf("unknown gpio driver %q", name)
	}
}

// MockDriver keeps pin levels in memory. Writes are read back; inputs can
// be forced with Set. Used for development on PC or testing.
type MockDriver struct {
	mu     sync.Mutex
	levels map[int]Level
	modes  map[int]PinMode
}

// NewMockDriver returns an empty mock; every pin reads Low until set.
func NewMockDriver() *MockDriver {
	return &MockDriver{
		levels: make(map[int]Level),
		modes:  make(map[int]PinMode),
	}
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	m.mu.Lock()
	m.modes[pin] = mode
	m.mu.Unlock()
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	m.mu.Lock()
	m.levels[pin] = level
	m.mu.Unlock()
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	m.mu.Lock()
	l := m.levels[pin]
	m.mu.Unlock()
	debug.GPIO("ReadPin", pin, l)
	return l, nil
}

// Set forces the level seen by ReadPin, as an external signal would.
func (m *MockDriver) Set(pin int, level Level) {
	m.mu.Lock()
	m.levels[pin] = level
	m.mu.Unlock()
}

// Mode reports how a pin was set up.
func (m *MockDriver) Mode(pin int) (PinMode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mode, ok := m.modes[pin]
	return mode, ok
}

func (m *MockDriver) Close() error {
	debug.Trace("GPIO Close (mock)")
	return nil
}
