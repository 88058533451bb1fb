package gpio

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/filterwheel/internal/debug"
	"github.com/stianeikeland/go-rpio/v4"
)

// rpioPin is the part of rpio.Pin the driver uses.
type rpioPin interface {
	Input()
	Output()
	PullUp()
	High()
	Low()
	Read() rpio.State
}

// RPiDriver is the Raspberry Pi implementation using go-rpio. Pin numbers
// are BCM GPIO numbers. Sensor inputs get the internal pull-up since the
// wheel's hall, identity and diffuser sensors pull their lines low.
type RPiDriver struct {
	mu    sync.Mutex
	pin   func(int) rpioPin
	close func() error
	pins  map[int]rpioPin
	modes map[int]PinMode
}

// NewRPiRealDriver creates a real GPIO driver for Raspberry Pi.
// Requires running on a Raspberry Pi with access to /dev/gpiomem or as root.
func NewRPiRealDriver() (*RPiDriver, error) {
	debug.Info("Initializing real GPIO driver (go-rpio)")

	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("failed to open GPIO: %w (are you running on a Raspberry Pi?)", err)
	}

	debug.Verbose("GPIO memory mapped successfully")
	return newRPiDriver(func(n int) rpioPin { return rpio.Pin(n) }, rpio.Close), nil
}

func newRPiDriver(pin func(int) rpioPin, closeFn func() error) *RPiDriver {
	return &RPiDriver{
		pin:   pin,
		close: closeFn,
		pins:  make(map[int]rpioPin),
		modes: make(map[int]PinMode),
	}
}

func (r *RPiDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setupLocked(pin, mode)
}

func (r *RPiDriver) setupLocked(pin int, mode PinMode) error {
	p, ok := r.pins[pin]
	if ok && r.modes[pin] == mode {
		return nil
	}
	if !ok {
		p = r.pin(pin)
	}
	switch mode {
	case Input:
		p.Input()
		p.PullUp()
	case Output:
		p.Output()
		p.Low()
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}
	r.pins[pin] = p
	r.modes[pin] = mode
	return nil
}

// WritePin drives an output, turning an unknown or input pin into an output
// first.
func (r *RPiDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.modes[pin] != Output || r.pins[pin] == nil {
		if err := r.setupLocked(pin, Output); err != nil {
			return err
		}
	}
	if level == High {
		r.pins[pin].High()
	} else {
		r.pins[pin].Low()
	}
	return nil
}

// ReadPin samples a pin. A pin never set up becomes a pulled-up input;
// an output reads back its driven level.
func (r *RPiDriver) ReadPin(pin int) (Level, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pins[pin] == nil {
		if err := r.setupLocked(pin, Input); err != nil {
			return Low, err
		}
	}
	state := r.pins[pin].Read()
	debug.GPIO("ReadPin", pin, state)
	return levelOf(int(state)), nil
}

// Close drives every output low (diffuser out, rotation off), returns all
// pins to inputs and unmaps the GPIO memory.
func (r *RPiDriver) Close() error {
	debug.Trace("GPIO Close (rpio)")
	r.mu.Lock()
	defer r.mu.Unlock()
	for pin, p := range r.pins {
		if r.modes[pin] == Output {
			debug.Verbose("Driving output %d low", pin)
			p.Low()
		}
		p.Input()
		delete(r.pins, pin)
		delete(r.modes, pin)
	}
	return r.close()
}
