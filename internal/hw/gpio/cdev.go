package gpio

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/filterwheel/internal/debug"
	"github.com/warthog618/go-gpiocdev"
)

// CdevDriver drives GPIO lines through the Linux GPIO character device.
// Pin numbers are line offsets on the configured chip.
type CdevDriver struct {
	chip  string
	mu    sync.Mutex
	lines map[int]*gpiocdev.Line
	modes map[int]PinMode
}

// NewCdevDriver creates a driver for a chip such as "gpiochip0".
func NewCdevDriver(chip string) (*CdevDriver, error) {
	if chip == "" {
		chip = "gpiochip0"
	}
	debug.Info("Initializing GPIO character device driver on %s", chip)
	return &CdevDriver{
		chip:  chip,
		lines: make(map[int]*gpiocdev.Line),
		modes: make(map[int]PinMode),
	}, nil
}

func (c *CdevDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setupLocked(pin, mode)
}

func (c *CdevDriver) setupLocked(pin int, mode PinMode) error {
	if l, ok := c.lines[pin]; ok {
		if c.modes[pin] == mode {
			return nil
		}
		var err error
		switch mode {
		case Input:
			err = l.Reconfigure(gpiocdev.AsInput)
		case Output:
			err = l.Reconfigure(gpiocdev.AsOutput(0))
		}
		if err != nil {
			return fmt.Errorf("reconfigure %s line %d: %w", c.chip, pin, err)
		}
		c.modes[pin] = mode
		return nil
	}

	var opt gpiocdev.LineReqOption
	switch mode {
	case Input:
		opt = gpiocdev.AsInput
	case Output:
		opt = gpiocdev.AsOutput(0)
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}
	l, err := gpiocdev.RequestLine(c.chip, pin, opt, gpiocdev.WithConsumer("filterwheel"))
	if err != nil {
		return fmt.Errorf("request %s line %d: %w", c.chip, pin, err)
	}
	c.lines[pin] = l
	c.modes[pin] = mode
	return nil
}

func (c *CdevDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.modes[pin] != Output || c.lines[pin] == nil {
		if err := c.setupLocked(pin, Output); err != nil {
			return err
		}
	}
	v := 0
	if level == High {
		v = 1
	}
	if err := c.lines[pin].SetValue(v); err != nil {
		return fmt.Errorf("write %s line %d: %w", c.chip, pin, err)
	}
	return nil
}

func (c *CdevDriver) ReadPin(pin int) (Level, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lines[pin] == nil {
		if err := c.setupLocked(pin, Input); err != nil {
			return Low, err
		}
	}
	v, err := c.lines[pin].Value()
	if err != nil {
		return Low, fmt.Errorf("read %s line %d: %w", c.chip, pin, err)
	}
	debug.GPIO("ReadPin", pin, v)
	return levelOf(v), nil
}

func (c *CdevDriver) Close() error {
	debug.Trace("GPIO Close (gpiocdev)")
	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	for pin, l := range c.lines {
		if c.modes[pin] == Output {
			driveLow(c.chip, pin, l)
		}
		if err := l.Close(); err != nil && first == nil {
			first = err
		}
		delete(c.lines, pin)
	}
	return first
}

type valueSetter interface {
	SetValue(v int) error
}

// driveLow releases an output on Close. A failure is logged and does not
// stop the remaining lines from being released.
func driveLow(chip string, pin int, l valueSetter) {
	if err := l.SetValue(0); err != nil {
		debug.Error(fmt.Errorf("drive %s line %d low: %w", chip, pin, err))
	}
}
