// Package channel joins the GPIO driver and the stepper motor controller
// into the single blocking hardware interface used by the wheel logic.
package channel

import (
	"errors"
	"fmt"

	"github.com/cjeanneret/filterwheel/internal/config"
	"github.com/cjeanneret/filterwheel/internal/debug"
	"github.com/cjeanneret/filterwheel/internal/hw/gpio"
)

// Motor is the part of the stepper client the channel needs.
type Motor interface {
	Send(cmd string) (string, error)
	Encoder() (float64, error)
	Status() (int, error)
	Close() error
}

// Channel implements the wheel's hardware interface on real devices.
type Channel struct {
	gpio  gpio.Driver
	motor Motor
}

// New sets up every configured pin (sensors as inputs, actuators as
// outputs driven low) and returns the channel.
func New(g gpio.Driver, m Motor, cfg *config.Config) (*Channel, error) {
	inputs := []int{cfg.Wheel.Pins.Hall}
	inputs = append(inputs, cfg.Wheel.Pins.IDBits...)
	d := cfg.Diffuser.Pins
	inputs = append(inputs, d.InSensor, d.OutSensor, d.AtSpeed, d.Cover)
	outputs := []int{d.Command, d.Rotate}

	for _, p := range inputs {
		if err := g.SetupPin(p, gpio.Input); err != nil {
			return nil, fmt.Errorf("setup input pin %d: %w", p, err)
		}
	}
	for _, p := range outputs {
		if err := g.SetupPin(p, gpio.Output); err != nil {
			return nil, fmt.Errorf("setup output pin %d: %w", p, err)
		}
		if err := g.WritePin(p, gpio.Low); err != nil {
			return nil, fmt.Errorf("reset output pin %d: %w", p, err)
		}
	}
	debug.Verbose("Hardware channel ready: %d inputs, %d outputs", len(inputs), len(outputs))
	return &Channel{gpio: g, motor: m}, nil
}

func (c *Channel) ReadBit(pin int) (bool, error) {
	l, err := c.gpio.ReadPin(pin)
	return bool(l), err
}

func (c *Channel) WriteBit(pin int, v bool) error {
	return c.gpio.WritePin(pin, gpio.Level(v))
}

func (c *Channel) SendMotorCommand(cmd string) (string, error) {
	return c.motor.Send(cmd)
}

func (c *Channel) ReadEncoderPosition() (float64, error) {
	return c.motor.Encoder()
}

func (c *Channel) ReadMotorStatus() (int, error) {
	return c.motor.Status()
}

// Close de-energises the motor and releases both devices.
func (c *Channel) Close() error {
	var errs []error
	if _, err := c.motor.Send("EO=0"); err != nil {
		errs = append(errs, fmt.Errorf("motor off: %w", err))
	}
	if err := c.motor.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.gpio.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
