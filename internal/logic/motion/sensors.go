package motion

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/cjeanneret/filterwheel/internal/debug"
)

type motorState int

const (
	motorStopped motorState = iota
	motorMoving
	motorUnknown
)

// maxUnknownStatus bounds how many consecutive unclassifiable status words
// a pending operation tolerates before it fails.
const maxUnknownStatus = 250

// classifyMotor interprets the controller status word: the low three bits
// flag motion (accelerating, constant speed, decelerating in any
// combination); anything above that is not a motion state we understand.
// An operation keeps polling through such words, up to maxUnknownStatus
// in a row.
func classifyMotor(st int) motorState {
	switch {
	case st == 0:
		return motorStopped
	case st > 0 && st <= 7:
		return motorMoving
	default:
		return motorUnknown
	}
}

// readHall returns true while a magnet is under the sensor (line is active low).
func (c *Controller) readHall() (bool, error) {
	raw, err := c.hw.ReadBit(c.pins.Hall)
	if err != nil {
		return false, fmt.Errorf("read hall: %w", err)
	}
	c.st.HallTriggered = !raw
	return !raw, nil
}

// readIdentity decodes the active-low 3 bit wheel code. Zero means the home
// magnet is not aligned.
func (c *Controller) readIdentity() (*int, error) {
	code := 0
	for i, pin := range c.pins.IDBits {
		raw, err := c.hw.ReadBit(pin)
		if err != nil {
			return nil, fmt.Errorf("read wheel id bit %d: %w", i, err)
		}
		if !raw {
			code |= 1 << i
		}
	}
	if code == 0 {
		c.st.WheelIdentityCode = nil
		return nil, nil
	}
	c.st.WheelIdentityCode = &code
	return &code, nil
}

// rawBits renders hall and id lines as read (hall, 4s, 2s, 1s).
func (c *Controller) rawBits() string {
	var b strings.Builder
	pins := []int{c.pins.Hall, c.pins.IDBits[2], c.pins.IDBits[1], c.pins.IDBits[0]}
	for _, p := range pins {
		raw, err := c.hw.ReadBit(p)
		switch {
		case err != nil:
			b.WriteByte('?')
		case raw:
			b.WriteByte('1')
		default:
			b.WriteByte('0')
		}
	}
	return b.String()
}

func (c *Controller) readEncoder() (int64, error) {
	v, err := c.hw.ReadEncoderPosition()
	if err != nil {
		return 0, fmt.Errorf("read encoder: %w", err)
	}
	pos := int64(math.Round(v))
	c.st.EncoderPosition = pos
	c.st.EncoderValid = true
	return pos, nil
}

func (c *Controller) readMotor() (motorState, error) {
	st, err := c.hw.ReadMotorStatus()
	if err != nil {
		return motorUnknown, fmt.Errorf("read motor status: %w", err)
	}
	c.st.MotorStatus = st
	m := classifyMotor(st)
	if m == motorUnknown {
		debug.Warn("motor status %d: unknown motion state", st)
	}
	c.st.MotorMoving = m == motorMoving
	return m, nil
}

// motorDuring reads the motor state on behalf of op. When the status word
// stays unknown for too long, the motor is stopped, op fails and ended is
// true.
func (c *Controller) motorDuring(op *operation) (m motorState, ended bool, err error) {
	m, err = c.readMotor()
	if err != nil {
		return m, false, err
	}
	if m != motorUnknown {
		op.unknown = 0
		return m, false, nil
	}
	op.unknown++
	if op.unknown < maxUnknownStatus {
		return m, false, nil
	}
	if _, serr := c.hw.SendMotorCommand("STOP"); serr != nil {
		debug.Error(serr)
	}
	c.failSync(op, fmt.Sprintf("%s (%d)", ReasonUnknownMotor, c.st.MotorStatus), nil)
	return m, true, nil
}

func (c *Controller) readMotorPosition() (float64, error) {
	reply, err := c.hw.SendMotorCommand("PX")
	if err != nil {
		return 0, fmt.Errorf("read motor position: %w", err)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(reply), 64)
	if err != nil {
		return 0, fmt.Errorf("parse motor position %q: %w", reply, err)
	}
	c.st.MotorPosition = &v
	return v, nil
}

func (c *Controller) command(cmd string) error {
	if _, err := c.hw.SendMotorCommand(cmd); err != nil {
		return fmt.Errorf("motor command %s: %w", cmd, err)
	}
	return nil
}

// zeroPosition resets both the motor and encoder counters.
func (c *Controller) zeroPosition() error {
	if err := c.command("PX=0"); err != nil {
		return err
	}
	if err := c.command("EX=0"); err != nil {
		return err
	}
	c.st.EncoderPosition = 0
	c.st.EncoderValid = true
	return nil
}

// driveBy starts a move of steps relative to the current motor position.
// The controller works in motor steps while targets are computed in
// encoder counts, so moves are always issued as offsets.
func (c *Controller) driveBy(steps float64, reason string) error {
	px, err := c.readMotorPosition()
	if err != nil {
		return err
	}
	target := int64(math.Round(px + steps))
	debug.Move(int64(math.Round(px)), target, reason)
	return c.command(fmt.Sprintf("X%d", target))
}
