// Package sim simulates the filter wheel, its motor controller and the
// diffuser behind the same blocking hardware interface as the real
// channel. Motion advances by a fixed number of steps on every motor
// status read, so runs are deterministic for a given command sequence.
package sim

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/cjeanneret/filterwheel/internal/config"
	"github.com/cjeanneret/filterwheel/internal/debug"
)

// ErrInjected is returned by calls failed on purpose through FailNext.
var ErrInjected = errors.New("simulated hardware fault")

// Options describes the simulated mechanics.
type Options struct {
	StepsPerRev   int   // physical steps per wheel revolution
	Magnets       []int // magnet start positions within a revolution; [0] is home
	HallWidth     int   // steps a magnet keeps the hall sensor active
	StartPosition int64 // physical position at power up
	WheelID       int   // identity code shown at the home magnet (1..7)
	StepsPerTick  int   // steps travelled per motor status read
	Overshoot     int   // steps travelled after STOP
	DriftPerMove  int   // encoder counts lost on every move command
	DiffuserReads int   // in-sensor reads for the diffuser to travel
	DiffuserStuck bool  // diffuser never reaches either end
	CoverOn       bool
	NoHall        bool // hall sensor dead
}

// DefaultOptions returns a wheel resembling the real one: 8000 steps per
// revolution, six magnets 1333 steps apart, 32 step hall pulses.
func DefaultOptions() Options {
	const rev = 8000
	magnets := make([]int, 6)
	for i := range magnets {
		magnets[i] = 500 + int(math.Round(float64(i)*rev/6))
	}
	return Options{
		StepsPerRev:   rev,
		Magnets:       magnets,
		HallWidth:     32,
		WheelID:       5,
		StepsPerTick:  16,
		Overshoot:     2,
		DiffuserReads: 3,
	}
}

// Wheel is the simulated hardware. It is safe for concurrent use.
type Wheel struct {
	mu   sync.Mutex
	opt  Options
	pins config.WheelPins
	dpin config.DiffuserPins

	phys    int64 // physical position, unbounded
	pxZero  int64 // PX = phys - pxZero
	exZero  int64 // EX = phys - exZero + drift
	drift   int64
	target  int64
	moving  bool
	arrived bool
	powered bool

	outputs        map[int]bool
	diffuserAt     int // 0 = out ... DiffuserReads = in
	statusOverride []int
	failNext       int
	calls          int
	commands       []string
}

// New builds a simulated wheel wired to the configured pins.
func New(cfg *config.Config, opt Options) *Wheel {
	if opt.StepsPerRev <= 0 {
		opt = DefaultOptions()
	}
	if opt.StepsPerTick <= 0 {
		opt.StepsPerTick = 16
	}
	w := &Wheel{
		opt:     opt,
		pins:    cfg.Wheel.Pins,
		dpin:    cfg.Diffuser.Pins,
		phys:    opt.StartPosition,
		target:  opt.StartPosition,
		outputs: make(map[int]bool),
	}
	debug.Info("Using SIMULATED filter wheel (id=%d, %d magnets)", opt.WheelID, len(opt.Magnets))
	return w
}

func (w *Wheel) enter() error {
	w.calls++
	if w.failNext > 0 {
		w.failNext--
		return ErrInjected
	}
	return nil
}

// magnetAt returns the index of the magnet under the sensor, or -1.
func (w *Wheel) magnetAt() int {
	if w.opt.NoHall {
		return -1
	}
	rev := int64(w.opt.StepsPerRev)
	p := ((w.phys % rev) + rev) % rev
	for i, m := range w.opt.Magnets {
		d := (p - int64(m) + rev) % rev
		if d < int64(w.opt.HallWidth) {
			return i
		}
	}
	return -1
}

func (w *Wheel) ReadBit(pin int) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enter(); err != nil {
		return false, err
	}
	switch pin {
	case w.pins.Hall:
		return w.magnetAt() < 0, nil // active low
	case w.dpin.InSensor:
		w.advanceDiffuser()
		return !(w.diffuserAt == w.opt.DiffuserReads && !w.opt.DiffuserStuck), nil
	case w.dpin.OutSensor:
		return !(w.diffuserAt == 0 && !w.opt.DiffuserStuck), nil
	case w.dpin.AtSpeed:
		return w.outputs[w.dpin.Rotate], nil
	case w.dpin.Cover:
		return !w.opt.CoverOn, nil
	}
	for i, p := range w.pins.IDBits {
		if pin != p {
			continue
		}
		if w.magnetAt() != 0 {
			return true, nil
		}
		return w.opt.WheelID&(1<<i) == 0, nil
	}
	return w.outputs[pin], nil
}

func (w *Wheel) advanceDiffuser() {
	if w.opt.DiffuserStuck {
		return
	}
	if w.outputs[w.dpin.Command] {
		if w.diffuserAt < w.opt.DiffuserReads {
			w.diffuserAt++
		}
	} else if w.diffuserAt > 0 {
		w.diffuserAt--
	}
}

func (w *Wheel) WriteBit(pin int, v bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enter(); err != nil {
		return err
	}
	w.outputs[pin] = v
	return nil
}

func (w *Wheel) px() int64 { return w.phys - w.pxZero }
func (w *Wheel) ex() int64 { return w.phys - w.exZero + w.drift }

func (w *Wheel) SendMotorCommand(cmd string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enter(); err != nil {
		return "", err
	}
	w.commands = append(w.commands, cmd)

	switch {
	case cmd == "PX":
		return strconv.FormatInt(w.px(), 10), nil
	case cmd == "EX":
		return strconv.FormatInt(w.ex(), 10), nil
	case cmd == "MST":
		return strconv.Itoa(w.status()), nil
	case cmd == "STOP":
		if w.moving {
			dir := int64(1)
			if w.target < w.phys {
				dir = -1
			}
			w.target = w.phys + dir*int64(w.opt.Overshoot)
		}
		return "OK", nil
	case cmd == "EO=1":
		w.powered = true
		return "OK", nil
	case cmd == "EO=0":
		w.powered = false
		return "OK", nil
	case strings.HasPrefix(cmd, "PX="):
		n, err := strconv.ParseInt(cmd[3:], 10, 64)
		if err != nil {
			return "?Invalid", fmt.Errorf("bad command %q", cmd)
		}
		w.pxZero = w.phys - n
		return "OK", nil
	case strings.HasPrefix(cmd, "EX="):
		n, err := strconv.ParseInt(cmd[3:], 10, 64)
		if err != nil {
			return "?Invalid", fmt.Errorf("bad command %q", cmd)
		}
		w.exZero = w.phys + w.drift - n
		return "OK", nil
	case strings.HasPrefix(cmd, "X"):
		n, err := strconv.ParseInt(cmd[1:], 10, 64)
		if err != nil {
			return "?Invalid", fmt.Errorf("bad command %q", cmd)
		}
		w.target = n + w.pxZero
		w.moving = w.target != w.phys
		w.arrived = false
		w.drift -= int64(w.opt.DriftPerMove)
		return "OK", nil
	}
	return "OK", nil
}

func (w *Wheel) ReadEncoderPosition() (float64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enter(); err != nil {
		return 0, err
	}
	return float64(w.ex()), nil
}

// ReadMotorStatus advances the motion by one tick and reports it. The read
// on which the motor arrives still reports motion.
func (w *Wheel) ReadMotorStatus() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enter(); err != nil {
		return 0, err
	}
	st := w.status()
	if len(w.statusOverride) > 0 {
		st = w.statusOverride[0]
		w.statusOverride = w.statusOverride[1:]
	}
	return st, nil
}

func (w *Wheel) status() int {
	if !w.moving {
		if w.arrived {
			w.arrived = false
			return 2
		}
		return 0
	}
	step := int64(w.opt.StepsPerTick)
	d := w.target - w.phys
	switch {
	case d > step:
		w.phys += step
	case d < -step:
		w.phys -= step
	default:
		w.phys = w.target
		w.moving = false
		w.arrived = true
	}
	return 2
}

// FailNext makes the next n hardware calls return ErrInjected.
func (w *Wheel) FailNext(n int) {
	w.mu.Lock()
	w.failNext = n
	w.mu.Unlock()
}

// OverrideStatus makes the next motor status reads return the given words
// while motion still advances.
func (w *Wheel) OverrideStatus(words ...int) {
	w.mu.Lock()
	w.statusOverride = append(w.statusOverride, words...)
	w.mu.Unlock()
}

// SetNoHall kills or restores the hall sensor.
func (w *Wheel) SetNoHall(dead bool) {
	w.mu.Lock()
	w.opt.NoHall = dead
	w.mu.Unlock()
}

// SetDriftPerMove changes the encoder loss applied on each move command.
func (w *Wheel) SetDriftPerMove(n int) {
	w.mu.Lock()
	w.opt.DriftPerMove = n
	w.mu.Unlock()
}

// SetDiffuserStuck jams or frees the diffuser.
func (w *Wheel) SetDiffuserStuck(stuck bool) {
	w.mu.Lock()
	w.opt.DiffuserStuck = stuck
	w.mu.Unlock()
}

// Nudge moves the wheel by hand, as if someone turned it.
func (w *Wheel) Nudge(steps int64) {
	w.mu.Lock()
	w.phys += steps
	w.target = w.phys
	w.moving = false
	w.mu.Unlock()
}

// Calls returns how many hardware calls were made.
func (w *Wheel) Calls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

// Commands returns the motor commands received so far.
func (w *Wheel) Commands() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.commands...)
}

// Physical returns the physical position and the magnet under the sensor
// (-1 when none).
func (w *Wheel) Physical() (pos int64, magnet int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.phys, w.magnetAt()
}

// Powered reports whether the motor is energised.
func (w *Wheel) Powered() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.powered
}
