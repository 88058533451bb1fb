package motion

import (
	"context"
	"sync"
	"time"

	"github.com/cjeanneret/filterwheel/internal/config"
	"github.com/cjeanneret/filterwheel/internal/debug"
	"github.com/cjeanneret/filterwheel/internal/logic/geometry"
	"github.com/cjeanneret/filterwheel/internal/logic/poll"
	"github.com/cjeanneret/filterwheel/internal/logic/trace"
)

// Recorder receives one sample per motion tick.
type Recorder interface {
	Record(s trace.Sample)
}

type opKind int

const (
	opHome opKind = iota
	opMove
)

func (k opKind) String() string {
	if k == opHome {
		return "home"
	}
	return "move"
}

type phase int

const (
	phaseDrive  phase = iota // issue the next bounded increment
	phaseEdge                // wait for a low->high hall transition
	phaseSettle              // STOP sent, wait for the motor to report stopped
	phaseWindow              // absolute move: wait for hall inside the search window
)

// operation is the single in-flight home or move.
type operation struct {
	kind   opKind
	phase  phase
	done   chan Result
	target int

	dir       int
	remaining int
	taken     int
	gotLow    bool

	// homing
	detections int
	locked     bool
	spacings   []float64

	// counter move
	from int

	// consecutive motor status words that are not a motion state
	unknown int

	// absolute move
	absolute bool
	window   geometry.Window
	found    int64
}

// Controller owns the WheelState and runs homing and moves as a state
// machine advanced by the poll loop.
type Controller struct {
	hw   Hardware
	loop *poll.Loop
	pins config.WheelPins
	wc   *geometry.WindowCalculator

	strategy       string
	maxStep        float64
	fallbackDelta  float64
	homeDetections int

	diff *Diffuser
	rec  Recorder

	st            WheelState
	op            *operation
	stopRequested bool

	mu   sync.RWMutex
	snap Status
}

// NewController creates the wheel controller and registers it (and the
// diffuser, when given) with the loop.
func NewController(hw Hardware, loop *poll.Loop, cfg *config.Config, diff *Diffuser) *Controller {
	m := cfg.Wheel.Motion
	c := &Controller{
		hw:             hw,
		loop:           loop,
		pins:           cfg.Wheel.Pins,
		wc:             geometry.NewWindowCalculator(cfg),
		strategy:       m.Strategy,
		maxStep:        float64(m.MaxStepDistance),
		fallbackDelta:  m.FilterDelta,
		homeDetections: m.HomeDetections,
		diff:           diff,
	}
	c.snap = c.buildStatus()
	loop.Add(c)
	if diff != nil {
		diff.statusOf = c.Snapshot
		loop.Add(diff)
	}
	debug.Verbose("Motion controller ready (strategy=%s, max step=%.0f)", c.strategy, c.maxStep)
	return c
}

// SetRecorder enables per-tick trace samples. Call before the loop runs.
func (c *Controller) SetRecorder(r Recorder) {
	c.rec = r
}

// Diffuser returns the diffuser controller, if any.
func (c *Controller) Diffuser() *Diffuser {
	return c.diff
}

// Active implements poll.Machine.
func (c *Controller) Active() bool {
	return c.op != nil
}

// Poll implements poll.Machine.
func (c *Controller) Poll(now time.Time) {
	op := c.op
	if op == nil {
		return
	}
	if c.stopRequested {
		c.stopRequested = false
		c.failSync(op, ReasonStopCommanded, nil)
		c.publish()
		return
	}

	var err error
	switch op.phase {
	case phaseDrive:
		err = c.startIncrement(op)
	case phaseEdge:
		err = c.watchEdge(op)
	case phaseSettle:
		err = c.settle(op)
	case phaseWindow:
		err = c.watchWindow(op)
	}
	if err != nil {
		c.failIO(op, err)
	}
	c.record(now)
	c.publish()
}

// Refresh implements poll.Machine.
func (c *Controller) Refresh(time.Time) {
	if err := c.refresh(); err != nil {
		debug.Error(err)
	}
	c.publish()
}

func (c *Controller) refresh() error {
	if _, err := c.readHall(); err != nil {
		return err
	}
	if _, err := c.readIdentity(); err != nil {
		return err
	}
	if _, err := c.readEncoder(); err != nil {
		return err
	}
	if _, err := c.readMotor(); err != nil {
		return err
	}
	_, err := c.readMotorPosition()
	return err
}

func (c *Controller) record(now time.Time) {
	if c.rec == nil {
		return
	}
	var step float64
	if c.st.MotorPosition != nil {
		step = *c.st.MotorPosition
	}
	c.rec.Record(trace.Sample{
		Time:  now,
		Motor: c.st.MotorStatus,
		Hall:  c.rawBits(),
		Step:  step,
		Enc:   float64(c.st.EncoderPosition),
		DT:    time.Since(now),
	})
}

// begin installs op as the in-flight operation.
func (c *Controller) begin(kind opKind) *operation {
	op := &operation{kind: kind, done: make(chan Result, 1), dir: 1}
	c.op = op
	c.stopRequested = false
	return op
}

func (c *Controller) finish(op *operation, ok bool, reason string, err error) {
	if c.op == op {
		c.op = nil
	}
	c.st.IsHoming = false
	c.st.IsMoving = false
	c.st.SearchWindow = nil
	c.publish()
	res := Result{Op: op.kind.String(), OK: ok, Reason: reason, Err: err, Status: c.Snapshot()}
	debug.Verdict(op.kind.String(), ok, reason)
	op.done <- res
	close(op.done)
}

func (c *Controller) succeed(op *operation, reason string) {
	c.finish(op, true, reason, nil)
}

// failSync ends op after the wheel lost track of where it is: it must be
// homed again before the next move.
func (c *Controller) failSync(op *operation, reason string, err error) {
	c.st.IsHomed = false
	c.st.CurrentFilterID = nil
	c.finish(op, false, reason, err)
}

// failIO ends op after a hardware exchange failed. The controller stays
// usable; the motor is asked to stop in case it is still running.
func (c *Controller) failIO(op *operation, err error) {
	debug.Error(err)
	if _, serr := c.hw.SendMotorCommand("STOP"); serr != nil {
		debug.Error(serr)
	}
	c.st.CurrentFilterID = nil
	c.finish(op, false, ReasonIO+": "+err.Error(), err)
}

// Stop halts the motor at once. A pending home or move fails with "stop
// commanded" on the next tick. Stop is accepted in any state.
func (c *Controller) Stop(ctx context.Context) error {
	var err error
	if lerr := c.loop.Do(ctx, func() {
		debug.Info("Stop requested")
		err = c.command("STOP")
		if c.op != nil {
			c.stopRequested = true
		}
	}); lerr != nil {
		return lerr
	}
	return err
}

// Init halts the motor, forgets the homing and zeroes the position
// counters. A pending operation fails with "init commanded".
func (c *Controller) Init(ctx context.Context) error {
	var err error
	if lerr := c.loop.Do(ctx, func() {
		debug.Info("Init requested")
		err = c.initLocked()
	}); lerr != nil {
		return lerr
	}
	return err
}

func (c *Controller) initLocked() error {
	stopErr := c.command("STOP")
	if c.op != nil {
		c.failSync(c.op, ReasonInitCommanded, nil)
	}
	c.st = WheelState{}
	if stopErr != nil {
		c.publish()
		return stopErr
	}
	if err := c.zeroPosition(); err != nil {
		c.publish()
		return err
	}
	err := c.refresh()
	c.publish()
	return err
}

// Status refreshes every sensor and returns a snapshot.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	var err error
	if lerr := c.loop.Do(ctx, func() {
		// during an operation the loop already reads everything each tick
		if c.op == nil {
			err = c.refresh()
			if c.diff != nil && !c.diff.Active() {
				if derr := c.diff.refresh(); derr != nil && err == nil {
					err = derr
				}
			}
		}
		c.publish()
	}); lerr != nil {
		return Status{}, lerr
	}
	return c.Snapshot(), err
}

// Snapshot returns the status as of the last tick without touching the
// hardware. Safe from any goroutine.
func (c *Controller) Snapshot() Status {
	c.mu.RLock()
	s := c.snap
	c.mu.RUnlock()
	if c.diff != nil {
		ds := c.diff.Snapshot()
		s.Diffuser = &ds
		s.DiffuserInBeam = ds.InSensor
	}
	return s
}

func (c *Controller) publish() {
	s := c.buildStatus()
	c.mu.Lock()
	c.snap = s
	c.mu.Unlock()
}

func (c *Controller) buildStatus() Status {
	st := &c.st
	s := Status{
		State:             st.State(),
		WheelID:           copyInt(st.WheelID),
		FilterID:          copyInt(st.CurrentFilterID),
		CommandedFilterID: copyInt(st.CommandedFilterID),
		InPosition:        st.InPosition(),
		AtHome:            st.AtHome(),
		HallTriggered:     st.HallTriggered,
		WheelIdentityCode: copyInt(st.WheelIdentityCode),
		MotorMoving:       st.MotorMoving,
		MotorStatus:       st.MotorStatus,
	}
	if st.EncoderValid {
		enc := st.EncoderPosition
		s.EncoderPosition = &enc
	}
	if st.MotorPosition != nil {
		v := *st.MotorPosition
		s.MotorPosition = &v
	}
	if st.FilterDelta != nil {
		v := *st.FilterDelta
		s.FilterDelta = &v
	}
	if st.LastFoundFilter != nil {
		v := *st.LastFoundFilter
		s.LastFoundFilter = &v
	}
	if st.SearchWindow != nil {
		v := *st.SearchWindow
		s.SearchWindow = &v
	}
	return s
}

// State returns a copy of the wheel state. Only for use on the loop
// goroutine or after the loop has stopped.
func (c *Controller) State() WheelState {
	return c.st
}
