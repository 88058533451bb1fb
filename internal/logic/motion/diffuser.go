package motion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/filterwheel/internal/config"
	"github.com/cjeanneret/filterwheel/internal/debug"
	"github.com/cjeanneret/filterwheel/internal/logic/poll"
)

// DiffuserPosition is In (in the beam) or Out. The empty value means the
// position sensors agree on neither.
type DiffuserPosition string

const (
	DiffuserUnknown DiffuserPosition = ""
	DiffuserIn      DiffuserPosition = "In"
	DiffuserOut     DiffuserPosition = "Out"
)

type diffuserOp struct {
	target   DiffuserPosition
	deadline time.Time
	done     chan Result
}

// Diffuser moves the diffuser in or out of the beam and confirms the move
// on its dedicated position sensors. It runs on the same poll loop as the
// wheel but independently of it.
type Diffuser struct {
	hw      Hardware
	loop    *poll.Loop
	pins    config.DiffuserPins
	timeout time.Duration
	now     func() time.Time

	target     DiffuserPosition
	current    DiffuserPosition
	rotationOn bool
	inSensor   *bool
	outSensor  *bool
	atSpeed    *bool
	coverOn    *bool
	op         *diffuserOp

	// statusOf supplies the full snapshot for results; set by NewController.
	statusOf func() Status

	mu   sync.RWMutex
	snap DiffuserStatus
}

// NewDiffuser creates the diffuser controller. Pass it to NewController to
// have it registered with the loop.
func NewDiffuser(hw Hardware, loop *poll.Loop, cfg *config.Config) *Diffuser {
	return &Diffuser{
		hw:      hw,
		loop:    loop,
		pins:    cfg.Diffuser.Pins,
		timeout: cfg.DiffuserTimeout(),
		now:     time.Now,
	}
}

// In moves the diffuser into the beam.
func (d *Diffuser) In(ctx context.Context) (<-chan Result, error) {
	return d.Move(ctx, DiffuserIn)
}

// Out moves the diffuser out of the beam.
func (d *Diffuser) Out(ctx context.Context) (<-chan Result, error) {
	return d.Move(ctx, DiffuserOut)
}

// Move drives the actuator toward target. The result arrives once the
// matching sensor confirms, or fails after the timeout leaving the state
// as last observed.
func (d *Diffuser) Move(ctx context.Context, target DiffuserPosition) (<-chan Result, error) {
	if target != DiffuserIn && target != DiffuserOut {
		return nil, fmt.Errorf("unknown diffuser position %q", target)
	}
	var (
		ch  <-chan Result
		err error
	)
	if lerr := d.loop.Do(ctx, func() {
		ch, err = d.start(target)
	}); lerr != nil {
		return nil, lerr
	}
	return ch, err
}

func (d *Diffuser) start(target DiffuserPosition) (<-chan Result, error) {
	if d.op != nil {
		return nil, ErrDiffuserBusy
	}
	op := &diffuserOp{
		target:   target,
		deadline: d.now().Add(d.timeout),
		done:     make(chan Result, 1),
	}
	d.op = op
	d.target = target
	debug.Info("Diffuser %s requested", target)
	if err := d.hw.WriteBit(d.pins.Command, target == DiffuserIn); err != nil {
		d.finish(false, ReasonIO+": "+err.Error(), fmt.Errorf("write diffuser command: %w", err))
		return op.done, nil
	}
	d.publish()
	return op.done, nil
}

// StartRotation switches diffuser rotation on. There is no confirmation
// loop; the at-speed bit is reported in the status.
func (d *Diffuser) StartRotation(ctx context.Context) error {
	return d.setRotation(ctx, true)
}

// StopRotation switches diffuser rotation off.
func (d *Diffuser) StopRotation(ctx context.Context) error {
	return d.setRotation(ctx, false)
}

func (d *Diffuser) setRotation(ctx context.Context, on bool) error {
	var err error
	if lerr := d.loop.Do(ctx, func() {
		debug.Info("Diffuser rotation on=%v", on)
		if err = d.hw.WriteBit(d.pins.Rotate, on); err != nil {
			err = fmt.Errorf("write diffuser rotation: %w", err)
			return
		}
		d.rotationOn = on
		d.publish()
	}); lerr != nil {
		return lerr
	}
	return err
}

// Active implements poll.Machine.
func (d *Diffuser) Active() bool {
	return d.op != nil
}

// Poll implements poll.Machine.
func (d *Diffuser) Poll(now time.Time) {
	op := d.op
	if op == nil {
		return
	}
	if err := d.readPosition(); err != nil {
		d.finish(false, ReasonIO+": "+err.Error(), err)
		return
	}
	if d.current == op.target {
		d.finish(true, "", nil)
		return
	}
	if now.After(op.deadline) {
		reason := fmt.Sprintf("%s: %s not reached within %v", ReasonDiffuserTimeout, op.target, d.timeout)
		d.finish(false, reason, nil)
		return
	}
	d.publish()
}

// Refresh implements poll.Machine.
func (d *Diffuser) Refresh(time.Time) {
	if err := d.refresh(); err != nil {
		debug.Error(err)
	}
	d.publish()
}

func (d *Diffuser) refresh() error {
	if err := d.readPosition(); err != nil {
		return err
	}
	at, err := d.hw.ReadBit(d.pins.AtSpeed)
	if err != nil {
		return fmt.Errorf("read diffuser at-speed: %w", err)
	}
	d.atSpeed = &at
	cover, err := d.hw.ReadBit(d.pins.Cover)
	if err != nil {
		return fmt.Errorf("read diffuser cover: %w", err)
	}
	on := !cover
	d.coverOn = &on
	return nil
}

// readPosition reads both active-low position sensors.
func (d *Diffuser) readPosition() error {
	in, err := d.hw.ReadBit(d.pins.InSensor)
	if err != nil {
		return fmt.Errorf("read diffuser in sensor: %w", err)
	}
	out, err := d.hw.ReadBit(d.pins.OutSensor)
	if err != nil {
		return fmt.Errorf("read diffuser out sensor: %w", err)
	}
	isIn, isOut := !in, !out
	d.inSensor, d.outSensor = &isIn, &isOut
	switch {
	case isIn && !isOut:
		d.current = DiffuserIn
	case isOut && !isIn:
		d.current = DiffuserOut
	default:
		d.current = DiffuserUnknown
	}
	return nil
}

func (d *Diffuser) finish(ok bool, reason string, err error) {
	op := d.op
	d.op = nil
	d.publish()
	debug.Verdict("diffuser "+string(op.target), ok, reason)
	var s Status
	if d.statusOf != nil {
		s = d.statusOf()
	} else {
		ds := d.Snapshot()
		s.Diffuser = &ds
		s.DiffuserInBeam = ds.InSensor
	}
	op.done <- Result{Op: "diffuser", OK: ok, Reason: reason, Err: err, Status: s}
	close(op.done)
}

// Snapshot returns the diffuser state as of the last tick. Safe from any
// goroutine.
func (d *Diffuser) Snapshot() DiffuserStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snap
}

func copyBool(p *bool) *bool {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func (d *Diffuser) publish() {
	s := DiffuserStatus{
		Target:     d.target,
		Current:    d.current,
		Moving:     d.op != nil,
		InSensor:   copyBool(d.inSensor),
		OutSensor:  copyBool(d.outSensor),
		RotationOn: d.rotationOn,
		AtSpeed:    copyBool(d.atSpeed),
		CoverOn:    copyBool(d.coverOn),
	}
	d.mu.Lock()
	d.snap = s
	d.mu.Unlock()
}
