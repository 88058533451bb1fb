package motion

import (
	"context"

	"github.com/cjeanneret/filterwheel/internal/debug"
	"github.com/cjeanneret/filterwheel/internal/logic/geometry"
)

// Home starts the homing sweep. It returns ErrBusy while another home or
// move is pending; otherwise the returned channel receives exactly one
// Result.
//
// The wheel is driven forward one bounded increment at a time, stopping on
// every magnet. The first magnet that shows a wheel identity is filter 1:
// the identity is locked and the sweep continues one full revolution,
// measuring the spacing between magnets, and must end on that same home
// magnet again. The wheel counts as un-homed from the moment the sweep
// starts until it succeeds.
func (c *Controller) Home(ctx context.Context) (<-chan Result, error) {
	var (
		ch  <-chan Result
		err error
	)
	if lerr := c.loop.Do(ctx, func() {
		ch, err = c.startHome()
	}); lerr != nil {
		return nil, lerr
	}
	return ch, err
}

func (c *Controller) startHome() (<-chan Result, error) {
	if c.st.IsHoming || c.st.IsMoving {
		return nil, ErrBusy
	}
	debug.Summary("Homing")
	op := c.begin(opHome)
	op.remaining = c.homeDetections
	op.dir = 1

	c.st.IsHoming = true
	c.st.IsHomed = false
	c.st.CurrentFilterID = nil
	c.st.WheelID = nil
	c.st.LastFoundFilter = nil

	if err := c.zeroPosition(); err != nil {
		c.failIO(op, err)
		return op.done, nil
	}
	op.phase = phaseDrive
	c.publish()
	return op.done, nil
}

// homeDetected handles a magnet confirmed at rest during homing.
func (c *Controller) homeDetected(op *operation, enc int64) error {
	id, err := c.readIdentity()
	if err != nil {
		return err
	}
	op.detections++
	code := 0
	if id != nil {
		code = *id
	}
	debug.Detection(op.detections, enc, code)

	if op.locked {
		op.spacings = append(op.spacings, float64(enc))
		next := geometry.Wrap(*c.st.CurrentFilterID + 1)
		c.st.CurrentFilterID = &next
	}
	if err := c.zeroPosition(); err != nil {
		return err
	}

	if !op.locked && id != nil {
		op.locked = true
		c.st.WheelID = intPtr(*id)
		c.st.CurrentFilterID = intPtr(1)
		c.st.LastFoundFilter = &FilterFind{FilterID: 1, Position: 0}
		op.remaining = geometry.Slots
		debug.Info("Wheel identity %d locked, sweeping one revolution", *id)
	} else {
		op.remaining--
	}

	if op.remaining > 0 {
		op.phase = phaseDrive
		return nil
	}

	switch {
	case !op.locked:
		c.failSync(op, ReasonNoIdentity, nil)
	case id == nil || *id != *c.st.WheelID:
		c.failSync(op, ReasonNotAtHome, nil)
	default:
		delta := geometry.MeanSpacing(op.spacings, c.fallbackDelta)
		c.st.FilterDelta = &delta
		c.st.IsHomed = true
		c.st.CurrentFilterID = intPtr(1)
		c.st.LastFoundFilter = &FilterFind{FilterID: 1, Position: 0}
		debug.Value("wheel id", *c.st.WheelID)
		debug.Value("filter delta", delta)
		c.succeed(op, "")
	}
	return nil
}
