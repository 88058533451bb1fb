package motion

import (
	"context"
	"fmt"

	"github.com/cjeanneret/filterwheel/internal/config"
	"github.com/cjeanneret/filterwheel/internal/debug"
	"github.com/cjeanneret/filterwheel/internal/logic/geometry"
)

// MoveToFilter starts a move to filter id (1..6). Invalid ids, a pending
// operation, an un-homed wheel or a wheel not resting on a magnet are
// rejected synchronously without any hardware access.
func (c *Controller) MoveToFilter(ctx context.Context, id int) (<-chan Result, error) {
	var (
		ch  <-chan Result
		err error
	)
	if lerr := c.loop.Do(ctx, func() {
		ch, err = c.startMove(id)
	}); lerr != nil {
		return nil, lerr
	}
	return ch, err
}

func (c *Controller) startMove(id int) (<-chan Result, error) {
	if !geometry.Valid(id) {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidFilter, id)
	}
	if c.st.IsHoming || c.st.IsMoving {
		return nil, ErrBusy
	}
	if !c.st.IsHomed {
		return nil, ErrNotHomed
	}
	if !c.st.InPosition() {
		return nil, ErrNotInPosition
	}
	if c.strategy == config.StrategyCounter && c.st.CurrentFilterID == nil {
		return nil, ErrNotInPosition
	}

	op := c.begin(opMove)
	op.target = id
	c.st.IsMoving = true
	c.st.CommandedFilterID = intPtr(id)
	debug.Info("Move to filter %d requested (strategy=%s)", id, c.strategy)

	var err error
	if c.strategy == config.StrategyCounter {
		err = c.startCounterMove(op)
	} else {
		err = c.startAbsoluteMove(op)
	}
	if err != nil {
		c.failIO(op, err)
	}
	c.publish()
	return op.done, nil
}

// startCounterMove plans one bounded increment per slot along the shorter
// way round.
func (c *Controller) startCounterMove(op *operation) error {
	from := *c.st.CurrentFilterID
	dir, count := geometry.ShortestPath(from, op.target)
	debug.Verbose("Counter move %d -> %d: dir=%d count=%d", from, op.target, dir, count)
	if count == 0 {
		c.succeed(op, ReasonAlreadyInPlace)
		return nil
	}
	c.st.CurrentFilterID = nil
	op.from = from
	op.dir = dir
	op.remaining = count
	op.phase = phaseDrive
	return nil
}

// startAbsoluteMove computes the target encoder position anchored on the
// last confirmed filter and drives toward the far edge of its search
// window, so the hall edge is always crossed under motor control.
func (c *Controller) startAbsoluteMove(op *operation) error {
	delta := c.fallbackDelta
	if c.st.FilterDelta != nil {
		delta = *c.st.FilterDelta
	}
	var target float64
	if lf := c.st.LastFoundFilter; lf != nil {
		target = geometry.AbsoluteTarget(lf.FilterID, float64(lf.Position), op.target, delta)
	} else {
		target = geometry.HomeTarget(op.target, delta)
	}
	w := c.wc.Window(target, delta)
	op.absolute = true
	op.window = w
	c.st.SearchWindow = &w
	debug.Verbose("Absolute move to filter %d: target=%.0f window=%s", op.target, target, w)

	enc, err := c.readEncoder()
	if err != nil {
		return err
	}
	hall, err := c.readHall()
	if err != nil {
		return err
	}
	if w.Contains(float64(enc)) && hall {
		c.st.CurrentFilterID = intPtr(op.target)
		c.st.LastFoundFilter = &FilterFind{FilterID: op.target, Position: enc}
		c.succeed(op, ReasonAlreadyInPlace)
		return nil
	}

	c.st.CurrentFilterID = nil
	edge := w.FarEdge(float64(enc))
	if err := c.driveBy(edge-float64(enc), fmt.Sprintf("filter %d", op.target)); err != nil {
		return err
	}
	op.phase = phaseWindow
	return nil
}

// startIncrement drives one bounded increment in op.dir.
func (c *Controller) startIncrement(op *operation) error {
	op.gotLow = false
	reason := fmt.Sprintf("%s increment", op.kind)
	if err := c.driveBy(float64(op.dir)*c.maxStep, reason); err != nil {
		return err
	}
	op.phase = phaseEdge
	return nil
}

// watchEdge waits for the hall sensor to go inactive then active. The
// motor stopping first means the increment crossed no magnet.
func (c *Controller) watchEdge(op *operation) error {
	hall, err := c.readHall()
	if err != nil {
		return err
	}
	if !hall {
		op.gotLow = true
	} else if op.gotLow {
		debug.Live("Hall edge seen, stopping")
		op.phase = phaseSettle
		return c.command("STOP")
	}

	m, ended, err := c.motorDuring(op)
	if err != nil || ended {
		return err
	}
	if m == motorStopped {
		c.failSync(op, ReasonNoEdge, nil)
	}
	return nil
}

// watchWindow stops on the first hall trigger inside the search window.
func (c *Controller) watchWindow(op *operation) error {
	enc, err := c.readEncoder()
	if err != nil {
		return err
	}
	hall, err := c.readHall()
	if err != nil {
		return err
	}
	inside := op.window.Contains(float64(enc))
	if inside && hall {
		debug.Live("Filter %d sensed at encoder=%d", op.target, enc)
		op.found = enc
		op.phase = phaseSettle
		return c.command("STOP")
	}

	m, ended, err := c.motorDuring(op)
	if err != nil || ended {
		return err
	}
	if m != motorStopped {
		return nil
	}
	if !inside {
		debug.Live("Motor stopped at %d outside %s", enc, op.window)
		c.failSync(op, ReasonOutsideWindow, nil)
	} else {
		c.failSync(op, ReasonNotConfirmed, nil)
	}
	return nil
}

// settle waits for the motor to come to rest after a STOP and then
// interprets where it stopped.
func (c *Controller) settle(op *operation) error {
	m, ended, err := c.motorDuring(op)
	if err != nil || ended {
		return err
	}
	if m != motorStopped {
		return nil
	}
	enc, err := c.readEncoder()
	if err != nil {
		return err
	}

	if op.absolute {
		c.st.CurrentFilterID = intPtr(op.target)
		c.st.LastFoundFilter = &FilterFind{FilterID: op.target, Position: op.found}
		if _, err := c.readHall(); err != nil {
			return err
		}
		c.succeed(op, "")
		return nil
	}

	hall, err := c.readHall()
	if err != nil {
		return err
	}
	if !hall {
		reason := ReasonNotAtFilter
		if op.kind == opHome {
			reason = ReasonNotAtHome
		}
		c.failSync(op, reason, nil)
		return nil
	}

	if op.kind == opHome {
		return c.homeDetected(op, enc)
	}
	return c.counterDetected(op, enc)
}

// counterDetected counts one slot of a counter move.
func (c *Controller) counterDetected(op *operation, enc int64) error {
	op.taken++
	op.remaining--
	debug.Detection(op.taken, enc, 0)
	if op.remaining > 0 {
		op.phase = phaseDrive
		return nil
	}
	cur := geometry.Wrap(op.from + op.dir*op.taken)
	c.st.CurrentFilterID = intPtr(cur)
	c.st.LastFoundFilter = &FilterFind{FilterID: cur, Position: enc}
	c.succeed(op, "")
	return nil
}
