package motion

import (
	"math/rand"
	"strconv"
	"strings"
	"testing"

	"github.com/cjeanneret/filterwheel/internal/config"
	"github.com/cjeanneret/filterwheel/internal/hw/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMoveAbsolute_VisitsEveryFilter(t *testing.T) {
	r := newRig(t, nil)
	r.home(t)

	for _, id := range []int{4, 2, 6, 3, 5, 1, 6, 2} {
		res := r.move(t, id)
		require.True(t, res.OK, "move to %d: %s", id, res.Reason)
		require.NotNil(t, res.Status.FilterID)
		assert.Equal(t, id, *res.Status.FilterID)
		assert.Equal(t, id, *res.Status.CommandedFilterID)
		assert.Equal(t, id-1, r.magnet(), "wheel physically at filter %d", id)
		require.NotNil(t, res.Status.LastFoundFilter)
		assert.Equal(t, id, res.Status.LastFoundFilter.FilterID)
		assert.Nil(t, res.Status.SearchWindow)
		assert.Equal(t, StateDone, res.Status.State)
	}
}

func TestMoveAbsolute_CompensatesDrift(t *testing.T) {
	r := newRig(t, func(_ *config.Config, o *sim.Options) {
		o.DriftPerMove = 25
	})
	r.home(t)

	rng := rand.New(rand.NewSource(7))
	last := 1
	for i := 0; i < 25; i++ {
		id := last
		for id == last {
			id = rng.Intn(6) + 1
		}
		res := r.move(t, id)
		require.True(t, res.OK, "move %d to %d: %s", i, id, res.Reason)
		assert.Equal(t, id-1, r.magnet())
		last = id
	}
}

func TestMoveAbsolute_ShortestWay(t *testing.T) {
	r := newRig(t, nil)
	r.home(t)
	before, _ := r.wheel.Physical()

	res := r.move(t, 6)
	require.True(t, res.OK)
	after, _ := r.wheel.Physical()
	assert.Less(t, after, before, "1 -> 6 goes backwards one slot")
	assert.InDelta(t, -1333, float64(after-before), 60)
}

func TestMove_AlreadyInPosition(t *testing.T) {
	r := newRig(t, nil)
	r.home(t)
	n := len(r.wheel.Commands())

	res := r.move(t, 1)
	assert.True(t, res.OK)
	assert.Equal(t, ReasonAlreadyInPlace, res.Reason)
	for _, c := range r.wheel.Commands()[n:] {
		assert.False(t, strings.HasPrefix(c, "X"), "no motion for the current filter, got %s", c)
	}
}

func TestMove_RejectedBeforeHoming(t *testing.T) {
	r := newRig(t, nil)
	_, err := r.ctrl.MoveToFilter(r.ctx, 3)
	assert.ErrorIs(t, err, ErrNotHomed)
}

func TestMove_RejectionsNeverTouchHardware(t *testing.T) {
	r := newRig(t, nil)
	r.home(t)

	for _, id := range []int{0, 7, -1, 100} {
		var (
			before, after int
			err           error
		)
		require.NoError(t, r.loop.Do(r.ctx, func() {
			before = r.wheel.Calls()
			_, err = r.ctrl.startMove(id)
			after = r.wheel.Calls()
		}))
		assert.ErrorIs(t, err, ErrInvalidFilter, "id %d", id)
		assert.Equal(t, before, after, "id %d touched the hardware", id)
	}

	var (
		before, after     int
		startErr, busyErr error
		ch                <-chan Result
	)
	require.NoError(t, r.loop.Do(r.ctx, func() {
		ch, startErr = r.ctrl.startMove(4)
		before = r.wheel.Calls()
		_, busyErr = r.ctrl.startMove(2)
		after = r.wheel.Calls()
	}))
	require.NoError(t, startErr)
	assert.ErrorIs(t, busyErr, ErrBusy)
	assert.Equal(t, before, after)
	assert.True(t, await(t, ch).OK)
}

func TestMove_RejectedWhileHoming(t *testing.T) {
	r := newRig(t, nil)
	r.home(t)
	ch, err := r.ctrl.Home(r.ctx)
	require.NoError(t, err)
	_, err = r.ctrl.MoveToFilter(r.ctx, 2)
	assert.ErrorIs(t, err, ErrBusy)
	await(t, ch)
}

func TestMove_EndingOutsideWindowUnhomes(t *testing.T) {
	r := newRig(t, nil)
	r.home(t)
	// the encoder now loses more than half a window on the next move
	r.wheel.SetDriftPerMove(300)

	ch, err := r.ctrl.MoveToFilter(r.ctx, 2)
	require.NoError(t, err)
	res := await(t, ch)

	assert.False(t, res.OK)
	assert.Equal(t, ReasonOutsideWindow, res.Reason)
	assert.Equal(t, StateNotHomed, res.Status.State)
	assert.Nil(t, res.Status.FilterID)
	assert.False(t, r.state(t).IsHomed)
}

func TestMove_StoppedInWindowWithoutSensor(t *testing.T) {
	r := newRig(t, nil)
	r.home(t)
	r.wheel.SetNoHall(true)

	ch, err := r.ctrl.MoveToFilter(r.ctx, 3)
	require.NoError(t, err)
	res := await(t, ch)

	assert.False(t, res.OK)
	assert.Equal(t, ReasonNotConfirmed, res.Reason)
	assert.False(t, r.state(t).IsHomed)
}

func TestMove_StopMidMoveFails(t *testing.T) {
	r := newRig(t, nil)
	r.home(t)

	ch, err := r.ctrl.MoveToFilter(r.ctx, 4)
	require.NoError(t, err)
	require.NoError(t, r.ctrl.Stop(r.ctx))
	res := await(t, ch)

	assert.False(t, res.OK)
	assert.Equal(t, ReasonStopCommanded, res.Reason)
	assert.Nil(t, res.Status.FilterID)
	assert.Contains(t, r.wheel.Commands(), "STOP")

	// the wheel can be homed again afterwards
	r.home(t)
}

func TestMove_UnknownMotorStatusKeepsPolling(t *testing.T) {
	r := newRig(t, nil)
	r.home(t)
	r.wheel.OverrideStatus(9, 12, 64)

	res := r.move(t, 3)
	assert.True(t, res.OK, res.Reason)
	assert.Equal(t, 2, r.magnet())
}

func TestMove_StatusStuckUnknownFails(t *testing.T) {
	r := newRig(t, nil)
	r.home(t)
	words := make([]int, maxUnknownStatus+50)
	for i := range words {
		words[i] = 9
	}
	r.wheel.OverrideStatus(words...)

	res := r.move(t, 3)
	assert.False(t, res.OK)
	assert.True(t, strings.HasPrefix(res.Reason, ReasonUnknownMotor), res.Reason)
	assert.False(t, r.state(t).IsHomed)
	var last string
	for _, c := range r.wheel.Commands() {
		if c != "PX" && c != "EX" && c != "MST" {
			last = c
		}
	}
	assert.Equal(t, "STOP", last, "motor is stopped when its status cannot be read")
}

func TestMove_IOErrorFailsButControllerSurvives(t *testing.T) {
	r := newRig(t, nil)
	r.home(t)

	ch, err := r.ctrl.MoveToFilter(r.ctx, 4)
	require.NoError(t, err)
	r.wheel.FailNext(1)
	res := await(t, ch)

	assert.False(t, res.OK)
	assert.True(t, strings.HasPrefix(res.Reason, ReasonIO), res.Reason)
	assert.ErrorIs(t, res.Err, sim.ErrInjected)
	assert.Nil(t, res.Status.FilterID)

	r.home(t)
	assert.True(t, r.move(t, 2).OK)
}

func TestMoveCounter_ShortestPathScenario(t *testing.T) {
	r := newRig(t, func(c *config.Config, _ *sim.Options) {
		c.Wheel.Motion.Strategy = config.StrategyCounter
	})
	r.home(t)
	n := len(r.wheel.Commands())

	// 1 -> 4 is three slots either way; the flip goes backwards
	res := r.move(t, 4)
	require.True(t, res.OK, res.Reason)
	assert.Equal(t, 4, *res.Status.FilterID)
	assert.Equal(t, 3, r.magnet())

	var targets []int64
	for _, c := range r.wheel.Commands()[n:] {
		if strings.HasPrefix(c, "X") {
			v, err := strconv.ParseInt(c[1:], 10, 64)
			require.NoError(t, err)
			targets = append(targets, v)
		}
	}
	require.Len(t, targets, 3, "one bounded increment per slot")
	for i := 1; i < len(targets); i++ {
		assert.Less(t, targets[i], targets[i-1])
	}
}

func TestMoveCounter_AllTargets(t *testing.T) {
	r := newRig(t, func(c *config.Config, _ *sim.Options) {
		c.Wheel.Motion.Strategy = config.StrategyCounter
	})
	r.home(t)
	for _, id := range []int{2, 5, 3, 6, 1, 4} {
		res := r.move(t, id)
		require.True(t, res.OK, "move to %d: %s", id, res.Reason)
		assert.Equal(t, id, *res.Status.FilterID)
		assert.Equal(t, id-1, r.magnet())
	}
}

func TestMoveCounter_DeadHallUnhomes(t *testing.T) {
	r := newRig(t, func(c *config.Config, _ *sim.Options) {
		c.Wheel.Motion.Strategy = config.StrategyCounter
	})
	r.home(t)
	r.wheel.SetNoHall(true)

	ch, err := r.ctrl.MoveToFilter(r.ctx, 2)
	require.NoError(t, err)
	res := await(t, ch)
	assert.False(t, res.OK)
	assert.Equal(t, ReasonNoEdge, res.Reason)
	assert.False(t, r.state(t).IsHomed)
}
