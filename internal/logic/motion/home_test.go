package motion

import (
	"strings"
	"testing"

	"github.com/cjeanneret/filterwheel/internal/config"
	"github.com/cjeanneret/filterwheel/internal/hw/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHome_LocksIdentityAndMeasuresDelta(t *testing.T) {
	r := newRig(t, nil)
	res := r.home(t)

	assert.Equal(t, "home", res.Op)
	s := res.Status
	assert.Equal(t, StateDone, s.State)
	require.NotNil(t, s.WheelID)
	assert.Equal(t, 5, *s.WheelID)
	require.NotNil(t, s.FilterID)
	assert.Equal(t, 1, *s.FilterID)
	assert.True(t, s.InPosition)
	assert.True(t, s.AtHome)
	require.NotNil(t, s.FilterDelta)
	assert.InDelta(t, 8000.0/6, *s.FilterDelta, 5)
	require.NotNil(t, s.LastFoundFilter)
	assert.Equal(t, FilterFind{FilterID: 1, Position: 0}, *s.LastFoundFilter)

	st := r.state(t)
	assert.True(t, st.IsHomed)
	assert.False(t, st.IsHoming)
	assert.False(t, st.IsMoving)
	assert.Equal(t, 0, r.magnet(), "wheel rests on the home magnet")
}

func TestHome_Idempotent(t *testing.T) {
	r := newRig(t, nil)
	first := r.home(t)
	r.wheel.Nudge(3000)
	second := r.home(t)

	require.NotNil(t, first.Status.WheelID)
	require.NotNil(t, second.Status.WheelID)
	assert.Equal(t, *first.Status.WheelID, *second.Status.WheelID)
	assert.Equal(t, 0, r.magnet())
}

func TestHome_StartingOnAMagnet(t *testing.T) {
	r := newRig(t, func(_ *config.Config, o *sim.Options) {
		o.StartPosition = 510 // already on the home magnet
	})
	res := r.home(t)
	assert.Equal(t, 5, *res.Status.WheelID)
	assert.Equal(t, 0, r.magnet())
}

func TestHome_RejectedWhileBusy(t *testing.T) {
	r := newRig(t, nil)
	ch, err := r.ctrl.Home(r.ctx)
	require.NoError(t, err)

	_, err = r.ctrl.Home(r.ctx)
	assert.ErrorIs(t, err, ErrBusy)

	res := await(t, ch)
	assert.True(t, res.OK)
}

func TestHome_NoIdentityFails(t *testing.T) {
	r := newRig(t, func(_ *config.Config, o *sim.Options) {
		o.WheelID = 0
	})
	ch, err := r.ctrl.Home(r.ctx)
	require.NoError(t, err)
	res := await(t, ch)

	assert.False(t, res.OK)
	assert.Equal(t, ReasonNoIdentity, res.Reason)
	assert.Equal(t, StateNotHomed, res.Status.State)
	assert.Nil(t, res.Status.FilterID)
	assert.Nil(t, res.Status.WheelID)
}

func TestHome_DeadHallFailsFirstIncrement(t *testing.T) {
	r := newRig(t, func(_ *config.Config, o *sim.Options) {
		o.NoHall = true
	})
	ch, err := r.ctrl.Home(r.ctx)
	require.NoError(t, err)
	res := await(t, ch)

	assert.False(t, res.OK)
	assert.Equal(t, ReasonNoEdge, res.Reason)
	assert.False(t, r.state(t).IsHomed)

	xs := 0
	for _, c := range r.wheel.Commands() {
		if c[0] == 'X' {
			xs++
		}
	}
	assert.Equal(t, 1, xs, "homing is not retried after a failed increment")
}

func TestHome_StopFails(t *testing.T) {
	r := newRig(t, nil)
	ch, err := r.ctrl.Home(r.ctx)
	require.NoError(t, err)
	require.NoError(t, r.ctrl.Stop(r.ctx))

	res := await(t, ch)
	assert.False(t, res.OK)
	assert.Equal(t, ReasonStopCommanded, res.Reason)
	assert.Equal(t, StateNotHomed, res.Status.State)
}

func TestHome_RecordsTrace(t *testing.T) {
	r := newRig(t, nil)
	rec := &memRecorder{}
	require.NoError(t, r.loop.Do(r.ctx, func() { r.ctrl.SetRecorder(rec) }))
	r.home(t)

	samples := rec.all()
	require.NotEmpty(t, samples)
	sawHall := false
	for _, s := range samples {
		require.Len(t, s.Hall, 4)
		if s.Hall[0] == '0' {
			sawHall = true
		}
	}
	assert.True(t, sawHall, "trace shows the hall line going low")
}

func TestHome_IOErrorUnhomes(t *testing.T) {
	r := newRig(t, nil)
	r.home(t)
	require.True(t, r.state(t).IsHomed)

	ch, err := r.ctrl.Home(r.ctx)
	require.NoError(t, err)
	r.wheel.FailNext(1)
	res := await(t, ch)

	assert.False(t, res.OK)
	assert.True(t, strings.HasPrefix(res.Reason, ReasonIO), res.Reason)
	assert.Equal(t, StateNotHomed, res.Status.State)
	assert.False(t, r.state(t).IsHomed)

	calls := r.wheel.Calls()
	_, err = r.ctrl.MoveToFilter(r.ctx, 2)
	assert.ErrorIs(t, err, ErrNotHomed)
	assert.Equal(t, calls, r.wheel.Calls(), "rejected move touched the hardware")
}

func TestHome_UnhomedWhileSweeping(t *testing.T) {
	r := newRig(t, nil)
	r.home(t)

	var homed bool
	var ch <-chan Result
	require.NoError(t, r.loop.Do(r.ctx, func() {
		ch, _ = r.ctrl.startHome()
		homed = r.ctrl.State().IsHomed
	}))
	assert.False(t, homed)
	assert.True(t, await(t, ch).OK)
	assert.True(t, r.state(t).IsHomed)
}
