package motion

import (
	"strings"
	"testing"

	"github.com/cjeanneret/filterwheel/internal/config"
	"github.com/cjeanneret/filterwheel/internal/hw/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiffuser_InThenOut(t *testing.T) {
	r := newRig(t, nil)

	ch, err := r.diff.In(r.ctx)
	require.NoError(t, err)
	res := await(t, ch)
	require.True(t, res.OK, res.Reason)
	assert.Equal(t, "diffuser", res.Op)
	require.NotNil(t, res.Status.Diffuser)
	assert.Equal(t, DiffuserIn, res.Status.Diffuser.Current)
	assert.False(t, res.Status.Diffuser.Moving)
	require.NotNil(t, res.Status.DiffuserInBeam)
	assert.True(t, *res.Status.DiffuserInBeam)

	ch, err = r.diff.Out(r.ctx)
	require.NoError(t, err)
	res = await(t, ch)
	require.True(t, res.OK, res.Reason)
	assert.Equal(t, DiffuserOut, res.Status.Diffuser.Current)
	assert.False(t, *res.Status.DiffuserInBeam)
	assert.Equal(t, DiffuserOut, r.diff.Snapshot().Target)
}

func TestDiffuser_TimeoutKeepsObservedState(t *testing.T) {
	r := newRig(t, func(c *config.Config, o *sim.Options) {
		c.Diffuser.TimeoutMs = 50
		o.DiffuserStuck = true
	})

	ch, err := r.diff.In(r.ctx)
	require.NoError(t, err)
	res := await(t, ch)

	assert.False(t, res.OK)
	assert.True(t, strings.HasPrefix(res.Reason, ReasonDiffuserTimeout), res.Reason)
	d := res.Status.Diffuser
	require.NotNil(t, d)
	assert.Equal(t, DiffuserUnknown, d.Current)
	assert.Equal(t, DiffuserIn, d.Target)
	assert.False(t, d.Moving)

	// a freed diffuser can be moved again
	r.wheel.SetDiffuserStuck(false)
	ch, err = r.diff.In(r.ctx)
	require.NoError(t, err)
	assert.True(t, await(t, ch).OK)
}

func TestDiffuser_RejectedWhilePending(t *testing.T) {
	r := newRig(t, nil)

	var (
		ch                <-chan Result
		startErr, busyErr error
	)
	require.NoError(t, r.loop.Do(r.ctx, func() {
		ch, startErr = r.diff.start(DiffuserIn)
		_, busyErr = r.diff.start(DiffuserOut)
	}))
	require.NoError(t, startErr)
	assert.ErrorIs(t, busyErr, ErrDiffuserBusy)
	assert.True(t, await(t, ch).OK)
}

func TestDiffuser_UnknownTarget(t *testing.T) {
	r := newRig(t, nil)
	_, err := r.diff.Move(r.ctx, DiffuserUnknown)
	assert.Error(t, err)
}

func TestDiffuser_Rotation(t *testing.T) {
	r := newRig(t, nil)

	require.NoError(t, r.diff.StartRotation(r.ctx))
	s, err := r.ctrl.Status(r.ctx)
	require.NoError(t, err)
	require.NotNil(t, s.Diffuser)
	assert.True(t, s.Diffuser.RotationOn)
	require.NotNil(t, s.Diffuser.AtSpeed)
	assert.True(t, *s.Diffuser.AtSpeed)
	require.NotNil(t, s.Diffuser.CoverOn)
	assert.False(t, *s.Diffuser.CoverOn)

	require.NoError(t, r.diff.StopRotation(r.ctx))
	s, err = r.ctrl.Status(r.ctx)
	require.NoError(t, err)
	assert.False(t, s.Diffuser.RotationOn)
	assert.False(t, *s.Diffuser.AtSpeed)
}

func TestDiffuser_RunsAlongsideWheelMove(t *testing.T) {
	r := newRig(t, nil)
	r.home(t)

	moveCh, err := r.ctrl.MoveToFilter(r.ctx, 4)
	require.NoError(t, err)
	diffCh, err := r.diff.In(r.ctx)
	require.NoError(t, err)

	assert.True(t, await(t, diffCh).OK)
	res := await(t, moveCh)
	assert.True(t, res.OK, res.Reason)
	assert.Equal(t, 3, r.magnet())
}

func TestDiffuser_WriteFailure(t *testing.T) {
	r := newRig(t, nil)
	r.wheel.FailNext(1)

	ch, err := r.diff.In(r.ctx)
	require.NoError(t, err)
	res := await(t, ch)
	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Err, sim.ErrInjected)
}
