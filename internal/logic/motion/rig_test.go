package motion

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/filterwheel/internal/config"
	"github.com/cjeanneret/filterwheel/internal/hw/sim"
	"github.com/cjeanneret/filterwheel/internal/logic/poll"
	"github.com/cjeanneret/filterwheel/internal/logic/trace"
	"github.com/stretchr/testify/require"
)

type rig struct {
	ctx   context.Context
	cfg   *config.Config
	wheel *sim.Wheel
	loop  *poll.Loop
	ctrl  *Controller
	diff  *Diffuser
}

// newRig runs a controller against the simulated wheel on a fast loop.
// The idle interval is long so nothing touches the hardware between
// operations unless a test asks.
func newRig(t *testing.T, mutate func(*config.Config, *sim.Options)) *rig {
	t.Helper()
	cfg := config.Default()
	opt := sim.DefaultOptions()
	if mutate != nil {
		mutate(cfg, &opt)
	}
	w := sim.New(cfg, opt)
	loop := poll.New(time.Millisecond, time.Hour)
	d := NewDiffuser(w, loop, cfg)
	c := NewController(w, loop, cfg, d)

	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-loop.Done()
	})
	return &rig{ctx: ctx, cfg: cfg, wheel: w, loop: loop, ctrl: c, diff: d}
}

func await(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	require.NotNil(t, ch)
	select {
	case r, ok := <-ch:
		require.True(t, ok, "result channel closed without a result")
		return r
	case <-time.After(30 * time.Second):
		t.Fatal("operation did not complete")
	}
	return Result{}
}

func (r *rig) home(t *testing.T) Result {
	t.Helper()
	ch, err := r.ctrl.Home(r.ctx)
	require.NoError(t, err)
	res := await(t, ch)
	require.True(t, res.OK, "homing failed: %s", res.Reason)
	return res
}

func (r *rig) move(t *testing.T, id int) Result {
	t.Helper()
	ch, err := r.ctrl.MoveToFilter(r.ctx, id)
	require.NoError(t, err)
	return await(t, ch)
}

// state reads the wheel state on the loop goroutine.
func (r *rig) state(t *testing.T) WheelState {
	t.Helper()
	var st WheelState
	require.NoError(t, r.loop.Do(r.ctx, func() { st = r.ctrl.State() }))
	return st
}

// magnet returns the magnet index under the sensor, -1 for none.
func (r *rig) magnet() int {
	_, m := r.wheel.Physical()
	return m
}

type memRecorder struct {
	mu      sync.Mutex
	samples []trace.Sample
}

func (m *memRecorder) Record(s trace.Sample) {
	m.mu.Lock()
	m.samples = append(m.samples, s)
	m.mu.Unlock()
}

func (m *memRecorder) all() []trace.Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]trace.Sample(nil), m.samples...)
}
