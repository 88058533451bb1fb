// Package sequence runs long unattended move cycles against the wheel to
// exercise homing and positioning.
package sequence

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/cjeanneret/filterwheel/internal/debug"
	"github.com/cjeanneret/filterwheel/internal/logic/geometry"
	"github.com/cjeanneret/filterwheel/internal/logic/motion"
)

// Wheel is the part of the motion controller a sequence drives.
type Wheel interface {
	Home(ctx context.Context) (<-chan motion.Result, error)
	MoveToFilter(ctx context.Context, id int) (<-chan motion.Result, error)
}

// Sequence contains the high-level move cycles.
type Sequence struct {
	wheel Wheel
}

func NewSequence(w Wheel) *Sequence {
	return &Sequence{wheel: w}
}

// StressParams defines a stress cycle.
type StressParams struct {
	Moves int           // number of moves after the first homing
	Delay time.Duration // pause after each move
	Seed  int64         // random source seed; 0 picks one from the clock
}

// Report counts what happened during a cycle.
type Report struct {
	Homes        int
	HomeFailures int
	Moves        int
	MoveFailures int
	PerFilter    [geometry.Slots]int // successful arrivals per filter
	Failures     []motion.Result
}

func (r Report) String() string {
	return fmt.Sprintf("moves=%d failed=%d homes=%d homeFailures=%d",
		r.Moves, r.MoveFailures, r.Homes, r.HomeFailures)
}

// RunStress homes the wheel and then moves to Moves random filters, each
// different from the previous one. A failed move is followed by a new
// homing before the cycle goes on. It stops early only when homing fails
// or ctx is cancelled; the report covers what was done until then.
func (s *Sequence) RunStress(ctx context.Context, p StressParams) (Report, error) {
	var rep Report
	seed := p.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	debug.Section("Stress cycle")
	debug.Verbose("Stress: %d moves, delay %v, seed %d", p.Moves, p.Delay, seed)

	if err := s.home(ctx, &rep); err != nil {
		return rep, err
	}
	current := 1
	for i := 0; i < p.Moves; i++ {
		if err := ctx.Err(); err != nil {
			return rep, err
		}

		target := current
		for target == current {
			target = rng.Intn(geometry.Slots) + 1
		}
		debug.Step(i+1, fmt.Sprintf("move %d -> %d", current, target))

		res, err := s.run(ctx, func() (<-chan motion.Result, error) {
			return s.wheel.MoveToFilter(ctx, target)
		})
		if err != nil {
			return rep, fmt.Errorf("move %d: %w", i+1, err)
		}
		rep.Moves++
		if res.OK {
			rep.PerFilter[target-1]++
			current = target
		} else {
			rep.MoveFailures++
			rep.Failures = append(rep.Failures, res)
			debug.Warn("Stress move %d to filter %d failed: %s", i+1, target, res.Reason)
			if err := s.home(ctx, &rep); err != nil {
				return rep, err
			}
			current = 1
		}

		if p.Delay > 0 {
			select {
			case <-ctx.Done():
				return rep, ctx.Err()
			case <-time.After(p.Delay):
			}
		}
	}
	debug.Info("Stress cycle finished: %s", rep)
	return rep, nil
}

func (s *Sequence) home(ctx context.Context, rep *Report) error {
	res, err := s.run(ctx, func() (<-chan motion.Result, error) {
		return s.wheel.Home(ctx)
	})
	if err != nil {
		return fmt.Errorf("home: %w", err)
	}
	rep.Homes++
	if !res.OK {
		rep.HomeFailures++
		rep.Failures = append(rep.Failures, res)
		return fmt.Errorf("home failed: %s", res.Reason)
	}
	return nil
}

// run starts an operation and waits for its result.
func (s *Sequence) run(ctx context.Context, start func() (<-chan motion.Result, error)) (motion.Result, error) {
	ch, err := start()
	if err != nil {
		return motion.Result{}, err
	}
	select {
	case res, ok := <-ch:
		if !ok {
			return motion.Result{}, fmt.Errorf("operation ended without a result")
		}
		return res, nil
	case <-ctx.Done():
		return motion.Result{}, ctx.Err()
	}
}
