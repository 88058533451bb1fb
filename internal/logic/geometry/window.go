package geometry

import (
	"fmt"
	"math"

	"github.com/cjeanneret/filterwheel/internal/config"
)

// Window is a closed encoder interval in which a hall trigger is trusted
// as arrival at the target filter.
type Window struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// NewWindow centres a window of width rng on target.
func NewWindow(target, rng float64) Window {
	return Window{Low: target - rng/2, High: target + rng/2}
}

// Contains reports whether pos lies inside the window, bounds included.
func (w Window) Contains(pos float64) bool {
	return pos >= w.Low && pos <= w.High
}

// Center returns the midpoint.
func (w Window) Center() float64 {
	return (w.Low + w.High) / 2
}

// FarEdge returns the last whole encoder count inside the window on the
// opposite side from pos, so that a move toward it crosses the whole
// window and still ends inside it.
func (w Window) FarEdge(pos float64) float64 {
	if pos > w.Center() {
		return math.Ceil(w.Low)
	}
	return math.Floor(w.High)
}

func (w Window) String() string {
	return fmt.Sprintf("[%.0f, %.0f]", w.Low, w.High)
}

// WindowCalculator sizes search windows from configuration.
type WindowCalculator struct {
	ratio float64
}

// NewWindowCalculator creates a calculator using the configured search
// range ratio.
func NewWindowCalculator(cfg *config.Config) *WindowCalculator {
	return &WindowCalculator{ratio: cfg.Wheel.Motion.SearchRangeRatio}
}

// Range returns the window width for a filter spacing.
func (c *WindowCalculator) Range(filterDelta float64) float64 {
	return filterDelta * c.ratio
}

// Window builds the search window around target.
func (c *WindowCalculator) Window(target, filterDelta float64) Window {
	return NewWindow(target, c.Range(filterDelta))
}
