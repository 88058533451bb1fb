package geometry

import "math"

// Slots is the number of filter positions on the wheel.
const Slots = 6

// Valid reports whether id names a filter slot.
func Valid(id int) bool {
	return id >= 1 && id <= Slots
}

// Wrap folds any slot index into [1, Slots].
func Wrap(id int) int {
	w := (id - 1) % Slots
	if w < 0 {
		w += Slots
	}
	return w + 1
}

// ShortestPath returns the direction (+1 or -1) and number of slot
// increments to go from one filter to another around the ring. The count
// never exceeds Slots/2; from == to gives (+1, 0).
func ShortestPath(from, to int) (dir, count int) {
	delta := to - from
	dir = 1
	if delta < 0 {
		dir = -1
	}
	count = delta * dir
	if count > Slots/2-1 {
		dir = -dir
		count = Slots - count
	}
	return dir, count
}

// SignedSlots is ShortestPath folded into a single signed slot offset.
func SignedSlots(from, to int) int {
	dir, count := ShortestPath(from, to)
	return dir * count
}

// HomeTarget is the encoder position of a filter measured from the homed
// zero (filter 1), used before any filter has been confirmed by sensor.
// It follows the same shortest-way convention as AbsoluteTarget, so
// filters 4 to 6 lie at negative positions.
func HomeTarget(target int, filterDelta float64) float64 {
	return AbsoluteTarget(1, 0, target, filterDelta)
}

// AbsoluteTarget anchors the estimate on the last sensor-confirmed filter,
// so encoder drift accumulated before that find cancels out. The slot
// offset from the anchor is taken the shortest way round the ring
// (at most Slots/2 slots either way), never the raw id difference.
func AbsoluteTarget(lastID int, lastPos float64, target int, filterDelta float64) float64 {
	return lastPos + float64(SignedSlots(lastID, target))*filterDelta
}

// MeanSpacing averages measured distances between consecutive detections.
// It returns fallback when nothing usable was measured.
func MeanSpacing(spacings []float64, fallback float64) float64 {
	var sum float64
	n := 0
	for _, s := range spacings {
		if s <= 0 || math.IsNaN(s) {
			continue
		}
		sum += s
		n++
	}
	if n == 0 {
		return fallback
	}
	return sum / float64(n)
}
