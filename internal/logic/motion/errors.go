package motion

import (
	"errors"

	"github.com/cjeanneret/filterwheel/internal/logic/poll"
)

// Rejections. None of these touch the hardware.
var (
	ErrBusy          = errors.New("filter wheel is moving")
	ErrInvalidFilter = errors.New("filter id must be 1..6")
	ErrNotHomed      = errors.New("cannot command move, home filter wheel first")
	ErrNotInPosition = errors.New("filter wheel is not in position")
	ErrDiffuserBusy  = errors.New("diffuser is moving")
	ErrLoopStopped   = poll.ErrStopped
)

// Failure reasons reported in Result.Reason.
const (
	ReasonStopCommanded   = "stop commanded"
	ReasonInitCommanded   = "init commanded"
	ReasonNoEdge          = "hall sensor not detected within increment"
	ReasonNotAtHome       = "Failed to stop at home sensor"
	ReasonNotAtFilter     = "Failed to stop at filter sensor"
	ReasonNoIdentity      = "no wheel identity found"
	ReasonOutsideWindow   = "stopped outside search window"
	ReasonNotConfirmed    = "stopped near target but sensor not confirming"
	ReasonAlreadyInPlace  = "Filter currently in position"
	ReasonIO              = "hardware I/O error"
	ReasonUnknownMotor    = "motor status not understood"
	ReasonDiffuserTimeout = "diffuser position not confirmed before timeout"
)
