package motion

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cjeanneret/filterwheel/internal/logic/geometry"
)

// State is the externally reported wheel state.
type State string

const (
	StateHoming   State = "Homing"
	StateNotHomed State = "NotHomed"
	StateMoving   State = "Moving"
	StateDone     State = "Done"
)

// FilterFind is a filter position confirmed by the hall sensor.
type FilterFind struct {
	FilterID int   `json:"filterId"`
	Position int64 `json:"position"`
}

// WheelState is everything known about the wheel. It is owned by the
// Controller and only touched from the poll loop goroutine. At most one of
// IsHoming and IsMoving is true.
type WheelState struct {
	EncoderPosition   int64
	EncoderValid      bool
	HallTriggered     bool
	WheelIdentityCode *int // as currently read; nil unless the home magnet is aligned
	WheelID           *int // identity locked by the last successful homing sweep

	IsHomed  bool
	IsHoming bool
	IsMoving bool

	CurrentFilterID   *int
	CommandedFilterID *int
	LastFoundFilter   *FilterFind
	FilterDelta       *float64
	SearchWindow      *geometry.Window

	MotorStatus   int
	MotorMoving   bool
	MotorPosition *float64
}

// InPosition reports a magnet aligned with the motor at rest.
func (s *WheelState) InPosition() bool {
	return s.HallTriggered && !s.MotorMoving
}

// AtHome reports the home magnet aligned (identity code readable).
func (s *WheelState) AtHome() bool {
	return s.WheelIdentityCode != nil
}

// State derives the reported state name.
func (s *WheelState) State() State {
	switch {
	case s.IsHoming:
		return StateHoming
	case !s.IsHomed:
		return StateNotHomed
	case s.IsMoving:
		return StateMoving
	default:
		return StateDone
	}
}

// DiffuserStatus is the diffuser part of a status snapshot.
type DiffuserStatus struct {
	Target     DiffuserPosition `json:"target"`
	Current    DiffuserPosition `json:"current"`
	Moving     bool             `json:"moving"`
	InSensor   *bool            `json:"inSensor"`
	OutSensor  *bool            `json:"outSensor"`
	RotationOn bool             `json:"rotationOn"`
	AtSpeed    *bool            `json:"atSpeed"`
	CoverOn    *bool            `json:"coverOn"`
}

// Status is a point-in-time copy of the wheel and diffuser state.
type Status struct {
	State             State  `json:"state"`
	WheelID           *int   `json:"wheelId"`
	FilterID          *int   `json:"filterId"`
	CommandedFilterID *int   `json:"cmdFilterId"`
	EncoderPosition   *int64 `json:"encoderPos"`
	InPosition        bool   `json:"inPosition"`
	AtHome            bool   `json:"atHome"`
	DiffuserInBeam    *bool  `json:"diffuInBeam"`

	HallTriggered     bool             `json:"hallTriggered"`
	WheelIdentityCode *int             `json:"wheelIdentityCode"`
	MotorMoving       bool             `json:"motorMoving"`
	MotorStatus       int              `json:"motorStatus"`
	MotorPosition     *float64         `json:"motorPos"`
	FilterDelta       *float64         `json:"filterDelta"`
	LastFoundFilter   *FilterFind      `json:"lastFoundFilter"`
	SearchWindow      *geometry.Window `json:"searchWindow"`
	Diffuser          *DiffuserStatus  `json:"diffuser,omitempty"`
}

func optInt(v *int) string {
	if v == nil {
		return "NaN"
	}
	return strconv.Itoa(*v)
}

// KeywordString renders the status as "key=value; ..." pairs in the order
// command clients expect. Unknown numbers are NaN, unknown flags "?".
func (s Status) KeywordString() string {
	enc := "NaN"
	if s.EncoderPosition != nil {
		enc = strconv.FormatInt(*s.EncoderPosition, 10)
	}
	inBeam := "?"
	if s.DiffuserInBeam != nil {
		inBeam = strconv.FormatBool(*s.DiffuserInBeam)
	}
	kv := []string{
		"state=" + string(s.State),
		"wheelID=" + optInt(s.WheelID),
		"filterID=" + optInt(s.FilterID),
		"cmdFilterID=" + optInt(s.CommandedFilterID),
		"encoderPos=" + enc,
		"inPosition=" + strconv.FormatBool(s.InPosition),
		"atHome=" + strconv.FormatBool(s.AtHome),
		"diffuInBeam=" + inBeam,
	}
	return strings.Join(kv, "; ")
}

// MoveString is the short form sent while a move is running.
func (s Status) MoveString() string {
	return fmt.Sprintf("state=%s; cmdFilterID=%s", s.State, optInt(s.CommandedFilterID))
}

// Result is the completion notice of an accepted operation.
type Result struct {
	Op     string `json:"op"`
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
	Err    error  `json:"-"`
	Status Status `json:"status"`
}

func (r Result) String() string {
	if r.OK {
		if r.Reason != "" {
			return fmt.Sprintf("%s: done (%s)", r.Op, r.Reason)
		}
		return r.Op + ": done"
	}
	return fmt.Sprintf("%s: failed (%s)", r.Op, r.Reason)
}

func intPtr(v int) *int {
	return &v
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	return intPtr(*p)
}
