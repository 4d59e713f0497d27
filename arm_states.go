package harvester

import (
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// ArmState is a named arm configuration.
type ArmState int

const (
	ArmUnknown ArmState = iota
	ArmTravel
	ArmPick
	ArmCarry
	ArmDeposit
)

// anyArmState keys trajectories that apply from every state.
const anyArmState ArmState = -1

func (s ArmState) String() string {
	switch s {
	case ArmTravel:
		return "travel"
	case ArmPick:
		return "pick"
	case ArmCarry:
		return "carry"
	case ArmDeposit:
		return "deposit"
	case anyArmState:
		return "*"
	default:
		return "unknown"
	}
}

// ParseArmState accepts the names returned by String.
func ParseArmState(name string) (ArmState, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "travel":
		return ArmTravel, nil
	case "pick":
		return ArmPick, nil
	case "carry":
		return ArmCarry, nil
	case "deposit":
		return ArmDeposit, nil
	default:
		return ArmUnknown, errors.Wrapf(ErrUnknownArmState, "%q", name)
	}
}

// ArmConfiguration is the servo angles and gripper state of a named state.
type ArmConfiguration struct {
	Servo1  int          `json:"servo1"`
	Servo2  int          `json:"servo2"`
	Gripper GripperState `json:"gripper"`
}

func (c ArmConfiguration) vector() r3.Vector {
	return r3.Vector{X: float64(c.Servo1), Y: float64(c.Servo2)}
}

var armConfigurations = map[ArmState]ArmConfiguration{
	ArmTravel:  {Servo1: 10, Servo2: 10, Gripper: GripperAny},
	ArmPick:    {Servo1: 100, Servo2: 80, Gripper: GripperOpen},
	ArmCarry:   {Servo1: 50, Servo2: 160, Gripper: GripperClosed},
	ArmDeposit: {Servo1: 90, Servo2: 20, Gripper: GripperOpen},
}

// Travel and carry keep the arm clear of the crop during XY moves.
var safeArmStates = []ArmState{ArmTravel, ArmCarry}

// ArmStates lists the named states in a stable order.
func ArmStates() []ArmState {
	return []ArmState{ArmTravel, ArmPick, ArmCarry, ArmDeposit}
}

// Configuration returns the declared angles of s.
func (s ArmState) Configuration() (ArmConfiguration, bool) {
	c, ok := armConfigurations[s]
	return c, ok
}

func (s ArmState) safe() bool {
	for _, safe := range safeArmStates {
		if s == safe {
			return true
		}
	}
	return false
}

// DetermineState returns the state whose angles are both within tolerance of
// (servo1, servo2), or ArmUnknown.
func DetermineState(servo1, servo2, tolerance int) ArmState {
	for _, s := range ArmStates() {
		if matchesConfiguration(s, servo1, servo2, tolerance) {
			return s
		}
	}
	return ArmUnknown
}

func matchesConfiguration(s ArmState, servo1, servo2, tolerance int) bool {
	c, ok := armConfigurations[s]
	if !ok {
		return false
	}
	return absInt(servo1-c.Servo1) <= tolerance && absInt(servo2-c.Servo2) <= tolerance
}

// closestSafeState picks the safe state nearest in angle space.
func closestSafeState(servo1, servo2 int) (ArmState, float64) {
	at := r3.Vector{X: float64(servo1), Y: float64(servo2)}
	best, bestDist := ArmTravel, -1.0
	for _, s := range safeArmStates {
		d := at.Sub(armConfigurations[s].vector()).Norm()
		if bestDist < 0 || d < bestDist {
			best, bestDist = s, d
		}
	}
	return best, bestDist
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
