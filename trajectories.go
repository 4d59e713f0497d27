package harvester

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

const (
	armMoveBuffer   = 500 * time.Millisecond
	gripperStepTime = 2 * time.Second
	interStepDelay  = 300 * time.Millisecond
)

// StepKind distinguishes the two trajectory step types.
type StepKind int

const (
	StepArmMove StepKind = iota
	StepGripper
)

func (k StepKind) String() string {
	if k == StepGripper {
		return "gripper"
	}
	return "arm_move"
}

// TrajectoryStep is one gripper action or one timed arm move.
type TrajectoryStep struct {
	Kind        StepKind     `json:"type"`
	Action      GripperState `json:"action,omitempty"`
	Servo1      int          `json:"servo1,omitempty"`
	Servo2      int          `json:"servo2,omitempty"`
	DurationMS  int          `json:"time_ms,omitempty"`
	Description string       `json:"description"`
}

func (s TrajectoryStep) String() string {
	if s.Kind == StepGripper {
		return fmt.Sprintf("gripper %s (%s)", s.Action, s.Description)
	}
	return fmt.Sprintf("arm to (%d, %d) in %dms (%s)", s.Servo1, s.Servo2, s.DurationMS, s.Description)
}

// Trajectory is an ordered step list between two states.
type Trajectory struct {
	Name         string           `json:"name"`
	Description  string           `json:"description"`
	EstimatedSec float64          `json:"estimated_time,omitempty"`
	Steps        []TrajectoryStep `json:"steps"`
}

// Estimate returns the declared duration, or one derived from the steps.
func (t Trajectory) Estimate() time.Duration {
	if t.EstimatedSec > 0 {
		return seconds(t.EstimatedSec)
	}
	var total time.Duration
	for _, s := range t.Steps {
		switch s.Kind {
		case StepArmMove:
			total += time.Duration(s.DurationMS)*time.Millisecond + armMoveBuffer
		case StepGripper:
			total += gripperStepTime
		}
		total += interStepDelay
	}
	return total
}

func (t Trajectory) validate() error {
	if t.Name == "" || t.Description == "" {
		return errors.New("trajectory needs a name and a description")
	}
	if len(t.Steps) == 0 {
		return errors.Errorf("trajectory %s has no steps", t.Name)
	}
	for i, s := range t.Steps {
		if s.Description == "" {
			return errors.Errorf("trajectory %s step %d has no description", t.Name, i)
		}
		switch s.Kind {
		case StepGripper:
			if s.Action != GripperOpen && s.Action != GripperClosed {
				return errors.Errorf("trajectory %s step %d: gripper action %q", t.Name, i, s.Action)
			}
		case StepArmMove:
			if s.Servo1 < 0 || s.Servo1 > 180 || s.Servo2 < 0 || s.Servo2 > 180 {
				return errors.Errorf("trajectory %s step %d: angles (%d, %d) out of range", t.Name, i, s.Servo1, s.Servo2)
			}
			if s.DurationMS <= 0 {
				return errors.Errorf("trajectory %s step %d: duration %dms", t.Name, i, s.DurationMS)
			}
		default:
			return errors.Errorf("trajectory %s step %d: unknown step type %d", t.Name, i, s.Kind)
		}
	}
	return nil
}

type transition struct {
	from, to ArmState
}

func gripperStep(action GripperState, desc string) TrajectoryStep {
	return TrajectoryStep{Kind: StepGripper, Action: action, Description: desc}
}

func armStep(servo1, servo2, ms int, desc string) TrajectoryStep {
	return TrajectoryStep{Kind: StepArmMove, Servo1: servo1, Servo2: servo2, DurationMS: ms, Description: desc}
}

func toState(s ArmState, ms int, desc string) TrajectoryStep {
	c := armConfigurations[s]
	return armStep(c.Servo1, c.Servo2, ms, desc)
}

var trajectories = map[transition]Trajectory{
	{ArmTravel, ArmPick}: {
		Name:         "travel_to_pick",
		Description:  "Reach down to pick a plant",
		EstimatedSec: 4.5,
		Steps: []TrajectoryStep{
			gripperStep(GripperOpen, "make sure the gripper is open"),
			armStep(0, 120, 1500, "lift to the intermediate pose"),
			toState(ArmPick, 1500, "extend to the pick pose"),
			gripperStep(GripperClosed, "close on the plant"),
		},
	},
	{ArmPick, ArmTravel}: {
		Name:         "pick_to_travel",
		Description:  "Retract from the pick pose to travel",
		EstimatedSec: 4,
		Steps: []TrajectoryStep{
			gripperStep(GripperOpen, "open the gripper"),
			armStep(10, 120, 3000, "retract to the intermediate pose"),
			toState(ArmTravel, 4000, "lower to the travel pose"),
		},
	},
	{ArmCarry, ArmTravel}: {
		Name:         "carry_to_travel",
		Description:  "Stow from carry to travel",
		EstimatedSec: 3,
		Steps: []TrajectoryStep{
			armStep(0, 90, 3000, "move to the intermediate pose"),
			toState(ArmTravel, 3000, "reach the travel pose"),
			gripperStep(GripperOpen, "open the gripper"),
		},
	},
	{ArmCarry, ArmDeposit}: {
		Name:         "carry_to_deposit",
		Description:  "Position over the bin and release",
		EstimatedSec: 3,
		Steps: []TrajectoryStep{
			toState(ArmDeposit, 5500, "position over the bin"),
			gripperStep(GripperOpen, "open to release the plant"),
		},
	},
	{ArmDeposit, ArmTravel}: {
		Name:         "deposit_to_travel",
		Description:  "Return from the bin to travel",
		EstimatedSec: 2.5,
		Steps: []TrajectoryStep{
			toState(ArmTravel, 1500, "go straight to the travel pose"),
		},
	},
	{anyArmState, ArmTravel}: {
		Name:         "any_to_travel",
		Description:  "Return to the travel pose",
		EstimatedSec: 2.5,
		Steps: []TrajectoryStep{
			toState(ArmTravel, 4000, "retract to the travel pose"),
			gripperStep(GripperOpen, "open the gripper"),
		},
	},
	{anyArmState, ArmCarry}: {
		Name:         "any_to_carry",
		Description:  "Go to the carry pose",
		EstimatedSec: 1,
		Steps: []TrajectoryStep{
			toState(ArmCarry, 4000, "retract to the carry pose"),
		},
	},
	{anyArmState, ArmPick}: {
		Name:         "any_to_pick",
		Description:  "Reach the pick pose through travel",
		EstimatedSec: 6,
		Steps: []TrajectoryStep{
			armStep(0, 0, 4000, "go to the travel pose first"),
			gripperStep(GripperOpen, "make sure the gripper is open"),
			armStep(0, 120, 1000, "lift the arm"),
			toState(ArmPick, 1500, "extend to the pick pose"),
			gripperStep(GripperClosed, "close the gripper"),
		},
	},
}

// payloadTrajectories branch on whether the gripper holds a plant. Index 0 is
// the empty variant.
var payloadTrajectories = map[transition][2]Trajectory{
	{ArmPick, ArmCarry}: {
		{
			Name:         "pick_to_carry_empty",
			Description:  "Go to carry with an empty gripper",
			EstimatedSec: 1.5,
			Steps: []TrajectoryStep{
				gripperStep(GripperOpen, "open the gripper"),
				armStep(0, 120, 2500, "lift to the intermediate pose"),
				toState(ArmCarry, 1500, "move to the carry pose"),
			},
		},
		{
			Name:         "pick_to_carry",
			Description:  "Lift the plant to the carry pose",
			EstimatedSec: 1.5,
			Steps: []TrajectoryStep{
				gripperStep(GripperClosed, "make sure the gripper is closed"),
				toState(ArmCarry, 1500, "move to the carry pose"),
			},
		},
	},
	{ArmCarry, ArmPick}: {
		{
			Name:         "carry_to_pick_empty",
			Description:  "Reach down to pick from carry",
			EstimatedSec: 4,
			Steps: []TrajectoryStep{
				gripperStep(GripperOpen, "make sure the gripper is open"),
				armStep(0, 120, 2500, "lift to the intermediate pose"),
				toState(ArmPick, 1500, "extend to the pick pose"),
				gripperStep(GripperClosed, "close on the plant"),
			},
		},
		{
			Name:         "carry_to_pick",
			Description:  "Lower the held plant and release it",
			EstimatedSec: 3,
			Steps: []TrajectoryStep{
				armStep(armConfigurations[ArmPick].Servo1, armConfigurations[ArmPick].Servo2+20, 3000, "approach above the pick pose"),
				toState(ArmPick, 1000, "lower to the pick pose"),
				gripperStep(GripperOpen, "open to release the plant"),
			},
		},
	},
}

func init() {
	if err := validateTrajectories(); err != nil {
		panic(err)
	}
}

func validateTrajectories() error {
	for key, t := range trajectories {
		if err := t.validate(); err != nil {
			return errors.Wrapf(err, "%s -> %s", key.from, key.to)
		}
	}
	for key, variants := range payloadTrajectories {
		for _, t := range variants {
			if err := t.validate(); err != nil {
				return errors.Wrapf(err, "%s -> %s", key.from, key.to)
			}
		}
	}
	return nil
}

// LookupTrajectory returns the trajectory from one state to another. An exact
// entry wins over the generic one for the target.
func LookupTrajectory(from, to ArmState, payload bool) (Trajectory, bool) {
	key := transition{from, to}
	if variants, ok := payloadTrajectories[key]; ok {
		if payload {
			return variants[1], true
		}
		return variants[0], true
	}
	if t, ok := trajectories[key]; ok {
		return t, true
	}
	t, ok := trajectories[transition{anyArmState, to}]
	return t, ok
}
