package harvester

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupTrajectory(t *testing.T) {
	tests := []struct {
		from, to ArmState
		payload  bool
		want     string
		found    bool
	}{
		{ArmTravel, ArmPick, true, "travel_to_pick", true},
		{ArmPick, ArmCarry, true, "pick_to_carry", true},
		{ArmPick, ArmCarry, false, "pick_to_carry_empty", true},
		{ArmCarry, ArmPick, true, "carry_to_pick", true},
		{ArmCarry, ArmPick, false, "carry_to_pick_empty", true},
		{ArmDeposit, ArmPick, true, "any_to_pick", true},
		{ArmUnknown, ArmTravel, true, "any_to_travel", true},
		{ArmDeposit, ArmTravel, false, "deposit_to_travel", true},
		{ArmUnknown, ArmCarry, false, "any_to_carry", true},
		{ArmCarry, ArmDeposit, true, "carry_to_deposit", true},
		{ArmTravel, ArmDeposit, true, "", false},
		{ArmPick, ArmDeposit, false, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			traj, ok := LookupTrajectory(tt.from, tt.to, tt.payload)
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.want, traj.Name)
		})
	}
}

func TestTrajectoriesValid(t *testing.T) {
	require.NoError(t, validateTrajectories())
}

func TestTrajectoryValidate(t *testing.T) {
	ok := Trajectory{Name: "n", Description: "d", Steps: []TrajectoryStep{armStep(10, 10, 100, "x")}}
	require.NoError(t, ok.validate())

	bad := []Trajectory{
		{Description: "d", Steps: ok.Steps},
		{Name: "n", Description: "d"},
		{Name: "n", Description: "d", Steps: []TrajectoryStep{armStep(10, 10, 100, "")}},
		{Name: "n", Description: "d", Steps: []TrajectoryStep{armStep(181, 10, 100, "x")}},
		{Name: "n", Description: "d", Steps: []TrajectoryStep{armStep(10, 10, 0, "x")}},
		{Name: "n", Description: "d", Steps: []TrajectoryStep{gripperStep(GripperAny, "x")}},
		{Name: "n", Description: "d", Steps: []TrajectoryStep{{Kind: StepKind(7), Description: "x"}}},
	}
	for i, traj := range bad {
		assert.Error(t, traj.validate(), "case %d", i)
	}
}

func TestTrajectoryEstimate(t *testing.T) {
	declared := Trajectory{EstimatedSec: 2.5}
	assert.Equal(t, 2500*time.Millisecond, declared.Estimate())

	derived := Trajectory{Steps: []TrajectoryStep{
		armStep(10, 10, 1000, "a"),
		gripperStep(GripperOpen, "g"),
	}}
	want := time.Second + armMoveBuffer + gripperStepTime + 2*interStepDelay
	assert.Equal(t, want, derived.Estimate())
}

func TestTrajectoryStepString(t *testing.T) {
	assert.Equal(t, "arm to (50, 160) in 1500ms (carry)", armStep(50, 160, 1500, "carry").String())
	assert.Equal(t, "gripper open (release)", gripperStep(GripperOpen, "release").String())
	assert.Equal(t, "gripper", StepGripper.String())
	assert.Equal(t, "arm_move", StepArmMove.String())
}
