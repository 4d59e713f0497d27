package harvester

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func TestClassifyLine(t *testing.T) {
	tests := []struct {
		line  string
		kinds []EventKind
	}{
		{"OK:MOVE_XY:10,0", []EventKind{}},
		{"SERVO_POS:10,10", []EventKind{}},
		{"STEPPER_MOVE_STARTED", []EventKind{EventStepperStarted}},
		{"STEPPER_MOVE_COMPLETED", []EventKind{EventStepperCompleted}},
		{"STEPPER_MOVE_COMPLETED:REL:400,0,MM:10.0,0.0", []EventKind{EventPositionDelta, EventStepperCompleted}},
		{"STEPPER_EMERGENCY_STOP:REL:-400,0,MM:-10.0,0.0", []EventKind{EventPositionDelta, EventEmergencyStop}},
		{"STEPPER_EMERGENCY_STOP", []EventKind{EventEmergencyStop}},
		{"SERVO_MOVE_COMPLETED", []EventKind{EventServoCompleted}},
		{"GRIPPER_ACTION_COMPLETED:OPEN", []EventKind{EventGripperCompleted}},
		{"CALIBRATION_STARTED", []EventKind{EventActionStarted}},
		{"LIMIT_V_UP_TRIGGERED", []EventKind{EventLimitTriggered}},
		{"LIMIT_STATUS:H_L=0,H_R=1", []EventKind{EventLimitStatus}},
		{"MOVEMENT_SNAPSHOTS:S1=1,2", []EventKind{EventSnapshots}},
		{"SYSTEM_STATUS:servo1=10", []EventKind{EventSystemStatus}},
		{"_COMPLETED", []EventKind{}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			events, err := classifyLine(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.kinds, kinds(events))
		})
	}
}

func TestClassifyLineActions(t *testing.T) {
	events, err := classifyLine("CALIBRATION_COMPLETED")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventActionCompleted, events[0].Kind)
	assert.Equal(t, ActionType("CALIBRATION"), events[0].Action)

	events, err = classifyLine("LIMIT_H_LEFT_TRIGGERED")
	require.NoError(t, err)
	assert.Equal(t, LimitHLeft, events[0].Limit)
}

func TestClassifyLineKeepsCompletionWithBadDelta(t *testing.T) {
	events, err := classifyLine("STEPPER_MOVE_COMPLETED:MM:abc")
	assert.Error(t, err)
	assert.Equal(t, []EventKind{EventStepperCompleted}, kinds(events))
}

func TestParseMoveDelta(t *testing.T) {
	d, err := ParseMoveDelta("STEPPER_MOVE_COMPLETED:REL:400,-2000,MM:10.0,-10.0")
	require.NoError(t, err)
	assert.Equal(t, &MoveDelta{StepsH: 400, StepsV: -2000, MMH: 10, MMV: -10}, d)

	d, err = ParseMoveDelta("STEPPER_EMERGENCY_STOP:MM:-1490.0,0.0 T:12")
	require.NoError(t, err)
	assert.Equal(t, -1490.0, d.MMH)
	assert.Zero(t, d.StepsH)

	_, err = ParseMoveDelta("STEPPER_MOVE_COMPLETED")
	assert.Error(t, err)
}

func TestParseSnapshots(t *testing.T) {
	snaps, err := ParseSnapshots("S1=10.0,0.0;bad;S2=20.5,0.0;TAPE=30,1")
	require.NoError(t, err)
	assert.Equal(t, []Snapshot{
		{Flag: "S1", ID: 1, X: 10, Y: 0},
		{Flag: "S2", ID: 2, X: 20.5, Y: 0},
		{Flag: "TAPE", ID: -1, X: 30, Y: 1},
	}, snaps)

	snaps, err = ParseSnapshots("  ")
	assert.NoError(t, err)
	assert.Nil(t, snaps)
}

func TestSnapshotBuffer(t *testing.T) {
	b := newSnapshotBuffer()
	b.add([]Snapshot{{Flag: "S1", ID: 1, X: 1}, {Flag: "S2", ID: 2, X: 2}})
	b.add([]Snapshot{{Flag: "S1", ID: 1, X: 99}, {Flag: "S3", ID: 3, X: 3}})
	got := b.list()
	require.Len(t, got, 3)
	assert.Equal(t, []float64{1, 2, 3}, []float64{got[0].X, got[1].X, got[2].X})

	b.clear()
	b.add([]Snapshot{{Flag: "F", ID: -1, X: 1}, {Flag: "F", ID: -1, X: 1}, {Flag: "F", ID: -1, X: 2}})
	assert.Len(t, b.list(), 2)
}

func TestSnapshotBufferKeepsMixedFlags(t *testing.T) {
	b := newSnapshotBuffer()
	b.add([]Snapshot{{Flag: "S1", ID: 1, X: 10}, {Flag: "P", ID: -1, X: 15}})
	b.add([]Snapshot{{Flag: "S2", ID: 2, X: 20}, {Flag: "P", ID: -1, X: 25}, {Flag: "S1", ID: 1, X: 10}})

	var xs []float64
	for _, s := range b.list() {
		xs = append(xs, s.X)
	}
	assert.Equal(t, []float64{10, 15, 20, 25}, xs)
}

func TestLimitStatusFromResponse(t *testing.T) {
	var s LimitStatus
	now := time.Now()
	s.updateFromResponse("LIMIT_STATUS:H_LEFT=1,H_RIGHT=0,V_U:true,V_D=on", now)
	assert.Equal(t, []Limit{LimitHLeft, LimitVUp, LimitVDown}, s.Active())
	assert.Equal(t, now, s.LastUpdate)

	s.updateFromResponse("LIMIT_STATUS:H_L=10,XH_R=1", now)
	assert.False(t, s.Any())
}

func TestParseLimit(t *testing.T) {
	l, err := ParseLimit("v_down")
	require.NoError(t, err)
	assert.Equal(t, LimitVDown, l)
	l, err = ParseLimit("H_R")
	require.NoError(t, err)
	assert.Equal(t, LimitHRight, l)
	_, err = ParseLimit("X")
	assert.Error(t, err)
}
