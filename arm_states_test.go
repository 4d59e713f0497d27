package harvester

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetermineState(t *testing.T) {
	tests := []struct {
		s1, s2 int
		want   ArmState
	}{
		{10, 10, ArmTravel},
		{14, 6, ArmTravel},
		{16, 10, ArmUnknown},
		{100, 80, ArmPick},
		{50, 160, ArmCarry},
		{90, 20, ArmDeposit},
		{95, 25, ArmDeposit},
		{60, 150, ArmUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DetermineState(tt.s1, tt.s2, 5), "(%d, %d)", tt.s1, tt.s2)
	}
	assert.Equal(t, ArmUnknown, DetermineState(11, 10, 0))
}

func TestClosestSafeState(t *testing.T) {
	s, d := closestSafeState(100, 80)
	assert.Equal(t, ArmCarry, s)
	assert.InDelta(t, 94.34, d, 0.01)

	s, d = closestSafeState(20, 30)
	assert.Equal(t, ArmTravel, s)
	assert.InDelta(t, 22.36, d, 0.01)

	s, d = closestSafeState(10, 10)
	assert.Equal(t, ArmTravel, s)
	assert.Zero(t, d)
}

func TestParseArmState(t *testing.T) {
	for _, s := range ArmStates() {
		got, err := ParseArmState(" " + s.String() + " ")
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseArmState("unknown")
	assert.ErrorIs(t, err, ErrUnknownArmState)
	assert.True(t, ArmCarry.safe())
	assert.False(t, ArmPick.safe())
}
