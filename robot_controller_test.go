package harvester

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
)

func TestHomeSetsOrigin(t *testing.T) {
	fw := newFakeFirmware()
	fw.set(func(f *fakeFirmware) { f.pos = Position{X: 120, Y: 40} })
	rig := newTestRig(t, fw)
	require.NoError(t, rig.store.Save(homingReferenceFile, PositionRecord{Homed: true}))
	require.NoError(t, rig.store.Save(currentPositionFile, PositionRecord{Position: Position{X: 120, Y: 40}, Homed: true}))
	require.NoError(t, rig.robot.LoadPersisted())
	require.True(t, rig.robot.IsHomed())
	require.Equal(t, Position{X: 120, Y: 40}, rig.robot.GlobalPosition())
	fw.resetSent()

	require.NoError(t, rig.robot.Home(testContext(t)))

	assert.True(t, rig.robot.IsHomed())
	st := rig.robot.Status()
	assert.Equal(t, Position{}, st.GlobalPosition)
	assert.Equal(t, Position{}, st.CurrentPosition)
	assert.Equal(t, Position{X: 290, Y: -190}, fw.position())

	var last PositionRecord
	found, err := rig.store.Load(currentPositionFile, &last)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, Position{}, last.Position)

	assert.Equal(t, []string{"M:3000,0", "M:-10,0", "M:0,-5000", "M:0,10"}, fw.sentWithOpcode("M"))
	assert.Equal(t, []string{"V:3000,8000", "V:8000,12000"}, fw.sentWithOpcode("V"))
	assert.Equal(t, []string{"HB:0", "HB:1"}, fw.sentWithOpcode("HB"))

	var ref PositionRecord
	found, err = rig.store.Load(homingReferenceFile, &ref)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, ref.Homed)
	assert.Equal(t, Position{}, ref.Position)
}

func TestHomeBacksOffActiveLimits(t *testing.T) {
	fw := newFakeFirmware()
	fw.set(func(f *fakeFirmware) { f.pos = Position{X: f.hRight, Y: 0} })
	rig := newTestRig(t, fw)
	fw.resetSent()

	require.NoError(t, rig.robot.Home(testContext(t)))
	moves := fw.sentWithOpcode("M")
	require.NotEmpty(t, moves)
	assert.Equal(t, "M:-20,0", moves[0])
	assert.Equal(t, Position{X: 290, Y: -190}, fw.position())
}

func TestHomeRequiresTravelPosition(t *testing.T) {
	fw := newFakeFirmware()
	fw.set(func(f *fakeFirmware) { f.servo1, f.servo2 = 100, 80 })
	rig := newTestRig(t, fw)
	fw.resetSent()

	err := rig.robot.Home(testContext(t))
	assert.ErrorIs(t, err, ErrArmNotSafe)
	assert.Empty(t, fw.sentWithOpcode("M"))
	assert.False(t, rig.robot.IsHomed())
}

func TestHomeFailsWithoutLimit(t *testing.T) {
	fw := newFakeFirmware()
	fw.set(func(f *fakeFirmware) { f.hRight = 1e9 })
	rig := newTestRig(t, fw)
	rig.robot.cfg.RightLimitSec = 0.3
	fw.resetSent()

	err := rig.robot.Home(testContext(t))
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.False(t, rig.robot.IsHomed())
	assert.Equal(t, []string{"V:3000,8000", "V:8000,12000"}, fw.sentWithOpcode("V"))
}

func TestMoveToAbsolute(t *testing.T) {
	fw := newFakeFirmware()
	rig := newTestRig(t, fw)
	ctx := testContext(t)

	assert.ErrorIs(t, rig.robot.MoveToAbsolute(ctx, 10, 10), ErrNotHomed)

	rig.home(t)
	require.NoError(t, rig.robot.MoveToAbsolute(ctx, 100, 50))
	assert.Equal(t, []string{"M:-100,50"}, fw.sentWithOpcode("M"))
	assert.Equal(t, Position{X: 100, Y: 50}, rig.robot.LogicalPosition())
	assert.Equal(t, Position{X: -100, Y: 50}, rig.robot.GlobalPosition())

	var rec PositionRecord
	found, err := rig.store.Load(currentPositionFile, &rec)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, Position{X: -100, Y: 50}, rec.Position)

	fw.resetSent()
	require.NoError(t, rig.robot.MoveToAbsolute(ctx, 100, 50))
	assert.Empty(t, fw.sentWithOpcode("M"))

	err = rig.robot.MoveToAbsolute(ctx, -1, 0)
	assert.ErrorIs(t, err, ErrOutOfBounds)
	err = rig.robot.MoveToAbsolute(ctx, 0, rig.cfg.Motion.MaxY+1)
	assert.ErrorIs(t, err, ErrOutOfBounds)
	assert.Empty(t, fw.sentWithOpcode("M"))
}

func TestMoveToAbsoluteFoldsArmFirst(t *testing.T) {
	fw := newFakeFirmware()
	rig := newTestRig(t, fw)
	ctx := testContext(t)
	rig.home(t)

	rig.arm.SetPayload(false)
	require.NoError(t, rig.arm.ChangeState(ctx, ArmPick))
	fw.resetSent()

	require.NoError(t, rig.robot.MoveToAbsolute(ctx, 20, 0))
	assert.True(t, rig.arm.IsInSafePosition())
	sent := fw.sent()
	require.NotEmpty(t, sent)
	assert.Equal(t, "M:-20,0", sent[len(sent)-1])
	assert.NotEmpty(t, fw.sentWithOpcode("A"))
}

func TestSweepReportsLogicalPositions(t *testing.T) {
	fw := newFakeFirmware()
	rig := newTestRig(t, fw)
	rig.home(t)
	fw.set(func(f *fakeFirmware) {
		f.flags = []Position{{X: f.origin.X - 50, Y: f.origin.Y}, {X: f.origin.X - 120, Y: f.origin.Y}}
	})

	got, err := rig.robot.Sweep(testContext(t), 200, 0)
	require.NoError(t, err)
	assert.Equal(t, []Position{{X: 50, Y: 0}, {X: 120, Y: 0}}, got)
	assert.Equal(t, Position{X: 200, Y: 0}, rig.robot.LogicalPosition())
}

func TestResyncFromFirmware(t *testing.T) {
	fw := newFakeFirmware()
	rig := newTestRig(t, fw)
	rig.home(t)
	fw.set(func(f *fakeFirmware) { f.pos.X -= 7.5 })

	require.NoError(t, rig.robot.ResyncFromFirmware(testContext(t)))
	assert.Equal(t, Position{X: -7.5, Y: 0}, rig.robot.GlobalPosition())
	assert.Equal(t, Position{X: 7.5, Y: 0}, rig.robot.LogicalPosition())

	var rec PositionRecord
	_, err := rig.store.Load(currentPositionFile, &rec)
	require.NoError(t, err)
	assert.Equal(t, Position{X: -7.5, Y: 0}, rec.Position)
}

func TestResyncCorrectsReturnToOrigin(t *testing.T) {
	fw := newFakeFirmware()
	rig := newTestRig(t, fw)
	ctx := testContext(t)
	rig.home(t)
	origin := fw.position()

	require.NoError(t, rig.robot.MoveToAbsolute(ctx, 100, 100))
	// The carriage slipped 30mm that the host never heard about.
	fw.set(func(f *fakeFirmware) { f.pos.X -= 30 })

	require.NoError(t, rig.robot.ResyncFromFirmware(ctx))
	st := rig.robot.Status()
	assert.Equal(t, Position{X: -130, Y: 100}, st.GlobalPosition)
	assert.Equal(t, st.GlobalPosition, st.CurrentPosition)

	fw.resetSent()
	require.NoError(t, rig.robot.MoveToAbsolute(ctx, 0, 0))
	assert.Equal(t, []string{"M:130,-100"}, fw.sentWithOpcode("M"))
	assert.InDelta(t, origin.X, fw.position().X, 0.5)
	assert.InDelta(t, origin.Y, fw.position().Y, 0.5)
	assert.Equal(t, Position{}, rig.robot.LogicalPosition())
}

func TestLoadPersistedRestoresState(t *testing.T) {
	fw := newFakeFirmware()
	rig := newTestRig(t, fw)

	require.NoError(t, rig.store.Save(homingReferenceFile, PositionRecord{Position: Position{}, Homed: true}))
	require.NoError(t, rig.store.Save(currentPositionFile, PositionRecord{Position: Position{X: -40, Y: 25}, Homed: true}))
	require.NoError(t, rig.store.Save(workspaceDimensionsFile, WorkspaceDimensions{WidthMM: 500, HeightMM: 300, Calibrated: true}))

	robot := NewRobotController(rig.cfg.Motion, rig.tr, rig.cmd, rig.arm, rig.store, logging.NewTestLogger(t), nil)
	require.NoError(t, robot.LoadPersisted())
	assert.True(t, robot.IsHomed())
	assert.Equal(t, Position{X: -40, Y: 25}, robot.GlobalPosition())
	w, h := robot.Bounds()
	assert.Equal(t, []float64{500, 300}, []float64{w, h})
}

func TestLoadPersistedWithoutFiles(t *testing.T) {
	fw := newFakeFirmware()
	rig := newTestRig(t, fw)
	require.NoError(t, rig.robot.LoadPersisted())
	assert.False(t, rig.robot.IsHomed())
	w, h := rig.robot.Bounds()
	assert.Equal(t, []float64{rig.cfg.Motion.MaxX, rig.cfg.Motion.MaxY}, []float64{w, h})
}

func TestCalibrateWorkspace(t *testing.T) {
	fw := newFakeFirmware()
	rig := newTestRig(t, fw)

	dims, err := rig.robot.CalibrateWorkspace(testContext(t))
	require.NoError(t, err)
	assert.True(t, dims.Calibrated)
	assert.Equal(t, 1480.0, dims.WidthMM)
	assert.Equal(t, 980.0, dims.HeightMM)
	assert.Equal(t, 59200, dims.WidthSteps)
	assert.Equal(t, 196000, dims.HeightSteps)

	assert.True(t, rig.robot.IsHomed())
	assert.Equal(t, Position{X: 290, Y: -190}, fw.position())
	assert.Nil(t, rig.tr.Handler(EventEmergencyStop))

	var saved WorkspaceDimensions
	found, err := rig.store.Load(workspaceDimensionsFile, &saved)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, dims.WidthMM, saved.WidthMM)
	w, h := rig.robot.Bounds()
	assert.Equal(t, []float64{1480, 980}, []float64{w, h})
}

func TestCalibrateWorkspaceMissedCaptureFails(t *testing.T) {
	fw := newFakeFirmware()
	fw.set(func(f *fakeFirmware) { f.hLeft = 260 })
	rig := newTestRig(t, fw)

	_, err := rig.robot.CalibrateWorkspace(testContext(t))
	assert.ErrorContains(t, err, "no horizontal travel distance captured")
	var saved WorkspaceDimensions
	found, _ := rig.store.Load(workspaceDimensionsFile, &saved)
	assert.False(t, found)
}

func TestCalibrateWorkspaceKeepsDimensionsWhenRehomeFails(t *testing.T) {
	fw := newFakeFirmware()
	// Velocity changes are refused once the carriage sits on the lower limit,
	// which makes the closing homing pass fail.
	fw.set(func(f *fakeFirmware) {
		f.onCommand = func(f *fakeFirmware, cmd string) {
			if commandOpcode(cmd) == "V" && f.pos.Y >= f.vDown {
				f.errs["V"] = "ERR:VELOCITY_REJECTED"
			}
		}
	})
	rig := newTestRig(t, fw)

	dims, err := rig.robot.CalibrateWorkspace(testContext(t))
	assert.ErrorContains(t, err, "final homing failed")
	assert.True(t, dims.Calibrated)
	assert.Equal(t, 1480.0, dims.WidthMM)

	var saved WorkspaceDimensions
	found, err := rig.store.Load(workspaceDimensionsFile, &saved)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, saved.Calibrated)
	assert.Equal(t, dims.WidthMM, saved.WidthMM)
	assert.Equal(t, dims.HeightMM, saved.HeightMM)
	w, h := rig.robot.Bounds()
	assert.Equal(t, []float64{dims.WidthMM, dims.HeightMM}, []float64{w, h})
}
