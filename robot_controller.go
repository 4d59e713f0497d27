package harvester

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

// How long to wait for the snapshot report after a sweep completes.
const snapshotGrace = 300 * time.Millisecond

// ArmSafety is what the gantry needs from the arm before it travels.
type ArmSafety interface {
	IsInTravelPosition(ctx context.Context) (bool, error)
	IsInSafePosition() bool
	EnsureSafePosition(ctx context.Context) error
}

// RobotStatus is a snapshot of the gantry.
type RobotStatus struct {
	Homed           bool                `json:"homed"`
	GlobalPosition  Position            `json:"global_position"`
	CurrentPosition Position            `json:"current_position"`
	Display         Position            `json:"display_position"`
	Workspace       WorkspaceDimensions `json:"workspace"`
	Limits          LimitStatus         `json:"limits"`
}

// RobotController owns the position estimate of the XY gantry and the
// homing and calibration sequences.
//
// Positions are kept in the firmware frame: they are sums of the deltas the
// firmware reports. MoveToAbsolute takes logical coordinates, which grow into
// the workspace from the home corner.
type RobotController struct {
	cfg     MotionConfig
	tr      *Transport
	cmd     *Commands
	arm     ArmSafety
	store   *Store
	logger  logging.Logger
	metrics *Metrics

	mu        sync.Mutex
	current   Position
	global    Position
	homed     bool
	workspace WorkspaceDimensions
}

// NewRobotController installs the position tracker on tr. arm may be nil
// when no arm is fitted.
func NewRobotController(
	cfg MotionConfig,
	tr *Transport,
	cmd *Commands,
	arm ArmSafety,
	store *Store,
	logger logging.Logger,
	metrics *Metrics,
) *RobotController {
	r := &RobotController{
		cfg:     cfg,
		tr:      tr,
		cmd:     cmd,
		arm:     arm,
		store:   store,
		logger:  logger,
		metrics: metrics,
	}
	tr.SetHandler(EventPositionDelta, r.onPositionDelta)
	return r
}

// onPositionDelta adds a firmware-reported delta to both position records.
func (r *RobotController) onPositionDelta(ev Event) {
	if ev.Delta == nil {
		return
	}
	r.mu.Lock()
	r.current = r.current.Add(ev.Delta.MMH, ev.Delta.MMV)
	r.global = r.global.Add(ev.Delta.MMH, ev.Delta.MMV)
	global, homed := r.global, r.homed
	r.mu.Unlock()

	r.metrics.Position(global)
	r.logger.Debugf("Global position updated: %s (display %s)", global, r.cfg.Display(global))
	if homed {
		if err := r.saveCurrentPosition(global, homed); err != nil {
			r.logger.Warnf("failed to persist current position: %v", err)
		}
	}
}

// Status returns homing state, both position records and the limit record.
func (r *RobotController) Status() RobotStatus {
	r.mu.Lock()
	status := RobotStatus{
		Homed:           r.homed,
		GlobalPosition:  r.global,
		CurrentPosition: r.current,
		Display:         r.cfg.Display(r.global),
		Workspace:       r.workspace,
	}
	r.mu.Unlock()
	status.Limits = r.tr.LimitStatus()
	return status
}

// GlobalPosition returns the accumulated position.
func (r *RobotController) GlobalPosition() Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.global
}

// LogicalPosition returns the accumulated position in logical coordinates.
func (r *RobotController) LogicalPosition() Position {
	return r.cfg.Display(r.GlobalPosition())
}

func (r *RobotController) IsHomed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.homed
}

// Workspace returns the calibrated dimensions, if any.
func (r *RobotController) Workspace() WorkspaceDimensions {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workspace
}

// Bounds is the reachable logical area: the calibrated workspace when known,
// the configured maximum travel otherwise.
func (r *RobotController) Bounds() (float64, float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.workspace.Calibrated && r.workspace.WidthMM > 0 && r.workspace.HeightMM > 0 {
		return r.workspace.WidthMM, r.workspace.HeightMM
	}
	return r.cfg.MaxX, r.cfg.MaxY
}

// MoveRelative moves the gantry by a firmware-frame delta and waits for the
// move to finish.
func (r *RobotController) MoveRelative(ctx context.Context, dx, dy float64) error {
	return r.MoveRelativeWithin(ctx, dx, dy, seconds(r.cfg.TravelTimeoutSec))
}

// MoveToAbsolute travels to logical (x, y). The target is checked before the
// arm or gantry is commanded.
func (r *RobotController) MoveToAbsolute(ctx context.Context, x, y float64) error {
	if !r.IsHomed() {
		return ErrNotHomed
	}
	maxX, maxY := r.Bounds()
	if x < 0 || x > maxX || y < 0 || y > maxY {
		return errors.Wrapf(ErrOutOfBounds, "(%.1f, %.1f) outside 0..%.1f x 0..%.1f", x, y, maxX, maxY)
	}

	if r.arm != nil && !r.arm.IsInSafePosition() {
		r.logger.Warn("Arm is not in a safe position, moving it first")
		if err := r.arm.EnsureSafePosition(ctx); err != nil {
			return errors.Wrap(err, "failed to move arm to a safe position")
		}
	}

	target := r.cfg.Display(Position{X: x, Y: y})
	r.mu.Lock()
	dx, dy := target.X-r.current.X, target.Y-r.current.Y
	r.mu.Unlock()
	if dx == 0 && dy == 0 {
		return nil
	}
	if err := r.MoveRelative(ctx, dx, dy); err != nil {
		return err
	}
	r.logger.Infof("Moved to absolute position (%.1f, %.1f)", x, y)
	return nil
}

// Sweep moves by a logical delta and returns the positions the controller
// flagged during the move, in logical coordinates.
func (r *RobotController) Sweep(ctx context.Context, dx, dy float64) ([]Position, error) {
	if !r.IsHomed() {
		return nil, ErrNotHomed
	}
	if r.arm != nil && !r.arm.IsInSafePosition() {
		if err := r.arm.EnsureSafePosition(ctx); err != nil {
			return nil, errors.Wrap(err, "failed to move arm to a safe position")
		}
	}

	delta := r.cfg.Display(Position{X: dx, Y: dy})
	r.tr.ClearSnapshots()
	if err := r.MoveRelative(ctx, delta.X, delta.Y); err != nil {
		return nil, errors.Wrap(err, "sweep failed")
	}
	snaps := r.tr.Snapshots()
	if len(snaps) == 0 && utils.SelectContextOrWait(ctx, snapshotGrace) {
		snaps = r.tr.Snapshots()
	}

	out := make([]Position, len(snaps))
	for i, s := range snaps {
		out[i] = r.cfg.Display(Position{X: s.X, Y: s.Y})
	}
	r.logger.Infof("Sweep by (%.1f, %.1f) flagged %d positions", dx, dy, len(out))
	return out, nil
}

// ResyncFromFirmware overwrites both position records with the firmware's
// absolute position.
func (r *RobotController) ResyncFromFirmware(ctx context.Context) error {
	reply, err := r.cmd.QueryPosition(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to query firmware position")
	}
	pos, err := ParsePositionMM(reply.Text)
	if err != nil {
		return errors.Wrap(err, "failed to parse firmware position")
	}

	r.mu.Lock()
	drift := r.global.DistanceTo(pos)
	r.global = pos
	r.current = pos
	homed := r.homed
	r.mu.Unlock()

	r.metrics.Position(pos)
	r.logger.Infof("Resynced position from firmware: %s (drift %.1fmm)", r.cfg.Display(pos), drift)
	if homed {
		if err := r.saveCurrentPosition(pos, homed); err != nil {
			return err
		}
	}
	return nil
}

// LoadPersisted restores the homing reference, the last position and the
// workspace dimensions.
func (r *RobotController) LoadPersisted() error {
	var ref PositionRecord
	found, err := r.store.Load(homingReferenceFile, &ref)
	if err != nil {
		return err
	}
	if !found || !ref.Homed {
		r.logger.Info("No previous homing reference, home the robot to set the origin")
	} else {
		r.mu.Lock()
		r.current, r.global, r.homed = ref.Position, ref.Position, true
		r.mu.Unlock()
		r.logger.Infof("Homing reference restored at %s", ref.Position)

		var last PositionRecord
		found, err := r.store.Load(currentPositionFile, &last)
		if err != nil {
			r.logger.Warnf("failed to load current position: %v", err)
		} else if found && last.Homed {
			r.mu.Lock()
			r.current, r.global = last.Position, last.Position
			r.mu.Unlock()
			r.logger.Infof("Previous position restored: %s", r.cfg.Display(last.Position))
		}
	}

	var ws WorkspaceDimensions
	found, err = r.store.Load(workspaceDimensionsFile, &ws)
	if err != nil {
		return err
	}
	if found && ws.Calibrated {
		r.mu.Lock()
		r.workspace = ws
		r.mu.Unlock()
		r.logger.Infof("Workspace dimensions loaded: %.1fmm x %.1fmm", ws.WidthMM, ws.HeightMM)
	}
	return nil
}

func (r *RobotController) setOrigin() Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = Position{}
	r.global = Position{}
	r.homed = true
	return r.current
}

func (r *RobotController) saveHomingReference(p Position) error {
	rec := PositionRecord{Timestamp: nowStamp(), Position: p, Homed: true}
	if err := r.store.Save(homingReferenceFile, rec); err != nil {
		return errors.Wrap(err, "failed to save homing reference")
	}
	return nil
}

func (r *RobotController) saveCurrentPosition(p Position, homed bool) error {
	rec := PositionRecord{Timestamp: nowStamp(), Position: p, Homed: homed}
	if err := r.store.Save(currentPositionFile, rec); err != nil {
		return errors.Wrap(err, "failed to save current position")
	}
	return nil
}

func (r *RobotController) saveWorkspace(ws WorkspaceDimensions) error {
	if err := r.store.Save(workspaceDimensionsFile, ws); err != nil {
		return errors.Wrap(err, "failed to save workspace dimensions")
	}
	r.mu.Lock()
	r.workspace = ws
	r.mu.Unlock()
	return nil
}
