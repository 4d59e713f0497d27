package harvester

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/utils"
)

const releasePollInterval = 50 * time.Millisecond

// Home drives into the right and upper limits and sets the origin a fixed
// offset away from that corner. The arm must be in the travel configuration.
// Velocities and heartbeat are restored on every return path.
func (r *RobotController) Home(ctx context.Context) (err error) {
	r.logger.Info("Starting homing sequence")
	if r.arm != nil {
		ok, err := r.arm.IsInTravelPosition(ctx)
		if err != nil {
			return errors.Wrap(err, "failed to read arm position before homing")
		}
		if !ok {
			return errors.Wrapf(ErrArmNotSafe, "arm must be in the %s configuration to home", ArmTravel)
		}
	}

	defer func() {
		r.metrics.HomingDone(err)
		if err != nil {
			r.logger.Errorf("Homing failed: %v", err)
		}
	}()
	return r.home(ctx)
}

func (r *RobotController) home(ctx context.Context) error {
	if _, err := r.cmd.SetHeartbeat(ctx, false); err != nil {
		r.logger.Warnf("failed to disable heartbeat: %v", err)
	}
	if _, err := r.cmd.SetVelocities(ctx, r.cfg.HomingSpeedH, r.cfg.HomingSpeedV); err != nil {
		return errors.Wrap(err, "failed to set homing velocities")
	}
	defer r.restoreNormalOperation(ctx)

	if err := r.backOffActiveLimits(ctx); err != nil {
		return err
	}

	r.logger.Info("Moving right until the limit switch")
	if err := r.driveToLimit(ctx, r.cfg.homingX(), 0, LimitHRight, seconds(r.cfg.RightLimitSec)); err != nil {
		return err
	}

	offsetX := r.cfg.homeOffsetX()
	if r.tr.LimitStatus().HRight {
		r.logger.Infof("Backing off %.1fmm to release the right limit", r.cfg.HomeOffsetH)
		if err := r.MoveRelativeWithin(ctx, r.cfg.homeOffsetX(), 0, seconds(r.cfg.ShortMoveSec)); err != nil {
			return errors.Wrap(err, "failed to release right limit")
		}
		r.waitForRelease(ctx, LimitHRight)
		offsetX = 0
	}

	r.logger.Info("Moving up until the limit switch")
	if err := r.driveToLimit(ctx, 0, r.cfg.homingY(), LimitVUp, seconds(r.cfg.UpLimitSec)); err != nil {
		return err
	}

	r.logger.Infof("Applying origin offset (%.1f, %.1f)", offsetX, r.cfg.homeOffsetY())
	if err := r.MoveRelativeWithin(ctx, offsetX, r.cfg.homeOffsetY(), seconds(r.cfg.ShortMoveSec)); err != nil {
		return errors.Wrap(err, "failed to apply origin offset")
	}

	origin := r.setOrigin()
	r.metrics.Position(origin)
	if err := r.saveHomingReference(origin); err != nil {
		r.logger.Warnf("%v", err)
	}
	if err := r.saveCurrentPosition(origin, true); err != nil {
		r.logger.Warnf("%v", err)
	}
	r.logger.Info("Homing completed")
	return nil
}

// MoveRelativeWithin is MoveRelative with an explicit completion timeout.
func (r *RobotController) MoveRelativeWithin(ctx context.Context, dx, dy float64, timeout time.Duration) error {
	if _, err := r.cmd.MoveXY(ctx, dx, dy); err != nil {
		return errors.Wrapf(err, "failed to move by (%.1f, %.1f)", dx, dy)
	}
	return r.tr.WaitForCompletion(ctx, ActionStepperMove, timeout)
}

// backOffActiveLimits moves a short distance away from every switch that is
// asserted before homing starts.
func (r *RobotController) backOffActiveLimits(ctx context.Context) error {
	if _, err := r.tr.CheckLimits(ctx); err != nil {
		r.logger.Warnf("failed to refresh limit status, using last record: %v", err)
	}
	status := r.tr.LimitStatus()
	d := r.cfg.LimitBackoffMM
	moves := []struct {
		limit  Limit
		dx, dy float64
	}{
		{LimitHRight, r.cfg.ApplyX(d), 0},
		{LimitHLeft, r.cfg.ApplyX(-d), 0},
		{LimitVUp, 0, r.cfg.ApplyY(d)},
		{LimitVDown, 0, r.cfg.ApplyY(-d)},
	}
	for _, m := range moves {
		if !status.Get(m.limit) {
			continue
		}
		r.logger.Infof("Pre-homing: backing off active %s limit by (%.1f, %.1f)", m.limit, m.dx, m.dy)
		if err := r.MoveRelativeWithin(ctx, m.dx, m.dy, seconds(r.cfg.ShortMoveSec)); err != nil {
			return errors.Wrapf(err, "failed to back off %s limit", m.limit)
		}
	}
	return nil
}

func (r *RobotController) driveToLimit(ctx context.Context, dx, dy float64, limit Limit, timeout time.Duration) error {
	if _, err := r.cmd.MoveXY(ctx, dx, dy); err != nil {
		return errors.Wrapf(err, "failed to start move toward %s limit", limit)
	}
	msg, err := r.tr.WaitForLimitSpecific(ctx, limit, timeout)
	if err != nil {
		return errors.Wrapf(err, "%s limit not reached", limit)
	}
	r.logger.Infof("%s limit reached (%s)", limit, msg)
	return nil
}

// waitForRelease polls the switch until it reads released or the release
// window passes.
func (r *RobotController) waitForRelease(ctx context.Context, limit Limit) {
	deadline := time.Now().Add(seconds(r.cfg.LimitReleaseSec))
	for time.Now().Before(deadline) {
		if _, err := r.tr.CheckLimits(ctx); err == nil && !r.tr.LimitStatus().Get(limit) {
			return
		}
		if !utils.SelectContextOrWait(ctx, releasePollInterval) {
			return
		}
	}
	r.logger.Warnf("%s limit still reads asserted after backing off", limit)
}

func (r *RobotController) restoreNormalOperation(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	if _, err := r.cmd.SetVelocities(ctx, r.cfg.NormalSpeedH, r.cfg.NormalSpeedV); err != nil {
		r.logger.Warnf("failed to restore normal velocities: %v", err)
	}
	if _, err := r.cmd.SetHeartbeat(ctx, true); err != nil {
		r.logger.Warnf("failed to re-enable heartbeat: %v", err)
	}
}
