package harvester

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// How long to wait for the emergency-stop report once a limit has tripped.
const captureWait = 2 * time.Second

// travelCapture records the first long travel per axis seen in
// emergency-stop reports.
type travelCapture struct {
	minMM float64

	mu   sync.Mutex
	h, v *float64
	hCh  chan struct{}
	vCh  chan struct{}
}

func newTravelCapture(minMM float64) *travelCapture {
	c := &travelCapture{minMM: minMM}
	c.reset()
	return c
}

func (c *travelCapture) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.h, c.v = nil, nil
	c.hCh = make(chan struct{})
	c.vCh = make(chan struct{})
}

func (c *travelCapture) observe(line string) {
	delta, err := ParseMoveDelta(line)
	if err != nil {
		return
	}
	h, v := math.Abs(delta.MMH), math.Abs(delta.MMV)

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case h > v && h > c.minMM && c.h == nil:
		c.h = &h
		close(c.hCh)
	case v > h && v > c.minMM && c.v == nil:
		c.v = &v
		close(c.vCh)
	}
}

func (c *travelCapture) wait(ctx context.Context, horizontal bool) (float64, error) {
	c.mu.Lock()
	ch := c.vCh
	if horizontal {
		ch = c.hCh
	}
	c.mu.Unlock()

	select {
	case <-ch:
	case <-time.After(captureWait):
		axis := "vertical"
		if horizontal {
			axis = "horizontal"
		}
		return 0, errors.Errorf("no %s travel distance captured", axis)
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if horizontal {
		return *c.h, nil
	}
	return *c.v, nil
}

// CalibrateWorkspace homes, measures the travel to the left and lower limits
// from emergency-stop reports, persists the usable dimensions and homes again.
func (r *RobotController) CalibrateWorkspace(ctx context.Context) (WorkspaceDimensions, error) {
	r.logger.Info("Starting workspace calibration")

	capture := newTravelCapture(r.cfg.MinCaptureMM)
	original := r.tr.Handler(EventEmergencyStop)
	r.tr.SetHandler(EventEmergencyStop, func(ev Event) {
		if original != nil {
			original(ev)
		}
		capture.observe(ev.Raw)
	})
	defer r.tr.SetHandler(EventEmergencyStop, original)

	if err := r.Home(ctx); err != nil {
		return WorkspaceDimensions{}, errors.Wrap(err, "initial homing failed")
	}
	if r.arm != nil && !r.arm.IsInSafePosition() {
		if err := r.arm.EnsureSafePosition(ctx); err != nil {
			return WorkspaceDimensions{}, errors.Wrap(err, "failed to move arm to a safe position")
		}
	}

	rawH, rawV, err := r.measureTravel(ctx, capture)
	if err != nil {
		return WorkspaceDimensions{}, err
	}

	margin := r.cfg.SafetyMarginMM
	widthMM := math.Max(0, rawH-margin)
	heightMM := math.Max(0, rawV-margin)
	dims := WorkspaceDimensions{
		Timestamp:   nowStamp(),
		WidthMM:     math.Round(widthMM*10) / 10,
		HeightMM:    math.Round(heightMM*10) / 10,
		WidthSteps:  int(widthMM * r.cfg.StepsPerMMH),
		HeightSteps: int(heightMM * r.cfg.StepsPerMMV),
		Calibrated:  true,
		StepsPerMMH: r.cfg.StepsPerMMH,
		StepsPerMMV: r.cfg.StepsPerMMV,
	}
	r.logger.Infof("Measured %.1fmm x %.1fmm, usable %.1fmm x %.1fmm", rawH, rawV, dims.WidthMM, dims.HeightMM)

	if err := r.saveWorkspace(dims); err != nil {
		return dims, err
	}
	if err := r.home(ctx); err != nil {
		return dims, errors.Wrap(err, "final homing failed")
	}
	r.logger.Info("Workspace calibration completed")
	return dims, nil
}

func (r *RobotController) measureTravel(ctx context.Context, capture *travelCapture) (float64, float64, error) {
	if _, err := r.cmd.SetVelocities(ctx, r.cfg.HomingSpeedH, r.cfg.HomingSpeedV); err != nil {
		return 0, 0, errors.Wrap(err, "failed to set measuring velocities")
	}
	defer r.restoreNormalOperation(ctx)
	capture.reset()

	r.logger.Info("Measuring horizontal travel")
	if err := r.driveToLimit(ctx, r.cfg.measureX(), 0, LimitHLeft, seconds(r.cfg.LeftLimitSec)); err != nil {
		return 0, 0, err
	}
	rawH, err := capture.wait(ctx, true)
	if err != nil {
		return 0, 0, err
	}

	if err := r.MoveRelativeWithin(ctx, r.cfg.ApplyX(-r.cfg.LimitBackoffMM), 0, seconds(r.cfg.ShortMoveSec)); err != nil {
		return 0, 0, errors.Wrap(err, "failed to back off left limit")
	}

	r.logger.Info("Measuring vertical travel")
	if err := r.driveToLimit(ctx, 0, r.cfg.measureY(), LimitVDown, seconds(r.cfg.DownLimitSec)); err != nil {
		return 0, 0, err
	}
	rawV, err := capture.wait(ctx, false)
	if err != nil {
		return 0, 0, err
	}
	return rawH, rawV, nil
}
