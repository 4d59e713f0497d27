package harvester

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// ArmStatus is a snapshot of the arm record.
type ArmStatus struct {
	State       string       `json:"state"`
	Servo1      int          `json:"servo1"`
	Servo2      int          `json:"servo2"`
	Gripper     GripperState `json:"gripper"`
	Payload     bool         `json:"payload"`
	Known       bool         `json:"is_known"`
	Safe        bool         `json:"is_safe"`
	Executing   bool         `json:"is_executing"`
	Trajectory  string       `json:"trajectory,omitempty"`
	Step        int          `json:"step,omitempty"`
	Transitions []string     `json:"possible_transitions"`
}

// trajectoryRun is one executing trajectory. step is the index of the step in
// flight, -1 before the first one is issued.
type trajectoryRun struct {
	ctx      context.Context
	traj     Trajectory
	target   ArmState
	step     int
	watchdog *time.Timer
	done     chan error
	finished bool
}

// ArmController drives the two-servo arm and the gripper through named
// states. Steps are issued one at a time; the next one is issued from the
// servo or gripper completion event of the previous one.
type ArmController struct {
	cfg     ArmConfig
	tr      *Transport
	cmd     *Commands
	logger  logging.Logger
	metrics *Metrics

	mu      sync.Mutex
	state   ArmState
	servo1  int
	servo2  int
	gripper GripperState
	payload bool
	run     *trajectoryRun
}

// NewArmController installs the servo, gripper and system-status handlers on
// tr. The state stays unknown until RefreshState or a status broadcast.
func NewArmController(cfg ArmConfig, tr *Transport, cmd *Commands, logger logging.Logger, metrics *Metrics) *ArmController {
	a := &ArmController{
		cfg:     cfg,
		tr:      tr,
		cmd:     cmd,
		logger:  logger,
		metrics: metrics,
		state:   ArmUnknown,
		servo1:  90,
		servo2:  90,
		gripper: GripperUnknown,
		payload: true,
	}
	tr.SetHandler(EventServoCompleted, a.onServoCompleted)
	tr.SetHandler(EventGripperCompleted, a.onGripperCompleted)
	tr.SetHandler(EventSystemStatus, a.onSystemStatus)
	return a
}

// RefreshState reads the servo angles and the gripper from the controller.
func (a *ArmController) RefreshState(ctx context.Context) error {
	reply, err := a.cmd.QueryServos(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to query servo positions")
	}
	s1, s2, err := ParseServoPositions(reply.Text)
	if err != nil {
		return err
	}
	state := DetermineState(s1, s2, a.cfg.StateTolerance)
	a.mu.Lock()
	a.servo1, a.servo2 = s1, s2
	a.state = state
	a.mu.Unlock()
	a.logger.Infof("Arm state: %s at (%d, %d)", state, s1, s2)

	reply, err = a.cmd.QueryGripper(ctx)
	if err != nil {
		a.logger.Warnf("failed to query gripper: %v", err)
		return nil
	}
	g, err := ParseGripperStatus(reply.Text)
	if err != nil {
		a.logger.Warnf("%v", err)
		return nil
	}
	a.mu.Lock()
	a.gripper = g
	a.mu.Unlock()
	a.logger.Infof("Gripper state: %s", g)
	return nil
}

// State returns the current named state, recovering it from the last known
// angles when it is unknown.
func (a *ArmController) State() ArmState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.recoverLocked()
}

func (a *ArmController) recoverLocked() ArmState {
	if a.state == ArmUnknown && a.run == nil {
		if s := DetermineState(a.servo1, a.servo2, a.cfg.StateTolerance); s != ArmUnknown {
			a.logger.Infof("Arm state recovered as %s from (%d, %d)", s, a.servo1, a.servo2)
			a.state = s
		}
	}
	return a.state
}

func (a *ArmController) Status() ArmStatus {
	a.mu.Lock()
	state := a.recoverLocked()
	st := ArmStatus{
		State:     state.String(),
		Servo1:    a.servo1,
		Servo2:    a.servo2,
		Gripper:   a.gripper,
		Payload:   a.payload,
		Known:     state != ArmUnknown,
		Safe:      state.safe(),
		Executing: a.run != nil,
	}
	if a.run != nil {
		st.Trajectory = a.run.traj.Name
		st.Step = a.run.step + 1
	}
	a.mu.Unlock()

	for _, s := range a.PossibleTransitions() {
		st.Transitions = append(st.Transitions, s.String())
	}
	return st
}

// IsInSafePosition reports whether the arm is in a state that allows XY travel.
func (a *ArmController) IsInSafePosition() bool {
	return a.State().safe()
}

// IsInTravelPosition reports whether the arm is folded for homing. An unknown
// state is re-read from the controller first.
func (a *ArmController) IsInTravelPosition(ctx context.Context) (bool, error) {
	if s := a.State(); s != ArmUnknown {
		return s == ArmTravel, nil
	}
	if err := a.RefreshState(ctx); err != nil {
		return false, err
	}
	return a.State() == ArmTravel, nil
}

// EnsureSafePosition moves the arm to the nearest safe state unless it is
// already in one.
func (a *ArmController) EnsureSafePosition(ctx context.Context) error {
	if a.IsInSafePosition() {
		return nil
	}
	a.mu.Lock()
	target, dist := closestSafeState(a.servo1, a.servo2)
	a.mu.Unlock()
	a.logger.Infof("Moving arm to the closest safe state %s (%.1f degrees away)", target, dist)
	return a.ChangeState(ctx, target)
}

// SetPayload records whether the gripper holds a plant.
func (a *ArmController) SetPayload(has bool) {
	a.mu.Lock()
	a.payload = has
	a.mu.Unlock()
	a.logger.Debugf("Payload flag set to %v", has)
}

func (a *ArmController) HasPayload() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.payload
}

// PossibleTransitions lists the states reachable from the current one.
func (a *ArmController) PossibleTransitions() []ArmState {
	a.mu.Lock()
	from, payload := a.state, a.payload
	a.mu.Unlock()

	var out []ArmState
	for _, s := range ArmStates() {
		if s == from {
			continue
		}
		if _, ok := LookupTrajectory(from, s, payload); ok {
			out = append(out, s)
		}
	}
	return out
}

// ChangeState runs the trajectory from the current state to target and
// blocks until it finishes or ctx ends.
func (a *ArmController) ChangeState(ctx context.Context, target ArmState) (err error) {
	if _, ok := target.Configuration(); !ok {
		return errors.Wrapf(ErrUnknownArmState, "%s", target)
	}

	a.mu.Lock()
	from := a.recoverLocked()
	if from == target {
		a.mu.Unlock()
		return nil
	}
	if a.run != nil {
		a.mu.Unlock()
		return ErrTrajectoryInProgress
	}
	traj, ok := LookupTrajectory(from, target, a.payload)
	if !ok {
		a.mu.Unlock()
		return errors.Wrapf(ErrNoTrajectory, "%s -> %s", from, target)
	}
	run := &trajectoryRun{ctx: ctx, traj: traj, target: target, step: -1, done: make(chan error, 1)}
	a.run = run
	a.mu.Unlock()

	defer func() { a.metrics.TrajectoryDone(target, err) }()
	a.logger.Infof("Executing %s: %s (estimated %v)", traj.Name, traj.Description, traj.Estimate())

	a.advance(run, 0)

	select {
	case err := <-run.done:
		return err
	case <-ctx.Done():
		a.finish(run, errors.Wrapf(ctx.Err(), "trajectory %s", traj.Name))
		return errors.Wrapf(ctx.Err(), "trajectory %s", traj.Name)
	}
}

// StopTrajectory aborts the executing trajectory and halts the controller.
func (a *ArmController) StopTrajectory(ctx context.Context) error {
	a.mu.Lock()
	run := a.run
	a.mu.Unlock()
	if run == nil {
		return errors.New("no trajectory executing")
	}
	a.finish(run, errors.Errorf("trajectory %s stopped", run.traj.Name))
	if _, err := a.cmd.EmergencyStop(ctx); err != nil {
		return errors.Wrap(err, "failed to send emergency stop")
	}
	return nil
}

// advance issues steps starting at idx. Gripper steps that already match are
// skipped in place; the loop returns once a step is waiting for its
// completion event.
func (a *ArmController) advance(run *trajectoryRun, idx int) {
	for {
		a.mu.Lock()
		if a.run != run || run.finished || idx != run.step+1 {
			a.mu.Unlock()
			return
		}
		if run.watchdog != nil {
			run.watchdog.Stop()
			run.watchdog = nil
		}
		if idx >= len(run.traj.Steps) {
			a.mu.Unlock()
			a.complete(run)
			return
		}
		run.step = idx
		a.mu.Unlock()

		step := run.traj.Steps[idx]
		a.logger.Infof("Step %d/%d: %s", idx+1, len(run.traj.Steps), step.Description)

		waiting, err := a.issue(run, step)
		if err != nil {
			a.finish(run, errors.Wrapf(err, "trajectory %s step %d (%s)", run.traj.Name, idx+1, step.Description))
			return
		}
		if waiting {
			a.armWatchdog(run, idx, step)
			return
		}
		idx++
	}
}

// issue sends one step. It reports false when the step needed no command.
func (a *ArmController) issue(run *trajectoryRun, step TrajectoryStep) (bool, error) {
	switch step.Kind {
	case StepGripper:
		current := GripperUnknown
		if reply, err := a.cmd.QueryGripper(run.ctx); err != nil {
			a.logger.Warnf("failed to query gripper, toggling anyway: %v", err)
		} else if g, err := ParseGripperStatus(reply.Text); err != nil {
			a.logger.Warnf("%v, toggling anyway", err)
		} else {
			current = g
		}
		if current == step.Action {
			a.mu.Lock()
			a.gripper = step.Action
			a.mu.Unlock()
			return false, nil
		}
		if _, err := a.cmd.ToggleGripper(run.ctx); err != nil {
			return false, err
		}
		return true, nil
	default:
		if _, err := a.cmd.MoveArm(run.ctx, step.Servo1, step.Servo2, step.DurationMS); err != nil {
			return false, err
		}
		a.mu.Lock()
		a.servo1, a.servo2 = clampAngle(step.Servo1), clampAngle(step.Servo2)
		a.mu.Unlock()
		return true, nil
	}
}

func (a *ArmController) watchdogTimeout(step TrajectoryStep) time.Duration {
	if step.Kind == StepGripper {
		return seconds(a.cfg.GripperWatchdogSec)
	}
	return time.Duration(step.DurationMS)*time.Millisecond + seconds(a.cfg.StepWatchdogSec)
}

func (a *ArmController) armWatchdog(run *trajectoryRun, idx int, step TrajectoryStep) {
	timeout := a.watchdogTimeout(step)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.run != run || run.finished || run.step != idx {
		return
	}
	run.watchdog = time.AfterFunc(timeout, func() { a.onWatchdog(run, idx, step, timeout) })
}

// onWatchdog handles a step whose completion event never arrived. The step is
// accepted when the controller reports it done, otherwise the run fails.
func (a *ArmController) onWatchdog(run *trajectoryRun, idx int, step TrajectoryStep, timeout time.Duration) {
	a.mu.Lock()
	current := a.run == run && !run.finished && run.step == idx
	a.mu.Unlock()
	if !current {
		return
	}
	a.logger.Warnf("No completion for step %d of %s after %v, checking the controller", idx+1, run.traj.Name, timeout)

	if a.stepReached(run.ctx, step) {
		a.advance(run, idx+1)
		return
	}
	a.finish(run, errors.Wrapf(
		&TimeoutError{Op: "arm step " + step.String(), Timeout: timeout},
		"trajectory %s step %d", run.traj.Name, idx+1))
}

func (a *ArmController) stepReached(ctx context.Context, step TrajectoryStep) bool {
	if step.Kind == StepGripper {
		reply, err := a.cmd.QueryGripper(ctx)
		if err != nil {
			return false
		}
		g, err := ParseGripperStatus(reply.Text)
		return err == nil && g == step.Action
	}
	reply, err := a.cmd.QueryServos(ctx)
	if err != nil {
		return false
	}
	s1, s2, err := ParseServoPositions(reply.Text)
	if err != nil {
		return false
	}
	tol := a.cfg.StateTolerance
	return absInt(s1-clampAngle(step.Servo1)) <= tol && absInt(s2-clampAngle(step.Servo2)) <= tol
}

// stepDone routes a completion event to the step in flight when it is of the
// matching kind.
func (a *ArmController) stepDone(kind StepKind) {
	a.mu.Lock()
	run := a.run
	if run == nil || run.finished || run.step < 0 || run.traj.Steps[run.step].Kind != kind {
		a.mu.Unlock()
		return
	}
	next := run.step + 1
	a.mu.Unlock()
	a.advance(run, next)
}

// complete records the declared configuration of the target. A target that
// accepts any gripper state keeps the last reported one.
func (a *ArmController) complete(run *trajectoryRun) {
	cfg := armConfigurations[run.target]
	a.mu.Lock()
	a.state = run.target
	a.servo1, a.servo2 = cfg.Servo1, cfg.Servo2
	if cfg.Gripper != GripperAny {
		a.gripper = cfg.Gripper
	}
	a.mu.Unlock()
	a.logger.Infof("Trajectory %s completed, arm in %s", run.traj.Name, run.target)
	a.finish(run, nil)
}

// finish ends run once. The arm is left where it is on failure.
func (a *ArmController) finish(run *trajectoryRun, err error) {
	a.mu.Lock()
	if run.finished {
		a.mu.Unlock()
		return
	}
	run.finished = true
	if run.watchdog != nil {
		run.watchdog.Stop()
		run.watchdog = nil
	}
	if a.run == run {
		a.run = nil
	}
	if err != nil {
		a.state = ArmUnknown
	}
	a.mu.Unlock()

	if err != nil {
		a.logger.Errorf("Trajectory aborted: %v", err)
	}
	run.done <- err
}

func (a *ArmController) onServoCompleted(ev Event) {
	a.logger.Debugf("Servo completed: %s", ev.Raw)
	a.stepDone(StepArmMove)
}

func (a *ArmController) onGripperCompleted(ev Event) {
	a.logger.Debugf("Gripper completed: %s", ev.Raw)
	upper := strings.ToUpper(ev.Raw)
	a.mu.Lock()
	switch {
	case strings.Contains(upper, "CLOSED"):
		a.gripper = GripperClosed
	case strings.Contains(upper, "OPEN"):
		a.gripper = GripperOpen
	}
	a.mu.Unlock()
	a.stepDone(StepGripper)
}

func (a *ArmController) onSystemStatus(ev Event) {
	st, err := ParseSystemStatus(ev.Raw)
	if err != nil {
		a.logger.Warnf("failed to parse system status: %v", err)
		return
	}
	a.mu.Lock()
	a.servo1, a.servo2 = st.Servo1, st.Servo2
	if st.Gripper != GripperUnknown {
		a.gripper = st.Gripper
	}
	if a.run == nil {
		a.state = DetermineState(st.Servo1, st.Servo2, a.cfg.StateTolerance)
	}
	state := a.state
	a.mu.Unlock()
	a.logger.Debugf("System status: %s at (%d, %d), gripper %s", state, st.Servo1, st.Servo2, st.Gripper)
}
