package harvester

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	minServoAngle = 10
	maxServoAngle = 160
)

type commandSender interface {
	SendCommand(ctx context.Context, cmd string, timeout time.Duration) (string, error)
}

// Reply is a firmware answer to one command.
type Reply struct {
	Command string
	Text    string
}

// Success reports whether the reply ended with OK:.
func (r Reply) Success() bool {
	lines := strings.Split(r.Text, "\n")
	return strings.HasPrefix(lines[len(lines)-1], "OK:")
}

// Commands turns domain operations into wire strings. None of them retry.
type Commands struct {
	sender  commandSender
	timeout time.Duration
}

// NewCommands wraps a sender. A zero timeout defers to the sender's default.
func NewCommands(sender commandSender, timeout time.Duration) *Commands {
	return &Commands{sender: sender, timeout: timeout}
}

func (c *Commands) send(ctx context.Context, cmd string) (Reply, error) {
	text, err := c.sender.SendCommand(ctx, cmd, c.timeout)
	return Reply{Command: cmd, Text: text}, err
}

// Raw sends cmd unchanged.
func (c *Commands) Raw(ctx context.Context, cmd string) (Reply, error) {
	return c.send(ctx, cmd)
}

// MoveXY issues a relative gantry move in millimeters.
func (c *Commands) MoveXY(ctx context.Context, dx, dy float64) (Reply, error) {
	return c.send(ctx, fmt.Sprintf("M:%s,%s", formatMM(dx), formatMM(dy)))
}

// SetVelocities sets the stepper speeds in steps per second.
func (c *Commands) SetVelocities(ctx context.Context, h, v int) (Reply, error) {
	return c.send(ctx, fmt.Sprintf("V:%d,%d", h, v))
}

// MoveArm moves both arm servos over durationMS milliseconds.
func (c *Commands) MoveArm(ctx context.Context, servo1, servo2, durationMS int) (Reply, error) {
	if durationMS < 0 {
		durationMS = 0
	}
	return c.send(ctx, fmt.Sprintf("A:%d,%d,%d", clampAngle(servo1), clampAngle(servo2), durationMS))
}

// MoveServo moves one arm servo.
func (c *Commands) MoveServo(ctx context.Context, servo, angle int) (Reply, error) {
	if servo != 1 && servo != 2 {
		return Reply{}, errors.Errorf("servo must be 1 or 2, got %d", servo)
	}
	return c.send(ctx, fmt.Sprintf("P:%d,%d", servo, clampAngle(angle)))
}

// ToggleGripper flips the gripper. The firmware has no open or close command.
func (c *Commands) ToggleGripper(ctx context.Context) (Reply, error) {
	return c.send(ctx, "GT")
}

func (c *Commands) EmergencyStop(ctx context.Context) (Reply, error) {
	return c.send(ctx, "S")
}

func (c *Commands) QueryServos(ctx context.Context) (Reply, error) {
	return c.send(ctx, "Q")
}

func (c *Commands) QueryGripper(ctx context.Context) (Reply, error) {
	return c.send(ctx, "G?")
}

func (c *Commands) QueryPosition(ctx context.Context) (Reply, error) {
	return c.send(ctx, "XY?")
}

func (c *Commands) QuerySystemStatus(ctx context.Context) (Reply, error) {
	return c.send(ctx, "S?")
}

func (c *Commands) CheckLimits(ctx context.Context) (Reply, error) {
	return c.send(ctx, "L")
}

func (c *Commands) ResetArm(ctx context.Context) (Reply, error) {
	return c.send(ctx, "RA")
}

func (c *Commands) MovementProgress(ctx context.Context) (Reply, error) {
	return c.send(ctx, "RP")
}

// SetHeartbeat enables or disables the periodic status broadcast.
func (c *Commands) SetHeartbeat(ctx context.Context, on bool) (Reply, error) {
	if on {
		return c.send(ctx, "HB:1")
	}
	return c.send(ctx, "HB:0")
}

func clampAngle(a int) int {
	if a < minServoAngle {
		return minServoAngle
	}
	if a > maxServoAngle {
		return maxServoAngle
	}
	return a
}

func formatMM(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// GripperState is the physical state of the gripper.
type GripperState string

const (
	GripperOpen    GripperState = "open"
	GripperClosed  GripperState = "closed"
	GripperAny     GripperState = "any"
	GripperUnknown GripperState = "unknown"
)

// ParseServoPositions reads SERVO_POS:a,b.
func ParseServoPositions(resp string) (int, int, error) {
	payload, ok := findPayload(resp, "SERVO_POS:")
	if !ok {
		return 0, 0, errors.Errorf("no SERVO_POS in %q", resp)
	}
	parts := strings.Split(payload, ",")
	if len(parts) < 2 {
		return 0, 0, errors.Errorf("malformed SERVO_POS %q", payload)
	}
	s1, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, errors.Wrap(err, "servo1 angle")
	}
	s2, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, errors.Wrap(err, "servo2 angle")
	}
	return s1, s2, nil
}

// ParseGripperStatus reads GRIPPER_STATUS:OPEN,pos or GRIPPER_STATUS:CLOSED,pos.
func ParseGripperStatus(resp string) (GripperState, error) {
	payload, ok := findPayload(resp, "GRIPPER_STATUS:")
	if !ok {
		return GripperUnknown, errors.Errorf("no GRIPPER_STATUS in %q", resp)
	}
	state, _, _ := strings.Cut(payload, ",")
	switch strings.ToUpper(strings.TrimSpace(state)) {
	case "OPEN":
		return GripperOpen, nil
	case "CLOSED", "CLOSE":
		return GripperClosed, nil
	default:
		return GripperUnknown, errors.Errorf("unknown gripper state %q", state)
	}
}

// ParsePositionMM reads the x,y pair that follows MM: in a position reply.
func ParsePositionMM(resp string) (Position, error) {
	for _, line := range strings.Split(resp, "\n") {
		i := strings.Index(line, "MM:")
		if i < 0 {
			continue
		}
		x, y, err := parseFloatPair(line[i+len("MM:"):])
		if err != nil {
			return Position{}, errors.Wrapf(err, "malformed position %q", line)
		}
		return Position{X: x, Y: y}, nil
	}
	return Position{}, errors.Errorf("no MM: position in %q", resp)
}

// SystemStatus is the SYSTEM_STATUS broadcast.
type SystemStatus struct {
	Servo1  int
	Servo2  int
	Gripper GripperState
}

// ParseSystemStatus reads SYSTEM_STATUS:servo1=a,servo2=b,gripper=state.
// A line missing any of the three fields is rejected.
func ParseSystemStatus(resp string) (SystemStatus, error) {
	payload, ok := findPayload(resp, "SYSTEM_STATUS:")
	if !ok {
		return SystemStatus{}, errors.Errorf("no SYSTEM_STATUS in %q", resp)
	}
	status := SystemStatus{Gripper: GripperUnknown}
	var haveServo1, haveServo2, haveGripper bool
	for _, field := range strings.Split(payload, ",") {
		key, val, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		val = strings.TrimSpace(val)
		var err error
		switch key {
		case "servo1":
			status.Servo1, err = strconv.Atoi(val)
			haveServo1 = err == nil
		case "servo2":
			status.Servo2, err = strconv.Atoi(val)
			haveServo2 = err == nil
		case "gripper":
			switch strings.ToLower(val) {
			case "open":
				status.Gripper = GripperOpen
			case "closed", "close":
				status.Gripper = GripperClosed
			}
			haveGripper = val != ""
		}
		if err != nil {
			return SystemStatus{}, errors.Wrapf(err, "invalid %s in %q", key, payload)
		}
	}
	if !haveServo1 || !haveServo2 || !haveGripper {
		return SystemStatus{}, errors.Errorf("incomplete system status %q", payload)
	}
	return status, nil
}

// findPayload returns what follows prefix on the first line containing it.
func findPayload(resp, prefix string) (string, bool) {
	for _, line := range strings.Split(resp, "\n") {
		if i := strings.Index(line, prefix); i >= 0 {
			return strings.TrimSpace(line[i+len(prefix):]), true
		}
	}
	return "", false
}
